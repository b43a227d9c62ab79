package mm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

func testMachine() *MachineMeta {
	return &MachineMeta{
		HostTextStart:     0x8000_0000,
		HostTextEnd:       0x8000_1000,
		HostRodataStart:   0x8000_1000,
		HostRodataEnd:     0x8000_2000,
		HostDataStart:     0x8000_2000,
		HostDataEnd:       0x8000_3000,
		HostBssStackStart: 0x8000_3000,
		HostEkernel:       0x8000_4000,
		PLIC:              &MMIORange{Base: 0xc00_0000, Size: 0x40_0000},
		UART:              &MMIORange{Base: 0x1000_0000, Size: 0x1000},
	}
}

// TestNewHostVmmAreaPermissions checks the hypervisor's own mapped image:
// .text is non-writable, .rodata is non-writable, .data is non-executable,
// and TRAMPOLINE is mapped and executable.
func TestNewHostVmmAreaPermissions(t *testing.T) {
	mem := NewPhysicalMemory(PhysAddr(uint64(TRAMPOLINE)-0x10_0000), 0x20_0000)
	alloc := NewFrameAllocator(mem)
	machine := testMachine()
	machine.HostTextStart = PhysAddr(uint64(mem.Base()))
	machine.HostTextEnd = PhysAddr(uint64(mem.Base()) + PageSize)
	machine.HostRodataStart = machine.HostTextEnd
	machine.HostRodataEnd = PhysAddr(uint64(machine.HostRodataStart) + PageSize)
	machine.HostDataStart = machine.HostRodataEnd
	machine.HostDataEnd = PhysAddr(uint64(machine.HostDataStart) + PageSize)
	machine.HostBssStackStart = machine.HostDataEnd
	machine.HostEkernel = PhysAddr(uint64(machine.HostBssStackStart) + PageSize)

	hvmm, err := NewHostVmm(mem, alloc, machine)
	if err != nil {
		t.Fatalf("NewHostVmm: %v", err)
	}

	var text, rodata, data *MapArea
	for _, a := range hvmm.Areas {
		switch {
		case a.PPNRange != nil && a.PPNRange.Start.Addr() == machine.HostTextStart:
			text = a
		case a.PPNRange != nil && a.PPNRange.Start.Addr() == machine.HostRodataStart:
			rodata = a
		case a.PPNRange != nil && a.PPNRange.Start.Addr() == machine.HostDataStart:
			data = a
		}
	}
	if text == nil || rodata == nil || data == nil {
		t.Fatalf("expected .text/.rodata/.data areas to be present")
	}
	if text.MapPerm.Has(PermW) {
		t.Errorf(".text must not be writable")
	}
	if rodata.MapPerm.Has(PermW) {
		t.Errorf(".rodata must not be writable")
	}
	if data.MapPerm.Has(PermX) {
		t.Errorf(".data must not be executable")
	}

	trampolinePPN, perm, ok := hvmm.Translate(TRAMPOLINE.Floor())
	if !ok {
		t.Fatalf("TRAMPOLINE must be mapped")
	}
	if !perm.Has(PermX) {
		t.Errorf("TRAMPOLINE must be executable")
	}
	_ = trampolinePPN
}

// TestLinearAreaInvariant checks that for every vpn in a Linear MapArea,
// translate(vpn) == start_ppn + (vpn - start_vpn) with exactly map_perm's
// flags.
func TestLinearAreaInvariant(t *testing.T) {
	pt := NewPageTable()
	area := NewLinearArea(0x1000, 0x5000, 0x9000, PermR|PermW)
	if err := area.Map(pt, nil); err != nil {
		t.Fatalf("Map: %v", err)
	}
	for i := uint64(0); i < area.VPNRange.Len(); i++ {
		vpn := VPN(uint64(area.VPNRange.Start) + i)
		ppn, perm, ok := pt.Translate(vpn)
		if !ok {
			t.Fatalf("vpn %d not mapped", vpn)
		}
		wantPPN := PPN(uint64(area.PPNRange.Start) + i)
		if ppn != wantPPN {
			t.Errorf("vpn %d: got ppn %d, want %d", vpn, ppn, wantPPN)
		}
		if perm != area.MapPerm {
			t.Errorf("vpn %d: got perm %v, want %v", vpn, perm, area.MapPerm)
		}
	}
}

// TestFramedAreaInvariant checks that every vpn in a Framed MapArea
// translates to the PPN of its own owned frame.
func TestFramedAreaInvariant(t *testing.T) {
	mem := NewPhysicalMemory(0x1000_0000, 0x10_0000)
	alloc := NewFrameAllocator(mem)
	pt := NewPageTable()
	area := NewFramedArea(0x2000, 0x5000, PermR|PermW)
	if err := area.Map(pt, alloc); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if uint64(len(area.DataFrames)) != area.VPNRange.Len() {
		t.Fatalf("expected %d data frames, got %d", area.VPNRange.Len(), len(area.DataFrames))
	}
	for vpn, frame := range area.DataFrames {
		ppn, _, ok := pt.Translate(vpn)
		if !ok || ppn != frame.PPN {
			t.Errorf("vpn %d: pte ppn %d does not match owned frame %d", vpn, ppn, frame.PPN)
		}
	}
}

// buildTestELF assembles a minimal two-segment ELF64 guest image: a
// read+exec text segment and a read+write data segment.
func buildTestELF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	textData := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 0x3000/4) // NOP stream
	dataData := bytes.Repeat([]byte{0xAA}, 0x1000)

	const ehdrSize = 64
	const phdrSize = 56
	phoff := uint64(ehdrSize)
	textOff := phoff + 2*phdrSize
	dataOff := textOff + uint64(len(textData))

	ehdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   1,
		Entry:     0x8020_0000,
		Phoff:     phoff,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     2,
	}
	writeStruct(t, &buf, ehdr)

	phText := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    textOff,
		Vaddr:  0x8020_0000,
		Paddr:  0x8020_0000,
		Filesz: uint64(len(textData)),
		Memsz:  0x3000,
		Align:  0x1000,
	}
	phData := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W),
		Off:    dataOff,
		Vaddr:  0x8021_0000,
		Paddr:  0x8021_0000,
		Filesz: uint64(len(dataData)),
		Memsz:  0x1000,
		Align:  0x1000,
	}
	writeStruct(t, &buf, phText)
	writeStruct(t, &buf, phData)
	buf.Write(textData)
	buf.Write(dataData)
	return buf.Bytes()
}

func writeStruct(t *testing.T, buf *bytes.Buffer, v interface{}) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

// TestNewGuestMemorySetLoad reproduces scenario S5: two PT_LOAD segments are
// loaded, producing Linear areas with the expected permissions plus U, a
// tail area, and the MMIO regions from MachineMeta.
func TestNewGuestMemorySetLoad(t *testing.T) {
	elfImage := buildTestELF(t)
	mem := NewPhysicalMemory(GUEST_START_PA, 128*1024*1024)
	alloc := NewFrameAllocator(mem)
	machine := testMachine()

	gpm, err := NewGuestMemorySet(mem, alloc, elfImage, 128*1024*1024, machine)
	if err != nil {
		t.Fatalf("NewGuestMemorySet: %v", err)
	}

	var loadedAreas int
	var sawZeroSizePLIC bool
	for _, a := range gpm.Areas {
		if a.MapType == Linear && a.PPNRange != nil && a.VPNRange.Len() == 0 {
			sawZeroSizePLIC = true
		}
		if a.MapPerm.Has(PermU) && a.MapPerm.Has(PermR) && a.MapPerm.Has(PermX) && !a.MapPerm.Has(PermW) {
			loadedAreas++
		}
	}
	if loadedAreas == 0 {
		t.Errorf("expected at least one R+X+U loaded segment area")
	}
	if !sawZeroSizePLIC {
		t.Errorf("expected the zero-size PLIC area reproduced by the ELF-load path")
	}

	// Round-trip the text segment's bytes.
	vpn := VirtAddr(0x8020_0000).Floor()
	ppn, _, ok := gpm.Translate(vpn)
	if !ok {
		t.Fatalf("expected text segment's first page to be mapped")
	}
	got := make([]byte, 4)
	if err := mem.ReadAt(ppn.Addr(), got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := []byte{0x13, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("round-trip mismatch: got %x, want %x", got, want)
	}
}

// TestNewGuestZeroSizePLICRegion pins down that the PLIC area pushed by
// the ELF-load path always has zero length.
func TestNewGuestZeroSizePLICRegion(t *testing.T) {
	elfImage := buildTestELF(t)
	mem := NewPhysicalMemory(GUEST_START_PA, 128*1024*1024)
	alloc := NewFrameAllocator(mem)
	machine := testMachine()

	gpm, err := NewGuestMemorySet(mem, alloc, elfImage, 128*1024*1024, machine)
	if err != nil {
		t.Fatalf("NewGuestMemorySet: %v", err)
	}
	for _, a := range gpm.Areas {
		if a.PPNRange != nil && a.PPNRange.Start.Addr() == machine.PLIC.Base {
			if a.VPNRange.Len() != 0 {
				t.Errorf("expected the ELF-load path's PLIC area to be zero-length, got length %d", a.VPNRange.Len())
			}
			return
		}
	}
	t.Errorf("expected a PLIC area to be present")
}

// TestNewGuestMemorySetWithoutLoadSizesPLICCorrectly checks that, unlike
// the ELF-load path, the bootrom variant does not reproduce the zero-size bug.
func TestNewGuestMemorySetWithoutLoadSizesPLICCorrectly(t *testing.T) {
	mem := NewPhysicalMemory(0x8000_0000, 128*1024*1024)
	alloc := NewFrameAllocator(mem)
	machine := testMachine()
	machine.PhysicalMemoryOffset = 0x8020_0000
	machine.PhysicalMemorySize = 127 * 1024 * 1024

	gpm, err := NewGuestMemorySetWithoutLoad(mem, alloc, machine)
	if err != nil {
		t.Fatalf("NewGuestMemorySetWithoutLoad: %v", err)
	}
	for _, a := range gpm.Areas {
		if a.PPNRange != nil && a.PPNRange.Start.Addr() == machine.PLIC.Base {
			if a.VPNRange.Len() == 0 {
				t.Errorf("the bootrom-loaded path must not reproduce the zero-size PLIC bug")
			}
			return
		}
	}
	t.Errorf("expected a PLIC area to be present")
}
