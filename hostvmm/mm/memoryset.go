package mm

import "fmt"

// HostMemorySet owns an HS-stage page table and the MapAreas covering the
// hypervisor's own image, trampoline, trap context, and (after MapGPM) the
// guest's physical memory.
type HostMemorySet struct {
	PageTable *PageTable
	Areas     []*MapArea
	alloc     *FrameAllocator
	mem       *PhysicalMemory
}

// GuestMemorySet owns a G-stage page table (16 KiB-aligned root) and the
// MapAreas mapping guest VA(==guest PA) to host PA.
type GuestMemorySet struct {
	PageTable *PageTable
	Areas     []*MapArea
	alloc     *FrameAllocator
	mem       *PhysicalMemory
}

func newBareHost(mem *PhysicalMemory, alloc *FrameAllocator) *HostMemorySet {
	return &HostMemorySet{PageTable: NewPageTable(), alloc: alloc, mem: mem}
}

func newBareGuest(mem *PhysicalMemory, alloc *FrameAllocator) (*GuestMemorySet, error) {
	pt, err := NewGuestPageTable(alloc)
	if err != nil {
		return nil, err
	}
	return &GuestMemorySet{PageTable: pt, alloc: alloc, mem: mem}, nil
}

func (s *HostMemorySet) push(area *MapArea, data []byte) error {
	if err := area.Map(s.PageTable, s.alloc); err != nil {
		return err
	}
	if data != nil {
		if err := area.CopyData(s.mem, data); err != nil {
			return err
		}
	}
	s.Areas = append(s.Areas, area)
	return nil
}

func (s *GuestMemorySet) push(area *MapArea, data []byte) error {
	if err := area.Map(s.PageTable, s.alloc); err != nil {
		return err
	}
	if data != nil {
		if err := area.CopyData(s.mem, data); err != nil {
			return err
		}
	}
	s.Areas = append(s.Areas, area)
	return nil
}

func pushMMIO(ranges []MMIORange, push func(*MapArea, []byte) error) error {
	for _, r := range ranges {
		area := NewLinearArea(VirtAddr(r.Base), VirtAddr(uint64(r.Base)+r.Size), r.Base, PermR|PermW)
		if err := push(area, nil); err != nil {
			return err
		}
	}
	return nil
}

// NewHostVmm builds the hypervisor's own HS-stage address space: trampoline,
// trap context, ELF sections, the remainder of physical memory, and every
// device/test-finisher MMIO window.
func NewHostVmm(mem *PhysicalMemory, alloc *FrameAllocator, machine *MachineMeta) (*HostMemorySet, error) {
	s := newBareHost(mem, alloc)

	// Trampoline: one page, X, identical VA in every address space. The page
	// ends at 2^64, so its ranges are built from page numbers directly.
	tramp := TRAMPOLINE.Floor()
	trampArea := &MapArea{VPNRange: VPNRange{Start: tramp, End: tramp + 1}, PPNRange: &PPNRange{Start: PPN(tramp), End: PPN(tramp) + 1}, MapType: Linear, MapPerm: PermX}
	if err := s.push(trampArea, nil); err != nil {
		return nil, err
	}
	// TRAP_CONTEXT: framed R/W page just below the trampoline.
	if err := s.push(NewFramedArea(TRAP_CONTEXT, VirtAddr(uint64(TRAP_CONTEXT)+PageSize), PermR|PermW), nil); err != nil {
		return nil, err
	}
	// Hypervisor's own ELF sections.
	if err := s.push(NewLinearArea(VirtAddr(machine.HostTextStart), VirtAddr(machine.HostTextEnd), machine.HostTextStart, PermR|PermX), nil); err != nil {
		return nil, err
	}
	if err := s.push(NewLinearArea(VirtAddr(machine.HostRodataStart), VirtAddr(machine.HostRodataEnd), machine.HostRodataStart, PermR), nil); err != nil {
		return nil, err
	}
	if err := s.push(NewLinearArea(VirtAddr(machine.HostDataStart), VirtAddr(machine.HostDataEnd), machine.HostDataStart, PermR|PermW), nil); err != nil {
		return nil, err
	}
	if err := s.push(NewLinearArea(VirtAddr(machine.HostBssStackStart), VirtAddr(machine.HostEkernel), machine.HostBssStackStart, PermR|PermW), nil); err != nil {
		return nil, err
	}
	// Remaining physical memory after the image, up to MEMORY_END; nothing
	// is left to map when the image ends at or above MEMORY_END.
	if machine.HostEkernel < MEMORY_END {
		if err := s.push(NewLinearArea(VirtAddr(machine.HostEkernel), VirtAddr(MEMORY_END), machine.HostEkernel, PermR|PermW), nil); err != nil {
			return nil, err
		}
	}

	push := func(r *MMIORange) error {
		if r == nil {
			return nil
		}
		return s.push(NewLinearArea(VirtAddr(r.Base), VirtAddr(uint64(r.Base)+r.Size), r.Base, PermR|PermW), nil)
	}
	if err := push(machine.TestFinisher); err != nil {
		return nil, err
	}
	if err := pushMMIO(machine.Virtio, s.push); err != nil {
		return nil, err
	}
	if err := push(machine.UART); err != nil {
		return nil, err
	}
	if err := push(machine.CLINT); err != nil {
		return nil, err
	}
	if err := push(machine.PLIC); err != nil {
		return nil, err
	}
	if err := push(machine.PCI); err != nil {
		return nil, err
	}
	return s, nil
}

// MapGPM re-projects every MapArea of gpm into s at host VA == host PA (each
// area's host physical pages mapped at their own numeric address), so the
// hypervisor can read guest memory directly — this is what
// makes the two-stage translation result (mm.TwoStageTranslate) usable.
func (s *HostMemorySet) MapGPM(gpm *GuestMemorySet) error {
	for _, area := range gpm.Areas {
		if area.PPNRange == nil {
			continue // Framed guest areas have no fixed host-identity alias.
		}
		mirror := &MapArea{
			VPNRange: VPNRange{Start: VPN(area.PPNRange.Start), End: VPN(area.PPNRange.End)},
			PPNRange: area.PPNRange,
			MapType:  Linear,
			MapPerm:  area.MapPerm,
		}
		if err := s.push(mirror, nil); err != nil {
			return err
		}
	}
	return nil
}

// MapGuest adds a single large linear R/W mapping covering the guest's
// physical memory window, for hypervisor code that wants the whole range
// mapped rather than relying on per-area MapGPM projection.
func (s *HostMemorySet) MapGuest(startPA PhysAddr, size uint64) error {
	return s.push(NewLinearArea(VirtAddr(startPA), VirtAddr(uint64(startPA)+size), startPA, PermR|PermW), nil)
}

// Translate looks up vpn in the memory set's own page table.
func (s *HostMemorySet) Translate(vpn VPN) (PPN, MapPermission, bool) { return s.PageTable.Translate(vpn) }
func (s *GuestMemorySet) Translate(vpn VPN) (PPN, MapPermission, bool) { return s.PageTable.Translate(vpn) }

// Token returns the G-stage root token suitable for hgatp.
func (s *GuestMemorySet) Token() PPN { return s.PageTable.Token() }

// Activate hands the G-stage root token to setHgatp. It performs no TLB
// flush itself; the CSR-write-then-fence ordering is enforced by the caller,
// the world switch routine, not here.
func (s *GuestMemorySet) Activate(setHgatp func(token PPN)) {
	setHgatp(s.PageTable.Token())
}

// NewGuestMemorySet parses an ELF64 guest image, copies each PT_LOAD
// segment into physical memory starting at GUEST_START_PA, and maps the
// remainder of gpmSize plus every MMIO window named in machine.
func NewGuestMemorySet(mem *PhysicalMemory, alloc *FrameAllocator, elfData []byte, gpmSize uint64, machine *MachineMeta) (*GuestMemorySet, error) {
	s, err := newBareGuest(mem, alloc)
	if err != nil {
		return nil, err
	}

	segs, err := ParseELF(elfData)
	if err != nil {
		return nil, err
	}

	paddr := GUEST_START_PA
	for _, seg := range segs {
		perm := PermU
		if seg.Flags&PFR != 0 {
			perm |= PermR
		}
		if seg.Flags&PFW != 0 {
			perm |= PermW
		}
		if seg.Flags&PFX != 0 {
			perm |= PermX
		}

		startVA := VirtAddr(seg.VirtAddr)
		endVA := VirtAddr(seg.VirtAddr + seg.MemSize)
		area := NewLinearArea(startVA, endVA, paddr, perm)
		if err := s.push(area, nil); err != nil {
			return nil, err
		}
		if err := mem.WriteAt(paddr, seg.Data); err != nil {
			return nil, err
		}
		paddr = PhysAddr(uint64(paddr) + RoundUp(seg.MemSize))
	}

	// guestEndPA = GUEST_START_PA + gpmSize is the physical end the tail
	// area below is defined relative to.
	offset := int64(paddr) - int64(GUEST_START_PA)
	tailStartVA := VirtAddr(uint64(GUEST_START_VA) + uint64(offset))
	tailEndVA := VirtAddr(uint64(GUEST_START_VA) + gpmSize)
	if tailEndVA > tailStartVA {
		tailArea := NewLinearArea(tailStartVA, tailEndVA, paddr, PermR|PermW|PermU|PermX)
		if err := s.push(tailArea, nil); err != nil {
			return nil, err
		}
	}

	if err := mapGuestTrampolineAndMMIO(s, machine, true); err != nil {
		return nil, err
	}
	return s, nil
}

// NewGuestMemorySetWithoutLoad builds a guest address space for a guest that
// will be populated by an earlier loader stage (e.g. a bootrom): one big
// identity-style R/W/X/U linear area plus MMIO.
func NewGuestMemorySetWithoutLoad(mem *PhysicalMemory, alloc *FrameAllocator, machine *MachineMeta) (*GuestMemorySet, error) {
	s, err := newBareGuest(mem, alloc)
	if err != nil {
		return nil, err
	}
	start := PhysAddr(uint64(machine.PhysicalMemoryOffset) - 0x20_0000)
	end := PhysAddr(uint64(machine.PhysicalMemoryOffset) + machine.PhysicalMemorySize)
	area := NewLinearArea(VirtAddr(start), VirtAddr(end), start, PermR|PermW|PermX|PermU)
	if err := s.push(area, nil); err != nil {
		return nil, err
	}
	// Unlike the ELF-load path, the bootrom-loaded builder correctly sizes
	// the PLIC/PCI regions — the zero-size quirk is specific to ELF loading.
	if err := mapGuestTrampolineAndMMIO(s, machine, false); err != nil {
		return nil, err
	}
	return s, nil
}

func mapGuestTrampolineAndMMIO(s *GuestMemorySet, machine *MachineMeta, plicZeroSizeBug bool) error {
	tramp := TRAMPOLINE.Floor()
	trampArea := &MapArea{VPNRange: VPNRange{Start: tramp, End: tramp + 1}, PPNRange: &PPNRange{Start: PPN(tramp), End: PPN(tramp) + 1}, MapType: Linear, MapPerm: PermX}
	if err := s.push(trampArea, nil); err != nil {
		return err
	}
	push := func(r *MMIORange) error {
		if r == nil {
			return nil
		}
		return s.push(NewLinearArea(VirtAddr(r.Base), VirtAddr(uint64(r.Base)+r.Size), r.Base, PermR|PermW|PermU), nil)
	}
	if err := push(machine.TestFinisher); err != nil {
		return err
	}
	if err := pushMMIO(machine.Virtio, s.push); err != nil {
		return err
	}
	if err := push(machine.UART); err != nil {
		return err
	}
	if err := push(machine.CLINT); err != nil {
		return err
	}
	if machine.PLIC != nil {
		if plicZeroSizeBug {
			// Reproduced faithfully, not silently fixed: the ELF-load
			// path maps the PLIC region as [base, base) — zero length —
			// rather than [base, base+size). Kept as-is so the quirk
			// stays visible rather than being quietly corrected; see
			// memoryset_test.go's TestNewGuestZeroSizePLICRegion.
			zeroSize := NewLinearArea(VirtAddr(machine.PLIC.Base), VirtAddr(machine.PLIC.Base), machine.PLIC.Base, PermR|PermW|PermU)
			if err := s.push(zeroSize, nil); err != nil {
				return err
			}
		} else if err := push(machine.PLIC); err != nil {
			return err
		}
	}
	if err := push(machine.PCI); err != nil {
		return err
	}
	return nil
}

func validateElfMagic(b []byte) error {
	if len(b) < 4 || b[0] != 0x7f || b[1] != 'E' || b[2] != 'L' || b[3] != 'F' {
		return fmt.Errorf("mm: not an ELF image (bad magic)")
	}
	return nil
}
