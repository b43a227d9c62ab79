// Package hostvmm implements the guest trap-and-emulate engine: a single
// trap dispatcher that classifies every VS-mode exception or interrupt,
// routes it to the SBI engine, the guest-page-fault handler, or interrupt
// forwarding, and resumes the guest through the world-switch routine.
package hostvmm

import (
	"fmt"
	"io"
	"log"
	"sync"

	"example.com/guestvmm/hostvmm/csr"
	"example.com/guestvmm/hostvmm/console"
	"example.com/guestvmm/hostvmm/mm"
	"example.com/guestvmm/hostvmm/mmiobus"
	"example.com/guestvmm/hostvmm/netdev"
	"example.com/guestvmm/hostvmm/plic"
	"example.com/guestvmm/hostvmm/sbi"
)

// GuestRecord is one running guest: its G-stage memory set, CSR bank, and
// saved trap context.
type GuestRecord struct {
	GPM *mm.GuestMemorySet
	Bank *csr.Bank
	Ctx  *TrapContext
}

// HostVmm is the process-wide hypervisor state: the host's own HS-stage
// memory set, every running guest, which guest is currently scheduled, and
// the emulated/host PLIC records. It is a singleton behind a single mutex,
// acquired at the top of every trap and released before the world switch.
type HostVmm struct {
	mu sync.Mutex

	Debug bool

	HostMS *mm.HostMemorySet
	Mem    *mm.PhysicalMemory
	Machine *mm.MachineMeta

	Guests  []*GuestRecord
	GuestID int

	IRQPending bool

	PLIC     *plic.Controller
	HostPLIC *plic.HostPLIC
	Bus      *mmiobus.Bus
	Console  *console.Device
	Firmware sbi.MachineFirmware

	NetDevices []*netdev.VirtioNetStub
}

var (
	singletonOnce sync.Once
	singleton     *HostVmm
)

// Init builds the process-wide HostVmm exactly once; subsequent calls are
// no-ops and return the first-built instance. There is no reinitialization
// path — matching a type-1 hypervisor's single boot-time setup.
func Init(build func() (*HostVmm, error)) (*HostVmm, error) {
	var err error
	singletonOnce.Do(func() {
		singleton, err = build()
	})
	if err != nil {
		return nil, err
	}
	return singleton, nil
}

// Get returns the already-initialized singleton, or nil if Init has not run.
func Get() *HostVmm { return singleton }

// NewHostVmm assembles a HostVmm with one guest loaded from guestELF. readPhys
// backs the host PLIC's claim/complete register reads (on real hardware a
// volatile MMIO load; here an injectable seam, see plic.HostPLIC).
func NewHostVmm(machine *mm.MachineMeta, memSize uint64, guestELF []byte, gpmSize uint64, consoleWriter io.Writer, firmware sbi.MachineFirmware, readPhys func(addr uint64) uint32, debug bool) (*HostVmm, error) {
	mem := mm.NewPhysicalMemory(mm.GUEST_START_PA, memSize)
	alloc := mm.NewFrameAllocator(mem)

	hostMS, err := mm.NewHostVmm(mem, alloc, machine)
	if err != nil {
		return nil, fmt.Errorf("hostvmm: build host memory set: %w", err)
	}

	gpm, err := mm.NewGuestMemorySet(mem, alloc, guestELF, gpmSize, machine)
	if err != nil {
		return nil, fmt.Errorf("hostvmm: build guest memory set: %w", err)
	}
	if err := hostMS.MapGPM(gpm); err != nil {
		return nil, fmt.Errorf("hostvmm: map guest physical memory into host: %w", err)
	}

	var plicBase uint64
	if machine.PLIC != nil {
		plicBase = uint64(machine.PLIC.Base)
	}
	plicCtl := plic.NewController(plicBase)
	hostPLIC := plic.NewHostPLIC(plicBase, readPhys)

	guest := &GuestRecord{
		GPM:  gpm,
		Bank: &csr.Bank{},
		Ctx:  &TrapContext{},
	}

	v := &HostVmm{
		Debug:    debug,
		HostMS:   hostMS,
		Mem:      mem,
		Machine:  machine,
		Guests:   []*GuestRecord{guest},
		GuestID:  0,
		PLIC:     plicCtl,
		HostPLIC: hostPLIC,
		Bus:      mmiobus.NewBus(),
		Console:  console.NewDevice(consoleWriter),
		Firmware: firmware,
	}
	if machine.PLIC != nil {
		v.Bus.Register(plicBase, plicBase+uint64(machine.PLIC.Size), plicCtl)
	}
	for i, rng := range machine.Virtio {
		stub, err := netdev.NewVirtioNetStub(uint64(rng.Base), fmt.Sprintf("guestvmm-tap%d", i))
		if err != nil {
			return nil, fmt.Errorf("hostvmm: bring up virtio-net slot %d: %w", i, err)
		}
		v.Bus.Register(uint64(rng.Base), uint64(rng.Base)+rng.Size, stub)
		v.NetDevices = append(v.NetDevices, stub)
	}
	if v.Debug {
		log.Printf("hostvmm: initialized with %d guest(s), memory window [%#x, %#x)", len(v.Guests), mem.Base(), uint64(mem.Base())+mem.Size())
	}
	return v, nil
}

// Close releases host-side resources NewHostVmm opened outside Go's own
// memory management — currently just the TAP file descriptors backing any
// virtio-net slots.
func (v *HostVmm) Close() error {
	var firstErr error
	for _, n := range v.NetDevices {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CurrentGuest returns the record for the currently scheduled guest.
func (v *HostVmm) CurrentGuest() *GuestRecord { return v.Guests[v.GuestID] }

// ContextID returns the PLIC S-mode context id for the currently scheduled
// guest.
func (v *HostVmm) ContextID() int { return plic.ContextID(v.GuestID) }

// isPlicAccess reports whether addr falls inside the emulated PLIC's MMIO
// window.
func (v *HostVmm) isPlicAccess(addr uint64) bool {
	if v.Machine.PLIC == nil {
		return false
	}
	base := uint64(v.Machine.PLIC.Base)
	return addr >= base && addr < base+v.Machine.PLIC.Size
}
