// Package csr models the RISC-V H-extension and HS-mode control/status
// registers a type-1 hypervisor touches on every trap. On real hardware each
// of these is read/written with a single csrr/csrw instruction; the
// trampoline assembly that performs those reads/writes is not implemented
// here, so the bank below is the seam a real port would back with one asm
// stub per accessor.
package csr

// Bank holds the CSR state for one hart/vCPU pair.
type Bank struct {
	// H-extension CSRs.
	Hgatp   Hgatp
	Hvip    uint64
	Htval   uint64
	Htinst  uint64
	Vsatp   Satp
	Vsepc   uint64
	Vsstatus Status
	Vsip    uint64
	Vsie    uint64
	Vstvec  uint64
	Vscause uint64

	// HS-mode CSRs.
	Stvec   uint64
	Sscratch uint64
	Scause  uint64
	Sepc    uint64
	Stval   uint64
	Sie     uint64
}

// Satp mode values shared by vsatp/hgatp-style root CSRs.
const (
	SatpModeBare = 0
	SatpModeSv39 = 8
)

// Satp is the layout shared by satp/vsatp: mode[63:60] | asid[59:44] | ppn[43:0].
type Satp uint64

func (s Satp) Mode() uint64 { return uint64(s) >> 60 }
func (s Satp) ASID() uint64 { return (uint64(s) >> 44) & 0xffff }
func (s Satp) PPN() uint64  { return uint64(s) & ((1 << 44) - 1) }

func (s Satp) Bare() bool { return s.Mode() == SatpModeBare }

// Hgatp is the G-stage root CSR: mode[63:60] | vmid[57:44] | ppn[43:0].
// The layout matches Satp closely enough to reuse its PPN/mode accessors.
type Hgatp uint64

func (h Hgatp) Mode() uint64 { return uint64(h) >> 60 }
func (h Hgatp) VMID() uint64 { return (uint64(h) >> 44) & 0x3fff }
func (h Hgatp) PPN() uint64  { return uint64(h) & ((1 << 44) - 1) }

// Status bits shared by sstatus/vsstatus layout.
const (
	StatusSIE  = 1 << 1
	StatusSPIE = 1 << 5
	StatusSPP  = 1 << 8
)

// Status is the sstatus/vsstatus bit layout relevant to interrupt delivery.
type Status uint64

func (s Status) SIE() bool { return s&StatusSIE != 0 }
func (s Status) SPIE() bool { return s&StatusSPIE != 0 }

// SPP reports whether the trap came from VS-mode (true) or VU-mode (false).
func (s Status) SPP() bool { return s&StatusSPP != 0 }

func (s *Status) SetSPP(v bool) {
	if v {
		*s |= StatusSPP
	} else {
		*s &^= StatusSPP
	}
}

// Hvip bit for the virtual-supervisor timer-pending interrupt.
const HvipVSTIP = 1 << 6

// ClearVSTIP clears the virtual supervisor timer-pending bit, as required
// whenever the guest's next timer deadline is reprogrammed.
func (b *Bank) ClearVSTIP() {
	b.Hvip &^= HvipVSTIP
}

// Sie bit for the HS-mode supervisor timer interrupt enable.
const SieSTIE = 1 << 5

// SetSTIE enables the HS-stage timer interrupt, as required by SET_TIMER.
func (b *Bank) SetSTIE() {
	b.Sie |= SieSTIE
}

// Scause/vscause cause codes used by this core.
const (
	CauseSupervisorExternalInterrupt = (1 << 63) | 9
	CauseVSModeECall                 = 10
	CauseVirtualInstruction          = 22
	CauseIllegalInstruction          = 2
	CauseInstructionGuestPageFault   = 20
	CauseLoadGuestPageFault          = 21
	CauseStoreGuestPageFault         = 23
	CauseUserECall                   = 8
)

// IsInterrupt reports whether a scause value is an interrupt (top bit set).
func IsInterrupt(cause uint64) bool { return cause>>63 != 0 }

// ExceptionCode strips the interrupt bit, leaving the cause code.
func ExceptionCode(cause uint64) uint64 { return cause &^ (1 << 63) }
