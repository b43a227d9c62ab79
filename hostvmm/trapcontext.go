package hostvmm

import "example.com/guestvmm/hostvmm/csr"

// TrapContext is the per-vCPU saved state materialized by the trampoline at
// TRAP_CONTEXT on every entry to HS-mode, and consumed on every return to
// the guest. It is allocated once per guest and mutated only by the trap
// path.
type TrapContext struct {
	// X holds the 32 integer registers, indexed by their ABI register
	// number (x0..x31); A0..A7 are x[10..17].
	X [32]uint64

	// Sepc is the guest program counter at trap entry, advanced by
	// sub-handlers before the world switch resumes the guest.
	Sepc uint64

	// Hgatp is this guest's G-stage page-table root token, reloaded by the
	// world switch whenever it differs from the hardware's current hgatp.
	Hgatp csr.Hgatp
}

// ABI register indices relevant to SBI argument/return marshaling.
const (
	RegA0 = 10
	RegA1 = 11
	RegA6 = 16
	RegA7 = 17
)
