package hostvmm

import (
	"example.com/guestvmm/hostvmm/csr"
	"example.com/guestvmm/hostvmm/mm"
)

// WorldSwitch models the hardware operations the trampoline performs to
// resume a guest: reload the G-stage root if it changed, flush guest-stage
// TLBs, fence instruction memory, then jump into the guest. RISC-V has no
// equivalent of Go function calls for hfence.gvma/fence.i/jr, so each step
// is an injectable function a real port backs with inline assembly —
// parallel to csr.Bank's treatment of CSR access.
type WorldSwitch struct {
	SetHgatp    func(hgatp csr.Hgatp)
	FenceGVMA   func()
	FenceI      func()
	JumpToGuest func(trapContextVA uint64)
}

// Resume implements the world-switch routine: it must run with the HostVmm
// lock already released. currentHW is the hardware's hgatp value as of the
// last Resume call; Resume returns the value hardware now holds so the
// caller can track it across calls (nothing here can read real hardware
// state).
func (v *HostVmm) Resume(ws WorldSwitch, currentHW csr.Hgatp) csr.Hgatp {
	guest := v.CurrentGuest()
	want := guest.Ctx.Hgatp
	if currentHW != want {
		ws.SetHgatp(want)
		ws.FenceGVMA()
		currentHW = want
	}
	ws.FenceI()
	if ws.JumpToGuest != nil {
		ws.JumpToGuest(uint64(mm.TRAP_CONTEXT))
	}
	return currentHW
}
