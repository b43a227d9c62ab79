package hostvmm

import (
	"encoding/binary"
	"fmt"
	"log"

	"example.com/guestvmm/hostvmm/csr"
	"example.com/guestvmm/hostvmm/isa"
	"example.com/guestvmm/hostvmm/mm"
	"example.com/guestvmm/hostvmm/sbi"
)

// HandleTrap classifies the current guest's scause and dispatches to the
// matching sub-handler, holding the HostVmm lock for the duration. Any
// sub-handler error is routed through handleInternalVmmError, which halts
// the hypervisor, before HandleTrap returns — it never hands a live error
// back to the world-switch path.
func (v *HostVmm) HandleTrap() *VmmError {
	v.mu.Lock()
	defer v.mu.Unlock()

	guest := v.CurrentGuest()
	ctx := guest.Ctx
	bank := guest.Bank
	cause := bank.Scause

	var err *VmmError
	if csr.IsInterrupt(cause) {
		switch csr.ExceptionCode(cause) {
		case csr.ExceptionCode(csr.CauseSupervisorExternalInterrupt):
			v.handleIRQ()
			v.maybeForwardInterrupt(ctx, bank)
		default:
			panic(fmt.Sprintf("hostvmm: unhandled interrupt cause %#x, sepc %#x", cause, ctx.Sepc))
		}
	} else {
		switch csr.ExceptionCode(cause) {
		case csr.CauseUserECall:
			panic("hostvmm: U-mode/VU-mode env call trapped to HS-mode")
		case csr.CauseVSModeECall:
			err = v.sbiHandler(ctx, bank)
			ctx.Sepc += 4
		case csr.CauseVirtualInstruction:
			err = v.privilegedInstHandler(ctx, bank)
		case csr.CauseIllegalInstruction:
			panic(fmt.Sprintf("hostvmm: illegal instruction from guest, sepc %#x", ctx.Sepc))
		case csr.CauseInstructionGuestPageFault:
			hostVA, ok := mm.TwoStageTranslate(v.Mem, guest.GPM, bank.Vsatp, mm.VirtAddr(ctx.Sepc))
			if ok {
				log.Printf("hostvmm: instruction guest-page-fault, host va %#x", hostVA)
			} else {
				log.Printf("hostvmm: instruction guest-page-fault, failed to translate faulting pc")
			}
			panic(fmt.Sprintf("hostvmm: instruction guest page fault: sepc %#x, hgatp %#x", ctx.Sepc, uint64(ctx.Hgatp)))
		case csr.CauseLoadGuestPageFault, csr.CauseStoreGuestPageFault:
			err = v.guestPageFaultHandler(ctx, bank)
		default:
			panic(fmt.Sprintf("hostvmm: scause %#x, sepc %#x", cause, ctx.Sepc))
		}
	}

	if err != nil {
		handleInternalVmmError(err, bank, ctx)
	}
	return nil
}

// sbiHandler marshals A7/A6/A0..A5 into an SBI call, dispatches it, and
// writes the result back into A0/A1.
func (v *HostVmm) sbiHandler(ctx *TrapContext, bank *csr.Bank) *VmmError {
	ext := ctx.X[RegA7]
	fid := ctx.X[RegA6]
	var args [6]uint64
	for i := range args {
		args[i] = ctx.X[RegA0+i]
	}
	ret := sbi.Handle(bank, v.Firmware, v.Console, ext, fid, args)
	ctx.X[RegA0] = uint64(ret.Error)
	ctx.X[RegA1] = ret.Value
	return nil
}

// privilegedInstHandler would decode and emulate CSR accesses and wfi
// executed by the guest; not yet implemented.
func (v *HostVmm) privilegedInstHandler(ctx *TrapContext, bank *csr.Bank) *VmmError {
	return &VmmError{Kind: KindUnimplemented, GuestID: v.GuestID}
}

// guestPageFaultHandler services a load/store guest-page fault against the
// emulated PLIC's MMIO window: it recovers the faulting instruction (from
// htinst if the hardware supplied it, otherwise by walking the guest's own
// page table to fetch and decode it), performs the access, and advances
// sepc past it.
func (v *HostVmm) guestPageFaultHandler(ctx *TrapContext, bank *csr.Bank) *VmmError {
	addr := bank.Htval << 2
	if !v.isPlicAccess(addr) {
		return &VmmError{Kind: KindDeviceNotFound, GuestID: v.GuestID}
	}
	guest := v.CurrentGuest()

	switch {
	case bank.Htinst == 0:
		hostVA, ok := mm.TwoStageTranslate(v.Mem, guest.GPM, bank.Vsatp, mm.VirtAddr(ctx.Sepc))
		if !ok {
			return &VmmError{Kind: KindTranslationError, GuestID: v.GuestID}
		}
		buf := make([]byte, 4)
		if err := v.Mem.ReadAt(mm.PhysAddr(hostVA), buf); err != nil {
			return &VmmError{Kind: KindTranslationError, GuestID: v.GuestID, Err: err}
		}
		inst, err := isa.Decode(buf)
		if err != nil {
			return &VmmError{Kind: KindDecodeInstError, GuestID: v.GuestID, Err: err}
		}
		if err := v.handlePlicAccess(ctx, bank.Stval, inst); err != nil {
			return &VmmError{Kind: KindDeviceNotFound, GuestID: v.GuestID, Err: err}
		}
		ctx.Sepc += uint64(inst.Length)
		return nil

	case bank.Htinst == 0x3020 || bank.Htinst == 0x3000:
		return &VmmError{Kind: KindPseudoInst, GuestID: v.GuestID}

	default:
		// htinst carries a real, possibly-compressed instruction directly;
		// decode it without touching guest memory. Standard-width loads and
		// stores advance sepc by the decoder's length (4). Compressed
		// encodings decode as OpUnknown, so handlePlicAccess rejects them
		// and the fault is reported as an error without advancing sepc.
		inst, err := isa.DecodeWord(uint32(bank.Htinst))
		if err != nil {
			return &VmmError{Kind: KindDecodeInstError, GuestID: v.GuestID, Err: err}
		}
		if err := v.handlePlicAccess(ctx, bank.Stval, inst); err != nil {
			return &VmmError{Kind: KindDeviceNotFound, GuestID: v.GuestID, Err: err}
		}
		ctx.Sepc += uint64(inst.Length)
		return nil
	}
}

// handlePlicAccess performs the decoded load or store against whichever
// device owns stval on the MMIO bus — the emulated PLIC, for every access
// this fault path currently sees.
func (v *HostVmm) handlePlicAccess(ctx *TrapContext, stval uint64, inst isa.Instruction) error {
	buf := make([]byte, 4)
	switch {
	case inst.IsLoad():
		if err := v.Bus.Dispatch(stval, false, 4, buf); err != nil {
			return err
		}
		ctx.X[inst.Rd] = uint64(binary.LittleEndian.Uint32(buf))
		return nil
	case inst.IsStore():
		binary.LittleEndian.PutUint32(buf, uint32(ctx.X[inst.Rs2]))
		return v.Bus.Dispatch(stval, true, 4, buf)
	default:
		return fmt.Errorf("hostvmm: instruction at %#x is neither load nor store", stval)
	}
}

// handleIRQ claims the pending external interrupt from the host's physical
// PLIC and raises the same source in the guest-visible emulated PLIC, so a
// subsequent guest claim-register read observes it.
func (v *HostVmm) handleIRQ() {
	irq := v.HostPLIC.ClaimFromHost(v.GuestID)
	v.PLIC.RaiseSource(irq)
	if v.Debug {
		log.Printf("hostvmm: external interrupt irq=%d", irq)
	}
	v.IRQPending = true
}

// maybeForwardInterrupt delivers a pending interrupt into the guest's trap
// vector if the guest's current privilege/interrupt-enable state allows it:
// the guest is in VS-mode with SIE set, or in VU-mode with any bit set in
// both vsip and vsie.
func (v *HostVmm) maybeForwardInterrupt(ctx *TrapContext, bank *csr.Bank) {
	if !v.IRQPending {
		return
	}
	spp := bank.Vsstatus.SPP()
	sie := bank.Vsstatus.SIE()
	deliverable := (spp && sie) || (!spp && bank.Vsip&bank.Vsie != 0)
	if !deliverable {
		return
	}
	bank.Vsepc = ctx.Sepc
	bank.Vscause = bank.Scause
	ctx.Sepc = bank.Vstvec
}

// handleInternalVmmError is the terminal sink for every sub-handler error:
// it logs the faulting guest's scause, sepc, stval and hgatp alongside the
// error kind, then halts the hypervisor. Per-kind recovery policy (inject a
// fault into the guest, terminate the offending guest, or halt) is not yet
// decided.
func handleInternalVmmError(err *VmmError, bank *csr.Bank, ctx *TrapContext) {
	log.Printf("hostvmm: internal vmm error guest=%d kind=%s scause=%#x sepc=%#x stval=%#x hgatp=%#x: %v",
		err.GuestID, err.Kind, bank.Scause, ctx.Sepc, bank.Stval, uint64(ctx.Hgatp), err)
	panic(err)
}
