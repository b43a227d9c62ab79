// Package plic emulates the Platform-Level Interrupt Controller MMIO
// surface a guest sees, and the host-side claim forwarding that feeds it.
package plic

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Register offsets within the PLIC MMIO window, matching the standard
// SiFive PLIC layout (supplemented from tinyrange-cc's
// internal/hv/riscv/rv64/plic.go).
const (
	PriorityBase  = 0x0000
	PendingBase   = 0x1000
	EnableBase    = 0x2000
	ThresholdBase = 0x20_0000
	ContextStride = 0x1000
	ClaimOffset   = 0x0004 // relative to a context's threshold-and-claim page.

	MaxSources = 1024
)

// ContextID returns the S-mode context id for guestID: even contexts are
// M-mode, odd are S-mode.
func ContextID(guestID int) int { return 2*guestID + 1 }

// HostPLIC models the real, physical PLIC the host hart's external
// interrupts are routed through: a base address plus a per-context
// claim/complete latch. Reading the real claim register is a raw
// physical-memory access (RISC-V has no csrr-style instruction for MMIO);
// ReadPhys is the seam a real port backs with an actual volatile load,
// parallel to the csr.Bank seam for CSR access.
type HostPLIC struct {
	BaseAddr      uint64
	ClaimComplete map[int]uint32
	ReadPhys      func(addr uint64) uint32
}

func NewHostPLIC(baseAddr uint64, readPhys func(addr uint64) uint32) *HostPLIC {
	return &HostPLIC{BaseAddr: baseAddr, ClaimComplete: make(map[int]uint32), ReadPhys: readPhys}
}

// ClaimFromHost reads the host PLIC's claim/complete register for guestID
// and records the claimed IRQ, the first half of forwarding a physical
// external interrupt into the guest's emulated PLIC.
func (h *HostPLIC) ClaimFromHost(guestID int) uint32 {
	context := ContextID(guestID)
	addr := h.BaseAddr + ThresholdBase + ClaimOffset + ContextStride*uint64(context)
	irq := h.ReadPhys(addr)
	h.ClaimComplete[context] = irq
	return irq
}

// Controller is the emulated PLIC state: priority/pending/enable/threshold
// register banks plus the per-context claim/complete latch. A locked
// struct with named register-read/write handlers, generalized from an
// 8259A-style 8-line priority-vector model to the PLIC's per-source
// bitmap + single claim register model.
type Controller struct {
	mu sync.Mutex

	BaseAddr uint64

	priority  [MaxSources]uint32
	pending   [MaxSources/32 + 1]uint32
	enable    map[int][MaxSources/32 + 1]uint32 // per context id
	threshold map[int]uint32

	// claimComplete holds the in-service (claimed, not yet completed) IRQ
	// per context: a guest read of its claim/complete register performs a
	// fresh claim scan and latches the result here; a matching write clears
	// it, marking that source complete.
	claimComplete map[int]uint32
}

func NewController(baseAddr uint64) *Controller {
	return &Controller{
		BaseAddr:      baseAddr,
		enable:        make(map[int][MaxSources/32 + 1]uint32),
		threshold:     make(map[int]uint32),
		claimComplete: make(map[int]uint32),
	}
}

// RaiseSource marks source as pending, as the host PLIC would on a physical
// interrupt line assertion.
func (c *Controller) RaiseSource(source uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if source == 0 || int(source) >= MaxSources {
		return
	}
	c.pending[source/32] |= 1 << (source % 32)
}

// Claim returns the highest-priority pending, enabled source for context and
// moves it into the claim/complete latch.
func (c *Controller) Claim(context int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimLocked(context)
}

// claimLocked performs the claim scan a real PLIC's claim/complete register
// read does atomically: it selects the highest-priority pending, enabled
// source above context's threshold, clears its pending bit, and latches it
// as in-service. Callers must already hold mu.
func (c *Controller) claimLocked(context int) uint32 {
	enable := c.enable[context]
	threshold := c.threshold[context]
	var best uint32
	for src := uint32(1); src < MaxSources; src++ {
		if c.pending[src/32]&(1<<(src%32)) == 0 {
			continue
		}
		if enable[src/32]&(1<<(src%32)) == 0 {
			continue
		}
		if c.priority[src] <= threshold {
			continue
		}
		if best == 0 || c.priority[src] > c.priority[best] {
			best = src
		}
	}
	if best == 0 {
		return 0
	}
	c.pending[best/32] &^= 1 << (best % 32)
	c.claimComplete[context] = best
	return best
}

// Complete clears a source's in-service state for context, the write-side of
// the claim/complete register.
func (c *Controller) Complete(context int, source uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeLocked(context, source)
}

func (c *Controller) completeLocked(context int, source uint32) {
	if c.claimComplete[context] == source {
		c.claimComplete[context] = 0
	}
}

// LatchedClaim returns context's currently in-service (claimed but not
// completed) IRQ without performing a claim scan.
func (c *Controller) LatchedClaim(context int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimComplete[context]
}

// ReadRegister emulates a guest load from offset within the PLIC window.
// The context a given offset belongs to, where relevant, is self-describing
// from the offset's position within the Enable/Threshold regions.
func (c *Controller) ReadRegister(offset uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case offset >= PriorityBase && offset < PendingBase:
		src := offset / 4
		if src < MaxSources {
			return c.priority[src]
		}
	case offset >= PendingBase && offset < EnableBase:
		idx := (offset - PendingBase) / 4
		if int(idx) < len(c.pending) {
			return c.pending[idx]
		}
	case offset >= EnableBase && offset < ThresholdBase:
		rel := offset - EnableBase
		ctx := int(rel / ContextStride)
		idx := (rel % ContextStride) / 4
		bank := c.enable[ctx]
		if int(idx) < len(bank) {
			return bank[idx]
		}
	case offset >= ThresholdBase:
		rel := offset - ThresholdBase
		ctx := int(rel / ContextStride)
		sub := rel % ContextStride
		if sub == 0 {
			return c.threshold[ctx]
		}
		if sub == ClaimOffset {
			return c.claimLocked(ctx)
		}
	}
	return 0
}

// WriteRegister emulates a guest store to offset within the PLIC window.
func (c *Controller) WriteRegister(offset uint64, val uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case offset >= PriorityBase && offset < PendingBase:
		src := offset / 4
		if src < MaxSources {
			c.priority[src] = val
		}
	case offset >= EnableBase && offset < ThresholdBase:
		rel := offset - EnableBase
		ctx := int(rel / ContextStride)
		idx := (rel % ContextStride) / 4
		bank := c.enable[ctx]
		if int(idx) < len(bank) {
			bank[idx] = val
			c.enable[ctx] = bank
		}
	case offset >= ThresholdBase:
		rel := offset - ThresholdBase
		ctx := int(rel / ContextStride)
		sub := rel % ContextStride
		switch sub {
		case 0:
			c.threshold[ctx] = val
		case ClaimOffset:
			c.completeLocked(ctx, val)
		}
	}
}

// HandleMMIO implements mmiobus.Device: it translates an absolute
// guest-physical address into a register access against this controller.
func (c *Controller) HandleMMIO(addr uint64, isWrite bool, size uint8, data []byte) error {
	if size != 4 || len(data) < 4 {
		return fmt.Errorf("plic: access at %#x must be 4 bytes, got size=%d len=%d", addr, size, len(data))
	}
	offset := addr - c.BaseAddr
	if isWrite {
		c.WriteRegister(offset, binary.LittleEndian.Uint32(data))
		return nil
	}
	binary.LittleEndian.PutUint32(data, c.ReadRegister(offset))
	return nil
}
