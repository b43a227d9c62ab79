package mm

import "example.com/guestvmm/hostvmm/csr"

// sv39PTE bit layout, matching tinyrange-cc's rv64 MMU and the standard
// RISC-V Sv39 encoding: V|R|W|X|U|G|A|D in the low 8 bits, PPN from bit 10.
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
)

// walkVSStage walks the guest's own Sv39 supervisor page table (rooted at
// vsatp's PPN, stored as ordinary bytes inside guest physical memory) to
// translate a guest virtual address to a guest physical address — the VS
// stage of two-stage translation.
func walkVSStage(guestMem *PhysicalMemory, vsatp csr.Satp, gva VirtAddr) (PhysAddr, bool) {
	if vsatp.Bare() {
		return PhysAddr(gva), true
	}

	vpn := gva.Floor()
	tableAddr := PPN(vsatp.PPN()).Addr()

	for level := Sv39Levels - 1; level >= 0; level-- {
		idx := vpn.Segment(level)
		entryAddr := PhysAddr(uint64(tableAddr) + idx*8)
		raw, err := guestMem.Read64(entryAddr)
		if err != nil {
			return 0, false
		}
		if raw&pteV == 0 {
			return 0, false
		}
		if raw&(pteR|pteX) != 0 {
			// Leaf PTE.
			ppn := PPN(raw >> 10)
			pageOffset := uint64(gva) & (PageSize - 1)
			if level > 0 {
				// Superpage: low VPN segments pass through from gva.
				mask := uint64(1)<<(uint(level)*VPNBitsPerLevel) - 1
				ppn = PPN((uint64(ppn) &^ mask) | (uint64(vpn) & mask))
			}
			return PhysAddr(uint64(ppn)<<PageSizeBits | pageOffset), true
		}
		tableAddr = PPN(raw >> 10).Addr()
	}
	return 0, false
}

// walkGStage looks up a guest physical address inside gpm's MapAreas,
// returning the aliased host physical address — the G stage of two-stage
// translation. Linear areas only; Framed guest areas have no fixed host-PA
// alias.
func walkGStage(gpm *GuestMemorySet, guestPA PhysAddr) (PhysAddr, bool) {
	vpn := VirtAddr(guestPA).Floor()
	for _, area := range gpm.Areas {
		if area.MapType != Linear || area.PPNRange == nil {
			continue
		}
		if vpn < area.VPNRange.Start || vpn >= area.VPNRange.End {
			continue
		}
		delta := uint64(vpn) - uint64(area.VPNRange.Start)
		hostPPN := PPN(uint64(area.PPNRange.Start) + delta)
		pageOffset := uint64(guestPA) & (PageSize - 1)
		return PhysAddr(uint64(hostPPN)<<PageSizeBits | pageOffset), true
	}
	return 0, false
}

// TwoStageTranslate walks VS-stage then G-stage for a guest virtual program
// counter, producing the host virtual address
// that aliases the same byte the guest would read through its own VA. The
// host VA equals the host PA's numeric value because HostMemorySet.MapGPM
// mirrors guest physical memory 1:1 (VA == PA) into the host's own address
// space.
func TwoStageTranslate(guestMem *PhysicalMemory, gpm *GuestMemorySet, vsatp csr.Satp, gva VirtAddr) (VirtAddr, bool) {
	guestPA, ok := walkVSStage(guestMem, vsatp, gva)
	if !ok {
		return 0, false
	}
	hostPA, ok := walkGStage(gpm, guestPA)
	if !ok {
		return 0, false
	}
	return VirtAddr(hostPA), true
}
