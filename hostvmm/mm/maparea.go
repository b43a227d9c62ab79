package mm

import "fmt"

// MapType distinguishes a fixed contiguous physical range (Linear) from a
// range backed by freshly-allocated, owned frames (Framed).
type MapType int

const (
	Linear MapType = iota
	Framed
)

// MapArea is a contiguous virtual range with an optional contiguous physical
// range and a permission bitmask.
type MapArea struct {
	VPNRange    VPNRange
	PPNRange    *PPNRange // nil for Framed
	DataFrames  map[VPN]*Frame
	MapType     MapType
	MapPerm     MapPermission
}

// NewLinearArea builds a Linear MapArea covering [startVA,endVA) mapped onto
// a physical range of identical page count starting at startPA.
func NewLinearArea(startVA, endVA VirtAddr, startPA PhysAddr, perm MapPermission) *MapArea {
	vr := NewVPNRange(startVA, endVA)
	pr := PPNRange{Start: startPA.Floor(), End: PPN(uint64(startPA.Floor()) + vr.Len())}
	return &MapArea{VPNRange: vr, PPNRange: &pr, MapType: Linear, MapPerm: perm}
}

// NewFramedArea builds a Framed MapArea covering [startVA,endVA); frames are
// allocated lazily by Map.
func NewFramedArea(startVA, endVA VirtAddr, perm MapPermission) *MapArea {
	vr := NewVPNRange(startVA, endVA)
	return &MapArea{VPNRange: vr, MapType: Framed, MapPerm: perm, DataFrames: make(map[VPN]*Frame)}
}

// Map installs every page of the area into pt, allocating frames for Framed
// areas from alloc (nil is only valid for Linear areas).
func (m *MapArea) Map(pt *PageTable, alloc *FrameAllocator) error {
	switch m.MapType {
	case Linear:
		if m.PPNRange == nil || m.PPNRange.Len() != m.VPNRange.Len() {
			return fmt.Errorf("mm: linear area vpn/ppn length mismatch")
		}
		for i := uint64(0); i < m.VPNRange.Len(); i++ {
			vpn := VPN(uint64(m.VPNRange.Start) + i)
			ppn := PPN(uint64(m.PPNRange.Start) + i)
			pt.Map(vpn, ppn, m.MapPerm)
		}
	case Framed:
		for i := uint64(0); i < m.VPNRange.Len(); i++ {
			vpn := VPN(uint64(m.VPNRange.Start) + i)
			f, err := alloc.Alloc()
			if err != nil {
				return err
			}
			m.DataFrames[vpn] = f
			pt.Map(vpn, f.PPN, m.MapPerm)
		}
	}
	return nil
}

// Unmap removes every page of the area from pt, releasing owned frames.
func (m *MapArea) Unmap(pt *PageTable) {
	for i := uint64(0); i < m.VPNRange.Len(); i++ {
		vpn := VPN(uint64(m.VPNRange.Start) + i)
		pt.Unmap(vpn)
		if m.MapType == Framed {
			if f, ok := m.DataFrames[vpn]; ok {
				f.Release()
				delete(m.DataFrames, vpn)
			}
		}
	}
}

// CopyData copies data into a Framed area page by page via mem, starting at
// the area's first VPN — mirrors the original's page_table.translate(vpn)
// .ppn().get_bytes_array() copy loop.
func (m *MapArea) CopyData(mem *PhysicalMemory, data []byte) error {
	if m.MapType != Framed {
		return fmt.Errorf("mm: CopyData requires a Framed area")
	}
	off := 0
	for i := uint64(0); i < m.VPNRange.Len() && off < len(data); i++ {
		vpn := VPN(uint64(m.VPNRange.Start) + i)
		f := m.DataFrames[vpn]
		n := len(data) - off
		if n > PageSize {
			n = PageSize
		}
		if err := mem.WriteAt(f.PPN.Addr(), data[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}
