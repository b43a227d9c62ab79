package netdev

import (
	"encoding/binary"
	"fmt"
)

// Virtio-mmio register offsets (virtio v1, section 4.2.2; the Version
// register answers 2, the non-legacy interface). Only the
// identification bank is modeled; queue setup and notification are not —
// packet-level virtio-net emulation is out of scope here.
const (
	regMagicValue  = 0x000
	regVersion     = 0x004
	regDeviceID    = 0x008
	regVendorID    = 0x00c
	regQueueNumMax = 0x034
	regStatus      = 0x070

	magicValue  = 0x74726976 // "virt", little-endian
	vendorID    = 0x554d4d56 // "VMMU", an unclaimed vendor id for this hypervisor
	netDeviceID = 1
)

// VirtioNetStub is the host-side identity and TAP ownership for a
// MachineMeta virtio-net slot: it answers a guest driver's device-discovery
// reads (magic value, device/vendor id) and owns the backing TapDevice, but
// does not service virtqueues and models no feature registers: reads of
// any other offset answer 0 and writes other than Status are ignored, so no
// packet ever crosses a queue.
type VirtioNetStub struct {
	BaseAddr uint64
	Tap      *TapDevice

	status uint32
}

// NewVirtioNetStub opens name as a TAP interface and returns a stub ready to
// register on an MMIO bus at base.
func NewVirtioNetStub(base uint64, name string) (*VirtioNetStub, error) {
	tap, err := NewTapDevice(name)
	if err != nil {
		return nil, fmt.Errorf("netdev: virtio-net stub at %#x: %w", base, err)
	}
	return &VirtioNetStub{BaseAddr: base, Tap: tap}, nil
}

// HandleMMIO implements mmiobus.Device.
func (s *VirtioNetStub) HandleMMIO(addr uint64, isWrite bool, size uint8, data []byte) error {
	if size != 4 || len(data) < 4 {
		return fmt.Errorf("netdev: access at %#x must be 4 bytes, got size=%d len=%d", addr, size, len(data))
	}
	offset := addr - s.BaseAddr
	if isWrite {
		if offset == regStatus {
			s.status = binary.LittleEndian.Uint32(data)
		}
		return nil
	}
	var v uint32
	switch offset {
	case regMagicValue:
		v = magicValue
	case regVersion:
		v = 2
	case regDeviceID:
		v = netDeviceID
	case regVendorID:
		v = vendorID
	case regQueueNumMax:
		v = 0 // no virtqueue is backed; a driver probing this sees an empty queue.
	case regStatus:
		v = s.status
	}
	binary.LittleEndian.PutUint32(data, v)
	return nil
}

// Close releases the backing TAP file descriptor.
func (s *VirtioNetStub) Close() error {
	if s.Tap == nil {
		return nil
	}
	return s.Tap.Close()
}
