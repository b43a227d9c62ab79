package mm

import (
	"encoding/binary"
	"fmt"
)

// PhysicalMemory is the byte-addressable backing store for both host and
// guest physical memory: a flat slice standing in for mmap'd physical RAM.
type PhysicalMemory struct {
	base PhysAddr
	data []byte
}

// NewPhysicalMemory allocates size bytes of physical memory starting at base.
func NewPhysicalMemory(base PhysAddr, size uint64) *PhysicalMemory {
	return &PhysicalMemory{base: base, data: make([]byte, size)}
}

func (m *PhysicalMemory) Base() PhysAddr { return m.base }
func (m *PhysicalMemory) Size() uint64   { return uint64(len(m.data)) }

func (m *PhysicalMemory) offset(addr PhysAddr) (int, error) {
	if addr < m.base || uint64(addr-m.base) >= uint64(len(m.data)) {
		return 0, fmt.Errorf("mm: physical address %#x out of range [%#x, %#x)", addr, m.base, uint64(m.base)+uint64(len(m.data)))
	}
	return int(addr - m.base), nil
}

// ReadAt copies len(buf) bytes starting at addr into buf.
func (m *PhysicalMemory) ReadAt(addr PhysAddr, buf []byte) error {
	off, err := m.offset(addr)
	if err != nil {
		return err
	}
	if off+len(buf) > len(m.data) {
		return fmt.Errorf("mm: read at %#x overruns physical memory", addr)
	}
	copy(buf, m.data[off:off+len(buf)])
	return nil
}

// WriteAt copies buf into physical memory starting at addr.
func (m *PhysicalMemory) WriteAt(addr PhysAddr, buf []byte) error {
	off, err := m.offset(addr)
	if err != nil {
		return err
	}
	if off+len(buf) > len(m.data) {
		return fmt.Errorf("mm: write at %#x overruns physical memory", addr)
	}
	copy(m.data[off:off+len(buf)], buf)
	return nil
}

func (m *PhysicalMemory) Read64(addr PhysAddr) (uint64, error) {
	var buf [8]byte
	if err := m.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *PhysicalMemory) Write64(addr PhysAddr, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return m.WriteAt(addr, buf[:])
}

func (m *PhysicalMemory) Read32(addr PhysAddr) (uint32, error) {
	var buf [4]byte
	if err := m.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (m *PhysicalMemory) Write32(addr PhysAddr, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return m.WriteAt(addr, buf[:])
}
