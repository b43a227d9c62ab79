// Package netdev owns the host-side TAP file descriptor behind each
// MachineMeta virtio-net slot and answers a guest driver's device-discovery
// reads through VirtioNetStub. Packet-level virtio-net emulation (virtqueue
// processing) is not implemented.
package netdev

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TapDevice is a Linux TUN/TAP handle. The ioctl sequence to configure one
// is architecture-agnostic.
type TapDevice struct {
	fd   int
	name string
}

// NewTapDevice opens and configures a TAP interface for guest Ethernet
// frames (IFF_TAP, IFF_NO_PI — no extra packet-info header).
func NewTapDevice(name string) (*TapDevice, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("netdev: open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("netdev: TUNSETIFF for %s: %w", name, errno)
	}
	return &TapDevice{fd: fd, name: name}, nil
}

// ReadPacket reads one Ethernet frame, returning (nil, nil) if none is
// currently available.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, 2048)
	n, err := syscall.Read(t.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("netdev: read from %s: %w", t.name, err)
	}
	return buf[:n], nil
}

// WritePacket writes one Ethernet frame to the TAP device.
func (t *TapDevice) WritePacket(packet []byte) (int, error) {
	n, err := syscall.Write(t.fd, packet)
	if err != nil {
		return n, fmt.Errorf("netdev: write to %s: %w", t.name, err)
	}
	return n, nil
}

func (t *TapDevice) Close() error {
	if t.fd == 0 {
		return nil
	}
	fd := t.fd
	t.fd = 0
	return syscall.Close(fd)
}
