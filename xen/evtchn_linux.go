//go:build linux

package xen

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EvtchnDevice is the privcmd event channel device node.
const EvtchnDevice = "/dev/xen/evtchn"

// ioctl numbers from xen/include/public/../linux/evtchn.h.
const (
	ioctlEvtchnBindInterdomain = 0x00084501
	ioctlEvtchnUnbind          = 0x00044503
	ioctlEvtchnNotify          = 0x00044504
)

type evtchnBindInterdomain struct {
	remoteDomain uint32
	remotePort   uint32
}

type evtchnPort struct {
	port uint32
}

// deviceEventChannel talks to /dev/xen/evtchn directly: ioctls to bind,
// unbind and notify, read(2) for pending ports, write(2) to unmask.
type deviceEventChannel struct {
	fd int
}

// OpenEventChannel opens the event channel device.
func OpenEventChannel() (EventChannel, error) {
	fd, err := unix.Open(EvtchnDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", EvtchnDevice, err)
	}
	return &deviceEventChannel{fd: fd}, nil
}

func (d *deviceEventChannel) ioctl(req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func (d *deviceEventChannel) BindInterdomain(dom DomainID, remotePort uint32) (uint32, error) {
	arg := evtchnBindInterdomain{remoteDomain: uint32(dom), remotePort: remotePort}
	r, err := d.ioctl(ioctlEvtchnBindInterdomain, unsafe.Pointer(&arg))
	if err != nil {
		return 0, err
	}
	return uint32(r), nil
}

func (d *deviceEventChannel) Unbind(port uint32) error {
	arg := evtchnPort{port: port}
	_, err := d.ioctl(ioctlEvtchnUnbind, unsafe.Pointer(&arg))
	return err
}

func (d *deviceEventChannel) Notify(port uint32) error {
	arg := evtchnPort{port: port}
	_, err := d.ioctl(ioctlEvtchnNotify, unsafe.Pointer(&arg))
	return err
}

func (d *deviceEventChannel) Pending() (uint32, error) {
	var b [4]byte
	for {
		n, err := unix.Read(d.fd, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n != len(b) {
			return 0, fmt.Errorf("short read of %d bytes from %s", n, EvtchnDevice)
		}
		return binary.NativeEndian.Uint32(b[:]), nil
	}
}

func (d *deviceEventChannel) Unmask(port uint32) error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], port)
	_, err := unix.Write(d.fd, b[:])
	return err
}

func (d *deviceEventChannel) Fd() int { return d.fd }

func (d *deviceEventChannel) Close() error {
	return unix.Close(d.fd)
}
