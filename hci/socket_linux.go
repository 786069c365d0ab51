//go:build linux

package hci

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	hciChannelRaw  = 0
	hciChannelUser = 1
)

// Socket is a raw HCI_CHANNEL_USER socket bound to one controller, per
// spec.md §6: AF_BLUETOOTH, SOCK_RAW, BTPROTO_HCI, bound to a device index.
// It implements ControllerTransport.
type Socket struct {
	fd     int
	closed chan struct{}
	rmu    sync.Mutex
	wmu    sync.Mutex
}

// OpenSocket opens and binds a raw HCI socket for controller devID (e.g. 0
// for hci0). It takes the device down first (HCIDEVDOWN) and then binds
// with HCI_CHANNEL_USER; the device is not brought back up.
func OpenSocket(devID int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, newErr(ErrOpenFailed, errors.Wrap(err, "socket"))
	}

	if err := deviceDown(fd, devID); err != nil {
		unix.Close(fd)
		return nil, newErr(ErrOpenFailed, errors.Wrap(err, "down device"))
	}

	sa := &unix.SockaddrHCI{Dev: uint16(devID), Channel: hciChannelUser}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, newErr(ErrOpenFailed, errors.Wrap(err, "bind hci user channel"))
	}

	return &Socket{fd: fd, closed: make(chan struct{})}, nil
}

func (s *Socket) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return n, errors.Wrap(err, "read hci socket")
	}
	return n, nil
}

func (s *Socket) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return n, errors.Wrap(err, "write hci socket")
	}
	return n, nil
}

func (s *Socket) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return errors.Wrap(unix.Close(s.fd), "close hci socket")
}

func deviceDown(fd, devID int) error {
	return ioctl(uintptr(fd), hciDownDevice, uintptr(devID))
}

func ioctl(fd, op, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

const ioctlTypeHCI = 72 // 'H'

func ioW(nr, size uintptr) uintptr { return (1 << 30) | (ioctlTypeHCI << 8) | nr | (size << 16) }

var hciDownDevice = ioW(202, 4) // HCIDEVDOWN
