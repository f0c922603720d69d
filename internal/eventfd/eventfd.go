//go:build linux

// Package eventfd wraps the Linux eventfd counter used to signal between the
// control plane, the guest transport and the device event loop.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Read when the counter is zero.
var ErrWouldBlock = errors.New("eventfd: no event pending")

// EventFd is a non-blocking eventfd.
type EventFd struct {
	fd int
}

// New creates a non-blocking, close-on-exec eventfd with a zero counter.
func New() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: create: %w", err)
	}
	return &EventFd{fd: fd}, nil
}

// Fd returns the descriptor for reactor registration.
func (e *EventFd) Fd() int {
	return e.fd
}

// Write adds v to the counter.
func (e *EventFd) Write(v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	n, err := unix.Write(e.fd, buf[:])
	if err != nil {
		return fmt.Errorf("eventfd: write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("eventfd: short write (%d bytes)", n)
	}
	return nil
}

// Read returns the counter value and resets it to zero. It returns
// ErrWouldBlock if nothing was signalled since the last read.
func (e *EventFd) Read() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("eventfd: read: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("eventfd: short read (%d bytes)", n)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor. Closing twice is a no-op.
func (e *EventFd) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}
