package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/sys/unix"
)

// ErrGuestAddressOutOfRange is returned for any access that is not fully
// contained in guest memory.
var ErrGuestAddressOutOfRange = errors.New("virtio: guest address out of range")

// GuestMemory provides bounds-checked access to guest physical memory.
// Offsets passed to ReadAt and WriteAt are guest physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
	// CheckRange reports whether [addr, addr+length) is backed by memory.
	CheckRange(addr uint64, length uint64) error
}

// Memory is a single contiguous guest RAM region.
type Memory struct {
	base   uint64
	data   []byte
	mapped bool
}

// NewMemory maps size bytes of anonymous memory at guest address base.
func NewMemory(base uint64, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("virtio: guest memory size is zero")
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("virtio: guest memory size %d exceeds host address limit", size)
	}
	if base > math.MaxUint64-size {
		return nil, fmt.Errorf("virtio: guest memory region %#x+%#x overflows", base, size)
	}
	data, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("virtio: map guest memory: %w", err)
	}
	return &Memory{base: base, data: data, mapped: true}, nil
}

// NewMemoryFromBytes exposes buf as guest memory starting at base.
func NewMemoryFromBytes(base uint64, buf []byte) *Memory {
	return &Memory{base: base, data: buf}
}

// Base returns the first guest physical address of the region.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the region size in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// CheckRange implements GuestMemory.
func (m *Memory) CheckRange(addr uint64, length uint64) error {
	_, err := m.offset(addr, length)
	return err
}

func (m *Memory) offset(addr uint64, length uint64) (uint64, error) {
	if addr < m.base {
		return 0, fmt.Errorf("%w: addr=%#x length=%d", ErrGuestAddressOutOfRange, addr, length)
	}
	off := addr - m.base
	size := uint64(len(m.data))
	if off > size || length > size-off {
		return 0, fmt.Errorf("%w: addr=%#x length=%d", ErrGuestAddressOutOfRange, addr, length)
	}
	return off, nil
}

// ReadAt implements io.ReaderAt. Reads are all or nothing.
func (m *Memory) ReadAt(p []byte, addr int64) (int, error) {
	if addr < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrGuestAddressOutOfRange)
	}
	off, err := m.offset(uint64(addr), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements io.WriterAt. Writes are all or nothing.
func (m *Memory) WriteAt(p []byte, addr int64) (int, error) {
	if addr < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrGuestAddressOutOfRange)
	}
	off, err := m.offset(uint64(addr), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Close unmaps memory created by NewMemory.
func (m *Memory) Close() error {
	if !m.mapped {
		return nil
	}
	m.mapped = false
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}

// ReadGuest fills buf from guest memory at addr.
func ReadGuest(mem GuestMemory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

// WriteGuest copies data into guest memory at addr.
func WriteGuest(mem GuestMemory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %#x", ErrGuestAddressOutOfRange, addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}

func readGuestUint16(mem GuestMemory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := ReadGuest(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func writeGuestUint16(mem GuestMemory, addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return WriteGuest(mem, addr, buf[:])
}

func writeGuestUint32(mem GuestMemory, addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return WriteGuest(mem, addr, buf[:])
}
