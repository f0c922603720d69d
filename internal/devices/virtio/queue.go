package virtio

import (
	"errors"
	"fmt"
)

const (
	availFNoInterrupt = 1

	// Ring feature bits negotiated through the transport.
	VIRTIO_F_RING_EVENT_IDX = 29
	VIRTIO_F_VERSION_1      = 32
)

var (
	ErrQueueNotReady  = errors.New("virtio: queue not ready")
	ErrQueueSize      = errors.New("virtio: invalid queue size")
	ErrQueueAlignment = errors.New("virtio: misaligned queue ring")
)

// InvalidAvailIdxError reports an available index that moved further ahead
// of the device than the queue can hold.
type InvalidAvailIdxError struct {
	AvailIdx  uint16
	NextAvail uint16
	Size      uint16
}

func (e *InvalidAvailIdxError) Error() string {
	return fmt.Sprintf("virtio: avail index %d is more than %d ahead of next avail %d",
		e.AvailIdx, e.Size, e.NextAvail)
}

// DescriptorIndexError reports a chain head that is outside the descriptor
// table. The offending available entry has already been consumed.
type DescriptorIndexError struct {
	Index uint16
	Size  uint16
}

func (e *DescriptorIndexError) Error() string {
	return fmt.Sprintf("virtio: descriptor index %d out of bounds (size %d)", e.Index, e.Size)
}

// Queue is a split virtqueue. The transport programs the exported fields;
// Initialize validates them against guest memory before use.
type Queue struct {
	MaxSize       uint16
	Size          uint16
	Ready         bool
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64

	// EventIdx is set when VIRTIO_F_RING_EVENT_IDX was negotiated.
	EventIdx bool

	mem       GuestMemory
	nextAvail uint16
	nextUsed  uint16
	numAdded  uint16
}

// NewQueue creates an unconfigured queue.
func NewQueue(maxSize uint16) *Queue {
	return &Queue{MaxSize: maxSize}
}

// Reset clears guest programming and device-side counters.
func (q *Queue) Reset() {
	q.Size = 0
	q.Ready = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.EventIdx = false
	q.mem = nil
	q.nextAvail = 0
	q.nextUsed = 0
	q.numAdded = 0
}

// SetAddresses configures the ring addresses.
func (q *Queue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

// DescTableSize returns the descriptor table size in bytes for size entries.
func DescTableSize(size uint16) uint64 { return uint64(size) * descriptorSize }

// AvailRingSize returns the available ring size in bytes including used_event.
func AvailRingSize(size uint16) uint64 { return 6 + 2*uint64(size) }

// UsedRingSize returns the used ring size in bytes including avail_event.
func UsedRingSize(size uint16) uint64 { return 6 + 8*uint64(size) }

// Initialize checks the queue programming against mem and binds the queue
// to it.
func (q *Queue) Initialize(mem GuestMemory) error {
	if !q.Ready {
		return ErrQueueNotReady
	}
	if q.Size == 0 || q.Size > q.MaxSize || q.Size&(q.Size-1) != 0 {
		return fmt.Errorf("%w: %d (max %d)", ErrQueueSize, q.Size, q.MaxSize)
	}
	if q.DescTableAddr&0xf != 0 {
		return fmt.Errorf("%w: descriptor table %#x", ErrQueueAlignment, q.DescTableAddr)
	}
	if q.AvailRingAddr&0x1 != 0 {
		return fmt.Errorf("%w: avail ring %#x", ErrQueueAlignment, q.AvailRingAddr)
	}
	if q.UsedRingAddr&0x3 != 0 {
		return fmt.Errorf("%w: used ring %#x", ErrQueueAlignment, q.UsedRingAddr)
	}
	if err := mem.CheckRange(q.DescTableAddr, DescTableSize(q.Size)); err != nil {
		return fmt.Errorf("virtio: descriptor table: %w", err)
	}
	if err := mem.CheckRange(q.AvailRingAddr, AvailRingSize(q.Size)); err != nil {
		return fmt.Errorf("virtio: avail ring: %w", err)
	}
	if err := mem.CheckRange(q.UsedRingAddr, UsedRingSize(q.Size)); err != nil {
		return fmt.Errorf("virtio: used ring: %w", err)
	}
	q.mem = mem
	return nil
}

func (q *Queue) ensureInitialized() error {
	if q.mem == nil || !q.Ready || q.Size == 0 {
		return ErrQueueNotReady
	}
	return nil
}

// Pop returns the next available descriptor chain, or nil if the driver has
// not published anything new.
func (q *Queue) Pop() (*DescriptorChain, error) {
	if err := q.ensureInitialized(); err != nil {
		return nil, err
	}
	availIdx, err := readGuestUint16(q.mem, q.AvailRingAddr+2)
	if err != nil {
		return nil, err
	}
	pending := availIdx - q.nextAvail
	if pending > q.Size {
		return nil, &InvalidAvailIdxError{AvailIdx: availIdx, NextAvail: q.nextAvail, Size: q.Size}
	}
	if pending == 0 {
		return nil, nil
	}

	ringIndex := q.nextAvail % q.Size
	head, err := readGuestUint16(q.mem, q.AvailRingAddr+4+uint64(ringIndex)*2)
	if err != nil {
		return nil, err
	}
	q.nextAvail++

	if q.EventIdx {
		if err := writeGuestUint16(q.mem, q.UsedRingAddr+4+uint64(q.Size)*8, q.nextAvail); err != nil {
			return nil, err
		}
	}

	if head >= q.Size {
		return nil, &DescriptorIndexError{Index: head, Size: q.Size}
	}
	return readDescriptor(q.mem, q.DescTableAddr, q.Size, head, q.Size)
}

// AddUsed records a completed chain. The used index visible to the driver
// only moves on AdvanceUsedRingIdx.
func (q *Queue) AddUsed(head uint16, length uint32) error {
	if err := q.ensureInitialized(); err != nil {
		return err
	}
	if head >= q.Size {
		return &DescriptorIndexError{Index: head, Size: q.Size}
	}
	base := q.UsedRingAddr + 4 + uint64(q.nextUsed%q.Size)*8
	if err := writeGuestUint32(q.mem, base, uint32(head)); err != nil {
		return err
	}
	if err := writeGuestUint32(q.mem, base+4, length); err != nil {
		return err
	}
	q.nextUsed++
	q.numAdded++
	return nil
}

// AdvanceUsedRingIdx publishes every used element added so far.
func (q *Queue) AdvanceUsedRingIdx() error {
	if err := q.ensureInitialized(); err != nil {
		return err
	}
	return writeGuestUint16(q.mem, q.UsedRingAddr+2, q.nextUsed)
}

// PrepareKick reports whether the driver wants an interrupt for the used
// elements published since the previous call.
func (q *Queue) PrepareKick() bool {
	added := q.numAdded
	q.numAdded = 0
	if added == 0 || q.ensureInitialized() != nil {
		return false
	}

	if !q.EventIdx {
		flags, err := readGuestUint16(q.mem, q.AvailRingAddr)
		if err != nil {
			return true
		}
		return flags&availFNoInterrupt == 0
	}

	usedEvent, err := readGuestUint16(q.mem, q.AvailRingAddr+4+uint64(q.Size)*2)
	if err != nil {
		return true
	}
	newIdx := q.nextUsed
	oldIdx := newIdx - added
	return newIdx-usedEvent-1 < newIdx-oldIdx
}

// NextAvail returns the index of the next available entry the device reads.
func (q *Queue) NextAvail() uint16 { return q.nextAvail }

// NextUsed returns the device-side used counter.
func (q *Queue) NextUsed() uint16 { return q.nextUsed }
