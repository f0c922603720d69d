package virtio

import "encoding/binary"

const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	descriptorSize = 16
)

// Exported descriptor flags for code that builds rings on the guest side.
const (
	DescFlagNext     uint16 = virtqDescFNext
	DescFlagWrite    uint16 = virtqDescFWrite
	DescFlagIndirect uint16 = virtqDescFIndirect
)

// DescriptorChain is a view of one descriptor inside a chain popped from a
// queue. It does not own the guest buffer it points to.
type DescriptorChain struct {
	mem       GuestMemory
	descTable uint64
	queueSize uint16
	ttl       uint16

	// Index is the descriptor table index of this descriptor.
	Index uint16
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// IsWriteOnly reports whether the buffer is device write-only.
func (c *DescriptorChain) IsWriteOnly() bool {
	return c.Flags&virtqDescFWrite != 0
}

// HasNext reports whether the chain continues past this descriptor.
func (c *DescriptorChain) HasNext() bool {
	return c.Flags&virtqDescFNext != 0 && c.ttl > 1
}

// NextDescriptor returns the following descriptor, or nil if the chain ends
// here, the next index is out of range or the chain is longer than the queue.
func (c *DescriptorChain) NextDescriptor() *DescriptorChain {
	if !c.HasNext() {
		return nil
	}
	if c.Next >= c.queueSize {
		return nil
	}
	next, err := readDescriptor(c.mem, c.descTable, c.queueSize, c.Next, c.ttl-1)
	if err != nil {
		return nil
	}
	return next
}

func readDescriptor(mem GuestMemory, descTable uint64, queueSize uint16, index uint16, ttl uint16) (*DescriptorChain, error) {
	var buf [descriptorSize]byte
	if err := ReadGuest(mem, descTable+uint64(index)*descriptorSize, buf[:]); err != nil {
		return nil, err
	}
	return &DescriptorChain{
		mem:       mem,
		descTable: descTable,
		queueSize: queueSize,
		ttl:       ttl,
		Index:     index,
		Addr:      binary.LittleEndian.Uint64(buf[0:8]),
		Len:       binary.LittleEndian.Uint32(buf[8:12]),
		Flags:     binary.LittleEndian.Uint16(buf[12:14]),
		Next:      binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}
