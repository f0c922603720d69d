package rdma

import (
	"encoding/binary"
	"fmt"
)

// Request opcodes.
const (
	OpCreateQP uint32 = 1
)

// Wire sizes of the guest-visible records.
const (
	RequestSize  = 8
	ResponseSize = 4
)

// Status is the result code written back to the guest.
type Status uint32

const (
	StatusOK  Status = 0
	StatusErr Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusErr:
		return "err"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Request is the record the driver places in the first descriptor:
//
//	offset 0: opcode (u32 little endian)
//	offset 4: qp_id  (u32 little endian)
type Request struct {
	Opcode uint32
	QPID   uint32
}

// MarshalBinary encodes r in wire order.
func (r Request) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RequestSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Opcode)
	binary.LittleEndian.PutUint32(buf[4:8], r.QPID)
	return buf, nil
}

// UnmarshalBinary decodes the first RequestSize bytes of data.
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < RequestSize {
		return fmt.Errorf("virtio-rdma: request needs %d bytes, have %d", RequestSize, len(data))
	}
	r.Opcode = binary.LittleEndian.Uint32(data[0:4])
	r.QPID = binary.LittleEndian.Uint32(data[4:8])
	return nil
}

// Response is the record the device writes into the second descriptor.
type Response struct {
	Status Status
}

// MarshalBinary encodes r in wire order.
func (r Response) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint32(buf, uint32(r.Status))
	return buf, nil
}

// UnmarshalBinary decodes the first ResponseSize bytes of data.
func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < ResponseSize {
		return fmt.Errorf("virtio-rdma: response needs %d bytes, have %d", ResponseSize, len(data))
	}
	r.Status = Status(binary.LittleEndian.Uint32(data))
	return nil
}
