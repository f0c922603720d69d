package rdma

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vrdma/internal/devices/virtio"
)

var (
	ErrWriteOnlyDescriptor     = errors.New("virtio-rdma: write-only descriptor where read expected")
	ErrReadOnlyDescriptor      = errors.New("virtio-rdma: read-only descriptor where write expected")
	ErrDescriptorChainTooShort = errors.New("virtio-rdma: descriptor chain too short")
	ErrDescriptorTooShort      = errors.New("virtio-rdma: descriptor too short")
)

// parseChain checks the layout of a request chain and reads the request.
// Guest memory is only touched once every structural check has passed.
func parseChain(mem virtio.GuestMemory, head *virtio.DescriptorChain) (Request, *virtio.DescriptorChain, error) {
	if head.IsWriteOnly() {
		return Request{}, nil, ErrWriteOnlyDescriptor
	}
	if head.Len < RequestSize {
		return Request{}, nil, fmt.Errorf("%w: request %d < %d", ErrDescriptorTooShort, head.Len, RequestSize)
	}
	resp := head.NextDescriptor()
	if resp == nil {
		return Request{}, nil, ErrDescriptorChainTooShort
	}
	if !resp.IsWriteOnly() {
		return Request{}, nil, ErrReadOnlyDescriptor
	}
	if resp.Len < ResponseSize {
		return Request{}, nil, fmt.Errorf("%w: response %d < %d", ErrDescriptorTooShort, resp.Len, ResponseSize)
	}

	var buf [RequestSize]byte
	if err := virtio.ReadGuest(mem, head.Addr, buf[:]); err != nil {
		return Request{}, nil, fmt.Errorf("virtio-rdma: read request: %w", err)
	}
	var req Request
	if err := req.UnmarshalBinary(buf[:]); err != nil {
		return Request{}, nil, err
	}
	return req, resp, nil
}

// invalidReason maps a chain error to a metric label.
func invalidReason(err error) string {
	switch {
	case errors.Is(err, ErrWriteOnlyDescriptor):
		return "write_only"
	case errors.Is(err, ErrReadOnlyDescriptor):
		return "read_only"
	case errors.Is(err, ErrDescriptorChainTooShort):
		return "chain_too_short"
	case errors.Is(err, ErrDescriptorTooShort):
		return "descriptor_too_short"
	case errors.Is(err, virtio.ErrGuestAddressOutOfRange):
		return "memory"
	}
	return "other"
}
