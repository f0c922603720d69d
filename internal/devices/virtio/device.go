package virtio

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vrdma/internal/eventfd"
)

// Device type identifiers reported through the transport.
const (
	DeviceTypeNet     = 1
	DeviceTypeBlock   = 2
	DeviceTypeConsole = 3
	DeviceTypeRdma    = 42
)

var (
	// ErrActivateEventFd is returned when a device cannot signal its
	// activation event.
	ErrActivateEventFd = errors.New("virtio: failed to signal activation event")
	// ErrAlreadyActivated is returned when Activate is called twice.
	ErrAlreadyActivated = errors.New("virtio: device already activated")
)

// QueueMismatchError reports a device activated with the wrong number of
// queues.
type QueueMismatchError struct {
	Expected int
	Got      int
}

func (e *QueueMismatchError) Error() string {
	return fmt.Sprintf("virtio: queue count mismatch (expected %d, got %d)", e.Expected, e.Got)
}

// ActiveState holds the capabilities bound to a device at activation.
type ActiveState struct {
	Mem       GuestMemory
	Interrupt Interrupt
}

// DeviceState is Inactive until a successful activation, then Activated for
// the rest of the device's life.
type DeviceState struct {
	active *ActiveState
}

// Activated returns the activated state for mem and irq.
func Activated(mem GuestMemory, irq Interrupt) DeviceState {
	return DeviceState{active: &ActiveState{Mem: mem, Interrupt: irq}}
}

// IsActivated reports whether the device has been activated.
func (s DeviceState) IsActivated() bool {
	return s.active != nil
}

// ActiveState returns the bound capabilities, or nil while inactive.
func (s DeviceState) ActiveState() *ActiveState {
	return s.active
}

// Device is the transport-independent interface of a virtio device. All
// methods assume the caller holds the device's exclusive lock.
type Device interface {
	// DeviceType returns the virtio device type identifier.
	DeviceType() uint32

	// ID returns the configuration identifier of the device.
	ID() string

	// AvailFeatures returns the feature bits offered to the driver.
	AvailFeatures() uint64

	// AckedFeatures returns the feature bits accepted by the driver.
	AckedFeatures() uint64

	// SetAckedFeatures records the driver's accepted features.
	SetAckedFeatures(features uint64)

	// Queues returns the device queues, in index order.
	Queues() []*Queue

	// QueueEvents returns one notification eventfd per queue.
	QueueEvents() []*eventfd.EventFd

	// ReadConfig fills data from device configuration space at offset.
	ReadConfig(offset uint64, data []byte)

	// WriteConfig writes data into device configuration space at offset.
	WriteConfig(offset uint64, data []byte)

	// Activate binds the device to guest memory and an interrupt sink.
	Activate(mem GuestMemory, irq Interrupt) error

	// IsActivated reports whether Activate succeeded.
	IsActivated() bool
}
