package virtio

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/vrdma/internal/eventfd"
)

// Interrupt status bits shared by the MMIO transport.
const (
	VIRTIO_MMIO_INT_VRING  = 0x1 // Used buffer notification
	VIRTIO_MMIO_INT_CONFIG = 0x2 // Configuration change
)

// InterruptKind selects what an interrupt reports.
type InterruptKind uint8

const (
	InterruptQueue InterruptKind = iota
	InterruptConfig
)

// InterruptType describes one interrupt request.
type InterruptType struct {
	Kind  InterruptKind
	Queue uint16
}

// QueueInterrupt signals used buffers on queue idx.
func QueueInterrupt(idx uint16) InterruptType {
	return InterruptType{Kind: InterruptQueue, Queue: idx}
}

// ConfigInterrupt signals a configuration space change.
func ConfigInterrupt() InterruptType {
	return InterruptType{Kind: InterruptConfig}
}

func (t InterruptType) String() string {
	if t.Kind == InterruptConfig {
		return "config"
	}
	return fmt.Sprintf("queue(%d)", t.Queue)
}

// Interrupt is the capability a device uses to notify the driver.
type Interrupt interface {
	Trigger(t InterruptType) error
}

// mmioInterrupt latches interrupt status bits for the MMIO register file and
// signals an irqfd towards the hypervisor.
type mmioInterrupt struct {
	status atomic.Uint32
	irq    *eventfd.EventFd
}

func (i *mmioInterrupt) Trigger(t InterruptType) error {
	bit := uint32(VIRTIO_MMIO_INT_VRING)
	if t.Kind == InterruptConfig {
		bit = VIRTIO_MMIO_INT_CONFIG
	}
	i.status.Or(bit)
	if i.irq == nil {
		return fmt.Errorf("virtio: no irq line for %s interrupt", t)
	}
	if err := i.irq.Write(1); err != nil {
		return fmt.Errorf("virtio: signal %s interrupt: %w", t, err)
	}
	return nil
}

func (i *mmioInterrupt) ack(bits uint32) {
	i.status.And(^bits)
}
