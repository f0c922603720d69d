// Package rdma implements a paravirtualized RDMA control device. The guest
// submits fixed-size requests on a single virtqueue and receives a status
// record for each one.
package rdma

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vrdma/internal/debug"
	"github.com/tinyrange/vrdma/internal/devices/virtio"
	"github.com/tinyrange/vrdma/internal/eventfd"
)

const (
	// NumQueues is the fixed number of queues of the device.
	NumQueues = 1
	// QueueMaxSize is the largest ring the driver may configure.
	QueueMaxSize = 256

	requestQueue = 0
)

// queue is the part of virtio.Queue the drain loop depends on.
type queue interface {
	Pop() (*virtio.DescriptorChain, error)
	AddUsed(head uint16, length uint32) error
	AdvanceUsedRingIdx() error
	PrepareKick() bool
}

type opHandler struct {
	name string
	fn   func(id string, req Request) Status
}

// opHandlers maps request opcodes to their handlers. Opcodes missing here
// are answered with StatusErr.
var opHandlers = map[uint32]opHandler{
	OpCreateQP: {name: "create_qp", fn: createQP},
}

func createQP(id string, req Request) Status {
	slog.Info("virtio-rdma: CREATE_QP", "id", id, "qp_id", req.QPID)
	return StatusOK
}

// Device is a virtio-rdma device. It does no locking of its own; every call
// must be made with exclusive access (see Shared).
type Device struct {
	id            string
	availFeatures uint64
	ackedFeatures uint64

	activateEvt *eventfd.EventFd
	queues      []*virtio.Queue
	queueEvts   []*eventfd.EventFd
	state       virtio.DeviceState
	events      eventPhase

	// ring is the request queue as seen by the drain loop.
	ring queue
}

var _ virtio.Device = (*Device)(nil)

// New creates an inactive device with its queue and event sources.
func New(id string) (*Device, error) {
	activateEvt, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("virtio-rdma: activate event: %w", err)
	}
	d := &Device{
		id:            id,
		availFeatures: 1 << virtio.VIRTIO_F_VERSION_1,
		activateEvt:   activateEvt,
	}
	for i := 0; i < NumQueues; i++ {
		evt, err := eventfd.New()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("virtio-rdma: queue %d event: %w", i, err)
		}
		d.queues = append(d.queues, virtio.NewQueue(QueueMaxSize))
		d.queueEvts = append(d.queueEvts, evt)
	}
	d.ring = d.queues[requestQueue]
	return d, nil
}

// Close releases the device's event sources.
func (d *Device) Close() error {
	var errs []error
	if d.activateEvt != nil {
		errs = append(errs, d.activateEvt.Close())
	}
	for _, evt := range d.queueEvts {
		errs = append(errs, evt.Close())
	}
	return errors.Join(errs...)
}

func (d *Device) DeviceType() uint32 { return virtio.DeviceTypeRdma }

func (d *Device) ID() string { return d.id }

func (d *Device) AvailFeatures() uint64 { return d.availFeatures }

func (d *Device) AckedFeatures() uint64 { return d.ackedFeatures }

// SetAckedFeatures stores the driver's features as given. The transport only
// lets the driver acknowledge offered bits.
func (d *Device) SetAckedFeatures(features uint64) { d.ackedFeatures = features }

func (d *Device) Queues() []*virtio.Queue { return d.queues }

func (d *Device) QueueEvents() []*eventfd.EventFd { return d.queueEvts }

// ActivateEvent is signalled once when the device becomes active.
func (d *Device) ActivateEvent() *eventfd.EventFd { return d.activateEvt }

// ReadConfig is a no-op; the device has no configuration space.
func (d *Device) ReadConfig(offset uint64, data []byte) {}

func (d *Device) WriteConfig(offset uint64, data []byte) {}

func (d *Device) IsActivated() bool { return d.state.IsActivated() }

// Activate binds the queues to mem, records irq and signals the activate
// event. On error the device stays inactive.
func (d *Device) Activate(mem virtio.GuestMemory, irq virtio.Interrupt) error {
	if d.state.IsActivated() {
		return virtio.ErrAlreadyActivated
	}
	if len(d.queues) != NumQueues {
		return &virtio.QueueMismatchError{Expected: NumQueues, Got: len(d.queues)}
	}
	for i, q := range d.queues {
		if err := q.Initialize(mem); err != nil {
			return fmt.Errorf("virtio-rdma: queue %d: %w", i, err)
		}
	}
	if err := d.activateEvt.Write(1); err != nil {
		return fmt.Errorf("%w: %w", virtio.ErrActivateEventFd, err)
	}
	d.state = virtio.Activated(mem, irq)
	return nil
}

// ProcessQueueEvent consumes the queue notification and answers every
// pending request.
func (d *Device) ProcessQueueEvent() {
	active := d.state.ActiveState()
	if active == nil {
		slog.Warn("virtio-rdma: queue event on inactive device", "id", d.id)
		return
	}
	if _, err := d.queueEvts[requestQueue].Read(); err != nil {
		slog.Error("virtio-rdma: failed to read queue event", "id", d.id, "err", err)
		return
	}
	QueueEventsTotal.WithLabelValues(d.id).Inc()
	debug.Writef("virtio-rdma.ProcessQueueEvent", "id=%s", d.id)

	if err := d.handleQueue(active); err != nil {
		slog.Error("virtio-rdma: queue processing stopped", "id", d.id, "err", err)
	}
}

// handleQueue drains the request queue. A bad chain is completed with zero
// bytes; a queue failure ends the pass early. Whatever was completed is
// published and, if the driver wants it, signalled.
func (d *Device) handleQueue(active *virtio.ActiveState) error {
	var drainErr error
	for {
		head, err := d.ring.Pop()
		if err != nil {
			var idxErr *virtio.DescriptorIndexError
			if errors.As(err, &idxErr) {
				slog.Error("virtio-rdma: dropping available entry", "id", d.id, "err", err)
				InvalidChainsTotal.WithLabelValues(d.id, "bad_head").Inc()
				continue
			}
			drainErr = err
			break
		}
		if head == nil {
			break
		}

		usedLen, err := d.processChain(active.Mem, head)
		if err != nil {
			slog.Error("virtio-rdma: invalid request chain", "id", d.id, "head", head.Index, "err", err)
			InvalidChainsTotal.WithLabelValues(d.id, invalidReason(err)).Inc()
			usedLen = 0
		}
		if err := d.ring.AddUsed(head.Index, usedLen); err != nil {
			drainErr = fmt.Errorf("virtio-rdma: add used %d: %w", head.Index, err)
			break
		}
	}

	if err := d.ring.AdvanceUsedRingIdx(); err != nil {
		return errors.Join(drainErr, fmt.Errorf("virtio-rdma: advance used index: %w", err))
	}
	if d.ring.PrepareKick() {
		if err := active.Interrupt.Trigger(virtio.QueueInterrupt(requestQueue)); err != nil {
			slog.Error("virtio-rdma: failed to signal queue interrupt", "id", d.id, "err", err)
			InterruptFailuresTotal.WithLabelValues(d.id).Inc()
		}
	}
	return drainErr
}

// processChain answers one request and returns the number of bytes written
// into the response buffer.
func (d *Device) processChain(mem virtio.GuestMemory, head *virtio.DescriptorChain) (uint32, error) {
	req, respDesc, err := parseChain(mem, head)
	if err != nil {
		return 0, err
	}

	status := StatusErr
	opName := "unknown"
	if h, ok := opHandlers[req.Opcode]; ok {
		status = h.fn(d.id, req)
		opName = h.name
	}
	debug.Writef("virtio-rdma.request", "id=%s opcode=%d qp_id=%d status=%s", d.id, req.Opcode, req.QPID, status)

	resp, _ := Response{Status: status}.MarshalBinary()
	if err := virtio.WriteGuest(mem, respDesc.Addr, resp); err != nil {
		return 0, fmt.Errorf("virtio-rdma: write response: %w", err)
	}
	RequestsTotal.WithLabelValues(d.id, opName, status.String()).Inc()
	return ResponseSize, nil
}
