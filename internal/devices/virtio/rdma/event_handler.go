package rdma

import (
	"log/slog"

	"github.com/tinyrange/vrdma/internal/event"
)

// Registration tags.
const (
	ProcessActivate uint32 = 0
	ProcessQueue    uint32 = 1
)

// eventPhase tracks which event sources the device has registered.
type eventPhase uint8

const (
	// phaseUnregistered: not attached to a reactor yet.
	phaseUnregistered eventPhase = iota
	// phaseActivation: only the activate event is registered.
	phaseActivation
	// phaseRuntime: the queue event is registered, the activate event is gone.
	phaseRuntime
)

func (p eventPhase) String() string {
	switch p {
	case phaseActivation:
		return "activation"
	case phaseRuntime:
		return "runtime"
	}
	return "unregistered"
}

func (d *Device) activateEvents() event.Events {
	return event.WithData(d.activateEvt.Fd(), ProcessActivate, event.EventIn)
}

func (d *Device) runtimeEvents() event.Events {
	return event.WithData(d.queueEvts[requestQueue].Fd(), ProcessQueue, event.EventIn)
}

func (d *Device) registerRuntimeEvents(ops *event.Ops) {
	if err := ops.Add(d.runtimeEvents()); err != nil {
		slog.Error("virtio-rdma: failed to register queue event", "id", d.id, "err", err)
		return
	}
	d.events = phaseRuntime
}

func (d *Device) registerActivateEvent(ops *event.Ops) {
	if err := ops.Add(d.activateEvents()); err != nil {
		slog.Error("virtio-rdma: failed to register activate event", "id", d.id, "err", err)
		return
	}
	d.events = phaseActivation
}

// processActivateEvent swaps the activate registration for the runtime one.
func (d *Device) processActivateEvent(ops *event.Ops) {
	if d.events != phaseActivation {
		slog.Warn("virtio-rdma: activate event outside activation phase", "id", d.id, "phase", d.events)
		return
	}
	if _, err := d.activateEvt.Read(); err != nil {
		slog.Error("virtio-rdma: failed to consume activate event", "id", d.id, "err", err)
	}

	d.registerRuntimeEvents(ops)

	if err := ops.Remove(d.activateEvents()); err != nil {
		slog.Error("virtio-rdma: failed to unregister activate event", "id", d.id, "err", err)
	}
}

// Init implements event.Subscriber.
func (d *Device) Init(ops *event.Ops) {
	if d.IsActivated() {
		d.registerRuntimeEvents(ops)
	} else {
		d.registerActivateEvent(ops)
	}
}

// Process implements event.Subscriber.
func (d *Device) Process(ev event.Events, ops *event.Ops) {
	set := ev.EventSet()
	source := ev.Data()

	if !set.Contains(event.EventIn) {
		slog.Warn("virtio-rdma: unknown event", "id", d.id, "events", set, "source", source)
		return
	}
	if !d.IsActivated() {
		slog.Warn("virtio-rdma: device not activated, spurious event", "id", d.id, "source", source)
		return
	}

	switch source {
	case ProcessActivate:
		d.processActivateEvent(ops)
	case ProcessQueue:
		d.ProcessQueueEvent()
	default:
		slog.Warn("virtio-rdma: event from unknown source", "id", d.id, "source", source)
	}
}
