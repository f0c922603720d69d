//go:build linux

package event

import (
	"testing"

	"github.com/tinyrange/vrdma/internal/eventfd"
)

type recordingSubscriber struct {
	fds    []*eventfd.EventFd
	seen   []uint32
	remove bool
}

func (s *recordingSubscriber) Init(ops *Ops) {
	for i, fd := range s.fds {
		if err := ops.Add(WithData(fd.Fd(), uint32(i), EventIn)); err != nil {
			panic(err)
		}
	}
}

func (s *recordingSubscriber) Process(ev Events, ops *Ops) {
	s.seen = append(s.seen, ev.Data())
	if !ev.EventSet().Contains(EventIn) {
		return
	}
	s.fds[ev.Data()].Read()
	if s.remove {
		for i, fd := range s.fds {
			ops.Remove(WithData(fd.Fd(), uint32(i), EventIn))
		}
	}
}

func newEventFds(t *testing.T, n int) []*eventfd.EventFd {
	t.Helper()
	var fds []*eventfd.EventFd
	for i := 0; i < n; i++ {
		fd, err := eventfd.New()
		if err != nil {
			t.Fatalf("eventfd.New: %v", err)
		}
		t.Cleanup(func() { fd.Close() })
		fds = append(fds, fd)
	}
	return fds
}

func TestManagerDispatchesTag(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	sub := &recordingSubscriber{fds: newEventFds(t, 2)}
	m.AddSubscriber(sub)
	if m.Registrations() != 2 {
		t.Fatalf("Registrations = %d, want 2", m.Registrations())
	}

	if err := sub.fds[1].Write(1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err := m.RunWithTimeout(100)
	if err != nil {
		t.Fatalf("RunWithTimeout: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d events, want 1", n)
	}
	if len(sub.seen) != 1 || sub.seen[0] != 1 {
		t.Fatalf("seen = %v, want [1]", sub.seen)
	}

	// Nothing pending: the timeout elapses without dispatch.
	n, err = m.RunWithTimeout(10)
	if err != nil {
		t.Fatalf("RunWithTimeout: %v", err)
	}
	if n != 0 {
		t.Fatalf("dispatched %d events on idle reactor", n)
	}
}

func TestManagerDropsEventsRemovedInBatch(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	sub := &recordingSubscriber{fds: newEventFds(t, 2), remove: true}
	m.AddSubscriber(sub)

	sub.fds[0].Write(1)
	sub.fds[1].Write(1)

	n, err := m.RunWithTimeout(100)
	if err != nil {
		t.Fatalf("RunWithTimeout: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d events, want 1", n)
	}
	if m.Registrations() != 0 {
		t.Fatalf("Registrations = %d, want 0", m.Registrations())
	}
}

func TestManagerDuplicateRegistration(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	fds := newEventFds(t, 1)
	sub := &recordingSubscriber{}
	id := m.AddSubscriber(sub)
	ops := &Ops{m: m, id: id}

	if err := ops.Add(WithData(fds[0].Fd(), 7, EventIn)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ops.Add(WithData(fds[0].Fd(), 8, EventIn)); err == nil {
		t.Fatalf("second Add succeeded")
	}
	if err := m.RemoveSubscriber(id); err != nil {
		t.Fatalf("RemoveSubscriber: %v", err)
	}
	if m.Registrations() != 0 {
		t.Fatalf("Registrations = %d, want 0", m.Registrations())
	}
	if err := m.RemoveSubscriber(id); err == nil {
		t.Fatalf("removing unknown subscriber succeeded")
	}
}
