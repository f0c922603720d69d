//go:build linux

// Package event implements a single-threaded epoll reactor. Subscribers
// register file descriptors together with a 32-bit tag and are called back
// with that tag when the descriptor becomes ready.
package event

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// EventSet is a bitmask of epoll readiness flags.
type EventSet uint32

const (
	EventIn  EventSet = unix.EPOLLIN
	EventOut EventSet = unix.EPOLLOUT
	EventErr EventSet = unix.EPOLLERR
	EventHup EventSet = unix.EPOLLHUP
)

// Contains reports whether every bit of other is set in s.
func (s EventSet) Contains(other EventSet) bool {
	return s&other == other
}

// Events identifies a registration (fd, tag, interest set) or, when
// delivered to a subscriber, a readiness notification.
type Events struct {
	fd   int
	data uint32
	set  EventSet
}

// WithData builds an Events value for fd carrying data as its tag.
func WithData(fd int, data uint32, set EventSet) Events {
	return Events{fd: fd, data: data, set: set}
}

// Fd returns the file descriptor.
func (e Events) Fd() int { return e.fd }

// Data returns the registration tag.
func (e Events) Data() uint32 { return e.data }

// EventSet returns the interest set, or the ready set on delivery.
func (e Events) EventSet() EventSet { return e.set }

// Subscriber receives events for the descriptors it registered.
type Subscriber interface {
	// Init is called once when the subscriber is added to a Manager.
	Init(ops *Ops)
	// Process is called for every ready registration owned by the subscriber.
	Process(events Events, ops *Ops)
}

// SubscriberID identifies a subscriber within a Manager.
type SubscriberID uint64

// Ops lets a subscriber change its own registrations.
type Ops struct {
	m  *Manager
	id SubscriberID
}

// Add registers ev for the owning subscriber.
func (o *Ops) Add(ev Events) error {
	return o.m.register(o.id, ev)
}

// Remove drops the registration for ev's descriptor.
func (o *Ops) Remove(ev Events) error {
	return o.m.unregister(o.id, ev)
}

type registration struct {
	owner SubscriberID
	data  uint32
}

// Manager owns an epoll instance and the subscribers attached to it. It must
// only be used from one goroutine.
type Manager struct {
	epfd        int
	subscribers map[SubscriberID]Subscriber
	fds         map[int]registration
	nextID      SubscriberID
	ready       []unix.EpollEvent
}

const maxReadyEvents = 64

// NewManager creates an empty reactor.
func NewManager() (*Manager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("event: epoll create: %w", err)
	}
	return &Manager{
		epfd:        epfd,
		subscribers: make(map[SubscriberID]Subscriber),
		fds:         make(map[int]registration),
		ready:       make([]unix.EpollEvent, maxReadyEvents),
	}, nil
}

// AddSubscriber attaches s and calls its Init.
func (m *Manager) AddSubscriber(s Subscriber) SubscriberID {
	m.nextID++
	id := m.nextID
	m.subscribers[id] = s
	s.Init(&Ops{m: m, id: id})
	return id
}

// RemoveSubscriber detaches the subscriber and unregisters all of its
// descriptors.
func (m *Manager) RemoveSubscriber(id SubscriberID) error {
	if _, ok := m.subscribers[id]; !ok {
		return fmt.Errorf("event: unknown subscriber %d", id)
	}
	var errs []error
	for fd, reg := range m.fds {
		if reg.owner != id {
			continue
		}
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			errs = append(errs, fmt.Errorf("event: remove fd %d: %w", fd, err))
		}
		delete(m.fds, fd)
	}
	delete(m.subscribers, id)
	return errors.Join(errs...)
}

// Registrations returns the number of registered descriptors.
func (m *Manager) Registrations() int {
	return len(m.fds)
}

func (m *Manager) register(owner SubscriberID, ev Events) error {
	if _, ok := m.fds[ev.fd]; ok {
		return fmt.Errorf("event: fd %d already registered", ev.fd)
	}
	epev := unix.EpollEvent{Events: uint32(ev.set), Fd: int32(ev.fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, ev.fd, &epev); err != nil {
		return fmt.Errorf("event: add fd %d: %w", ev.fd, err)
	}
	m.fds[ev.fd] = registration{owner: owner, data: ev.data}
	return nil
}

func (m *Manager) unregister(owner SubscriberID, ev Events) error {
	reg, ok := m.fds[ev.fd]
	if !ok || reg.owner != owner {
		return fmt.Errorf("event: fd %d not registered by subscriber %d", ev.fd, owner)
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, ev.fd, nil); err != nil {
		return fmt.Errorf("event: remove fd %d: %w", ev.fd, err)
	}
	delete(m.fds, ev.fd)
	return nil
}

// Run blocks until at least one event is ready and dispatches it.
func (m *Manager) Run() (int, error) {
	return m.RunWithTimeout(-1)
}

// RunWithTimeout waits up to timeoutMs milliseconds (-1 blocks) and
// dispatches every ready event. It returns the number of events dispatched.
func (m *Manager) RunWithTimeout(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(m.epfd, m.ready, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("event: epoll wait: %w", err)
	}

	dispatched := 0
	for _, ready := range m.ready[:n] {
		fd := int(ready.Fd)
		// An earlier callback in this batch may have removed the registration.
		reg, ok := m.fds[fd]
		if !ok {
			continue
		}
		sub, ok := m.subscribers[reg.owner]
		if !ok {
			slog.Warn("event: ready fd without subscriber", "fd", fd)
			continue
		}
		sub.Process(
			Events{fd: fd, data: reg.data, set: EventSet(ready.Events)},
			&Ops{m: m, id: reg.owner},
		)
		dispatched++
	}
	return dispatched, nil
}

// Close releases the epoll instance. Subscribers keep ownership of their
// own descriptors.
func (m *Manager) Close() error {
	if m.epfd < 0 {
		return nil
	}
	err := unix.Close(m.epfd)
	m.epfd = -1
	return err
}
