package rdma

import (
	"sync"

	"github.com/tinyrange/vrdma/internal/event"
)

// Shared is the handle through which the registry, the transport and the
// reactor all reach one Device. Every call holds the lock for its whole
// duration.
//
// A panic while the lock is held is not recovered: the device may be half
// updated, so the process is left to die.
type Shared struct {
	mu  sync.Mutex
	dev *Device
}

var (
	_ sync.Locker      = (*Shared)(nil)
	_ event.Subscriber = (*Shared)(nil)
)

// NewShared wraps dev.
func NewShared(dev *Device) *Shared {
	return &Shared{dev: dev}
}

func (s *Shared) Lock()   { s.mu.Lock() }
func (s *Shared) Unlock() { s.mu.Unlock() }

// Device returns the wrapped device. Callers must hold the lock while using
// it.
func (s *Shared) Device() *Device { return s.dev }

// With runs fn with the lock held.
func (s *Shared) With(fn func(d *Device)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.dev)
}

// ID returns the device identifier.
func (s *Shared) ID() string {
	// The identifier never changes after New.
	return s.dev.id
}

// Init implements event.Subscriber.
func (s *Shared) Init(ops *event.Ops) {
	s.With(func(d *Device) { d.Init(ops) })
}

// Process implements event.Subscriber.
func (s *Shared) Process(ev event.Events, ops *event.Ops) {
	s.With(func(d *Device) { d.Process(ev, ops) })
}
