package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vrdma/internal/event"
	"github.com/tinyrange/vrdma/internal/eventfd"
)

// ErrStopped is returned by Controller.Do once the event loop has gone away.
var ErrStopped = errors.New("vmm: event loop stopped")

type actionRequest struct {
	action Action
	reply  chan actionResult
}

type actionResult struct {
	resp ActionResponse
	err  error
}

// Controller carries actions from control-plane goroutines to the event
// loop. It is registered with the reactor like any device, so actions never
// run concurrently with device processing.
type Controller struct {
	evt      *eventfd.EventFd
	requests chan actionRequest
	done     chan struct{}
	stopOnce sync.Once
	handle   func(Action) (ActionResponse, error)
}

func newController(handle func(Action) (ActionResponse, error)) (*Controller, error) {
	evt, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("vmm: controller event: %w", err)
	}
	return &Controller{
		evt:      evt,
		requests: make(chan actionRequest, 16),
		done:     make(chan struct{}),
		handle:   handle,
	}, nil
}

// Do queues a and waits for the event loop to execute it.
func (c *Controller) Do(ctx context.Context, a Action) (ActionResponse, error) {
	req := actionRequest{action: a, reply: make(chan actionResult, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return ActionResponse{}, ErrStopped
	case <-ctx.Done():
		return ActionResponse{}, ctx.Err()
	}
	if err := c.evt.Write(1); err != nil {
		return ActionResponse{}, err
	}
	select {
	case res := <-req.reply:
		return res.resp, res.err
	case <-c.done:
		return ActionResponse{}, ErrStopped
	case <-ctx.Done():
		return ActionResponse{}, ctx.Err()
	}
}

// Init implements event.Subscriber.
func (c *Controller) Init(ops *event.Ops) {
	if err := ops.Add(event.WithData(c.evt.Fd(), 0, event.EventIn)); err != nil {
		slog.Error("vmm: failed to register controller event", "err", err)
	}
}

// Process implements event.Subscriber.
func (c *Controller) Process(ev event.Events, ops *event.Ops) {
	if _, err := c.evt.Read(); err != nil && !errors.Is(err, eventfd.ErrWouldBlock) {
		slog.Error("vmm: failed to read controller event", "err", err)
	}
	for {
		select {
		case req := <-c.requests:
			resp, err := c.handle(req.action)
			req.reply <- actionResult{resp: resp, err: err}
		default:
			return
		}
	}
}

// stop fails every pending and future Do.
func (c *Controller) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
