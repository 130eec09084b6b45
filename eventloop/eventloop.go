// Package eventloop implements a single dispatcher draining network
// readability, timer expirations, command-queue arrivals, and
// verification-pool completions. No two handlers ever run concurrently
// with each other on the same EventLoop, which is what lets the
// consensus core mutate its state without locking against the network
// or timer goroutines.
package eventloop

import (
	"context"
	"reflect"
	"sync"
)

// Handler processes one event. It must not block.
type Handler func(event any)

// EventLoop serializes event delivery onto a single goroutine.
type EventLoop struct {
	ctx    context.Context
	cancel context.CancelFunc

	mut      sync.Mutex
	handlers map[reflect.Type][]Handler

	events chan any

	startOnce sync.Once
}

// New returns a new EventLoop with the given event channel buffer size.
func New(bufSize int) *EventLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventLoop{
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[reflect.Type][]Handler),
		events:   make(chan any, bufSize),
	}
}

// Context returns a context that is cancelled when the event loop stops.
func (el *EventLoop) Context() context.Context { return el.ctx }

// RegisterHandler registers fn to be called whenever an event of the same
// dynamic type as sample is delivered. Multiple handlers may be
// registered for the same event type; they are invoked in registration
// order.
func (el *EventLoop) RegisterHandler(sample any, fn Handler) {
	t := reflect.TypeOf(sample)
	el.mut.Lock()
	defer el.mut.Unlock()
	el.handlers[t] = append(el.handlers[t], fn)
}

// AddEvent enqueues event for delivery. It is safe to call from any
// goroutine (network readers, timers, the verification pool).
func (el *EventLoop) AddEvent(event any) {
	select {
	case el.events <- event:
	case <-el.ctx.Done():
	}
}

// Run drains the event channel until the context is cancelled. It should
// be called from exactly one goroutine.
func (el *EventLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-el.ctx.Done():
			return
		case ev := <-el.events:
			el.dispatch(ev)
		}
	}
}

func (el *EventLoop) dispatch(ev any) {
	el.mut.Lock()
	hs := el.handlers[reflect.TypeOf(ev)]
	el.mut.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Stop cancels the event loop's context, causing Run to return and
// unblocking any AddEvent callers.
func (el *EventLoop) Stop() {
	el.cancel()
}
