package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/tcmartin/crewrunner/pkg/logging"
)

// Sink receives execution updates from the dispatcher. The websocket hub and
// the SSE mirror both implement it.
type Sink interface {
	BroadcastExecutionUpdate(executionID string, payload interface{})
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(executionID string, payload interface{})

// BroadcastExecutionUpdate calls f.
func (f SinkFunc) BroadcastExecutionUpdate(executionID string, payload interface{}) {
	f(executionID, payload)
}

// Notification is one queued update
type Notification struct {
	ExecutionID string
	Payload     interface{}
}

// Dispatcher decouples registry mutations from delivery. Notify appends to an
// unbounded FIFO and returns immediately; a single goroutine started by Run
// drains the queue into every sink, so updates for one execution reach the
// sinks in the order they were enqueued. Delivery is best effort.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []Notification
	stopped bool
	sinks  []Sink
	wake   chan struct{}
	logger logging.Logger
}

// NewDispatcher creates a dispatcher delivering to the given sinks.
func NewDispatcher(logger logging.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		sinks:  sinks,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// AddSink registers another sink. Safe to call while Run is active.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Notify enqueues an update without blocking. Updates arriving after Run
// has stopped are dropped.
func (d *Dispatcher) Notify(executionID string, payload interface{}) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, Notification{ExecutionID: executionID, Payload: payload})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run delivers notifications until ctx is cancelled, then drains whatever is
// still queued and returns.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			d.drain()
			return
		case <-d.wake:
			d.drain()
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		sinks := append([]Sink(nil), d.sinks...)
		d.mu.Unlock()

		for _, n := range batch {
			for _, sink := range sinks {
				d.deliver(sink, n)
			}
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, n Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("execution update sink panicked",
				logging.F("execution_id", n.ExecutionID),
				logging.F("panic", fmt.Sprint(rec)))
		}
	}()
	sink.BroadcastExecutionUpdate(n.ExecutionID, n.Payload)
}
