package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingSink struct {
	mu       sync.Mutex
	payloads map[string][]interface{}
}

func newCollectingSink() *collectingSink {
	return &collectingSink{payloads: make(map[string][]interface{})}
}

func (s *collectingSink) BroadcastExecutionUpdate(executionID string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[executionID] = append(s.payloads[executionID], payload)
}

func (s *collectingSink) get(id string) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interface{}(nil), s.payloads[id]...)
}

func TestDispatcherPreservesOrder(t *testing.T) {
	sink := newCollectingSink()
	d := NewDispatcher(nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for i := 0; i < 100; i++ {
		d.Notify("e1", i)
		d.Notify("e2", i)
	}

	assert.Eventually(t, func() bool {
		return len(sink.get("e1")) == 100 && len(sink.get("e2")) == 100
	}, 2*time.Second, 10*time.Millisecond)

	for i, p := range sink.get("e1") {
		assert.Equal(t, i, p)
	}
}

func TestDispatcherNotifyDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(nil, SinkFunc(func(string, interface{}) { <-block }))

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Notify("e1", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow sink")
	}

	close(block)
	cancel()
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	sink := newCollectingSink()
	d := NewDispatcher(nil, SinkFunc(func(string, interface{}) { panic("broken sink") }), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify("e1", "first")
	d.Notify("e1", "second")

	assert.Eventually(t, func() bool {
		return len(sink.get("e1")) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcherDrainsOnStop(t *testing.T) {
	sink := newCollectingSink()
	d := NewDispatcher(nil)
	d.AddSink(sink)

	d.Notify("e1", 1)
	d.Notify("e1", 2)
	require.Equal(t, 2, d.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	assert.Equal(t, []interface{}{1, 2}, sink.get("e1"))
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherDropsAfterStop(t *testing.T) {
	sink := newCollectingSink()
	d := NewDispatcher(nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	d.Notify("e1", "late")
	assert.Equal(t, 0, d.Pending())
	assert.Empty(t, sink.get("e1"))
}
