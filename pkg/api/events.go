package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"

	"github.com/tcmartin/crewrunner/pkg/hub"
	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/models"
)

// EventMirror republishes execution updates as server-sent events, one
// stream per execution. Streams replay their history to late subscribers.
type EventMirror struct {
	server *sse.Server
	logger logging.Logger

	mu      sync.Mutex
	streams map[string]struct{}
}

// NewEventMirror creates the mirror
func NewEventMirror(logger logging.Logger) *EventMirror {
	if logger == nil {
		logger = logging.NewNop()
	}
	server := sse.New()
	server.AutoStream = false
	server.AutoReplay = true
	return &EventMirror{
		server:  server,
		logger:  logger,
		streams: make(map[string]struct{}),
	}
}

// BroadcastExecutionUpdate publishes payload on the execution's stream using
// the same envelope websocket subscribers receive.
func (m *EventMirror) BroadcastExecutionUpdate(executionID string, payload interface{}) {
	data, err := json.Marshal(hub.ExecutionUpdate{
		Type:        hub.TypeExecutionUpdate,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Data:        payload,
	})
	if err != nil {
		m.logger.Warn("Failed to encode execution event",
			logging.F("execution_id", executionID),
			logging.Err(err))
		return
	}

	m.ensureStream(executionID)
	m.server.Publish(executionID, &sse.Event{
		Event: []byte(eventName(payload)),
		Data:  data,
	})
}

func eventName(payload interface{}) string {
	switch payload.(type) {
	case models.CompletionUpdate:
		return models.UpdateTypeCompletion
	case models.CancellationUpdate:
		return models.UpdateTypeCancellation
	default:
		return "update"
	}
}

func (m *EventMirror) ensureStream(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[executionID]; ok {
		return
	}
	m.server.CreateStream(executionID)
	m.streams[executionID] = struct{}{}
}

// ServeExecution streams one execution to the client until it disconnects
func (m *EventMirror) ServeExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	m.ensureStream(executionID)

	q := r.URL.Query()
	q.Set("stream", executionID)
	r2 := r.Clone(r.Context())
	r2.URL.RawQuery = q.Encode()
	m.server.ServeHTTP(w, r2)
}

// Sweep drops the streams of executions for which keep returns false
func (m *EventMirror) Sweep(keep func(executionID string) bool) int {
	m.mu.Lock()
	var drop []string
	for id := range m.streams {
		if !keep(id) {
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		delete(m.streams, id)
	}
	m.mu.Unlock()

	for _, id := range drop {
		m.server.RemoveStream(id)
	}
	return len(drop)
}

// StreamCount returns the number of open streams
func (m *EventMirror) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Close disconnects every subscriber
func (m *EventMirror) Close() {
	m.server.Close()
}
