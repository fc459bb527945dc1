// Package hub tracks live client connections, their execution subscriptions
// and fans execution updates out to subscribers.
package hub

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tcmartin/crewrunner/pkg/logging"
)

// Canceller cancels an execution on behalf of a client.
type Canceller interface {
	Cancel(executionID string) bool
}

// Hub owns the connection set and the reverse index from execution id to
// subscribed client ids. Both are always mutated together under mu, and no
// message is sent while mu is held.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	subscribers map[string]map[string]struct{}

	canceller    Canceller
	writeTimeout time.Duration
	serviceName  string
	logger       logging.Logger
}

// Options configures a Hub
type Options struct {
	// WriteTimeout bounds every send; zero disables the deadline
	WriteTimeout time.Duration

	// ServiceName appears in the welcome message
	ServiceName string

	Logger logging.Logger
}

// New creates a hub. canceller may be nil, in which case cancel_execution
// requests always fail.
func New(canceller Canceller, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "CrewRunner Requirements API"
	}
	return &Hub{
		connections:  make(map[string]*Connection),
		subscribers:  make(map[string]map[string]struct{}),
		canceller:    canceller,
		writeTimeout: opts.WriteTimeout,
		serviceName:  opts.ServiceName,
		logger:       opts.Logger,
	}
}

// Connect registers a transport. requestedID is honoured only when no live
// connection holds it; otherwise a fresh id is issued. Subscriptions from any
// earlier connection with the same id are not restored.
func (h *Hub) Connect(transport Transport, requestedID string) *Connection {
	h.mu.Lock()
	clientID := requestedID
	if _, taken := h.connections[clientID]; clientID == "" || taken {
		clientID = uuid.NewString()
	}
	conn := newConnection(clientID, transport, h.writeTimeout)
	h.connections[clientID] = conn
	h.mu.Unlock()

	conn.Send(newSystemMessage(fmt.Sprintf("Connected to %s. Client ID: %s", h.serviceName, clientID)))

	h.logger.LogConnectionEvent(clientID, "connected", map[string]interface{}{
		"requested_id": requestedID,
	})
	return conn
}

// Disconnect removes a client and purges it from every topic. Unknown ids
// are ignored.
func (h *Hub) Disconnect(clientID string) {
	h.mu.RLock()
	conn, ok := h.connections[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.Release(conn)
}

// Release removes conn if it is still the registered connection for its id.
// Handlers defer it so a stale connection never evicts a newer one that
// reused the same client id.
func (h *Hub) Release(conn *Connection) {
	h.mu.Lock()
	current, ok := h.connections[conn.ClientID]
	if !ok || current != conn {
		h.mu.Unlock()
		return
	}
	for executionID := range conn.subscriptions {
		h.removeSubscriber(executionID, conn.ClientID)
	}
	conn.subscriptions = make(map[string]struct{})
	delete(h.connections, conn.ClientID)
	h.mu.Unlock()

	conn.close()
	h.logger.LogConnectionEvent(conn.ClientID, "disconnected", nil)
}

// SubscribeToExecution adds executionID to the client's topics.
func (h *Hub) SubscribeToExecution(clientID, executionID string) bool {
	h.mu.RLock()
	conn, ok := h.connections[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.subscribe(conn, executionID)
}

// UnsubscribeFromExecution removes executionID from the client's topics.
func (h *Hub) UnsubscribeFromExecution(clientID, executionID string) bool {
	h.mu.RLock()
	conn, ok := h.connections[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.unsubscribe(conn, executionID)
}

func (h *Hub) subscribe(conn *Connection, executionID string) bool {
	h.mu.Lock()
	if h.connections[conn.ClientID] != conn {
		h.mu.Unlock()
		return false
	}
	conn.subscribe(executionID)
	set, ok := h.subscribers[executionID]
	if !ok {
		set = make(map[string]struct{})
		h.subscribers[executionID] = set
	}
	set[conn.ClientID] = struct{}{}
	h.mu.Unlock()

	conn.Send(newSystemMessage("Subscribed to execution " + executionID))
	h.logger.LogConnectionEvent(conn.ClientID, "subscribed", map[string]interface{}{"execution_id": executionID})
	return true
}

func (h *Hub) unsubscribe(conn *Connection, executionID string) bool {
	h.mu.Lock()
	if h.connections[conn.ClientID] != conn {
		h.mu.Unlock()
		return false
	}
	conn.unsubscribe(executionID)
	h.removeSubscriber(executionID, conn.ClientID)
	h.mu.Unlock()

	conn.Send(newSystemMessage("Unsubscribed from execution " + executionID))
	h.logger.LogConnectionEvent(conn.ClientID, "unsubscribed", map[string]interface{}{"execution_id": executionID})
	return true
}

// removeSubscriber must be called with h.mu held.
func (h *Hub) removeSubscriber(executionID, clientID string) {
	set, ok := h.subscribers[executionID]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(h.subscribers, executionID)
	}
}

// BroadcastExecutionUpdate wraps payload in an execution_update envelope and
// sends it to every subscriber of executionID. Subscribers whose send fails
// are disconnected; the rest still receive the update.
func (h *Hub) BroadcastExecutionUpdate(executionID string, payload interface{}) {
	h.mu.RLock()
	set := h.subscribers[executionID]
	targets := make([]*Connection, 0, len(set))
	for clientID := range set {
		if conn, ok := h.connections[clientID]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	message := ExecutionUpdate{
		Type:        TypeExecutionUpdate,
		ExecutionID: executionID,
		Timestamp:   time.Now(),
		Data:        payload,
	}
	h.deliver(targets, message)
}

// BroadcastToAll sends message to every connection and returns how many
// received it.
func (h *Hub) BroadcastToAll(message interface{}) int {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	return h.deliver(targets, message)
}

func (h *Hub) deliver(targets []*Connection, message interface{}) int {
	delivered := 0
	for _, conn := range targets {
		if conn.Send(message) {
			delivered++
			continue
		}
		h.logger.Warn("send failed, disconnecting client", logging.F("client_id", conn.ClientID))
		h.Release(conn)
	}
	return delivered
}

// SendToClient sends message to one client.
func (h *Hub) SendToClient(clientID string, message interface{}) bool {
	h.mu.RLock()
	conn, ok := h.connections[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.Send(message)
}

// CleanupInactiveConnections disconnects every connection whose last send
// failed and returns how many were removed.
func (h *Hub) CleanupInactiveConnections() int {
	h.mu.RLock()
	var inactive []*Connection
	for _, conn := range h.connections {
		if !conn.IsActive() {
			inactive = append(inactive, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range inactive {
		h.Release(conn)
	}
	if len(inactive) > 0 {
		h.logger.LogSystemEvent("inactive_connections_removed", map[string]interface{}{"count": len(inactive)})
	}
	return len(inactive)
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SubscriberCount returns the number of clients subscribed to executionID.
func (h *Hub) SubscriberCount(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[executionID])
}

// ConnectionInfo describes one client.
func (h *Hub) ConnectionInfo(clientID string) (ConnectionInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[clientID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return infoFor(conn), true
}

// ConnectionsInfo describes every client, oldest first.
func (h *Hub) ConnectionsInfo() []ConnectionInfo {
	h.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(h.connections))
	for _, conn := range h.connections {
		infos = append(infos, infoFor(conn))
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ClientID < infos[j].ClientID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// infoFor must be called with h.mu held.
func infoFor(conn *Connection) ConnectionInfo {
	return ConnectionInfo{
		ClientID:      conn.ClientID,
		Connected:     true,
		ConnectedAt:   conn.ConnectedAt,
		Subscriptions: conn.subscriptionList(),
		IsActive:      conn.IsActive(),
	}
}

// HandleMessage decodes one inbound frame from conn and replies on the same
// connection. Every frame gets exactly one reply.
func (h *Hub) HandleMessage(conn *Connection, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		conn.Send(newErrorMessage(msgInvalidJSON))
		return
	}

	switch c := cmd.(type) {
	case SubscribeCommand:
		if c.ExecutionID == "" {
			conn.Send(newErrorMessage(fmt.Sprintf(msgIDRequiredForT, TypeSubscribe)))
			return
		}
		if !h.subscribe(conn, c.ExecutionID) {
			conn.Send(newErrorMessage("connection is no longer registered"))
		}

	case UnsubscribeCommand:
		if c.ExecutionID == "" {
			conn.Send(newErrorMessage(fmt.Sprintf(msgIDRequiredForT, TypeUnsubscribe)))
			return
		}
		if !h.unsubscribe(conn, c.ExecutionID) {
			conn.Send(newErrorMessage("connection is no longer registered"))
		}

	case PingCommand:
		conn.Send(PongMessage{Type: TypePong, Timestamp: c.Timestamp})

	case GetStatusCommand:
		h.mu.RLock()
		info := infoFor(conn)
		h.mu.RUnlock()
		conn.Send(StatusMessage{Type: TypeStatus, Data: info})

	case CancelExecutionCommand:
		if c.ExecutionID == "" {
			conn.Send(newErrorMessage(fmt.Sprintf(msgIDRequiredForT, TypeCancelExecution)))
			return
		}
		if h.canceller != nil && h.canceller.Cancel(c.ExecutionID) {
			conn.Send(CancellationConfirmedMessage{
				Type:        TypeCancellationConfirmed,
				ExecutionID: c.ExecutionID,
				Message:     msgCancelled,
			})
			return
		}
		reply := newErrorMessage(msgCancelFailed)
		reply.ExecutionID = c.ExecutionID
		conn.Send(reply)

	case UnknownCommand:
		conn.Send(newErrorMessage(fmt.Sprintf(msgUnknownType, c.Type)))
	}
}
