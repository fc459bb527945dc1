package hub

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the duplex channel behind a connection. *websocket.Conn
// satisfies it.
type Transport interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection is one live client channel and its subscription set
type Connection struct {
	// ClientID is stable for the life of the connection
	ClientID string

	// ConnectedAt is when the hub accepted the connection
	ConnectedAt time.Time

	transport    Transport
	writeTimeout time.Duration
	writeMu      sync.Mutex
	active       atomic.Bool

	// subscriptions is guarded by the owning hub's lock
	subscriptions map[string]struct{}
}

func newConnection(clientID string, transport Transport, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ClientID:      clientID,
		ConnectedAt:   time.Now(),
		transport:     transport,
		writeTimeout:  writeTimeout,
		subscriptions: make(map[string]struct{}),
	}
	c.active.Store(true)
	return c
}

// IsActive reports whether every send so far has succeeded.
func (c *Connection) IsActive() bool {
	return c.active.Load()
}

// Send writes message as JSON. A transport failure marks the connection
// inactive and returns false; nothing is removed until the hub reclaims it.
func (c *Connection) Send(message interface{}) (ok bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			c.active.Store(false)
			ok = false
		}
	}()

	if c.writeTimeout > 0 {
		if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.active.Store(false)
			return false
		}
	}
	if err := c.transport.WriteJSON(message); err != nil {
		c.active.Store(false)
		return false
	}
	return true
}

// Ping sends a websocket ping control frame.
func (c *Connection) Ping() bool {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
		c.active.Store(false)
		return false
	}
	return true
}

func (c *Connection) close() {
	_ = c.transport.Close()
}

func (c *Connection) subscribe(executionID string) {
	c.subscriptions[executionID] = struct{}{}
}

func (c *Connection) unsubscribe(executionID string) {
	delete(c.subscriptions, executionID)
}

func (c *Connection) subscriptionList() []string {
	list := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		list = append(list, id)
	}
	sort.Strings(list)
	return list
}
