package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tcmartin/crewrunner/pkg/hub"
	"github.com/tcmartin/crewrunner/pkg/logging"
)

// maxInboundMessage bounds a single client frame
const maxInboundMessage = 64 * 1024

// handleWebSocket upgrades the request and runs the read loop for one client.
// The optional client_id query parameter requests a specific id and
// execution_id subscribes the new connection straight away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("WebSocket upgrade failed", logging.Err(err))
		return
	}

	conn := s.deps.Hub.Connect(ws, r.URL.Query().Get("client_id"))
	defer s.deps.Hub.Release(conn)

	if executionID := r.URL.Query().Get("execution_id"); executionID != "" {
		s.deps.Hub.SubscribeToExecution(conn.ClientID, executionID)
	}

	// A client that misses two pings in a row is dropped
	readTimeout := 2 * s.pingInterval
	ws.SetReadLimit(maxInboundMessage)
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.deps.Logger.Debug("WebSocket read failed",
					logging.F("client_id", conn.ClientID),
					logging.Err(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		s.deps.Hub.HandleMessage(conn, data)
	}
}

func (s *Server) pingLoop(conn *hub.Connection, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !conn.Ping() {
				return
			}
		}
	}
}

// handleWSInfo lists the live connections
func (s *Server) handleWSInfo(w http.ResponseWriter, r *http.Request) {
	info := s.deps.Hub.ConnectionsInfo()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_connections": len(info),
		"connections":       info,
	})
}

// handleWSBroadcast sends an arbitrary JSON object to every connection
func (s *Server) handleWSBroadcast(w http.ResponseWriter, r *http.Request) {
	var message map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&message); err != nil || message == nil {
		writeError(w, http.StatusBadRequest, "Message must be a JSON object")
		return
	}

	recipients := s.deps.Hub.BroadcastToAll(message)
	s.deps.Logger.Info("Broadcast message sent", logging.F("recipients", recipients))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "Message broadcasted",
		"recipients": recipients,
	})
}

// handleWSCleanup removes connections whose last send failed
func (s *Server) handleWSCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.deps.Hub.CleanupInactiveConnections()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "Cleanup completed",
		"removed_connections": removed,
	})
}
