package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Inbound message types
const (
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypePing            = "ping"
	TypeGetStatus       = "get_status"
	TypeCancelExecution = "cancel_execution"
)

// Outbound message types
const (
	TypeExecutionUpdate       = "execution_update"
	TypeSystem                = "system"
	TypeError                 = "error"
	TypePong                  = "pong"
	TypeStatus                = "status"
	TypeCancellationConfirmed = "cancellation_confirmed"
)

// ErrInvalidJSON is returned by ParseCommand for undecodable input.
var ErrInvalidJSON = errors.New("invalid JSON format")

// Error replies sent back over the channel
const (
	msgInvalidJSON    = "Invalid JSON format"
	msgCancelFailed   = "Failed to cancel execution or execution not found"
	msgCancelled      = "Execution cancelled successfully"
	msgUnknownType    = "Unknown message type: %s"
	msgIDRequiredForT = "execution_id required for %s"
)

// Command is a decoded inbound control message. The set of implementations
// is closed: SubscribeCommand, UnsubscribeCommand, PingCommand,
// GetStatusCommand, CancelExecutionCommand and UnknownCommand.
type Command interface {
	commandType() string
}

type SubscribeCommand struct {
	ExecutionID string
}

type UnsubscribeCommand struct {
	ExecutionID string
}

// PingCommand carries the client's timestamp untouched so the pong can echo it.
type PingCommand struct {
	Timestamp json.RawMessage
}

type GetStatusCommand struct{}

type CancelExecutionCommand struct {
	ExecutionID string
}

// UnknownCommand is any message whose type is not recognised.
type UnknownCommand struct {
	Type string
}

func (SubscribeCommand) commandType() string       { return TypeSubscribe }
func (UnsubscribeCommand) commandType() string     { return TypeUnsubscribe }
func (PingCommand) commandType() string            { return TypePing }
func (GetStatusCommand) commandType() string       { return TypeGetStatus }
func (CancelExecutionCommand) commandType() string { return TypeCancelExecution }
func (c UnknownCommand) commandType() string       { return c.Type }

// ParseCommand decodes one inbound frame. Only a frame that is not a JSON
// object is invalid; a non-string type or execution_id is taken as its
// literal JSON text.
func ParseCommand(data []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, ErrInvalidJSON
	}

	msgType := fieldText(fields["type"])
	executionID := fieldText(fields["execution_id"])

	switch msgType {
	case TypeSubscribe:
		return SubscribeCommand{ExecutionID: executionID}, nil
	case TypeUnsubscribe:
		return UnsubscribeCommand{ExecutionID: executionID}, nil
	case TypePing:
		return PingCommand{Timestamp: fields["timestamp"]}, nil
	case TypeGetStatus:
		return GetStatusCommand{}, nil
	case TypeCancelExecution:
		return CancelExecutionCommand{ExecutionID: executionID}, nil
	default:
		return UnknownCommand{Type: msgType}, nil
	}
}

// fieldText returns a JSON string's value, "" for null or absent, and the
// raw text for anything else (5 -> "5").
func fieldText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}

// ExecutionUpdate is the envelope wrapping every execution notification.
type ExecutionUpdate struct {
	Type        string      `json:"type"`
	ExecutionID string      `json:"execution_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Data        interface{} `json:"data"`
}

// SystemMessage is an informational message from the server.
type SystemMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ErrorMessage reports a rejected inbound message.
type ErrorMessage struct {
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error"`
	ExecutionID string    `json:"execution_id,omitempty"`
}

type PongMessage struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type StatusMessage struct {
	Type string         `json:"type"`
	Data ConnectionInfo `json:"data"`
}

type CancellationConfirmedMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
	Message     string `json:"message"`
}

// ConnectionInfo describes one connection for status replies and /ws/info.
type ConnectionInfo struct {
	ClientID      string    `json:"client_id"`
	Connected     bool      `json:"connected"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"subscriptions"`
	IsActive      bool      `json:"is_active"`
}

func newSystemMessage(message string) SystemMessage {
	return SystemMessage{Type: TypeSystem, Timestamp: time.Now(), Message: message}
}

func newErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Timestamp: time.Now(), Error: message}
}
