package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// EventType is the type tag of an Envelope.
type EventType string

const (
	EventMessage      EventType = "message"
	EventTyping       EventType = "typing"
	EventRead         EventType = "read"
	EventDelivered    EventType = "delivered"
	EventPresence     EventType = "presence"
	EventUserStatus   EventType = "user_status"
	EventOnline       EventType = "online"
	EventOffline      EventType = "offline"
	EventPing         EventType = "ping"
	EventPong         EventType = "pong"
	EventError        EventType = "error"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"

	// EventWildcard subscribes to every dispatched envelope.
	EventWildcard EventType = "*"
)

// Valid reports whether t is one of the wire event types.
func (t EventType) Valid() bool {
	switch t {
	case EventMessage, EventTyping, EventRead, EventDelivered, EventPresence,
		EventUserStatus, EventOnline, EventOffline, EventPing, EventPong,
		EventError, EventConnected, EventDisconnected, EventReconnecting:
		return true
	}
	return false
}

// Envelope is the unit of wire communication.
type Envelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals data into a new envelope stamped with at.
// A nil data produces an envelope without payload.
func NewEnvelope(t EventType, data any, at time.Time) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: at}
	if data == nil {
		return env, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

// DecodeData unmarshals an envelope payload into v. An absent payload
// leaves v untouched.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// ConnectionStatus is the lifecycle state of the connection manager.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// QueuedMessage is outbound work waiting for an open channel.
type QueuedMessage struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"` // enqueue time
	Retries   int             `json:"retries"`
}

// ConnectionInfo is a point-in-time view of the connection lifecycle.
type ConnectionInfo struct {
	Status            ConnectionStatus `json:"status"`
	ConnectedAt       time.Time        `json:"connectedAt,omitzero"`
	DisconnectedAt    time.Time        `json:"disconnectedAt,omitzero"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	QueuedMessages    int              `json:"queuedMessages"`
	LastError         error            `json:"-"`
}

// ConnectionStats counts traffic over the lifetime of a manager.
type ConnectionStats struct {
	MessagesSent     uint64 `json:"messagesSent"`
	MessagesReceived uint64 `json:"messagesReceived"`
	BytesSent        uint64 `json:"bytesSent"`
	BytesReceived    uint64 `json:"bytesReceived"`
	Reconnections    uint64 `json:"reconnections"`
	Errors           uint64 `json:"errors"`
	Dropped          uint64 `json:"dropped"`
}
