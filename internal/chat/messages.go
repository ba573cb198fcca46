package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a channel on the wire. The set is closed: dispatch is an
// exhaustive switch, never a string-keyed lookup.
type EventType string

// Client → server events
const (
	EventAuthenticate   EventType = "authenticate"
	EventMessage        EventType = "message"
	EventCancelResponse EventType = "cancel:response"
)

// Server → client events
const (
	EventMessageSent     EventType = "message:sent"
	EventTyping          EventType = "ai:typing"
	EventMessageReceived EventType = "message:received"
	EventError           EventType = "error"
)

// Event is the wire envelope. Data holds the channel-specific payload.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an envelope, marshalling payload into Data.
func NewEvent(t EventType, payload interface{}) (*Event, error) {
	if payload == nil {
		return &Event{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Data: data}, nil
}

// mustEvent is NewEvent for server-built payloads that cannot fail to
// marshal.
func mustEvent(t EventType, payload interface{}) *Event {
	ev, err := NewEvent(t, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

func typingEvent(active bool) *Event {
	return mustEvent(EventTyping, active)
}

func errorEvent(message string) *Event {
	return mustEvent(EventError, ErrorPayload{Message: message})
}

// AuthenticatePayload binds the connection to a recipient identity.
type AuthenticatePayload struct {
	UserID string `json:"userId"`
}

// ReceivedPayload is the generated reply delivered to every connection in
// the recipient's address group.
type ReceivedPayload struct {
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload carries a recoverable session error to one connection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Client-facing error messages. These are part of the compatibility
// contract with existing frontends; do not rephrase them.
const (
	msgMissingUserID   = "userId requerido"
	msgUnauthenticated = "No autenticado"
	msgInvalidPayload  = "El mensaje no puede estar vacío"
	msgPipelineFailure = "Error procesando el mensaje"
)
