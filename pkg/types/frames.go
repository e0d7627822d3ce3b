package types

import (
	"encoding/json"
	"time"
)

// Frame type discriminators on the wire
const (
	FrameWelcome    = "welcome"
	FrameEvent      = "event"
	FrameCompletion = "completion"
	FrameJoin       = "join"
	FrameLeave      = "leave"
	FrameInvoke     = "invoke"
)

// WelcomeFrame completes the handshake and carries the server-issued connection id
type WelcomeFrame struct {
	Type         string       `json:"type"`
	ConnectionID ConnectionID `json:"connectionId"`
	Channel      string       `json:"channel"`
}

// EventFrame is what a connected client receives for every dispatched envelope
type EventFrame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// CompletionFrame answers a client frame that carried an invocation id
type CompletionFrame struct {
	Type         string `json:"type"`
	InvocationID string `json:"invocationId"`
	Error        string `json:"error,omitempty"`
}

// ClientFrame is every frame a client may send: join, leave or invoke
// FUNCTIONAL DISCOVERY: A single struct with a type tag keeps decoding to one
// json.Unmarshal per inbound frame
type ClientFrame struct {
	Type         string          `json:"type"`
	Group        string          `json:"group,omitempty"`
	Method       string          `json:"method,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
}

// EncodeEvent renders an envelope as the wire frame shared by all recipients
func EncodeEvent(env *Envelope) ([]byte, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EventFrame{
		Type:      FrameEvent,
		ID:        env.ID,
		Channel:   env.Channel,
		Event:     env.Event,
		Payload:   payload,
		Timestamp: env.CreatedAt,
	})
}
