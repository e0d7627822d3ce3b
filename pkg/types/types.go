package types

import (
	"encoding/json"
	"time"
)

// ARCHITECTURAL DISCOVERY: Channel, event and method names are the interoperability
// contract between server and browser client and must never be renamed
const (
	ChannelExam         = "exam"
	ChannelNotification = "notification"

	EventReceiveExam         = "ReceiveExam"
	EventUpdateExamStatus    = "UpdateExamStatus"
	EventReceiveNotification = "ReceiveNotification"

	MethodSendNotification = "SendNotification"
)

// Endpoint paths of the two channels
const (
	PathExamHub         = "/hubs/exam"
	PathNotificationHub = "/hubs/notification"
)

// GroupAll is the implicit group every live connection belongs to
const GroupAll = "all"

// ConnectionID identifies one live socket. A reconnecting client always gets a new one.
type ConnectionID string

// Principal is the identity behind a connection
// FUNCTIONAL DISCOVERY: Anonymous principals carry an empty ID so they can never
// be addressed through a principal selector
type Principal struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// Anonymous returns the principal used for connections without credentials
func Anonymous() Principal {
	return Principal{}
}

// ConnectionState is the liveness state of a server-side connection
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Envelope is one typed event on its way to a set of connections
// ARCHITECTURAL DISCOVERY: Payload is marshalled exactly once at dispatch time and the
// resulting bytes are shared by every recipient, which keeps the envelope immutable
type Envelope struct {
	ID        string
	Channel   string
	Event     string
	Payload   any
	Target    Selector
	CreatedAt time.Time
}

// ExamAssignment announces an exam scheduled for a class group
type ExamAssignment struct {
	ExamID          string          `json:"examId"`
	ClassGroup      string          `json:"classGroup"`
	Title           string          `json:"title,omitempty"`
	StartsAt        *time.Time      `json:"startsAt,omitempty"`
	DurationMinutes int             `json:"durationMinutes,omitempty"`
	Detail          json.RawMessage `json:"detail,omitempty"`
}

// ExamStatusChange is an opaque status transition owned by the exam workflow
type ExamStatusChange struct {
	ExamID     string          `json:"examId"`
	ClassGroup string          `json:"classGroup"`
	Status     string          `json:"status"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// Announcement is any well-formed JSON value broadcast to every connected client
type Announcement = json.RawMessage
