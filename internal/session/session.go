package session

import "time"

// Status is the persisted lifecycle status of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid status transitions. Terminal statuses have no outgoing edges; a
// session leaves them only by deletion.
var validTransitions = map[Status][]Status{
	StatusRunning: {StatusStopped, StatusCompleted, StatusFailed},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is stopped, completed or failed.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is the persisted record of one supervised process.
type Session struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           Status    `json:"status"`
	Command          string    `json:"command"`
	WorkingDirectory string    `json:"workingDirectory"`
	PID              int       `json:"pid"`
	RunAsIdentity    string    `json:"runAsIdentity"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Clone returns a copy of s.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// Chunk is one read from a session's pseudo-terminal. Seq starts at 1 and
// increases by one per chunk within a session.
type Chunk struct {
	Seq  uint64    `json:"seq"`
	Data []byte    `json:"data"`
	Time time.Time `json:"time"`
}

// Exit describes how a supervised process ended.
type Exit struct {
	SessionID string
	ExitCode  int
	Status    Status
}

// Observer receives supervisor events. Calls for one session are made from
// a single goroutine, in order, and must not block for long.
type Observer interface {
	OnOutput(sessionID string, chunk Chunk)
	OnExit(exit Exit)
}

// EventKind distinguishes events delivered to attached viewers.
type EventKind string

const (
	EventOutput EventKind = "output"
	EventStatus EventKind = "status"
	EventExited EventKind = "exited"
)

// Event is delivered to every viewer attached to a session.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"sessionId"`
	Seq       uint64    `json:"seq,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	Status    Status    `json:"status,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	Time      time.Time `json:"time"`
}

// OutputEvent wraps a chunk as a viewer event.
func OutputEvent(sessionID string, c Chunk) Event {
	return Event{
		Kind:      EventOutput,
		SessionID: sessionID,
		Seq:       c.Seq,
		Data:      c.Data,
		Time:      c.Time,
	}
}
