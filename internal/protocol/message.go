package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionCreated  = "session.created"
	TypeSessionList     = "session.list"
	TypeSessionAttached = "session.attached"
	TypeSessionDetached = "session.detached"
	TypeSessionStatus   = "session.status"
	TypeSessionExited   = "session.exited"
	TypeSessionDeleted  = "session.deleted"
	TypeTerminalOutput  = "terminal.output"
	TypeFilesUpdate     = "files.update"
	TypeUsersList       = "users.list"
	TypeError           = "error"
)

// Client → Server message types. session.list and users.list are valid in
// both directions: a request carries no payload, the reply carries data.
const (
	TypeSessionCreate  = "session.create"
	TypeSessionAttach  = "session.attach"
	TypeSessionDetach  = "session.detach"
	TypeSessionStop    = "session.stop"
	TypeSessionDelete  = "session.delete"
	TypeTerminalInput  = "terminal.input"
	TypeTerminalResize = "terminal.resize"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionNotActive  = "SESSION_NOT_ACTIVE"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrAlreadySupervised = "ALREADY_SUPERVISED"
	ErrInternal          = "INTERNAL"
)

// Server → Client payloads.

// SessionInfo is the wire shape of a session record.
type SessionInfo struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	Command          string    `json:"command"`
	WorkingDirectory string    `json:"workingDirectory"`
	PID              int       `json:"pid"`
	RunAsIdentity    string    `json:"runAsIdentity"`
	CreatedAt        time.Time `json:"createdAt"`
}

type SessionListPayload struct {
	Sessions []SessionInfo `json:"sessions"`
}

// OutputChunk is one buffered or live piece of terminal output. Data is
// base64 in JSON.
type OutputChunk struct {
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data"`
}

type SessionAttachedPayload struct {
	Session SessionInfo   `json:"session"`
	Replay  []OutputChunk `json:"replay"`
	Viewers int           `json:"viewers"`
}

type SessionDetachedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type SessionStatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type SessionExitedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Status    string `json:"status"`
}

type TerminalOutputPayload struct {
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
	Data      []byte `json:"data"`
}

type FilesUpdatePayload struct {
	SessionID string `json:"sessionId"`
	FileCount int    `json:"fileCount"`
}

type UserInfo struct {
	Username string `json:"username"`
	UID      uint32 `json:"uid"`
	HomeDir  string `json:"homeDir"`
}

type UsersListPayload struct {
	Users []UserInfo `json:"users"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Name             string `json:"name"`
	Command          string `json:"command"`
	WorkingDirectory string `json:"workingDirectory"`
	RunAsIdentity    string `json:"runAsIdentity"`
}

type SessionAttachPayload struct {
	SessionID string `json:"sessionId"`
	AfterSeq  uint64 `json:"afterSeq"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type TerminalInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

type TerminalResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}
