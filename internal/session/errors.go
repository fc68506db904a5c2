package session

import (
	"errors"
	"fmt"
)

// Errors returned by session operations. They are always wrapped in an
// *Error naming the operation and session.
var (
	ErrAlreadySupervised = errors.New("process already supervised")
	ErrNoSuchSession     = errors.New("no such session")
	ErrSpawn             = errors.New("spawn failed")
	ErrCapacityExceeded  = errors.New("session capacity exceeded")
	ErrSessionNotActive  = errors.New("session not active")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error is the error type returned to callers of the core. It identifies
// the operation, the session it concerned, and the reason.
type Error struct {
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op, sessionID string, err error) error {
	var e *Error
	if errors.As(err, &e) && e.SessionID == sessionID {
		return &Error{Op: op, SessionID: sessionID, Err: e.Err}
	}
	return &Error{Op: op, SessionID: sessionID, Err: err}
}

// spawnError wraps an OS-level spawn failure so that errors.Is reaches
// both ErrSpawn and the cause.
func spawnError(sessionID string, cause error) error {
	return &Error{Op: "spawn", SessionID: sessionID, Err: fmt.Errorf("%w: %w", ErrSpawn, cause)}
}
