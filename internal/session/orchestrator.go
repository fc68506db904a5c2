package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"ptyhub/internal/logging"
)

// DefaultMaxRunning is the default ceiling on concurrently running sessions.
const DefaultMaxRunning = 10

// CreateRequest describes a session to create.
type CreateRequest struct {
	Name             string `json:"name"`
	Command          string `json:"command"`
	WorkingDirectory string `json:"workingDirectory"`
	RunAsIdentity    string `json:"runAsIdentity"`
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// MaxRunning is the admission ceiling on sessions in running status.
	MaxRunning int

	Logger *log.Logger
}

// Counts summarizes sessions by status.
type Counts struct {
	Total   int            `json:"total"`
	Running int            `json:"running"`
	Max     int            `json:"max"`
	Status  map[Status]int `json:"byStatus"`
}

// Orchestrator owns the canonical session lifecycle. It admits new
// sessions, persists their status, and routes viewer requests to the
// Supervisor and events to the Multiplexer.
type Orchestrator struct {
	store Store
	sup   *Supervisor
	mux   *Multiplexer
	opts  OrchestratorOptions
	log   *log.Logger

	// admitMu serializes the running-count check with record creation.
	admitMu sync.Mutex

	// statusMu serializes status writes so stop and exit cannot interleave.
	statusMu sync.Mutex

	// creating holds a channel per session whose create has not yet been
	// announced. OnExit waits on it so created always precedes status.
	createMu sync.Mutex
	creating map[string]chan struct{}

	lifecycle Emitter[Lifecycle]
}

// NewOrchestrator wires an Orchestrator to its collaborators and registers
// itself as the Supervisor's observer.
func NewOrchestrator(store Store, sup *Supervisor, mux *Multiplexer, opts OrchestratorOptions) *Orchestrator {
	if opts.MaxRunning <= 0 {
		opts.MaxRunning = DefaultMaxRunning
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	o := &Orchestrator{
		store:    store,
		sup:      sup,
		mux:      mux,
		opts:     opts,
		log:      logger.WithPrefix("orchestrator"),
		creating: make(map[string]chan struct{}),
	}
	sup.Observe(o)
	return o
}

// OnLifecycle registers a handler for registry changes.
func (o *Orchestrator) OnLifecycle(handler func(Lifecycle)) {
	o.lifecycle.OnEvent(handler)
}

// CreateSession admits, persists and spawns a new session. When the
// spawn fails the record is marked failed and the spawn error returned.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	s, err := o.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	defer o.announced(s.ID)

	pid, err := o.sup.Spawn(s.ID, s.Command, s.WorkingDirectory, s.RunAsIdentity)
	if err != nil {
		o.log.Warn("spawn failed, rolling back", "session", s.ID, "error", err)
		o.rollback(ctx, s)
		return nil, opError("create", s.ID, err)
	}

	if err := o.store.UpdatePID(ctx, s.ID, pid); err != nil {
		o.log.Error("failed to record pid", "session", s.ID, "pid", pid, "error", err)
	}
	s.PID = pid

	// A concurrent stop may already have changed the record.
	if current, err := o.store.Get(ctx, s.ID); err == nil {
		s = current
	}

	o.log.Info("session created", "session", s.ID, "name", s.Name, "pid", pid)
	o.lifecycle.Emit(Lifecycle{Kind: LifecycleCreated, SessionID: s.ID, Session: s.Clone()})
	return s, nil
}

func (o *Orchestrator) admit(ctx context.Context, req CreateRequest) (*Session, error) {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	running, err := o.store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return nil, opError("create", "", err)
	}
	if len(running) >= o.opts.MaxRunning {
		return nil, &Error{
			Op:  "create",
			Err: fmt.Errorf("%w: %d of %d sessions running", ErrCapacityExceeded, len(running), o.opts.MaxRunning),
		}
	}

	id := uuid.NewString()
	name := req.Name
	if name == "" {
		name = "session-" + id[:8]
	}
	s := &Session{
		ID:               id,
		Name:             name,
		Status:           StatusRunning,
		Command:          req.Command,
		WorkingDirectory: req.WorkingDirectory,
		RunAsIdentity:    req.RunAsIdentity,
		CreatedAt:        time.Now().UTC(),
	}
	if err := o.store.Create(ctx, s); err != nil {
		return nil, opError("create", id, err)
	}

	o.createMu.Lock()
	o.creating[id] = make(chan struct{})
	o.createMu.Unlock()
	return s, nil
}

// announced releases exit handling held back while a session's create was
// in flight.
func (o *Orchestrator) announced(id string) {
	o.createMu.Lock()
	ch := o.creating[id]
	delete(o.creating, id)
	o.createMu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (o *Orchestrator) awaitAnnounced(id string) {
	o.createMu.Lock()
	ch := o.creating[id]
	o.createMu.Unlock()
	if ch != nil {
		<-ch
	}
}

// transitionLocked moves a session to status to. It fails with
// ErrInvalidTransition when the current status has no edge to to. Must be
// called with statusMu held.
func (o *Orchestrator) transitionLocked(ctx context.Context, op, id string, to Status) (*Session, error) {
	s, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, opError(op, id, err)
	}
	if !s.Status.CanTransition(to) {
		return s, &Error{Op: op, SessionID: id, Err: fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.Status, to)}
	}
	if err := o.store.UpdateStatus(ctx, id, to); err != nil {
		return s, opError(op, id, err)
	}
	s.Status = to
	return s, nil
}

// rollback marks a session whose spawn failed as failed so it never holds
// an admission slot.
func (o *Orchestrator) rollback(ctx context.Context, s *Session) {
	ctx = context.WithoutCancel(ctx)

	o.statusMu.Lock()
	failed, err := o.transitionLocked(ctx, "create", s.ID, StatusFailed)
	o.statusMu.Unlock()
	if err != nil {
		o.log.Error("rollback failed, deleting record", "session", s.ID, "error", err)
		if err := o.store.Delete(ctx, s.ID); err != nil {
			o.log.Error("failed to delete record", "session", s.ID, "error", err)
		}
		return
	}
	o.lifecycle.Emit(Lifecycle{Kind: LifecycleCreated, SessionID: s.ID, Session: failed})
}

// StopSession kills a running session and marks it stopped. It returns
// false, without error, when the session has no live process.
func (o *Orchestrator) StopSession(ctx context.Context, id string) (bool, error) {
	o.awaitAnnounced(id)

	o.statusMu.Lock()
	if !o.sup.Has(id) {
		o.statusMu.Unlock()
		if _, err := o.store.Get(ctx, id); err != nil {
			return false, opError("stop", id, err)
		}
		return false, nil
	}
	s, err := o.transitionLocked(ctx, "stop", id, StatusStopped)
	o.statusMu.Unlock()
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	o.log.Info("session stopped", "session", id)
	o.mux.Broadcast(Event{Kind: EventStatus, SessionID: id, Status: StatusStopped, Time: time.Now().UTC()})
	o.lifecycle.Emit(Lifecycle{Kind: LifecycleStatus, SessionID: id, Session: s})
	o.sup.Kill(id)
	return true, nil
}

// DeleteSession kills the session's process if live and removes its record
// and attachments. It is valid in every status.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if _, err := o.store.Get(ctx, id); err != nil {
		return opError("delete", id, err)
	}

	o.sup.Kill(id)

	o.statusMu.Lock()
	err := o.store.Delete(ctx, id)
	o.statusMu.Unlock()
	if err != nil {
		return opError("delete", id, err)
	}

	o.mux.DropSession(id)
	o.sup.Forget(id)

	o.log.Info("session deleted", "session", id)
	o.lifecycle.Emit(Lifecycle{Kind: LifecycleDeleted, SessionID: id})
	return nil
}

// OnOutput forwards process output to attached viewers.
func (o *Orchestrator) OnOutput(sessionID string, chunk Chunk) {
	o.mux.Broadcast(OutputEvent(sessionID, chunk))
}

// OnExit records the status computed at process exit. A session the
// operator already stopped keeps its stopped status.
func (o *Orchestrator) OnExit(exit Exit) {
	ctx := context.Background()
	o.awaitAnnounced(exit.SessionID)

	o.statusMu.Lock()
	s, err := o.transitionLocked(ctx, "exit", exit.SessionID, exit.Status)
	o.statusMu.Unlock()
	changed := err == nil
	switch {
	case changed, errors.Is(err, ErrInvalidTransition):
	case errors.Is(err, ErrNoSuchSession):
		return
	case s == nil:
		o.log.Error("exit for unreadable session", "session", exit.SessionID, "error", err)
		return
	default:
		o.log.Error("failed to record exit status", "session", exit.SessionID, "error", err)
	}

	o.log.Info("session exited", "session", exit.SessionID, "code", exit.ExitCode, "status", s.Status)

	code := exit.ExitCode
	o.mux.Broadcast(Event{
		Kind:      EventExited,
		SessionID: exit.SessionID,
		Status:    s.Status,
		ExitCode:  code,
		Time:      time.Now().UTC(),
	})
	if changed {
		o.lifecycle.Emit(Lifecycle{Kind: LifecycleStatus, SessionID: exit.SessionID, Session: s, ExitCode: &code})
	}
}

// Write sends input to a running session.
func (o *Orchestrator) Write(ctx context.Context, id string, data []byte) error {
	if err := o.requireActive(ctx, "write", id); err != nil {
		return err
	}
	if err := o.sup.Write(id, data); err != nil {
		return notActive("write", id, err)
	}
	return nil
}

// Resize changes a running session's terminal size.
func (o *Orchestrator) Resize(ctx context.Context, id string, cols, rows uint16) error {
	if err := o.requireActive(ctx, "resize", id); err != nil {
		return err
	}
	if err := o.sup.Resize(id, cols, rows); err != nil {
		return notActive("resize", id, err)
	}
	return nil
}

func (o *Orchestrator) requireActive(ctx context.Context, op, id string) error {
	s, err := o.store.Get(ctx, id)
	if err != nil {
		return opError(op, id, err)
	}
	if s.Status != StatusRunning {
		return &Error{Op: op, SessionID: id, Err: fmt.Errorf("%w: status is %s", ErrSessionNotActive, s.Status)}
	}
	return nil
}

// notActive translates a supervisor miss into ErrSessionNotActive.
func notActive(op, id string, err error) error {
	if errors.Is(err, ErrNoSuchSession) {
		return &Error{Op: op, SessionID: id, Err: fmt.Errorf("%w: process has exited", ErrSessionNotActive)}
	}
	return opError(op, id, err)
}

// Attach subscribes a viewer to a session. See Multiplexer.Attach.
func (o *Orchestrator) Attach(ctx context.Context, id, viewerID string, afterSeq uint64) (*Attachment, error) {
	return o.mux.Attach(ctx, id, viewerID, afterSeq)
}

// Detach removes a viewer's attachment to a session.
func (o *Orchestrator) Detach(id, viewerID string) {
	o.mux.Detach(id, viewerID)
}

// DetachViewer removes every attachment of a viewer.
func (o *Orchestrator) DetachViewer(viewerID string) {
	o.mux.DetachViewer(viewerID)
}

// Viewers returns the number of viewers attached to a session.
func (o *Orchestrator) Viewers(id string) int {
	return o.mux.Viewers(id)
}

// Replay returns a session's buffered output.
func (o *Orchestrator) Replay(ctx context.Context, id string, after uint64) ([]Chunk, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, opError("replay", id, err)
	}
	return o.sup.ReplaySince(id, after), nil
}

// Get returns a session record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Session, error) {
	s, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, opError("get", id, err)
	}
	return s, nil
}

// List returns all session records, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]*Session, error) {
	sessions, err := o.store.List(ctx)
	if err != nil {
		return nil, opError("list", "", err)
	}
	return sessions, nil
}

// Counts returns session totals by status.
func (o *Orchestrator) Counts(ctx context.Context) (Counts, error) {
	sessions, err := o.List(ctx)
	if err != nil {
		return Counts{}, err
	}
	c := Counts{Total: len(sessions), Max: o.opts.MaxRunning, Status: make(map[Status]int)}
	for _, s := range sessions {
		c.Status[s.Status]++
	}
	c.Running = c.Status[StatusRunning]
	return c, nil
}

// Recover marks running records that have no live process as failed. It
// is run once at startup, before any session is created.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	running, err := o.store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return 0, opError("recover", "", err)
	}

	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	recovered := 0
	for _, s := range running {
		if o.sup.Has(s.ID) {
			continue
		}
		if _, err := o.transitionLocked(ctx, "recover", s.ID, StatusFailed); err != nil {
			return recovered, err
		}
		o.log.Warn("orphaned running session marked failed", "session", s.ID, "pid", s.PID)
		recovered++
	}
	return recovered, nil
}

// Shutdown stops every running session and waits for the processes to
// exit until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	running, err := o.store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		o.log.Error("failed to list running sessions", "error", err)
	}
	for _, s := range running {
		if _, err := o.StopSession(ctx, s.ID); err != nil {
			o.log.Warn("failed to stop session", "session", s.ID, "error", err)
		}
	}

	err = o.sup.Shutdown(ctx)
	o.mux.Close()
	return err
}
