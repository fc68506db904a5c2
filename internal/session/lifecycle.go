package session

import "sync"

// LifecycleKind names a change to the session registry.
type LifecycleKind string

const (
	LifecycleCreated LifecycleKind = "created"
	LifecycleStatus  LifecycleKind = "status"
	LifecycleDeleted LifecycleKind = "deleted"
)

// Lifecycle is emitted whenever a session is created, changes status or is
// deleted. Session is nil for deletions. ExitCode is set only for statuses
// reported by a process exit.
type Lifecycle struct {
	Kind      LifecycleKind
	SessionID string
	Session   *Session
	ExitCode  *int
}

// Emitter provides thread-safe event emission with handler registration.
type Emitter[E any] struct {
	mu       sync.RWMutex
	handlers []func(E)
}

// OnEvent registers a handler. Handlers run synchronously in Emit.
func (e *Emitter[E]) OnEvent(handler func(E)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// Emit calls every registered handler with ev. Must not be called with a
// lock held that a handler might take.
func (e *Emitter[E]) Emit(ev E) {
	e.mu.RLock()
	handlers := make([]func(E), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
