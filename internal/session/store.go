package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store is the persisted session registry. Implementations return an error
// wrapping ErrNoSuchSession when a record does not exist. Status values are
// written as given; transition rules are enforced by the Orchestrator.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	ListByStatus(ctx context.Context, status Status) ([]*Session, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdatePID(ctx context.Context, id string, pid int) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	return m.filter(func(*Session) bool { return true }), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]*Session, error) {
	return m.filter(func(s *Session) bool { return s.Status == status }), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	return m.update(id, func(s *Session) { s.Status = status })
}

func (m *MemoryStore) UpdatePID(ctx context.Context, id string, pid int) error {
	return m.update(id, func(s *Session) { s.PID = pid })
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) update(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	fn(s)
	return nil
}

// filter returns matching sessions, newest first.
func (m *MemoryStore) filter(keep func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if keep(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}
