package session

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"ptyhub/internal/logging"
)

// Detach reasons reported by Attachment.Reason.
const (
	ReasonDetached = "detached"
	ReasonReplaced = "replaced"
	ReasonLagged   = "lagged"
	ReasonDeleted  = "deleted"
	ReasonClosed   = "closed"
)

const defaultViewerQueue = 256

// Registry looks up persisted session records.
type Registry interface {
	Get(ctx context.Context, id string) (*Session, error)
}

// ReplaySource provides buffered output for a session.
type ReplaySource interface {
	ReplaySince(sessionID string, after uint64) []Chunk

	// LastSeq returns the newest buffered sequence number, or 0.
	LastSeq(sessionID string) uint64
}

// MultiplexerOptions configures a Multiplexer.
type MultiplexerOptions struct {
	// QueueSize bounds each viewer's pending events. A viewer whose queue
	// is full is detached instead of stalling the session.
	QueueSize int

	Logger *log.Logger
}

// Attachment is one viewer's subscription to one session. Events is closed
// when the attachment ends; Reason then says why.
type Attachment struct {
	SessionID string
	ViewerID  string

	// Replay holds the buffered chunks the viewer had not yet seen at
	// attach time. Events only carries output after the last of them.
	Replay []Chunk

	events chan Event
	after  uint64

	mu     sync.Mutex
	closed bool
	reason string
}

// Events returns the attachment's live event stream.
func (a *Attachment) Events() <-chan Event {
	return a.events
}

// Reason returns why the attachment ended, or "" while it is open.
func (a *Attachment) Reason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

func (a *Attachment) close(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.reason = reason
	close(a.events)
}

type viewerGroup struct {
	mu      sync.Mutex
	viewers map[string]*Attachment
	dropped bool
}

// Multiplexer fans session events out to attached viewers. Each viewer
// sees a session's output exactly once and in order: first the replay
// returned by Attach, then live events.
type Multiplexer struct {
	registry Registry
	replay   ReplaySource
	opts     MultiplexerOptions
	log      *log.Logger

	mu     sync.Mutex
	groups map[string]*viewerGroup
}

// NewMultiplexer creates a Multiplexer.
func NewMultiplexer(registry Registry, replay ReplaySource, opts MultiplexerOptions) *Multiplexer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultViewerQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Multiplexer{
		registry: registry,
		replay:   replay,
		opts:     opts,
		log:      logger.WithPrefix("mux"),
		groups:   make(map[string]*viewerGroup),
	}
}

// Attach subscribes viewerID to sessionID. Replay holds every buffered
// chunk with Seq > afterSeq; pass 0 for the full buffer. An afterSeq past
// the newest buffered chunk is treated as the newest chunk, so live output
// is never held back. An existing attachment of the same viewer to the
// session is replaced.
func (m *Multiplexer) Attach(ctx context.Context, sessionID, viewerID string, afterSeq uint64) (*Attachment, error) {
	if _, err := m.registry.Get(ctx, sessionID); err != nil {
		if errors.Is(err, ErrNoSuchSession) {
			m.drop(sessionID, ReasonDeleted)
		}
		return nil, opError("attach", sessionID, err)
	}

	// Snapshot and registration happen under the group lock so no chunk
	// falls between replay and live delivery.
	g := m.group(sessionID)
	g.mu.Lock()
	for g.dropped {
		g.mu.Unlock()
		g = m.group(sessionID)
		g.mu.Lock()
	}
	if last := m.replay.LastSeq(sessionID); afterSeq > last {
		afterSeq = last
	}
	replay := m.replay.ReplaySince(sessionID, afterSeq)
	after := afterSeq
	if n := len(replay); n > 0 {
		after = replay[n-1].Seq
	}
	a := &Attachment{
		SessionID: sessionID,
		ViewerID:  viewerID,
		Replay:    replay,
		events:    make(chan Event, m.opts.QueueSize),
		after:     after,
	}
	prev := g.viewers[viewerID]
	g.viewers[viewerID] = a
	g.mu.Unlock()

	if prev != nil {
		prev.close(ReasonReplaced)
	}
	m.log.Debug("viewer attached", "session", sessionID, "viewer", viewerID, "replay", len(replay))
	return a, nil
}

// Detach removes viewerID's attachment to sessionID. It is a no-op when the
// viewer is not attached.
func (m *Multiplexer) Detach(sessionID, viewerID string) {
	m.mu.Lock()
	g := m.groups[sessionID]
	m.mu.Unlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	a := g.viewers[viewerID]
	delete(g.viewers, viewerID)
	m.releaseIfEmptyLocked(sessionID, g)
	g.mu.Unlock()

	if a != nil {
		a.close(ReasonDetached)
		m.log.Debug("viewer detached", "session", sessionID, "viewer", viewerID)
	}
}

// DetachViewer removes every attachment held by viewerID.
func (m *Multiplexer) DetachViewer(viewerID string) {
	for _, sessionID := range m.sessions() {
		m.Detach(sessionID, viewerID)
	}
}

// Broadcast delivers ev to every viewer attached to the session, without
// blocking. Output already covered by a viewer's replay is skipped. Viewers
// whose queue is full are detached.
func (m *Multiplexer) Broadcast(ev Event) {
	m.mu.Lock()
	g := m.groups[ev.SessionID]
	m.mu.Unlock()
	if g == nil {
		return
	}

	var lagged []*Attachment
	g.mu.Lock()
	for id, a := range g.viewers {
		if ev.Kind == EventOutput && ev.Seq <= a.after {
			continue
		}
		select {
		case a.events <- ev:
		default:
			delete(g.viewers, id)
			lagged = append(lagged, a)
		}
	}
	if len(lagged) > 0 {
		m.releaseIfEmptyLocked(ev.SessionID, g)
	}
	g.mu.Unlock()

	for _, a := range lagged {
		m.log.Warn("viewer too slow, detaching", "session", a.SessionID, "viewer", a.ViewerID)
		a.close(ReasonLagged)
	}
}

// DropSession detaches every viewer of a deleted session.
func (m *Multiplexer) DropSession(sessionID string) {
	m.drop(sessionID, ReasonDeleted)
}

// Viewers returns the number of viewers attached to sessionID.
func (m *Multiplexer) Viewers(sessionID string) int {
	m.mu.Lock()
	g := m.groups[sessionID]
	m.mu.Unlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.viewers)
}

// Close detaches every viewer.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	groups := m.groups
	m.groups = make(map[string]*viewerGroup)
	m.mu.Unlock()

	for _, g := range groups {
		closeGroup(g, ReasonClosed)
	}
}

func (m *Multiplexer) group(sessionID string) *viewerGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[sessionID]
	if !ok {
		g = &viewerGroup{viewers: make(map[string]*Attachment)}
		m.groups[sessionID] = g
	}
	return g
}

// releaseIfEmptyLocked removes a group that has no viewers left. Attach
// retries on a dropped group and creates a fresh one. Must be called with
// g.mu held.
func (m *Multiplexer) releaseIfEmptyLocked(sessionID string, g *viewerGroup) {
	if len(g.viewers) > 0 || g.dropped {
		return
	}
	g.dropped = true
	m.mu.Lock()
	if m.groups[sessionID] == g {
		delete(m.groups, sessionID)
	}
	m.mu.Unlock()
}

func (m *Multiplexer) drop(sessionID, reason string) {
	m.mu.Lock()
	g := m.groups[sessionID]
	delete(m.groups, sessionID)
	m.mu.Unlock()
	if g != nil {
		closeGroup(g, reason)
	}
}

func (m *Multiplexer) sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	return ids
}

func closeGroup(g *viewerGroup, reason string) {
	g.mu.Lock()
	g.dropped = true
	viewers := g.viewers
	g.viewers = make(map[string]*Attachment)
	g.mu.Unlock()
	for _, a := range viewers {
		a.close(reason)
	}
}
