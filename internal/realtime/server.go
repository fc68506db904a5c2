package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ptyhub/internal/identity"
	"ptyhub/internal/logging"
	"ptyhub/internal/protocol"
	"ptyhub/internal/session"
	"ptyhub/internal/watcher"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	sendQueueSize  = 256
	requestTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Viewers are served from other origins in development.
	},
}

// UserLister lists the identities a session may run as.
type UserLister interface {
	List() ([]identity.Identity, error)
}

// Options configures a Server.
type Options struct {
	// StaticDir, when set, is served at /.
	StaticDir string

	Users UserLister

	// Watcher, when set, tracks file activity in running sessions'
	// working directories.
	Watcher *watcher.Watcher

	// Version is reported by /api/status.
	Version string

	Logger *log.Logger
}

// Server manages WebSocket connections and routes messages between
// clients and the session orchestrator.
type Server struct {
	orch      *session.Orchestrator
	users     UserLister
	fileWatch *watcher.Watcher
	staticDir string
	version   string
	started   time.Time
	log       *log.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu          sync.Mutex
	closed      bool
	attachments map[string]*session.Attachment
}

// New creates a new realtime server and subscribes it to the
// orchestrator's lifecycle events.
func New(orch *session.Orchestrator, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		orch:      orch,
		users:     opts.Users,
		fileWatch: opts.Watcher,
		staticDir: opts.StaticDir,
		version:   opts.Version,
		started:   time.Now(),
		log:       logger.WithPrefix("realtime"),
		clients:   make(map[*client]bool),
	}
	orch.OnLifecycle(s.onLifecycle)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStopSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.handleInput)
	mux.HandleFunc("POST /api/sessions/{id}/resize", s.handleResize)
	mux.HandleFunc("GET /api/sessions/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /api/users", s.handleListUsers)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Server) Close() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		server:      s,
		attachments: make(map[string]*session.Attachment),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.log.Info("client connected", "client", c.id, "remote", r.RemoteAddr)

	// Send current session list to new client.
	s.sendSessionList(r.Context(), c)

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer logging.LogPanic(c.server.log, "ws-read", nil)
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	defer logging.LogPanic(c.server.log, "ws-write", nil)

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues data for the client. A client that cannot keep up is
// disconnected rather than silently losing terminal output.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.log.Warn("client send queue full, disconnecting", "client", c.id)
		c.conn.Close()
	}
}

// sendMessage marshals and queues a message for one client.
func (c *client) sendMessage(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		c.server.log.Error("failed to build message", "type", msgType, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.attachments = nil
	close(c.send)
	c.mu.Unlock()

	// Forwarders exit once their attachment channels close.
	s.orch.DetachViewer(c.id)

	s.log.Info("client disconnected", "client", c.id)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error(), "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Type {
	case protocol.TypeSessionCreate:
		s.handleWSCreateSession(ctx, c, msg)
	case protocol.TypeSessionList:
		s.sendSessionList(ctx, c)
	case protocol.TypeSessionAttach:
		s.handleWSAttach(ctx, c, msg)
	case protocol.TypeSessionDetach:
		s.handleWSDetach(c, msg)
	case protocol.TypeSessionStop:
		s.handleWSStop(ctx, c, msg)
	case protocol.TypeSessionDelete:
		s.handleWSDelete(ctx, c, msg)
	case protocol.TypeTerminalInput:
		s.handleWSInput(ctx, c, msg)
	case protocol.TypeTerminalResize:
		s.handleWSResize(ctx, c, msg)
	case protocol.TypeUsersList:
		s.handleWSUsers(c)
	}
}

func (s *Server) handleWSCreateSession(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.SessionCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	// The session.created broadcast reaches this client too.
	if _, err := s.orch.CreateSession(ctx, session.CreateRequest{
		Name:             payload.Name,
		Command:          payload.Command,
		WorkingDirectory: payload.WorkingDirectory,
		RunAsIdentity:    payload.RunAsIdentity,
	}); err != nil {
		s.sendCoreError(c, err)
	}
}

func (s *Server) handleWSAttach(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.SessionAttachPayload
	json.Unmarshal(msg.Payload, &payload)

	sess, err := s.orch.Get(ctx, payload.SessionID)
	if err != nil {
		s.sendCoreError(c, err)
		return
	}

	// Attach under c.mu so a concurrent disconnect cannot leave the
	// viewer attached after DetachViewer ran.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	a, err := s.orch.Attach(ctx, payload.SessionID, c.id, payload.AfterSeq)
	if err != nil {
		c.mu.Unlock()
		s.sendCoreError(c, err)
		return
	}
	c.attachments[payload.SessionID] = a
	c.mu.Unlock()

	c.sendMessage(protocol.TypeSessionAttached, protocol.SessionAttachedPayload{
		Session: sessionInfo(sess),
		Replay:  outputChunks(a.Replay),
		Viewers: s.orch.Viewers(payload.SessionID),
	})

	go s.forward(c, a)
}

// forward relays an attachment's events to the client until the
// attachment ends.
func (s *Server) forward(c *client, a *session.Attachment) {
	defer logging.LogPanic(s.log, "ws-forward", nil)

	for ev := range a.Events() {
		switch ev.Kind {
		case session.EventOutput:
			c.sendMessage(protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{
				SessionID: ev.SessionID,
				Seq:       ev.Seq,
				Data:      ev.Data,
			})
		case session.EventStatus:
			// Every client already gets session.status from onLifecycle.
		case session.EventExited:
			c.sendMessage(protocol.TypeSessionExited, protocol.SessionExitedPayload{
				SessionID: ev.SessionID,
				ExitCode:  ev.ExitCode,
				Status:    string(ev.Status),
			})
		}
	}

	c.mu.Lock()
	if c.attachments != nil && c.attachments[a.SessionID] == a {
		delete(c.attachments, a.SessionID)
	}
	c.mu.Unlock()

	if reason := a.Reason(); reason != session.ReasonReplaced {
		c.sendMessage(protocol.TypeSessionDetached, protocol.SessionDetachedPayload{
			SessionID: a.SessionID,
			Reason:    reason,
		})
	}
}

func (s *Server) handleWSDetach(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	c.mu.Lock()
	_, attached := c.attachments[payload.SessionID]
	c.mu.Unlock()

	if !attached {
		// Nothing to tear down; still acknowledge.
		c.sendMessage(protocol.TypeSessionDetached, protocol.SessionDetachedPayload{
			SessionID: payload.SessionID,
			Reason:    session.ReasonDetached,
		})
		return
	}
	s.orch.Detach(payload.SessionID, c.id)
}

func (s *Server) handleWSStop(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	stopped, err := s.orch.StopSession(ctx, payload.SessionID)
	if err != nil {
		s.sendCoreError(c, err)
		return
	}
	if !stopped {
		s.sendError(c, protocol.ErrSessionNotActive, "session "+payload.SessionID+" is not running", payload.SessionID)
	}
}

func (s *Server) handleWSDelete(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.orch.DeleteSession(ctx, payload.SessionID); err != nil {
		s.sendCoreError(c, err)
	}
}

func (s *Server) handleWSInput(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.TerminalInputPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.orch.Write(ctx, payload.SessionID, payload.Data); err != nil {
		s.sendCoreError(c, err)
	}
}

func (s *Server) handleWSResize(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.TerminalResizePayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.orch.Resize(ctx, payload.SessionID, payload.Cols, payload.Rows); err != nil {
		s.sendCoreError(c, err)
	}
}

func (s *Server) handleWSUsers(c *client) {
	users, err := s.listUsers()
	if err != nil {
		s.sendError(c, protocol.ErrInternal, err.Error(), "")
		return
	}
	c.sendMessage(protocol.TypeUsersList, protocol.UsersListPayload{Users: users})
}

// sendSessionList sends the current session records to a client.
func (s *Server) sendSessionList(ctx context.Context, c *client) {
	payload, err := s.sessionList(ctx)
	if err != nil {
		s.sendCoreError(c, err)
		return
	}
	c.sendMessage(protocol.TypeSessionList, payload)
}

func (s *Server) sessionList(ctx context.Context) (protocol.SessionListPayload, error) {
	sessions, err := s.orch.List(ctx)
	if err != nil {
		return protocol.SessionListPayload{}, err
	}
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sessionInfo(sess))
	}
	return protocol.SessionListPayload{Sessions: infos}, nil
}

func (s *Server) listUsers() ([]protocol.UserInfo, error) {
	if s.users == nil {
		return []protocol.UserInfo{}, nil
	}
	ids, err := s.users.List()
	if err != nil {
		return nil, err
	}
	users := make([]protocol.UserInfo, 0, len(ids))
	for _, id := range ids {
		users = append(users, protocol.UserInfo{Username: id.Username, UID: id.UID, HomeDir: id.HomeDir})
	}
	return users, nil
}

// onLifecycle pushes registry changes to every client and keeps the file
// watcher in step with running sessions.
func (s *Server) onLifecycle(ev session.Lifecycle) {
	switch ev.Kind {
	case session.LifecycleCreated:
		s.broadcastMessage(protocol.TypeSessionCreated, sessionInfo(ev.Session))
		if ev.Session.Status == session.StatusRunning {
			s.watch(ev.Session)
		}
		s.broadcastSessionList()

	case session.LifecycleStatus:
		s.broadcastMessage(protocol.TypeSessionStatus, protocol.SessionStatusPayload{
			SessionID: ev.SessionID,
			Status:    string(ev.Session.Status),
		})
		if ev.Session.Status.Terminal() {
			s.unwatch(ev.SessionID)
		}

	case session.LifecycleDeleted:
		s.unwatch(ev.SessionID)
		s.broadcastMessage(protocol.TypeSessionDeleted, protocol.SessionIDPayload{SessionID: ev.SessionID})
		s.broadcastSessionList()
	}
}

func (s *Server) watch(sess *session.Session) {
	if s.fileWatch == nil {
		return
	}
	if err := s.fileWatch.Watch(sess.ID, sess.WorkingDirectory); err != nil {
		s.log.Warn("failed to start file watcher", "session", sess.ID, "error", err)
	}
}

func (s *Server) unwatch(sessionID string) {
	if s.fileWatch != nil {
		s.fileWatch.Unwatch(sessionID)
	}
}

func (s *Server) broadcastSessionList() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	payload, err := s.sessionList(ctx)
	if err != nil {
		s.log.Error("failed to list sessions", "error", err)
		return
	}
	s.broadcastMessage(protocol.TypeSessionList, payload)
}

// broadcastMessage sends a message to all connected clients.
func (s *Server) broadcastMessage(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.log.Error("failed to build message", "type", msgType, "error", err)
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(data)
	}
}

func (s *Server) sendError(c *client, code, message, sessionID string) {
	msg, err := protocol.NewErrorMessage(code, message, sessionID)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

// sendCoreError reports an orchestrator error with its protocol code.
func (s *Server) sendCoreError(c *client, err error) {
	code, _ := errorCode(err)
	if code == protocol.ErrInternal {
		s.log.Error("request failed", "client", c.id, "error", err)
	}
	s.sendError(c, code, err.Error(), errorSessionID(err))
}

// OnFileUpdate is the callback for the file watcher.
func (s *Server) OnFileUpdate(sessionID string, fileCount int) {
	s.broadcastMessage(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
		SessionID: sessionID,
		FileCount: fileCount,
	})
}

// errorCode maps a core error to its protocol code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, session.ErrNoSuchSession):
		return protocol.ErrSessionNotFound, http.StatusNotFound
	case errors.Is(err, session.ErrSessionNotActive):
		return protocol.ErrSessionNotActive, http.StatusConflict
	case errors.Is(err, session.ErrCapacityExceeded):
		return protocol.ErrMaxSessions, http.StatusTooManyRequests
	case errors.Is(err, session.ErrSpawn):
		return protocol.ErrSpawnFailed, http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrAlreadySupervised):
		return protocol.ErrAlreadySupervised, http.StatusConflict
	default:
		return protocol.ErrInternal, http.StatusInternalServerError
	}
}

func errorSessionID(err error) string {
	var e *session.Error
	if errors.As(err, &e) {
		return e.SessionID
	}
	return ""
}

func sessionInfo(sess *session.Session) protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:               sess.ID,
		Name:             sess.Name,
		Status:           string(sess.Status),
		Command:          sess.Command,
		WorkingDirectory: sess.WorkingDirectory,
		PID:              sess.PID,
		RunAsIdentity:    sess.RunAsIdentity,
		CreatedAt:        sess.CreatedAt,
	}
}

func outputChunks(chunks []session.Chunk) []protocol.OutputChunk {
	out := make([]protocol.OutputChunk, len(chunks))
	for i, c := range chunks {
		out[i] = protocol.OutputChunk{Seq: c.Seq, Data: c.Data}
	}
	return out
}
