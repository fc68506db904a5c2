package realtime

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"ptyhub/internal/protocol"
	"ptyhub/internal/session"
)

const serviceName = "ptyhub"

type createSessionRequest struct {
	Name             string `json:"name"`
	Command          string `json:"command"`
	WorkingDirectory string `json:"workingDirectory"`
	RunAsIdentity    string `json:"runAsIdentity"`
}

// inputRequest carries terminal input either base64 encoded in Data or as
// plain Text.
type inputRequest struct {
	Data []byte `json:"data"`
	Text string `json:"text"`
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type replayResponse struct {
	SessionID string                 `json:"sessionId"`
	Chunks    []protocol.OutputChunk `json:"chunks"`
}

type healthResponse struct {
	Status   string         `json:"status"`
	Time     time.Time      `json:"timestamp"`
	Uptime   float64        `json:"uptime"`
	Sessions session.Counts `json:"sessions"`
	Clients  int            `json:"clients"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body", "")
		return
	}

	if req.WorkingDirectory == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "workingDirectory is required", "")
		return
	}

	sess, err := s.orch.CreateSession(r.Context(), session.CreateRequest{
		Name:             req.Name,
		Command:          req.Command,
		WorkingDirectory: req.WorkingDirectory,
		RunAsIdentity:    req.RunAsIdentity,
	})
	if err != nil {
		s.writeCoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionInfo(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	payload, err := s.sessionList(r.Context())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload.Sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo(sess))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.orch.StopSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body", "")
		return
	}

	data := req.Data
	if len(data) == 0 {
		data = []byte(req.Text)
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "data or text is required", "")
		return
	}

	if err := s.orch.Write(r.Context(), r.PathValue("id"), data); err != nil {
		s.writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body", "")
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "cols and rows must be positive", "")
		return
	}

	if err := s.orch.Resize(r.Context(), r.PathValue("id"), req.Cols, req.Rows); err != nil {
		s.writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "after must be a sequence number", id)
			return
		}
		after = n
	}

	chunks, err := s.orch.Replay(r.Context(), id, after)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{SessionID: id, Chunks: outputChunks(chunks)})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.listUsers()
	if err != nil {
		s.log.Error("failed to list users", "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.orch.Counts(r.Context())
	if err != nil {
		s.log.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Time:     time.Now().UTC(),
		Uptime:   time.Since(s.started).Seconds(),
		Sessions: counts,
		Clients:  s.Clients(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	version := s.version
	if version == "" {
		version = "dev"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    serviceName,
		"version": version,
		"go":      runtime.Version(),
		"status":  "running",
	})
}

func (s *Server) writeCoreError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, code, err.Error(), errorSessionID(err))
}

func writeError(w http.ResponseWriter, status int, code, message, sessionID string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message, SessionID: sessionID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
