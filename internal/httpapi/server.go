// Package httpapi exposes the coordination core over HTTP: session
// lifecycle, lock operations, conflict resolution, a state snapshot for
// reconnecting clients, and per-topic websocket event streams.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/positivef/udo-coordination/internal/conflict"
	"github.com/positivef/udo-coordination/internal/coordination"
	"github.com/positivef/udo-coordination/internal/errors"
	"github.com/positivef/udo-coordination/internal/event"
	"github.com/positivef/udo-coordination/internal/lock"
	"github.com/positivef/udo-coordination/internal/logging"
	"github.com/positivef/udo-coordination/internal/session"
)

// ServerConfig tunes request handling limits.
type ServerConfig struct {
	// MaxBodyBytes caps request body size. Zero means 1 MiB.
	MaxBodyBytes int64
	// EventBuffer is the per-subscriber event channel depth for websocket
	// streams. A subscriber that falls further behind loses its oldest
	// pending event. Zero means 64.
	EventBuffer int
	// WriteTimeout bounds a single websocket frame write. Zero means 10s.
	WriteTimeout time.Duration
	// DefaultLockTTL applies to acquire and renew requests that carry no
	// ttl_seconds. Zero means 60s.
	DefaultLockTTL time.Duration
	// DefaultWaitTimeout applies to wait=true acquires that carry no
	// wait_timeout_seconds. Zero defers to the lock manager's default.
	DefaultWaitTimeout time.Duration
	// Logger receives request handling diagnostics. Nil means discard.
	Logger *logging.Logger
}

// Server serves the coordination API. It implements http.Handler.
type Server struct {
	hub    *coordination.Hub
	cfg    ServerConfig
	logger *logging.Logger
}

// NewServer creates a Server with default limits.
func NewServer(hub *coordination.Hub) *Server {
	return NewServerWithConfig(hub, ServerConfig{})
}

// NewServerWithConfig creates a Server with explicit limits.
func NewServerWithConfig(hub *coordination.Hub, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.DefaultLockTTL <= 0 {
		cfg.DefaultLockTTL = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{hub: hub, cfg: cfg, logger: logger.WithComponent("httpapi")}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodPost:
		s.handleRegister(w, r)
	case len(parts) == 4 && parts[1] == "sessions" && parts[3] == "heartbeat" && r.Method == http.MethodPost:
		s.handleHeartbeat(w, r, parts[2])
	case len(parts) == 3 && parts[1] == "sessions" && r.Method == http.MethodDelete:
		s.handleDeregister(w, r, parts[2])
	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodGet:
		s.handleSessions(w, r)
	case len(parts) == 3 && parts[1] == "locks" && parts[2] == "acquire" && r.Method == http.MethodPost:
		s.handleAcquire(w, r)
	case len(parts) == 3 && parts[1] == "locks" && parts[2] == "release" && r.Method == http.MethodPost:
		s.handleRelease(w, r)
	case len(parts) == 3 && parts[1] == "locks" && parts[2] == "renew" && r.Method == http.MethodPost:
		s.handleRenew(w, r)
	case len(parts) == 2 && parts[1] == "locks" && r.Method == http.MethodGet:
		s.handleLocks(w, r)
	case len(parts) == 4 && parts[1] == "conflicts" && parts[3] == "resolve" && r.Method == http.MethodPost:
		s.handleResolve(w, r, parts[2])
	case len(parts) == 2 && parts[1] == "conflicts" && r.Method == http.MethodGet:
		s.handleConflicts(w, r)
	case len(parts) == 2 && parts[1] == "snapshot" && r.Method == http.MethodGet:
		s.handleSnapshot(w, r)
	case len(parts) == 3 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type registerRequest struct {
	ProjectID string            `json:"project_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type registerResponse struct {
	Session          *session.Session `json:"session"`
	HeartbeatSeconds int              `json:"heartbeat_seconds"`
	LivenessSeconds  int              `json:"liveness_seconds"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	sess, err := s.hub.Sessions().Register(r.Context(), req.ProjectID, req.Metadata)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		Session:          sess,
		HeartbeatSeconds: int(s.hub.Sessions().HeartbeatInterval() / time.Second),
		LivenessSeconds:  int(s.hub.Sessions().LivenessWindow() / time.Second),
	})
}

// handleHeartbeat refreshes the session record and echoes it back so
// clients observe role changes (promotion) on their next beat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.hub.Sessions().Heartbeat(r.Context(), sessionID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	sess, err := s.hub.Sessions().Get(r.Context(), sessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request, sessionID string) {
	released, err := s.hub.Sessions().Deregister(r.Context(), sessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if released == nil {
		released = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"released_locks": released})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.hub.Sessions().List(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type lockRequest struct {
	ResourceID         string `json:"resource_id"`
	LockType           string `json:"lock_type"`
	SessionID          string `json:"session_id"`
	ProjectID          string `json:"project_id,omitempty"`
	TTLSeconds         int    `json:"ttl_seconds,omitempty"`
	Wait               bool   `json:"wait,omitempty"`
	WaitTimeoutSeconds int    `json:"wait_timeout_seconds,omitempty"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.cfg.DefaultLockTTL
	}
	waitTimeout := time.Duration(req.WaitTimeoutSeconds) * time.Second
	if waitTimeout <= 0 {
		waitTimeout = s.cfg.DefaultWaitTimeout
	}
	grant, err := s.hub.Locks().Acquire(r.Context(), lock.Request{
		ResourceID:  req.ResourceID,
		Type:        lock.Type(req.LockType),
		SessionID:   req.SessionID,
		ProjectID:   req.ProjectID,
		TTL:         ttl,
		Wait:        req.Wait,
		WaitTimeout: waitTimeout,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grant": grant})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	err := s.hub.Locks().Release(r.Context(), req.ResourceID, lock.Type(req.LockType), req.SessionID, req.ProjectID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.cfg.DefaultLockTTL
	}
	err := s.hub.Locks().Renew(r.Context(), req.ResourceID, lock.Type(req.LockType), req.SessionID, ttl)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renewed"})
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	grants, err := s.hub.Locks().All(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if project := r.URL.Query().Get("project"); project != "" {
		filtered := grants[:0]
		for _, g := range grants {
			if g.ProjectID == project {
				filtered = append(filtered, g)
			}
		}
		grants = filtered
	}
	if grants == nil {
		grants = []lock.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": grants})
}

type resolveRequest struct {
	Strategy        string `json:"strategy,omitempty"`
	ManualSessionID string `json:"manual_session_id,omitempty"`
	ManualBody      string `json:"manual_body,omitempty"`
	EscalateReason  string `json:"escalate_reason,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, conflictID string) {
	var req resolveRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	var opts []conflict.ResolveOption
	if req.Strategy != "" {
		opts = append(opts, conflict.WithStrategy(conflict.Strategy(req.Strategy)))
	}
	if req.ManualSessionID != "" {
		opts = append(opts, conflict.WithManualChoice(req.ManualSessionID, req.ManualBody))
	}
	if req.EscalateReason != "" {
		opts = append(opts, conflict.WithEscalation(req.EscalateReason))
	}
	out, err := s.hub.Conflicts().Resolve(r.Context(), conflictID, opts...)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": out})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	open := s.hub.Conflicts().Open()
	if open == nil {
		open = []*conflict.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": open})
}

type snapshotResponse struct {
	Sessions  []*session.Session `json:"sessions"`
	Locks     []lock.Grant       `json:"locks"`
	Conflicts []*conflict.Record `json:"conflicts"`
	Archived  []*conflict.Record `json:"archived_conflicts"`
	TakenAt   time.Time          `json:"taken_at"`
}

// handleSnapshot returns the full coordination state in one response.
// The event stream carries no history, so reconnecting clients snapshot
// first and then resubscribe.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")

	sessions, err := s.hub.Sessions().List(r.Context(), project)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	grants, err := s.hub.Locks().All(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if project != "" {
		filtered := grants[:0]
		for _, g := range grants {
			if g.ProjectID == project {
				filtered = append(filtered, g)
			}
		}
		grants = filtered
	}

	snap := snapshotResponse{
		Sessions:  sessions,
		Locks:     grants,
		Conflicts: s.hub.Conflicts().Open(),
		Archived:  s.hub.Conflicts().Archived(),
		TakenAt:   time.Now().UTC(),
	}
	if snap.Sessions == nil {
		snap.Sessions = []*session.Session{}
	}
	if snap.Locks == nil {
		snap.Locks = []lock.Grant{}
	}
	if snap.Conflicts == nil {
		snap.Conflicts = []*conflict.Record{}
	}
	if snap.Archived == nil {
		snap.Archived = []*conflict.Record{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents upgrades to a websocket and streams topic events as JSON
// envelopes, one per text frame. The stream starts at subscription time;
// clients that reconnect snapshot first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, topic string) {
	if !event.ValidTopic(topic) {
		writeError(w, http.StatusNotFound, "not_found", "unknown event topic")
		return
	}
	if event.IsProjectTopic(topic) {
		projectID := strings.TrimPrefix(topic, "project:")
		if err := s.hub.Relay().FollowProject(projectID); err != nil {
			// Local events still flow; only cross-node mirroring is
			// unavailable.
			s.logger.Warn("follow project topic", "project_id", projectID, "error", err)
		}
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept", "topic", topic, "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream aborted")

	sub := s.hub.Bus().SubscribeTopic(topic, s.cfg.EventBuffer)
	defer sub.Cancel()

	// Clients never send data frames; CloseRead keeps control frames
	// serviced and cancels the context when the peer goes away.
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.C:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := event.Encode(ev, s.hub.NodeID())
			if err != nil {
				s.logger.Error("encode event", "kind", ev.EventType(), "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err = c.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

// writeDomainError maps coordination errors onto HTTP statuses. Busy
// locks answer 423 with the holding session named so clients can decide
// between waiting and escalating.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	payload := map[string]any{
		"code":    code,
		"message": err.Error(),
	}
	var lockErr *errors.LockError
	if errors.As(err, &lockErr) && lockErr.Holder != "" {
		payload["holder"] = lockErr.Holder
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err)
	}
	writeJSON(w, status, payload)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrNotOwner):
		return http.StatusConflict, "not_owner"
	case errors.Is(err, errors.ErrConflictClosed):
		return http.StatusConflict, "conflict_closed"
	case errors.Is(err, errors.ErrLockWaitTimeout):
		return http.StatusLocked, "lock_wait_timeout"
	case errors.Is(err, errors.ErrBusy):
		return http.StatusLocked, "locked"
	case errors.Is(err, errors.ErrSessionExpired), errors.Is(err, errors.ErrSessionTerminated):
		return http.StatusGone, "session_gone"
	case errors.Is(err, errors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, errors.ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
