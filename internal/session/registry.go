// Package session implements the session registry: registration,
// heartbeat liveness, role election, and expiry sweeping for the
// coordination core. Session records live in the shared state store
// under session:{id}; the current primary for a project is whoever
// holds the primary:{project_id} key.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/positivef/udo-coordination/internal/errors"
	"github.com/positivef/udo-coordination/internal/event"
	"github.com/positivef/udo-coordination/internal/logging"
	"github.com/positivef/udo-coordination/internal/store"
)

const (
	// DefaultHeartbeatInterval is how often clients are expected to call
	// Heartbeat.
	DefaultHeartbeatInterval = 30 * time.Second

	// livenessFactor scales the heartbeat interval into the liveness
	// window. One missed heartbeat is tolerated; two is terminal.
	livenessFactor = 2

	registerAttempts = 3
)

// LockReleaser exposes the lock manager operations the registry needs:
// bulk release during cleanup and held-set lookup for session records.
// Satisfied by the lock manager.
type LockReleaser interface {
	ReleaseAll(ctx context.Context, sessionID, projectID string) []string
	Held(ctx context.Context, sessionID string) ([]string, error)
}

// Registry manages session lifecycle against the shared store.
type Registry struct {
	store    store.Store
	locks    LockReleaser
	bus      *event.Bus
	logger   *logging.Logger
	interval time.Duration
	liveness time.Duration
	clock    func() time.Time

	mu     sync.Mutex
	states map[string]State
	// gone records why a session this node cleaned up is no longer
	// live, so a later heartbeat answers expired or terminated rather
	// than a bare not-found.
	gone map[string]error
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithHeartbeatInterval overrides the expected heartbeat cadence. The
// liveness window scales with it.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.interval = d
		r.liveness = livenessFactor * d
	}
}

// WithClock substitutes the time source. Tests use this to drive expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.clock = now }
}

func NewRegistry(st store.Store, locks LockReleaser, bus *event.Bus, opts ...Option) *Registry {
	r := &Registry{
		store:    st,
		locks:    locks,
		bus:      bus,
		logger:   logging.NopLogger(),
		interval: DefaultHeartbeatInterval,
		clock:    time.Now,
		states:   make(map[string]State),
		gone:     make(map[string]error),
	}
	r.liveness = livenessFactor * r.interval
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// recordTTL is the store-level TTL on session records. It exceeds the
// liveness window by one sweep cycle so Sweep observes a logically
// expired record and runs cleanup before the store collects it. Lock
// TTLs cover the gap if a sweep never runs.
func (r *Registry) recordTTL() time.Duration {
	return r.liveness + r.interval
}

// Register creates a session for projectID and elects its role. The
// first live session of a project becomes primary; later ones are
// secondary. Election is a SetNX on primary:{project_id}, so uniqueness
// holds across nodes.
func (r *Registry) Register(ctx context.Context, projectID string, meta map[string]string) (*Session, error) {
	if projectID == "" {
		return nil, errors.NewSessionError("project id is required", errors.ErrInvalidInput)
	}

	now := r.clock()
	sess := &Session{
		ProjectID:     projectID,
		Role:          RoleSecondary,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Metadata:      meta,
	}

	r.setState(sess, StateConnecting)
	var registered bool
	for attempt := 0; attempt < registerAttempts && !registered; attempt++ {
		sess.ID = generateSessionID()
		value, err := sess.encode()
		if err != nil {
			return nil, errors.NewSessionError("encode session record", err).WithProjectID(projectID)
		}
		ok, _, err := r.store.SetNX(ctx, store.SessionKey(sess.ID), value, r.recordTTL())
		if err != nil {
			return nil, errors.NewSessionError("register session", err).WithProjectID(projectID)
		}
		registered = ok
	}
	if !registered {
		return nil, errors.NewSessionError("session id collision", errors.ErrBusy).WithProjectID(projectID)
	}

	if r.claimPrimary(ctx, sess) {
		sess.Role = RolePrimary
		if err := r.writeRecord(ctx, sess); err != nil {
			r.logger.Error("persist primary role failed",
				"session_id", sess.ID, "error", err)
		}
	}

	r.setState(sess, StateActive)
	r.logger.Info("session registered",
		"session_id", sess.ID,
		"project_id", projectID,
		"role", string(sess.Role),
	)
	r.bus.Publish(event.NewSessionConnectedEvent(sess.ID, projectID, string(sess.Role)))
	return sess, nil
}

// Heartbeat refreshes the session's liveness. A session this node
// cleaned up returns ErrSessionExpired or ErrSessionTerminated; ids it
// never saw return ErrNotFound. Either way the caller re-registers.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	sess, err := r.getSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			if cause := r.goneCause(sessionID); cause != nil {
				return errors.NewSessionError("session no longer live", cause).
					WithSessionID(sessionID)
			}
		}
		return err
	}

	sess.LastHeartbeat = r.clock()
	if err := r.writeRecord(ctx, sess); err != nil {
		return err
	}

	switch sess.Role {
	case RolePrimary:
		ok, err := r.store.CompareAndExpire(ctx, store.PrimaryKey(sess.ProjectID), sess.ID, r.liveness)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			r.logger.Warn("primary renewal failed",
				"session_id", sess.ID, "error", err)
		} else if err != nil || !ok {
			// Lost the primary key, likely to a sweep on another node.
			// Demote rather than fight the new holder.
			sess.Role = RoleSecondary
			if werr := r.writeRecord(ctx, sess); werr != nil {
				r.logger.Error("persist demotion failed",
					"session_id", sess.ID, "error", werr)
			}
		}
	case RoleSecondary:
		// Liveness fallback: a vacant primary key means the holder
		// vanished without cleanup. Run the deterministic promotion
		// rather than claiming the key for this session, so the oldest
		// secondary wins no matter who heartbeats first.
		_, err := r.store.Get(ctx, store.PrimaryKey(sess.ProjectID))
		switch {
		case errors.Is(err, errors.ErrNotFound):
			r.promote(ctx, sess.ProjectID)
		case err != nil:
			r.logger.Warn("primary key check failed",
				"session_id", sess.ID, "error", err)
		}
	}

	r.mu.Lock()
	if r.states[sessionID] == StateHeartbeatMissed {
		r.states[sessionID] = StateActive
	}
	r.mu.Unlock()
	return nil
}

// Deregister removes the session, releases its locks, and hands off the
// primary role if it held one. Returns the ids of the released locks.
func (r *Registry) Deregister(ctx context.Context, sessionID string) ([]string, error) {
	sess, err := r.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	released := r.cleanup(ctx, sess, errors.ErrSessionTerminated)

	r.logger.Info("session deregistered",
		"session_id", sessionID,
		"project_id", sess.ProjectID,
		"released_locks", len(released),
	)
	return released, nil
}

// Sweep scans session records and expires those whose last heartbeat
// fell outside the liveness window. Each expired session goes through
// the same cleanup as an explicit deregister and emits a
// session_expired event. Sessions past one heartbeat interval but still
// inside the window are marked HEARTBEAT_MISSED for diagnostics.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	records, err := r.store.List(ctx, store.SessionKeyPrefix())
	if err != nil {
		return nil, errors.NewSessionError("sweep scan", err)
	}

	now := r.clock()
	var expired []string
	for key, value := range records {
		sess, err := decodeSession(value)
		if err != nil {
			r.logger.Warn("unreadable session record, dropping",
				"key", key, "error", err)
			_ = r.store.Delete(ctx, key)
			continue
		}
		since := now.Sub(sess.LastHeartbeat)
		switch {
		case since > r.liveness:
			r.setState(sess, StateExpired)
			released := r.cleanup(ctx, sess, errors.ErrSessionExpired)
			r.bus.Publish(event.NewSessionExpiredEvent(
				sess.ID, sess.ProjectID, "heartbeat timeout", released))
			r.logger.Info("session expired",
				"session_id", sess.ID,
				"project_id", sess.ProjectID,
				"last_heartbeat", sess.LastHeartbeat,
			)
			expired = append(expired, sess.ID)
		case since > r.interval:
			r.setState(sess, StateHeartbeatMissed)
		}
	}
	return expired, nil
}

// Run sweeps once per heartbeat interval until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Get returns the live session record for id, including the lock
// identities it currently holds.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := r.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.fillHeldLocks(ctx, sess)
	return sess, nil
}

// fillHeldLocks annotates a record with the session's current held-lock
// set. The lock keys are authoritative; a scan failure leaves the list
// empty rather than failing the lookup.
func (r *Registry) fillHeldLocks(ctx context.Context, sess *Session) {
	held, err := r.locks.Held(ctx, sess.ID)
	if err != nil {
		r.logger.Warn("held lock scan failed", "session_id", sess.ID, "error", err)
		return
	}
	sess.HeldLocks = held
}

// List returns every live session, optionally filtered by project.
func (r *Registry) List(ctx context.Context, projectID string) ([]*Session, error) {
	records, err := r.store.List(ctx, store.SessionKeyPrefix())
	if err != nil {
		return nil, errors.NewSessionError("list sessions", err)
	}
	sessions := make([]*Session, 0, len(records))
	for _, value := range records {
		sess, err := decodeSession(value)
		if err != nil {
			continue
		}
		if projectID != "" && sess.ProjectID != projectID {
			continue
		}
		r.fillHeldLocks(ctx, sess)
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].RegisteredAt.Equal(sessions[j].RegisteredAt) {
			return sessions[i].RegisteredAt.Before(sessions[j].RegisteredAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// Primary returns the current primary session id for a project, or
// ErrNotFound when no live primary exists.
func (r *Registry) Primary(ctx context.Context, projectID string) (string, error) {
	id, err := r.store.Get(ctx, store.PrimaryKey(projectID))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return "", errors.NewSessionError("no live primary", errors.ErrNotFound).WithProjectID(projectID)
		}
		return "", errors.NewSessionError("primary lookup", err).WithProjectID(projectID)
	}
	return id, nil
}

// State reports this node's view of a session's lifecycle state.
// Sessions registered on other nodes show as ACTIVE while their record
// is live.
func (r *Registry) State(ctx context.Context, sessionID string) State {
	r.mu.Lock()
	if s, ok := r.states[sessionID]; ok {
		r.mu.Unlock()
		return s
	}
	r.mu.Unlock()

	if _, err := r.getSession(ctx, sessionID); err == nil {
		return StateActive
	}
	return StateTerminated
}

// cleanup is the shared teardown path for deregistration and expiry:
// release locks, surrender the primary key, delete the record, promote
// a successor. cause records why the session went away.
func (r *Registry) cleanup(ctx context.Context, sess *Session, cause error) []string {
	released := r.locks.ReleaseAll(ctx, sess.ID, sess.ProjectID)

	wasPrimary := false
	ok, err := r.store.CompareAndDelete(ctx, store.PrimaryKey(sess.ProjectID), sess.ID)
	switch {
	case err == nil && ok:
		wasPrimary = true
	case sess.Role == RolePrimary:
		// The primary key lapsed on its own or was already taken over.
		// Run the promotion check anyway; SetNX keeps it unique.
		wasPrimary = true
	case err != nil && !errors.Is(err, errors.ErrNotFound):
		r.logger.Warn("primary release failed",
			"session_id", sess.ID, "error", err)
	}

	if err := r.store.Delete(ctx, store.SessionKey(sess.ID)); err != nil && !errors.Is(err, errors.ErrNotFound) {
		r.logger.Warn("session record delete failed",
			"session_id", sess.ID, "error", err)
	}
	r.setState(sess, StateTerminated)
	r.mu.Lock()
	r.gone[sess.ID] = cause
	r.mu.Unlock()

	if wasPrimary {
		r.promote(ctx, sess.ProjectID)
	}
	return released
}

// goneCause reports why a session this node cleaned up disappeared, or
// nil for ids it never tore down.
func (r *Registry) goneCause(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gone[sessionID]
}

// promote elects the oldest live secondary of a project as the new
// primary. The candidate choice is deterministic (registration time,
// then id) so concurrent sweeps on different nodes pick the same
// session; the SetNX on the primary key makes the promotion itself
// unique regardless.
func (r *Registry) promote(ctx context.Context, projectID string) {
	candidates, err := r.List(ctx, projectID)
	if err != nil {
		r.logger.Warn("promotion scan failed",
			"project_id", projectID, "error", err)
		return
	}
	for _, cand := range candidates {
		if r.clock().Sub(cand.LastHeartbeat) > r.liveness {
			continue
		}
		ok, _, err := r.store.SetNX(ctx, store.PrimaryKey(projectID), cand.ID, r.liveness)
		if err != nil {
			r.logger.Warn("promotion failed",
				"project_id", projectID, "candidate", cand.ID, "error", err)
			return
		}
		if ok {
			cand.Role = RolePrimary
			if werr := r.writeRecord(ctx, cand); werr != nil {
				r.logger.Error("persist promotion failed",
					"session_id", cand.ID, "error", werr)
			}
			r.logger.Info("session promoted to primary",
				"session_id", cand.ID, "project_id", projectID)
		}
		// Either we promoted the candidate or another node already
		// installed a primary. Done both ways.
		return
	}
}

func (r *Registry) claimPrimary(ctx context.Context, sess *Session) bool {
	ok, _, err := r.store.SetNX(ctx, store.PrimaryKey(sess.ProjectID), sess.ID, r.liveness)
	if err != nil {
		r.logger.Warn("primary claim failed",
			"session_id", sess.ID, "error", err)
		return false
	}
	return ok
}

func (r *Registry) getSession(ctx context.Context, sessionID string) (*Session, error) {
	value, err := r.store.Get(ctx, store.SessionKey(sessionID))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NewSessionError("unknown session", errors.ErrNotFound).WithSessionID(sessionID)
		}
		return nil, errors.NewSessionError("session lookup", err).WithSessionID(sessionID)
	}
	sess, err := decodeSession(value)
	if err != nil {
		return nil, errors.NewSessionError("corrupt session record", err).WithSessionID(sessionID)
	}
	return sess, nil
}

// writeRecord persists the record with a fresh TTL. Session records are
// single-writer (only the owning session and sweep cleanup touch them),
// so a plain put is safe here.
func (r *Registry) writeRecord(ctx context.Context, sess *Session) error {
	value, err := sess.encode()
	if err != nil {
		return errors.NewSessionError("encode session record", err).WithSessionID(sess.ID)
	}
	if err := r.store.Put(ctx, store.SessionKey(sess.ID), value, r.recordTTL()); err != nil {
		return errors.NewSessionError("write session record", err).WithSessionID(sess.ID)
	}
	return nil
}

func (r *Registry) setState(sess *Session, s State) {
	r.mu.Lock()
	if s == StateTerminated {
		delete(r.states, sess.ID)
	} else {
		r.states[sess.ID] = s
	}
	r.mu.Unlock()
}

// HeartbeatInterval reports the expected heartbeat cadence so clients
// and the HTTP layer can advertise it.
func (r *Registry) HeartbeatInterval() time.Duration { return r.interval }

// LivenessWindow reports how long a session survives without a
// heartbeat.
func (r *Registry) LivenessWindow() time.Duration { return r.liveness }

func generateSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
