// Package lock implements the distributed lock manager. Acquisition is a
// single atomic set-if-not-exists against the shared state store;
// ownership-verified release and renewal use single-operation
// compare-and-delete / compare-and-expire so an expiry racing a release
// can never delete another session's lock.
package lock

import (
	"context"
	"sort"
	"time"

	"github.com/positivef/udo-coordination/internal/errors"
	"github.com/positivef/udo-coordination/internal/event"
	"github.com/positivef/udo-coordination/internal/logging"
	"github.com/positivef/udo-coordination/internal/store"
)

// DefaultWaitTimeout bounds waiting acquisitions that do not specify one.
const DefaultWaitTimeout = 30 * time.Second

// Manager acquires, renews, and releases named locks against the shared
// state store. It is safe for concurrent use; one Manager serves every
// session on a node.
type Manager struct {
	store    store.Store
	bus      *event.Bus
	logger   *logging.Logger
	reporter ContentionReporter

	waiters *waitList

	// busSubIDs are the bus subscriptions feeding waiter wakeups.
	busSubIDs []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithContentionReporter wires contention reports to the conflict engine.
func WithContentionReporter(r ContentionReporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// SetContentionReporter wires the reporter after construction. The
// manager and the conflict engine reference each other, so one side has
// to attach late; call this before the manager serves requests.
func (m *Manager) SetContentionReporter(r ContentionReporter) { m.reporter = r }

// WithLogger sets the manager's logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a lock manager backed by the given store and bus.
func NewManager(st store.Store, bus *event.Bus, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		bus:     bus,
		logger:  logging.NopLogger(),
		waiters: newWaitList(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("lock")

	// Waiters wake on lock releases on their resource and on session
	// expiry (which implicitly releases every lock the session held).
	// The backoff retry in the wait loop covers anything these miss.
	m.busSubIDs = append(m.busSubIDs,
		bus.Subscribe(event.KindLockReleased, func(e event.Event) {
			if released, ok := e.(event.LockReleasedEvent); ok {
				m.waiters.signal(released.ResourceID)
			}
		}),
		bus.Subscribe(event.KindSessionExpired, func(e event.Event) {
			m.waiters.signalAll()
		}),
	)
	return m
}

// Close removes the manager's bus subscriptions.
func (m *Manager) Close() {
	for _, id := range m.busSubIDs {
		m.bus.Unsubscribe(id)
	}
	m.busSubIDs = nil
}

// Acquire attempts to take the lock described by req. On contention it
// either fails fast with a Busy error naming the holder, or, when
// req.Wait is set, parks on the resource's wait list and retries with
// exponential backoff until granted, canceled, or timed out.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Grant, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	grant, holder, err := m.tryAcquire(ctx, req)
	if err != nil {
		return nil, err
	}
	if grant != nil {
		return grant, nil
	}

	if m.reporter != nil {
		m.reporter.ReportContention(Contention{
			ResourceID:  req.ResourceID,
			Type:        req.Type,
			ProjectID:   req.ProjectID,
			HolderID:    holder,
			RequesterID: req.SessionID,
		})
	}

	if !req.Wait {
		m.logger.Debug("acquire busy",
			"resource", req.ResourceID,
			"lock_type", string(req.Type),
			"session_id", req.SessionID,
			"holder", holder,
		)
		return nil, errors.NewLockError("resource is locked", errors.ErrBusy).
			WithResource(req.ResourceID).
			WithLockType(string(req.Type)).
			WithSessionID(req.SessionID).
			WithHolder(holder)
	}

	return m.waitAcquire(ctx, req, holder)
}

// tryAcquire performs one acquisition attempt. It returns the grant on
// success, or the current holder's session id on contention.
func (m *Manager) tryAcquire(ctx context.Context, req Request) (*Grant, string, error) {
	key := store.LockKey(req.ResourceID, string(req.Type))

	if req.Type == TypeExclusive {
		return m.tryAcquireExclusive(ctx, req, key)
	}

	// A live exclusive lock shuts out every other type on the resource.
	exclusiveKey := store.LockKey(req.ResourceID, string(TypeExclusive))
	if holder, err := m.store.Get(ctx, exclusiveKey); err == nil {
		if holder != req.SessionID {
			return nil, holder, nil
		}
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, "", storeFailure("exclusive check failed", err, req)
	}

	ok, current, err := m.store.SetNX(ctx, key, req.SessionID, req.TTL)
	if err != nil {
		return nil, "", storeFailure("acquire failed", err, req)
	}
	if !ok {
		if current == req.SessionID {
			// Idempotent re-acquire by the holder refreshes the TTL.
			if _, err := m.store.CompareAndExpire(ctx, key, req.SessionID, req.TTL); err != nil {
				return nil, "", storeFailure("reacquire refresh failed", err, req)
			}
			return m.granted(req), "", nil
		}
		return nil, current, nil
	}

	// The key is provisionally ours. An exclusive acquirer may have set
	// its key concurrently; both sides verify after setting, so at least
	// one of us observes the overlap and rolls back.
	if holder, err := m.store.Get(ctx, exclusiveKey); err == nil && holder != req.SessionID {
		if _, rbErr := m.store.CompareAndDelete(ctx, key, req.SessionID); rbErr != nil {
			m.logger.Error("rollback after exclusive collision failed",
				"resource", req.ResourceID, "error", rbErr)
		}
		return nil, holder, nil
	} else if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, "", storeFailure("exclusive re-check failed", err, req)
	}

	return m.granted(req), "", nil
}

// tryAcquireExclusive takes the exclusive key first, then verifies no
// other lock of any type is live on the resource.
func (m *Manager) tryAcquireExclusive(ctx context.Context, req Request, key string) (*Grant, string, error) {
	ok, current, err := m.store.SetNX(ctx, key, req.SessionID, req.TTL)
	if err != nil {
		return nil, "", storeFailure("acquire failed", err, req)
	}
	if !ok {
		if current == req.SessionID {
			if _, err := m.store.CompareAndExpire(ctx, key, req.SessionID, req.TTL); err != nil {
				return nil, "", storeFailure("reacquire refresh failed", err, req)
			}
			return m.granted(req), "", nil
		}
		return nil, current, nil
	}

	others, err := m.store.List(ctx, store.LockKeyPrefix(req.ResourceID))
	if err != nil {
		if _, rbErr := m.store.CompareAndDelete(ctx, key, req.SessionID); rbErr != nil {
			m.logger.Error("rollback after list failure failed",
				"resource", req.ResourceID, "error", rbErr)
		}
		return nil, "", storeFailure("exclusive sweep failed", err, req)
	}
	for otherKey, holder := range others {
		if otherKey == key || holder == req.SessionID {
			continue
		}
		if _, rbErr := m.store.CompareAndDelete(ctx, key, req.SessionID); rbErr != nil {
			m.logger.Error("rollback after exclusive collision failed",
				"resource", req.ResourceID, "error", rbErr)
		}
		return nil, holder, nil
	}

	return m.granted(req), "", nil
}

func (m *Manager) granted(req Request) *Grant {
	grant := &Grant{
		ResourceID: req.ResourceID,
		Type:       req.Type,
		SessionID:  req.SessionID,
		ProjectID:  req.ProjectID,
		AcquiredAt: time.Now(),
		TTL:        req.TTL,
	}
	m.logger.Info("lock acquired",
		"resource", req.ResourceID,
		"lock_type", string(req.Type),
		"session_id", req.SessionID,
	)
	m.bus.Publish(event.NewLockAcquiredEvent(
		req.ResourceID, string(req.Type), req.SessionID, req.ProjectID, req.TTL))
	return grant
}

// waitAcquire parks the caller until the lock frees, the wait timeout
// elapses, or ctx is canceled. Wakeups arrive via release events; the
// exponential backoff retry is the safety net for missed signals and for
// holders that die without a release (TTL expiry).
func (m *Manager) waitAcquire(ctx context.Context, req Request, lastHolder string) (*Grant, error) {
	timeout := req.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	waiter := m.waiters.add(req.ResourceID)
	defer m.waiters.remove(req.ResourceID, waiter)

	m.logger.Debug("waiting for lock",
		"resource", req.ResourceID,
		"lock_type", string(req.Type),
		"session_id", req.SessionID,
		"holder", lastHolder,
		"timeout", timeout,
	)

	backoff := newBackoff()
	sawRelease := false
	for {
		timer := time.NewTimer(backoff.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errors.NewLockError("wait timed out", errors.ErrLockWaitTimeout).
					WithResource(req.ResourceID).
					WithLockType(string(req.Type)).
					WithSessionID(req.SessionID).
					WithHolder(lastHolder)
			}
			return nil, errors.ErrCanceled
		case <-waiter.signaled():
			timer.Stop()
			sawRelease = true
			backoff.reset()
		case <-timer.C:
		}

		grant, holder, err := m.tryAcquire(ctx, req)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			// Granted without a release event: the previous holder's TTL
			// expired. That is an implicit release; surface it, and report
			// a resource_lock conflict since we were demonstrably waiting.
			if !sawRelease && lastHolder != "" {
				m.bus.Publish(event.NewLockReleasedEvent(
					req.ResourceID, string(req.Type), lastHolder, req.ProjectID, true))
				if m.reporter != nil {
					m.reporter.ReportContention(Contention{
						ResourceID:    req.ResourceID,
						Type:          req.Type,
						ProjectID:     req.ProjectID,
						HolderID:      lastHolder,
						RequesterID:   req.SessionID,
						HolderExpired: true,
					})
				}
			}
			return grant, nil
		}
		if holder != "" {
			if sawRelease && holder != lastHolder {
				// Lost the race to another waiter; keep waiting for the
				// new holder.
				sawRelease = false
			}
			lastHolder = holder
		}
	}
}

// Release deletes the lock iff sessionID is the current holder. The
// verify-and-delete is a single store-side operation; a non-owner release
// is rejected with ErrNotOwner, never silently ignored.
func (m *Manager) Release(ctx context.Context, resourceID string, lockType Type, sessionID, projectID string) error {
	if _, err := ParseType(string(lockType)); err != nil {
		return err
	}
	key := store.LockKey(resourceID, string(lockType))

	ok, err := m.store.CompareAndDelete(ctx, key, sessionID)
	if err != nil {
		return errors.NewStoreError("release failed", err).WithKey(key)
	}
	if ok {
		m.logger.Info("lock released",
			"resource", resourceID,
			"lock_type", string(lockType),
			"session_id", sessionID,
		)
		m.bus.Publish(event.NewLockReleasedEvent(
			resourceID, string(lockType), sessionID, projectID, false))
		return nil
	}

	// Rejected: distinguish "someone else holds it" from "nothing there".
	// This read is diagnostic only; the mutation above was atomic.
	holder, err := m.store.Get(ctx, key)
	if errors.Is(err, errors.ErrNotFound) {
		return errors.NewLockError("release of absent lock", errors.ErrNotFound).
			WithResource(resourceID).
			WithLockType(string(lockType)).
			WithSessionID(sessionID)
	}
	if err != nil {
		return errors.NewStoreError("release verification failed", err).WithKey(key)
	}
	return errors.NewLockError("release rejected", errors.ErrNotOwner).
		WithResource(resourceID).
		WithLockType(string(lockType)).
		WithSessionID(sessionID).
		WithHolder(holder)
}

// Renew extends the TTL of a held lock without releasing it. Only the
// current holder may renew.
func (m *Manager) Renew(ctx context.Context, resourceID string, lockType Type, sessionID string, ttl time.Duration) error {
	if _, err := ParseType(string(lockType)); err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.ErrInvalidInput
	}
	key := store.LockKey(resourceID, string(lockType))

	ok, err := m.store.CompareAndExpire(ctx, key, sessionID, ttl)
	if err != nil {
		return errors.NewStoreError("renew failed", err).WithKey(key)
	}
	if ok {
		m.logger.Debug("lock renewed",
			"resource", resourceID,
			"lock_type", string(lockType),
			"session_id", sessionID,
			"ttl", ttl,
		)
		return nil
	}

	holder, err := m.store.Get(ctx, key)
	if errors.Is(err, errors.ErrNotFound) {
		return errors.NewLockError("renew of absent lock", errors.ErrNotFound).
			WithResource(resourceID).
			WithLockType(string(lockType)).
			WithSessionID(sessionID)
	}
	if err != nil {
		return errors.NewStoreError("renew verification failed", err).WithKey(key)
	}
	return errors.NewLockError("renew rejected", errors.ErrNotOwner).
		WithResource(resourceID).
		WithLockType(string(lockType)).
		WithSessionID(sessionID).
		WithHolder(holder)
}

// Holder returns the session currently holding (resourceID, lockType), or
// ErrNotFound if the lock is free.
func (m *Manager) Holder(ctx context.Context, resourceID string, lockType Type) (string, error) {
	return m.store.Get(ctx, store.LockKey(resourceID, string(lockType)))
}

// HeldBy scans the store for every lock held by sessionID. Used by the
// session registry's cleanup path and by the snapshot endpoint.
func (m *Manager) HeldBy(ctx context.Context, sessionID string) ([]Grant, error) {
	entries, err := m.store.List(ctx, "lock:")
	if err != nil {
		return nil, errors.NewStoreError("lock scan failed", err)
	}

	var grants []Grant
	for key, holder := range entries {
		if holder != sessionID {
			continue
		}
		resourceID, lockType, ok := splitLockKey(key)
		if !ok {
			continue
		}
		grants = append(grants, Grant{
			ResourceID: resourceID,
			Type:       Type(lockType),
			SessionID:  sessionID,
		})
	}
	return grants, nil
}

// Held returns the lock identities a session currently holds, sorted
// for stable display.
func (m *Manager) Held(ctx context.Context, sessionID string) ([]string, error) {
	grants, err := m.HeldBy(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(grants))
	for i := range grants {
		ids = append(ids, grants[i].ID())
	}
	sort.Strings(ids)
	return ids, nil
}

// All returns every live lock in the store, keyed for the snapshot
// endpoint.
func (m *Manager) All(ctx context.Context) ([]Grant, error) {
	entries, err := m.store.List(ctx, "lock:")
	if err != nil {
		return nil, errors.NewStoreError("lock scan failed", err)
	}

	grants := make([]Grant, 0, len(entries))
	for key, holder := range entries {
		resourceID, lockType, ok := splitLockKey(key)
		if !ok {
			continue
		}
		grants = append(grants, Grant{
			ResourceID: resourceID,
			Type:       Type(lockType),
			SessionID:  holder,
		})
	}
	return grants, nil
}

// ReleaseAll releases every lock held by sessionID, in unspecified order.
// Individual failures are logged and skipped; the successfully released
// lock ids are returned.
func (m *Manager) ReleaseAll(ctx context.Context, sessionID, projectID string) []string {
	grants, err := m.HeldBy(ctx, sessionID)
	if err != nil {
		m.logger.Error("release-all scan failed", "session_id", sessionID, "error", err)
		return nil
	}

	var released []string
	for _, g := range grants {
		if err := m.Release(ctx, g.ResourceID, g.Type, sessionID, projectID); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue // expired in the meantime; same outcome
			}
			m.logger.Warn("release-all failed for lock",
				"resource", g.ResourceID,
				"lock_type", string(g.Type),
				"session_id", sessionID,
				"error", err,
			)
			continue
		}
		released = append(released, g.ID())
	}
	return released
}

// splitLockKey parses "lock:{resource}:{type}". The resource id may itself
// contain colons; the type never does, so split on the last one.
func splitLockKey(key string) (resourceID, lockType string, ok bool) {
	const prefix = "lock:"
	if len(key) <= len(prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

func storeFailure(msg string, err error, req Request) error {
	return errors.NewStoreError(msg, err).
		WithKey(store.LockKey(req.ResourceID, string(req.Type)))
}
