// Package conflict detects overlapping session intents and resolves
// them by type-specific strategy: wait-and-retry for lock contention,
// serialized execution for git operations, three-way merge for file
// edits, last-writer-wins for context switches, and manual escalation
// for state divergence.
package conflict

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/positivef/udo-coordination/internal/errors"
	"github.com/positivef/udo-coordination/internal/event"
	"github.com/positivef/udo-coordination/internal/lock"
	"github.com/positivef/udo-coordination/internal/logging"
)

const (
	// guardTTL bounds how long a negotiation can hold the per-resource
	// conflict lock.
	guardTTL = 30 * time.Second

	guardWaitTimeout = 5 * time.Second

	// guardPrefix namespaces the negotiation locks so they never
	// collide with session-held resource locks.
	guardPrefix = "conflict:"

	// DefaultArchiveSize bounds the closed-record ring.
	DefaultArchiveSize = 256
)

// LockGuard is the slice of the lock manager the engine needs: a
// per-resource mutual exclusion to serialize negotiation across
// instances, and holder lookups for wait-retry resolution.
type LockGuard interface {
	Acquire(ctx context.Context, req lock.Request) (*lock.Grant, error)
	Release(ctx context.Context, resourceID string, lockType lock.Type, sessionID, projectID string) error
	Holder(ctx context.Context, resourceID string, lockType lock.Type) (string, error)
}

// Engine pairs overlapping intents into conflict records and drives
// their resolution.
type Engine struct {
	locks  LockGuard
	bus    *event.Bus
	logger *logging.Logger

	// guardID identifies this engine instance when taking conflict
	// guard locks.
	guardID string

	busSubID string

	mu      sync.Mutex
	working map[string][]Intent // open intents keyed by resource+type
	records map[string]*Record
	archive *archive
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithEngineLogger(logger *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithArchiveSize(n int) EngineOption {
	return func(e *Engine) { e.archive = newArchive(n) }
}

func NewEngine(locks LockGuard, bus *event.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		locks:   locks,
		bus:     bus,
		logger:  logging.NopLogger(),
		guardID: "conflict-engine-" + randomID(),
		working: make(map[string][]Intent),
		records: make(map[string]*Record),
		archive: newArchive(DefaultArchiveSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	// Lock releases auto-resolve open contention conflicts on that
	// resource.
	e.busSubID = bus.Subscribe(event.KindLockReleased, e.onLockReleased)
	return e
}

// Close detaches the engine from the event bus.
func (e *Engine) Close() {
	e.bus.Unsubscribe(e.busSubID)
}

// ReportIntent records a session's intent to touch a resource. When a
// second session reports an overlapping intent, a conflict record opens
// and a conflict_detected event fires. Negotiation state for a resource
// mutates only while holding the conflict:{resource} lock, so two
// engine instances cannot open divergent records for the same resource.
func (e *Engine) ReportIntent(ctx context.Context, intent Intent) (*Record, error) {
	if intent.SessionID == "" || intent.ResourceID == "" || intent.Type == "" {
		return nil, errors.NewConflictError("intent requires session, resource and type", errors.ErrInvalidInput)
	}
	if intent.At.IsZero() {
		intent.At = time.Now()
	}

	guard := lock.Request{
		ResourceID:  guardPrefix + intent.ResourceID,
		Type:        lock.TypeExclusive,
		SessionID:   e.guardID,
		ProjectID:   intent.ProjectID,
		TTL:         guardTTL,
		Wait:        true,
		WaitTimeout: guardWaitTimeout,
	}
	if _, err := e.locks.Acquire(ctx, guard); err != nil {
		return nil, errors.NewConflictError("conflict negotiation lock", err).
			WithResource(intent.ResourceID)
	}
	defer func() {
		if err := e.locks.Release(ctx, guard.ResourceID, guard.Type, e.guardID, guard.ProjectID); err != nil {
			e.logger.Warn("conflict guard release failed",
				"resource", intent.ResourceID, "error", err)
		}
	}()

	return e.admitIntent(intent), nil
}

// ReportContention satisfies lock.ContentionReporter. Contention
// reports arrive already serialized by the store's lock semantics, so
// they skip the negotiation guard.
func (e *Engine) ReportContention(c lock.Contention) {
	if strings.HasPrefix(c.ResourceID, guardPrefix) {
		// Two engine instances racing for a negotiation guard is
		// serialization, not a session-visible conflict.
		return
	}
	now := time.Now()
	holder := Intent{
		SessionID:  c.HolderID,
		ProjectID:  c.ProjectID,
		Type:       TypeResourceLock,
		ResourceID: c.ResourceID,
		Operation:  string(c.Type),
		At:         now,
	}
	requester := holder
	requester.SessionID = c.RequesterID
	if c.HolderExpired {
		requester.Operation = string(c.Type) + " (previous holder expired)"
	}

	e.admitIntent(holder)
	rec := e.admitIntent(requester)
	if rec != nil {
		e.logger.Debug("lock contention recorded",
			"conflict_id", rec.ID,
			"resource", c.ResourceID,
			"holder", c.HolderID,
			"requester", c.RequesterID,
		)
	}
}

// admitIntent adds the intent to the working set and opens or extends a
// record once two distinct sessions overlap. The detection event fires
// after the mutex drops, so a synchronous subscriber may re-enter the
// engine.
func (e *Engine) admitIntent(intent Intent) *Record {
	e.mu.Lock()
	rec, opened := e.admitIntentLocked(intent)
	e.mu.Unlock()

	if opened {
		e.logger.Info("conflict detected",
			"conflict_id", rec.ID,
			"type", string(rec.Type),
			"resource", rec.ResourceID,
			"sessions", strings.Join(rec.Sessions(), ","),
		)
		e.bus.Publish(event.NewConflictDetectedEvent(
			rec.ID, string(rec.Type), rec.ResourceID, rec.Sessions()))
	}
	return rec
}

func (e *Engine) admitIntentLocked(intent Intent) (rec *Record, opened bool) {
	key := string(intent.Type) + "\x00" + intent.ResourceID

	// An open record for this resource absorbs further intents.
	for _, open := range e.records {
		if open.Status == StatusOpen && open.Type == intent.Type && open.ResourceID == intent.ResourceID {
			for i, existing := range open.Intents {
				if existing.SessionID == intent.SessionID {
					open.Intents[i] = intent
					return open, false
				}
			}
			open.Intents = append(open.Intents, intent)
			return open, false
		}
	}

	set := e.working[key]
	replaced := false
	for i, existing := range set {
		if existing.SessionID == intent.SessionID {
			set[i] = intent
			replaced = true
			break
		}
	}
	if !replaced {
		set = append(set, intent)
	}
	e.working[key] = set

	if distinctSessions(set) < 2 {
		return nil, false
	}

	rec = &Record{
		ID:         "conflict-" + randomID(),
		Type:       intent.Type,
		ResourceID: intent.ResourceID,
		ProjectID:  intent.ProjectID,
		Intents:    append([]Intent(nil), set...),
		Status:     StatusOpen,
		CreatedAt:  time.Now(),
	}
	e.records[rec.ID] = rec
	delete(e.working, key)
	return rec, true
}

// ResolveOption adjusts a Resolve call.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	strategy     Strategy
	manualChoice string
	manualBody   string
	escalate     string
}

// WithStrategy overrides the type's default strategy.
func WithStrategy(s Strategy) ResolveOption {
	return func(o *resolveOptions) { o.strategy = s }
}

// WithManualChoice closes an escalated record in favor of one session,
// optionally carrying the decided content.
func WithManualChoice(sessionID, body string) ResolveOption {
	return func(o *resolveOptions) {
		o.manualChoice = sessionID
		o.manualBody = body
	}
}

// WithEscalation forces escalation, e.g. after a wait timeout.
func WithEscalation(reason string) ResolveOption {
	return func(o *resolveOptions) { o.escalate = reason }
}

// Resolve drives a conflict record toward an outcome. It never blocks
// on escalation: an Escalated outcome returns immediately and the
// record stays open for a later manual resolution.
func (e *Engine) Resolve(ctx context.Context, conflictID string, opts ...ResolveOption) (*Outcome, error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	// A retried resolve replays the recorded outcome, but a new
	// directive against a closed record is rejected: the decision it
	// carries can no longer be applied.
	newDirective := o.manualChoice != "" || o.escalate != ""

	e.mu.Lock()
	rec, ok := e.records[conflictID]
	if !ok {
		if archived := e.archive.get(conflictID); archived != nil {
			out := archived.Outcome
			e.mu.Unlock()
			if newDirective {
				return nil, errors.NewConflictError("resolve of closed conflict", errors.ErrConflictClosed).
					WithConflictID(conflictID)
			}
			return out, nil
		}
		e.mu.Unlock()
		return nil, errors.NewConflictError("unknown conflict", errors.ErrNotFound).
			WithConflictID(conflictID)
	}
	if rec.Status == StatusResolved {
		out := rec.Outcome
		e.mu.Unlock()
		if newDirective {
			return nil, errors.NewConflictError("resolve of closed conflict", errors.ErrConflictClosed).
				WithConflictID(conflictID)
		}
		return out, nil
	}
	intents := append([]Intent(nil), rec.Intents...)
	e.mu.Unlock()

	if o.manualChoice != "" {
		return e.close(rec, &Outcome{
			Kind:     OutcomeResolved,
			Strategy: StrategyManual,
			Detail:   fmt.Sprintf("manual decision in favor of %s", o.manualChoice),
			Merged:   o.manualBody,
		}), nil
	}
	if o.escalate != "" {
		return e.escalate(rec, DefaultStrategy(rec.Type), o.escalate, intents), nil
	}

	strategy := o.strategy
	if strategy == "" {
		strategy = DefaultStrategy(rec.Type)
	}

	switch strategy {
	case StrategyWaitRetry:
		return e.resolveWaitRetry(ctx, rec, intents)
	case StrategySerialize:
		return e.resolveSerialize(rec, intents), nil
	case StrategyMerge:
		return e.resolveMerge(rec, intents), nil
	case StrategyLWW:
		return e.resolveLastWriter(rec, intents), nil
	case StrategyManual:
		return e.escalate(rec, StrategyManual, "no safe automatic reconciliation", intents), nil
	default:
		return nil, errors.NewConflictError("unknown strategy", errors.ErrInvalidInput).
			WithConflictID(conflictID)
	}
}

// resolveWaitRetry reports progress on a lock contention conflict. The
// actual waiting happens in the lock manager; the record closes when
// the contended lock frees (see onLockReleased) or here if it already
// has.
func (e *Engine) resolveWaitRetry(ctx context.Context, rec *Record, intents []Intent) (*Outcome, error) {
	lockType := lock.TypeFile
	for _, in := range intents {
		fields := strings.Fields(in.Operation)
		if len(fields) == 0 {
			continue
		}
		if t, err := lock.ParseType(fields[0]); err == nil {
			lockType = t
			break
		}
	}

	holder, err := e.locks.Holder(ctx, rec.ResourceID, lockType)
	if errors.Is(err, errors.ErrNotFound) {
		return e.close(rec, &Outcome{
			Kind:     OutcomeResolved,
			Strategy: StrategyWaitRetry,
			Detail:   "contended lock released",
		}), nil
	}
	if err != nil {
		return nil, errors.NewConflictError("holder lookup", err).WithConflictID(rec.ID)
	}
	return &Outcome{
		Kind:     OutcomeInProgress,
		Strategy: StrategyWaitRetry,
		Detail:   fmt.Sprintf("resource locked by session %s, retry in progress", holder),
	}, nil
}

// resolveSerialize orders competing operations for sequential
// execution. When the intents carry content against a shared base, a
// clean merge confirms the operations are non-overlapping; an overlap
// escalates instead. The ordering is by report time with session id as
// tie-break, so a retried resolution yields the same plan.
func (e *Engine) resolveSerialize(rec *Record, intents []Intent) *Outcome {
	ordered := append([]Intent(nil), intents...)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].At.Equal(ordered[j].At) {
			return ordered[i].At.Before(ordered[j].At)
		}
		return ordered[i].SessionID < ordered[j].SessionID
	})

	if len(ordered) >= 2 && ordered[0].Proposed != "" && ordered[1].Proposed != "" {
		if _, _, clean := Merge(ordered[0].Base, ordered[0].Proposed, ordered[1].Proposed); !clean {
			return e.escalate(rec, StrategySerialize,
				"competing operations touch overlapping content", intents)
		}
	}

	order := make([]string, len(ordered))
	for i, in := range ordered {
		order[i] = in.SessionID
	}
	return e.close(rec, &Outcome{
		Kind:     OutcomeResolved,
		Strategy: StrategySerialize,
		Detail:   "operations serialized in report order",
		Order:    order,
	})
}

// resolveMerge three-way merges two file edits against their common
// ancestor.
func (e *Engine) resolveMerge(rec *Record, intents []Intent) *Outcome {
	if len(intents) < 2 {
		return e.escalate(rec, StrategyMerge, "merge needs two competing edits", intents)
	}
	ours, theirs := intents[0], intents[1]
	base := ours.Base
	if base == "" {
		base = theirs.Base
	}

	merged, _, clean := Merge(base, ours.Proposed, theirs.Proposed)
	if !clean {
		markers := RenderConflicts(base, ours.Proposed, theirs.Proposed,
			ours.SessionID, theirs.SessionID)
		out := e.escalate(rec, StrategyMerge, "overlapping edits", intents)
		out.Merged = markers
		return out
	}
	return e.close(rec, &Outcome{
		Kind:     OutcomeResolved,
		Strategy: StrategyMerge,
		Detail:   "non-overlapping edits merged",
		Merged:   merged,
	})
}

// resolveLastWriter applies the most recent context change and records
// which sessions were superseded so they can be notified.
func (e *Engine) resolveLastWriter(rec *Record, intents []Intent) *Outcome {
	winner := intents[0]
	for _, in := range intents[1:] {
		if in.At.After(winner.At) {
			winner = in
		}
	}
	var superseded []string
	for _, in := range intents {
		if in.SessionID != winner.SessionID {
			superseded = append(superseded, in.SessionID)
		}
	}
	sort.Strings(superseded)
	return e.close(rec, &Outcome{
		Kind:       OutcomeResolved,
		Strategy:   StrategyLWW,
		Detail:     fmt.Sprintf("latest change from %s applied", winner.SessionID),
		Merged:     winner.Proposed,
		Superseded: superseded,
	})
}

func (e *Engine) close(rec *Record, out *Outcome) *Outcome {
	e.mu.Lock()
	if rec.Status == StatusResolved {
		existing := rec.Outcome
		e.mu.Unlock()
		return existing
	}
	rec.Status = StatusResolved
	rec.Outcome = out
	rec.ClosedAt = time.Now()
	delete(e.records, rec.ID)
	e.archive.add(rec)
	e.mu.Unlock()

	e.logger.Info("conflict resolved",
		"conflict_id", rec.ID,
		"resource", rec.ResourceID,
		"strategy", string(out.Strategy),
	)
	e.bus.Publish(event.NewConflictResolvedEvent(
		rec.ID, rec.ResourceID, string(OutcomeResolved), string(out.Strategy)))
	return out
}

func (e *Engine) escalate(rec *Record, strategy Strategy, reason string, intents []Intent) *Outcome {
	out := &Outcome{
		Kind:     OutcomeEscalated,
		Strategy: strategy,
		Detail:   reason,
		Intents:  intents,
	}
	e.mu.Lock()
	rec.Outcome = out
	e.mu.Unlock()

	e.logger.Warn("conflict escalated",
		"conflict_id", rec.ID,
		"resource", rec.ResourceID,
		"reason", reason,
	)
	e.bus.Publish(event.NewConflictResolvedEvent(
		rec.ID, rec.ResourceID, string(OutcomeEscalated), string(strategy)))
	return out
}

// onLockReleased closes open lock contention records for the freed
// resource: the waiting side will retry and acquire.
func (e *Engine) onLockReleased(ev event.Event) {
	released, ok := ev.(event.LockReleasedEvent)
	if !ok {
		return
	}

	e.mu.Lock()
	var matched []*Record
	for _, rec := range e.records {
		if rec.Status == StatusOpen && rec.Type == TypeResourceLock && rec.ResourceID == released.ResourceID {
			matched = append(matched, rec)
		}
	}
	e.mu.Unlock()

	for _, rec := range matched {
		e.close(rec, &Outcome{
			Kind:     OutcomeResolved,
			Strategy: StrategyWaitRetry,
			Detail:   "contended lock released",
		})
	}
}

// Open returns the open conflict records, newest first.
func (e *Engine) Open() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Record, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Get returns a conflict record by id, open or archived.
func (e *Engine) Get(conflictID string) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.records[conflictID]; ok {
		return rec, nil
	}
	if rec := e.archive.get(conflictID); rec != nil {
		return rec, nil
	}
	return nil, errors.NewConflictError("unknown conflict", errors.ErrNotFound).
		WithConflictID(conflictID)
}

// Archived returns the closed records still held in the ring, newest
// first.
func (e *Engine) Archived() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.archive.all()
}

func distinctSessions(intents []Intent) int {
	seen := make(map[string]bool, len(intents))
	for _, in := range intents {
		seen[in.SessionID] = true
	}
	return len(seen)
}

func randomID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
