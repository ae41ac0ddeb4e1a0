package conflict

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/positivef/udo-coordination/internal/errors"
	"github.com/positivef/udo-coordination/internal/event"
	"github.com/positivef/udo-coordination/internal/lock"
	"github.com/positivef/udo-coordination/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *lock.Manager, *event.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := event.NewBus()
	locks := lock.NewManager(st, bus)
	t.Cleanup(locks.Close)
	engine := NewEngine(locks, bus)
	t.Cleanup(engine.Close)
	return engine, locks, bus
}

func editIntent(session, resource, base, proposed string) Intent {
	return Intent{
		SessionID:  session,
		ProjectID:  "proj-1",
		Type:       TypeFileEdit,
		ResourceID: resource,
		Base:       base,
		Proposed:   proposed,
		At:         time.Now(),
	}
}

func TestReportIntent_SingleSessionNoConflict(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	rec, err := engine.ReportIntent(ctx, editIntent("s1", "file:/a.py", "x\n", "y\n"))
	if err != nil {
		t.Fatalf("ReportIntent failed: %v", err)
	}
	if rec != nil {
		t.Errorf("single session should not open a conflict, got %+v", rec)
	}
	if open := engine.Open(); len(open) != 0 {
		t.Errorf("Open() = %d records, want 0", len(open))
	}
}

func TestReportIntent_TwoSessionsOpenConflict(t *testing.T) {
	engine, _, bus := newTestEngine(t)
	ctx := context.Background()

	var detected []event.ConflictDetectedEvent
	bus.Subscribe(event.KindConflictDetected, func(e event.Event) {
		detected = append(detected, e.(event.ConflictDetectedEvent))
	})

	if _, err := engine.ReportIntent(ctx, editIntent("s1", "file:/a.py", "x\n", "y\n")); err != nil {
		t.Fatalf("first ReportIntent failed: %v", err)
	}
	rec, err := engine.ReportIntent(ctx, editIntent("s2", "file:/a.py", "x\n", "z\n"))
	if err != nil {
		t.Fatalf("second ReportIntent failed: %v", err)
	}
	if rec == nil {
		t.Fatal("two sessions on one resource should open a conflict")
	}
	if rec.Type != TypeFileEdit || rec.Status != StatusOpen {
		t.Errorf("record = %+v", rec)
	}
	sessions := rec.Sessions()
	if len(sessions) != 2 {
		t.Errorf("Sessions() = %v, want 2 entries", sessions)
	}

	if len(detected) != 1 {
		t.Fatalf("expected 1 conflict_detected event, got %d", len(detected))
	}
	if detected[0].ConflictID != rec.ID {
		t.Errorf("event conflict id = %q, want %q", detected[0].ConflictID, rec.ID)
	}
}

func TestReportIntent_DistinctResourcesIndependent(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ReportIntent(ctx, editIntent("s1", "file:/a.py", "", "a\n")); err != nil {
		t.Fatal(err)
	}
	rec, err := engine.ReportIntent(ctx, editIntent("s2", "file:/b.py", "", "b\n"))
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Error("intents on different resources should not conflict")
	}
}

func TestReportIntent_Invalid(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.ReportIntent(context.Background(), Intent{SessionID: "s1"})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("ReportIntent = %v, want ErrInvalidInput", err)
	}
}

// Non-overlapping edits to one file auto-merge; the result equals
// applying both diffs independently.
func TestResolve_FileEditMerge(t *testing.T) {
	engine, _, bus := newTestEngine(t)
	ctx := context.Background()

	var resolved []event.ConflictResolvedEvent
	bus.Subscribe(event.KindConflictResolved, func(e event.Event) {
		resolved = append(resolved, e.(event.ConflictResolvedEvent))
	})

	base := "alpha\nbeta\ngamma\n"
	s1Edit := "ALPHA\nbeta\ngamma\n"
	s2Edit := "alpha\nbeta\nGAMMA\n"

	if _, err := engine.ReportIntent(ctx, editIntent("s1", "file:/a.py", base, s1Edit)); err != nil {
		t.Fatal(err)
	}
	rec, err := engine.ReportIntent(ctx, editIntent("s2", "file:/a.py", base, s2Edit))
	if err != nil || rec == nil {
		t.Fatalf("conflict not opened: %v", err)
	}

	out, err := engine.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Kind != OutcomeResolved {
		t.Fatalf("outcome = %s, want resolved: %s", out.Kind, out.Detail)
	}
	if out.Merged != "ALPHA\nbeta\nGAMMA\n" {
		t.Errorf("merged = %q", out.Merged)
	}

	if len(resolved) != 1 || resolved[0].Outcome != string(OutcomeResolved) {
		t.Errorf("resolved events = %+v", resolved)
	}
	if _, err := engine.Get(rec.ID); err != nil {
		t.Error("closed record should remain readable from the archive")
	}
	if len(engine.Open()) != 0 {
		t.Error("record should leave the open set once resolved")
	}
}

func TestResolve_FileEditOverlapEscalates(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	base := "alpha\n"
	if _, err := engine.ReportIntent(ctx, editIntent("s1", "file:/a.py", base, "one\n")); err != nil {
		t.Fatal(err)
	}
	rec, err := engine.ReportIntent(ctx, editIntent("s2", "file:/a.py", base, "two\n"))
	if err != nil || rec == nil {
		t.Fatalf("conflict not opened: %v", err)
	}

	out, err := engine.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Kind != OutcomeEscalated {
		t.Fatalf("outcome = %s, want escalated", out.Kind)
	}
	// Escalation carries both intents and marked-up content.
	if len(out.Intents) != 2 {
		t.Errorf("escalation carries %d intents, want 2", len(out.Intents))
	}
	if !strings.Contains(out.Merged, "<<<<<<<") {
		t.Error("escalation should include conflict markers")
	}

	// The record stays open until a manual decision closes it.
	if len(engine.Open()) != 1 {
		t.Fatal("escalated record should remain open")
	}
	final, err := engine.Resolve(ctx, rec.ID, WithManualChoice("s2", "two\n"))
	if err != nil {
		t.Fatalf("manual Resolve failed: %v", err)
	}
	if final.Kind != OutcomeResolved || final.Merged != "two\n" {
		t.Errorf("manual outcome = %+v", final)
	}
	if len(engine.Open()) != 0 {
		t.Error("manually decided record should close")
	}
}

func TestResolve_ContextSwitchLastWriterWins(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	early := Intent{
		SessionID: "s1", ProjectID: "proj-1", Type: TypeContextSwitch,
		ResourceID: "context:proj-1", Proposed: "old context",
		At: time.Now().Add(-time.Minute),
	}
	late := Intent{
		SessionID: "s2", ProjectID: "proj-1", Type: TypeContextSwitch,
		ResourceID: "context:proj-1", Proposed: "new context",
		At: time.Now(),
	}
	if _, err := engine.ReportIntent(ctx, early); err != nil {
		t.Fatal(err)
	}
	rec, err := engine.ReportIntent(ctx, late)
	if err != nil || rec == nil {
		t.Fatalf("conflict not opened: %v", err)
	}

	out, err := engine.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Kind != OutcomeResolved || out.Strategy != StrategyLWW {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Merged != "new context" {
		t.Errorf("winner content = %q, want latest", out.Merged)
	}
	if len(out.Superseded) != 1 || out.Superseded[0] != "s1" {
		t.Errorf("superseded = %v, want [s1]", out.Superseded)
	}
}

func TestResolve_GitMergeSerializes(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	first := Intent{
		SessionID: "s1", ProjectID: "proj-1", Type: TypeGitMerge,
		ResourceID: "branch:main", Operation: "push",
		At: time.Now().Add(-time.Second),
	}
	second := Intent{
		SessionID: "s2", ProjectID: "proj-1", Type: TypeGitMerge,
		ResourceID: "branch:main", Operation: "push",
		At: time.Now(),
	}
	if _, err := engine.ReportIntent(ctx, first); err != nil {
		t.Fatal(err)
	}
	rec, err := engine.ReportIntent(ctx, second)
	if err != nil || rec == nil {
		t.Fatalf("conflict not opened: %v", err)
	}

	out, err := engine.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Kind != OutcomeResolved || out.Strategy != StrategySerialize {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Order) != 2 || out.Order[0] != "s1" || out.Order[1] != "s2" {
		t.Errorf("order = %v, want [s1 s2]", out.Order)
	}

	// A retried resolution returns the same plan.
	again, err := engine.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("retried Resolve failed: %v", err)
	}
	if len(again.Order) != 2 || again.Order[0] != out.Order[0] {
		t.Error("retried resolution should be idempotent")
	}
}

func TestResolve_StateDivergenceAlwaysEscalates(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	a := Intent{SessionID: "s1", ProjectID: "proj-1", Type: TypeStateDivergence, ResourceID: "state:proj-1", At: time.Now()}
	b := a
	b.SessionID = "s2"
	if _, err := engine.ReportIntent(ctx, a); err != nil {
		t.Fatal(err)
	}
	rec, err := engine.ReportIntent(ctx, b)
	if err != nil || rec == nil {
		t.Fatalf("conflict not opened: %v", err)
	}

	out, err := engine.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Kind != OutcomeEscalated {
		t.Errorf("outcome = %s, want escalated", out.Kind)
	}
}

func TestResolve_UnknownConflict(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.Resolve(context.Background(), "conflict-none")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Resolve = %v, want ErrNotFound", err)
	}
}

func TestResolve_ClosedConflictRejectsNewDirective(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ReportIntent(ctx, editIntent("s1", "file:/a.py", "x\n", "y\n")); err != nil {
		t.Fatal(err)
	}
	rec, err := engine.ReportIntent(ctx, editIntent("s2", "file:/a.py", "x\n", "x\ny\n"))
	if err != nil || rec == nil {
		t.Fatalf("conflict not opened: %v", err)
	}
	if _, err := engine.Resolve(ctx, rec.ID); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// A plain retry replays the recorded outcome.
	again, err := engine.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("retried Resolve failed: %v", err)
	}
	if again.Kind != OutcomeResolved {
		t.Fatalf("replayed outcome = %s, want resolved", again.Kind)
	}

	// A fresh decision against the closed record is rejected.
	if _, err := engine.Resolve(ctx, rec.ID, WithManualChoice("s1", "mine\n")); !errors.Is(err, errors.ErrConflictClosed) {
		t.Errorf("manual resolve of closed conflict = %v, want ErrConflictClosed", err)
	}
	if _, err := engine.Resolve(ctx, rec.ID, WithEscalation("second thoughts")); !errors.Is(err, errors.ErrConflictClosed) {
		t.Errorf("escalation of closed conflict = %v, want ErrConflictClosed", err)
	}
}

// A synchronous conflict_detected subscriber may call back into the
// engine without deadlocking.
func TestDetectionHandlerMayReenterEngine(t *testing.T) {
	engine, _, bus := newTestEngine(t)

	openSeen := make(chan int, 1)
	bus.Subscribe(event.KindConflictDetected, func(event.Event) {
		openSeen <- len(engine.Open())
	})

	engine.ReportContention(lock.Contention{
		ResourceID:  "file:/hot.py",
		Type:        lock.TypeFile,
		ProjectID:   "proj-1",
		HolderID:    "s1",
		RequesterID: "s2",
	})

	select {
	case n := <-openSeen:
		if n != 1 {
			t.Errorf("handler observed %d open records, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("conflict_detected handler never ran")
	}
}

// Contention between engine instances on a negotiation guard never
// opens a session-visible conflict record.
func TestContentionOnGuardKeyIgnored(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	engine.ReportContention(lock.Contention{
		ResourceID:  guardPrefix + "file:/a.py",
		Type:        lock.TypeExclusive,
		ProjectID:   "proj-1",
		HolderID:    "conflict-engine-aaaa",
		RequesterID: "conflict-engine-bbbb",
	})

	if open := engine.Open(); len(open) != 0 {
		t.Errorf("guard contention opened %d records, want 0", len(open))
	}
}

// Lock contention flows into the engine via the reporter hook, and the
// record closes when the contended lock is released.
func TestContentionLifecycle(t *testing.T) {
	st := store.NewMemoryStore()
	bus := event.NewBus()
	locks := lock.NewManager(st, bus)
	defer locks.Close()
	engine := NewEngine(locks, bus)
	defer engine.Close()
	// Wire the reporter the way the hub does.
	locksWithReporter := lock.NewManager(st, bus, lock.WithContentionReporter(engine))
	defer locksWithReporter.Close()
	ctx := context.Background()

	if _, err := locksWithReporter.Acquire(ctx, lock.Request{
		ResourceID: "file:/a.py", Type: lock.TypeFile,
		SessionID: "s1", ProjectID: "proj-1", TTL: time.Minute,
	}); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := locksWithReporter.Acquire(ctx, lock.Request{
		ResourceID: "file:/a.py", Type: lock.TypeFile,
		SessionID: "s2", ProjectID: "proj-1", TTL: time.Minute,
	}); !errors.Is(err, errors.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	open := engine.Open()
	if len(open) != 1 || open[0].Type != TypeResourceLock {
		t.Fatalf("open records = %+v, want one resource_lock conflict", open)
	}
	rec := open[0]

	// While held, resolution reports progress.
	out, err := engine.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Kind != OutcomeInProgress {
		t.Fatalf("outcome = %s, want in_progress", out.Kind)
	}
	if !strings.Contains(out.Detail, "s1") {
		t.Errorf("progress detail should name the holder: %q", out.Detail)
	}

	// Releasing the lock closes the record through the bus.
	if err := locksWithReporter.Release(ctx, "file:/a.py", lock.TypeFile, "s1", "proj-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if len(engine.Open()) != 0 {
		t.Error("contention record should close after release")
	}
	closed, err := engine.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get after close failed: %v", err)
	}
	if closed.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", closed.Status)
	}
}

func TestArchiveRing_Bounded(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		resource := "file:/" + string(rune('a'+i)) + ".py"
		if _, err := engine.ReportIntent(ctx, editIntent("s1", resource, "x\n", "y\n")); err != nil {
			t.Fatal(err)
		}
		rec, err := engine.ReportIntent(ctx, editIntent("s2", resource, "x\n", "x\ny\n"))
		if err != nil || rec == nil {
			t.Fatalf("conflict %d not opened: %v", i, err)
		}
		if _, err := engine.Resolve(ctx, rec.ID); err != nil {
			t.Fatal(err)
		}
	}

	small := newArchive(3)
	for _, rec := range engine.Archived() {
		small.add(rec)
	}
	if got := len(small.all()); got != 3 {
		t.Errorf("bounded archive holds %d, want 3", got)
	}

	// Newest first.
	archived := engine.Archived()
	if len(archived) != 5 {
		t.Fatalf("archived = %d, want 5", len(archived))
	}
	for i := 1; i < len(archived); i++ {
		if archived[i].ClosedAt.After(archived[i-1].ClosedAt) {
			t.Error("archive not ordered newest first")
		}
	}
}
