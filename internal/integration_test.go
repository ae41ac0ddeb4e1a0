// Package internal contains integration tests that verify the coordination
// packages work together correctly: lock manager, session registry, and
// conflict engine communicating over the shared store and event bus.
package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/positivef/udo-coordination/internal/conflict"
	"github.com/positivef/udo-coordination/internal/errors"
	"github.com/positivef/udo-coordination/internal/event"
	"github.com/positivef/udo-coordination/internal/lock"
	"github.com/positivef/udo-coordination/internal/session"
	"github.com/positivef/udo-coordination/internal/store"
)

type stack struct {
	st       *store.MemoryStore
	bus      *event.Bus
	locks    *lock.Manager
	engine   *conflict.Engine
	registry *session.Registry
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st := store.NewMemoryStore()
	bus := event.NewBus()
	locks := lock.NewManager(st, bus)
	engine := conflict.NewEngine(locks, bus)
	locks.SetContentionReporter(engine)
	registry := session.NewRegistry(st, locks, bus)
	t.Cleanup(func() {
		engine.Close()
		locks.Close()
		_ = st.Close()
	})
	return &stack{st: st, bus: bus, locks: locks, engine: engine, registry: registry}
}

// TestDeregisterFreesContestedResource exercises the full handover path:
// a session that holds a lock deregisters, the release event flows over
// the bus, and a waiting session acquires the freed resource.
func TestDeregisterFreesContestedResource(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	a, err := s.registry.Register(ctx, "proj", nil)
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	b, err := s.registry.Register(ctx, "proj", nil)
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	if _, err := s.locks.Acquire(ctx, lock.Request{
		ResourceID: "file:shared.go",
		Type:       lock.TypeFile,
		SessionID:  a.ID,
		ProjectID:  "proj",
		TTL:        time.Minute,
	}); err != nil {
		t.Fatalf("acquire for a: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := s.locks.Acquire(ctx, lock.Request{
			ResourceID:  "file:shared.go",
			Type:        lock.TypeFile,
			SessionID:   b.ID,
			ProjectID:   "proj",
			TTL:         time.Minute,
			Wait:        true,
			WaitTimeout: 5 * time.Second,
		})
		acquired <- err
	}()

	// Give the waiter time to park before releasing.
	time.Sleep(50 * time.Millisecond)

	released, err := s.registry.Deregister(ctx, a.ID)
	if err != nil {
		t.Fatalf("deregister a: %v", err)
	}
	if len(released) != 1 {
		t.Fatalf("expected 1 released lock, got %v", released)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiting acquire after handover: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiting acquire did not complete after deregistration")
	}

	holder, err := s.locks.Holder(ctx, "file:shared.go", lock.TypeFile)
	if err != nil {
		t.Fatalf("holder lookup: %v", err)
	}
	if holder != b.ID {
		t.Fatalf("expected %s to hold the lock, got %s", b.ID, holder)
	}
}

// TestContentionFlowsToConflictEngine verifies that a fail-fast denial
// produces an open conflict record and that releasing the lock closes it
// through the bus subscription, without the engine polling anything.
func TestContentionFlowsToConflictEngine(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	a, _ := s.registry.Register(ctx, "proj", nil)
	b, _ := s.registry.Register(ctx, "proj", nil)

	req := lock.Request{
		ResourceID: "file:hot.go",
		Type:       lock.TypeFile,
		SessionID:  a.ID,
		ProjectID:  "proj",
		TTL:        time.Minute,
	}
	if _, err := s.locks.Acquire(ctx, req); err != nil {
		t.Fatalf("initial acquire: %v", err)
	}
	req.SessionID = b.ID
	if _, err := s.locks.Acquire(ctx, req); !errors.Is(err, errors.ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}

	open := s.engine.Open()
	if len(open) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(open))
	}
	if open[0].Type != conflict.TypeResourceLock {
		t.Fatalf("expected resource_lock conflict, got %s", open[0].Type)
	}

	if err := s.locks.Release(ctx, "file:hot.go", lock.TypeFile, a.ID, "proj"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := len(s.engine.Open()); got != 0 {
		t.Fatalf("expected conflict to close on release, %d still open", got)
	}
	rec, err := s.engine.Get(open[0].ID)
	if err != nil {
		t.Fatalf("archived lookup: %v", err)
	}
	if rec.Status != conflict.StatusResolved {
		t.Fatalf("expected archived record resolved, got %s", rec.Status)
	}
}

// TestEventBusCarriesLifecycle subscribes the way a notification client
// would and checks that session and lock operations emit their events.
func TestEventBusCarriesLifecycle(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	var mu sync.Mutex
	kinds := map[string]int{}
	s.bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		kinds[e.EventType()]++
		mu.Unlock()
	})

	a, _ := s.registry.Register(ctx, "proj", nil)
	if _, err := s.locks.Acquire(ctx, lock.Request{
		ResourceID: "file:a.go",
		Type:       lock.TypeFile,
		SessionID:  a.ID,
		ProjectID:  "proj",
		TTL:        time.Minute,
	}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.locks.Release(ctx, "file:a.go", lock.TypeFile, a.ID, "proj"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.registry.Deregister(ctx, a.ID); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, kind := range []string{
		event.KindSessionConnected,
		event.KindLockAcquired,
		event.KindLockReleased,
	} {
		if kinds[kind] == 0 {
			t.Errorf("expected at least one %s event, got none", kind)
		}
	}
}
