package coordination

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/positivef/udo-coordination/internal/config"
	"github.com/positivef/udo-coordination/internal/conflict"
	"github.com/positivef/udo-coordination/internal/event"
	"github.com/positivef/udo-coordination/internal/lock"
	"github.com/positivef/udo-coordination/internal/logging"
	"github.com/positivef/udo-coordination/internal/session"
	"github.com/positivef/udo-coordination/internal/store"
	"github.com/positivef/udo-coordination/internal/watch"
)

// Config holds required dependencies for creating a Hub.
type Config struct {
	Settings *config.Config
	Logger   *logging.Logger
}

// Hub wires the coordination components together for one node. It owns
// the lifecycle of the relay, the session sweeper, and the watcher.
type Hub struct {
	mu      sync.RWMutex
	started bool
	cancel  context.CancelFunc

	// sweeperDone is closed when the session sweep goroutine exits.
	sweeperDone chan struct{}

	// followSubID is the bus subscription that follows a project's
	// store topic whenever a session of that project connects.
	followSubID string

	nodeID string
	logger *logging.Logger

	// Components
	st       store.Store
	ownStore bool
	bus      *event.Bus
	relay    *event.Relay
	locks    *lock.Manager
	engine   *conflict.Engine
	registry *session.Registry
	watcher  *watch.Watcher
}

// NewHub builds a Hub from configuration: it opens the store, then
// wires the bus, relay, lock manager, conflict engine, session
// registry, and (when enabled) the workspace watcher.
func NewHub(cfg Config, opts ...Option) (*Hub, error) {
	if cfg.Settings == nil {
		return nil, errors.New("coordination: Settings is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	hc := &hubConfig{}
	for _, opt := range opts {
		opt(hc)
	}

	st := hc.store
	ownStore := false
	if st == nil {
		opened, err := store.Open(cfg.Settings.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("coordination: open store: %w", err)
		}
		st = opened
		ownStore = true
	}

	nodeID := hc.nodeID
	if nodeID == "" {
		nodeID = defaultNodeID()
	}

	bus := event.NewBus()
	relay := event.NewRelay(bus, st, logger.WithComponent("relay"), nodeID)

	locks := lock.NewManager(st, bus,
		lock.WithLogger(logger.WithComponent("lock")),
	)
	engine := conflict.NewEngine(locks, bus,
		conflict.WithEngineLogger(logger.WithComponent("conflict")),
		conflict.WithArchiveSize(cfg.Settings.Conflict.ArchiveSize),
	)
	locks.SetContentionReporter(engine)

	registry := session.NewRegistry(st, locks, bus,
		session.WithLogger(logger.WithComponent("session")),
		session.WithHeartbeatInterval(cfg.Settings.Session.HeartbeatInterval()),
	)

	var watcher *watch.Watcher
	if cfg.Settings.Watch.Enabled {
		w, err := watch.New(engine,
			watch.WithLogger(logger.WithComponent("watch")),
			watch.WithIgnore(cfg.Settings.Watch.Ignore...),
		)
		if err != nil {
			if ownStore {
				_ = st.Close()
			}
			return nil, fmt.Errorf("coordination: create watcher: %w", err)
		}
		watcher = w
	}

	return &Hub{
		nodeID:   nodeID,
		logger:   logger,
		st:       st,
		ownStore: ownStore,
		bus:      bus,
		relay:    relay,
		locks:    locks,
		engine:   engine,
		registry: registry,
		watcher:  watcher,
	}, nil
}

// NodeID identifies this hub instance in cross-node event envelopes.
func (h *Hub) NodeID() string { return h.nodeID }

// Store returns the shared state store.
func (h *Hub) Store() store.Store { return h.st }

// Bus returns the local event bus.
func (h *Hub) Bus() *event.Bus { return h.bus }

// Relay returns the cross-node event relay.
func (h *Hub) Relay() *event.Relay { return h.relay }

// Locks returns the lock manager.
func (h *Hub) Locks() *lock.Manager { return h.locks }

// Conflicts returns the conflict engine.
func (h *Hub) Conflicts() *conflict.Engine { return h.engine }

// Sessions returns the session registry.
func (h *Hub) Sessions() *session.Registry { return h.registry }

// Watcher returns the workspace watcher, or nil when disabled.
func (h *Hub) Watcher() *watch.Watcher { return h.watcher }

// Start launches the relay, the session sweeper, and the watcher.
// Returns an error if the hub is already started.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.New("coordination: hub already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.started = true
	h.sweeperDone = make(chan struct{})

	if err := h.relay.Start(ctx); err != nil {
		cancel()
		h.started = false
		return fmt.Errorf("coordination: start relay: %w", err)
	}

	// Every connecting session pulls its project's store topic into the
	// relay, so cross-node lock events reach local waiters without any
	// websocket subscriber being attached. Remote session_connected
	// events arrive on the always-followed session topic and take the
	// same path.
	h.followSubID = h.bus.Subscribe(event.KindSessionConnected, func(e event.Event) {
		connected, ok := e.(event.SessionConnectedEvent)
		if !ok {
			return
		}
		if err := h.relay.FollowProject(connected.ProjectID); err != nil {
			h.logger.Warn("follow project topic",
				"project_id", connected.ProjectID, "error", err)
		}
	})

	go func() {
		defer close(h.sweeperDone)
		h.registry.Run(ctx)
	}()

	if h.watcher != nil {
		h.watcher.Start(ctx)
	}

	h.logger.Info("coordination hub started", "node_id", h.nodeID)
	return nil
}

// Stop stops all components in reverse order. It is idempotent.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	// Cancel context to unblock the sweeper and watcher loops.
	h.cancel()

	if h.watcher != nil {
		h.watcher.Stop()
	}
	<-h.sweeperDone
	h.bus.Unsubscribe(h.followSubID)
	h.relay.Stop()
	h.engine.Close()
	h.locks.Close()
	if h.ownStore {
		if err := h.st.Close(); err != nil {
			h.logger.Warn("store close failed", "error", err)
		}
	}

	h.started = false
	h.logger.Info("coordination hub stopped", "node_id", h.nodeID)
	return nil
}

// Running returns whether the hub is currently started.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// defaultNodeID derives a stable-enough identity for event envelopes:
// hostname plus random suffix so two nodes on one host stay distinct.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "node"
	}
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return host + "-" + hex.EncodeToString(b)
}
