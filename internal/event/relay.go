package event

import (
	"context"
	"sync"

	"github.com/positivef/udo-coordination/internal/logging"
	"github.com/positivef/udo-coordination/internal/store"
)

// Relay mirrors locally published events into the shared state store's
// pub/sub channels and injects events published by other nodes into the
// local bus. Every node relays the session and conflicts topics; project
// topics are followed on demand as sessions register.
type Relay struct {
	bus    *Bus
	store  store.Store
	logger *logging.Logger
	origin string // this node's id; remote envelopes carrying it are ignored

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	busSubID string
	topics   map[string]context.CancelFunc
	wg       sync.WaitGroup
	ctx      context.Context
}

// NewRelay creates a Relay identified by origin.
func NewRelay(bus *Bus, st store.Store, logger *logging.Logger, origin string) *Relay {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Relay{
		bus:    bus,
		store:  st,
		logger: logger.WithComponent("relay"),
		origin: origin,
		topics: make(map[string]context.CancelFunc),
	}
}

// Start begins mirroring. The relay follows the session and conflicts
// topics immediately; call FollowProject for each project of interest.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	r.ctx = ctx
	r.cancel = cancel
	r.started = true

	r.busSubID = r.bus.SubscribeAll(r.mirror)

	if err := r.followLocked(TopicSession); err != nil {
		r.stopLocked()
		return err
	}
	if err := r.followLocked(TopicConflicts); err != nil {
		r.stopLocked()
		return err
	}
	return nil
}

// FollowProject subscribes the relay to a project topic so lock events
// from other nodes reach local waiters. Idempotent per project.
func (r *Relay) FollowProject(projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	return r.followLocked(ProjectTopic(projectID))
}

func (r *Relay) followLocked(topic string) error {
	if _, ok := r.topics[topic]; ok {
		return nil
	}

	subCtx, subCancel := context.WithCancel(r.ctx)
	ch, err := r.store.Subscribe(subCtx, topic)
	if err != nil {
		subCancel()
		return err
	}
	r.topics[topic] = subCancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for payload := range ch {
			e, env, err := DecodeRemote([]byte(payload))
			if err != nil {
				r.logger.Warn("dropping undecodable remote event", "topic", topic, "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue // our own mirror echoed back
			}
			r.bus.Publish(e)
		}
	}()
	return nil
}

// mirror forwards a locally produced event into the store channel for its
// topic. Remote events are not re-mirrored.
func (r *Relay) mirror(e Event) {
	if IsRemote(e) {
		return
	}

	payload, err := Encode(e, r.origin)
	if err != nil {
		r.logger.Error("failed to encode event for relay", "kind", e.EventType(), "error", err)
		return
	}
	if err := r.store.Publish(r.ctx, e.Topic(), string(payload)); err != nil {
		r.logger.Warn("failed to mirror event to store", "kind", e.EventType(), "topic", e.Topic(), "error", err)
	}
}

// Stop halts mirroring and waits for subscription goroutines to drain.
// Idempotent.
func (r *Relay) Stop() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Relay) stopLocked() {
	if !r.started {
		return
	}
	r.started = false
	r.bus.Unsubscribe(r.busSubID)
	for topic, cancel := range r.topics {
		cancel()
		delete(r.topics, topic)
	}
	r.cancel()
}
