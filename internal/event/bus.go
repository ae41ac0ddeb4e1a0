package event

import (
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles an event.
type Handler func(Event)

// subscription represents a registered event handler.
type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// TopicSubscription is a channel-based subscription to a single topic.
// The subscriber reads events from C until Cancel is called; after Cancel,
// C is closed. A slow subscriber loses the oldest buffered events first;
// delivery is at-least-once locally with best-effort ordering, and missed
// events are not replayed (reconnecting subscribers re-fetch state via a
// snapshot instead).
type TopicSubscription struct {
	C <-chan Event

	id    string
	topic string
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

// Cancel removes the subscription and closes C. Safe to call multiple times.
func (s *TopicSubscription) Cancel() {
	s.once.Do(func() {
		s.bus.removeTopicSub(s)
		close(s.ch)
	})
}

// Topic returns the topic this subscription follows.
func (s *TopicSubscription) Topic() string { return s.topic }

// Bus is the event broadcaster. Handler subscriptions are dispatched
// synchronously (internal components reacting to state changes); topic
// subscriptions are buffered channel streams (sessions and the
// notification interface).
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	topicSubs     map[string][]*TopicSubscription
	nextID        atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[string][]subscription),
		topicSubs:     make(map[string][]*TopicSubscription),
	}
}

// Subscribe registers a handler for a specific event kind.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.generateID()
	sub := subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	}

	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)
	return id
}

// SubscribeAll registers a handler called for every published event.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a handler subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// SubscribeTopic opens a buffered channel stream of events on one topic.
// buffer <= 0 uses a default of 64.
func (b *Bus) SubscribeTopic(topic string, buffer int) *TopicSubscription {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &TopicSubscription{
		id:    b.generateID(),
		topic: topic,
		ch:    make(chan Event, buffer),
		bus:   b,
	}
	sub.C = sub.ch
	b.topicSubs[topic] = append(b.topicSubs[topic], sub)
	return sub
}

func (b *Bus) removeTopicSub(sub *TopicSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topicSubs[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.topicSubs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topicSubs[sub.topic]) == 0 {
		delete(b.topicSubs, sub.topic)
	}
}

// Publish dispatches an event to all registered handlers and topic
// streams. Specific handlers are called first, then wildcard handlers, in
// registration order. A panicking handler is logged and skipped. Topic
// streams receive the event after handlers; a full stream drops its oldest
// buffered event to make room.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	eventType := event.EventType()

	specificSubs := make([]subscription, len(b.subscriptions[eventType]))
	copy(specificSubs, b.subscriptions[eventType])

	wildcardSubs := make([]subscription, len(b.subscriptions["*"]))
	copy(wildcardSubs, b.subscriptions["*"])

	topicSubs := make([]*TopicSubscription, len(b.topicSubs[event.Topic()]))
	copy(topicSubs, b.topicSubs[event.Topic()])

	b.mu.RUnlock()

	for _, sub := range specificSubs {
		b.safeCall(sub.handler, event)
	}
	for _, sub := range wildcardSubs {
		b.safeCall(sub.handler, event)
	}
	for _, sub := range topicSubs {
		b.offer(sub, event)
	}
}

// offer pushes an event into a topic stream, evicting the oldest buffered
// event if the subscriber has fallen behind.
func (b *Bus) offer(sub *TopicSubscription, event Event) {
	defer func() {
		// Send on a channel closed by a concurrent Cancel; the
		// subscription is gone and the event is dropped with it.
		_ = recover()
	}()

	select {
	case sub.ch <- event:
		return
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- event:
	default:
	}
}

// safeCall invokes a handler and recovers from any panics so one
// misbehaving handler cannot block delivery to the others.
func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for event %s: %v\n%s",
				event.EventType(), r, debug.Stack())
		}
	}()
	handler(event)
}

// generateID creates a unique subscription ID.
func (b *Bus) generateID() string {
	id := b.nextID.Add(1)
	return string(rune('a'+id%26)) + string(rune('0'+id/26%10)) + string(rune('a'+id/260%26))
}

// Clear removes all subscriptions, closing topic streams.
func (b *Bus) Clear() {
	b.mu.Lock()
	var topicSubs []*TopicSubscription
	for _, subs := range b.topicSubs {
		topicSubs = append(topicSubs, subs...)
	}
	b.subscriptions = make(map[string][]subscription)
	b.mu.Unlock()

	for _, sub := range topicSubs {
		sub.Cancel()
	}
}

// SubscriptionCount returns the total number of active handler
// subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

// TopicSubscriberCount returns the number of open streams on a topic.
func (b *Bus) TopicSubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topicSubs[topic])
}
