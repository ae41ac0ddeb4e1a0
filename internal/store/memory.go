package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/positivef/udo-coordination/internal/errors"
)

func init() {
	Register("mem", func(dsn string) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// memoryEntry is a stored value with an optional expiry deadline.
type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// subscriber buffer size. Publish drops messages for subscribers that fall
// this far behind; delivery is best-effort by contract.
const memorySubscriberBuffer = 64

type memorySubscriber struct {
	ch   chan string
	done <-chan struct{}
}

// MemoryStore is an in-process Store implementation. It serves tests and
// single-node deployments; all primitives are atomic under one mutex, so
// it is also the reference semantics the Postgres backend must match.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	subs    map[string][]*memorySubscriber
	closed  bool

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		subs:    make(map[string][]*memorySubscriber),
		now:     time.Now,
	}
}

// SetNX atomically sets key=value with ttl iff the key is absent.
func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, "", errors.ErrStoreUnavailable
	}

	now := m.now()
	if existing, ok := m.entries[key]; ok && !existing.expired(now) {
		return false, existing.value, nil
	}

	m.entries[key] = memoryEntry{value: value, expiresAt: deadline(now, ttl)}
	return true, "", nil
}

// Get returns the live value for key.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errors.ErrStoreUnavailable
	}

	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) {
		if ok {
			delete(m.entries, key)
		}
		return "", errors.ErrNotFound
	}
	return entry.value, nil
}

// Put unconditionally sets key=value with ttl.
func (m *MemoryStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrStoreUnavailable
	}

	m.entries[key] = memoryEntry{value: value, expiresAt: deadline(m.now(), ttl)}
	return nil
}

// CompareAndDelete deletes key iff its current value equals expect.
func (m *MemoryStore) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errors.ErrStoreUnavailable
	}

	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) || entry.value != expect {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// CompareAndExpire refreshes the ttl of key iff its value equals expect.
func (m *MemoryStore) CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errors.ErrStoreUnavailable
	}

	now := m.now()
	entry, ok := m.entries[key]
	if !ok || entry.expired(now) || entry.value != expect {
		return false, nil
	}
	entry.expiresAt = deadline(now, ttl)
	m.entries[key] = entry
	return true, nil
}

// Delete removes key unconditionally.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrStoreUnavailable
	}

	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) {
		delete(m.entries, key)
		return errors.ErrNotFound
	}
	delete(m.entries, key)
	return nil
}

// List returns all live entries with the given key prefix.
func (m *MemoryStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrStoreUnavailable
	}

	now := m.now()
	result := make(map[string]string)
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			result[key] = entry.value
		}
	}
	return result, nil
}

// Publish delivers payload to every subscriber of channel. Subscribers
// that have fallen behind their buffer lose the message.
func (m *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrStoreUnavailable
	}

	for _, sub := range m.subs[channel] {
		select {
		case <-sub.done:
		case sub.ch <- payload:
		default:
			// Subscriber buffer full; drop. Delivery is best-effort.
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel until ctx
// is canceled.
func (m *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.ErrStoreUnavailable
	}

	sub := &memorySubscriber{
		ch:   make(chan string, memorySubscriberBuffer),
		done: ctx.Done(),
	}
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.removeSubscriber(channel, sub)
		close(sub.ch)
	}()

	return sub.ch, nil
}

func (m *MemoryStore) removeSubscriber(channel string, sub *memorySubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[channel]
	for i, s := range subs {
		if s == sub {
			m.subs[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[channel]) == 0 {
		delete(m.subs, channel)
	}
}

// Close marks the store unavailable. Subsequent operations return
// errors.ErrStoreUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetClock overrides the store's time source. Test helper for TTL expiry
// without real sleeps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
