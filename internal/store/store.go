// Package store abstracts the shared state store that backs all lock and
// session state. The store is the single source of truth: it survives
// restarts of any one coordination node, and every mutation goes through
// atomic single-operation primitives, never read-modify-write sequences
// split across network round trips.
//
// Two backends are provided: an in-process memory backend (scheme "mem")
// for tests and single-node deployments, and a Postgres backend (scheme
// "postgres") where every primitive is a single SQL statement and pub/sub
// rides on LISTEN/NOTIFY.
package store

import (
	"context"
	"time"
)

// Store is the interface all shared state backends implement.
//
// Keys are namespaced strings ("lock:{resource}:{type}", "session:{id}",
// "primary:{project}"). A zero ttl means the key does not expire. Expired
// keys are treated as absent by every operation.
type Store interface {
	// SetNX atomically sets key=value with ttl iff the key is absent.
	// On contention it returns ok=false and the current value.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (ok bool, current string, err error)

	// Get returns the value for key, or errors.ErrNotFound if the key is
	// absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Put unconditionally sets key=value with ttl. Used for session
	// metadata refresh where last-writer-wins is acceptable.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// CompareAndDelete deletes key iff its current value equals expect.
	// Returns ok=false if the key is absent or holds a different value.
	// The check and the delete are a single store-side operation.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// CompareAndExpire refreshes the ttl of key iff its current value
	// equals expect. Returns ok=false if the key is absent or holds a
	// different value.
	CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error)

	// Delete removes key unconditionally. Deleting an absent key returns
	// errors.ErrNotFound.
	Delete(ctx context.Context, key string) error

	// List returns all live key/value pairs whose key has the given prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)

	// Publish sends payload to every subscriber of channel, including
	// subscribers on other nodes sharing the same backend.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe returns a channel of payloads published to channel. The
	// subscription ends when ctx is canceled; the returned channel is then
	// closed. Messages published while no subscriber is attached are not
	// replayed.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)

	// Close releases backend resources. The store must not be used after.
	Close() error
}

// Key namespaces as laid out in the shared store.
const (
	lockKeyPrefix    = "lock:"
	sessionKeyPrefix = "session:"
	primaryKeyPrefix = "primary:"
)

// LockKey returns the store key for a (resource, lock type) pair.
func LockKey(resourceID, lockType string) string {
	return lockKeyPrefix + resourceID + ":" + lockType
}

// LockKeyPrefix returns the prefix covering every lock type for a resource.
func LockKeyPrefix(resourceID string) string {
	return lockKeyPrefix + resourceID + ":"
}

// SessionKey returns the store key for a session record.
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// SessionKeyPrefix returns the prefix covering all session records.
func SessionKeyPrefix() string {
	return sessionKeyPrefix
}

// SessionIDFromKey extracts the session id from a session record key.
func SessionIDFromKey(key string) string {
	if len(key) <= len(sessionKeyPrefix) {
		return ""
	}
	return key[len(sessionKeyPrefix):]
}

// PrimaryKey returns the key used to elect the primary session of a
// project. Election is a SetNX on this key, the same atomic primitive
// resource locking uses.
func PrimaryKey(projectID string) string {
	return primaryKeyPrefix + projectID
}
