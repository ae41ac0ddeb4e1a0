package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/positivef/udo-coordination/internal/errors"
)

// Factory constructs a Store from a DSN.
type Factory func(dsn string) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// Register associates a DSN scheme with a backend factory. Registration of
// an empty scheme or nil factory is ignored.
func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

// Open constructs the backend selected by the DSN's scheme, e.g. "mem://"
// or "postgres://user@host/db".
func Open(dsn string) (Store, error) {
	scheme, _, found := strings.Cut(dsn, "://")
	if !found {
		return nil, fmt.Errorf("%w: DSN %q has no scheme", errors.ErrInvalidInput, dsn)
	}

	factory, ok := lookupFactory(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: no store backend registered for scheme %q", errors.ErrInvalidInput, scheme)
	}
	return factory(dsn)
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
