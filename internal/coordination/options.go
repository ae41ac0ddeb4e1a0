package coordination

import (
	"github.com/positivef/udo-coordination/internal/store"
)

// hubConfig holds optional Hub settings.
type hubConfig struct {
	store  store.Store
	nodeID string
}

// Option configures optional Hub behavior.
type Option func(*hubConfig)

// WithStore injects an already opened store instead of opening one from
// the configured DSN. The hub does not close an injected store.
func WithStore(st store.Store) Option {
	return func(c *hubConfig) { c.store = st }
}

// WithNodeID overrides the derived node identity used in event
// envelopes.
func WithNodeID(id string) Option {
	return func(c *hubConfig) { c.nodeID = id }
}
