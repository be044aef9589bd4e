// Package store provides durable namespaced key-value storage for
// sessions, preferences and blacklists.
package store

import (
	"context"
	"time"
)

// KV is a namespaced key-value store with optional per-entry TTL.
// Implementations must be safe for concurrent use.
type KV interface {
	// Get retrieves the value for key in namespace ns.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, ns, key string) ([]byte, error)

	// Set stores value under key in namespace ns. A ttl of zero means
	// the entry never expires.
	Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error

	// Delete removes key from namespace ns.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, ns, key string) error

	// List returns all live keys in namespace ns.
	List(ctx context.Context, ns string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}
