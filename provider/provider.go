// Package provider defines the byte-store abstraction behind tiercache's
// provider-backed tiers.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation). If a store performs internal transforms
// (e.g., compression), they MUST be fully reversed.
//
// Important: keys under a tier's namespace ("<ns>:") are owned by tiercache.
// Foreign writes fail wire-format validation and are deleted on read.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost or ttl if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key and reports whether it was present, when the store
	// can tell. Stores that cannot tell return true.
	Del(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close(ctx context.Context) error
}

// Item is one write of a batch.
type Item struct {
	Key   string
	Value []byte
	Cost  int64
}

// Batch is implemented by providers that can serve several keys in one round trip.
type Batch interface {
	// GetMany returns values aligned with keys; a nil element is a miss.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)

	// SetMany writes every item with the same TTL.
	SetMany(ctx context.Context, items []Item, ttl time.Duration) error
}
