package tiercache

import (
	"context"
	"time"
)

// Tier identifies where a cache sits in the lookup order.
type Tier uint8

const (
	TierLocal Tier = iota + 1
	TierDistributed
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierDistributed:
		return "distributed"
	default:
		return "unknown"
	}
}

// StatusCode carries auxiliary signals of a read, independent of Found.
type StatusCode uint8

const (
	StatusOK StatusCode = 0
	// StatusDuplicate marks a result obtained by joining another caller's read.
	StatusDuplicate StatusCode = 1 << 0
)

// GetResult is the outcome of reading one key from a tier.
type GetResult[K comparable, V any] struct {
	Key    K
	Value  V
	Found  bool
	Status StatusCode
	// TTL is the remaining lifetime reported by the tier, 0 when unknown.
	TTL time.Duration
}

func (r GetResult[K, V]) Duplicate() bool { return r.Status&StatusDuplicate != 0 }

// Entry is one key/value pair of a bulk write.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Cache is the contract every tier and every decorator implements.
// GetMany returns one result per requested key, aligned with keys.
// In-process tiers may ignore ctx.
type Cache[K comparable, V any] interface {
	Name() string
	Type() string

	Get(ctx context.Context, key K) (GetResult[K, V], error)
	GetMany(ctx context.Context, keys []K) ([]GetResult[K, V], error)
	Set(ctx context.Context, key K, value V, ttl time.Duration) error
	SetMany(ctx context.Context, entries []Entry[K, V], ttl time.Duration) error
	Remove(ctx context.Context, key K) (bool, error)
}

func misses[K comparable, V any](keys []K) []GetResult[K, V] {
	out := make([]GetResult[K, V], len(keys))
	for i, k := range keys {
		out[i].Key = k
	}
	return out
}
