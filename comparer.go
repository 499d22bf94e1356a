package tiercache

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/tiercache/internal/keymap"
)

// KeyComparer decides key identity for deduplication and in-memory tiers.
// Equal keys must produce equal hashes.
type KeyComparer[K any] interface {
	Equal(a, b K) bool
	Hash(k K) uint64
}

type defaultComparer[K comparable] struct{}

func (defaultComparer[K]) Equal(a, b K) bool { return a == b }
func (defaultComparer[K]) Hash(k K) uint64   { return keymap.Hash[K](nil, k) }

// DefaultComparer compares keys with == and hashes them with a process-seeded hash.
func DefaultComparer[K comparable]() KeyComparer[K] { return defaultComparer[K]{} }

// StringComparer compares string keys, optionally ignoring case.
type StringComparer struct {
	IgnoreCase bool
}

func (c StringComparer) Equal(a, b string) bool {
	if c.IgnoreCase {
		return strings.ToLower(a) == strings.ToLower(b)
	}
	return a == b
}

func (c StringComparer) Hash(k string) uint64 {
	if c.IgnoreCase {
		k = strings.ToLower(k)
	}
	return xxhash.Sum64String(k)
}

// asKeymap converts to the internal comparer; nil stays nil so keymap uses ==.
func asKeymap[K comparable](c KeyComparer[K]) keymap.Comparer[K] {
	if c == nil {
		return nil
	}
	return c
}
