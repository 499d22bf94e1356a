// Package keymap provides a map whose key identity is decided by a pluggable
// comparer instead of Go's ==. It is not safe for concurrent use; callers
// guard it with their own locks.
package keymap

import "hash/maphash"

// Comparer decides key identity. Equal keys must hash equally.
type Comparer[K any] interface {
	Equal(a, b K) bool
	Hash(k K) uint64
}

var seed = maphash.MakeSeed()

// Hash returns cmp.Hash(k), or a process-seeded hash of k when cmp is nil.
func Hash[K comparable](cmp Comparer[K], k K) uint64 {
	if cmp != nil {
		return cmp.Hash(k)
	}
	return maphash.Comparable(seed, k)
}

type entry[K comparable, V any] struct {
	key K
	val V
}

// Map is a comparer-aware map. With a nil comparer it is a thin wrapper
// over a plain Go map.
type Map[K comparable, V any] struct {
	cmp     Comparer[K]
	plain   map[K]V
	buckets map[uint64][]entry[K, V]
	n       int
}

func New[K comparable, V any](cmp Comparer[K], hint int) *Map[K, V] {
	m := &Map[K, V]{cmp: cmp}
	if cmp == nil {
		m.plain = make(map[K]V, hint)
	} else {
		m.buckets = make(map[uint64][]entry[K, V], hint)
	}
	return m
}

// Get returns the value stored under a key equal to k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	if m.cmp == nil {
		v, ok := m.plain[k]
		return v, ok
	}
	for _, e := range m.buckets[m.cmp.Hash(k)] {
		if m.cmp.Equal(e.key, k) {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// Set stores v under k, replacing the value of an equal key.
// The first-stored key is kept as the canonical one. Reports whether k was new.
func (m *Map[K, V]) Set(k K, v V) bool {
	if m.cmp == nil {
		_, exists := m.plain[k]
		m.plain[k] = v
		return !exists
	}
	h := m.cmp.Hash(k)
	b := m.buckets[h]
	for i := range b {
		if m.cmp.Equal(b[i].key, k) {
			b[i].val = v
			return false
		}
	}
	m.buckets[h] = append(b, entry[K, V]{key: k, val: v})
	m.n++
	return true
}

// Delete removes the entry equal to k and returns its value.
func (m *Map[K, V]) Delete(k K) (V, bool) {
	if m.cmp == nil {
		v, ok := m.plain[k]
		if ok {
			delete(m.plain, k)
		}
		return v, ok
	}
	h := m.cmp.Hash(k)
	b := m.buckets[h]
	for i := range b {
		if m.cmp.Equal(b[i].key, k) {
			v := b[i].val
			last := len(b) - 1
			b[i] = b[last]
			b[last] = entry[K, V]{}
			if last == 0 {
				delete(m.buckets, h)
			} else {
				m.buckets[h] = b[:last]
			}
			m.n--
			return v, true
		}
	}
	var zero V
	return zero, false
}

func (m *Map[K, V]) Len() int {
	if m.cmp == nil {
		return len(m.plain)
	}
	return m.n
}

// Range calls fn for every entry until fn returns false.
// fn must not mutate the map.
func (m *Map[K, V]) Range(fn func(k K, v V) bool) {
	if m.cmp == nil {
		for k, v := range m.plain {
			if !fn(k, v) {
				return
			}
		}
		return
	}
	for _, b := range m.buckets {
		for _, e := range b {
			if !fn(e.key, e.val) {
				return
			}
		}
	}
}

// Dedupe returns keys with later duplicates (under cmp) removed,
// preserving first-occurrence order. The input is not modified.
func Dedupe[K comparable](cmp Comparer[K], keys []K) []K {
	seen := New[K, struct{}](cmp, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if seen.Set(k, struct{}{}) {
			out = append(out, k)
		}
	}
	return out
}
