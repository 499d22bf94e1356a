package ttlstore

import (
	"sync"

	"github.com/unkn0wn-root/tiercache/internal/keymap"
)

// entry is an intrusive list element ordered by insertion (head = oldest).
type entry[K comparable, V any] struct {
	key K
	val V

	prev *entry[K, V]
	next *entry[K, V]

	// Absolute deadline in UnixNano; zero means no expiry.
	exp int64
	// Lifetime used to re-stamp exp on reads in rolling mode.
	ttl int64
	// Global insertion sequence; ascending from head to tail within a shard.
	seq uint64
}

func (e *entry[K, V]) expired(now int64) bool {
	return e.exp != 0 && now >= e.exp
}

type shard[K comparable, V any] struct {
	mu   sync.Mutex
	m    *keymap.Map[K, *entry[K, V]]
	head *entry[K, V]
	tail *entry[K, V]
}

func newShard[K comparable, V any](cmp keymap.Comparer[K]) *shard[K, V] {
	return &shard[K, V]{m: keymap.New[K, *entry[K, V]](cmp, 0)}
}

// pushBack appends e as the newest entry.
func (s *shard[K, V]) pushBack(e *entry[K, V]) {
	e.next = nil
	e.prev = s.tail
	if s.tail != nil {
		s.tail.next = e
	}
	s.tail = e
	if s.head == nil {
		s.head = e
	}
}

func (s *shard[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// removeLocked drops e from both the map and the list.
func (s *shard[K, V]) removeLocked(e *entry[K, V]) {
	s.m.Delete(e.key)
	s.unlink(e)
}

// sweepLocked removes expired entries and returns how many were dropped.
func (s *shard[K, V]) sweepLocked(now int64) int {
	n := 0
	for e := s.head; e != nil; {
		next := e.next
		if e.expired(now) {
			s.removeLocked(e)
			n++
		}
		e = next
	}
	return n
}

func (s *shard[K, V]) resetLocked(cmp keymap.Comparer[K]) int {
	n := s.m.Len()
	s.m = keymap.New[K, *entry[K, V]](cmp, 0)
	s.head, s.tail = nil, nil
	return n
}
