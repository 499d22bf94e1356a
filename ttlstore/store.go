// Package ttlstore is an in-memory tier with per-entry expiry.
//
// Entries expire at an absolute deadline, or, with Rolling set, a fixed
// lifetime after their last successful read. Expired entries are dropped
// lazily on read and by a background sweep. With MaxItems set, the oldest
// entries by insertion order are evicted asynchronously once the count
// exceeds the cap.
package ttlstore

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/internal/keymap"
)

const (
	defaultName          = "ttlstore"
	defaultSweepInterval = 5 * time.Second
	maxShards            = 256
)

// Options configure a Store. The zero value is usable.
type Options[K comparable] struct {
	Name     string                   // default "ttlstore"
	Comparer tiercache.KeyComparer[K] // nil => ==
	Rolling  bool                     // re-stamp the deadline on every hit
	MaxItems int                      // 0 => unbounded

	SweepInterval time.Duration // 0 => 5s; negative disables the sweep
	Shards        int           // rounded up to a power of two; 0 => based on GOMAXPROCS
	Clock         func() time.Time
}

// Store implements tiercache.Cache. Safe for concurrent use.
type Store[K comparable, V any] struct {
	name     string
	rolling  bool
	maxItems int
	cmp      keymap.Comparer[K]
	now      func() time.Time

	shards []*shard[K, V]
	mask   uint64
	count  atomic.Int64
	seq    atomic.Uint64

	ticker  *time.Ticker
	evictCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

var _ tiercache.Cache[string, int] = (*Store[string, int])(nil)

func New[K comparable, V any](opts Options[K]) *Store[K, V] {
	s := &Store[K, V]{
		name:     opts.Name,
		rolling:  opts.Rolling,
		maxItems: opts.MaxItems,
		now:      opts.Clock,
		evictCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	if s.name == "" {
		s.name = defaultName
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Comparer != nil {
		s.cmp = opts.Comparer
	}

	n := opts.Shards
	if n <= 0 {
		n = runtime.GOMAXPROCS(0) * 4
	}
	n = int(nextPow2(uint64(min(n, maxShards))))
	s.shards = make([]*shard[K, V], n)
	for i := range s.shards {
		s.shards[i] = newShard[K, V](s.cmp)
	}
	s.mask = uint64(n - 1)

	interval := opts.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	var tick <-chan time.Time
	if interval > 0 {
		s.ticker = time.NewTicker(interval)
		tick = s.ticker.C
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-tick:
				s.Sweep()
				s.evictOverflow()
			case <-s.evictCh:
				s.evictOverflow()
			case <-s.stopCh:
				return
			}
		}
	}()
	return s
}

func (s *Store[K, V]) Name() string { return s.name }

func (s *Store[K, V]) Type() string {
	if s.rolling {
		return "rolling-ttlstore"
	}
	return "ttlstore"
}

func (s *Store[K, V]) shardFor(k K) *shard[K, V] {
	var h uint64
	switch {
	case s.cmp != nil:
		h = s.cmp.Hash(k)
	default:
		if str, ok := any(k).(string); ok {
			h = xxhash.Sum64String(str)
		} else {
			h = keymap.Hash[K](nil, k)
		}
	}
	return s.shards[h&s.mask]
}

// Get returns the entry for key. An expired entry is removed and reported as a miss.
// In rolling mode a hit pushes the deadline out by the entry's TTL.
func (s *Store[K, V]) Get(_ context.Context, key K) (tiercache.GetResult[K, V], error) {
	return s.get(key, s.now().UnixNano()), nil
}

func (s *Store[K, V]) GetMany(_ context.Context, keys []K) ([]tiercache.GetResult[K, V], error) {
	now := s.now().UnixNano()
	out := make([]tiercache.GetResult[K, V], len(keys))
	for i, k := range keys {
		out[i] = s.get(k, now)
	}
	return out, nil
}

func (s *Store[K, V]) get(key K, now int64) tiercache.GetResult[K, V] {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m.Get(key)
	if !ok {
		sh.mu.Unlock()
		return tiercache.GetResult[K, V]{Key: key}
	}
	if e.expired(now) {
		sh.removeLocked(e)
		sh.mu.Unlock()
		s.count.Add(-1)
		return tiercache.GetResult[K, V]{Key: key}
	}
	if s.rolling && e.ttl > 0 {
		e.exp = now + e.ttl
	}
	r := tiercache.GetResult[K, V]{Key: key, Value: e.val, Found: true}
	if e.exp != 0 {
		r.TTL = time.Duration(e.exp - now)
	}
	sh.mu.Unlock()
	return r
}

// Set stores value under key. A non-positive ttl means the entry never expires.
// Overwriting a key counts as a fresh insertion for capacity eviction.
func (s *Store[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) error {
	s.set(key, value, ttl, s.now().UnixNano())
	s.signalOverflow()
	return nil
}

func (s *Store[K, V]) SetMany(_ context.Context, entries []tiercache.Entry[K, V], ttl time.Duration) error {
	now := s.now().UnixNano()
	for _, e := range entries {
		s.set(e.Key, e.Value, ttl, now)
	}
	s.signalOverflow()
	return nil
}

func (s *Store[K, V]) set(key K, value V, ttl time.Duration, now int64) {
	var exp, life int64
	if ttl > 0 {
		life = int64(ttl)
		exp = now + life
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	if e, ok := sh.m.Get(key); ok {
		e.val, e.exp, e.ttl = value, exp, life
		e.seq = s.seq.Add(1)
		sh.unlink(e)
		sh.pushBack(e)
		sh.mu.Unlock()
		return
	}
	e := &entry[K, V]{key: key, val: value, exp: exp, ttl: life, seq: s.seq.Add(1)}
	sh.m.Set(key, e)
	sh.pushBack(e)
	sh.mu.Unlock()
	s.count.Add(1)
}

func (s *Store[K, V]) Remove(_ context.Context, key K) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m.Get(key)
	if ok {
		sh.removeLocked(e)
	}
	sh.mu.Unlock()
	if ok {
		s.count.Add(-1)
	}
	return ok, nil
}

// Count returns the number of stored entries, including expired ones not yet swept.
func (s *Store[K, V]) Count() int { return int(s.count.Load()) }

// Clear drops every entry.
func (s *Store[K, V]) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		n := sh.resetLocked(s.cmp)
		sh.mu.Unlock()
		s.count.Add(-int64(n))
	}
}

// Sweep removes every expired entry now.
func (s *Store[K, V]) Sweep() {
	now := s.now().UnixNano()
	for _, sh := range s.shards {
		sh.mu.Lock()
		n := sh.sweepLocked(now)
		sh.mu.Unlock()
		if n > 0 {
			s.count.Add(-int64(n))
		}
	}
}

// Close stops the background loop. The store stays usable without it. Idempotent.
func (s *Store[K, V]) Close(context.Context) error {
	s.once.Do(func() {
		close(s.stopCh)
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.wg.Wait()
	})
	return nil
}

func (s *Store[K, V]) signalOverflow() {
	if s.maxItems <= 0 || s.Count() <= s.maxItems {
		return
	}
	select {
	case s.evictCh <- struct{}{}:
	default: // already pending
	}
}

// evictOverflow removes the oldest entries across all shards until Count is
// back at MaxItems. Writers racing with it may leave the store briefly above the cap.
func (s *Store[K, V]) evictOverflow() {
	if s.maxItems <= 0 {
		return
	}
	for s.Count() > s.maxItems {
		if !s.evictOldest() {
			return
		}
	}
}

func (s *Store[K, V]) evictOldest() bool {
	var (
		victim *shard[K, V]
		minSeq uint64
	)
	for _, sh := range s.shards {
		sh.mu.Lock()
		if sh.head != nil && (victim == nil || sh.head.seq < minSeq) {
			victim, minSeq = sh, sh.head.seq
		}
		sh.mu.Unlock()
	}
	if victim == nil {
		return false
	}

	victim.mu.Lock()
	e := victim.head
	// Head may have changed since the scan; evicting it is still oldest-first within the shard.
	if e != nil {
		victim.removeLocked(e)
	}
	victim.mu.Unlock()
	if e != nil {
		s.count.Add(-1)
	}
	return true
}

func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return x + 1
}
