package tiercache

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Registry owns the in-flight gauges of a set of caches. Create one at startup,
// pass it through Options.Registry and Close it at shutdown.
type Registry struct {
	mu       sync.Mutex
	counters map[uuid.UUID]*InFlightCounter
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[uuid.UUID]*InFlightCounter)}
}

// InFlightCounter is a live gauge of operations currently inside one tier.
type InFlightCounter struct {
	id        uuid.UUID
	cacheName string
	cacheType string
	tier      Tier
	n         atomic.Int64
	reg       atomic.Pointer[Registry]
}

// InFlightSample is a point-in-time reading of one counter.
type InFlightSample struct {
	ID        uuid.UUID
	CacheName string
	CacheType string
	Tier      Tier
	InFlight  int64
}

// Register creates a counter for a cache. After Close the counter is still
// usable but detached from the registry.
func (r *Registry) Register(cacheName, cacheType string, tier Tier) *InFlightCounter {
	c := &InFlightCounter{
		id:        uuid.New(),
		cacheName: cacheName,
		cacheType: cacheType,
		tier:      tier,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		c.reg.Store(r)
		r.counters[c.id] = c
	}
	return c
}

// Len returns the number of registered counters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counters)
}

// Snapshot returns every registered counter ordered by cache name, then tier.
func (r *Registry) Snapshot() []InFlightSample {
	r.mu.Lock()
	out := make([]InFlightSample, 0, len(r.counters))
	for _, c := range r.counters {
		out = append(out, InFlightSample{
			ID:        c.id,
			CacheName: c.cacheName,
			CacheType: c.cacheType,
			Tier:      c.tier,
			InFlight:  c.n.Load(),
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CacheName != out[j].CacheName {
			return out[i].CacheName < out[j].CacheName
		}
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Close drops every counter. Idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.counters {
		c.reg.Store(nil)
		delete(r.counters, id)
	}
	r.closed = true
}

func (c *InFlightCounter) ID() uuid.UUID { return c.id }
func (c *InFlightCounter) Value() int64  { return c.n.Load() }

func (c *InFlightCounter) add(d int64) { c.n.Add(d) }

// Unregister removes the counter from its registry. Idempotent.
func (c *InFlightCounter) Unregister() {
	r := c.reg.Load()
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.reg.CompareAndSwap(r, nil) {
		delete(r.counters, c.id)
	}
}
