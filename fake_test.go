package tiercache

import (
	"context"
	"sync"
	"time"
)

type memItem[V any] struct {
	v   V
	ttl time.Duration
}

// memCache is an in-test tier that records what reached it.
type memCache[K comparable, V any] struct {
	name string
	typ  string

	mu       sync.Mutex
	m        map[K]memItem[V]
	getCalls int
	seen     [][]K // keys of every Get/GetMany call
	setCalls int

	getErr    error
	setErr    error
	removeErr error
	// reportTTL is returned as the remaining TTL of every hit when set.
	reportTTL time.Duration
	// gate, when non-nil, blocks reads until closed.
	gate chan struct{}
}

var _ Cache[string, int] = (*memCache[string, int])(nil)

func newMemCache[K comparable, V any](name string) *memCache[K, V] {
	return &memCache[K, V]{name: name, typ: "mem", m: make(map[K]memItem[V])}
}

func (c *memCache[K, V]) Name() string { return c.name }
func (c *memCache[K, V]) Type() string { return c.typ }

func (c *memCache[K, V]) read(ctx context.Context, keys []K) ([]GetResult[K, V], error) {
	c.mu.Lock()
	c.getCalls++
	c.seen = append(c.seen, append([]K(nil), keys...))
	gate, err := c.gate, c.getErr
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GetResult[K, V], len(keys))
	for i, k := range keys {
		out[i].Key = k
		if it, ok := c.m[k]; ok {
			out[i].Value, out[i].Found = it.v, true
			out[i].TTL = c.reportTTL
		}
	}
	return out, nil
}

func (c *memCache[K, V]) Get(ctx context.Context, key K) (GetResult[K, V], error) {
	res, err := c.read(ctx, []K{key})
	if err != nil {
		return GetResult[K, V]{Key: key}, err
	}
	return res[0], nil
}

func (c *memCache[K, V]) GetMany(ctx context.Context, keys []K) ([]GetResult[K, V], error) {
	return c.read(ctx, keys)
}

func (c *memCache[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCalls++
	if c.setErr != nil {
		return c.setErr
	}
	c.m[key] = memItem[V]{v: value, ttl: ttl}
	return nil
}

func (c *memCache[K, V]) SetMany(_ context.Context, entries []Entry[K, V], ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCalls++
	if c.setErr != nil {
		return c.setErr
	}
	for _, e := range entries {
		c.m[e.Key] = memItem[V]{v: e.Value, ttl: ttl}
	}
	return nil
}

func (c *memCache[K, V]) Remove(_ context.Context, key K) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removeErr != nil {
		return false, c.removeErr
	}
	_, ok := c.m[key]
	delete(c.m, key)
	return ok, nil
}

func (c *memCache[K, V]) put(k K, v V) {
	c.mu.Lock()
	c.m[k] = memItem[V]{v: v}
	c.mu.Unlock()
}

func (c *memCache[K, V]) item(k K) (memItem[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.m[k]
	return it, ok
}

func (c *memCache[K, V]) reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getCalls
}

func (c *memCache[K, V]) setErrTo(err error) {
	c.mu.Lock()
	c.setErr = err
	c.mu.Unlock()
}
