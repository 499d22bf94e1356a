package tiercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/tiercache/internal/singleflight"
)

// Middleware wraps a cache with one extra behavior.
type Middleware[K comparable, V any] func(Cache[K, V]) Cache[K, V]

type forward[K comparable, V any] struct{ next Cache[K, V] }

func (f forward[K, V]) Name() string { return f.next.Name() }
func (f forward[K, V]) Type() string { return f.next.Type() }

func entryKeys[K comparable, V any](entries []Entry[K, V]) []K {
	keys := make([]K, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// formatCache turns any tier error into a *CacheError.
type formatCache[K comparable, V any] struct {
	forward[K, V]
	tier      Tier
	keyString func(K) string
}

func (c *formatCache[K, V]) wrap(op Op, keys []K, err error) error {
	if err == nil {
		return nil
	}
	var ce *CacheError
	if errors.As(err, &ce) {
		return err
	}
	return &CacheError{
		Op:        op,
		CacheName: c.next.Name(),
		CacheType: c.next.Type(),
		Tier:      c.tier,
		Keys:      keyStrings(keys, c.keyString),
		Err:       err,
	}
}

func (c *formatCache[K, V]) Get(ctx context.Context, key K) (GetResult[K, V], error) {
	r, err := c.next.Get(ctx, key)
	return r, c.wrap(OpGet, []K{key}, err)
}

func (c *formatCache[K, V]) GetMany(ctx context.Context, keys []K) ([]GetResult[K, V], error) {
	r, err := c.next.GetMany(ctx, keys)
	return r, c.wrap(OpGetMany, keys, err)
}

func (c *formatCache[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) error {
	return c.wrap(OpSet, []K{key}, c.next.Set(ctx, key, value, ttl))
}

func (c *formatCache[K, V]) SetMany(ctx context.Context, entries []Entry[K, V], ttl time.Duration) error {
	err := c.next.SetMany(ctx, entries, ttl)
	if err == nil {
		return nil
	}
	return c.wrap(OpSetMany, entryKeys(entries), err)
}

func (c *formatCache[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	ok, err := c.next.Remove(ctx, key)
	return ok, c.wrap(OpRemove, []K{key}, err)
}

// notifyCache emits one event per operation, preceded by an exception event on failure.
type notifyCache[K comparable, V any] struct {
	forward[K, V]
	tier      Tier
	keyString func(K) string
	ev        *CacheEvents[K]
}

func (c *notifyCache[K, V]) op(keys []K, start time.Time, err error) CacheOp[K] {
	return CacheOp[K]{
		CacheName: c.next.Name(),
		CacheType: c.next.Type(),
		Tier:      c.tier,
		Keys:      wrapKeys(keys, c.keyString),
		Success:   err == nil,
		Start:     start,
		Duration:  time.Since(start),
	}
}

func (c *notifyCache[K, V]) exception(base CacheOp[K], op Op, err error) {
	if err != nil {
		c.ev.OnException.Emit(CacheExceptionEvent[K]{CacheOp: base, Op: op, Err: err})
	}
}

func (c *notifyCache[K, V]) Get(ctx context.Context, key K) (GetResult[K, V], error) {
	start := time.Now()
	r, err := c.next.Get(ctx, key)
	base := c.op([]K{key}, start, err)
	c.exception(base, OpGet, err)
	ev := CacheGetEvent[K]{CacheOp: base}
	if err == nil {
		if r.Found {
			ev.Hits = 1
		}
		if r.Duplicate() {
			ev.Duplicates = 1
		}
	}
	c.ev.OnGet.Emit(ev)
	return r, err
}

func (c *notifyCache[K, V]) GetMany(ctx context.Context, keys []K) ([]GetResult[K, V], error) {
	start := time.Now()
	res, err := c.next.GetMany(ctx, keys)
	base := c.op(keys, start, err)
	c.exception(base, OpGetMany, err)
	ev := CacheGetEvent[K]{CacheOp: base}
	if err == nil {
		for _, r := range res {
			if r.Found {
				ev.Hits++
			}
			if r.Duplicate() {
				ev.Duplicates++
			}
		}
	}
	c.ev.OnGet.Emit(ev)
	return res, err
}

func (c *notifyCache[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) error {
	start := time.Now()
	err := c.next.Set(ctx, key, value, ttl)
	base := c.op([]K{key}, start, err)
	c.exception(base, OpSet, err)
	c.ev.OnSet.Emit(CacheSetEvent[K]{CacheOp: base, TTL: ttl})
	return err
}

func (c *notifyCache[K, V]) SetMany(ctx context.Context, entries []Entry[K, V], ttl time.Duration) error {
	start := time.Now()
	err := c.next.SetMany(ctx, entries, ttl)
	base := c.op(entryKeys(entries), start, err)
	c.exception(base, OpSetMany, err)
	c.ev.OnSet.Emit(CacheSetEvent[K]{CacheOp: base, TTL: ttl})
	return err
}

func (c *notifyCache[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	start := time.Now()
	ok, err := c.next.Remove(ctx, key)
	base := c.op([]K{key}, start, err)
	c.exception(base, OpRemove, err)
	c.ev.OnRemove.Emit(CacheRemoveEvent[K]{CacheOp: base, Removed: ok})
	return ok, err
}

// swallowCache replaces errors matching any predicate with a miss or a no-op.
type swallowCache[K comparable, V any] struct {
	forward[K, V]
	preds []func(*CacheError) bool
	log   Logger
}

func (c *swallowCache[K, V]) swallow(err error) bool {
	var ce *CacheError
	if !errors.As(err, &ce) {
		return false
	}
	for _, p := range c.preds {
		if p(ce) {
			c.log.Debug("cache error swallowed", Fields{
				"op": string(ce.Op), "tier": ce.Tier.String(), "keys": len(ce.Keys), "err": ce.Err,
			})
			return true
		}
	}
	return false
}

func (c *swallowCache[K, V]) Get(ctx context.Context, key K) (GetResult[K, V], error) {
	r, err := c.next.Get(ctx, key)
	if err != nil && c.swallow(err) {
		return GetResult[K, V]{Key: key}, nil
	}
	return r, err
}

func (c *swallowCache[K, V]) GetMany(ctx context.Context, keys []K) ([]GetResult[K, V], error) {
	r, err := c.next.GetMany(ctx, keys)
	if err != nil && c.swallow(err) {
		return misses[K, V](keys), nil
	}
	return r, err
}

func (c *swallowCache[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) error {
	if err := c.next.Set(ctx, key, value, ttl); err != nil && !c.swallow(err) {
		return err
	}
	return nil
}

func (c *swallowCache[K, V]) SetMany(ctx context.Context, entries []Entry[K, V], ttl time.Duration) error {
	if err := c.next.SetMany(ctx, entries, ttl); err != nil && !c.swallow(err) {
		return err
	}
	return nil
}

func (c *swallowCache[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	ok, err := c.next.Remove(ctx, key)
	if err != nil && c.swallow(err) {
		return false, nil
	}
	return ok, err
}

// inflightCache keeps counter equal to the number of operations inside next.
type inflightCache[K comparable, V any] struct {
	forward[K, V]
	counter *InFlightCounter
}

func (c *inflightCache[K, V]) Get(ctx context.Context, key K) (GetResult[K, V], error) {
	c.counter.add(1)
	defer c.counter.add(-1)
	return c.next.Get(ctx, key)
}

func (c *inflightCache[K, V]) GetMany(ctx context.Context, keys []K) ([]GetResult[K, V], error) {
	c.counter.add(1)
	defer c.counter.add(-1)
	return c.next.GetMany(ctx, keys)
}

func (c *inflightCache[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) error {
	c.counter.add(1)
	defer c.counter.add(-1)
	return c.next.Set(ctx, key, value, ttl)
}

func (c *inflightCache[K, V]) SetMany(ctx context.Context, entries []Entry[K, V], ttl time.Duration) error {
	c.counter.add(1)
	defer c.counter.add(-1)
	return c.next.SetMany(ctx, entries, ttl)
}

func (c *inflightCache[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	c.counter.add(1)
	defer c.counter.add(-1)
	return c.next.Remove(ctx, key)
}

// dedupCache shares concurrent reads of equal keys. Writes pass through.
type dedupCache[K comparable, V any] struct {
	forward[K, V]
	group *singleflight.Group[K, GetResult[K, V]]
}

func (c *dedupCache[K, V]) Get(ctx context.Context, key K) (GetResult[K, V], error) {
	r, shared, err := c.group.Do(ctx, key, func(ctx context.Context) (GetResult[K, V], error) {
		return c.next.Get(ctx, key)
	})
	if err != nil {
		return GetResult[K, V]{Key: key}, err
	}
	r.Key = key
	if shared {
		r.Status |= StatusDuplicate
	}
	return r, nil
}

func (c *dedupCache[K, V]) GetMany(ctx context.Context, keys []K) ([]GetResult[K, V], error) {
	res := c.group.DoMany(ctx, keys, func(ctx context.Context, own []K) []singleflight.Result[GetResult[K, V]] {
		got, err := c.next.GetMany(ctx, own)
		if err == nil && len(got) != len(own) {
			err = fmt.Errorf("tiercache: %s returned %d results for %d keys", c.next.Name(), len(got), len(own))
		}
		out := make([]singleflight.Result[GetResult[K, V]], len(own))
		for i := range own {
			if err != nil {
				out[i].Err = err
				continue
			}
			out[i] = singleflight.Result[GetResult[K, V]]{Val: got[i], Found: got[i].Found}
		}
		return out
	})

	out := make([]GetResult[K, V], len(keys))
	var firstErr error
	for i, r := range res {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			out[i] = GetResult[K, V]{Key: keys[i]}
			continue
		}
		v := r.Val
		v.Key = keys[i]
		if r.Shared {
			v.Status |= StatusDuplicate
		}
		out[i] = v
	}
	return out, firstErr
}

func (c *dedupCache[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) error {
	return c.next.Set(ctx, key, value, ttl)
}

func (c *dedupCache[K, V]) SetMany(ctx context.Context, entries []Entry[K, V], ttl time.Duration) error {
	return c.next.SetMany(ctx, entries, ttl)
}

func (c *dedupCache[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	return c.next.Remove(ctx, key)
}
