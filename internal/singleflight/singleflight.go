package singleflight

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/unkn0wn-root/tiercache/internal/keymap"
)

// ErrPanicked is delivered to every waiter when the shared function panics.
var ErrPanicked = errors.New("singleflight: function panicked")

// Group coalesces concurrent calls for the same key so the supplied function
// runs at most once per key at a time. Other concurrent callers wait for the
// shared result.
//
// Concurrency notes:
//   - The shared function runs on its own goroutine with a context detached
//     from every caller's cancellation (context.WithoutCancel of the leader's ctx).
//   - Each caller, the leader included, races its own ctx against the shared
//     done channel. Cancelling one caller unblocks only that caller.
//   - A key is deregistered before its result is published, so once a waiter
//     observes the result a new call for the key starts a fresh flight.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  *keymap.Map[K, *call[V]]
}

type call[V any] struct {
	done  chan struct{} // closed when val/found/err are published
	val   V
	found bool
	err   error
}

// Result is the per-key outcome of DoMany.
type Result[V any] struct {
	Val   V
	Found bool
	Err   error
	// Shared is true when the caller joined a flight started by another caller.
	Shared bool
}

// New returns a Group whose key identity is decided by cmp (nil => ==).
func New[K comparable, V any](cmp keymap.Comparer[K]) *Group[K, V] {
	return &Group[K, V]{m: keymap.New[K, *call[V]](cmp, 0)}
}

// Do runs fn once for key. Concurrent calls with an equal key wait for the
// shared result; shared reports whether this caller joined an existing flight.
// If ctx is cancelled the caller returns ctx.Err() while fn keeps running.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(ctx context.Context) (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if c, ok := g.m.Get(key); ok {
		g.mu.Unlock()
		r := wait(ctx, c)
		return r.Val, true, r.Err
	}
	c := &call[V]{done: make(chan struct{})}
	g.m.Set(key, c)
	g.mu.Unlock()

	go g.run(context.WithoutCancel(ctx), []K{key}, []*call[V]{c}, func(ctx context.Context, _ []K) []Result[V] {
		v, err := fn(ctx)
		return []Result[V]{{Val: v, Found: err == nil, Err: err}}
	})

	r := wait(ctx, c)
	return r.Val, false, r.Err
}

// DoMany maps every key independently: keys already in flight join the
// existing flight, the rest are registered and handed to fn in a single call.
// fn must return one Result per key it was given, in the same order.
// The returned slice is aligned with keys.
func (g *Group[K, V]) DoMany(ctx context.Context, keys []K, fn func(ctx context.Context, keys []K) []Result[V]) []Result[V] {
	calls := make([]*call[V], len(keys))
	shared := make([]bool, len(keys))

	var (
		own      []K
		ownCalls []*call[V]
	)
	mine := make(map[*call[V]]struct{})

	g.mu.Lock()
	for i, k := range keys {
		if c, ok := g.m.Get(k); ok {
			calls[i] = c
			if _, isMine := mine[c]; !isMine {
				shared[i] = true
			}
			continue
		}
		c := &call[V]{done: make(chan struct{})}
		g.m.Set(k, c)
		mine[c] = struct{}{}
		calls[i] = c
		own = append(own, k)
		ownCalls = append(ownCalls, c)
	}
	g.mu.Unlock()

	if len(own) > 0 {
		go g.run(context.WithoutCancel(ctx), own, ownCalls, fn)
	}

	out := make([]Result[V], len(keys))
	for i, c := range calls {
		out[i] = wait(ctx, c)
		out[i].Shared = shared[i]
	}
	return out
}

// InFlight returns the number of keys currently registered.
func (g *Group[K, V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.Len()
}

func (g *Group[K, V]) run(ctx context.Context, keys []K, calls []*call[V], fn func(context.Context, []K) []Result[V]) {
	res := invoke(ctx, keys, fn)

	// Deregister first so no late joiner attaches to a finished flight.
	g.mu.Lock()
	for i, k := range keys {
		if c, ok := g.m.Get(k); ok && c == calls[i] {
			g.m.Delete(k)
		}
	}
	g.mu.Unlock()

	for i, c := range calls {
		c.val, c.found, c.err = res[i].Val, res[i].Found, res[i].Err
		close(c.done)
	}
}

func invoke[K comparable, V any](ctx context.Context, keys []K, fn func(context.Context, []K) []Result[V]) (res []Result[V]) {
	defer func() {
		if r := recover(); r != nil {
			res = failAll[V](len(keys), fmt.Errorf("%w: %v", ErrPanicked, r))
		}
	}()
	res = fn(ctx, keys)
	if len(res) != len(keys) {
		return failAll[V](len(keys), fmt.Errorf("singleflight: got %d results for %d keys", len(res), len(keys)))
	}
	return res
}

func failAll[V any](n int, err error) []Result[V] {
	out := make([]Result[V], n)
	for i := range out {
		out[i].Err = err
	}
	return out
}

func wait[V any](ctx context.Context, c *call[V]) Result[V] {
	select {
	case <-c.done:
		return Result[V]{Val: c.val, Found: c.found, Err: c.err}
	case <-ctx.Done():
		return Result[V]{Err: ctx.Err()}
	}
}
