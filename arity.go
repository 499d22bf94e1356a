package tiercache

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pair and Triple carry the outer parameters of multi-parameter fetch functions.
type Pair[A, B any] struct {
	A A
	B B
}

type Triple[A, B, C any] struct {
	A A
	B B
	C C
}

// NoParams adapts a fetch function without outer parameters.
func NoParams[K comparable, V any](fn func(ctx context.Context, keys []K) (map[K]V, error)) FetchFunc[struct{}, K, V] {
	return func(ctx context.Context, _ struct{}, keys []K) (map[K]V, error) {
		return fn(ctx, keys)
	}
}

// Params2 adapts a fetch function with two outer parameters.
func Params2[A, B any, K comparable, V any](fn func(ctx context.Context, a A, b B, keys []K) (map[K]V, error)) FetchFunc[Pair[A, B], K, V] {
	return func(ctx context.Context, p Pair[A, B], keys []K) (map[K]V, error) {
		return fn(ctx, p.A, p.B, keys)
	}
}

// Params3 adapts a fetch function with three outer parameters.
func Params3[A, B, C any, K comparable, V any](fn func(ctx context.Context, a A, b B, c C, keys []K) (map[K]V, error)) FetchFunc[Triple[A, B, C], K, V] {
	return func(ctx context.Context, p Triple[A, B, C], keys []K) (map[K]V, error) {
		return fn(ctx, p.A, p.B, p.C, keys)
	}
}

// ParamsKey builds an Options.CacheKey for string keys by prefixing each key
// with the rendered params and a colon. render must tell apart every params
// value that yields different results.
func ParamsKey[P any](render func(P) string) func(P, string) string {
	return func(p P, key string) string {
		return render(p) + ":" + key
	}
}

// FetchEach lifts a single-key function into a batch fetch, calling fn for
// every key with at most limit calls in flight (limit <= 0 => unbounded).
// fn returning ErrNotFound leaves the key out; any other error fails the batch.
func FetchEach[P any, K comparable, V any](limit int, fn func(ctx context.Context, params P, key K) (V, error)) FetchFunc[P, K, V] {
	return func(ctx context.Context, params P, keys []K) (map[K]V, error) {
		g, gctx := errgroup.WithContext(ctx)
		if limit > 0 {
			g.SetLimit(limit)
		}
		var mu sync.Mutex
		out := make(map[K]V, len(keys))
		for _, k := range keys {
			g.Go(func() error {
				v, err := fn(gctx, params, k)
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				out[k] = v
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// Unary is a CachedFunc without outer parameters.
type Unary[K comparable, V any] struct {
	f *CachedFunc[struct{}, K, V]
}

func NewUnary[K comparable, V any](opts Options[struct{}, K, V]) (*Unary[K, V], error) {
	f, err := New(opts)
	if err != nil {
		return nil, err
	}
	return &Unary[K, V]{f: f}, nil
}

func (u *Unary[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	return u.f.Get(ctx, struct{}{}, key)
}

func (u *Unary[K, V]) GetMany(ctx context.Context, keys []K) (map[K]V, error) {
	return u.f.GetMany(ctx, struct{}{}, keys)
}

func (u *Unary[K, V]) Remove(ctx context.Context, key K) error {
	return u.f.Remove(ctx, struct{}{}, key)
}

func (u *Unary[K, V]) Close(ctx context.Context) error { return u.f.Close(ctx) }

// Func exposes the underlying CachedFunc.
func (u *Unary[K, V]) Func() *CachedFunc[struct{}, K, V] { return u.f }
