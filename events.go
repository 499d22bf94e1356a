package tiercache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Observers is an ordered list of callbacks for one event type.
// Emit is lock-free; mutations are serialized. Observers must not panic
// and should return quickly (see hooks/async for offloading).
type Observers[T any] struct {
	mu  sync.Mutex
	fns atomic.Pointer[[]func(T)]
}

// Append adds fns after the existing observers.
func (o *Observers[T]) Append(fns ...func(T)) {
	o.update(func(cur []func(T)) []func(T) { return append(cur, fns...) })
}

// Prepend adds fns before the existing observers.
func (o *Observers[T]) Prepend(fns ...func(T)) {
	o.update(func(cur []func(T)) []func(T) { return append(append([]func(T){}, fns...), cur...) })
}

// Overwrite replaces every observer with fns.
func (o *Observers[T]) Overwrite(fns ...func(T)) {
	o.update(func([]func(T)) []func(T) { return append([]func(T){}, fns...) })
}

func (o *Observers[T]) Len() int {
	if p := o.fns.Load(); p != nil {
		return len(*p)
	}
	return 0
}

func (o *Observers[T]) Emit(e T) {
	p := o.fns.Load()
	if p == nil {
		return
	}
	for _, fn := range *p {
		fn(e)
	}
}

func (o *Observers[T]) update(f func([]func(T)) []func(T)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var cur []func(T)
	if p := o.fns.Load(); p != nil {
		cur = append(cur, *p...)
	}
	next := f(cur)
	kept := next[:0]
	for _, fn := range next {
		if fn != nil {
			kept = append(kept, fn)
		}
	}
	o.fns.Store(&kept)
}

// CacheOp is the common part of every tier event.
type CacheOp[K any] struct {
	CacheName string
	CacheType string
	Tier      Tier
	Keys      []Key[K]
	Success   bool
	Start     time.Time
	Duration  time.Duration
}

type CacheGetEvent[K any] struct {
	CacheOp[K]
	Hits int
	// Duplicates counts keys served by joining another caller's read.
	Duplicates int
}

type CacheSetEvent[K any] struct {
	CacheOp[K]
	TTL time.Duration
}

type CacheRemoveEvent[K any] struct {
	CacheOp[K]
	Removed bool
}

type CacheExceptionEvent[K any] struct {
	CacheOp[K]
	Op  Op
	Err error
}

// CacheEvents are emitted by the notification decorator of a tier.
type CacheEvents[K any] struct {
	OnGet       Observers[CacheGetEvent[K]]
	OnSet       Observers[CacheSetEvent[K]]
	OnRemove    Observers[CacheRemoveEvent[K]]
	OnException Observers[CacheExceptionEvent[K]]
}

// ResultEvent summarizes one Get/GetMany call on a CachedFunc.
type ResultEvent[P, K any] struct {
	CacheName       string
	Params          P
	Keys            []Key[K]
	LocalHits       int
	DistributedHits int
	Fetched         int
	// Duplicates counts keys whose fetch was shared with a concurrent call.
	Duplicates int
	// Misses counts keys that ended without a value.
	Misses   int
	Success  bool
	Start    time.Time
	Duration time.Duration
}

// FetchEvent describes one dispatched fetch batch.
type FetchEvent[P, K any] struct {
	CacheName string
	Params    P
	Keys      []Key[K]
	Batch     int
	Returned  int
	Success   bool
	Err       error
	Start     time.Time
	Duration  time.Duration
}

// ExceptionEvent reports an error reaching the engine, before it is returned
// or absorbed by ContinueOnError.
type ExceptionEvent[P, K any] struct {
	CacheName string
	Params    P
	Keys      []Key[K]
	Err       error
}

// Events groups every observer list of a CachedFunc. Cache holds the
// observers used by both tiers' notification decorators.
//
// For one call the ResultEvent is emitted before that call's FetchEvents.
type Events[P, K any] struct {
	OnResult    Observers[ResultEvent[P, K]]
	OnFetch     Observers[FetchEvent[P, K]]
	OnException Observers[ExceptionEvent[P, K]]
	Cache       CacheEvents[K]
}
