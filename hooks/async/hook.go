// Package asynchook moves hook and observer callbacks off the hot path.
//
//	q := asynchook.New(2, 1000) // 2 workers; queue 1000 events
//	defer q.Close()
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	users, _ := tiercache.NewProviderCache(tiercache.ProviderCacheOptions[int, User]{
//	    Name:      "users",
//	    Namespace: "app:prod:user",
//	    Provider:  provider,
//	    Codec:     codec.JSON[User]{},
//	    Hooks:     asynchook.Wrap(q, raw), // or `raw` if you don't want async
//	})
//
//	events := &tiercache.Events[struct{}, int]{}
//	events.OnFetch.Append(asynchook.Observer(q, func(e tiercache.FetchEvent[struct{}, int]) { ... }))
//
// Events are dropped, never blocked on, when the queue is full.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/tiercache"
)

// Queue is a bounded work queue drained by a fixed set of workers.
type Queue struct {
	mu      sync.RWMutex
	closed  bool
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

func New(workers, qlen int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	q := &Queue{q: make(chan func(), qlen)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer q.wg.Done()
			for f := range q.q {
				f()
			}
		}()
	}
	return q
}

// Close stops accepting work and waits for queued callbacks to finish.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.q)
		q.mu.Unlock()
		q.wg.Wait()
	})
}

// Dropped reports how many callbacks were discarded because the queue was
// full or closed.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue) try(f func()) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return
	}
	select {
	case q.q <- f:
	default: // drop
		q.dropped.Add(1)
	}
}

// Observer returns fn as an observer that runs on the queue.
func Observer[T any](q *Queue, fn func(T)) func(T) {
	return func(e T) { q.try(func() { fn(e) }) }
}

// Hooks forwards tiercache.Hooks calls through a Queue.
type Hooks struct {
	inner tiercache.Hooks
	q     *Queue
}

var _ tiercache.Hooks = (*Hooks)(nil)

func Wrap(q *Queue, inner tiercache.Hooks) *Hooks {
	return &Hooks{inner: inner, q: q}
}

func (h *Hooks) SelfHeal(k, r string)             { h.q.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) SetRejected(k string)             { h.q.try(func() { h.inner.SetRejected(k) }) }
func (h *Hooks) EncodeFailed(k string, err error) { h.q.try(func() { h.inner.EncodeFailed(k, err) }) }
