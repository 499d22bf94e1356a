package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tiercache/internal/keymap"
)

// BatchBehaviour decides how a miss set larger than MaxBatchSize is split.
type BatchBehaviour uint8

const (
	// BatchStrict cuts full batches of MaxBatchSize; only the last may be smaller.
	BatchStrict BatchBehaviour = iota
	// BatchEven uses as few batches as BatchStrict but balances their sizes,
	// e.g. 9 keys with max 2 become {2,2,2,2,1}, 10 keys with max 4 become {4,3,3}.
	BatchEven
)

func (b BatchBehaviour) String() string {
	switch b {
	case BatchStrict:
		return "strict"
	case BatchEven:
		return "even"
	default:
		return fmt.Sprintf("BatchBehaviour(%d)", uint8(b))
	}
}

// splitBatches partitions keys in order. Every key lands in exactly one batch.
// max <= 0 means a single batch.
func splitBatches[K any](keys []K, max int, how BatchBehaviour) [][]K {
	n := len(keys)
	if n == 0 {
		return nil
	}
	if max <= 0 || n <= max {
		return [][]K{keys}
	}

	count := (n + max - 1) / max
	out := make([][]K, 0, count)
	if how == BatchEven {
		base, extra := n/count, n%count
		off := 0
		for i := 0; i < count; i++ {
			size := base
			if i < extra {
				size++
			}
			out = append(out, keys[off:off+size:off+size])
			off += size
		}
		return out
	}
	for off := 0; off < n; off += max {
		end := min(off+max, n)
		out = append(out, keys[off:end:end])
	}
	return out
}

type failure[K any] struct {
	keys []K
	err  error
}

type batchOutcome[K comparable, V any] struct {
	values   []Entry[K, V]
	failures []failure[K]
	writeErr error
}

// fetchSink buffers FetchEvents until the call's ResultEvent has been emitted.
// Events arriving after flush (a shared fetch outliving its caller) go straight out.
type fetchSink[P, K any] struct {
	mu      sync.Mutex
	emit    func(FetchEvent[P, K])
	buf     []FetchEvent[P, K]
	flushed bool
}

func (s *fetchSink[P, K]) add(ev FetchEvent[P, K]) {
	s.mu.Lock()
	if s.flushed {
		s.mu.Unlock()
		s.emit(ev)
		return
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
}

func (s *fetchSink[P, K]) flush() {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.flushed = true
	s.mu.Unlock()
	for _, ev := range buf {
		s.emit(ev)
	}
}

// runBatches fetches keys batch by batch. A failing batch fails only its own
// keys and never cancels or undoes its siblings.
func (f *CachedFunc[P, K, V]) runBatches(ctx context.Context, params P, keys []K, sink *fetchSink[P, K]) batchOutcome[K, V] {
	batches := splitBatches(keys, f.maxBatch, f.batching)
	results := make([]batchOutcome[K, V], len(batches))

	if len(batches) == 1 {
		results[0] = f.runBatch(ctx, params, 0, batches[0], sink)
	} else {
		var g errgroup.Group
		if f.maxConcurrent > 0 {
			g.SetLimit(f.maxConcurrent)
		}
		for i, b := range batches {
			g.Go(func() error {
				results[i] = f.runBatch(ctx, params, i, b, sink)
				return nil
			})
		}
		_ = g.Wait()
	}

	var out batchOutcome[K, V]
	var writeErrs []error
	for _, r := range results {
		out.values = append(out.values, r.values...)
		out.failures = append(out.failures, r.failures...)
		if r.writeErr != nil {
			writeErrs = append(writeErrs, r.writeErr)
		}
	}
	out.writeErr = errors.Join(writeErrs...)
	return out
}

func (f *CachedFunc[P, K, V]) runBatch(ctx context.Context, params P, idx int, keys []K, sink *fetchSink[P, K]) batchOutcome[K, V] {
	fctx := ctx
	if f.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, f.fetchTimeout)
		defer cancel()
	}

	tks := f.tierKeys(params, keys)
	var epochs []uint64
	if f.pending != nil {
		epochs = f.pending.track(tks)
		defer f.pending.release(tks)
	}

	start := time.Now()
	got, err := f.callFetch(fctx, params, keys)
	ev := FetchEvent[P, K]{
		CacheName: f.name,
		Params:    params,
		Keys:      wrapKeys(keys, f.keyString),
		Batch:     idx,
		Success:   err == nil,
		Err:       err,
		Start:     start,
		Duration:  time.Since(start),
	}
	if err != nil {
		sink.add(ev)
		f.log.Warn("fetch batch failed", Fields{"batch": idx, "keys": len(keys), "err": err})
		return batchOutcome[K, V]{failures: []failure[K]{{keys: keys, err: err}}}
	}

	vals, pos := f.collect(keys, got)
	ev.Returned = len(vals)
	sink.add(ev)
	if f.pending == nil {
		return batchOutcome[K, V]{values: vals}
	}

	// Values removed while the fetch ran go back to the caller but not to the tiers.
	ws := make([]Entry[K, V], 0, len(vals))
	wks := make([]K, 0, len(vals))
	weps := make([]uint64, 0, len(vals))
	for j, e := range vals {
		i := pos[j]
		if f.pending.stale(tks[i], epochs[i]) {
			continue
		}
		ws = append(ws, e)
		wks = append(wks, tks[i])
		weps = append(weps, epochs[i])
	}
	werr := f.writeBack(ctx, params, ws, wks)
	f.dropStale(ctx, wks, weps)
	return batchOutcome[K, V]{values: vals, writeErr: werr}
}

// dropStale deletes written keys that a Remove invalidated while they were
// being written, so the removal wins.
func (f *CachedFunc[P, K, V]) dropStale(ctx context.Context, tks []K, epochs []uint64) {
	for i, tk := range tks {
		if !f.pending.stale(tk, epochs[i]) {
			continue
		}
		for _, t := range f.tiers() {
			if _, err := t.cache.Remove(ctx, tk); err != nil {
				f.log.Warn("dropping stale write-back failed", Fields{"tier": t.kind.String(), "err": err})
			}
		}
	}
}

func (f *CachedFunc[P, K, V]) callFetch(ctx context.Context, params P, keys []K) (m map[K]V, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("tiercache: fetch panicked: %v", r)
		}
	}()
	return f.fetch(ctx, params, keys)
}

// collect picks the requested keys out of a fetch result, in request order,
// with the position of each in keys. Keys the fetch returned but nobody asked
// for are ignored.
func (f *CachedFunc[P, K, V]) collect(keys []K, got map[K]V) ([]Entry[K, V], []int) {
	vals := make([]Entry[K, V], 0, len(got))
	idx := make([]int, 0, len(got))
	var byCmp *keymap.Map[K, V]
	for i, k := range keys {
		if v, ok := got[k]; ok {
			vals = append(vals, Entry[K, V]{Key: k, Value: v})
			idx = append(idx, i)
			continue
		}
		if f.cmp == nil {
			continue
		}
		if byCmp == nil {
			byCmp = keymap.New[K, V](f.cmp, len(got))
			for gk, gv := range got {
				byCmp.Set(gk, gv)
			}
		}
		if v, ok := byCmp.Get(k); ok {
			vals = append(vals, Entry[K, V]{Key: k, Value: v})
			idx = append(idx, i)
		}
	}
	return vals, idx
}

// writeBack stores fetched values in every tier that accepts them, grouped by
// TTL. vals are keyed by the caller's keys; tks holds their tier keys.
func (f *CachedFunc[P, K, V]) writeBack(ctx context.Context, params P, vals []Entry[K, V], tks []K) error {
	if len(vals) == 0 {
		return nil
	}
	var errs []error
	for _, t := range f.tiers() {
		groups := make(map[time.Duration][]Entry[K, V])
		var order []time.Duration
		for i, e := range vals {
			if f.skipSet != nil && f.skipSet(e.Key, e.Value) {
				continue
			}
			if t.skipSet != nil && t.skipSet(e.Key, e.Value) {
				continue
			}
			ttl := f.ttlFor(params, t, e.Key, e.Value)
			if ttl <= 0 {
				continue
			}
			if _, ok := groups[ttl]; !ok {
				order = append(order, ttl)
			}
			groups[ttl] = append(groups[ttl], Entry[K, V]{Key: tks[i], Value: e.Value})
		}
		for _, ttl := range order {
			if err := t.cache.SetMany(ctx, groups[ttl], ttl); err != nil {
				f.log.Warn("write-back failed", Fields{"tier": t.kind.String(), "keys": len(groups[ttl]), "err": err})
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
