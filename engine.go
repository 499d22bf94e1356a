package tiercache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/tiercache/internal/keymap"
	"github.com/unkn0wn-root/tiercache/internal/singleflight"
)

// FetchFunc resolves keys the cache tiers could not serve. It returns values for
// the keys it found; keys left out of the map are treated as absent, not failed.
type FetchFunc[P any, K comparable, V any] func(ctx context.Context, params P, keys []K) (map[K]V, error)

// TierOptions configure one cache tier of a CachedFunc.
// Predicates receive the caller's key; the tier itself sees the key derived by
// Options.CacheKey.
type TierOptions[K comparable, V any] struct {
	Cache Cache[K, V] // required

	Wrappers    []Middleware[K, V]        // custom decorators, first is outermost
	SwallowIf   []func(*CacheError) bool  // matching errors become misses / no-ops
	Deduplicate bool                      // share concurrent reads; needs Options.Comparer
	SkipGet     func(key K) bool          // true => do not read key from this tier
	SkipSet     func(key K, value V) bool // true => do not write key to this tier
	TTL         time.Duration             // overrides Options.TTL / TTLFactory for this tier
}

// Options tune a CachedFunc. Only Fetch is required. At least one TTL source
// (TTL, TTLFactory or TierOptions.TTL) is needed for every configured tier.
type Options[P any, K comparable, V any] struct {
	Name  string // used in logs, errors and events; default "default"
	Fetch FetchFunc[P, K, V]

	// CacheKey derives the key under which (params, key) is stored in the
	// tiers and shared between concurrent calls. It must not map two keys of
	// the same params to one cache key. Required when P has fields and a tier
	// or Deduplicate is configured; with an empty P keys are used as they are.
	CacheKey func(params P, key K) K

	TTL        time.Duration
	TTLFactory func(params P, key K, value V) time.Duration // <= 0 => value not cached

	Local       *TierOptions[K, V]
	Distributed *TierOptions[K, V]

	SkipGet func(params P, key K) bool // true => key bypasses both tiers and is fetched
	SkipSet func(key K, value V) bool  // true => fetched value is written to no tier

	MaxBatchSize         int // 0 => one batch per call
	BatchBehaviour       BatchBehaviour
	MaxConcurrentBatches int           // 0 => unbounded
	FetchTimeout         time.Duration // per batch; 0 => none

	// Comparer decides key identity. Required by Deduplicate and tier deduplication.
	// When nil keys are compared with ==.
	Comparer    KeyComparer[K]
	Deduplicate bool // concurrent calls share fetches of equal keys

	// ContinueOnError turns fetch and tier failures into misses; the call then
	// returns a nil error. Fallback, if set, may supply a value per failed key.
	ContinueOnError bool
	Fallback        func(params P, key K, err error) (V, bool)

	Disabled  bool // bypass both tiers; every call goes to Fetch
	Events    *Events[P, K]
	Logger    Logger    // nil => NopLogger
	Registry  *Registry // nil => no in-flight gauges
	KeyString func(K) string
}

type tier[K comparable, V any] struct {
	kind    Tier
	cache   Cache[K, V]
	skipGet func(K) bool
	skipSet func(K, V) bool
	ttl     time.Duration
	counter *InFlightCounter
}

// CachedFunc is a fetch function fronted by a local and a distributed tier.
// Safe for concurrent use.
type CachedFunc[P any, K comparable, V any] struct {
	name       string
	fetch      FetchFunc[P, K, V]
	cacheKey   func(P, K) K
	ttl        time.Duration
	ttlFactory func(P, K, V) time.Duration

	local *tier[K, V]
	dist  *tier[K, V]

	skipGet func(P, K) bool
	skipSet func(K, V) bool

	maxBatch      int
	batching      BatchBehaviour
	maxConcurrent int
	fetchTimeout  time.Duration

	cmp     keymap.Comparer[K]
	group   *singleflight.Group[K, V]
	pending *pending[K] // nil without tiers

	continueOnError bool
	fallback        func(P, K, error) (V, bool)

	events    *Events[P, K]
	log       Logger
	keyString func(K) string
	closed    atomic.Bool
}

// New validates opts and builds the tier decorator chains.
// Invalid options are reported as *ConfigError.
func New[P any, K comparable, V any](opts Options[P, K, V]) (*CachedFunc[P, K, V], error) {
	switch {
	case opts.Fetch == nil:
		return nil, &ConfigError{Field: "Fetch", Reason: "required"}
	case opts.TTL < 0:
		return nil, &ConfigError{Field: "TTL", Reason: "must not be negative"}
	case opts.MaxBatchSize < 0:
		return nil, &ConfigError{Field: "MaxBatchSize", Reason: "must not be negative"}
	case opts.MaxConcurrentBatches < 0:
		return nil, &ConfigError{Field: "MaxConcurrentBatches", Reason: "must not be negative"}
	case opts.FetchTimeout < 0:
		return nil, &ConfigError{Field: "FetchTimeout", Reason: "must not be negative"}
	case opts.BatchBehaviour > BatchEven:
		return nil, &ConfigError{Field: "BatchBehaviour", Reason: "unknown value " + opts.BatchBehaviour.String()}
	case opts.Fallback != nil && !opts.ContinueOnError:
		return nil, &ConfigError{Field: "Fallback", Reason: "requires ContinueOnError"}
	case opts.Deduplicate && opts.Comparer == nil:
		return nil, &ConfigError{Field: "Comparer", Reason: "Deduplicate requires a key comparer"}
	case opts.CacheKey == nil && !paramless[P]() && (opts.Deduplicate || hasTiers(opts)):
		return nil, &ConfigError{Field: "CacheKey", Reason: "required when params are shared by a tier or by Deduplicate"}
	}

	f := &CachedFunc[P, K, V]{
		name:            coalesce(opts.Name, defaultName),
		fetch:           opts.Fetch,
		cacheKey:        opts.CacheKey,
		ttl:             opts.TTL,
		ttlFactory:      opts.TTLFactory,
		skipGet:         opts.SkipGet,
		skipSet:         opts.SkipSet,
		maxBatch:        opts.MaxBatchSize,
		batching:        opts.BatchBehaviour,
		maxConcurrent:   opts.MaxConcurrentBatches,
		fetchTimeout:    opts.FetchTimeout,
		cmp:             asKeymap(opts.Comparer),
		continueOnError: opts.ContinueOnError,
		fallback:        opts.Fallback,
		events:          opts.Events,
		keyString:       opts.KeyString,
	}
	if f.events == nil {
		f.events = &Events[P, K]{}
	}
	f.log = coalesce[Logger](opts.Logger, NopLogger{}).With(Fields{"cache": f.name})
	if opts.Deduplicate {
		f.group = singleflight.New[K, V](f.cmp)
	}

	if opts.Disabled {
		f.log.Info("caching disabled; every call goes to fetch", nil)
		return f, nil
	}

	var err error
	if f.local, err = f.buildTier(TierLocal, opts.Local, opts); err != nil {
		return nil, err
	}
	if f.dist, err = f.buildTier(TierDistributed, opts.Distributed, opts); err != nil {
		if f.local != nil && f.local.counter != nil {
			f.local.counter.Unregister()
		}
		return nil, err
	}
	if f.local != nil || f.dist != nil {
		f.pending = newPending(f.cmp)
	}
	return f, nil
}

// paramless reports whether P carries no data, so keys alone identify values.
func paramless[P any]() bool {
	return reflect.TypeFor[P]().Size() == 0
}

func hasTiers[P any, K comparable, V any](opts Options[P, K, V]) bool {
	return !opts.Disabled && (opts.Local != nil || opts.Distributed != nil)
}

// tierKey maps a caller key to the key the tiers and the flight group see.
func (f *CachedFunc[P, K, V]) tierKey(params P, key K) K {
	if f.cacheKey == nil {
		return key
	}
	return f.cacheKey(params, key)
}

// tierKeys is tierKey over keys. Without CacheKey it returns keys itself.
func (f *CachedFunc[P, K, V]) tierKeys(params P, keys []K) []K {
	if f.cacheKey == nil {
		return keys
	}
	out := make([]K, len(keys))
	for i, k := range keys {
		out[i] = f.cacheKey(params, k)
	}
	return out
}

func (f *CachedFunc[P, K, V]) buildTier(kind Tier, to *TierOptions[K, V], opts Options[P, K, V]) (*tier[K, V], error) {
	if to == nil {
		return nil, nil
	}
	field := "Local"
	if kind == TierDistributed {
		field = "Distributed"
	}
	switch {
	case to.Cache == nil:
		return nil, &ConfigError{Field: field + ".Cache", Reason: "required"}
	case to.TTL < 0:
		return nil, &ConfigError{Field: field + ".TTL", Reason: "must not be negative"}
	case to.TTL == 0 && opts.TTL == 0 && opts.TTLFactory == nil:
		return nil, &ConfigError{Field: field + ".TTL", Reason: "no TTL source; set TTL, TTLFactory or the tier TTL"}
	case to.Deduplicate && opts.Comparer == nil:
		return nil, &ConfigError{Field: "Comparer", Reason: field + ".Deduplicate requires a key comparer"}
	}

	t := &tier[K, V]{kind: kind, skipGet: to.SkipGet, skipSet: to.SkipSet, ttl: to.TTL}
	ch := NewChain[K, V](kind).
		KeyString(f.keyString).
		Logger(f.log).
		Wrap(to.Wrappers...).
		SwallowIf(to.SwallowIf...).
		FormatErrors()
	if opts.Events != nil {
		ch.Notify(&opts.Events.Cache)
	}
	if to.Deduplicate {
		ch.Deduplicate(opts.Comparer)
	}
	if opts.Registry != nil {
		t.counter = opts.Registry.Register(f.name, to.Cache.Type(), kind)
		ch.CountInFlight(t.counter)
	}

	c, err := ch.Build(to.Cache)
	if err != nil {
		if t.counter != nil {
			t.counter.Unregister()
		}
		return nil, err
	}
	t.cache = c
	return t, nil
}

func (f *CachedFunc[P, K, V]) Name() string { return f.name }

// Get is GetMany collapsed to one key.
func (f *CachedFunc[P, K, V]) Get(ctx context.Context, params P, key K) (V, bool, error) {
	var zero V
	if f.closed.Load() {
		return zero, false, ErrClosed
	}
	found, err := f.run(ctx, params, []K{key})
	v, ok := found.Get(key)
	return v, ok, err
}

// GetMany returns values for keys. Every caller-supplied key variant that
// resolved is present in the map, even when several variants are equal under
// the comparer.
//
// When a fetch batch fails the returned map still holds every other value and
// the error is a *FetchError naming the failed keys, unless ContinueOnError is set.
func (f *CachedFunc[P, K, V]) GetMany(ctx context.Context, params P, keys []K) (map[K]V, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	found, err := f.run(ctx, params, keymap.Dedupe(f.cmp, keys))
	out := make(map[K]V, found.Len())
	for _, k := range keys {
		if v, ok := found.Get(k); ok {
			out[k] = v
		}
	}
	return out, err
}

// Remove deletes the value of key under params from both tiers. A fetch of the
// same key that is still running returns its value to its callers but does not
// leave it in the tiers.
func (f *CachedFunc[P, K, V]) Remove(ctx context.Context, params P, key K) error {
	if f.closed.Load() {
		return ErrClosed
	}
	tk := f.tierKey(params, key)
	if f.pending != nil {
		f.pending.invalidate(tk)
	}
	var errs []error
	for _, t := range f.tiers() {
		if _, err := t.cache.Remove(ctx, tk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close unregisters the in-flight gauges. The tiers are owned by the caller
// and stay open. Idempotent.
func (f *CachedFunc[P, K, V]) Close(context.Context) error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, t := range f.tiers() {
		if t.counter != nil {
			t.counter.Unregister()
		}
	}
	return nil
}

func (f *CachedFunc[P, K, V]) tiers() []*tier[K, V] {
	ts := make([]*tier[K, V], 0, 2)
	if f.local != nil {
		ts = append(ts, f.local)
	}
	if f.dist != nil {
		ts = append(ts, f.dist)
	}
	return ts
}

func (f *CachedFunc[P, K, V]) ttlFor(params P, t *tier[K, V], key K, value V) time.Duration {
	if t.ttl > 0 {
		return t.ttl
	}
	if f.ttlFactory != nil {
		return f.ttlFactory(params, key, value)
	}
	return f.ttl
}

type callStats struct {
	localHits int
	distHits  int
	fetched   int
	dups      int
	rechecked int // local hits found by a flight before fetching
}

// run executes the lookup pipeline for keys already collapsed under the comparer.
func (f *CachedFunc[P, K, V]) run(ctx context.Context, params P, keys []K) (*keymap.Map[K, V], error) {
	start := time.Now()
	found := keymap.New[K, V](f.cmp, len(keys))
	sink := &fetchSink[P, K]{emit: f.events.OnFetch.Emit}
	var st callStats

	err := f.pipeline(ctx, params, keys, found, sink, &st)

	f.events.OnResult.Emit(ResultEvent[P, K]{
		CacheName:       f.name,
		Params:          params,
		Keys:            wrapKeys(keys, f.keyString),
		LocalHits:       st.localHits,
		DistributedHits: st.distHits,
		Fetched:         st.fetched,
		Duplicates:      st.dups,
		Misses:          len(keys) - found.Len(),
		Success:         err == nil,
		Start:           start,
		Duration:        time.Since(start),
	})
	sink.flush()
	return found, err
}

func (f *CachedFunc[P, K, V]) pipeline(ctx context.Context, params P, keys []K, found *keymap.Map[K, V], sink *fetchSink[P, K], st *callStats) error {
	force, eligible := keys, []K(nil)
	var forced *keymap.Map[K, struct{}]
	if f.skipGet != nil {
		force = nil
		for _, k := range keys {
			if f.skipGet(params, k) {
				force = append(force, k)
				if forced == nil {
					forced = keymap.New[K, struct{}](f.cmp, 0)
				}
				forced.Set(k, struct{}{})
			} else {
				eligible = append(eligible, k)
			}
		}
	} else if f.local != nil || f.dist != nil {
		force, eligible = nil, keys
	}

	missing := eligible
	if f.local != nil && len(missing) > 0 {
		var hits []GetResult[K, V]
		var err error
		missing, hits, err = f.lookup(ctx, params, f.local, missing, found)
		if err != nil {
			if err = f.tierFailed(params, missing, err); err != nil {
				return err
			}
		}
		st.localHits = len(hits)
	}
	if f.dist != nil && len(missing) > 0 {
		var hits []GetResult[K, V]
		var err error
		missing, hits, err = f.lookup(ctx, params, f.dist, missing, found)
		if err != nil {
			if err = f.tierFailed(params, missing, err); err != nil {
				return err
			}
		}
		st.distHits = len(hits)
		f.backfill(ctx, params, hits)
	}

	residual := append(force, missing...)
	if len(residual) == 0 {
		return nil
	}

	var out batchOutcome[K, V]
	if f.group != nil {
		out = f.sharedFetch(ctx, params, residual, forced, sink, st)
	} else {
		out = f.runBatches(ctx, params, residual, sink)
	}
	for _, e := range out.values {
		found.Set(e.Key, e.Value)
	}
	st.fetched = max(0, len(out.values)-st.rechecked)

	return f.settle(params, found, out)
}

// lookup reads keys from t under their tier keys. Found values go into found,
// keyed by the caller's key; the rest are returned in missing, together with the
// keys t is told to skip. On error every key is missing.
func (f *CachedFunc[P, K, V]) lookup(ctx context.Context, params P, t *tier[K, V], keys []K, found *keymap.Map[K, V]) (missing []K, hits []GetResult[K, V], err error) {
	query := keys
	if t.skipGet != nil {
		query = nil
		for _, k := range keys {
			if t.skipGet(k) {
				missing = append(missing, k)
			} else {
				query = append(query, k)
			}
		}
	}
	if len(query) == 0 {
		return keys, nil, nil
	}

	res, err := t.cache.GetMany(ctx, f.tierKeys(params, query))
	if err == nil && len(res) != len(query) {
		err = &CacheError{
			Op:        OpGetMany,
			CacheName: t.cache.Name(),
			CacheType: t.cache.Type(),
			Tier:      t.kind,
			Keys:      keyStrings(query, f.keyString),
			Err:       fmt.Errorf("returned %d results for %d keys", len(res), len(query)),
		}
	}
	if err != nil {
		return keys, nil, err
	}

	for i, r := range res {
		if !r.Found {
			missing = append(missing, query[i])
			continue
		}
		r.Key = query[i]
		found.Set(r.Key, r.Value)
		hits = append(hits, r)
	}
	return missing, hits, nil
}

// tierFailed reports a tier read error. It returns nil when the call should
// carry on with the affected keys treated as misses.
func (f *CachedFunc[P, K, V]) tierFailed(params P, keys []K, err error) error {
	f.events.OnException.Emit(ExceptionEvent[P, K]{
		CacheName: f.name,
		Params:    params,
		Keys:      wrapKeys(keys, f.keyString),
		Err:       err,
	})
	if f.continueOnError {
		f.log.Warn("tier read failed; treating keys as misses", Fields{"keys": len(keys), "err": err})
		return nil
	}
	return err
}

// backfill copies distributed hits into the local tier, keeping their remaining TTL.
func (f *CachedFunc[P, K, V]) backfill(ctx context.Context, params P, hits []GetResult[K, V]) {
	if f.local == nil || len(hits) == 0 {
		return
	}
	for _, r := range hits {
		if f.local.skipSet != nil && f.local.skipSet(r.Key, r.Value) {
			continue
		}
		ttl := f.ttlFor(params, f.local, r.Key, r.Value)
		if r.TTL > 0 && r.TTL < ttl {
			ttl = r.TTL
		}
		if ttl <= 0 {
			continue
		}
		if err := f.local.cache.Set(ctx, f.tierKey(params, r.Key), r.Value, ttl); err != nil {
			f.log.Debug("local backfill failed", Fields{"err": err})
		}
	}
}

// sharedFetch routes the residual misses through the single-flight group,
// keyed by tier key. Keys already being fetched by another call are joined; the
// rest are fetched (and written back) under a context detached from this caller.
func (f *CachedFunc[P, K, V]) sharedFetch(ctx context.Context, params P, keys []K, forced *keymap.Map[K, struct{}], sink *fetchSink[P, K], st *callStats) batchOutcome[K, V] {
	var (
		mu        sync.Mutex
		writeErr  error
		rechecked atomic.Int64
	)
	tks := f.tierKeys(params, keys)
	callerOf := keymap.New[K, K](f.cmp, len(keys))
	for i, tk := range tks {
		callerOf.Set(tk, keys[i])
	}

	res := f.group.DoMany(ctx, tks, func(fctx context.Context, own []K) []singleflight.Result[V] {
		ownKeys := make([]K, len(own))
		for i, tk := range own {
			ownKeys[i], _ = callerOf.Get(tk)
		}

		vals := f.recheck(fctx, params, ownKeys, forced)
		rechecked.Add(int64(vals.Len()))
		var todo []K
		for _, k := range ownKeys {
			if _, ok := vals.Get(k); !ok {
				todo = append(todo, k)
			}
		}

		var bo batchOutcome[K, V]
		if len(todo) > 0 {
			bo = f.runBatches(fctx, params, todo, sink)
		}
		if bo.writeErr != nil {
			mu.Lock()
			writeErr = bo.writeErr
			mu.Unlock()
		}
		for _, e := range bo.values {
			vals.Set(e.Key, e.Value)
		}
		errs := keymap.New[K, error](f.cmp, 0)
		for _, fl := range bo.failures {
			for _, k := range fl.keys {
				errs.Set(k, fl.err)
			}
		}

		out := make([]singleflight.Result[V], len(own))
		for i, k := range ownKeys {
			if v, ok := vals.Get(k); ok {
				out[i] = singleflight.Result[V]{Val: v, Found: true}
			} else if err, ok := errs.Get(k); ok {
				out[i].Err = err
			}
		}
		return out
	})

	var out batchOutcome[K, V]
	for i, r := range res {
		if r.Shared {
			st.dups++
		}
		switch {
		case r.Err != nil:
			out.failures = appendFailure(out.failures, keys[i], r.Err)
		case r.Found:
			out.values = append(out.values, Entry[K, V]{Key: keys[i], Value: r.Val})
		}
	}
	st.rechecked = int(rechecked.Load())
	st.localHits += st.rechecked
	mu.Lock()
	out.writeErr = writeErr
	mu.Unlock()
	return out
}

// recheck reads the local tier again for keys a flight is about to fetch.
// A flight registered just after another one wrote back finds the value
// there. Keys forced past the tiers are not read. Errors count as misses.
func (f *CachedFunc[P, K, V]) recheck(ctx context.Context, params P, keys []K, forced *keymap.Map[K, struct{}]) *keymap.Map[K, V] {
	found := keymap.New[K, V](f.cmp, 0)
	if f.local == nil || len(keys) == 0 {
		return found
	}
	query := keys
	if forced != nil {
		query = nil
		for _, k := range keys {
			if _, ok := forced.Get(k); !ok {
				query = append(query, k)
			}
		}
	}
	if len(query) == 0 {
		return found
	}
	if _, _, err := f.lookup(ctx, params, f.local, query, found); err != nil {
		f.log.Debug("local recheck failed", Fields{"keys": len(query), "err": err})
	}
	return found
}

// appendFailure groups keys that failed with the same error.
func appendFailure[K any](fs []failure[K], key K, err error) []failure[K] {
	for i := range fs {
		if errors.Is(fs[i].err, err) {
			fs[i].keys = append(fs[i].keys, key)
			return fs
		}
	}
	return append(fs, failure[K]{keys: []K{key}, err: err})
}

// settle decides the call's error once every batch has completed.
func (f *CachedFunc[P, K, V]) settle(params P, found *keymap.Map[K, V], out batchOutcome[K, V]) error {
	var failedKeys []K
	var causes []error
	for _, fl := range out.failures {
		f.events.OnException.Emit(ExceptionEvent[P, K]{
			CacheName: f.name,
			Params:    params,
			Keys:      wrapKeys(fl.keys, f.keyString),
			Err:       fl.err,
		})
		failedKeys = append(failedKeys, fl.keys...)
		causes = append(causes, fl.err)
	}
	if out.writeErr != nil {
		f.events.OnException.Emit(ExceptionEvent[P, K]{CacheName: f.name, Params: params, Err: out.writeErr})
	}

	if f.continueOnError {
		if f.fallback != nil {
			for _, fl := range out.failures {
				for _, k := range fl.keys {
					if v, ok := f.fallback(params, k, fl.err); ok {
						found.Set(k, v)
					}
				}
			}
		}
		if len(failedKeys) > 0 {
			f.log.Warn("fetch failed; continuing with partial results", Fields{"keys": len(failedKeys), "err": errors.Join(causes...)})
		}
		return nil
	}

	var errs []error
	if len(failedKeys) > 0 {
		cause := causes[0]
		if len(causes) > 1 {
			cause = errors.Join(causes...)
		}
		errs = append(errs, &FetchError{CacheName: f.name, Keys: keyStrings(failedKeys, f.keyString), Err: cause})
	}
	if out.writeErr != nil {
		errs = append(errs, out.writeErr)
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
