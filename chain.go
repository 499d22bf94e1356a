package tiercache

import (
	"github.com/unkn0wn-root/tiercache/internal/singleflight"
)

// Chain collects the decorators of one tier. Build applies them in a fixed
// order regardless of the order the methods were called in. Outermost first:
//
//	Wrap -> CountInFlight -> SwallowIf -> Notify -> FormatErrors -> Deduplicate -> base
//
// Swallow predicates therefore always see a formatted *CacheError, notification
// observes errors before they are swallowed, and duplicate readers share one
// physical read while still getting their own notification.
type Chain[K comparable, V any] struct {
	tier      Tier
	keyString func(K) string
	log       Logger

	custom  []Middleware[K, V]
	counter *InFlightCounter
	swallow []func(*CacheError) bool
	events  *CacheEvents[K]
	format  bool
	dedup   bool
	cmp     KeyComparer[K]
}

func NewChain[K comparable, V any](tier Tier) *Chain[K, V] {
	return &Chain[K, V]{tier: tier, log: NopLogger{}}
}

// KeyString sets how keys are rendered in errors and events (default fmt.Sprint).
func (c *Chain[K, V]) KeyString(fn func(K) string) *Chain[K, V] {
	c.keyString = fn
	return c
}

func (c *Chain[K, V]) Logger(l Logger) *Chain[K, V] {
	c.log = coalesce[Logger](l, NopLogger{})
	return c
}

// Wrap adds custom middleware. The first one given ends up outermost.
func (c *Chain[K, V]) Wrap(m ...Middleware[K, V]) *Chain[K, V] {
	c.custom = append(c.custom, m...)
	return c
}

func (c *Chain[K, V]) CountInFlight(counter *InFlightCounter) *Chain[K, V] {
	c.counter = counter
	return c
}

// SwallowIf adds predicates; an error is swallowed when any of them matches.
// It implies FormatErrors.
func (c *Chain[K, V]) SwallowIf(preds ...func(*CacheError) bool) *Chain[K, V] {
	for _, p := range preds {
		if p != nil {
			c.swallow = append(c.swallow, p)
		}
	}
	return c
}

func (c *Chain[K, V]) Notify(ev *CacheEvents[K]) *Chain[K, V] {
	c.events = ev
	return c
}

func (c *Chain[K, V]) FormatErrors() *Chain[K, V] {
	c.format = true
	return c
}

// Deduplicate shares concurrent reads of keys equal under cmp.
// A nil cmp makes Build fail.
func (c *Chain[K, V]) Deduplicate(cmp KeyComparer[K]) *Chain[K, V] {
	c.dedup = true
	c.cmp = cmp
	return c
}

func (c *Chain[K, V]) Build(base Cache[K, V]) (Cache[K, V], error) {
	if base == nil {
		return nil, &ConfigError{Field: "Cache", Reason: "base cache is nil"}
	}
	if c.dedup && c.cmp == nil {
		return nil, &ConfigError{Field: "Comparer", Reason: "deduplication requires a key comparer"}
	}

	cache := base
	if c.dedup {
		cache = &dedupCache[K, V]{
			forward: forward[K, V]{cache},
			group:   singleflight.New[K, GetResult[K, V]](asKeymap(c.cmp)),
		}
	}
	if c.format || len(c.swallow) > 0 {
		cache = &formatCache[K, V]{forward: forward[K, V]{cache}, tier: c.tier, keyString: c.keyString}
	}
	if c.events != nil {
		cache = &notifyCache[K, V]{forward: forward[K, V]{cache}, tier: c.tier, keyString: c.keyString, ev: c.events}
	}
	if len(c.swallow) > 0 {
		cache = &swallowCache[K, V]{forward: forward[K, V]{cache}, preds: c.swallow, log: c.log}
	}
	if c.counter != nil {
		cache = &inflightCache[K, V]{forward: forward[K, V]{cache}, counter: c.counter}
	}
	for i := len(c.custom) - 1; i >= 0; i-- {
		if c.custom[i] != nil {
			cache = c.custom[i](cache)
		}
	}
	return cache, nil
}
