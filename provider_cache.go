package tiercache

import (
	"context"
	"errors"
	"time"

	c "github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/internal/util"
	"github.com/unkn0wn-root/tiercache/internal/wire"
	pr "github.com/unkn0wn-root/tiercache/provider"
)

// SetCostFunc computes the admission cost of a stored entry (used by Ristretto).
type SetCostFunc func(storageKey string, raw []byte) int64

// ProviderCacheOptions configure a byte-store backed tier.
// Name, Namespace, Provider and Codec are required.
type ProviderCacheOptions[K comparable, V any] struct {
	Name      string
	Type      string // default "provider"; e.g. "redis", "ristretto"
	Namespace string // logical namespace to avoid collisions. e.g. "user", "profile"
	Provider  pr.Provider
	Codec     c.Codec[V]
	KeyCodec  c.KeyCodec[K] // nil => fmt.Sprint

	Logger         Logger      // nil => NopLogger
	Hooks          Hooks       // nil => NopHooks
	ComputeSetCost SetCostFunc // default 1
	Clock          func() time.Time
}

// ProviderCache stores codec-encoded values in a provider.Provider. Every value
// is framed with its deadline, so stores without per-entry TTL still expire
// entries and reads report the remaining TTL. Corrupt, expired and undecodable
// entries are deleted on read and reported as misses.
type ProviderCache[K comparable, V any] struct {
	name     string
	typ      string
	ns       string
	provider pr.Provider
	batch    pr.Batch
	codec    c.Codec[V]
	keys     c.KeyCodec[K]
	log      Logger
	hooks    Hooks
	cost     SetCostFunc
	now      func() time.Time
}

var _ Cache[string, int] = (*ProviderCache[string, int])(nil)

func NewProviderCache[K comparable, V any](opts ProviderCacheOptions[K, V]) (*ProviderCache[K, V], error) {
	switch {
	case opts.Name == "":
		return nil, &ConfigError{Field: "Name", Reason: "required"}
	case opts.Namespace == "":
		return nil, &ConfigError{Field: "Namespace", Reason: "required"}
	case opts.Provider == nil:
		return nil, &ConfigError{Field: "Provider", Reason: "required"}
	case opts.Codec == nil:
		return nil, &ConfigError{Field: "Codec", Reason: "required"}
	}

	pc := &ProviderCache[K, V]{
		name:     opts.Name,
		typ:      coalesce(opts.Type, defaultProviderType),
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		keys:     opts.KeyCodec,
	}
	pc.batch, _ = opts.Provider.(pr.Batch)
	if pc.keys == nil {
		pc.keys = c.FmtKey[K]{}
	}
	pc.log = coalesce[Logger](opts.Logger, NopLogger{}).With(Fields{"tier_cache": pc.name, "ns": pc.ns})
	pc.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	if opts.ComputeSetCost != nil {
		pc.cost = opts.ComputeSetCost
	} else {
		pc.cost = func(string, []byte) int64 { return 1 }
	}
	if opts.Clock != nil {
		pc.now = opts.Clock
	} else {
		pc.now = time.Now
	}
	return pc, nil
}

func (p *ProviderCache[K, V]) Name() string { return p.name }
func (p *ProviderCache[K, V]) Type() string { return p.typ }

func (p *ProviderCache[K, V]) storageKey(k K) string {
	return util.StorageKey(p.ns, p.keys.EncodeKey(k))
}

func (p *ProviderCache[K, V]) Get(ctx context.Context, key K) (GetResult[K, V], error) {
	sk := p.storageKey(key)
	raw, ok, err := p.provider.Get(ctx, sk)
	if err != nil || !ok {
		return GetResult[K, V]{Key: key}, err
	}
	return p.decode(ctx, key, sk, raw), nil
}

func (p *ProviderCache[K, V]) GetMany(ctx context.Context, keys []K) ([]GetResult[K, V], error) {
	out := misses[K, V](keys)
	if len(keys) == 0 {
		return out, nil
	}
	sks := make([]string, len(keys))
	for i, k := range keys {
		sks[i] = p.storageKey(k)
	}

	if p.batch != nil {
		raws, err := p.batch.GetMany(ctx, sks)
		if err != nil {
			return nil, err
		}
		for i, raw := range raws {
			if raw != nil {
				out[i] = p.decode(ctx, keys[i], sks[i], raw)
			}
		}
		return out, nil
	}

	for i, sk := range sks {
		raw, ok, err := p.provider.Get(ctx, sk)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = p.decode(ctx, keys[i], sk, raw)
		}
	}
	return out, nil
}

// decode validates a stored entry; anything unusable is deleted and reported as a miss.
func (p *ProviderCache[K, V]) decode(ctx context.Context, key K, sk string, raw []byte) GetResult[K, V] {
	miss := GetResult[K, V]{Key: key}
	deadline, payload, err := wire.Decode(raw)
	if err != nil {
		p.selfHeal(ctx, sk, "corrupt")
		return miss
	}
	ttl, live := wire.Remaining(deadline, p.now())
	if !live {
		p.selfHeal(ctx, sk, "expired")
		return miss
	}
	v, err := p.codec.Decode(payload)
	if err != nil {
		p.selfHeal(ctx, sk, "value_decode")
		return miss
	}
	return GetResult[K, V]{Key: key, Value: v, Found: true, TTL: ttl}
}

func (p *ProviderCache[K, V]) selfHeal(ctx context.Context, sk, reason string) {
	_, _ = p.provider.Del(ctx, sk)
	p.hooks.SelfHeal(sk, reason)
	p.log.Debug("entry dropped on read", Fields{"key": sk, "reason": reason})
}

func (p *ProviderCache[K, V]) frame(sk string, v V, ttl time.Duration) ([]byte, error) {
	payload, err := p.codec.Encode(v)
	if err != nil {
		p.hooks.EncodeFailed(sk, err)
		return nil, err
	}
	var deadline time.Time
	if ttl > 0 {
		deadline = p.now().Add(ttl)
	}
	return wire.Encode(deadline, payload), nil
}

func (p *ProviderCache[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) error {
	sk := p.storageKey(key)
	raw, err := p.frame(sk, value, ttl)
	if err != nil {
		return err
	}
	ok, err := p.provider.Set(ctx, sk, raw, p.cost(sk, raw), ttl)
	if err != nil {
		return err
	}
	if !ok {
		p.hooks.SetRejected(sk)
		p.log.Debug("set rejected by provider (pressure)", Fields{"key": sk})
	}
	return nil
}

// SetMany writes every entry it can encode. Encoding failures are returned
// joined after the encodable entries have been written.
func (p *ProviderCache[K, V]) SetMany(ctx context.Context, entries []Entry[K, V], ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	if p.batch == nil {
		var errs []error
		for _, e := range entries {
			if err := p.Set(ctx, e.Key, e.Value, ttl); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	items := make([]pr.Item, 0, len(entries))
	var errs []error
	for _, e := range entries {
		sk := p.storageKey(e.Key)
		raw, err := p.frame(sk, e.Value, ttl)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, pr.Item{Key: sk, Value: raw, Cost: p.cost(sk, raw)})
	}
	if err := p.batch.SetMany(ctx, items, ttl); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *ProviderCache[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	return p.provider.Del(ctx, p.storageKey(key))
}

// Close closes the provider.
func (p *ProviderCache[K, V]) Close(ctx context.Context) error {
	return p.provider.Close(ctx)
}
