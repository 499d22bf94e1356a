// Package ristretto adapts dgraph-io/ristretto as a local byte tier.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

var ErrInvalidConfig = errors.New("ristretto provider: NumCounters, MaxCost and BufferItems must be positive")

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
	// CostByLen charges len(value) when a write arrives with cost <= 0.
	// Otherwise such writes cost 1.
	CostByLen bool
}

// Provider admits writes through ristretto's TinyLFU policy, so Set may report
// a rejection under pressure. Writes are buffered; Wait flushes them.
type Provider struct {
	c         *rc.Cache
	costByLen bool
}

var (
	_ pr.Provider = (*Provider)(nil)
	_ pr.Batch    = (*Provider)(nil)
)

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, ErrInvalidConfig
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, costByLen: cfg.CostByLen}, nil
}

func (p *Provider) cost(value []byte, cost int64) int64 {
	switch {
	case cost > 0:
		return cost
	case p.costByLen && len(value) > 0:
		return int64(len(value))
	default:
		return 1
	}
}

func (p *Provider) lookup(key string) []byte {
	v, ok := p.c.Get(key)
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
	}
	return b
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b := p.lookup(key)
	return b, b != nil, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	return p.c.SetWithTTL(key, value, p.cost(value, cost), max(ttl, 0)), nil
}

// Del cannot tell whether the key existed; it always reports true.
func (p *Provider) Del(_ context.Context, key string) (bool, error) {
	p.c.Del(key)
	return true, nil
}

func (p *Provider) GetMany(_ context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = p.lookup(k)
	}
	return out, nil
}

// SetMany drops rejected items silently; the batch contract has no per-item result.
func (p *Provider) SetMany(_ context.Context, items []pr.Item, ttl time.Duration) error {
	ttl = max(ttl, 0)
	for _, it := range items {
		p.c.SetWithTTL(it.Key, it.Value, p.cost(it.Value, it.Cost), ttl)
	}
	return nil
}

func (p *Provider) Wait() { p.c.Wait() }

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics is nil unless Config.Metrics was set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
