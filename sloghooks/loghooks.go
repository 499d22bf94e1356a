// Package sloghooks logs tiercache hooks and events with log/slog.
//
//	h := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	sloghooks.Observe(h, events) // engine exceptions and failed fetches
//	sloghooks.ObserveCache(h, &events.Cache)
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/tiercache"
)

// maxLoggedKeys bounds the keys attached to a single record.
const maxLoggedKeys = 8

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery   uint64
	FetchErrorEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr   atomic.Uint64
	fetchErrorCtr atomic.Uint64
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("tiercache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) SetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) EncodeFailed(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.encode_failed",
		"key", h.redact(storageKey),
		"err", err)
}

func redactKeys[K any](h *Hooks, keys []tiercache.Key[K]) []string {
	n := min(len(keys), maxLoggedKeys)
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = h.redact(keys[i].String())
	}
	return out
}

// Observe logs engine exceptions and failed fetch batches of a CachedFunc.
func Observe[P, K any](h *Hooks, ev *tiercache.Events[P, K]) {
	if h.l == nil {
		return
	}
	ev.OnException.Append(func(e tiercache.ExceptionEvent[P, K]) {
		h.l.Error("tiercache.exception",
			"cache", e.CacheName,
			"keys", redactKeys(h, e.Keys),
			"key_count", len(e.Keys),
			"err", e.Err)
	})
	ev.OnFetch.Append(func(e tiercache.FetchEvent[P, K]) {
		if e.Success || !sample(h.opts.FetchErrorEvery, &h.fetchErrorCtr) {
			return
		}
		h.l.Warn("tiercache.fetch_failed",
			"cache", e.CacheName,
			"batch", e.Batch,
			"key_count", len(e.Keys),
			"duration", e.Duration,
			"err", e.Err)
	})
}

// ObserveCache logs tier failures reported by the notification decorators.
func ObserveCache[K any](h *Hooks, ev *tiercache.CacheEvents[K]) {
	if h.l == nil {
		return
	}
	ev.OnException.Append(func(e tiercache.CacheExceptionEvent[K]) {
		h.l.Warn("tiercache.tier_error",
			"cache", e.CacheName,
			"type", e.CacheType,
			"tier", e.Tier.String(),
			"op", string(e.Op),
			"keys", redactKeys(h, e.Keys),
			"err", e.Err)
	})
}
