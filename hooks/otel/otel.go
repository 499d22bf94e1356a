// Package otelhooks records tiercache activity as OpenTelemetry spans.
//
// Middleware traces tier operations with the caller's context, so tier spans
// nest under the request span. Observe turns engine events into spans placed
// at the recorded start time; those have no parent.
package otelhooks

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/tiercache"
)

const instrumentation = "github.com/unkn0wn-root/tiercache"

// Tracer returns tp's tracer for tiercache, or the global one when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentation)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Middleware wraps a tier so every operation gets a client span.
func Middleware[K comparable, V any](tracer trace.Tracer, tier tiercache.Tier) tiercache.Middleware[K, V] {
	return func(next tiercache.Cache[K, V]) tiercache.Cache[K, V] {
		return &tracedCache[K, V]{next: next, tracer: tracer, tier: tier}
	}
}

type tracedCache[K comparable, V any] struct {
	next   tiercache.Cache[K, V]
	tracer trace.Tracer
	tier   tiercache.Tier
}

func (c *tracedCache[K, V]) Name() string { return c.next.Name() }
func (c *tracedCache[K, V]) Type() string { return c.next.Type() }

func (c *tracedCache[K, V]) start(ctx context.Context, op tiercache.Op, keys int) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "tiercache."+string(op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tiercache.cache", c.next.Name()),
			attribute.String("tiercache.type", c.next.Type()),
			attribute.String("tiercache.tier", c.tier.String()),
			attribute.Int("tiercache.keys", keys),
		))
}

func (c *tracedCache[K, V]) Get(ctx context.Context, key K) (tiercache.GetResult[K, V], error) {
	ctx, span := c.start(ctx, tiercache.OpGet, 1)
	r, err := c.next.Get(ctx, key)
	span.SetAttributes(attribute.Bool("tiercache.hit", r.Found))
	finish(span, err)
	return r, err
}

func (c *tracedCache[K, V]) GetMany(ctx context.Context, keys []K) ([]tiercache.GetResult[K, V], error) {
	ctx, span := c.start(ctx, tiercache.OpGetMany, len(keys))
	res, err := c.next.GetMany(ctx, keys)
	hits := 0
	for _, r := range res {
		if r.Found {
			hits++
		}
	}
	span.SetAttributes(attribute.Int("tiercache.hits", hits))
	finish(span, err)
	return res, err
}

func (c *tracedCache[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) error {
	ctx, span := c.start(ctx, tiercache.OpSet, 1)
	err := c.next.Set(ctx, key, value, ttl)
	span.SetAttributes(attribute.String("tiercache.ttl", ttl.String()))
	finish(span, err)
	return err
}

func (c *tracedCache[K, V]) SetMany(ctx context.Context, entries []tiercache.Entry[K, V], ttl time.Duration) error {
	ctx, span := c.start(ctx, tiercache.OpSetMany, len(entries))
	err := c.next.SetMany(ctx, entries, ttl)
	span.SetAttributes(attribute.String("tiercache.ttl", ttl.String()))
	finish(span, err)
	return err
}

func (c *tracedCache[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	ctx, span := c.start(ctx, tiercache.OpRemove, 1)
	ok, err := c.next.Remove(ctx, key)
	span.SetAttributes(attribute.Bool("tiercache.removed", ok))
	finish(span, err)
	return ok, err
}

// Observe records one span per engine call and one per fetch batch.
func Observe[P, K any](tracer trace.Tracer, ev *tiercache.Events[P, K]) {
	ev.OnResult.Append(func(e tiercache.ResultEvent[P, K]) {
		_, span := tracer.Start(context.Background(), "tiercache.call",
			trace.WithTimestamp(e.Start),
			trace.WithAttributes(
				attribute.String("tiercache.cache", e.CacheName),
				attribute.Int("tiercache.keys", len(e.Keys)),
				attribute.Int("tiercache.local_hits", e.LocalHits),
				attribute.Int("tiercache.distributed_hits", e.DistributedHits),
				attribute.Int("tiercache.fetched", e.Fetched),
				attribute.Int("tiercache.duplicates", e.Duplicates),
				attribute.Int("tiercache.misses", e.Misses),
			))
		if !e.Success {
			span.SetStatus(codes.Error, "call failed")
		}
		span.End(trace.WithTimestamp(e.Start.Add(e.Duration)))
	})
	ev.OnFetch.Append(func(e tiercache.FetchEvent[P, K]) {
		_, span := tracer.Start(context.Background(), "tiercache.fetch",
			trace.WithTimestamp(e.Start),
			trace.WithAttributes(
				attribute.String("tiercache.cache", e.CacheName),
				attribute.Int("tiercache.batch", e.Batch),
				attribute.Int("tiercache.keys", len(e.Keys)),
				attribute.Int("tiercache.returned", e.Returned),
			))
		if e.Err != nil {
			span.RecordError(e.Err)
			span.SetStatus(codes.Error, e.Err.Error())
		}
		span.End(trace.WithTimestamp(e.Start.Add(e.Duration)))
	})
}
