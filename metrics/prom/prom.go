// Package prom exports tiercache events and in-flight gauges to Prometheus.
package prom

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/tiercache"
)

// Adapter holds the Prometheus metrics fed by tiercache observers.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	calls     *prometheus.CounterVec
	keys      *prometheus.CounterVec
	shared    *prometheus.CounterVec
	batches   *prometheus.CounterVec
	fetchDur  *prometheus.HistogramVec
	tierOps   *prometheus.CounterVec
	tierDur   *prometheus.HistogramVec
	tierHits  *prometheus.CounterVec
	tierDups  *prometheus.CounterVec
	exception *prometheus.CounterVec
}

// New constructs the adapter and registers its metrics.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, labels)
	}

	a := &Adapter{
		calls:     counter("calls_total", "Get/GetMany calls by outcome", "cache", "success"),
		keys:      counter("keys_total", "Requested keys by where they were served from", "cache", "source"),
		shared:    counter("shared_fetch_keys_total", "Keys whose fetch was shared with a concurrent call", "cache"),
		batches:   counter("fetch_batches_total", "Fetch batches by outcome", "cache", "success"),
		fetchDur:  histogram("fetch_duration_seconds", "Fetch batch latency", "cache"),
		tierOps:   counter("tier_operations_total", "Tier operations by outcome", "cache", "tier", "op", "success"),
		tierDur:   histogram("tier_operation_duration_seconds", "Tier operation latency", "cache", "tier", "op"),
		tierHits:  counter("tier_hits_total", "Keys found in a tier", "cache", "tier"),
		tierDups:  counter("tier_duplicate_reads_total", "Tier reads served by joining a concurrent read", "cache", "tier"),
		exception: counter("exceptions_total", "Errors reaching the engine", "cache"),
	}
	reg.MustRegister(a.calls, a.keys, a.shared, a.batches, a.fetchDur, a.tierOps, a.tierDur, a.tierHits, a.tierDups, a.exception)
	return a
}

// Observe attaches the adapter to a CachedFunc's events, tier events included.
func Observe[P, K any](a *Adapter, ev *tiercache.Events[P, K]) {
	ev.OnResult.Append(func(e tiercache.ResultEvent[P, K]) {
		a.calls.WithLabelValues(e.CacheName, strconv.FormatBool(e.Success)).Inc()
		a.keys.WithLabelValues(e.CacheName, "local").Add(float64(e.LocalHits))
		a.keys.WithLabelValues(e.CacheName, "distributed").Add(float64(e.DistributedHits))
		a.keys.WithLabelValues(e.CacheName, "fetch").Add(float64(e.Fetched))
		a.shared.WithLabelValues(e.CacheName).Add(float64(e.Duplicates))
		a.keys.WithLabelValues(e.CacheName, "miss").Add(float64(e.Misses))
	})
	ev.OnFetch.Append(func(e tiercache.FetchEvent[P, K]) {
		a.batches.WithLabelValues(e.CacheName, strconv.FormatBool(e.Success)).Inc()
		a.fetchDur.WithLabelValues(e.CacheName).Observe(e.Duration.Seconds())
	})
	ev.OnException.Append(func(e tiercache.ExceptionEvent[P, K]) {
		a.exception.WithLabelValues(e.CacheName).Inc()
	})
	ObserveCache(a, &ev.Cache)
}

// ObserveCache attaches the adapter to tier notification events only.
func ObserveCache[K any](a *Adapter, ev *tiercache.CacheEvents[K]) {
	op := func(o tiercache.CacheOp[K], name tiercache.Op) {
		tier := o.Tier.String()
		a.tierOps.WithLabelValues(o.CacheName, tier, string(name), strconv.FormatBool(o.Success)).Inc()
		a.tierDur.WithLabelValues(o.CacheName, tier, string(name)).Observe(o.Duration.Seconds())
	}
	ev.OnGet.Append(func(e tiercache.CacheGetEvent[K]) {
		name := tiercache.OpGet
		if len(e.Keys) != 1 {
			name = tiercache.OpGetMany
		}
		op(e.CacheOp, name)
		a.tierHits.WithLabelValues(e.CacheName, e.Tier.String()).Add(float64(e.Hits))
		a.tierDups.WithLabelValues(e.CacheName, e.Tier.String()).Add(float64(e.Duplicates))
	})
	ev.OnSet.Append(func(e tiercache.CacheSetEvent[K]) {
		name := tiercache.OpSet
		if len(e.Keys) != 1 {
			name = tiercache.OpSetMany
		}
		op(e.CacheOp, name)
	})
	ev.OnRemove.Append(func(e tiercache.CacheRemoveEvent[K]) { op(e.CacheOp, tiercache.OpRemove) })
}

// InFlight exports every counter of a tiercache.Registry as a gauge.
type InFlight struct {
	reg  *tiercache.Registry
	desc *prometheus.Desc
}

var _ prometheus.Collector = (*InFlight)(nil)

// NewInFlight returns a collector over reg. Register it with a prometheus.Registerer.
func NewInFlight(reg *tiercache.Registry, ns, sub string, constLabels prometheus.Labels) *InFlight {
	return &InFlight{
		reg: reg,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, sub, "inflight_operations"),
			"Operations currently inside a cache tier",
			[]string{"cache", "type", "tier", "id"},
			constLabels,
		),
	}
}

func (c *InFlight) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *InFlight) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.reg.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.InFlight),
			s.CacheName, s.CacheType, s.Tier.String(), s.ID.String())
	}
}
