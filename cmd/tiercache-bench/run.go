package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/metrics/prom"
)

type report struct {
	elapsed   time.Duration
	calls     atomic.Int64
	failed    atomic.Int64
	keys      atomic.Int64
	local     atomic.Int64
	dist      atomic.Int64
	fetched   atomic.Int64
	shared    atomic.Int64
	batches   atomic.Int64
	fetchTime atomic.Int64 // nanoseconds summed over batches
}

func (r *report) observe(ev *tiercache.Events[struct{}, int]) {
	ev.OnResult.Append(func(e tiercache.ResultEvent[struct{}, int]) {
		r.calls.Add(1)
		if !e.Success {
			r.failed.Add(1)
		}
		r.keys.Add(int64(len(e.Keys)))
		r.local.Add(int64(e.LocalHits))
		r.dist.Add(int64(e.DistributedHits))
		r.fetched.Add(int64(e.Fetched))
		r.shared.Add(int64(e.Duplicates))
	})
	ev.OnFetch.Append(func(e tiercache.FetchEvent[struct{}, int]) {
		r.batches.Add(1)
		r.fetchTime.Add(int64(e.Duration))
	})
}

func pct(n, of int64) float64 {
	if of == 0 {
		return 0
	}
	return 100 * float64(n) / float64(of)
}

func (r *report) print(w io.Writer) {
	keys := r.keys.Load()
	fmt.Fprintf(w, "elapsed        %s\n", r.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "calls          %d (%.0f/s, %d failed)\n", r.calls.Load(), float64(r.calls.Load())/r.elapsed.Seconds(), r.failed.Load())
	fmt.Fprintf(w, "keys           %d\n", keys)
	fmt.Fprintf(w, "  local        %6.2f%%\n", pct(r.local.Load(), keys))
	fmt.Fprintf(w, "  distributed  %6.2f%%\n", pct(r.dist.Load(), keys))
	fmt.Fprintf(w, "  fetched      %6.2f%% (%d shared)\n", pct(r.fetched.Load(), keys), r.shared.Load())
	if b := r.batches.Load(); b > 0 {
		fmt.Fprintf(w, "fetch batches  %d (avg %s)\n", b, (time.Duration(r.fetchTime.Load()) / time.Duration(b)).Round(time.Microsecond))
	}
}

func serveMetrics(addr string, ev *tiercache.Events[struct{}, int], reg *tiercache.Registry, log tiercache.Logger) *http.Server {
	pr := prometheus.NewRegistry()
	prom.Observe(prom.New(pr, "tiercache", "bench", nil), ev)
	pr.MustRegister(prom.NewInFlight(reg, "tiercache", "bench", nil))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(pr, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", tiercache.Fields{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", tiercache.Fields{"err": err})
		}
	}()
	return srv
}

func run(ctx context.Context, cfg config, st settings) (*report, error) {
	s, err := buildStack(cfg, st)
	if err != nil {
		return nil, err
	}
	defer s.close(context.Background())

	rep := &report{}
	ev := &tiercache.Events[struct{}, int]{}
	rep.observe(ev)
	reg := tiercache.NewRegistry()
	defer reg.Close()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, ev, reg, s.log)
		defer srv.Close()
	}

	opts := tiercache.Options[struct{}, int, record]{
		Name: "bench",
		Fetch: tiercache.NoParams(func(ctx context.Context, ids []int) (map[int]record, error) {
			select {
			case <-time.After(st.fetchLatency):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			out := make(map[int]record, len(ids))
			for _, id := range ids {
				out[id] = record{ID: id, Payload: "payload-" + strconv.Itoa(id)}
			}
			return out, nil
		}),
		TTL:          st.ttl,
		MaxBatchSize: cfg.MaxBatchSize,
		Events:       ev,
		Logger:       s.log,
		Registry:     reg,
	}
	if cfg.EvenBatches {
		opts.BatchBehaviour = tiercache.BatchEven
	}
	if cfg.Dedup {
		opts.Comparer = tiercache.DefaultComparer[int]()
		opts.Deduplicate = true
	}
	if s.local != nil {
		opts.Local = &tiercache.TierOptions[int, record]{Cache: s.local, TTL: st.localTTL}
	}
	if s.dist != nil {
		opts.Distributed = &tiercache.TierOptions[int, record]{
			Cache:     s.dist,
			SwallowIf: []func(*tiercache.CacheError) bool{func(*tiercache.CacheError) bool { return true }},
		}
	}
	f, err := tiercache.NewUnary(opts)
	if err != nil {
		return nil, err
	}
	defer f.Close(context.Background())

	ctx, cancel := context.WithTimeout(ctx, st.duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		seed := int64(w)*9973 + 1
		g.Go(func() error {
			// rand.Rand is not safe for concurrent use; one per worker.
			r := rand.New(rand.NewSource(seed))
			zipf := rand.NewZipf(r, cfg.ZipfS, 1, uint64(cfg.Keys-1))
			keys := make([]int, cfg.BatchSize)
			for gctx.Err() == nil {
				for i := range keys {
					keys[i] = int(zipf.Uint64())
				}
				if _, err := f.GetMany(gctx, keys); err != nil && gctx.Err() == nil {
					s.log.Debug("call failed", tiercache.Fields{"err": err})
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	rep.elapsed = time.Since(start)
	return rep, nil
}
