package prom

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/ttlstore"
)

func TestObserveCountsCallsAndSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "app", "cache", nil)
	ev := &tiercache.Events[struct{}, string]{}
	Observe(a, ev)

	local := ttlstore.New[string, string](ttlstore.Options[string]{Name: "local", SweepInterval: -1})
	defer local.Close(context.Background())
	require.NoError(t, local.Set(context.Background(), "a", "cached", time.Minute))

	f, err := tiercache.New(tiercache.Options[struct{}, string, string]{
		Name: "users",
		Fetch: func(_ context.Context, _ struct{}, keys []string) (map[string]string, error) {
			out := map[string]string{}
			for _, k := range keys {
				out[k] = "v"
			}
			return out, nil
		},
		TTL:    time.Minute,
		Local:  &tiercache.TierOptions[string, string]{Cache: local},
		Events: ev,
	})
	require.NoError(t, err)

	_, err = f.GetMany(context.Background(), struct{}{}, []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.calls.WithLabelValues("users", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.keys.WithLabelValues("users", "local")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.keys.WithLabelValues("users", "fetch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.batches.WithLabelValues("users", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.tierHits.WithLabelValues("local", "local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.tierOps.WithLabelValues("local", "local", "get_many", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.tierOps.WithLabelValues("local", "local", "set_many", "true")))
	assert.Equal(t, 1, testutil.CollectAndCount(a.fetchDur))
}

func TestInFlightCollector(t *testing.T) {
	r := tiercache.NewRegistry()
	defer r.Close()
	c := r.Register("users", "redis", tiercache.TierDistributed)

	col := NewInFlight(r, "app", "cache", prometheus.Labels{"env": "test"})
	reg := prometheus.NewRegistry()
	reg.MustRegister(col)

	assert.Equal(t, 1, testutil.CollectAndCount(col))
	assert.Equal(t, 0.0, testutil.ToFloat64(col))

	want := `
# HELP app_cache_inflight_operations Operations currently inside a cache tier
# TYPE app_cache_inflight_operations gauge
app_cache_inflight_operations{cache="users",env="test",id="` + c.ID().String() + `",tier="distributed",type="redis"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "app_cache_inflight_operations"))

	c.Unregister()
	assert.Equal(t, 0, testutil.CollectAndCount(col))
}
