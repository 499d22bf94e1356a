package tiercache_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/codec"
	tczap "github.com/unkn0wn-root/tiercache/log/zap"
	"github.com/unkn0wn-root/tiercache/provider/redis"
	"github.com/unkn0wn-root/tiercache/ttlstore"
)

type product struct {
	SKU   string `json:"sku"`
	Price int    `json:"price"`
}

func TestLocalAndRedisTiers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rp, err := redis.New(redis.Config{
		Client:      goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		CloseClient: true,
	})
	require.NoError(t, err)

	logger := tczap.ZapLogger{L: zaptest.NewLogger(t)}
	dist, err := tiercache.NewProviderCache(tiercache.ProviderCacheOptions[string, product]{
		Name:      "products",
		Type:      "redis",
		Namespace: "product",
		Provider:  rp,
		Codec:     codec.JSON[product]{},
		KeyCodec:  codec.StringKey{},
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dist.Close(ctx) })

	local := ttlstore.New[string, product](ttlstore.Options[string]{Name: "products-local", SweepInterval: -1})
	t.Cleanup(func() { _ = local.Close(ctx) })

	var fetched atomic.Int64
	reg := tiercache.NewRegistry()
	defer reg.Close()
	f, err := tiercache.NewUnary(tiercache.Options[struct{}, string, product]{
		Name: "products",
		Fetch: tiercache.NoParams(func(_ context.Context, skus []string) (map[string]product, error) {
			fetched.Add(int64(len(skus)))
			out := make(map[string]product, len(skus))
			for i, s := range skus {
				out[s] = product{SKU: s, Price: 100 + i}
			}
			return out, nil
		}),
		TTL:         time.Minute,
		Local:       &tiercache.TierOptions[string, product]{Cache: local, TTL: 10 * time.Second},
		Distributed: &tiercache.TierOptions[string, product]{Cache: dist},
		Logger:      logger,
		Registry:    reg,
	})
	require.NoError(t, err)
	defer f.Close(ctx)

	got, err := f.GetMany(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 2, fetched.Load())
	assert.True(t, mr.Exists("product:a"))
	assert.Equal(t, time.Minute, mr.TTL("product:a"))
	assert.Equal(t, 2, local.Count())

	// Only the local copy disappears; redis serves the next read.
	_, err = local.Remove(ctx, "a")
	require.NoError(t, err)
	p, ok, err := f.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", p.SKU)
	assert.EqualValues(t, 2, fetched.Load())

	r, err := local.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, r.Found, "redis hit is copied back to the local tier")
	assert.LessOrEqual(t, r.TTL, 10*time.Second)

	require.NoError(t, f.Remove(ctx, "b"))
	assert.False(t, mr.Exists("product:b"))
	_, _, err = f.Get(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 3, fetched.Load())
	assert.Equal(t, 2, reg.Len())
}

func TestRedisOutageSwallowed(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rp, err := redis.New(redis.Config{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), CloseClient: true})
	require.NoError(t, err)
	dist, err := tiercache.NewProviderCache(tiercache.ProviderCacheOptions[int, string]{
		Name:      "names",
		Type:      "redis",
		Namespace: "name",
		Provider:  rp,
		Codec:     codec.String{},
		KeyCodec:  codec.IntKey[int]{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dist.Close(ctx) })

	var swallowed atomic.Int64
	f, err := tiercache.NewUnary(tiercache.Options[struct{}, int, string]{
		Fetch: tiercache.NoParams(func(_ context.Context, ids []int) (map[int]string, error) {
			out := map[int]string{}
			for _, id := range ids {
				out[id] = fmt.Sprint("n", id)
			}
			return out, nil
		}),
		TTL: time.Minute,
		Distributed: &tiercache.TierOptions[int, string]{
			Cache: dist,
			SwallowIf: []func(*tiercache.CacheError) bool{func(*tiercache.CacheError) bool {
				swallowed.Add(1)
				return true
			}},
		},
	})
	require.NoError(t, err)

	mr.SetError("ERR server down")
	v, ok, err := f.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "n1", v)
	assert.EqualValues(t, 2, swallowed.Load(), "the read and the write-back both failed")
}
