package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchEach(t *testing.T) {
	var inFlight, peak atomic.Int64
	fetch := FetchEach(2, func(ctx context.Context, tenant string, id int) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		if id == 0 {
			return "", ErrNotFound
		}
		return fmt.Sprintf("%s/%d", tenant, id), nil
	})

	got, err := fetch(context.Background(), "acme", []int{0, 1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "acme/1", 2: "acme/2", 3: "acme/3", 4: "acme/4"}, got)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestFetchEachFailsBatch(t *testing.T) {
	boom := errors.New("boom")
	fetch := FetchEach(0, func(_ context.Context, _ struct{}, id int) (int, error) {
		if id == 3 {
			return 0, boom
		}
		return id, nil
	})
	got, err := fetch(context.Background(), struct{}{}, []int{1, 2, 3})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, got)
}

func TestParamsAdapters(t *testing.T) {
	f, err := New(Options[Pair[string, int], string, string]{
		Fetch: Params2(func(_ context.Context, region string, version int, keys []string) (map[string]string, error) {
			out := map[string]string{}
			for _, k := range keys {
				out[k] = fmt.Sprintf("%s:%d:%s", region, version, k)
			}
			return out, nil
		}),
	})
	require.NoError(t, err)

	v, ok, err := f.Get(context.Background(), Pair[string, int]{A: "eu", B: 2}, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "eu:2:k", v)

	three := Params3(func(_ context.Context, a, b, c int, keys []int) (map[int]int, error) {
		out := map[int]int{}
		for _, k := range keys {
			out[k] = a + b + c + k
		}
		return out, nil
	})
	got, err := three(context.Background(), Triple[int, int, int]{1, 2, 3}, []int{10})
	require.NoError(t, err)
	assert.Equal(t, 16, got[10])
}

func TestParamsKeepCachedValuesApart(t *testing.T) {
	ctx := context.Background()
	local := newMemCache[string, string]("local")
	var calls atomic.Int64
	f, err := New(Options[Pair[string, int], string, string]{
		Fetch: Params2(func(_ context.Context, region string, version int, keys []string) (map[string]string, error) {
			calls.Add(1)
			out := map[string]string{}
			for _, k := range keys {
				out[k] = fmt.Sprintf("%s:%d:%s", region, version, k)
			}
			return out, nil
		}),
		CacheKey: ParamsKey(func(p Pair[string, int]) string { return fmt.Sprintf("%s:%d", p.A, p.B) }),
		TTLFactory: func(p Pair[string, int], _, _ string) time.Duration {
			return time.Duration(p.B) * time.Minute
		},
		Local: &TierOptions[string, string]{Cache: local},
	})
	require.NoError(t, err)
	eu := Pair[string, int]{A: "eu", B: 1}
	us := Pair[string, int]{A: "us", B: 9}

	v, _, err := f.Get(ctx, eu, "k")
	require.NoError(t, err)
	assert.Equal(t, "eu:1:k", v)
	v, _, err = f.Get(ctx, us, "k")
	require.NoError(t, err)
	assert.Equal(t, "us:9:k", v)
	assert.EqualValues(t, 2, calls.Load())

	it, ok := local.item("eu:1:k")
	require.True(t, ok)
	assert.Equal(t, "eu:1:k", it.v)
	assert.Equal(t, time.Minute, it.ttl)
	it, ok = local.item("us:9:k")
	require.True(t, ok)
	assert.Equal(t, 9*time.Minute, it.ttl)
	_, ok = local.item("k")
	assert.False(t, ok)

	v, _, err = f.Get(ctx, eu, "k")
	require.NoError(t, err)
	assert.Equal(t, "eu:1:k", v)
	assert.EqualValues(t, 2, calls.Load(), "served from the local tier")

	require.NoError(t, f.Remove(ctx, us, "k"))
	_, ok = local.item("us:9:k")
	assert.False(t, ok)
	_, ok = local.item("eu:1:k")
	assert.True(t, ok)
}

func TestParamsRequireCacheKey(t *testing.T) {
	fetch := func(context.Context, Pair[string, int], []string) (map[string]string, error) { return nil, nil }
	local := &TierOptions[string, string]{Cache: newMemCache[string, string]("local")}

	var ce *ConfigError
	_, err := New(Options[Pair[string, int], string, string]{Fetch: fetch, TTL: time.Minute, Local: local})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "CacheKey", ce.Field)

	_, err = New(Options[Pair[string, int], string, string]{Fetch: fetch, Comparer: DefaultComparer[string](), Deduplicate: true})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "CacheKey", ce.Field)

	_, err = New(Options[Pair[string, int], string, string]{Fetch: fetch, TTL: time.Minute, Local: local, Disabled: true})
	assert.NoError(t, err)
}

func TestDeduplicateKeepsParamsApart(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	f, err := New(Options[int, string, string]{
		Fetch: func(_ context.Context, p int, keys []string) (map[string]string, error) {
			calls.Add(1)
			<-release
			return map[string]string{keys[0]: fmt.Sprintf("%d:%s", p, keys[0])}, nil
		},
		CacheKey:    ParamsKey(strconv.Itoa),
		Comparer:    DefaultComparer[string](),
		Deduplicate: true,
	})
	require.NoError(t, err)

	results := make(chan string, 2)
	for _, p := range []int{1, 2} {
		go func() {
			v, _, _ := f.Get(context.Background(), p, "k")
			results <- v
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	close(release)

	got := []string{<-results, <-results}
	sort.Strings(got)
	assert.Equal(t, []string{"1:k", "2:k"}, got)
}

func TestUnary(t *testing.T) {
	ctx := context.Background()
	local := newMemCache[int, string]("local")
	var calls atomic.Int64
	u, err := NewUnary(Options[struct{}, int, string]{
		Name: "squares",
		Fetch: NoParams(func(_ context.Context, keys []int) (map[int]string, error) {
			calls.Add(1)
			out := map[int]string{}
			for _, k := range keys {
				out[k] = fmt.Sprint(k * k)
			}
			return out, nil
		}),
		TTL:   time.Minute,
		Local: &TierOptions[int, string]{Cache: local},
	})
	require.NoError(t, err)
	assert.Equal(t, "squares", u.Func().Name())

	v, ok, err := u.Get(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "9", v)

	got, err := u.GetMany(ctx, []int{3, 4})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{3: "9", 4: "16"}, got)
	assert.EqualValues(t, 2, calls.Load(), "3 came from the local tier")

	require.NoError(t, u.Remove(ctx, 3))
	_, ok = local.item(3)
	assert.False(t, ok)
	require.NoError(t, u.Close(ctx))
	_, _, err = u.Get(ctx, 3)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = NewUnary(Options[struct{}, int, string]{})
	assert.Error(t, err)
}
