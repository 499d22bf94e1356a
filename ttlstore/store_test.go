package ttlstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tiercache"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore[K comparable, V any](t *testing.T, opts Options[K]) *Store[K, V] {
	t.Helper()
	s := New[K, V](opts)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestAbsoluteExpiry(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s := newStore[string, string](t, Options[string]{Clock: clk.Now, SweepInterval: -1})

	require.NoError(t, s.Set(ctx, "k1", "v1", time.Second))
	r, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.Equal(t, "v1", r.Value)
	assert.Equal(t, time.Second, r.TTL)

	clk.Advance(999 * time.Millisecond)
	r, _ = s.Get(ctx, "k1")
	assert.True(t, r.Found, "still live just before the deadline")

	// reads do not extend an absolute deadline
	clk.Advance(time.Millisecond)
	r, _ = s.Get(ctx, "k1")
	assert.False(t, r.Found, "expired at the deadline")
	assert.Equal(t, 0, s.Count(), "lazy expiry removes the entry")
}

func TestScenarioSetThenSleep(t *testing.T) {
	ctx := context.Background()
	s := newStore[string, string](t, Options[string]{})

	require.NoError(t, s.Set(ctx, "k1", "v1", 100*time.Millisecond))
	r, _ := s.Get(ctx, "k1")
	require.True(t, r.Found)
	assert.Equal(t, "v1", r.Value)

	time.Sleep(200 * time.Millisecond)
	r, _ = s.Get(ctx, "k1")
	assert.False(t, r.Found)
}

func TestRollingExpiry(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s := newStore[string, int](t, Options[string]{Clock: clk.Now, Rolling: true, SweepInterval: -1})
	assert.Equal(t, "rolling-ttlstore", s.Type())

	require.NoError(t, s.Set(ctx, "hot", 1, time.Second))
	require.NoError(t, s.Set(ctx, "cold", 2, time.Second))

	// touching every t/2 keeps "hot" alive well past its original deadline
	for i := 0; i < 6; i++ {
		clk.Advance(500 * time.Millisecond)
		r, _ := s.Get(ctx, "hot")
		require.True(t, r.Found, "hot expired at step %d", i)
	}

	r, _ := s.Get(ctx, "cold")
	assert.False(t, r.Found)

	// t after the last access it goes away
	clk.Advance(time.Second)
	r, _ = s.Get(ctx, "hot")
	assert.False(t, r.Found)
}

func TestNonPositiveTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s := newStore[int, int](t, Options[int]{Clock: clk.Now, SweepInterval: -1})

	require.NoError(t, s.Set(ctx, 1, 1, 0))
	clk.Advance(24 * time.Hour)
	r, _ := s.Get(ctx, 1)
	assert.True(t, r.Found)
	assert.Zero(t, r.TTL)
}

func TestSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s := newStore[int, int](t, Options[int]{Clock: clk.Now, SweepInterval: -1})

	for i := 0; i < 10; i++ {
		ttl := time.Second
		if i%2 == 0 {
			ttl = time.Minute
		}
		require.NoError(t, s.Set(ctx, i, i, ttl))
	}
	clk.Advance(2 * time.Second)
	s.Sweep()
	assert.Equal(t, 5, s.Count())
}

func TestBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	s := newStore[string, int](t, Options[string]{SweepInterval: 10 * time.Millisecond})

	require.NoError(t, s.SetMany(ctx, []tiercache.Entry[string, int]{
		{Key: "a", Value: 1}, {Key: "b", Value: 2},
	}, 20*time.Millisecond))
	require.Equal(t, 2, s.Count())

	// nobody reads; only the sweeper can bring the count down
	require.Eventually(t, func() bool { return s.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestMaxItemsEvictsOldestInsertions(t *testing.T) {
	ctx := context.Background()
	s := newStore[int, int](t, Options[int]{MaxItems: 5, Shards: 4})

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(ctx, i, i, time.Minute))
	}
	require.Eventually(t, func() bool { return s.Count() == 5 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		r, _ := s.Get(ctx, i)
		assert.False(t, r.Found, "key %d should have been evicted", i)
	}
	for i := 5; i < 10; i++ {
		r, _ := s.Get(ctx, i)
		assert.True(t, r.Found, "key %d should remain", i)
	}
}

func TestMaxItemsIgnoresReadsForOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore[string, int](t, Options[string]{MaxItems: 2, Shards: 1})

	require.NoError(t, s.Set(ctx, "first", 1, time.Minute))
	require.NoError(t, s.Set(ctx, "second", 2, time.Minute))
	_, _ = s.Get(ctx, "first") // access does not refresh insertion order
	require.NoError(t, s.Set(ctx, "third", 3, time.Minute))

	require.Eventually(t, func() bool { return s.Count() == 2 }, 2*time.Second, 5*time.Millisecond)
	r, _ := s.Get(ctx, "first")
	assert.False(t, r.Found)
}

func TestComparer(t *testing.T) {
	ctx := context.Background()
	s := newStore[string, int](t, Options[string]{Comparer: tiercache.StringComparer{IgnoreCase: true}})

	require.NoError(t, s.Set(ctx, "User:1", 1, time.Minute))
	require.NoError(t, s.Set(ctx, "USER:1", 2, time.Minute))
	assert.Equal(t, 1, s.Count())

	r, _ := s.Get(ctx, "user:1")
	assert.True(t, r.Found)
	assert.Equal(t, 2, r.Value)
	assert.Equal(t, "user:1", r.Key)
}

func TestRemoveClearAndClose(t *testing.T) {
	ctx := context.Background()
	s := New[string, int](Options[string]{})

	require.NoError(t, s.Set(ctx, "a", 1, time.Minute))
	require.NoError(t, s.Set(ctx, "b", 2, time.Minute))

	ok, err := s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.Remove(ctx, "a")
	assert.False(t, ok)

	s.Clear()
	assert.Equal(t, 0, s.Count())

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))

	// usable after Close, only the sweeper is gone
	require.NoError(t, s.Set(ctx, "c", 3, time.Minute))
	r, _ := s.Get(ctx, "c")
	assert.True(t, r.Found)
}

func TestGetManyAligned(t *testing.T) {
	ctx := context.Background()
	s := newStore[string, int](t, Options[string]{})
	require.NoError(t, s.Set(ctx, "b", 2, time.Minute))

	res, err := s.GetMany(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.False(t, res[0].Found)
	assert.True(t, res[1].Found)
	assert.Equal(t, 2, res[1].Value)
	assert.Equal(t, "c", res[2].Key)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := newStore[string, int](t, Options[string]{MaxItems: 100, SweepInterval: time.Millisecond})

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("k%d", i%150)
				if err := s.Set(ctx, k, i, 50*time.Millisecond); err != nil {
					return err
				}
				if _, err := s.Get(ctx, k); err != nil {
					return err
				}
				if i%7 == 0 {
					if _, err := s.Remove(ctx, k); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Eventually(t, func() bool { return s.Count() <= 100 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, s.Count(), 0)
}

func TestNextPow2(t *testing.T) {
	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 64: 64, 65: 128}
	for in, want := range cases {
		if got := nextPow2(in); got != want {
			t.Fatalf("nextPow2(%d)=%d want %d", in, got, want)
		}
	}
}
