package ristretto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{NumCounters: 1000, MaxCost: 100, BufferItems: 64})
	require.NoError(t, err)
	defer p.Close(ctx)

	ok, err := p.Set(ctx, "a", []byte("1"), 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	p.Wait()

	b, found, err := p.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), b)

	removed, err := p.Del(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	_, found, _ = p.Get(ctx, "a")
	assert.False(t, found)
}

func TestNegativeTTLStoresWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{NumCounters: 1000, MaxCost: 100, BufferItems: 64, Metrics: true})
	require.NoError(t, err)
	defer p.Close(ctx)

	_, err = p.Set(ctx, "k", []byte("v"), 1, -time.Second)
	require.NoError(t, err)
	p.Wait()
	_, found, _ := p.Get(ctx, "k")
	assert.True(t, found)
	assert.NotNil(t, p.Metrics())
}

func TestBatchAndCostByLen(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64, CostByLen: true})
	require.NoError(t, err)
	defer p.Close(ctx)

	assert.Equal(t, int64(3), p.cost([]byte("abc"), 0))
	assert.Equal(t, int64(9), p.cost([]byte("abc"), 9))
	assert.Equal(t, int64(1), p.cost(nil, 0))

	require.NoError(t, p.SetMany(ctx, []pr.Item{
		{Key: "x", Value: []byte("1")},
		{Key: "z", Value: []byte("3")},
	}, time.Minute))
	p.Wait()

	vals, err := p.GetMany(ctx, []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("1"), nil, []byte("3")}, vals)
}
