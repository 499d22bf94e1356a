package bigcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute, Shards: 16, MaxEntriesInWindow: 1000})
	require.NoError(t, err)
	defer p.Close(ctx)

	_, found, err := p.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := p.Set(ctx, "a", []byte("1"), 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, p.Len())

	b, found, err := p.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), b)

	removed, err := p.Del(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = p.Del(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestNewRejectsZeroLifeWindow(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestBatchAndStats(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute, Shards: 16, MaxEntriesInWindow: 1000})
	require.NoError(t, err)
	defer p.Close(ctx)

	require.NoError(t, p.SetMany(ctx, []pr.Item{
		{Key: "x", Value: []byte("1")},
		{Key: "z", Value: []byte("3")},
	}, time.Minute))

	vals, err := p.GetMany(ctx, []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("1"), nil, []byte("3")}, vals)
	assert.EqualValues(t, 2, p.Stats().Hits)
	assert.EqualValues(t, 1, p.Stats().Misses)
}
