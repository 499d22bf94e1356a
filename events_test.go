package tiercache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserversOrder(t *testing.T) {
	var got []string
	rec := func(tag string) func(int) {
		return func(int) { got = append(got, tag) }
	}

	var o Observers[int]
	o.Emit(1)
	assert.Equal(t, 0, o.Len())

	o.Append(rec("b"), nil, rec("c"))
	o.Prepend(rec("a"))
	assert.Equal(t, 3, o.Len())
	o.Emit(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	got = nil
	o.Overwrite(rec("z"))
	o.Emit(1)
	assert.Equal(t, []string{"z"}, got)

	o.Overwrite()
	assert.Equal(t, 0, o.Len())
}

func TestObserversConcurrentEmit(t *testing.T) {
	var o Observers[int]
	var mu sync.Mutex
	sum := 0
	o.Append(func(n int) {
		mu.Lock()
		sum += n
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Emit(1)
			o.Append(func(int) {})
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, sum, 50)
	assert.Equal(t, 51, o.Len())
}

func TestKeyRendersLazilyOnce(t *testing.T) {
	calls := 0
	k := NewKey(42, func(n int) string {
		calls++
		return "user-42"
	})
	assert.Equal(t, 0, calls)
	assert.Equal(t, "user-42", k.String())
	assert.Equal(t, "user-42", k.String())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 42, k.Value())

	assert.Equal(t, "7", NewKey(7, nil).String())
	assert.Equal(t, "3", Key[int]{v: 3}.String())
}

func TestPreviewKeys(t *testing.T) {
	assert.Equal(t, "[a b]", previewKeys([]string{"a", "b"}))
	long := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"}
	assert.Equal(t, "[1 2 3 4 5 6 7 8 ...+2]", previewKeys(long))
}

func TestComparers(t *testing.T) {
	ci := StringComparer{IgnoreCase: true}
	assert.True(t, ci.Equal("Foo", "fOO"))
	assert.Equal(t, ci.Hash("Foo"), ci.Hash("foo"))
	assert.False(t, StringComparer{}.Equal("Foo", "foo"))

	d := DefaultComparer[int]()
	assert.True(t, d.Equal(1, 1))
	assert.Equal(t, d.Hash(5), d.Hash(5))
	assert.Nil(t, asKeymap[int](nil))
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "local", TierLocal.String())
	assert.Equal(t, "distributed", TierDistributed.String())
}
