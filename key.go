package tiercache

import (
	"fmt"
	"sync"
)

// Key wraps a caller key with a lazily rendered string form used by logs,
// errors and events. It is immutable and cheap to copy.
type Key[K any] struct {
	v K
	s *lazyString
}

type lazyString struct {
	once sync.Once
	fn   func() string
	s    string
}

// NewKey wraps v. format renders it on first use; nil means fmt.Sprint.
func NewKey[K any](v K, format func(K) string) Key[K] {
	if format == nil {
		format = sprint[K]
	}
	return Key[K]{v: v, s: &lazyString{fn: func() string { return format(v) }}}
}

func (k Key[K]) Value() K { return k.v }

func (k Key[K]) String() string {
	if k.s == nil {
		return fmt.Sprint(k.v)
	}
	k.s.once.Do(func() {
		k.s.s = k.s.fn()
		k.s.fn = nil
	})
	return k.s.s
}

func sprint[K any](k K) string { return fmt.Sprint(k) }

func wrapKeys[K any](vals []K, format func(K) string) []Key[K] {
	out := make([]Key[K], len(vals))
	for i, v := range vals {
		out[i] = NewKey(v, format)
	}
	return out
}

func keyStrings[K any](vals []K, format func(K) string) []string {
	if format == nil {
		format = sprint[K]
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = format(v)
	}
	return out
}
