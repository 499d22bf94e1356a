package tiercache

import (
	"sync"

	"github.com/unkn0wn-root/tiercache/internal/keymap"
)

type pendingKey struct {
	refs  int
	epoch uint64
}

// pending tracks tier keys whose fetch is in progress. Remove bumps the epoch
// of a tracked key so the fetch's write-back can tell its value went stale.
// Keys are forgotten once no fetch holds them.
type pending[K comparable] struct {
	mu sync.Mutex
	m  *keymap.Map[K, *pendingKey]
}

func newPending[K comparable](cmp keymap.Comparer[K]) *pending[K] {
	return &pending[K]{m: keymap.New[K, *pendingKey](cmp, 0)}
}

// track registers keys and returns their epochs, aligned with keys.
// Every track must be paired with a release of the same keys.
func (p *pending[K]) track(keys []K) []uint64 {
	epochs := make([]uint64, len(keys))
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range keys {
		pk, ok := p.m.Get(k)
		if !ok {
			pk = &pendingKey{}
			p.m.Set(k, pk)
		}
		pk.refs++
		epochs[i] = pk.epoch
	}
	return epochs
}

func (p *pending[K]) release(keys []K) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		pk, ok := p.m.Get(k)
		if !ok {
			continue
		}
		if pk.refs--; pk.refs <= 0 {
			p.m.Delete(k)
		}
	}
}

// invalidate marks the in-progress fetches of key as stale. Untracked keys are ignored.
func (p *pending[K]) invalidate(key K) {
	p.mu.Lock()
	if pk, ok := p.m.Get(key); ok {
		pk.epoch++
	}
	p.mu.Unlock()
}

// stale reports whether key was invalidated after epoch was handed out by track.
func (p *pending[K]) stale(key K, epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pk, ok := p.m.Get(key)
	return ok && pk.epoch != epoch
}
