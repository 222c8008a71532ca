package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker grants exclusive access to a set of keys. Implementations acquire keys in sorted
// order so two callers with overlapping sets cannot deadlock. unlock releases all of them.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

func ProductKey(id string) string { return "product:" + id }
func OrderKey(id string) string   { return "order:" + id }

// Normalize sorts keys and drops duplicates.
func Normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

// KeyedMutex is an in-process Locker. Each key maps to a one-slot channel so waiting
// respects context cancellation.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = Normalize(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.release(held[i])
		}
	}
	for _, k := range keys {
		s := m.acquireRef(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			m.dropRef(k)
			release()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (m *KeyedMutex) acquireRef(k string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[k] = s
	}
	s.refs++
	return s
}

func (m *KeyedMutex) dropRef(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[k]
	s.refs--
	if s.refs == 0 {
		delete(m.slots, k)
	}
}

func (m *KeyedMutex) release(k string) {
	m.mu.Lock()
	s := m.slots[k]
	m.mu.Unlock()
	<-s.ch
	m.dropRef(k)
}
