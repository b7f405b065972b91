// Package syncutil holds small concurrency primitives shared by the services.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. Waiters can give up through their
// context, and entries are dropped once no goroutine holds or waits on them,
// so the map stays proportional to in-flight keys rather than all keys seen.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyLock
}

type keyLock struct {
	ch   chan struct{} // holds a token while unlocked
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{locks: make(map[K]*keyLock)}
}

// Lock acquires key. The returned unlock is safe to call more than once.
// If ctx ends first, Lock returns ctx.Err() and holds nothing.
func (m *KeyedMutex[K]) Lock(ctx context.Context, key K) (func(), error) {
	l := m.acquire(key)

	select {
	case <-l.ch:
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.ch <- struct{}{}
			m.release(key, l)
		})
	}, nil
}

// Len reports how many keys are currently held or waited on.
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex[K]) acquire(key K) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex[K]) release(key K, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
