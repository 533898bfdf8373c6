// Package event provides callback registration for connection lifecycle
// notifications.
package event

import (
	"slices"
	"sync"
)

// Feed fans a value out to registered callbacks.
type Feed[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]func(T)
	nextID uint64
}

// Subscribe registers fn and returns a func that removes it. The returned
// func is safe to call more than once.
func (f *Feed[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[uint64]func(T))
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// Publish calls every registered callback with v, in registration order,
// on the calling goroutine. Callbacks run outside the lock so they may
// subscribe or unsubscribe.
func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	ids := make([]uint64, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		f.mu.RLock()
		fn, ok := f.subs[id]
		f.mu.RUnlock()
		if ok {
			fn(v)
		}
	}
}

// Len returns the number of registered callbacks.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
