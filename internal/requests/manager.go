// Package requests correlates outstanding requests with their responses.
package requests

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateRequest is returned by Track when the ID is already pending.
var ErrDuplicateRequest = errors.New("request id already tracked")

// Result is what a pending request resolves to: a value, or the error it
// was rejected with.
type Result[T any] struct {
	Value T
	Err   error
}

// Manager holds pending requests keyed by ID. It is safe for concurrent use.
type Manager[K comparable, T any] struct {
	mu      sync.Mutex
	pending map[K]chan Result[T]
}

// NewManager returns an empty manager.
func NewManager[K comparable, T any]() *Manager[K, T] {
	return &Manager[K, T]{pending: make(map[K]chan Result[T])}
}

// Track registers id and returns the channel its result will be delivered
// on. The channel is buffered and receives exactly one Result.
func (m *Manager[K, T]) Track(id K) (<-chan Result[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateRequest, id)
	}
	ch := make(chan Result[T], 1)
	m.pending[id] = ch
	return ch, nil
}

// Complete resolves id with v and removes it. It returns false if id was not
// pending, in which case v is dropped.
func (m *Manager[K, T]) Complete(id K, v T) bool {
	ch, ok := m.take(id)
	if !ok {
		return false
	}
	ch <- Result[T]{Value: v}
	return true
}

// Remove forgets id without resolving it.
func (m *Manager[K, T]) Remove(id K) bool {
	_, ok := m.take(id)
	return ok
}

// CancelAll rejects every pending request with reason and returns how many
// were rejected.
func (m *Manager[K, T]) CancelAll(reason error) int {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[K]chan Result[T])
	m.mu.Unlock()

	for _, ch := range pending {
		ch <- Result[T]{Err: reason}
	}
	return len(pending)
}

// Len returns the number of pending requests.
func (m *Manager[K, T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager[K, T]) take(id K) (chan Result[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	return ch, ok
}
