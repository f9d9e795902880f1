// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// RWGuard wraps RWMutex with scoped lock helpers that return values.
type RWGuard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *RWGuard[T] {
	return &RWGuard[T]{value: initial}
}

// View runs fn under the read lock and returns its result.
func View[T, R any](g *RWGuard[T], fn func(T) R) R {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(g.value)
}

// Write executes fn while holding write lock, fn receives pointer for mutation.
func (g *RWGuard[T]) Write(fn func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// Modify applies fn to a copy under the write lock and commits it only when fn
// returns nil. The committed (or unchanged) value is returned.
func (g *RWGuard[T]) Modify(fn func(*T) error) (T, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.value
	if err := fn(&next); err != nil {
		return g.value, err
	}
	g.value = next
	return next, nil
}

// Get returns a copy of the value (T should be value type or immutable).
func (g *RWGuard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Set atomically replaces the value.
func (g *RWGuard[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}

// Swap atomically replaces and returns old value.
func (g *RWGuard[T]) Swap(v T) T {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.value
	g.value = v
	return old
}
