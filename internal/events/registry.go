// Package events provides the listener registry used on event-producing
// paths. Registration returns an explicit detach handle so every callback
// has a matching cleanup path; delivery is synchronous and a failing
// listener never interrupts the rest.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Registry fans one event type out to registered listeners.
type Registry[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{fns: make(map[int]func(T))}
}

// Add registers a listener and returns its detach handle.
func (r *Registry[T]) Add(fn func(T)) (detach func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.fns[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.fns, id)
		r.mu.Unlock()
	}
}

// Len reports the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fns)
}

// Emit invokes every listener with v on the calling goroutine. A panicking
// listener is logged and isolated.
func (r *Registry[T]) Emit(logger *zap.Logger, v T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.fns))
	for _, fn := range r.fns {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		invoke(logger, fn, v)
	}
}

func invoke[T any](logger *zap.Logger, fn func(T), v T) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("event listener panicked", zap.Any("panic", rec))
		}
	}()
	fn(v)
}
