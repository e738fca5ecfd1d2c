package realtime

import "sync"

// Box is a latest-value cell. Synchronous state changes write it; async
// continuations (throttle timers, presence handlers) read it at fire time
// instead of capturing a collection snapshot when they were scheduled.
type Box[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewBox constructs a box holding the initial value.
func NewBox[T any](initial T) *Box[T] {
	return &Box[T]{value: initial}
}

// Set replaces the stored value.
func (b *Box[T]) Set(value T) {
	b.mu.Lock()
	b.value = value
	b.mu.Unlock()
}

// Get returns the freshest stored value.
func (b *Box[T]) Get() T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.value
}
