package scheduler

import (
	"context"
	"sync"
)

// Ready is a one-shot value that dependent tasks await, e.g. the resolved channel id.
type Ready[T any] struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.RWMutex
	value T
	init  sync.Once
}

// NewReady returns an unresolved signal.
func NewReady[T any]() *Ready[T] {
	r := &Ready[T]{}
	r.ch()
	return r
}

func (r *Ready[T]) ch() chan struct{} {
	r.init.Do(func() { r.done = make(chan struct{}) })
	return r.done
}

// Set resolves the signal. Only the first call has an effect.
func (r *Ready[T]) Set(v T) {
	r.once.Do(func() {
		r.mu.Lock()
		r.value = v
		r.mu.Unlock()
		close(r.ch())
	})
}

// Get returns the value without blocking.
func (r *Ready[T]) Get() (T, bool) {
	select {
	case <-r.ch():
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.value, true
	default:
		var zero T
		return zero, false
	}
}

// Wait blocks until Set has been called or ctx is done.
func (r *Ready[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.ch():
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the value is set.
func (r *Ready[T]) Done() <-chan struct{} { return r.ch() }
