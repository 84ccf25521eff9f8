package protocol

import (
	"context"
	"sync"
)

// result is the outcome of a request, completed exactly once.
type result[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func (r *result[T]) init() {
	r.done = make(chan struct{})
}

func (r *result[T]) complete(value T, err error) {
	r.once.Do(func() {
		r.value = value
		r.err = err
		close(r.done)
	})
}

// Cancel completes the request with err unless it already completed.
func (r *result[T]) Cancel(err error) {
	var zero T
	r.complete(zero, err)
}

// Done is closed once the request completed.
func (r *result[T]) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request completed or ctx is done.
func (r *result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
