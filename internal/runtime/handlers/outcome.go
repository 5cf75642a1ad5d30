package handlers

import "context"

// Outcome is the single result delivered on the channel returned by the async
// variants.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Async runs fn on its own goroutine. The returned channel yields exactly one
// Outcome and is then closed.
func Async[T any](fn func() (T, error)) <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)
	go func() {
		defer close(ch)
		value, err := fn()
		ch <- Outcome[T]{Value: value, Err: err}
	}()
	return ch
}

// Await blocks for the outcome on ch or for ctx to end. A channel closed
// without a value yields the zero value.
func Await[T any](ctx context.Context, ch <-chan Outcome[T]) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case out, ok := <-ch:
		if !ok {
			return zero, nil
		}
		return out.Value, out.Err
	}
}
