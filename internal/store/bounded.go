package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultCallTimeout bounds a single cache round trip on the request path.
const DefaultCallTimeout = 250 * time.Millisecond

// ErrTimeout is returned by Bounded when the call outlives its deadline.
var ErrTimeout = errors.New("call timed out")

// Bounded runs fn with a context that expires after d and returns as soon as
// fn finishes or d elapses. A call still running at the deadline is left to
// finish on its own and its result is dropped. d <= 0 runs fn inline.
func Bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-callCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %w after %s", ErrUnavailable, ErrTimeout, d)
	}
}
