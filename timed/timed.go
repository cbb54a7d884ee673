// Package timed bounds blocking network operations with a deadline race so a
// stalled device can never block its caller. A timed-out operation is
// abandoned, not cancelled: the underlying I/O may still complete in the
// background and its result is discarded.
package timed

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError reports that an operation exceeded its deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.After)
}

// Is allows errors.Is matching against context.DeadlineExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

type outcome[T any] struct {
	value T
	err   error
}

// Run executes op and races it against the deadline. The op receives a
// context that expires with the deadline so cooperative operations can stop
// early; ops that ignore it are simply abandoned. The result channel is
// buffered so the abandoned goroutine never leaks on a send.
func Run[T any](ctx context.Context, deadline time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if deadline <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, deadline)

	results := make(chan outcome[T], 1)
	go func() {
		defer cancel()
		value, err := op(opCtx)
		results <- outcome[T]{value: value, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-results:
		return res.value, res.err
	case <-timer.C:
		return zero, &TimeoutError{After: deadline}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
