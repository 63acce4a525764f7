package semaphore

import (
	"context"
	"errors"
	"time"

	sferrors "github.com/mirkobrombin/go-singlefile/v1/errors"
)

// Result is the outcome of Run: either the value produced by the work, or
// Acquired == false when the queue wait timed out (or no work was given).
type Result[T any] struct {
	Value    T
	Acquired bool
}

// TimedOut reports whether the work did not run.
func (r Result[T]) TimedOut() bool { return !r.Acquired }

// Run runs work under s and captures its value. A queue wait timeout yields a
// zero Result and a nil error.
func Run[T any](ctx context.Context, s *Semaphore, timeout time.Duration, work func(context.Context) (T, error)) (Result[T], error) {
	v, err := RunStrict(ctx, s, timeout, work)
	if errors.Is(err, sferrors.ErrQueueTimeout) {
		return Result[T]{}, nil
	}
	if err != nil {
		return Result[T]{Value: v}, err
	}
	return Result[T]{Value: v, Acquired: work != nil}, nil
}

// RunStrict runs work under s and returns its value, or
// errors.ErrQueueTimeout when no token arrived in time.
func RunStrict[T any](ctx context.Context, s *Semaphore, timeout time.Duration, work func(context.Context) (T, error)) (T, error) {
	var v T
	if work == nil {
		return v, nil
	}
	err := s.SynchronizeStrict(ctx, timeout, func(ctx context.Context) error {
		var err error
		v, err = work(ctx)
		return err
	})
	return v, err
}
