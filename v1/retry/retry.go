// Package retry runs an operation in an explicit bounded loop, sleeping
// between attempts according to a pluggable backoff curve.
package retry

import (
	"context"
	"errors"
	"time"
)

// Backoff returns the delay before the given retry. Retries are numbered from 1.
type Backoff func(retry int) time.Duration

// Linear sleeps retry*step: step, 2*step, 3*step...
func Linear(step time.Duration) Backoff {
	return func(retry int) time.Duration {
		return time.Duration(retry) * step
	}
}

// Fixed always sleeps d.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// Retries is the number of additional attempts after the first one.
	Retries int
	Backoff Backoff
	// OnRetry, if set, is called before sleeping for each retry.
	OnRetry func(retry int, err error, delay time.Duration)
}

// DefaultPolicy retries five times with linearly escalating one second steps.
func DefaultPolicy() Policy {
	return Policy{Retries: 5, Backoff: Linear(time.Second)}
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// retry budget is spent, or ctx is done. The last error from fn is returned.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || retryable == nil || !retryable(err) || attempt >= p.Retries {
			return err
		}
		retry := attempt + 1
		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(retry)
		}
		if p.OnRetry != nil {
			p.OnRetry(retry, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
