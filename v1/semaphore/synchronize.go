package semaphore

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sferrors "github.com/mirkobrombin/go-singlefile/v1/errors"
	"github.com/mirkobrombin/go-singlefile/v1/metrics"
	"github.com/mirkobrombin/go-singlefile/v1/notify"
)

// releaseScript pushes a token only when the queue is empty and the caller
// held the token, then refreshes both expiries. It returns 1 when a token
// was pushed.
var releaseScript = redis.NewScript(`
local pushed = 0
if ARGV[3] == "1" and redis.call("LLEN", KEYS[2]) == 0 then
    redis.call("LPUSH", KEYS[2], ARGV[1])
    pushed = 1
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
redis.call("EXPIRE", KEYS[2], ARGV[2])
return pushed
`)

// Work is a critical section.
type Work func(ctx context.Context) error

// call carries per-call state across the protected steps.
type call struct {
	redirected bool
}

// Synchronize waits up to timeout for the session token, runs work and
// hands the token on. It reports whether work ran. A queue wait timeout is
// not an error: Synchronize returns false, nil. A zero or negative timeout
// waits indefinitely; Redis resolves it in whole seconds, rounding sub-second
// values up to one second.
//
// A nil work returns false, nil without touching the store.
func (s *Semaphore) Synchronize(ctx context.Context, timeout time.Duration, work Work) (bool, error) {
	err := s.SynchronizeStrict(ctx, timeout, work)
	if errors.Is(err, sferrors.ErrQueueTimeout) {
		return false, nil
	}
	return err == nil && work != nil, err
}

// SynchronizeStrict is Synchronize but returns errors.ErrQueueTimeout when
// no token arrives in time. Errors from work are returned as is, joined with
// any release failure.
func (s *Semaphore) SynchronizeStrict(ctx context.Context, timeout time.Duration, work Work) (err error) {
	if work == nil {
		return nil
	}
	if timeout < 0 {
		timeout = 0
	}

	var span trace.Span
	if s.traceEnabled {
		ctx, span = otel.Tracer(tracerName).Start(ctx, "Semaphore.Synchronize", trace.WithAttributes(
			attribute.String("singlefile.session", s.name),
			attribute.String("singlefile.instance", s.id),
			attribute.String("singlefile.timeout", timeout.String()),
		))
		defer func() {
			if err != nil && !errors.Is(err, sferrors.ErrQueueTimeout) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	c := &call{}
	acquired := false
	defer func() {
		// Release must run even when ctx was cancelled or work panicked.
		rctx := context.WithoutCancel(ctx)
		if rerr := s.release(rctx, c, acquired); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	if err := s.enter(ctx, c); err != nil {
		return err
	}

	start := time.Now()
	acquired, err = s.pop(ctx, c, timeout)
	metrics.WaitHistogram.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if !acquired {
		metrics.TimeoutCounter.Inc()
		s.addEvent(span, "timeout")
		s.notify(ctx, notify.KindTimeout)
		return sferrors.ErrQueueTimeout
	}
	metrics.AcquiredCounter.Inc()
	s.addEvent(span, "acquired")
	s.notify(ctx, notify.KindAcquired)

	if err := s.protect(ctx, c, "persist", func(ctx context.Context, client redis.UniversalClient) error {
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Persist(ctx, s.mutexKey)
			pipe.Persist(ctx, s.queueKey)
			return nil
		})
		return err
	}); err != nil {
		return err
	}

	metrics.HoldersGauge.Inc()
	defer metrics.HoldersGauge.Dec()
	return work(ctx)
}

// enter marks the mutex key with this instance's identity and primes the
// queue if the session was not live.
func (s *Semaphore) enter(ctx context.Context, c *call) error {
	var live bool
	err := s.protect(ctx, c, "getset", func(ctx context.Context, client redis.UniversalClient) error {
		prev, err := client.GetSet(ctx, s.mutexKey, s.id).Result()
		if errors.Is(err, redis.Nil) {
			live = false
			return nil
		}
		if err != nil {
			return err
		}
		live = prev != ""
		return nil
	})
	if err != nil || live {
		return err
	}
	err = s.protect(ctx, c, "prime", func(ctx context.Context, client redis.UniversalClient) error {
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.queueKey)
			pipe.LPush(ctx, s.queueKey, token)
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	metrics.PrimeCounter.Inc()
	if s.traceEnabled {
		trace.SpanFromContext(ctx).AddEvent("prime")
	}
	s.logger.Debug("singlefile: primed session queue")
	return nil
}

// pop waits for the token. It returns false when the timeout elapsed.
func (s *Semaphore) pop(ctx context.Context, c *call, timeout time.Duration) (bool, error) {
	var got bool
	err := s.protect(ctx, c, "blpop", func(ctx context.Context, client redis.UniversalClient) error {
		_, err := client.BLPop(ctx, timeout, s.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			got = false
			return nil
		}
		if err != nil {
			return err
		}
		got = true
		return nil
	})
	return got, err
}

// release hands the token on when this call held it and refreshes the
// expiry of both keys either way.
func (s *Semaphore) release(ctx context.Context, c *call, held bool) error {
	handoff := "0"
	if held {
		handoff = "1"
	}
	var pushed int64
	err := s.protect(ctx, c, "release", func(ctx context.Context, client redis.UniversalClient) error {
		n, err := releaseScript.Run(ctx, client, []string{s.mutexKey, s.queueKey},
			token, s.cfg.ExpireSeconds(), handoff).Int64()
		pushed = n
		return err
	})
	if err != nil {
		return fmt.Errorf("singlefile: release %s: %w", s.name, err)
	}
	if pushed == 1 {
		metrics.HandoffCounter.Inc()
		s.logger.Debug("singlefile: handed token to next waiter")
	}
	if held {
		s.notify(ctx, notify.KindReleased)
	}
	return nil
}

func (s *Semaphore) notify(ctx context.Context, kind notify.Kind) {
	ev := notify.Event{Session: s.name, Instance: s.id, Kind: kind, At: time.Now()}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("singlefile: notify failed (ignored)", "kind", kind, "error", err)
	}
}

func (s *Semaphore) addEvent(span trace.Span, name string) {
	if span != nil {
		span.AddEvent(name)
	}
}
