package semaphore

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	sferrors "github.com/mirkobrombin/go-singlefile/v1/errors"
	"github.com/mirkobrombin/go-singlefile/v1/metrics"
)

// protect runs one store step with two layers of recovery: transient
// connection failures are retried by the retry policy, and a MOVED reply on a
// client that is not cluster-aware swaps in a cluster client and repeats the
// step. The swap happens at most once per call.
func (s *Semaphore) protect(ctx context.Context, c *call, op string, step func(context.Context, redis.UniversalClient) error) error {
	policy := s.retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(retry int, err error, delay time.Duration) {
		metrics.RetryCounter.Inc()
		s.logger.Warn("singlefile: store unavailable, retrying",
			"op", op, "retry", retry, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(retry, err, delay)
		}
	}

	for {
		err := policy.Do(ctx, sferrors.IsConnection, func(ctx context.Context) error {
			return step(ctx, s.client)
		})
		if err == nil || !sferrors.IsRedirect(err) || c.redirected || s.isCluster() {
			return err
		}
		c.redirected = true
		if s.resolver == nil {
			return err
		}
		next, rerr := s.resolver(ctx, s.client)
		if rerr != nil {
			if !errors.Is(rerr, sferrors.ErrClusterDisabled) {
				s.logger.Warn("singlefile: building cluster client failed", "op", op, "error", rerr)
			}
			return err
		}
		metrics.RedirectCounter.Inc()
		s.logger.Warn("singlefile: redirected by cluster, switching to cluster client", "op", op, "error", err)
		s.swap(next)
	}
}
