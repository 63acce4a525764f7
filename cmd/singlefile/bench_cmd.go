package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-singlefile/v1/semaphore"
)

// errOverlap is returned when two critical sections ran at the same time.
var errOverlap = errors.New("critical sections overlapped")

type benchResult struct {
	Workers  int
	Ran      int64
	TimedOut int64
	Elapsed  time.Duration
}

func newBenchCommand(a *app) *cobra.Command {
	var (
		workers int
		work    time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent clients against one session and check they never overlap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers < 1 {
				return fmt.Errorf("--workers must be at least 1")
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			stop, err := a.serveMetrics()
			if err != nil {
				return err
			}
			defer stop()

			res, err := a.bench(cmd.Context(), workers, work, timeout, func() (*semaphore.Semaphore, error) {
				return a.newSemaphore(cfg)
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "workers=%d ran=%d timed_out=%d elapsed=%s per_run=%s\n",
				res.Workers, res.Ran, res.TimedOut, res.Elapsed.Round(time.Millisecond),
				perRun(res.Elapsed, res.Ran))
			return err
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 10, "number of concurrent clients")
	cmd.Flags().DurationVar(&work, "work", 10*time.Millisecond, "time each client spends in the critical section")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-client wait for the token (0 waits forever)")
	return cmd
}

func (a *app) bench(ctx context.Context, workers int, work, timeout time.Duration, newSem func() (*semaphore.Semaphore, error)) (benchResult, error) {
	var (
		active   atomic.Int32
		ran      atomic.Int64
		timedOut atomic.Int64
	)
	sems := make([]*semaphore.Semaphore, 0, workers)
	defer func() {
		for _, s := range sems {
			_ = s.Close()
		}
	}()
	for i := 0; i < workers; i++ {
		s, err := newSem()
		if err != nil {
			return benchResult{}, err
		}
		sems = append(sems, s)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sems {
		s := s
		g.Go(func() error {
			ok, err := s.Synchronize(gctx, timeout, func(ctx context.Context) error {
				if active.Add(1) > 1 {
					active.Add(-1)
					return errOverlap
				}
				defer active.Add(-1)
				select {
				case <-time.After(work):
				case <-ctx.Done():
					return ctx.Err()
				}
				return nil
			})
			if err != nil {
				return err
			}
			if ok {
				ran.Add(1)
			} else {
				timedOut.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	res := benchResult{Workers: workers, Ran: ran.Load(), TimedOut: timedOut.Load(), Elapsed: time.Since(start)}
	if err != nil {
		return res, err
	}
	a.logger.Info("bench finished", "workers", res.Workers, "ran", res.Ran, "timed_out", res.TimedOut, "elapsed", res.Elapsed)
	return res, nil
}

func perRun(elapsed time.Duration, ran int64) time.Duration {
	if ran == 0 {
		return 0
	}
	return (elapsed / time.Duration(ran)).Round(time.Microsecond)
}
