package semaphore

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-singlefile/v1/retry"
)

// replyError mimics an error reply from the server.
type replyError string

func (e replyError) Error() string { return string(e) }
func (replyError) RedisError()     {}

const moved = replyError("MOVED 3999 127.0.0.1:6381")

// recorder is a go-redis hook that records command names and injects
// failures for the next n commands with a given name.
type recorder struct {
	mu    sync.Mutex
	cmds  []string
	fails map[string][]error
}

func newRecorder() *recorder {
	return &recorder{fails: make(map[string][]error)}
}

func (r *recorder) failNext(name string, n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.fails[name] = append(r.fails[name], err)
	}
}

func (r *recorder) observe(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = strings.ToLower(name)
	r.cmds = append(r.cmds, name)
	if errs := r.fails[name]; len(errs) > 0 {
		r.fails[name] = errs[1:]
		return errs[0]
	}
	return nil
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.cmds {
		if c == name {
			n++
		}
	}
	return n
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.cmds = nil
	r.mu.Unlock()
}

func (r *recorder) DialHook(next redis.DialHook) redis.DialHook { return next }

func (r *recorder) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if err := r.observe(cmd.Name()); err != nil {
			return err
		}
		return next(ctx, cmd)
	}
}

func (r *recorder) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		var injected error
		for _, cmd := range cmds {
			if err := r.observe(cmd.Name()); err != nil && injected == nil {
				injected = err
			}
		}
		if injected != nil {
			return injected
		}
		return next(ctx, cmds)
	}
}

type fixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	rec    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	rec := newRecorder()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client.AddHook(rec)
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return &fixture{mr: mr, client: client, rec: rec}
}

// newClient returns another client to the same server, sharing the recorder.
func (f *fixture) newClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	client.AddHook(f.rec)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func (f *fixture) semaphore(t *testing.T, opts ...Option) *Semaphore {
	t.Helper()
	base := []Option{
		WithClient(f.client),
		WithRetryPolicy(retry.Policy{Retries: 3, Backoff: retry.Fixed(0)}),
	}
	s, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("new semaphore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (f *fixture) queueLen(t *testing.T, s *Semaphore) int64 {
	t.Helper()
	n, err := f.client.LLen(context.Background(), s.QueueKey()).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	return n
}
