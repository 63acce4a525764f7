package semaphore

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-singlefile/v1/cluster"
	"github.com/mirkobrombin/go-singlefile/v1/config"
	sferrors "github.com/mirkobrombin/go-singlefile/v1/errors"
	"github.com/mirkobrombin/go-singlefile/v1/notify"
	"github.com/mirkobrombin/go-singlefile/v1/retry"
)

const tracerName = "github.com/mirkobrombin/go-singlefile/v1/semaphore"

// token is the value pushed into a queue. Only its presence matters.
const token = "1"

// Resolver turns a client that received a MOVED reply into a cluster-aware
// client for the same deployment.
type Resolver func(ctx context.Context, client redis.UniversalClient) (redis.UniversalClient, error)

// ClusterResolver is the default Resolver. It requires a *redis.Client (or
// any cluster.Source) and delegates to cluster.Build.
func ClusterResolver(ctx context.Context, client redis.UniversalClient) (redis.UniversalClient, error) {
	src, ok := client.(cluster.Source)
	if !ok {
		return nil, sferrors.ErrClusterDisabled
	}
	return cluster.Build(ctx, src)
}

// Semaphore is a distributed mutex bound to one session name.
//
// A Semaphore is meant for a single owner: the client slot is swapped on a
// cluster redirect without locking. Use one Semaphore per goroutine;
// instances sharing a name still exclude each other through the store.
type Semaphore struct {
	client redis.UniversalClient
	// owned is true when the current client was created by the Semaphore.
	owned bool

	cfg      config.Config
	host     string
	port     int
	id       string
	name     string
	mutexKey string
	queueKey string

	retry        retry.Policy
	resolver     Resolver
	logger       *slog.Logger
	notifier     notify.Notifier
	traceEnabled bool
}

// Mutex is an alias kept for callers that think of the primitive as a lock.
type Mutex = Semaphore

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithClient uses an existing client. The caller keeps ownership: Close
// leaves it open. Host and port options are ignored.
func WithClient(client redis.UniversalClient) Option {
	return func(s *Semaphore) {
		s.client = client
	}
}

// WithConfig replaces the process-wide defaults for this instance.
func WithConfig(cfg config.Config) Option {
	return func(s *Semaphore) {
		s.cfg = cfg
	}
}

// WithName sets the session name.
func WithName(name string) Option {
	return func(s *Semaphore) {
		s.name = name
	}
}

// WithHost sets the host used when no client is supplied.
func WithHost(host string) Option {
	return func(s *Semaphore) {
		s.host = host
	}
}

// WithPort sets the port used when no client is supplied.
func WithPort(port int) Option {
	return func(s *Semaphore) {
		s.port = port
	}
}

// WithRetryPolicy sets how connection failures are retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Semaphore) {
		s.retry = p
	}
}

// WithResolver sets how a cluster-aware client is obtained after MOVED.
func WithResolver(r Resolver) Option {
	return func(s *Semaphore) {
		s.resolver = r
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Semaphore) {
		s.logger = l
	}
}

// WithNotifier publishes session activity through n.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Semaphore) {
		s.notifier = n
	}
}

// WithTracing enables OpenTelemetry spans for Synchronize calls.
func WithTracing() Option {
	return func(s *Semaphore) {
		s.traceEnabled = true
	}
}

// New returns a Semaphore. Unset values come from config.Defaults(), read
// once here.
func New(opts ...Option) (*Semaphore, error) {
	s := &Semaphore{
		cfg:      config.Defaults(),
		id:       uuid.NewString(),
		retry:    retry.DefaultPolicy(),
		resolver: ClusterResolver,
		notifier: notify.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.name != "" {
		s.cfg.Name = s.name
	}
	if s.host != "" {
		s.cfg.Host = s.host
	}
	if s.port != 0 {
		s.cfg.Port = s.port
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	s.name = s.cfg.Name
	s.mutexKey = s.cfg.MutexKey(s.name)
	s.queueKey = s.cfg.QueueKey(s.name)
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("session", s.name, "instance", s.id)
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{Addr: s.cfg.Addr()})
		s.owned = true
	}
	return s, nil
}

// Name returns the session name.
func (s *Semaphore) Name() string { return s.name }

// ID returns this instance's identity, written to the mutex key.
func (s *Semaphore) ID() string { return s.id }

// MutexKey returns the store key flagging the session as live.
func (s *Semaphore) MutexKey() string { return s.mutexKey }

// QueueKey returns the store key holding the session token.
func (s *Semaphore) QueueKey() string { return s.queueKey }

// Client returns the client currently in use. It changes after a redirect.
func (s *Semaphore) Client() redis.UniversalClient { return s.client }

// ExpireIn returns how long idle session keys survive.
func (s *Semaphore) ExpireIn() time.Duration { return s.cfg.ExpireIn }

// Close releases the client if the Semaphore created it.
func (s *Semaphore) Close() error {
	if !s.owned || s.client == nil {
		return nil
	}
	s.owned = false
	return s.client.Close()
}

// swap installs a cluster-aware client. The previous client is closed only
// if the Semaphore owned it.
func (s *Semaphore) swap(next redis.UniversalClient) {
	prev, wasOwned := s.client, s.owned
	s.client = next
	s.owned = true
	if wasOwned {
		if err := prev.Close(); err != nil {
			s.logger.Debug("singlefile: closing replaced client failed", "error", err)
		}
	}
}

func (s *Semaphore) isCluster() bool {
	_, ok := s.client.(*redis.ClusterClient)
	return ok
}
