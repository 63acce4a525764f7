package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-singlefile/v1/config"
	"github.com/mirkobrombin/go-singlefile/v1/metrics"
	"github.com/mirkobrombin/go-singlefile/v1/semaphore"
)

// app holds what every subcommand shares: the bound settings and the logger.
type app struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	a := &app{v: viper.New(), logger: logger}

	cmd := &cobra.Command{
		Use:           "singlefile",
		Short:         "singlefile serializes work across machines with a Redis token queue",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Run a backup at most once at a time across the fleet
  singlefile run --name nightly-backup --timeout 30s -- /usr/local/bin/backup

  # Point at another Redis
  SINGLEFILE_HOST=redis.internal SINGLEFILE_PORT=6380 singlefile run -- make deploy

  # Hammer one session with 20 concurrent clients
  singlefile bench --workers 20 --work 50ms
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setLogLevel()
		},
	}

	flags := cmd.PersistentFlags()
	def := config.Defaults()
	flags.String("host", def.Host, "Redis host")
	flags.Int("port", def.Port, "Redis port")
	flags.String("name", def.Name, "session name shared by all cooperating clients")
	flags.Duration("expire-in", def.ExpireIn, "how long idle session keys survive")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	a.v.SetEnvPrefix("SINGLEFILE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	bindFlags(a.v, flags, "host", "port", "name", "expire-in", "metrics-addr", "log-level")

	cmd.AddCommand(newRunCommand(a), newBenchCommand(a))
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func (a *app) setLogLevel() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	a.logger = slog.New(&levelHandler{level: level, next: a.logger.Handler()})
	return nil
}

// levelHandler raises the minimum level of an existing handler.
type levelHandler struct {
	level slog.Leveler
	next  slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithGroup(name)}
}

func (a *app) config() (config.Config, error) {
	cfg := config.Config{
		Host:     a.v.GetString("host"),
		Port:     a.v.GetInt("port"),
		Name:     a.v.GetString("name"),
		ExpireIn: a.v.GetDuration("expire-in"),
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (a *app) newSemaphore(cfg config.Config, opts ...semaphore.Option) (*semaphore.Semaphore, error) {
	base := []semaphore.Option{
		semaphore.WithConfig(cfg),
		semaphore.WithLogger(a.logger),
	}
	return semaphore.New(append(base, opts...)...)
}

// serveMetrics starts the metrics endpoint when --metrics-addr is set. The
// returned stop function is always safe to call.
func (a *app) serveMetrics() (func(), error) {
	addr := a.v.GetString("metrics-addr")
	if addr == "" {
		return func() {}, nil
	}
	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
