package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-singlefile/v1/config"
	sferrors "github.com/mirkobrombin/go-singlefile/v1/errors"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func startRedis(t *testing.T) (*miniredis.Miniredis, []string) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, []string{"--host", mr.Host(), "--port", mr.Port()}
}

func TestRunCommandPassesOutput(t *testing.T) {
	mr, conn := startRedis(t)
	args := append([]string{"run"}, conn...)
	args = append(args, "--name", "jobs", "--", "echo", "hello")
	stdout, _, err := executeRootCommand(t, args...)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if stdout != "hello\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if n, err := mr.List(config.Default().QueueKey("jobs")); err != nil || len(n) != 1 {
		t.Fatalf("expected token handed back, got %v err %v", n, err)
	}
}

func TestRunCommandPassesExitStatus(t *testing.T) {
	_, conn := startRedis(t)
	args := append([]string{"run"}, conn...)
	args = append(args, "--", "sh", "-c", "exit 3")
	_, _, err := executeRootCommand(t, args...)
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 3 {
		t.Fatalf("expected exit status 3, got %v", err)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	mr, conn := startRedis(t)
	mr.Set(config.Default().MutexKey("jobs"), "someone-else")

	args := append([]string{"run"}, conn...)
	args = append(args, "--name", "jobs", "--timeout", "1s", "--", "echo", "ran")
	stdout, _, err := executeRootCommand(t, args...)
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != exitTimeout {
		t.Fatalf("expected exit status %d, got %v", exitTimeout, err)
	}
	if stdout != "" {
		t.Fatalf("command must not run, stdout %q", stdout)
	}

	args = append([]string{"run"}, conn...)
	args = append(args, "--name", "jobs", "--timeout", "1s", "--strict", "--", "echo", "ran")
	if _, _, err := executeRootCommand(t, args...); !errors.Is(err, sferrors.ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout with --strict, got %v", err)
	}
}

func TestRunCommandRequiresCommand(t *testing.T) {
	if _, _, err := executeRootCommand(t, "run"); err == nil {
		t.Fatal("expected an error without a command")
	}
}

func TestEnvironmentConfiguresSession(t *testing.T) {
	mr, _ := startRedis(t)
	t.Setenv("SINGLEFILE_HOST", mr.Host())
	t.Setenv("SINGLEFILE_PORT", mr.Port())
	t.Setenv("SINGLEFILE_NAME", "from-env")
	t.Setenv("SINGLEFILE_EXPIRE_IN", "1m")

	if _, _, err := executeRootCommand(t, "run", "--", "true"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	key := config.Default().QueueKey("from-env")
	if !mr.Exists(key) {
		t.Fatalf("expected %s to exist", key)
	}
	if ttl := mr.TTL(key); ttl.Seconds() != 60 {
		t.Fatalf("expected 60s ttl, got %s", ttl)
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, _, err := executeRootCommand(t, "run", "--name", "", "--", "true")
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	_, _, err := executeRootCommand(t, "run", "--log-level", "loud", "--", "true")
	if err == nil || !strings.Contains(err.Error(), "--log-level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestBenchCommand(t *testing.T) {
	_, conn := startRedis(t)
	args := append([]string{"bench"}, conn...)
	args = append(args, "--workers", "4", "--work", "1ms", "--timeout", "10s")
	stdout, _, err := executeRootCommand(t, args...)
	if err != nil {
		t.Fatalf("bench failed: %v", err)
	}
	if !strings.HasPrefix(stdout, "workers=4 ran=4 timed_out=0 ") {
		t.Fatalf("unexpected summary %q", stdout)
	}
}

func TestBenchRejectsZeroWorkers(t *testing.T) {
	if _, _, err := executeRootCommand(t, "bench", "--workers", "0"); err == nil {
		t.Fatal("expected an error for zero workers")
	}
}
