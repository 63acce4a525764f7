// Package config holds the connection and session defaults used when a
// semaphore is constructed.
//
// A Config is a plain value: engines copy it at construction and never look
// at it again. Process-wide defaults can be set once with Configure, before
// any engine is built:
//
//	err := config.Configure(func(c *config.Config) {
//		c.Host = "redis.internal"
//		c.ExpireIn = time.Minute
//	})
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultHost     = "localhost"
	DefaultPort     = 6379
	DefaultName     = "default"
	DefaultExpireIn = 300 * time.Second

	// Key templates are not configurable. The braces are a cluster hash tag
	// so both keys of a session hash to the same slot.
	MutexKeyTemplate = "SingleFile/Mutex/{%s}"
	QueueKeyTemplate = "SingleFile/Queue/{%s}"
)

var (
	// ErrAlreadyConfigured is returned by Configure after the process-wide
	// defaults have been set.
	ErrAlreadyConfigured = errors.New("config: defaults already configured")
	// ErrInvalidConfig is wrapped by every Validate failure.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config describes where the store lives and how sessions behave.
type Config struct {
	Host string
	Port int
	// Name is the session name used when none is given explicitly.
	Name string
	// ExpireIn is how long idle session keys survive in the store.
	ExpireIn time.Duration
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Host:     DefaultHost,
		Port:     DefaultPort,
		Name:     DefaultName,
		ExpireIn: DefaultExpireIn,
	}
}

var (
	mu         sync.RWMutex
	configured bool
	defaults   = Default()
)

// Defaults returns the process-wide defaults.
func Defaults() Config {
	mu.RLock()
	defer mu.RUnlock()
	return defaults
}

// Configure applies fn to a copy of the current defaults and stores the
// result as the process-wide defaults. It succeeds only once per process.
// Fields fn leaves untouched keep their prior values.
func Configure(fn func(*Config)) error {
	mu.Lock()
	defer mu.Unlock()
	if configured {
		return ErrAlreadyConfigured
	}
	next := defaults
	if fn != nil {
		fn(&next)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	defaults = next
	configured = true
	return nil
}

// resetDefaults restores the built-in defaults. Tests only.
func resetDefaults() {
	mu.Lock()
	defaults = Default()
	configured = false
	mu.Unlock()
}

// Validate reports whether c can be used to build a semaphore.
func (c Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("%w: empty host", ErrInvalidConfig)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	case c.Name == "":
		return fmt.Errorf("%w: empty session name", ErrInvalidConfig)
	case c.ExpireIn < time.Second:
		return fmt.Errorf("%w: expiry %s below one second", ErrInvalidConfig, c.ExpireIn)
	}
	return nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MutexKey returns the mutex key for the named session.
func (c Config) MutexKey(name string) string {
	return fmt.Sprintf(MutexKeyTemplate, name)
}

// QueueKey returns the queue key for the named session.
func (c Config) QueueKey(name string) string {
	return fmt.Sprintf(QueueKeyTemplate, name)
}

// ExpireSeconds returns ExpireIn in whole seconds, never less than one.
func (c Config) ExpireSeconds() int64 {
	secs := int64(c.ExpireIn / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
