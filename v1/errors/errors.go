// Package errors defines the error taxonomy shared by the singlefile packages
// and the classifiers used to decide whether a store failure is recoverable.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrQueueTimeout is returned when no token arrived within the wait
	// timeout. It matches ErrTimeout as well.
	ErrQueueTimeout = fmt.Errorf("queue wait %w", ErrTimeout)

	// ErrClusterDisabled is returned by the topology resolver when the
	// backing deployment does not run in cluster mode.
	ErrClusterDisabled = errors.New("cluster not detected")
)

// transientReplies are server replies emitted while a node restarts or a
// failover is in progress.
var transientReplies = []string{"LOADING ", "READONLY ", "MASTERDOWN "}

// IsConnection reports whether err is a transient store failure that is worth
// retrying after a delay.
func IsConnection(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, prefix := range transientReplies {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
	}
	return false
}

// IsRedirect reports whether err is a cluster MOVED reply.
func IsRedirect(err error) bool {
	var redisErr redis.Error
	if !errors.As(err, &redisErr) {
		return false
	}
	return strings.HasPrefix(redisErr.Error(), "MOVED ")
}
