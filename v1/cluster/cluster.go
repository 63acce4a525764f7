// Package cluster detects clustered Redis deployments and converts a single
// node client into a cluster-aware one.
//
// Build is called reactively, after a node answered MOVED to a client that is
// not cluster-aware. The returned client keeps the connection settings of
// the single node client, so only the routing changes.
package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	sferrors "github.com/mirkobrombin/go-singlefile/v1/errors"
)

// Source is the part of a single node client the builder reads from.
// *redis.Client satisfies it.
type Source interface {
	Info(ctx context.Context, section ...string) *redis.StringCmd
	ClusterNodes(ctx context.Context) *redis.StringCmd
	Options() *redis.Options
}

// Node is one line of CLUSTER NODES.
type Node struct {
	ID string
	// Addr is the client address (ip:port) without the bus port.
	Addr string
	// RawAddr is the address field as reported, e.g. ip:port@cport,hostname.
	RawAddr      string
	Flags        []string
	PrimaryID    string
	PingSent     int64
	PongReceived int64
	ConfigEpoch  int64
	LinkState    string
	Slots        []string
}

// HasFlag reports whether the node carries flag.
func (n Node) HasFlag(flag string) bool {
	for _, f := range n.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsPrimary reports whether the node is a reachable primary.
func (n Node) IsPrimary() bool {
	return n.HasFlag("master") && !n.HasFlag("fail") && !n.HasFlag("noaddr")
}

// Enabled reports whether src runs in cluster mode. A command error while
// querying (e.g. INFO disabled) counts as not clustered.
func Enabled(ctx context.Context, src Source) (bool, error) {
	info, err := src.Info(ctx, "cluster").Result()
	if err != nil {
		var redisErr redis.Error
		if errors.As(err, &redisErr) {
			return false, nil
		}
		return false, fmt.Errorf("cluster: info: %w", err)
	}
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if ok && key == "cluster_enabled" {
			return value == "1", nil
		}
	}
	return false, nil
}

// ParseNodes parses the output of CLUSTER NODES.
func ParseNodes(listing string) ([]Node, error) {
	var nodes []Node
	sc := bufio.NewScanner(strings.NewReader(listing))
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 8 {
			return nil, fmt.Errorf("cluster: nodes line %d: expected at least 8 fields, got %d", line, len(fields))
		}
		n := Node{
			ID:        fields[0],
			RawAddr:   fields[1],
			Addr:      clientAddr(fields[1]),
			Flags:     strings.Split(fields[2], ","),
			LinkState: fields[7],
		}
		if fields[3] != "-" {
			n.PrimaryID = fields[3]
		}
		var err error
		if n.PingSent, err = strconv.ParseInt(fields[4], 10, 64); err != nil {
			return nil, fmt.Errorf("cluster: nodes line %d: ping-sent: %w", line, err)
		}
		if n.PongReceived, err = strconv.ParseInt(fields[5], 10, 64); err != nil {
			return nil, fmt.Errorf("cluster: nodes line %d: pong-recv: %w", line, err)
		}
		if n.ConfigEpoch, err = strconv.ParseInt(fields[6], 10, 64); err != nil {
			return nil, fmt.Errorf("cluster: nodes line %d: config-epoch: %w", line, err)
		}
		if len(fields) > 8 {
			n.Slots = fields[8:]
		}
		nodes = append(nodes, n)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cluster: nodes: %w", err)
	}
	return nodes, nil
}

func clientAddr(raw string) string {
	addr, _, _ := strings.Cut(raw, "@")
	addr, _, _ = strings.Cut(addr, ",")
	return addr
}

// Primaries returns the client addresses of the primary nodes.
func Primaries(nodes []Node) []string {
	var addrs []string
	for _, n := range nodes {
		if n.IsPrimary() && n.Addr != "" && !strings.HasPrefix(n.Addr, ":") {
			addrs = append(addrs, n.Addr)
		}
	}
	return addrs
}

// ClusterOptions carries the connection settings of o over to a cluster
// configuration seeded with addrs.
func ClusterOptions(o *redis.Options, addrs []string) (*redis.ClusterOptions, error) {
	if o.DB != 0 {
		return nil, fmt.Errorf("cluster: database %d cannot be selected in cluster mode", o.DB)
	}
	return &redis.ClusterOptions{
		Addrs:                 addrs,
		ClientName:            o.ClientName,
		Dialer:                o.Dialer,
		OnConnect:             o.OnConnect,
		Protocol:              o.Protocol,
		Username:              o.Username,
		Password:              o.Password,
		CredentialsProvider:   o.CredentialsProvider,
		MaxRetries:            disabledInt(o.MaxRetries),
		MinRetryBackoff:       disabled(o.MinRetryBackoff),
		MaxRetryBackoff:       disabled(o.MaxRetryBackoff),
		DialTimeout:           o.DialTimeout,
		ReadTimeout:           disabled(o.ReadTimeout),
		WriteTimeout:          disabled(o.WriteTimeout),
		ContextTimeoutEnabled: o.ContextTimeoutEnabled,
		PoolFIFO:              o.PoolFIFO,
		PoolSize:              o.PoolSize,
		PoolTimeout:           o.PoolTimeout,
		MinIdleConns:          o.MinIdleConns,
		MaxIdleConns:          o.MaxIdleConns,
		ConnMaxIdleTime:       o.ConnMaxIdleTime,
		ConnMaxLifetime:       o.ConnMaxLifetime,
		TLSConfig:             o.TLSConfig,
	}, nil
}

// A client built by redis.NewClient stores "disabled" settings as zero, while
// ClusterOptions reads zero as "use the default" and -1 as disabled.
func disabled(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func disabledInt(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Build returns a cluster-aware client for the deployment behind src.
// It fails with errors.ErrClusterDisabled when src is not clustered.
func Build(ctx context.Context, src Source) (*redis.ClusterClient, error) {
	enabled, err := Enabled(ctx, src)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, sferrors.ErrClusterDisabled
	}
	listing, err := src.ClusterNodes(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("cluster: nodes: %w", err)
	}
	nodes, err := ParseNodes(listing)
	if err != nil {
		return nil, err
	}
	addrs := Primaries(nodes)
	if len(addrs) == 0 {
		return nil, errors.New("cluster: no primary nodes listed")
	}
	opts, err := ClusterOptions(src.Options(), addrs)
	if err != nil {
		return nil, err
	}
	return redis.NewClusterClient(opts), nil
}
