// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker runs server-side connections: the handshake, the message
// pump and the routing of each message to the queue, topic and function
// registries.
package broker

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxipc/auth"
	"github.com/absmach/fluxipc/codec"
	"github.com/absmach/fluxipc/function"
	"github.com/absmach/fluxipc/internal/shard"
	"github.com/absmach/fluxipc/queue"
	"github.com/absmach/fluxipc/ratelimit"
	fotel "github.com/absmach/fluxipc/server/otel"
	"github.com/absmach/fluxipc/topic"
)

const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultTempQueueCapacity = 1000
)

// Config holds the per-connection policy shared by every connection.
type Config struct {
	HandshakeTimeout  time.Duration
	RequireEncryption bool
	Compression       codec.Compression
	CompressCutoff    int64
	// MaxMessageSize bounds message payloads. Frames may exceed it by
	// codec.FrameOverhead.
	MaxMessageSize int64

	PermitClientQueueMgmt bool
	PermitClientTopicMgmt bool

	Subscription      topic.SubscriptionConfig
	TempQueueCapacity int
}

// Registries are the shared managers connections route to.
type Registries struct {
	Queues    *queue.Manager
	Topics    *topic.Manager
	Functions *function.Manager
	Auth      *auth.Authenticator
}

// PoolStats describes the connection slots of the serving pool.
type PoolStats struct {
	Capacity int
	Active   int
	Accepted uint64
	Rejected uint64
}

// PoolStatter exposes the connection pool to SERVER_THREAD_POOL_STAT.
type PoolStatter interface {
	PoolStats() PoolStats
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *fotel.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithRateLimiter sets the per-connection message limiter.
func WithRateLimiter(r *ratelimit.Manager) Option {
	return func(b *Broker) { b.limiter = r }
}

// WithPool sets the pool reported by SERVER_THREAD_POOL_STAT.
func WithPool(p PoolStatter) Option {
	return func(b *Broker) { b.pool = p }
}

// Broker owns the live connections.
type Broker struct {
	cfg       Config
	queues    *queue.Manager
	topics    *topic.Manager
	functions *function.Manager
	auth      *auth.Authenticator
	frameCfg  codec.Config

	logger  *slog.Logger
	metrics *fotel.Metrics
	limiter *ratelimit.Manager
	pool    PoolStatter
	stats   *Stats

	conns    *shard.Map[*Connection]
	draining atomic.Bool
}

// New creates a broker routing to reg. A nil authenticator disables
// authentication.
func New(cfg Config, reg Registries, opts ...Option) *Broker {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.TempQueueCapacity <= 0 {
		cfg.TempQueueCapacity = DefaultTempQueueCapacity
	}
	if reg.Auth == nil {
		reg.Auth = auth.New(false)
	}

	b := &Broker{
		cfg:       cfg,
		queues:    reg.Queues,
		topics:    reg.Topics,
		functions: reg.Functions,
		auth:      reg.Auth,
		frameCfg: codec.Config{
			MaxFrameSize:   FrameSize(cfg.MaxMessageSize),
			CompressCutoff: codec.DisabledCutoff,
		},
		logger: slog.Default(),
		stats:  NewStats(),
		conns:  shard.New[*Connection](0),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cfg.Subscription.Logger == nil {
		b.cfg.Subscription.Logger = b.logger
	}
	return b
}

// FrameSize returns the frame limit that carries payloads of up to
// maxMessageSize bytes.
func FrameSize(maxMessageSize int64) int64 {
	if maxMessageSize <= 0 {
		return codec.DefaultMaxFrameSize
	}
	n := maxMessageSize + codec.FrameOverhead
	return min(max(n, codec.MinFrameSize), codec.MaxFrameSizeLimit)
}

// Stats returns the broker counters.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Metrics returns the metric instruments, possibly nil.
func (b *Broker) Metrics() *fotel.Metrics {
	return b.metrics
}

// Connections returns the number of live connections.
func (b *Broker) Connections() int {
	return b.conns.Len()
}

// Serve runs conn through the handshake and message loop until it closes.
// It returns nil when the peer disconnects cleanly.
func (b *Broker) Serve(ctx context.Context, conn net.Conn, transport string) error {
	c := newConnection(b, conn, transport)
	return c.serve(ctx)
}

// Drain unblocks idle reads on every connection so each finishes its
// in-flight request and closes. New connections are refused.
func (b *Broker) Drain() {
	b.draining.Store(true)
	b.conns.Range(func(_ string, c *Connection) bool {
		c.interrupt()
		return true
	})
}

// CloseConnections force-closes every live connection.
func (b *Broker) CloseConnections() {
	b.conns.Range(func(_ string, c *Connection) bool {
		_ = c.conn.Close()
		return true
	})
}

// ServerStatus returns the SERVER_STATUS map.
func (b *Broker) ServerStatus() map[string]any {
	status := b.stats.Snapshot()
	calls, faults := b.functions.Stats()
	status["connections_open"] = b.conns.Len()
	status["queues"] = b.queues.Len()
	status["topics"] = b.topics.Len()
	status["functions"] = b.functions.Len()
	status["function_calls"] = calls
	status["function_faults"] = faults
	status["auth_enabled"] = b.auth.Active()
	status["encryption_required"] = b.cfg.RequireEncryption
	status["compression"] = b.cfg.Compression.String()
	status["max_message_size"] = b.cfg.MaxMessageSize
	status["draining"] = b.draining.Load()
	return status
}

// ThreadPoolStats returns the SERVER_THREAD_POOL_STAT map.
func (b *Broker) ThreadPoolStats() map[string]any {
	stats := map[string]any{
		"goroutines":  runtime.NumGoroutine(),
		"connections": b.conns.Len(),
	}
	if b.pool != nil {
		p := b.pool.PoolStats()
		stats["capacity"] = p.Capacity
		stats["active"] = p.Active
		stats["idle"] = p.Capacity - p.Active
		stats["accepted"] = p.Accepted
		stats["rejected"] = p.Rejected
	}
	return stats
}
