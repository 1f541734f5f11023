// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxipc/auth"
	"github.com/absmach/fluxipc/codec"
	"github.com/absmach/fluxipc/ratelimit"
	fotel "github.com/absmach/fluxipc/server/otel"
	"github.com/absmach/fluxipc/topic"
	"github.com/absmach/fluxipc/transport"
	"github.com/absmach/fluxipc/wal"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultAddress          = "af-inet://127.0.0.1:9999"
	DefaultMaxConnections   = 256
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// ConfigError reports an invalid server option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid server option %s: %s", e.Field, e.Reason)
}

type options struct {
	addresses        []string
	maxConnections   int
	handshakeTimeout time.Duration
	shutdownTimeout  time.Duration

	requireEncryption bool
	compression       codec.Compression
	compressCutoff    int64
	maxMessageSize    int64

	permitQueueMgmt bool
	permitTopicMgmt bool
	maxQueues       int
	maxTopics       int
	maxFunctions    int
	subscription    topic.SubscriptionConfig
	tempCapacity    int

	auth      *auth.Authenticator
	store     wal.Store
	rateLimit ratelimit.Config
	logger    *slog.Logger
	metrics   *fotel.Metrics
	tracer    trace.Tracer
}

func defaultOptions() options {
	return options{
		maxConnections:   DefaultMaxConnections,
		handshakeTimeout: DefaultHandshakeTimeout,
		shutdownTimeout:  DefaultShutdownTimeout,
		compression:      codec.CompressionS2,
		compressCutoff:   64 * 1024,
		maxMessageSize:   codec.DefaultMaxFrameSize - codec.FrameOverhead,
		subscription: topic.SubscriptionConfig{
			Depth:        topic.DefaultDepth,
			Policy:       topic.PolicyDrop,
			BlockTimeout: topic.DefaultBlockTimeout,
		},
		logger: slog.Default(),
	}
}

// Option configures a Server.
type Option func(*options)

// WithAddress adds a listening URI: af-inet://host:port, af-unix:///path or
// ws://host:port/path. Without one the server listens on DefaultAddress.
func WithAddress(uri string) Option {
	return func(o *options) { o.addresses = append(o.addresses, uri) }
}

// WithMaxConnections sets the number of connection slots in the pool.
func WithMaxConnections(n int) Option {
	return func(o *options) { o.maxConnections = n }
}

// WithHandshakeTimeout bounds the connection handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithShutdownTimeout sets the grace period Close gives in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithRequiredEncryption makes every connection negotiate encryption.
func WithRequiredEncryption() Option {
	return func(o *options) { o.requireEncryption = true }
}

// WithCompression sets the algorithm offered to clients and the encoded size
// from which frames are compressed. A cutoff of codec.DisabledCutoff
// disables compression.
func WithCompression(c codec.Compression, cutoff int64) Option {
	return func(o *options) {
		o.compression = c
		o.compressCutoff = cutoff
	}
}

// WithMaxMessageSize bounds message payloads.
func WithMaxMessageSize(n int64) Option {
	return func(o *options) { o.maxMessageSize = n }
}

// WithClientQueueManagement lets non-admin clients create and remove queues.
func WithClientQueueManagement() Option {
	return func(o *options) { o.permitQueueMgmt = true }
}

// WithClientTopicManagement lets non-admin clients create and remove topics.
func WithClientTopicManagement() Option {
	return func(o *options) { o.permitTopicMgmt = true }
}

// WithLimits bounds the registries; zero means unlimited.
func WithLimits(queues, topics, functions int) Option {
	return func(o *options) {
		o.maxQueues = queues
		o.maxTopics = topics
		o.maxFunctions = functions
	}
}

// WithSubscriptionPolicy tunes per-connection delivery queues.
func WithSubscriptionPolicy(depth int, policy topic.Policy, blockTimeout time.Duration) Option {
	return func(o *options) {
		o.subscription.Depth = depth
		o.subscription.Policy = policy
		o.subscription.BlockTimeout = blockTimeout
	}
}

// WithTempQueueCapacity sets the capacity of temporary queues created
// without one.
func WithTempQueueCapacity(n int) Option {
	return func(o *options) { o.tempCapacity = n }
}

// WithAuthenticator enables authentication and ACLs.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(o *options) { o.auth = a }
}

// WithStore journals durable queues in s. The server closes s on Close.
func WithStore(s wal.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRateLimit configures connection and message rate limiting.
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(o *options) { o.rateLimit = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records server metrics with m.
func WithMetrics(m *fotel.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer traces function dispatch with t.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func (o *options) validate() ([]transport.URI, error) {
	if len(o.addresses) == 0 {
		o.addresses = []string{DefaultAddress}
	}
	uris := make([]transport.URI, 0, len(o.addresses))
	for _, addr := range o.addresses {
		u, err := transport.ParseURI(addr)
		if err != nil {
			return nil, &ConfigError{Field: "address", Reason: err.Error()}
		}
		uris = append(uris, u)
	}

	switch {
	case o.maxConnections < 1:
		return nil, &ConfigError{Field: "max connections", Reason: "must be at least 1"}
	case o.handshakeTimeout <= 0:
		return nil, &ConfigError{Field: "handshake timeout", Reason: "must be positive"}
	case o.shutdownTimeout < 0:
		return nil, &ConfigError{Field: "shutdown timeout", Reason: "cannot be negative"}
	case o.maxMessageSize < 1 || o.maxMessageSize+codec.FrameOverhead > codec.MaxFrameSizeLimit:
		return nil, &ConfigError{Field: "max message size",
			Reason: fmt.Sprintf("must be between 1 and %d", codec.MaxFrameSizeLimit-codec.FrameOverhead)}
	case o.compressCutoff < codec.DisabledCutoff:
		return nil, &ConfigError{Field: "compression cutoff", Reason: "must be -1 or non-negative"}
	case o.compression > codec.CompressionZstd:
		return nil, &ConfigError{Field: "compression", Reason: "unknown algorithm"}
	case o.maxQueues < 0 || o.maxTopics < 0 || o.maxFunctions < 0:
		return nil, &ConfigError{Field: "limits", Reason: "cannot be negative"}
	case o.subscription.Depth < 1:
		return nil, &ConfigError{Field: "subscription depth", Reason: "must be at least 1"}
	case o.tempCapacity < 0:
		return nil, &ConfigError{Field: "temporary queue capacity", Reason: "cannot be negative"}
	case o.logger == nil:
		return nil, &ConfigError{Field: "logger", Reason: "cannot be nil"}
	}
	if _, err := topic.ParsePolicy(string(o.subscription.Policy)); err != nil {
		return nil, &ConfigError{Field: "subscription policy", Reason: err.Error()}
	}
	return uris, nil
}
