// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxipc/auth"
	"github.com/absmach/fluxipc/codec"
	"github.com/absmach/fluxipc/ratelimit"
	"github.com/absmach/fluxipc/topic"
	"github.com/absmach/fluxipc/transport"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageBadger = "badger"
)

// Config holds the complete broker configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Broker    BrokerConfig     `yaml:"broker"`
	Auth      AuthConfig       `yaml:"auth"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Log       LogConfig        `yaml:"log"`
	Otel      OtelConfig       `yaml:"otel"`
}

// ServerConfig holds listener and connection settings.
type ServerConfig struct {
	// Addresses lists the URIs to listen on (af-inet://, af-unix://, ws://).
	Addresses        []string      `yaml:"addresses"`
	MaxConnections   int           `yaml:"max_connections"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	// HealthAddress serves /health, /ready and /status over HTTP; empty disables it.
	HealthAddress    string        `yaml:"health_address"`
}

// BrokerConfig holds message and registry limits.
type BrokerConfig struct {
	MaxMessageSize    int64  `yaml:"max_message_size"`
	RequireEncryption bool   `yaml:"require_encryption"`
	Compression       string `yaml:"compression"`     // none, s2, zstd
	CompressCutoff    int64  `yaml:"compress_cutoff"` // -1 disables

	MaxQueues    int `yaml:"max_queues"`
	MaxTopics    int `yaml:"max_topics"`
	MaxFunctions int `yaml:"max_functions"`

	PermitClientQueueMgmt bool `yaml:"permit_client_queue_mgmt"`
	PermitClientTopicMgmt bool `yaml:"permit_client_topic_mgmt"`

	SubscriptionDepth        int           `yaml:"subscription_depth"`
	SubscriptionPolicy       string        `yaml:"subscription_policy"` // drop, block
	SubscriptionBlockTimeout time.Duration `yaml:"subscription_block_timeout"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials_file"`
	Watch           bool   `yaml:"watch"`
	Iterations      int    `yaml:"iterations"`
}

// StorageConfig selects the queue write-ahead log backend.
type StorageConfig struct {
	Type string `yaml:"type"` // none, memory, file, badger
	Dir  string `yaml:"dir"`
	Sync bool   `yaml:"sync"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig holds OpenTelemetry exporter settings.
type OtelConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addresses:        []string{"af-inet://127.0.0.1:9999"},
			MaxConnections:   256,
			HandshakeTimeout: 10 * time.Second,
			ShutdownTimeout:  5 * time.Second,
		},
		Broker: BrokerConfig{
			MaxMessageSize:           codec.DefaultMaxFrameSize - codec.FrameOverhead,
			Compression:              "s2",
			CompressCutoff:           64 * 1024,
			MaxQueues:                1000,
			MaxTopics:                1000,
			MaxFunctions:             1000,
			SubscriptionDepth:        topic.DefaultDepth,
			SubscriptionPolicy:       string(topic.PolicyDrop),
			SubscriptionBlockTimeout: topic.DefaultBlockTimeout,
		},
		Auth: AuthConfig{
			Iterations: auth.DefaultIterations,
		},
		Storage: StorageConfig{
			Type: StorageFile,
			Dir:  "/tmp/fluxipc/wal",
			Sync: true,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxipc",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load reads configuration from a YAML file. An empty filename or a missing
// file yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Server.Addresses) == 0 {
		return fmt.Errorf("server.addresses cannot be empty")
	}
	for _, addr := range c.Server.Addresses {
		if _, err := transport.ParseURI(addr); err != nil {
			return fmt.Errorf("server.addresses: %w", err)
		}
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be at least 1")
	}
	if c.Server.HandshakeTimeout <= 0 {
		return fmt.Errorf("server.handshake_timeout must be positive")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	frame := c.Broker.MaxMessageSize + codec.FrameOverhead
	if c.Broker.MaxMessageSize < 1 || frame > codec.MaxFrameSizeLimit {
		return fmt.Errorf("broker.max_message_size must be between 1 and %d", codec.MaxFrameSizeLimit-codec.FrameOverhead)
	}
	if _, err := codec.ParseCompression(c.Broker.Compression); err != nil {
		return fmt.Errorf("broker.compression: %w", err)
	}
	if c.Broker.CompressCutoff < codec.DisabledCutoff {
		return fmt.Errorf("broker.compress_cutoff must be -1 or non-negative")
	}
	if c.Broker.MaxQueues < 0 || c.Broker.MaxTopics < 0 || c.Broker.MaxFunctions < 0 {
		return fmt.Errorf("broker registry limits cannot be negative")
	}
	if c.Broker.SubscriptionDepth < 1 {
		return fmt.Errorf("broker.subscription_depth must be at least 1")
	}
	if _, err := topic.ParsePolicy(c.Broker.SubscriptionPolicy); err != nil {
		return fmt.Errorf("broker.subscription_policy: %w", err)
	}
	if c.Broker.SubscriptionBlockTimeout < 0 {
		return fmt.Errorf("broker.subscription_block_timeout cannot be negative")
	}

	if c.Auth.Enabled && c.Auth.CredentialsFile == "" {
		return fmt.Errorf("auth.credentials_file required when auth is enabled")
	}
	if c.Auth.Watch && c.Auth.CredentialsFile == "" {
		return fmt.Errorf("auth.watch requires auth.credentials_file")
	}
	if c.Auth.Iterations < auth.MinIterations {
		return fmt.Errorf("auth.iterations must be at least %d", auth.MinIterations)
	}

	switch c.Storage.Type {
	case StorageNone, StorageMemory:
	case StorageFile, StorageBadger:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir required for %s storage", c.Storage.Type)
		}
	default:
		return fmt.Errorf("storage.type must be one of: none, memory, file, badger")
	}

	if c.RateLimit.Enabled {
		if conn := c.RateLimit.Connection; conn.Enabled && (conn.Rate <= 0 || conn.Burst < 1) {
			return fmt.Errorf("ratelimit.connection rate and burst must be positive")
		}
		if msg := c.RateLimit.Message; msg.Enabled && (msg.Rate <= 0 || msg.Burst < 1) {
			return fmt.Errorf("ratelimit.message rate and burst must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if (c.Otel.MetricsEnabled || c.Otel.TracesEnabled) && c.Otel.Endpoint == "" {
		return fmt.Errorf("otel.endpoint required when metrics or traces are enabled")
	}
	if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
		return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
