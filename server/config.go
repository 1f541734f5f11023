// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fluxipc/auth"
	"github.com/absmach/fluxipc/codec"
	"github.com/absmach/fluxipc/config"
	"github.com/absmach/fluxipc/topic"
	"github.com/absmach/fluxipc/wal"
)

// OpenStore opens the write-ahead log backend selected by cfg. It returns a
// nil store for config.StorageNone.
func OpenStore(cfg config.StorageConfig, logger *slog.Logger) (wal.Store, error) {
	switch cfg.Type {
	case config.StorageNone, "":
		return nil, nil
	case config.StorageMemory:
		return wal.NewMemoryStore(), nil
	case config.StorageFile:
		return wal.NewFileStore(wal.FileConfig{Dir: cfg.Dir, Sync: cfg.Sync, Logger: logger})
	case config.StorageBadger:
		return wal.NewBadgerStore(wal.BadgerConfig{Dir: cfg.Dir, Sync: cfg.Sync, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// LoadAuthenticator builds the authenticator described by cfg, loading the
// credentials file when one is set.
func LoadAuthenticator(cfg config.AuthConfig, logger *slog.Logger) (*auth.Authenticator, error) {
	a := auth.New(cfg.Enabled, auth.WithIterations(cfg.Iterations), auth.WithLogger(logger))
	if cfg.CredentialsFile == "" {
		return a, nil
	}
	if err := a.LoadFile(cfg.CredentialsFile); err != nil {
		return nil, err
	}
	return a, nil
}

// ConfigOptions translates a validated configuration into server options.
// The returned options own store and a; Close releases the store.
func ConfigOptions(cfg *config.Config, store wal.Store, a *auth.Authenticator) ([]Option, error) {
	compression, err := codec.ParseCompression(cfg.Broker.Compression)
	if err != nil {
		return nil, &ConfigError{Field: "compression", Reason: err.Error()}
	}
	policy, err := topic.ParsePolicy(cfg.Broker.SubscriptionPolicy)
	if err != nil {
		return nil, &ConfigError{Field: "subscription policy", Reason: err.Error()}
	}

	opts := []Option{
		WithMaxConnections(cfg.Server.MaxConnections),
		WithHandshakeTimeout(cfg.Server.HandshakeTimeout),
		WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		WithCompression(compression, cfg.Broker.CompressCutoff),
		WithMaxMessageSize(cfg.Broker.MaxMessageSize),
		WithLimits(cfg.Broker.MaxQueues, cfg.Broker.MaxTopics, cfg.Broker.MaxFunctions),
		WithSubscriptionPolicy(cfg.Broker.SubscriptionDepth, policy, cfg.Broker.SubscriptionBlockTimeout),
		WithRateLimit(cfg.RateLimit),
	}
	for _, addr := range cfg.Server.Addresses {
		opts = append(opts, WithAddress(addr))
	}
	if cfg.Broker.RequireEncryption {
		opts = append(opts, WithRequiredEncryption())
	}
	if cfg.Broker.PermitClientQueueMgmt {
		opts = append(opts, WithClientQueueManagement())
	}
	if cfg.Broker.PermitClientTopicMgmt {
		opts = append(opts, WithClientTopicManagement())
	}
	if store != nil {
		opts = append(opts, WithStore(store))
	}
	if a != nil {
		opts = append(opts, WithAuthenticator(a))
	}
	return opts, nil
}
