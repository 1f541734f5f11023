// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"af-inet://127.0.0.1:9999"}, cfg.Server.Addresses)
	assert.Equal(t, 10*time.Second, cfg.Server.HandshakeTimeout)
	assert.Equal(t, "s2", cfg.Broker.Compression)
	assert.Equal(t, StorageFile, cfg.Storage.Type)
	assert.False(t, cfg.Auth.Enabled)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			modify: func(c *Config) {},
		},
		{
			name:    "no addresses",
			modify:  func(c *Config) { c.Server.Addresses = nil },
			wantErr: "server.addresses cannot be empty",
		},
		{
			name:    "bad address",
			modify:  func(c *Config) { c.Server.Addresses = []string{"tcp://localhost:1"} },
			wantErr: "server.addresses",
		},
		{
			name: "all transports",
			modify: func(c *Config) {
				c.Server.Addresses = []string{"af-inet://:9999", "af-unix:///tmp/f.sock", "ws://:8080/ipc"}
			},
		},
		{
			name:    "zero connections",
			modify:  func(c *Config) { c.Server.MaxConnections = 0 },
			wantErr: "server.max_connections",
		},
		{
			name:    "zero handshake timeout",
			modify:  func(c *Config) { c.Server.HandshakeTimeout = 0 },
			wantErr: "server.handshake_timeout",
		},
		{
			name:    "message size too large",
			modify:  func(c *Config) { c.Broker.MaxMessageSize = 1 << 30 },
			wantErr: "broker.max_message_size",
		},
		{
			name:    "unknown compression",
			modify:  func(c *Config) { c.Broker.Compression = "lz4" },
			wantErr: "broker.compression",
		},
		{
			name:    "compression cutoff below -1",
			modify:  func(c *Config) { c.Broker.CompressCutoff = -2 },
			wantErr: "broker.compress_cutoff",
		},
		{
			name:    "unknown subscription policy",
			modify:  func(c *Config) { c.Broker.SubscriptionPolicy = "retry" },
			wantErr: "broker.subscription_policy",
		},
		{
			name:    "auth without credentials",
			modify:  func(c *Config) { c.Auth.Enabled = true },
			wantErr: "auth.credentials_file",
		},
		{
			name:    "weak iterations",
			modify:  func(c *Config) { c.Auth.Iterations = 10 },
			wantErr: "auth.iterations",
		},
		{
			name:    "file storage without dir",
			modify:  func(c *Config) { c.Storage.Dir = "" },
			wantErr: "storage.dir",
		},
		{
			name:   "memory storage without dir",
			modify: func(c *Config) { c.Storage = StorageConfig{Type: StorageMemory} },
		},
		{
			name:    "unknown storage",
			modify:  func(c *Config) { c.Storage.Type = "redis" },
			wantErr: "storage.type",
		},
		{
			name: "zero message rate",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Message.Rate = 0
			},
			wantErr: "ratelimit.message",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: "log.level",
		},
		{
			name:    "bad sample rate",
			modify:  func(c *Config) { c.Otel.TraceSampleRate = 2 },
			wantErr: "otel.trace_sample_rate",
		},
		{
			name: "otel without endpoint",
			modify: func(c *Config) {
				c.Otel.MetricsEnabled = true
				c.Otel.Endpoint = ""
			},
			wantErr: "otel.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty name", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(dir, "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		data := []byte(`
server:
  addresses: ["af-unix:///tmp/fluxipc.sock"]
broker:
  max_queues: 5
storage:
  type: badger
  dir: /var/lib/fluxipc
`)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"af-unix:///tmp/fluxipc.sock"}, cfg.Server.Addresses)
		assert.Equal(t, 5, cfg.Broker.MaxQueues)
		assert.Equal(t, StorageBadger, cfg.Storage.Type)
		assert.Equal(t, Default().Broker.MaxTopics, cfg.Broker.MaxTopics)
		assert.Equal(t, Default().Server.HandshakeTimeout, cfg.Server.HandshakeTimeout)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "failed to parse config file")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fluxipc.yaml")

	cfg := Default()
	cfg.Auth.Enabled = true
	cfg.Auth.CredentialsFile = "/etc/fluxipc/credentials.json"
	cfg.Broker.SubscriptionPolicy = "block"
	cfg.Server.ShutdownTimeout = 3 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
