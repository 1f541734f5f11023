// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	assert.True(t, limiter.Allow(addr))
	assert.True(t, limiter.Allow(addr), "within burst")
	assert.False(t, limiter.Allow(addr), "burst exhausted")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, limiter.Allow(addr), "token refilled")
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}

	assert.True(t, limiter.Allow(addr1))
	assert.True(t, limiter.Allow(addr2))
	assert.False(t, limiter.Allow(addr1))
	assert.False(t, limiter.Allow(addr2))
}

func TestIPRateLimiter_UnixAndNil(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()
	defer limiter.Stop()

	unix := &net.UnixAddr{Name: "/tmp/fluxipc.sock", Net: "unix"}
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(unix))
		assert.True(t, limiter.Allow(nil))
	}
}

func TestIPRateLimiter_RemoveStale(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	require.True(t, limiter.Allow(addr))
	require.False(t, limiter.Allow(addr))

	limiter.removeStale(time.Now().Add(3 * time.Minute))
	assert.True(t, limiter.Allow(addr), "stale entry was forgotten")
}

func TestMessageLimiter(t *testing.T) {
	limiter := NewMessageLimiter(1, 1)

	assert.True(t, limiter.Allow("c1"))
	assert.False(t, limiter.Allow("c1"))
	assert.True(t, limiter.Allow("c2"))

	limiter.Remove("c1")
	assert.True(t, limiter.Allow("c1"), "fresh limiter after removal")
}

func TestMessageLimiter_Wait(t *testing.T) {
	limiter := NewMessageLimiter(20, 1)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "c"))
	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "c"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, limiter.Wait(cancelled, "c"))
}

func TestManager(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	ctx := context.Background()

	var nilManager *Manager
	assert.True(t, nilManager.AllowConnection(addr))
	assert.NoError(t, nilManager.WaitMessage(ctx, "c"))
	nilManager.OnDisconnect("c")
	nilManager.Stop()

	disabled := NewManager(Config{Enabled: false})
	for i := 0; i < 5; i++ {
		assert.True(t, disabled.AllowConnection(addr))
	}

	enabled := NewManager(Config{
		Enabled:    true,
		Connection: ConnectionConfig{Enabled: true, Rate: 1, Burst: 1, CleanupInterval: time.Minute},
		Message:    MessageConfig{Enabled: true, Rate: 1000, Burst: 10},
	})
	defer enabled.Stop()

	assert.True(t, enabled.AllowConnection(addr))
	assert.False(t, enabled.AllowConnection(addr))
	assert.NoError(t, enabled.WaitMessage(ctx, "c"))
	enabled.OnDisconnect("c")
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name     string
		addr     net.Addr
		expected string
	}{
		{"TCPAddr", &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}, "192.168.1.1"},
		{"UDPAddr", &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5678}, "10.0.0.1"},
		{"UnixAddr", &net.UnixAddr{Name: "/tmp/s", Net: "unix"}, ""},
		{"Nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractIP(tt.addr))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.Connection.Enabled)
	assert.True(t, cfg.Message.Enabled)
}
