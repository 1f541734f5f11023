// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	status map[string]any
	pool   map[string]any
}

func (m *mockSource) ServerStatus() map[string]any    { return m.status }
func (m *mockSource) ThreadPoolStats() map[string]any { return m.pool }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request returns healthy", http.MethodGet, http.StatusOK},
		{"POST request not allowed", http.MethodPost, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, nil, discard())
			rec := httptest.NewRecorder()
			server.handleHealth(rec, httptest.NewRequest(tt.method, "http://test/health", nil))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				var resp HealthResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, "healthy", resp.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		source         Source
		method         string
		expectedStatus int
		expectedReason string
	}{
		{
			name:           "no source",
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "server not initialized",
		},
		{
			name:           "running",
			source:         &mockSource{status: map[string]any{"state": "RUNNING", "draining": false}},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "not started",
			source:         &mockSource{status: map[string]any{"state": "NOT_STARTED"}},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "server NOT_STARTED",
		},
		{
			name:           "draining",
			source:         &mockSource{status: map[string]any{"state": "RUNNING", "draining": true}},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "server draining",
		},
		{
			name:           "POST request not allowed",
			source:         &mockSource{},
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.source, discard())
			rec := httptest.NewRecorder()
			server.handleReady(rec, httptest.NewRequest(tt.method, "http://test/ready", nil))

			require.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusMethodNotAllowed {
				return
			}
			var resp ReadyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, "ready", resp.Status)
				return
			}
			assert.Equal(t, "not_ready", resp.Status)
			assert.Equal(t, tt.expectedReason, resp.Details)
		})
	}
}

func TestStatusEndpoints(t *testing.T) {
	src := &mockSource{
		status: map[string]any{"state": "RUNNING", "queues": 3},
		pool:   map[string]any{"capacity": 8, "active": 2},
	}
	server := New(Config{}, src, discard())

	rec := httptest.NewRecorder()
	server.handleStatus(rec, httptest.NewRequest(http.MethodGet, "http://test/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.EqualValues(t, 3, status["queues"])

	rec = httptest.NewRecorder()
	server.handlePoolStatus(rec, httptest.NewRequest(http.MethodGet, "http://test/status/pool", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pool map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pool))
	assert.EqualValues(t, 2, pool["active"])

	rec = httptest.NewRecorder()
	New(Config{}, nil, discard()).handleStatus(rec, httptest.NewRequest(http.MethodGet, "http://test/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListen(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &mockSource{
		status: map[string]any{"state": "RUNNING"},
	}, discard())
	assert.Empty(t, server.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()

	select {
	case <-server.Listening():
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not start")
	}

	resp, err := http.Get("http://" + server.Addr() + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not stop")
	}
}
