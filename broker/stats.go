// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker-wide counters. All methods are safe for concurrent use.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections    atomic.Uint64
	currentConnections  atomic.Int64
	disconnections      atomic.Uint64
	rejectedConnections atomic.Uint64

	// Message stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	published        atomic.Uint64
	deliveries       atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// Error stats
	handshakeErrors atomic.Uint64
	authErrors      atomic.Uint64
	protocolErrors  atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(-1)
	s.disconnections.Add(1)
}

func (s *Stats) IncrementRejected() {
	s.rejectedConnections.Add(1)
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

func (s *Stats) GetCurrentConnections() int64 {
	return s.currentConnections.Load()
}

func (s *Stats) GetDisconnections() uint64 {
	return s.disconnections.Load()
}

func (s *Stats) GetRejected() uint64 {
	return s.rejectedConnections.Load()
}

// Message tracking.
func (s *Stats) AddReceived(bytes int) {
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(uint64(bytes))
}

func (s *Stats) AddSent(bytes int) {
	s.messagesSent.Add(1)
	s.bytesSent.Add(uint64(bytes))
}

func (s *Stats) IncrementPublished() {
	s.published.Add(1)
}

func (s *Stats) AddDeliveries(n int) {
	s.deliveries.Add(uint64(n))
}

func (s *Stats) GetMessagesReceived() uint64 {
	return s.messagesReceived.Load()
}

func (s *Stats) GetMessagesSent() uint64 {
	return s.messagesSent.Load()
}

func (s *Stats) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

func (s *Stats) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

// Error tracking.
func (s *Stats) IncrementHandshakeErrors() {
	s.handshakeErrors.Add(1)
}

func (s *Stats) IncrementAuthErrors() {
	s.authErrors.Add(1)
}

func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) GetHandshakeErrors() uint64 {
	return s.handshakeErrors.Load()
}

func (s *Stats) GetAuthErrors() uint64 {
	return s.authErrors.Load()
}

func (s *Stats) GetProtocolErrors() uint64 {
	return s.protocolErrors.Load()
}

// Uptime returns the time since the broker started.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot returns the counters as a flat map.
func (s *Stats) Snapshot() map[string]any {
	return map[string]any{
		"uptime_ms":            s.Uptime().Milliseconds(),
		"connections_total":    s.totalConnections.Load(),
		"connections_current":  s.currentConnections.Load(),
		"connections_closed":   s.disconnections.Load(),
		"connections_rejected": s.rejectedConnections.Load(),
		"messages_received":    s.messagesReceived.Load(),
		"messages_sent":        s.messagesSent.Load(),
		"messages_published":   s.published.Load(),
		"messages_delivered":   s.deliveries.Load(),
		"bytes_received":       s.bytesReceived.Load(),
		"bytes_sent":           s.bytesSent.Load(),
		"handshake_errors":     s.handshakeErrors.Load(),
		"auth_errors":          s.authErrors.Load(),
		"protocol_errors":      s.protocolErrors.Load(),
	}
}
