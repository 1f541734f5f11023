// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the broker's OpenTelemetry instruments. A nil *Metrics
// records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal metric.Int64Counter
	rejectionsTotal  metric.Int64Counter
	handshakeErrors  metric.Int64Counter
	messagesReceived metric.Int64Counter
	messagesSent     metric.Int64Counter
	bytesReceived    metric.Int64Counter
	bytesSent        metric.Int64Counter
	queueOps         metric.Int64Counter
	publishesTotal   metric.Int64Counter
	deliveriesTotal  metric.Int64Counter
	handlerErrors    metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	messageSize      metric.Int64Histogram
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider())
}

// NewMetricsWith creates the instruments on mp.
func NewMetricsWith(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{meter: mp.Meter("fluxipc")}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "fluxipc.connections.total", "Total accepted connections"},
		{&m.rejectionsTotal, "fluxipc.connections.rejected.total", "Connections rejected before the handshake"},
		{&m.handshakeErrors, "fluxipc.handshake.errors.total", "Failed handshakes by phase"},
		{&m.messagesReceived, "fluxipc.messages.received.total", "Messages received from clients"},
		{&m.messagesSent, "fluxipc.messages.sent.total", "Messages sent to clients"},
		{&m.bytesReceived, "fluxipc.bytes.received.total", "Frame bytes received"},
		{&m.bytesSent, "fluxipc.bytes.sent.total", "Frame bytes sent"},
		{&m.queueOps, "fluxipc.queue.operations.total", "Queue offers and polls by outcome"},
		{&m.publishesTotal, "fluxipc.topic.publishes.total", "Messages published to topics"},
		{&m.deliveriesTotal, "fluxipc.topic.deliveries.total", "Messages enqueued for subscribers"},
		{&m.handlerErrors, "fluxipc.function.errors.total", "Function dispatches answered with an error status"},
	}
	for _, c := range counters {
		inst, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"fluxipc.connections.current",
		metric.WithDescription("Currently open connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"fluxipc.subscriptions.active",
		metric.WithDescription("Active topic subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"fluxipc.message.size.bytes",
		metric.WithDescription("Received payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"fluxipc.dispatch.duration.ms",
		metric.WithDescription("Request processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records an accepted connection.
func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a closed connection.
func (m *Metrics) RecordDisconnection() {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(context.Background(), -1)
}

// RecordRejection records a connection closed before the handshake.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordHandshakeError records a failed handshake.
func (m *Metrics) RecordHandshakeError(phase string) {
	if m == nil {
		return
	}
	m.handshakeErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordMessageReceived records an inbound message.
func (m *Metrics) RecordMessageReceived(msgType string, frameBytes, payloadBytes int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
	m.bytesReceived.Add(ctx, int64(frameBytes))
	m.messageSize.Record(ctx, int64(payloadBytes))
}

// RecordMessageSent records an outbound message.
func (m *Metrics) RecordMessageSent(msgType string, frameBytes int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
	m.bytesSent.Add(ctx, int64(frameBytes))
}

// RecordQueueOp records a queue offer or poll and its response status.
func (m *Metrics) RecordQueueOp(op, status string) {
	if m == nil {
		return
	}
	m.queueOps.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	))
}

// RecordPublish records a publish reaching the given number of subscribers.
func (m *Metrics) RecordPublish(reached int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.publishesTotal.Add(ctx, 1)
	m.deliveriesTotal.Add(ctx, int64(reached))
}

// RecordSubscriptions adjusts the active subscription gauge by delta.
func (m *Metrics) RecordSubscriptions(delta int) {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), int64(delta))
}

// RecordHandlerError records a function call answered with status.
func (m *Metrics) RecordHandlerError(status string) {
	if m == nil {
		return
	}
	m.handlerErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDispatchDuration records how long a request took to process.
func (m *Metrics) RecordDispatchDuration(msgType string, durationMs float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Record(context.Background(), durationMs, metric.WithAttributes(attribute.String("type", msgType)))
}
