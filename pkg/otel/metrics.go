// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments of the connectivity core.
type Metrics struct {
	meter metric.Meter

	// Counters
	establishTotal     metric.Int64Counter
	reconnectsTotal    metric.Int64Counter
	commandsTotal      metric.Int64Counter
	messagesReceived   metric.Int64Counter
	messagesPublished  metric.Int64Counter
	bytesPublished     metric.Int64Counter
	subscriptionPruned metric.Int64Counter
	errorsTotal        metric.Int64Counter

	// UpDownCounters
	connected           metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	establishDuration metric.Float64Histogram
	commandDuration   metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("fluxlink"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.establishTotal, err = m.meter.Int64Counter(
		"fluxlink.establish.total",
		metric.WithDescription("Connection establishment attempts by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create establishTotal counter: %w", err)
	}

	m.reconnectsTotal, err = m.meter.Int64Counter(
		"fluxlink.reconnects.total",
		metric.WithDescription("Session recoveries after a command loop failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnectsTotal counter: %w", err)
	}

	m.commandsTotal, err = m.meter.Int64Counter(
		"fluxlink.commands.total",
		metric.WithDescription("Completed agent commands by kind and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsTotal counter: %w", err)
	}

	m.messagesReceived, err = m.meter.Int64Counter(
		"fluxlink.messages.received.total",
		metric.WithDescription("Inbound publishes, split by whether a subscription claimed them"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.messagesPublished, err = m.meter.Int64Counter(
		"fluxlink.messages.published.total",
		metric.WithDescription("Outbound publishes acknowledged by the engine"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.bytesPublished, err = m.meter.Int64Counter(
		"fluxlink.bytes.published.total",
		metric.WithDescription("Outbound payload bytes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesPublished counter: %w", err)
	}

	m.subscriptionPruned, err = m.meter.Int64Counter(
		"fluxlink.subscriptions.pruned.total",
		metric.WithDescription("Filters removed after a failed resubscribe"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionPruned counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"fluxlink.errors.total",
		metric.WithDescription("Errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connected, err = m.meter.Int64UpDownCounter(
		"fluxlink.connected",
		metric.WithDescription("1 while a broker session is up"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connected gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"fluxlink.subscriptions.active",
		metric.WithDescription("Records in the subscription table"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.establishDuration, err = m.meter.Float64Histogram(
		"fluxlink.establish.duration.ms",
		metric.WithDescription("Connect and handshake duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create establishDuration histogram: %w", err)
	}

	m.commandDuration, err = m.meter.Float64Histogram(
		"fluxlink.command.duration.ms",
		metric.WithDescription("Time from dequeue to completion in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandDuration histogram: %w", err)
	}

	return m, nil
}

// RecordEstablish records one establishment attempt.
func (m *Metrics) RecordEstablish(status string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.establishTotal.Add(ctx, 1, attrs)
	m.establishDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordConnected records a session coming up.
func (m *Metrics) RecordConnected() {
	m.connected.Add(context.Background(), 1)
}

// RecordDisconnected records a session going down.
func (m *Metrics) RecordDisconnected() {
	m.connected.Add(context.Background(), -1)
}

// RecordReconnect records a recovery cycle.
func (m *Metrics) RecordReconnect() {
	m.reconnectsTotal.Add(context.Background(), 1)
}

// RecordCommand records a completed command.
func (m *Metrics) RecordCommand(kind, status string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.commandsTotal.Add(ctx, 1, attrs)
	m.commandDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordMessageReceived records an inbound publish.
func (m *Metrics) RecordMessageReceived(solicited bool) {
	m.messagesReceived.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("solicited", solicited),
	))
}

// RecordMessagePublished records an outbound publish.
func (m *Metrics) RecordMessagePublished(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.bytesPublished.Add(ctx, sizeBytes)
}

// RecordSubscriptionAdded records a new table record.
func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionRemoved records n records leaving the table.
func (m *Metrics) RecordSubscriptionRemoved(n int) {
	m.subscriptionsActive.Add(context.Background(), -int64(n))
}

// RecordSubscriptionPruned records a filter removed after a failed resubscribe.
func (m *Metrics) RecordSubscriptionPruned(filter string) {
	m.subscriptionPruned.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("filter", filter),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
