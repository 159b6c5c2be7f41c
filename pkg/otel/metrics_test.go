// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected aggregation %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetricsWithMeter(mp.Meter("test"))
	require.NoError(t, err)

	m.RecordEstablish("success", 20*time.Millisecond)
	m.RecordEstablish("connect failure", time.Millisecond)
	m.RecordConnected()
	m.RecordDisconnected()
	m.RecordConnected()
	m.RecordReconnect()
	m.RecordCommand("publish", "success", time.Millisecond)
	m.RecordMessageReceived(true)
	m.RecordMessageReceived(false)
	m.RecordMessagePublished(1, 42)
	m.RecordSubscriptionAdded()
	m.RecordSubscriptionAdded()
	m.RecordSubscriptionRemoved(1)
	m.RecordSubscriptionPruned("a/#")
	m.RecordError("keep-alive timeout")

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["fluxlink.establish.total"]))
	assert.Equal(t, int64(1), sumOf(t, data["fluxlink.connected"]))
	assert.Equal(t, int64(1), sumOf(t, data["fluxlink.reconnects.total"]))
	assert.Equal(t, int64(1), sumOf(t, data["fluxlink.commands.total"]))
	assert.Equal(t, int64(2), sumOf(t, data["fluxlink.messages.received.total"]))
	assert.Equal(t, int64(42), sumOf(t, data["fluxlink.bytes.published.total"]))
	assert.Equal(t, int64(1), sumOf(t, data["fluxlink.subscriptions.active"]))
	assert.Equal(t, int64(1), sumOf(t, data["fluxlink.subscriptions.pruned.total"]))
	assert.Equal(t, int64(1), sumOf(t, data["fluxlink.errors.total"]))

	hist, ok := data["fluxlink.establish.duration.ms"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}
