// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package consumer // import "go.opentelemetry.io/ust-consumer/consumer"

import (
	"sync/atomic"

	"go.opentelemetry.io/ust-consumer/metrics"
)

// counters are hot-path statistics, reset every time they are reported.
type counters struct {
	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	subbufsConsumed  atomic.Uint64
	transferFailures atomic.Uint64
	subbufsNotReady  atomic.Uint64
	bytesLocal       atomic.Uint64
	bytesRelay       atomic.Uint64
	hangups          atomic.Uint64
}

// ReportMetrics hands the counters accumulated since the last call and the
// current registry sizes to the metrics package.
func (c *Consumer) ReportMetrics() {
	metrics.AddSlice([]metrics.Metric{
		{
			ID:    metrics.IDCommandsReceived,
			Value: metrics.MetricValue(c.counters.commandsReceived.Swap(0)),
		},
		{
			ID:    metrics.IDCommandsFailed,
			Value: metrics.MetricValue(c.counters.commandsFailed.Swap(0)),
		},
		{
			ID:    metrics.IDWakeupsDropped,
			Value: metrics.MetricValue(c.wakeup.Dropped()),
		},
		{
			ID:    metrics.IDSubbufsConsumed,
			Value: metrics.MetricValue(c.counters.subbufsConsumed.Swap(0)),
		},
		{
			ID:    metrics.IDSubbufTransferFailures,
			Value: metrics.MetricValue(c.counters.transferFailures.Swap(0)),
		},
		{
			ID:    metrics.IDSubbufsNotReady,
			Value: metrics.MetricValue(c.counters.subbufsNotReady.Swap(0)),
		},
		{
			ID:    metrics.IDBytesWrittenLocal,
			Value: metrics.MetricValue(c.counters.bytesLocal.Swap(0)),
		},
		{
			ID:    metrics.IDBytesSentRelay,
			Value: metrics.MetricValue(c.counters.bytesRelay.Swap(0)),
		},
		{
			ID:    metrics.IDStreamHangups,
			Value: metrics.MetricValue(c.counters.hangups.Swap(0)),
		},
		{
			ID:    metrics.IDStreamsRegistered,
			Value: metrics.MetricValue(c.streams.Len()),
		},
		{
			ID:    metrics.IDChannelsRegistered,
			Value: metrics.MetricValue(c.channels.Len()),
		},
		{
			ID:    metrics.IDRelayPeers,
			Value: metrics.MetricValue(c.relays.Len()),
		},
	})
}
