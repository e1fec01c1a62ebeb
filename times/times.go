// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times holds the intervals and timeouts used across the consumer in
// a central place.
package times // import "go.opentelemetry.io/ust-consumer/times"

import "time"

const (
	// CommandPollTimeout is how long the dispatcher waits for a command
	// before checking for shutdown.
	CommandPollTimeout = time.Second
	// StreamPollTimeout is how long the poll loop waits for stream data
	// before re-reading the registry.
	StreamPollTimeout = 100 * time.Millisecond
	// MetricsInterval is how often hot-path counters are flushed.
	MetricsInterval = time.Second
	// SelfMetricsInterval is how often the consumer samples its own
	// resource usage.
	SelfMetricsInterval = 10 * time.Second
	// ShutdownGrace bounds how long teardown waits for the poll loop to
	// drain hung up streams.
	ShutdownGrace = 5 * time.Second
)

// Compile time check for interface adherence
var _ IntervalsAndTimers = (*Times)(nil)

// Times hold all the intervals and timeouts that are used across the consumer
// and comes with Getters to read them.
type Times struct {
	commandPollTimeout  time.Duration
	streamPollTimeout   time.Duration
	metricsInterval     time.Duration
	selfMetricsInterval time.Duration
	shutdownGrace       time.Duration
}

// IntervalsAndTimers is a meta-interface that exists purely to document its functionality.
type IntervalsAndTimers interface {
	// CommandPollTimeout bounds one wait on the session daemon socket.
	CommandPollTimeout() time.Duration
	// StreamPollTimeout bounds one wait on the stream wait descriptors.
	StreamPollTimeout() time.Duration
	// MetricsInterval defines how often counters are flushed to metrics.
	MetricsInterval() time.Duration
	// SelfMetricsInterval defines how often process metrics are sampled.
	SelfMetricsInterval() time.Duration
	// ShutdownGrace bounds the final drain at shutdown.
	ShutdownGrace() time.Duration
}

func (t *Times) CommandPollTimeout() time.Duration { return t.commandPollTimeout }

func (t *Times) StreamPollTimeout() time.Duration { return t.streamPollTimeout }

func (t *Times) MetricsInterval() time.Duration { return t.metricsInterval }

func (t *Times) SelfMetricsInterval() time.Duration { return t.selfMetricsInterval }

func (t *Times) ShutdownGrace() time.Duration { return t.shutdownGrace }

// New returns a new Times instance. Zero arguments select the defaults.
func New(commandPollTimeout, streamPollTimeout, metricsInterval time.Duration) *Times {
	return &Times{
		commandPollTimeout:  orDefault(commandPollTimeout, CommandPollTimeout),
		streamPollTimeout:   orDefault(streamPollTimeout, StreamPollTimeout),
		metricsInterval:     orDefault(metricsInterval, MetricsInterval),
		selfMetricsInterval: SelfMetricsInterval,
		shutdownGrace:       ShutdownGrace,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
