// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics collects the consumer's internal counters and gauges.

Metric ids are defined in metrics.json; ids.go is generated from it. Values
are buffered per second with Add and AddSlice and handed to the
OpenTelemetry meter (and an optional Reporter) once the second is over.
Hot paths keep plain atomic counters and flush them periodically:

	stop := periodiccaller.Start(ctx, interval, func() {
		metrics.AddSlice([]metrics.Metric{
			{ID: metrics.IDSubbufsConsumed, Value: metrics.MetricValue(n.Swap(0))},
		})
	})
	defer stop()

# Directory Structure

	metrics
	├── agentmetrics/   // goroutines, heap and rusage of the consumer itself
	├── genids/         // generator for ids.go
	├── doc.go          // this file
	├── ids.go          // generated metric ids
	├── metrics.go      // Add(), AddSlice() and OpenTelemetry export
	├── metrics.json    // metric definitions, append only
	└── types.go        // Metric, MetricID, MetricValue, MetricDefinition
*/
package metrics // import "go.opentelemetry.io/ust-consumer/metrics"
