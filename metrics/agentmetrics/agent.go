// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmetrics reports resource usage of the consumer process itself.
package agentmetrics // import "go.opentelemetry.io/ust-consumer/metrics/agentmetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/metrics"
	"go.opentelemetry.io/ust-consumer/periodiccaller"
)

// rusageTimes holds the CPU times of the previous sample.
type rusageTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta returns now-prev in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	return int64(now.Sec-prev.Sec)*1000 + int64(now.Usec-prev.Usec)/1000
}

func (r *rusageTimes) sample() ([]metrics.Metric, error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return nil, err
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	deltaUtime := timeDelta(rusage.Utime, r.utime)
	deltaStime := timeDelta(rusage.Stime, r.stime)
	r.utime, r.stime = rusage.Utime, rusage.Stime

	return []metrics.Metric{
		{ID: metrics.IDConsumerGoRoutines, Value: metrics.MetricValue(runtime.NumGoroutine())},
		{ID: metrics.IDConsumerHeapAlloc, Value: metrics.MetricValue(stats.HeapAlloc)},
		{ID: metrics.IDConsumerUTime, Value: metrics.MetricValue(deltaUtime)},
		{ID: metrics.IDConsumerSTime, Value: metrics.MetricValue(deltaStime)},
	}, nil
}

// Start samples the consumer's own resource usage every interval. The
// returned function stops sampling.
func Start(ctx context.Context, interval time.Duration) (func(), error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return func() {}, err
	}
	prev := rusageTimes{utime: rusage.Utime, stime: rusage.Stime}

	return periodiccaller.Start(ctx, interval, func() {
		m, err := prev.sample()
		if err != nil {
			log.Errorf("Failed to fetch rusage: %v", err)
			return
		}
		metrics.AddSlice(m)
	}), nil
}
