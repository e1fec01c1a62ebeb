// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions.
package periodiccaller // import "go.opentelemetry.io/ust-consumer/periodiccaller"

import (
	"context"
	"time"
)

// Start calls callback every interval until ctx is canceled or the returned
// stop function is called.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	return StartWithManualTrigger(ctx, interval, nil, func(bool) { callback() })
}

// StartWithManualTrigger is like Start, additionally calling callback with
// manualTrigger set whenever a value arrives on trigger. A nil trigger never
// fires.
//
// The returned stop function cancels the timer and waits until a callback
// that is already running has returned, so it is safe to read state the
// callback writes once stop returns.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := time.NewTicker(interval)

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
