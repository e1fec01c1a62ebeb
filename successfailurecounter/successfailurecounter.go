// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package successfailurecounter records the outcome of one operation, such as
// one sub-buffer drain cycle, in exactly one of two atomic counters.
//
// A SuccessFailureCounter itself is not thread safe: it belongs to the
// goroutine running the operation. The counters it points to may be shared.
package successfailurecounter // import "go.opentelemetry.io/ust-consumer/successfailurecounter"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// SuccessFailureCounter increments a success or a failure counter exactly once.
type SuccessFailureCounter struct {
	success, fail *atomic.Uint64
	sealed        bool
}

// New returns a SuccessFailureCounter over the given counters.
func New(success, fail *atomic.Uint64) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail}
}

func (sfc *SuccessFailureCounter) record(counter *atomic.Uint64, what string) {
	if sfc.sealed {
		log.Errorf("Attempted to report %s after the outcome was already recorded", what)
		return
	}
	counter.Add(1)
	sfc.sealed = true
}

// ReportSuccess records a success.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	sfc.record(sfc.success, "success")
}

// ReportFailure records a failure.
func (sfc *SuccessFailureCounter) ReportFailure() {
	sfc.record(sfc.fail, "failure")
}

// DefaultToSuccess records a success unless an outcome was recorded.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	if !sfc.sealed {
		sfc.ReportSuccess()
	}
}

// DefaultToFailure records a failure unless an outcome was recorded.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.sealed {
		sfc.ReportFailure()
	}
}

// Sealed reports whether an outcome was recorded.
func (sfc *SuccessFailureCounter) Sealed() bool {
	return sfc.sealed
}
