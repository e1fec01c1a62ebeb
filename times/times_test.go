// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaults(t *testing.T) {
	tm := New(0, -1, 0)
	assert.Equal(t, CommandPollTimeout, tm.CommandPollTimeout())
	assert.Equal(t, StreamPollTimeout, tm.StreamPollTimeout())
	assert.Equal(t, MetricsInterval, tm.MetricsInterval())
	assert.Equal(t, SelfMetricsInterval, tm.SelfMetricsInterval())

	tm = New(2*time.Second, 20*time.Millisecond, 5*time.Second)
	assert.Equal(t, 2*time.Second, tm.CommandPollTimeout())
	assert.Equal(t, 20*time.Millisecond, tm.StreamPollTimeout())
	assert.Equal(t, 5*time.Second, tm.MetricsInterval())
}
