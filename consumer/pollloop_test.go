// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollLoop(t *testing.T) {
	h := newHarness(t, WithPollTimeout(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.c.RunPollLoop(ctx) }()

	// Streams added while the loop runs are picked up after the wakeup.
	obj := h.addChannel(1, 4, uint64(pageSize))
	p := newProducer(t, obj)
	path := filepath.Join(t.TempDir(), "chan_0")
	require.NoError(t, h.addStream(localStream(10, 1, path), p))
	s, ok := h.c.LookupStream(10)
	require.True(t, ok)

	commit(t, p, []byte("first"))
	require.Eventually(t, func() bool {
		return s.OutputOffset() == int64(pageSize)
	}, 5*time.Second, 5*time.Millisecond)

	// Uncommitted data is flushed and drained once the producer hangs up.
	require.NoError(t, p.Write([]byte("tail")))
	require.NoError(t, p.Hangup())
	require.Eventually(t, func() bool {
		_, ok := h.c.LookupStream(10)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, s.HangupFlushDone.Load())
	assert.Equal(t, uint64(1), h.c.counters.hangups.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 2*pageSize)
	assert.Equal(t, "first", string(data[:5]))
	assert.Equal(t, "tail", string(data[pageSize:pageSize+4]))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop did not return after cancel")
	}
}

func TestPollLoopStop(t *testing.T) {
	// A long timeout makes sure the loop is woken by Stop, not by polling.
	h := newHarness(t, WithPollTimeout(time.Hour))
	done := make(chan error, 1)
	go func() { done <- h.c.RunPollLoop(context.Background()) }()

	h.c.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop did not return after Stop")
	}
	assert.True(t, h.c.Quitting())
}
