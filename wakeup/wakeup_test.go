// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package wakeup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNotifyDrain(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	pending, err := p.Pending()
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, p.Notify())
	require.NoError(t, p.Notify())

	pending, err = p.Pending()
	require.NoError(t, err)
	assert.True(t, pending)

	n, err := p.Drain()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err = p.Pending()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestNotifyOnFullPipeDoesNotBlock(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	// Shrink the pipe so it fills up quickly; ignore failure on kernels that
	// refuse the resize, the loop below still terminates.
	_, _ = unix.FcntlInt(uintptr(p.writeFd), unix.F_SETPIPE_SZ, 4096)

	for i := 0; i < 1<<20 && p.dropped.Load() == 0; i++ {
		require.NoError(t, p.Notify())
	}
	require.NotZero(t, p.dropped.Load(), "pipe never filled up")

	// One more post on a full pipe: dropped silently, no error, no blocking.
	require.NoError(t, p.Notify())
	assert.GreaterOrEqual(t, p.Dropped(), uint64(2))
	assert.Zero(t, p.Dropped())

	pending, err := p.Pending()
	require.NoError(t, err)
	assert.True(t, pending)

	n, err := p.Drain()
	require.NoError(t, err)
	assert.Positive(t, n)
}
