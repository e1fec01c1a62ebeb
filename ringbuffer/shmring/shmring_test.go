// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package shmring

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/fdhandle"
	"go.opentelemetry.io/ust-consumer/ringbuffer"
)

func mapTestChannel(t *testing.T, numSubbuf uint32, subbufSize uint64) (
	*ChannelObject, ringbuffer.Channel) {
	t.Helper()
	obj, err := NewChannelObject(numSubbuf, subbufSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = obj.Close() })

	shm, err := obj.Handle()
	require.NoError(t, err)
	data := &ringbuffer.ObjectData{
		ShmFd:      shm,
		WaitFd:     fdhandle.New(fdhandle.Invalid),
		MemorySize: obj.MemorySize(),
	}
	ch, err := Library{}.MapChannel(data)
	require.NoError(t, err)
	assert.False(t, shm.Valid(), "shm descriptor must be consumed by the mapping")
	t.Cleanup(func() { _ = ch.Unmap() })
	return obj, ch
}

func attach(t *testing.T, obj *ChannelObject, ch ringbuffer.Channel) *Producer {
	t.Helper()
	p, err := obj.NewProducer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	shm, wait, err := p.Handles()
	require.NoError(t, err)
	require.NoError(t, ch.AddStream(&ringbuffer.ObjectData{
		ShmFd:      shm,
		WaitFd:     wait,
		MemorySize: p.MemorySize(),
	}))
	assert.False(t, shm.Valid())
	assert.False(t, wait.Valid())
	return p
}

func TestMapChannelRejectsGarbage(t *testing.T) {
	fd, err := newMemfd("garbage", channelHdrSize)
	require.NoError(t, err)
	shm := fdhandle.New(fd)
	defer shm.Close()

	_, err = Library{}.MapChannel(&ringbuffer.ObjectData{ShmFd: shm, MemorySize: channelHdrSize})
	require.ErrorIs(t, err, ringbuffer.ErrNoMemory)
	// On failure the descriptor stays with the caller.
	assert.True(t, shm.Valid())
}

func TestProduceConsume(t *testing.T) {
	obj, ch := mapTestChannel(t, 4, uint64(4*os.Getpagesize()))
	p := attach(t, obj, ch)

	buf, err := ch.OpenStreamRead(0)
	require.NoError(t, err)

	_, err = ch.OpenStreamRead(0)
	require.ErrorIs(t, err, ringbuffer.ErrBusy)

	require.ErrorIs(t, buf.GetNextSubbuf(), ringbuffer.ErrNoData)

	rec := bytes.Repeat([]byte{0xab}, 100)
	require.NoError(t, p.Write(rec))
	require.NoError(t, p.Commit())

	var b [1]byte
	n, err := unix.Read(buf.WaitFd(), b[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, buf.GetNextSubbuf())
	size, err := buf.PaddedSubbufSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(os.Getpagesize()), size)

	base, err := buf.MmapBase()
	require.NoError(t, err)
	off, err := buf.MmapReadOffset()
	require.NoError(t, err)
	assert.Equal(t, rec, base[off:off+100])

	require.NoError(t, buf.PutNextSubbuf())
	assert.Equal(t, uint64(1), p.Consumed())
	require.ErrorIs(t, buf.GetNextSubbuf(), ringbuffer.ErrNoData)
}

func TestWriteCommitsFullSubbuffers(t *testing.T) {
	obj, ch := mapTestChannel(t, 2, 4096)
	p := attach(t, obj, ch)

	rec := make([]byte, 3000)
	require.NoError(t, p.Write(rec))
	require.NoError(t, p.Write(rec))
	// Both sub-buffers are committed and nothing was consumed.
	require.ErrorIs(t, p.Write(rec), ErrFull)

	buf, err := ch.OpenStreamRead(0)
	require.NoError(t, err)
	require.NoError(t, buf.GetNextSubbuf())
	require.NoError(t, buf.PutNextSubbuf())
	require.NoError(t, p.Write(rec))
}

func TestFlushOnHangup(t *testing.T) {
	obj, ch := mapTestChannel(t, 4, 4096)
	p := attach(t, obj, ch)
	buf, err := ch.OpenStreamRead(0)
	require.NoError(t, err)

	require.NoError(t, p.Write([]byte("tail")))
	require.NoError(t, p.Hangup())

	require.ErrorIs(t, buf.GetNextSubbuf(), ringbuffer.ErrNoData)
	buf.Flush(false)
	require.NoError(t, buf.GetNextSubbuf())

	base, err := buf.MmapBase()
	require.NoError(t, err)
	off, err := buf.MmapReadOffset()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(base[off:off+4]))
	require.NoError(t, buf.PutNextSubbuf())

	// Nothing pending, flushing again commits nothing.
	buf.Flush(false)
	require.ErrorIs(t, buf.GetNextSubbuf(), ringbuffer.ErrNoData)
}

func TestSnapshot(t *testing.T) {
	obj, ch := mapTestChannel(t, 4, 4096)
	p := attach(t, obj, ch)
	buf, err := ch.OpenStreamRead(0)
	require.NoError(t, err)

	_, err = buf.SnapshotProduced()
	require.Error(t, err)

	require.NoError(t, p.Write([]byte("a")))
	require.NoError(t, p.Commit())
	require.NoError(t, buf.Snapshot())
	produced, err := buf.SnapshotProduced()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), produced)
}

func TestStreamsGetSequentialCPUs(t *testing.T) {
	obj, ch := mapTestChannel(t, 2, 4096)
	attach(t, obj, ch)
	attach(t, obj, ch)

	b0, err := ch.OpenStreamRead(0)
	require.NoError(t, err)
	b1, err := ch.OpenStreamRead(1)
	require.NoError(t, err)
	assert.NotEqual(t, b0.WaitFd(), b1.WaitFd())

	_, err = ch.OpenStreamRead(2)
	require.ErrorIs(t, err, ringbuffer.ErrBusy)

	require.NoError(t, b0.Close())
	_, err = ch.OpenStreamRead(0)
	require.ErrorIs(t, err, ringbuffer.ErrBusy)
}

func TestPaddedSize(t *testing.T) {
	page := uint64(os.Getpagesize())
	assert.Equal(t, page, paddedSize(1, 4*page))
	assert.Equal(t, page, paddedSize(page, 4*page))
	assert.Equal(t, 2*page, paddedSize(page+1, 4*page))
	assert.Equal(t, uint64(64), paddedSize(10, 64))
}
