// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ringbuffer defines the boundary between the consumer and the
// tracer's ring-buffer control library. The consumer only ever talks to the
// interfaces in this package; the layout of the shared memory is the
// library's business.
package ringbuffer // import "go.opentelemetry.io/ust-consumer/ringbuffer"

import (
	"errors"

	"go.opentelemetry.io/ust-consumer/fdhandle"
)

var (
	// ErrNoData is returned by GetNextSubbuf when no sub-buffer is ready.
	// It is not a failure: poll readiness is looser than sub-buffer
	// reservation and short races are expected.
	ErrNoData = errors.New("no sub-buffer ready")
	// ErrNotSupported is returned by operations a library does not implement.
	ErrNotSupported = errors.New("operation not supported")
	// ErrNoMemory is returned when a channel cannot be mapped.
	ErrNoMemory = errors.New("cannot map channel")
	// ErrBusy is returned when a stream read handle cannot be opened.
	ErrBusy = errors.New("stream busy")
)

// ObjectData describes shared-memory objects handed to the library. The
// library takes ownership of both descriptors on success; on failure they
// are left untouched in their handles.
type ObjectData struct {
	ShmFd      *fdhandle.Handle
	WaitFd     *fdhandle.Handle
	MemorySize uint64
}

// Library maps channels.
type Library interface {
	// MapChannel maps the channel described by obj.
	MapChannel(obj *ObjectData) (Channel, error)
}

// Channel is a mapped set of per-CPU ring buffers.
type Channel interface {
	// AddStream attaches one stream's shared memory to the channel.
	AddStream(obj *ObjectData) error
	// OpenStreamRead opens the read side of the stream attached for cpu.
	OpenStreamRead(cpu int) (Buffer, error)
	// Unmap releases the channel mapping and every stream still attached.
	Unmap() error
}

// Buffer is the read side of one stream.
type Buffer interface {
	// WaitFd is the descriptor the producer writes to when data is ready.
	WaitFd() int
	// MmapBase returns the mapped region sub-buffers are read from.
	MmapBase() ([]byte, error)
	// MmapReadOffset returns the offset of the held sub-buffer in MmapBase.
	MmapReadOffset() (uint64, error)
	// GetNextSubbuf reserves the next ready sub-buffer for reading.
	GetNextSubbuf() error
	// PutNextSubbuf releases the reserved sub-buffer.
	PutNextSubbuf() error
	// PaddedSubbufSize returns the length to copy out of the held sub-buffer.
	PaddedSubbufSize() (uint64, error)
	// Flush forces the partially filled sub-buffer to become readable.
	Flush(producerActive bool)
	// Snapshot samples the consumed and produced positions.
	Snapshot() error
	// SnapshotProduced returns the produced position of the last Snapshot.
	SnapshotProduced() (uint64, error)
	// Close closes the read side.
	Close() error
}
