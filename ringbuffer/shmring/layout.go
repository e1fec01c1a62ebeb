// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package shmring is a ring-buffer library backed by memfd shared memory.
//
// A channel object holds a small header describing the geometry shared by
// all of its streams:
//
//	0x00 magic      [8]byte "USTSHMCH"
//	0x08 version    u32
//	0x0C num_subbuf u32
//	0x10 subbuf_sz  u64
//
// Each stream object is laid out as:
//
//	0x00 produced   u64  number of committed sub-buffers
//	0x08 consumed   u64  number of released sub-buffers
//	0x10 write_off  u64  bytes written to the open sub-buffer
//	0x18 closed     u32
//	0x40 commit     [num_subbuf]u64  payload size of each committed sub-buffer
//	...  data       [num_subbuf][subbuf_sz]byte
//
// Counters are accessed atomically. A single producer writes sub-buffers in
// order and a single consumer releases them in order; the producer never
// laps the consumer.
package shmring // import "go.opentelemetry.io/ust-consumer/ringbuffer/shmring"

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	channelMagic   = "USTSHMCH"
	layoutVersion  = uint32(1)
	channelHdrSize = 64
	streamHdrSize  = 64

	offProduced = 0x00
	offConsumed = 0x08
	offWriteOff = 0x10
	offClosed   = 0x18
)

var errLayout = errors.New("invalid shared memory layout")

type geometry struct {
	numSubbuf  uint32
	subbufSize uint64
}

func (g geometry) validate() error {
	if g.numSubbuf < 2 {
		return fmt.Errorf("%w: need at least 2 sub-buffers, got %d", errLayout, g.numSubbuf)
	}
	if g.subbufSize == 0 || g.subbufSize%8 != 0 {
		return fmt.Errorf("%w: sub-buffer size %d", errLayout, g.subbufSize)
	}
	return nil
}

func (g geometry) commitOffset(idx uint64) uint64 {
	return streamHdrSize + 8*idx
}

func (g geometry) dataOffset() uint64 {
	return streamHdrSize + 8*uint64(g.numSubbuf)
}

func (g geometry) subbufOffset(idx uint64) uint64 {
	return g.dataOffset() + idx*g.subbufSize
}

// StreamSize is the size of a stream object for the given geometry.
func StreamSize(numSubbuf uint32, subbufSize uint64) uint64 {
	return geometry{numSubbuf: numSubbuf, subbufSize: subbufSize}.subbufOffset(uint64(numSubbuf))
}

func u64At(mem []byte, off uint64) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&mem[off]))
}

func u32At(mem []byte, off uint64) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&mem[off]))
}

// paddedSize rounds size up to the page size without exceeding the
// sub-buffer size.
func paddedSize(size, subbufSize uint64) uint64 {
	page := uint64(os.Getpagesize())
	padded := (size + page - 1) &^ (page - 1)
	return min(padded, subbufSize)
}

func mapShared(fd int, size uint64) ([]byte, error) {
	if size == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fmt.Errorf("failed to stat shm fd %d: %w", fd, err)
		}
		size = uint64(st.Size)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap shm fd %d (%d bytes): %w", fd, size, err)
	}
	return mem, nil
}

func newMemfd(name string, size uint64) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("failed to create memfd %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("failed to size memfd %s: %w", name, err)
	}
	return fd, nil
}
