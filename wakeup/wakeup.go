// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package wakeup implements the best-effort notification pipe between the
// command dispatcher and the stream poll loop.
//
// Notify writes a single zero byte without ever blocking. When the pipe is
// full the byte is dropped: at least one unread byte is already queued, which
// is all the reader needs to re-check shared state. Readers must follow the
// sequence drain, update, wait:
//
//  1. Drain the pipe.
//  2. Re-read the shared state.
//  3. Poll on ReadFd again.
package wakeup // import "go.opentelemetry.io/ust-consumer/wakeup"

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Pipe is a non-blocking wakeup pipe.
type Pipe struct {
	readFd  int
	writeFd int

	// dropped counts notifications discarded because the pipe was full.
	dropped atomic.Uint64
}

// New creates a wakeup pipe with both ends non-blocking and close-on-exec.
func New() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("failed to create wakeup pipe: %w", err)
	}
	return &Pipe{readFd: fds[0], writeFd: fds[1]}, nil
}

// ReadFd returns the descriptor the poll loop waits on.
func (p *Pipe) ReadFd() int {
	return p.readFd
}

// Notify posts one wakeup byte. A full pipe is not an error.
func (p *Pipe) Notify() error {
	var b = [1]byte{0}
	for {
		_, err := unix.Write(p.writeFd, b[:])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			p.dropped.Add(1)
			return nil
		default:
			return fmt.Errorf("failed to write wakeup byte: %w", err)
		}
	}
}

// Drain consumes every pending wakeup byte and returns how many were read.
func (p *Pipe) Drain() (int, error) {
	var buf [64]byte
	total := 0
	for {
		n, err := unix.Read(p.readFd, buf[:])
		switch {
		case err == nil && n > 0:
			total += n
			continue
		case err == nil:
			// Write end closed.
			return total, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return total, nil
		default:
			return total, fmt.Errorf("failed to drain wakeup pipe: %w", err)
		}
	}
}

// Pending reports whether at least one wakeup byte is queued, without
// consuming it.
func (p *Pipe) Pending() (bool, error) {
	fds := []unix.PollFd{{Fd: int32(p.readFd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to poll wakeup pipe: %w", err)
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// Dropped returns and resets the number of dropped notifications.
func (p *Pipe) Dropped() uint64 {
	return p.dropped.Swap(0)
}

// Close closes both ends of the pipe.
func (p *Pipe) Close() error {
	return multierr.Combine(unix.Close(p.readFd), unix.Close(p.writeFd))
}
