// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdhandle wraps raw file descriptors received from the session
// daemon into move-only handles.
//
// A Handle starts out owning its descriptor. Ownership leaves the handle
// exactly once, either through Take (the descriptor is handed to a new owner,
// typically the ring-buffer library) or through Close. Any further attempt to
// take the descriptor fails with ErrConsumed.
package fdhandle // import "go.opentelemetry.io/ust-consumer/fdhandle"

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Invalid is the sentinel descriptor value of a consumed or empty handle.
const Invalid = -1

// ErrConsumed is returned when a descriptor is taken from a handle that no
// longer owns it.
var ErrConsumed = errors.New("descriptor already consumed")

// Handle owns a single raw file descriptor until it is taken or closed.
type Handle struct {
	fd atomic.Int64
}

// New returns a Handle owning fd. A negative fd yields an empty handle.
func New(fd int) *Handle {
	h := &Handle{}
	if fd < 0 {
		fd = Invalid
	}
	h.fd.Store(int64(fd))
	return h
}

// Valid reports whether the handle still owns a descriptor.
func (h *Handle) Valid() bool {
	return h != nil && h.fd.Load() != Invalid
}

// Peek returns the owned descriptor without transferring ownership, or
// Invalid.
func (h *Handle) Peek() int {
	if h == nil {
		return Invalid
	}
	return int(h.fd.Load())
}

// Take transfers ownership of the descriptor to the caller. The handle is
// left in the consumed state.
func (h *Handle) Take() (int, error) {
	if h == nil {
		return Invalid, ErrConsumed
	}
	fd := h.fd.Swap(Invalid)
	if fd == Invalid {
		return Invalid, ErrConsumed
	}
	return int(fd), nil
}

// Close closes the descriptor if the handle still owns it. Closing a
// consumed handle is a no-op.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	fd := h.fd.Swap(Invalid)
	if fd == Invalid {
		return nil
	}
	if err := unix.Close(int(fd)); err != nil {
		return fmt.Errorf("failed to close fd %d: %w", fd, err)
	}
	return nil
}

// String implements fmt.Stringer for log messages.
func (h *Handle) String() string {
	if !h.Valid() {
		return "fd(consumed)"
	}
	return fmt.Sprintf("fd(%d)", h.Peek())
}
