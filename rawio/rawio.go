// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package rawio implements descriptor I/O loops with write(2)/read(2)
// semantics: interrupted calls are retried in place and short transfers are
// accumulated.
package rawio // import "go.opentelemetry.io/ust-consumer/rawio"

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// ErrOverflow is returned when a write reports more bytes than were
// requested.
var ErrOverflow = errors.New("write returned more bytes than requested")

// WriteFunc has the semantics of unix.Write.
type WriteFunc func(fd int, p []byte) (int, error)

// ReadFunc has the semantics of unix.Read.
type ReadFunc func(fd int, p []byte) (int, error)

// WriteAll writes p to fd, retrying on EINTR and accumulating short writes.
// It returns the number of bytes written. On ErrOverflow the returned count
// includes the bogus count reported by the failing call.
func WriteAll(write WriteFunc, fd int, p []byte) (int, error) {
	return WriteAllNotify(write, fd, p, nil)
}

// WriteAllNotify is WriteAll calling chunk after every successful write
// with the number of bytes that call wrote.
func WriteAllNotify(write WriteFunc, fd int, p []byte, chunk func(n int)) (int, error) {
	if write == nil {
		write = unix.Write
	}
	written := 0
	for len(p) > 0 {
		n, err := write(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return written, err
		}
		if n > len(p) {
			return written + n, fmt.Errorf("%w: %d > %d", ErrOverflow, n, len(p))
		}
		written += n
		p = p[n:]
		if chunk != nil {
			chunk(n)
		}
	}
	return written, nil
}

// ReadFull reads exactly len(p) bytes from fd, retrying on EINTR. End of
// file before p is filled yields io.ErrUnexpectedEOF.
func ReadFull(read ReadFunc, fd int, p []byte) error {
	if read == nil {
		read = unix.Read
	}
	for len(p) > 0 {
		n, err := read(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		p = p[n:]
	}
	return nil
}
