// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sessiondcomm // import "go.opentelemetry.io/ust-consumer/sessiondcomm"

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/fdhandle"
	"go.opentelemetry.io/ust-consumer/rawio"
)

var (
	// ErrQuit is returned by WaitReadable when the quit descriptor fired.
	ErrQuit = errors.New("consumer should quit")
	// ErrHangup is returned when the peer closed the control socket.
	ErrHangup = errors.New("control socket hung up")
	// ErrFdCount is returned when a message carried an unexpected number of
	// descriptors.
	ErrFdCount = errors.New("unexpected number of passed descriptors")
)

// Conn is the consumer end of a connected unix stream socket to the session
// daemon.
type Conn struct {
	fd int
	// write defaults to unix.Write.
	write rawio.WriteFunc
}

// NewConn wraps a connected unix socket descriptor. The Conn owns fd.
func NewConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// Fd returns the underlying socket descriptor.
func (c *Conn) Fd() int {
	return c.fd
}

// Close closes the socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// WaitReadable blocks until the socket is readable. If quitFd is not
// negative and becomes readable first, ErrQuit is returned. Descriptor
// passing piggybacks on socket readiness, so callers poll before every
// RecvFds.
func (c *Conn) WaitReadable(quitFd int) error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN | unix.POLLPRI}}
	if quitFd >= 0 {
		fds = append(fds, unix.PollFd{Fd: int32(quitFd), Events: unix.POLLIN | unix.POLLPRI})
	}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to poll control socket: %w", err)
		}
		break
	}
	if len(fds) > 1 && fds[1].Revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		return ErrQuit
	}
	rev := fds[0].Revents
	switch {
	case rev&(unix.POLLIN|unix.POLLPRI) != 0:
		return nil
	case rev&unix.POLLNVAL != 0:
		return fmt.Errorf("control socket: %w", unix.EBADF)
	case rev&(unix.POLLHUP|unix.POLLERR) != 0:
		return ErrHangup
	default:
		return fmt.Errorf("control socket: unexpected poll events %#x", rev)
	}
}

// RecvMessage reads exactly one command message. A short read means the
// connection is unusable and is reported as ErrShortMessage.
func (c *Conn) RecvMessage() (Command, error) {
	buf := make([]byte, MessageSize)
	n, err := recvAll(c.fd, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to receive command: %w", err)
	}
	if n != MessageSize {
		return nil, fmt.Errorf("%w: received %d of %d bytes", ErrShortMessage, n, MessageSize)
	}
	return Decode(buf)
}

func recvAll(fd int, buf []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(fd, buf, unix.MSG_WAITALL)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// SendMessage encodes and writes one command message.
func (c *Conn) SendMessage(cmd Command) error {
	msg, err := Encode(cmd)
	if err != nil {
		return err
	}
	if _, err := rawio.WriteAll(c.write, c.fd, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.Kind(), err)
	}
	return nil
}

// RecvFds receives exactly n descriptors passed with SCM_RIGHTS. On any
// mismatch all received descriptors are closed.
func (c *Conn) RecvFds(n int) ([]*fdhandle.Handle, error) {
	data := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(n*4))

	var (
		oobn int
		err  error
	)
	for {
		_, oobn, _, _, err = unix.Recvmsg(c.fd, data, oob, unix.MSG_CMSG_CLOEXEC)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive descriptors: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("failed to parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	if len(fds) != n {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrFdCount, len(fds), n)
	}

	handles := make([]*fdhandle.Handle, n)
	for i, fd := range fds {
		handles[i] = fdhandle.New(fd)
	}
	return handles, nil
}

// SendFds passes fds to the peer with SCM_RIGHTS. The caller keeps its own
// copies of the descriptors.
func (c *Conn) SendFds(fds ...int) error {
	rights := unix.UnixRights(fds...)
	for {
		err := unix.Sendmsg(c.fd, []byte{0}, rights, nil, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to send descriptors: %w", err)
		}
		return nil
	}
}
