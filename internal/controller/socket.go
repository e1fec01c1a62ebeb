// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/ust-consumer/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/sessiondcomm"
)

const listenBacklog = 64

// listenUnix binds a stream socket to path, replacing a stale socket file.
func listenUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create command socket: %w", err)
	}
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("failed to bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return fd, nil
}

// dialUnix connects a stream socket to path.
func dialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return fd, nil
}

// accept waits for the session daemon to connect. It polls in slices of
// timeout so a cancelled ctx is noticed; it returns nil, nil in that case.
func accept(ctx context.Context, listenFd int, timeout time.Duration) (*sessiondcomm.Conn, error) {
	fds := []unix.PollFd{{Fd: int32(listenFd), Events: unix.POLLIN}}
	for ctx.Err() == nil {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) || n == 0 {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to poll command socket: %w", err)
		}
		nfd, _, err := unix.Accept4(listenFd, unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to accept session daemon: %w", err)
		}
		return sessiondcomm.NewConn(nfd), nil
	}
	return nil, nil
}
