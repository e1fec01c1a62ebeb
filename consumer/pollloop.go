// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package consumer // import "go.opentelemetry.io/ust-consumer/consumer"

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/ringbuffer"
	"go.opentelemetry.io/ust-consumer/sessiondcomm"
)

const (
	pollIn  = unix.POLLIN | unix.POLLPRI
	pollHup = unix.POLLHUP | unix.POLLERR
)

// RunPollLoop waits on the wait descriptors of all registered streams and
// drains the ones that became readable. Each iteration first drains the
// wakeup pipe and then re-reads the stream registry, so a wakeup posted
// after a registry change is never lost.
func (c *Consumer) RunPollLoop(ctx context.Context) error {
	timeout := int(c.pollTimeout.Milliseconds())
	if timeout <= 0 {
		timeout = -1
	}

	var (
		streams []*Stream
		fds     []unix.PollFd
	)
	for {
		if ctx.Err() != nil || c.Quitting() {
			return nil
		}
		if _, err := c.wakeup.Drain(); err != nil {
			return err
		}

		streams = streams[:0]
		fds = append(fds[:0],
			unix.PollFd{Fd: int32(c.wakeup.ReadFd()), Events: pollIn},
			unix.PollFd{Fd: int32(c.quit.ReadFd()), Events: pollIn})
		for s := range c.streams.Values() {
			fd := s.waitFd()
			if fd < 0 {
				continue
			}
			if s.HangupFlushDone.Load() {
				// Leftovers of a stream whose hangup was seen but whose
				// drain did not finish.
				c.drainHungUp(s)
				continue
			}
			streams = append(streams, s)
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: pollIn})
		}

		n, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			c.sendError(sessiondcomm.CodePollError)
			return fmt.Errorf("failed to poll streams: %w", err)
		}
		if n == 0 || fds[1].Revents != 0 {
			continue
		}

		for i, s := range streams {
			rev := fds[i+2].Revents
			switch {
			case rev&unix.POLLNVAL != 0:
				log.Errorf("Stream %d: wait fd %d is not valid", s.Key, fds[i+2].Fd)
				c.sendError(sessiondcomm.CodePollNval)
				if err := c.DestroyStream(s); err != nil {
					log.Error(err)
				}
			case rev&pollIn != 0:
				if _, err := c.ReadSubbuffer(s); err != nil &&
					!errors.Is(err, ringbuffer.ErrNoData) {
					log.Errorf("Failed to read sub-buffer: %v", err)
				}
			case rev&pollHup != 0:
				log.Debugf("Stream %d: producer hung up", s.Key)
				c.OnStreamHangup(s)
				c.drainHungUp(s)
			}
		}
	}
}

// drainHungUp transfers everything left in a hung up stream and destroys it.
func (c *Consumer) drainHungUp(s *Stream) {
	for {
		_, err := c.ReadSubbuffer(s)
		if err == nil {
			continue
		}
		if !errors.Is(err, ringbuffer.ErrNoData) {
			log.Errorf("Stream %d: final drain stopped: %v", s.Key, err)
		}
		break
	}
	if err := c.DestroyStream(s); err != nil {
		log.Error(err)
	}
}
