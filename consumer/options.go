// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package consumer // import "go.opentelemetry.io/ust-consumer/consumer"

import (
	"time"

	"go.opentelemetry.io/ust-consumer/rawio"
	"go.opentelemetry.io/ust-consumer/sessiondcomm"
)

// ChannelHook is called with a mapped channel before it is registered.
// Returning accept=false without an error declines the channel silently;
// an error rejects it. Either way the channel is destroyed.
type ChannelHook func(ch *Channel) (accept bool, err error)

// StreamHook is the stream counterpart of ChannelHook.
type StreamHook func(s *Stream) (accept bool, err error)

// FileOpener opens the local trace file at path on behalf of uid/gid and
// returns a write-only descriptor.
type FileOpener func(path string, uid, gid uint32) (int, error)

type Option interface {
	applyOption(*Consumer) *Consumer
}
type consumerOptionFunc func(*Consumer) *Consumer

func (f consumerOptionFunc) applyOption(c *Consumer) *Consumer {
	return f(c)
}

// WithChannelHook installs the on-receive-channel hook.
func WithChannelHook(hook ChannelHook) Option {
	return consumerOptionFunc(func(c *Consumer) *Consumer {
		c.onRecvChannel = hook
		return c
	})
}

// WithStreamHook installs the on-receive-stream hook.
func WithStreamHook(hook StreamHook) Option {
	return consumerOptionFunc(func(c *Consumer) *Consumer {
		c.onRecvStream = hook
		return c
	})
}

// WithFileOpener replaces OpenAsOwner.
func WithFileOpener(open FileOpener) Option {
	return consumerOptionFunc(func(c *Consumer) *Consumer {
		c.openFile = open
		return c
	})
}

// WithErrorReporter sends error codes to the session daemon through r.
func WithErrorReporter(r *sessiondcomm.ErrorReporter) Option {
	return consumerOptionFunc(func(c *Consumer) *Consumer {
		c.errReporter = r
		return c
	})
}

// WithPollTimeout sets how long one poll loop iteration waits.
func WithPollTimeout(d time.Duration) Option {
	return consumerOptionFunc(func(c *Consumer) *Consumer {
		c.pollTimeout = d
		return c
	})
}

// WithPossibleCPUs overrides the number of possible CPUs.
func WithPossibleCPUs(n int) Option {
	return consumerOptionFunc(func(c *Consumer) *Consumer {
		c.possibleCPUs = n
		return c
	})
}

// withIO replaces the raw read and write calls used on trace descriptors,
// wait descriptors and relay sockets.
func withIO(read rawio.ReadFunc, write rawio.WriteFunc) Option {
	return consumerOptionFunc(func(c *Consumer) *Consumer {
		c.read = read
		c.write = write
		return c
	})
}
