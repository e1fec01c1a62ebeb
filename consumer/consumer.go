// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package consumer implements the trace consumer daemon: it receives channels,
// streams and relay sockets from the session daemon, maps the tracer's ring
// buffers and drains their sub-buffers to local trace files or to a relay
// daemon.
//
// All daemon state lives in a Consumer. The command dispatcher (RecvCmd) and
// the poll loop (RunPollLoop) run on separate goroutines and share the
// channel, stream and relay registries. The dispatcher posts to the wakeup
// pipe after each command so the poll loop re-reads the stream registry.
package consumer // import "go.opentelemetry.io/ust-consumer/consumer"

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tklauser/numcpus"
	"go.uber.org/multierr"

	"go.opentelemetry.io/ust-consumer/rawio"
	"go.opentelemetry.io/ust-consumer/registry"
	"go.opentelemetry.io/ust-consumer/relayd"
	"go.opentelemetry.io/ust-consumer/ringbuffer"
	"go.opentelemetry.io/ust-consumer/sessiondcomm"
	"go.opentelemetry.io/ust-consumer/times"
	"go.opentelemetry.io/ust-consumer/wakeup"
)

var (
	// ErrNotImplemented is returned for commands the consumer knows but
	// does not implement.
	ErrNotImplemented = errors.New("command not implemented")
	// ErrConnectionLost is returned when the session daemon socket closed or
	// delivered a truncated message.
	ErrConnectionLost = errors.New("session daemon connection lost")
	// ErrUnknownRelay is returned when a stream names a relay index no
	// relay sockets were received for.
	ErrUnknownRelay = errors.New("unknown relay network index")
	// ErrUnknownChannel is returned when a stream names an unregistered
	// channel.
	ErrUnknownChannel = errors.New("unknown channel key")
	// ErrUnsupportedOutput is returned for streams not using mmap output.
	ErrUnsupportedOutput = errors.New("unsupported stream output mode")
	// ErrStreamClosed is returned when draining a destroyed stream.
	ErrStreamClosed = errors.New("stream destroyed")
)

// Consumer is the daemon context shared by the dispatcher and the poll loop.
type Consumer struct {
	id  uuid.UUID
	lib ringbuffer.Library

	channels *registry.Registry[int32, *Channel]
	streams  *registry.Registry[int32, *Stream]
	relays   *registry.Registry[int32, *relayd.Peer]

	// wakeup tells the poll loop the stream registry changed.
	wakeup *wakeup.Pipe
	// quit unblocks the dispatcher and the poll loop on shutdown.
	quit     *wakeup.Pipe
	quitting atomic.Bool

	onRecvChannel ChannelHook
	onRecvStream  StreamHook
	openFile      FileOpener
	errReporter   *sessiondcomm.ErrorReporter
	write         rawio.WriteFunc
	read          rawio.ReadFunc
	pollTimeout   time.Duration
	possibleCPUs  int

	counters counters
}

// New creates a Consumer mapping ring buffers through lib.
func New(lib ringbuffer.Library, opts ...Option) (*Consumer, error) {
	wake, err := wakeup.New()
	if err != nil {
		return nil, err
	}
	quit, err := wakeup.New()
	if err != nil {
		_ = wake.Close()
		return nil, err
	}

	c := &Consumer{
		id:          uuid.New(),
		lib:         lib,
		channels:    registry.New[int32, *Channel](),
		streams:     registry.New[int32, *Stream](),
		relays:      registry.New[int32, *relayd.Peer](),
		wakeup:      wake,
		quit:        quit,
		openFile:    OpenAsOwner,
		pollTimeout: times.StreamPollTimeout,
	}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}

	if c.possibleCPUs == 0 {
		c.possibleCPUs, err = numcpus.GetPossible()
		if err != nil {
			log.Warnf("Failed to read possible CPUs, using %d: %v", runtime.NumCPU(), err)
			c.possibleCPUs = runtime.NumCPU()
		}
	}
	return c, nil
}

// ID identifies this consumer instance in logs.
func (c *Consumer) ID() uuid.UUID {
	return c.id
}

// WakeupFd returns the read end of the wakeup pipe.
func (c *Consumer) WakeupFd() int {
	return c.wakeup.ReadFd()
}

// LookupChannel returns the registered channel with key.
func (c *Consumer) LookupChannel(key int32) (*Channel, bool) {
	return c.channels.Lookup(key)
}

// LookupStream returns the registered stream with key.
func (c *Consumer) LookupStream(key int32) (*Stream, bool) {
	return c.streams.Lookup(key)
}

// LookupRelay returns the relay peer with netIndex.
func (c *Consumer) LookupRelay(netIndex int32) (*relayd.Peer, bool) {
	return c.relays.Lookup(netIndex)
}

// Stop asks the dispatcher and the poll loop to return. It does not wait.
func (c *Consumer) Stop() {
	if c.quitting.Swap(true) {
		return
	}
	if err := c.quit.Notify(); err != nil {
		log.Errorf("Failed to post quit notification: %v", err)
	}
}

// Quitting reports whether Stop was called.
func (c *Consumer) Quitting() bool {
	return c.quitting.Load()
}

// Close tears down every stream, channel and relay peer. The dispatcher and
// the poll loop must have returned.
func (c *Consumer) Close() error {
	c.Stop()

	var err error
	for _, s := range c.streams.All() {
		err = multierr.Append(err, c.DestroyStream(s))
	}
	for _, ch := range c.channels.All() {
		err = multierr.Append(err, c.DestroyChannel(ch))
	}
	for key, peer := range c.relays.All() {
		if _, rerr := c.relays.Remove(key); rerr != nil {
			continue
		}
		err = multierr.Append(err, peer.Close())
	}
	err = multierr.Append(err, c.wakeup.Close())
	err = multierr.Append(err, c.quit.Close())
	if err != nil {
		return fmt.Errorf("consumer teardown: %w", err)
	}
	return nil
}

func (c *Consumer) notifyPollLoop() {
	if err := c.wakeup.Notify(); err != nil {
		log.Errorf("Failed to wake up poll loop: %v", err)
	}
}

func (c *Consumer) sendError(code sessiondcomm.ErrorCode) {
	if err := c.errReporter.Send(code); err != nil {
		log.Warnf("Failed to send %s to session daemon: %v", code, err)
	}
}
