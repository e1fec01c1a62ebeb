// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package consumer // import "go.opentelemetry.io/ust-consumer/consumer"

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/fdhandle"
	"go.opentelemetry.io/ust-consumer/registry"
	"go.opentelemetry.io/ust-consumer/ringbuffer"
	"go.opentelemetry.io/ust-consumer/sessiondcomm"
)

// Channel is one tracer channel, a set of per-CPU ring buffers.
type Channel struct {
	Key           int32
	MmapLen       uint64
	MaxSubbufSize uint64

	// ShmFd and WaitFd are consumed by AllocateChannel.
	ShmFd  *fdhandle.Handle
	WaitFd *fdhandle.Handle

	handle ringbuffer.Channel

	mu sync.Mutex
	// refs counts allocated streams still holding the mapping.
	refs    int
	nextCPU int
	deleted bool
}

// NewChannel returns an unmapped channel owning shmFd.
func NewChannel(key int32, shmFd *fdhandle.Handle, mmapLen, maxSubbufSize uint64) *Channel {
	return &Channel{
		Key:           key,
		MmapLen:       mmapLen,
		MaxSubbufSize: maxSubbufSize,
		ShmFd:         shmFd,
		WaitFd:        fdhandle.New(fdhandle.Invalid),
	}
}

// Mapped reports whether AllocateChannel succeeded.
func (ch *Channel) Mapped() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.handle != nil
}

// Stream is one ring buffer of a channel bound to an output sink.
type Stream struct {
	Key      int32
	Chan     *Channel
	CPU      int
	Name     string
	State    sessiondcomm.StreamState
	Output   sessiondcomm.OutputMode
	PathName string
	// NetSeqIdx is the relay network index or sessiondcomm.NoRelay.
	NetSeqIdx    int32
	UID, GID     uint32
	MetadataFlag bool
	MmapLen      uint64

	ShmFd  *fdhandle.Handle
	WaitFd *fdhandle.Handle

	// RelaydStreamID is valid once the relay accepted the stream.
	RelaydStreamID uint64

	// HangupFlushDone is set once the final flush after producer hangup ran.
	HangupFlushDone atomic.Bool

	// mu serializes drain cycles and teardown.
	mu          sync.Mutex
	buf         ringbuffer.Buffer
	mmapBase    []byte
	outFd       int
	outFdOffset int64
	netSeqNum   uint64

	relayRegistered bool
	destroyed       bool
}

// NewStream builds an unattached stream from an ADD_STREAM command and its
// two descriptors.
func NewStream(cmd *sessiondcomm.AddStream, ch *Channel, shmFd, waitFd *fdhandle.Handle) *Stream {
	return &Stream{
		Key:          cmd.StreamKey,
		Chan:         ch,
		Name:         cmd.Name,
		State:        cmd.State,
		Output:       cmd.Output,
		PathName:     cmd.PathName,
		NetSeqIdx:    cmd.NetIndex,
		UID:          cmd.UID,
		GID:          cmd.GID,
		MetadataFlag: cmd.MetadataFlag,
		MmapLen:      cmd.MmapLen,
		ShmFd:        shmFd,
		WaitFd:       waitFd,
		outFd:        -1,
	}
}

// Networked reports whether the stream is written to a relay.
func (s *Stream) Networked() bool {
	return s.NetSeqIdx != sessiondcomm.NoRelay
}

// OutputOffset returns how many bytes were written to the local trace file.
func (s *Stream) OutputOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outFdOffset
}

// Buffer returns the ring-buffer read handle, nil before AllocateStream.
func (s *Stream) Buffer() ringbuffer.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

func (s *Stream) waitFd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return -1
	}
	return s.buf.WaitFd()
}

// AllocateChannel maps ch through the ring-buffer library. On success the
// channel descriptors are consumed. A channel is mapped at most once.
func (c *Consumer) AllocateChannel(ch *Channel) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.handle != nil {
		return fmt.Errorf("channel %d already mapped: %w", ch.Key, fdhandle.ErrConsumed)
	}

	handle, err := c.lib.MapChannel(&ringbuffer.ObjectData{
		ShmFd:      ch.ShmFd,
		WaitFd:     ch.WaitFd,
		MemorySize: ch.MmapLen,
	})
	if err != nil {
		if !errors.Is(err, ringbuffer.ErrNoMemory) {
			err = fmt.Errorf("%w: %w", ringbuffer.ErrNoMemory, err)
		}
		return fmt.Errorf("failed to map channel %d: %w", ch.Key, err)
	}
	// The library owns the descriptors now, whatever it did with them.
	_, _ = ch.ShmFd.Take()
	_, _ = ch.WaitFd.Take()
	ch.handle = handle
	log.Debugf("Mapped channel %d (mmap len %d, max sub-buffer %d)",
		ch.Key, ch.MmapLen, ch.MaxSubbufSize)
	return nil
}

// AllocateStream attaches s to its channel, opens the read side for its CPU
// and resolves the mapped base. On any failure nothing stays attached to
// the stream record.
func (c *Consumer) AllocateStream(s *Stream) error {
	ch := s.Chan
	ch.mu.Lock()
	if ch.handle == nil || ch.deleted {
		ch.mu.Unlock()
		return fmt.Errorf("stream %d: channel %d not mapped", s.Key, ch.Key)
	}
	if err := ch.handle.AddStream(&ringbuffer.ObjectData{
		ShmFd:      s.ShmFd,
		WaitFd:     s.WaitFd,
		MemorySize: s.MmapLen,
	}); err != nil {
		ch.mu.Unlock()
		return fmt.Errorf("failed to attach stream %d to channel %d: %w", s.Key, ch.Key, err)
	}
	_, _ = s.ShmFd.Take()
	_, _ = s.WaitFd.Take()
	cpu := ch.nextCPU
	ch.nextCPU++
	ch.refs++
	handle := ch.handle
	ch.mu.Unlock()

	if cpu >= c.possibleCPUs {
		log.Warnf("Stream %d of channel %d uses cpu %d beyond the %d possible CPUs",
			s.Key, ch.Key, cpu, c.possibleCPUs)
	}

	buf, err := handle.OpenStreamRead(cpu)
	if err != nil {
		c.releaseChannel(ch)
		return fmt.Errorf("failed to open stream %d for cpu %d: %w", s.Key, cpu, err)
	}
	base, err := buf.MmapBase()
	if err != nil {
		_ = buf.Close()
		c.releaseChannel(ch)
		return fmt.Errorf("failed to resolve mmap base of stream %d: %w", s.Key, err)
	}

	s.mu.Lock()
	s.CPU = cpu
	s.buf = buf
	s.mmapBase = base
	s.mu.Unlock()
	return nil
}

// releaseChannel drops one stream reference and unmaps a deleted channel
// once the last stream left.
func (c *Consumer) releaseChannel(ch *Channel) {
	ch.mu.Lock()
	ch.refs--
	unmap := ch.deleted && ch.refs == 0 && ch.handle != nil
	var handle ringbuffer.Channel
	if unmap {
		handle = ch.handle
		ch.handle = nil
	}
	ch.mu.Unlock()

	if unmap {
		if err := handle.Unmap(); err != nil {
			log.Errorf("Failed to unmap channel %d: %v", ch.Key, err)
		}
	}
}

// OnStreamHangup forces the final flush of a stream whose producer closed
// its end. The transfer engine stops waiting on the wait descriptor after
// this.
func (c *Consumer) OnStreamHangup(s *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil || s.HangupFlushDone.Load() {
		return
	}
	s.buf.Flush(false)
	s.HangupFlushDone.Store(true)
	c.counters.hangups.Add(1)
	log.Debugf("Stream %d flushed after hangup", s.Key)
}

// DestroyStream removes s from the registry and releases everything it
// holds. Destroying a stream twice is a no-op.
func (c *Consumer) DestroyStream(s *Stream) error {
	if cur, ok := c.streams.Lookup(s.Key); ok && cur == s {
		if _, err := c.streams.Remove(s.Key); err != nil &&
			!errors.Is(err, registry.ErrNotFound) {
			return err
		}
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true

	var err error
	attached := s.buf != nil
	if attached {
		err = multierr.Append(err, s.buf.Close())
		s.buf = nil
		s.mmapBase = nil
	}
	if s.outFd >= 0 {
		err = multierr.Append(err, unix.Close(s.outFd))
		s.outFd = -1
	}
	if s.relayRegistered {
		if peer, ok := c.relays.Lookup(s.NetSeqIdx); ok {
			err = multierr.Append(err, peer.CloseStream(s.RelaydStreamID, s.netSeqNum))
		}
		s.relayRegistered = false
	}
	err = multierr.Append(err, s.ShmFd.Close())
	err = multierr.Append(err, s.WaitFd.Close())
	s.mu.Unlock()

	if attached {
		c.releaseChannel(s.Chan)
	}
	if err != nil {
		return fmt.Errorf("failed to destroy stream %d: %w", s.Key, err)
	}
	log.Debugf("Destroyed stream %d", s.Key)
	return nil
}

// DestroyChannel removes ch from the registry. The mapping is released once
// no allocated stream uses it.
func (c *Consumer) DestroyChannel(ch *Channel) error {
	if cur, ok := c.channels.Lookup(ch.Key); ok && cur == ch {
		_, _ = c.channels.Remove(ch.Key)
	}

	ch.mu.Lock()
	if ch.deleted {
		ch.mu.Unlock()
		return nil
	}
	ch.deleted = true
	var handle ringbuffer.Channel
	if ch.refs == 0 {
		handle = ch.handle
		ch.handle = nil
	}
	ch.mu.Unlock()

	err := multierr.Combine(ch.ShmFd.Close(), ch.WaitFd.Close())
	if handle != nil {
		err = multierr.Append(err, handle.Unmap())
	}
	if err != nil {
		return fmt.Errorf("failed to destroy channel %d: %w", ch.Key, err)
	}
	log.Debugf("Destroyed channel %d", ch.Key)
	return nil
}
