// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package consumer // import "go.opentelemetry.io/ust-consumer/consumer"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/rawio"
	"go.opentelemetry.io/ust-consumer/ringbuffer"
	"go.opentelemetry.io/ust-consumer/sessiondcomm"
	"go.opentelemetry.io/ust-consumer/successfailurecounter"
)

// ReadSubbuffer runs one drain cycle on s: it consumes the producer's
// wakeup byte, reserves the next ready sub-buffer, writes it to the stream's
// sink and releases it.
//
// It returns the number of bytes transferred. When no sub-buffer is ready
// the library's error is returned unchanged and is ringbuffer.ErrNoData for
// the ordinary empty case. A failed write still releases the sub-buffer and
// the returned count may be partial.
func (c *Consumer) ReadSubbuffer(s *Stream) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.buf == nil {
		return 0, fmt.Errorf("stream %d: %w", s.Key, ErrStreamClosed)
	}

	if !s.HangupFlushDone.Load() {
		if err := c.consumeWakeByte(s.buf.WaitFd()); err != nil {
			return 0, fmt.Errorf("stream %d: failed to read wait fd: %w", s.Key, err)
		}
	}

	if err := s.buf.GetNextSubbuf(); err != nil {
		if errors.Is(err, ringbuffer.ErrNoData) {
			c.counters.subbufsNotReady.Add(1)
			return 0, err
		}
		c.counters.transferFailures.Add(1)
		return 0, fmt.Errorf("stream %d: failed to get next sub-buffer: %w", s.Key, err)
	}

	sfc := successfailurecounter.New(&c.counters.subbufsConsumed, &c.counters.transferFailures)
	defer sfc.DefaultToFailure()

	n, origOffset, err := c.readSubbufferMmap(s)
	if err != nil {
		log.Errorf("Stream %d: transferred %d bytes before failing: %v", s.Key, n, err)
	}

	if perr := s.buf.PutNextSubbuf(); perr != nil {
		perr = fmt.Errorf("stream %d: failed to release sub-buffer: %w", s.Key, perr)
		if err == nil {
			return n, perr
		}
		log.Error(perr)
	}
	if err != nil {
		return n, err
	}

	if !s.Networked() {
		c.syncTraceFile(s, origOffset)
	}
	sfc.ReportSuccess()
	return n, nil
}

// consumeWakeByte reads the single byte the producer posts per ready
// sub-buffer. End of file means the producer hung up and is not an error.
func (c *Consumer) consumeWakeByte(fd int) error {
	read := c.read
	if read == nil {
		read = unix.Read
	}
	var b [1]byte
	for {
		_, err := read(fd, b[:])
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return err
		}
	}
}

// readSubbufferMmap copies the held sub-buffer to the stream sink and
// returns the bytes written and the local file offset before the write.
func (c *Consumer) readSubbufferMmap(s *Stream) (int, int64, error) {
	length, err := s.buf.PaddedSubbufSize()
	if err != nil {
		return 0, 0, fmt.Errorf("stream %d: failed to get padded size: %w", s.Key, err)
	}
	offset, err := s.buf.MmapReadOffset()
	if err != nil {
		return 0, 0, fmt.Errorf("stream %d: failed to get read offset: %w", s.Key, err)
	}
	if offset+length > uint64(len(s.mmapBase)) {
		return 0, 0, fmt.Errorf("stream %d: sub-buffer [%d, %d) outside of %d byte mapping",
			s.Key, offset, offset+length, len(s.mmapBase))
	}
	payload := s.mmapBase[offset : offset+length]

	if s.Networked() {
		peer, ok := c.relays.Lookup(s.NetSeqIdx)
		if !ok {
			return 0, 0, fmt.Errorf("stream %d: relay %d: %w", s.Key, s.NetSeqIdx, ErrUnknownRelay)
		}
		n, err := peer.WritePayload(c.write, s.MetadataFlag, s.RelaydStreamID, payload)
		c.counters.bytesRelay.Add(uint64(max(n, 0)))
		if err != nil {
			return n, 0, fmt.Errorf("stream %d: relay %d: %w", s.Key, s.NetSeqIdx, err)
		}
		s.netSeqNum++
		return n, 0, nil
	}

	fd, err := c.outputFd(s)
	if err != nil {
		return 0, 0, err
	}
	origOffset := s.outFdOffset
	n, err := rawio.WriteAllNotify(c.write, fd, payload, func(chunk int) {
		if serr := unix.SyncFileRange(fd, s.outFdOffset, int64(chunk),
			unix.SYNC_FILE_RANGE_WRITE); serr != nil {
			log.Debugf("Stream %d: write-back hint failed: %v", s.Key, serr)
		}
		s.outFdOffset += int64(chunk)
		c.counters.bytesLocal.Add(uint64(chunk))
	})
	if err != nil {
		return n, origOffset, fmt.Errorf("stream %d: failed to write %s: %w",
			s.Key, s.PathName, err)
	}
	log.Debugf("Stream %d: wrote %d bytes at offset %d", s.Key, n, origOffset)
	return n, origOffset, nil
}

// outputFd opens the local trace file on first use.
func (c *Consumer) outputFd(s *Stream) (int, error) {
	if s.outFd >= 0 {
		return s.outFd, nil
	}
	fd, err := c.openFile(s.PathName, s.UID, s.GID)
	if err != nil {
		c.sendError(sessiondcomm.CodeOutfdError)
		return -1, fmt.Errorf("stream %d: %w", s.Key, err)
	}
	s.outFd = fd
	s.outFdOffset = 0
	log.Infof("Stream %d writing to %s", s.Key, s.PathName)
	return fd, nil
}

// syncTraceFile waits for the sub-buffer written by the previous cycle to
// reach the disk and drops it from the page cache.
func (c *Consumer) syncTraceFile(s *Stream, origOffset int64) {
	maxSubbuf := int64(s.Chan.MaxSubbufSize)
	if maxSubbuf == 0 || origOffset < maxSubbuf || s.outFd < 0 {
		return
	}
	start := origOffset - maxSubbuf
	if err := unix.SyncFileRange(s.outFd, start, maxSubbuf,
		unix.SYNC_FILE_RANGE_WAIT_BEFORE|unix.SYNC_FILE_RANGE_WRITE|
			unix.SYNC_FILE_RANGE_WAIT_AFTER); err != nil {
		log.Debugf("Stream %d: sync of [%d, %d) failed: %v", s.Key, start, origOffset, err)
	}
	if err := unix.Fadvise(s.outFd, start, maxSubbuf, unix.FADV_DONTNEED); err != nil {
		log.Debugf("Stream %d: fadvise of [%d, %d) failed: %v", s.Key, start, origOffset, err)
	}
}

// ReadSubbufferSplice is the zero-copy transfer mode. It is not available
// with the supported ring-buffer libraries.
func (c *Consumer) ReadSubbufferSplice(s *Stream) (int, error) {
	return 0, fmt.Errorf("stream %d: splice transfer: %w", s.Key, ringbuffer.ErrNotSupported)
}

// TakeSnapshot samples the produced and consumed positions of s.
func (c *Consumer) TakeSnapshot(s *Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return fmt.Errorf("stream %d: %w", s.Key, ErrStreamClosed)
	}
	return s.buf.Snapshot()
}

// GetProducedSnapshot returns the produced position sampled by the last
// TakeSnapshot.
func (c *Consumer) GetProducedSnapshot(s *Stream) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return 0, fmt.Errorf("stream %d: %w", s.Key, ErrStreamClosed)
	}
	return s.buf.SnapshotProduced()
}
