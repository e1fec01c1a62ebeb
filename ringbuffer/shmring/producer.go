// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package shmring // import "go.opentelemetry.io/ust-consumer/ringbuffer/shmring"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/fdhandle"
)

// ErrFull is returned by Producer.Write when every sub-buffer is committed
// and not yet consumed.
var ErrFull = errors.New("ring buffer full")

// ChannelObject is the producer side of a channel header.
type ChannelObject struct {
	fd  int
	geo geometry
}

// NewChannelObject creates a memfd holding a channel header for the given
// geometry.
func NewChannelObject(numSubbuf uint32, subbufSize uint64) (*ChannelObject, error) {
	geo := geometry{numSubbuf: numSubbuf, subbufSize: subbufSize}
	if err := geo.validate(); err != nil {
		return nil, err
	}
	fd, err := newMemfd("ust-channel", channelHdrSize)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, channelHdrSize)
	copy(hdr, channelMagic)
	binary.NativeEndian.PutUint32(hdr[8:], layoutVersion)
	binary.NativeEndian.PutUint32(hdr[12:], numSubbuf)
	binary.NativeEndian.PutUint64(hdr[16:], subbufSize)
	if _, err := unix.Pwrite(fd, hdr, 0); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to write channel header: %w", err)
	}
	return &ChannelObject{fd: fd, geo: geo}, nil
}

// Fd returns the memfd backing the header.
func (c *ChannelObject) Fd() int { return c.fd }

// MemorySize is the size of the channel object.
func (c *ChannelObject) MemorySize() uint64 { return channelHdrSize }

// Handle returns a duplicate of the header descriptor.
func (c *ChannelObject) Handle() (*fdhandle.Handle, error) {
	fd, err := dupCloexec(c.fd)
	if err != nil {
		return nil, err
	}
	return fdhandle.New(fd), nil
}

// NewProducer creates a stream object sharing this channel's geometry.
func (c *ChannelObject) NewProducer() (*Producer, error) {
	return newProducer(c.geo)
}

// Close releases the header descriptor.
func (c *ChannelObject) Close() error {
	return unix.Close(c.fd)
}

// Producer writes records into one stream object and signals its wait
// descriptor for every committed sub-buffer.
type Producer struct {
	geo   geometry
	shmFd int
	mem   []byte
	waitR int
	waitW int
}

func newProducer(geo geometry) (*Producer, error) {
	size := geo.subbufOffset(uint64(geo.numSubbuf))
	shmFd, err := newMemfd("ust-stream", size)
	if err != nil {
		return nil, err
	}
	mem, err := mapShared(shmFd, size)
	if err != nil {
		_ = unix.Close(shmFd)
		return nil, err
	}
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		_ = unix.Munmap(mem)
		_ = unix.Close(shmFd)
		return nil, fmt.Errorf("failed to create wait pipe: %w", err)
	}
	if err := unix.SetNonblock(pipe[1], true); err != nil {
		_ = multierr.Combine(unix.Close(pipe[0]), unix.Close(pipe[1]),
			unix.Munmap(mem), unix.Close(shmFd))
		return nil, fmt.Errorf("failed to set wait pipe non-blocking: %w", err)
	}
	return &Producer{
		geo:   geo,
		shmFd: shmFd,
		mem:   mem,
		waitR: pipe[0],
		waitW: pipe[1],
	}, nil
}

// MemorySize is the size of the stream object.
func (p *Producer) MemorySize() uint64 {
	return p.geo.subbufOffset(uint64(p.geo.numSubbuf))
}

// Handles returns duplicates of the stream shm descriptor and the read end
// of the wait pipe, in the order they travel with ADD_STREAM.
func (p *Producer) Handles() (shm, wait *fdhandle.Handle, err error) {
	shmFd, err := dupCloexec(p.shmFd)
	if err != nil {
		return nil, nil, err
	}
	waitFd, err := dupCloexec(p.waitR)
	if err != nil {
		_ = unix.Close(shmFd)
		return nil, nil, err
	}
	return fdhandle.New(shmFd), fdhandle.New(waitFd), nil
}

// ShmFd returns the stream memfd.
func (p *Producer) ShmFd() int { return p.shmFd }

// WaitFd returns the read end of the wait pipe.
func (p *Producer) WaitFd() int { return p.waitR }

// Write appends rec to the open sub-buffer. A record that does not fit
// commits the open sub-buffer first.
func (p *Producer) Write(rec []byte) error {
	if uint64(len(rec)) > p.geo.subbufSize {
		return fmt.Errorf("record of %d bytes exceeds sub-buffer size %d",
			len(rec), p.geo.subbufSize)
	}
	off := u64At(p.mem, offWriteOff).Load()
	if off+uint64(len(rec)) > p.geo.subbufSize {
		if err := p.Commit(); err != nil {
			return err
		}
		off = 0
	}
	produced := u64At(p.mem, offProduced).Load()
	if produced-u64At(p.mem, offConsumed).Load() >= uint64(p.geo.numSubbuf) {
		return ErrFull
	}
	base := p.geo.subbufOffset(produced%uint64(p.geo.numSubbuf)) + off
	copy(p.mem[base:], rec)
	u64At(p.mem, offWriteOff).Store(off + uint64(len(rec)))
	return nil
}

// Commit makes the open sub-buffer readable. Committing an empty sub-buffer
// is a no-op.
func (p *Producer) Commit() error {
	pending := u64At(p.mem, offWriteOff).Load()
	if pending == 0 {
		return nil
	}
	produced := u64At(p.mem, offProduced).Load()
	if produced-u64At(p.mem, offConsumed).Load() >= uint64(p.geo.numSubbuf) {
		return ErrFull
	}
	u64At(p.mem, p.geo.commitOffset(produced%uint64(p.geo.numSubbuf))).Store(pending)
	u64At(p.mem, offWriteOff).Store(0)
	u64At(p.mem, offProduced).Store(produced + 1)
	return p.signal()
}

func (p *Producer) signal() error {
	for {
		_, err := unix.Write(p.waitW, []byte{1})
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return fmt.Errorf("failed to signal wait pipe: %w", err)
		}
	}
}

// Consumed returns how many sub-buffers the consumer released.
func (p *Producer) Consumed() uint64 {
	return u64At(p.mem, offConsumed).Load()
}

// Hangup marks the stream closed and closes the write end of the wait pipe.
// Data left in the open sub-buffer stays there for a consumer flush.
func (p *Producer) Hangup() error {
	if p.waitW < 0 {
		return nil
	}
	u32At(p.mem, offClosed).Store(1)
	err := unix.Close(p.waitW)
	p.waitW = -1
	return err
}

// Close hangs up and releases the producer's mapping and descriptors.
func (p *Producer) Close() error {
	err := p.Hangup()
	return multierr.Combine(err, unix.Close(p.waitR), unix.Munmap(p.mem),
		unix.Close(p.shmFd))
}

func dupCloexec(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to dup fd %d: %w", fd, err)
	}
	return nfd, nil
}
