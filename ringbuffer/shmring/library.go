// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package shmring // import "go.opentelemetry.io/ust-consumer/ringbuffer/shmring"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/ringbuffer"
)

// Library implements ringbuffer.Library.
type Library struct{}

var _ ringbuffer.Library = Library{}

// MapChannel maps the channel header and validates its geometry.
func (Library) MapChannel(obj *ringbuffer.ObjectData) (ringbuffer.Channel, error) {
	if !obj.ShmFd.Valid() {
		return nil, fmt.Errorf("%w: channel shm descriptor missing", ringbuffer.ErrNoMemory)
	}
	mem, err := mapShared(obj.ShmFd.Peek(), max(obj.MemorySize, channelHdrSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ringbuffer.ErrNoMemory, err)
	}
	if string(mem[0:8]) != channelMagic ||
		binary.NativeEndian.Uint32(mem[8:]) != layoutVersion {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %w: bad channel header", ringbuffer.ErrNoMemory, errLayout)
	}
	geo := geometry{
		numSubbuf:  binary.NativeEndian.Uint32(mem[12:]),
		subbufSize: binary.NativeEndian.Uint64(mem[16:]),
	}
	if err := geo.validate(); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %w", ringbuffer.ErrNoMemory, err)
	}

	// The mapping outlives the descriptors, which now belong to us.
	shmFd, _ := obj.ShmFd.Take()
	_ = unix.Close(shmFd)
	if waitFd, err := obj.WaitFd.Take(); err == nil {
		_ = unix.Close(waitFd)
	}

	return &channel{
		header:  mem,
		geo:     geo,
		streams: make(map[int]*buffer),
	}, nil
}

type channel struct {
	header []byte
	geo    geometry

	mu      sync.Mutex
	streams map[int]*buffer
	nextCPU int
	unmapped bool
}

func (c *channel) AddStream(obj *ringbuffer.ObjectData) error {
	if !obj.ShmFd.Valid() || !obj.WaitFd.Valid() {
		return errors.New("stream descriptors missing")
	}
	need := StreamSize(c.geo.numSubbuf, c.geo.subbufSize)
	if obj.MemorySize != 0 && obj.MemorySize < need {
		return fmt.Errorf("%w: stream object of %d bytes, need %d",
			errLayout, obj.MemorySize, need)
	}
	mem, err := mapShared(obj.ShmFd.Peek(), need)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unmapped {
		_ = unix.Munmap(mem)
		return errors.New("channel already unmapped")
	}

	shmFd, _ := obj.ShmFd.Take()
	_ = unix.Close(shmFd)
	waitFd, _ := obj.WaitFd.Take()

	cpu := c.nextCPU
	c.nextCPU++
	c.streams[cpu] = &buffer{
		channel: c,
		cpu:     cpu,
		mem:     mem,
		geo:     c.geo,
		waitFd:  waitFd,
	}
	return nil
}

func (c *channel) OpenStreamRead(cpu int) (ringbuffer.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.streams[cpu]
	if !ok {
		return nil, fmt.Errorf("%w: no stream attached for cpu %d", ringbuffer.ErrBusy, cpu)
	}
	if b.opened {
		return nil, fmt.Errorf("%w: stream for cpu %d already open", ringbuffer.ErrBusy, cpu)
	}
	b.opened = true
	return b, nil
}

func (c *channel) Unmap() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unmapped {
		return nil
	}
	c.unmapped = true

	var err error
	for cpu, b := range c.streams {
		err = multierr.Append(err, b.release())
		delete(c.streams, cpu)
	}
	return multierr.Append(err, unix.Munmap(c.header))
}

// detach is called by a buffer that was closed through the read handle.
func (c *channel) detach(cpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, cpu)
}

type buffer struct {
	channel *channel
	cpu     int
	mem     []byte
	geo     geometry
	waitFd  int

	// Fields below are only touched by the single consumer thread that owns
	// the read handle, or under channel.mu for opened.
	opened    bool
	held      bool
	heldIdx   uint64
	snapshot  bool
	snapProd  uint64
	closeOnce sync.Once
}

func (b *buffer) WaitFd() int { return b.waitFd }

func (b *buffer) MmapBase() ([]byte, error) {
	if b.mem == nil {
		return nil, errors.New("stream not mapped")
	}
	return b.mem, nil
}

func (b *buffer) MmapReadOffset() (uint64, error) {
	if !b.held {
		return 0, errors.New("no sub-buffer held")
	}
	return b.geo.subbufOffset(b.heldIdx), nil
}

func (b *buffer) GetNextSubbuf() error {
	if b.held {
		return fmt.Errorf("%w: sub-buffer already held", ringbuffer.ErrBusy)
	}
	consumed := u64At(b.mem, offConsumed).Load()
	produced := u64At(b.mem, offProduced).Load()
	if consumed == produced {
		return ringbuffer.ErrNoData
	}
	b.held = true
	b.heldIdx = consumed % uint64(b.geo.numSubbuf)
	return nil
}

func (b *buffer) PaddedSubbufSize() (uint64, error) {
	if !b.held {
		return 0, errors.New("no sub-buffer held")
	}
	size := u64At(b.mem, b.geo.commitOffset(b.heldIdx)).Load()
	return paddedSize(size, b.geo.subbufSize), nil
}

func (b *buffer) PutNextSubbuf() error {
	if !b.held {
		return errors.New("no sub-buffer held")
	}
	b.held = false
	u64At(b.mem, offConsumed).Add(1)
	return nil
}

// Flush commits the open sub-buffer. It must not run concurrently with a
// producer Write. Nothing is flushed while the ring is full.
func (b *buffer) Flush(producerActive bool) {
	pending := u64At(b.mem, offWriteOff).Load()
	if pending == 0 {
		return
	}
	produced := u64At(b.mem, offProduced).Load()
	consumed := u64At(b.mem, offConsumed).Load()
	if produced-consumed >= uint64(b.geo.numSubbuf) {
		log.Debugf("Flush of cpu %d skipped, ring full (active: %v)", b.cpu, producerActive)
		return
	}
	idx := produced % uint64(b.geo.numSubbuf)
	u64At(b.mem, b.geo.commitOffset(idx)).Store(pending)
	u64At(b.mem, offWriteOff).Store(0)
	u64At(b.mem, offProduced).Store(produced + 1)
}

func (b *buffer) Snapshot() error {
	b.snapProd = u64At(b.mem, offProduced).Load() * b.geo.subbufSize
	b.snapshot = true
	return nil
}

func (b *buffer) SnapshotProduced() (uint64, error) {
	if !b.snapshot {
		return 0, errors.New("no snapshot taken")
	}
	return b.snapProd, nil
}

func (b *buffer) Close() error {
	b.channel.detach(b.cpu)
	return b.release()
}

func (b *buffer) release() error {
	var err error
	b.closeOnce.Do(func() {
		err = multierr.Combine(unix.Close(b.waitFd), unix.Munmap(b.mem))
		b.mem = nil
	})
	return err
}
