// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package relayd is the consumer side of the relay daemon protocol. A Peer
// owns the control and data sockets to one relay. Control requests are
// request/response and are serialized by the control lock; metadata payloads
// are framed with their relay stream id and written under the same lock.
package relayd // import "go.opentelemetry.io/ust-consumer/relayd"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/fdhandle"
	"go.opentelemetry.io/ust-consumer/rawio"
	"go.opentelemetry.io/ust-consumer/sessiondcomm"
)

var (
	// ErrRefused is returned when the relay answers a request with a
	// failure code.
	ErrRefused = errors.New("relay refused request")
	// ErrNotConnected is returned when the socket a request needs has not
	// been installed yet.
	ErrNotConnected = errors.New("relay socket not installed")
)

type socket struct {
	info sessiondcomm.SockInfo
	fd   *fdhandle.Handle
}

// Peer is one relay daemon reachable over a control and a data socket.
type Peer struct {
	NetIndex int32

	// ctrlMu serializes control requests and metadata payload writes.
	ctrlMu sync.Mutex

	// mu guards the socket slots.
	mu      sync.Mutex
	control socket
	data    socket

	// read is used for control replies, nil means unix.Read.
	read rawio.ReadFunc
}

// NewPeer returns a Peer with no sockets installed. Control replies are read
// with read, or unix.Read if it is nil.
func NewPeer(netIndex int32, read rawio.ReadFunc) *Peer {
	return &Peer{
		NetIndex: netIndex,
		read:     read,
		control:  socket{fd: fdhandle.New(fdhandle.Invalid)},
		data:     socket{fd: fdhandle.New(fdhandle.Invalid)},
	}
}

// SetSocket installs fd as the control or data socket. A previously
// installed descriptor in that slot is closed first. The Peer takes
// ownership of fd.
func (p *Peer) SetSocket(kind sessiondcomm.SocketKind, info sessiondcomm.SockInfo,
	fd *fdhandle.Handle) error {
	raw, err := fd.Take()
	if err != nil {
		return fmt.Errorf("relay %d %s socket: %w", p.NetIndex, kind, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var slot *socket
	switch kind {
	case sessiondcomm.SocketControl:
		slot = &p.control
	case sessiondcomm.SocketData:
		slot = &p.data
	default:
		_ = unix.Close(raw)
		return fmt.Errorf("relay %d: unknown socket kind %d", p.NetIndex, kind)
	}
	if err := slot.fd.Close(); err != nil {
		log.Warnf("Failed to close placeholder %s socket of relay %d: %v",
			kind, p.NetIndex, err)
	}
	slot.info = info
	slot.fd = fdhandle.New(raw)
	return nil
}

// ControlFd returns the installed control socket or -1.
func (p *Peer) ControlFd() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.control.fd.Peek()
}

// DataFd returns the installed data socket or -1.
func (p *Peer) DataFd() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.fd.Peek()
}

// SockInfo returns the socket description recorded for kind.
func (p *Peer) SockInfo(kind sessiondcomm.SocketKind) sessiondcomm.SockInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == sessiondcomm.SocketControl {
		return p.control.info
	}
	return p.data.info
}

func (p *Peer) request(msg []byte, reply []byte) error {
	fd := p.ControlFd()
	if fd < 0 {
		return fmt.Errorf("relay %d control: %w", p.NetIndex, ErrNotConnected)
	}
	if _, err := rawio.WriteAll(nil, fd, msg); err != nil {
		return fmt.Errorf("failed to send request to relay %d: %w", p.NetIndex, err)
	}
	if err := rawio.ReadFull(p.read, fd, reply); err != nil {
		return fmt.Errorf("failed to receive reply from relay %d: %w", p.NetIndex, err)
	}
	return nil
}

// AddStream registers a stream with the relay and returns the relay's
// stream id.
func (p *Peer) AddStream(channelName, pathname string) (uint64, error) {
	msg, err := encodeAddStream(channelName, pathname)
	if err != nil {
		return 0, err
	}
	reply := make([]byte, AddStreamReplySize)

	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	if err := p.request(msg, reply); err != nil {
		return 0, err
	}
	handle := binary.BigEndian.Uint64(reply)
	if rc := binary.BigEndian.Uint32(reply[8:]); rc != ReplyOK {
		return 0, fmt.Errorf("%w: add stream %s (code %d)", ErrRefused, channelName, rc)
	}
	log.Debugf("Relay %d assigned stream id %d to %s", p.NetIndex, handle, channelName)
	return handle, nil
}

// CloseStream tells the relay no more data follows for streamID.
func (p *Peer) CloseStream(streamID, lastNetSeqNum uint64) error {
	reply := make([]byte, CloseReplySize)

	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	if err := p.request(encodeCloseStream(streamID, lastNetSeqNum), reply); err != nil {
		return err
	}
	if rc := binary.BigEndian.Uint32(reply); rc != ReplyOK {
		return fmt.Errorf("%w: close stream %d (code %d)", ErrRefused, streamID, rc)
	}
	return nil
}

// WritePayload sends one sub-buffer worth of data over the data socket and
// returns the number of payload bytes written. Metadata payloads are written
// under the control lock and prefixed with streamID in network byte order;
// the prefix is not counted.
func (p *Peer) WritePayload(write rawio.WriteFunc, metadata bool, streamID uint64,
	payload []byte) (int, error) {
	if metadata {
		p.ctrlMu.Lock()
		defer p.ctrlMu.Unlock()
	}
	fd := p.DataFd()
	if fd < 0 {
		return 0, fmt.Errorf("relay %d data: %w", p.NetIndex, ErrNotConnected)
	}
	if metadata {
		var prefix [8]byte
		binary.BigEndian.PutUint64(prefix[:], streamID)
		if _, err := rawio.WriteAll(write, fd, prefix[:]); err != nil {
			return 0, fmt.Errorf("failed to write metadata stream id %d: %w", streamID, err)
		}
	}
	return rawio.WriteAll(write, fd, payload)
}

// Close closes both sockets.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return multierr.Combine(p.control.fd.Close(), p.data.fd.Close())
}
