// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package relaydtest implements the relay daemon's half of the control
// protocol for tests and tooling driving a relayd.Peer.
package relaydtest // import "go.opentelemetry.io/ust-consumer/relayd/relaydtest"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/rawio"
	"go.opentelemetry.io/ust-consumer/relayd"
)

// ParseHeader decodes a request header.
func ParseHeader(buf []byte) (relayd.Header, error) {
	if len(buf) < relayd.HeaderSize {
		return relayd.Header{}, fmt.Errorf("relay header needs %d bytes, got %d",
			relayd.HeaderSize, len(buf))
	}
	return relayd.Header{
		CircuitID:  binary.BigEndian.Uint64(buf[0:]),
		DataSize:   binary.BigEndian.Uint64(buf[8:]),
		Cmd:        relayd.Command(binary.BigEndian.Uint32(buf[16:])),
		CmdVersion: binary.BigEndian.Uint32(buf[20:]),
	}, nil
}

// ReadRequest reads one control request from fd.
func ReadRequest(read rawio.ReadFunc, fd int) (relayd.Header, []byte, error) {
	buf := make([]byte, relayd.HeaderSize)
	if err := rawio.ReadFull(read, fd, buf); err != nil {
		return relayd.Header{}, nil, err
	}
	hdr, err := ParseHeader(buf)
	if err != nil {
		return relayd.Header{}, nil, err
	}
	if hdr.DataSize > relayd.AddStreamBodySize {
		return hdr, nil, fmt.Errorf("relay request body of %d bytes", hdr.DataSize)
	}
	body := make([]byte, hdr.DataSize)
	if err := rawio.ReadFull(read, fd, body); err != nil {
		return hdr, nil, err
	}
	return hdr, body, nil
}

// AddStreamRequest is the decoded body of an ADD_STREAM request.
type AddStreamRequest struct {
	ChannelName string
	PathName    string
}

// ParseAddStream decodes an ADD_STREAM body.
func ParseAddStream(body []byte) (AddStreamRequest, error) {
	if len(body) != relayd.AddStreamBodySize {
		return AddStreamRequest{}, fmt.Errorf("add stream body of %d bytes", len(body))
	}
	return AddStreamRequest{
		ChannelName: cString(body[:relayd.ChannelNameMax]),
		PathName:    cString(body[relayd.ChannelNameMax:]),
	}, nil
}

// EncodeAddStreamReply encodes the reply to ADD_STREAM.
func EncodeAddStreamReply(handle uint64, retCode uint32) []byte {
	buf := make([]byte, relayd.AddStreamReplySize)
	binary.BigEndian.PutUint64(buf, handle)
	binary.BigEndian.PutUint32(buf[8:], retCode)
	return buf
}

// EncodeReturnCode encodes a bare return code reply.
func EncodeReturnCode(retCode uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, retCode)
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// Relay accepts every control request. ADD_STREAM is answered with StreamID.
type Relay struct {
	StreamID uint64

	mu       sync.Mutex
	requests []relayd.Header
}

// Serve answers requests on the control socket fd until the peer closes it
// or the socket is shut down.
func (r *Relay) Serve(fd int) error {
	for {
		hdr, _, err := ReadRequest(nil, fd)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.requests = append(r.requests, hdr)
		r.mu.Unlock()

		reply := EncodeReturnCode(relayd.ReplyOK)
		if hdr.Cmd == relayd.CmdAddStream {
			reply = EncodeAddStreamReply(r.StreamID, relayd.ReplyOK)
		}
		if _, err := rawio.WriteAll(unix.Write, fd, reply); err != nil {
			return err
		}
	}
}

// Commands returns the commands received so far, in order.
func (r *Relay) Commands() []relayd.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmds := make([]relayd.Command, 0, len(r.requests))
	for _, hdr := range r.requests {
		cmds = append(cmds, hdr.Cmd)
	}
	return cmds
}
