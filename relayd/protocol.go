// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package relayd // import "go.opentelemetry.io/ust-consumer/relayd"

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Command is a relay control command.
type Command uint32

const (
	CmdAddStream   Command = 1
	CmdCloseStream Command = 7
)

// ReplyOK is the return code of a successful control request.
const ReplyOK uint32 = 10

// Wire sizes of the control requests and replies.
const (
	HeaderSize          = 24
	ChannelNameMax      = 64
	PathMax             = 4096
	AddStreamBodySize   = ChannelNameMax + PathMax
	AddStreamReplySize  = 12
	CloseStreamBodySize = 16
	CloseReplySize      = 4
)

// Header precedes every control request. All integers on the relay wire are
// big-endian.
type Header struct {
	CircuitID  uint64
	DataSize   uint64
	Cmd        Command
	CmdVersion uint32
}

func (h Header) marshal(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:], h.CircuitID)
	binary.BigEndian.PutUint64(buf[8:], h.DataSize)
	binary.BigEndian.PutUint32(buf[16:], uint32(h.Cmd))
	binary.BigEndian.PutUint32(buf[20:], h.CmdVersion)
}

func putCString(dst []byte, s string) error {
	if len(s) >= len(dst) || strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("string %q does not fit %d bytes", s, len(dst))
	}
	copy(dst, s)
	return nil
}

func encodeAddStream(channelName, pathname string) ([]byte, error) {
	msg := make([]byte, HeaderSize+AddStreamBodySize)
	Header{DataSize: AddStreamBodySize, Cmd: CmdAddStream}.marshal(msg)
	body := msg[HeaderSize:]
	if err := putCString(body[:ChannelNameMax], channelName); err != nil {
		return nil, err
	}
	if err := putCString(body[ChannelNameMax:], pathname); err != nil {
		return nil, err
	}
	return msg, nil
}

func encodeCloseStream(streamID, lastNetSeqNum uint64) []byte {
	msg := make([]byte, HeaderSize+CloseStreamBodySize)
	Header{DataSize: CloseStreamBodySize, Cmd: CmdCloseStream}.marshal(msg)
	binary.BigEndian.PutUint64(msg[HeaderSize:], streamID)
	binary.BigEndian.PutUint64(msg[HeaderSize+8:], lastNetSeqNum)
	return msg
}
