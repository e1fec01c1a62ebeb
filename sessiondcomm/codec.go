// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sessiondcomm // import "go.opentelemetry.io/ust-consumer/sessiondcomm"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// NameMax is the size of the NUL-terminated stream name field.
	NameMax = 256
	// PathMax is the size of the NUL-terminated path field.
	PathMax = 4096

	headerSize = 8

	// ADD_STREAM is the largest union member and dictates the message size.
	streamPayloadSize = 40 + NameMax + PathMax

	// MessageSize is the exact size of every command message on the wire.
	MessageSize = headerSize + streamPayloadSize
)

var (
	// ErrShortMessage is returned when fewer than MessageSize bytes are
	// available for one command.
	ErrShortMessage = errors.New("short command message")
	// ErrKindMismatch is returned when a payload does not fit its kind tag.
	ErrKindMismatch = errors.New("payload does not match command kind")
)

// Layout: cmd_type u32 | pad u32 | union. The session daemon and the
// consumer always run on the same host, so fields use native byte order.
var ne = binary.NativeEndian

// PayloadError is a decode failure of a message whose kind tag was read.
// Callers use Kind to drain descriptors that accompany the message.
type PayloadError struct {
	Kind CommandKind
	msg  string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrKindMismatch, e.Kind, e.msg)
}

func (e *PayloadError) Unwrap() error {
	return ErrKindMismatch
}

func mismatch(kind CommandKind, format string, args ...any) error {
	return &PayloadError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Decode parses one command message. Unknown kinds decode to Unknown without
// error so newer session daemons keep working.
func Decode(msg []byte) (Command, error) {
	if len(msg) != MessageSize {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d",
			ErrShortMessage, len(msg), MessageSize)
	}
	kind := CommandKind(ne.Uint32(msg[0:]))
	p := msg[headerSize:]

	switch kind {
	case KindStop:
		return Stop{}, nil
	case KindAddRelaydSocket:
		cmd := AddRelaydSocket{
			NetIndex:   int32(ne.Uint32(p[0:])),
			SocketKind: SocketKind(ne.Uint32(p[4:])),
			Sock: SockInfo{
				Domain:   ne.Uint32(p[8:]),
				Type:     ne.Uint32(p[12:]),
				Protocol: ne.Uint32(p[16:]),
			},
		}
		if cmd.SocketKind != SocketControl && cmd.SocketKind != SocketData {
			return nil, mismatch(kind, "invalid %s", cmd.SocketKind)
		}
		if cmd.NetIndex < 0 {
			return nil, mismatch(kind, "negative net index %d", cmd.NetIndex)
		}
		return cmd, nil
	case KindAddChannel:
		cmd := AddChannel{
			ChannelKey:    int32(ne.Uint32(p[0:])),
			MaxSubbufSize: ne.Uint64(p[8:]),
			MmapLen:       ne.Uint64(p[16:]),
		}
		if cmd.MmapLen == 0 || cmd.MaxSubbufSize == 0 {
			return nil, mismatch(kind, "channel %d has zero mmap length or sub-buffer size",
				cmd.ChannelKey)
		}
		return cmd, nil
	case KindAddStream:
		cmd := AddStream{
			ChannelKey:   int32(ne.Uint32(p[0:])),
			StreamKey:    int32(ne.Uint32(p[4:])),
			State:        StreamState(ne.Uint32(p[8:])),
			Output:       OutputMode(ne.Uint32(p[12:])),
			MmapLen:      ne.Uint64(p[16:]),
			UID:          ne.Uint32(p[24:]),
			GID:          ne.Uint32(p[28:]),
			NetIndex:     int32(ne.Uint32(p[32:])),
			MetadataFlag: ne.Uint32(p[36:]) != 0,
		}
		var err error
		if cmd.Name, err = cString(p[40 : 40+NameMax]); err != nil {
			return nil, mismatch(kind, "name: %v", err)
		}
		if cmd.PathName, err = cString(p[40+NameMax : 40+NameMax+PathMax]); err != nil {
			return nil, mismatch(kind, "path: %v", err)
		}
		if !cmd.State.valid() {
			return nil, mismatch(kind, "invalid stream state %d", cmd.State)
		}
		if cmd.NetIndex < NoRelay {
			return nil, mismatch(kind, "invalid net index %d", cmd.NetIndex)
		}
		return cmd, nil
	case KindUpdateStream:
		cmd := UpdateStream{
			StreamKey: int32(ne.Uint32(p[0:])),
			State:     StreamState(ne.Uint32(p[4:])),
		}
		if !cmd.State.valid() {
			return nil, mismatch(kind, "invalid stream state %d", cmd.State)
		}
		return cmd, nil
	default:
		return Unknown{Type: kind}, nil
	}
}

// Encode serializes cmd into a MessageSize buffer.
func Encode(cmd Command) ([]byte, error) {
	msg := make([]byte, MessageSize)
	ne.PutUint32(msg[0:], uint32(cmd.Kind()))
	p := msg[headerSize:]

	switch c := cmd.(type) {
	case Stop, Unknown:
	case AddRelaydSocket:
		ne.PutUint32(p[0:], uint32(c.NetIndex))
		ne.PutUint32(p[4:], uint32(c.SocketKind))
		ne.PutUint32(p[8:], c.Sock.Domain)
		ne.PutUint32(p[12:], c.Sock.Type)
		ne.PutUint32(p[16:], c.Sock.Protocol)
	case AddChannel:
		ne.PutUint32(p[0:], uint32(c.ChannelKey))
		ne.PutUint64(p[8:], c.MaxSubbufSize)
		ne.PutUint64(p[16:], c.MmapLen)
	case AddStream:
		ne.PutUint32(p[0:], uint32(c.ChannelKey))
		ne.PutUint32(p[4:], uint32(c.StreamKey))
		ne.PutUint32(p[8:], uint32(c.State))
		ne.PutUint32(p[12:], uint32(c.Output))
		ne.PutUint64(p[16:], c.MmapLen)
		ne.PutUint32(p[24:], c.UID)
		ne.PutUint32(p[28:], c.GID)
		ne.PutUint32(p[32:], uint32(c.NetIndex))
		if c.MetadataFlag {
			ne.PutUint32(p[36:], 1)
		}
		if err := putCString(p[40:40+NameMax], c.Name); err != nil {
			return nil, fmt.Errorf("name: %w", err)
		}
		if err := putCString(p[40+NameMax:40+NameMax+PathMax], c.PathName); err != nil {
			return nil, fmt.Errorf("path: %w", err)
		}
	case UpdateStream:
		ne.PutUint32(p[0:], uint32(c.StreamKey))
		ne.PutUint32(p[4:], uint32(c.State))
	default:
		return nil, fmt.Errorf("unsupported command type %T", cmd)
	}
	return msg, nil
}

func cString(field []byte) (string, error) {
	n := bytes.IndexByte(field, 0)
	if n < 0 {
		return "", fmt.Errorf("not NUL-terminated within %d bytes", len(field))
	}
	return string(field[:n]), nil
}

func putCString(field []byte, s string) error {
	if len(s) >= len(field) {
		return fmt.Errorf("%d bytes exceed field size %d", len(s), len(field)-1)
	}
	if bytes.IndexByte([]byte(s), 0) >= 0 {
		return errors.New("embedded NUL byte")
	}
	copy(field, s)
	return nil
}
