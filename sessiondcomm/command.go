// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessiondcomm implements the consumer side of the session daemon
// control channel: the fixed-size command messages, descriptor passing over
// the unix socket, and error-code reporting.
package sessiondcomm // import "go.opentelemetry.io/ust-consumer/sessiondcomm"

import "fmt"

// CommandKind tags a command message.
type CommandKind uint32

const (
	KindAddChannel      CommandKind = 1
	KindAddStream       CommandKind = 2
	KindUpdateStream    CommandKind = 3
	KindStop            CommandKind = 4
	KindAddRelaydSocket CommandKind = 5
)

func (k CommandKind) String() string {
	switch k {
	case KindAddChannel:
		return "ADD_CHANNEL"
	case KindAddStream:
		return "ADD_STREAM"
	case KindUpdateStream:
		return "UPDATE_STREAM"
	case KindStop:
		return "STOP"
	case KindAddRelaydSocket:
		return "ADD_RELAYD_SOCKET"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(k))
	}
}

// SocketKind selects which relay socket an ADD_RELAYD_SOCKET command fills.
type SocketKind uint32

const (
	SocketControl SocketKind = 1
	SocketData    SocketKind = 2
)

func (k SocketKind) String() string {
	switch k {
	case SocketControl:
		return "control"
	case SocketData:
		return "data"
	default:
		return fmt.Sprintf("socket-kind(%d)", uint32(k))
	}
}

// OutputMode is how a stream's sub-buffers are read.
type OutputMode uint32

const (
	OutputSplice OutputMode = 0
	OutputMmap   OutputMode = 1
)

func (o OutputMode) String() string {
	switch o {
	case OutputSplice:
		return "splice"
	case OutputMmap:
		return "mmap"
	default:
		return fmt.Sprintf("output(%d)", uint32(o))
	}
}

// StreamState is the requested state of a stream.
type StreamState uint32

const (
	StreamActive StreamState = 1
	StreamPause  StreamState = 2
	StreamDelete StreamState = 3
)

func (s StreamState) valid() bool {
	return s >= StreamActive && s <= StreamDelete
}

// NoRelay is the net sequence index of a stream written to a local file.
const NoRelay int32 = -1

// Command is one decoded control message. The concrete type is selected by
// Kind.
type Command interface {
	Kind() CommandKind
}

// Stop asks the consumer to shut down.
type Stop struct{}

// SockInfo describes the socket a relay descriptor belongs to.
type SockInfo struct {
	Domain   uint32
	Type     uint32
	Protocol uint32
}

// AddRelaydSocket carries one of the two sockets of a relay peer. The socket
// itself arrives as an accompanying descriptor.
type AddRelaydSocket struct {
	NetIndex   int32
	SocketKind SocketKind
	Sock       SockInfo
}

// AddChannel announces a channel. Its shared-memory descriptor arrives as an
// accompanying descriptor.
type AddChannel struct {
	ChannelKey    int32
	MaxSubbufSize uint64
	MmapLen       uint64
}

// AddStream announces a stream of an existing channel. Its shared-memory and
// wait descriptors arrive, in that order, as accompanying descriptors.
type AddStream struct {
	ChannelKey   int32
	StreamKey    int32
	State        StreamState
	Output       OutputMode
	MmapLen      uint64
	UID          uint32
	GID          uint32
	NetIndex     int32
	MetadataFlag bool
	Name         string
	PathName     string
}

// UpdateStream requests a stream state change.
type UpdateStream struct {
	StreamKey int32
	State     StreamState
}

// Unknown is a command kind this consumer does not know about.
type Unknown struct {
	Type CommandKind
}

func (Stop) Kind() CommandKind            { return KindStop }
func (AddRelaydSocket) Kind() CommandKind { return KindAddRelaydSocket }
func (AddChannel) Kind() CommandKind      { return KindAddChannel }
func (AddStream) Kind() CommandKind       { return KindAddStream }
func (UpdateStream) Kind() CommandKind    { return KindUpdateStream }
func (u Unknown) Kind() CommandKind       { return u.Type }

// NumFds returns how many descriptors accompany a command of kind k.
func NumFds(k CommandKind) int {
	switch k {
	case KindAddRelaydSocket, KindAddChannel:
		return 1
	case KindAddStream:
		return 2
	default:
		return 0
	}
}
