// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sessiondcomm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKinds(t *testing.T) {
	tests := map[string]Command{
		"stop": Stop{},
		"relayd control": AddRelaydSocket{
			NetIndex:   3,
			SocketKind: SocketControl,
			Sock:       SockInfo{Domain: 2, Type: 1, Protocol: 6},
		},
		"channel": AddChannel{ChannelKey: 12, MaxSubbufSize: 4096, MmapLen: 1 << 20},
		"metadata stream": AddStream{
			ChannelKey:   12,
			StreamKey:    40,
			State:        StreamActive,
			Output:       OutputMmap,
			MmapLen:      1 << 20,
			UID:          1000,
			GID:          100,
			NetIndex:     3,
			MetadataFlag: true,
			Name:         "metadata",
			PathName:     "/tmp/trace/metadata",
		},
		"update": UpdateStream{StreamKey: 40, State: StreamPause},
	}

	for name, cmd := range tests {
		t.Run(name, func(t *testing.T) {
			msg, err := Encode(cmd)
			require.NoError(t, err)
			require.Len(t, msg, MessageSize)

			got, err := Decode(msg)
			require.NoError(t, err)
			assert.Equal(t, cmd, got)
			assert.Equal(t, cmd.Kind(), got.Kind())
		})
	}
}

func TestDecodeUnknownKindIsNotAnError(t *testing.T) {
	msg := make([]byte, MessageSize)
	ne.PutUint32(msg, 99)

	cmd, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, Unknown{Type: 99}, cmd)
	assert.Equal(t, "UNKNOWN(99)", cmd.Kind().String())
}

func TestDecodeShortMessage(t *testing.T) {
	_, err := Decode(make([]byte, MessageSize-1))
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestDecodeRejectsMismatchedPayload(t *testing.T) {
	encode := func(kind CommandKind, fill func(p []byte)) []byte {
		msg := make([]byte, MessageSize)
		ne.PutUint32(msg, uint32(kind))
		fill(msg[headerSize:])
		return msg
	}

	tests := map[string][]byte{
		"relayd bad socket kind": encode(KindAddRelaydSocket, func(p []byte) {
			ne.PutUint32(p[4:], 7)
		}),
		"relayd negative index": encode(KindAddRelaydSocket, func(p []byte) {
			ne.PutUint32(p[0:], uint32(0xffffffff))
			ne.PutUint32(p[4:], uint32(SocketData))
		}),
		"channel zero sizes": encode(KindAddChannel, func(p []byte) {
			ne.PutUint32(p[0:], 1)
		}),
		"stream unterminated name": encode(KindAddStream, func(p []byte) {
			ne.PutUint32(p[8:], uint32(StreamActive))
			copy(p[40:40+NameMax], strings.Repeat("x", NameMax))
		}),
		"stream bad state": encode(KindAddStream, func(p []byte) {
			ne.PutUint32(p[8:], 42)
		}),
		"stream bad net index": encode(KindAddStream, func(p []byte) {
			ne.PutUint32(p[8:], uint32(StreamActive))
			ne.PutUint32(p[32:], uint32(0xfffffffe))
		}),
		"update bad state": encode(KindUpdateStream, func(p []byte) {}),
	}

	for name, msg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(msg)
			assert.ErrorIs(t, err, ErrKindMismatch)
		})
	}
}

func TestEncodeRejectsOversizedStrings(t *testing.T) {
	_, err := Encode(AddStream{State: StreamActive, Name: strings.Repeat("n", NameMax)})
	require.Error(t, err)

	_, err = Encode(AddStream{State: StreamActive, PathName: "a\x00b"})
	require.Error(t, err)
}

func TestNumFds(t *testing.T) {
	assert.Equal(t, 1, NumFds(KindAddRelaydSocket))
	assert.Equal(t, 1, NumFds(KindAddChannel))
	assert.Equal(t, 2, NumFds(KindAddStream))
	assert.Equal(t, 0, NumFds(KindStop))
	assert.Equal(t, 0, NumFds(KindUpdateStream))
}
