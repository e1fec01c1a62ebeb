// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package relayd_test

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/fdhandle"
	"go.opentelemetry.io/ust-consumer/rawio"
	"go.opentelemetry.io/ust-consumer/relayd"
	"go.opentelemetry.io/ust-consumer/relayd/relaydtest"
	"go.opentelemetry.io/ust-consumer/sessiondcomm"
)

// connect installs one end of a fresh socketpair into the peer and returns
// the relay end.
func connect(t *testing.T, p *relayd.Peer, kind sessiondcomm.SocketKind) int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	require.NoError(t, p.SetSocket(kind, sessiondcomm.SockInfo{Domain: unix.AF_UNIX},
		fdhandle.New(fds[0])))
	return fds[1]
}

// serveOne answers one control request with reply and returns the request.
func serveOne(t *testing.T, fd int, reply []byte) (relayd.Header, []byte) {
	t.Helper()
	hdr, body, err := relaydtest.ReadRequest(nil, fd)
	require.NoError(t, err)
	_, err = rawio.WriteAll(nil, fd, reply)
	require.NoError(t, err)
	return hdr, body
}

func TestAddStreamRoundTrip(t *testing.T) {
	p := relayd.NewPeer(3, nil)
	defer p.Close()
	relay := connect(t, p, sessiondcomm.SocketControl)

	var (
		hdr relayd.Header
		req relaydtest.AddStreamRequest
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var body []byte
		hdr, body = serveOne(t, relay, relaydtest.EncodeAddStreamReply(77, relayd.ReplyOK))
		req, _ = relaydtest.ParseAddStream(body)
	}()

	id, err := p.AddStream("metadata", "/trace/ust")
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, uint64(77), id)
	assert.Equal(t, relayd.CmdAddStream, hdr.Cmd)
	assert.Equal(t, relaydtest.AddStreamRequest{ChannelName: "metadata", PathName: "/trace/ust"}, req)
}

func TestAddStreamRefused(t *testing.T) {
	p := relayd.NewPeer(1, nil)
	defer p.Close()
	relay := connect(t, p, sessiondcomm.SocketControl)

	go serveOne(t, relay, relaydtest.EncodeAddStreamReply(0, 42))
	_, err := p.AddStream("chan", "/x")
	require.ErrorIs(t, err, relayd.ErrRefused)
}

func TestCloseStream(t *testing.T) {
	p := relayd.NewPeer(1, nil)
	defer p.Close()
	relay := connect(t, p, sessiondcomm.SocketControl)

	var body []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, body = serveOne(t, relay, relaydtest.EncodeReturnCode(relayd.ReplyOK))
	}()
	require.NoError(t, p.CloseStream(9, 4))
	<-done
	assert.Equal(t, uint64(9), binary.BigEndian.Uint64(body))
	assert.Equal(t, uint64(4), binary.BigEndian.Uint64(body[8:]))
}

func TestRequestsNeedSockets(t *testing.T) {
	p := relayd.NewPeer(1, nil)
	_, err := p.AddStream("chan", "/x")
	require.ErrorIs(t, err, relayd.ErrNotConnected)
	_, err = p.WritePayload(nil, false, 0, []byte("x"))
	require.ErrorIs(t, err, relayd.ErrNotConnected)
	assert.NoError(t, p.Close())
}

func TestSetSocketReplacesPlaceholder(t *testing.T) {
	p := relayd.NewPeer(2, nil)
	defer p.Close()
	connect(t, p, sessiondcomm.SocketData)
	first := p.DataFd()

	connect(t, p, sessiondcomm.SocketData)
	assert.NotEqual(t, first, p.DataFd())
	_, err := unix.FcntlInt(uintptr(first), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Equal(t, uint32(unix.AF_UNIX), p.SockInfo(sessiondcomm.SocketData).Domain)

	consumed := fdhandle.New(fdhandle.Invalid)
	require.ErrorIs(t, p.SetSocket(sessiondcomm.SocketControl, sessiondcomm.SockInfo{}, consumed),
		fdhandle.ErrConsumed)
}

func TestDataPayloadHasNoPrefix(t *testing.T) {
	p := relayd.NewPeer(1, nil)
	defer p.Close()
	relay := connect(t, p, sessiondcomm.SocketData)

	n, err := p.WritePayload(nil, false, 5, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	require.NoError(t, rawio.ReadFull(nil, relay, buf))
	assert.Equal(t, "data", string(buf))
}

func TestMetadataWritesDoNotInterleave(t *testing.T) {
	const (
		writers  = 2
		rounds   = 50
		chunkLen = 16 << 10
	)
	p := relayd.NewPeer(3, nil)
	defer p.Close()
	relay := connect(t, p, sessiondcomm.SocketData)

	total := writers * rounds * (8 + chunkLen)
	captured := make([]byte, total)
	readDone := make(chan error, 1)
	go func() { readDone <- rawio.ReadFull(nil, relay, captured) }()

	var wg sync.WaitGroup
	for w := 1; w <= writers; w++ {
		payload := bytes.Repeat([]byte{byte(w)}, chunkLen)
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for range rounds {
				n, err := p.WritePayload(nil, true, id, payload)
				assert.NoError(t, err)
				assert.Equal(t, chunkLen, n)
			}
		}(uint64(w))
	}
	wg.Wait()
	require.NoError(t, <-readDone)

	seen := map[uint64]int{}
	for off := 0; off < total; off += 8 + chunkLen {
		id := binary.BigEndian.Uint64(captured[off:])
		require.True(t, id >= 1 && id <= writers, "bad frame id %d at %d", id, off)
		frame := captured[off+8 : off+8+chunkLen]
		require.Equal(t, bytes.Repeat([]byte{byte(id)}, chunkLen), frame,
			"frame at %d interleaved", off)
		seen[id]++
	}
	assert.Equal(t, map[uint64]int{1: rounds, 2: rounds}, seen)
}

func TestControlReplyReadFaults(t *testing.T) {
	eintr := func(int, []byte) (int, error) { return 0, unix.EINTR }
	oneByte := func(fd int, p []byte) (int, error) { return unix.Read(fd, p[:1]) }

	tests := map[string][]rawio.ReadFunc{
		"clean":                   nil,
		"interrupted":             {eintr, eintr},
		"interrupted and partial": {eintr, oneByte, eintr, oneByte, oneByte, eintr},
	}
	for name, steps := range tests {
		t.Run(name, func(t *testing.T) {
			calls := 0
			read := func(fd int, p []byte) (int, error) {
				calls++
				if len(steps) > 0 {
					step := steps[0]
					steps = steps[1:]
					return step(fd, p)
				}
				return unix.Read(fd, p)
			}
			p := relayd.NewPeer(4, read)
			defer p.Close()
			relay := connect(t, p, sessiondcomm.SocketControl)

			done := make(chan struct{})
			go func() {
				defer close(done)
				serveOne(t, relay, relaydtest.EncodeAddStreamReply(1234, relayd.ReplyOK))
				serveOne(t, relay, relaydtest.EncodeReturnCode(relayd.ReplyOK))
			}()

			id, err := p.AddStream("chan_0", "/trace/ust")
			require.NoError(t, err)
			assert.Equal(t, uint64(1234), id)
			require.NoError(t, p.CloseStream(id, 1))
			<-done
			assert.Empty(t, steps)
			assert.Positive(t, calls)
		})
	}
}
