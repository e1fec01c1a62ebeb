// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rawio

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// scriptedWriter replays a list of results before capturing data.
type scriptedWriter struct {
	steps []func(p []byte) (int, error)
	out   bytes.Buffer
}

func (w *scriptedWriter) write(_ int, p []byte) (int, error) {
	if len(w.steps) == 0 {
		w.out.Write(p)
		return len(p), nil
	}
	step := w.steps[0]
	w.steps = w.steps[1:]
	return step(p)
}

func (w *scriptedWriter) partial(n int) func(p []byte) (int, error) {
	return func(p []byte) (int, error) {
		w.out.Write(p[:n])
		return n, nil
	}
}

func fail(err error) func(p []byte) (int, error) {
	return func([]byte) (int, error) { return -1, err }
}

func TestWriteAll(t *testing.T) {
	payload := []byte("0123456789")

	t.Run("interrupted and short", func(t *testing.T) {
		w := &scriptedWriter{}
		w.steps = []func([]byte) (int, error){
			fail(unix.EINTR), w.partial(3), fail(unix.EINTR), w.partial(4),
		}
		n, err := WriteAll(w.write, 0, payload)
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		assert.Equal(t, payload, w.out.Bytes())
	})

	t.Run("hard error keeps partial count", func(t *testing.T) {
		w := &scriptedWriter{}
		w.steps = []func([]byte) (int, error){w.partial(4), fail(unix.EPIPE)}
		n, err := WriteAll(w.write, 0, payload)
		require.ErrorIs(t, err, unix.EPIPE)
		assert.Equal(t, 4, n)
	})

	t.Run("overflow", func(t *testing.T) {
		w := &scriptedWriter{}
		w.steps = []func([]byte) (int, error){
			w.partial(2),
			func(p []byte) (int, error) { return len(p) + 5, nil },
		}
		n, err := WriteAll(w.write, 0, payload)
		require.ErrorIs(t, err, ErrOverflow)
		assert.Equal(t, 2+8+5, n)
	})
}

func TestReadFull(t *testing.T) {
	var pipe [2]int
	require.NoError(t, unix.Pipe2(pipe[:], unix.O_CLOEXEC))
	defer unix.Close(pipe[0])

	_, err := unix.Write(pipe[1], []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(pipe[1]))

	interrupted := false
	read := func(fd int, p []byte) (int, error) {
		if !interrupted {
			interrupted = true
			return -1, unix.EINTR
		}
		return unix.Read(fd, p[:1])
	}
	buf := make([]byte, 2)
	require.NoError(t, ReadFull(read, pipe[0], buf))
	assert.Equal(t, "ab", string(buf))

	assert.ErrorIs(t, ReadFull(nil, pipe[0], buf), io.ErrUnexpectedEOF)
}
