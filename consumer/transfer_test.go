// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/metrics"
	"go.opentelemetry.io/ust-consumer/rawio"
	"go.opentelemetry.io/ust-consumer/relayd"
)

type ioStep func(fd int, p []byte) (int, error)

// scriptedIO replays steps and then falls through to the real call. A nil
// step also falls through.
type scriptedIO struct {
	steps []ioStep
	real  ioStep
	calls int
}

func (s *scriptedIO) do(fd int, p []byte) (int, error) {
	s.calls++
	if len(s.steps) > 0 {
		step := s.steps[0]
		s.steps = s.steps[1:]
		if step != nil {
			return step(fd, p)
		}
	}
	return s.real(fd, p)
}

func scriptedWrites(steps ...ioStep) *scriptedIO {
	return &scriptedIO{steps: steps, real: unix.Write}
}

func scriptedReads(steps ...ioStep) *scriptedIO {
	return &scriptedIO{steps: steps, real: unix.Read}
}

func eintr(int, []byte) (int, error) { return 0, unix.EINTR }

func short(fd int, p []byte) (int, error) { return unix.Write(fd, p[:len(p)/3]) }

func eio(int, []byte) (int, error) { return 0, unix.EIO }

func overflow(_ int, p []byte) (int, error) { return len(p) + 5, nil }

func TestTransferFaults(t *testing.T) {
	record := bytes.Repeat([]byte("0123456789"), 30)

	tests := map[string]struct {
		reads     []ioStep
		writes    []ioStep
		wantN     int
		wantErr   error
		wantBytes int
	}{
		"clean": {
			wantN:     pageSize,
			wantBytes: pageSize,
		},
		"interrupted and short writes": {
			writes:    []ioStep{eintr, short, eintr, short, eintr},
			wantN:     pageSize,
			wantBytes: pageSize,
		},
		"interrupted wait fd read": {
			reads:     []ioStep{eintr, eintr},
			wantN:     pageSize,
			wantBytes: pageSize,
		},
		"interrupted reads and writes": {
			reads:     []ioStep{eintr},
			writes:    []ioStep{eintr, short, eintr},
			wantN:     pageSize,
			wantBytes: pageSize,
		},
		"hard error": {
			writes:  []ioStep{eio},
			wantErr: unix.EIO,
		},
		"error after partial write": {
			writes:    []ioStep{short, eio},
			wantN:     pageSize / 3,
			wantErr:   unix.EIO,
			wantBytes: pageSize / 3,
		},
		"overflow": {
			writes:  []ioStep{overflow},
			wantN:   pageSize + 5,
			wantErr: rawio.ErrOverflow,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := scriptedReads(tc.reads...)
			w := scriptedWrites(tc.writes...)
			h := newHarness(t, withIO(r.do, w.do))
			obj := h.addChannel(1, 2, uint64(pageSize))
			p := newProducer(t, obj)
			path := filepath.Join(t.TempDir(), "trace")
			require.NoError(t, h.addStream(localStream(10, 1, path), p))
			s, _ := h.c.LookupStream(10)

			commit(t, p, record)
			n, err := h.c.ReadSubbuffer(s)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, uint64(1), h.c.counters.transferFailures.Load())
			} else {
				require.NoError(t, err)
				assert.Equal(t, uint64(1), h.c.counters.subbufsConsumed.Load())
			}
			assert.Equal(t, tc.wantN, n)
			assert.Empty(t, r.steps)
			assert.Empty(t, w.steps)
			// Released exactly once, whatever happened to the write.
			assert.Equal(t, uint64(1), p.Consumed())

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.Len(t, data, tc.wantBytes)
			if tc.wantBytes == pageSize {
				assert.Equal(t, record, data[:len(record)])
				assert.Equal(t, make([]byte, pageSize-len(record)), data[len(record):])
			}

			// The ring buffer is not stuck: the next sub-buffer drains normally.
			commit(t, p, record)
			_, err = h.c.ReadSubbuffer(s)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), p.Consumed())
		})
	}
}

func TestRelayTransferFaults(t *testing.T) {
	payload := bytes.Repeat([]byte{'m'}, 64)

	tests := map[string]struct {
		reads  []ioStep
		writes []ioStep
	}{
		"clean": {},
		// Reply read for ADD_STREAM, wait fd read, reply read for CLOSE_STREAM.
		"interrupted reads": {
			reads: []ioStep{eintr, nil, eintr, nil, eintr},
		},
		"interrupted reads and writes": {
			reads:  []ioStep{eintr, nil, eintr, nil, eintr},
			writes: []ioStep{eintr, short, eintr},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := scriptedReads(tc.reads...)
			w := scriptedWrites(tc.writes...)
			h := newHarness(t, withIO(r.do, w.do))
			relay := h.startRelay(3, 42)

			obj := h.addChannel(1, 2, uint64(pageSize))
			p := newProducer(t, obj)
			cmd := localStream(20, 1, "")
			cmd.NetIndex = 3
			cmd.MetadataFlag = true
			cmd.Name = "metadata"
			require.NoError(t, h.addStream(cmd, p))
			s, ok := h.c.LookupStream(20)
			require.True(t, ok)
			assert.Equal(t, uint64(42), s.RelaydStreamID)

			commit(t, p, payload)
			n, err := h.c.ReadSubbuffer(s)
			require.NoError(t, err)
			assert.Equal(t, pageSize, n)

			got := relay.readData(t, 8+pageSize)
			assert.Equal(t, uint64(42), binary.BigEndian.Uint64(got[:8]))
			assert.Equal(t, payload, got[8:8+len(payload)])
			assert.Equal(t, make([]byte, pageSize-len(payload)), got[8+len(payload):])

			require.NoError(t, h.c.DestroyStream(s))
			assert.Equal(t, []relayd.Command{relayd.CmdAddStream, relayd.CmdCloseStream},
				relay.Commands())
			assert.Empty(t, r.steps)
			assert.Empty(t, w.steps)
		})
	}
}

func TestOutputOpenFailure(t *testing.T) {
	h := newHarness(t)
	obj := h.addChannel(1, 2, uint64(pageSize))
	p := newProducer(t, obj)
	path := filepath.Join(t.TempDir(), "missing", "trace")
	require.NoError(t, h.addStream(localStream(10, 1, path), p))
	s, _ := h.c.LookupStream(10)

	commit(t, p, []byte("lost"))
	_, err := h.c.ReadSubbuffer(s)
	require.ErrorIs(t, err, unix.ENOENT)
	assert.Equal(t, uint64(1), p.Consumed())
}

func TestFileOpenerOption(t *testing.T) {
	var (
		mu     sync.Mutex
		opened []string
	)
	dir := t.TempDir()
	h := newHarness(t, WithFileOpener(func(path string, uid, gid uint32) (int, error) {
		mu.Lock()
		opened = append(opened, path)
		mu.Unlock()
		return OpenAsOwner(path, uid, gid)
	}))
	obj := h.addChannel(1, 2, uint64(pageSize))
	p := newProducer(t, obj)
	path := filepath.Join(dir, "trace")
	require.NoError(t, h.addStream(localStream(10, 1, path), p))
	s, _ := h.c.LookupStream(10)

	for range 3 {
		commit(t, p, []byte("x"))
		_, err := h.c.ReadSubbuffer(s)
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{path}, opened)
}

type captureReporter struct {
	mu     sync.Mutex
	values map[uint32]int64
}

func (r *captureReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range ids {
		r.values[id] += values[i]
	}
}

func TestReportMetrics(t *testing.T) {
	metrics.Flush()
	r := &captureReporter{values: map[uint32]int64{}}
	metrics.SetReporter(r)
	t.Cleanup(func() { metrics.SetReporter(nil) })

	h := newHarness(t)
	obj := h.addChannel(1, 2, uint64(pageSize))
	p := newProducer(t, obj)
	require.NoError(t, h.addStream(localStream(10, 1, filepath.Join(t.TempDir(), "f")), p))
	s, _ := h.c.LookupStream(10)
	commit(t, p, []byte("x"))
	_, err := h.c.ReadSubbuffer(s)
	require.NoError(t, err)

	h.c.ReportMetrics()
	metrics.Flush()

	r.mu.Lock()
	assert.Equal(t, int64(2), r.values[metrics.IDCommandsReceived])
	assert.Equal(t, int64(1), r.values[metrics.IDSubbufsConsumed])
	assert.Equal(t, int64(pageSize), r.values[metrics.IDBytesWrittenLocal])
	assert.Equal(t, int64(1), r.values[metrics.IDStreamsRegistered])
	assert.Equal(t, int64(1), r.values[metrics.IDChannelsRegistered])
	r.mu.Unlock()

	// Counters restart from zero after each report.
	assert.Zero(t, h.c.counters.subbufsConsumed.Load())
	assert.Zero(t, h.c.counters.commandsReceived.Load())
}
