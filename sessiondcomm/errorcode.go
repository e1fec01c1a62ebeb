// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sessiondcomm // import "go.opentelemetry.io/ust-consumer/sessiondcomm"

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/ust-consumer/rawio"
)

// ErrorCode is reported to the session daemon over the error socket.
type ErrorCode uint32

const (
	CodeCommandSockReady ErrorCode = iota + 1
	CodeSuccessRecvFd
	CodeErrorRecvFd
	CodeErrorRecvCmd
	CodePollError
	CodePollNval
	CodePollHup
	CodeExitSuccess
	CodeExitFailure
	CodeOutfdError
)

func (c ErrorCode) String() string {
	switch c {
	case CodeCommandSockReady:
		return "CONSUMERD_COMMAND_SOCK_READY"
	case CodeSuccessRecvFd:
		return "CONSUMERD_SUCCESS_RECV_FD"
	case CodeErrorRecvFd:
		return "CONSUMERD_ERROR_RECV_FD"
	case CodeErrorRecvCmd:
		return "CONSUMERD_ERROR_RECV_CMD"
	case CodePollError:
		return "CONSUMERD_POLL_ERROR"
	case CodePollNval:
		return "CONSUMERD_POLL_NVAL"
	case CodePollHup:
		return "CONSUMERD_POLL_HUP"
	case CodeExitSuccess:
		return "CONSUMERD_EXIT_SUCCESS"
	case CodeExitFailure:
		return "CONSUMERD_EXIT_FAILURE"
	case CodeOutfdError:
		return "CONSUMERD_OUTFD_ERROR"
	default:
		return fmt.Sprintf("CONSUMERD_ERROR(%d)", uint32(c))
	}
}

// ErrorReporter writes error codes to the session daemon's error socket.
// A nil ErrorReporter discards everything.
type ErrorReporter struct {
	mu sync.Mutex
	fd int
	// write defaults to unix.Write.
	write rawio.WriteFunc
}

// NewErrorReporter returns a reporter writing to fd.
func NewErrorReporter(fd int) *ErrorReporter {
	return &ErrorReporter{fd: fd}
}

// Send writes code as a native-endian u32.
func (r *ErrorReporter) Send(code ErrorCode) error {
	if r == nil {
		return nil
	}
	var buf [4]byte
	ne.PutUint32(buf[:], uint32(code))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := rawio.WriteAll(r.write, r.fd, buf[:]); err != nil {
		return fmt.Errorf("failed to send %s: %w", code, err)
	}
	return nil
}
