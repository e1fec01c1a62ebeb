//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rlimit // import "go.opentelemetry.io/ust-consumer/rlimit"

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RaiseOpenFiles raises the soft RLIMIT_NOFILE to want, capped at the hard
// limit. Every channel and stream holds descriptors, so the default soft
// limit is easily exhausted. It returns the limit now in effect and a
// function restoring the original limit.
func RaiseOpenFiles(want uint64) (uint64, func(), error) {
	var old unix.Rlimit
	if err := unix.Prlimit(0, unix.RLIMIT_NOFILE, nil, &old); err != nil {
		return 0, nil, fmt.Errorf("failed to read RLIMIT_NOFILE: %w", err)
	}
	if want <= old.Cur {
		return old.Cur, func() {}, nil
	}

	next := unix.Rlimit{Cur: min(want, old.Max), Max: old.Max}
	if err := unix.Prlimit(0, unix.RLIMIT_NOFILE, &next, nil); err != nil {
		return 0, nil, fmt.Errorf("failed to raise RLIMIT_NOFILE to %d: %w", next.Cur, err)
	}
	if next.Cur < want {
		log.Warnf("RLIMIT_NOFILE capped at hard limit %d (wanted %d)", next.Cur, want)
	}

	return next.Cur, func() {
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &old); err != nil {
			log.Errorf("Failed to restore RLIMIT_NOFILE: %v", err)
		}
	}, nil
}
