//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rlimit // import "go.opentelemetry.io/ust-consumer/rlimit"

import (
	"fmt"
	"runtime"
)

// RaiseOpenFiles is the stub implementation, allowing to compile the rlimit
// package on non-linux systems, always failing at runtime with an error if used.
func RaiseOpenFiles(uint64) (uint64, func(), error) {
	return 0, nil, fmt.Errorf("unsupported os %s", runtime.GOOS)
}
