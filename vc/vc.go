// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information.
package vc // import "go.opentelemetry.io/ust-consumer/vc"

import "fmt"

// Set at link time with -ldflags "-X go.opentelemetry.io/ust-consumer/vc.version=...".
var (
	revision       = ""
	buildTimestamp = ""
	version        = ""
)

// Revision of the service.
func Revision() string {
	return revision
}

// BuildTimestamp returns the timestamp of the build.
func BuildTimestamp() string {
	return buildTimestamp
}

// Version in vX.Y.Z{-N-abbrev} format, or "dev" for untagged builds.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}

// Summary is the one-line description printed by -version.
func Summary() string {
	return fmt.Sprintf("ust-consumerd %s (revision: %s, build timestamp: %s)",
		Version(), Revision(), BuildTimestamp())
}
