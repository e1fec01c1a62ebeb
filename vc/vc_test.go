// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package vc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummary(t *testing.T) {
	assert.Equal(t, "dev", Version())

	version, revision = "v1.2.3", "abc123"
	defer func() { version, revision = "", "" }()
	assert.Equal(t, "ust-consumerd v1.2.3 (revision: abc123, build timestamp: )", Summary())
}
