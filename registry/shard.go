// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package registry // import "go.opentelemetry.io/ust-consumer/registry"

import "go.opentelemetry.io/ust-consumer/libpf/xsync"

type entry[K Key, V any] struct {
	key   K
	value V
}

type shard[K Key, V any] struct {
	entries xsync.RWMutex[map[K]V]
}

func newShard[K Key, V any]() shard[K, V] {
	return shard[K, V]{entries: xsync.NewRWMutex(make(map[K]V))}
}

// snapshot appends a copy of the shard's entries to buf.
func (s *shard[K, V]) snapshot(buf []entry[K, V]) []entry[K, V] {
	entries := s.entries.RLock()
	defer s.entries.RUnlock(&entries)

	for k, v := range *entries {
		buf = append(buf, entry[K, V]{key: k, value: v})
	}
	return buf
}
