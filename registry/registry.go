// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry provides the concurrent keyed maps the consumer uses to
// look up channels, streams and relay peers by their numeric key.
//
// Reads never take a global lock: the key space is split into shards and each
// shard carries its own reader/writer lock. Iteration snapshots one shard at a
// time and yields entries outside of any lock, so callbacks may freely insert
// into or remove from the registry. Entries removed by another goroutine
// during an iteration may or may not be observed, but every value that was
// yielded stays valid to use.
package registry // import "go.opentelemetry.io/ust-consumer/registry"

import (
	"encoding/binary"
	"errors"
	"iter"

	"github.com/zeebo/xxh3"
)

// numShards must be a power of two.
const numShards = 32

var (
	// ErrExists is returned by InsertUnique when the key is already present.
	ErrExists = errors.New("key already registered")
	// ErrNotFound is returned when a key is not present.
	ErrNotFound = errors.New("key not registered")
)

// Key is the set of integer types usable as registry keys.
type Key interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64
}

// Registry is a concurrent map from integer keys to owned records.
type Registry[K Key, V any] struct {
	shards [numShards]shard[K, V]
}

// New returns an empty Registry.
func New[K Key, V any]() *Registry[K, V] {
	r := &Registry[K, V]{}
	for i := range r.shards {
		r.shards[i] = newShard[K, V]()
	}
	return r
}

func (r *Registry[K, V]) shardFor(key K) *shard[K, V] {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return &r.shards[xxh3.Hash(buf[:])&(numShards-1)]
}

// InsertUnique adds value under key. It returns ErrExists and leaves the
// registry untouched if key is already present.
func (r *Registry[K, V]) InsertUnique(key K, value V) error {
	s := r.shardFor(key)
	entries := s.entries.WLock()
	defer s.entries.WUnlock(&entries)

	if _, ok := (*entries)[key]; ok {
		return ErrExists
	}
	(*entries)[key] = value
	return nil
}

// LoadOrInsert returns the value stored under key. If key is absent, create
// is called under the shard lock and its result is stored. loaded reports
// whether the value was already present.
func (r *Registry[K, V]) LoadOrInsert(key K, create func() (V, error)) (value V, loaded bool, err error) {
	s := r.shardFor(key)

	entries := s.entries.RLock()
	value, loaded = (*entries)[key]
	s.entries.RUnlock(&entries)
	if loaded {
		return value, true, nil
	}

	wentries := s.entries.WLock()
	defer s.entries.WUnlock(&wentries)

	// Another writer may have won the race between the two locks.
	if value, loaded = (*wentries)[key]; loaded {
		return value, true, nil
	}
	value, err = create()
	if err != nil {
		var zero V
		return zero, false, err
	}
	(*wentries)[key] = value
	return value, false, nil
}

// Lookup returns the value stored under key.
func (r *Registry[K, V]) Lookup(key K) (V, bool) {
	s := r.shardFor(key)
	entries := s.entries.RLock()
	defer s.entries.RUnlock(&entries)

	value, ok := (*entries)[key]
	return value, ok
}

// Remove deletes key and returns the value that was stored under it, or
// ErrNotFound.
func (r *Registry[K, V]) Remove(key K) (V, error) {
	s := r.shardFor(key)
	entries := s.entries.WLock()
	defer s.entries.WUnlock(&entries)

	value, ok := (*entries)[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	delete(*entries, key)
	return value, nil
}

// Len returns the number of registered entries. Under concurrent mutation
// the result is only a momentary approximation.
func (r *Registry[K, V]) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		entries := s.entries.RLock()
		n += len(*entries)
		s.entries.RUnlock(&entries)
	}
	return n
}

// All returns an iterator over all registered entries. The callback runs
// without any registry lock held.
func (r *Registry[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		var batch []entry[K, V]
		for i := range r.shards {
			batch = r.shards[i].snapshot(batch[:0])
			for _, e := range batch {
				if !yield(e.key, e.value) {
					return
				}
			}
		}
	}
}

// Values returns an iterator over all registered values.
func (r *Registry[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for _, v := range r.All() {
			if !yield(v) {
				return
			}
		}
	}
}
