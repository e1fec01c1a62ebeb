// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/ust-consumer/libpf/xsync"

import "sync"

// RWMutex wraps sync.RWMutex and hides the data it protects, so the data can
// only be reached while holding the lock.
//
// The unlock methods take a reference to the pointer handed out by the lock
// methods and set it to nil. A use after unlock then panics in tests instead
// of silently racing:
//
//	type Streams struct {
//		byKey xsync.RWMutex[map[int32]*Stream]
//	}
//
//	func (s *Streams) Add(key int32, stream *Stream) {
//		byKey := s.byKey.WLock()
//		defer s.byKey.WUnlock(&byKey)
//		(*byKey)[key] = stream
//	}
//
// There is no field holding the map directly, so forgetting to lock does not
// compile. Copying the returned pointer defeats the invalidation; don't.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex creates a new read-write mutex guarding guarded.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{
		guarded: guarded,
	}
}

// RLock locks the mutex for reading, returning a pointer to the protected data.
//
// The caller must not write through the returned pointer, and must not keep
// it beyond the matching RUnlock.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock unlocks the mutex after previously being locked by RLock.
//
// Pass a reference to the pointer returned from RLock here to ensure it is invalidated.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing, returning a pointer to the protected data.
//
// The caller must not keep the returned pointer beyond the matching WUnlock.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock unlocks the mutex after previously being locked by WLock.
//
// Pass a reference to the pointer returned from WLock here to ensure it is invalidated.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
