// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync/atomic"
)

// Default configuration values.
const (
	// DefaultCapacity is the default maximum number of cached workbooks.
	DefaultCapacity = 8
)

// LoadFunc parses a workbook file into an opaque document handle.
// The cache never inspects the handle; parsing is external.
type LoadFunc func(ctx context.Context, path string) (any, error)

// Resolver maps a workbook id or filesystem path to a canonical
// (workbookID, absolute path) pair. Implementations may scan the
// filesystem; the cache never holds a lock while calling it.
type Resolver interface {
	Resolve(ctx context.Context, idOrPath string) (workbookID, absPath string, err error)
}

// Entry is a cached parsed workbook.
//
// Thread Safety:
//
//	Safe for concurrent reads. Recency and reference count are
//	atomics; identity fields are immutable after insert.
type Entry struct {
	// WorkbookID is the cache key.
	WorkbookID string

	// Path is the source file location the handle was parsed from.
	Path string

	// Doc is the opaque parsed-document handle.
	Doc any

	// lastUsed is a logical recency stamp from the cache's atomic
	// clock. Larger is more recent.
	lastUsed int64

	// refCount tracks in-flight holders of this entry.
	refCount int32

	// stale marks an entry removed from the index while still held;
	// the handle stays valid until the last holder releases.
	stale atomic.Bool

	// closed guards the handle against double-free.
	closed atomic.Bool
}

// Acquire increments the reference count.
//
// Must be paired with a call to Release (via the release func returned
// by OpenWorkbook).
func (e *Entry) Acquire() {
	atomic.AddInt32(&e.refCount, 1)
}

// Release decrements the reference count.
func (e *Entry) Release() {
	atomic.AddInt32(&e.refCount, -1)
}

// InUse returns true if the entry has active references.
func (e *Entry) InUse() bool {
	return atomic.LoadInt32(&e.refCount) > 0
}

// touch updates the recency stamp.
func (e *Entry) touch(tick int64) {
	atomic.StoreInt64(&e.lastUsed, tick)
}

// recency reads the recency stamp.
func (e *Entry) recency() int64 {
	return atomic.LoadInt64(&e.lastUsed)
}

// Stats is a read-only snapshot of cache health.
type Stats struct {
	// Operations is the total number of lookups (hits + misses).
	Operations int64

	// Hits is the number of cache hits.
	Hits int64

	// Misses is the number of cache misses.
	Misses int64

	// Size is the number of resident entries.
	Size int

	// Capacity is the configured maximum entries.
	Capacity int
}

// HitRate returns hits/operations as a fraction in [0, 1].
// Defined as 0 when no operations have occurred.
func (s Stats) HitRate() float64 {
	if s.Operations == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Operations)
}

// Options configures WorkbookCache behavior.
type Options struct {
	// Capacity is the maximum number of cached workbooks.
	Capacity int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Capacity: DefaultCapacity}
}

// Option is a functional option for configuring WorkbookCache.
type Option func(*Options)

// WithCapacity sets the maximum number of cached workbooks.
func WithCapacity(n int) Option {
	return func(o *Options) {
		o.Capacity = n
	}
}
