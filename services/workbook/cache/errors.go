// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides a bounded LRU cache of parsed workbook handles.
//
// The cache maps workbook ids to opaque parsed-document handles produced
// by an external loader, with:
//   - Reference counting for safe eviction while readers are in flight
//   - Singleflight deduplication of concurrent loads
//   - Lock-free hit-path instrumentation (operations/hits/misses)
//   - A path -> workbook id alias index for fast resolution
//
// # Design Principles
//
// Cached handles are always rebuildable from the source file; the cache
// is a performance optimization, not a source of truth. No lock is ever
// held across I/O: the miss path releases the read lock before loading
// and re-checks for a race-inserted duplicate under the write lock, so
// two entries for the same key can never coexist.
//
// # Thread Safety
//
// WorkbookCache is safe for concurrent use.
package cache

import "errors"

// Sentinel errors for cache operations.
var (
	// ErrZeroCapacity is returned at construction when the configured
	// capacity is not positive. Misconfiguration fails fast, not at
	// first insert.
	ErrZeroCapacity = errors.New("cache capacity misconfigured")

	// ErrWorkbookNotFound is returned when an id or path cannot be
	// resolved to a workbook.
	ErrWorkbookNotFound = errors.New("workbook not found")
)
