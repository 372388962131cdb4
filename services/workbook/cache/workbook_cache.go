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
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// WorkbookCache is a bounded LRU cache of parsed workbook handles.
//
// Recency is tracked with a lock-free logical clock so the hit path
// never takes an exclusive lock; eviction scans for the least-recent
// unreferenced entry under the write lock it already holds for insert.
type WorkbookCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byPath  map[string]string

	flight   singleflight.Group
	load     LoadFunc
	resolver Resolver
	capacity int
	logger   *slog.Logger

	// Lock-free instrumentation.
	clock  int64
	ops    int64
	hits   int64
	misses int64
}

// New creates a WorkbookCache.
//
// Returns ErrZeroCapacity when the configured capacity is not positive;
// misconfiguration fails at construction, not at first insert.
func New(load LoadFunc, resolver Resolver, logger *slog.Logger, opts ...Option) (*WorkbookCache, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Capacity <= 0 {
		return nil, fmt.Errorf("capacity %d: %w", options.Capacity, ErrZeroCapacity)
	}
	if load == nil || resolver == nil {
		return nil, fmt.Errorf("workbook cache requires a loader and a resolver")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WorkbookCache{
		entries:  make(map[string]*Entry),
		byPath:   make(map[string]string),
		load:     load,
		resolver: resolver,
		capacity: options.Capacity,
		logger:   logger,
	}, nil
}

// OpenWorkbook returns the parsed handle for a workbook id, loading and
// caching it on first use.
//
// The returned release function MUST be called when done with the
// entry. An entry evicted while held stays valid until its last holder
// releases.
//
// The hit path promotes recency and bumps counters without acquiring an
// exclusive lock. The miss path loads with no lock held, then takes the
// write lock only to insert, re-checking for a duplicate inserted by a
// concurrent miss; the losing load is discarded.
func (c *WorkbookCache) OpenWorkbook(ctx context.Context, workbookID string) (*Entry, func(), error) {
	c.mu.RLock()
	e, ok := c.entries[workbookID]
	if ok && !e.stale.Load() {
		e.Acquire()
		e.touch(c.tick())
		c.mu.RUnlock()

		atomic.AddInt64(&c.ops, 1)
		atomic.AddInt64(&c.hits, 1)
		recordHit(ctx)
		c.logger.Debug("workbook cache hit", "workbook_id", workbookID)

		return e, c.releaseFunc(e), nil
	}
	c.mu.RUnlock()

	atomic.AddInt64(&c.ops, 1)
	atomic.AddInt64(&c.misses, 1)
	recordMiss(ctx)
	c.logger.Debug("workbook cache miss", "workbook_id", workbookID)

	// One load per key; concurrent misses share the result. The shared
	// entry is inserted unreferenced, so a concurrent eviction can
	// close it before this caller holds it; re-check under the read
	// lock (eviction needs the write lock) and reload if it is gone.
	for {
		result, err, _ := c.flight.Do(workbookID, func() (interface{}, error) {
			return c.loadAndInsert(ctx, workbookID)
		})
		if err != nil {
			return nil, nil, err
		}
		entry := result.(*Entry)

		c.mu.RLock()
		if !entry.stale.Load() {
			entry.Acquire()
			entry.touch(c.tick())
			c.mu.RUnlock()
			return entry, c.releaseFunc(entry), nil
		}
		c.mu.RUnlock()
	}
}

// loadAndInsert performs the expensive load with no lock held, then
// inserts under the write lock, evicting the least-recently-used entry
// first if at capacity.
func (c *WorkbookCache) loadAndInsert(ctx context.Context, workbookID string) (*Entry, error) {
	_, absPath, err := c.resolver.Resolve(ctx, workbookID)
	if err != nil {
		return nil, fmt.Errorf("open_workbook: %s: %w", workbookID, err)
	}

	start := time.Now()
	doc, err := c.load(ctx, absPath)
	if err != nil {
		return nil, fmt.Errorf("open_workbook: %s: %w", workbookID, err)
	}
	recordLoad(ctx, time.Since(start))

	entry := &Entry{
		WorkbookID: workbookID,
		Path:       absPath,
		Doc:        doc,
	}
	entry.touch(c.tick())

	c.mu.Lock()
	defer c.mu.Unlock()

	// A concurrent miss may have inserted while we were loading.
	// Reuse it; never store two entries for the same key.
	if existing, ok := c.entries[workbookID]; ok && !existing.stale.Load() {
		c.closeDoc(doc)
		return existing, nil
	}

	c.evictIfFullLocked()

	c.entries[workbookID] = entry
	c.byPath[filepath.Clean(absPath)] = workbookID

	return entry, nil
}

// EvictByPath removes the entry whose source file is at path.
//
// Resolution happens under the shared read lock; removal takes the
// write lock for that specific entry only. An entry that is already
// gone is a no-op, not an error. In-flight holders keep a valid handle
// until their release.
func (c *WorkbookCache) EvictByPath(path string) {
	clean := filepath.Clean(path)

	c.mu.RLock()
	workbookID, ok := c.byPath[clean]
	c.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[workbookID]
	if !ok {
		return
	}
	c.removeLocked(workbookID, e)

	c.logger.Debug("workbook evicted by path",
		"workbook_id", workbookID,
		"path", clean)
}

// ResolveWorkbookPath resolves a workbook id or path to its canonical
// source location. Index lookups run under the shared read lock; any
// filesystem scan by the resolver happens with no lock held.
func (c *WorkbookCache) ResolveWorkbookPath(ctx context.Context, idOrPath string) (string, error) {
	c.mu.RLock()
	if e, ok := c.entries[idOrPath]; ok {
		c.mu.RUnlock()
		return e.Path, nil
	}
	if id, ok := c.byPath[filepath.Clean(idOrPath)]; ok {
		if e, ok := c.entries[id]; ok {
			c.mu.RUnlock()
			return e.Path, nil
		}
	}
	c.mu.RUnlock()

	workbookID, absPath, err := c.resolver.Resolve(ctx, idOrPath)
	if err != nil {
		return "", fmt.Errorf("resolve_workbook_path: %s: %w", idOrPath, err)
	}

	c.mu.Lock()
	c.byPath[filepath.Clean(absPath)] = workbookID
	c.mu.Unlock()

	return absPath, nil
}

// Stats assembles a snapshot from the lock-free counters plus a shared
// read of the current size.
func (c *WorkbookCache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Operations: atomic.LoadInt64(&c.ops),
		Hits:       atomic.LoadInt64(&c.hits),
		Misses:     atomic.LoadInt64(&c.misses),
		Size:       size,
		Capacity:   c.capacity,
	}
}

// HitRate returns the hit fraction; 0 when no operations have occurred.
func (c *WorkbookCache) HitRate() float64 {
	return c.Stats().HitRate()
}

// tick advances the logical recency clock.
func (c *WorkbookCache) tick() int64 {
	return atomic.AddInt64(&c.clock, 1)
}

// releaseFunc builds the release closure for a held entry. The last
// holder of a stale entry frees the underlying handle.
func (c *WorkbookCache) releaseFunc(e *Entry) func() {
	return func() {
		e.Release()
		if e.stale.Load() && !e.InUse() {
			c.closeEntry(e)
		}
	}
}

// evictIfFullLocked evicts least-recently-used entries until there is
// room for one insert. Entries with active references are skipped; if
// every entry is in use the cache temporarily exceeds capacity rather
// than invalidating a held handle.
//
// Caller must hold the write lock.
func (c *WorkbookCache) evictIfFullLocked() {
	for len(c.entries) >= c.capacity {
		victimID := ""
		var victim *Entry
		for id, e := range c.entries {
			if e.InUse() {
				continue
			}
			if victim == nil || e.recency() < victim.recency() {
				victimID = id
				victim = e
			}
		}
		if victim == nil {
			return
		}
		c.removeLocked(victimID, victim)
		recordEviction()
		c.logger.Debug("workbook evicted",
			"workbook_id", victimID)
	}
}

// removeLocked unlinks an entry from both indexes and marks it stale.
// Caller must hold the write lock.
func (c *WorkbookCache) removeLocked(workbookID string, e *Entry) {
	delete(c.entries, workbookID)
	delete(c.byPath, filepath.Clean(e.Path))
	e.stale.Store(true)
	if !e.InUse() {
		c.closeEntry(e)
	}
}

// closeEntry frees an entry's handle exactly once.
func (c *WorkbookCache) closeEntry(e *Entry) {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	c.closeDoc(e.Doc)
}

// closeDoc frees a parsed handle if the loader produced a closeable
// one. Close errors are logged, never propagated.
func (c *WorkbookCache) closeDoc(doc any) {
	closer, ok := doc.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		c.logger.Warn("failed to close evicted workbook handle",
			"error", err)
	}
}
