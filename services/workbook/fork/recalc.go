// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fork

import (
	"sync"
)

// RecalcLockTable stripes one logical recalculation lock into independent
// per-fork locks, so recalculation serializes within a fork but runs
// concurrently across forks.
//
// Entries are created lazily on first acquire and pruned when the last
// holder releases, bounding memory as forks churn. The external
// recalculation engine is assumed non-reentrant on a given working file,
// which is why the per-fork lock exists at all.
//
// Thread Safety:
//
//	Safe for concurrent use. The table mutex guards only the map and
//	reference counts; it is never held while a stripe lock is held.
type RecalcLockTable struct {
	mu      sync.Mutex
	entries map[string]*recalcEntry
}

// recalcEntry is one stripe: a mutex plus bookkeeping guarded by the
// table mutex.
type recalcEntry struct {
	lock sync.Mutex

	// refs counts outstanding handles. Guarded by RecalcLockTable.mu.
	refs int
}

// NewRecalcLockTable creates an empty lock table.
func NewRecalcLockTable() *RecalcLockTable {
	return &RecalcLockTable{
		entries: make(map[string]*recalcEntry),
	}
}

// RecalcLock is a shared handle to one fork's recalculation lock.
//
// The handle itself is not goroutine-safe; each in-flight operation
// should acquire its own handle and release it eagerly when done.
type RecalcLock struct {
	table  *RecalcLockTable
	forkID string
	entry  *recalcEntry
}

// Lock acquires the stripe for exclusive recalculation.
func (l *RecalcLock) Lock() {
	l.entry.lock.Lock()
}

// Unlock releases the stripe.
func (l *RecalcLock) Unlock() {
	l.entry.lock.Unlock()
}

// Acquire returns a handle to the dedicated lock for forkID, creating
// the table entry if absent. Creation is the only point requiring
// exclusive access to the table, and it is held only for the map insert.
func (t *RecalcLockTable) Acquire(forkID string) *RecalcLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[forkID]
	if !ok {
		e = &recalcEntry{}
		t.entries[forkID] = e
	}
	e.refs++

	return &RecalcLock{table: t, forkID: forkID, entry: e}
}

// Release returns a handle and prunes the table entry once no other
// holder references it. Safe to call eagerly; a no-op removal if the
// stripe is still referenced.
//
// Returns ErrLockTableCorrupted if the entry is missing or its
// reference count underflows, which indicates a release without a
// matching acquire.
func (t *RecalcLockTable) Release(forkID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[forkID]
	if !ok {
		return ErrLockTableCorrupted
	}

	e.refs--
	if e.refs < 0 {
		return ErrLockTableCorrupted
	}
	if e.refs == 0 {
		delete(t.entries, forkID)
	}
	return nil
}

// remove drops the stripe for a deleted fork. If handles are still
// outstanding the stripe is left in place; the last Release prunes it,
// so no orphaned entry persists once all holders settle.
func (t *RecalcLockTable) remove(forkID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[forkID]
	if !ok {
		return
	}
	if e.refs == 0 {
		delete(t.entries, forkID)
	}
}

// Len reports the number of live stripes. Used by tests and stats.
func (t *RecalcLockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
