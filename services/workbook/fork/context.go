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
	"sync/atomic"
	"time"
)

// ForkContext holds a fork's identity, source linkage, working-copy
// location, and its monotonic version stamp.
//
// The context is owned exclusively by the Registry. Callers receive the
// fork id and read-only summaries, never ownership of the struct.
//
// Thread Safety:
//
//	Version reads and commits are lock-free atomics. The checkpoint
//	list is guarded by its own mutex.
type ForkContext struct {
	// ForkID is the unique fork identifier. Never reused within a
	// process lifetime.
	ForkID string

	// WorkbookID is the source workbook this fork was created from.
	WorkbookID string

	// WorkingPath is the absolute path of the fork's working copy.
	WorkingPath string

	// CreatedAt is when the fork was created.
	CreatedAt time.Time

	// version starts at 0 and strictly increases. Accessed only via
	// atomics.
	version int64

	// mu guards the checkpoints slice.
	mu          sync.Mutex
	checkpoints []CheckpointRef
}

// CheckpointRef is a lightweight reference to a checkpoint taken on a fork.
type CheckpointRef struct {
	// CheckpointID is the unique checkpoint identifier.
	CheckpointID string

	// Label is the caller-supplied human-readable label.
	Label string

	// Path is the snapshot file location.
	Path string

	// Version is the fork version at checkpoint time.
	Version int64

	// CreatedAt is when the checkpoint was taken.
	CreatedAt time.Time
}

// Version returns the current version. Lock-free.
func (fc *ForkContext) Version() int64 {
	return atomic.LoadInt64(&fc.version)
}

// IncrementVersion atomically bumps the version and returns the new value.
//
// Invoked exactly once per successful mutating operation, after the
// mutation has been applied.
func (fc *ForkContext) IncrementVersion() int64 {
	return atomic.AddInt64(&fc.version, 1)
}

// ValidateVersion checks expected against the live version.
//
// Returns a VersionConflictError carrying the current version on
// mismatch. Never mutates state.
func (fc *ForkContext) ValidateVersion(expected int64) error {
	current := atomic.LoadInt64(&fc.version)
	if current != expected {
		return &VersionConflictError{
			ForkID:   fc.ForkID,
			Expected: expected,
			Current:  current,
		}
	}
	return nil
}

// casVersion commits expected -> expected+1 if the version is unchanged.
func (fc *ForkContext) casVersion(expected int64) bool {
	return atomic.CompareAndSwapInt64(&fc.version, expected, expected+1)
}

// AppendCheckpoint records a checkpoint reference on this fork.
func (fc *ForkContext) AppendCheckpoint(ref CheckpointRef) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.checkpoints = append(fc.checkpoints, ref)
}

// Checkpoints returns a snapshot of the checkpoint references.
func (fc *ForkContext) Checkpoints() []CheckpointRef {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]CheckpointRef, len(fc.checkpoints))
	copy(out, fc.checkpoints)
	return out
}

// Summary is a point-in-time view of a fork for listings.
type Summary struct {
	// ForkID is the fork identifier.
	ForkID string

	// WorkbookID is the source workbook identifier.
	WorkbookID string

	// WorkingPath is the working-copy location.
	WorkingPath string

	// Version is the version at snapshot time.
	Version int64

	// CreatedAt is when the fork was created.
	CreatedAt time.Time

	// CheckpointCount is the number of checkpoints taken.
	CheckpointCount int
}

// summary captures the fork state at call time.
func (fc *ForkContext) summary() Summary {
	fc.mu.Lock()
	n := len(fc.checkpoints)
	fc.mu.Unlock()

	return Summary{
		ForkID:          fc.ForkID,
		WorkbookID:      fc.WorkbookID,
		WorkingPath:     fc.WorkingPath,
		Version:         fc.Version(),
		CreatedAt:       fc.CreatedAt,
		CheckpointCount: n,
	}
}
