// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fork provides isolated working copies of workbooks with
// optimistic version control.
//
// A fork is an independently mutable copy of a source workbook file.
// The Registry is the control plane: it owns the fork_id -> ForkContext
// mapping and the per-fork recalculation lock table. All content mutation
// goes through WithForkMutVersioned, which implements read-check-write
// optimistic concurrency on a per-fork version stamp.
//
// # Design Principles
//
// Forks are cheap and disposable. The working copy lives on local disk,
// the registry entry lives in memory, and both are removed together on
// save or discard. Failed operations must never leave residue: guarded
// acquisition (TempFileGuard, ForkCreationGuard, CheckpointGuard) rolls
// back partial state on every non-committed exit path.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Lookups take a shared read lock;
// structural changes take the write lock only long enough to mutate the
// map, never across I/O. Version validation and commit are lock-free
// atomics on the ForkContext.
package fork

import (
	"errors"
	"fmt"
)

// Sentinel errors for fork operations.
var (
	// ErrForkNotFound is returned when the requested fork id is not
	// registered. Deleting an absent fork also fails with this error
	// so caller bugs surface instead of silently succeeding.
	ErrForkNotFound = errors.New("fork not found")

	// ErrLockTableCorrupted indicates an internal consistency violation
	// in the recalc lock table (a release without a matching acquire,
	// or a negative reference count). Fatal, not caller-retryable.
	ErrLockTableCorrupted = errors.New("recalc lock table corrupted")
)

// VersionConflictError is returned when an optimistic version check fails.
//
// It carries the live version so the caller can re-read, re-apply, and
// retry. A version conflict is always recoverable and never fatal.
type VersionConflictError struct {
	// ForkID is the fork whose version check failed.
	ForkID string

	// Expected is the version the caller presented.
	Expected int64

	// Current is the live version at the time of the check.
	Current int64
}

// Error implements the error interface.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on fork %s: expected %d, current %d",
		e.ForkID, e.Expected, e.Current)
}

// IsVersionConflict reports whether err is (or wraps) a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// IoError wraps a filesystem failure with the operation and fork it
// occurred in, so callers have enough context to construct a retry.
type IoError struct {
	// Op is the operation name, e.g. "create_fork".
	Op string

	// ForkID is the fork involved, if known.
	ForkID string

	// Path is the filesystem path involved, if known.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *IoError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: fork %s: %s: %v", e.Op, e.ForkID, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: fork %s: %v", e.Op, e.ForkID, e.Err)
}

// Unwrap returns the underlying error.
func (e *IoError) Unwrap() error {
	return e.Err
}
