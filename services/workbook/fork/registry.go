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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResolveFunc maps a workbook id to the filesystem location of its
// source document. Supplied by the caller; the registry never parses
// workbook content.
type ResolveFunc func(ctx context.Context, workbookID string) (string, error)

// Registry is the control plane for forks.
//
// It owns the fork_id -> ForkContext mapping and the recalculation lock
// table. The registry is process-wide shared state with a lifecycle tied
// to server startup/shutdown; construct one instance and pass it by
// handle so tests can build a fresh registry per case.
//
// Thread Safety:
//
//	Safe for concurrent use. The map uses a read-preferring RWMutex:
//	lookups never block each other, and structural mutation holds the
//	write lock only long enough to mutate the map, never across I/O.
type Registry struct {
	mu    sync.RWMutex
	forks map[string]*ForkContext

	locks   *RecalcLockTable
	forkDir string
	resolve ResolveFunc
	logger  *slog.Logger

	// newForkID allocates fork ids. Overridable in tests to force
	// insertion collisions.
	newForkID func() string
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// ForkDir is the directory working copies are created in.
	// Created with 0750 permissions if it doesn't exist.
	ForkDir string

	// Resolve maps workbook ids to source file locations. Required.
	Resolve ResolveFunc

	// Logger receives structured debug events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

// NewRegistry creates an empty fork registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Resolve == nil {
		return nil, fmt.Errorf("fork registry requires a resolver")
	}
	if cfg.ForkDir == "" {
		cfg.ForkDir = ".ggen/forks"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.ForkDir, 0750); err != nil {
		return nil, fmt.Errorf("creating fork directory %s: %w", cfg.ForkDir, err)
	}

	return &Registry{
		forks:     make(map[string]*ForkContext),
		locks:     NewRecalcLockTable(),
		forkDir:   cfg.ForkDir,
		resolve:   cfg.Resolve,
		logger:    cfg.Logger,
		newForkID: func() string { return "fork-" + uuid.NewString() },
	}, nil
}

// CreateFork allocates a fork id, copies the source workbook into a
// fresh working file, and inserts a ForkContext at version 0.
//
// The whole sequence runs under a ForkCreationGuard armed at entry and
// disarmed only after the registry insertion commits. Any failure after
// id allocation removes the partially created registry entry and
// filesystem artifact; no residue survives a failed creation.
func (r *Registry) CreateFork(ctx context.Context, workbookID string) (string, error) {
	sourcePath, err := r.resolve(ctx, workbookID)
	if err != nil {
		return "", err
	}

	forkID := r.newForkID()
	workingPath := filepath.Join(r.forkDir, forkID+filepath.Ext(sourcePath))

	guard := NewForkCreationGuard(r, forkID, workingPath, r.logger)
	defer guard.Cleanup()

	if err := CopyFile(sourcePath, workingPath); err != nil {
		return "", &IoError{Op: "create_fork", ForkID: forkID, Path: workingPath, Err: err}
	}

	fc := &ForkContext{
		ForkID:      forkID,
		WorkbookID:  workbookID,
		WorkingPath: workingPath,
		CreatedAt:   time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.forks[forkID]; exists {
		r.mu.Unlock()
		return "", &IoError{Op: "create_fork", ForkID: forkID,
			Err: fmt.Errorf("fork id collision")}
	}
	r.forks[forkID] = fc
	r.mu.Unlock()

	guard.Disarm()
	recordForkCreate()

	r.logger.Debug("fork created",
		"fork_id", forkID,
		"workbook_id", workbookID,
		"working_path", workingPath)

	return forkID, nil
}

// GetForkPath returns the working-copy location of a fork.
func (r *Registry) GetForkPath(forkID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fc, ok := r.forks[forkID]
	if !ok {
		return "", fmt.Errorf("get_fork_path: %s: %w", forkID, ErrForkNotFound)
	}
	return fc.WorkingPath, nil
}

// Fork returns a point-in-time summary of one fork.
func (r *Registry) Fork(forkID string) (Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fc, ok := r.forks[forkID]
	if !ok {
		return Summary{}, fmt.Errorf("get_fork: %s: %w", forkID, ErrForkNotFound)
	}
	return fc.summary(), nil
}

// AppendCheckpoint records a checkpoint reference on a fork.
func (r *Registry) AppendCheckpoint(forkID string, ref CheckpointRef) error {
	r.mu.RLock()
	fc, ok := r.forks[forkID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("checkpoint_fork: %s: %w", forkID, ErrForkNotFound)
	}
	fc.AppendCheckpoint(ref)
	return nil
}

// Checkpoints returns the checkpoint references recorded on a fork.
func (r *Registry) Checkpoints(forkID string) ([]CheckpointRef, error) {
	r.mu.RLock()
	fc, ok := r.forks[forkID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("list_checkpoints: %s: %w", forkID, ErrForkNotFound)
	}
	return fc.Checkpoints(), nil
}

// ListForks returns a snapshot of fork summaries reflecting state at
// call time, not a live view.
func (r *Registry) ListForks() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.forks))
	for _, fc := range r.forks {
		out = append(out, fc.summary())
	}
	return out
}

// DeleteFork removes the registry entry, the lock-table entry, and the
// working-copy file.
//
// Deleting an absent fork fails with ErrForkNotFound to surface caller
// bugs rather than silently succeeding.
func (r *Registry) DeleteFork(forkID string) error {
	r.mu.Lock()
	fc, ok := r.forks[forkID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("delete_fork: %s: %w", forkID, ErrForkNotFound)
	}
	delete(r.forks, forkID)
	r.mu.Unlock()

	r.locks.remove(forkID)
	recordForkDelete()

	if err := os.Remove(fc.WorkingPath); err != nil && !os.IsNotExist(err) {
		return &IoError{Op: "delete_fork", ForkID: forkID, Path: fc.WorkingPath, Err: err}
	}

	r.logger.Debug("fork deleted",
		"fork_id", forkID,
		"workbook_id", fc.WorkbookID)

	return nil
}

// SaveFork promotes the working copy over the source workbook and
// removes the fork. Terminal: the fork id is gone afterwards.
func (r *Registry) SaveFork(ctx context.Context, forkID string) error {
	r.mu.RLock()
	fc, ok := r.forks[forkID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("save_fork: %s: %w", forkID, ErrForkNotFound)
	}

	destPath, err := r.resolve(ctx, fc.WorkbookID)
	if err != nil {
		return err
	}

	if err := ReplaceFile(fc.WorkingPath, destPath, r.logger); err != nil {
		return &IoError{Op: "save_fork", ForkID: forkID, Path: destPath, Err: err}
	}

	r.logger.Debug("fork saved",
		"fork_id", forkID,
		"workbook_id", fc.WorkbookID,
		"dest", destPath)

	return r.DeleteFork(forkID)
}

// AcquireRecalcLock returns a shared handle to the fork's dedicated
// recalculation lock, creating the table entry lazily.
func (r *Registry) AcquireRecalcLock(forkID string) (*RecalcLock, error) {
	r.mu.RLock()
	_, ok := r.forks[forkID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("acquire_recalc_lock: %s: %w", forkID, ErrForkNotFound)
	}
	return r.locks.Acquire(forkID), nil
}

// ReleaseRecalcLock returns a previously acquired handle, pruning the
// table entry once unreferenced.
func (r *Registry) ReleaseRecalcLock(forkID string) error {
	return r.locks.Release(forkID)
}

// RecalcLockCount reports the number of live lock stripes.
func (r *Registry) RecalcLockCount() int {
	return r.locks.Len()
}

// WithForkMutVersioned is the sole sanctioned mutation path for fork
// content. It implements read-check-write optimistic concurrency:
//
//  1. expected is validated against the live version; on mismatch the
//     call fails with VersionConflictError and the mutator never runs.
//  2. On match the mutator runs without any registry lock held, so
//     unrelated forks and same-fork readers are never blocked.
//  3. On mutator success the version commits via compare-and-swap; a
//     racing mutation that committed first turns this call into a
//     VersionConflictError carrying the now-current version.
//  4. On mutator failure the version is unchanged.
//
// Cancellation is honored before the mutator starts; there is no
// mid-mutation cancellation.
func WithForkMutVersioned[T any](ctx context.Context, r *Registry, forkID string, expected int64, mutate func(*ForkContext) (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	r.mu.RLock()
	fc, ok := r.forks[forkID]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("with_fork_mut_versioned: %s: %w", forkID, ErrForkNotFound)
	}

	if err := fc.ValidateVersion(expected); err != nil {
		recordVersionConflict(forkID)
		r.logger.Debug("version conflict",
			"fork_id", forkID,
			"expected", expected,
			"current", fc.Version())
		return zero, err
	}

	out, err := mutate(fc)
	if err != nil {
		return zero, err
	}

	if !fc.casVersion(expected) {
		recordVersionConflict(forkID)
		current := fc.Version()
		r.logger.Debug("version conflict at commit",
			"fork_id", forkID,
			"expected", expected,
			"current", current)
		return zero, &VersionConflictError{
			ForkID:   forkID,
			Expected: expected,
			Current:  current,
		}
	}

	return out, nil
}

// dropEntry removes a registry entry best-effort. Used by guard
// rollback; absent entries are fine.
func (r *Registry) dropEntry(forkID string) {
	r.mu.Lock()
	delete(r.forks, forkID)
	r.mu.Unlock()
}

// lookup returns the ForkContext for internal collaborators.
func (r *Registry) lookup(forkID string) (*ForkContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fc, ok := r.forks[forkID]
	return fc, ok
}

// ReplaceFile replaces dst with a copy of src without ever truncating
// dst in place: the copy lands in a guarded sibling temp file and is
// renamed over dst only once fully written and synced. A failure at any
// point leaves dst untouched and removes the temp file.
func ReplaceFile(src, dst string, logger *slog.Logger) error {
	tmp := dst + ".tmp-" + uuid.NewString()

	guard := NewTempFileGuard(tmp, logger)
	defer guard.Cleanup()

	if err := CopyFile(src, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	guard.Disarm()
	return nil
}

// CopyFile copies src to dst, truncating dst if it exists. The copy is
// synced before close so a crash cannot leave a half-written fork.
// Promotion over a file that must survive a failed copy goes through
// ReplaceFile instead.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
