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
	"log/slog"
	"os"
)

// The guard trio implements scoped acquisition with guaranteed rollback.
//
// A guard is armed at construction and cleaned up via defer. Disarm is
// called only after the protected sequence fully commits; an armed guard
// reaching scope exit rolls back whatever partial state exists. Cleanup
// is infallible from the caller's perspective: rollback errors are
// logged and swallowed so a secondary failure never masks the primary
// one.

// TempFileGuard removes a temporary file at scope end unless disarmed.
type TempFileGuard struct {
	path   string
	logger *slog.Logger
	armed  bool
}

// NewTempFileGuard arms a guard for path.
func NewTempFileGuard(path string, logger *slog.Logger) *TempFileGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &TempFileGuard{path: path, logger: logger, armed: true}
}

// Disarm marks the file as promoted; Cleanup becomes a no-op.
func (g *TempFileGuard) Disarm() {
	g.armed = false
}

// Cleanup deletes the temporary file if still armed.
func (g *TempFileGuard) Cleanup() {
	if !g.armed {
		return
	}
	recordGuardRollback("temp_file")
	g.logger.Debug("guard rollback: removing temp file",
		"path", g.path)
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("guard cleanup failed to remove temp file",
			"path", g.path,
			"error", err)
	}
}

// ForkCreationGuard rolls back a partially created fork: it removes the
// registry entry (if the insert happened) and the working-copy file.
type ForkCreationGuard struct {
	registry    *Registry
	forkID      string
	workingPath string
	logger      *slog.Logger
	armed       bool
}

// NewForkCreationGuard arms a guard for a fork creation in progress.
func NewForkCreationGuard(r *Registry, forkID, workingPath string, logger *slog.Logger) *ForkCreationGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForkCreationGuard{
		registry:    r,
		forkID:      forkID,
		workingPath: workingPath,
		logger:      logger,
		armed:       true,
	}
}

// Disarm is called after the registry insertion commits.
func (g *ForkCreationGuard) Disarm() {
	g.armed = false
}

// Cleanup removes any partially created registry entry and filesystem
// artifact. No residue survives a failed creation.
func (g *ForkCreationGuard) Cleanup() {
	if !g.armed {
		return
	}
	recordGuardRollback("fork_creation")
	g.logger.Debug("guard rollback: undoing partial fork creation",
		"fork_id", g.forkID)

	g.registry.dropEntry(g.forkID)

	if err := os.Remove(g.workingPath); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("guard cleanup failed to remove working copy",
			"fork_id", g.forkID,
			"path", g.workingPath,
			"error", err)
	}
}

// CheckpointGuard removes an orphan snapshot file at scope end unless
// disarmed after the checkpoint record is durably registered.
type CheckpointGuard struct {
	snapshotPath string
	logger       *slog.Logger
	armed        bool
}

// NewCheckpointGuard arms a guard for a snapshot file being written.
func NewCheckpointGuard(snapshotPath string, logger *slog.Logger) *CheckpointGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointGuard{snapshotPath: snapshotPath, logger: logger, armed: true}
}

// Disarm is called after the checkpoint record commits.
func (g *CheckpointGuard) Disarm() {
	g.armed = false
}

// Cleanup deletes the orphan snapshot if still armed.
func (g *CheckpointGuard) Cleanup() {
	if !g.armed {
		return
	}
	recordGuardRollback("checkpoint")
	g.logger.Debug("guard rollback: removing orphan snapshot",
		"path", g.snapshotPath)
	if err := os.Remove(g.snapshotPath); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("guard cleanup failed to remove snapshot",
			"path", g.snapshotPath,
			"error", err)
	}
}
