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
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestTempFileGuard(t *testing.T) {
	t.Run("armed guard removes file", func(t *testing.T) {
		path := writeTempFile(t, "scratch.xlsx", "data")

		g := NewTempFileGuard(path, nil)
		g.Cleanup()

		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("file still exists after cleanup: %v", err)
		}
	})

	t.Run("disarmed guard leaves file", func(t *testing.T) {
		path := writeTempFile(t, "scratch.xlsx", "data")

		g := NewTempFileGuard(path, nil)
		g.Disarm()
		g.Cleanup()

		if _, err := os.Stat(path); err != nil {
			t.Errorf("file missing after disarmed cleanup: %v", err)
		}
	})

	t.Run("cleanup tolerates missing file", func(t *testing.T) {
		g := NewTempFileGuard(filepath.Join(t.TempDir(), "never-written"), nil)
		g.Cleanup() // must not panic
	})
}

func TestCheckpointGuard(t *testing.T) {
	t.Run("armed guard removes orphan snapshot", func(t *testing.T) {
		path := writeTempFile(t, "ckpt-1.xlsx", "snapshot")

		g := NewCheckpointGuard(path, nil)
		g.Cleanup()

		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("snapshot still exists after cleanup: %v", err)
		}
	})

	t.Run("disarmed guard keeps snapshot", func(t *testing.T) {
		path := writeTempFile(t, "ckpt-1.xlsx", "snapshot")

		g := NewCheckpointGuard(path, nil)
		g.Disarm()
		g.Cleanup()

		if _, err := os.Stat(path); err != nil {
			t.Errorf("snapshot missing after disarmed cleanup: %v", err)
		}
	})
}

func TestForkCreationGuard(t *testing.T) {
	t.Run("armed guard drops entry and working copy", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)
		ctx := context.Background()

		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}
		workingPath, err := r.GetForkPath(forkID)
		if err != nil {
			t.Fatalf("GetForkPath: %v", err)
		}

		g := NewForkCreationGuard(r, forkID, workingPath, nil)
		g.Cleanup()

		if _, err := r.Fork(forkID); err == nil {
			t.Error("registry entry survived guard cleanup")
		}
		if _, err := os.Stat(workingPath); !os.IsNotExist(err) {
			t.Errorf("working copy survived guard cleanup: %v", err)
		}
	})

	t.Run("disarmed guard is a no-op", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)
		ctx := context.Background()

		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}
		workingPath, err := r.GetForkPath(forkID)
		if err != nil {
			t.Fatalf("GetForkPath: %v", err)
		}

		g := NewForkCreationGuard(r, forkID, workingPath, nil)
		g.Disarm()
		g.Cleanup()

		if _, err := r.Fork(forkID); err != nil {
			t.Errorf("registry entry gone after disarmed cleanup: %v", err)
		}
		if _, err := os.Stat(workingPath); err != nil {
			t.Errorf("working copy gone after disarmed cleanup: %v", err)
		}
	})
}
