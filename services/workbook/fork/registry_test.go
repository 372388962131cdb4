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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// newTestRegistry builds a registry over a temp directory with one
// resolvable workbook "wb-1" whose source file contains "v1".
func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()

	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "model.xlsx")
	if err := os.WriteFile(sourcePath, []byte("v1"), 0600); err != nil {
		t.Fatalf("writing source workbook: %v", err)
	}

	sources := map[string]string{"wb-1": sourcePath}
	r, err := NewRegistry(RegistryConfig{
		ForkDir: filepath.Join(dir, "forks"),
		Resolve: func(_ context.Context, workbookID string) (string, error) {
			path, ok := sources[workbookID]
			if !ok {
				return "", fmt.Errorf("unknown workbook %s", workbookID)
			}
			return path, nil
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, "wb-1"
}

func TestNewRegistry(t *testing.T) {
	t.Run("requires a resolver", func(t *testing.T) {
		if _, err := NewRegistry(RegistryConfig{ForkDir: t.TempDir()}); err == nil {
			t.Error("NewRegistry accepted nil resolver")
		}
	})

	t.Run("creates the fork directory", func(t *testing.T) {
		forkDir := filepath.Join(t.TempDir(), "nested", "forks")
		_, err := NewRegistry(RegistryConfig{
			ForkDir: forkDir,
			Resolve: func(context.Context, string) (string, error) { return "", nil },
		})
		if err != nil {
			t.Fatalf("NewRegistry: %v", err)
		}
		if st, err := os.Stat(forkDir); err != nil || !st.IsDir() {
			t.Errorf("fork directory not created: %v", err)
		}
	})
}

func TestCreateFork(t *testing.T) {
	ctx := context.Background()

	t.Run("copies source and registers at version zero", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)

		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}

		sum, err := r.Fork(forkID)
		if err != nil {
			t.Fatalf("Fork: %v", err)
		}
		if sum.Version != 0 {
			t.Errorf("new fork version = %d, want 0", sum.Version)
		}
		if sum.WorkbookID != workbookID {
			t.Errorf("workbook id = %s, want %s", sum.WorkbookID, workbookID)
		}

		path, err := r.GetForkPath(forkID)
		if err != nil {
			t.Fatalf("GetForkPath: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading working copy: %v", err)
		}
		if string(data) != "v1" {
			t.Errorf("working copy = %q, want %q", data, "v1")
		}
	})

	t.Run("two forks of one workbook are independent", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)

		idA, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork A: %v", err)
		}
		idB, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork B: %v", err)
		}
		if idA == idB {
			t.Fatalf("both forks got id %s", idA)
		}

		pathA, _ := r.GetForkPath(idA)
		if err := os.WriteFile(pathA, []byte("edited"), 0600); err != nil {
			t.Fatalf("writing fork A: %v", err)
		}

		pathB, _ := r.GetForkPath(idB)
		data, err := os.ReadFile(pathB)
		if err != nil {
			t.Fatalf("reading fork B: %v", err)
		}
		if string(data) != "v1" {
			t.Errorf("fork B saw fork A's edit: %q", data)
		}
	})

	t.Run("unresolvable workbook leaves no residue", func(t *testing.T) {
		r, _ := newTestRegistry(t)

		if _, err := r.CreateFork(ctx, "no-such-workbook"); err == nil {
			t.Fatal("CreateFork succeeded for unknown workbook")
		}
		if n := len(r.ListForks()); n != 0 {
			t.Errorf("registry has %d forks after failed creation", n)
		}
	})

	t.Run("copy failure leaves no residue", func(t *testing.T) {
		dir := t.TempDir()
		r, err := NewRegistry(RegistryConfig{
			ForkDir: filepath.Join(dir, "forks"),
			Resolve: func(context.Context, string) (string, error) {
				return filepath.Join(dir, "missing.xlsx"), nil
			},
		})
		if err != nil {
			t.Fatalf("NewRegistry: %v", err)
		}

		_, err = r.CreateFork(ctx, "wb-1")
		var ioErr *IoError
		if !errors.As(err, &ioErr) {
			t.Fatalf("want IoError, got %v", err)
		}

		if n := len(r.ListForks()); n != 0 {
			t.Errorf("registry has %d forks after failed creation", n)
		}
		entries, err := os.ReadDir(filepath.Join(dir, "forks"))
		if err != nil {
			t.Fatalf("reading fork dir: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("fork dir has %d leftover files", len(entries))
		}
	})

	t.Run("insertion failure rolls back the working copy", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)

		// Force every allocation to the same id so the second create
		// collides at insert time, after the copy succeeded.
		r.newForkID = func() string { return "fork-fixed" }

		if _, err := r.CreateFork(ctx, workbookID); err != nil {
			t.Fatalf("first CreateFork: %v", err)
		}
		if _, err := r.CreateFork(ctx, workbookID); err == nil {
			t.Fatal("colliding CreateFork succeeded")
		}

		// The survivor is the first fork, its working copy intact.
		if n := len(r.ListForks()); n != 1 {
			t.Fatalf("registry has %d forks, want 1", n)
		}
		path, err := r.GetForkPath("fork-fixed")
		if err != nil {
			t.Fatalf("GetForkPath: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("surviving fork's working copy missing: %v", err)
		}
	})
}

func TestDeleteFork(t *testing.T) {
	ctx := context.Background()

	t.Run("removes entry, stripe, and file", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)

		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}
		path, _ := r.GetForkPath(forkID)

		handle, err := r.AcquireRecalcLock(forkID)
		if err != nil {
			t.Fatalf("AcquireRecalcLock: %v", err)
		}
		_ = handle
		if err := r.ReleaseRecalcLock(forkID); err != nil {
			t.Fatalf("ReleaseRecalcLock: %v", err)
		}

		if err := r.DeleteFork(forkID); err != nil {
			t.Fatalf("DeleteFork: %v", err)
		}

		if _, err := r.Fork(forkID); !errors.Is(err, ErrForkNotFound) {
			t.Errorf("Fork after delete = %v, want ErrForkNotFound", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("working copy survived delete: %v", err)
		}
		if n := r.RecalcLockCount(); n != 0 {
			t.Errorf("lock table has %d stripes after delete, want 0", n)
		}
	})

	t.Run("absent fork is an error", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		if err := r.DeleteFork("fork-ghost"); !errors.Is(err, ErrForkNotFound) {
			t.Errorf("DeleteFork = %v, want ErrForkNotFound", err)
		}
	})
}

func TestSaveFork(t *testing.T) {
	ctx := context.Background()

	t.Run("promotes working copy and retires the fork", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)

		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}
		path, _ := r.GetForkPath(forkID)
		if err := os.WriteFile(path, []byte("v2"), 0600); err != nil {
			t.Fatalf("writing working copy: %v", err)
		}

		if err := r.SaveFork(ctx, forkID); err != nil {
			t.Fatalf("SaveFork: %v", err)
		}

		sourcePath, err := r.resolve(ctx, workbookID)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		data, err := os.ReadFile(sourcePath)
		if err != nil {
			t.Fatalf("reading source: %v", err)
		}
		if string(data) != "v2" {
			t.Errorf("source = %q after save, want %q", data, "v2")
		}
		if _, err := r.Fork(forkID); !errors.Is(err, ErrForkNotFound) {
			t.Errorf("fork survived save: %v", err)
		}
	})

	t.Run("absent fork is an error", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		if err := r.SaveFork(ctx, "fork-ghost"); !errors.Is(err, ErrForkNotFound) {
			t.Errorf("SaveFork = %v, want ErrForkNotFound", err)
		}
	})

	t.Run("failed promotion leaves the source untouched", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)

		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}

		// Swap the working copy for a directory: Open succeeds, the
		// read fails mid-copy.
		workingPath, _ := r.GetForkPath(forkID)
		if err := os.Remove(workingPath); err != nil {
			t.Fatalf("removing working copy: %v", err)
		}
		if err := os.Mkdir(workingPath, 0750); err != nil {
			t.Fatalf("replacing working copy: %v", err)
		}

		if err := r.SaveFork(ctx, forkID); err == nil {
			t.Fatal("SaveFork succeeded with an unreadable working copy")
		}

		sourcePath, err := r.resolve(ctx, workbookID)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		data, err := os.ReadFile(sourcePath)
		if err != nil {
			t.Fatalf("reading source: %v", err)
		}
		if string(data) != "v1" {
			t.Errorf("failed save corrupted the source: got %q, want %q", data, "v1")
		}

		// The fork survives a failed save, and no temp file is left
		// next to the source.
		if _, err := r.Fork(forkID); err != nil {
			t.Errorf("fork gone after failed save: %v", err)
		}
		entries, err := os.ReadDir(filepath.Dir(sourcePath))
		if err != nil {
			t.Fatalf("reading source dir: %v", err)
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), "model.xlsx.tmp-") {
				t.Errorf("temp residue next to source: %s", entry.Name())
			}
		}
	})
}

func TestReplaceFile(t *testing.T) {
	t.Run("replaces destination content", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "src")
		dst := filepath.Join(dir, "dst")
		if err := os.WriteFile(src, []byte("new"), 0600); err != nil {
			t.Fatalf("writing src: %v", err)
		}
		if err := os.WriteFile(dst, []byte("old"), 0600); err != nil {
			t.Fatalf("writing dst: %v", err)
		}

		if err := ReplaceFile(src, dst, nil); err != nil {
			t.Fatalf("ReplaceFile: %v", err)
		}
		data, err := os.ReadFile(dst)
		if err != nil {
			t.Fatalf("reading dst: %v", err)
		}
		if string(data) != "new" {
			t.Errorf("dst = %q, want %q", data, "new")
		}
	})

	t.Run("failed copy leaves destination and no residue", func(t *testing.T) {
		dir := t.TempDir()
		dst := filepath.Join(dir, "dst")
		if err := os.WriteFile(dst, []byte("old"), 0600); err != nil {
			t.Fatalf("writing dst: %v", err)
		}

		if err := ReplaceFile(filepath.Join(dir, "missing"), dst, nil); err == nil {
			t.Fatal("ReplaceFile succeeded with a missing source")
		}

		data, err := os.ReadFile(dst)
		if err != nil {
			t.Fatalf("reading dst: %v", err)
		}
		if string(data) != "old" {
			t.Errorf("dst = %q after failed replace, want %q", data, "old")
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("reading dir: %v", err)
		}
		if len(entries) != 1 {
			t.Errorf("dir has %d entries after failed replace, want 1", len(entries))
		}
	})
}

func TestListForks(t *testing.T) {
	ctx := context.Background()
	r, workbookID := newTestRegistry(t)

	if got := r.ListForks(); len(got) != 0 {
		t.Fatalf("empty registry listed %d forks", len(got))
	}

	want := make(map[string]bool)
	for i := 0; i < 3; i++ {
		id, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}
		want[id] = true
	}

	got := r.ListForks()
	if len(got) != 3 {
		t.Fatalf("ListForks returned %d entries, want 3", len(got))
	}
	for _, sum := range got {
		if !want[sum.ForkID] {
			t.Errorf("unexpected fork %s in listing", sum.ForkID)
		}
	}
}

func TestWithForkMutVersioned(t *testing.T) {
	ctx := context.Background()

	t.Run("matching version runs mutator and bumps version", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)
		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}

		got, err := WithForkMutVersioned(ctx, r, forkID, 0, func(fc *ForkContext) (string, error) {
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("WithForkMutVersioned: %v", err)
		}
		if got != "ok" {
			t.Errorf("result = %q, want %q", got, "ok")
		}

		sum, _ := r.Fork(forkID)
		if sum.Version != 1 {
			t.Errorf("version = %d after mutation, want 1", sum.Version)
		}
	})

	t.Run("stale version never invokes the mutator", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)
		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}

		for _, expected := range []int64{-1, 1, 7} {
			invoked := false
			_, err := WithForkMutVersioned(ctx, r, forkID, expected, func(fc *ForkContext) (struct{}, error) {
				invoked = true
				return struct{}{}, nil
			})
			if !IsVersionConflict(err) {
				t.Errorf("expected=%d: err = %v, want VersionConflictError", expected, err)
			}
			if invoked {
				t.Errorf("expected=%d: mutator ran on stale version", expected)
			}
		}

		sum, _ := r.Fork(forkID)
		if sum.Version != 0 {
			t.Errorf("version = %d after rejected mutations, want 0", sum.Version)
		}
	})

	t.Run("mutator failure leaves version unchanged", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)
		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}

		boom := errors.New("mutation failed")
		_, err = WithForkMutVersioned(ctx, r, forkID, 0, func(fc *ForkContext) (struct{}, error) {
			return struct{}{}, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want the mutator's error", err)
		}

		sum, _ := r.Fork(forkID)
		if sum.Version != 0 {
			t.Errorf("version = %d after failed mutation, want 0", sum.Version)
		}
	})

	t.Run("cancelled context short-circuits", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)
		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err = WithForkMutVersioned(cancelled, r, forkID, 0, func(fc *ForkContext) (struct{}, error) {
			t.Error("mutator ran despite cancelled context")
			return struct{}{}, nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})

	t.Run("racing mutations at the same version: exactly one wins", func(t *testing.T) {
		r, workbookID := newTestRegistry(t)
		forkID, err := r.CreateFork(ctx, workbookID)
		if err != nil {
			t.Fatalf("CreateFork: %v", err)
		}

		// Both racers validate at version 0, then block on the barrier
		// so neither can commit before the other has passed validation.
		barrier := make(chan struct{})
		results := make(chan error, 2)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := WithForkMutVersioned(ctx, r, forkID, 0, func(fc *ForkContext) (struct{}, error) {
					<-barrier
					return struct{}{}, nil
				})
				results <- err
			}()
		}
		close(barrier)
		wg.Wait()
		close(results)

		var wins, conflicts int
		for err := range results {
			switch {
			case err == nil:
				wins++
			case IsVersionConflict(err):
				conflicts++
				var vc *VersionConflictError
				errors.As(err, &vc)
				if vc.Current != 1 {
					t.Errorf("loser saw current=%d, want 1", vc.Current)
				}
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 || conflicts != 1 {
			t.Errorf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
		}

		sum, _ := r.Fork(forkID)
		if sum.Version != 1 {
			t.Errorf("version = %d after race, want 1", sum.Version)
		}
	})

	t.Run("absent fork is an error", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		_, err := WithForkMutVersioned(ctx, r, "fork-ghost", 0, func(fc *ForkContext) (struct{}, error) {
			return struct{}{}, nil
		})
		if !errors.Is(err, ErrForkNotFound) {
			t.Errorf("err = %v, want ErrForkNotFound", err)
		}
	})
}

func TestCheckpointRefs(t *testing.T) {
	ctx := context.Background()
	r, workbookID := newTestRegistry(t)

	forkID, err := r.CreateFork(ctx, workbookID)
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}

	if err := r.AppendCheckpoint(forkID, CheckpointRef{CheckpointID: "ckpt-1", Label: "baseline"}); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}

	refs, err := r.Checkpoints(forkID)
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(refs) != 1 || refs[0].CheckpointID != "ckpt-1" {
		t.Errorf("Checkpoints = %+v, want one ckpt-1 ref", refs)
	}

	if err := r.AppendCheckpoint("fork-ghost", CheckpointRef{}); !errors.Is(err, ErrForkNotFound) {
		t.Errorf("AppendCheckpoint on ghost = %v, want ErrForkNotFound", err)
	}
}
