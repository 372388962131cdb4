// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workbook exposes the in-process transaction engine consumed
// by tool handlers: fork lifecycle, versioned mutation, checkpointing,
// recalculation, and the bounded workbook cache.
//
// The package composes the fork registry, the workbook cache, and the
// checkpoint store behind a single Service handle. It never parses
// workbook content and never speaks a wire protocol; parsing,
// recalculation, and transport are injected collaborators.
package workbook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanchatmangpt/ggen-mcp-sub008/pkg/logging"
	"github.com/seanchatmangpt/ggen-mcp-sub008/services/workbook/cache"
	"github.com/seanchatmangpt/ggen-mcp-sub008/services/workbook/checkpoint"
	"github.com/seanchatmangpt/ggen-mcp-sub008/services/workbook/fork"
	"github.com/seanchatmangpt/ggen-mcp-sub008/services/workbook/storage/badger"
)

// Loader parses a workbook file into an opaque document handle.
// The engine stores the handle, never inspects it.
type Loader interface {
	Load(ctx context.Context, path string) (any, error)
}

// RecalcEngine recomputes formula results in place on a working copy.
// Invoked under the fork's recalc lock; assumed non-reentrant per file.
type RecalcEngine interface {
	Recalculate(ctx context.Context, workingPath string) error
}

// Deps are the external collaborators of the engine.
type Deps struct {
	// Loader parses workbooks for the cache. Required.
	Loader Loader

	// Resolver maps workbook ids and paths to source files. Required.
	Resolver cache.Resolver

	// Engine performs recalculation. Required for Recalculate.
	Engine RecalcEngine

	// DB is an opened BadgerDB for checkpoint metadata. When nil the
	// service opens one at Config.CheckpointDBDir and owns its
	// lifecycle.
	DB *badgerdb.DB

	// Logger receives structured events. Defaults to logging.Default().
	Logger *logging.Logger
}

// Service is the operation surface consumed by tool handlers.
//
// One Service instance is process-wide shared state with a lifecycle
// tied to server startup and shutdown; pass it by handle.
type Service struct {
	cfg      Config
	logger   *logging.Logger
	slogger  *slog.Logger
	registry *fork.Registry
	cache    *cache.WorkbookCache
	ckpts    *checkpoint.Store
	engine   RecalcEngine
	watcher  *cache.Watcher
	db       *badgerdb.DB
	ownsDB   bool
	tracer   trace.Tracer
}

// New wires the engine together.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Loader == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("workbook service requires a loader and a resolver")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	slogger := deps.Logger.Slog().With("service", "workbook")

	// Capacity defaulting happens in LoadConfig; a zero here is a
	// misconfiguration and fails in cache.New.
	wbCache, err := cache.New(deps.Loader.Load, deps.Resolver, slogger,
		cache.WithCapacity(cfg.CacheCapacity))
	if err != nil {
		return nil, err
	}

	registry, err := fork.NewRegistry(fork.RegistryConfig{
		ForkDir: cfg.ForkDir,
		Resolve: func(ctx context.Context, workbookID string) (string, error) {
			_, path, err := deps.Resolver.Resolve(ctx, workbookID)
			return path, err
		},
		Logger: slogger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = DefaultConfig().CheckpointDir
	}
	if err := os.MkdirAll(cfg.CheckpointDir, 0750); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory %s: %w", cfg.CheckpointDir, err)
	}

	db := deps.DB
	ownsDB := false
	if db == nil {
		dbCfg := badger.DefaultConfig()
		dbCfg.Path = cfg.CheckpointDBDir
		if dbCfg.Path == "" {
			dbCfg.Path = DefaultConfig().CheckpointDBDir
		}
		db, err = badger.Open(dbCfg)
		if err != nil {
			return nil, err
		}
		ownsDB = true
	}

	s := &Service{
		cfg:      cfg,
		logger:   deps.Logger,
		slogger:  slogger,
		registry: registry,
		cache:    wbCache,
		ckpts:    checkpoint.NewStore(db, slogger),
		engine:   deps.Engine,
		db:       db,
		ownsDB:   ownsDB,
		tracer:   otel.Tracer("ggen.workbook"),
	}

	if cfg.WatchWorkbooks {
		watcher, err := cache.NewWatcher(wbCache, slogger)
		if err != nil {
			if ownsDB {
				_ = db.Close()
			}
			return nil, err
		}
		s.watcher = watcher
	}

	return s, nil
}

// Close releases resources owned by the service. Safe to call once at
// shutdown.
func (s *Service) Close() error {
	var firstErr error
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			firstErr = err
		}
	}
	if s.ownsDB {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CreateFork creates an isolated working copy of a workbook and returns
// the new fork id.
func (s *Service) CreateFork(ctx context.Context, workbookID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "workbook.create_fork",
		trace.WithAttributes(attribute.String("workbook_id", workbookID)))
	defer span.End()

	forkID, err := s.registry.CreateFork(ctx, workbookID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if s.watcher != nil {
		if path, rerr := s.cache.ResolveWorkbookPath(ctx, workbookID); rerr == nil {
			if werr := s.watcher.Watch(path); werr != nil {
				s.slogger.Warn("failed to watch workbook source",
					"path", path,
					"error", werr)
			}
		}
	}

	return forkID, nil
}

// SaveFork promotes a fork's working copy over its source workbook and
// removes the fork. Terminal. The cached parse of the source workbook
// is evicted so the next open sees the promoted content.
func (s *Service) SaveFork(ctx context.Context, forkID string) error {
	ctx, span := s.tracer.Start(ctx, "workbook.save_fork",
		trace.WithAttributes(attribute.String("fork_id", forkID)))
	defer span.End()

	summary, err := s.registry.Fork(forkID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.registry.SaveFork(ctx, forkID); err != nil {
		span.RecordError(err)
		return err
	}

	s.pruneCheckpoints(forkID)

	if path, rerr := s.cache.ResolveWorkbookPath(ctx, summary.WorkbookID); rerr == nil {
		s.cache.EvictByPath(path)
	}

	return nil
}

// DiscardFork deletes a fork's working copy, registry entry, and
// checkpoints. Terminal. Discarding an unknown fork fails with
// fork.ErrForkNotFound.
func (s *Service) DiscardFork(ctx context.Context, forkID string) error {
	_, span := s.tracer.Start(ctx, "workbook.discard_fork",
		trace.WithAttributes(attribute.String("fork_id", forkID)))
	defer span.End()

	if err := s.registry.DeleteFork(forkID); err != nil {
		span.RecordError(err)
		return err
	}

	s.pruneCheckpoints(forkID)
	return nil
}

// CheckpointFork snapshots a fork's working copy and durably registers
// the checkpoint record. The snapshot file is guarded: a failure to
// register the record removes the orphan snapshot.
func (s *Service) CheckpointFork(ctx context.Context, forkID, label string) (checkpoint.Meta, error) {
	_, span := s.tracer.Start(ctx, "workbook.checkpoint_fork",
		trace.WithAttributes(attribute.String("fork_id", forkID)))
	defer span.End()

	summary, err := s.registry.Fork(forkID)
	if err != nil {
		span.RecordError(err)
		return checkpoint.Meta{}, err
	}

	checkpointID := "ckpt-" + uuid.NewString()
	snapshotPath := filepath.Join(s.cfg.CheckpointDir,
		forkID+"-"+checkpointID+filepath.Ext(summary.WorkingPath))

	guard := fork.NewCheckpointGuard(snapshotPath, s.slogger)
	defer guard.Cleanup()

	if err := fork.CopyFile(summary.WorkingPath, snapshotPath); err != nil {
		span.RecordError(err)
		return checkpoint.Meta{}, &fork.IoError{
			Op: "checkpoint_fork", ForkID: forkID, Path: snapshotPath, Err: err,
		}
	}

	meta := checkpoint.Meta{
		CheckpointID: checkpointID,
		ForkID:       forkID,
		Label:        label,
		Path:         snapshotPath,
		Version:      summary.Version,
		CreatedAt:    time.Now(),
	}
	if err := s.ckpts.Put(meta); err != nil {
		span.RecordError(err)
		return checkpoint.Meta{}, err
	}

	// Record committed; the snapshot is no longer an orphan.
	guard.Disarm()

	_ = s.registry.AppendCheckpoint(forkID, fork.CheckpointRef{
		CheckpointID: checkpointID,
		Label:        label,
		Path:         snapshotPath,
		Version:      summary.Version,
		CreatedAt:    meta.CreatedAt,
	})

	return meta, nil
}

// RestoreCheckpoint copies a checkpoint snapshot back over the working
// copy through the sanctioned versioned mutation path. Returns the new
// version.
func (s *Service) RestoreCheckpoint(ctx context.Context, forkID, checkpointID string, expectedVersion int64) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "workbook.restore_checkpoint",
		trace.WithAttributes(
			attribute.String("fork_id", forkID),
			attribute.String("checkpoint_id", checkpointID)))
	defer span.End()

	meta, err := s.ckpts.Get(forkID, checkpointID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	newVersion, err := fork.WithForkMutVersioned(ctx, s.registry, forkID, expectedVersion,
		func(fc *fork.ForkContext) (int64, error) {
			if err := fork.ReplaceFile(meta.Path, fc.WorkingPath, s.slogger); err != nil {
				return 0, &fork.IoError{
					Op: "restore_checkpoint", ForkID: forkID, Path: fc.WorkingPath, Err: err,
				}
			}
			return expectedVersion + 1, nil
		})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	return newVersion, nil
}

// ListCheckpoints returns the durable checkpoint records for a fork,
// oldest first.
func (s *Service) ListCheckpoints(forkID string) ([]checkpoint.Meta, error) {
	if _, err := s.registry.Fork(forkID); err != nil {
		return nil, err
	}
	return s.ckpts.ListByFork(forkID)
}

// Recalculate runs the external recalculation engine on a fork's
// working copy under that fork's stripe lock. Recalculation serializes
// within a fork and runs concurrently across forks.
func (s *Service) Recalculate(ctx context.Context, forkID string) error {
	ctx, span := s.tracer.Start(ctx, "workbook.recalculate",
		trace.WithAttributes(attribute.String("fork_id", forkID)))
	defer span.End()

	if s.engine == nil {
		return fmt.Errorf("recalculate: no recalc engine configured")
	}

	handle, err := s.registry.AcquireRecalcLock(forkID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() {
		if rerr := s.registry.ReleaseRecalcLock(forkID); rerr != nil {
			s.slogger.Error("recalc lock release failed",
				"fork_id", forkID,
				"error", rerr)
		}
	}()

	handle.Lock()
	defer handle.Unlock()

	path, err := s.registry.GetForkPath(forkID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.engine.Recalculate(ctx, path); err != nil {
		span.RecordError(err)
		return &fork.IoError{Op: "recalculate", ForkID: forkID, Path: path, Err: err}
	}
	return nil
}

// WithForkMutVersioned applies a versioned mutation to a fork's working
// copy. See fork.WithForkMutVersioned for the concurrency contract.
func WithForkMutVersioned[T any](ctx context.Context, s *Service, forkID string, expectedVersion int64, mutate func(workingPath string) (T, error)) (T, error) {
	return fork.WithForkMutVersioned(ctx, s.registry, forkID, expectedVersion,
		func(fc *fork.ForkContext) (T, error) {
			return mutate(fc.WorkingPath)
		})
}

// ListForks returns a snapshot of all live forks.
func (s *Service) ListForks() []fork.Summary {
	return s.registry.ListForks()
}

// GetForkPath returns a fork's working-copy location.
func (s *Service) GetForkPath(forkID string) (string, error) {
	return s.registry.GetForkPath(forkID)
}

// OpenWorkbook returns the cached parsed handle for a workbook.
// The release function must be called when done.
func (s *Service) OpenWorkbook(ctx context.Context, workbookID string) (*cache.Entry, func(), error) {
	return s.cache.OpenWorkbook(ctx, workbookID)
}

// EvictByPath invalidates the cached parse of the workbook at path.
func (s *Service) EvictByPath(path string) {
	s.cache.EvictByPath(path)
}

// ResolveWorkbookPath resolves a workbook id or path to its source file.
func (s *Service) ResolveWorkbookPath(ctx context.Context, idOrPath string) (string, error) {
	return s.cache.ResolveWorkbookPath(ctx, idOrPath)
}

// CacheStats returns a snapshot of cache health.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Registry exposes the fork registry for collaborators that need the
// lower-level surface (tests, tool handlers doing custom mutations).
func (s *Service) Registry() *fork.Registry {
	return s.registry
}

// pruneCheckpoints removes a terminal fork's checkpoint records and
// snapshot files. Best-effort: failures are logged, not surfaced, so
// cleanup never masks the primary operation's result.
func (s *Service) pruneCheckpoints(forkID string) {
	metas, err := s.ckpts.ListByFork(forkID)
	if err != nil {
		s.slogger.Warn("failed to list checkpoints for cleanup",
			"fork_id", forkID,
			"error", err)
		return
	}
	for _, meta := range metas {
		if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) {
			s.slogger.Warn("failed to remove checkpoint snapshot",
				"path", meta.Path,
				"error", err)
		}
	}
	if err := s.ckpts.DeleteByFork(forkID); err != nil {
		s.slogger.Warn("failed to delete checkpoint records",
			"fork_id", forkID,
			"error", err)
	}
}
