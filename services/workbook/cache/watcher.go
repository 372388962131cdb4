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
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher evicts cached workbooks when their source files change on
// disk, so a stale parse is never served after an out-of-band write.
//
// Thread Safety:
//
//	Safe for concurrent use. Watch/Unwatch may be called from any
//	goroutine; eviction runs on the watcher's own goroutine.
type Watcher struct {
	cache   *WorkbookCache
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher creates a watcher bound to a cache and starts its event
// loop. Close must be called on shutdown.
func NewWatcher(c *WorkbookCache, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		cache:   c,
		watcher: fsw,
		logger:  logger,
	}
	go w.watchLoop()

	return w, nil
}

// Watch starts watching a workbook source file.
func (w *Watcher) Watch(path string) error {
	if err := w.watcher.Add(filepath.Clean(path)); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	return nil
}

// Unwatch stops watching a file. Errors for files that were never
// watched are ignored.
func (w *Watcher) Unwatch(path string) {
	if err := w.watcher.Remove(filepath.Clean(path)); err != nil {
		w.logger.Debug("file was not being watched",
			"path", path)
	}
}

// Close stops the event loop.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// watchLoop maps file events to cache evictions.
func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error",
				"error", err)
		}
	}
}

// handleEvent evicts on writes, deletes, and renames. Eviction of an
// entry that is already gone is a no-op.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.logger.Debug("external change on workbook source",
		"path", event.Name,
		"op", event.Op.String())

	w.cache.EvictByPath(event.Name)
}
