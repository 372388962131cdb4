// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workbook

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config contains the engine's own knobs. Transport, CLI parsing, and
// document parsing live outside this module.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// ForkDir is where working copies are created.
	ForkDir string `json:"fork_dir" yaml:"fork_dir"`

	// CheckpointDir is where checkpoint snapshot files are written.
	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir"`

	// CheckpointDBDir is the BadgerDB directory for checkpoint
	// metadata. Ignored when a database handle is injected.
	CheckpointDBDir string `json:"checkpoint_db_dir" yaml:"checkpoint_db_dir"`

	// CacheCapacity bounds the workbook cache. Must be positive.
	CacheCapacity int `json:"cache_capacity" yaml:"cache_capacity"`

	// WatchWorkbooks enables the fsnotify watcher that evicts cached
	// workbooks when their source files change on disk.
	WatchWorkbooks bool `json:"watch_workbooks" yaml:"watch_workbooks"`
}

// DefaultConfig returns sensible defaults rooted under .ggen.
func DefaultConfig() Config {
	return Config{
		ForkDir:         ".ggen/forks",
		CheckpointDir:   ".ggen/checkpoints",
		CheckpointDBDir: ".ggen/checkpoint-db",
		CacheCapacity:   8,
		WatchWorkbooks:  false,
	}
}

// LoadConfig reads a YAML config file, applying defaults for unset
// fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
