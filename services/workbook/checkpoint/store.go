// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists checkpoint metadata in an embedded
// BadgerDB so checkpoint records survive process restarts.
//
// Records are keyed by "ckpt/<fork_id>/<checkpoint_id>" which makes
// per-fork listing a prefix scan.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces checkpoint records inside the shared database.
const keyPrefix = "ckpt/"

// Meta is one durable checkpoint record.
type Meta struct {
	// CheckpointID is the unique checkpoint identifier.
	CheckpointID string `json:"checkpoint_id"`

	// ForkID is the fork the checkpoint was taken on.
	ForkID string `json:"fork_id"`

	// Label is the caller-supplied human-readable label.
	Label string `json:"label"`

	// Path is the snapshot file location.
	Path string `json:"path"`

	// Version is the fork version at checkpoint time.
	Version int64 `json:"version"`

	// CreatedAt is when the checkpoint was taken.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists checkpoint metadata.
//
// Thread Safety:
//
//	Safe for concurrent use; BadgerDB transactions provide isolation.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewStore creates a store over an opened database. The store does not
// own the database; the caller closes it.
func NewStore(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Put durably registers a checkpoint record. The caller's
// CheckpointGuard is disarmed only after Put returns nil.
func (s *Store) Put(meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", meta.CheckpointID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(meta.ForkID, meta.CheckpointID), data)
	})
	if err != nil {
		return fmt.Errorf("store checkpoint %s: %w", meta.CheckpointID, err)
	}

	s.logger.Debug("checkpoint registered",
		"checkpoint_id", meta.CheckpointID,
		"fork_id", meta.ForkID,
		"label", meta.Label)

	return nil
}

// Get returns one checkpoint record, or badger.ErrKeyNotFound.
func (s *Store) Get(forkID, checkpointID string) (Meta, error) {
	var meta Meta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(forkID, checkpointID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return Meta{}, fmt.Errorf("load checkpoint %s: %w", checkpointID, err)
	}
	return meta, nil
}

// ListByFork returns all checkpoint records for a fork, oldest first.
func (s *Store) ListByFork(forkID string) ([]Meta, error) {
	var out []Meta

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(keyPrefix + forkID + "/")
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta Meta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return err
			}
			out = append(out, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for fork %s: %w", forkID, err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteByFork removes all checkpoint records for a fork. Called when a
// fork reaches a terminal state.
func (s *Store) DeleteByFork(forkID string) error {
	metas, err := s.ListByFork(forkID)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, meta := range metas {
			if err := txn.Delete(key(forkID, meta.CheckpointID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoints for fork %s: %w", forkID, err)
	}
	return nil
}

// key builds the record key for a checkpoint.
func key(forkID, checkpointID string) []byte {
	return []byte(keyPrefix + forkID + "/" + checkpointID)
}
