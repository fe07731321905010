// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB key prefixes for discovery snapshots.
const (
	keyPrefixSnap      = "packer:snap:"
	keyPrefixSnapIndex = "packer:snap:index:"
	keySuffixData      = ":data"
	keySuffixMeta      = ":meta"
	keySuffixLatest    = ":latest"
)

// SnapshotMetadata describes a saved discovery snapshot.
type SnapshotMetadata struct {
	// SnapshotID uniquely identifies this snapshot.
	SnapshotID string `json:"snapshot_id"`

	// Target is the entry URL the discovery run started from.
	Target string `json:"target"`

	// TargetHash is SHA256(Target)[:16], used for key grouping.
	TargetHash string `json:"target_hash"`

	// GraphHash is the deterministic structural hash of the graph.
	GraphHash string `json:"graph_hash"`

	// RunTag is the tag of the run that produced the snapshot.
	RunTag string `json:"run_tag,omitempty"`

	// CreatedAtMilli is when the snapshot was saved (Unix milliseconds UTC).
	CreatedAtMilli int64 `json:"created_at_milli"`

	// NodeCount is the number of discovered resources.
	NodeCount int `json:"node_count"`

	// EdgeCount is the number of provenance edges.
	EdgeCount int `json:"edge_count"`

	// SchemaVersion is the serialization schema version.
	SchemaVersion string `json:"schema_version"`

	// CompressedSize is the gzip-compressed payload size in bytes.
	CompressedSize int64 `json:"compressed_size"`

	// ContentHash is the SHA256 of the compressed payload.
	ContentHash string `json:"content_hash"`
}

// SnapshotManager persists discovery results in BadgerDB.
//
// Description:
//
//	Stores each run's ModuleGraph as gzip-compressed JSON with metadata
//	for listing and a "latest" pointer per target. Only finished output
//	artifacts are persisted; live run state (queues, visited sets) never
//	touches the store.
//
// Thread Safety:
//
//	Safe for concurrent use. BadgerDB handles its own concurrency control.
type SnapshotManager struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewSnapshotManager creates a SnapshotManager.
//
// Inputs:
//
//	db     - An opened BadgerDB instance. Must not be nil. The caller owns
//	         its lifecycle.
//	logger - Logger for diagnostics. Must not be nil.
func NewSnapshotManager(db *badger.DB, logger *slog.Logger) (*SnapshotManager, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &SnapshotManager{db: db, logger: logger}, nil
}

// Save persists one run's graph.
//
// Key Schema:
//
//	packer:snap:{targetHash}:{snapshotID}:data → gzip(JSON(SerializableGraph))
//	packer:snap:{targetHash}:{snapshotID}:meta → JSON(SnapshotMetadata)
//	packer:snap:{targetHash}:latest            → snapshotID
//	packer:snap:index:{snapshotID}             → targetHash
func (m *SnapshotManager) Save(ctx context.Context, g *ModuleGraph, target, runTag string) (*SnapshotMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if g == nil {
		return nil, fmt.Errorf("graph must not be nil")
	}
	if target == "" {
		return nil, fmt.Errorf("target must not be empty")
	}

	sg := g.ToSerializable()
	jsonData, err := json.Marshal(sg)
	if err != nil {
		return nil, fmt.Errorf("marshaling graph: %w", err)
	}

	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(jsonData); err != nil {
		return nil, fmt.Errorf("compressing graph: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	compressedData := compressed.Bytes()

	now := time.Now().UnixMilli()
	targetHash := hashString(target)[:16]
	snapshotID := hashString(fmt.Sprintf("%s:%d", target, now))[:16]

	meta := &SnapshotMetadata{
		SnapshotID:     snapshotID,
		Target:         target,
		TargetHash:     targetHash,
		GraphHash:      sg.GraphHash,
		RunTag:         runTag,
		CreatedAtMilli: now,
		NodeCount:      g.NodeCount(),
		EdgeCount:      g.EdgeCount(),
		SchemaVersion:  GraphSchemaVersion,
		CompressedSize: int64(len(compressedData)),
		ContentHash:    hashBytes(compressedData),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	dataKey := keyPrefixSnap + targetHash + ":" + snapshotID + keySuffixData
	metaKey := keyPrefixSnap + targetHash + ":" + snapshotID + keySuffixMeta
	latestKey := keyPrefixSnap + targetHash + keySuffixLatest
	indexKey := keyPrefixSnapIndex + snapshotID

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dataKey), compressedData); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.Set([]byte(metaKey), metaJSON); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		if err := txn.Set([]byte(latestKey), []byte(snapshotID)); err != nil {
			return fmt.Errorf("updating latest pointer: %w", err)
		}
		if err := txn.Set([]byte(indexKey), []byte(targetHash)); err != nil {
			return fmt.Errorf("storing reverse index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing snapshot to badger: %w", err)
	}

	m.logger.Info("discovery snapshot saved",
		slog.String("snapshot_id", snapshotID),
		slog.String("target", target),
		slog.Int("node_count", meta.NodeCount),
		slog.Int("edge_count", meta.EdgeCount),
		slog.Int64("compressed_size", meta.CompressedSize),
	)
	return meta, nil
}

// Load retrieves a snapshot by its ID.
func (m *SnapshotManager) Load(ctx context.Context, snapshotID string) (*ModuleGraph, *SnapshotMetadata, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx must not be nil")
	}
	if snapshotID == "" {
		return nil, nil, fmt.Errorf("snapshot ID must not be empty")
	}
	targetHash, err := m.getTargetHash(snapshotID)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up snapshot %s: %w", snapshotID, err)
	}
	return m.loadByKeys(targetHash, snapshotID)
}

// LoadLatest loads the most recent snapshot for a target.
//
// Inputs:
//
//	targetHash - SHA256(target)[:16]; see TargetHash.
func (m *SnapshotManager) LoadLatest(ctx context.Context, targetHash string) (*ModuleGraph, *SnapshotMetadata, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx must not be nil")
	}
	if targetHash == "" {
		return nil, nil, fmt.Errorf("target hash must not be empty")
	}

	latestKey := keyPrefixSnap + targetHash + keySuffixLatest
	var snapshotID string
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			snapshotID = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reading latest pointer for %s: %w", targetHash, err)
	}
	return m.loadByKeys(targetHash, snapshotID)
}

// List returns snapshot metadata, newest first, optionally filtered by target.
func (m *SnapshotManager) List(ctx context.Context, targetHash string, limit int) ([]*SnapshotMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if limit <= 0 {
		limit = 100
	}

	prefix := keyPrefixSnap
	if targetHash != "" {
		prefix = keyPrefixSnap + targetHash + ":"
	}

	var results []*SnapshotMetadata
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !isMetaKey(key) {
				continue
			}
			var meta SnapshotMetadata
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				m.logger.Warn("skipping corrupt snapshot metadata", slog.String("key", key), slog.Any("error", err))
				continue
			}
			results = append(results, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAtMilli > results[j].CreatedAtMilli
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes a snapshot and its index entries.
func (m *SnapshotManager) Delete(ctx context.Context, snapshotID string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if snapshotID == "" {
		return fmt.Errorf("snapshot ID must not be empty")
	}
	targetHash, err := m.getTargetHash(snapshotID)
	if err != nil {
		return fmt.Errorf("looking up snapshot %s: %w", snapshotID, err)
	}

	dataKey := keyPrefixSnap + targetHash + ":" + snapshotID + keySuffixData
	metaKey := keyPrefixSnap + targetHash + ":" + snapshotID + keySuffixMeta
	latestKey := keyPrefixSnap + targetHash + keySuffixLatest
	indexKey := keyPrefixSnapIndex + snapshotID

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(dataKey)); err != nil && err != badger.ErrKeyNotFound {
			return fmt.Errorf("deleting data: %w", err)
		}
		if err := txn.Delete([]byte(metaKey)); err != nil && err != badger.ErrKeyNotFound {
			return fmt.Errorf("deleting metadata: %w", err)
		}
		if err := txn.Delete([]byte(indexKey)); err != nil && err != badger.ErrKeyNotFound {
			return fmt.Errorf("deleting reverse index: %w", err)
		}

		item, err := txn.Get([]byte(latestKey))
		if err == nil {
			var currentLatest string
			_ = item.Value(func(val []byte) error {
				currentLatest = string(val)
				return nil
			})
			if currentLatest == snapshotID {
				if err := txn.Delete([]byte(latestKey)); err != nil && err != badger.ErrKeyNotFound {
					return fmt.Errorf("deleting latest pointer: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", snapshotID, err)
	}

	m.logger.Info("discovery snapshot deleted", slog.String("snapshot_id", snapshotID))
	return nil
}

// loadByKeys loads a graph using known targetHash and snapshotID.
func (m *SnapshotManager) loadByKeys(targetHash, snapshotID string) (*ModuleGraph, *SnapshotMetadata, error) {
	dataKey := keyPrefixSnap + targetHash + ":" + snapshotID + keySuffixData
	metaKey := keyPrefixSnap + targetHash + ":" + snapshotID + keySuffixMeta

	var compressedData, metaJSON []byte
	err := m.db.View(func(txn *badger.Txn) error {
		dataItem, err := txn.Get([]byte(dataKey))
		if err != nil {
			return fmt.Errorf("reading data for %s: %w", snapshotID, err)
		}
		compressedData, err = dataItem.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copying data for %s: %w", snapshotID, err)
		}

		metaItem, err := txn.Get([]byte(metaKey))
		if err != nil {
			return fmt.Errorf("reading metadata for %s: %w", snapshotID, err)
		}
		metaJSON, err = metaItem.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copying metadata for %s: %w", snapshotID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var meta SnapshotMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling metadata for %s: %w", snapshotID, err)
	}
	if meta.ContentHash != "" && meta.ContentHash != hashBytes(compressedData) {
		return nil, nil, fmt.Errorf("integrity check failed for %s", snapshotID)
	}

	gr, err := gzip.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing snapshot %s: %w", snapshotID, err)
	}
	defer gr.Close()

	jsonData, err := io.ReadAll(gr)
	if err != nil {
		return nil, nil, fmt.Errorf("reading decompressed data for %s: %w", snapshotID, err)
	}

	var sg SerializableGraph
	if err := json.Unmarshal(jsonData, &sg); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling graph for %s: %w", snapshotID, err)
	}
	g, err := FromSerializable(&sg)
	if err != nil {
		return nil, nil, fmt.Errorf("reconstructing graph for %s: %w", snapshotID, err)
	}
	return g, &meta, nil
}

// getTargetHash resolves a snapshot ID to its target hash via the index.
func (m *SnapshotManager) getTargetHash(snapshotID string) (string, error) {
	indexKey := keyPrefixSnapIndex + snapshotID
	var targetHash string
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(indexKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			targetHash = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return targetHash, nil
}

// TargetHash returns SHA256(target)[:16] for use as a key prefix.
func TargetHash(target string) string {
	return hashString(target)[:16]
}

// hashString returns the hex-encoded SHA256 hash of a string.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// hashBytes returns the hex-encoded SHA256 hash of a byte slice.
func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// isMetaKey reports whether a key ends with the metadata suffix.
func isMetaKey(key string) bool {
	return len(key) > len(keySuffixMeta) && key[len(key)-len(keySuffixMeta):] == keySuffixMeta
}
