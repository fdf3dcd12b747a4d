/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package storage is the partition I/O boundary. Real drivers (local FS, S3,
// GCS, Azure) live outside this repository; lifecycle and ingestion code
// depends on Adapter only, and the embedded runtime uses MemoryAdapter.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

// WriteRequest describes one partition file to produce. Exactly one source
// is used: inline Rows for ingestion, SourceFiles for compaction unions.
type WriteRequest struct {
	DatasetSlug  string            `json:"datasetSlug"`
	PartitionID  string            `json:"partitionId"`
	PartitionKey map[string]string `json:"partitionKey,omitempty"`
	TableName    string            `json:"tableName"`
	FileFormat   string            `json:"fileFormat"`
	Schema       []model.SchemaField `json:"schema,omitempty"`
	Rows         []json.RawMessage `json:"rows,omitempty"`
	SourceFiles  []string          `json:"sourceFiles,omitempty"`
	RowCountHint *int64            `json:"rowCountHint,omitempty"`
}

// WriteResult reports where the partition landed and what it contains.
type WriteResult struct {
	RelativePath  string `json:"relativePath"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
	RowCount      int64  `json:"rowCount"`
	Checksum      string `json:"checksum"`
}

// Adapter writes partition files. Output paths are deterministic per
// partition id so retried writes land on the same object.
type Adapter interface {
	WritePartition(ctx context.Context, req WriteRequest) (WriteResult, error)
	// PartitionExists reports whether a previously written partition is
	// still present, letting compaction skip groups with missing sources.
	PartitionExists(ctx context.Context, relativePath string) (bool, error)
}

// RelativePath is the canonical layout for partition files.
func RelativePath(datasetSlug, partitionID, fileFormat string) string {
	ext := "duckdb"
	if fileFormat == model.WriteFormatParquet {
		ext = "parquet"
	}
	return path.Join(datasetSlug, partitionID+"."+ext)
}

// ResolvePartitionLocation maps a partition to the stable URI the query
// engine reads. Target config documents are opaque JSON; only the keys each
// kind needs are consulted.
func ResolvePartitionLocation(partition *model.Partition, target *model.StorageTarget) string {
	cfg := func(key string) string {
		if len(target.Config) == 0 {
			return ""
		}
		return gjson.GetBytes(target.Config, key).String()
	}
	file := partition.FilePath
	if prefix := cfg("prefix"); prefix != "" {
		file = path.Join(prefix, file)
	}
	switch target.Kind {
	case "s3":
		return fmt.Sprintf("s3://%s/%s", cfg("bucket"), file)
	case "gcs":
		return fmt.Sprintf("gs://%s/%s", cfg("bucket"), file)
	case "azure":
		return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", cfg("account"), cfg("container"), file)
	default:
		root := cfg("root_path")
		if root == "" {
			root = config.GetStorageRootPath()
		}
		return "file://" + path.Join(root, file)
	}
}

type memoryObject struct {
	rows     []json.RawMessage
	size     int64
	checksum string
}

// MemoryAdapter is a deterministic in-process adapter backing the embedded
// runtime and tests. Written partitions are retained so later compaction
// unions can read them back.
type MemoryAdapter struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{objects: make(map[string]*memoryObject)}
}

// WritePartition materializes the request into the in-memory object map.
// Source files must all exist; a missing one fails with storage-io naming
// the path.
func (a *MemoryAdapter) WritePartition(_ context.Context, req WriteRequest) (WriteResult, error) {
	if req.DatasetSlug == "" || req.PartitionID == "" {
		return WriteResult{}, errors.NewBadRequest("datasetSlug and partitionId are required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	rows := append([]json.RawMessage(nil), req.Rows...)
	for _, src := range req.SourceFiles {
		obj, ok := a.objects[src]
		if !ok {
			return WriteResult{}, errors.NewStorageIO(fmt.Sprintf("source partition missing: %s", src))
		}
		rows = append(rows, obj.rows...)
	}

	relative := RelativePath(req.DatasetSlug, req.PartitionID, req.FileFormat)
	obj := &memoryObject{
		rows:     rows,
		size:     sizeOf(rows),
		checksum: checksumOf(req.TableName, rows),
	}
	a.objects[relative] = obj
	return WriteResult{
		RelativePath:  relative,
		FileSizeBytes: obj.size,
		RowCount:      int64(len(rows)),
		Checksum:      obj.checksum,
	}, nil
}

// PartitionExists reports whether the object was written and not dropped.
func (a *MemoryAdapter) PartitionExists(_ context.Context, relativePath string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.objects[relativePath]
	return ok, nil
}

// Drop removes an object, simulating external deletion in tests.
func (a *MemoryAdapter) Drop(relativePath string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, relativePath)
}

// RowCount returns how many rows an object holds, -1 when absent.
func (a *MemoryAdapter) RowCount(relativePath string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[relativePath]
	if !ok {
		return -1
	}
	return int64(len(obj.rows))
}

func sizeOf(rows []json.RawMessage) int64 {
	var total int64
	for _, row := range rows {
		total += int64(len(row))
	}
	return total
}

func checksumOf(tableName string, rows []json.RawMessage) string {
	parts := make([]string, 0, len(rows)+1)
	parts = append(parts, tableName)
	for _, row := range rows {
		parts = append(parts, string(row))
	}
	sort.Strings(parts[1:])
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

var _ Adapter = (*MemoryAdapter)(nil)
