/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Dataset statuses.
const (
	DatasetStatusActive   = "active"
	DatasetStatusInactive = "inactive"
)

// Partition write formats.
const (
	WriteFormatDuckDB  = "duckdb"
	WriteFormatParquet = "parquet"
)

// Manifest statuses.
const (
	ManifestStatusDraft      = "draft"
	ManifestStatusPublished  = "published"
	ManifestStatusSuperseded = "superseded"
)

// Schema field types.
const (
	FieldTypeTimestamp = "timestamp"
	FieldTypeString    = "string"
	FieldTypeDouble    = "double"
	FieldTypeInteger   = "integer"
	FieldTypeBoolean   = "boolean"
)

// StorageTarget names a place partitions live. Drivers are external; the
// platform only stores the kind and an opaque config document.
type StorageTarget struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Dataset is the catalog root for one logical time-series table.
type Dataset struct {
	ID                     string          `json:"id"`
	Slug                   string          `json:"slug"`
	Name                   string          `json:"name"`
	Status                 string          `json:"status"`
	WriteFormat            string          `json:"writeFormat"`
	DefaultStorageTargetID string          `json:"defaultStorageTargetId,omitempty"`
	Metadata               json.RawMessage `json:"metadata,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// SchemaField is one column of a dataset schema version.
type SchemaField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SchemaVersion pins the field layout partitions were written with. Versions
// are integers allocated per dataset; an identical checksum reuses its row.
type SchemaVersion struct {
	ID        string        `json:"id"`
	DatasetID string        `json:"datasetId"`
	Version   int           `json:"version"`
	Checksum  string        `json:"checksum,omitempty"`
	Fields    []SchemaField `json:"fields"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Manifest is an immutable catalog row pointing at a set of partitions.
// Publishing a child with a published parent supersedes the parent
// atomically; version is strictly increasing per dataset.
type Manifest struct {
	ID               string          `json:"id"`
	DatasetID        string          `json:"datasetId"`
	Version          int64           `json:"version"`
	Status           string          `json:"status"`
	SchemaVersionID  string          `json:"schemaVersionId,omitempty"`
	ParentManifestID string          `json:"parentManifestId,omitempty"`
	ManifestShard    string          `json:"manifestShard"`
	Summary          json.RawMessage `json:"summary,omitempty"`
	Statistics       json.RawMessage `json:"statistics,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	PartitionCount   int             `json:"partitionCount"`
	TotalRows        int64           `json:"totalRows"`
	TotalBytes       int64           `json:"totalBytes"`
	PublishedAt      *time.Time      `json:"publishedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Partition is a physical data file with a half-open time range
// [StartTime, EndTime) owned by exactly one manifest.
type Partition struct {
	ID              string            `json:"id"`
	DatasetID       string            `json:"datasetId"`
	ManifestID      string            `json:"manifestId"`
	IngestionBatch  string            `json:"ingestionBatch,omitempty"`
	PartitionKey    map[string]string `json:"partitionKey,omitempty"`
	StorageTargetID string            `json:"storageTargetId"`
	FileFormat      string            `json:"fileFormat"`
	FilePath        string            `json:"filePath"`
	FileSizeBytes   *int64            `json:"fileSizeBytes,omitempty"`
	RowCount        *int64            `json:"rowCount,omitempty"`
	StartTime       time.Time         `json:"startTime"`
	EndTime         time.Time         `json:"endTime"`
	Checksum        string            `json:"checksum,omitempty"`
	Metadata        json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// TableName extracts metadata.tableName, the grouping key compaction uses.
func (p *Partition) TableName() string {
	if len(p.Metadata) == 0 {
		return ""
	}
	return gjson.GetBytes(p.Metadata, "tableName").String()
}

// SizeBytes returns the file size, zero when unknown.
func (p *Partition) SizeBytes() int64 {
	if p.FileSizeBytes == nil {
		return 0
	}
	return *p.FileSizeBytes
}

// Rows returns the row count, zero when unknown.
func (p *Partition) Rows() int64 {
	if p.RowCount == nil {
		return 0
	}
	return *p.RowCount
}

// ManifestWithPartitions pairs a manifest with its partition rows, the unit
// returned by manifest reads and replace operations.
type ManifestWithPartitions struct {
	Manifest   Manifest    `json:"manifest"`
	Partitions []Partition `json:"partitions"`
}

// PartitionWithTarget joins a partition with its storage target for query
// planning.
type PartitionWithTarget struct {
	Partition     Partition     `json:"partition"`
	StorageTarget StorageTarget `json:"storageTarget"`
}

// RetentionRule configures what retention removes from a dataset.
type RetentionRule struct {
	MaxAgeHours   *int   `json:"maxAgeHours,omitempty"`
	MaxTotalBytes *int64 `json:"maxTotalBytes,omitempty"`
}

// RetentionPolicy is the per-dataset retention configuration.
type RetentionPolicy struct {
	ID        string        `json:"id"`
	DatasetID string        `json:"datasetId"`
	Rule      RetentionRule `json:"rule"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// IngestionBatch maps an idempotency key to the manifest produced for it.
type IngestionBatch struct {
	ID             string    `json:"id"`
	DatasetID      string    `json:"datasetId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	ManifestID     string    `json:"manifestId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DatasetAccessAudit records one catalog access for the audit trail.
type DatasetAccessAudit struct {
	ID        string          `json:"id"`
	DatasetID string          `json:"datasetId"`
	Actor     string          `json:"actor,omitempty"`
	Action    string          `json:"action"`
	Success   bool            `json:"success"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
