/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/openfathom/fathom/pkg/jsonutil"
	"github.com/openfathom/fathom/pkg/model"
)

const (
	DESC = "desc"
	ASC  = "asc"

	uniqueViolation = "23505"
)

// isUniqueViolation reports whether err is a Postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// getFieldTags maps lowercase struct field names to db column tags.
func getFieldTags(obj interface{}) map[string]string {
	result := make(map[string]string)
	t := reflect.TypeOf(obj)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		result[strings.ToLower(field.Name)] = field.Tag.Get("db")
	}
	return result
}

// generateCommand generates a SQL command string using reflection, skipping
// fields whose db tag equals ignoreTag.
func generateCommand(obj interface{}, format, ignoreTag string) string {
	t := reflect.TypeOf(obj)
	columns := make([]string, 0, t.NumField())
	values := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == ignoreTag {
			continue
		}
		columns = append(columns, tag)
		values = append(values, fmt.Sprintf(":%s", tag))
	}
	return fmt.Sprintf(format, strings.Join(columns, ", "), strings.Join(values, ", "))
}

// GetFieldTag returns the db column for a struct field name.
func GetFieldTag(tags map[string]string, name string) string {
	return tags[strings.ToLower(name)]
}

// --- nullable helpers ---

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func nullTimePtr(t *time.Time) pq.NullTime {
	if t == nil || t.IsZero() {
		return pq.NullTime{}
	}
	return pq.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(nt pq.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullInt64Ptr(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func fromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullIntPtr(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func fromNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// jsonbOr coerces raw JSON for a NOT NULL jsonb column, substituting def for
// empty input.
func jsonbOr(raw json.RawMessage, def string) []byte {
	if len(raw) == 0 {
		return []byte(def)
	}
	return raw
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// --- catalog rows ---

type StorageTarget struct {
	Id         string    `db:"id"`
	Name       string    `db:"name"`
	Kind       string    `db:"kind"`
	Config     []byte    `db:"config"`
	CreateTime time.Time `db:"created_at"`
	UpdateTime time.Time `db:"updated_at"`
}

func (r *StorageTarget) toModel() model.StorageTarget {
	return model.StorageTarget{
		ID:        r.Id,
		Name:      r.Name,
		Kind:      r.Kind,
		Config:    rawOrNil(r.Config),
		CreatedAt: r.CreateTime.UTC(),
		UpdatedAt: r.UpdateTime.UTC(),
	}
}

func storageTargetRow(t *model.StorageTarget) StorageTarget {
	return StorageTarget{
		Id:         t.ID,
		Name:       t.Name,
		Kind:       t.Kind,
		Config:     jsonbOr(t.Config, "{}"),
		CreateTime: t.CreatedAt,
		UpdateTime: t.UpdatedAt,
	}
}

type Dataset struct {
	Id                     string         `db:"id"`
	Slug                   string         `db:"slug"`
	Name                   string         `db:"name"`
	Status                 string         `db:"status"`
	WriteFormat            string         `db:"write_format"`
	DefaultStorageTargetId sql.NullString `db:"default_storage_target_id"`
	Metadata               []byte         `db:"metadata"`
	CreateTime             time.Time      `db:"created_at"`
	UpdateTime             time.Time      `db:"updated_at"`
}

// GetDatasetFieldTags returns the Dataset db tags by field name.
func GetDatasetFieldTags() map[string]string {
	return getFieldTags(Dataset{})
}

func (r *Dataset) toModel() model.Dataset {
	return model.Dataset{
		ID:                     r.Id,
		Slug:                   r.Slug,
		Name:                   r.Name,
		Status:                 r.Status,
		WriteFormat:            r.WriteFormat,
		DefaultStorageTargetID: fromNullString(r.DefaultStorageTargetId),
		Metadata:               rawOrNil(r.Metadata),
		CreatedAt:              r.CreateTime.UTC(),
		UpdatedAt:              r.UpdateTime.UTC(),
	}
}

func datasetRow(d *model.Dataset) Dataset {
	return Dataset{
		Id:                     d.ID,
		Slug:                   d.Slug,
		Name:                   d.Name,
		Status:                 d.Status,
		WriteFormat:            d.WriteFormat,
		DefaultStorageTargetId: nullString(d.DefaultStorageTargetID),
		Metadata:               jsonbOr(d.Metadata, "{}"),
		CreateTime:             d.CreatedAt,
		UpdateTime:             d.UpdatedAt,
	}
}

type SchemaVersion struct {
	Id         string         `db:"id"`
	DatasetId  string         `db:"dataset_id"`
	Version    int            `db:"version"`
	Checksum   sql.NullString `db:"checksum"`
	Fields     []byte         `db:"fields"`
	CreateTime time.Time      `db:"created_at"`
}

func (r *SchemaVersion) toModel() model.SchemaVersion {
	var fields []model.SchemaField
	_ = jsonutil.Unmarshal(r.Fields, &fields)
	return model.SchemaVersion{
		ID:        r.Id,
		DatasetID: r.DatasetId,
		Version:   r.Version,
		Checksum:  fromNullString(r.Checksum),
		Fields:    fields,
		CreatedAt: r.CreateTime.UTC(),
	}
}

type Manifest struct {
	Id               string         `db:"id"`
	DatasetId        string         `db:"dataset_id"`
	Version          int64          `db:"version"`
	Status           string         `db:"status"`
	SchemaVersionId  sql.NullString `db:"schema_version_id"`
	ParentManifestId sql.NullString `db:"parent_manifest_id"`
	ManifestShard    string         `db:"manifest_shard"`
	Summary          []byte         `db:"summary"`
	Statistics       []byte         `db:"statistics"`
	Metadata         []byte         `db:"metadata"`
	PartitionCount   int            `db:"partition_count"`
	TotalRows        int64          `db:"total_rows"`
	TotalBytes       int64          `db:"total_bytes"`
	PublishedAt      pq.NullTime    `db:"published_at"`
	CreateTime       time.Time      `db:"created_at"`
	UpdateTime       time.Time      `db:"updated_at"`
}

// GetManifestFieldTags returns the Manifest db tags by field name.
func GetManifestFieldTags() map[string]string {
	return getFieldTags(Manifest{})
}

func (r *Manifest) toModel() model.Manifest {
	return model.Manifest{
		ID:               r.Id,
		DatasetID:        r.DatasetId,
		Version:          r.Version,
		Status:           r.Status,
		SchemaVersionID:  fromNullString(r.SchemaVersionId),
		ParentManifestID: fromNullString(r.ParentManifestId),
		ManifestShard:    r.ManifestShard,
		Summary:          rawOrNil(r.Summary),
		Statistics:       rawOrNil(r.Statistics),
		Metadata:         rawOrNil(r.Metadata),
		PartitionCount:   r.PartitionCount,
		TotalRows:        r.TotalRows,
		TotalBytes:       r.TotalBytes,
		PublishedAt:      fromNullTime(r.PublishedAt),
		CreatedAt:        r.CreateTime.UTC(),
		UpdatedAt:        r.UpdateTime.UTC(),
	}
}

func manifestRow(m *model.Manifest) Manifest {
	return Manifest{
		Id:               m.ID,
		DatasetId:        m.DatasetID,
		Version:          m.Version,
		Status:           m.Status,
		SchemaVersionId:  nullString(m.SchemaVersionID),
		ParentManifestId: nullString(m.ParentManifestID),
		ManifestShard:    m.ManifestShard,
		Summary:          jsonbOr(m.Summary, "{}"),
		Statistics:       jsonbOr(m.Statistics, "{}"),
		Metadata:         jsonbOr(m.Metadata, "{}"),
		PartitionCount:   m.PartitionCount,
		TotalRows:        m.TotalRows,
		TotalBytes:       m.TotalBytes,
		PublishedAt:      nullTimePtr(m.PublishedAt),
		CreateTime:       m.CreatedAt,
		UpdateTime:       m.UpdatedAt,
	}
}

type Partition struct {
	Id              string         `db:"id"`
	DatasetId       string         `db:"dataset_id"`
	ManifestId      string         `db:"manifest_id"`
	IngestionBatch  sql.NullString `db:"ingestion_batch"`
	PartitionKey    []byte         `db:"partition_key"`
	StorageTargetId string         `db:"storage_target_id"`
	FileFormat      string         `db:"file_format"`
	FilePath        string         `db:"file_path"`
	FileSizeBytes   sql.NullInt64  `db:"file_size_bytes"`
	RowCount        sql.NullInt64  `db:"row_count"`
	StartTime       time.Time      `db:"start_time"`
	EndTime         time.Time      `db:"end_time"`
	Checksum        sql.NullString `db:"checksum"`
	Metadata        []byte         `db:"metadata"`
	CreateTime      time.Time      `db:"created_at"`
	UpdateTime      time.Time      `db:"updated_at"`
}

// GetPartitionFieldTags returns the Partition db tags by field name.
func GetPartitionFieldTags() map[string]string {
	return getFieldTags(Partition{})
}

func (r *Partition) toModel() model.Partition {
	var key map[string]string
	_ = jsonutil.Unmarshal(r.PartitionKey, &key)
	return model.Partition{
		ID:              r.Id,
		DatasetID:       r.DatasetId,
		ManifestID:      r.ManifestId,
		IngestionBatch:  fromNullString(r.IngestionBatch),
		PartitionKey:    key,
		StorageTargetID: r.StorageTargetId,
		FileFormat:      r.FileFormat,
		FilePath:        r.FilePath,
		FileSizeBytes:   fromNullInt64(r.FileSizeBytes),
		RowCount:        fromNullInt64(r.RowCount),
		StartTime:       r.StartTime.UTC(),
		EndTime:         r.EndTime.UTC(),
		Checksum:        fromNullString(r.Checksum),
		Metadata:        rawOrNil(r.Metadata),
		CreatedAt:       r.CreateTime.UTC(),
		UpdatedAt:       r.UpdateTime.UTC(),
	}
}

func partitionRow(p *model.Partition) Partition {
	key := jsonutil.MarshalSilently(p.PartitionKey)
	if key == nil {
		key = []byte("{}")
	}
	return Partition{
		Id:              p.ID,
		DatasetId:       p.DatasetID,
		ManifestId:      p.ManifestID,
		IngestionBatch:  nullString(p.IngestionBatch),
		PartitionKey:    key,
		StorageTargetId: p.StorageTargetID,
		FileFormat:      p.FileFormat,
		FilePath:        p.FilePath,
		FileSizeBytes:   nullInt64Ptr(p.FileSizeBytes),
		RowCount:        nullInt64Ptr(p.RowCount),
		StartTime:       p.StartTime,
		EndTime:         p.EndTime,
		Checksum:        nullString(p.Checksum),
		Metadata:        jsonbOr(p.Metadata, "{}"),
		CreateTime:      p.CreatedAt,
		UpdateTime:      p.UpdatedAt,
	}
}

type RetentionPolicy struct {
	Id         string    `db:"id"`
	DatasetId  string    `db:"dataset_id"`
	Rule       []byte    `db:"rule"`
	CreateTime time.Time `db:"created_at"`
	UpdateTime time.Time `db:"updated_at"`
}

func (r *RetentionPolicy) toModel() model.RetentionPolicy {
	var rule model.RetentionRule
	_ = jsonutil.Unmarshal(r.Rule, &rule)
	return model.RetentionPolicy{
		ID:        r.Id,
		DatasetID: r.DatasetId,
		Rule:      rule,
		CreatedAt: r.CreateTime.UTC(),
		UpdatedAt: r.UpdateTime.UTC(),
	}
}

type IngestionBatch struct {
	Id             string    `db:"id"`
	DatasetId      string    `db:"dataset_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	ManifestId     string    `db:"manifest_id"`
	CreateTime     time.Time `db:"created_at"`
}

func (r *IngestionBatch) toModel() model.IngestionBatch {
	return model.IngestionBatch{
		ID:             r.Id,
		DatasetID:      r.DatasetId,
		IdempotencyKey: r.IdempotencyKey,
		ManifestID:     r.ManifestId,
		CreatedAt:      r.CreateTime.UTC(),
	}
}

type DatasetAccessAudit struct {
	Id         string         `db:"id"`
	DatasetId  string         `db:"dataset_id"`
	Actor      sql.NullString `db:"actor"`
	Action     string         `db:"action"`
	Success    bool           `db:"success"`
	Metadata   []byte         `db:"metadata"`
	CreateTime time.Time      `db:"created_at"`
}

type CompactionCheckpoint struct {
	Id            string    `db:"id"`
	DatasetId     string    `db:"dataset_id"`
	ManifestId    string    `db:"manifest_id"`
	ManifestShard string    `db:"manifest_shard"`
	Metadata      []byte    `db:"metadata"`
	Stats         []byte    `db:"stats"`
	Cursor        int       `db:"cursor"`
	RetryCount    int       `db:"retry_count"`
	Status        string    `db:"status"`
	CreateTime    time.Time `db:"created_at"`
	UpdateTime    time.Time `db:"updated_at"`
}

// toModel decodes the checkpoint; a plan document that no longer parses is
// checkpoint corruption and surfaces as an error.
func (r *CompactionCheckpoint) toModel() (model.CompactionCheckpoint, error) {
	var metadata model.CheckpointMetadata
	if err := jsonutil.Unmarshal(r.Metadata, &metadata); err != nil {
		return model.CompactionCheckpoint{}, fmt.Errorf("checkpoint %s metadata corrupt: %w", r.Id, err)
	}
	var stats model.CheckpointStats
	if len(r.Stats) > 0 {
		if err := jsonutil.Unmarshal(r.Stats, &stats); err != nil {
			return model.CompactionCheckpoint{}, fmt.Errorf("checkpoint %s stats corrupt: %w", r.Id, err)
		}
	}
	return model.CompactionCheckpoint{
		ID:            r.Id,
		DatasetID:     r.DatasetId,
		ManifestID:    r.ManifestId,
		ManifestShard: r.ManifestShard,
		Metadata:      metadata,
		Stats:         stats,
		Cursor:        r.Cursor,
		RetryCount:    r.RetryCount,
		Status:        r.Status,
		CreatedAt:     r.CreateTime.UTC(),
		UpdatedAt:     r.UpdateTime.UTC(),
	}, nil
}

func checkpointRow(c *model.CompactionCheckpoint) CompactionCheckpoint {
	return CompactionCheckpoint{
		Id:            c.ID,
		DatasetId:     c.DatasetID,
		ManifestId:    c.ManifestID,
		ManifestShard: c.ManifestShard,
		Metadata:      jsonbOr(jsonutil.MarshalSilently(c.Metadata), "{}"),
		Stats:         jsonbOr(jsonutil.MarshalSilently(c.Stats), "{}"),
		Cursor:        c.Cursor,
		RetryCount:    c.RetryCount,
		Status:        c.Status,
		CreateTime:    c.CreatedAt,
		UpdateTime:    c.UpdatedAt,
	}
}

type LifecycleAuditEvent struct {
	Id         string         `db:"id"`
	DatasetId  string         `db:"dataset_id"`
	ManifestId sql.NullString `db:"manifest_id"`
	EventType  string         `db:"event_type"`
	Payload    []byte         `db:"payload"`
	CreateTime time.Time      `db:"created_at"`
}

func (r *LifecycleAuditEvent) toModel() model.LifecycleAuditEvent {
	return model.LifecycleAuditEvent{
		ID:         r.Id,
		DatasetID:  r.DatasetId,
		ManifestID: fromNullString(r.ManifestId),
		EventType:  r.EventType,
		Payload:    rawOrNil(r.Payload),
		CreatedAt:  r.CreateTime.UTC(),
	}
}

type LifecycleJobRun struct {
	Id          string         `db:"id"`
	JobKind     string         `db:"job_kind"`
	DatasetId   sql.NullString `db:"dataset_id"`
	Status      string         `db:"status"`
	Error       sql.NullString `db:"error"`
	Stats       []byte         `db:"stats"`
	StartedAt   time.Time      `db:"started_at"`
	CompletedAt pq.NullTime    `db:"completed_at"`
	DurationMs  sql.NullInt64  `db:"duration_ms"`
}
