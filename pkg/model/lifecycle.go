/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"time"
)

// Checkpoint statuses. pending and running are live; completed is terminal;
// failed checkpoints are resumable.
const (
	CheckpointStatusPending   = "pending"
	CheckpointStatusRunning   = "running"
	CheckpointStatusCompleted = "completed"
	CheckpointStatusFailed    = "failed"
)

// Lifecycle audit event types.
const (
	AuditCompactionGroupCompacted = "compaction.group.compacted"
	AuditCompactionGroupSkipped   = "compaction.group.skipped"
	AuditCompactionResume         = "compaction.resume"
	AuditRetentionPartitionExpire = "retention.partition.expired"
)

// Lifecycle job kinds.
const (
	LifecycleJobCompaction = "compaction"
	LifecycleJobRetention  = "retention"
	LifecycleJobAuditPrune = "audit-prune"
)

// CompactionGroup is one planned merge of small partitions into a single
// replacement. The replacement partition id is allocated at plan time so a
// resumed run writes to the same path.
type CompactionGroup struct {
	ID                     string    `json:"id"`
	PartitionIDs           []string  `json:"partitionIds"`
	ReplacementPartitionID string    `json:"replacementPartitionId"`
	StorageTargetID        string    `json:"storageTargetId"`
	TableName              string    `json:"tableName"`
	TotalBytes             int64     `json:"totalBytes"`
	TotalRows              int64     `json:"totalRows"`
	StartTime              time.Time `json:"startTime"`
	EndTime                time.Time `json:"endTime"`
}

// CheckpointMetadata is the persisted compaction plan.
type CheckpointMetadata struct {
	Groups              []CompactionGroup `json:"groups"`
	CompletedGroupIDs   []string          `json:"completedGroupIds"`
	ChunkAttempts       map[string]int    `json:"chunkAttempts,omitempty"`
	ChunkPartitionLimit int               `json:"chunkPartitionLimit"`
}

// ChunkHistoryEntry records one executed chunk; history is capped at
// CheckpointHistoryLimit entries, oldest dropped first.
type ChunkHistoryEntry struct {
	Chunk       int       `json:"chunk"`
	GroupIDs    []string  `json:"groupIds"`
	Partitions  int       `json:"partitions"`
	Bytes       int64     `json:"bytes"`
	Rows        int64     `json:"rows"`
	DurationMs  int64     `json:"durationMs"`
	CompletedAt time.Time `json:"completedAt"`
}

// CheckpointHistoryLimit caps the chunk history carried on a checkpoint.
const CheckpointHistoryLimit = 50

// CheckpointStats aggregates work done across all chunks of a checkpoint.
type CheckpointStats struct {
	Bytes      int64               `json:"bytes"`
	Rows       int64               `json:"rows"`
	Partitions int64               `json:"partitions"`
	Chunks     int64               `json:"chunks"`
	History    []ChunkHistoryEntry `json:"history,omitempty"`
	LastError  string              `json:"lastError,omitempty"`
}

// CompactionCheckpoint is the persistent state of one compaction pass over a
// manifest. Exactly one live checkpoint exists per manifest; interrupted
// runs resume from Cursor.
type CompactionCheckpoint struct {
	ID            string             `json:"id"`
	DatasetID     string             `json:"datasetId"`
	ManifestID    string             `json:"manifestId"`
	ManifestShard string             `json:"manifestShard"`
	Metadata      CheckpointMetadata `json:"metadata"`
	Stats         CheckpointStats    `json:"stats"`
	Cursor        int                `json:"cursor"`
	RetryCount    int                `json:"retryCount"`
	Status        string             `json:"status"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// RemainingGroups returns the planned groups after the cursor, excluding any
// already recorded complete.
func (c *CompactionCheckpoint) RemainingGroups() []CompactionGroup {
	done := make(map[string]bool, len(c.Metadata.CompletedGroupIDs))
	for _, id := range c.Metadata.CompletedGroupIDs {
		done[id] = true
	}
	var remaining []CompactionGroup
	for i := c.Cursor; i < len(c.Metadata.Groups); i++ {
		if g := c.Metadata.Groups[i]; !done[g.ID] {
			remaining = append(remaining, g)
		}
	}
	return remaining
}

// IsTerminal reports whether the checkpoint can no longer make progress.
func (c *CompactionCheckpoint) IsTerminal() bool {
	return c.Status == CheckpointStatusCompleted
}

// LifecycleAuditEvent is one audit-trail row emitted by lifecycle executors.
type LifecycleAuditEvent struct {
	ID         string          `json:"id"`
	DatasetID  string          `json:"datasetId"`
	ManifestID string          `json:"manifestId,omitempty"`
	EventType  string          `json:"eventType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// LifecycleJobRun records one executor invocation for operability.
type LifecycleJobRun struct {
	ID          string          `json:"id"`
	JobKind     string          `json:"jobKind"`
	DatasetID   string          `json:"datasetId,omitempty"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Stats       json.RawMessage `json:"stats,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	DurationMs  *int64          `json:"durationMs,omitempty"`
}
