/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package store defines the persistence contract the engines run against.
// The production implementation lives in pkg/database/client; pkg/store also
// carries an in-memory implementation used by the embedded runtime and tests.
package store

import (
	"context"
	"time"

	"github.com/openfathom/fathom/pkg/model"
)

// CreateManifestInput carries one manifest plus its partition rows. The
// store asserts version monotonicity, recomputes rollups, and, when the
// manifest is published with a parent set, supersedes the parent in the same
// transaction.
type CreateManifestInput struct {
	Manifest   model.Manifest
	Partitions []model.Partition
}

// ReplacePartitionsInput swaps partition rows inside one manifest. Patches
// deep-merge their lifecycle subtrees under summary.lifecycle and
// metadata.lifecycle.
type ReplacePartitionsInput struct {
	ManifestID    string
	Remove        []string
	Add           []model.Partition
	SummaryPatch  map[string]interface{}
	MetadataPatch map[string]interface{}
}

// PartitionQuery selects partitions of published manifests whose time range
// overlaps [Start, End). Keys present in PartitionKey must match exactly.
type PartitionQuery struct {
	DatasetID    string
	Start        time.Time
	End          time.Time
	PartitionKey map[string]string
}

// RunQuery filters runs for listings and the timeline.
type RunQuery struct {
	WorkflowDefinitionID string
	From                 time.Time
	To                   time.Time
	Statuses             []string
	Limit                int
}

// DeliveryQuery filters trigger deliveries.
type DeliveryQuery struct {
	TriggerIDs []string
	Statuses   []string
	DedupeKey  string
	From       time.Time
	To         time.Time
	Limit      int
}

// Catalog is the dataset/manifest/partition side of the store.
type Catalog interface {
	UpsertStorageTarget(ctx context.Context, target *model.StorageTarget) (*model.StorageTarget, error)
	GetStorageTarget(ctx context.Context, id string) (*model.StorageTarget, error)

	CreateDataset(ctx context.Context, dataset *model.Dataset) (*model.Dataset, error)
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	GetDatasetBySlug(ctx context.Context, slug string) (*model.Dataset, error)
	ListDatasets(ctx context.Context, status string) ([]model.Dataset, error)
	// UpdateDataset applies the mutable fields of dataset. A non-nil ifMatch
	// is compared millisecond-truncated against the stored updatedAt;
	// mismatch fails with a concurrent-update conflict.
	UpdateDataset(ctx context.Context, dataset *model.Dataset, ifMatch *time.Time) (*model.Dataset, error)

	// CreateSchemaVersion reuses the row with an identical checksum or
	// allocates the next integer version for the dataset.
	CreateSchemaVersion(ctx context.Context, datasetID, checksum string, fields []model.SchemaField) (*model.SchemaVersion, error)

	CreateDatasetManifest(ctx context.Context, input CreateManifestInput) (*model.ManifestWithPartitions, error)
	ReplacePartitionsInManifest(ctx context.Context, input ReplacePartitionsInput) (*model.ManifestWithPartitions, error)
	GetManifest(ctx context.Context, id string) (*model.Manifest, error)
	GetManifestWithPartitions(ctx context.Context, id string) (*model.ManifestWithPartitions, error)
	LatestPublishedManifest(ctx context.Context, datasetID, shard string) (*model.ManifestWithPartitions, error)
	ListManifestShards(ctx context.Context, datasetID string) ([]string, error)
	ListPartitionsForQuery(ctx context.Context, query PartitionQuery) ([]model.PartitionWithTarget, error)

	RecordIngestionBatch(ctx context.Context, datasetID, idempotencyKey, manifestID string) (*model.IngestionBatch, error)

	GetRetentionPolicy(ctx context.Context, datasetID string) (*model.RetentionPolicy, error)
	UpsertRetentionPolicy(ctx context.Context, policy *model.RetentionPolicy) (*model.RetentionPolicy, error)

	InsertAccessAudit(ctx context.Context, audit *model.DatasetAccessAudit) error
	// PruneAccessAudit deletes at most limit rows older than cutoff and
	// reports how many went away.
	PruneAccessAudit(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Lifecycle is the checkpoint and audit side used by the lifecycle engine.
type Lifecycle interface {
	// GetLiveCheckpoint returns the non-completed checkpoint of a manifest,
	// or a not-found error.
	GetLiveCheckpoint(ctx context.Context, manifestID string) (*model.CompactionCheckpoint, error)
	CreateCheckpoint(ctx context.Context, checkpoint *model.CompactionCheckpoint) error
	UpdateCheckpoint(ctx context.Context, checkpoint *model.CompactionCheckpoint) error

	InsertLifecycleAudit(ctx context.Context, event *model.LifecycleAuditEvent) error
	ListLifecycleAudit(ctx context.Context, datasetID string, limit int) ([]model.LifecycleAuditEvent, error)

	InsertLifecycleJobRun(ctx context.Context, run *model.LifecycleJobRun) error
	UpdateLifecycleJobRun(ctx context.Context, run *model.LifecycleJobRun) error
}

// Workflows is workflow-definition CRUD.
type Workflows interface {
	CreateWorkflow(ctx context.Context, workflow *model.WorkflowDefinition) (*model.WorkflowDefinition, error)
	UpdateWorkflow(ctx context.Context, workflow *model.WorkflowDefinition) (*model.WorkflowDefinition, error)
	GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	GetWorkflowBySlug(ctx context.Context, slug string) (*model.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]model.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// Runs is run and run-step persistence.
type Runs interface {
	// CreateRun inserts the run; a second active run with the same
	// (workflow, runKeyNormalized) fails with a conflict.
	CreateRun(ctx context.Context, run *model.WorkflowRun) (*model.WorkflowRun, error)
	GetRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	GetActiveRunByKey(ctx context.Context, workflowID, runKeyNormalized string) (*model.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *model.WorkflowRun) error
	ListRuns(ctx context.Context, query RunQuery) ([]model.WorkflowRun, error)
	CountActiveRunsForTrigger(ctx context.Context, triggerID string) (int, error)

	CreateRunStep(ctx context.Context, step *model.WorkflowRunStep) error
	UpdateRunStep(ctx context.Context, step *model.WorkflowRunStep) error
	GetRunStep(ctx context.Context, runID, stepID string) (*model.WorkflowRunStep, error)
	ListRunSteps(ctx context.Context, runID string) ([]model.WorkflowRunStep, error)
}

// Events is the ingested-envelope log.
type Events interface {
	InsertEvent(ctx context.Context, event *model.EventEnvelope) error
	GetEvent(ctx context.Context, id string) (*model.EventEnvelope, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Triggers covers event triggers, deliveries, and failure/pause state.
type Triggers interface {
	CreateTrigger(ctx context.Context, trigger *model.EventTrigger) (*model.EventTrigger, error)
	UpdateTrigger(ctx context.Context, trigger *model.EventTrigger) (*model.EventTrigger, error)
	GetTrigger(ctx context.Context, id string) (*model.EventTrigger, error)
	ListTriggersForWorkflow(ctx context.Context, workflowID string) ([]model.EventTrigger, error)
	ListActiveTriggersForEvent(ctx context.Context, eventType, eventSource string) ([]model.EventTrigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// CreateDelivery inserts the delivery; a second live delivery with the
	// same (trigger, dedupeKey) fails with a conflict.
	CreateDelivery(ctx context.Context, delivery *model.TriggerDelivery) error
	UpdateDelivery(ctx context.Context, delivery *model.TriggerDelivery) error
	GetDelivery(ctx context.Context, id string) (*model.TriggerDelivery, error)
	GetActiveDeliveryByDedupeKey(ctx context.Context, triggerID, dedupeKey string) (*model.TriggerDelivery, error)
	ListDeliveries(ctx context.Context, query DeliveryQuery) ([]model.TriggerDelivery, error)
	CountLaunchedSince(ctx context.Context, triggerID string, since time.Time) (int, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.TriggerDelivery, error)

	InsertFailureEvent(ctx context.Context, event *model.TriggerFailureEvent) error
	ListFailureEvents(ctx context.Context, triggerIDs []string, from, to time.Time) ([]model.TriggerFailureEvent, error)

	GetTriggerPause(ctx context.Context, triggerID string) (*model.TriggerPause, error)
	UpsertTriggerPause(ctx context.Context, pause *model.TriggerPause) error
	ListTriggerPauses(ctx context.Context, triggerIDs []string) ([]model.TriggerPause, error)

	GetSourcePause(ctx context.Context, source string) (*model.SourcePause, error)
	UpsertSourcePause(ctx context.Context, pause *model.SourcePause) error
	ListSourcePauses(ctx context.Context) ([]model.SourcePause, error)
}

// Schedules is cron-schedule persistence.
type Schedules interface {
	CreateSchedule(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error)
	UpdateSchedule(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error)
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListSchedulesForWorkflow(ctx context.Context, workflowID string) ([]model.Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Assets covers declarations, snapshots, stale partitions, and claims.
type Assets interface {
	ReplaceDeclarations(ctx context.Context, workflowID string, declarations []model.AssetDeclarationRecord) error
	ListDeclarations(ctx context.Context, workflowID string) ([]model.AssetDeclarationRecord, error)
	ListAllDeclarations(ctx context.Context) ([]model.AssetDeclarationRecord, error)

	InsertSnapshot(ctx context.Context, snapshot *model.AssetSnapshot) error
	// LatestSnapshot returns the newest snapshot of (assetKey, partition) by
	// the (producedAt, updatedAt, createdAt, runID) tuple, or not-found.
	// workflowID narrows the search when non-empty.
	LatestSnapshot(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) (*model.AssetSnapshot, error)
	ListSnapshotsForRun(ctx context.Context, runID string) ([]model.AssetSnapshot, error)

	MarkStalePartition(ctx context.Context, stale *model.StalePartition) error
	UnmarkStalePartition(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) error
	IsStalePartition(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) (bool, error)
	ListStalePartitions(ctx context.Context, workflowID string) ([]model.StalePartition, error)

	// CreateClaim inserts an active claim; a second active claim for the
	// same (workflow, assetKey, partition) fails with a conflict.
	CreateClaim(ctx context.Context, claim *model.AutoRunClaim) error
	UpdateClaim(ctx context.Context, claim *model.AutoRunClaim) error
	GetActiveClaim(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) (*model.AutoRunClaim, error)
	GetClaimByRunID(ctx context.Context, runID string) (*model.AutoRunClaim, error)
	LatestClaim(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) (*model.AutoRunClaim, error)
	ListClaims(ctx context.Context, workflowID string, limit int) ([]model.AutoRunClaim, error)
}

// Interface is the full persistence surface.
type Interface interface {
	Catalog
	Lifecycle
	Workflows
	Runs
	Events
	Triggers
	Schedules
	Assets
}
