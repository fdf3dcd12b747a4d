/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/jsonutil"
	"github.com/openfathom/fathom/pkg/model"
)

// Memory is the in-memory store. It enforces the same uniqueness and
// versioning invariants as the Postgres schema and is safe for concurrent
// use. The embedded runtime uses it when the database is disabled; tests use
// it everywhere.
type Memory struct {
	mu sync.RWMutex

	storageTargets map[string]*model.StorageTarget
	datasets       map[string]*model.Dataset
	schemaVersions map[string]*model.SchemaVersion
	manifests      map[string]*model.Manifest
	partitions     map[string]*model.Partition
	retention      map[string]*model.RetentionPolicy // by dataset id
	batches        map[string]*model.IngestionBatch  // by dataset id + "\x00" + key
	accessAudit    []*model.DatasetAccessAudit

	checkpoints    map[string]*model.CompactionCheckpoint
	lifecycleAudit []*model.LifecycleAuditEvent
	lifecycleJobs  map[string]*model.LifecycleJobRun

	workflows map[string]*model.WorkflowDefinition
	runs      map[string]*model.WorkflowRun
	runSteps  map[string]*model.WorkflowRunStep

	events     map[string]*model.EventEnvelope
	triggers   map[string]*model.EventTrigger
	deliveries map[string]*model.TriggerDelivery
	schedules  map[string]*model.Schedule

	failureEvents []*model.TriggerFailureEvent
	triggerPauses map[string]*model.TriggerPause
	sourcePauses  map[string]*model.SourcePause

	declarations map[string]*model.AssetDeclarationRecord
	snapshots    map[string]*model.AssetSnapshot
	stale        map[string]*model.StalePartition // by workflow+asset+partition
	claims       map[string]*model.AutoRunClaim
}

var _ Interface = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		storageTargets: map[string]*model.StorageTarget{},
		datasets:       map[string]*model.Dataset{},
		schemaVersions: map[string]*model.SchemaVersion{},
		manifests:      map[string]*model.Manifest{},
		partitions:     map[string]*model.Partition{},
		retention:      map[string]*model.RetentionPolicy{},
		batches:        map[string]*model.IngestionBatch{},
		checkpoints:    map[string]*model.CompactionCheckpoint{},
		lifecycleJobs:  map[string]*model.LifecycleJobRun{},
		workflows:      map[string]*model.WorkflowDefinition{},
		runs:           map[string]*model.WorkflowRun{},
		runSteps:       map[string]*model.WorkflowRunStep{},
		events:         map[string]*model.EventEnvelope{},
		triggers:       map[string]*model.EventTrigger{},
		deliveries:     map[string]*model.TriggerDelivery{},
		schedules:      map[string]*model.Schedule{},
		triggerPauses:  map[string]*model.TriggerPause{},
		sourcePauses:   map[string]*model.SourcePause{},
		declarations:   map[string]*model.AssetDeclarationRecord{},
		snapshots:      map[string]*model.AssetSnapshot{},
		stale:          map[string]*model.StalePartition{},
		claims:         map[string]*model.AutoRunClaim{},
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func newID() string {
	return uuid.NewString()
}

// --- storage targets ---

func (m *Memory) UpsertStorageTarget(_ context.Context, target *model.StorageTarget) (*model.StorageTarget, error) {
	if target == nil || target.Name == "" {
		return nil, errors.NewBadRequest("storage target name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.storageTargets {
		if existing.Name == target.Name {
			existing.Kind = target.Kind
			existing.Config = target.Config
			existing.UpdatedAt = nowUTC()
			out := *existing
			return &out, nil
		}
	}
	row := *target
	if row.ID == "" {
		row.ID = newID()
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.storageTargets[row.ID] = &row
	out := row
	return &out, nil
}

func (m *Memory) GetStorageTarget(_ context.Context, id string) (*model.StorageTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.storageTargets[id]
	if !ok {
		return nil, errors.NewNotFound("storage target", id)
	}
	out := *target
	return &out, nil
}

// --- datasets ---

func (m *Memory) CreateDataset(_ context.Context, dataset *model.Dataset) (*model.Dataset, error) {
	if dataset == nil || dataset.Slug == "" {
		return nil, errors.NewBadRequest("dataset slug is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.datasets {
		if existing.Slug == dataset.Slug {
			return nil, errors.NewAlreadyExist(fmt.Sprintf("dataset %s already exists", dataset.Slug))
		}
	}
	row := *dataset
	if row.ID == "" {
		row.ID = newID()
	}
	if row.Status == "" {
		row.Status = model.DatasetStatusActive
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.datasets[row.ID] = &row
	out := row
	return &out, nil
}

func (m *Memory) GetDataset(_ context.Context, id string) (*model.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dataset, ok := m.datasets[id]
	if !ok {
		return nil, errors.NewNotFound("dataset", id)
	}
	out := *dataset
	return &out, nil
}

func (m *Memory) GetDatasetBySlug(_ context.Context, slug string) (*model.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dataset := range m.datasets {
		if dataset.Slug == slug {
			out := *dataset
			return &out, nil
		}
	}
	return nil, errors.NewNotFound("dataset", slug)
}

func (m *Memory) ListDatasets(_ context.Context, status string) ([]model.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Dataset
	for _, dataset := range m.datasets {
		if status != "" && dataset.Status != status {
			continue
		}
		out = append(out, *dataset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *Memory) UpdateDataset(_ context.Context, dataset *model.Dataset, ifMatch *time.Time) (*model.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.datasets[dataset.ID]
	if !ok {
		return nil, errors.NewNotFound("dataset", dataset.ID)
	}
	if ifMatch != nil && !existing.UpdatedAt.Truncate(time.Millisecond).Equal(ifMatch.Truncate(time.Millisecond)) {
		return nil, errors.NewConcurrentUpdate(fmt.Sprintf("dataset %s was modified concurrently", dataset.ID))
	}
	existing.Name = dataset.Name
	existing.Status = dataset.Status
	existing.WriteFormat = dataset.WriteFormat
	existing.DefaultStorageTargetID = dataset.DefaultStorageTargetID
	existing.Metadata = dataset.Metadata
	existing.UpdatedAt = nowUTC()
	out := *existing
	return &out, nil
}

// --- schema versions ---

func (m *Memory) CreateSchemaVersion(_ context.Context, datasetID, checksum string, fields []model.SchemaField) (*model.SchemaVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[datasetID]; !ok {
		return nil, errors.NewNotFound("dataset", datasetID)
	}
	maxVersion := 0
	for _, sv := range m.schemaVersions {
		if sv.DatasetID != datasetID {
			continue
		}
		if checksum != "" && sv.Checksum == checksum {
			out := *sv
			return &out, nil
		}
		if sv.Version > maxVersion {
			maxVersion = sv.Version
		}
	}
	row := &model.SchemaVersion{
		ID:        newID(),
		DatasetID: datasetID,
		Version:   maxVersion + 1,
		Checksum:  checksum,
		Fields:    append([]model.SchemaField(nil), fields...),
		CreatedAt: nowUTC(),
	}
	m.schemaVersions[row.ID] = row
	out := *row
	return &out, nil
}

// --- manifests ---

func (m *Memory) CreateDatasetManifest(_ context.Context, input CreateManifestInput) (*model.ManifestWithPartitions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	manifest := input.Manifest
	if _, ok := m.datasets[manifest.DatasetID]; !ok {
		return nil, errors.NewNotFound("dataset", manifest.DatasetID)
	}
	for _, existing := range m.manifests {
		if existing.DatasetID == manifest.DatasetID && existing.Version >= manifest.Version {
			return nil, errors.NewInternalError(fmt.Sprintf(
				"manifest version %d is not greater than existing version %d for dataset %s",
				manifest.Version, existing.Version, manifest.DatasetID))
		}
	}
	if manifest.ID == "" {
		manifest.ID = newID()
	}
	now := nowUTC()
	manifest.CreatedAt = now
	manifest.UpdatedAt = now
	if manifest.Status == "" {
		manifest.Status = model.ManifestStatusDraft
	}
	if manifest.Status == model.ManifestStatusPublished {
		manifest.PublishedAt = &now
		if manifest.ParentManifestID != "" {
			if parent, ok := m.manifests[manifest.ParentManifestID]; ok && parent.Status == model.ManifestStatusPublished {
				parent.Status = model.ManifestStatusSuperseded
				parent.UpdatedAt = now
			}
		}
	}
	var rows []model.Partition
	for _, p := range input.Partitions {
		row := p
		if row.ID == "" {
			row.ID = newID()
		}
		row.DatasetID = manifest.DatasetID
		row.ManifestID = manifest.ID
		row.CreatedAt = now
		row.UpdatedAt = now
		m.partitions[row.ID] = &row
		rows = append(rows, row)
	}
	recomputeRollups(&manifest, rows)
	m.manifests[manifest.ID] = &manifest
	out := manifest
	return &model.ManifestWithPartitions{Manifest: out, Partitions: rows}, nil
}

func recomputeRollups(manifest *model.Manifest, partitions []model.Partition) {
	manifest.PartitionCount = len(partitions)
	manifest.TotalRows = 0
	manifest.TotalBytes = 0
	for i := range partitions {
		manifest.TotalRows += partitions[i].Rows()
		manifest.TotalBytes += partitions[i].SizeBytes()
	}
}

func (m *Memory) ReplacePartitionsInManifest(_ context.Context, input ReplacePartitionsInput) (*model.ManifestWithPartitions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	manifest, ok := m.manifests[input.ManifestID]
	if !ok {
		return nil, errors.NewNotFound("manifest", input.ManifestID)
	}
	now := nowUTC()
	for _, id := range input.Remove {
		existing, ok := m.partitions[id]
		if !ok || existing.ManifestID != manifest.ID {
			return nil, errors.NewNotFound("partition", id)
		}
		delete(m.partitions, id)
	}
	for _, p := range input.Add {
		row := p
		if row.ID == "" {
			row.ID = newID()
		}
		row.DatasetID = manifest.DatasetID
		row.ManifestID = manifest.ID
		row.CreatedAt = now
		row.UpdatedAt = now
		m.partitions[row.ID] = &row
	}
	if input.SummaryPatch != nil {
		manifest.Summary = applyLifecyclePatch(manifest.Summary, input.SummaryPatch)
	}
	if input.MetadataPatch != nil {
		manifest.Metadata = applyLifecyclePatch(manifest.Metadata, input.MetadataPatch)
	}
	rows := m.partitionsOfLocked(manifest.ID)
	recomputeRollups(manifest, rows)
	manifest.UpdatedAt = now
	out := *manifest
	return &model.ManifestWithPartitions{Manifest: out, Partitions: rows}, nil
}

// applyLifecyclePatch merges patch over the stored document, deep-merging the
// lifecycle subtree instead of replacing it.
func applyLifecyclePatch(doc json.RawMessage, patch map[string]interface{}) json.RawMessage {
	base := map[string]interface{}{}
	if len(doc) > 0 {
		_ = jsonutil.Unmarshal(doc, &base)
	}
	merged := jsonutil.MergeObjects(base, patch, "lifecycle")
	return jsonutil.MarshalSilently(merged)
}

func (m *Memory) partitionsOfLocked(manifestID string) []model.Partition {
	var rows []model.Partition
	for _, p := range m.partitions {
		if p.ManifestID == manifestID {
			rows = append(rows, *p)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].StartTime.Equal(rows[j].StartTime) {
			return rows[i].StartTime.Before(rows[j].StartTime)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func (m *Memory) GetManifest(_ context.Context, id string) (*model.Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	manifest, ok := m.manifests[id]
	if !ok {
		return nil, errors.NewNotFound("manifest", id)
	}
	out := *manifest
	return &out, nil
}

func (m *Memory) GetManifestWithPartitions(_ context.Context, id string) (*model.ManifestWithPartitions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	manifest, ok := m.manifests[id]
	if !ok {
		return nil, errors.NewNotFound("manifest", id)
	}
	out := *manifest
	return &model.ManifestWithPartitions{Manifest: out, Partitions: m.partitionsOfLocked(id)}, nil
}

func (m *Memory) LatestPublishedManifest(_ context.Context, datasetID, shard string) (*model.ManifestWithPartitions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.Manifest
	for _, manifest := range m.manifests {
		if manifest.DatasetID != datasetID || manifest.ManifestShard != shard || manifest.Status != model.ManifestStatusPublished {
			continue
		}
		if latest == nil || manifest.Version > latest.Version {
			latest = manifest
		}
	}
	if latest == nil {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no published manifest for dataset %s shard %s", datasetID, shard))
	}
	out := *latest
	return &model.ManifestWithPartitions{Manifest: out, Partitions: m.partitionsOfLocked(latest.ID)}, nil
}

func (m *Memory) ListManifestShards(_ context.Context, datasetID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var shards []string
	for _, manifest := range m.manifests {
		if manifest.DatasetID != datasetID || seen[manifest.ManifestShard] {
			continue
		}
		seen[manifest.ManifestShard] = true
		shards = append(shards, manifest.ManifestShard)
	}
	sort.Strings(shards)
	return shards, nil
}

func (m *Memory) ListPartitionsForQuery(_ context.Context, query PartitionQuery) ([]model.PartitionWithTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PartitionWithTarget
	for _, p := range m.partitions {
		if p.DatasetID != query.DatasetID {
			continue
		}
		manifest, ok := m.manifests[p.ManifestID]
		if !ok || manifest.Status != model.ManifestStatusPublished {
			continue
		}
		if !p.StartTime.Before(query.End) || !query.Start.Before(p.EndTime) {
			continue
		}
		if !partitionKeyMatches(p.PartitionKey, query.PartitionKey) {
			continue
		}
		target, ok := m.storageTargets[p.StorageTargetID]
		if !ok {
			return nil, errors.NewInternalError(fmt.Sprintf("partition %s references unknown storage target %s", p.ID, p.StorageTargetID))
		}
		out = append(out, model.PartitionWithTarget{Partition: *p, StorageTarget: *target})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Partition.StartTime.Equal(out[j].Partition.StartTime) {
			return out[i].Partition.StartTime.Before(out[j].Partition.StartTime)
		}
		return out[i].Partition.ID < out[j].Partition.ID
	})
	return out, nil
}

func partitionKeyMatches(have map[string]string, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// --- ingestion batches ---

func (m *Memory) RecordIngestionBatch(_ context.Context, datasetID, idempotencyKey, manifestID string) (*model.IngestionBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := datasetID + "\x00" + idempotencyKey
	if existing, ok := m.batches[key]; ok {
		out := *existing
		return &out, nil
	}
	row := &model.IngestionBatch{
		ID:             newID(),
		DatasetID:      datasetID,
		IdempotencyKey: idempotencyKey,
		ManifestID:     manifestID,
		CreatedAt:      nowUTC(),
	}
	m.batches[key] = row
	out := *row
	return &out, nil
}

// --- retention policies ---

func (m *Memory) GetRetentionPolicy(_ context.Context, datasetID string) (*model.RetentionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	policy, ok := m.retention[datasetID]
	if !ok {
		return nil, errors.NewNotFound("retention policy", datasetID)
	}
	out := *policy
	return &out, nil
}

func (m *Memory) UpsertRetentionPolicy(_ context.Context, policy *model.RetentionPolicy) (*model.RetentionPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.retention[policy.DatasetID]
	if ok {
		existing.Rule = policy.Rule
		existing.UpdatedAt = nowUTC()
		out := *existing
		return &out, nil
	}
	row := *policy
	if row.ID == "" {
		row.ID = newID()
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.retention[row.DatasetID] = &row
	out := row
	return &out, nil
}

// --- access audit ---

func (m *Memory) InsertAccessAudit(_ context.Context, audit *model.DatasetAccessAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *audit
	if row.ID == "" {
		row.ID = newID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = nowUTC()
	}
	m.accessAudit = append(m.accessAudit, &row)
	return nil
}

func (m *Memory) PruneAccessAudit(_ context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.DatasetAccessAudit
	deleted := 0
	for _, row := range m.accessAudit {
		if deleted < limit && row.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	m.accessAudit = kept
	return deleted, nil
}

// --- lifecycle checkpoints / audit / job runs ---

func (m *Memory) GetLiveCheckpoint(_ context.Context, manifestID string) (*model.CompactionCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.checkpoints {
		if cp.ManifestID == manifestID && cp.Status != model.CheckpointStatusCompleted {
			out := *cp
			return &out, nil
		}
	}
	return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no live checkpoint for manifest %s", manifestID))
}

func (m *Memory) CreateCheckpoint(_ context.Context, checkpoint *model.CompactionCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints {
		if cp.ManifestID == checkpoint.ManifestID && cp.Status != model.CheckpointStatusCompleted {
			return errors.NewConflict(fmt.Sprintf("manifest %s already has a live checkpoint", checkpoint.ManifestID))
		}
	}
	row := *checkpoint
	if row.ID == "" {
		row.ID = newID()
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.checkpoints[row.ID] = &row
	checkpoint.ID = row.ID
	checkpoint.CreatedAt = row.CreatedAt
	checkpoint.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *Memory) UpdateCheckpoint(_ context.Context, checkpoint *model.CompactionCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[checkpoint.ID]; !ok {
		return errors.NewNotFound("checkpoint", checkpoint.ID)
	}
	row := *checkpoint
	row.UpdatedAt = nowUTC()
	m.checkpoints[row.ID] = &row
	checkpoint.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *Memory) InsertLifecycleAudit(_ context.Context, event *model.LifecycleAuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *event
	if row.ID == "" {
		row.ID = newID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = nowUTC()
	}
	m.lifecycleAudit = append(m.lifecycleAudit, &row)
	return nil
}

func (m *Memory) ListLifecycleAudit(_ context.Context, datasetID string, limit int) ([]model.LifecycleAuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.LifecycleAuditEvent
	for i := len(m.lifecycleAudit) - 1; i >= 0; i-- {
		row := m.lifecycleAudit[i]
		if datasetID != "" && row.DatasetID != datasetID {
			continue
		}
		out = append(out, *row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) InsertLifecycleJobRun(_ context.Context, run *model.LifecycleJobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *run
	if row.ID == "" {
		row.ID = newID()
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = nowUTC()
	}
	m.lifecycleJobs[row.ID] = &row
	run.ID = row.ID
	run.StartedAt = row.StartedAt
	return nil
}

func (m *Memory) UpdateLifecycleJobRun(_ context.Context, run *model.LifecycleJobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lifecycleJobs[run.ID]; !ok {
		return errors.NewNotFound("lifecycle job run", run.ID)
	}
	row := *run
	m.lifecycleJobs[row.ID] = &row
	return nil
}
