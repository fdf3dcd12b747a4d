/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

func seedDataset(t *testing.T, m *Memory) (*model.Dataset, *model.StorageTarget) {
	t.Helper()
	ctx := context.Background()
	target, err := m.UpsertStorageTarget(ctx, &model.StorageTarget{Name: "local", Kind: "local"})
	require.NoError(t, err)
	dataset, err := m.CreateDataset(ctx, &model.Dataset{Slug: "metrics", Name: "Metrics", WriteFormat: model.WriteFormatDuckDB})
	require.NoError(t, err)
	return dataset, target
}

func int64Ptr(v int64) *int64 { return &v }

func TestCreateDatasetManifestMonotonicVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dataset, _ := seedDataset(t, m)

	first, err := m.CreateDatasetManifest(ctx, CreateManifestInput{Manifest: model.Manifest{
		DatasetID: dataset.ID, Version: 1, Status: model.ManifestStatusPublished, ManifestShard: "2025-01-01",
	}})
	require.NoError(t, err)

	_, err = m.CreateDatasetManifest(ctx, CreateManifestInput{Manifest: model.Manifest{
		DatasetID: dataset.ID, Version: 1, Status: model.ManifestStatusPublished, ManifestShard: "2025-01-01",
	}})
	require.Error(t, err)

	second, err := m.CreateDatasetManifest(ctx, CreateManifestInput{Manifest: model.Manifest{
		DatasetID: dataset.ID, Version: 2, Status: model.ManifestStatusPublished,
		ParentManifestID: first.Manifest.ID, ManifestShard: "2025-01-01",
	}})
	require.NoError(t, err)
	require.NotNil(t, second.Manifest.PublishedAt)

	parent, err := m.GetManifest(ctx, first.Manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ManifestStatusSuperseded, parent.Status)
}

func TestReplacePartitionsRecomputesRollups(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dataset, target := seedDataset(t, m)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	created, err := m.CreateDatasetManifest(ctx, CreateManifestInput{
		Manifest: model.Manifest{DatasetID: dataset.ID, Version: 1, Status: model.ManifestStatusPublished, ManifestShard: "2025-01-01"},
		Partitions: []model.Partition{
			{StorageTargetID: target.ID, FileFormat: "duckdb", FilePath: "a.duckdb", RowCount: int64Ptr(10), FileSizeBytes: int64Ptr(100), StartTime: base, EndTime: base.Add(time.Hour)},
			{StorageTargetID: target.ID, FileFormat: "duckdb", FilePath: "b.duckdb", RowCount: int64Ptr(20), FileSizeBytes: int64Ptr(200), StartTime: base.Add(time.Hour), EndTime: base.Add(2 * time.Hour)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, created.Manifest.PartitionCount)
	assert.Equal(t, int64(30), created.Manifest.TotalRows)

	replaced, err := m.ReplacePartitionsInManifest(ctx, ReplacePartitionsInput{
		ManifestID: created.Manifest.ID,
		Remove:     []string{created.Partitions[0].ID, created.Partitions[1].ID},
		Add: []model.Partition{
			{StorageTargetID: target.ID, FileFormat: "duckdb", FilePath: "merged.duckdb", RowCount: int64Ptr(30), FileSizeBytes: int64Ptr(290), StartTime: base, EndTime: base.Add(2 * time.Hour)},
		},
		SummaryPatch: map[string]interface{}{"lifecycle": map[string]interface{}{"compactedGroups": 1.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, replaced.Manifest.PartitionCount)
	assert.Equal(t, int64(30), replaced.Manifest.TotalRows)
	assert.Equal(t, int64(290), replaced.Manifest.TotalBytes)
	assert.Contains(t, string(replaced.Manifest.Summary), "compactedGroups")
}

func TestListPartitionsForQueryPublishedOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dataset, target := seedDataset(t, m)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.CreateDatasetManifest(ctx, CreateManifestInput{
		Manifest: model.Manifest{DatasetID: dataset.ID, Version: 1, Status: model.ManifestStatusDraft, ManifestShard: "s"},
		Partitions: []model.Partition{
			{StorageTargetID: target.ID, FileFormat: "duckdb", FilePath: "draft.duckdb", StartTime: base, EndTime: base.Add(time.Hour)},
		},
	})
	require.NoError(t, err)
	_, err = m.CreateDatasetManifest(ctx, CreateManifestInput{
		Manifest: model.Manifest{DatasetID: dataset.ID, Version: 2, Status: model.ManifestStatusPublished, ManifestShard: "s"},
		Partitions: []model.Partition{
			{StorageTargetID: target.ID, FileFormat: "duckdb", FilePath: "pub.duckdb", PartitionKey: map[string]string{"region": "us"}, StartTime: base, EndTime: base.Add(time.Hour)},
		},
	})
	require.NoError(t, err)

	rows, err := m.ListPartitionsForQuery(ctx, PartitionQuery{DatasetID: dataset.ID, Start: base, End: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "pub.duckdb", rows[0].Partition.FilePath)

	rows, err = m.ListPartitionsForQuery(ctx, PartitionQuery{
		DatasetID: dataset.ID, Start: base, End: base.Add(2 * time.Hour),
		PartitionKey: map[string]string{"region": "eu"},
	})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRecordIngestionBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dataset, _ := seedDataset(t, m)

	first, err := m.RecordIngestionBatch(ctx, dataset.ID, "batch-1", "manifest-a")
	require.NoError(t, err)
	second, err := m.RecordIngestionBatch(ctx, dataset.ID, "batch-1", "manifest-b")
	require.NoError(t, err)
	assert.Equal(t, first.ManifestID, second.ManifestID)
	assert.Equal(t, first.ID, second.ID)
}

func TestUpdateDatasetIfMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dataset, _ := seedDataset(t, m)

	stale := dataset.UpdatedAt.Add(-time.Second)
	dataset.Name = "Renamed"
	_, err := m.UpdateDataset(ctx, dataset, &stale)
	require.Error(t, err)
	assert.True(t, errors.IsConcurrentUpdate(err))

	updated, err := m.UpdateDataset(ctx, dataset, &dataset.UpdatedAt)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
}

func TestCreateRunEnforcesRunKeyUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	wf, err := m.CreateWorkflow(ctx, &model.WorkflowDefinition{Slug: "w1", Name: "w1"})
	require.NoError(t, err)

	first, err := m.CreateRun(ctx, &model.WorkflowRun{WorkflowDefinitionID: wf.ID, RunKey: "K", RunKeyNormalized: "k", Status: model.RunStatusPending})
	require.NoError(t, err)
	_, err = m.CreateRun(ctx, &model.WorkflowRun{WorkflowDefinitionID: wf.ID, RunKey: "K", RunKeyNormalized: "k", Status: model.RunStatusPending})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// terminal run frees the slot
	first.Status = model.RunStatusSucceeded
	require.NoError(t, m.UpdateRun(ctx, first))
	_, err = m.CreateRun(ctx, &model.WorkflowRun{WorkflowDefinitionID: wf.ID, RunKey: "K", RunKeyNormalized: "k", Status: model.RunStatusPending})
	require.NoError(t, err)
}

func TestCreateDeliveryDedupe(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	trigger, err := m.CreateTrigger(ctx, &model.EventTrigger{WorkflowDefinitionID: "wf", EventType: "order.created"})
	require.NoError(t, err)

	first := &model.TriggerDelivery{TriggerID: trigger.ID, EventID: "e1", Status: model.DeliveryStatusMatched, DedupeKey: "dk"}
	require.NoError(t, m.CreateDelivery(ctx, first))
	err = m.CreateDelivery(ctx, &model.TriggerDelivery{TriggerID: trigger.ID, EventID: "e2", Status: model.DeliveryStatusMatched, DedupeKey: "dk"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// skipped deliveries do not hold the slot
	err = m.CreateDelivery(ctx, &model.TriggerDelivery{TriggerID: trigger.ID, EventID: "e3", Status: model.DeliveryStatusSkipped, DedupeKey: "dk"})
	require.NoError(t, err)
}

func TestCreateClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	claim := &model.AutoRunClaim{WorkflowDefinitionID: "wf", AssetID: "ds", AssetKey: "ds", PartitionKeyNormalized: "2025-01-01", Reason: "upstream", ClaimOwner: "materializer"}
	require.NoError(t, m.CreateClaim(ctx, claim))

	err := m.CreateClaim(ctx, &model.AutoRunClaim{WorkflowDefinitionID: "wf", AssetID: "ds", AssetKey: "ds", PartitionKeyNormalized: "2025-01-01", Reason: "upstream", ClaimOwner: "materializer"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	claim.Status = model.ClaimStatusReleased
	require.NoError(t, m.UpdateClaim(ctx, claim))
	require.NoError(t, m.CreateClaim(ctx, &model.AutoRunClaim{WorkflowDefinitionID: "wf", AssetID: "ds", AssetKey: "ds", PartitionKeyNormalized: "2025-01-01", Reason: "upstream", ClaimOwner: "materializer"}))
}

func TestSchemaVersionChecksumReuse(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dataset, _ := seedDataset(t, m)

	fields := []model.SchemaField{{Name: "ts", Type: model.FieldTypeTimestamp}}
	first, err := m.CreateSchemaVersion(ctx, dataset.ID, "abc", fields)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	reused, err := m.CreateSchemaVersion(ctx, dataset.ID, "abc", fields)
	require.NoError(t, err)
	assert.Equal(t, first.ID, reused.ID)

	next, err := m.CreateSchemaVersion(ctx, dataset.ID, "def", fields)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
}
