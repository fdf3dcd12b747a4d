/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/storage"
	"github.com/openfathom/fathom/pkg/store"
)

// fourSmallPartitions seeds the scenario every compaction test starts from:
// one published manifest with four small duckdb partitions of the same table.
func fourSmallPartitions(t *testing.T, m *store.Memory, adapter storage.Adapter) (*model.Dataset, *model.ManifestWithPartitions) {
	t.Helper()
	dataset, target := seedDataset(t, m)
	var partitions []model.Partition
	for i, id := range []string{"p1", "p2", "p3", "p4"} {
		partitions = append(partitions,
			writeSource(t, adapter, dataset, target, "events", id, 2,
				testEpoch.Add(time.Duration(i)*time.Hour), testEpoch.Add(time.Duration(i+1)*time.Hour)))
	}
	return dataset, publishManifest(t, m, dataset, partitions)
}

func testCompactor(m *store.Memory, adapter storage.Adapter) *Compactor {
	c := NewCompactor(m, adapter, nil)
	c.plan = PlanOptions{TargetPartitionBytes: 1 << 20, SmallPartitionBytes: 1 << 20, MaxPartitionsPerGroup: 2}
	c.chunkLimit = 2
	return c
}

func TestCompactManifestMergesSmallPartitions(t *testing.T) {
	m := store.NewMemory()
	adapter := storage.NewMemoryAdapter()
	dataset, manifest := fourSmallPartitions(t, m, adapter)
	ctx := context.Background()

	checkpoint, err := testCompactor(m, adapter).CompactManifest(ctx, dataset, manifest)
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	assert.Equal(t, model.CheckpointStatusCompleted, checkpoint.Status)
	assert.Equal(t, int64(2), checkpoint.Stats.Chunks)
	assert.Equal(t, int64(8), checkpoint.Stats.Rows)
	assert.Equal(t, int64(4), checkpoint.Stats.Partitions)
	assert.Len(t, checkpoint.Metadata.CompletedGroupIDs, 2)
	assert.Len(t, checkpoint.Stats.History, 2)

	// two replacement partitions, none of the originals
	after, err := m.GetManifestWithPartitions(ctx, manifest.Manifest.ID)
	require.NoError(t, err)
	require.Len(t, after.Partitions, 2)
	originals := map[string]bool{"p1": true, "p2": true, "p3": true, "p4": true}
	for _, p := range after.Partitions {
		assert.False(t, originals[p.ID])
		assert.Equal(t, "events", p.TableName())
	}
	// row conservation across the rewrite
	assert.Equal(t, int64(8), after.Manifest.TotalRows)
	assert.Equal(t, testEpoch, after.Partitions[0].StartTime)
	assert.Equal(t, testEpoch.Add(2*time.Hour), after.Partitions[0].EndTime)

	assert.NotEmpty(t, gjson.GetBytes(after.Manifest.Summary, "lifecycle.lastCompactionAt").String())
	assert.Len(t, auditEventsOfType(t, m, dataset.ID, model.AuditCompactionGroupCompacted), 2)

	// completed checkpoints are no longer live
	_, err = m.GetLiveCheckpoint(ctx, manifest.Manifest.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestCompactResumeAfterInterruption(t *testing.T) {
	m := store.NewMemory()
	flaky := &flakyAdapter{MemoryAdapter: storage.NewMemoryAdapter(), failOnWrite: 2}
	dataset, manifest := fourSmallPartitions(t, m, flaky.MemoryAdapter)
	ctx := context.Background()

	// first pass: chunk one lands, chunk two dies mid-write
	_, err := testCompactor(m, flaky).CompactManifest(ctx, dataset, manifest)
	require.Error(t, err)
	assert.Equal(t, errors.StorageIO, errors.ReasonForError(err))

	interrupted, err := m.GetLiveCheckpoint(ctx, manifest.Manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusFailed, interrupted.Status)
	assert.Equal(t, 1, interrupted.Cursor)
	assert.Equal(t, int64(1), interrupted.Stats.Chunks)
	assert.Contains(t, interrupted.Stats.LastError, "simulated write failure")
	failedGroup := interrupted.Metadata.Groups[1]
	assert.Equal(t, 1, interrupted.Metadata.ChunkAttempts[failedGroup.ID])

	// resume completes the second chunk without re-processing the first
	current, err := m.GetManifestWithPartitions(ctx, manifest.Manifest.ID)
	require.NoError(t, err)
	checkpoint, err := testCompactor(m, flaky).CompactManifest(ctx, dataset, current)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusCompleted, checkpoint.Status)
	assert.Equal(t, 1, checkpoint.RetryCount)
	assert.Equal(t, int64(2), checkpoint.Stats.Chunks)
	assert.Empty(t, checkpoint.Stats.LastError)

	// one successful write per group plus the failed attempt
	assert.Equal(t, 3, flaky.writes)

	after, err := m.GetManifestWithPartitions(ctx, manifest.Manifest.ID)
	require.NoError(t, err)
	assert.Len(t, after.Partitions, 2)
	assert.Equal(t, int64(8), after.Manifest.TotalRows)

	assert.Len(t, auditEventsOfType(t, m, dataset.ID, model.AuditCompactionResume), 1)
}

func TestCompactSkipsGroupWithMissingSource(t *testing.T) {
	m := store.NewMemory()
	adapter := storage.NewMemoryAdapter()
	dataset, manifest := fourSmallPartitions(t, m, adapter)
	ctx := context.Background()

	// drop a source of the first group
	adapter.Drop(storage.RelativePath(dataset.Slug, "p1", model.WriteFormatDuckDB))

	checkpoint, err := testCompactor(m, adapter).CompactManifest(ctx, dataset, manifest)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusCompleted, checkpoint.Status)
	// both groups counted complete, only one actually rewritten
	assert.Len(t, checkpoint.Metadata.CompletedGroupIDs, 2)
	assert.Equal(t, int64(4), checkpoint.Stats.Rows)

	after, err := m.GetManifestWithPartitions(ctx, manifest.Manifest.ID)
	require.NoError(t, err)
	require.Len(t, after.Partitions, 3)
	ids := map[string]bool{}
	for _, p := range after.Partitions {
		ids[p.ID] = true
	}
	// the skipped group keeps its originals
	assert.True(t, ids["p1"] && ids["p2"])
	assert.False(t, ids["p3"] || ids["p4"])

	skippedEvents := auditEventsOfType(t, m, dataset.ID, model.AuditCompactionGroupSkipped)
	require.Len(t, skippedEvents, 1)
	assert.Contains(t, gjson.GetBytes(skippedEvents[0].Payload, "reason").String(), "missing")
	assert.Len(t, auditEventsOfType(t, m, dataset.ID, model.AuditCompactionGroupCompacted), 1)
}

func TestChunkLimitChangeRebuildsPlan(t *testing.T) {
	m := store.NewMemory()
	flaky := &flakyAdapter{MemoryAdapter: storage.NewMemoryAdapter(), failOnWrite: 1} // first compaction write fails
	dataset, manifest := fourSmallPartitions(t, m, flaky.MemoryAdapter)
	ctx := context.Background()

	_, err := testCompactor(m, flaky).CompactManifest(ctx, dataset, manifest)
	require.Error(t, err)

	// a wider chunk limit invalidates the stored plan
	wide := testCompactor(m, flaky.MemoryAdapter)
	wide.plan.MaxPartitionsPerGroup = 4
	wide.chunkLimit = 4
	checkpoint, err := wide.CompactManifest(ctx, dataset, manifest)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusCompleted, checkpoint.Status)
	assert.Equal(t, 4, checkpoint.Metadata.ChunkPartitionLimit)
	require.Len(t, checkpoint.Metadata.Groups, 1)
	assert.Len(t, checkpoint.Metadata.Groups[0].PartitionIDs, 4)

	after, err := m.GetManifestWithPartitions(ctx, manifest.Manifest.ID)
	require.NoError(t, err)
	require.Len(t, after.Partitions, 1)
	assert.Equal(t, int64(8), after.Partitions[0].Rows())
}

func TestCompactDatasetNoSmallPartitionsIsNoop(t *testing.T) {
	m := store.NewMemory()
	adapter := storage.NewMemoryAdapter()
	dataset, target := seedDataset(t, m)
	big := writeSource(t, adapter, dataset, target, "events", "solo", 2, testEpoch, testEpoch.Add(time.Hour))
	publishManifest(t, m, dataset, []model.Partition{big})

	c := testCompactor(m, adapter)
	c.plan.SmallPartitionBytes = 1 // nothing qualifies
	outcome, err := c.CompactDataset(context.Background(), dataset)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Manifests)
}
