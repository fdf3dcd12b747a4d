/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

func retentionPartition(id string, sizeBytes int64, start, end time.Time) model.Partition {
	rows := int64(1)
	return model.Partition{
		ID:              id,
		StorageTargetID: "target-1",
		FileFormat:      model.WriteFormatDuckDB,
		FilePath:        "events/" + id + ".duckdb",
		FileSizeBytes:   &sizeBytes,
		RowCount:        &rows,
		StartTime:       start,
		EndTime:         end,
		Metadata:        json.RawMessage(`{"tableName":"events"}`),
	}
}

func testRetention(m *store.Memory, now time.Time) *Retention {
	r := NewRetention(m, nil)
	r.now = func() time.Time { return now }
	return r
}

func TestRetentionExpiresByAge(t *testing.T) {
	m := store.NewMemory()
	dataset, _ := seedDataset(t, m)
	ctx := context.Background()

	now := testEpoch.Add(72 * time.Hour)
	manifest := publishManifest(t, m, dataset, []model.Partition{
		retentionPartition("old-1", 10, testEpoch, testEpoch.Add(time.Hour)),
		retentionPartition("old-2", 10, testEpoch.Add(time.Hour), testEpoch.Add(2*time.Hour)),
		retentionPartition("fresh", 10, now.Add(-2*time.Hour), now.Add(-time.Hour)),
	})
	maxAge := 24
	_, err := m.UpsertRetentionPolicy(ctx, &model.RetentionPolicy{
		DatasetID: dataset.ID,
		Rule:      model.RetentionRule{MaxAgeHours: &maxAge},
	})
	require.NoError(t, err)

	removed, err := testRetention(m, now).Apply(ctx, dataset)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	after, err := m.GetManifestWithPartitions(ctx, manifest.Manifest.ID)
	require.NoError(t, err)
	require.Len(t, after.Partitions, 1)
	assert.Equal(t, "fresh", after.Partitions[0].ID)
	assert.NotEmpty(t, gjson.GetBytes(after.Manifest.Summary, "lifecycle.lastRetentionAt").String())

	events := auditEventsOfType(t, m, dataset.ID, model.AuditRetentionPartitionExpire)
	require.Len(t, events, 2)
	expired := lo.Map(events, func(e model.LifecycleAuditEvent, _ int) string {
		return gjson.GetBytes(e.Payload, "partitionId").String()
	})
	assert.ElementsMatch(t, []string{"old-1", "old-2"}, expired)
	assert.Equal(t, ExpiryReasonAge, gjson.GetBytes(events[0].Payload, "reason").String())
}

func TestRetentionTrimsOldestToByteBudget(t *testing.T) {
	m := store.NewMemory()
	dataset, _ := seedDataset(t, m)
	ctx := context.Background()

	now := testEpoch.Add(10 * time.Hour)
	manifest := publishManifest(t, m, dataset, []model.Partition{
		retentionPartition("p1", 100, testEpoch, testEpoch.Add(time.Hour)),
		retentionPartition("p2", 100, testEpoch.Add(time.Hour), testEpoch.Add(2*time.Hour)),
		retentionPartition("p3", 100, testEpoch.Add(2*time.Hour), testEpoch.Add(3*time.Hour)),
	})
	maxBytes := int64(150)
	_, err := m.UpsertRetentionPolicy(ctx, &model.RetentionPolicy{
		DatasetID: dataset.ID,
		Rule:      model.RetentionRule{MaxTotalBytes: &maxBytes},
	})
	require.NoError(t, err)

	removed, err := testRetention(m, now).Apply(ctx, dataset)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	after, err := m.GetManifestWithPartitions(ctx, manifest.Manifest.ID)
	require.NoError(t, err)
	require.Len(t, after.Partitions, 1)
	assert.Equal(t, "p3", after.Partitions[0].ID)

	events := auditEventsOfType(t, m, dataset.ID, model.AuditRetentionPartitionExpire)
	require.Len(t, events, 2)
	assert.Equal(t, ExpiryReasonSize, gjson.GetBytes(events[0].Payload, "reason").String())
}

func TestRetentionWithoutPolicyIsNoop(t *testing.T) {
	m := store.NewMemory()
	dataset, _ := seedDataset(t, m)
	publishManifest(t, m, dataset, []model.Partition{
		retentionPartition("p1", 10, testEpoch, testEpoch.Add(time.Hour)),
	})

	removed, err := testRetention(m, testEpoch.Add(time.Hour)).Apply(context.Background(), dataset)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Empty(t, auditEventsOfType(t, m, dataset.ID, model.AuditRetentionPartitionExpire))
}
