/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/storage"
	"github.com/openfathom/fathom/pkg/store"
)

var testEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func seedDataset(t *testing.T, m *store.Memory) (*model.Dataset, *model.StorageTarget) {
	t.Helper()
	target, err := m.UpsertStorageTarget(context.Background(), &model.StorageTarget{Name: "primary", Kind: "local"})
	require.NoError(t, err)
	dataset, err := m.CreateDataset(context.Background(), &model.Dataset{
		Slug:                   "events",
		Name:                   "Events",
		WriteFormat:            model.WriteFormatDuckDB,
		DefaultStorageTargetID: target.ID,
	})
	require.NoError(t, err)
	return dataset, target
}

// writeSource materializes a small source partition through the adapter and
// returns the catalog row pointing at it. Each row is distinct so unions have
// exact row counts.
func writeSource(t *testing.T, adapter storage.Adapter, dataset *model.Dataset, target *model.StorageTarget, table, id string, rows int, start, end time.Time) model.Partition {
	t.Helper()
	raw := make([]json.RawMessage, 0, rows)
	for i := 0; i < rows; i++ {
		raw = append(raw, json.RawMessage(fmt.Sprintf(`{"partition":%q,"n":%d}`, id, i)))
	}
	result, err := adapter.WritePartition(context.Background(), storage.WriteRequest{
		DatasetSlug: dataset.Slug,
		PartitionID: id,
		TableName:   table,
		FileFormat:  model.WriteFormatDuckDB,
		Rows:        raw,
	})
	require.NoError(t, err)
	return model.Partition{
		ID:              id,
		StorageTargetID: target.ID,
		FileFormat:      model.WriteFormatDuckDB,
		FilePath:        result.RelativePath,
		FileSizeBytes:   &result.FileSizeBytes,
		RowCount:        &result.RowCount,
		StartTime:       start,
		EndTime:         end,
		Checksum:        result.Checksum,
		Metadata:        json.RawMessage(fmt.Sprintf(`{"tableName":%q}`, table)),
	}
}

func publishManifest(t *testing.T, m *store.Memory, dataset *model.Dataset, partitions []model.Partition) *model.ManifestWithPartitions {
	t.Helper()
	published, err := m.CreateDatasetManifest(context.Background(), store.CreateManifestInput{
		Manifest: model.Manifest{
			DatasetID:     dataset.ID,
			Version:       1,
			Status:        model.ManifestStatusPublished,
			ManifestShard: "default",
		},
		Partitions: partitions,
	})
	require.NoError(t, err)
	return published
}

// flakyAdapter fails the nth write, simulating an interrupted chunk.
type flakyAdapter struct {
	*storage.MemoryAdapter
	failOnWrite int
	writes      int
}

func (f *flakyAdapter) WritePartition(ctx context.Context, req storage.WriteRequest) (storage.WriteResult, error) {
	f.writes++
	if f.writes == f.failOnWrite {
		return storage.WriteResult{}, errors.NewStorageIO("simulated write failure")
	}
	return f.MemoryAdapter.WritePartition(ctx, req)
}

// recordingQueue captures enqueued tasks for the runner tests.
type recordingQueue struct {
	tasks []*queue.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, kind, key string, payload json.RawMessage) error {
	q.tasks = append(q.tasks, &queue.Task{Kind: kind, Key: key, Payload: payload})
	return nil
}

func (q *recordingQueue) Subscribe(string, queue.Handler) {}

func auditEventsOfType(t *testing.T, m *store.Memory, datasetID, eventType string) []model.LifecycleAuditEvent {
	t.Helper()
	all, err := m.ListLifecycleAudit(context.Background(), datasetID, 0)
	require.NoError(t, err)
	var out []model.LifecycleAuditEvent
	for _, event := range all {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}
