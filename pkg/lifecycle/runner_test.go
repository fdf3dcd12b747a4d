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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/storage"
	"github.com/openfathom/fathom/pkg/store"
)

func testRunner(m *store.Memory, q queue.Interface, adapter storage.Adapter) *Runner {
	return NewRunner(m, q, testCompactor(m, adapter), NewRetention(m, nil), NewAuditPruner(m))
}

func TestSweepEnqueuesPerActiveDataset(t *testing.T) {
	m := store.NewMemory()
	q := &recordingQueue{}
	dataset, _ := seedDataset(t, m)
	ctx := context.Background()

	require.NoError(t, testRunner(m, q, storage.NewMemoryAdapter()).Sweep(ctx))
	require.Len(t, q.tasks, 2)
	for _, task := range q.tasks {
		assert.Equal(t, queue.KindLifecycle, task.Kind)
		assert.Equal(t, dataset.ID, task.Key)
	}
	var first, second lifecycleTask
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload, &first))
	require.NoError(t, json.Unmarshal(q.tasks[1].Payload, &second))
	// compaction is enqueued ahead of retention so it runs first per dataset
	assert.Equal(t, model.LifecycleJobCompaction, first.Job)
	assert.Equal(t, model.LifecycleJobRetention, second.Job)
}

func TestHandleTaskRunsCompaction(t *testing.T) {
	m := store.NewMemory()
	adapter := storage.NewMemoryAdapter()
	dataset, manifest := fourSmallPartitions(t, m, adapter)
	runner := testRunner(m, &recordingQueue{}, adapter)
	ctx := context.Background()

	payload, _ := json.Marshal(lifecycleTask{DatasetID: dataset.ID, Job: model.LifecycleJobCompaction})
	err := runner.handleTask(ctx, &queue.Task{ID: "t1", Kind: queue.KindLifecycle, Payload: payload})
	require.NoError(t, err)

	after, err := m.GetManifestWithPartitions(ctx, manifest.Manifest.ID)
	require.NoError(t, err)
	assert.Len(t, after.Partitions, 2)
}

func TestHandleTaskDropsVanishedDataset(t *testing.T) {
	m := store.NewMemory()
	runner := testRunner(m, &recordingQueue{}, storage.NewMemoryAdapter())

	payload, _ := json.Marshal(lifecycleTask{DatasetID: "gone", Job: model.LifecycleJobCompaction})
	err := runner.handleTask(context.Background(), &queue.Task{ID: "t1", Kind: queue.KindLifecycle, Payload: payload})
	assert.NoError(t, err)

	err = runner.handleTask(context.Background(), &queue.Task{ID: "t2", Payload: json.RawMessage(`{broken`)})
	assert.NoError(t, err)
}

func TestAuditPrunerDrainsInBatches(t *testing.T) {
	m := store.NewMemory()
	dataset, _ := seedDataset(t, m)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.InsertAccessAudit(ctx, &model.DatasetAccessAudit{
			DatasetID: dataset.ID, Action: "read", Success: true,
			CreatedAt: now.Add(-48 * time.Hour),
		}))
	}
	require.NoError(t, m.InsertAccessAudit(ctx, &model.DatasetAccessAudit{
		DatasetID: dataset.ID, Action: "read", Success: true, CreatedAt: now,
	}))

	pruner := NewAuditPruner(m)
	pruner.ttl = 24 * time.Hour
	pruner.batch = 2
	pruner.now = func() time.Time { return now }

	deleted, err := pruner.PruneOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)

	// the fresh row survives
	deleted, err = pruner.PruneOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
