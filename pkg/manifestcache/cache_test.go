/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package manifestcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

func seedDataset(t *testing.T, m *store.Memory) (*model.Dataset, *model.ManifestWithPartitions) {
	t.Helper()
	ctx := context.Background()
	target, err := m.UpsertStorageTarget(ctx, &model.StorageTarget{Name: "local", Kind: "local"})
	require.NoError(t, err)
	dataset, err := m.CreateDataset(ctx, &model.Dataset{
		Slug: "metrics", Name: "Metrics", Status: model.DatasetStatusActive,
		WriteFormat: model.WriteFormatDuckDB,
	})
	require.NoError(t, err)
	size := int64(1024)
	published, err := m.CreateDatasetManifest(ctx, store.CreateManifestInput{
		Manifest: model.Manifest{
			DatasetID: dataset.ID, Version: 1, Status: model.ManifestStatusPublished,
			ManifestShard: "2026-03",
		},
		Partitions: []model.Partition{{
			DatasetID: dataset.ID, StorageTargetID: target.ID,
			FileFormat: model.WriteFormatDuckDB, FilePath: "metrics/p1.duckdb",
			FileSizeBytes: &size,
			StartTime:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			EndTime:       time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		}},
	})
	require.NoError(t, err)
	return dataset, published
}

func TestGetFillsAndHits(t *testing.T) {
	m := store.NewMemory()
	dataset, published := seedDataset(t, m)
	cache := NewWithTTL(m, time.Minute)

	entry, err := cache.Get(context.Background(), dataset.ID, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, published.Manifest.ID, entry.Manifest.ID)
	assert.Len(t, entry.Partitions, 1)

	_, err = cache.Get(context.Background(), dataset.ID, "2026-03")
	require.NoError(t, err)
	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestInvalidateDropsEntry(t *testing.T) {
	m := store.NewMemory()
	dataset, _ := seedDataset(t, m)
	cache := NewWithTTL(m, time.Minute)

	_, err := cache.Get(context.Background(), dataset.ID, "2026-03")
	require.NoError(t, err)
	cache.Invalidate(dataset.ID, "2026-03")

	_, err = cache.Get(context.Background(), dataset.ID, "2026-03")
	require.NoError(t, err)
	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Invalidations)
}

func TestExpiredEntryRefetches(t *testing.T) {
	m := store.NewMemory()
	dataset, _ := seedDataset(t, m)
	cache := NewWithTTL(m, time.Nanosecond)

	_, err := cache.Get(context.Background(), dataset.ID, "2026-03")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = cache.Get(context.Background(), dataset.ID, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cache.Stats().Misses)
}

func TestPrimeLoadsActiveDatasets(t *testing.T) {
	m := store.NewMemory()
	dataset, _ := seedDataset(t, m)
	cache := NewWithTTL(m, time.Minute)

	require.NoError(t, cache.Prime(context.Background()))
	entry, err := cache.Get(context.Background(), dataset.ID, "2026-03")
	require.NoError(t, err)
	assert.NotZero(t, entry.CachedAt)
	assert.Equal(t, int64(1), cache.Stats().Hits)
}
