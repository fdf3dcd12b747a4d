/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/model"
)

func plannerPartition(id, table, format string, sizeBytes, rows int64, start time.Time) model.Partition {
	return model.Partition{
		ID:              id,
		StorageTargetID: "target-1",
		FileFormat:      format,
		FilePath:        "events/" + id + ".duckdb",
		FileSizeBytes:   &sizeBytes,
		RowCount:        &rows,
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		Metadata:        json.RawMessage(`{"tableName":"` + table + `"}`),
	}
}

func TestPlanGroupsPacksByTableAndBudget(t *testing.T) {
	opts := PlanOptions{
		TargetPartitionBytes:  100,
		SmallPartitionBytes:   60,
		MaxPartitionsPerGroup: 3,
	}
	partitions := []model.Partition{
		// table a: 40+40 fit one group; the 50 overflows the byte budget and
		// ends up a dropped singleton.
		plannerPartition("a1", "a", model.WriteFormatDuckDB, 40, 10, testEpoch),
		plannerPartition("a2", "a", model.WriteFormatDuckDB, 40, 10, testEpoch.Add(time.Hour)),
		plannerPartition("a3", "a", model.WriteFormatDuckDB, 50, 10, testEpoch.Add(2*time.Hour)),
		// table b: two mergeable partitions.
		plannerPartition("b1", "b", model.WriteFormatDuckDB, 10, 5, testEpoch),
		plannerPartition("b2", "b", model.WriteFormatDuckDB, 10, 5, testEpoch.Add(time.Hour)),
		// ineligible: wrong format, too large.
		plannerPartition("p1", "a", model.WriteFormatParquet, 10, 5, testEpoch),
		plannerPartition("big", "a", model.WriteFormatDuckDB, 500, 100, testEpoch),
	}

	groups := PlanGroups(partitions, opts)
	require.Len(t, groups, 2)

	assert.Equal(t, []string{"a1", "a2"}, groups[0].PartitionIDs)
	assert.Equal(t, "a", groups[0].TableName)
	assert.Equal(t, int64(80), groups[0].TotalBytes)
	assert.Equal(t, int64(20), groups[0].TotalRows)
	assert.Equal(t, testEpoch, groups[0].StartTime)
	assert.Equal(t, testEpoch.Add(2*time.Hour), groups[0].EndTime)
	assert.NotEmpty(t, groups[0].ReplacementPartitionID)

	assert.Equal(t, []string{"b1", "b2"}, groups[1].PartitionIDs)
	assert.Equal(t, "b", groups[1].TableName)
}

func TestPlanGroupsMemberCap(t *testing.T) {
	opts := PlanOptions{
		TargetPartitionBytes:  1 << 20,
		SmallPartitionBytes:   1 << 10,
		MaxPartitionsPerGroup: 2,
	}
	var partitions []model.Partition
	for i := 0; i < 5; i++ {
		partitions = append(partitions,
			plannerPartition(string(rune('a'+i)), "events", model.WriteFormatDuckDB, 10, 1, testEpoch.Add(time.Duration(i)*time.Hour)))
	}
	groups := PlanGroups(partitions, opts)
	// 2+2 merge, the trailing singleton is dropped
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "b"}, groups[0].PartitionIDs)
	assert.Equal(t, []string{"c", "d"}, groups[1].PartitionIDs)
}

func TestPlanGroupsSplitsStorageTargets(t *testing.T) {
	opts := PlanOptions{TargetPartitionBytes: 1 << 20, SmallPartitionBytes: 1 << 10, MaxPartitionsPerGroup: 10}
	p1 := plannerPartition("x1", "events", model.WriteFormatDuckDB, 10, 1, testEpoch)
	p2 := plannerPartition("x2", "events", model.WriteFormatDuckDB, 10, 1, testEpoch.Add(time.Hour))
	p2.StorageTargetID = "target-2"
	groups := PlanGroups([]model.Partition{p1, p2}, opts)
	// different targets never merge, both become dropped singletons
	assert.Empty(t, groups)
}
