/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package lifecycle maintains published manifests: compaction merges small
// partitions into fewer larger ones through a resumable checkpoint, retention
// expires partitions per policy, and a pruner trims the access audit trail.
package lifecycle

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/model"
)

// PlanOptions bound what the planner packs into one compaction group.
type PlanOptions struct {
	TargetPartitionBytes  int64
	SmallPartitionBytes   int64
	MaxPartitionsPerGroup int
}

// DefaultPlanOptions reads the grouping bounds from configuration.
func DefaultPlanOptions() PlanOptions {
	return PlanOptions{
		TargetPartitionBytes:  config.GetTargetPartitionBytes(),
		SmallPartitionBytes:   config.GetSmallPartitionBytes(),
		MaxPartitionsPerGroup: config.GetMaxPartitionsPerGroup(),
	}
}

// PlanGroups packs small duckdb partitions into compaction groups. Partitions
// are bucketed by (storageTargetId, tableName), ordered by startTime, and
// packed greedily while the group stays under the byte target and member cap.
// Groups of one are dropped; replacement partition ids are allocated here so
// a resumed run rewrites the same output object.
func PlanGroups(partitions []model.Partition, opts PlanOptions) []model.CompactionGroup {
	type bucketKey struct {
		storageTargetID string
		tableName       string
	}
	buckets := make(map[bucketKey][]model.Partition)
	for i := range partitions {
		p := partitions[i]
		if p.FileFormat != model.WriteFormatDuckDB || p.SizeBytes() > opts.SmallPartitionBytes {
			continue
		}
		key := bucketKey{storageTargetID: p.StorageTargetID, tableName: p.TableName()}
		buckets[key] = append(buckets[key], p)
	}

	keys := make([]bucketKey, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].storageTargetID != keys[j].storageTargetID {
			return keys[i].storageTargetID < keys[j].storageTargetID
		}
		return keys[i].tableName < keys[j].tableName
	})

	var groups []model.CompactionGroup
	for _, key := range keys {
		members := buckets[key]
		sort.Slice(members, func(i, j int) bool {
			if !members[i].StartTime.Equal(members[j].StartTime) {
				return members[i].StartTime.Before(members[j].StartTime)
			}
			return members[i].ID < members[j].ID
		})

		var open *model.CompactionGroup
		flush := func() {
			if open != nil && len(open.PartitionIDs) > 1 {
				groups = append(groups, *open)
			}
			open = nil
		}
		for i := range members {
			p := members[i]
			if open != nil &&
				(len(open.PartitionIDs) >= opts.MaxPartitionsPerGroup ||
					open.TotalBytes+p.SizeBytes() > opts.TargetPartitionBytes) {
				flush()
			}
			if open == nil {
				open = &model.CompactionGroup{
					ID:                     uuid.NewString(),
					ReplacementPartitionID: uuid.NewString(),
					StorageTargetID:        key.storageTargetID,
					TableName:              key.tableName,
					StartTime:              p.StartTime,
					EndTime:                p.EndTime,
				}
			}
			open.PartitionIDs = append(open.PartitionIDs, p.ID)
			open.TotalBytes += p.SizeBytes()
			open.TotalRows += p.Rows()
			open.StartTime = minTime(open.StartTime, p.StartTime)
			open.EndTime = maxTime(open.EndTime, p.EndTime)
		}
		flush()
	}
	return groups
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
