/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/jsonutil"
	"github.com/openfathom/fathom/pkg/manifestcache"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

// Expiry reasons recorded on retention audit events.
const (
	ExpiryReasonAge  = "max-age"
	ExpiryReasonSize = "max-size"
)

type expiredPartition struct {
	partition model.Partition
	reason    string
}

// Retention removes partitions exceeding the dataset's retention policy.
type Retention struct {
	store store.Interface
	cache *manifestcache.Cache
	now   func() time.Time
}

func NewRetention(s store.Interface, cache *manifestcache.Cache) *Retention {
	return &Retention{store: s, cache: cache, now: time.Now}
}

// Apply evaluates the dataset's policy against the latest published manifest
// of every shard and removes expired partitions. Returns how many partitions
// were removed; datasets without a policy are untouched.
func (r *Retention) Apply(ctx context.Context, dataset *model.Dataset) (int, error) {
	policy, err := r.store.GetRetentionPolicy(ctx, dataset.ID)
	if errors.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	shards, err := r.store.ListManifestShards(ctx, dataset.ID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, shard := range shards {
		latest, err := r.store.LatestPublishedManifest(ctx, dataset.ID, shard)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return removed, err
		}
		expired := r.expiredPartitions(latest.Partitions, policy.Rule)
		if len(expired) == 0 {
			continue
		}
		input := store.ReplacePartitionsInput{
			ManifestID: latest.Manifest.ID,
			SummaryPatch: map[string]interface{}{
				"lifecycle": map[string]interface{}{
					"lastRetentionAt": r.now().UTC().Format(time.RFC3339),
				},
			},
		}
		for _, e := range expired {
			input.Remove = append(input.Remove, e.partition.ID)
		}
		if _, err := r.store.ReplacePartitionsInManifest(ctx, input); err != nil {
			return removed, err
		}
		for _, e := range expired {
			event := &model.LifecycleAuditEvent{
				DatasetID:  dataset.ID,
				ManifestID: latest.Manifest.ID,
				EventType:  model.AuditRetentionPartitionExpire,
				Payload: jsonutil.MarshalSilently(map[string]interface{}{
					"partitionId": e.partition.ID,
					"reason":      e.reason,
					"startTime":   e.partition.StartTime,
					"endTime":     e.partition.EndTime,
				}),
			}
			if err := r.store.InsertLifecycleAudit(ctx, event); err != nil {
				return removed, err
			}
		}
		metrics.PartitionsExpired.Add(float64(len(expired)))
		if r.cache != nil {
			r.cache.Invalidate(dataset.ID, shard)
		}
		removed += len(expired)
	}
	return removed, nil
}

// expiredPartitions applies the age rule first, then trims oldest-first until
// the surviving set fits the byte budget.
func (r *Retention) expiredPartitions(partitions []model.Partition, rule model.RetentionRule) []expiredPartition {
	var expired []expiredPartition
	doomed := make(map[string]bool)

	if rule.MaxAgeHours != nil {
		cutoff := r.now().UTC().Add(-time.Duration(*rule.MaxAgeHours) * time.Hour)
		for i := range partitions {
			if !partitions[i].EndTime.After(cutoff) {
				doomed[partitions[i].ID] = true
				expired = append(expired, expiredPartition{partition: partitions[i], reason: ExpiryReasonAge})
			}
		}
	}

	if rule.MaxTotalBytes != nil {
		survivors := make([]model.Partition, 0, len(partitions))
		var total int64
		for i := range partitions {
			if doomed[partitions[i].ID] {
				continue
			}
			survivors = append(survivors, partitions[i])
			total += partitions[i].SizeBytes()
		}
		sort.Slice(survivors, func(i, j int) bool {
			if !survivors[i].StartTime.Equal(survivors[j].StartTime) {
				return survivors[i].StartTime.Before(survivors[j].StartTime)
			}
			return survivors[i].ID < survivors[j].ID
		})
		for i := 0; i < len(survivors) && total > *rule.MaxTotalBytes; i++ {
			total -= survivors[i].SizeBytes()
			doomed[survivors[i].ID] = true
			expired = append(expired, expiredPartition{partition: survivors[i], reason: ExpiryReasonSize})
		}
	}
	return expired
}
