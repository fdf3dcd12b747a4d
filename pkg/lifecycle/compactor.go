/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/jsonutil"
	"github.com/openfathom/fathom/pkg/manifestcache"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/storage"
	"github.com/openfathom/fathom/pkg/store"
)

// Outcome summarizes one compaction invocation for the job-run row. Chunk
// counters carry the final checkpoint totals of every manifest touched.
type Outcome struct {
	Manifests  int   `json:"manifests"`
	Chunks     int64 `json:"chunks"`
	Partitions int64 `json:"partitions"`
	Bytes      int64 `json:"bytes"`
	Rows       int64 `json:"rows"`
}

// Compactor drives checkpointed compaction over published manifests. Chunks
// are the unit of progress: one ReplacePartitionsInManifest call per chunk,
// checkpoint persisted after every chunk, so an interrupted run resumes
// without re-processing finished groups.
type Compactor struct {
	store   store.Interface
	adapter storage.Adapter
	cache   *manifestcache.Cache

	plan       PlanOptions
	chunkLimit int
	now        func() time.Time
}

func NewCompactor(s store.Interface, adapter storage.Adapter, cache *manifestcache.Cache) *Compactor {
	return &Compactor{
		store:      s,
		adapter:    adapter,
		cache:      cache,
		plan:       DefaultPlanOptions(),
		chunkLimit: config.GetChunkPartitionLimit(),
		now:        time.Now,
	}
}

// CompactDataset compacts the latest published manifest of every shard.
func (c *Compactor) CompactDataset(ctx context.Context, dataset *model.Dataset) (*Outcome, error) {
	shards, err := c.store.ListManifestShards(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{}
	for _, shard := range shards {
		latest, err := c.store.LatestPublishedManifest(ctx, dataset.ID, shard)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return outcome, err
		}
		checkpoint, err := c.CompactManifest(ctx, dataset, latest)
		if err != nil {
			return outcome, err
		}
		if checkpoint != nil {
			outcome.Manifests++
			outcome.Chunks += checkpoint.Stats.Chunks
			outcome.Partitions += checkpoint.Stats.Partitions
			outcome.Bytes += checkpoint.Stats.Bytes
			outcome.Rows += checkpoint.Stats.Rows
		}
	}
	return outcome, nil
}

// CompactManifest runs compaction for one manifest to completion. A live
// checkpoint is resumed from its cursor; absent one, a fresh plan is built
// and persisted before any data moves. Returns nil when there is nothing to
// compact.
func (c *Compactor) CompactManifest(ctx context.Context, dataset *model.Dataset, manifest *model.ManifestWithPartitions) (*model.CompactionCheckpoint, error) {
	checkpoint, resumed, err := c.loadCheckpoint(ctx, dataset, manifest)
	if err != nil || checkpoint == nil {
		return nil, err
	}
	if checkpoint.IsTerminal() {
		return checkpoint, nil
	}

	if checkpoint.Status != model.CheckpointStatusRunning {
		checkpoint.Status = model.CheckpointStatusRunning
		if err := c.store.UpdateCheckpoint(ctx, checkpoint); err != nil {
			return nil, err
		}
	}
	if resumed {
		c.audit(ctx, dataset.ID, checkpoint.ManifestID, model.AuditCompactionResume, map[string]interface{}{
			"checkpointId": checkpoint.ID,
			"retryCount":   checkpoint.RetryCount,
			"cursor":       checkpoint.Cursor,
		})
	}

	for {
		if err := ctx.Err(); err != nil {
			return checkpoint, err
		}
		chunk := nextChunk(checkpoint.Metadata.Groups, checkpoint.Cursor, c.chunkLimit)
		if len(chunk) == 0 {
			break
		}
		if err := c.executeChunk(ctx, dataset, checkpoint, chunk); err != nil {
			return checkpoint, err
		}
	}

	checkpoint.Status = model.CheckpointStatusCompleted
	if err := c.store.UpdateCheckpoint(ctx, checkpoint); err != nil {
		return checkpoint, err
	}
	if c.cache != nil {
		c.cache.Invalidate(checkpoint.DatasetID, checkpoint.ManifestShard)
	}
	return checkpoint, nil
}

// loadCheckpoint returns the live checkpoint, building a fresh plan when none
// exists. A chunkPartitionLimit change throws the remaining plan away and
// replans over the partitions still in the manifest.
func (c *Compactor) loadCheckpoint(ctx context.Context, dataset *model.Dataset, manifest *model.ManifestWithPartitions) (*model.CompactionCheckpoint, bool, error) {
	checkpoint, err := c.store.GetLiveCheckpoint(ctx, manifest.Manifest.ID)
	if err == nil {
		if checkpoint.Metadata.ChunkPartitionLimit != c.chunkLimit {
			klog.InfoS("chunk partition limit changed, rebuilding compaction plan",
				"manifest", manifest.Manifest.ID,
				"previous", checkpoint.Metadata.ChunkPartitionLimit, "current", c.chunkLimit)
			checkpoint.Metadata = model.CheckpointMetadata{
				Groups:              PlanGroups(manifest.Partitions, c.plan),
				ChunkAttempts:       map[string]int{},
				ChunkPartitionLimit: c.chunkLimit,
			}
			checkpoint.Cursor = 0
		}
		resumed := checkpoint.Status == model.CheckpointStatusFailed || checkpoint.Cursor > 0
		if checkpoint.Status == model.CheckpointStatusFailed {
			checkpoint.RetryCount++
		}
		return checkpoint, resumed, nil
	}
	if !errors.IsNotFound(err) {
		return nil, false, err
	}

	groups := PlanGroups(manifest.Partitions, c.plan)
	if len(groups) == 0 {
		return nil, false, nil
	}
	checkpoint = &model.CompactionCheckpoint{
		DatasetID:     dataset.ID,
		ManifestID:    manifest.Manifest.ID,
		ManifestShard: manifest.Manifest.ManifestShard,
		Metadata: model.CheckpointMetadata{
			Groups:              groups,
			ChunkAttempts:       map[string]int{},
			ChunkPartitionLimit: c.chunkLimit,
		},
		Status: model.CheckpointStatusPending,
	}
	if err := c.store.CreateCheckpoint(ctx, checkpoint); err != nil {
		return nil, false, err
	}
	return checkpoint, false, nil
}

// nextChunk takes consecutive groups from the cursor until the partition
// budget is spent. Always at least one group, so an oversized group still
// makes progress.
func nextChunk(groups []model.CompactionGroup, cursor, limit int) []model.CompactionGroup {
	var chunk []model.CompactionGroup
	total := 0
	for i := cursor; i < len(groups); i++ {
		n := len(groups[i].PartitionIDs)
		if len(chunk) > 0 && total+n > limit {
			break
		}
		chunk = append(chunk, groups[i])
		total += n
		if total >= limit {
			break
		}
	}
	return chunk
}

type compactedGroup struct {
	group       model.CompactionGroup
	replacement model.Partition
}

func (c *Compactor) executeChunk(ctx context.Context, dataset *model.Dataset, checkpoint *model.CompactionCheckpoint, chunk []model.CompactionGroup) error {
	started := c.now().UTC()
	current, err := c.store.GetManifestWithPartitions(ctx, checkpoint.ManifestID)
	if err != nil {
		return c.failChunk(ctx, checkpoint, chunk, err)
	}
	byID := make(map[string]*model.Partition, len(current.Partitions))
	for i := range current.Partitions {
		byID[current.Partitions[i].ID] = &current.Partitions[i]
	}

	var compacted []compactedGroup
	for _, group := range chunk {
		sources, reason := c.resolveSources(ctx, byID, group)
		if reason != "" {
			c.audit(ctx, dataset.ID, checkpoint.ManifestID, model.AuditCompactionGroupSkipped, map[string]interface{}{
				"groupId":      group.ID,
				"partitionIds": group.PartitionIDs,
				"reason":       reason,
			})
			continue
		}
		replacement, err := c.materializeGroup(ctx, dataset, group, sources)
		if err != nil {
			return c.failChunk(ctx, checkpoint, chunk, err)
		}
		compacted = append(compacted, compactedGroup{group: group, replacement: replacement})
	}

	if len(compacted) > 0 {
		input := store.ReplacePartitionsInput{
			ManifestID: checkpoint.ManifestID,
			SummaryPatch: map[string]interface{}{
				"lifecycle": map[string]interface{}{
					"lastCompactionAt": started.Format(time.RFC3339),
				},
			},
			MetadataPatch: map[string]interface{}{
				"lifecycle": map[string]interface{}{
					"compactionCheckpointId": checkpoint.ID,
				},
			},
		}
		for _, done := range compacted {
			input.Remove = append(input.Remove, done.group.PartitionIDs...)
			input.Add = append(input.Add, done.replacement)
		}
		if _, err := c.store.ReplacePartitionsInManifest(ctx, input); err != nil {
			return c.failChunk(ctx, checkpoint, chunk, err)
		}
	}

	var chunkBytes, chunkRows int64
	chunkPartitions := 0
	groupIDs := make([]string, 0, len(chunk))
	for _, done := range compacted {
		chunkBytes += done.group.TotalBytes
		chunkRows += done.group.TotalRows
		chunkPartitions += len(done.group.PartitionIDs)
		c.audit(ctx, dataset.ID, checkpoint.ManifestID, model.AuditCompactionGroupCompacted, map[string]interface{}{
			"groupId":                done.group.ID,
			"partitionIds":           done.group.PartitionIDs,
			"replacementPartitionId": done.replacement.ID,
			"bytes":                  done.group.TotalBytes,
			"rows":                   done.group.TotalRows,
		})
	}
	for _, group := range chunk {
		groupIDs = append(groupIDs, group.ID)
	}

	checkpoint.Metadata.CompletedGroupIDs = append(checkpoint.Metadata.CompletedGroupIDs, groupIDs...)
	checkpoint.Cursor += len(chunk)
	checkpoint.Stats.Bytes += chunkBytes
	checkpoint.Stats.Rows += chunkRows
	checkpoint.Stats.Partitions += int64(chunkPartitions)
	checkpoint.Stats.Chunks++
	checkpoint.Stats.LastError = ""
	completed := c.now().UTC()
	checkpoint.Stats.History = append(checkpoint.Stats.History, model.ChunkHistoryEntry{
		Chunk:       int(checkpoint.Stats.Chunks),
		GroupIDs:    groupIDs,
		Partitions:  chunkPartitions,
		Bytes:       chunkBytes,
		Rows:        chunkRows,
		DurationMs:  completed.Sub(started).Milliseconds(),
		CompletedAt: completed,
	})
	if overflow := len(checkpoint.Stats.History) - model.CheckpointHistoryLimit; overflow > 0 {
		checkpoint.Stats.History = checkpoint.Stats.History[overflow:]
	}
	if err := c.store.UpdateCheckpoint(ctx, checkpoint); err != nil {
		return err
	}
	metrics.CompactionChunks.WithLabelValues("success").Inc()
	metrics.CompactionBytes.Add(float64(chunkBytes))
	return nil
}

// resolveSources maps a group's planned partition ids onto the manifest's
// current rows and confirms the backing files still exist. A non-empty reason
// means the group must be skipped.
func (c *Compactor) resolveSources(ctx context.Context, byID map[string]*model.Partition, group model.CompactionGroup) ([]*model.Partition, string) {
	sources := make([]*model.Partition, 0, len(group.PartitionIDs))
	for _, id := range group.PartitionIDs {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Sprintf("partition %s no longer in manifest", id)
		}
		exists, err := c.adapter.PartitionExists(ctx, p.FilePath)
		if err != nil {
			klog.ErrorS(err, "failed to stat source partition", "partition", id, "path", p.FilePath)
			return nil, fmt.Sprintf("source partition %s unreadable", id)
		}
		if !exists {
			return nil, fmt.Sprintf("source partition %s missing at %s", id, p.FilePath)
		}
		sources = append(sources, p)
	}
	return sources, ""
}

// materializeGroup unions the group's source files into the replacement
// partition. The output covers [min(start), max(end)) of its inputs.
func (c *Compactor) materializeGroup(ctx context.Context, dataset *model.Dataset, group model.CompactionGroup, sources []*model.Partition) (model.Partition, error) {
	paths := make([]string, 0, len(sources))
	for _, p := range sources {
		paths = append(paths, p.FilePath)
	}
	rows := group.TotalRows
	result, err := c.adapter.WritePartition(ctx, storage.WriteRequest{
		DatasetSlug:  dataset.Slug,
		PartitionID:  group.ReplacementPartitionID,
		TableName:    group.TableName,
		FileFormat:   model.WriteFormatDuckDB,
		SourceFiles:  paths,
		RowCountHint: &rows,
	})
	if err != nil {
		return model.Partition{}, err
	}
	metadata := jsonutil.MarshalSilently(map[string]interface{}{
		"tableName": group.TableName,
		"lifecycle": map[string]interface{}{
			"compactedFrom": group.PartitionIDs,
		},
	})
	return model.Partition{
		ID:              group.ReplacementPartitionID,
		StorageTargetID: group.StorageTargetID,
		FileFormat:      model.WriteFormatDuckDB,
		FilePath:        result.RelativePath,
		FileSizeBytes:   &result.FileSizeBytes,
		RowCount:        &result.RowCount,
		StartTime:       group.StartTime,
		EndTime:         group.EndTime,
		Checksum:        result.Checksum,
		Metadata:        metadata,
	}, nil
}

func (c *Compactor) failChunk(ctx context.Context, checkpoint *model.CompactionCheckpoint, chunk []model.CompactionGroup, cause error) error {
	checkpoint.Status = model.CheckpointStatusFailed
	checkpoint.Stats.LastError = cause.Error()
	if checkpoint.Metadata.ChunkAttempts == nil {
		checkpoint.Metadata.ChunkAttempts = map[string]int{}
	}
	for _, group := range chunk {
		checkpoint.Metadata.ChunkAttempts[group.ID]++
	}
	if err := c.store.UpdateCheckpoint(ctx, checkpoint); err != nil {
		klog.ErrorS(err, "failed to persist failed checkpoint", "checkpoint", checkpoint.ID)
	}
	metrics.CompactionChunks.WithLabelValues("error").Inc()
	return cause
}

func (c *Compactor) audit(ctx context.Context, datasetID, manifestID, eventType string, payload map[string]interface{}) {
	event := &model.LifecycleAuditEvent{
		DatasetID:  datasetID,
		ManifestID: manifestID,
		EventType:  eventType,
		Payload:    jsonutil.MarshalSilently(payload),
	}
	if err := c.store.InsertLifecycleAudit(ctx, event); err != nil {
		klog.ErrorS(err, "failed to insert lifecycle audit event", "type", eventType, "dataset", datasetID)
	}
}
