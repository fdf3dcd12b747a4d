/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/jsonutil"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

const (
	TManifest  = "manifests"
	TPartition = "partitions"
)

var (
	insertManifestFormat  = `INSERT INTO ` + TManifest + ` (%s) VALUES (%s)`
	insertPartitionFormat = `INSERT INTO ` + TPartition + ` (%s) VALUES (%s)`

	updateManifestRollupCmd = fmt.Sprintf(`UPDATE %s
		SET summary = :summary,
		    metadata = :metadata,
		    partition_count = :partition_count,
		    total_rows = :total_rows,
		    total_bytes = :total_bytes,
		    updated_at = :updated_at
		WHERE id = :id`, TManifest)

	supersedeManifestCmd = fmt.Sprintf(`UPDATE %s SET status = '%s', updated_at = $2
		WHERE id = $1 AND status = '%s'`,
		TManifest, model.ManifestStatusSuperseded, model.ManifestStatusPublished)
)

// CreateDatasetManifest inserts a manifest and its partition rows in one
// transaction. The version must exceed every existing version of the dataset;
// publishing with a parent set supersedes the published parent atomically.
func (c *Client) CreateDatasetManifest(ctx context.Context, input store.CreateManifestInput) (*model.ManifestWithPartitions, error) {
	manifest := input.Manifest
	if manifest.DatasetID == "" {
		return nil, errors.NewBadRequest("manifest datasetID is required")
	}
	if _, err := c.GetDataset(ctx, manifest.DatasetID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if manifest.ID == "" {
		manifest.ID = uuid.NewString()
	}
	if manifest.Status == "" {
		manifest.Status = model.ManifestStatusDraft
	}
	manifest.CreatedAt = now
	manifest.UpdatedAt = now
	if manifest.Status == model.ManifestStatusPublished {
		manifest.PublishedAt = &now
	}

	rows := make([]model.Partition, 0, len(input.Partitions))
	for _, p := range input.Partitions {
		row := p
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		row.DatasetID = manifest.DatasetID
		row.ManifestID = manifest.ID
		row.CreatedAt = now
		row.UpdatedAt = now
		rows = append(rows, row)
	}
	recomputeRollups(&manifest, rows)

	err := c.inTx(ctx, func(tx *sqlx.Tx) error {
		var maxVersion sql.NullInt64
		cmd := fmt.Sprintf(`SELECT MAX(version) FROM %s WHERE dataset_id = $1`, TManifest)
		if err := tx.GetContext(ctx, &maxVersion, cmd, manifest.DatasetID); err != nil {
			return err
		}
		if maxVersion.Valid && maxVersion.Int64 >= manifest.Version {
			return errors.NewInternalError(fmt.Sprintf(
				"manifest version %d is not greater than existing version %d for dataset %s",
				manifest.Version, maxVersion.Int64, manifest.DatasetID))
		}
		mRow := manifestRow(&manifest)
		if _, err := tx.NamedExecContext(ctx, generateCommand(mRow, insertManifestFormat, ""), &mRow); err != nil {
			return err
		}
		for i := range rows {
			pRow := partitionRow(&rows[i])
			if _, err := tx.NamedExecContext(ctx, generateCommand(pRow, insertPartitionFormat, ""), &pRow); err != nil {
				return err
			}
		}
		if manifest.Status == model.ManifestStatusPublished && manifest.ParentManifestID != "" {
			if _, err := tx.ExecContext(ctx, supersedeManifestCmd, manifest.ParentManifestID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		klog.ErrorS(err, "failed to create manifest", "dataset", manifest.DatasetID, "version", manifest.Version)
		return nil, err
	}
	return &model.ManifestWithPartitions{Manifest: manifest, Partitions: rows}, nil
}

func recomputeRollups(manifest *model.Manifest, partitions []model.Partition) {
	manifest.PartitionCount = len(partitions)
	manifest.TotalRows = 0
	manifest.TotalBytes = 0
	for i := range partitions {
		manifest.TotalRows += partitions[i].Rows()
		manifest.TotalBytes += partitions[i].SizeBytes()
	}
}

// patchDocument merges patch over the stored document, deep-merging the
// lifecycle subtree instead of replacing it.
func patchDocument(doc json.RawMessage, patch map[string]interface{}) json.RawMessage {
	base := map[string]interface{}{}
	if len(doc) > 0 {
		_ = jsonutil.Unmarshal(doc, &base)
	}
	return jsonutil.MarshalSilently(jsonutil.MergeObjects(base, patch, "lifecycle"))
}

// ReplacePartitionsInManifest removes and adds partition rows inside one
// manifest, applies the lifecycle patches, and recomputes the rollups, all in
// one transaction.
func (c *Client) ReplacePartitionsInManifest(ctx context.Context, input store.ReplacePartitionsInput) (*model.ManifestWithPartitions, error) {
	if input.ManifestID == "" {
		return nil, errors.NewBadRequest("manifestID is required")
	}
	var out *model.ManifestWithPartitions
	now := time.Now().UTC()
	err := c.inTx(ctx, func(tx *sqlx.Tx) error {
		var mRows []*Manifest
		cmd := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 FOR UPDATE`, TManifest)
		if err := tx.SelectContext(ctx, &mRows, cmd, input.ManifestID); err != nil {
			return err
		}
		if len(mRows) == 0 {
			return errors.NewNotFound("manifest", input.ManifestID)
		}
		manifest := mRows[0].toModel()

		for _, id := range input.Remove {
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND manifest_id = $2`, TPartition), id, manifest.ID)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return errors.NewNotFound("partition", id)
			}
		}
		for _, p := range input.Add {
			row := p
			if row.ID == "" {
				row.ID = uuid.NewString()
			}
			row.DatasetID = manifest.DatasetID
			row.ManifestID = manifest.ID
			row.CreatedAt = now
			row.UpdatedAt = now
			pRow := partitionRow(&row)
			if _, err := tx.NamedExecContext(ctx, generateCommand(pRow, insertPartitionFormat, ""), &pRow); err != nil {
				return err
			}
		}
		if input.SummaryPatch != nil {
			manifest.Summary = patchDocument(manifest.Summary, input.SummaryPatch)
		}
		if input.MetadataPatch != nil {
			manifest.Metadata = patchDocument(manifest.Metadata, input.MetadataPatch)
		}

		var pRows []*Partition
		sel := fmt.Sprintf(`SELECT * FROM %s WHERE manifest_id = $1 ORDER BY start_time %s, id %s`, TPartition, ASC, ASC)
		if err := tx.SelectContext(ctx, &pRows, sel, manifest.ID); err != nil {
			return err
		}
		partitions := make([]model.Partition, 0, len(pRows))
		for _, row := range pRows {
			partitions = append(partitions, row.toModel())
		}
		recomputeRollups(&manifest, partitions)
		manifest.UpdatedAt = now
		mRow := manifestRow(&manifest)
		if _, err := tx.NamedExecContext(ctx, updateManifestRollupCmd, &mRow); err != nil {
			return err
		}
		out = &model.ManifestWithPartitions{Manifest: manifest, Partitions: partitions}
		return nil
	})
	if err != nil {
		klog.ErrorS(err, "failed to replace partitions", "manifest", input.ManifestID)
		return nil, err
	}
	return out, nil
}

// GetManifest retrieves a manifest by id.
func (c *Client) GetManifest(ctx context.Context, id string) (*model.Manifest, error) {
	if id == "" {
		return nil, errors.NewBadRequest("manifest id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*Manifest
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TManifest)
	if err = db.SelectContext(ctx2, &rows, cmd, id); err != nil {
		klog.ErrorS(err, "failed to select manifest", "id", id)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("manifest", id)
	}
	out := rows[0].toModel()
	return &out, nil
}

// GetManifestWithPartitions retrieves a manifest plus its partitions sorted
// by start time.
func (c *Client) GetManifestWithPartitions(ctx context.Context, id string) (*model.ManifestWithPartitions, error) {
	manifest, err := c.GetManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	partitions, err := c.selectPartitionsOf(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.ManifestWithPartitions{Manifest: *manifest, Partitions: partitions}, nil
}

func (c *Client) selectPartitionsOf(ctx context.Context, manifestID string) ([]model.Partition, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*Partition
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE manifest_id = $1 ORDER BY start_time %s, id %s`, TPartition, ASC, ASC)
	if err = db.SelectContext(ctx2, &rows, cmd, manifestID); err != nil {
		klog.ErrorS(err, "failed to select partitions", "manifest", manifestID)
		return nil, err
	}
	out := make([]model.Partition, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// LatestPublishedManifest returns the highest-version published manifest of a
// dataset shard with its partitions.
func (c *Client) LatestPublishedManifest(ctx context.Context, datasetID, shard string) (*model.ManifestWithPartitions, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*Manifest
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE dataset_id = $1 AND manifest_shard = $2 AND status = $3
		ORDER BY version %s LIMIT 1`, TManifest, DESC)
	if err = db.SelectContext(ctx2, &rows, cmd, datasetID, shard, model.ManifestStatusPublished); err != nil {
		klog.ErrorS(err, "failed to select latest manifest", "dataset", datasetID, "shard", shard)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no published manifest for dataset %s shard %s", datasetID, shard))
	}
	manifest := rows[0].toModel()
	partitions, err := c.selectPartitionsOf(ctx, manifest.ID)
	if err != nil {
		return nil, err
	}
	return &model.ManifestWithPartitions{Manifest: manifest, Partitions: partitions}, nil
}

// ListManifestShards lists the distinct shards of a dataset.
func (c *Client) ListManifestShards(ctx context.Context, datasetID string) ([]string, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var shards []string
	cmd := fmt.Sprintf(`SELECT DISTINCT manifest_shard FROM %s WHERE dataset_id = $1 ORDER BY manifest_shard`, TManifest)
	if err = db.SelectContext(ctx2, &shards, cmd, datasetID); err != nil {
		klog.ErrorS(err, "failed to list manifest shards", "dataset", datasetID)
		return nil, err
	}
	return shards, nil
}

// ListPartitionsForQuery selects partitions of published manifests whose time
// range overlaps [Start, End), joined with their storage targets. Keys in the
// query's partition key must match via JSONB containment.
func (c *Client) ListPartitionsForQuery(ctx context.Context, query store.PartitionQuery) ([]model.PartitionWithTarget, error) {
	if query.DatasetID == "" {
		return nil, errors.NewBadRequest("datasetID is required")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()

	builder := sqrl.Select(
		"p.id", "p.dataset_id", "p.manifest_id", "p.ingestion_batch", "p.partition_key",
		"p.storage_target_id", "p.file_format", "p.file_path", "p.file_size_bytes", "p.row_count",
		"p.start_time", "p.end_time", "p.checksum", "p.metadata", "p.created_at", "p.updated_at",
		"t.name AS target_name", "t.kind AS target_kind", "t.config AS target_config").
		PlaceholderFormat(sqrl.Dollar).
		From(TPartition + " p").
		Join(TManifest + " m ON m.id = p.manifest_id").
		Join(TStorageTarget + " t ON t.id = p.storage_target_id").
		Where(sqrl.Eq{"p.dataset_id": query.DatasetID}).
		Where(sqrl.Eq{"m.status": model.ManifestStatusPublished}).
		Where(sqrl.Lt{"p.start_time": query.End}).
		Where(sqrl.Gt{"p.end_time": query.Start}).
		OrderBy("p.start_time "+ASC, "p.id "+ASC)
	if len(query.PartitionKey) > 0 {
		builder = builder.Where(sqrl.Expr("p.partition_key @> ?", jsonutil.MarshalSilently(query.PartitionKey)))
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	type joinedRow struct {
		Partition
		TargetName   string `db:"target_name"`
		TargetKind   string `db:"target_kind"`
		TargetConfig []byte `db:"target_config"`
	}
	var rows []*joinedRow
	if err = db.SelectContext(ctx2, &rows, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to query partitions", "dataset", query.DatasetID)
		return nil, err
	}
	out := make([]model.PartitionWithTarget, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.PartitionWithTarget{
			Partition: row.Partition.toModel(),
			StorageTarget: model.StorageTarget{
				ID:     row.StorageTargetId,
				Name:   row.TargetName,
				Kind:   row.TargetKind,
				Config: rawOrNil(row.TargetConfig),
			},
		})
	}
	return out, nil
}
