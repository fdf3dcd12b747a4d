/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/jsonutil"
	"github.com/openfathom/fathom/pkg/model"
)

const (
	TStorageTarget      = "storage_targets"
	TDataset            = "datasets"
	TSchemaVersion      = "schema_versions"
	TRetentionPolicy    = "retention_policies"
	TIngestionBatch     = "ingestion_batches"
	TDatasetAccessAudit = "dataset_access_audit"
)

var (
	insertStorageTargetFormat = `INSERT INTO ` + TStorageTarget + ` (%s) VALUES (%s)`
	insertDatasetFormat       = `INSERT INTO ` + TDataset + ` (%s) VALUES (%s)`
	insertSchemaVersionFormat = `INSERT INTO ` + TSchemaVersion + ` (%s) VALUES (%s)`
	insertBatchFormat         = `INSERT INTO ` + TIngestionBatch + ` (%s) VALUES (%s)`
	insertAccessAuditFormat   = `INSERT INTO ` + TDatasetAccessAudit + ` (%s) VALUES (%s)`

	updateStorageTargetCmd = fmt.Sprintf(`UPDATE %s
		SET kind = :kind,
		    config = :config,
		    updated_at = :updated_at
		WHERE name = :name`, TStorageTarget)

	updateDatasetCmd = fmt.Sprintf(`UPDATE %s
		SET name = :name,
		    status = :status,
		    write_format = :write_format,
		    default_storage_target_id = :default_storage_target_id,
		    metadata = :metadata,
		    updated_at = :updated_at
		WHERE id = :id`, TDataset)
)

// --- storage targets ---

// UpsertStorageTarget inserts the target or refreshes the row sharing its
// name.
func (c *Client) UpsertStorageTarget(ctx context.Context, target *model.StorageTarget) (*model.StorageTarget, error) {
	if target == nil || target.Name == "" {
		return nil, errors.NewBadRequest("storage target name is required")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()

	var rows []*StorageTarget
	sel := fmt.Sprintf(`SELECT * FROM %s WHERE name = $1 LIMIT 1`, TStorageTarget)
	if err = db.SelectContext(ctx2, &rows, sel, target.Name); err != nil {
		klog.ErrorS(err, "failed to select storage target", "name", target.Name)
		return nil, err
	}
	now := time.Now().UTC()
	if len(rows) > 0 && rows[0] != nil {
		existing := rows[0].toModel()
		existing.Kind = target.Kind
		existing.Config = target.Config
		existing.UpdatedAt = now
		row := storageTargetRow(&existing)
		if _, err = db.NamedExecContext(ctx2, updateStorageTargetCmd, &row); err != nil {
			klog.ErrorS(err, "failed to update storage target", "name", target.Name)
			return nil, err
		}
		return &existing, nil
	}
	out := *target
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.CreatedAt = now
	out.UpdatedAt = now
	row := storageTargetRow(&out)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertStorageTargetFormat, ""), &row); err != nil {
		klog.ErrorS(err, "failed to insert storage target", "name", target.Name)
		return nil, err
	}
	return &out, nil
}

// GetStorageTarget retrieves a storage target by id.
func (c *Client) GetStorageTarget(ctx context.Context, id string) (*model.StorageTarget, error) {
	if id == "" {
		return nil, errors.NewBadRequest("storage target id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*StorageTarget
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TStorageTarget)
	if err = db.SelectContext(ctx2, &rows, cmd, id); err != nil {
		klog.ErrorS(err, "failed to select storage target", "id", id)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("storage target", id)
	}
	out := rows[0].toModel()
	return &out, nil
}

// --- datasets ---

// CreateDataset inserts a dataset; a duplicate slug fails with already-exist.
func (c *Client) CreateDataset(ctx context.Context, dataset *model.Dataset) (*model.Dataset, error) {
	if dataset == nil || dataset.Slug == "" {
		return nil, errors.NewBadRequest("dataset slug is required")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	out := *dataset
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Status == "" {
		out.Status = model.DatasetStatusActive
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	row := datasetRow(&out)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertDatasetFormat, ""), &row); err != nil {
		if isUniqueViolation(err) {
			return nil, errors.NewAlreadyExist(fmt.Sprintf("dataset %s already exists", dataset.Slug))
		}
		klog.ErrorS(err, "failed to insert dataset", "slug", dataset.Slug)
		return nil, err
	}
	return &out, nil
}

// GetDataset retrieves a dataset by id.
func (c *Client) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	return c.selectDataset(ctx, "id", id)
}

// GetDatasetBySlug retrieves a dataset by slug.
func (c *Client) GetDatasetBySlug(ctx context.Context, slug string) (*model.Dataset, error) {
	return c.selectDataset(ctx, "slug", slug)
}

func (c *Client) selectDataset(ctx context.Context, column, value string) (*model.Dataset, error) {
	if value == "" {
		return nil, errors.NewBadRequest("dataset identifier is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*Dataset
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1 LIMIT 1`, TDataset, column)
	if err = db.SelectContext(ctx2, &rows, cmd, value); err != nil {
		klog.ErrorS(err, "failed to select dataset", column, value)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("dataset", value)
	}
	out := rows[0].toModel()
	return &out, nil
}

// ListDatasets lists datasets ordered by slug, optionally filtered by status.
func (c *Client) ListDatasets(ctx context.Context, status string) ([]model.Dataset, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TDataset).OrderBy("slug " + ASC)
	if status != "" {
		builder = builder.Where(sqrl.Eq{"status": status})
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*Dataset
	if err = db.SelectContext(ctx2, &rows, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to list datasets", "status", status)
		return nil, err
	}
	out := make([]model.Dataset, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// UpdateDataset applies mutable fields. A non-nil ifMatch must equal the
// stored updated_at at millisecond precision or the update fails with a
// concurrent-update conflict.
func (c *Client) UpdateDataset(ctx context.Context, dataset *model.Dataset, ifMatch *time.Time) (*model.Dataset, error) {
	if dataset == nil || dataset.ID == "" {
		return nil, errors.NewBadRequest("dataset id is required")
	}
	existing, err := c.GetDataset(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}
	if ifMatch != nil && !existing.UpdatedAt.Truncate(time.Millisecond).Equal(ifMatch.Truncate(time.Millisecond)) {
		return nil, errors.NewConcurrentUpdate(fmt.Sprintf("dataset %s was modified concurrently", dataset.ID))
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	out := *existing
	out.Name = dataset.Name
	out.Status = dataset.Status
	out.WriteFormat = dataset.WriteFormat
	out.DefaultStorageTargetID = dataset.DefaultStorageTargetID
	out.Metadata = dataset.Metadata
	out.UpdatedAt = time.Now().UTC()
	row := datasetRow(&out)
	if _, err = db.NamedExecContext(ctx2, updateDatasetCmd, &row); err != nil {
		klog.ErrorS(err, "failed to update dataset", "id", dataset.ID)
		return nil, err
	}
	return &out, nil
}

// --- schema versions ---

// CreateSchemaVersion reuses the row with an identical checksum or allocates
// the next integer version for the dataset.
func (c *Client) CreateSchemaVersion(ctx context.Context, datasetID, checksum string, fields []model.SchemaField) (*model.SchemaVersion, error) {
	if datasetID == "" {
		return nil, errors.NewBadRequest("datasetID is empty")
	}
	if _, err := c.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()

	if checksum != "" {
		var rows []*SchemaVersion
		cmd := fmt.Sprintf(`SELECT * FROM %s WHERE dataset_id = $1 AND checksum = $2 LIMIT 1`, TSchemaVersion)
		if err = db.SelectContext(ctx2, &rows, cmd, datasetID, checksum); err != nil {
			klog.ErrorS(err, "failed to select schema version", "dataset", datasetID)
			return nil, err
		}
		if len(rows) > 0 {
			out := rows[0].toModel()
			return &out, nil
		}
	}

	var maxVersion sql.NullInt64
	cmd := fmt.Sprintf(`SELECT MAX(version) FROM %s WHERE dataset_id = $1`, TSchemaVersion)
	if err = db.GetContext(ctx2, &maxVersion, cmd, datasetID); err != nil {
		klog.ErrorS(err, "failed to count schema versions", "dataset", datasetID)
		return nil, err
	}
	out := model.SchemaVersion{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		Version:   int(maxVersion.Int64) + 1,
		Checksum:  checksum,
		Fields:    append([]model.SchemaField(nil), fields...),
		CreatedAt: time.Now().UTC(),
	}
	row := SchemaVersion{
		Id:         out.ID,
		DatasetId:  out.DatasetID,
		Version:    out.Version,
		Checksum:   nullString(out.Checksum),
		Fields:     jsonbOr(jsonutil.MarshalSilently(out.Fields), "[]"),
		CreateTime: out.CreatedAt,
	}
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertSchemaVersionFormat, ""), &row); err != nil {
		if isUniqueViolation(err) {
			// concurrent allocation of the same checksum; reread it
			return c.CreateSchemaVersion(ctx, datasetID, checksum, fields)
		}
		klog.ErrorS(err, "failed to insert schema version", "dataset", datasetID)
		return nil, err
	}
	return &out, nil
}

// --- ingestion batches ---

// RecordIngestionBatch maps an idempotency key to its manifest, returning the
// existing row when the key was seen before.
func (c *Client) RecordIngestionBatch(ctx context.Context, datasetID, idempotencyKey, manifestID string) (*model.IngestionBatch, error) {
	if datasetID == "" || idempotencyKey == "" {
		return nil, errors.NewBadRequest("datasetID and idempotencyKey are required")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()

	var rows []*IngestionBatch
	sel := fmt.Sprintf(`SELECT * FROM %s WHERE dataset_id = $1 AND idempotency_key = $2 LIMIT 1`, TIngestionBatch)
	if err = db.SelectContext(ctx2, &rows, sel, datasetID, idempotencyKey); err != nil {
		klog.ErrorS(err, "failed to select ingestion batch", "dataset", datasetID)
		return nil, err
	}
	if len(rows) > 0 {
		out := rows[0].toModel()
		return &out, nil
	}
	out := model.IngestionBatch{
		ID:             uuid.NewString(),
		DatasetID:      datasetID,
		IdempotencyKey: idempotencyKey,
		ManifestID:     manifestID,
		CreatedAt:      time.Now().UTC(),
	}
	row := IngestionBatch{
		Id:             out.ID,
		DatasetId:      out.DatasetID,
		IdempotencyKey: out.IdempotencyKey,
		ManifestId:     out.ManifestID,
		CreateTime:     out.CreatedAt,
	}
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertBatchFormat, ""), &row); err != nil {
		if isUniqueViolation(err) {
			// another writer won the key; return its row
			return c.RecordIngestionBatch(ctx, datasetID, idempotencyKey, manifestID)
		}
		klog.ErrorS(err, "failed to insert ingestion batch", "dataset", datasetID)
		return nil, err
	}
	return &out, nil
}

// --- retention policies ---

// GetRetentionPolicy retrieves the retention policy of a dataset.
func (c *Client) GetRetentionPolicy(ctx context.Context, datasetID string) (*model.RetentionPolicy, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*RetentionPolicy
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE dataset_id = $1 LIMIT 1`, TRetentionPolicy)
	if err = db.SelectContext(ctx2, &rows, cmd, datasetID); err != nil {
		klog.ErrorS(err, "failed to select retention policy", "dataset", datasetID)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("retention policy", datasetID)
	}
	out := rows[0].toModel()
	return &out, nil
}

// UpsertRetentionPolicy inserts or replaces the per-dataset retention rule.
func (c *Client) UpsertRetentionPolicy(ctx context.Context, policy *model.RetentionPolicy) (*model.RetentionPolicy, error) {
	if policy == nil || policy.DatasetID == "" {
		return nil, errors.NewBadRequest("retention policy datasetID is required")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	now := time.Now().UTC()
	out := *policy
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.CreatedAt = now
	out.UpdatedAt = now
	cmd := fmt.Sprintf(`INSERT INTO %s (id, dataset_id, rule, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset_id) DO UPDATE SET rule = EXCLUDED.rule, updated_at = EXCLUDED.updated_at`, TRetentionPolicy)
	if _, err = db.ExecContext(ctx2, cmd, out.ID, out.DatasetID, jsonbOr(jsonutil.MarshalSilently(out.Rule), "{}"), out.CreatedAt, out.UpdatedAt); err != nil {
		klog.ErrorS(err, "failed to upsert retention policy", "dataset", policy.DatasetID)
		return nil, err
	}
	return c.GetRetentionPolicy(ctx, policy.DatasetID)
}

// --- access audit ---

// InsertAccessAudit appends one access-audit row.
func (c *Client) InsertAccessAudit(ctx context.Context, audit *model.DatasetAccessAudit) error {
	if audit == nil {
		return errors.NewBadRequest("the input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	row := DatasetAccessAudit{
		Id:         audit.ID,
		DatasetId:  audit.DatasetID,
		Actor:      nullString(audit.Actor),
		Action:     audit.Action,
		Success:    audit.Success,
		Metadata:   jsonbOr(audit.Metadata, "{}"),
		CreateTime: audit.CreatedAt,
	}
	if row.Id == "" {
		row.Id = uuid.NewString()
	}
	if row.CreateTime.IsZero() {
		row.CreateTime = time.Now().UTC()
	}
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertAccessAuditFormat, ""), &row); err != nil {
		klog.ErrorS(err, "failed to insert access audit", "dataset", audit.DatasetID)
		return err
	}
	return nil
}

// PruneAccessAudit deletes at most limit rows older than cutoff.
func (c *Client) PruneAccessAudit(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE id IN (
		SELECT id FROM %s WHERE created_at < $1 ORDER BY created_at LIMIT $2)`,
		TDatasetAccessAudit, TDatasetAccessAudit)
	res, err := db.ExecContext(ctx2, cmd, cutoff, limit)
	if err != nil {
		klog.ErrorS(err, "failed to prune access audit")
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}
