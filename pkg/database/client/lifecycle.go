/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

const (
	TCompactionCheckpoint = "compaction_checkpoints"
	TLifecycleAuditLog    = "lifecycle_audit_log"
	TLifecycleJobRun      = "lifecycle_job_runs"
)

var (
	insertCheckpointFormat      = `INSERT INTO ` + TCompactionCheckpoint + ` (%s) VALUES (%s)`
	insertLifecycleAuditFormat  = `INSERT INTO ` + TLifecycleAuditLog + ` (%s) VALUES (%s)`
	insertLifecycleJobRunFormat = `INSERT INTO ` + TLifecycleJobRun + ` (%s) VALUES (%s)`

	updateCheckpointCmd = fmt.Sprintf(`UPDATE %s
		SET metadata = :metadata,
		    stats = :stats,
		    cursor = :cursor,
		    retry_count = :retry_count,
		    status = :status,
		    updated_at = :updated_at
		WHERE id = :id`, TCompactionCheckpoint)

	updateLifecycleJobRunCmd = fmt.Sprintf(`UPDATE %s
		SET status = :status,
		    error = :error,
		    stats = :stats,
		    completed_at = :completed_at,
		    duration_ms = :duration_ms
		WHERE id = :id`, TLifecycleJobRun)
)

// GetLiveCheckpoint returns the non-completed checkpoint of a manifest.
func (c *Client) GetLiveCheckpoint(ctx context.Context, manifestID string) (*model.CompactionCheckpoint, error) {
	if manifestID == "" {
		return nil, errors.NewBadRequest("manifestID is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*CompactionCheckpoint
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE manifest_id = $1 AND status <> $2 LIMIT 1`, TCompactionCheckpoint)
	if err = db.SelectContext(ctx2, &rows, cmd, manifestID, model.CheckpointStatusCompleted); err != nil {
		klog.ErrorS(err, "failed to select checkpoint", "manifest", manifestID)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no live checkpoint for manifest %s", manifestID))
	}
	out, err := rows[0].toModel()
	if err != nil {
		return nil, errors.NewInternalError(err.Error())
	}
	return &out, nil
}

// CreateCheckpoint inserts a checkpoint; the partial unique index rejects a
// second live checkpoint per manifest.
func (c *Client) CreateCheckpoint(ctx context.Context, checkpoint *model.CompactionCheckpoint) error {
	if checkpoint == nil || checkpoint.ManifestID == "" {
		return errors.NewBadRequest("checkpoint manifestID is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	if checkpoint.ID == "" {
		checkpoint.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	checkpoint.CreatedAt = now
	checkpoint.UpdatedAt = now
	row := checkpointRow(checkpoint)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertCheckpointFormat, ""), &row); err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflict(fmt.Sprintf("manifest %s already has a live checkpoint", checkpoint.ManifestID))
		}
		klog.ErrorS(err, "failed to insert checkpoint", "manifest", checkpoint.ManifestID)
		return err
	}
	return nil
}

// UpdateCheckpoint persists checkpoint progress.
func (c *Client) UpdateCheckpoint(ctx context.Context, checkpoint *model.CompactionCheckpoint) error {
	if checkpoint == nil || checkpoint.ID == "" {
		return errors.NewBadRequest("checkpoint id is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	checkpoint.UpdatedAt = time.Now().UTC()
	row := checkpointRow(checkpoint)
	res, err := db.NamedExecContext(ctx2, updateCheckpointCmd, &row)
	if err != nil {
		klog.ErrorS(err, "failed to update checkpoint", "id", checkpoint.ID)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFound("checkpoint", checkpoint.ID)
	}
	return nil
}

// InsertLifecycleAudit appends one lifecycle audit-trail row.
func (c *Client) InsertLifecycleAudit(ctx context.Context, event *model.LifecycleAuditEvent) error {
	if event == nil {
		return errors.NewBadRequest("the input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	row := LifecycleAuditEvent{
		Id:         event.ID,
		DatasetId:  event.DatasetID,
		ManifestId: nullString(event.ManifestID),
		EventType:  event.EventType,
		Payload:    jsonbOr(event.Payload, "{}"),
		CreateTime: event.CreatedAt,
	}
	if row.Id == "" {
		row.Id = uuid.NewString()
	}
	if row.CreateTime.IsZero() {
		row.CreateTime = time.Now().UTC()
	}
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertLifecycleAuditFormat, ""), &row); err != nil {
		klog.ErrorS(err, "failed to insert lifecycle audit", "dataset", event.DatasetID, "type", event.EventType)
		return err
	}
	return nil
}

// ListLifecycleAudit lists audit rows newest first, optionally scoped to one
// dataset.
func (c *Client) ListLifecycleAudit(ctx context.Context, datasetID string, limit int) ([]model.LifecycleAuditEvent, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*LifecycleAuditEvent
	if datasetID != "" {
		cmd := fmt.Sprintf(`SELECT * FROM %s WHERE dataset_id = $1 ORDER BY created_at %s LIMIT $2`, TLifecycleAuditLog, DESC)
		err = db.SelectContext(ctx2, &rows, cmd, datasetID, limit)
	} else {
		cmd := fmt.Sprintf(`SELECT * FROM %s ORDER BY created_at %s LIMIT $1`, TLifecycleAuditLog, DESC)
		err = db.SelectContext(ctx2, &rows, cmd, limit)
	}
	if err != nil {
		klog.ErrorS(err, "failed to list lifecycle audit", "dataset", datasetID)
		return nil, err
	}
	out := make([]model.LifecycleAuditEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// InsertLifecycleJobRun records the start of one executor invocation.
func (c *Client) InsertLifecycleJobRun(ctx context.Context, run *model.LifecycleJobRun) error {
	if run == nil || run.JobKind == "" {
		return errors.NewBadRequest("job kind is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	row := lifecycleJobRunRow(run)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertLifecycleJobRunFormat, ""), &row); err != nil {
		klog.ErrorS(err, "failed to insert lifecycle job run", "kind", run.JobKind)
		return err
	}
	return nil
}

// UpdateLifecycleJobRun records the outcome of one executor invocation.
func (c *Client) UpdateLifecycleJobRun(ctx context.Context, run *model.LifecycleJobRun) error {
	if run == nil || run.ID == "" {
		return errors.NewBadRequest("job run id is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	row := lifecycleJobRunRow(run)
	res, err := db.NamedExecContext(ctx2, updateLifecycleJobRunCmd, &row)
	if err != nil {
		klog.ErrorS(err, "failed to update lifecycle job run", "id", run.ID)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFound("lifecycle job run", run.ID)
	}
	return nil
}

func lifecycleJobRunRow(run *model.LifecycleJobRun) LifecycleJobRun {
	return LifecycleJobRun{
		Id:          run.ID,
		JobKind:     run.JobKind,
		DatasetId:   nullString(run.DatasetID),
		Status:      run.Status,
		Error:       nullString(run.Error),
		Stats:       jsonbOr(run.Stats, "{}"),
		StartedAt:   run.StartedAt,
		CompletedAt: nullTimePtr(run.CompletedAt),
		DurationMs:  nullInt64Ptr(run.DurationMs),
	}
}
