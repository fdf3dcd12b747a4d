/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

const (
	TAssetDeclaration = "workflow_asset_declarations"
	TAssetSnapshot    = "workflow_asset_snapshots"
	TStalePartition   = "workflow_asset_stale_partitions"
	TAutoRunClaim     = "workflow_auto_run_claims"
)

var (
	insertDeclarationFormat = `INSERT INTO ` + TAssetDeclaration + ` (%s) VALUES (%s)`
	insertSnapshotFormat    = `INSERT INTO ` + TAssetSnapshot + ` (%s) VALUES (%s)`
	insertClaimFormat       = `INSERT INTO ` + TAutoRunClaim + ` (%s) VALUES (%s)`

	updateClaimCmd = fmt.Sprintf(`UPDATE %s
		SET workflow_run_id = :workflow_run_id,
		    status = :status,
		    reason = :reason,
		    context = :context,
		    failures = :failures,
		    next_eligible_at = :next_eligible_at,
		    last_error = :last_error,
		    updated_at = :updated_at
		WHERE id = :id`, TAutoRunClaim)
)

// --- declarations ---

// ReplaceDeclarations swaps the asset declarations of a workflow for the
// given set in one transaction.
func (c *Client) ReplaceDeclarations(ctx context.Context, workflowID string, declarations []model.AssetDeclarationRecord) error {
	if workflowID == "" {
		return errors.NewBadRequest("workflowID is empty")
	}
	return c.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE workflow_definition_id = $1`, TAssetDeclaration), workflowID); err != nil {
			klog.ErrorS(err, "failed to delete declarations", "workflow", workflowID)
			return err
		}
		now := time.Now().UTC()
		for i := range declarations {
			decl := declarations[i]
			if decl.ID == "" {
				decl.ID = uuid.NewString()
			}
			decl.WorkflowDefinitionID = workflowID
			decl.CreatedAt = now
			decl.UpdatedAt = now
			row := assetDeclarationRow(&decl)
			if _, err := tx.NamedExecContext(ctx, generateCommand(row, insertDeclarationFormat, ""), &row); err != nil {
				klog.ErrorS(err, "failed to insert declaration", "workflow", workflowID, "asset", decl.AssetKey)
				return err
			}
		}
		return nil
	})
}

// ListDeclarations lists the declarations of one workflow.
func (c *Client) ListDeclarations(ctx context.Context, workflowID string) ([]model.AssetDeclarationRecord, error) {
	return c.selectDeclarations(ctx, workflowID)
}

// ListAllDeclarations lists every declaration across workflows.
func (c *Client) ListAllDeclarations(ctx context.Context) ([]model.AssetDeclarationRecord, error) {
	return c.selectDeclarations(ctx, "")
}

func (c *Client) selectDeclarations(ctx context.Context, workflowID string) ([]model.AssetDeclarationRecord, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*AssetDeclaration
	if workflowID != "" {
		cmd := fmt.Sprintf(`SELECT * FROM %s WHERE workflow_definition_id = $1 ORDER BY workflow_definition_id, step_id, asset_key`, TAssetDeclaration)
		err = db.SelectContext(ctx2, &rows, cmd, workflowID)
	} else {
		cmd := fmt.Sprintf(`SELECT * FROM %s ORDER BY workflow_definition_id, step_id, asset_key`, TAssetDeclaration)
		err = db.SelectContext(ctx2, &rows, cmd)
	}
	if err != nil {
		klog.ErrorS(err, "failed to list declarations", "workflow", workflowID)
		return nil, err
	}
	out := make([]model.AssetDeclarationRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// --- snapshots ---

// InsertSnapshot appends one materialization record.
func (c *Client) InsertSnapshot(ctx context.Context, snapshot *model.AssetSnapshot) error {
	if snapshot == nil || snapshot.AssetKey == "" {
		return errors.NewBadRequest("snapshot assetKey is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	snapshot.CreatedAt = now
	snapshot.UpdatedAt = now
	row := assetSnapshotRow(snapshot)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertSnapshotFormat, ""), &row); err != nil {
		klog.ErrorS(err, "failed to insert snapshot", "asset", snapshot.AssetKey, "run", snapshot.WorkflowRunID)
		return err
	}
	return nil
}

// LatestSnapshot returns the newest snapshot of (assetKey, partition),
// ordered by produced, updated, created time and run id. workflowID narrows
// the search when non-empty.
func (c *Client) LatestSnapshot(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) (*model.AssetSnapshot, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*AssetSnapshot
	order := fmt.Sprintf(`ORDER BY produced_at %s, updated_at %s, created_at %s, workflow_run_id %s LIMIT 1`, DESC, DESC, DESC, DESC)
	if workflowID != "" {
		cmd := fmt.Sprintf(`SELECT * FROM %s WHERE workflow_definition_id = $1 AND asset_key = $2 AND partition_key_normalized = $3 %s`, TAssetSnapshot, order)
		err = db.SelectContext(ctx2, &rows, cmd, workflowID, assetKey, partitionKeyNormalized)
	} else {
		cmd := fmt.Sprintf(`SELECT * FROM %s WHERE asset_key = $1 AND partition_key_normalized = $2 %s`, TAssetSnapshot, order)
		err = db.SelectContext(ctx2, &rows, cmd, assetKey, partitionKeyNormalized)
	}
	if err != nil {
		klog.ErrorS(err, "failed to select latest snapshot", "asset", assetKey)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no snapshot for asset %s partition %q", assetKey, partitionKeyNormalized))
	}
	out := rows[0].toModel()
	return &out, nil
}

// ListSnapshotsForRun lists the snapshots one run produced.
func (c *Client) ListSnapshotsForRun(ctx context.Context, runID string) ([]model.AssetSnapshot, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*AssetSnapshot
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE workflow_run_id = $1 ORDER BY asset_key, partition_key_normalized`, TAssetSnapshot)
	if err = db.SelectContext(ctx2, &rows, cmd, runID); err != nil {
		klog.ErrorS(err, "failed to list snapshots", "run", runID)
		return nil, err
	}
	out := make([]model.AssetSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// --- stale partitions ---

// MarkStalePartition upserts the stale marker of (workflow, assetKey,
// partition).
func (c *Client) MarkStalePartition(ctx context.Context, stale *model.StalePartition) error {
	if stale == nil || stale.WorkflowDefinitionID == "" || stale.AssetKey == "" {
		return errors.NewBadRequest("stale partition workflowDefinitionID and assetKey are required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	if stale.ID == "" {
		stale.ID = uuid.NewString()
	}
	if stale.MarkedAt.IsZero() {
		stale.MarkedAt = time.Now().UTC()
	}
	cmd := fmt.Sprintf(`INSERT INTO %s (id, workflow_definition_id, asset_id, asset_key, partition_key, partition_key_normalized, requested_by, note, marked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workflow_definition_id, asset_key, partition_key_normalized) DO UPDATE SET
			asset_id = EXCLUDED.asset_id,
			partition_key = EXCLUDED.partition_key,
			requested_by = EXCLUDED.requested_by,
			note = EXCLUDED.note,
			marked_at = EXCLUDED.marked_at`, TStalePartition)
	if _, err = db.ExecContext(ctx2, cmd, stale.ID, stale.WorkflowDefinitionID, stale.AssetID, stale.AssetKey,
		nullString(stale.PartitionKey), stale.PartitionKeyNormalized, nullString(stale.RequestedBy), nullString(stale.Note), stale.MarkedAt); err != nil {
		klog.ErrorS(err, "failed to mark stale partition", "asset", stale.AssetKey)
		return err
	}
	return nil
}

// UnmarkStalePartition clears the stale marker if present.
func (c *Client) UnmarkStalePartition(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE workflow_definition_id = $1 AND asset_key = $2 AND partition_key_normalized = $3`, TStalePartition)
	if _, err = db.ExecContext(ctx2, cmd, workflowID, assetKey, partitionKeyNormalized); err != nil {
		klog.ErrorS(err, "failed to unmark stale partition", "asset", assetKey)
		return err
	}
	return nil
}

// IsStalePartition reports whether the stale marker is set.
func (c *Client) IsStalePartition(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) (bool, error) {
	db, err := c.getDB()
	if err != nil {
		return false, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var cnt int
	cmd := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE workflow_definition_id = $1 AND asset_key = $2 AND partition_key_normalized = $3`, TStalePartition)
	if err = db.GetContext(ctx2, &cnt, cmd, workflowID, assetKey, partitionKeyNormalized); err != nil {
		klog.ErrorS(err, "failed to check stale partition", "asset", assetKey)
		return false, err
	}
	return cnt > 0, nil
}

// ListStalePartitions lists stale markers, optionally scoped to one
// workflow.
func (c *Client) ListStalePartitions(ctx context.Context, workflowID string) ([]model.StalePartition, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*StalePartition
	if workflowID != "" {
		cmd := fmt.Sprintf(`SELECT * FROM %s WHERE workflow_definition_id = $1 ORDER BY asset_key, partition_key_normalized`, TStalePartition)
		err = db.SelectContext(ctx2, &rows, cmd, workflowID)
	} else {
		cmd := fmt.Sprintf(`SELECT * FROM %s ORDER BY asset_key, partition_key_normalized`, TStalePartition)
		err = db.SelectContext(ctx2, &rows, cmd)
	}
	if err != nil {
		klog.ErrorS(err, "failed to list stale partitions", "workflow", workflowID)
		return nil, err
	}
	out := make([]model.StalePartition, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// --- auto-run claims ---

// CreateClaim inserts a claim. The partial unique active index rejects a
// second active claim per (workflow, assetKey, partition).
func (c *Client) CreateClaim(ctx context.Context, claim *model.AutoRunClaim) error {
	if claim == nil || claim.WorkflowDefinitionID == "" || claim.AssetKey == "" {
		return errors.NewBadRequest("claim workflowDefinitionID and assetKey are required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	if claim.Status == "" {
		claim.Status = model.ClaimStatusActive
	}
	now := time.Now().UTC()
	if claim.RequestedAt.IsZero() {
		claim.RequestedAt = now
	}
	if claim.ClaimedAt.IsZero() {
		claim.ClaimedAt = now
	}
	claim.UpdatedAt = now
	row := autoRunClaimRow(claim)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertClaimFormat, ""), &row); err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflict(fmt.Sprintf("asset %s partition %q already has an active claim", claim.AssetKey, claim.PartitionKey))
		}
		klog.ErrorS(err, "failed to insert claim", "asset", claim.AssetKey)
		return err
	}
	return nil
}

// UpdateClaim persists claim progress.
func (c *Client) UpdateClaim(ctx context.Context, claim *model.AutoRunClaim) error {
	if claim == nil || claim.ID == "" {
		return errors.NewBadRequest("claim id is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	claim.UpdatedAt = time.Now().UTC()
	row := autoRunClaimRow(claim)
	res, err := db.NamedExecContext(ctx2, updateClaimCmd, &row)
	if err != nil {
		klog.ErrorS(err, "failed to update claim", "id", claim.ID)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFound("auto-run claim", claim.ID)
	}
	return nil
}

// GetActiveClaim returns the active claim of (workflow, assetKey,
// partition).
func (c *Client) GetActiveClaim(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) (*model.AutoRunClaim, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*AutoRunClaim
	cmd := fmt.Sprintf(`SELECT * FROM %s
		WHERE workflow_definition_id = $1 AND asset_key = $2 AND partition_key_normalized = $3 AND status = $4
		LIMIT 1`, TAutoRunClaim)
	if err = db.SelectContext(ctx2, &rows, cmd, workflowID, assetKey, partitionKeyNormalized, model.ClaimStatusActive); err != nil {
		klog.ErrorS(err, "failed to select active claim", "asset", assetKey)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no active claim for asset %s partition %q", assetKey, partitionKeyNormalized))
	}
	out := rows[0].toModel()
	return &out, nil
}

// GetClaimByRunID returns the claim that launched a run.
func (c *Client) GetClaimByRunID(ctx context.Context, runID string) (*model.AutoRunClaim, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*AutoRunClaim
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE workflow_run_id = $1 LIMIT 1`, TAutoRunClaim)
	if err = db.SelectContext(ctx2, &rows, cmd, runID); err != nil {
		klog.ErrorS(err, "failed to select claim by run", "run", runID)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no claim for run %s", runID))
	}
	out := rows[0].toModel()
	return &out, nil
}

// LatestClaim returns the most recently claimed row of (workflow, assetKey,
// partition) regardless of status.
func (c *Client) LatestClaim(ctx context.Context, workflowID, assetKey, partitionKeyNormalized string) (*model.AutoRunClaim, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*AutoRunClaim
	cmd := fmt.Sprintf(`SELECT * FROM %s
		WHERE workflow_definition_id = $1 AND asset_key = $2 AND partition_key_normalized = $3
		ORDER BY claimed_at %s LIMIT 1`, TAutoRunClaim, DESC)
	if err = db.SelectContext(ctx2, &rows, cmd, workflowID, assetKey, partitionKeyNormalized); err != nil {
		klog.ErrorS(err, "failed to select latest claim", "asset", assetKey)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no claim for asset %s partition %q", assetKey, partitionKeyNormalized))
	}
	out := rows[0].toModel()
	return &out, nil
}

// ListClaims lists claims newest first, optionally scoped to one workflow.
func (c *Client) ListClaims(ctx context.Context, workflowID string, limit int) ([]model.AutoRunClaim, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TAutoRunClaim).
		OrderBy("claimed_at "+DESC, "id "+ASC)
	if workflowID != "" {
		builder = builder.Where(sqrl.Eq{"workflow_definition_id": workflowID})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*AutoRunClaim
	if err = db.SelectContext(ctx2, &rows, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to list claims", "workflow", workflowID)
		return nil, err
	}
	out := make([]model.AutoRunClaim, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

var _ store.Interface = (*Client)(nil)
