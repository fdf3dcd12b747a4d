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
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

const (
	TWorkflowRun     = "workflow_runs"
	TWorkflowRunStep = "workflow_run_steps"
)

var (
	insertRunFormat     = `INSERT INTO ` + TWorkflowRun + ` (%s) VALUES (%s)`
	insertRunStepFormat = `INSERT INTO ` + TWorkflowRunStep + ` (%s) VALUES (%s)`

	updateRunCmd = fmt.Sprintf(`UPDATE %s
		SET status = :status,
		    parameters = :parameters,
		    context = :context,
		    output = :output,
		    partition_key = :partition_key,
		    trigger_context = :trigger_context,
		    error_message = :error_message,
		    current_step_id = :current_step_id,
		    current_step_index = :current_step_index,
		    metrics = :metrics,
		    retry_summary = :retry_summary,
		    started_at = :started_at,
		    completed_at = :completed_at,
		    duration_ms = :duration_ms,
		    updated_at = :updated_at
		WHERE id = :id`, TWorkflowRun)

	updateRunStepCmd = fmt.Sprintf(`UPDATE %s
		SET attempt = :attempt,
		    status = :status,
		    input = :input,
		    output = :output,
		    error_message = :error_message,
		    produced_assets = :produced_assets,
		    retry_state = :retry_state,
		    retry_attempts = :retry_attempts,
		    next_attempt_at = :next_attempt_at,
		    last_heartbeat_at = :last_heartbeat_at,
		    started_at = :started_at,
		    completed_at = :completed_at,
		    updated_at = :updated_at
		WHERE workflow_run_id = :workflow_run_id AND step_id = :step_id`, TWorkflowRunStep)
)

// CreateRun inserts the run. The partial unique index on active runs rejects
// a second active run sharing the normalized run key.
func (c *Client) CreateRun(ctx context.Context, run *model.WorkflowRun) (*model.WorkflowRun, error) {
	if run == nil || run.WorkflowDefinitionID == "" {
		return nil, errors.NewBadRequest("run workflowDefinitionID is required")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	out := *run
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Status == "" {
		out.Status = model.RunStatusPending
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	row := workflowRunRow(&out)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertRunFormat, ""), &row); err != nil {
		if isUniqueViolation(err) {
			return nil, errors.NewConflict("run-key-conflict")
		}
		klog.ErrorS(err, "failed to insert run", "workflow", run.WorkflowDefinitionID)
		return nil, err
	}
	return &out, nil
}

// GetRun retrieves a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	if id == "" {
		return nil, errors.NewBadRequest("run id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowRun
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TWorkflowRun)
	if err = db.SelectContext(ctx2, &rows, cmd, id); err != nil {
		klog.ErrorS(err, "failed to select run", "id", id)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("workflow run", id)
	}
	out := rows[0].toModel()
	return &out, nil
}

// GetActiveRunByKey returns the active run holding a normalized run key.
func (c *Client) GetActiveRunByKey(ctx context.Context, workflowID, runKeyNormalized string) (*model.WorkflowRun, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowRun
	cmd, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TWorkflowRun).
		Where(sqrl.Eq{"workflow_definition_id": workflowID}).
		Where(sqrl.Eq{"run_key_normalized": runKeyNormalized}).
		Where(sqrl.Eq{"status": model.ActiveRunStatuses}).
		Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	if err = db.SelectContext(ctx2, &rows, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to select active run", "workflow", workflowID)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no active run with key %q", runKeyNormalized))
	}
	out := rows[0].toModel()
	return &out, nil
}

// UpdateRun persists the mutable run fields.
func (c *Client) UpdateRun(ctx context.Context, run *model.WorkflowRun) error {
	if run == nil || run.ID == "" {
		return errors.NewBadRequest("run id is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	run.UpdatedAt = time.Now().UTC()
	row := workflowRunRow(run)
	res, err := db.NamedExecContext(ctx2, updateRunCmd, &row)
	if err != nil {
		klog.ErrorS(err, "failed to update run", "id", run.ID)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFound("workflow run", run.ID)
	}
	return nil
}

// ListRuns lists runs newest first, filtered by the query.
func (c *Client) ListRuns(ctx context.Context, query store.RunQuery) ([]model.WorkflowRun, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TWorkflowRun).
		OrderBy("created_at "+DESC, "id "+ASC)
	if query.WorkflowDefinitionID != "" {
		builder = builder.Where(sqrl.Eq{"workflow_definition_id": query.WorkflowDefinitionID})
	}
	if !query.From.IsZero() {
		builder = builder.Where(sqrl.GtOrEq{"created_at": query.From})
	}
	if !query.To.IsZero() {
		builder = builder.Where(sqrl.LtOrEq{"created_at": query.To})
	}
	if len(query.Statuses) > 0 {
		builder = builder.Where(sqrl.Eq{"status": query.Statuses})
	}
	if query.Limit > 0 {
		builder = builder.Limit(uint64(query.Limit))
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*WorkflowRun
	if err = db.SelectContext(ctx2, &rows, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to list runs", "workflow", query.WorkflowDefinitionID)
		return nil, err
	}
	out := make([]model.WorkflowRun, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// CountActiveRunsForTrigger counts active runs launched by a trigger, used by
// the concurrency gate.
func (c *Client) CountActiveRunsForTrigger(ctx context.Context, triggerID string) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	cmd, args, err := sqrl.Select("COUNT(*)").PlaceholderFormat(sqrl.Dollar).
		From(TWorkflowRun).
		Where(sqrl.Eq{"status": model.ActiveRunStatuses}).
		Where(sqrl.Expr("trigger_context->>'triggerId' = ?", triggerID)).
		ToSql()
	if err != nil {
		return 0, err
	}
	var cnt int
	if err = db.GetContext(ctx2, &cnt, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to count active runs", "trigger", triggerID)
		return 0, err
	}
	return cnt, nil
}

// --- run steps ---

// CreateRunStep inserts a step row; the unique (run, step) index rejects
// duplicates.
func (c *Client) CreateRunStep(ctx context.Context, step *model.WorkflowRunStep) error {
	if step == nil || step.WorkflowRunID == "" || step.StepID == "" {
		return errors.NewBadRequest("run step workflowRunID and stepID are required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = model.StepStatusPending
	}
	if step.Attempt == 0 {
		step.Attempt = 1
	}
	if step.RetryState == "" {
		step.RetryState = model.RetryStateNone
	}
	now := time.Now().UTC()
	step.CreatedAt = now
	step.UpdatedAt = now
	row := workflowRunStepRow(step)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertRunStepFormat, ""), &row); err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflict(fmt.Sprintf("run step %s already exists", step.StepID))
		}
		klog.ErrorS(err, "failed to insert run step", "run", step.WorkflowRunID, "step", step.StepID)
		return err
	}
	return nil
}

// UpdateRunStep persists step progress keyed by (run, step).
func (c *Client) UpdateRunStep(ctx context.Context, step *model.WorkflowRunStep) error {
	if step == nil || step.WorkflowRunID == "" || step.StepID == "" {
		return errors.NewBadRequest("run step workflowRunID and stepID are required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	step.UpdatedAt = time.Now().UTC()
	row := workflowRunStepRow(step)
	res, err := db.NamedExecContext(ctx2, updateRunStepCmd, &row)
	if err != nil {
		klog.ErrorS(err, "failed to update run step", "run", step.WorkflowRunID, "step", step.StepID)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFound("run step", step.StepID)
	}
	return nil
}

// GetRunStep retrieves one step row of a run.
func (c *Client) GetRunStep(ctx context.Context, runID, stepID string) (*model.WorkflowRunStep, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowRunStep
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE workflow_run_id = $1 AND step_id = $2 LIMIT 1`, TWorkflowRunStep)
	if err = db.SelectContext(ctx2, &rows, cmd, runID, stepID); err != nil {
		klog.ErrorS(err, "failed to select run step", "run", runID, "step", stepID)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("run step", stepID)
	}
	out := rows[0].toModel()
	return &out, nil
}

// ListRunSteps lists the step rows of a run in creation order.
func (c *Client) ListRunSteps(ctx context.Context, runID string) ([]model.WorkflowRunStep, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowRunStep
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE workflow_run_id = $1 ORDER BY created_at %s, step_id %s`, TWorkflowRunStep, ASC, ASC)
	if err = db.SelectContext(ctx2, &rows, cmd, runID); err != nil {
		klog.ErrorS(err, "failed to list run steps", "run", runID)
		return nil, err
	}
	out := make([]model.WorkflowRunStep, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}
