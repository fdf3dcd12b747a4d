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
	TWorkflowSchedule = "workflow_schedules"
)

var (
	insertScheduleFormat = `INSERT INTO ` + TWorkflowSchedule + ` (%s) VALUES (%s)`

	updateScheduleCmd = fmt.Sprintf(`UPDATE %s
		SET name = :name,
		    description = :description,
		    cron = :cron,
		    timezone = :timezone,
		    parameters = :parameters,
		    start_window = :start_window,
		    end_window = :end_window,
		    catch_up = :catch_up,
		    next_run_at = :next_run_at,
		    last_materialized_window = :last_materialized_window,
		    catchup_cursor = :catchup_cursor,
		    is_active = :is_active,
		    updated_at = :updated_at
		WHERE id = :id`, TWorkflowSchedule)
)

// CreateSchedule registers a cron schedule for a workflow.
func (c *Client) CreateSchedule(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error) {
	if schedule == nil || schedule.WorkflowDefinitionID == "" || schedule.Cron == "" {
		return nil, errors.NewBadRequest("schedule workflowDefinitionID and cron are required")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	out := *schedule
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	row := scheduleRow(&out)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertScheduleFormat, ""), &row); err != nil {
		klog.ErrorS(err, "failed to insert schedule", "workflow", schedule.WorkflowDefinitionID)
		return nil, err
	}
	return &out, nil
}

// UpdateSchedule replaces the mutable schedule fields.
func (c *Client) UpdateSchedule(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error) {
	if schedule == nil || schedule.ID == "" {
		return nil, errors.NewBadRequest("schedule id is required")
	}
	existing, err := c.GetSchedule(ctx, schedule.ID)
	if err != nil {
		return nil, err
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	out := *schedule
	out.CreatedAt = existing.CreatedAt
	out.UpdatedAt = time.Now().UTC()
	row := scheduleRow(&out)
	if _, err = db.NamedExecContext(ctx2, updateScheduleCmd, &row); err != nil {
		klog.ErrorS(err, "failed to update schedule", "id", schedule.ID)
		return nil, err
	}
	return &out, nil
}

// GetSchedule retrieves a schedule by id.
func (c *Client) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	if id == "" {
		return nil, errors.NewBadRequest("schedule id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowSchedule
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TWorkflowSchedule)
	if err = db.SelectContext(ctx2, &rows, cmd, id); err != nil {
		klog.ErrorS(err, "failed to select schedule", "id", id)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("schedule", id)
	}
	out := rows[0].toModel()
	return &out, nil
}

// ListSchedulesForWorkflow lists the schedules of a workflow in creation
// order.
func (c *Client) ListSchedulesForWorkflow(ctx context.Context, workflowID string) ([]model.Schedule, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowSchedule
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE workflow_definition_id = $1 ORDER BY created_at %s`, TWorkflowSchedule, ASC)
	if err = db.SelectContext(ctx2, &rows, cmd, workflowID); err != nil {
		klog.ErrorS(err, "failed to list schedules", "workflow", workflowID)
		return nil, err
	}
	out := make([]model.Schedule, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// ListDueSchedules returns the active schedules whose next run is unset or
// due.
func (c *Client) ListDueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowSchedule
	cmd := fmt.Sprintf(`SELECT * FROM %s
		WHERE is_active AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY id %s`, TWorkflowSchedule, ASC)
	if err = db.SelectContext(ctx2, &rows, cmd, now); err != nil {
		klog.ErrorS(err, "failed to list due schedules")
		return nil, err
	}
	out := make([]model.Schedule, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// DeleteSchedule removes a schedule.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	if id == "" {
		return errors.NewBadRequest("schedule id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	res, err := db.ExecContext(ctx2, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TWorkflowSchedule), id)
	if err != nil {
		klog.ErrorS(err, "failed to delete schedule", "id", id)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFound("schedule", id)
	}
	return nil
}
