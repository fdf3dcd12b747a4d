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
	TWorkflow = "workflows"
)

var (
	insertWorkflowFormat = `INSERT INTO ` + TWorkflow + ` (%s) VALUES (%s)`

	updateWorkflowCmd = fmt.Sprintf(`UPDATE %s
		SET name = :name,
		    version = :version,
		    description = :description,
		    steps = :steps,
		    triggers = :triggers,
		    parameters_schema = :parameters_schema,
		    default_parameters = :default_parameters,
		    output_schema = :output_schema,
		    metadata = :metadata,
		    dag = :dag,
		    updated_at = :updated_at
		WHERE id = :id`, TWorkflow)
)

// CreateWorkflow inserts a workflow definition; a duplicate slug fails with
// already-exist.
func (c *Client) CreateWorkflow(ctx context.Context, workflow *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	if workflow == nil || workflow.Slug == "" {
		return nil, errors.NewBadRequest("workflow slug is required")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	out := *workflow
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Version == 0 {
		out.Version = 1
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	row := workflowRow(&out)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertWorkflowFormat, ""), &row); err != nil {
		if isUniqueViolation(err) {
			return nil, errors.NewAlreadyExist(fmt.Sprintf("workflow %s already exists", workflow.Slug))
		}
		klog.ErrorS(err, "failed to insert workflow", "slug", workflow.Slug)
		return nil, err
	}
	return &out, nil
}

// UpdateWorkflow replaces the definition document and bumps the version.
func (c *Client) UpdateWorkflow(ctx context.Context, workflow *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	if workflow == nil || workflow.ID == "" {
		return nil, errors.NewBadRequest("workflow id is required")
	}
	existing, err := c.GetWorkflow(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	out := *workflow
	out.CreatedAt = existing.CreatedAt
	out.Version = existing.Version + 1
	out.UpdatedAt = time.Now().UTC()
	row := workflowRow(&out)
	if _, err = db.NamedExecContext(ctx2, updateWorkflowCmd, &row); err != nil {
		klog.ErrorS(err, "failed to update workflow", "id", workflow.ID)
		return nil, err
	}
	return &out, nil
}

// GetWorkflow retrieves a workflow definition by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	return c.selectWorkflow(ctx, "id", id)
}

// GetWorkflowBySlug retrieves a workflow definition by slug.
func (c *Client) GetWorkflowBySlug(ctx context.Context, slug string) (*model.WorkflowDefinition, error) {
	return c.selectWorkflow(ctx, "slug", slug)
}

func (c *Client) selectWorkflow(ctx context.Context, column, value string) (*model.WorkflowDefinition, error) {
	if value == "" {
		return nil, errors.NewBadRequest("workflow identifier is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*Workflow
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1 LIMIT 1`, TWorkflow, column)
	if err = db.SelectContext(ctx2, &rows, cmd, value); err != nil {
		klog.ErrorS(err, "failed to select workflow", column, value)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("workflow", value)
	}
	out := rows[0].toModel()
	return &out, nil
}

// ListWorkflows lists all workflow definitions ordered by slug.
func (c *Client) ListWorkflows(ctx context.Context) ([]model.WorkflowDefinition, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*Workflow
	cmd := fmt.Sprintf(`SELECT * FROM %s ORDER BY slug %s`, TWorkflow, ASC)
	if err = db.SelectContext(ctx2, &rows, cmd); err != nil {
		klog.ErrorS(err, "failed to list workflows")
		return nil, err
	}
	out := make([]model.WorkflowDefinition, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// DeleteWorkflow removes a workflow definition.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	if id == "" {
		return errors.NewBadRequest("workflow id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TWorkflow)
	res, err := db.ExecContext(ctx2, cmd, id)
	if err != nil {
		klog.ErrorS(err, "failed to delete workflow", "id", id)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFound("workflow", id)
	}
	return nil
}
