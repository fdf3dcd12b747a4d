/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

const (
	TWorkflowEvent = "workflow_events"
)

var insertEventFormat = `INSERT INTO ` + TWorkflowEvent + ` (%s) VALUES (%s)`

// InsertEvent appends one normalized envelope to the event log; a duplicate
// id fails with already-exist.
func (c *Client) InsertEvent(ctx context.Context, event *model.EventEnvelope) error {
	if event == nil || event.ID == "" {
		return errors.NewBadRequest("event id is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	row := workflowEventRow(event)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertEventFormat, "ingress_sequence"), &row); err != nil {
		if isUniqueViolation(err) {
			return errors.NewAlreadyExist(fmt.Sprintf("event %s already exists", event.ID))
		}
		klog.ErrorS(err, "failed to insert event", "id", event.ID, "type", event.Type)
		return err
	}
	return nil
}

// GetEvent retrieves one envelope by id.
func (c *Client) GetEvent(ctx context.Context, id string) (*model.EventEnvelope, error) {
	if id == "" {
		return nil, errors.NewBadRequest("event id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowEvent
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TWorkflowEvent)
	if err = db.SelectContext(ctx2, &rows, cmd, id); err != nil {
		klog.ErrorS(err, "failed to select event", "id", id)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("event", id)
	}
	out := rows[0].toModel()
	return &out, nil
}

// DeleteEventsBefore removes at most limit envelopes received before cutoff,
// oldest first.
func (c *Client) DeleteEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE id IN (
		SELECT id FROM %s WHERE received_at < $1 ORDER BY received_at LIMIT $2)`,
		TWorkflowEvent, TWorkflowEvent)
	res, err := db.ExecContext(ctx2, cmd, cutoff, limit)
	if err != nil {
		klog.ErrorS(err, "failed to delete events")
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}
