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
	TEventTrigger        = "workflow_event_triggers"
	TTriggerDelivery     = "workflow_trigger_deliveries"
	TTriggerFailureEvent = "workflow_trigger_failure_events"
	TTriggerPause        = "workflow_trigger_pauses"
	TSourcePause         = "workflow_source_pauses"
)

var (
	insertTriggerFormat      = `INSERT INTO ` + TEventTrigger + ` (%s) VALUES (%s)`
	insertDeliveryFormat     = `INSERT INTO ` + TTriggerDelivery + ` (%s) VALUES (%s)`
	insertFailureEventFormat = `INSERT INTO ` + TTriggerFailureEvent + ` (%s) VALUES (%s)`

	updateTriggerCmd = fmt.Sprintf(`UPDATE %s
		SET name = :name,
		    description = :description,
		    status = :status,
		    event_type = :event_type,
		    event_source = :event_source,
		    predicates = :predicates,
		    parameter_template = :parameter_template,
		    run_key_template = :run_key_template,
		    idempotency_key_expression = :idempotency_key_expression,
		    throttle_window_ms = :throttle_window_ms,
		    throttle_count = :throttle_count,
		    max_concurrency = :max_concurrency,
		    metadata = :metadata,
		    updated_at = :updated_at
		WHERE id = :id`, TEventTrigger)

	updateDeliveryCmd = fmt.Sprintf(`UPDATE %s
		SET status = :status,
		    attempts = :attempts,
		    throttled_until = :throttled_until,
		    next_attempt_at = :next_attempt_at,
		    retry_state = :retry_state,
		    last_error = :last_error,
		    workflow_run_id = :workflow_run_id,
		    updated_at = :updated_at
		WHERE id = :id`, TTriggerDelivery)
)

// --- triggers ---

// CreateTrigger registers an event trigger.
func (c *Client) CreateTrigger(ctx context.Context, trigger *model.EventTrigger) (*model.EventTrigger, error) {
	if trigger == nil || trigger.WorkflowDefinitionID == "" || trigger.EventType == "" {
		return nil, errors.NewBadRequest("trigger workflowDefinitionID and eventType are required")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	out := *trigger
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Status == "" {
		out.Status = model.TriggerStatusActive
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	row := eventTriggerRow(&out)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertTriggerFormat, ""), &row); err != nil {
		klog.ErrorS(err, "failed to insert trigger", "workflow", trigger.WorkflowDefinitionID)
		return nil, err
	}
	return &out, nil
}

// UpdateTrigger replaces the mutable trigger fields.
func (c *Client) UpdateTrigger(ctx context.Context, trigger *model.EventTrigger) (*model.EventTrigger, error) {
	if trigger == nil || trigger.ID == "" {
		return nil, errors.NewBadRequest("trigger id is required")
	}
	existing, err := c.GetTrigger(ctx, trigger.ID)
	if err != nil {
		return nil, err
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	out := *trigger
	out.CreatedAt = existing.CreatedAt
	out.UpdatedAt = time.Now().UTC()
	row := eventTriggerRow(&out)
	if _, err = db.NamedExecContext(ctx2, updateTriggerCmd, &row); err != nil {
		klog.ErrorS(err, "failed to update trigger", "id", trigger.ID)
		return nil, err
	}
	return &out, nil
}

// GetTrigger retrieves a trigger by id.
func (c *Client) GetTrigger(ctx context.Context, id string) (*model.EventTrigger, error) {
	if id == "" {
		return nil, errors.NewBadRequest("trigger id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowEventTrigger
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TEventTrigger)
	if err = db.SelectContext(ctx2, &rows, cmd, id); err != nil {
		klog.ErrorS(err, "failed to select trigger", "id", id)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("trigger", id)
	}
	out := rows[0].toModel()
	return &out, nil
}

// ListTriggersForWorkflow lists the triggers of a workflow in creation order.
func (c *Client) ListTriggersForWorkflow(ctx context.Context, workflowID string) ([]model.EventTrigger, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowEventTrigger
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE workflow_definition_id = $1 ORDER BY created_at %s`, TEventTrigger, ASC)
	if err = db.SelectContext(ctx2, &rows, cmd, workflowID); err != nil {
		klog.ErrorS(err, "failed to list triggers", "workflow", workflowID)
		return nil, err
	}
	out := make([]model.EventTrigger, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// ListActiveTriggersForEvent returns the active triggers subscribed to an
// event type, keeping triggers whose source filter is empty or matches.
func (c *Client) ListActiveTriggersForEvent(ctx context.Context, eventType, eventSource string) ([]model.EventTrigger, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*WorkflowEventTrigger
	cmd := fmt.Sprintf(`SELECT * FROM %s
		WHERE status = $1 AND event_type = $2 AND (event_source IS NULL OR event_source = '' OR event_source = $3)
		ORDER BY id %s`, TEventTrigger, ASC)
	if err = db.SelectContext(ctx2, &rows, cmd, model.TriggerStatusActive, eventType, eventSource); err != nil {
		klog.ErrorS(err, "failed to select triggers for event", "type", eventType)
		return nil, err
	}
	out := make([]model.EventTrigger, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// DeleteTrigger removes a trigger.
func (c *Client) DeleteTrigger(ctx context.Context, id string) error {
	if id == "" {
		return errors.NewBadRequest("trigger id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	res, err := db.ExecContext(ctx2, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TEventTrigger), id)
	if err != nil {
		klog.ErrorS(err, "failed to delete trigger", "id", id)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFound("trigger", id)
	}
	return nil
}

// --- deliveries ---

// CreateDelivery inserts the delivery. The partial unique dedupe index
// rejects a second live delivery sharing (trigger, dedupeKey).
func (c *Client) CreateDelivery(ctx context.Context, delivery *model.TriggerDelivery) error {
	if delivery == nil || delivery.TriggerID == "" || delivery.EventID == "" {
		return errors.NewBadRequest("delivery triggerID and eventID are required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	if delivery.Status == "" {
		delivery.Status = model.DeliveryStatusPending
	}
	if delivery.RetryState == "" {
		delivery.RetryState = model.RetryStateNone
	}
	now := time.Now().UTC()
	delivery.CreatedAt = now
	delivery.UpdatedAt = now
	row := deliveryRow(delivery)
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertDeliveryFormat, ""), &row); err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflict(fmt.Sprintf("delivery with dedupe key %q already active", delivery.DedupeKey))
		}
		klog.ErrorS(err, "failed to insert delivery", "trigger", delivery.TriggerID, "event", delivery.EventID)
		return err
	}
	return nil
}

// UpdateDelivery persists delivery pipeline progress.
func (c *Client) UpdateDelivery(ctx context.Context, delivery *model.TriggerDelivery) error {
	if delivery == nil || delivery.ID == "" {
		return errors.NewBadRequest("delivery id is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	delivery.UpdatedAt = time.Now().UTC()
	row := deliveryRow(delivery)
	res, err := db.NamedExecContext(ctx2, updateDeliveryCmd, &row)
	if err != nil {
		klog.ErrorS(err, "failed to update delivery", "id", delivery.ID)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFound("delivery", delivery.ID)
	}
	return nil
}

// GetDelivery retrieves a delivery by id.
func (c *Client) GetDelivery(ctx context.Context, id string) (*model.TriggerDelivery, error) {
	if id == "" {
		return nil, errors.NewBadRequest("delivery id is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*TriggerDelivery
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TTriggerDelivery)
	if err = db.SelectContext(ctx2, &rows, cmd, id); err != nil {
		klog.ErrorS(err, "failed to select delivery", "id", id)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("delivery", id)
	}
	out := rows[0].toModel()
	return &out, nil
}

// GetActiveDeliveryByDedupeKey returns the live delivery holding a dedupe
// slot.
func (c *Client) GetActiveDeliveryByDedupeKey(ctx context.Context, triggerID, dedupeKey string) (*model.TriggerDelivery, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*TriggerDelivery
	cmd, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TTriggerDelivery).
		Where(sqrl.Eq{"trigger_id": triggerID}).
		Where(sqrl.Eq{"dedupe_key": dedupeKey}).
		Where(sqrl.Eq{"status": model.ActiveDeliveryStatuses}).
		Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	if err = db.SelectContext(ctx2, &rows, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to select active delivery", "trigger", triggerID)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no active delivery with dedupe key %q", dedupeKey))
	}
	out := rows[0].toModel()
	return &out, nil
}

// ListDeliveries lists deliveries newest first, filtered by the query.
func (c *Client) ListDeliveries(ctx context.Context, query store.DeliveryQuery) ([]model.TriggerDelivery, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TTriggerDelivery).
		OrderBy("created_at "+DESC, "id "+ASC)
	if len(query.TriggerIDs) > 0 {
		builder = builder.Where(sqrl.Eq{"trigger_id": query.TriggerIDs})
	}
	if len(query.Statuses) > 0 {
		builder = builder.Where(sqrl.Eq{"status": query.Statuses})
	}
	if query.DedupeKey != "" {
		builder = builder.Where(sqrl.Eq{"dedupe_key": query.DedupeKey})
	}
	if !query.From.IsZero() {
		builder = builder.Where(sqrl.GtOrEq{"created_at": query.From})
	}
	if !query.To.IsZero() {
		builder = builder.Where(sqrl.LtOrEq{"created_at": query.To})
	}
	if query.Limit > 0 {
		builder = builder.Limit(uint64(query.Limit))
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*TriggerDelivery
	if err = db.SelectContext(ctx2, &rows, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to list deliveries")
		return nil, err
	}
	out := make([]model.TriggerDelivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// CountLaunchedSince counts launches inside the throttle window.
func (c *Client) CountLaunchedSince(ctx context.Context, triggerID string, since time.Time) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var cnt int
	cmd := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE trigger_id = $1 AND status = $2 AND updated_at >= $3`, TTriggerDelivery)
	if err = db.GetContext(ctx2, &cnt, cmd, triggerID, model.DeliveryStatusLaunched, since); err != nil {
		klog.ErrorS(err, "failed to count launched deliveries", "trigger", triggerID)
		return 0, err
	}
	return cnt, nil
}

// ListDueDeliveries returns matched or throttled deliveries whose next
// attempt is due, soonest first.
func (c *Client) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.TriggerDelivery, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*TriggerDelivery
	cmd := fmt.Sprintf(`SELECT * FROM %s
		WHERE next_attempt_at IS NOT NULL AND next_attempt_at <= $1 AND status IN ($2, $3)
		ORDER BY next_attempt_at %s LIMIT $4`, TTriggerDelivery, ASC)
	if err = db.SelectContext(ctx2, &rows, cmd, now, model.DeliveryStatusMatched, model.DeliveryStatusThrottled, limit); err != nil {
		klog.ErrorS(err, "failed to list due deliveries")
		return nil, err
	}
	out := make([]model.TriggerDelivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// --- failure events and pauses ---

// InsertFailureEvent appends one delivery-failure record.
func (c *Client) InsertFailureEvent(ctx context.Context, event *model.TriggerFailureEvent) error {
	if event == nil || event.TriggerID == "" {
		return errors.NewBadRequest("failure event triggerID is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.FailedAt.IsZero() {
		event.FailedAt = time.Now().UTC()
	}
	row := TriggerFailureEvent{
		Id:         event.ID,
		TriggerId:  event.TriggerID,
		DeliveryId: nullString(event.DeliveryID),
		EventId:    nullString(event.EventID),
		Reason:     event.Reason,
		FailedAt:   event.FailedAt,
	}
	if _, err = db.NamedExecContext(ctx2, generateCommand(row, insertFailureEventFormat, ""), &row); err != nil {
		klog.ErrorS(err, "failed to insert failure event", "trigger", event.TriggerID)
		return err
	}
	return nil
}

// ListFailureEvents lists failure records for the window, optionally scoped
// to a trigger set.
func (c *Client) ListFailureEvents(ctx context.Context, triggerIDs []string, from, to time.Time) ([]model.TriggerFailureEvent, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TTriggerFailureEvent).
		OrderBy("failed_at " + ASC)
	if len(triggerIDs) > 0 {
		builder = builder.Where(sqrl.Eq{"trigger_id": triggerIDs})
	}
	if !from.IsZero() {
		builder = builder.Where(sqrl.GtOrEq{"failed_at": from})
	}
	if !to.IsZero() {
		builder = builder.Where(sqrl.LtOrEq{"failed_at": to})
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*TriggerFailureEvent
	if err = db.SelectContext(ctx2, &rows, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to list failure events")
		return nil, err
	}
	out := make([]model.TriggerFailureEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// GetTriggerPause retrieves the pause state of a trigger.
func (c *Client) GetTriggerPause(ctx context.Context, triggerID string) (*model.TriggerPause, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*TriggerPause
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE trigger_id = $1 LIMIT 1`, TTriggerPause)
	if err = db.SelectContext(ctx2, &rows, cmd, triggerID); err != nil {
		klog.ErrorS(err, "failed to select trigger pause", "trigger", triggerID)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("trigger pause", triggerID)
	}
	out := rows[0].toModel()
	return &out, nil
}

// UpsertTriggerPause inserts or replaces the pause state of a trigger.
func (c *Client) UpsertTriggerPause(ctx context.Context, pause *model.TriggerPause) error {
	if pause == nil || pause.TriggerID == "" {
		return errors.NewBadRequest("trigger pause triggerID is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	pause.UpdatedAt = time.Now().UTC()
	cmd := fmt.Sprintf(`INSERT INTO %s (trigger_id, failures, next_eligible_at, paused_until, reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trigger_id) DO UPDATE SET
			failures = EXCLUDED.failures,
			next_eligible_at = EXCLUDED.next_eligible_at,
			paused_until = EXCLUDED.paused_until,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at`, TTriggerPause)
	if _, err = db.ExecContext(ctx2, cmd, pause.TriggerID, pause.Failures,
		nullTimePtr(pause.NextEligibleAt), nullTimePtr(pause.PausedUntil), nullString(pause.Reason), pause.UpdatedAt); err != nil {
		klog.ErrorS(err, "failed to upsert trigger pause", "trigger", pause.TriggerID)
		return err
	}
	return nil
}

// ListTriggerPauses lists pause rows, optionally scoped to a trigger set.
func (c *Client) ListTriggerPauses(ctx context.Context, triggerIDs []string) ([]model.TriggerPause, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TTriggerPause).
		OrderBy("trigger_id " + ASC)
	if len(triggerIDs) > 0 {
		builder = builder.Where(sqrl.Eq{"trigger_id": triggerIDs})
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*TriggerPause
	if err = db.SelectContext(ctx2, &rows, cmd, args...); err != nil {
		klog.ErrorS(err, "failed to list trigger pauses")
		return nil, err
	}
	out := make([]model.TriggerPause, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// GetSourcePause retrieves the pause state of an event source.
func (c *Client) GetSourcePause(ctx context.Context, source string) (*model.SourcePause, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*SourcePause
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE source = $1 LIMIT 1`, TSourcePause)
	if err = db.SelectContext(ctx2, &rows, cmd, source); err != nil {
		klog.ErrorS(err, "failed to select source pause", "source", source)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFound("source pause", source)
	}
	out := rows[0].toModel()
	return &out, nil
}

// UpsertSourcePause inserts or replaces the pause state of an event source.
func (c *Client) UpsertSourcePause(ctx context.Context, pause *model.SourcePause) error {
	if pause == nil || pause.Source == "" {
		return errors.NewBadRequest("source pause source is required")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	pause.UpdatedAt = time.Now().UTC()
	cmd := fmt.Sprintf(`INSERT INTO %s (source, failures, paused_until, reason, details, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source) DO UPDATE SET
			failures = EXCLUDED.failures,
			paused_until = EXCLUDED.paused_until,
			reason = EXCLUDED.reason,
			details = EXCLUDED.details,
			updated_at = EXCLUDED.updated_at`, TSourcePause)
	if _, err = db.ExecContext(ctx2, cmd, pause.Source, pause.Failures,
		nullTimePtr(pause.PausedUntil), nullString(pause.Reason), jsonbOr(pause.Details, "{}"), pause.UpdatedAt); err != nil {
		klog.ErrorS(err, "failed to upsert source pause", "source", pause.Source)
		return err
	}
	return nil
}

// ListSourcePauses lists all source-pause rows.
func (c *Client) ListSourcePauses(ctx context.Context) ([]model.SourcePause, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	var rows []*SourcePause
	cmd := fmt.Sprintf(`SELECT * FROM %s ORDER BY source %s`, TSourcePause, ASC)
	if err = db.SelectContext(ctx2, &rows, cmd); err != nil {
		klog.ErrorS(err, "failed to list source pauses")
		return nil, err
	}
	out := make([]model.SourcePause, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}
