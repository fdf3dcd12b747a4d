/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/openfathom/fathom/pkg/jsonutil"
	"github.com/openfathom/fathom/pkg/model"
)

type Workflow struct {
	Id                string         `db:"id"`
	Slug              string         `db:"slug"`
	Name              string         `db:"name"`
	Version           int            `db:"version"`
	Description       sql.NullString `db:"description"`
	Steps             []byte         `db:"steps"`
	Triggers          []byte         `db:"triggers"`
	ParametersSchema  []byte         `db:"parameters_schema"`
	DefaultParameters []byte         `db:"default_parameters"`
	OutputSchema      []byte         `db:"output_schema"`
	Metadata          []byte         `db:"metadata"`
	Dag               []byte         `db:"dag"`
	CreateTime        time.Time      `db:"created_at"`
	UpdateTime        time.Time      `db:"updated_at"`
}

// GetWorkflowFieldTags returns the Workflow db tags by field name.
func GetWorkflowFieldTags() map[string]string {
	return getFieldTags(Workflow{})
}

func (r *Workflow) toModel() model.WorkflowDefinition {
	var steps []model.Step
	_ = jsonutil.Unmarshal(r.Steps, &steps)
	var triggers []model.DefinitionTrigger
	_ = jsonutil.Unmarshal(r.Triggers, &triggers)
	var dag *model.DagMetadata
	if len(r.Dag) > 2 {
		dag = &model.DagMetadata{}
		_ = jsonutil.Unmarshal(r.Dag, dag)
	}
	return model.WorkflowDefinition{
		ID:                r.Id,
		Slug:              r.Slug,
		Name:              r.Name,
		Version:           r.Version,
		Description:       fromNullString(r.Description),
		Steps:             steps,
		Triggers:          triggers,
		ParametersSchema:  rawOrNil(r.ParametersSchema),
		DefaultParameters: rawOrNil(r.DefaultParameters),
		OutputSchema:      rawOrNil(r.OutputSchema),
		Metadata:          rawOrNil(r.Metadata),
		Dag:               dag,
		CreatedAt:         r.CreateTime.UTC(),
		UpdatedAt:         r.UpdateTime.UTC(),
	}
}

func workflowRow(w *model.WorkflowDefinition) Workflow {
	dag := []byte("{}")
	if w.Dag != nil {
		dag = jsonutil.MarshalSilently(w.Dag)
	}
	return Workflow{
		Id:                w.ID,
		Slug:              w.Slug,
		Name:              w.Name,
		Version:           w.Version,
		Description:       nullString(w.Description),
		Steps:             jsonbOr(jsonutil.MarshalSilently(w.Steps), "[]"),
		Triggers:          jsonbOr(jsonutil.MarshalSilently(w.Triggers), "[]"),
		ParametersSchema:  jsonbOr(w.ParametersSchema, "{}"),
		DefaultParameters: jsonbOr(w.DefaultParameters, "{}"),
		OutputSchema:      jsonbOr(w.OutputSchema, "{}"),
		Metadata:          jsonbOr(w.Metadata, "{}"),
		Dag:               dag,
		CreateTime:        w.CreatedAt,
		UpdateTime:        w.UpdatedAt,
	}
}

type WorkflowRun struct {
	Id                   string         `db:"id"`
	WorkflowDefinitionId string         `db:"workflow_definition_id"`
	Status               string         `db:"status"`
	RunKey               sql.NullString `db:"run_key"`
	RunKeyNormalized     sql.NullString `db:"run_key_normalized"`
	Parameters           []byte         `db:"parameters"`
	Context              []byte         `db:"context"`
	Output               []byte         `db:"output"`
	PartitionKey         sql.NullString `db:"partition_key"`
	TriggeredBy          sql.NullString `db:"triggered_by"`
	TriggerContext       []byte         `db:"trigger_context"`
	ErrorMessage         sql.NullString `db:"error_message"`
	CurrentStepId        sql.NullString `db:"current_step_id"`
	CurrentStepIndex     sql.NullInt64  `db:"current_step_index"`
	Metrics              []byte         `db:"metrics"`
	RetrySummary         []byte         `db:"retry_summary"`
	StartedAt            pq.NullTime    `db:"started_at"`
	CompletedAt          pq.NullTime    `db:"completed_at"`
	DurationMs           sql.NullInt64  `db:"duration_ms"`
	CreateTime           time.Time      `db:"created_at"`
	UpdateTime           time.Time      `db:"updated_at"`
}

// GetWorkflowRunFieldTags returns the WorkflowRun db tags by field name.
func GetWorkflowRunFieldTags() map[string]string {
	return getFieldTags(WorkflowRun{})
}

func (r *WorkflowRun) toModel() model.WorkflowRun {
	var metrics model.RunMetrics
	_ = jsonutil.Unmarshal(r.Metrics, &metrics)
	var retry model.RetrySummary
	_ = jsonutil.Unmarshal(r.RetrySummary, &retry)
	var trigger *model.TriggerContext
	if len(r.TriggerContext) > 2 {
		trigger = &model.TriggerContext{}
		_ = jsonutil.Unmarshal(r.TriggerContext, trigger)
	}
	return model.WorkflowRun{
		ID:                   r.Id,
		WorkflowDefinitionID: r.WorkflowDefinitionId,
		Status:               r.Status,
		RunKey:               fromNullString(r.RunKey),
		RunKeyNormalized:     fromNullString(r.RunKeyNormalized),
		Parameters:           rawOrNil(r.Parameters),
		Context:              rawOrNil(r.Context),
		Output:               rawOrNil(r.Output),
		PartitionKey:         fromNullString(r.PartitionKey),
		TriggeredBy:          fromNullString(r.TriggeredBy),
		Trigger:              trigger,
		ErrorMessage:         fromNullString(r.ErrorMessage),
		CurrentStepID:        fromNullString(r.CurrentStepId),
		CurrentStepIndex:     fromNullInt(r.CurrentStepIndex),
		Metrics:              metrics,
		RetrySummary:         retry,
		StartedAt:            fromNullTime(r.StartedAt),
		CompletedAt:          fromNullTime(r.CompletedAt),
		DurationMs:           fromNullInt64(r.DurationMs),
		CreatedAt:            r.CreateTime.UTC(),
		UpdatedAt:            r.UpdateTime.UTC(),
	}
}

func workflowRunRow(run *model.WorkflowRun) WorkflowRun {
	var trigger []byte
	if run.Trigger != nil {
		trigger = jsonutil.MarshalSilently(run.Trigger)
	}
	return WorkflowRun{
		Id:                   run.ID,
		WorkflowDefinitionId: run.WorkflowDefinitionID,
		Status:               run.Status,
		RunKey:               nullString(run.RunKey),
		RunKeyNormalized:     nullString(run.RunKeyNormalized),
		Parameters:           jsonbOr(run.Parameters, "{}"),
		Context:              jsonbOr(run.Context, "{}"),
		Output:               run.Output,
		PartitionKey:         nullString(run.PartitionKey),
		TriggeredBy:          nullString(run.TriggeredBy),
		TriggerContext:       trigger,
		ErrorMessage:         nullString(run.ErrorMessage),
		CurrentStepId:        nullString(run.CurrentStepID),
		CurrentStepIndex:     nullIntPtr(run.CurrentStepIndex),
		Metrics:              jsonbOr(jsonutil.MarshalSilently(run.Metrics), "{}"),
		RetrySummary:         jsonbOr(jsonutil.MarshalSilently(run.RetrySummary), "{}"),
		StartedAt:            nullTimePtr(run.StartedAt),
		CompletedAt:          nullTimePtr(run.CompletedAt),
		DurationMs:           nullInt64Ptr(run.DurationMs),
		CreateTime:           run.CreatedAt,
		UpdateTime:           run.UpdatedAt,
	}
}

type WorkflowRunStep struct {
	Id              string         `db:"id"`
	WorkflowRunId   string         `db:"workflow_run_id"`
	StepId          string         `db:"step_id"`
	Attempt         int            `db:"attempt"`
	Status          string         `db:"status"`
	Input           []byte         `db:"input"`
	Output          []byte         `db:"output"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ProducedAssets  []byte         `db:"produced_assets"`
	ParentStepId    sql.NullString `db:"parent_step_id"`
	FanoutIndex     sql.NullInt64  `db:"fanout_index"`
	TemplateStepId  sql.NullString `db:"template_step_id"`
	RetryState      string         `db:"retry_state"`
	RetryAttempts   int            `db:"retry_attempts"`
	NextAttemptAt   pq.NullTime    `db:"next_attempt_at"`
	LastHeartbeatAt pq.NullTime    `db:"last_heartbeat_at"`
	StartedAt       pq.NullTime    `db:"started_at"`
	CompletedAt     pq.NullTime    `db:"completed_at"`
	CreateTime      time.Time      `db:"created_at"`
	UpdateTime      time.Time      `db:"updated_at"`
}

func (r *WorkflowRunStep) toModel() model.WorkflowRunStep {
	var produced []model.ProducedAssetRef
	_ = jsonutil.Unmarshal(r.ProducedAssets, &produced)
	return model.WorkflowRunStep{
		ID:              r.Id,
		WorkflowRunID:   r.WorkflowRunId,
		StepID:          r.StepId,
		Attempt:         r.Attempt,
		Status:          r.Status,
		Input:           rawOrNil(r.Input),
		Output:          rawOrNil(r.Output),
		ErrorMessage:    fromNullString(r.ErrorMessage),
		ProducedAssets:  produced,
		ParentStepID:    fromNullString(r.ParentStepId),
		FanoutIndex:     fromNullInt(r.FanoutIndex),
		TemplateStepID:  fromNullString(r.TemplateStepId),
		RetryState:      r.RetryState,
		RetryAttempts:   r.RetryAttempts,
		NextAttemptAt:   fromNullTime(r.NextAttemptAt),
		LastHeartbeatAt: fromNullTime(r.LastHeartbeatAt),
		StartedAt:       fromNullTime(r.StartedAt),
		CompletedAt:     fromNullTime(r.CompletedAt),
		CreatedAt:       r.CreateTime.UTC(),
		UpdatedAt:       r.UpdateTime.UTC(),
	}
}

func workflowRunStepRow(step *model.WorkflowRunStep) WorkflowRunStep {
	return WorkflowRunStep{
		Id:              step.ID,
		WorkflowRunId:   step.WorkflowRunID,
		StepId:          step.StepID,
		Attempt:         step.Attempt,
		Status:          step.Status,
		Input:           step.Input,
		Output:          step.Output,
		ErrorMessage:    nullString(step.ErrorMessage),
		ProducedAssets:  jsonbOr(jsonutil.MarshalSilently(step.ProducedAssets), "[]"),
		ParentStepId:    nullString(step.ParentStepID),
		FanoutIndex:     nullIntPtr(step.FanoutIndex),
		TemplateStepId:  nullString(step.TemplateStepID),
		RetryState:      step.RetryState,
		RetryAttempts:   step.RetryAttempts,
		NextAttemptAt:   nullTimePtr(step.NextAttemptAt),
		LastHeartbeatAt: nullTimePtr(step.LastHeartbeatAt),
		StartedAt:       nullTimePtr(step.StartedAt),
		CompletedAt:     nullTimePtr(step.CompletedAt),
		CreateTime:      step.CreatedAt,
		UpdateTime:      step.UpdatedAt,
	}
}

type WorkflowEvent struct {
	Id              string         `db:"id"`
	Type            string         `db:"type"`
	Source          string         `db:"source"`
	OccurredAt      time.Time      `db:"occurred_at"`
	Payload         []byte         `db:"payload"`
	CorrelationId   sql.NullString `db:"correlation_id"`
	TtlMs           sql.NullInt64  `db:"ttl_ms"`
	Metadata        []byte         `db:"metadata"`
	ReceivedAt      time.Time      `db:"received_at"`
	IngressSequence int64          `db:"ingress_sequence"`
}

func (r *WorkflowEvent) toModel() model.EventEnvelope {
	return model.EventEnvelope{
		ID:            r.Id,
		Type:          r.Type,
		Source:        r.Source,
		OccurredAt:    r.OccurredAt.UTC(),
		Payload:       rawOrNil(r.Payload),
		CorrelationID: fromNullString(r.CorrelationId),
		TTLMs:         fromNullInt64(r.TtlMs),
		Metadata:      rawOrNil(r.Metadata),
		ReceivedAt:    r.ReceivedAt.UTC(),
	}
}

func workflowEventRow(e *model.EventEnvelope) WorkflowEvent {
	return WorkflowEvent{
		Id:            e.ID,
		Type:          e.Type,
		Source:        e.Source,
		OccurredAt:    e.OccurredAt,
		Payload:       jsonbOr(e.Payload, "{}"),
		CorrelationId: nullString(e.CorrelationID),
		TtlMs:         nullInt64Ptr(e.TTLMs),
		Metadata:      jsonbOr(e.Metadata, "{}"),
		ReceivedAt:    e.ReceivedAt,
	}
}

type WorkflowEventTrigger struct {
	Id                       string         `db:"id"`
	WorkflowDefinitionId     string         `db:"workflow_definition_id"`
	Name                     sql.NullString `db:"name"`
	Description              sql.NullString `db:"description"`
	Status                   string         `db:"status"`
	EventType                string         `db:"event_type"`
	EventSource              sql.NullString `db:"event_source"`
	Predicates               []byte         `db:"predicates"`
	ParameterTemplate        []byte         `db:"parameter_template"`
	RunKeyTemplate           sql.NullString `db:"run_key_template"`
	IdempotencyKeyExpression sql.NullString `db:"idempotency_key_expression"`
	ThrottleWindowMs         sql.NullInt64  `db:"throttle_window_ms"`
	ThrottleCount            sql.NullInt64  `db:"throttle_count"`
	MaxConcurrency           sql.NullInt64  `db:"max_concurrency"`
	Metadata                 []byte         `db:"metadata"`
	CreatedBy                sql.NullString `db:"created_by"`
	CreateTime               time.Time      `db:"created_at"`
	UpdateTime               time.Time      `db:"updated_at"`
}

// GetEventTriggerFieldTags returns the WorkflowEventTrigger db tags by field
// name.
func GetEventTriggerFieldTags() map[string]string {
	return getFieldTags(WorkflowEventTrigger{})
}

func (r *WorkflowEventTrigger) toModel() model.EventTrigger {
	var predicates []model.TriggerPredicate
	_ = jsonutil.Unmarshal(r.Predicates, &predicates)
	return model.EventTrigger{
		ID:                       r.Id,
		WorkflowDefinitionID:     r.WorkflowDefinitionId,
		Name:                     fromNullString(r.Name),
		Description:              fromNullString(r.Description),
		Status:                   r.Status,
		EventType:                r.EventType,
		EventSource:              fromNullString(r.EventSource),
		Predicates:               predicates,
		ParameterTemplate:        rawOrNil(r.ParameterTemplate),
		RunKeyTemplate:           fromNullString(r.RunKeyTemplate),
		IdempotencyKeyExpression: fromNullString(r.IdempotencyKeyExpression),
		ThrottleWindowMs:         fromNullInt64(r.ThrottleWindowMs),
		ThrottleCount:            fromNullInt(r.ThrottleCount),
		MaxConcurrency:           fromNullInt(r.MaxConcurrency),
		Metadata:                 rawOrNil(r.Metadata),
		CreatedBy:                fromNullString(r.CreatedBy),
		CreatedAt:                r.CreateTime.UTC(),
		UpdatedAt:                r.UpdateTime.UTC(),
	}
}

func eventTriggerRow(t *model.EventTrigger) WorkflowEventTrigger {
	return WorkflowEventTrigger{
		Id:                       t.ID,
		WorkflowDefinitionId:     t.WorkflowDefinitionID,
		Name:                     nullString(t.Name),
		Description:              nullString(t.Description),
		Status:                   t.Status,
		EventType:                t.EventType,
		EventSource:              nullString(t.EventSource),
		Predicates:               jsonbOr(jsonutil.MarshalSilently(t.Predicates), "[]"),
		ParameterTemplate:        t.ParameterTemplate,
		RunKeyTemplate:           nullString(t.RunKeyTemplate),
		IdempotencyKeyExpression: nullString(t.IdempotencyKeyExpression),
		ThrottleWindowMs:         nullInt64Ptr(t.ThrottleWindowMs),
		ThrottleCount:            nullIntPtr(t.ThrottleCount),
		MaxConcurrency:           nullIntPtr(t.MaxConcurrency),
		Metadata:                 jsonbOr(t.Metadata, "{}"),
		CreatedBy:                nullString(t.CreatedBy),
		CreateTime:               t.CreatedAt,
		UpdateTime:               t.UpdatedAt,
	}
}

type TriggerDelivery struct {
	Id             string         `db:"id"`
	TriggerId      string         `db:"trigger_id"`
	EventId        string         `db:"event_id"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	DedupeKey      sql.NullString `db:"dedupe_key"`
	ThrottledUntil pq.NullTime    `db:"throttled_until"`
	NextAttemptAt  pq.NullTime    `db:"next_attempt_at"`
	RetryState     string         `db:"retry_state"`
	LastError      sql.NullString `db:"last_error"`
	WorkflowRunId  sql.NullString `db:"workflow_run_id"`
	CreateTime     time.Time      `db:"created_at"`
	UpdateTime     time.Time      `db:"updated_at"`
}

// GetDeliveryFieldTags returns the TriggerDelivery db tags by field name.
func GetDeliveryFieldTags() map[string]string {
	return getFieldTags(TriggerDelivery{})
}

func (r *TriggerDelivery) toModel() model.TriggerDelivery {
	return model.TriggerDelivery{
		ID:             r.Id,
		TriggerID:      r.TriggerId,
		EventID:        r.EventId,
		Status:         r.Status,
		Attempts:       r.Attempts,
		DedupeKey:      fromNullString(r.DedupeKey),
		ThrottledUntil: fromNullTime(r.ThrottledUntil),
		NextAttemptAt:  fromNullTime(r.NextAttemptAt),
		RetryState:     r.RetryState,
		LastError:      fromNullString(r.LastError),
		WorkflowRunID:  fromNullString(r.WorkflowRunId),
		CreatedAt:      r.CreateTime.UTC(),
		UpdatedAt:      r.UpdateTime.UTC(),
	}
}

func deliveryRow(d *model.TriggerDelivery) TriggerDelivery {
	return TriggerDelivery{
		Id:             d.ID,
		TriggerId:      d.TriggerID,
		EventId:        d.EventID,
		Status:         d.Status,
		Attempts:       d.Attempts,
		DedupeKey:      nullString(d.DedupeKey),
		ThrottledUntil: nullTimePtr(d.ThrottledUntil),
		NextAttemptAt:  nullTimePtr(d.NextAttemptAt),
		RetryState:     d.RetryState,
		LastError:      nullString(d.LastError),
		WorkflowRunId:  nullString(d.WorkflowRunID),
		CreateTime:     d.CreatedAt,
		UpdateTime:     d.UpdatedAt,
	}
}

type WorkflowSchedule struct {
	Id                     string         `db:"id"`
	WorkflowDefinitionId   string         `db:"workflow_definition_id"`
	Name                   sql.NullString `db:"name"`
	Description            sql.NullString `db:"description"`
	Cron                   string         `db:"cron"`
	Timezone               sql.NullString `db:"timezone"`
	Parameters             []byte         `db:"parameters"`
	StartWindow            pq.NullTime    `db:"start_window"`
	EndWindow              pq.NullTime    `db:"end_window"`
	CatchUp                bool           `db:"catch_up"`
	NextRunAt              pq.NullTime    `db:"next_run_at"`
	LastMaterializedWindow []byte         `db:"last_materialized_window"`
	CatchupCursor          pq.NullTime    `db:"catchup_cursor"`
	IsActive               bool           `db:"is_active"`
	CreateTime             time.Time      `db:"created_at"`
	UpdateTime             time.Time      `db:"updated_at"`
}

func (r *WorkflowSchedule) toModel() model.Schedule {
	var window *model.ScheduleWindow
	if len(r.LastMaterializedWindow) > 2 {
		window = &model.ScheduleWindow{}
		_ = jsonutil.Unmarshal(r.LastMaterializedWindow, window)
	}
	return model.Schedule{
		ID:                     r.Id,
		WorkflowDefinitionID:   r.WorkflowDefinitionId,
		Name:                   fromNullString(r.Name),
		Description:            fromNullString(r.Description),
		Cron:                   r.Cron,
		Timezone:               fromNullString(r.Timezone),
		Parameters:             rawOrNil(r.Parameters),
		StartWindow:            fromNullTime(r.StartWindow),
		EndWindow:              fromNullTime(r.EndWindow),
		CatchUp:                r.CatchUp,
		NextRunAt:              fromNullTime(r.NextRunAt),
		LastMaterializedWindow: window,
		CatchupCursor:          fromNullTime(r.CatchupCursor),
		IsActive:               r.IsActive,
		CreatedAt:              r.CreateTime.UTC(),
		UpdatedAt:              r.UpdateTime.UTC(),
	}
}

func scheduleRow(s *model.Schedule) WorkflowSchedule {
	var window []byte
	if s.LastMaterializedWindow != nil {
		window = jsonutil.MarshalSilently(s.LastMaterializedWindow)
	}
	return WorkflowSchedule{
		Id:                     s.ID,
		WorkflowDefinitionId:   s.WorkflowDefinitionID,
		Name:                   nullString(s.Name),
		Description:            nullString(s.Description),
		Cron:                   s.Cron,
		Timezone:               nullString(s.Timezone),
		Parameters:             s.Parameters,
		StartWindow:            nullTimePtr(s.StartWindow),
		EndWindow:              nullTimePtr(s.EndWindow),
		CatchUp:                s.CatchUp,
		NextRunAt:              nullTimePtr(s.NextRunAt),
		LastMaterializedWindow: window,
		CatchupCursor:          nullTimePtr(s.CatchupCursor),
		IsActive:               s.IsActive,
		CreateTime:             s.CreatedAt,
		UpdateTime:             s.UpdatedAt,
	}
}

type TriggerFailureEvent struct {
	Id         string         `db:"id"`
	TriggerId  string         `db:"trigger_id"`
	DeliveryId sql.NullString `db:"delivery_id"`
	EventId    sql.NullString `db:"event_id"`
	Reason     string         `db:"reason"`
	FailedAt   time.Time      `db:"failed_at"`
}

func (r *TriggerFailureEvent) toModel() model.TriggerFailureEvent {
	return model.TriggerFailureEvent{
		ID:         r.Id,
		TriggerID:  r.TriggerId,
		DeliveryID: fromNullString(r.DeliveryId),
		EventID:    fromNullString(r.EventId),
		Reason:     r.Reason,
		FailedAt:   r.FailedAt.UTC(),
	}
}

type TriggerPause struct {
	TriggerId      string         `db:"trigger_id"`
	Failures       int            `db:"failures"`
	NextEligibleAt pq.NullTime    `db:"next_eligible_at"`
	PausedUntil    pq.NullTime    `db:"paused_until"`
	Reason         sql.NullString `db:"reason"`
	UpdateTime     time.Time      `db:"updated_at"`
}

func (r *TriggerPause) toModel() model.TriggerPause {
	return model.TriggerPause{
		TriggerID:      r.TriggerId,
		Failures:       r.Failures,
		NextEligibleAt: fromNullTime(r.NextEligibleAt),
		PausedUntil:    fromNullTime(r.PausedUntil),
		Reason:         fromNullString(r.Reason),
		UpdatedAt:      r.UpdateTime.UTC(),
	}
}

type SourcePause struct {
	Source      string         `db:"source"`
	Failures    int            `db:"failures"`
	PausedUntil pq.NullTime    `db:"paused_until"`
	Reason      sql.NullString `db:"reason"`
	Details     []byte         `db:"details"`
	UpdateTime  time.Time      `db:"updated_at"`
}

func (r *SourcePause) toModel() model.SourcePause {
	return model.SourcePause{
		Source:      r.Source,
		Failures:    r.Failures,
		PausedUntil: fromNullTime(r.PausedUntil),
		Reason:      fromNullString(r.Reason),
		Details:     rawOrNil(r.Details),
		UpdatedAt:   r.UpdateTime.UTC(),
	}
}

type AssetDeclaration struct {
	Id                   string      `db:"id"`
	WorkflowDefinitionId string      `db:"workflow_definition_id"`
	StepId               string      `db:"step_id"`
	AssetId              string      `db:"asset_id"`
	AssetKey             string      `db:"asset_key"`
	Direction            string      `db:"direction"`
	Schema               []byte      `db:"schema"`
	Freshness            []byte      `db:"freshness"`
	AutoMaterialize      []byte      `db:"auto_materialize"`
	Partitioning         []byte      `db:"partitioning"`
	CreateTime           time.Time   `db:"created_at"`
	UpdateTime           time.Time   `db:"updated_at"`
}

func (r *AssetDeclaration) toModel() model.AssetDeclarationRecord {
	out := model.AssetDeclarationRecord{
		ID:                   r.Id,
		WorkflowDefinitionID: r.WorkflowDefinitionId,
		StepID:               r.StepId,
		AssetID:              r.AssetId,
		AssetKey:             r.AssetKey,
		Direction:            r.Direction,
		Schema:               rawOrNil(r.Schema),
		CreatedAt:            r.CreateTime.UTC(),
		UpdatedAt:            r.UpdateTime.UTC(),
	}
	if len(r.Freshness) > 2 {
		out.Freshness = &model.AssetFreshness{}
		_ = jsonutil.Unmarshal(r.Freshness, out.Freshness)
	}
	if len(r.AutoMaterialize) > 2 {
		out.AutoMaterialize = &model.AutoMaterializePolicy{}
		_ = jsonutil.Unmarshal(r.AutoMaterialize, out.AutoMaterialize)
	}
	if len(r.Partitioning) > 2 {
		out.Partitioning = &model.PartitioningSpec{}
		_ = jsonutil.Unmarshal(r.Partitioning, out.Partitioning)
	}
	return out
}

func assetDeclarationRow(d *model.AssetDeclarationRecord) AssetDeclaration {
	row := AssetDeclaration{
		Id:                   d.ID,
		WorkflowDefinitionId: d.WorkflowDefinitionID,
		StepId:               d.StepID,
		AssetId:              d.AssetID,
		AssetKey:             d.AssetKey,
		Direction:            d.Direction,
		Schema:               d.Schema,
		CreateTime:           d.CreatedAt,
		UpdateTime:           d.UpdatedAt,
	}
	if d.Freshness != nil {
		row.Freshness = jsonutil.MarshalSilently(d.Freshness)
	}
	if d.AutoMaterialize != nil {
		row.AutoMaterialize = jsonutil.MarshalSilently(d.AutoMaterialize)
	}
	if d.Partitioning != nil {
		row.Partitioning = jsonutil.MarshalSilently(d.Partitioning)
	}
	return row
}

type AssetSnapshot struct {
	Id                     string         `db:"id"`
	WorkflowDefinitionId   string         `db:"workflow_definition_id"`
	WorkflowRunId          string         `db:"workflow_run_id"`
	WorkflowRunStepId      string         `db:"workflow_run_step_id"`
	StepId                 string         `db:"step_id"`
	AssetId                string         `db:"asset_id"`
	AssetKey               string         `db:"asset_key"`
	PartitionKey           sql.NullString `db:"partition_key"`
	PartitionKeyNormalized string         `db:"partition_key_normalized"`
	Payload                []byte         `db:"payload"`
	Schema                 []byte         `db:"schema"`
	Freshness              []byte         `db:"freshness"`
	ProducedAt             time.Time      `db:"produced_at"`
	CreateTime             time.Time      `db:"created_at"`
	UpdateTime             time.Time      `db:"updated_at"`
}

func (r *AssetSnapshot) toModel() model.AssetSnapshot {
	out := model.AssetSnapshot{
		ID:                     r.Id,
		WorkflowDefinitionID:   r.WorkflowDefinitionId,
		WorkflowRunID:          r.WorkflowRunId,
		WorkflowRunStepID:      r.WorkflowRunStepId,
		StepID:                 r.StepId,
		AssetID:                r.AssetId,
		AssetKey:               r.AssetKey,
		PartitionKey:           fromNullString(r.PartitionKey),
		PartitionKeyNormalized: r.PartitionKeyNormalized,
		Payload:                rawOrNil(r.Payload),
		Schema:                 rawOrNil(r.Schema),
		ProducedAt:             r.ProducedAt.UTC(),
		CreatedAt:              r.CreateTime.UTC(),
		UpdatedAt:              r.UpdateTime.UTC(),
	}
	if len(r.Freshness) > 2 {
		out.Freshness = &model.AssetFreshness{}
		_ = jsonutil.Unmarshal(r.Freshness, out.Freshness)
	}
	return out
}

func assetSnapshotRow(s *model.AssetSnapshot) AssetSnapshot {
	row := AssetSnapshot{
		Id:                     s.ID,
		WorkflowDefinitionId:   s.WorkflowDefinitionID,
		WorkflowRunId:          s.WorkflowRunID,
		WorkflowRunStepId:      s.WorkflowRunStepID,
		StepId:                 s.StepID,
		AssetId:                s.AssetID,
		AssetKey:               s.AssetKey,
		PartitionKey:           nullString(s.PartitionKey),
		PartitionKeyNormalized: s.PartitionKeyNormalized,
		Payload:                s.Payload,
		Schema:                 s.Schema,
		ProducedAt:             s.ProducedAt,
		CreateTime:             s.CreatedAt,
		UpdateTime:             s.UpdatedAt,
	}
	if s.Freshness != nil {
		row.Freshness = jsonutil.MarshalSilently(s.Freshness)
	}
	return row
}

type StalePartition struct {
	Id                     string         `db:"id"`
	WorkflowDefinitionId   string         `db:"workflow_definition_id"`
	AssetId                string         `db:"asset_id"`
	AssetKey               string         `db:"asset_key"`
	PartitionKey           sql.NullString `db:"partition_key"`
	PartitionKeyNormalized string         `db:"partition_key_normalized"`
	RequestedBy            sql.NullString `db:"requested_by"`
	Note                   sql.NullString `db:"note"`
	MarkedAt               time.Time      `db:"marked_at"`
}

func (r *StalePartition) toModel() model.StalePartition {
	return model.StalePartition{
		ID:                     r.Id,
		WorkflowDefinitionID:   r.WorkflowDefinitionId,
		AssetID:                r.AssetId,
		AssetKey:               r.AssetKey,
		PartitionKey:           fromNullString(r.PartitionKey),
		PartitionKeyNormalized: r.PartitionKeyNormalized,
		RequestedBy:            fromNullString(r.RequestedBy),
		Note:                   fromNullString(r.Note),
		MarkedAt:               r.MarkedAt.UTC(),
	}
}

type AutoRunClaim struct {
	Id                     string         `db:"id"`
	WorkflowDefinitionId   string         `db:"workflow_definition_id"`
	AssetId                string         `db:"asset_id"`
	AssetKey               string         `db:"asset_key"`
	PartitionKey           sql.NullString `db:"partition_key"`
	PartitionKeyNormalized string         `db:"partition_key_normalized"`
	WorkflowRunId          sql.NullString `db:"workflow_run_id"`
	Status                 string         `db:"status"`
	Reason                 string         `db:"reason"`
	ClaimOwner             string         `db:"claim_owner"`
	Context                []byte         `db:"context"`
	Failures               int            `db:"failures"`
	NextEligibleAt         pq.NullTime    `db:"next_eligible_at"`
	LastError              sql.NullString `db:"last_error"`
	RequestedAt            time.Time      `db:"requested_at"`
	ClaimedAt              time.Time      `db:"claimed_at"`
	UpdateTime             time.Time      `db:"updated_at"`
}

func (r *AutoRunClaim) toModel() model.AutoRunClaim {
	return model.AutoRunClaim{
		ID:                     r.Id,
		WorkflowDefinitionID:   r.WorkflowDefinitionId,
		AssetID:                r.AssetId,
		AssetKey:               r.AssetKey,
		PartitionKey:           fromNullString(r.PartitionKey),
		PartitionKeyNormalized: r.PartitionKeyNormalized,
		WorkflowRunID:          fromNullString(r.WorkflowRunId),
		Status:                 r.Status,
		Reason:                 r.Reason,
		ClaimOwner:             r.ClaimOwner,
		Context:                rawOrNil(r.Context),
		Failures:               r.Failures,
		NextEligibleAt:         fromNullTime(r.NextEligibleAt),
		LastError:              fromNullString(r.LastError),
		RequestedAt:            r.RequestedAt.UTC(),
		ClaimedAt:              r.ClaimedAt.UTC(),
		UpdatedAt:              r.UpdateTime.UTC(),
	}
}

func autoRunClaimRow(c *model.AutoRunClaim) AutoRunClaim {
	return AutoRunClaim{
		Id:                     c.ID,
		WorkflowDefinitionId:   c.WorkflowDefinitionID,
		AssetId:                c.AssetID,
		AssetKey:               c.AssetKey,
		PartitionKey:           nullString(c.PartitionKey),
		PartitionKeyNormalized: c.PartitionKeyNormalized,
		WorkflowRunId:          nullString(c.WorkflowRunID),
		Status:                 c.Status,
		Reason:                 c.Reason,
		ClaimOwner:             c.ClaimOwner,
		Context:                c.Context,
		Failures:               c.Failures,
		NextEligibleAt:         nullTimePtr(c.NextEligibleAt),
		LastError:              nullString(c.LastError),
		RequestedAt:            c.RequestedAt,
		ClaimedAt:              c.ClaimedAt,
		UpdateTime:             c.UpdatedAt,
	}
}
