/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"time"
)

// Trigger statuses.
const (
	TriggerStatusActive   = "active"
	TriggerStatusDisabled = "disabled"
)

// Delivery statuses, in pipeline order.
const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusMatched   = "matched"
	DeliveryStatusThrottled = "throttled"
	DeliveryStatusSkipped   = "skipped"
	DeliveryStatusLaunched  = "launched"
	DeliveryStatusFailed    = "failed"
)

// Predicate operators.
const (
	PredicateOpEq       = "eq"
	PredicateOpNeq      = "neq"
	PredicateOpIn       = "in"
	PredicateOpContains = "contains"
	PredicateOpRegex    = "regex"
	PredicateOpExists   = "exists"
	PredicateOpGt       = "gt"
	PredicateOpGte      = "gte"
	PredicateOpLt       = "lt"
	PredicateOpLte      = "lte"
)

// ActiveDeliveryStatuses hold the dedupe slot for a (trigger, dedupeKey)
// pair.
var ActiveDeliveryStatuses = []string{DeliveryStatusPending, DeliveryStatusMatched, DeliveryStatusLaunched}

// EventEnvelope is the normalized external event record.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	TTLMs         *int64          `json:"ttlMs,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt,omitempty"`
}

// ExpiresAt returns the end of the acceptance window, zero when the envelope
// carries no TTL.
func (e *EventEnvelope) ExpiresAt() time.Time {
	if e.TTLMs == nil || *e.TTLMs <= 0 {
		return time.Time{}
	}
	return e.OccurredAt.Add(time.Duration(*e.TTLMs) * time.Millisecond)
}

// TriggerPredicate is one jsonPath condition an event payload must satisfy.
type TriggerPredicate struct {
	Type          string            `json:"type"`
	Path          string            `json:"path"`
	Operator      string            `json:"operator"`
	Value         json.RawMessage   `json:"value,omitempty"`
	Values        []json.RawMessage `json:"values,omitempty"`
	CaseSensitive *bool             `json:"caseSensitive,omitempty"`
	Flags         string            `json:"flags,omitempty"`
}

// EventTrigger subscribes a workflow to matching events.
type EventTrigger struct {
	ID                       string             `json:"id"`
	WorkflowDefinitionID     string             `json:"workflowDefinitionId"`
	Name                     string             `json:"name,omitempty"`
	Description              string             `json:"description,omitempty"`
	Status                   string             `json:"status"`
	EventType                string             `json:"eventType"`
	EventSource              string             `json:"eventSource,omitempty"`
	Predicates               []TriggerPredicate `json:"predicates,omitempty"`
	ParameterTemplate        json.RawMessage    `json:"parameterTemplate,omitempty"`
	RunKeyTemplate           string             `json:"runKeyTemplate,omitempty"`
	IdempotencyKeyExpression string             `json:"idempotencyKeyExpression,omitempty"`
	ThrottleWindowMs         *int64             `json:"throttleWindowMs,omitempty"`
	ThrottleCount            *int               `json:"throttleCount,omitempty"`
	MaxConcurrency           *int               `json:"maxConcurrency,omitempty"`
	Metadata                 json.RawMessage    `json:"metadata,omitempty"`
	CreatedBy                string             `json:"createdBy,omitempty"`
	CreatedAt                time.Time          `json:"createdAt"`
	UpdatedAt                time.Time          `json:"updatedAt"`
}

// TriggerDelivery tracks one event through a trigger's pipeline.
type TriggerDelivery struct {
	ID             string     `json:"id"`
	TriggerID      string     `json:"triggerId"`
	EventID        string     `json:"eventId"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	DedupeKey      string     `json:"dedupeKey,omitempty"`
	ThrottledUntil *time.Time `json:"throttledUntil,omitempty"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
	RetryState     string     `json:"retryState"`
	LastError      string     `json:"lastError,omitempty"`
	WorkflowRunID  string     `json:"workflowRunId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// ScheduleWindow is one materialized cron window.
type ScheduleWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Schedule fires a workflow on a cron expression.
type Schedule struct {
	ID                     string          `json:"id"`
	WorkflowDefinitionID   string          `json:"workflowDefinitionId"`
	Name                   string          `json:"name,omitempty"`
	Description            string          `json:"description,omitempty"`
	Cron                   string          `json:"cron"`
	Timezone               string          `json:"timezone,omitempty"`
	Parameters             json.RawMessage `json:"parameters,omitempty"`
	StartWindow            *time.Time      `json:"startWindow,omitempty"`
	EndWindow              *time.Time      `json:"endWindow,omitempty"`
	CatchUp                bool            `json:"catchUp"`
	NextRunAt              *time.Time      `json:"nextRunAt,omitempty"`
	LastMaterializedWindow *ScheduleWindow `json:"lastMaterializedWindow,omitempty"`
	CatchupCursor          *time.Time      `json:"catchupCursor,omitempty"`
	IsActive               bool            `json:"isActive"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// TriggerFailureEvent is one recorded delivery failure, feeding auto-pause.
type TriggerFailureEvent struct {
	ID         string    `json:"id"`
	TriggerID  string    `json:"triggerId"`
	DeliveryID string    `json:"deliveryId,omitempty"`
	EventID    string    `json:"eventId,omitempty"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failedAt"`
}

// TriggerPause is the auto-pause state of one trigger.
type TriggerPause struct {
	TriggerID      string     `json:"triggerId"`
	Failures       int        `json:"failures"`
	NextEligibleAt *time.Time `json:"nextEligibleAt,omitempty"`
	PausedUntil    *time.Time `json:"pausedUntil,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// SourcePause is the auto-pause state of one event source.
type SourcePause struct {
	Source      string          `json:"source"`
	Failures    int             `json:"failures"`
	PausedUntil *time.Time      `json:"pausedUntil,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
