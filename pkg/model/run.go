/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"time"
)

// Run statuses.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// Run step statuses.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusSucceeded = "succeeded"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

// Retry states of a run step or delivery.
const (
	RetryStateNone      = "none"
	RetryStateScheduled = "scheduled"
)

// ActiveRunStatuses are statuses counted against run-key uniqueness and
// trigger concurrency limits.
var ActiveRunStatuses = []string{RunStatusPending, RunStatusRunning}

// IsTerminalRunStatus reports whether a run can no longer change status.
func IsTerminalRunStatus(status string) bool {
	switch status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// RunMetrics is the rollup maintained on the run row as steps settle.
type RunMetrics struct {
	TotalSteps     int `json:"totalSteps"`
	CompletedSteps int `json:"completedSteps"`
	FailedSteps    int `json:"failedSteps"`
	SkippedSteps   int `json:"skippedSteps"`
}

// RetrySummary surfaces pending retry work on the run row.
type RetrySummary struct {
	PendingSteps  int        `json:"pendingSteps"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	OverdueSteps  int        `json:"overdueSteps"`
}

// TriggerContext records what launched a run.
type TriggerContext struct {
	Kind       string          `json:"kind"`
	TriggerID  string          `json:"triggerId,omitempty"`
	EventID    string          `json:"eventId,omitempty"`
	ScheduleID string          `json:"scheduleId,omitempty"`
	DeliveryID string          `json:"deliveryId,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// WorkflowRun is one execution of a workflow definition.
type WorkflowRun struct {
	ID                   string          `json:"id"`
	WorkflowDefinitionID string          `json:"workflowDefinitionId"`
	Status               string          `json:"status"`
	RunKey               string          `json:"runKey,omitempty"`
	RunKeyNormalized     string          `json:"runKeyNormalized,omitempty"`
	Parameters           json.RawMessage `json:"parameters,omitempty"`
	Context              json.RawMessage `json:"context,omitempty"`
	Output               json.RawMessage `json:"output,omitempty"`
	PartitionKey         string          `json:"partitionKey,omitempty"`
	TriggeredBy          string          `json:"triggeredBy,omitempty"`
	Trigger              *TriggerContext `json:"trigger,omitempty"`
	ErrorMessage         string          `json:"errorMessage,omitempty"`
	CurrentStepID        string          `json:"currentStepId,omitempty"`
	CurrentStepIndex     *int            `json:"currentStepIndex,omitempty"`
	Metrics              RunMetrics      `json:"metrics"`
	RetrySummary         RetrySummary    `json:"retrySummary"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	DurationMs           *int64          `json:"durationMs,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// ProducedAssetRef is the compact produced-asset record carried on a run step.
type ProducedAssetRef struct {
	AssetID      string    `json:"assetId"`
	PartitionKey string    `json:"partitionKey,omitempty"`
	SnapshotID   string    `json:"snapshotId,omitempty"`
	ProducedAt   time.Time `json:"producedAt"`
}

// WorkflowRunStep is one attempt-tracked step execution inside a run.
// Fan-out children carry ParentStepID, FanoutIndex and TemplateStepID.
type WorkflowRunStep struct {
	ID              string             `json:"id"`
	WorkflowRunID   string             `json:"workflowRunId"`
	StepID          string             `json:"stepId"`
	Attempt         int                `json:"attempt"`
	Status          string             `json:"status"`
	Input           json.RawMessage    `json:"input,omitempty"`
	Output          json.RawMessage    `json:"output,omitempty"`
	ErrorMessage    string             `json:"errorMessage,omitempty"`
	ProducedAssets  []ProducedAssetRef `json:"producedAssets,omitempty"`
	ParentStepID    string             `json:"parentStepId,omitempty"`
	FanoutIndex     *int               `json:"fanoutIndex,omitempty"`
	TemplateStepID  string             `json:"templateStepId,omitempty"`
	RetryState      string             `json:"retryState"`
	RetryAttempts   int                `json:"retryAttempts"`
	NextAttemptAt   *time.Time         `json:"nextAttemptAt,omitempty"`
	LastHeartbeatAt *time.Time         `json:"lastHeartbeatAt,omitempty"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// IsSettled reports whether the step needs no further execution.
func (s *WorkflowRunStep) IsSettled() bool {
	switch s.Status {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// RunStatusTransition records one status change for run history and diffing.
type RunStatusTransition struct {
	Status    string    `json:"status"`
	StepID    string    `json:"stepId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}
