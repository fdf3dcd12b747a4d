/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"time"
)

// Step types.
const (
	StepTypeJob     = "job"
	StepTypeService = "service"
	StepTypeFanout  = "fanout"
)

// Bundle binding strategies.
const (
	BundleStrategyLatest = "latest"
	BundleStrategyPinned = "pinned"
)

// Step limits.
const (
	MaxDependsOn      = 25
	MaxRetryAttempts  = 10
	MaxFanoutItems    = 10000
	MaxFanoutParallel = 1000
	MaxRunKeyLength   = 200
)

// RetryPolicy shapes per-step retry scheduling. Strategy and jitter names
// are validated against the backoff package constants.
type RetryPolicy struct {
	MaxAttempts    int    `json:"maxAttempts"`
	Strategy       string `json:"strategy"`
	InitialDelayMs int64  `json:"initialDelayMs,omitempty"`
	MaxDelayMs     int64  `json:"maxDelayMs,omitempty"`
	Jitter         string `json:"jitter,omitempty"`
}

// DefaultRetryPolicy is applied when a step declares none: a single attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Strategy: "none", Jitter: "none"}
}

// BundleBinding resolves which job bundle a job step executes.
type BundleBinding struct {
	Strategy   string  `json:"strategy"`
	Slug       string  `json:"slug"`
	Version    *string `json:"version"`
	ExportName string  `json:"exportName,omitempty"`
}

// ServiceRequest is the HTTP call shape of a service step. Header values and
// the path may contain template expressions.
type ServiceRequest struct {
	Path    string            `json:"path"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Step is one node of a workflow DAG. Type selects the variant; fields not
// belonging to the variant stay empty. Fan-out templates reuse Step with
// type job or service.
type Step struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	Type          string          `json:"type"`
	Description   string          `json:"description,omitempty"`
	DependsOn     []string        `json:"dependsOn,omitempty"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	TimeoutMs     *int64          `json:"timeoutMs,omitempty"`
	RetryPolicy   *RetryPolicy    `json:"retryPolicy,omitempty"`
	StoreResultAs string          `json:"storeResultAs,omitempty"`

	Produces []AssetDeclaration `json:"produces,omitempty"`
	Consumes []AssetDeclaration `json:"consumes,omitempty"`

	// job variant
	JobSlug string         `json:"jobSlug,omitempty"`
	Bundle  *BundleBinding `json:"bundle,omitempty"`

	// service variant
	ServiceSlug     string          `json:"serviceSlug,omitempty"`
	Request         *ServiceRequest `json:"request,omitempty"`
	CaptureResponse bool            `json:"captureResponse,omitempty"`

	// fanout variant
	Collection     json.RawMessage `json:"collection,omitempty"`
	Template       *Step           `json:"template,omitempty"`
	MaxItems       int             `json:"maxItems,omitempty"`
	MaxConcurrency int             `json:"maxConcurrency,omitempty"`
	StoreResultsAs string          `json:"storeResultsAs,omitempty"`
}

// EffectiveRetryPolicy returns the step policy or the default single-attempt
// policy.
func (s *Step) EffectiveRetryPolicy() RetryPolicy {
	if s.RetryPolicy == nil {
		return DefaultRetryPolicy()
	}
	return *s.RetryPolicy
}

// DefinitionTrigger is the lightweight trigger stanza carried on a workflow
// definition document (distinct from registered event triggers).
type DefinitionTrigger struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

// DagMetadata is the validator's output attached to an accepted definition.
type DagMetadata struct {
	TopologicalOrder []string            `json:"topologicalOrder"`
	Adjacency        map[string][]string `json:"adjacency"`
	Roots            []string            `json:"roots"`
	Edges            int                 `json:"edges"`
}

// WorkflowDefinition is a validated DAG of steps plus launch configuration.
type WorkflowDefinition struct {
	ID                string              `json:"id"`
	Slug              string              `json:"slug"`
	Name              string              `json:"name"`
	Version           int                 `json:"version"`
	Description       string              `json:"description,omitempty"`
	Steps             []Step              `json:"steps"`
	Triggers          []DefinitionTrigger `json:"triggers,omitempty"`
	ParametersSchema  json.RawMessage     `json:"parametersSchema,omitempty"`
	DefaultParameters json.RawMessage     `json:"defaultParameters,omitempty"`
	OutputSchema      json.RawMessage     `json:"outputSchema,omitempty"`
	Metadata          json.RawMessage     `json:"metadata,omitempty"`
	Dag               *DagMetadata        `json:"dag,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// StepByID returns the step with the given id, searching fan-out templates
// too.
func (w *WorkflowDefinition) StepByID(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
		if t := w.Steps[i].Template; t != nil && t.ID == id {
			return t
		}
	}
	return nil
}

// PartitionedAssets returns every produced asset declaration carrying a
// partitioning spec, across all steps and fan-out templates.
func (w *WorkflowDefinition) PartitionedAssets() []AssetDeclaration {
	var out []AssetDeclaration
	visit := func(s *Step) {
		for _, decl := range s.Produces {
			if decl.Partitioning != nil {
				out = append(out, decl)
			}
		}
	}
	for i := range w.Steps {
		visit(&w.Steps[i])
		if w.Steps[i].Template != nil {
			visit(w.Steps[i].Template)
		}
	}
	return out
}
