/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workflow

import (
	"context"
	"encoding/json"

	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/runtime"
	"github.com/openfathom/fathom/pkg/store"
)

// Service is the definition CRUD surface. Mutations re-derive the persisted
// asset declarations and fire the change hook so graph caches refresh.
type Service struct {
	store    store.Interface
	registry runtime.JobRegistry
	onChange func(workflowID string)
}

func NewService(s store.Interface, registry runtime.JobRegistry) *Service {
	return &Service{store: s, registry: registry}
}

// SetOnChange registers the hook invoked after every definition mutation.
func (s *Service) SetOnChange(hook func(workflowID string)) {
	s.onChange = hook
}

func (s *Service) notify(workflowID string) {
	if s.onChange != nil {
		s.onChange(workflowID)
	}
}

// Create normalizes, validates, and persists a new definition along with its
// asset declarations.
func (s *Service) Create(ctx context.Context, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	if err := Normalize(ctx, s.registry, def); err != nil {
		return nil, err
	}
	if err := ValidateDag(def); err != nil {
		return nil, err
	}
	created, err := s.store.CreateWorkflow(ctx, def)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceDeclarations(ctx, created.ID, DeclarationRecords(created)); err != nil {
		klog.ErrorS(err, "failed to persist asset declarations", "workflow", created.Slug)
		return nil, err
	}
	s.notify(created.ID)
	return created, nil
}

// UpdateRequest is a partial definition update; nil fields keep their
// current value.
type UpdateRequest struct {
	Name              *string                   `json:"name,omitempty"`
	Description       *string                   `json:"description,omitempty"`
	Steps             []model.Step              `json:"steps,omitempty"`
	Triggers          []model.DefinitionTrigger `json:"triggers,omitempty"`
	ParametersSchema  json.RawMessage           `json:"parametersSchema,omitempty"`
	DefaultParameters json.RawMessage           `json:"defaultParameters,omitempty"`
	OutputSchema      json.RawMessage           `json:"outputSchema,omitempty"`
	Metadata          json.RawMessage           `json:"metadata,omitempty"`
}

// Update applies a partial update to the definition named by slug. A steps
// change re-runs normalization and DAG validation and rewrites the asset
// declarations.
func (s *Service) Update(ctx context.Context, slug string, req UpdateRequest) (*model.WorkflowDefinition, error) {
	def, err := s.store.GetWorkflowBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		def.Name = *req.Name
	}
	if req.Description != nil {
		def.Description = *req.Description
	}
	if req.Triggers != nil {
		def.Triggers = req.Triggers
	}
	if req.ParametersSchema != nil {
		def.ParametersSchema = req.ParametersSchema
	}
	if req.DefaultParameters != nil {
		def.DefaultParameters = req.DefaultParameters
	}
	if req.OutputSchema != nil {
		def.OutputSchema = req.OutputSchema
	}
	if req.Metadata != nil {
		def.Metadata = req.Metadata
	}
	stepsChanged := req.Steps != nil
	if stepsChanged {
		def.Steps = req.Steps
		if err := Normalize(ctx, s.registry, def); err != nil {
			return nil, err
		}
		if err := ValidateDag(def); err != nil {
			return nil, err
		}
	}
	updated, err := s.store.UpdateWorkflow(ctx, def)
	if err != nil {
		return nil, err
	}
	if stepsChanged {
		if err := s.store.ReplaceDeclarations(ctx, updated.ID, DeclarationRecords(updated)); err != nil {
			klog.ErrorS(err, "failed to refresh asset declarations", "workflow", updated.Slug)
			return nil, err
		}
	}
	s.notify(updated.ID)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, slug string) (*model.WorkflowDefinition, error) {
	return s.store.GetWorkflowBySlug(ctx, slug)
}

func (s *Service) List(ctx context.Context) ([]model.WorkflowDefinition, error) {
	return s.store.ListWorkflows(ctx)
}

// Delete removes the definition and its asset declarations.
func (s *Service) Delete(ctx context.Context, slug string) error {
	def, err := s.store.GetWorkflowBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceDeclarations(ctx, def.ID, nil); err != nil {
		return err
	}
	if err := s.store.DeleteWorkflow(ctx, def.ID); err != nil {
		return err
	}
	s.notify(def.ID)
	return nil
}

// DeclarationRecords flattens every step asset stanza (fan-out templates
// included) into persisted declaration rows.
func DeclarationRecords(def *model.WorkflowDefinition) []model.AssetDeclarationRecord {
	var out []model.AssetDeclarationRecord
	visit := func(step *model.Step) {
		for i := range step.Produces {
			out = append(out, declarationRecord(def.ID, step.ID, &step.Produces[i], model.AssetDirectionProduces))
		}
		for i := range step.Consumes {
			out = append(out, declarationRecord(def.ID, step.ID, &step.Consumes[i], model.AssetDirectionConsumes))
		}
	}
	for i := range def.Steps {
		visit(&def.Steps[i])
		if def.Steps[i].Template != nil {
			visit(def.Steps[i].Template)
		}
	}
	return out
}

func declarationRecord(workflowID, stepID string, decl *model.AssetDeclaration, direction string) model.AssetDeclarationRecord {
	return model.AssetDeclarationRecord{
		WorkflowDefinitionID: workflowID,
		StepID:               stepID,
		AssetID:              decl.AssetID,
		AssetKey:             model.NormalizeAssetKey(decl.AssetID),
		Direction:            direction,
		Schema:               decl.Schema,
		Freshness:            decl.Freshness,
		AutoMaterialize:      decl.AutoMaterialize,
		Partitioning:         decl.Partitioning,
	}
}
