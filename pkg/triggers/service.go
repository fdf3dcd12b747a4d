/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package triggers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
	"github.com/openfathom/fathom/pkg/template"
)

// Service is the trigger CRUD surface with template and predicate
// validation.
type Service struct {
	store    store.Interface
	onChange func(workflowID string)
}

func NewService(s store.Interface) *Service {
	return &Service{store: s}
}

// SetOnChange registers the hook invoked after every trigger mutation.
func (s *Service) SetOnChange(hook func(workflowID string)) {
	s.onChange = hook
}

func (s *Service) notify(workflowID string) {
	if s.onChange != nil {
		s.onChange(workflowID)
	}
}

// Create validates and persists a trigger. sampleEvent is required when any
// template references event fields; templates are rendered against it to
// prove the paths resolve.
func (s *Service) Create(ctx context.Context, trigger *model.EventTrigger, sampleEvent json.RawMessage) (*model.EventTrigger, error) {
	if err := validateTrigger(trigger, sampleEvent); err != nil {
		return nil, err
	}
	created, err := s.store.CreateTrigger(ctx, trigger)
	if err != nil {
		return nil, err
	}
	s.notify(created.WorkflowDefinitionID)
	return created, nil
}

// Update replaces the mutable fields of an existing trigger after the same
// validation as Create.
func (s *Service) Update(ctx context.Context, trigger *model.EventTrigger, sampleEvent json.RawMessage) (*model.EventTrigger, error) {
	if err := validateTrigger(trigger, sampleEvent); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateTrigger(ctx, trigger)
	if err != nil {
		return nil, err
	}
	s.notify(updated.WorkflowDefinitionID)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.EventTrigger, error) {
	return s.store.GetTrigger(ctx, id)
}

func (s *Service) ListForWorkflow(ctx context.Context, workflowID string) ([]model.EventTrigger, error) {
	return s.store.ListTriggersForWorkflow(ctx, workflowID)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	trigger, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTrigger(ctx, id); err != nil {
		return err
	}
	s.notify(trigger.WorkflowDefinitionID)
	return nil
}

// ListDeliveries pages a trigger's delivery history.
func (s *Service) ListDeliveries(ctx context.Context, query store.DeliveryQuery) ([]model.TriggerDelivery, error) {
	return s.store.ListDeliveries(ctx, query)
}

func validateTrigger(trigger *model.EventTrigger, sampleEvent json.RawMessage) error {
	if trigger.WorkflowDefinitionID == "" {
		return errors.NewBadRequest("trigger workflowDefinitionId must not be empty")
	}
	if trigger.EventType == "" {
		return errors.NewBadRequest("trigger eventType must not be empty")
	}
	switch trigger.Status {
	case "", model.TriggerStatusActive, model.TriggerStatusDisabled:
	default:
		return errors.NewBadRequest(fmt.Sprintf("unknown trigger status %q", trigger.Status))
	}
	for i := range trigger.Predicates {
		if err := validatePredicate(&trigger.Predicates[i]); err != nil {
			return err
		}
	}
	return validateTemplates(trigger, sampleEvent)
}

func validatePredicate(p *model.TriggerPredicate) error {
	if p.Path == "" {
		return errors.NewValidation("predicate path must not be empty", nil)
	}
	switch p.Operator {
	case model.PredicateOpEq, model.PredicateOpNeq, model.PredicateOpContains,
		model.PredicateOpRegex, model.PredicateOpExists,
		model.PredicateOpGt, model.PredicateOpGte, model.PredicateOpLt, model.PredicateOpLte:
	case model.PredicateOpIn:
		if len(p.Values) == 0 {
			return errors.NewValidation(fmt.Sprintf("predicate on %q uses operator in with no values", p.Path), nil)
		}
	default:
		return errors.NewValidation(fmt.Sprintf("unknown predicate operator %q", p.Operator), nil)
	}
	return nil
}

// validateTemplates checks template syntax always, and resolves the paths
// against sampleEvent when any template is dynamic.
func validateTemplates(trigger *model.EventTrigger, sampleEvent json.RawMessage) error {
	if trigger.RunKeyTemplate != "" {
		if err := template.Validate(trigger.RunKeyTemplate); err != nil {
			return err
		}
	}
	if trigger.IdempotencyKeyExpression != "" {
		if err := template.Validate(trigger.IdempotencyKeyExpression); err != nil {
			return err
		}
	}
	dynamic := template.HasExpressions(trigger.RunKeyTemplate) ||
		template.HasExpressions(trigger.IdempotencyKeyExpression) ||
		template.DocumentHasExpressions(trigger.ParameterTemplate)
	if !dynamic {
		return nil
	}
	if len(sampleEvent) == 0 {
		return errors.NewBadRequest("sampleEvent is required when templates reference event fields")
	}
	if trigger.RunKeyTemplate != "" {
		if _, err := template.RenderString(trigger.RunKeyTemplate, sampleEvent); err != nil {
			return err
		}
	}
	if trigger.IdempotencyKeyExpression != "" {
		if _, err := template.RenderString(trigger.IdempotencyKeyExpression, sampleEvent); err != nil {
			return err
		}
	}
	if template.DocumentHasExpressions(trigger.ParameterTemplate) {
		if _, err := template.RenderDocument(trigger.ParameterTemplate, sampleEvent); err != nil {
			return err
		}
	}
	return nil
}
