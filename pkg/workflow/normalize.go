/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package workflow validates and manages workflow definitions: step
// normalization, DAG validation, and the CRUD surface the handlers call.
package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/openfathom/fathom/pkg/backoff"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/runtime"
)

const (
	defaultFanoutItems    = 1000
	defaultFanoutParallel = 10
)

// Normalize rewrites a definition into canonical form: trimmed ids, deduped
// dependsOn, bundle bindings resolved through the job registry, normalized
// asset stanzas, and defaults filled in. It validates per-step constraints
// but not the graph; ValidateDag does that.
func Normalize(ctx context.Context, registry runtime.JobRegistry, def *model.WorkflowDefinition) error {
	def.Slug = strings.TrimSpace(def.Slug)
	if def.Slug == "" {
		return errors.NewBadRequest("workflow slug must not be empty")
	}
	if def.Name == "" {
		def.Name = def.Slug
	}
	if len(def.Steps) == 0 {
		return errors.NewBadRequest("workflow must declare at least one step")
	}
	for i := range def.Steps {
		if err := normalizeStep(ctx, registry, &def.Steps[i], true); err != nil {
			return err
		}
	}
	return nil
}

func normalizeStep(ctx context.Context, registry runtime.JobRegistry, step *model.Step, allowFanout bool) error {
	step.ID = strings.TrimSpace(step.ID)
	if step.ID == "" {
		return errors.NewBadRequest("step id must not be empty")
	}
	step.DependsOn = lo.Uniq(lo.Map(step.DependsOn, func(dep string, _ int) string {
		return strings.TrimSpace(dep)
	}))
	if len(step.DependsOn) > model.MaxDependsOn {
		return errors.NewValidation(fmt.Sprintf("step %s declares more than %d dependencies", step.ID, model.MaxDependsOn), nil)
	}
	if err := normalizeRetryPolicy(step); err != nil {
		return err
	}
	if err := normalizeAssets(step.Produces, step.ID); err != nil {
		return err
	}
	if err := normalizeAssets(step.Consumes, step.ID); err != nil {
		return err
	}

	switch step.Type {
	case model.StepTypeJob:
		return normalizeJobStep(ctx, registry, step)
	case model.StepTypeService:
		if step.ServiceSlug == "" {
			return errors.NewValidation(fmt.Sprintf("service step %s has no serviceSlug", step.ID), nil)
		}
		if step.Request == nil || step.Request.Path == "" {
			return errors.NewValidation(fmt.Sprintf("service step %s has no request path", step.ID), nil)
		}
		return nil
	case model.StepTypeFanout:
		if !allowFanout {
			return errors.NewValidation(fmt.Sprintf("fan-out template %s may not itself be a fan-out", step.ID), nil)
		}
		return normalizeFanoutStep(ctx, registry, step)
	default:
		return errors.NewValidation(fmt.Sprintf("step %s has unknown type %q", step.ID, step.Type), nil)
	}
}

func normalizeJobStep(ctx context.Context, registry runtime.JobRegistry, step *model.Step) error {
	step.JobSlug = strings.TrimSpace(step.JobSlug)
	if step.JobSlug == "" {
		return errors.NewValidation(fmt.Sprintf("job step %s has no jobSlug", step.ID), nil)
	}
	if step.Bundle == nil || step.Bundle.Strategy == "" {
		binding, err := resolveBinding(ctx, registry, step)
		if err != nil {
			return err
		}
		step.Bundle = binding
	}
	switch step.Bundle.Strategy {
	case model.BundleStrategyLatest, model.BundleStrategyPinned:
	default:
		return errors.NewValidation(fmt.Sprintf("job step %s has unknown bundle strategy %q", step.ID, step.Bundle.Strategy), nil)
	}
	if step.Bundle.Slug == "" {
		step.Bundle.Slug = step.JobSlug
	}
	return nil
}

// resolveBinding consults the registry for the job's bundle; an unknown slug
// falls back to a latest binding so definitions can be registered before
// their bundles ship.
func resolveBinding(ctx context.Context, registry runtime.JobRegistry, step *model.Step) (*model.BundleBinding, error) {
	existing := step.Bundle
	if registry != nil {
		bundle, err := registry.ResolveBundle(ctx, step.JobSlug, nil)
		if err != nil && !errors.IsNotFound(err) {
			return nil, err
		}
		if err == nil && bundle.EntryPoint != "" {
			binding := runtime.ParseEntryPoint(bundle.EntryPoint)
			if existing != nil && existing.ExportName != "" {
				binding.ExportName = existing.ExportName
			}
			return &binding, nil
		}
	}
	binding := &model.BundleBinding{Strategy: model.BundleStrategyLatest, Slug: step.JobSlug}
	if existing != nil {
		binding.Version = existing.Version
		binding.ExportName = existing.ExportName
		if binding.Version != nil && *binding.Version != "" {
			binding.Strategy = model.BundleStrategyPinned
		}
	}
	return binding, nil
}

func normalizeFanoutStep(ctx context.Context, registry runtime.JobRegistry, step *model.Step) error {
	if step.Template == nil {
		return errors.NewValidation(fmt.Sprintf("fan-out step %s has no template", step.ID), nil)
	}
	if len(step.Collection) == 0 {
		return errors.NewValidation(fmt.Sprintf("fan-out step %s has no collection", step.ID), nil)
	}
	if step.MaxItems == 0 {
		step.MaxItems = defaultFanoutItems
	}
	if step.MaxItems < 1 || step.MaxItems > model.MaxFanoutItems {
		return errors.NewValidation(fmt.Sprintf("fan-out step %s maxItems must be in [1,%d]", step.ID, model.MaxFanoutItems), nil)
	}
	if step.MaxConcurrency == 0 {
		step.MaxConcurrency = defaultFanoutParallel
	}
	if step.MaxConcurrency < 1 || step.MaxConcurrency > model.MaxFanoutParallel {
		return errors.NewValidation(fmt.Sprintf("fan-out step %s maxConcurrency must be in [1,%d]", step.ID, model.MaxFanoutParallel), nil)
	}
	return normalizeStep(ctx, registry, step.Template, false)
}

func normalizeRetryPolicy(step *model.Step) error {
	if step.RetryPolicy == nil {
		return nil
	}
	policy := step.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	if policy.MaxAttempts < 1 || policy.MaxAttempts > model.MaxRetryAttempts {
		return errors.NewValidation(fmt.Sprintf("step %s retryPolicy.maxAttempts must be in [1,%d]", step.ID, model.MaxRetryAttempts), nil)
	}
	if policy.Strategy == "" {
		policy.Strategy = backoff.StrategyNone
	}
	switch policy.Strategy {
	case backoff.StrategyNone, backoff.StrategyFixed, backoff.StrategyExponential:
	default:
		return errors.NewValidation(fmt.Sprintf("step %s has unknown retry strategy %q", step.ID, policy.Strategy), nil)
	}
	if policy.Jitter == "" {
		policy.Jitter = backoff.JitterNone
	}
	switch policy.Jitter {
	case backoff.JitterNone, backoff.JitterFull, backoff.JitterEqual:
	default:
		return errors.NewValidation(fmt.Sprintf("step %s has unknown retry jitter %q", step.ID, policy.Jitter), nil)
	}
	return nil
}

func normalizeAssets(declarations []model.AssetDeclaration, stepID string) error {
	for i := range declarations {
		decl := &declarations[i]
		decl.AssetID = strings.TrimSpace(decl.AssetID)
		if decl.AssetID == "" {
			return errors.NewValidation(fmt.Sprintf("step %s declares an asset with no assetId", stepID), nil)
		}
		if err := normalizePartitioning(decl.Partitioning, decl.AssetID); err != nil {
			return err
		}
	}
	return nil
}

func normalizePartitioning(spec *model.PartitioningSpec, assetID string) error {
	if spec == nil {
		return nil
	}
	switch spec.Type {
	case model.PartitioningTimeWindow:
		switch spec.Granularity {
		case model.GranularityMinute, model.GranularityHour, model.GranularityDay,
			model.GranularityWeek, model.GranularityMonth:
		default:
			return errors.NewValidation(fmt.Sprintf("asset %s has unknown time-window granularity %q", assetID, spec.Granularity), nil)
		}
	case model.PartitioningStatic:
		spec.Keys = lo.Uniq(lo.Map(spec.Keys, func(key string, _ int) string {
			return strings.TrimSpace(key)
		}))
		if len(spec.Keys) == 0 {
			return errors.NewValidation(fmt.Sprintf("asset %s static partitioning declares no keys", assetID), nil)
		}
	case model.PartitioningDynamic:
		if spec.MaxKeys != nil && *spec.MaxKeys < 1 {
			return errors.NewValidation(fmt.Sprintf("asset %s dynamic partitioning maxKeys must be positive", assetID), nil)
		}
	default:
		return errors.NewValidation(fmt.Sprintf("asset %s has unknown partitioning type %q", assetID, spec.Type), nil)
	}
	return nil
}
