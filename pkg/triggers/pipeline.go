/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/store"
	"github.com/openfathom/fathom/pkg/template"
)

// LaunchRequest asks the executor for a run on behalf of a delivery.
type LaunchRequest struct {
	WorkflowDefinitionID string
	Parameters           json.RawMessage
	RunKey               string
	TriggerID            string
	EventID              string
	DeliveryID           string
}

// RunLauncher decouples the pipeline from the executor.
type RunLauncher interface {
	Launch(ctx context.Context, req LaunchRequest) (*model.WorkflowRun, error)
}

// Engine drives events through each subscribed trigger's delivery pipeline.
type Engine struct {
	store    store.Interface
	launcher RunLauncher
	now      func() time.Time
}

func NewEngine(s store.Interface, launcher RunLauncher) *Engine {
	return &Engine{store: s, launcher: launcher, now: time.Now}
}

// Register subscribes the engine to the delivery queue kind.
func (e *Engine) Register(q queue.Interface) {
	q.Subscribe(queue.KindDelivery, func(ctx context.Context, task *queue.Task) error {
		var envelope model.EventEnvelope
		if err := json.Unmarshal(task.Payload, &envelope); err != nil {
			klog.ErrorS(err, "discarding undecodable event task", "task", task.ID)
			return nil
		}
		return e.HandleEvent(ctx, &envelope)
	})
}

// HandleEvent fans the envelope out to every active trigger subscribed to
// its type and source. Per-trigger failures do not block the others.
func (e *Engine) HandleEvent(ctx context.Context, envelope *model.EventEnvelope) error {
	if paused, err := e.sourcePaused(ctx, envelope.Source); err != nil {
		return err
	} else if paused {
		klog.V(2).InfoS("dropping event from paused source", "source", envelope.Source, "event", envelope.ID)
		return nil
	}
	triggers, err := e.store.ListActiveTriggersForEvent(ctx, envelope.Type, envelope.Source)
	if err != nil {
		return err
	}
	var combined error
	for i := range triggers {
		if err := e.ProcessEventForTrigger(ctx, &triggers[i], envelope); err != nil {
			combined = multierr.Append(combined, err)
		}
	}
	return combined
}

func (e *Engine) sourcePaused(ctx context.Context, source string) (bool, error) {
	pause, err := e.store.GetSourcePause(ctx, source)
	if err != nil {
		return false, errors.IgnoreNotFound(err)
	}
	return pause.PausedUntil != nil && pause.PausedUntil.After(e.now()), nil
}

func (e *Engine) triggerPaused(ctx context.Context, triggerID string) (bool, error) {
	pause, err := e.store.GetTriggerPause(ctx, triggerID)
	if err != nil {
		return false, errors.IgnoreNotFound(err)
	}
	return pause.PausedUntil != nil && pause.PausedUntil.After(e.now()), nil
}

// ProcessEventForTrigger runs one envelope through one trigger: match,
// template render, dedupe, throttle, concurrency, launch.
func (e *Engine) ProcessEventForTrigger(ctx context.Context, trigger *model.EventTrigger, envelope *model.EventEnvelope) error {
	if paused, err := e.triggerPaused(ctx, trigger.ID); err != nil {
		return err
	} else if paused {
		klog.V(4).InfoS("trigger paused, skipping event", "trigger", trigger.ID, "event", envelope.ID)
		return nil
	}

	eventJSON, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	matched, err := EvaluatePredicates(trigger.Predicates, envelope.Payload)
	if err != nil {
		return e.insertFailed(ctx, trigger, envelope, "", fmt.Sprintf("predicate evaluation failed: %v", err))
	}
	if !matched {
		return nil
	}

	dedupeKey := envelope.ID
	if trigger.IdempotencyKeyExpression != "" {
		rendered, err := template.RenderString(trigger.IdempotencyKeyExpression, eventJSON)
		if err != nil {
			return e.insertFailed(ctx, trigger, envelope, "", fmt.Sprintf("idempotency key render failed: %v", err))
		}
		dedupeKey = rendered
	}
	parameters, runKey, err := renderLaunchInputs(trigger, eventJSON)
	if err != nil {
		return e.insertFailed(ctx, trigger, envelope, dedupeKey, err.Error())
	}

	delivery := &model.TriggerDelivery{
		TriggerID: trigger.ID,
		EventID:   envelope.ID,
		Status:    model.DeliveryStatusPending,
		DedupeKey: dedupeKey,
	}
	if err := e.store.CreateDelivery(ctx, delivery); err != nil {
		if errors.IsConflict(err) {
			return e.insertSkipped(ctx, trigger, envelope, dedupeKey)
		}
		return err
	}
	if err := e.transition(ctx, delivery, model.DeliveryStatusMatched); err != nil {
		return err
	}
	return e.advance(ctx, trigger, envelope, parameters, runKey, delivery)
}

// renderLaunchInputs evaluates the trigger's parameter and run-key templates
// against the event. Both are rendered before the delivery is deduped so a
// broken template fails the delivery rather than parking it behind throttle
// or concurrency gates.
func renderLaunchInputs(trigger *model.EventTrigger, eventJSON []byte) (json.RawMessage, string, error) {
	parameters := trigger.ParameterTemplate
	if template.DocumentHasExpressions(parameters) {
		rendered, err := template.RenderDocument(parameters, eventJSON)
		if err != nil {
			return nil, "", fmt.Errorf("parameter render failed: %w", err)
		}
		parameters = rendered
	}
	runKey := ""
	if trigger.RunKeyTemplate != "" {
		rendered, err := template.RenderString(trigger.RunKeyTemplate, eventJSON)
		if err != nil {
			return nil, "", fmt.Errorf("run key render failed: %w", err)
		}
		runKey = rendered
	}
	return parameters, runKey, nil
}

// advance runs the stages after render: throttle, concurrency, launch. The
// retry dispatcher re-enters here for throttled and capacity-held deliveries.
func (e *Engine) advance(ctx context.Context, trigger *model.EventTrigger, envelope *model.EventEnvelope, parameters json.RawMessage, runKey string, delivery *model.TriggerDelivery) error {
	now := e.now().UTC()

	if trigger.ThrottleWindowMs != nil && trigger.ThrottleCount != nil && *trigger.ThrottleCount > 0 {
		window := time.Duration(*trigger.ThrottleWindowMs) * time.Millisecond
		launched, err := e.store.CountLaunchedSince(ctx, trigger.ID, now.Add(-window))
		if err != nil {
			return err
		}
		if launched >= *trigger.ThrottleCount {
			until := now.Add(window)
			delivery.ThrottledUntil = &until
			delivery.NextAttemptAt = &until
			delivery.RetryState = model.RetryStateScheduled
			return e.transition(ctx, delivery, model.DeliveryStatusThrottled)
		}
	}

	if trigger.MaxConcurrency != nil && *trigger.MaxConcurrency > 0 {
		active, err := e.store.CountActiveRunsForTrigger(ctx, trigger.ID)
		if err != nil {
			return err
		}
		if active >= *trigger.MaxConcurrency {
			next := now.Add(config.GetTriggerRetryInterval())
			delivery.NextAttemptAt = &next
			delivery.RetryState = model.RetryStateScheduled
			return e.transition(ctx, delivery, model.DeliveryStatusMatched)
		}
	}

	run, err := e.launcher.Launch(ctx, LaunchRequest{
		WorkflowDefinitionID: trigger.WorkflowDefinitionID,
		Parameters:           parameters,
		RunKey:               runKey,
		TriggerID:            trigger.ID,
		EventID:              envelope.ID,
		DeliveryID:           delivery.ID,
	})
	if err != nil {
		if errors.IsConflict(err) {
			delivery.LastError = err.Error()
			return e.transition(ctx, delivery, model.DeliveryStatusSkipped)
		}
		return e.fail(ctx, trigger, envelope, delivery, err.Error())
	}

	delivery.WorkflowRunID = run.ID
	delivery.NextAttemptAt = nil
	delivery.RetryState = model.RetryStateNone
	if err := e.transition(ctx, delivery, model.DeliveryStatusLaunched); err != nil {
		return err
	}
	return e.recordSuccess(ctx, trigger.ID)
}

// DispatchDue re-drives throttled and capacity-held deliveries whose
// nextAttemptAt has passed. Returns how many were dispatched.
func (e *Engine) DispatchDue(ctx context.Context, limit int) (int, error) {
	due, err := e.store.ListDueDeliveries(ctx, e.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for i := range due {
		delivery := due[i]
		if err := e.redeliver(ctx, &delivery); err != nil {
			klog.ErrorS(err, "delivery retry failed", "delivery", delivery.ID)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

func (e *Engine) redeliver(ctx context.Context, delivery *model.TriggerDelivery) error {
	trigger, err := e.store.GetTrigger(ctx, delivery.TriggerID)
	if err != nil {
		return err
	}
	envelope, err := e.store.GetEvent(ctx, delivery.EventID)
	if err != nil {
		return err
	}
	delivery.Attempts++
	if delivery.Attempts > config.GetTriggerMaxDeliveryAttempts() {
		return e.fail(ctx, trigger, envelope, delivery, "delivery attempts exhausted")
	}
	eventJSON, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	parameters, runKey, err := renderLaunchInputs(trigger, eventJSON)
	if err != nil {
		return e.fail(ctx, trigger, envelope, delivery, err.Error())
	}
	return e.advance(ctx, trigger, envelope, parameters, runKey, delivery)
}

// RunDispatcher drives the retry loop until ctx is canceled.
func (e *Engine) RunDispatcher(ctx context.Context) {
	ticker := time.NewTicker(config.GetTriggerRetryInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.DispatchDue(ctx, 100); err != nil {
				klog.ErrorS(err, "delivery dispatch sweep failed")
			}
		}
	}
}

func (e *Engine) transition(ctx context.Context, delivery *model.TriggerDelivery, status string) error {
	delivery.Status = status
	if err := e.store.UpdateDelivery(ctx, delivery); err != nil {
		return err
	}
	metrics.DeliveryTransitions.WithLabelValues(status).Inc()
	return nil
}

func (e *Engine) insertSkipped(ctx context.Context, trigger *model.EventTrigger, envelope *model.EventEnvelope, dedupeKey string) error {
	existing, err := e.store.GetActiveDeliveryByDedupeKey(ctx, trigger.ID, dedupeKey)
	reference := "an active delivery"
	if err == nil {
		reference = fmt.Sprintf("delivery %s", existing.ID)
	}
	skipped := &model.TriggerDelivery{
		TriggerID: trigger.ID,
		EventID:   envelope.ID,
		Status:    model.DeliveryStatusSkipped,
		DedupeKey: dedupeKey,
		LastError: fmt.Sprintf("duplicate of %s", reference),
	}
	if err := e.store.CreateDelivery(ctx, skipped); err != nil {
		return err
	}
	metrics.DeliveryTransitions.WithLabelValues(model.DeliveryStatusSkipped).Inc()
	return nil
}

func (e *Engine) insertFailed(ctx context.Context, trigger *model.EventTrigger, envelope *model.EventEnvelope, dedupeKey, reason string) error {
	delivery := &model.TriggerDelivery{
		TriggerID: trigger.ID,
		EventID:   envelope.ID,
		Status:    model.DeliveryStatusFailed,
		DedupeKey: dedupeKey,
		LastError: reason,
	}
	if err := e.store.CreateDelivery(ctx, delivery); err != nil {
		return err
	}
	metrics.DeliveryTransitions.WithLabelValues(model.DeliveryStatusFailed).Inc()
	return e.recordFailure(ctx, trigger, envelope, delivery.ID, reason)
}

func (e *Engine) fail(ctx context.Context, trigger *model.EventTrigger, envelope *model.EventEnvelope, delivery *model.TriggerDelivery, reason string) error {
	delivery.LastError = reason
	delivery.NextAttemptAt = nil
	delivery.RetryState = model.RetryStateNone
	if err := e.transition(ctx, delivery, model.DeliveryStatusFailed); err != nil {
		return err
	}
	return e.recordFailure(ctx, trigger, envelope, delivery.ID, reason)
}
