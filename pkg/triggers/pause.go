/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package triggers

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
)

// Pause reasons recorded on pause rows and failure events.
const (
	ReasonTriggerPaused = "trigger_paused"
	ReasonSourcePaused  = "source_paused"
)

// recordFailure logs a failure event and advances the per-trigger and
// per-source failure counters, pausing whichever crosses its threshold.
func (e *Engine) recordFailure(ctx context.Context, trigger *model.EventTrigger, envelope *model.EventEnvelope, deliveryID, reason string) error {
	now := e.now().UTC()
	if err := e.store.InsertFailureEvent(ctx, &model.TriggerFailureEvent{
		TriggerID:  trigger.ID,
		DeliveryID: deliveryID,
		EventID:    envelope.ID,
		Reason:     reason,
		FailedAt:   now,
	}); err != nil {
		return err
	}
	if err := e.bumpTriggerFailures(ctx, trigger.ID, now); err != nil {
		return err
	}
	return e.bumpSourceFailures(ctx, envelope.Source, now)
}

func (e *Engine) bumpTriggerFailures(ctx context.Context, triggerID string, now time.Time) error {
	pause, err := e.store.GetTriggerPause(ctx, triggerID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return err
		}
		pause = &model.TriggerPause{TriggerID: triggerID}
	}
	pause.Failures++
	if pause.Failures >= config.GetTriggerFailureThreshold() {
		over := pause.Failures - config.GetTriggerFailureThreshold()
		until := now.Add(pauseBackoff(over, config.GetTriggerPauseBase(), config.GetTriggerPauseMax()))
		pause.PausedUntil = &until
		pause.Reason = ReasonTriggerPaused
		metrics.TriggerPauses.Inc()
		klog.InfoS("trigger auto-paused", "trigger", triggerID, "failures", pause.Failures, "until", until)
	}
	return e.store.UpsertTriggerPause(ctx, pause)
}

func (e *Engine) bumpSourceFailures(ctx context.Context, source string, now time.Time) error {
	pause, err := e.store.GetSourcePause(ctx, source)
	if err != nil {
		if !errors.IsNotFound(err) {
			return err
		}
		pause = &model.SourcePause{Source: source}
	}
	pause.Failures++
	if pause.Failures >= config.GetSourceFailureThreshold() {
		over := pause.Failures - config.GetSourceFailureThreshold()
		until := now.Add(pauseBackoff(over, config.GetTriggerPauseBase(), config.GetTriggerPauseMax()))
		pause.PausedUntil = &until
		pause.Reason = ReasonSourcePaused
		if pause.Details == nil {
			pause.Details = json.RawMessage(`{}`)
		}
		klog.InfoS("event source auto-paused", "source", source, "failures", pause.Failures, "until", until)
	}
	return e.store.UpsertSourcePause(ctx, pause)
}

// recordSuccess resets the trigger's consecutive-failure counter.
func (e *Engine) recordSuccess(ctx context.Context, triggerID string) error {
	pause, err := e.store.GetTriggerPause(ctx, triggerID)
	if err != nil {
		return errors.IgnoreNotFound(err)
	}
	if pause.Failures == 0 && pause.PausedUntil == nil {
		return nil
	}
	pause.Failures = 0
	pause.PausedUntil = nil
	pause.Reason = ""
	return e.store.UpsertTriggerPause(ctx, pause)
}

// pauseBackoff doubles the base per repeat offense, capped at max.
func pauseBackoff(over int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < over; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
