/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

// --- triggers ---

func (m *Memory) CreateTrigger(_ context.Context, trigger *model.EventTrigger) (*model.EventTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *trigger
	if row.ID == "" {
		row.ID = newID()
	}
	if row.Status == "" {
		row.Status = model.TriggerStatusActive
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.triggers[row.ID] = &row
	out := row
	return &out, nil
}

func (m *Memory) UpdateTrigger(_ context.Context, trigger *model.EventTrigger) (*model.EventTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.triggers[trigger.ID]
	if !ok {
		return nil, errors.NewNotFound("trigger", trigger.ID)
	}
	row := *trigger
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = nowUTC()
	m.triggers[row.ID] = &row
	out := row
	return &out, nil
}

func (m *Memory) GetTrigger(_ context.Context, id string) (*model.EventTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trigger, ok := m.triggers[id]
	if !ok {
		return nil, errors.NewNotFound("trigger", id)
	}
	out := *trigger
	return &out, nil
}

func (m *Memory) ListTriggersForWorkflow(_ context.Context, workflowID string) ([]model.EventTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.EventTrigger
	for _, trigger := range m.triggers {
		if trigger.WorkflowDefinitionID == workflowID {
			out = append(out, *trigger)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveTriggersForEvent(_ context.Context, eventType, eventSource string) ([]model.EventTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.EventTrigger
	for _, trigger := range m.triggers {
		if trigger.Status != model.TriggerStatusActive || trigger.EventType != eventType {
			continue
		}
		if trigger.EventSource != "" && trigger.EventSource != eventSource {
			continue
		}
		out = append(out, *trigger)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return errors.NewNotFound("trigger", id)
	}
	delete(m.triggers, id)
	return nil
}

// --- deliveries ---

func isActiveDeliveryStatus(status string) bool {
	switch status {
	case model.DeliveryStatusPending, model.DeliveryStatusMatched, model.DeliveryStatusLaunched:
		return true
	}
	return false
}

func (m *Memory) CreateDelivery(_ context.Context, delivery *model.TriggerDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delivery.DedupeKey != "" && isActiveDeliveryStatus(delivery.Status) {
		for _, existing := range m.deliveries {
			if existing.TriggerID == delivery.TriggerID && existing.DedupeKey == delivery.DedupeKey && isActiveDeliveryStatus(existing.Status) {
				return errors.NewConflict(fmt.Sprintf("delivery with dedupe key %q already active", delivery.DedupeKey))
			}
		}
	}
	row := *delivery
	if row.ID == "" {
		row.ID = newID()
	}
	if row.Status == "" {
		row.Status = model.DeliveryStatusPending
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.deliveries[row.ID] = &row
	delivery.ID = row.ID
	delivery.CreatedAt = row.CreatedAt
	delivery.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *Memory) UpdateDelivery(_ context.Context, delivery *model.TriggerDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.deliveries[delivery.ID]
	if !ok {
		return errors.NewNotFound("delivery", delivery.ID)
	}
	row := *delivery
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = nowUTC()
	m.deliveries[row.ID] = &row
	delivery.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *Memory) GetDelivery(_ context.Context, id string) (*model.TriggerDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	delivery, ok := m.deliveries[id]
	if !ok {
		return nil, errors.NewNotFound("delivery", id)
	}
	out := *delivery
	return &out, nil
}

func (m *Memory) GetActiveDeliveryByDedupeKey(_ context.Context, triggerID, dedupeKey string) (*model.TriggerDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, delivery := range m.deliveries {
		if delivery.TriggerID == triggerID && delivery.DedupeKey == dedupeKey && isActiveDeliveryStatus(delivery.Status) {
			out := *delivery
			return &out, nil
		}
	}
	return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no active delivery with dedupe key %q", dedupeKey))
}

func (m *Memory) ListDeliveries(_ context.Context, query DeliveryQuery) ([]model.TriggerDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	triggerIDs := toSet(query.TriggerIDs)
	statuses := toSet(query.Statuses)
	var out []model.TriggerDelivery
	for _, delivery := range m.deliveries {
		if len(triggerIDs) > 0 && !triggerIDs[delivery.TriggerID] {
			continue
		}
		if len(statuses) > 0 && !statuses[delivery.Status] {
			continue
		}
		if query.DedupeKey != "" && delivery.DedupeKey != query.DedupeKey {
			continue
		}
		if !query.From.IsZero() && delivery.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && delivery.CreatedAt.After(query.To) {
			continue
		}
		out = append(out, *delivery)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *Memory) CountLaunchedSince(_ context.Context, triggerID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, delivery := range m.deliveries {
		if delivery.TriggerID == triggerID && delivery.Status == model.DeliveryStatusLaunched && !delivery.UpdatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]model.TriggerDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.TriggerDelivery
	for _, delivery := range m.deliveries {
		if delivery.NextAttemptAt == nil || delivery.NextAttemptAt.After(now) {
			continue
		}
		if delivery.Status != model.DeliveryStatusMatched && delivery.Status != model.DeliveryStatusThrottled {
			continue
		}
		out = append(out, *delivery)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- failure events and pauses ---

func (m *Memory) InsertFailureEvent(_ context.Context, event *model.TriggerFailureEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *event
	if row.ID == "" {
		row.ID = newID()
	}
	if row.FailedAt.IsZero() {
		row.FailedAt = nowUTC()
	}
	m.failureEvents = append(m.failureEvents, &row)
	return nil
}

func (m *Memory) ListFailureEvents(_ context.Context, triggerIDs []string, from, to time.Time) ([]model.TriggerFailureEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := toSet(triggerIDs)
	var out []model.TriggerFailureEvent
	for _, event := range m.failureEvents {
		if len(ids) > 0 && !ids[event.TriggerID] {
			continue
		}
		if !from.IsZero() && event.FailedAt.Before(from) {
			continue
		}
		if !to.IsZero() && event.FailedAt.After(to) {
			continue
		}
		out = append(out, *event)
	}
	return out, nil
}

func (m *Memory) GetTriggerPause(_ context.Context, triggerID string) (*model.TriggerPause, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pause, ok := m.triggerPauses[triggerID]
	if !ok {
		return nil, errors.NewNotFound("trigger pause", triggerID)
	}
	out := *pause
	return &out, nil
}

func (m *Memory) UpsertTriggerPause(_ context.Context, pause *model.TriggerPause) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *pause
	row.UpdatedAt = nowUTC()
	m.triggerPauses[row.TriggerID] = &row
	return nil
}

func (m *Memory) ListTriggerPauses(_ context.Context, triggerIDs []string) ([]model.TriggerPause, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := toSet(triggerIDs)
	var out []model.TriggerPause
	for _, pause := range m.triggerPauses {
		if len(ids) > 0 && !ids[pause.TriggerID] {
			continue
		}
		out = append(out, *pause)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out, nil
}

func (m *Memory) GetSourcePause(_ context.Context, source string) (*model.SourcePause, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pause, ok := m.sourcePauses[source]
	if !ok {
		return nil, errors.NewNotFound("source pause", source)
	}
	out := *pause
	return &out, nil
}

func (m *Memory) UpsertSourcePause(_ context.Context, pause *model.SourcePause) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *pause
	row.UpdatedAt = nowUTC()
	m.sourcePauses[row.Source] = &row
	return nil
}

func (m *Memory) ListSourcePauses(_ context.Context) ([]model.SourcePause, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.SourcePause
	for _, pause := range m.sourcePauses {
		out = append(out, *pause)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// --- schedules ---

func (m *Memory) CreateSchedule(_ context.Context, schedule *model.Schedule) (*model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *schedule
	if row.ID == "" {
		row.ID = newID()
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.schedules[row.ID] = &row
	out := row
	return &out, nil
}

func (m *Memory) UpdateSchedule(_ context.Context, schedule *model.Schedule) (*model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.schedules[schedule.ID]
	if !ok {
		return nil, errors.NewNotFound("schedule", schedule.ID)
	}
	row := *schedule
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = nowUTC()
	m.schedules[row.ID] = &row
	out := row
	return &out, nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	schedule, ok := m.schedules[id]
	if !ok {
		return nil, errors.NewNotFound("schedule", id)
	}
	out := *schedule
	return &out, nil
}

func (m *Memory) ListSchedulesForWorkflow(_ context.Context, workflowID string) ([]model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Schedule
	for _, schedule := range m.schedules {
		if schedule.WorkflowDefinitionID == workflowID {
			out = append(out, *schedule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListDueSchedules(_ context.Context, now time.Time) ([]model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Schedule
	for _, schedule := range m.schedules {
		if !schedule.IsActive {
			continue
		}
		if schedule.NextRunAt != nil && schedule.NextRunAt.After(now) {
			continue
		}
		out = append(out, *schedule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return errors.NewNotFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}
