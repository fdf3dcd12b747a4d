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

// --- workflows ---

func (m *Memory) CreateWorkflow(_ context.Context, workflow *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.workflows {
		if existing.Slug == workflow.Slug {
			return nil, errors.NewAlreadyExist(fmt.Sprintf("workflow %s already exists", workflow.Slug))
		}
	}
	row := *workflow
	if row.ID == "" {
		row.ID = newID()
	}
	if row.Version == 0 {
		row.Version = 1
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.workflows[row.ID] = &row
	out := row
	return &out, nil
}

func (m *Memory) UpdateWorkflow(_ context.Context, workflow *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workflows[workflow.ID]
	if !ok {
		return nil, errors.NewNotFound("workflow", workflow.ID)
	}
	row := *workflow
	row.CreatedAt = existing.CreatedAt
	row.Version = existing.Version + 1
	row.UpdatedAt = nowUTC()
	m.workflows[row.ID] = &row
	out := row
	return &out, nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*model.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workflow, ok := m.workflows[id]
	if !ok {
		return nil, errors.NewNotFound("workflow", id)
	}
	out := *workflow
	return &out, nil
}

func (m *Memory) GetWorkflowBySlug(_ context.Context, slug string) (*model.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, workflow := range m.workflows {
		if workflow.Slug == slug {
			out := *workflow
			return &out, nil
		}
	}
	return nil, errors.NewNotFound("workflow", slug)
}

func (m *Memory) ListWorkflows(_ context.Context) ([]model.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.WorkflowDefinition
	for _, workflow := range m.workflows {
		out = append(out, *workflow)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *Memory) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return errors.NewNotFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

// --- runs ---

func (m *Memory) CreateRun(_ context.Context, run *model.WorkflowRun) (*model.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.RunKeyNormalized != "" {
		for _, existing := range m.runs {
			if existing.WorkflowDefinitionID == run.WorkflowDefinitionID &&
				existing.RunKeyNormalized == run.RunKeyNormalized &&
				isActiveRunStatus(existing.Status) {
				return nil, errors.NewConflict("run-key-conflict")
			}
		}
	}
	row := *run
	if row.ID == "" {
		row.ID = newID()
	}
	if row.Status == "" {
		row.Status = model.RunStatusPending
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.runs[row.ID] = &row
	out := row
	return &out, nil
}

func isActiveRunStatus(status string) bool {
	return status == model.RunStatusPending || status == model.RunStatusRunning
}

func (m *Memory) GetRun(_ context.Context, id string) (*model.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, errors.NewNotFound("workflow run", id)
	}
	out := *run
	return &out, nil
}

func (m *Memory) GetActiveRunByKey(_ context.Context, workflowID, runKeyNormalized string) (*model.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, run := range m.runs {
		if run.WorkflowDefinitionID == workflowID && run.RunKeyNormalized == runKeyNormalized && isActiveRunStatus(run.Status) {
			out := *run
			return &out, nil
		}
	}
	return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no active run with key %q", runKeyNormalized))
}

func (m *Memory) UpdateRun(_ context.Context, run *model.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return errors.NewNotFound("workflow run", run.ID)
	}
	row := *run
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = nowUTC()
	m.runs[row.ID] = &row
	run.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *Memory) ListRuns(_ context.Context, query RunQuery) ([]model.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := toSet(query.Statuses)
	var out []model.WorkflowRun
	for _, run := range m.runs {
		if query.WorkflowDefinitionID != "" && run.WorkflowDefinitionID != query.WorkflowDefinitionID {
			continue
		}
		if !query.From.IsZero() && run.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && run.CreatedAt.After(query.To) {
			continue
		}
		if len(statuses) > 0 && !statuses[run.Status] {
			continue
		}
		out = append(out, *run)
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

func (m *Memory) CountActiveRunsForTrigger(_ context.Context, triggerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, run := range m.runs {
		if !isActiveRunStatus(run.Status) {
			continue
		}
		if run.Trigger != nil && run.Trigger.TriggerID == triggerID {
			count++
		}
	}
	return count, nil
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

// --- run steps ---

func runStepKey(runID, stepID string) string {
	return runID + "\x00" + stepID
}

func (m *Memory) CreateRunStep(_ context.Context, step *model.WorkflowRunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runStepKey(step.WorkflowRunID, step.StepID)
	if _, ok := m.runSteps[key]; ok {
		return errors.NewConflict(fmt.Sprintf("run step %s already exists", step.StepID))
	}
	row := *step
	if row.ID == "" {
		row.ID = newID()
	}
	if row.Status == "" {
		row.Status = model.StepStatusPending
	}
	if row.Attempt == 0 {
		row.Attempt = 1
	}
	row.CreatedAt = nowUTC()
	row.UpdatedAt = row.CreatedAt
	m.runSteps[key] = &row
	step.ID = row.ID
	step.CreatedAt = row.CreatedAt
	step.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *Memory) UpdateRunStep(_ context.Context, step *model.WorkflowRunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runStepKey(step.WorkflowRunID, step.StepID)
	existing, ok := m.runSteps[key]
	if !ok {
		return errors.NewNotFound("run step", step.StepID)
	}
	row := *step
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = nowUTC()
	m.runSteps[key] = &row
	step.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *Memory) GetRunStep(_ context.Context, runID, stepID string) (*model.WorkflowRunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.runSteps[runStepKey(runID, stepID)]
	if !ok {
		return nil, errors.NewNotFound("run step", stepID)
	}
	out := *step
	return &out, nil
}

func (m *Memory) ListRunSteps(_ context.Context, runID string) ([]model.WorkflowRunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.WorkflowRunStep
	for _, step := range m.runSteps {
		if step.WorkflowRunID == runID {
			out = append(out, *step)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].StepID < out[j].StepID
	})
	return out, nil
}

// --- events ---

func (m *Memory) InsertEvent(_ context.Context, event *model.EventEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.ID]; ok {
		return errors.NewAlreadyExist(fmt.Sprintf("event %s already exists", event.ID))
	}
	row := *event
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = nowUTC()
	}
	m.events[row.ID] = &row
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*model.EventEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.events[id]
	if !ok {
		return nil, errors.NewNotFound("event", id)
	}
	out := *event
	return &out, nil
}

func (m *Memory) DeleteEventsBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, event := range m.events {
		if limit > 0 && deleted >= limit {
			break
		}
		if event.ReceivedAt.Before(cutoff) {
			delete(m.events, id)
			deleted++
		}
	}
	return deleted, nil
}
