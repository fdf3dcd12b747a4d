/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/backoff"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/runtime"
	"github.com/openfathom/fathom/pkg/serviceclient"
	"github.com/openfathom/fathom/pkg/template"
)

func backoffDelay(policy model.RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	return backoff.ComputeDelay(
		policy.Strategy,
		attempt,
		time.Duration(policy.InitialDelayMs)*time.Millisecond,
		time.Duration(policy.MaxDelayMs)*time.Millisecond,
		policy.Jitter,
		rng,
	)
}

// runState guards the shared run row while sibling steps execute
// concurrently.
type runState struct {
	mu  sync.Mutex
	run *model.WorkflowRun
	def *model.WorkflowDefinition
}

// ProcessRun drives one run's DAG until every step settles or a retry wait
// outlives the handler context. Safe to invoke repeatedly; the queue
// redelivers the task until the run reaches a terminal status.
func (e *Executor) ProcessRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return errors.IgnoreNotFound(err)
	}
	if model.IsTerminalRunStatus(run.Status) {
		return nil
	}
	def, err := e.store.GetWorkflow(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return e.finishRun(ctx, run, model.RunStatusFailed, fmt.Sprintf("workflow definition unavailable: %v", err))
	}
	if def.Dag == nil || len(def.Dag.TopologicalOrder) == 0 {
		return e.finishRun(ctx, run, model.RunStatusFailed, "workflow has no validated dag")
	}
	if err := e.ensureStepRows(ctx, run, def); err != nil {
		return err
	}

	state := &runState{run: run, def: def}
	for {
		// cancel can land between batches
		fresh, err := e.store.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if fresh.Status == model.RunStatusCanceled {
			return nil
		}
		state.run = fresh

		steps, err := e.topLevelSteps(ctx, run.ID)
		if err != nil {
			return err
		}
		ready, failed, waitUntil, unsettled := e.classify(ctx, state, steps)

		if failed != "" {
			e.skipRemaining(ctx, steps, failed)
			return e.finishRun(ctx, state.run, model.RunStatusFailed,
				fmt.Sprintf("step %s exhausted its attempts", failed))
		}
		if unsettled == 0 {
			return e.finishRun(ctx, state.run, model.RunStatusSucceeded, "")
		}
		if len(ready) == 0 {
			if waitUntil == nil {
				return e.finishRun(ctx, state.run, model.RunStatusFailed, "no runnable step remains")
			}
			if err := e.sleepUntil(ctx, *waitUntil); err != nil {
				return err
			}
			continue
		}

		if err := e.markRunning(ctx, state); err != nil {
			return err
		}
		if err := e.executeBatch(ctx, state, ready); err != nil {
			return err
		}
	}
}

func (e *Executor) ensureStepRows(ctx context.Context, run *model.WorkflowRun, def *model.WorkflowDefinition) error {
	existing, err := e.store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for i := range existing {
		have[existing[i].StepID] = true
	}
	for _, stepID := range def.Dag.TopologicalOrder {
		if have[stepID] {
			continue
		}
		row := &model.WorkflowRunStep{
			WorkflowRunID: run.ID,
			StepID:        stepID,
			Status:        model.StepStatusPending,
			RetryState:    model.RetryStateNone,
		}
		if err := e.store.CreateRunStep(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// topLevelSteps filters out fan-out children; they settle inside their
// parent's execution.
func (e *Executor) topLevelSteps(ctx context.Context, runID string) ([]model.WorkflowRunStep, error) {
	steps, err := e.store.ListRunSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := steps[:0]
	for i := range steps {
		if steps[i].ParentStepID == "" {
			out = append(out, steps[i])
		}
	}
	return out, nil
}

// classify walks the DAG order and buckets steps: runnable now, the earliest
// future retry, a failed step, and the count still unsettled. A row left in
// running state belongs to a dead handler (per-key ordering means no other
// worker holds this run) and is re-executed.
func (e *Executor) classify(ctx context.Context, state *runState, steps []model.WorkflowRunStep) (ready []model.WorkflowRunStep, failed string, waitUntil *time.Time, unsettled int) {
	now := e.now().UTC()
	byID := make(map[string]*model.WorkflowRunStep, len(steps))
	for i := range steps {
		byID[steps[i].StepID] = &steps[i]
	}
	for _, stepID := range state.def.Dag.TopologicalOrder {
		row := byID[stepID]
		if row == nil {
			continue
		}
		switch row.Status {
		case model.StepStatusFailed:
			failed = stepID
			return
		case model.StepStatusSucceeded, model.StepStatusSkipped:
			continue
		}
		unsettled++
		stepDef := state.def.StepByID(stepID)
		if stepDef == nil {
			continue
		}
		depsDone, depSkipped := true, false
		for _, dep := range stepDef.DependsOn {
			depRow := byID[dep]
			if depRow == nil || !depRow.IsSettled() {
				depsDone = false
				break
			}
			if depRow.Status != model.StepStatusSucceeded {
				depSkipped = true
			}
		}
		if !depsDone {
			continue
		}
		if depSkipped {
			// dependency never produced output; settle as skipped
			row.Status = model.StepStatusSkipped
			completed := now
			row.CompletedAt = &completed
			if err := e.store.UpdateRunStep(ctx, row); err != nil {
				klog.ErrorS(err, "failed to skip step", "run", row.WorkflowRunID, "step", row.StepID)
			}
			e.bumpMetrics(ctx, state, func(m *model.RunMetrics) { m.SkippedSteps++ })
			unsettled--
			continue
		}
		if row.NextAttemptAt != nil && row.NextAttemptAt.After(now) {
			if waitUntil == nil || row.NextAttemptAt.Before(*waitUntil) {
				waitUntil = row.NextAttemptAt
			}
			continue
		}
		ready = append(ready, *row)
	}
	return
}

func (e *Executor) sleepUntil(ctx context.Context, deadline time.Time) error {
	wait := time.Until(deadline)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (e *Executor) markRunning(ctx context.Context, state *runState) error {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.run.Status != model.RunStatusPending {
		return nil
	}
	state.run.Status = model.RunStatusRunning
	started := e.now().UTC()
	state.run.StartedAt = &started
	return e.store.UpdateRun(ctx, state.run)
}

// executeBatch runs the ready steps with bounded concurrency. Individual
// step failures settle on the step rows; only infrastructure errors
// propagate.
func (e *Executor) executeBatch(ctx context.Context, state *runState, ready []model.WorkflowRunStep) error {
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	errCh := make(chan error, len(ready))
	for i := range ready {
		row := ready[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.executeStep(ctx, state, &row); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

func (e *Executor) executeStep(ctx context.Context, state *runState, row *model.WorkflowRunStep) error {
	stepDef := state.def.StepByID(row.StepID)
	if stepDef == nil {
		return errors.NewInternalError(fmt.Sprintf("run step %s has no definition", row.StepID))
	}

	// Attempt is already the current attempt number; stores initialize it
	// to 1 and settleFailure advances it when scheduling a retry.
	now := e.now().UTC()
	row.Status = model.StepStatusRunning
	row.StartedAt = &now
	row.LastHeartbeatAt = &now
	row.ErrorMessage = ""
	if err := e.store.UpdateRunStep(ctx, row); err != nil {
		return err
	}
	e.updateCursor(ctx, state, row.StepID)

	stepCtx, cancel := context.WithTimeout(ctx, e.effectiveTimeout(stepDef))
	defer cancel()
	stopHeartbeat := e.startHeartbeat(stepCtx, row)

	output, execErr := e.runStep(stepCtx, state, stepDef, row)
	stopHeartbeat()

	if execErr != nil {
		return e.settleFailure(ctx, state, stepDef, row, execErr)
	}
	return e.settleSuccess(ctx, state, stepDef, row, output)
}

func (e *Executor) effectiveTimeout(stepDef *model.Step) time.Duration {
	if stepDef.TimeoutMs != nil && *stepDef.TimeoutMs > 0 {
		return time.Duration(*stepDef.TimeoutMs) * time.Millisecond
	}
	return e.stepTimeout
}

// startHeartbeat stamps lastHeartbeatAt on the step row until the returned
// stop function runs.
func (e *Executor) startHeartbeat(ctx context.Context, row *model.WorkflowRunStep) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat := e.now().UTC()
				row.LastHeartbeatAt = &beat
				if err := e.store.UpdateRunStep(ctx, row); err != nil {
					klog.ErrorS(err, "step heartbeat failed", "run", row.WorkflowRunID, "step", row.StepID)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (e *Executor) updateCursor(ctx context.Context, state *runState, stepID string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.run.CurrentStepID = stepID
	for i, id := range state.def.Dag.TopologicalOrder {
		if id == stepID {
			index := i
			state.run.CurrentStepIndex = &index
			break
		}
	}
	if err := e.store.UpdateRun(ctx, state.run); err != nil {
		klog.ErrorS(err, "failed to update run cursor", "run", state.run.ID)
	}
}

// runDoc is the document step templates render against.
func (e *Executor) runDoc(state *runState, row *model.WorkflowRunStep) json.RawMessage {
	state.mu.Lock()
	defer state.mu.Unlock()
	doc := map[string]interface{}{}
	if len(state.run.Parameters) > 0 {
		doc["parameters"] = json.RawMessage(state.run.Parameters)
	}
	if len(state.run.Context) > 0 {
		doc["context"] = json.RawMessage(state.run.Context)
	}
	if state.run.PartitionKey != "" {
		doc["partitionKey"] = state.run.PartitionKey
	}
	if row != nil && row.FanoutIndex != nil {
		doc["index"] = *row.FanoutIndex
		if len(row.Input) > 0 {
			doc["item"] = json.RawMessage(row.Input)
		}
	}
	out, _ := json.Marshal(doc)
	return out
}

func (e *Executor) runStep(ctx context.Context, state *runState, stepDef *model.Step, row *model.WorkflowRunStep) (json.RawMessage, error) {
	switch stepDef.Type {
	case model.StepTypeJob:
		return e.runJobStep(ctx, state, stepDef, row)
	case model.StepTypeService:
		return e.runServiceStep(ctx, state, stepDef, row)
	case model.StepTypeFanout:
		return e.runFanoutStep(ctx, state, stepDef, row)
	default:
		return nil, errors.NewInternalError(fmt.Sprintf("unknown step type %q", stepDef.Type))
	}
}

func (e *Executor) renderParameters(state *runState, stepDef *model.Step, row *model.WorkflowRunStep) (json.RawMessage, error) {
	if len(stepDef.Parameters) == 0 {
		return nil, nil
	}
	if !template.DocumentHasExpressions(stepDef.Parameters) {
		return stepDef.Parameters, nil
	}
	return template.RenderDocument(stepDef.Parameters, e.runDoc(state, row))
}

func (e *Executor) runJobStep(ctx context.Context, state *runState, stepDef *model.Step, row *model.WorkflowRunStep) (json.RawMessage, error) {
	parameters, err := e.renderParameters(state, stepDef, row)
	if err != nil {
		return nil, err
	}
	result, err := e.jobs.ExecuteJob(ctx, runtime.JobRequest{
		RunID:        row.WorkflowRunID,
		StepID:       row.StepID,
		JobSlug:      stepDef.JobSlug,
		Bundle:       stepDef.Bundle,
		Parameters:   parameters,
		Input:        row.Input,
		PartitionKey: state.run.PartitionKey,
		FanoutIndex:  row.FanoutIndex,
	})
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

func (e *Executor) runServiceStep(ctx context.Context, state *runState, stepDef *model.Step, row *model.WorkflowRunStep) (json.RawMessage, error) {
	if e.services == nil {
		return nil, errors.NewDependencyUnhealthy("service client is not configured")
	}
	doc := e.runDoc(state, row)
	path, err := renderIfTemplated(stepDef.Request.Path, doc)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(stepDef.Request.Headers))
	for k, v := range stepDef.Request.Headers {
		rendered, err := renderIfTemplated(v, doc)
		if err != nil {
			return nil, err
		}
		headers[k] = rendered
	}
	body := stepDef.Request.Body
	if template.DocumentHasExpressions(body) {
		if body, err = template.RenderDocument(body, doc); err != nil {
			return nil, err
		}
	}
	resp, err := e.services.Call(ctx, serviceclient.Request{
		ServiceSlug: stepDef.ServiceSlug,
		Path:        path,
		Method:      stepDef.Request.Method,
		Headers:     headers,
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	if stepDef.CaptureResponse {
		return json.Marshal(resp)
	}
	return resp.Body, nil
}

func renderIfTemplated(s string, doc json.RawMessage) (string, error) {
	if !template.HasExpressions(s) {
		return s, nil
	}
	return template.RenderString(s, doc)
}

// runFanoutStep expands the collection into child steps and executes them
// with the step's own concurrency bound. Children retry inline per the
// template's retry policy; a child out of attempts fails the fan-out.
func (e *Executor) runFanoutStep(ctx context.Context, state *runState, stepDef *model.Step, row *model.WorkflowRunStep) (json.RawMessage, error) {
	items, err := e.fanoutItems(state, stepDef, row)
	if err != nil {
		return nil, err
	}
	if len(items) > stepDef.MaxItems {
		items = items[:stepDef.MaxItems]
	}
	e.bumpMetrics(ctx, state, func(m *model.RunMetrics) { m.TotalSteps += len(items) })

	children := make([]*model.WorkflowRunStep, len(items))
	for i := range items {
		index := i
		children[i] = &model.WorkflowRunStep{
			WorkflowRunID:  row.WorkflowRunID,
			StepID:         fmt.Sprintf("%s[%d]", row.StepID, i),
			Status:         model.StepStatusPending,
			Input:          items[i],
			ParentStepID:   row.StepID,
			FanoutIndex:    &index,
			TemplateStepID: stepDef.Template.ID,
			RetryState:     model.RetryStateNone,
		}
		if err := e.store.CreateRunStep(ctx, children[i]); err != nil {
			return nil, err
		}
	}

	limit := stepDef.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	outputs := make([]json.RawMessage, len(children))
	var firstErr error
	for i := range children {
		child := children[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			output, err := e.runFanoutChild(ctx, state, stepDef.Template, child)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
				return
			}
			if child.FanoutIndex != nil {
				outputs[*child.FanoutIndex] = output
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	aggregated, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	if stepDef.StoreResultsAs != "" {
		if err := e.storeResult(ctx, state, stepDef.StoreResultsAs, aggregated); err != nil {
			return nil, err
		}
	}
	return aggregated, nil
}

// fanoutItems resolves the collection: a JSON array literal, or a string
// expression evaluated against the run document.
func (e *Executor) fanoutItems(state *runState, stepDef *model.Step, row *model.WorkflowRunStep) ([]json.RawMessage, error) {
	collection := stepDef.Collection
	doc := e.runDoc(state, row)
	parsed := gjson.ParseBytes(collection)
	if parsed.Type == gjson.String {
		rendered, err := template.RenderString(parsed.String(), doc)
		if err != nil {
			return nil, err
		}
		parsed = gjson.Parse(rendered)
		if !parsed.IsArray() {
			// a bare path renders to its value; retry as a lookup
			parsed = gjson.GetBytes(doc, rendered)
		}
	}
	if !parsed.IsArray() {
		return nil, errors.NewBadRequest(fmt.Sprintf("fanout collection of step %s does not evaluate to an array", stepDef.ID))
	}
	var items []json.RawMessage
	parsed.ForEach(func(_, value gjson.Result) bool {
		items = append(items, json.RawMessage(value.Raw))
		return true
	})
	return items, nil
}

func (e *Executor) runFanoutChild(ctx context.Context, state *runState, templateDef *model.Step, child *model.WorkflowRunStep) (json.RawMessage, error) {
	policy := templateDef.EffectiveRetryPolicy()
	for {
		now := e.now().UTC()
		child.Status = model.StepStatusRunning
		child.StartedAt = &now
		child.LastHeartbeatAt = &now
		if err := e.store.UpdateRunStep(ctx, child); err != nil {
			return nil, err
		}
		output, err := e.runStep(ctx, state, templateDef, child)
		if err == nil {
			if settleErr := e.settleSuccess(ctx, state, templateDef, child, output); settleErr != nil {
				return nil, settleErr
			}
			return output, nil
		}
		if child.Attempt >= policy.MaxAttempts {
			child.Status = model.StepStatusFailed
			child.ErrorMessage = err.Error()
			completed := e.now().UTC()
			child.CompletedAt = &completed
			child.RetryState = model.RetryStateNone
			if updateErr := e.store.UpdateRunStep(ctx, child); updateErr != nil {
				return nil, updateErr
			}
			e.bumpMetrics(ctx, state, func(m *model.RunMetrics) { m.FailedSteps++ })
			return nil, err
		}
		child.Attempt++
		child.RetryAttempts++
		metrics.StepRetries.Inc()
		delay := e.retryDelay(policy, child.RetryAttempts)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// settleSuccess records the output, stores the result under storeResultAs,
// snapshots produced assets, and bumps the run metrics.
func (e *Executor) settleSuccess(ctx context.Context, state *runState, stepDef *model.Step, row *model.WorkflowRunStep, output json.RawMessage) error {
	row.Status = model.StepStatusSucceeded
	row.Output = output
	row.ErrorMessage = ""
	row.RetryState = model.RetryStateNone
	row.NextAttemptAt = nil
	completed := e.now().UTC()
	row.CompletedAt = &completed
	if err := e.store.UpdateRunStep(ctx, row); err != nil {
		return err
	}
	// children aggregate under the parent's storeResultsAs instead
	if stepDef.StoreResultAs != "" && row.ParentStepID == "" {
		if err := e.storeResult(ctx, state, stepDef.StoreResultAs, output); err != nil {
			return err
		}
	}
	if err := e.recordSnapshots(ctx, state, stepDef, row); err != nil {
		return err
	}
	e.bumpMetrics(ctx, state, func(m *model.RunMetrics) { m.CompletedSteps++ })
	return nil
}

// settleFailure either schedules a retry or fails the step for good.
func (e *Executor) settleFailure(ctx context.Context, state *runState, stepDef *model.Step, row *model.WorkflowRunStep, execErr error) error {
	policy := stepDef.EffectiveRetryPolicy()
	row.ErrorMessage = execErr.Error()
	if row.Attempt < policy.MaxAttempts {
		row.Status = model.StepStatusPending
		row.Attempt++
		row.RetryAttempts++
		row.RetryState = model.RetryStateScheduled
		next := e.now().UTC().Add(e.retryDelay(policy, row.RetryAttempts))
		row.NextAttemptAt = &next
		if err := e.store.UpdateRunStep(ctx, row); err != nil {
			return err
		}
		metrics.StepRetries.Inc()
		e.updateRetrySummary(ctx, state, next)
		klog.V(2).InfoS("step retry scheduled",
			"run", row.WorkflowRunID, "step", row.StepID, "attempt", row.Attempt, "nextAttemptAt", next)
		return nil
	}
	row.Status = model.StepStatusFailed
	row.RetryState = model.RetryStateNone
	row.NextAttemptAt = nil
	completed := e.now().UTC()
	row.CompletedAt = &completed
	if err := e.store.UpdateRunStep(ctx, row); err != nil {
		return err
	}
	e.bumpMetrics(ctx, state, func(m *model.RunMetrics) { m.FailedSteps++ })
	return nil
}

// bumpMetrics mutates the run metrics under the state lock and persists
// them.
func (e *Executor) bumpMetrics(ctx context.Context, state *runState, mutate func(*model.RunMetrics)) {
	state.mu.Lock()
	defer state.mu.Unlock()
	mutate(&state.run.Metrics)
	if err := e.store.UpdateRun(ctx, state.run); err != nil {
		klog.ErrorS(err, "failed to update run metrics", "run", state.run.ID)
	}
}

func (e *Executor) updateRetrySummary(ctx context.Context, state *runState, next time.Time) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.run.RetrySummary.PendingSteps++
	if state.run.RetrySummary.NextAttemptAt == nil || next.Before(*state.run.RetrySummary.NextAttemptAt) {
		state.run.RetrySummary.NextAttemptAt = &next
	}
	if err := e.store.UpdateRun(ctx, state.run); err != nil {
		klog.ErrorS(err, "failed to update retry summary", "run", state.run.ID)
	}
}

// storeResult writes output into the run context under key.
func (e *Executor) storeResult(ctx context.Context, state *runState, key string, output json.RawMessage) error {
	state.mu.Lock()
	defer state.mu.Unlock()
	base := state.run.Context
	if len(base) == 0 {
		base = json.RawMessage(`{}`)
	}
	value := output
	if len(value) == 0 {
		value = json.RawMessage(`null`)
	}
	merged, err := sjson.SetRawBytes(base, key, value)
	if err != nil {
		return errors.NewInternalError(fmt.Sprintf("failed to store step result %q: %v", key, err))
	}
	state.run.Context = merged
	return e.store.UpdateRun(ctx, state.run)
}

// recordSnapshots inserts one asset snapshot per produced declaration and
// notifies the asset service so downstream auto-materialization can react.
func (e *Executor) recordSnapshots(ctx context.Context, state *runState, stepDef *model.Step, row *model.WorkflowRunStep) error {
	if len(stepDef.Produces) == 0 {
		return nil
	}
	producedAt := e.now().UTC()
	for i := range stepDef.Produces {
		decl := &stepDef.Produces[i]
		partitionKey := state.run.PartitionKey
		normalized := partitionKey
		if decl.Partitioning != nil && partitionKey != "" {
			canonical, err := model.ValidatePartitionKey(decl.Partitioning, partitionKey)
			if err != nil {
				return err
			}
			normalized = canonical
		}
		snapshot := &model.AssetSnapshot{
			WorkflowDefinitionID:   state.def.ID,
			WorkflowRunID:          row.WorkflowRunID,
			WorkflowRunStepID:      row.ID,
			StepID:                 row.StepID,
			AssetID:                decl.AssetID,
			AssetKey:               model.NormalizeAssetKey(decl.AssetID),
			PartitionKey:           partitionKey,
			PartitionKeyNormalized: normalized,
			Payload:                row.Output,
			Schema:                 decl.Schema,
			Freshness:              decl.Freshness,
			ProducedAt:             producedAt,
		}
		if err := e.store.InsertSnapshot(ctx, snapshot); err != nil {
			return err
		}
		row.ProducedAssets = append(row.ProducedAssets, model.ProducedAssetRef{
			AssetID:      decl.AssetID,
			PartitionKey: partitionKey,
			SnapshotID:   snapshot.ID,
			ProducedAt:   producedAt,
		})
		if e.assets != nil {
			if err := e.assets.OnUpstreamUpdate(ctx, snapshot); err != nil {
				klog.ErrorS(err, "upstream-update fanout failed",
					"run", row.WorkflowRunID, "asset", snapshot.AssetKey)
			}
		}
	}
	return e.store.UpdateRunStep(ctx, row)
}

// skipRemaining settles every step still pending after failedStep doomed the
// run.
func (e *Executor) skipRemaining(ctx context.Context, steps []model.WorkflowRunStep, failedStep string) {
	now := e.now().UTC()
	for i := range steps {
		row := &steps[i]
		if row.StepID == failedStep || row.IsSettled() {
			continue
		}
		row.Status = model.StepStatusSkipped
		completed := now
		row.CompletedAt = &completed
		row.NextAttemptAt = nil
		row.RetryState = model.RetryStateNone
		if err := e.store.UpdateRunStep(ctx, row); err != nil {
			klog.ErrorS(err, "failed to skip step", "run", row.WorkflowRunID, "step", row.StepID)
		}
	}
}

// finishRun moves the run to a terminal status and fires the asset hooks.
func (e *Executor) finishRun(ctx context.Context, run *model.WorkflowRun, status, errorMessage string) error {
	run.Status = status
	run.ErrorMessage = errorMessage
	completed := e.now().UTC()
	run.CompletedAt = &completed
	start := run.CreatedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	duration := completed.Sub(start).Milliseconds()
	run.DurationMs = &duration
	run.RetrySummary = model.RetrySummary{}
	if status == model.RunStatusSucceeded {
		steps, err := e.store.ListRunSteps(ctx, run.ID)
		if err == nil {
			run.Output = aggregateOutput(steps)
		}
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	metrics.RunsCompleted.WithLabelValues(status).Inc()
	metrics.RunDuration.Observe(float64(duration) / 1000)
	if e.assets != nil {
		var hookErr error
		switch status {
		case model.RunStatusSucceeded:
			hookErr = e.assets.OnRunSucceeded(ctx, run.ID)
		case model.RunStatusFailed:
			hookErr = e.assets.OnRunFailed(ctx, run.ID, errorMessage)
		}
		if hookErr != nil {
			klog.ErrorS(hookErr, "auto-materialize claim hook failed", "run", run.ID, "status", status)
		}
	}
	return nil
}

// aggregateOutput is the run output: each top-level step's output keyed by
// step id, sorted for stability.
func aggregateOutput(steps []model.WorkflowRunStep) json.RawMessage {
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })
	out := json.RawMessage(`{}`)
	for i := range steps {
		row := &steps[i]
		if row.ParentStepID != "" || row.Status != model.StepStatusSucceeded || len(row.Output) == 0 {
			continue
		}
		merged, err := sjson.SetRawBytes(out, escapeKey(row.StepID), row.Output)
		if err != nil {
			continue
		}
		out = merged
	}
	return out
}

func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' || key[i] == '*' || key[i] == '?' {
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
