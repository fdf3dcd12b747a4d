/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openfathom/fathom/pkg/assets"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/runtime"
	"github.com/openfathom/fathom/pkg/store"
	"github.com/openfathom/fathom/pkg/triggers"
	"github.com/openfathom/fathom/pkg/workflow"
)

// captureQueue records enqueues instead of dispatching them; tests drive
// ProcessRun directly.
type captureQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
	fail  error
}

func (q *captureQueue) Enqueue(_ context.Context, kind, key string, payload json.RawMessage) error {
	if q.fail != nil {
		return q.fail
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queue.Task{Kind: kind, Key: key, Payload: payload})
	return nil
}

func (q *captureQueue) Subscribe(string, queue.Handler) {}

type fixture struct {
	store    *store.Memory
	queue    *captureQueue
	runtime  *runtime.Memory
	executor *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemory(),
		queue:   &captureQueue{},
		runtime: runtime.NewMemory(),
	}
	f.executor = New(f.store, f.queue, f.runtime, nil)
	return f
}

func (f *fixture) createWorkflow(t *testing.T, def *model.WorkflowDefinition) *model.WorkflowDefinition {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, workflow.Normalize(ctx, f.runtime, def))
	require.NoError(t, workflow.ValidateDag(def))
	created, err := f.store.CreateWorkflow(ctx, def)
	require.NoError(t, err)
	return created
}

// drain processes every queued run task until the backlog is empty.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for {
		f.queue.mu.Lock()
		if len(f.queue.tasks) == 0 {
			f.queue.mu.Unlock()
			return
		}
		task := f.queue.tasks[0]
		f.queue.tasks = f.queue.tasks[1:]
		f.queue.mu.Unlock()
		if task.Kind != queue.KindRun {
			continue
		}
		var payload struct {
			RunID string `json:"runId"`
		}
		require.NoError(t, json.Unmarshal(task.Payload, &payload))
		require.NoError(t, f.executor.ProcessRun(context.Background(), payload.RunID))
	}
}

func TestCreateAndProcessRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runtime.RegisterJob("extract", func(_ context.Context, req runtime.JobRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"rows": 3}`), nil
	})
	f.runtime.RegisterJob("load", func(_ context.Context, req runtime.JobRequest) (json.RawMessage, error) {
		rows := gjson.GetBytes(req.Parameters, "rows").String()
		return json.RawMessage(fmt.Sprintf(`{"loaded": %q}`, rows)), nil
	})

	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "etl", Name: "ETL",
		Steps: []model.Step{
			{ID: "extract", Type: model.StepTypeJob, JobSlug: "extract", StoreResultAs: "extract"},
			{ID: "load", Type: model.StepTypeJob, JobSlug: "load", DependsOn: []string{"extract"},
				Parameters: json.RawMessage(`{"rows": "{{context.extract.rows}}"}`)},
		},
	})

	run, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "etl", RunKey: "  ETL-2026-03-01 "})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, run.Status)
	assert.Equal(t, "etl-2026-03-01", run.RunKeyNormalized)

	f.drain(t)

	done, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.DurationMs)
	assert.Equal(t, 2, done.Metrics.CompletedSteps)
	assert.Equal(t, int64(3), gjson.GetBytes(done.Context, "extract.rows").Int())
	assert.Equal(t, "3", gjson.GetBytes(done.Output, "load.loaded").String())

	steps, err := f.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for i := range steps {
		assert.Equal(t, model.StepStatusSucceeded, steps[i].Status)
		assert.NotNil(t, steps[i].LastHeartbeatAt)
	}
}

func TestRunKeyConflictCarriesExistingRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runtime.RegisterJob("noop", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return nil, nil
	})
	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "keyed", Name: "Keyed",
		Steps: []model.Step{{ID: "noop", Type: model.StepTypeJob, JobSlug: "noop"}},
	})

	first, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "keyed", RunKey: "daily"})
	require.NoError(t, err)

	_, err = f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "keyed", RunKey: "DAILY"})
	require.Error(t, err)
	require.True(t, errors.IsConflict(err))
	detail, ok := err.(*errors.StatusError).Detail.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run-key-conflict", detail["reason"])
	existing, ok := detail["run"].(*model.WorkflowRun)
	require.True(t, ok)
	assert.Equal(t, first.ID, existing.ID)
}

func TestEnqueueFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	f.queue.fail = errors.NewQueueUnavailable("shard full")

	f.runtime.RegisterJob("noop", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return nil, nil
	})
	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "unqueued", Name: "Unqueued",
		Steps: []model.Step{{ID: "noop", Type: model.StepTypeJob, JobSlug: "noop"}},
	})

	_, err := f.executor.CreateRun(context.Background(), CreateRequest{WorkflowSlug: "unqueued"})
	require.Error(t, err)
	assert.Equal(t, errors.QueueUnavailable, errors.ReasonForError(err))

	runs, err := f.store.ListRuns(context.Background(), store.RunQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	require.NotNil(t, runs[0].DurationMs)
	assert.Zero(t, *runs[0].DurationMs)
}

func TestStepRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls int
	f.runtime.RegisterJob("flaky", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, errors.NewInternalError("transient")
		}
		return json.RawMessage(`{"ok": true}`), nil
	})
	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "flaky", Name: "Flaky",
		Steps: []model.Step{{
			ID: "flaky", Type: model.StepTypeJob, JobSlug: "flaky",
			RetryPolicy: &model.RetryPolicy{MaxAttempts: 3, Strategy: "fixed", InitialDelayMs: 1},
		}},
	})

	run, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "flaky"})
	require.NoError(t, err)
	f.drain(t)

	done, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, done.Status)

	step, err := f.store.GetRunStep(ctx, run.ID, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 3, step.Attempt)
	assert.Equal(t, 2, step.RetryAttempts)
	assert.Equal(t, 3, calls)
}

func TestStepExhaustsRetriesFailsRunAndSkipsDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runtime.RegisterJob("doomed", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return nil, errors.NewInternalError("boom")
	})
	f.runtime.RegisterJob("after", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return nil, nil
	})
	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "doomed", Name: "Doomed",
		Steps: []model.Step{
			{ID: "doomed", Type: model.StepTypeJob, JobSlug: "doomed",
				RetryPolicy: &model.RetryPolicy{MaxAttempts: 2, Strategy: "fixed", InitialDelayMs: 1}},
			{ID: "after", Type: model.StepTypeJob, JobSlug: "after", DependsOn: []string{"doomed"}},
		},
	})

	run, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "doomed"})
	require.NoError(t, err)
	f.drain(t)

	done, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "doomed")

	after, err := f.store.GetRunStep(ctx, run.ID, "after")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusSkipped, after.Status)
}

func TestFanoutAggregatesResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runtime.RegisterJob("square", func(_ context.Context, req runtime.JobRequest) (json.RawMessage, error) {
		n := gjson.ParseBytes(req.Input).Int()
		return json.RawMessage(strconv.FormatInt(n*n, 10)), nil
	})
	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "fan", Name: "Fan",
		Steps: []model.Step{{
			ID: "fan", Type: model.StepTypeFanout,
			Collection:     json.RawMessage(`[1, 2, 3]`),
			MaxConcurrency: 2,
			StoreResultsAs: "squares",
			Template:       &model.Step{ID: "square", Type: model.StepTypeJob, JobSlug: "square"},
		}},
	})

	run, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "fan"})
	require.NoError(t, err)
	f.drain(t)

	done, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, done.Status)
	squares := gjson.GetBytes(done.Context, "squares")
	require.True(t, squares.IsArray())
	values := squares.Array()
	require.Len(t, values, 3)
	assert.Equal(t, int64(1), values[0].Int())
	assert.Equal(t, int64(4), values[1].Int())
	assert.Equal(t, int64(9), values[2].Int())

	steps, err := f.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	// parent plus three children
	require.Len(t, steps, 4)
}

func TestPartitionedRunRecordsSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runtime.RegisterJob("build", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"rows": 10}`), nil
	})
	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "partitioned", Name: "Partitioned",
		Steps: []model.Step{{
			ID: "build", Type: model.StepTypeJob, JobSlug: "build",
			Produces: []model.AssetDeclaration{{
				AssetID: "Orders",
				Partitioning: &model.PartitioningSpec{
					Type:        model.PartitioningTimeWindow,
					Granularity: model.GranularityDay,
				},
			}},
		}},
	})

	_, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "partitioned"})
	require.Error(t, err)
	assert.Equal(t, errors.BadRequest, errors.ReasonForError(err))

	run, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "partitioned", PartitionKey: "2026-03-01"})
	require.NoError(t, err)
	f.drain(t)

	snapshots, err := f.store.ListSnapshotsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "orders", snapshots[0].AssetKey)
	assert.Equal(t, "2026-03-01", snapshots[0].PartitionKeyNormalized)

	step, err := f.store.GetRunStep(ctx, run.ID, "build")
	require.NoError(t, err)
	require.Len(t, step.ProducedAssets, 1)
	assert.Equal(t, snapshots[0].ID, step.ProducedAssets[0].SnapshotID)
}

func TestCancelActiveRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runtime.RegisterJob("noop", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return nil, nil
	})
	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "cancelable", Name: "Cancelable",
		Steps: []model.Step{{ID: "noop", Type: model.StepTypeJob, JobSlug: "noop"}},
	})

	run, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "cancelable"})
	require.NoError(t, err)

	canceled, err := f.executor.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, canceled.Status)

	// the queued task is a no-op now
	f.drain(t)
	done, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, done.Status)

	_, err = f.executor.Cancel(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestReplayStaleAssetGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assetSvc := assets.NewService(f.store, f.executor)
	f.executor.SetAssets(assetSvc)

	f.runtime.RegisterJob("build", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"ok": true}`), nil
	})
	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "replayable", Name: "Replayable",
		Steps: []model.Step{{
			ID: "build", Type: model.StepTypeJob, JobSlug: "build",
			Produces: []model.AssetDeclaration{{AssetID: "report"}},
		}},
	})

	run, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "replayable", Parameters: json.RawMessage(`{"day": 1}`)})
	require.NoError(t, err)
	f.drain(t)

	// fresh assets replay cleanly
	replayed, stale, err := f.executor.Replay(ctx, ReplayRequest{RunID: run.ID})
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Equal(t, TriggeredByAPI, replayed.TriggeredBy)
	assert.Equal(t, json.RawMessage(`{"day": 1}`), replayed.Parameters)
	f.drain(t)

	require.NoError(t, assetSvc.MarkStale(ctx, &model.StalePartition{
		WorkflowDefinitionID: run.WorkflowDefinitionID,
		AssetID:              "report",
	}))

	_, _, err = f.executor.Replay(ctx, ReplayRequest{RunID: run.ID})
	require.Error(t, err)
	assert.Equal(t, errors.StaleAssets, errors.ReasonForError(err))

	// a forced replay proceeds and reports what was stale
	forced, stale, err := f.executor.Replay(ctx, ReplayRequest{RunID: run.ID, AllowStaleAssets: true})
	require.NoError(t, err)
	assert.NotEmpty(t, forced.ID)
	require.Len(t, stale, 1)
	assert.Equal(t, "report", stale[0].AssetID)
}

func TestReplayPreservesTriggeredBy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runtime.RegisterJob("build", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"ok": true}`), nil
	})
	def := f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "triggered", Name: "Triggered",
		Steps: []model.Step{{ID: "build", Type: model.StepTypeJob, JobSlug: "build"}},
	})

	run, err := f.executor.Launch(ctx, triggers.LaunchRequest{
		WorkflowDefinitionID: def.ID,
		Parameters:           json.RawMessage(`{"order": "ORD-1"}`),
		TriggerID:            "tr-1",
		EventID:              "ev-1",
	})
	require.NoError(t, err)
	require.Equal(t, TriggeredByTrigger, run.TriggeredBy)
	f.drain(t)

	replayed, _, err := f.executor.Replay(ctx, ReplayRequest{RunID: run.ID})
	require.NoError(t, err)
	assert.Equal(t, TriggeredByTrigger, replayed.TriggeredBy)
	require.NotNil(t, replayed.Trigger)
	assert.Equal(t, "tr-1", replayed.Trigger.TriggerID)
	assert.Equal(t, json.RawMessage(`{"order": "ORD-1"}`), replayed.Parameters)
}

func TestDiffRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runtime.RegisterJob("emit", func(_ context.Context, req runtime.JobRequest) (json.RawMessage, error) {
		return req.Parameters, nil
	})
	f.createWorkflow(t, &model.WorkflowDefinition{
		Slug: "diffable", Name: "Diffable",
		Steps: []model.Step{{
			ID: "emit", Type: model.StepTypeJob, JobSlug: "emit",
			Parameters: json.RawMessage(`{"value": "{{parameters.value}}"}`),
			Produces:   []model.AssetDeclaration{{AssetID: "metric"}},
		}},
	})

	runA, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "diffable", Parameters: json.RawMessage(`{"value": "a"}`)})
	require.NoError(t, err)
	f.drain(t)
	runB, err := f.executor.CreateRun(ctx, CreateRequest{WorkflowSlug: "diffable", Parameters: json.RawMessage(`{"value": "b"}`)})
	require.NoError(t, err)
	f.drain(t)

	diff, err := f.executor.Diff(ctx, runA.ID, runB.ID)
	require.NoError(t, err)
	require.Len(t, diff.Parameters, 1)
	assert.Equal(t, "value", diff.Parameters[0].Path)
	assert.Equal(t, "a", diff.Parameters[0].Before)
	assert.Equal(t, "b", diff.Parameters[0].After)
	require.Len(t, diff.Assets, 1)
	assert.True(t, diff.Assets[0].InA)
	assert.True(t, diff.Assets[0].InB)
	assert.True(t, diff.Assets[0].Changed)
	require.Len(t, diff.StatusTransitions[runA.ID], 3)

	// self-diff is empty
	self, err := f.executor.Diff(ctx, runA.ID, runA.ID)
	require.NoError(t, err)
	assert.Empty(t, self.Parameters)
	assert.Empty(t, self.Output)
	for _, entry := range self.Assets {
		assert.False(t, entry.Changed)
	}
}
