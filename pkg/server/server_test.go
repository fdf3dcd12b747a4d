/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openfathom/fathom/pkg/assets"
	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/events"
	"github.com/openfathom/fathom/pkg/executor"
	"github.com/openfathom/fathom/pkg/handlers"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/runtime"
	"github.com/openfathom/fathom/pkg/schedules"
	"github.com/openfathom/fathom/pkg/serviceclient"
	"github.com/openfathom/fathom/pkg/store"
	"github.com/openfathom/fathom/pkg/timeline"
	"github.com/openfathom/fathom/pkg/triggers"
	"github.com/openfathom/fathom/pkg/workflow"
)

// embeddedRig runs the full engine against the in-memory store with a live
// queue, the way the server wires it, minus the network listener.
type embeddedRig struct {
	store  *store.Memory
	queue  *queue.Embedded
	jobs   *runtime.Memory
	assets *assets.Service
	engine *gin.Engine
}

func newEmbeddedRig(t *testing.T) *embeddedRig {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.SetValue("auth.token_required", false)

	m := store.NewMemory()
	q := queue.NewEmbedded(queue.WithShards(2), queue.WithRetryDelay(10*time.Millisecond))
	jobs := runtime.NewMemory()

	exec := executor.New(m, q, jobs, serviceclient.New(jobs))
	assetSvc := assets.NewService(m, exec)
	exec.SetAssets(assetSvc)

	exec.Register(q)
	triggers.NewEngine(m, exec).Register(q)

	h := handlers.NewHandler(m,
		events.NewService(m, q),
		workflow.NewService(m, jobs),
		exec,
		triggers.NewService(m),
		schedules.NewService(m),
		assetSvc,
		assets.NewGraphCache(m),
		timeline.NewService(m),
	)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Stop()
	})
	return &embeddedRig{store: m, queue: q, jobs: jobs, assets: assetSvc, engine: handlers.InitRouters(h)}
}

func (r *embeddedRig) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	r.engine.ServeHTTP(recorder, req)
	return recorder
}

func (r *embeddedRig) waitForRunStatus(t *testing.T, runID, status string) *model.WorkflowRun {
	t.Helper()
	var run *model.WorkflowRun
	require.Eventually(t, func() bool {
		var err error
		run, err = r.store.GetRun(context.Background(), runID)
		return err == nil && run.Status == status
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached status %s", runID, status)
	return run
}

func TestCreateAndRunWorkflowEndToEnd(t *testing.T) {
	r := newEmbeddedRig(t)
	r.jobs.RegisterJob("j", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"ok": true}`), nil
	})

	resp := r.do(t, http.MethodPost, "/workflows", gin.H{
		"slug": "w1",
		"name": "W1",
		"steps": []gin.H{
			{"id": "a", "type": "job", "jobSlug": "j"},
			{"id": "b", "type": "job", "jobSlug": "j", "dependsOn": []string{"a"}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = r.do(t, http.MethodPost, "/workflows/w1/run", gin.H{})
	require.Equal(t, http.StatusAccepted, resp.Code)
	runID := gjson.Get(resp.Body.String(), "data.id").String()
	require.NotEmpty(t, runID)

	r.waitForRunStatus(t, runID, model.RunStatusSucceeded)

	resp = r.do(t, http.MethodGet, "/workflow-runs/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.RunStatusSucceeded, gjson.Get(resp.Body.String(), "data.status").String())

	steps, err := r.store.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for i := range steps {
		assert.Equal(t, model.StepStatusSucceeded, steps[i].Status)
	}
}

func TestEventTriggerLaunchesRunEndToEnd(t *testing.T) {
	r := newEmbeddedRig(t)
	r.jobs.RegisterJob("handle-order", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"handled": true}`), nil
	})

	resp := r.do(t, http.MethodPost, "/workflows", gin.H{
		"slug":  "order-intake",
		"name":  "Order intake",
		"steps": []gin.H{{"id": "handle", "type": "job", "jobSlug": "handle-order"}},
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	workflowID := gjson.Get(resp.Body.String(), "data.id").String()

	resp = r.do(t, http.MethodPost, "/workflows/order-intake/triggers", gin.H{
		"eventType":   "order.created",
		"eventSource": "billing",
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = r.do(t, http.MethodPost, "/v1/events", gin.H{
		"type":    "order.created",
		"source":  "billing",
		"payload": gin.H{"orderId": "o-77"},
	})
	require.Equal(t, http.StatusAccepted, resp.Code)

	var run *model.WorkflowRun
	require.Eventually(t, func() bool {
		runs, err := r.store.ListRuns(context.Background(), store.RunQuery{WorkflowDefinitionID: workflowID})
		if err != nil || len(runs) == 0 {
			return false
		}
		run = &runs[0]
		return run.Status == model.RunStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond, "trigger never launched a successful run")
	assert.Equal(t, executor.TriggeredByTrigger, run.TriggeredBy)
}

func TestReplayStaleAssetGatingOverHTTP(t *testing.T) {
	r := newEmbeddedRig(t)
	r.jobs.RegisterJob("build", func(context.Context, runtime.JobRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"ok": true}`), nil
	})

	resp := r.do(t, http.MethodPost, "/workflows", gin.H{
		"slug": "replayable",
		"name": "Replayable",
		"steps": []gin.H{{
			"id": "build", "type": "job", "jobSlug": "build",
			"produces": []gin.H{{"assetId": "report"}},
		}},
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = r.do(t, http.MethodPost, "/workflows/replayable/run", gin.H{})
	require.Equal(t, http.StatusAccepted, resp.Code)
	runID := gjson.Get(resp.Body.String(), "data.id").String()
	run := r.waitForRunStatus(t, runID, model.RunStatusSucceeded)

	require.NoError(t, r.assets.MarkStale(context.Background(), &model.StalePartition{
		WorkflowDefinitionID: run.WorkflowDefinitionID,
		AssetID:              "report",
	}))

	resp = r.do(t, http.MethodPost, "/workflow-runs/"+runID+"/replay", nil)
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "stale_assets", gjson.Get(resp.Body.String(), "code").String())
	assert.NotEmpty(t, gjson.Get(resp.Body.String(), "data.staleAssets").Raw)

	resp = r.do(t, http.MethodPost, "/workflow-runs/"+runID+"/replay", gin.H{"allowStaleAssets": true})
	require.Equal(t, http.StatusAccepted, resp.Code)
	replayID := gjson.Get(resp.Body.String(), "data.run.id").String()
	require.NotEmpty(t, replayID)
	assert.Equal(t, "report", gjson.Get(resp.Body.String(), "data.staleAssets.0.assetId").String())
	r.waitForRunStatus(t, replayID, model.RunStatusSucceeded)
}
