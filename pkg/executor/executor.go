/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package executor creates workflow runs and drives their DAGs to
// completion. Runs are dispatched through the queue substrate keyed by run
// key, so two runs sharing a key never execute concurrently.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/assets"
	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/runtime"
	"github.com/openfathom/fathom/pkg/schedules"
	"github.com/openfathom/fathom/pkg/serviceclient"
	"github.com/openfathom/fathom/pkg/store"
	"github.com/openfathom/fathom/pkg/triggers"
)

// Triggered-by labels recorded on runs and metrics.
const (
	TriggeredByAPI      = "api"
	TriggeredByTrigger  = "trigger"
	TriggeredBySchedule = "schedule"
	TriggeredByAuto     = "auto-materialize"
)

// runTask is the queue payload for one run.
type runTask struct {
	RunID string `json:"runId"`
}

// Executor owns run creation and step execution.
type Executor struct {
	store    store.Interface
	queue    queue.Interface
	jobs     runtime.JobRuntime
	services *serviceclient.Client
	assets   *assets.Service

	workers     int
	stepTimeout time.Duration
	heartbeat   time.Duration
	now         func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(s store.Interface, q queue.Interface, jobs runtime.JobRuntime, services *serviceclient.Client) *Executor {
	return &Executor{
		store:       s,
		queue:       q,
		jobs:        jobs,
		services:    services,
		workers:     config.GetExecutorWorkerConcurrent(),
		stepTimeout: config.GetExecutorStepTimeout(),
		heartbeat:   config.GetExecutorHeartbeatInterval(),
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetAssets wires the asset service in after construction; the asset service
// itself needs the executor as its run launcher.
func (e *Executor) SetAssets(svc *assets.Service) {
	e.assets = svc
}

// Register subscribes the run consumer on the queue.
func (e *Executor) Register(q *queue.Embedded) {
	q.SubscribeWithVisibility(queue.KindRun, e.handleTask, e.stepTimeout)
}

func (e *Executor) handleTask(ctx context.Context, task *queue.Task) error {
	var payload runTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		klog.ErrorS(err, "discarding undecodable run task", "task", task.ID)
		return nil
	}
	return e.ProcessRun(ctx, payload.RunID)
}

// CreateRequest asks for a new run of a workflow.
type CreateRequest struct {
	WorkflowDefinitionID string
	WorkflowSlug         string
	Parameters           json.RawMessage
	RunKey               string
	PartitionKey         string
	TriggeredBy          string
	Trigger              *model.TriggerContext
}

// CreateRun validates the request, inserts the run, and enqueues it. A
// second active run with the same normalized run key fails with a
// run-key-conflict carrying the existing run.
func (e *Executor) CreateRun(ctx context.Context, req CreateRequest) (*model.WorkflowRun, error) {
	def, err := e.resolveWorkflow(ctx, req)
	if err != nil {
		return nil, err
	}
	if def.Dag == nil || len(def.Dag.TopologicalOrder) == 0 {
		return nil, errors.NewInternalError(fmt.Sprintf("workflow %s has no validated dag", def.Slug))
	}

	parameters := req.Parameters
	if len(parameters) == 0 {
		parameters = def.DefaultParameters
	}

	partitionKey, err := validateRunPartitionKey(def, req.PartitionKey)
	if err != nil {
		return nil, err
	}

	run := &model.WorkflowRun{
		WorkflowDefinitionID: def.ID,
		Status:               model.RunStatusPending,
		Parameters:           parameters,
		PartitionKey:         partitionKey,
		TriggeredBy:          req.TriggeredBy,
		Trigger:              req.Trigger,
		Metrics:              model.RunMetrics{TotalSteps: len(def.Dag.TopologicalOrder)},
	}
	if run.TriggeredBy == "" {
		run.TriggeredBy = TriggeredByAPI
	}
	if req.RunKey != "" {
		normalized, err := model.NormalizeRunKey(req.RunKey)
		if err != nil {
			return nil, err
		}
		run.RunKey = req.RunKey
		run.RunKeyNormalized = normalized
	}

	created, err := e.store.CreateRun(ctx, run)
	if err != nil {
		if errors.IsConflict(err) && run.RunKeyNormalized != "" {
			existing, lookupErr := e.store.GetActiveRunByKey(ctx, def.ID, run.RunKeyNormalized)
			if lookupErr != nil {
				return nil, err
			}
			return nil, errors.NewConflict(fmt.Sprintf("an active run with key %q already exists", run.RunKey)).
				WithDetail(map[string]interface{}{"reason": "run-key-conflict", "run": existing})
		}
		return nil, err
	}
	metrics.RunsCreated.WithLabelValues(created.TriggeredBy).Inc()

	key := created.RunKeyNormalized
	if key == "" {
		key = created.ID
	}
	payload, _ := json.Marshal(runTask{RunID: created.ID})
	if err := e.queue.Enqueue(ctx, queue.KindRun, key, payload); err != nil {
		created.Status = model.RunStatusFailed
		created.ErrorMessage = err.Error()
		completed := e.now().UTC()
		created.CompletedAt = &completed
		duration := int64(0)
		created.DurationMs = &duration
		if updateErr := e.store.UpdateRun(ctx, created); updateErr != nil {
			klog.ErrorS(updateErr, "failed to mark unqueued run failed", "run", created.ID)
		}
		metrics.RunsCompleted.WithLabelValues(model.RunStatusFailed).Inc()
		return nil, err
	}
	return created, nil
}

func (e *Executor) resolveWorkflow(ctx context.Context, req CreateRequest) (*model.WorkflowDefinition, error) {
	if req.WorkflowDefinitionID != "" {
		return e.store.GetWorkflow(ctx, req.WorkflowDefinitionID)
	}
	if req.WorkflowSlug != "" {
		return e.store.GetWorkflowBySlug(ctx, req.WorkflowSlug)
	}
	return nil, errors.NewBadRequest("workflow id or slug is required")
}

// validateRunPartitionKey enforces the partition-key contract: required when
// any step produces a partitioned asset, and valid against every declared
// partitioning spec.
func validateRunPartitionKey(def *model.WorkflowDefinition, key string) (string, error) {
	partitioned := def.PartitionedAssets()
	if len(partitioned) == 0 {
		return key, nil
	}
	if key == "" {
		return "", errors.NewBadRequest(fmt.Sprintf("workflow %s produces partitioned assets; partitionKey is required", def.Slug))
	}
	for i := range partitioned {
		if _, err := model.ValidatePartitionKey(partitioned[i].Partitioning, key); err != nil {
			return "", err
		}
	}
	return key, nil
}

// Cancel moves an active run to canceled.
func (e *Executor) Cancel(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminalRunStatus(run.Status) {
		return nil, errors.NewConflict(fmt.Sprintf("run %s is already %s", runID, run.Status))
	}
	run.Status = model.RunStatusCanceled
	completed := e.now().UTC()
	run.CompletedAt = &completed
	if run.StartedAt != nil {
		duration := completed.Sub(*run.StartedAt).Milliseconds()
		run.DurationMs = &duration
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	metrics.RunsCompleted.WithLabelValues(model.RunStatusCanceled).Inc()
	return run, nil
}

// Launch implements the trigger pipeline's run launcher.
func (e *Executor) Launch(ctx context.Context, req triggers.LaunchRequest) (*model.WorkflowRun, error) {
	return e.CreateRun(ctx, CreateRequest{
		WorkflowDefinitionID: req.WorkflowDefinitionID,
		Parameters:           req.Parameters,
		RunKey:               req.RunKey,
		TriggeredBy:          TriggeredByTrigger,
		Trigger: &model.TriggerContext{
			Kind:       TriggeredByTrigger,
			TriggerID:  req.TriggerID,
			EventID:    req.EventID,
			DeliveryID: req.DeliveryID,
		},
	})
}

// LaunchScheduled implements the schedule engine's run launcher.
func (e *Executor) LaunchScheduled(ctx context.Context, schedule *model.Schedule, window model.ScheduleWindow, runKey string) (*model.WorkflowRun, error) {
	detail, _ := json.Marshal(window)
	return e.CreateRun(ctx, CreateRequest{
		WorkflowDefinitionID: schedule.WorkflowDefinitionID,
		Parameters:           schedule.Parameters,
		RunKey:               runKey,
		TriggeredBy:          TriggeredBySchedule,
		Trigger: &model.TriggerContext{
			Kind:       TriggeredBySchedule,
			ScheduleID: schedule.ID,
			Detail:     detail,
		},
	})
}

// LaunchAutoRun implements the asset service's run launcher.
func (e *Executor) LaunchAutoRun(ctx context.Context, req assets.AutoRunRequest) (*model.WorkflowRun, error) {
	detail, _ := json.Marshal(map[string]string{
		"assetKey":     req.AssetKey,
		"partitionKey": req.PartitionKey,
		"reason":       req.Reason,
	})
	return e.CreateRun(ctx, CreateRequest{
		WorkflowDefinitionID: req.WorkflowDefinitionID,
		Parameters:           req.Parameters,
		PartitionKey:         req.PartitionKey,
		TriggeredBy:          TriggeredByAuto,
		Trigger: &model.TriggerContext{
			Kind:   TriggeredByAuto,
			Detail: detail,
		},
	})
}

func (e *Executor) retryDelay(policy model.RetryPolicy, attempt int) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return backoffDelay(policy, attempt, e.rng)
}

var (
	_ triggers.RunLauncher  = (*Executor)(nil)
	_ schedules.RunLauncher = (*Executor)(nil)
	_ assets.RunLauncher    = (*Executor)(nil)
)
