/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/jsonutil"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/store"
)

// Lifecycle job-run statuses.
const (
	jobStatusRunning   = "running"
	jobStatusSucceeded = "succeeded"
	jobStatusFailed    = "failed"
)

// lifecycleTask is the queue payload for one lifecycle job.
type lifecycleTask struct {
	DatasetID string `json:"datasetId"`
	Job       string `json:"job"`
}

// Runner fans lifecycle work out through the queue. Sweeps enqueue one
// compaction and one retention task per active dataset, keyed by dataset id
// so jobs for the same dataset run in order; the audit pruner runs on its own
// cadence outside the queue.
type Runner struct {
	store     store.Interface
	queue     queue.Interface
	compactor *Compactor
	retention *Retention
	pruner    *AuditPruner

	interval      time.Duration
	pruneInterval time.Duration
	now           func() time.Time
}

func NewRunner(s store.Interface, q queue.Interface, compactor *Compactor, retention *Retention, pruner *AuditPruner) *Runner {
	return &Runner{
		store:         s,
		queue:         q,
		compactor:     compactor,
		retention:     retention,
		pruner:        pruner,
		interval:      config.GetLifecycleInterval(),
		pruneInterval: config.GetAuditPruneInterval(),
		now:           time.Now,
	}
}

// Register subscribes the lifecycle consumer on the queue.
func (r *Runner) Register(q *queue.Embedded) {
	q.Subscribe(queue.KindLifecycle, r.handleTask)
}

// Run sweeps until the context is canceled.
func (r *Runner) Run(ctx context.Context) {
	sweep := time.NewTicker(r.interval)
	defer sweep.Stop()
	prune := time.NewTicker(r.pruneInterval)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if err := r.Sweep(ctx); err != nil {
				klog.ErrorS(err, "lifecycle sweep failed")
			}
		case <-prune.C:
			r.runPrune(ctx)
		}
	}
}

// Sweep enqueues compaction then retention for every active dataset.
func (r *Runner) Sweep(ctx context.Context) error {
	datasets, err := r.store.ListDatasets(ctx, model.DatasetStatusActive)
	if err != nil {
		return err
	}
	var errs error
	for i := range datasets {
		for _, job := range []string{model.LifecycleJobCompaction, model.LifecycleJobRetention} {
			payload, _ := json.Marshal(lifecycleTask{DatasetID: datasets[i].ID, Job: job})
			if err := r.queue.Enqueue(ctx, queue.KindLifecycle, datasets[i].ID, payload); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

func (r *Runner) handleTask(ctx context.Context, task *queue.Task) error {
	var t lifecycleTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		klog.ErrorS(err, "discarding undecodable lifecycle task", "task", task.ID)
		return nil
	}
	dataset, err := r.store.GetDataset(ctx, t.DatasetID)
	if errors.IsNotFound(err) {
		klog.V(2).InfoS("dropping lifecycle task for vanished dataset", "dataset", t.DatasetID)
		return nil
	}
	if err != nil {
		return err
	}

	jobRun := r.startJob(ctx, t.Job, dataset.ID)
	var stats interface{}
	switch t.Job {
	case model.LifecycleJobCompaction:
		stats, err = r.compactor.CompactDataset(ctx, dataset)
	case model.LifecycleJobRetention:
		var expired int
		expired, err = r.retention.Apply(ctx, dataset)
		stats = map[string]int{"expired": expired}
	default:
		klog.ErrorS(nil, "discarding lifecycle task with unknown job", "job", t.Job, "task", task.ID)
		r.finishJob(ctx, jobRun, nil, nil)
		return nil
	}
	r.finishJob(ctx, jobRun, stats, err)
	return err
}

func (r *Runner) runPrune(ctx context.Context) {
	jobRun := r.startJob(ctx, model.LifecycleJobAuditPrune, "")
	deleted, err := r.pruner.PruneOnce(ctx)
	r.finishJob(ctx, jobRun, map[string]int{"deleted": deleted}, err)
}

func (r *Runner) startJob(ctx context.Context, kind, datasetID string) *model.LifecycleJobRun {
	jobRun := &model.LifecycleJobRun{
		JobKind:   kind,
		DatasetID: datasetID,
		Status:    jobStatusRunning,
		StartedAt: r.now().UTC(),
	}
	if err := r.store.InsertLifecycleJobRun(ctx, jobRun); err != nil {
		klog.ErrorS(err, "failed to record lifecycle job run", "kind", kind, "dataset", datasetID)
	}
	return jobRun
}

func (r *Runner) finishJob(ctx context.Context, jobRun *model.LifecycleJobRun, stats interface{}, cause error) {
	completed := r.now().UTC()
	jobRun.CompletedAt = &completed
	duration := completed.Sub(jobRun.StartedAt).Milliseconds()
	jobRun.DurationMs = &duration
	if cause != nil {
		jobRun.Status = jobStatusFailed
		jobRun.Error = cause.Error()
	} else {
		jobRun.Status = jobStatusSucceeded
	}
	if stats != nil {
		jobRun.Stats = jsonutil.MarshalSilently(stats)
	}
	if err := r.store.UpdateLifecycleJobRun(ctx, jobRun); err != nil {
		klog.ErrorS(err, "failed to update lifecycle job run", "id", jobRun.ID)
	}
}
