/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/jsonutil"
	"github.com/openfathom/fathom/pkg/model"
)

// ReplayRequest re-runs a source run with its original inputs.
type ReplayRequest struct {
	RunID            string
	AllowStaleAssets bool
}

// Replay creates a new run carrying the source run's parameters, trigger
// context, partition key, and triggeredBy. A source run whose produced assets
// have gone stale is rejected unless allowStaleAssets is set; the stale
// snapshots are returned either way so forced replays can report them.
func (e *Executor) Replay(ctx context.Context, req ReplayRequest) (*model.WorkflowRun, []model.AssetSnapshot, error) {
	source, err := e.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, nil, err
	}
	var stale []model.AssetSnapshot
	if e.assets != nil {
		if stale, err = e.assets.StaleProducedAssets(ctx, source.ID); err != nil {
			return nil, nil, err
		}
	}
	if len(stale) > 0 && !req.AllowStaleAssets {
		return nil, stale, errors.NewStaleAssets(
			fmt.Sprintf("run %s produced %d stale asset(s); pass allowStaleAssets to replay anyway", source.ID, len(stale)),
			StaleAssetRefs(stale))
	}
	run, err := e.CreateRun(ctx, CreateRequest{
		WorkflowDefinitionID: source.WorkflowDefinitionID,
		Parameters:           source.Parameters,
		PartitionKey:         source.PartitionKey,
		TriggeredBy:          source.TriggeredBy,
		Trigger:              source.Trigger,
	})
	if err != nil {
		return nil, nil, err
	}
	return run, stale, nil
}

// StaleAssetRefs reduces snapshots to the {assetId, partitionKey} pairs the
// API reports.
func StaleAssetRefs(stale []model.AssetSnapshot) []map[string]string {
	refs := make([]map[string]string, 0, len(stale))
	for i := range stale {
		refs = append(refs, map[string]string{
			"assetId":      stale[i].AssetID,
			"partitionKey": stale[i].PartitionKey,
		})
	}
	return refs
}

// AssetDiffEntry compares one (assetId, partitionKey) pair across two runs.
type AssetDiffEntry struct {
	AssetID      string     `json:"assetId"`
	PartitionKey string     `json:"partitionKey,omitempty"`
	InA          bool       `json:"inA"`
	InB          bool       `json:"inB"`
	ProducedAtA  *time.Time `json:"producedAtA,omitempty"`
	ProducedAtB  *time.Time `json:"producedAtB,omitempty"`
	Changed      bool       `json:"changed"`
}

// RunDiff is the full comparison of two runs of the same workflow.
type RunDiff struct {
	RunA              string                      `json:"runA"`
	RunB              string                      `json:"runB"`
	Parameters        []jsonutil.DiffEntry        `json:"parameters"`
	Context           []jsonutil.DiffEntry        `json:"context"`
	Output            []jsonutil.DiffEntry        `json:"output"`
	StatusTransitions map[string][]model.RunStatusTransition `json:"statusTransitions"`
	Assets            []AssetDiffEntry            `json:"assets"`
	StaleWarnings     []string                    `json:"staleWarnings,omitempty"`
}

// Diff compares two runs of the same workflow definition.
func (e *Executor) Diff(ctx context.Context, runIDA, runIDB string) (*RunDiff, error) {
	runA, err := e.store.GetRun(ctx, runIDA)
	if err != nil {
		return nil, err
	}
	runB, err := e.store.GetRun(ctx, runIDB)
	if err != nil {
		return nil, err
	}
	if runA.WorkflowDefinitionID != runB.WorkflowDefinitionID {
		return nil, errors.NewBadRequest("runs belong to different workflow definitions")
	}

	diff := &RunDiff{
		RunA:       runA.ID,
		RunB:       runB.ID,
		Parameters: jsonutil.Diff(runA.Parameters, runB.Parameters),
		Context:    jsonutil.Diff(runA.Context, runB.Context),
		Output:     jsonutil.Diff(runA.Output, runB.Output),
		StatusTransitions: map[string][]model.RunStatusTransition{
			runA.ID: statusTransitions(runA),
			runB.ID: statusTransitions(runB),
		},
	}

	assetsDiff, err := e.diffAssets(ctx, runA.ID, runB.ID)
	if err != nil {
		return nil, err
	}
	diff.Assets = assetsDiff

	if e.assets != nil {
		warnings, err := e.staleWarnings(ctx, runA.ID, runB.ID)
		if err != nil {
			return nil, err
		}
		diff.StaleWarnings = warnings
	}
	return diff, nil
}

// statusTransitions reconstructs a run's status history from its timestamps.
func statusTransitions(run *model.WorkflowRun) []model.RunStatusTransition {
	transitions := []model.RunStatusTransition{
		{Status: model.RunStatusPending, Timestamp: run.CreatedAt},
	}
	if run.StartedAt != nil {
		transitions = append(transitions, model.RunStatusTransition{
			Status:    model.RunStatusRunning,
			Timestamp: *run.StartedAt,
		})
	}
	if run.CompletedAt != nil && model.IsTerminalRunStatus(run.Status) {
		transitions = append(transitions, model.RunStatusTransition{
			Status:    run.Status,
			StepID:    run.CurrentStepID,
			Timestamp: *run.CompletedAt,
			Detail:    run.ErrorMessage,
		})
	}
	return transitions
}

func (e *Executor) diffAssets(ctx context.Context, runIDA, runIDB string) ([]AssetDiffEntry, error) {
	snapshotsA, err := e.store.ListSnapshotsForRun(ctx, runIDA)
	if err != nil {
		return nil, err
	}
	snapshotsB, err := e.store.ListSnapshotsForRun(ctx, runIDB)
	if err != nil {
		return nil, err
	}
	type key struct{ assetID, partitionKey string }
	byKeyA := make(map[key]*model.AssetSnapshot, len(snapshotsA))
	for i := range snapshotsA {
		byKeyA[key{snapshotsA[i].AssetID, snapshotsA[i].PartitionKey}] = &snapshotsA[i]
	}
	byKeyB := make(map[key]*model.AssetSnapshot, len(snapshotsB))
	for i := range snapshotsB {
		byKeyB[key{snapshotsB[i].AssetID, snapshotsB[i].PartitionKey}] = &snapshotsB[i]
	}
	keys := make(map[key]bool, len(byKeyA)+len(byKeyB))
	for k := range byKeyA {
		keys[k] = true
	}
	for k := range byKeyB {
		keys[k] = true
	}
	entries := make([]AssetDiffEntry, 0, len(keys))
	for k := range keys {
		a, b := byKeyA[k], byKeyB[k]
		entry := AssetDiffEntry{AssetID: k.assetID, PartitionKey: k.partitionKey, InA: a != nil, InB: b != nil}
		if a != nil {
			producedAt := a.ProducedAt
			entry.ProducedAtA = &producedAt
		}
		if b != nil {
			producedAt := b.ProducedAt
			entry.ProducedAtB = &producedAt
		}
		if a != nil && b != nil {
			entry.Changed = !jsonutil.Equal(a.Payload, b.Payload)
		} else {
			entry.Changed = true
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AssetID != entries[j].AssetID {
			return entries[i].AssetID < entries[j].AssetID
		}
		return entries[i].PartitionKey < entries[j].PartitionKey
	})
	return entries, nil
}

// staleWarnings is the union of both runs' stale produced assets.
func (e *Executor) staleWarnings(ctx context.Context, runIDs ...string) ([]string, error) {
	seen := make(map[string]bool)
	var warnings []string
	for _, runID := range runIDs {
		stale, err := e.assets.StaleProducedAssets(ctx, runID)
		if err != nil {
			return nil, err
		}
		for i := range stale {
			msg := fmt.Sprintf("asset %s partition %q is stale", stale[i].AssetID, stale[i].PartitionKey)
			if !seen[msg] {
				seen[msg] = true
				warnings = append(warnings, msg)
			}
		}
	}
	sort.Strings(warnings)
	return warnings, nil
}
