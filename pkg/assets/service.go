/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

const claimOwner = "auto-materializer"

// AutoRunRequest asks the executor for an auto-materialization run.
type AutoRunRequest struct {
	WorkflowDefinitionID   string
	AssetID                string
	AssetKey               string
	PartitionKey           string
	PartitionKeyNormalized string
	Reason                 string
	Parameters             json.RawMessage
}

// RunLauncher decouples auto-materialization from the executor.
type RunLauncher interface {
	LaunchAutoRun(ctx context.Context, req AutoRunRequest) (*model.WorkflowRun, error)
}

// Service answers staleness questions and drives auto-materialize claims.
type Service struct {
	store    store.Interface
	launcher RunLauncher
	now      func() time.Time
}

func NewService(s store.Interface, launcher RunLauncher) *Service {
	return &Service{store: s, launcher: launcher, now: time.Now}
}

// Graph builds the asset graph from every persisted declaration.
func (s *Service) Graph(ctx context.Context) (*Graph, error) {
	declarations, err := s.store.ListAllDeclarations(ctx)
	if err != nil {
		return nil, err
	}
	return BuildGraph(declarations), nil
}

// IsStale reports whether (asset, partition) needs rematerialization: an
// explicit stale mark, or a direct upstream with a newer materialization.
func (s *Service) IsStale(ctx context.Context, graph *Graph, workflowID, assetKey, partitionKeyNormalized string) (bool, error) {
	marked, err := s.store.IsStalePartition(ctx, workflowID, assetKey, partitionKeyNormalized)
	if err != nil {
		return false, err
	}
	if marked {
		return true, nil
	}
	latest, err := s.store.LatestSnapshot(ctx, workflowID, assetKey, partitionKeyNormalized)
	if err != nil {
		if errors.IsNotFound(err) {
			// never materialized; stale only if an upstream exists
			return s.anyUpstreamSnapshot(ctx, graph, assetKey, partitionKeyNormalized)
		}
		return false, err
	}
	for _, upstream := range graph.Upstream(assetKey) {
		newer, err := s.upstreamNewerThan(ctx, upstream, partitionKeyNormalized, latest.ProducedAt)
		if err != nil {
			return false, err
		}
		if newer {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) anyUpstreamSnapshot(ctx context.Context, graph *Graph, assetKey, partitionKeyNormalized string) (bool, error) {
	for _, upstream := range graph.Upstream(assetKey) {
		if _, err := s.latestUpstream(ctx, upstream, partitionKeyNormalized); err == nil {
			return true, nil
		} else if !errors.IsNotFound(err) {
			return false, err
		}
	}
	return false, nil
}

func (s *Service) upstreamNewerThan(ctx context.Context, assetKey, partitionKeyNormalized string, producedAt time.Time) (bool, error) {
	snapshot, err := s.latestUpstream(ctx, assetKey, partitionKeyNormalized)
	if err != nil {
		return false, errors.IgnoreNotFound(err)
	}
	return snapshot.ProducedAt.After(producedAt), nil
}

// latestUpstream prefers the matching partition and falls back to the
// unpartitioned snapshot of the upstream asset.
func (s *Service) latestUpstream(ctx context.Context, assetKey, partitionKeyNormalized string) (*model.AssetSnapshot, error) {
	snapshot, err := s.store.LatestSnapshot(ctx, "", assetKey, partitionKeyNormalized)
	if err == nil || partitionKeyNormalized == "" || !errors.IsNotFound(err) {
		return snapshot, err
	}
	return s.store.LatestSnapshot(ctx, "", assetKey, "")
}

// MarkStale records an explicit stale mark for (asset, partition).
func (s *Service) MarkStale(ctx context.Context, stale *model.StalePartition) error {
	if stale.AssetKey == "" {
		stale.AssetKey = model.NormalizeAssetKey(stale.AssetID)
	}
	if stale.PartitionKeyNormalized == "" {
		stale.PartitionKeyNormalized = stale.PartitionKey
	}
	if stale.MarkedAt.IsZero() {
		stale.MarkedAt = s.now().UTC()
	}
	return s.store.MarkStalePartition(ctx, stale)
}

// StaleProducedAssets returns the stale subset of a run's produced
// snapshots, for replay gating and diffing.
func (s *Service) StaleProducedAssets(ctx context.Context, runID string) ([]model.AssetSnapshot, error) {
	snapshots, err := s.store.ListSnapshotsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	graph, err := s.Graph(ctx)
	if err != nil {
		return nil, err
	}
	var stale []model.AssetSnapshot
	for i := range snapshots {
		snapshot := &snapshots[i]
		isStale, err := s.IsStale(ctx, graph, snapshot.WorkflowDefinitionID, snapshot.AssetKey, snapshot.PartitionKeyNormalized)
		if err != nil {
			return nil, err
		}
		if isStale {
			stale = append(stale, *snapshot)
		}
	}
	return stale, nil
}

// cooldown doubles the base per consecutive failure, capped at the
// configured max.
func cooldown(failures int) time.Duration {
	delay := config.GetAssetCooldownBase()
	max := config.GetAssetCooldownMax()
	for i := 1; i < failures; i++ {
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

// RequestAutoRun claims (workflow, asset, partition) and launches a
// materialization run. A live claim or an unexpired cooldown blocks the
// request.
func (s *Service) RequestAutoRun(ctx context.Context, req AutoRunRequest) (*model.AutoRunClaim, error) {
	now := s.now().UTC()
	if req.AssetKey == "" {
		req.AssetKey = model.NormalizeAssetKey(req.AssetID)
	}
	if req.PartitionKeyNormalized == "" {
		req.PartitionKeyNormalized = req.PartitionKey
	}

	latest, err := s.store.LatestClaim(ctx, req.WorkflowDefinitionID, req.AssetKey, req.PartitionKeyNormalized)
	if err == nil && latest.NextEligibleAt != nil && latest.NextEligibleAt.After(now) {
		return nil, errors.NewThrottled(fmt.Sprintf("asset %s partition %q is cooling down until %s",
			req.AssetKey, req.PartitionKeyNormalized, latest.NextEligibleAt.Format(time.RFC3339)))
	}
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}

	claim := &model.AutoRunClaim{
		WorkflowDefinitionID:   req.WorkflowDefinitionID,
		AssetID:                req.AssetID,
		AssetKey:               req.AssetKey,
		PartitionKey:           req.PartitionKey,
		PartitionKeyNormalized: req.PartitionKeyNormalized,
		Status:                 model.ClaimStatusActive,
		Reason:                 req.Reason,
		ClaimOwner:             claimOwner,
	}
	if latest != nil && err == nil {
		claim.Failures = latest.Failures
	}
	if err := s.store.CreateClaim(ctx, claim); err != nil {
		return nil, err
	}
	metrics.ClaimsActive.Inc()

	run, err := s.launcher.LaunchAutoRun(ctx, req)
	if err != nil {
		if failErr := s.failClaim(ctx, claim, err.Error()); failErr != nil {
			klog.ErrorS(failErr, "failed to mark claim failed", "claim", claim.ID)
		}
		return nil, err
	}
	claim.WorkflowRunID = run.ID
	if err := s.store.UpdateClaim(ctx, claim); err != nil {
		return nil, err
	}
	return claim, nil
}

// OnUpstreamUpdate reacts to a fresh snapshot: downstream assets opted into
// auto-materialize get marked stale and claimed.
func (s *Service) OnUpstreamUpdate(ctx context.Context, snapshot *model.AssetSnapshot) error {
	graph, err := s.Graph(ctx)
	if err != nil {
		return err
	}
	for _, downstreamKey := range graph.Downstream(snapshot.AssetKey) {
		node := graph.Nodes[downstreamKey]
		if node == nil {
			continue
		}
		for _, producer := range node.Producers {
			policy := producer.AutoMaterialize
			if policy == nil || !policy.Enabled || !policy.OnUpstreamUpdate {
				continue
			}
			if err := s.MarkStale(ctx, &model.StalePartition{
				WorkflowDefinitionID:   producer.WorkflowDefinitionID,
				AssetID:                node.AssetID,
				AssetKey:               downstreamKey,
				PartitionKey:           snapshot.PartitionKey,
				PartitionKeyNormalized: snapshot.PartitionKeyNormalized,
				RequestedBy:            claimOwner,
				Note:                   fmt.Sprintf("upstream %s updated", snapshot.AssetKey),
			}); err != nil {
				return err
			}
			_, err := s.RequestAutoRun(ctx, AutoRunRequest{
				WorkflowDefinitionID:   producer.WorkflowDefinitionID,
				AssetID:                node.AssetID,
				AssetKey:               downstreamKey,
				PartitionKey:           snapshot.PartitionKey,
				PartitionKeyNormalized: snapshot.PartitionKeyNormalized,
				Reason:                 "upstream_update",
				Parameters:             policy.ParameterDefaults,
			})
			if err != nil && !errors.IsConflict(err) && errors.ReasonForError(err) != errors.Throttled {
				klog.ErrorS(err, "auto-materialize request failed",
					"workflow", producer.WorkflowDefinitionID, "asset", downstreamKey)
			}
		}
	}
	return nil
}

// OnRunSucceeded releases the claim held by runID and clears the stale
// mark.
func (s *Service) OnRunSucceeded(ctx context.Context, runID string) error {
	claim, err := s.store.GetClaimByRunID(ctx, runID)
	if err != nil {
		return errors.IgnoreNotFound(err)
	}
	if claim.Status != model.ClaimStatusActive {
		return nil
	}
	claim.Status = model.ClaimStatusReleased
	claim.Failures = 0
	claim.NextEligibleAt = nil
	claim.LastError = ""
	if err := s.store.UpdateClaim(ctx, claim); err != nil {
		return err
	}
	metrics.ClaimsActive.Dec()
	return s.store.UnmarkStalePartition(ctx, claim.WorkflowDefinitionID, claim.AssetKey, claim.PartitionKeyNormalized)
}

// OnRunFailed fails the claim held by runID and starts the cooldown.
func (s *Service) OnRunFailed(ctx context.Context, runID, reason string) error {
	claim, err := s.store.GetClaimByRunID(ctx, runID)
	if err != nil {
		return errors.IgnoreNotFound(err)
	}
	if claim.Status != model.ClaimStatusActive {
		return nil
	}
	return s.failClaim(ctx, claim, reason)
}

func (s *Service) failClaim(ctx context.Context, claim *model.AutoRunClaim, reason string) error {
	claim.Status = model.ClaimStatusFailed
	claim.Failures++
	claim.LastError = reason
	next := s.now().UTC().Add(cooldown(claim.Failures))
	claim.NextEligibleAt = &next
	if err := s.store.UpdateClaim(ctx, claim); err != nil {
		return err
	}
	metrics.ClaimsActive.Dec()
	return nil
}

// Status is the auto-materialize summary of one workflow.
type Status struct {
	Runs      []model.AutoRunClaim `json:"runs"`
	InFlight  *model.AutoRunClaim  `json:"inFlight"`
	Cooldown  *time.Time           `json:"cooldown"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// AutoMaterializeStatus summarizes recent claims of one workflow.
func (s *Service) AutoMaterializeStatus(ctx context.Context, workflowID string) (*Status, error) {
	claims, err := s.store.ListClaims(ctx, workflowID, 20)
	if err != nil {
		return nil, err
	}
	status := &Status{Runs: claims, UpdatedAt: s.now().UTC()}
	for i := range claims {
		claim := &claims[i]
		if claim.Status == model.ClaimStatusActive && status.InFlight == nil {
			status.InFlight = claim
		}
		if claim.NextEligibleAt != nil && claim.NextEligibleAt.After(status.UpdatedAt) {
			if status.Cooldown == nil || claim.NextEligibleAt.After(*status.Cooldown) {
				status.Cooldown = claim.NextEligibleAt
			}
		}
	}
	return status, nil
}
