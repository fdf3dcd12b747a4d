/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package assets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

type fakeAutoLauncher struct {
	requests []AutoRunRequest
	fail     error
}

func (f *fakeAutoLauncher) LaunchAutoRun(_ context.Context, req AutoRunRequest) (*model.WorkflowRun, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.requests = append(f.requests, req)
	return &model.WorkflowRun{ID: "run-" + req.AssetKey, Status: model.RunStatusPending}, nil
}

// raw → orders (wf-orders consumes raw, produces orders, auto-materialize on)
func seedDeclarations(t *testing.T, m *store.Memory) {
	t.Helper()
	enabled := true
	require.NoError(t, m.ReplaceDeclarations(context.Background(), "wf-orders", []model.AssetDeclarationRecord{
		{StepID: "load", AssetID: "raw", AssetKey: "raw", Direction: model.AssetDirectionConsumes},
		{StepID: "build", AssetID: "orders", AssetKey: "orders", Direction: model.AssetDirectionProduces,
			AutoMaterialize: &model.AutoMaterializePolicy{Enabled: enabled, OnUpstreamUpdate: true}},
	}))
	require.NoError(t, m.ReplaceDeclarations(context.Background(), "wf-raw", []model.AssetDeclarationRecord{
		{StepID: "ingest", AssetID: "raw", AssetKey: "raw", Direction: model.AssetDirectionProduces},
	}))
}

func snapshot(assetKey, partition string, producedAt time.Time) *model.AssetSnapshot {
	wf := "wf-raw"
	if assetKey == "orders" {
		wf = "wf-orders"
	}
	return &model.AssetSnapshot{
		WorkflowDefinitionID: wf, WorkflowRunID: "r-" + assetKey, StepID: "s",
		AssetID: assetKey, AssetKey: assetKey,
		PartitionKey: partition, PartitionKeyNormalized: partition,
		ProducedAt: producedAt,
	}
}

func TestBuildGraphEdges(t *testing.T) {
	m := store.NewMemory()
	seedDeclarations(t, m)
	declarations, err := m.ListAllDeclarations(context.Background())
	require.NoError(t, err)

	graph := BuildGraph(declarations)
	require.Contains(t, graph.Nodes, "raw")
	require.Contains(t, graph.Nodes, "orders")
	assert.Equal(t, []string{"raw"}, graph.Upstream("orders"))
	assert.Equal(t, []string{"orders"}, graph.Downstream("raw"))
	assert.Len(t, graph.Nodes["raw"].Producers, 1)
	assert.Len(t, graph.Nodes["raw"].Consumers, 1)
}

func TestIsStaleOnNewerUpstream(t *testing.T) {
	m := store.NewMemory()
	seedDeclarations(t, m)
	svc := NewService(m, &fakeAutoLauncher{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.InsertSnapshot(ctx, snapshot("orders", "2026-03-01", base)))
	require.NoError(t, m.InsertSnapshot(ctx, snapshot("raw", "2026-03-01", base.Add(-time.Hour))))

	graph, err := svc.Graph(ctx)
	require.NoError(t, err)
	stale, err := svc.IsStale(ctx, graph, "wf-orders", "orders", "2026-03-01")
	require.NoError(t, err)
	assert.False(t, stale)

	require.NoError(t, m.InsertSnapshot(ctx, snapshot("raw", "2026-03-01", base.Add(time.Hour))))
	stale, err = svc.IsStale(ctx, graph, "wf-orders", "orders", "2026-03-01")
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestIsStaleOnExplicitMark(t *testing.T) {
	m := store.NewMemory()
	seedDeclarations(t, m)
	svc := NewService(m, &fakeAutoLauncher{})
	ctx := context.Background()

	require.NoError(t, m.InsertSnapshot(ctx, snapshot("orders", "2026-03-01", time.Now())))
	require.NoError(t, svc.MarkStale(ctx, &model.StalePartition{
		WorkflowDefinitionID: "wf-orders", AssetID: "orders", AssetKey: "orders",
		PartitionKey: "2026-03-01", PartitionKeyNormalized: "2026-03-01",
	}))

	graph, err := svc.Graph(ctx)
	require.NoError(t, err)
	stale, err := svc.IsStale(ctx, graph, "wf-orders", "orders", "2026-03-01")
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestOnUpstreamUpdateClaimsAndLaunches(t *testing.T) {
	m := store.NewMemory()
	seedDeclarations(t, m)
	launcher := &fakeAutoLauncher{}
	svc := NewService(m, launcher)
	ctx := context.Background()

	fresh := snapshot("raw", "2026-03-01", time.Now().UTC())
	require.NoError(t, m.InsertSnapshot(ctx, fresh))
	require.NoError(t, svc.OnUpstreamUpdate(ctx, fresh))

	require.Len(t, launcher.requests, 1)
	assert.Equal(t, "wf-orders", launcher.requests[0].WorkflowDefinitionID)
	assert.Equal(t, "orders", launcher.requests[0].AssetKey)

	claim, err := m.GetActiveClaim(ctx, "wf-orders", "orders", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStatusActive, claim.Status)
	assert.NotEmpty(t, claim.WorkflowRunID)

	// a second update does not double-claim
	require.NoError(t, svc.OnUpstreamUpdate(ctx, fresh))
	assert.Len(t, launcher.requests, 1)
}

func TestClaimLifecycle(t *testing.T) {
	m := store.NewMemory()
	seedDeclarations(t, m)
	launcher := &fakeAutoLauncher{}
	svc := NewService(m, launcher)
	ctx := context.Background()

	claim, err := svc.RequestAutoRun(ctx, AutoRunRequest{
		WorkflowDefinitionID: "wf-orders", AssetID: "orders",
		PartitionKey: "2026-03-01", Reason: "upstream_update",
	})
	require.NoError(t, err)

	require.NoError(t, svc.OnRunFailed(ctx, claim.WorkflowRunID, "job crashed"))
	failed, err := m.LatestClaim(ctx, "wf-orders", "orders", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Failures)
	require.NotNil(t, failed.NextEligibleAt)

	// cooldown blocks the next request
	_, err = svc.RequestAutoRun(ctx, AutoRunRequest{
		WorkflowDefinitionID: "wf-orders", AssetID: "orders",
		PartitionKey: "2026-03-01", Reason: "upstream_update",
	})
	require.Error(t, err)
	assert.Equal(t, errors.Throttled, errors.ReasonForError(err))

	// after cooldown a fresh claim carries the failure count forward
	svc.now = func() time.Time { return failed.NextEligibleAt.Add(time.Second) }
	claim2, err := svc.RequestAutoRun(ctx, AutoRunRequest{
		WorkflowDefinitionID: "wf-orders", AssetID: "orders",
		PartitionKey: "2026-03-01", Reason: "upstream_update",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, claim2.Failures)

	require.NoError(t, svc.OnRunSucceeded(ctx, claim2.WorkflowRunID))
	released, err := m.LatestClaim(ctx, "wf-orders", "orders", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStatusReleased, released.Status)
	assert.Zero(t, released.Failures)
}

func TestGraphCache(t *testing.T) {
	m := store.NewMemory()
	seedDeclarations(t, m)
	_, err := m.CreateWorkflow(context.Background(), &model.WorkflowDefinition{
		Slug: "orders", Name: "Orders", Steps: []model.Step{{ID: "build", Type: model.StepTypeJob, JobSlug: "j"}},
	})
	require.NoError(t, err)

	cache := NewGraphCacheWithTTL(m, time.Minute)
	view, meta, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, meta.Hit)
	require.Len(t, view.Workflows, 1)
	assert.Contains(t, view.Assets.Nodes, "orders")

	_, meta, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, meta.Hit)
	assert.Equal(t, int64(1), meta.Stats.Hits)

	cache.OnChange("wf-orders")
	_, meta, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, meta.Hit)
	assert.Equal(t, int64(1), meta.Stats.Invalidations)
}
