/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

func seedWorkflow(t *testing.T, m *store.Memory) (*model.WorkflowDefinition, *model.EventTrigger) {
	t.Helper()
	wf, err := m.CreateWorkflow(context.Background(), &model.WorkflowDefinition{
		Slug: "orders", Name: "Orders",
		Steps: []model.Step{{ID: "build", Type: model.StepTypeJob, JobSlug: "build-orders"}},
	})
	require.NoError(t, err)
	trigger, err := m.CreateTrigger(context.Background(), &model.EventTrigger{
		WorkflowDefinitionID: wf.ID,
		EventType:            "order.created",
		EventSource:          "billing",
	})
	require.NoError(t, err)
	return wf, trigger
}

func TestQueryResolveDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	q := Query{}
	require.NoError(t, q.Resolve(now))
	assert.Equal(t, DefaultLimit, q.Limit)
	assert.Equal(t, now, q.To)
	assert.Equal(t, now.Add(-24*time.Hour), q.From)

	q = Query{Range: "3d"}
	require.NoError(t, q.Resolve(now))
	assert.Equal(t, now.Add(-72*time.Hour), q.From)

	q = Query{Range: "2h"}
	assert.Error(t, q.Resolve(now))

	q = Query{Limit: MaxLimit + 1}
	assert.Error(t, q.Resolve(now))

	q = Query{From: now, To: now.Add(-time.Hour)}
	assert.Error(t, q.Resolve(now))
}

func TestTimelineMergesSourcesDescending(t *testing.T) {
	m := store.NewMemory()
	wf, trigger := seedWorkflow(t, m)
	ctx := context.Background()

	run, err := m.CreateRun(ctx, &model.WorkflowRun{
		WorkflowDefinitionID: wf.ID, Status: model.RunStatusRunning,
	})
	require.NoError(t, err)
	delivery := &model.TriggerDelivery{
		TriggerID: trigger.ID, EventID: "evt-1", Status: model.DeliveryStatusLaunched,
	}
	require.NoError(t, m.CreateDelivery(ctx, delivery))
	require.NoError(t, m.InsertFailureEvent(ctx, &model.TriggerFailureEvent{
		ID: "fail-1", TriggerID: trigger.ID, Reason: "launch failed",
		FailedAt: time.Now().UTC().Add(-2 * time.Hour),
	}))
	require.NoError(t, m.UpsertTriggerPause(ctx, &model.TriggerPause{
		TriggerID: trigger.ID, Failures: 5, Reason: "failure threshold exceeded",
	}))

	svc := NewService(m)
	entries, err := svc.Get(ctx, Query{WorkflowSlug: "orders"})
	require.NoError(t, err)
	require.Len(t, entries, 4)

	kinds := lo.Map(entries, func(e Entry, _ int) string { return e.Kind })
	assert.ElementsMatch(t, []string{KindRun, KindDelivery, KindFailure, KindTriggerPause}, kinds)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].Timestamp.After(entries[i-1].Timestamp))
	}
	// the two-hour-old failure sorts last
	assert.Equal(t, KindFailure, entries[3].Kind)
	assert.Equal(t, "fail-1", entries[3].ID)

	runEntry, ok := lo.Find(entries, func(e Entry) bool { return e.Kind == KindRun })
	require.True(t, ok)
	assert.Equal(t, run.ID, runEntry.ID)
	assert.Equal(t, model.RunStatusRunning, runEntry.Status)
}

func TestTimelineLimitTruncates(t *testing.T) {
	m := store.NewMemory()
	_, trigger := seedWorkflow(t, m)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.InsertFailureEvent(ctx, &model.TriggerFailureEvent{
			TriggerID: trigger.ID, Reason: "boom",
			FailedAt: base.Add(-time.Duration(i) * time.Minute),
		}))
	}

	svc := NewService(m)
	entries, err := svc.Get(ctx, Query{WorkflowSlug: "orders", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, base, entries[0].Timestamp)
}

func TestTimelineFiltersForeignSourcePauses(t *testing.T) {
	m := store.NewMemory()
	seedWorkflow(t, m)
	ctx := context.Background()

	require.NoError(t, m.UpsertSourcePause(ctx, &model.SourcePause{Source: "billing", Failures: 25, Reason: "source failure threshold"}))
	require.NoError(t, m.UpsertSourcePause(ctx, &model.SourcePause{Source: "shipping", Failures: 25, Reason: "source failure threshold"}))

	svc := NewService(m)
	entries, err := svc.Get(ctx, Query{WorkflowSlug: "orders"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindSourcePause, entries[0].Kind)
	assert.Equal(t, "billing", entries[0].ID)
}

func TestTimelineUnknownWorkflow(t *testing.T) {
	svc := NewService(store.NewMemory())
	_, err := svc.Get(context.Background(), Query{WorkflowSlug: "nope"})
	assert.Error(t, err)
}
