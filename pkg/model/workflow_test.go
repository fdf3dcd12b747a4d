/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_UnmarshalFlatShape(t *testing.T) {
	raw := `{
		"id": "ingest",
		"type": "job",
		"jobSlug": "observatory-ingest",
		"dependsOn": ["prepare"],
		"retryPolicy": {"maxAttempts": 3, "strategy": "exponential", "initialDelayMs": 500, "jitter": "full"},
		"produces": [{"assetId": "observatory.logs", "partitioning": {"type": "timeWindow", "granularity": "hour"}}]
	}`

	var step Step
	require.NoError(t, json.Unmarshal([]byte(raw), &step))
	assert.Equal(t, "ingest", step.ID)
	assert.Equal(t, StepTypeJob, step.Type)
	assert.Equal(t, "observatory-ingest", step.JobSlug)
	assert.Equal(t, []string{"prepare"}, step.DependsOn)
	require.NotNil(t, step.RetryPolicy)
	assert.Equal(t, 3, step.RetryPolicy.MaxAttempts)
	assert.Equal(t, "exponential", step.RetryPolicy.Strategy)
	require.Len(t, step.Produces, 1)
	require.NotNil(t, step.Produces[0].Partitioning)
	assert.Equal(t, PartitioningTimeWindow, step.Produces[0].Partitioning.Type)
	assert.Equal(t, GranularityHour, step.Produces[0].Partitioning.Granularity)
}

func TestStep_FanoutTemplate(t *testing.T) {
	raw := `{
		"id": "spread",
		"type": "fanout",
		"collection": "{{ run.parameters.items }}",
		"maxItems": 100,
		"maxConcurrency": 5,
		"storeResultsAs": "results",
		"template": {"id": "spread-item", "type": "service", "serviceSlug": "enricher", "request": {"path": "/enrich", "method": "POST"}}
	}`

	var step Step
	require.NoError(t, json.Unmarshal([]byte(raw), &step))
	assert.Equal(t, StepTypeFanout, step.Type)
	assert.Equal(t, 100, step.MaxItems)
	require.NotNil(t, step.Template)
	assert.Equal(t, StepTypeService, step.Template.Type)
	assert.Equal(t, "enricher", step.Template.ServiceSlug)
	require.NotNil(t, step.Template.Request)
	assert.Equal(t, "/enrich", step.Template.Request.Path)
}

func TestStep_RoundTrip(t *testing.T) {
	orig := Step{
		ID:        "a",
		Type:      StepTypeJob,
		JobSlug:   "j",
		DependsOn: []string{"b", "c"},
		Bundle:    &BundleBinding{Strategy: BundleStrategyLatest, Slug: "j"},
	}
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Step
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, orig.ID, back.ID)
	assert.Equal(t, orig.DependsOn, back.DependsOn)
	require.NotNil(t, back.Bundle)
	assert.Equal(t, BundleStrategyLatest, back.Bundle.Strategy)
	// variant fields not set stay absent from the wire form
	assert.NotContains(t, string(data), "serviceSlug")
	assert.NotContains(t, string(data), "maxItems")
}

func TestEffectiveRetryPolicy(t *testing.T) {
	s := Step{ID: "x", Type: StepTypeJob}
	policy := s.EffectiveRetryPolicy()
	assert.Equal(t, 1, policy.MaxAttempts)
	assert.Equal(t, "none", policy.Strategy)

	s.RetryPolicy = &RetryPolicy{MaxAttempts: 5, Strategy: "fixed", InitialDelayMs: 100}
	assert.Equal(t, 5, s.EffectiveRetryPolicy().MaxAttempts)
}

func TestWorkflowDefinition_StepByID(t *testing.T) {
	def := WorkflowDefinition{
		Steps: []Step{
			{ID: "a", Type: StepTypeJob},
			{ID: "fan", Type: StepTypeFanout, Template: &Step{ID: "fan-item", Type: StepTypeJob}},
		},
	}
	require.NotNil(t, def.StepByID("a"))
	require.NotNil(t, def.StepByID("fan"))
	require.NotNil(t, def.StepByID("fan-item"))
	assert.Nil(t, def.StepByID("missing"))
}

func TestWorkflowDefinition_PartitionedAssets(t *testing.T) {
	def := WorkflowDefinition{
		Steps: []Step{
			{ID: "a", Type: StepTypeJob, Produces: []AssetDeclaration{
				{AssetID: "plain"},
				{AssetID: "windowed", Partitioning: &PartitioningSpec{Type: PartitioningTimeWindow, Granularity: GranularityDay}},
			}},
			{ID: "fan", Type: StepTypeFanout, Template: &Step{
				ID: "fan-item", Type: StepTypeJob,
				Produces: []AssetDeclaration{{AssetID: "sharded", Partitioning: &PartitioningSpec{Type: PartitioningDynamic}}},
			}},
		},
	}
	assets := def.PartitionedAssets()
	require.Len(t, assets, 2)
	assert.Equal(t, "windowed", assets[0].AssetID)
	assert.Equal(t, "sharded", assets[1].AssetID)
}

func TestCheckpointRemainingGroups(t *testing.T) {
	cp := CompactionCheckpoint{
		Cursor: 1,
		Metadata: CheckpointMetadata{
			Groups: []CompactionGroup{
				{ID: "g0"}, {ID: "g1"}, {ID: "g2"}, {ID: "g3"},
			},
			CompletedGroupIDs: []string{"g0", "g2"},
		},
	}
	remaining := cp.RemainingGroups()
	require.Len(t, remaining, 2)
	assert.Equal(t, "g1", remaining[0].ID)
	assert.Equal(t, "g3", remaining[1].ID)
}

func TestEventEnvelope_ExpiresAt(t *testing.T) {
	env := EventEnvelope{}
	assert.True(t, env.ExpiresAt().IsZero())

	ttl := int64(60_000)
	occurred := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	env = EventEnvelope{OccurredAt: occurred, TTLMs: &ttl}
	assert.Equal(t, occurred.Add(time.Minute), env.ExpiresAt())
}
