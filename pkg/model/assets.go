/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"strings"
	"time"
)

// NormalizeAssetKey lowers and trims an asset id into the key used for
// matching across declarations, snapshots, and claims.
func NormalizeAssetKey(assetID string) string {
	return strings.ToLower(strings.TrimSpace(assetID))
}

// Asset declaration directions.
const (
	AssetDirectionProduces = "produces"
	AssetDirectionConsumes = "consumes"
)

// Partitioning spec types.
const (
	PartitioningTimeWindow = "timeWindow"
	PartitioningStatic     = "static"
	PartitioningDynamic    = "dynamic"
)

// Time-window granularities.
const (
	GranularityMinute = "minute"
	GranularityHour   = "hour"
	GranularityDay    = "day"
	GranularityWeek   = "week"
	GranularityMonth  = "month"
)

// Auto-run claim statuses.
const (
	ClaimStatusActive   = "active"
	ClaimStatusReleased = "released"
	ClaimStatusFailed   = "failed"
)

// AssetFreshness bounds how old an asset materialization may be.
type AssetFreshness struct {
	MaxAgeMs  *int64 `json:"maxAgeMs,omitempty"`
	TTLMs     *int64 `json:"ttlMs,omitempty"`
	CadenceMs *int64 `json:"cadenceMs,omitempty"`
}

// AutoMaterializePolicy opts an asset into automatic refresh when upstreams
// move.
type AutoMaterializePolicy struct {
	Enabled           bool            `json:"enabled"`
	OnUpstreamUpdate  bool            `json:"onUpstreamUpdate,omitempty"`
	Priority          *int            `json:"priority,omitempty"`
	ParameterDefaults json.RawMessage `json:"parameterDefaults,omitempty"`
}

// PartitioningSpec describes how an asset is partitioned. Type selects the
// variant; only that variant's fields apply.
type PartitioningSpec struct {
	Type string `json:"type"`

	// timeWindow variant
	Granularity     string `json:"granularity,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	Format          string `json:"format,omitempty"`
	LookbackWindows *int   `json:"lookbackWindows,omitempty"`

	// static variant
	Keys []string `json:"keys,omitempty"`

	// dynamic variant
	MaxKeys       *int `json:"maxKeys,omitempty"`
	RetentionDays *int `json:"retentionDays,omitempty"`
}

// AssetDeclaration is the step-level asset stanza; direction is implied by
// which array (produces/consumes) carries it.
type AssetDeclaration struct {
	AssetID         string                 `json:"assetId"`
	Schema          json.RawMessage        `json:"schema,omitempty"`
	Freshness       *AssetFreshness        `json:"freshness,omitempty"`
	AutoMaterialize *AutoMaterializePolicy `json:"autoMaterialize,omitempty"`
	Partitioning    *PartitioningSpec      `json:"partitioning,omitempty"`
}

// AssetDeclarationRecord is the persisted projection of one step asset
// stanza, denormalized per (workflow, step, asset, direction).
type AssetDeclarationRecord struct {
	ID                   string                 `json:"id"`
	WorkflowDefinitionID string                 `json:"workflowDefinitionId"`
	StepID               string                 `json:"stepId"`
	AssetID              string                 `json:"assetId"`
	AssetKey             string                 `json:"assetKey"`
	Direction            string                 `json:"direction"`
	Schema               json.RawMessage        `json:"schema,omitempty"`
	Freshness            *AssetFreshness        `json:"freshness,omitempty"`
	AutoMaterialize      *AutoMaterializePolicy `json:"autoMaterialize,omitempty"`
	Partitioning         *PartitioningSpec      `json:"partitioning,omitempty"`
	CreatedAt            time.Time              `json:"createdAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// AssetSnapshot is one produced-asset record captured at step success.
type AssetSnapshot struct {
	ID                     string          `json:"id"`
	WorkflowDefinitionID   string          `json:"workflowDefinitionId"`
	WorkflowRunID          string          `json:"workflowRunId"`
	WorkflowRunStepID      string          `json:"workflowRunStepId"`
	StepID                 string          `json:"stepId"`
	AssetID                string          `json:"assetId"`
	AssetKey               string          `json:"assetKey"`
	PartitionKey           string          `json:"partitionKey,omitempty"`
	PartitionKeyNormalized string          `json:"partitionKeyNormalized,omitempty"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	Schema                 json.RawMessage `json:"schema,omitempty"`
	Freshness              *AssetFreshness `json:"freshness,omitempty"`
	ProducedAt             time.Time       `json:"producedAt"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// StalePartition marks one (asset, partition) pair as needing rematerialization.
type StalePartition struct {
	ID                     string    `json:"id"`
	WorkflowDefinitionID   string    `json:"workflowDefinitionId"`
	AssetID                string    `json:"assetId"`
	AssetKey               string    `json:"assetKey"`
	PartitionKey           string    `json:"partitionKey,omitempty"`
	PartitionKeyNormalized string    `json:"partitionKeyNormalized"`
	RequestedBy            string    `json:"requestedBy,omitempty"`
	Note                   string    `json:"note,omitempty"`
	MarkedAt               time.Time `json:"markedAt"`
}

// AutoRunClaim serializes auto-materialization per (workflow, asset,
// partition): at most one active claim exists for the tuple. Failure state
// rides on the latest claim row.
type AutoRunClaim struct {
	ID                     string          `json:"id"`
	WorkflowDefinitionID   string          `json:"workflowDefinitionId"`
	AssetID                string          `json:"assetId"`
	AssetKey               string          `json:"assetKey"`
	PartitionKey           string          `json:"partitionKey,omitempty"`
	PartitionKeyNormalized string          `json:"partitionKeyNormalized"`
	WorkflowRunID          string          `json:"workflowRunId,omitempty"`
	Status                 string          `json:"status"`
	Reason                 string          `json:"reason"`
	ClaimOwner             string          `json:"claimOwner"`
	Context                json.RawMessage `json:"context,omitempty"`
	Failures               int             `json:"failures"`
	NextEligibleAt         *time.Time      `json:"nextEligibleAt,omitempty"`
	LastError              string          `json:"lastError,omitempty"`
	RequestedAt            time.Time       `json:"requestedAt"`
	ClaimedAt              time.Time       `json:"claimedAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}
