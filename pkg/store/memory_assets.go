/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

func staleKey(workflowID, assetKey, partitionKeyNormalized string) string {
	return workflowID + "\x00" + assetKey + "\x00" + partitionKeyNormalized
}

// --- declarations ---

func (m *Memory) ReplaceDeclarations(_ context.Context, workflowID string, declarations []model.AssetDeclarationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, decl := range m.declarations {
		if decl.WorkflowDefinitionID == workflowID {
			delete(m.declarations, id)
		}
	}
	now := nowUTC()
	for _, decl := range declarations {
		row := decl
		if row.ID == "" {
			row.ID = newID()
		}
		row.WorkflowDefinitionID = workflowID
		row.CreatedAt = now
		row.UpdatedAt = now
		m.declarations[row.ID] = &row
	}
	return nil
}

func (m *Memory) ListDeclarations(_ context.Context, workflowID string) ([]model.AssetDeclarationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AssetDeclarationRecord
	for _, decl := range m.declarations {
		if decl.WorkflowDefinitionID == workflowID {
			out = append(out, *decl)
		}
	}
	sortDeclarations(out)
	return out, nil
}

func (m *Memory) ListAllDeclarations(_ context.Context) ([]model.AssetDeclarationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AssetDeclarationRecord
	for _, decl := range m.declarations {
		out = append(out, *decl)
	}
	sortDeclarations(out)
	return out, nil
}

func sortDeclarations(decls []model.AssetDeclarationRecord) {
	sort.Slice(decls, func(i, j int) bool {
		if decls[i].WorkflowDefinitionID != decls[j].WorkflowDefinitionID {
			return decls[i].WorkflowDefinitionID < decls[j].WorkflowDefinitionID
		}
		if decls[i].StepID != decls[j].StepID {
			return decls[i].StepID < decls[j].StepID
		}
		return decls[i].AssetKey < decls[j].AssetKey
	})
}

// --- snapshots ---

func (m *Memory) InsertSnapshot(_ context.Context, snapshot *model.AssetSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *snapshot
	if row.ID == "" {
		row.ID = newID()
	}
	now := nowUTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	m.snapshots[row.ID] = &row
	snapshot.ID = row.ID
	snapshot.CreatedAt = row.CreatedAt
	snapshot.UpdatedAt = row.UpdatedAt
	return nil
}

// snapshotNewer orders snapshots by the (producedAt, updatedAt, createdAt,
// runID) tuple.
func snapshotNewer(a, b *model.AssetSnapshot) bool {
	if !a.ProducedAt.Equal(b.ProducedAt) {
		return a.ProducedAt.After(b.ProducedAt)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.WorkflowRunID > b.WorkflowRunID
}

func (m *Memory) LatestSnapshot(_ context.Context, workflowID, assetKey, partitionKeyNormalized string) (*model.AssetSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.AssetSnapshot
	for _, snapshot := range m.snapshots {
		if workflowID != "" && snapshot.WorkflowDefinitionID != workflowID {
			continue
		}
		if snapshot.AssetKey != assetKey || snapshot.PartitionKeyNormalized != partitionKeyNormalized {
			continue
		}
		if latest == nil || snapshotNewer(snapshot, latest) {
			latest = snapshot
		}
	}
	if latest == nil {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no snapshot for asset %s partition %q", assetKey, partitionKeyNormalized))
	}
	out := *latest
	return &out, nil
}

func (m *Memory) ListSnapshotsForRun(_ context.Context, runID string) ([]model.AssetSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AssetSnapshot
	for _, snapshot := range m.snapshots {
		if snapshot.WorkflowRunID == runID {
			out = append(out, *snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetKey != out[j].AssetKey {
			return out[i].AssetKey < out[j].AssetKey
		}
		return out[i].PartitionKeyNormalized < out[j].PartitionKeyNormalized
	})
	return out, nil
}

// --- stale partitions ---

func (m *Memory) MarkStalePartition(_ context.Context, stale *model.StalePartition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *stale
	if row.ID == "" {
		row.ID = newID()
	}
	if row.MarkedAt.IsZero() {
		row.MarkedAt = nowUTC()
	}
	m.stale[staleKey(row.WorkflowDefinitionID, row.AssetKey, row.PartitionKeyNormalized)] = &row
	return nil
}

func (m *Memory) UnmarkStalePartition(_ context.Context, workflowID, assetKey, partitionKeyNormalized string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stale, staleKey(workflowID, assetKey, partitionKeyNormalized))
	return nil
}

func (m *Memory) IsStalePartition(_ context.Context, workflowID, assetKey, partitionKeyNormalized string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stale[staleKey(workflowID, assetKey, partitionKeyNormalized)]
	return ok, nil
}

func (m *Memory) ListStalePartitions(_ context.Context, workflowID string) ([]model.StalePartition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.StalePartition
	for _, stale := range m.stale {
		if workflowID != "" && stale.WorkflowDefinitionID != workflowID {
			continue
		}
		out = append(out, *stale)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetKey != out[j].AssetKey {
			return out[i].AssetKey < out[j].AssetKey
		}
		return out[i].PartitionKeyNormalized < out[j].PartitionKeyNormalized
	})
	return out, nil
}

// --- auto-run claims ---

func (m *Memory) CreateClaim(_ context.Context, claim *model.AutoRunClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.claims {
		if existing.Status == model.ClaimStatusActive &&
			existing.WorkflowDefinitionID == claim.WorkflowDefinitionID &&
			existing.AssetKey == claim.AssetKey &&
			existing.PartitionKeyNormalized == claim.PartitionKeyNormalized {
			return errors.NewConflict(fmt.Sprintf("asset %s partition %q already has an active claim", claim.AssetKey, claim.PartitionKey))
		}
	}
	row := *claim
	if row.ID == "" {
		row.ID = newID()
	}
	if row.Status == "" {
		row.Status = model.ClaimStatusActive
	}
	now := nowUTC()
	if row.RequestedAt.IsZero() {
		row.RequestedAt = now
	}
	if row.ClaimedAt.IsZero() {
		row.ClaimedAt = now
	}
	row.UpdatedAt = now
	m.claims[row.ID] = &row
	claim.ID = row.ID
	claim.ClaimedAt = row.ClaimedAt
	claim.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *Memory) UpdateClaim(_ context.Context, claim *model.AutoRunClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[claim.ID]; !ok {
		return errors.NewNotFound("auto-run claim", claim.ID)
	}
	row := *claim
	row.UpdatedAt = nowUTC()
	m.claims[row.ID] = &row
	claim.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *Memory) GetActiveClaim(_ context.Context, workflowID, assetKey, partitionKeyNormalized string) (*model.AutoRunClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, claim := range m.claims {
		if claim.Status == model.ClaimStatusActive &&
			claim.WorkflowDefinitionID == workflowID &&
			claim.AssetKey == assetKey &&
			claim.PartitionKeyNormalized == partitionKeyNormalized {
			out := *claim
			return &out, nil
		}
	}
	return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no active claim for asset %s partition %q", assetKey, partitionKeyNormalized))
}

func (m *Memory) GetClaimByRunID(_ context.Context, runID string) (*model.AutoRunClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, claim := range m.claims {
		if claim.WorkflowRunID == runID {
			out := *claim
			return &out, nil
		}
	}
	return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no claim for run %s", runID))
}

func (m *Memory) LatestClaim(_ context.Context, workflowID, assetKey, partitionKeyNormalized string) (*model.AutoRunClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.AutoRunClaim
	for _, claim := range m.claims {
		if claim.WorkflowDefinitionID != workflowID || claim.AssetKey != assetKey || claim.PartitionKeyNormalized != partitionKeyNormalized {
			continue
		}
		if latest == nil || claim.ClaimedAt.After(latest.ClaimedAt) {
			latest = claim
		}
	}
	if latest == nil {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("no claim for asset %s partition %q", assetKey, partitionKeyNormalized))
	}
	out := *latest
	return &out, nil
}

func (m *Memory) ListClaims(_ context.Context, workflowID string, limit int) ([]model.AutoRunClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AutoRunClaim
	for _, claim := range m.claims {
		if workflowID != "" && claim.WorkflowDefinitionID != workflowID {
			continue
		}
		out = append(out, *claim)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClaimedAt.Equal(out[j].ClaimedAt) {
			return out[i].ClaimedAt.After(out[j].ClaimedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
