/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package assets

import (
	"context"
	"sync"
	"time"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

// WorkflowTopology is one workflow's slice of the graph view.
type WorkflowTopology struct {
	ID       string             `json:"id"`
	Slug     string             `json:"slug"`
	Name     string             `json:"name"`
	Version  int                `json:"version"`
	StepIDs  []string           `json:"stepIds"`
	Dag      *model.DagMetadata `json:"dag,omitempty"`
	Triggers int                `json:"triggers"`
}

// GraphView is the cached payload behind GET /workflows/graph.
type GraphView struct {
	Workflows []WorkflowTopology `json:"workflows"`
	Assets    *Graph             `json:"assets"`
}

// CacheStats counts graph-cache traffic.
type CacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
}

type graphEntry struct {
	view      *GraphView
	cachedAt  time.Time
	expiresAt time.Time
}

// GraphCache caches the workflow topology view; any definition, trigger, or
// schedule mutation invalidates it.
type GraphCache struct {
	store store.Interface
	ttl   time.Duration

	mu    sync.RWMutex
	entry *graphEntry
	stats CacheStats
}

func NewGraphCache(s store.Interface) *GraphCache {
	return &GraphCache{store: s, ttl: config.GetWorkflowCacheTTL()}
}

func NewGraphCacheWithTTL(s store.Interface, ttl time.Duration) *GraphCache {
	return &GraphCache{store: s, ttl: ttl}
}

// Meta describes how the returned view was served.
type Meta struct {
	Hit       bool       `json:"hit"`
	Stats     CacheStats `json:"stats"`
	CachedAt  time.Time  `json:"cachedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// Get returns the graph view and cache metadata, rebuilding on miss or
// expiry.
func (c *GraphCache) Get(ctx context.Context) (*GraphView, Meta, error) {
	now := time.Now()
	c.mu.RLock()
	entry := c.entry
	c.mu.RUnlock()
	if entry != nil && now.Before(entry.expiresAt) {
		c.mu.Lock()
		c.stats.Hits++
		stats := c.stats
		c.mu.Unlock()
		metrics.ManifestCacheOps.WithLabelValues("graph_hit").Inc()
		return entry.view, Meta{Hit: true, Stats: stats, CachedAt: entry.cachedAt, ExpiresAt: entry.expiresAt}, nil
	}

	view, err := c.build(ctx)
	if err != nil {
		return nil, Meta{}, err
	}
	entry = &graphEntry{view: view, cachedAt: now, expiresAt: now.Add(c.ttl)}
	c.mu.Lock()
	c.entry = entry
	c.stats.Misses++
	stats := c.stats
	c.mu.Unlock()
	metrics.ManifestCacheOps.WithLabelValues("graph_miss").Inc()
	return view, Meta{Hit: false, Stats: stats, CachedAt: entry.cachedAt, ExpiresAt: entry.expiresAt}, nil
}

// Invalidate drops the cached view.
func (c *GraphCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry != nil {
		c.entry = nil
		c.stats.Invalidations++
		metrics.ManifestCacheOps.WithLabelValues("graph_invalidate").Inc()
	}
}

// OnChange is the mutation hook wired into the workflow, trigger, and
// schedule services.
func (c *GraphCache) OnChange(string) {
	c.Invalidate()
}

func (c *GraphCache) build(ctx context.Context) (*GraphView, error) {
	workflows, err := c.store.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	declarations, err := c.store.ListAllDeclarations(ctx)
	if err != nil {
		return nil, err
	}
	view := &GraphView{Assets: BuildGraph(declarations)}
	for i := range workflows {
		wf := &workflows[i]
		topology := WorkflowTopology{
			ID: wf.ID, Slug: wf.Slug, Name: wf.Name, Version: wf.Version, Dag: wf.Dag,
			Triggers: len(wf.Triggers),
		}
		for j := range wf.Steps {
			topology.StepIDs = append(topology.StepIDs, wf.Steps[j].ID)
		}
		view.Workflows = append(view.Workflows, topology)
	}
	return view, nil
}
