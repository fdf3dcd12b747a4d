/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package manifestcache keeps the latest published manifest-with-partitions
// per (dataset, shard) in memory. The store invalidates entries on every
// publish and replace; readers fall through to the store on miss or expiry.
package manifestcache

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

// Stats counts cache effectiveness for metrics and the graph endpoint.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
}

// Entry is one cached shard snapshot.
type Entry struct {
	Manifest   model.Manifest    `json:"manifest"`
	Partitions []model.Partition `json:"partitions"`
	CachedAt   time.Time         `json:"cachedAt"`
}

type cacheKey struct {
	datasetID string
	shard     string
}

// Cache is the per-(dataset, shard) snapshot cache. Reads are served under a
// shared RLock; each key has its own fill mutex so one miss loads the shard
// while concurrent readers of other keys proceed.
type Cache struct {
	catalog store.Catalog
	ttl     time.Duration

	mu      sync.RWMutex
	entries map[cacheKey]*Entry
	fills   map[cacheKey]*sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

func New(catalog store.Catalog) *Cache {
	return NewWithTTL(catalog, config.GetManifestCacheTTL())
}

func NewWithTTL(catalog store.Catalog, ttl time.Duration) *Cache {
	return &Cache{
		catalog: catalog,
		ttl:     ttl,
		entries: make(map[cacheKey]*Entry),
		fills:   make(map[cacheKey]*sync.Mutex),
	}
}

// Get returns the cached snapshot for (datasetID, shard), loading the latest
// published manifest from the store on miss or expiry.
func (c *Cache) Get(ctx context.Context, datasetID, shard string) (*Entry, error) {
	key := cacheKey{datasetID: datasetID, shard: shard}
	if entry := c.lookup(key); entry != nil {
		c.recordHit()
		return entry, nil
	}
	c.recordMiss()

	fill := c.fillLock(key)
	fill.Lock()
	defer fill.Unlock()

	// Another filler may have won while we waited.
	if entry := c.lookup(key); entry != nil {
		return entry, nil
	}
	latest, err := c.catalog.LatestPublishedManifest(ctx, datasetID, shard)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		Manifest:   latest.Manifest,
		Partitions: latest.Partitions,
		CachedAt:   time.Now().UTC(),
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return entry, nil
}

// Invalidate drops the entry for (datasetID, shard). An empty shard drops
// every shard of the dataset.
func (c *Cache) Invalidate(datasetID, shard string) {
	c.mu.Lock()
	if shard != "" {
		delete(c.entries, cacheKey{datasetID: datasetID, shard: shard})
	} else {
		for key := range c.entries {
			if key.datasetID == datasetID {
				delete(c.entries, key)
			}
		}
	}
	c.mu.Unlock()
	c.statsMu.Lock()
	c.stats.Invalidations++
	c.statsMu.Unlock()
}

// Prime loads the latest published manifest of every shard of every active
// dataset. Failures are logged per shard and do not abort the sweep.
func (c *Cache) Prime(ctx context.Context) error {
	datasets, err := c.catalog.ListDatasets(ctx, model.DatasetStatusActive)
	if err != nil {
		return err
	}
	for _, dataset := range datasets {
		shards, err := c.catalog.ListManifestShards(ctx, dataset.ID)
		if err != nil {
			klog.ErrorS(err, "failed to list shards while priming", "dataset", dataset.Slug)
			continue
		}
		for _, shard := range shards {
			if _, err := c.Get(ctx, dataset.ID, shard); err != nil && !errors.IsNotFound(err) {
				klog.ErrorS(err, "failed to prime manifest shard", "dataset", dataset.Slug, "shard", shard)
			}
		}
	}
	return nil
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Cache) lookup(key cacheKey) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.ttl > 0 && time.Since(entry.CachedAt) > c.ttl {
		return nil
	}
	return entry
}

func (c *Cache) fillLock(key cacheKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	fill, ok := c.fills[key]
	if !ok {
		fill = &sync.Mutex{}
		c.fills[key] = fill
	}
	return fill
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}
