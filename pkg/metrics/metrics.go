/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package metrics registers and exposes the platform's prometheus
// collectors. Engines record through the package-level helpers; the HTTP
// layer mounts promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fathom"

var (
	RunsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "runs_created_total",
		Help:      "Workflow runs created, by how they were triggered.",
	}, []string{"triggered_by"})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "runs_completed_total",
		Help:      "Workflow runs reaching a terminal status.",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of completed workflow runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	StepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "step_retries_total",
		Help:      "Step executions rescheduled by retry policy.",
	})

	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "ingested_total",
		Help:      "Event envelopes accepted, by type.",
	}, []string{"type"})

	DeliveryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "triggers",
		Name:      "delivery_transitions_total",
		Help:      "Trigger delivery status transitions.",
	}, []string{"status"})

	TriggerPauses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "triggers",
		Name:      "auto_pauses_total",
		Help:      "Triggers paused after consecutive failures.",
	})

	ScheduleFires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "schedules",
		Name:      "fires_total",
		Help:      "Cron fires materialized into runs.",
	})

	CompactionChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "compaction_chunks_total",
		Help:      "Compaction chunks executed, by outcome.",
	}, []string{"outcome"})

	CompactionBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "compaction_bytes_total",
		Help:      "Bytes rewritten by compaction.",
	})

	PartitionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "partitions_expired_total",
		Help:      "Partitions removed by retention.",
	})

	ManifestCacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manifest_cache",
		Name:      "operations_total",
		Help:      "Manifest cache hits, misses, and invalidations.",
	}, []string{"op"})

	ClaimsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "assets",
		Name:      "claims_active",
		Help:      "Auto-materialize claims currently active.",
	})
)
