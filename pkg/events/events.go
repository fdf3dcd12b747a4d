/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package events accepts external event envelopes: validation,
// normalization, the persisted event log, and hand-off to the delivery
// pipeline through the queue substrate.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/store"
)

const cleanupBatch = 1000

type Service struct {
	store store.Interface
	queue queue.Interface
	now   func() time.Time
}

func NewService(s store.Interface, q queue.Interface) *Service {
	return &Service{store: s, queue: q, now: time.Now}
}

// Ingest validates and normalizes the envelope, appends it to the event
// log, and enqueues it for trigger matching. The returned envelope carries
// the filled-in id and timestamps.
func (s *Service) Ingest(ctx context.Context, envelope *model.EventEnvelope) (*model.EventEnvelope, error) {
	now := s.now().UTC()
	if err := Normalize(envelope, now); err != nil {
		return nil, err
	}
	if expires := envelope.ExpiresAt(); !expires.IsZero() && now.After(expires) {
		return nil, errors.NewBadRequest(fmt.Sprintf("event %s expired at %s", envelope.ID, expires.Format(time.RFC3339)))
	}
	if err := s.store.InsertEvent(ctx, envelope); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.NewInternalError(err.Error())
	}
	if err := s.queue.Enqueue(ctx, queue.KindDelivery, envelope.Source, payload); err != nil {
		klog.ErrorS(err, "failed to enqueue event for delivery", "event", envelope.ID, "type", envelope.Type)
		return nil, err
	}
	metrics.EventsIngested.WithLabelValues(envelope.Type).Inc()
	return envelope, nil
}

// Normalize fills envelope defaults in place: generated id, occurredAt=now,
// receivedAt, and the configured default TTL. Malformed fields fail with a
// validation error.
func Normalize(envelope *model.EventEnvelope, now time.Time) error {
	if envelope.Type == "" {
		return errors.NewBadRequest("event type must not be empty")
	}
	if envelope.Source == "" {
		return errors.NewBadRequest("event source must not be empty")
	}
	if envelope.ID == "" {
		envelope.ID = uuid.NewString()
	} else if _, err := uuid.Parse(envelope.ID); err != nil {
		return errors.NewBadRequest(fmt.Sprintf("event id %q is not a UUID", envelope.ID))
	}
	if len(envelope.Payload) > 0 && !json.Valid(envelope.Payload) {
		return errors.NewBadRequest("event payload is not valid JSON")
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = now
	}
	envelope.ReceivedAt = now
	if envelope.TTLMs == nil {
		if ttl := config.GetEventDefaultTTL(); ttl > 0 {
			ms := ttl.Milliseconds()
			envelope.TTLMs = &ms
		}
	} else if *envelope.TTLMs < 0 {
		return errors.NewBadRequest("event ttlMs must not be negative")
	}
	return nil
}

// CleanupOnce deletes expired event rows in bounded batches and returns the
// number removed.
func (s *Service) CleanupOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-time.Duration(config.GetEventRetentionHours()) * time.Hour)
	total := 0
	for {
		removed, err := s.store.DeleteEventsBefore(ctx, cutoff, cleanupBatch)
		if err != nil {
			return total, err
		}
		total += removed
		if removed < cleanupBatch {
			return total, nil
		}
	}
}

// RunCleanup prunes the event log on the configured interval until ctx is
// canceled.
func (s *Service) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(config.GetEventCleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := s.CleanupOnce(ctx); err != nil {
				klog.ErrorS(err, "event cleanup failed")
			} else if removed > 0 {
				klog.InfoS("pruned expired events", "removed", removed)
			}
		}
	}
}
