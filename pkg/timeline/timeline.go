/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package timeline merges runs, deliveries, failures, and pause events into
// one reverse-chronological activity feed per workflow.
package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

// Entry kinds in the merged feed.
const (
	KindRun          = "run"
	KindDelivery     = "delivery"
	KindFailure      = "trigger_failure"
	KindTriggerPause = "trigger_pause"
	KindSourcePause  = "source_pause"
)

const (
	DefaultLimit = 200
	MaxLimit     = 500
	defaultRange = 24 * time.Hour
)

var rangePresets = map[string]time.Duration{
	"1h":  time.Hour,
	"3h":  3 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
	"3d":  72 * time.Hour,
	"7d":  168 * time.Hour,
}

// Entry is one row of the merged feed; Detail carries the source record.
type Entry struct {
	Kind      string      `json:"kind"`
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Status    string      `json:"status,omitempty"`
	Detail    interface{} `json:"detail"`
}

// Query selects the feed window. Either Range (a preset) or From/To.
type Query struct {
	WorkflowSlug string
	Range        string
	From         time.Time
	To           time.Time
	Statuses     []string
	Limit        int
}

// Resolve fills query defaults and validates the preset and limit.
func (q *Query) Resolve(now time.Time) error {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit < 0 || q.Limit > MaxLimit {
		return errors.NewBadRequest(fmt.Sprintf("limit must be in [1,%d]", MaxLimit))
	}
	if q.To.IsZero() {
		q.To = now
	}
	if q.From.IsZero() {
		span := defaultRange
		if q.Range != "" {
			preset, ok := rangePresets[q.Range]
			if !ok {
				return errors.NewBadRequest(fmt.Sprintf("unknown range preset %q", q.Range))
			}
			span = preset
		}
		q.From = q.To.Add(-span)
	}
	if q.From.After(q.To) {
		return errors.NewBadRequest("timeline from is after to")
	}
	return nil
}

// Service aggregates the feed from the store.
type Service struct {
	store store.Interface
	now   func() time.Time
}

func NewService(s store.Interface) *Service {
	return &Service{store: s, now: time.Now}
}

// Get fetches the five feed sources concurrently and merges them by
// timestamp descending, id ascending on ties.
func (s *Service) Get(ctx context.Context, query Query) ([]Entry, error) {
	if err := query.Resolve(s.now().UTC()); err != nil {
		return nil, err
	}
	workflow, err := s.store.GetWorkflowBySlug(ctx, query.WorkflowSlug)
	if err != nil {
		return nil, err
	}
	triggers, err := s.store.ListTriggersForWorkflow(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}
	triggerIDs := lo.Map(triggers, func(t model.EventTrigger, _ int) string { return t.ID })
	sources := lo.Uniq(lo.FilterMap(triggers, func(t model.EventTrigger, _ int) (string, bool) {
		return t.EventSource, t.EventSource != ""
	}))

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		combined   error
		runs       []model.WorkflowRun
		deliveries []model.TriggerDelivery
		failures   []model.TriggerFailureEvent
		pauses     []model.TriggerPause
		srcPauses  []model.SourcePause
	)
	fetch := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				combined = multierr.Append(combined, err)
				mu.Unlock()
			}
		}()
	}
	fetch(func() (err error) {
		runs, err = s.store.ListRuns(ctx, store.RunQuery{
			WorkflowDefinitionID: workflow.ID,
			From:                 query.From, To: query.To,
			Statuses: query.Statuses,
		})
		return err
	})
	fetch(func() (err error) {
		if len(triggerIDs) == 0 {
			return nil
		}
		deliveries, err = s.store.ListDeliveries(ctx, store.DeliveryQuery{
			TriggerIDs: triggerIDs,
			Statuses:   query.Statuses,
			From:       query.From, To: query.To,
		})
		return err
	})
	fetch(func() (err error) {
		if len(triggerIDs) == 0 {
			return nil
		}
		failures, err = s.store.ListFailureEvents(ctx, triggerIDs, query.From, query.To)
		return err
	})
	fetch(func() (err error) {
		if len(triggerIDs) == 0 {
			return nil
		}
		pauses, err = s.store.ListTriggerPauses(ctx, triggerIDs)
		return err
	})
	fetch(func() (err error) {
		if len(sources) == 0 {
			return nil
		}
		all, err := s.store.ListSourcePauses(ctx)
		if err != nil {
			return err
		}
		srcPauses = lo.Filter(all, func(p model.SourcePause, _ int) bool {
			return lo.Contains(sources, p.Source)
		})
		return nil
	})
	wg.Wait()
	if combined != nil {
		return nil, combined
	}

	entries := make([]Entry, 0, len(runs)+len(deliveries)+len(failures)+len(pauses)+len(srcPauses))
	for i := range runs {
		run := runs[i]
		entries = append(entries, Entry{Kind: KindRun, ID: run.ID, Timestamp: run.CreatedAt, Status: run.Status, Detail: run})
	}
	for i := range deliveries {
		delivery := deliveries[i]
		entries = append(entries, Entry{Kind: KindDelivery, ID: delivery.ID, Timestamp: delivery.CreatedAt, Status: delivery.Status, Detail: delivery})
	}
	for i := range failures {
		failure := failures[i]
		entries = append(entries, Entry{Kind: KindFailure, ID: failure.ID, Timestamp: failure.FailedAt, Detail: failure})
	}
	for i := range pauses {
		pause := pauses[i]
		if !s.pauseInWindow(pause.UpdatedAt, query) {
			continue
		}
		entries = append(entries, Entry{Kind: KindTriggerPause, ID: pause.TriggerID, Timestamp: pause.UpdatedAt, Status: pause.Reason, Detail: pause})
	}
	for i := range srcPauses {
		pause := srcPauses[i]
		if !s.pauseInWindow(pause.UpdatedAt, query) {
			continue
		}
		entries = append(entries, Entry{Kind: KindSourcePause, ID: pause.Source, Timestamp: pause.UpdatedAt, Status: pause.Reason, Detail: pause})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
	if len(entries) > query.Limit {
		entries = entries[:query.Limit]
	}
	return entries, nil
}

func (s *Service) pauseInWindow(updatedAt time.Time, query Query) bool {
	return !updatedAt.Before(query.From) && !updatedAt.After(query.To)
}
