/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package schedules materializes cron schedules into workflow runs, with
// catch-up for missed fires and start/end window gating.
package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/metrics"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
	"github.com/openfathom/fathom/pkg/timeutil"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RunLauncher decouples the materializer from the executor.
type RunLauncher interface {
	LaunchScheduled(ctx context.Context, schedule *model.Schedule, window model.ScheduleWindow, runKey string) (*model.WorkflowRun, error)
}

// Engine sweeps due schedules and launches runs for their cron fires.
type Engine struct {
	store    store.Interface
	launcher RunLauncher
	now      func() time.Time
}

func NewEngine(s store.Interface, launcher RunLauncher) *Engine {
	return &Engine{store: s, launcher: launcher, now: time.Now}
}

// MaterializeDue processes every schedule whose nextRunAt has passed.
// Returns the number of runs launched.
func (e *Engine) MaterializeDue(ctx context.Context) (int, error) {
	now := e.now().UTC()
	due, err := e.store.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, err
	}
	launched := 0
	for i := range due {
		n, err := e.materialize(ctx, &due[i], now)
		if err != nil {
			klog.ErrorS(err, "schedule materialization failed", "schedule", due[i].ID)
			continue
		}
		launched += n
	}
	return launched, nil
}

// materialize computes the fires owed between the schedule's cursor and now
// and launches a run per fire (or only the latest without catchUp).
func (e *Engine) materialize(ctx context.Context, schedule *model.Schedule, now time.Time) (int, error) {
	sched, err := cronParser.Parse(schedule.Cron)
	if err != nil {
		return 0, errors.NewBadRequest(fmt.Sprintf("schedule %s has invalid cron %q: %v", schedule.ID, schedule.Cron, err))
	}
	loc, err := timeutil.LocationOrUTC(schedule.Timezone)
	if err != nil {
		return 0, errors.NewBadRequest(fmt.Sprintf("schedule %s has invalid timezone %q", schedule.ID, schedule.Timezone))
	}

	cursor := now.Add(-time.Duration(config.GetScheduleLookbackHours()) * time.Hour)
	if schedule.LastMaterializedWindow != nil && schedule.LastMaterializedWindow.End.After(cursor) {
		cursor = schedule.LastMaterializedWindow.End
	}
	if schedule.CatchupCursor != nil && schedule.CatchupCursor.After(cursor) {
		cursor = *schedule.CatchupCursor
	}

	maxCatchUp := config.GetScheduleMaxCatchUp()
	var fires []time.Time
	truncated := false
	for t := sched.Next(cursor.In(loc)); !t.After(now); t = sched.Next(t) {
		if !e.withinWindow(schedule, t) {
			continue
		}
		if len(fires) == maxCatchUp {
			truncated = true
			break
		}
		fires = append(fires, t)
	}
	if !schedule.CatchUp && len(fires) > 1 {
		fires = fires[len(fires)-1:]
	}

	launched := 0
	var lastFire time.Time
	for _, fire := range fires {
		window := model.ScheduleWindow{Start: fire.UTC(), End: sched.Next(fire).UTC()}
		runKey := fmt.Sprintf("schedule:%s:%s", schedule.ID, fire.UTC().Format(time.RFC3339))
		if _, err := e.launcher.LaunchScheduled(ctx, schedule, window, runKey); err != nil {
			if errors.IsConflict(err) {
				// fire already materialized, move on
				lastFire = fire
				continue
			}
			return launched, err
		}
		metrics.ScheduleFires.Inc()
		launched++
		lastFire = fire
	}

	if !lastFire.IsZero() {
		end := sched.Next(lastFire).UTC()
		schedule.LastMaterializedWindow = &model.ScheduleWindow{Start: lastFire.UTC(), End: end}
	}
	if truncated && !lastFire.IsZero() {
		cursorAt := lastFire.UTC()
		schedule.CatchupCursor = &cursorAt
	} else {
		schedule.CatchupCursor = nil
	}
	next := sched.Next(now.In(loc)).UTC()
	if truncated {
		next = now
	}
	schedule.NextRunAt = &next
	if _, err := e.store.UpdateSchedule(ctx, schedule); err != nil {
		return launched, err
	}
	return launched, nil
}

func (e *Engine) withinWindow(schedule *model.Schedule, t time.Time) bool {
	if schedule.StartWindow != nil && t.Before(*schedule.StartWindow) {
		return false
	}
	if schedule.EndWindow != nil && t.After(*schedule.EndWindow) {
		return false
	}
	return true
}

// Run sweeps on the configured tick interval until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(config.GetScheduleTickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.MaterializeDue(ctx); err != nil {
				klog.ErrorS(err, "schedule sweep failed")
			}
		}
	}
}

// Service is the schedule CRUD surface.
type Service struct {
	store    store.Interface
	onChange func(workflowID string)
}

func NewService(s store.Interface) *Service {
	return &Service{store: s}
}

// SetOnChange registers the hook invoked after every schedule mutation.
func (s *Service) SetOnChange(hook func(workflowID string)) {
	s.onChange = hook
}

func (s *Service) notify(workflowID string) {
	if s.onChange != nil {
		s.onChange(workflowID)
	}
}

func validateSchedule(schedule *model.Schedule) error {
	if schedule.WorkflowDefinitionID == "" {
		return errors.NewBadRequest("schedule workflowDefinitionId must not be empty")
	}
	if _, err := cronParser.Parse(schedule.Cron); err != nil {
		return errors.NewValidation(fmt.Sprintf("invalid cron expression %q", schedule.Cron), err.Error())
	}
	if _, err := timeutil.LocationOrUTC(schedule.Timezone); err != nil {
		return errors.NewValidation(fmt.Sprintf("invalid timezone %q", schedule.Timezone), nil)
	}
	if schedule.StartWindow != nil && schedule.EndWindow != nil && schedule.EndWindow.Before(*schedule.StartWindow) {
		return errors.NewValidation("schedule endWindow precedes startWindow", nil)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error) {
	if err := validateSchedule(schedule); err != nil {
		return nil, err
	}
	created, err := s.store.CreateSchedule(ctx, schedule)
	if err != nil {
		return nil, err
	}
	s.notify(created.WorkflowDefinitionID)
	return created, nil
}

func (s *Service) Update(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error) {
	if err := validateSchedule(schedule); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateSchedule(ctx, schedule)
	if err != nil {
		return nil, err
	}
	s.notify(updated.WorkflowDefinitionID)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) ListForWorkflow(ctx context.Context, workflowID string) ([]model.Schedule, error) {
	return s.store.ListSchedulesForWorkflow(ctx, workflowID)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	schedule, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.notify(schedule.WorkflowDefinitionID)
	return nil
}
