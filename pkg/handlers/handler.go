/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package handlers is the HTTP surface: gin routes over the engine
// services, with bearer-token scopes and the {data, meta?} / {error}
// envelopes from pkg/apiutil.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfathom/fathom/pkg/apiutil"
	"github.com/openfathom/fathom/pkg/assets"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/events"
	"github.com/openfathom/fathom/pkg/executor"
	"github.com/openfathom/fathom/pkg/schedules"
	"github.com/openfathom/fathom/pkg/store"
	"github.com/openfathom/fathom/pkg/timeline"
	"github.com/openfathom/fathom/pkg/triggers"
	"github.com/openfathom/fathom/pkg/workflow"
)

// Handler carries the services behind the HTTP routes.
type Handler struct {
	store     store.Interface
	events    *events.Service
	workflows *workflow.Service
	executor  *executor.Executor
	triggers  *triggers.Service
	schedules *schedules.Service
	assets    *assets.Service
	graph     *assets.GraphCache
	timeline  *timeline.Service

	ready func() bool
}

func NewHandler(
	s store.Interface,
	eventSvc *events.Service,
	workflowSvc *workflow.Service,
	exec *executor.Executor,
	triggerSvc *triggers.Service,
	scheduleSvc *schedules.Service,
	assetSvc *assets.Service,
	graph *assets.GraphCache,
	timelineSvc *timeline.Service,
) *Handler {
	return &Handler{
		store:     s,
		events:    eventSvc,
		workflows: workflowSvc,
		executor:  exec,
		triggers:  triggerSvc,
		schedules: scheduleSvc,
		assets:    assetSvc,
		graph:     graph,
		timeline:  timelineSvc,
		ready:     func() bool { return true },
	}
}

// SetReady installs the readiness probe consulted by /readyz.
func (h *Handler) SetReady(probe func() bool) {
	if probe != nil {
		h.ready = probe
	}
}

// InitRouters builds the gin engine with every route registered.
func InitRouters(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(apiutil.Logger(), gin.Recovery())
	engine.NoRoute(func(c *gin.Context) {
		apiutil.AbortWithError(c, errors.NewNotFoundWithMessage(c.Request.RequestURI+" not found"))
	})

	engine.GET("/health", h.health)
	engine.GET("/readyz", h.readyz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/v1/events", apiutil.Authorize("events:write"), func(c *gin.Context) {
		apiutil.Handle(c, h.ingestEvent)
	})

	workflows := engine.Group("/workflows")
	{
		workflows.GET("", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.listWorkflows)
		})
		workflows.POST("", apiutil.Authorize("workflows:write"), func(c *gin.Context) {
			apiutil.Handle(c, h.createWorkflow)
		})
		workflows.GET("/graph", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.workflowGraph)
		})
		workflows.GET("/:slug", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.getWorkflow)
		})
		workflows.PATCH("/:slug", apiutil.Authorize("workflows:write"), func(c *gin.Context) {
			apiutil.Handle(c, h.updateWorkflow)
		})
		workflows.DELETE("/:slug", apiutil.Authorize("workflows:write"), func(c *gin.Context) {
			apiutil.Handle(c, h.deleteWorkflow)
		})
		workflows.POST("/:slug/run", apiutil.Authorize("workflows:run"), func(c *gin.Context) {
			apiutil.Handle(c, h.runWorkflow)
		})
		workflows.GET("/:slug/runs", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.listRuns)
		})
		workflows.POST("/:slug/triggers", apiutil.Authorize("workflows:write"), func(c *gin.Context) {
			apiutil.Handle(c, h.createTrigger)
		})
		workflows.GET("/:slug/triggers", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.listTriggers)
		})
		workflows.POST("/:slug/schedules", apiutil.Authorize("workflows:write"), func(c *gin.Context) {
			apiutil.Handle(c, h.createSchedule)
		})
		workflows.GET("/:slug/schedules", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.listSchedules)
		})
		workflows.GET("/:slug/timeline", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.workflowTimeline)
		})
		workflows.GET("/:slug/auto-materialize", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.autoMaterializeStatus)
		})
	}

	runs := engine.Group("/workflow-runs")
	{
		runs.GET("/:runId", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.getRun)
		})
		runs.POST("/:runId/cancel", apiutil.Authorize("workflows:run"), func(c *gin.Context) {
			apiutil.Handle(c, h.cancelRun)
		})
		runs.POST("/:runId/replay", apiutil.Authorize("workflows:run"), h.replayRun)
		runs.GET("/:runId/diff", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.diffRuns)
		})
	}

	triggerRoutes := engine.Group("/workflow-triggers")
	{
		triggerRoutes.GET("/:id", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.getTrigger)
		})
		triggerRoutes.PATCH("/:id", apiutil.Authorize("workflows:write"), func(c *gin.Context) {
			apiutil.Handle(c, h.updateTrigger)
		})
		triggerRoutes.DELETE("/:id", apiutil.Authorize("workflows:write"), func(c *gin.Context) {
			apiutil.Handle(c, h.deleteTrigger)
		})
		triggerRoutes.GET("/:id/deliveries", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.listDeliveries)
		})
	}

	scheduleRoutes := engine.Group("/workflow-schedules")
	{
		scheduleRoutes.GET("/:id", apiutil.Authorize("workflows:read"), func(c *gin.Context) {
			apiutil.Handle(c, h.getSchedule)
		})
		scheduleRoutes.PATCH("/:id", apiutil.Authorize("workflows:write"), func(c *gin.Context) {
			apiutil.Handle(c, h.updateSchedule)
		})
		scheduleRoutes.DELETE("/:id", apiutil.Authorize("workflows:write"), func(c *gin.Context) {
			apiutil.Handle(c, h.deleteSchedule)
		})
	}

	return engine
}
