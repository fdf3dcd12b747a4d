/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfathom/fathom/pkg/apiutil"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/executor"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

const maxListLimit = 200

type runRequest struct {
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	RunKey       string          `json:"runKey,omitempty"`
	PartitionKey string          `json:"partitionKey,omitempty"`
}

func (h *Handler) runWorkflow(c *gin.Context) (*model.WorkflowRun, error) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, errors.NewBadRequest(err.Error())
		}
	}
	run, err := h.executor.CreateRun(c.Request.Context(), executor.CreateRequest{
		WorkflowSlug: c.Param("slug"),
		Parameters:   req.Parameters,
		RunKey:       req.RunKey,
		PartitionKey: req.PartitionKey,
		TriggeredBy:  executor.TriggeredByAPI,
	})
	if err != nil {
		return nil, err
	}
	c.Status(http.StatusAccepted)
	return run, nil
}

func (h *Handler) listRuns(c *gin.Context) ([]model.WorkflowRun, error) {
	def, err := h.workflows.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		return nil, err
	}
	query := store.RunQuery{WorkflowDefinitionID: def.ID}
	query.Statuses = c.QueryArray("status")
	if query.Limit, err = parseLimit(c, maxListLimit); err != nil {
		return nil, err
	}
	if query.From, err = parseTime(c, "from"); err != nil {
		return nil, err
	}
	if query.To, err = parseTime(c, "to"); err != nil {
		return nil, err
	}
	return h.store.ListRuns(c.Request.Context(), query)
}

func (h *Handler) getRun(c *gin.Context) (*model.WorkflowRun, error) {
	return h.store.GetRun(c.Request.Context(), c.Param("runId"))
}

func (h *Handler) cancelRun(c *gin.Context) (*model.WorkflowRun, error) {
	return h.executor.Cancel(c.Request.Context(), c.Param("runId"))
}

type replayRequest struct {
	AllowStaleAssets bool `json:"allowStaleAssets,omitempty"`
}

// replayRun is wired directly rather than through apiutil.Handle because the
// stale-assets rejection has its own response shape.
func (h *Handler) replayRun(c *gin.Context) {
	var req replayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apiutil.AbortWithError(c, errors.NewBadRequest(err.Error()))
			return
		}
	}
	run, stale, err := h.executor.Replay(c.Request.Context(), executor.ReplayRequest{
		RunID:            c.Param("runId"),
		AllowStaleAssets: req.AllowStaleAssets,
	})
	if err != nil {
		if errors.ReasonForError(err) == errors.StaleAssets {
			status := errors.AsStatus(err)
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "stale assets detected",
				"code":  "stale_assets",
				"data":  gin.H{"staleAssets": status.Detail},
			})
			return
		}
		apiutil.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, apiutil.Envelope{Data: gin.H{
		"run":         run,
		"staleAssets": executor.StaleAssetRefs(stale),
	}})
}

func (h *Handler) diffRuns(c *gin.Context) (gin.H, error) {
	compareTo := c.Query("compareTo")
	if compareTo == "" {
		return nil, errors.NewBadRequest("compareTo query parameter is required")
	}
	ctx := c.Request.Context()
	diff, err := h.executor.Diff(ctx, c.Param("runId"), compareTo)
	if err != nil {
		return nil, err
	}
	base, err := h.store.GetRun(ctx, diff.RunA)
	if err != nil {
		return nil, err
	}
	compare, err := h.store.GetRun(ctx, diff.RunB)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"base":        base,
		"compare":     compare,
		"diff":        diff,
		"staleAssets": diff.StaleWarnings,
	}, nil
}

func parseLimit(c *gin.Context, max int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.NewBadRequest("limit must be a non-negative integer")
	}
	if limit > max {
		return 0, errors.NewBadRequest("limit must not exceed " + strconv.Itoa(max))
	}
	return limit, nil
}

func parseTime(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.NewBadRequest(name + " must be RFC3339")
	}
	return parsed, nil
}
