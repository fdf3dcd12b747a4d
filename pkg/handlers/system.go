/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/timeline"
)

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"features": gin.H{"streaming": config.IsStreamingEnabled()},
	})
}

func (h *Handler) readyz(c *gin.Context) {
	if config.IsStreamingEnabled() && !h.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"features": gin.H{"streaming": true},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ready",
		"features": gin.H{"streaming": config.IsStreamingEnabled()},
	})
}

func (h *Handler) workflowTimeline(c *gin.Context) ([]timeline.Entry, error) {
	query := timeline.Query{
		WorkflowSlug: c.Param("slug"),
		Range:        c.Query("range"),
		Statuses:     c.QueryArray("status"),
	}
	var err error
	if query.Limit, err = parseLimit(c, timeline.MaxLimit); err != nil {
		return nil, err
	}
	if query.From, err = parseTime(c, "from"); err != nil {
		return nil, err
	}
	if query.To, err = parseTime(c, "to"); err != nil {
		return nil, err
	}
	return h.timeline.Get(c.Request.Context(), query)
}
