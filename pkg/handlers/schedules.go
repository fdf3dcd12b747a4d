/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

func (h *Handler) createSchedule(c *gin.Context) (*model.Schedule, error) {
	def, err := h.workflows.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		return nil, err
	}
	var schedule model.Schedule
	if err := c.ShouldBindJSON(&schedule); err != nil {
		return nil, errors.NewBadRequest(err.Error())
	}
	schedule.WorkflowDefinitionID = def.ID
	created, err := h.schedules.Create(c.Request.Context(), &schedule)
	if err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return created, nil
}

func (h *Handler) listSchedules(c *gin.Context) ([]model.Schedule, error) {
	def, err := h.workflows.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		return nil, err
	}
	return h.schedules.ListForWorkflow(c.Request.Context(), def.ID)
}

func (h *Handler) getSchedule(c *gin.Context) (*model.Schedule, error) {
	return h.schedules.Get(c.Request.Context(), c.Param("id"))
}

func (h *Handler) updateSchedule(c *gin.Context) (*model.Schedule, error) {
	existing, err := h.schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	updated := *existing
	if err := c.ShouldBindJSON(&updated); err != nil {
		return nil, errors.NewBadRequest(err.Error())
	}
	updated.ID = existing.ID
	updated.WorkflowDefinitionID = existing.WorkflowDefinitionID
	return h.schedules.Update(c.Request.Context(), &updated)
}

func (h *Handler) deleteSchedule(c *gin.Context) (gin.H, error) {
	if err := h.schedules.Delete(c.Request.Context(), c.Param("id")); err != nil {
		return nil, err
	}
	return gin.H{"deleted": c.Param("id")}, nil
}
