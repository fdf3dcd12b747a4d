/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/store"
)

// triggerRequest is a trigger definition plus an optional sample event used
// to validate its template expressions.
type triggerRequest struct {
	model.EventTrigger
	SampleEvent json.RawMessage `json:"sampleEvent,omitempty"`
}

func (h *Handler) createTrigger(c *gin.Context) (*model.EventTrigger, error) {
	def, err := h.workflows.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		return nil, err
	}
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.NewBadRequest(err.Error())
	}
	req.EventTrigger.WorkflowDefinitionID = def.ID
	created, err := h.triggers.Create(c.Request.Context(), &req.EventTrigger, req.SampleEvent)
	if err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return created, nil
}

func (h *Handler) listTriggers(c *gin.Context) ([]model.EventTrigger, error) {
	def, err := h.workflows.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		return nil, err
	}
	return h.triggers.ListForWorkflow(c.Request.Context(), def.ID)
}

func (h *Handler) getTrigger(c *gin.Context) (*model.EventTrigger, error) {
	return h.triggers.Get(c.Request.Context(), c.Param("id"))
}

func (h *Handler) updateTrigger(c *gin.Context) (*model.EventTrigger, error) {
	existing, err := h.triggers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	req := triggerRequest{EventTrigger: *existing}
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.NewBadRequest(err.Error())
	}
	req.EventTrigger.ID = existing.ID
	req.EventTrigger.WorkflowDefinitionID = existing.WorkflowDefinitionID
	return h.triggers.Update(c.Request.Context(), &req.EventTrigger, req.SampleEvent)
}

func (h *Handler) deleteTrigger(c *gin.Context) (gin.H, error) {
	if err := h.triggers.Delete(c.Request.Context(), c.Param("id")); err != nil {
		return nil, err
	}
	return gin.H{"deleted": c.Param("id")}, nil
}

func (h *Handler) listDeliveries(c *gin.Context) ([]model.TriggerDelivery, error) {
	trigger, err := h.triggers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	query := store.DeliveryQuery{
		TriggerIDs: []string{trigger.ID},
		Statuses:   c.QueryArray("status"),
		DedupeKey:  c.Query("dedupeKey"),
	}
	if query.Limit, err = parseLimit(c, maxListLimit); err != nil {
		return nil, err
	}
	if query.From, err = parseTime(c, "from"); err != nil {
		return nil, err
	}
	if query.To, err = parseTime(c, "to"); err != nil {
		return nil, err
	}
	return h.triggers.ListDeliveries(c.Request.Context(), query)
}
