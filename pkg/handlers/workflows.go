/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfathom/fathom/pkg/apiutil"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/workflow"
)

func (h *Handler) listWorkflows(c *gin.Context) ([]model.WorkflowDefinition, error) {
	return h.workflows.List(c.Request.Context())
}

func (h *Handler) createWorkflow(c *gin.Context) (*model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		return nil, errors.NewBadRequest(err.Error())
	}
	created, err := h.workflows.Create(c.Request.Context(), &def)
	if err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return created, nil
}

func (h *Handler) getWorkflow(c *gin.Context) (*model.WorkflowDefinition, error) {
	return h.workflows.Get(c.Request.Context(), c.Param("slug"))
}

func (h *Handler) updateWorkflow(c *gin.Context) (*model.WorkflowDefinition, error) {
	var req workflow.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.NewBadRequest(err.Error())
	}
	return h.workflows.Update(c.Request.Context(), c.Param("slug"), req)
}

func (h *Handler) deleteWorkflow(c *gin.Context) (gin.H, error) {
	if err := h.workflows.Delete(c.Request.Context(), c.Param("slug")); err != nil {
		return nil, err
	}
	return gin.H{"deleted": c.Param("slug")}, nil
}

func (h *Handler) workflowGraph(c *gin.Context) (apiutil.Envelope, error) {
	view, meta, err := h.graph.Get(c.Request.Context())
	if err != nil {
		return apiutil.Envelope{}, err
	}
	return apiutil.WithMeta(view, meta), nil
}

func (h *Handler) autoMaterializeStatus(c *gin.Context) (interface{}, error) {
	def, err := h.workflows.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		return nil, err
	}
	return h.assets.AutoMaterializeStatus(c.Request.Context(), def.ID)
}
