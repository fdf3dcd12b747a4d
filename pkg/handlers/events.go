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

func (h *Handler) ingestEvent(c *gin.Context) (gin.H, error) {
	var envelope model.EventEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		return nil, errors.NewBadRequest(err.Error())
	}
	accepted, err := h.events.Ingest(c.Request.Context(), &envelope)
	if err != nil {
		return nil, err
	}
	c.Status(http.StatusAccepted)
	return gin.H{"acceptedAt": accepted.ReceivedAt, "event": accepted}, nil
}
