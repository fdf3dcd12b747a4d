/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package apiutil carries the HTTP plumbing shared by every handler group:
// the response envelope, error conversion, request logging, and bearer-token
// authorization.
package apiutil

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/errors"
)

// Envelope is the success body: {data, meta?}.
type Envelope struct {
	Data interface{} `json:"data"`
	Meta interface{} `json:"meta,omitempty"`
}

// WithMeta pairs a payload with response metadata.
func WithMeta(data, meta interface{}) Envelope {
	return Envelope{Data: data, Meta: meta}
}

// apiError is the wire form of a structured error.
type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

// HandleFunc produces the payload for one route; a non-nil error aborts the
// request with the structured error body.
type HandleFunc[T any] func(c *gin.Context) (T, error)

// Handle runs fn and writes the enveloped response. Handlers that return a
// non-200 success status set it on the context before returning. An Envelope
// return value is written as-is; anything else is wrapped as {data}.
func Handle[T any](c *gin.Context, fn HandleFunc[T]) {
	payload, err := fn(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	code := http.StatusOK
	if c.Writer.Status() > 0 {
		code = c.Writer.Status()
	}
	switch body := any(payload).(type) {
	case Envelope:
		c.JSON(code, body)
	default:
		c.JSON(code, Envelope{Data: payload})
	}
}

// AbortWithError converts err into the {error} body and aborts. Status
// errors keep their HTTP code and reason; anything else is an internal
// error.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := errors.AsStatus(err)
	c.AbortWithStatusJSON(errors.CodeForError(err), gin.H{"error": apiError{
		Code:    status.Reason,
		Message: status.Message,
		Detail:  status.Detail,
	}})
}

// Logger logs one line per request through klog.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		klog.V(2).InfoS("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(started),
			"errors", c.Errors.Errors())
	}
}
