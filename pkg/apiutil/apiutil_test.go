/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package apiutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openfathom/fathom/pkg/errors"
)

func TestScopeAllowed(t *testing.T) {
	cases := []struct {
		granted  []string
		required string
		want     bool
	}{
		{[]string{"workflows:read"}, "workflows:read", true},
		{[]string{"workflows:read"}, "workflows:write", false},
		{[]string{"*"}, "anything:at-all", true},
		{[]string{"workflows:*"}, "workflows:run", true},
		{[]string{"workflows:*"}, "datasets:read", false},
		{[]string{"jobs:*", "workflows:read"}, "workflows:read", true},
		{nil, "workflows:read", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ScopeAllowed(tc.granted, tc.required),
			"granted=%v required=%s", tc.granted, tc.required)
	}
}

func TestHandleWrapsPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ok", func(c *gin.Context) {
		Handle(c, func(c *gin.Context) (gin.H, error) {
			return gin.H{"value": 42}, nil
		})
	})
	engine.GET("/meta", func(c *gin.Context) {
		Handle(c, func(c *gin.Context) (Envelope, error) {
			return WithMeta(gin.H{"value": 1}, gin.H{"hit": true}), nil
		})
	})
	engine.GET("/fail", func(c *gin.Context) {
		Handle(c, func(c *gin.Context) (gin.H, error) {
			return nil, errors.NewNotFound("widget", "w-1")
		})
	})

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, int64(42), gjson.Get(recorder.Body.String(), "data.value").Int())

	recorder = httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/meta", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.True(t, gjson.Get(recorder.Body.String(), "meta.hit").Bool())

	recorder = httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/fail", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
	body := recorder.Body.String()
	assert.NotEmpty(t, gjson.Get(body, "error.code").String())
	assert.Contains(t, gjson.Get(body, "error.message").String(), "widget")
}
