/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package serviceclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/runtime"
)

func TestCandidateBaseURLOrder(t *testing.T) {
	candidates := CandidateBaseURLs(&runtime.ServiceEndpoint{
		Slug:          "enrich",
		ContainerURL:  "http://container:8080/",
		InstanceURL:   "http://instance:8080",
		AdvertisedURL: "http://instance:8080",
		Host:          "10.0.0.7",
		Port:          9000,
		FallbackURL:   "http://fallback:8080",
	})
	assert.Equal(t, []string{
		"http://container:8080",
		"http://instance:8080",
		"http://10.0.0.7:9000",
		"http://fallback:8080",
	}, candidates)
}

func TestRewriteLoopback(t *testing.T) {
	assert.Equal(t, "http://gateway:9000/x", RewriteLoopback("http://127.0.0.1:9000/x", "gateway", false))
	assert.Equal(t, "http://gateway/x", RewriteLoopback("http://localhost/x", "gateway", false))
	assert.Equal(t, "http://127.0.0.1:9000/x", RewriteLoopback("http://127.0.0.1:9000/x", "gateway", true))
	assert.Equal(t, "http://127.0.0.1:9000/x", RewriteLoopback("http://127.0.0.1:9000/x", "", false))
	assert.Equal(t, "http://svc:9000/x", RewriteLoopback("http://svc:9000/x", "gateway", false))
}

func TestCallFirstReachableWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/enrich", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	registry := runtime.NewMemory()
	registry.RegisterService(runtime.ServiceEndpoint{
		Slug:         "enrich",
		ContainerURL: "http://127.0.0.1:1", // nothing listens here
		InstanceURL:  server.URL,
	})
	client := NewWithHTTPClient(registry, server.Client(), time.Second)

	resp, err := client.Call(context.Background(), Request{
		ServiceSlug: "enrich", Path: "v1/enrich", Method: http.MethodPost,
		Body: []byte(`{"orderId":"ORD-42"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, server.URL, resp.BaseURL)
}

func TestCallNon2xxIsDependencyUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	registry := runtime.NewMemory()
	registry.RegisterService(runtime.ServiceEndpoint{Slug: "enrich", InstanceURL: server.URL})
	client := NewWithHTTPClient(registry, server.Client(), time.Second)

	resp, err := client.Call(context.Background(), Request{ServiceSlug: "enrich", Path: "/v1/enrich"})
	require.Error(t, err)
	assert.Equal(t, errors.DependencyUnhealthy, errors.ReasonForError(err))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCallAllUnreachable(t *testing.T) {
	registry := runtime.NewMemory()
	registry.RegisterService(runtime.ServiceEndpoint{Slug: "enrich", InstanceURL: "http://127.0.0.1:1"})
	client := NewWithHTTPClient(registry, http.DefaultClient, 200*time.Millisecond)

	_, err := client.Call(context.Background(), Request{ServiceSlug: "enrich", Path: "/ping"})
	require.Error(t, err)
	assert.Equal(t, errors.DependencyUnhealthy, errors.ReasonForError(err))
}

func TestCallUnknownService(t *testing.T) {
	client := NewWithHTTPClient(runtime.NewMemory(), http.DefaultClient, time.Second)
	_, err := client.Call(context.Background(), Request{ServiceSlug: "ghost"})
	assert.True(t, errors.IsNotFound(err))
}
