/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package runtime holds the interfaces to the external job runtime and the
// service registry. Real implementations live outside this repository; the
// in-memory versions here back the embedded server and tests.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

// JobBundle is one executable bundle known to the job registry.
type JobBundle struct {
	Slug       string `json:"slug"`
	Version    string `json:"version"`
	ExportName string `json:"exportName,omitempty"`
	EntryPoint string `json:"entryPoint,omitempty"`
}

// ParseEntryPoint infers a bundle binding from an entry-point string of the
// form "slug@version#export"; version and export are optional.
func ParseEntryPoint(entryPoint string) model.BundleBinding {
	binding := model.BundleBinding{Strategy: model.BundleStrategyLatest}
	rest := entryPoint
	if i := strings.Index(rest, "#"); i >= 0 {
		binding.ExportName = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.Index(rest, "@"); i >= 0 {
		version := rest[i+1:]
		binding.Version = &version
		binding.Strategy = model.BundleStrategyPinned
		rest = rest[:i]
	}
	binding.Slug = rest
	return binding
}

// JobRegistry resolves bundle bindings to concrete bundles.
type JobRegistry interface {
	// ResolveBundle returns the bundle for slug; a nil version means latest.
	ResolveBundle(ctx context.Context, slug string, version *string) (*JobBundle, error)
}

// JobRequest is one job-step execution handed to the runtime.
type JobRequest struct {
	RunID        string          `json:"runId"`
	StepID       string          `json:"stepId"`
	JobSlug      string          `json:"jobSlug"`
	Bundle       *model.BundleBinding `json:"bundle,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	PartitionKey string          `json:"partitionKey,omitempty"`
	FanoutIndex  *int            `json:"fanoutIndex,omitempty"`
}

// JobResult is what a completed job hands back.
type JobResult struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// JobRuntime executes job steps. Errors are surfaced to the executor's retry
// machinery untouched.
type JobRuntime interface {
	ExecuteJob(ctx context.Context, req JobRequest) (JobResult, error)
}

// ServiceEndpoint lists the candidate addresses of one remote service, in
// the order the service client tries them.
type ServiceEndpoint struct {
	Slug          string `json:"slug"`
	ContainerURL  string `json:"containerUrl,omitempty"`
	InstanceURL   string `json:"instanceUrl,omitempty"`
	AdvertisedURL string `json:"advertisedUrl,omitempty"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	FallbackURL   string `json:"fallbackUrl,omitempty"`
}

// ServiceRegistry resolves service slugs to endpoints.
type ServiceRegistry interface {
	LookupService(ctx context.Context, slug string) (*ServiceEndpoint, error)
}

// JobHandler is an in-memory job implementation.
type JobHandler func(ctx context.Context, req JobRequest) (json.RawMessage, error)

// Memory is the embedded registry and runtime in one: job handlers and
// service endpoints registered at startup.
type Memory struct {
	mu        sync.RWMutex
	bundles   map[string]*JobBundle
	handlers  map[string]JobHandler
	endpoints map[string]*ServiceEndpoint
}

func NewMemory() *Memory {
	return &Memory{
		bundles:   make(map[string]*JobBundle),
		handlers:  make(map[string]JobHandler),
		endpoints: make(map[string]*ServiceEndpoint),
	}
}

// RegisterJob binds a handler (and its bundle entry) to a job slug.
func (m *Memory) RegisterJob(slug string, handler JobHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[slug] = handler
	if _, ok := m.bundles[slug]; !ok {
		m.bundles[slug] = &JobBundle{Slug: slug, Version: "1.0.0"}
	}
}

// RegisterBundle adds or replaces a bundle registry entry.
func (m *Memory) RegisterBundle(bundle JobBundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[bundle.Slug] = &bundle
}

// RegisterService adds a service endpoint.
func (m *Memory) RegisterService(endpoint ServiceEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[endpoint.Slug] = &endpoint
}

func (m *Memory) ResolveBundle(_ context.Context, slug string, version *string) (*JobBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bundle, ok := m.bundles[slug]
	if !ok {
		return nil, errors.NewNotFound("job bundle", slug)
	}
	if version != nil && *version != "" && bundle.Version != *version {
		return nil, errors.NewNotFoundWithMessage(fmt.Sprintf("job bundle %s has no version %s", slug, *version))
	}
	out := *bundle
	return &out, nil
}

func (m *Memory) ExecuteJob(ctx context.Context, req JobRequest) (JobResult, error) {
	m.mu.RLock()
	handler, ok := m.handlers[req.JobSlug]
	m.mu.RUnlock()
	if !ok {
		return JobResult{}, errors.NewNotFound("job", req.JobSlug)
	}
	output, err := handler(ctx, req)
	if err != nil {
		return JobResult{}, err
	}
	return JobResult{Output: output}, nil
}

func (m *Memory) LookupService(_ context.Context, slug string) (*ServiceEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	endpoint, ok := m.endpoints[slug]
	if !ok {
		return nil, errors.NewNotFound("service", slug)
	}
	out := *endpoint
	return &out, nil
}

var (
	_ JobRegistry     = (*Memory)(nil)
	_ JobRuntime      = (*Memory)(nil)
	_ ServiceRegistry = (*Memory)(nil)
)
