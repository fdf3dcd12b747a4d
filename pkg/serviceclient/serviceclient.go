/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package serviceclient performs the outbound HTTP calls of service steps.
// Endpoints come from the service registry as an ordered list of candidate
// base URLs; the first one that answers wins.
package serviceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/runtime"
)

// Request is one service-step invocation.
type Request struct {
	ServiceSlug string
	Path        string
	Method      string
	Headers     map[string]string
	Body        json.RawMessage
}

// Response carries the status and body of the winning candidate's answer.
type Response struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body,omitempty"`
	BaseURL    string          `json:"baseUrl,omitempty"`
}

type Client struct {
	registry        runtime.ServiceRegistry
	httpClient      *http.Client
	timeout         time.Duration
	hostOverride    string
	disableLoopback bool
}

// New builds a client configured from the service_client settings.
func New(registry runtime.ServiceRegistry) *Client {
	return &Client{
		registry:        registry,
		httpClient:      http.DefaultClient,
		timeout:         config.GetServiceClientTimeout(),
		hostOverride:    config.GetServiceClientHostOverride(),
		disableLoopback: config.IsLoopbackRewriteDisabled(),
	}
}

// NewWithHTTPClient is the test hook for injecting a transport.
func NewWithHTTPClient(registry runtime.ServiceRegistry, httpClient *http.Client, timeout time.Duration) *Client {
	return &Client{registry: registry, httpClient: httpClient, timeout: timeout}
}

// CandidateBaseURLs returns the endpoint's addresses in probe order:
// container, instance, advertised, host+port, fallback. Empty entries are
// skipped and duplicates collapsed.
func CandidateBaseURLs(endpoint *runtime.ServiceEndpoint) []string {
	raw := []string{endpoint.ContainerURL, endpoint.InstanceURL, endpoint.AdvertisedURL}
	if endpoint.Host != "" && endpoint.Port > 0 {
		raw = append(raw, fmt.Sprintf("http://%s:%d", endpoint.Host, endpoint.Port))
	}
	raw = append(raw, endpoint.FallbackURL)

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, candidate := range raw {
		candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}
	return out
}

// RewriteLoopback replaces a loopback host in rawURL with hostOverride. The
// URL passes through unchanged when rewriting is disabled, the override is
// empty, or the host is not a loopback address.
func RewriteLoopback(rawURL, hostOverride string, disabled bool) string {
	if disabled || hostOverride == "" {
		return rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	host := parsed.Hostname()
	if !isLoopbackHost(host) {
		return rawURL
	}
	if port := parsed.Port(); port != "" {
		parsed.Host = net.JoinHostPort(hostOverride, port)
	} else {
		parsed.Host = hostOverride
	}
	return parsed.String()
}

func isLoopbackHost(host string) bool {
	if host == "localhost" || host == "0.0.0.0" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Call resolves the service and tries each candidate base URL in order.
// Transport errors move on to the next candidate; any HTTP response settles
// the call. Non-2xx statuses come back as dependency-unhealthy errors.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	endpoint, err := c.registry.LookupService(ctx, req.ServiceSlug)
	if err != nil {
		return nil, err
	}
	candidates := CandidateBaseURLs(endpoint)
	if len(candidates) == 0 {
		return nil, errors.NewDependencyUnhealthy(fmt.Sprintf("service %s has no reachable endpoints", req.ServiceSlug))
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var lastErr error
	for _, base := range candidates {
		base = RewriteLoopback(base, c.hostOverride, c.disableLoopback)
		resp, err := c.attempt(ctx, method, base, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.NewTimeout(fmt.Sprintf("service %s call canceled: %v", req.ServiceSlug, ctx.Err()))
			}
			klog.V(4).InfoS("service candidate unreachable", "service", req.ServiceSlug, "baseUrl", base, "err", err)
			lastErr = err
			continue
		}
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}
		return resp, errors.NewDependencyUnhealthy(fmt.Sprintf("service %s returned status %d", req.ServiceSlug, resp.StatusCode))
	}
	return nil, errors.NewDependencyUnhealthy(fmt.Sprintf("service %s unreachable on all candidates: %v", req.ServiceSlug, lastErr))
}

func (c *Client) attempt(ctx context.Context, method, base string, req Request) (*Response, error) {
	attemptCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := base + "/" + strings.TrimLeft(req.Path, "/")
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, target, body)
	if err != nil {
		return nil, err
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: httpResp.StatusCode, Body: payload, BaseURL: base}, nil
}
