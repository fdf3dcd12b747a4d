/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/errors"
)

var event = []byte(`{
	"id": "evt-1",
	"type": "order.created",
	"source": "shop",
	"payload": {"orderId": "ORD-42", "customer": {"email": "  Jane@Example.COM  "}, "total": 99.5}
}`)

func TestRenderStringPaths(t *testing.T) {
	out, err := RenderString("order-{{payload.orderId}}", event)
	require.NoError(t, err)
	assert.Equal(t, "order-ORD-42", out)
}

func TestRenderStringFilters(t *testing.T) {
	out, err := RenderString("{{payload.customer.email | trim | lower}}", event)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", out)

	out, err = RenderString("{{payload.orderId | slice:0:3}}", event)
	require.NoError(t, err)
	assert.Equal(t, "ORD", out)

	out, err = RenderString("{{payload.missing | default:fallback}}", event)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestRenderStringMissingPath(t *testing.T) {
	_, err := RenderString("{{payload.nope}}", event)
	require.Error(t, err)
	assert.True(t, errors.IsTemplateInvalid(err))
}

func TestValidateSyntax(t *testing.T) {
	assert.NoError(t, Validate("plain text"))
	assert.NoError(t, Validate("{{payload.x | default:1}}"))
	assert.Error(t, Validate("{{payload.x"))
	assert.Error(t, Validate("payload.x}}"))
	assert.Error(t, Validate("{{}}"))
	assert.Error(t, Validate("{{payload.x | rot13}}"))
	assert.Error(t, Validate("{{payload.x | slice:a:b}}"))
}

func TestRenderDocument(t *testing.T) {
	doc := []byte(`{"order":"{{payload.orderId}}","nested":{"email":"{{payload.customer.email | trim}}"},"n":3}`)
	out, err := RenderDocument(doc, event)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order":"ORD-42","nested":{"email":"Jane@Example.COM"},"n":3}`, string(out))
}

func TestDocumentHasExpressions(t *testing.T) {
	assert.True(t, DocumentHasExpressions([]byte(`{"a":{"b":"{{payload.x}}"}}`)))
	assert.False(t, DocumentHasExpressions([]byte(`{"a":"static"}`)))
	assert.False(t, DocumentHasExpressions(nil))
}
