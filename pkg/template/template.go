/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package template renders the sandboxed {{path | filter}} expressions
// triggers use for parameters, run keys, and idempotency keys. Paths are
// gjson paths evaluated against the event envelope; no code execution.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/openfathom/fathom/pkg/errors"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// HasExpressions reports whether s contains at least one template
// expression.
func HasExpressions(s string) bool {
	return strings.Contains(s, openDelim)
}

// DocumentHasExpressions reports whether any string inside doc contains an
// expression.
func DocumentHasExpressions(doc json.RawMessage) bool {
	if len(doc) == 0 {
		return false
	}
	found := false
	var walk func(value gjson.Result) bool
	walk = func(value gjson.Result) bool {
		if value.Type == gjson.String && HasExpressions(value.String()) {
			found = true
			return false
		}
		if value.IsObject() || value.IsArray() {
			value.ForEach(func(_, v gjson.Result) bool { return walk(v) })
		}
		return !found
	}
	walk(gjson.ParseBytes(doc))
	return found
}

// Validate checks expression syntax without an event: balanced delimiters,
// non-empty paths, known filters with well-formed arguments.
func Validate(s string) error {
	_, err := render(s, nil, false)
	return err
}

// RenderString substitutes every expression in s with its value from event.
// A missing path without a default fails with template-invalid.
func RenderString(s string, event json.RawMessage) (string, error) {
	return render(s, event, true)
}

// RenderDocument renders every string value inside doc against event,
// returning the rewritten document.
func RenderDocument(doc, event json.RawMessage) (json.RawMessage, error) {
	if len(doc) == 0 {
		return doc, nil
	}
	var value interface{}
	if err := json.Unmarshal(doc, &value); err != nil {
		return nil, errors.NewTemplateInvalid(fmt.Sprintf("parameter template is not valid JSON: %v", err))
	}
	rendered, err := renderValue(value, event)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, errors.NewTemplateInvalid(err.Error())
	}
	return out, nil
}

func renderValue(value interface{}, event json.RawMessage) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return RenderString(v, event)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			rendered, err := renderValue(item, event)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := renderValue(item, event)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// render walks s once. With evaluate=false only syntax is checked and the
// returned string is meaningless.
func render(s string, event json.RawMessage, evaluate bool) (string, error) {
	var out strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if strings.Contains(rest, closeDelim) {
				return "", errors.NewTemplateInvalid("unmatched }} in template")
			}
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		rest = rest[start+len(openDelim):]
		end := strings.Index(rest, closeDelim)
		if end < 0 {
			return "", errors.NewTemplateInvalid("unclosed {{ in template")
		}
		expr := strings.TrimSpace(rest[:end])
		rest = rest[end+len(closeDelim):]
		value, err := evalExpression(expr, event, evaluate)
		if err != nil {
			return "", err
		}
		out.WriteString(value)
	}
}

func evalExpression(expr string, event json.RawMessage, evaluate bool) (string, error) {
	if expr == "" {
		return "", errors.NewTemplateInvalid("empty template expression")
	}
	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])
	if path == "" {
		return "", errors.NewTemplateInvalid("template expression has no path")
	}
	filters := make([]filter, 0, len(parts)-1)
	for _, raw := range parts[1:] {
		f, err := parseFilter(strings.TrimSpace(raw))
		if err != nil {
			return "", err
		}
		filters = append(filters, f)
	}
	if !evaluate {
		return "", nil
	}

	result := gjson.GetBytes(event, path)
	value := result.String()
	exists := result.Exists()
	for _, f := range filters {
		value, exists = f.apply(value, exists)
	}
	if !exists {
		return "", errors.NewTemplateInvalid(fmt.Sprintf("template path %q not found in event", path))
	}
	return value, nil
}

type filter struct {
	name string
	args []string
}

func parseFilter(raw string) (filter, error) {
	if raw == "" {
		return filter{}, errors.NewTemplateInvalid("empty template filter")
	}
	parts := strings.Split(raw, ":")
	f := filter{name: parts[0], args: parts[1:]}
	switch f.name {
	case "lower", "upper", "trim":
		if len(f.args) != 0 {
			return filter{}, errors.NewTemplateInvalid(fmt.Sprintf("filter %q takes no arguments", f.name))
		}
	case "default":
		if len(f.args) != 1 {
			return filter{}, errors.NewTemplateInvalid("filter default requires one argument")
		}
	case "slice":
		if len(f.args) != 2 {
			return filter{}, errors.NewTemplateInvalid("filter slice requires two arguments")
		}
		for _, arg := range f.args {
			if _, err := strconv.Atoi(arg); err != nil {
				return filter{}, errors.NewTemplateInvalid(fmt.Sprintf("filter slice bound %q is not an integer", arg))
			}
		}
	default:
		return filter{}, errors.NewTemplateInvalid(fmt.Sprintf("unknown template filter %q", f.name))
	}
	return f, nil
}

func (f filter) apply(value string, exists bool) (string, bool) {
	switch f.name {
	case "lower":
		return strings.ToLower(value), exists
	case "upper":
		return strings.ToUpper(value), exists
	case "trim":
		return strings.TrimSpace(value), exists
	case "default":
		if !exists || value == "" {
			return f.args[0], true
		}
		return value, true
	case "slice":
		a, _ := strconv.Atoi(f.args[0])
		b, _ := strconv.Atoi(f.args[1])
		runes := []rune(value)
		if a < 0 {
			a = 0
		}
		if b > len(runes) {
			b = len(runes)
		}
		if a >= b {
			return "", exists
		}
		return string(runes[a:b]), exists
	}
	return value, exists
}
