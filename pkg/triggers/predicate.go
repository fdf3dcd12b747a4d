/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package triggers runs the event-trigger delivery pipeline: predicate
// matching, template rendering, dedupe, throttle, concurrency, launch, and
// the auto-pause bookkeeping around repeated failures.
package triggers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

// EvaluatePredicates reports whether payload satisfies every predicate.
// A malformed predicate (bad operator, bad regex) is an error, not a
// non-match.
func EvaluatePredicates(predicates []model.TriggerPredicate, payload json.RawMessage) (bool, error) {
	for i := range predicates {
		ok, err := evaluatePredicate(&predicates[i], payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluatePredicate(p *model.TriggerPredicate, payload json.RawMessage) (bool, error) {
	if p.Path == "" {
		return false, errors.NewBadRequest("predicate has no path")
	}
	result := gjson.GetBytes(payload, p.Path)
	caseSensitive := p.CaseSensitive == nil || *p.CaseSensitive

	switch p.Operator {
	case model.PredicateOpExists:
		return result.Exists(), nil
	case model.PredicateOpEq:
		return valueEquals(result, p.Value, caseSensitive), nil
	case model.PredicateOpNeq:
		return !valueEquals(result, p.Value, caseSensitive), nil
	case model.PredicateOpIn:
		for _, candidate := range p.Values {
			if valueEquals(result, candidate, caseSensitive) {
				return true, nil
			}
		}
		return false, nil
	case model.PredicateOpContains:
		return valueContains(result, p.Value, caseSensitive), nil
	case model.PredicateOpRegex:
		return matchRegex(result, p.Value, p.Flags)
	case model.PredicateOpGt, model.PredicateOpGte, model.PredicateOpLt, model.PredicateOpLte:
		return compareNumeric(result, p.Value, p.Operator)
	default:
		return false, errors.NewBadRequest(fmt.Sprintf("unknown predicate operator %q", p.Operator))
	}
}

func valueEquals(result gjson.Result, raw json.RawMessage, caseSensitive bool) bool {
	if !result.Exists() {
		return false
	}
	expected := gjson.ParseBytes(raw)
	if result.Type == gjson.Number && expected.Type == gjson.Number {
		return result.Float() == expected.Float()
	}
	left, right := result.String(), expected.String()
	if !caseSensitive {
		return strings.EqualFold(left, right)
	}
	return left == right
}

// valueContains checks substring membership for strings and element
// membership for arrays.
func valueContains(result gjson.Result, raw json.RawMessage, caseSensitive bool) bool {
	if !result.Exists() {
		return false
	}
	expected := gjson.ParseBytes(raw)
	if result.IsArray() {
		for _, element := range result.Array() {
			if valueEquals(element, raw, caseSensitive) {
				return true
			}
		}
		return false
	}
	haystack, needle := result.String(), expected.String()
	if !caseSensitive {
		haystack, needle = strings.ToLower(haystack), strings.ToLower(needle)
	}
	return strings.Contains(haystack, needle)
}

func matchRegex(result gjson.Result, raw json.RawMessage, flags string) (bool, error) {
	if !result.Exists() {
		return false, nil
	}
	pattern := gjson.ParseBytes(raw).String()
	if strings.Contains(flags, "i") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, errors.NewBadRequest(fmt.Sprintf("invalid predicate regex %q: %v", pattern, err))
	}
	return re.MatchString(result.String()), nil
}

func compareNumeric(result gjson.Result, raw json.RawMessage, operator string) (bool, error) {
	if !result.Exists() {
		return false, nil
	}
	expected := gjson.ParseBytes(raw)
	if expected.Type != gjson.Number {
		return false, errors.NewBadRequest(fmt.Sprintf("predicate operator %q requires a numeric value", operator))
	}
	left, right := result.Float(), expected.Float()
	switch operator {
	case model.PredicateOpGt:
		return left > right, nil
	case model.PredicateOpGte:
		return left >= right, nil
	case model.PredicateOpLt:
		return left < right, nil
	default:
		return left <= right, nil
	}
}
