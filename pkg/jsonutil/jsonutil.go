/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Unmarshal parses the JSON-encoded data and stores the result in the value
// pointed to by v.
func Unmarshal(data []byte, v interface{}) error {
	d := json.NewDecoder(bytes.NewReader(data))
	if err := d.Decode(v); err != nil {
		return err
	}
	return nil
}

// MarshalSilently converts the given value to its JSON representation and
// swallows marshal errors; callers use it for log/audit payloads where a
// failed marshal must not fail the operation.
func MarshalSilently(v interface{}) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Canonicalize re-encodes raw JSON with object keys sorted at every level,
// producing a stable byte form for hashing and equality checks.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v interface{}
	if err := Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return json.Marshal(v)
}

// Equal reports whether two raw JSON documents carry the same value,
// ignoring key order and whitespace.
func Equal(a, b []byte) bool {
	ca, errA := Canonicalize(a)
	cb, errB := Canonicalize(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

// MergeObjects applies patch on top of base. Scalars and arrays in patch win;
// keys named in deepKeys whose values are objects on both sides are merged
// recursively instead of replaced. A nil value in patch deletes the key.
func MergeObjects(base, patch map[string]interface{}, deepKeys ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	deep := make(map[string]bool, len(deepKeys))
	for _, k := range deepKeys {
		deep[k] = true
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		if deep[k] {
			baseObj, okBase := out[k].(map[string]interface{})
			patchObj, okPatch := v.(map[string]interface{})
			if okBase && okPatch {
				out[k] = mergeDeep(baseObj, patchObj)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func mergeDeep(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		baseObj, okBase := out[k].(map[string]interface{})
		patchObj, okPatch := v.(map[string]interface{})
		if okBase && okPatch {
			out[k] = mergeDeep(baseObj, patchObj)
			continue
		}
		out[k] = v
	}
	return out
}

// DiffEntry describes one divergence between two JSON documents.
type DiffEntry struct {
	Path   string      `json:"path"`
	Kind   string      `json:"kind"`
	Before interface{} `json:"before,omitempty"`
	After  interface{} `json:"after,omitempty"`
}

const (
	DiffAdded   = "added"
	DiffRemoved = "removed"
	DiffChanged = "changed"
)

// Diff compares two raw JSON documents and returns leaf-level differences
// ordered by path. Arrays compare as whole values. Invalid JSON on either
// side compares as an opaque string.
func Diff(before, after []byte) []DiffEntry {
	var a, b interface{}
	if err := Unmarshal(before, &a); err != nil && len(before) > 0 {
		a = string(before)
	}
	if err := Unmarshal(after, &b); err != nil && len(after) > 0 {
		b = string(after)
	}
	var entries []DiffEntry
	diffValue("", a, b, &entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func diffValue(path string, before, after interface{}, out *[]DiffEntry) {
	if reflect.DeepEqual(before, after) {
		return
	}
	beforeObj, okBefore := before.(map[string]interface{})
	afterObj, okAfter := after.(map[string]interface{})
	if okBefore && okAfter {
		keys := make(map[string]bool, len(beforeObj)+len(afterObj))
		for k := range beforeObj {
			keys[k] = true
		}
		for k := range afterObj {
			keys[k] = true
		}
		for k := range keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			bv, inBefore := beforeObj[k]
			av, inAfter := afterObj[k]
			switch {
			case !inBefore:
				*out = append(*out, DiffEntry{Path: childPath, Kind: DiffAdded, After: av})
			case !inAfter:
				*out = append(*out, DiffEntry{Path: childPath, Kind: DiffRemoved, Before: bv})
			default:
				diffValue(childPath, bv, av, out)
			}
		}
		return
	}
	kind := DiffChanged
	if before == nil {
		kind = DiffAdded
	} else if after == nil {
		kind = DiffRemoved
	}
	*out = append(*out, DiffEntry{Path: path, Kind: kind, Before: before, After: after})
}
