/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal(t *testing.T) {
	var out map[string]interface{}
	err := Unmarshal([]byte(`{"a":1,"b":"x"}`), &out)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["a"])

	err = Unmarshal([]byte(`{broken`), &out)
	assert.Error(t, err)
}

func TestMarshalSilently(t *testing.T) {
	assert.Nil(t, MarshalSilently(nil))
	assert.JSONEq(t, `{"k":"v"}`, string(MarshalSilently(map[string]string{"k": "v"})))
	assert.Nil(t, MarshalSilently(make(chan int)))
}

func TestCanonicalize(t *testing.T) {
	a, err := Canonicalize([]byte(`{"b":2,  "a": {"y":1,"x":0}}`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`{"a":{"x":0,"y":1},"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	empty, err := Canonicalize(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(empty))

	_, err = Canonicalize([]byte(`{nope`))
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal([]byte(`{"a":1,"b":2}`), []byte(`{"b":2,"a":1}`)))
	assert.False(t, Equal([]byte(`{"a":1}`), []byte(`{"a":2}`)))
	assert.True(t, Equal(nil, []byte(`null`)))
}

func TestMergeObjects(t *testing.T) {
	base := map[string]interface{}{
		"rows": float64(10),
		"lifecycle": map[string]interface{}{
			"compaction": map[string]interface{}{"chunks": float64(1)},
			"retention":  map[string]interface{}{"expired": float64(2)},
		},
	}
	patch := map[string]interface{}{
		"rows": float64(12),
		"lifecycle": map[string]interface{}{
			"compaction": map[string]interface{}{"chunks": float64(2), "bytes": float64(99)},
		},
	}

	t.Run("deep key merges subtree", func(t *testing.T) {
		out := MergeObjects(base, patch, "lifecycle")
		assert.Equal(t, float64(12), out["rows"])
		lc := out["lifecycle"].(map[string]interface{})
		compaction := lc["compaction"].(map[string]interface{})
		assert.Equal(t, float64(2), compaction["chunks"])
		assert.Equal(t, float64(99), compaction["bytes"])
		retention := lc["retention"].(map[string]interface{})
		assert.Equal(t, float64(2), retention["expired"])
	})

	t.Run("non-deep key replaces subtree", func(t *testing.T) {
		out := MergeObjects(base, patch)
		lc := out["lifecycle"].(map[string]interface{})
		_, hasRetention := lc["retention"]
		assert.False(t, hasRetention)
	})

	t.Run("nil deletes", func(t *testing.T) {
		out := MergeObjects(base, map[string]interface{}{"rows": nil})
		_, ok := out["rows"]
		assert.False(t, ok)
	})

	t.Run("base untouched", func(t *testing.T) {
		_ = MergeObjects(base, patch, "lifecycle")
		lc := base["lifecycle"].(map[string]interface{})
		compaction := lc["compaction"].(map[string]interface{})
		assert.Equal(t, float64(1), compaction["chunks"])
	})
}

func TestDiff(t *testing.T) {
	t.Run("identical is empty", func(t *testing.T) {
		assert.Empty(t, Diff([]byte(`{"a":1,"b":[1,2]}`), []byte(`{"b":[1,2],"a":1}`)))
	})

	t.Run("leaf changes with paths", func(t *testing.T) {
		entries := Diff(
			[]byte(`{"a":1,"nested":{"x":"old","gone":true}}`),
			[]byte(`{"a":2,"nested":{"x":"new","fresh":1}}`),
		)
		require.Len(t, entries, 4)
		byPath := map[string]DiffEntry{}
		for _, e := range entries {
			byPath[e.Path] = e
		}
		assert.Equal(t, DiffChanged, byPath["a"].Kind)
		assert.Equal(t, float64(1), byPath["a"].Before)
		assert.Equal(t, float64(2), byPath["a"].After)
		assert.Equal(t, DiffChanged, byPath["nested.x"].Kind)
		assert.Equal(t, DiffRemoved, byPath["nested.gone"].Kind)
		assert.Equal(t, DiffAdded, byPath["nested.fresh"].Kind)
	})

	t.Run("arrays compare wholesale", func(t *testing.T) {
		entries := Diff([]byte(`{"xs":[1,2]}`), []byte(`{"xs":[2,1]}`))
		require.Len(t, entries, 1)
		assert.Equal(t, "xs", entries[0].Path)
		assert.Equal(t, DiffChanged, entries[0].Kind)
	})

	t.Run("inversion symmetry", func(t *testing.T) {
		a := []byte(`{"p":1,"q":"x"}`)
		b := []byte(`{"p":2,"r":true}`)
		forward := Diff(a, b)
		backward := Diff(b, a)
		require.Equal(t, len(forward), len(backward))
		for i := range forward {
			assert.Equal(t, forward[i].Path, backward[i].Path)
			assert.Equal(t, forward[i].Before, backward[i].After)
			assert.Equal(t, forward[i].After, backward[i].Before)
		}
	})
}
