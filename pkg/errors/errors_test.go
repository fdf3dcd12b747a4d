/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusError_Error(t *testing.T) {
	err := NewNotFound("dataset", "observatory.logs")
	assert.Equal(t, "dataset observatory.logs not found", err.Error())
}

func TestReasonForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", NewNotFound("run", "run-1"), NotFound},
		{"bad request", NewBadRequest("bad slug"), BadRequest},
		{"wrapped", fmt.Errorf("save: %w", NewConflict("version moved")), Conflict},
		{"plain error", errors.New("boom"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonForError(tt.err))
		})
	}
}

func TestCodeForError(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, CodeForError(NewNotFound("dataset", "x")))
	assert.Equal(t, http.StatusConflict, CodeForError(NewAlreadyExist("dup")))
	assert.Equal(t, http.StatusTooManyRequests, CodeForError(NewThrottled("later")))
	assert.Equal(t, http.StatusInternalServerError, CodeForError(errors.New("boom")))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundWithMessage("missing")))
	assert.True(t, IsBadRequest(NewBadRequest("nope")))
	assert.True(t, IsAlreadyExist(NewAlreadyExist("dup")))
	assert.True(t, IsConcurrentUpdate(NewConcurrentUpdate("raced")))
	assert.True(t, IsDagInvalid(NewDagInvalid("cycle", "a -> b -> a")))
	assert.True(t, IsTemplateInvalid(NewTemplateInvalid("bad path")))
	assert.True(t, IsStaleAssets(NewStaleAssets("inputs moved", nil)))
	assert.True(t, IsThrottled(NewThrottled("window busy")))
	assert.True(t, IsQueueUnavailable(NewQueueUnavailable("queue down")))
	assert.True(t, IsPartitionKeyInvalid(NewPartitionKeyInvalid("missing key field")))
	assert.True(t, IsInternal(NewInternalError("boom")))

	assert.False(t, IsNotFound(NewBadRequest("nope")))
	assert.False(t, IsConflict(NewBadRequest("nope")))
}

func TestIsConflict_CoversConflictFamily(t *testing.T) {
	assert.True(t, IsConflict(NewConflict("run key taken")))
	assert.True(t, IsConflict(NewAlreadyExist("dup")))
	assert.True(t, IsConflict(NewConcurrentUpdate("version raced")))
	assert.False(t, IsConflict(NewNotFoundWithMessage("missing")))
}

func TestIgnoreNotFound(t *testing.T) {
	assert.NoError(t, IgnoreNotFound(NewNotFound("dataset", "x")))
	assert.NoError(t, IgnoreNotFound(nil))
	assert.Error(t, IgnoreNotFound(NewBadRequest("nope")))
}

func TestAsStatus(t *testing.T) {
	t.Run("passes through status errors", func(t *testing.T) {
		orig := NewThrottled("cooldown")
		got := AsStatus(fmt.Errorf("deliver: %w", orig))
		require.NotNil(t, got)
		assert.Equal(t, Throttled, got.Reason)
		assert.Equal(t, http.StatusTooManyRequests, got.HTTPCode)
	})

	t.Run("wraps unknown errors as internal", func(t *testing.T) {
		got := AsStatus(errors.New("disk on fire"))
		require.NotNil(t, got)
		assert.Equal(t, InternalError, got.Reason)
		assert.Equal(t, "disk on fire", got.Message)
	})
}

func TestWithDetail(t *testing.T) {
	err := NewDagInvalid("cycle", "load -> publish -> load")
	detail, ok := err.Detail.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "cycle", detail["reason"])

	err2 := NewBadRequest("invalid payload").WithDetail([]string{"field a", "field b"})
	assert.Len(t, err2.Detail, 2)
}

func TestReasonCodesAreUnique(t *testing.T) {
	codes := []string{
		InternalError, BadRequest, Unauthorized, AlreadyExist, NotFound,
		Forbidden, Conflict, ConcurrentUpdate, PartitionKeyInvalid,
		DagInvalid, TemplateInvalid, StaleAssets, Throttled,
		QueueUnavailable, StorageIO, DependencyUnhealthy, Timeout,
	}
	seen := make(map[string]bool, len(codes))
	for _, code := range codes {
		assert.False(t, seen[code], "duplicate reason code %s", code)
		seen[code] = true
	}
}
