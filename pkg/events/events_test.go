/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/store"
)

// captureQueue records enqueued tasks without consuming them.
type captureQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
	fail  error
}

func (q *captureQueue) Enqueue(_ context.Context, kind, key string, payload json.RawMessage) error {
	if q.fail != nil {
		return q.fail
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queue.Task{Kind: kind, Key: key, Payload: payload})
	return nil
}

func (q *captureQueue) Subscribe(string, queue.Handler) {}

func TestIngestNormalizesAndEnqueues(t *testing.T) {
	m := store.NewMemory()
	q := &captureQueue{}
	svc := NewService(m, q)

	envelope, err := svc.Ingest(context.Background(), &model.EventEnvelope{
		Type: "order.created", Source: "shop", Payload: []byte(`{"orderId":"ORD-1"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, envelope.ID)
	assert.False(t, envelope.OccurredAt.IsZero())

	stored, err := m.GetEvent(context.Background(), envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, "order.created", stored.Type)

	require.Len(t, q.tasks, 1)
	assert.Equal(t, queue.KindDelivery, q.tasks[0].Kind)
	assert.Equal(t, "shop", q.tasks[0].Key)
}

func TestIngestValidation(t *testing.T) {
	svc := NewService(store.NewMemory(), &captureQueue{})
	ctx := context.Background()

	_, err := svc.Ingest(ctx, &model.EventEnvelope{Source: "shop"})
	assert.Error(t, err)

	_, err = svc.Ingest(ctx, &model.EventEnvelope{Type: "t", Source: "shop", ID: "not-a-uuid"})
	assert.Error(t, err)

	_, err = svc.Ingest(ctx, &model.EventEnvelope{Type: "t", Source: "shop", Payload: []byte(`{broken`)})
	assert.Error(t, err)
}

func TestIngestRejectsExpired(t *testing.T) {
	svc := NewService(store.NewMemory(), &captureQueue{})
	ttl := int64(1000)
	_, err := svc.Ingest(context.Background(), &model.EventEnvelope{
		Type: "t", Source: "shop", TTLMs: &ttl,
		OccurredAt: time.Now().Add(-time.Minute),
	})
	require.Error(t, err)
	assert.Equal(t, errors.BadRequest, errors.ReasonForError(err))
}

func TestIngestSurfacesQueueFailure(t *testing.T) {
	q := &captureQueue{fail: errors.NewQueueUnavailable("shard full")}
	svc := NewService(store.NewMemory(), q)
	_, err := svc.Ingest(context.Background(), &model.EventEnvelope{Type: "t", Source: "shop"})
	require.Error(t, err)
	assert.Equal(t, errors.QueueUnavailable, errors.ReasonForError(err))
}

func TestCleanupOnce(t *testing.T) {
	m := store.NewMemory()
	svc := NewService(m, &captureQueue{})
	old := &model.EventEnvelope{Type: "t", Source: "s", OccurredAt: time.Now().Add(-400 * time.Hour)}
	require.NoError(t, Normalize(old, old.OccurredAt))
	require.NoError(t, m.InsertEvent(context.Background(), old))

	removed, err := svc.CleanupOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = m.GetEvent(context.Background(), old.ID)
	assert.True(t, errors.IsNotFound(err))
}
