/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/errors"
)

func newTestQueue(t *testing.T, opts ...Option) *Embedded {
	t.Helper()
	q := NewEmbedded(append([]Option{WithShards(4), WithRetryDelay(time.Millisecond)}, opts...)...)
	t.Cleanup(q.Stop)
	return q
}

func TestEnqueueBeforeStartUnavailable(t *testing.T) {
	q := newTestQueue(t)
	q.Subscribe(KindRun, func(context.Context, *Task) error { return nil })
	err := q.Enqueue(context.Background(), KindRun, "k", nil)
	assert.True(t, errors.IsQueueUnavailable(err))
}

func TestEnqueueWithoutConsumerUnavailable(t *testing.T) {
	q := newTestQueue(t)
	q.Start(context.Background())
	err := q.Enqueue(context.Background(), "unknown-kind", "k", nil)
	assert.True(t, errors.IsQueueUnavailable(err))
}

func TestPerKeyOrdering(t *testing.T) {
	q := newTestQueue(t)
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	q.Subscribe(KindRun, func(_ context.Context, task *Task) error {
		mu.Lock()
		seen = append(seen, string(task.Payload))
		finished := len(seen) == 5
		mu.Unlock()
		if finished {
			close(done)
		}
		return nil
	})
	q.Start(context.Background())

	for _, payload := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, q.Enqueue(context.Background(), KindRun, "same-key", []byte(payload)))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks not drained")
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, seen)
}

func TestRedeliveryUntilSuccess(t *testing.T) {
	q := newTestQueue(t, WithMaxAttempts(5))
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	q.Subscribe(KindDelivery, func(_ context.Context, task *Task) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = task.Attempts
		if task.Attempts < 3 {
			return errors.NewInternalError("transient")
		}
		close(done)
		return nil
	})
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(context.Background(), KindDelivery, "k", nil))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never succeeded")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestVisibilityTimeoutCancelsHandler(t *testing.T) {
	q := newTestQueue(t, WithMaxAttempts(1))
	done := make(chan error, 1)
	q.SubscribeWithVisibility(KindLifecycle, func(ctx context.Context, _ *Task) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}, 20*time.Millisecond)
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(context.Background(), KindLifecycle, "k", nil))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never cancelled")
	}
}
