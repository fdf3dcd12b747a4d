/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package queue is the work-dispatch substrate: ordered delivery per key,
// at-least-once semantics, and per-kind visibility timeouts. Engines depend
// on the Interface only; Embedded is the in-process implementation used by
// the server and tests.
package queue

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
)

// Task kinds dispatched through the queue.
const (
	KindRun       = "workflow-run"
	KindDelivery  = "trigger-delivery"
	KindSchedule  = "schedule-tick"
	KindLifecycle = "lifecycle-job"
)

// Task is one unit of work. Key selects the shard; tasks sharing a key are
// delivered in enqueue order.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Handler consumes one task. A non-nil error triggers redelivery until the
// attempt budget is spent.
type Handler func(ctx context.Context, task *Task) error

// Interface is the substrate contract engines depend on.
type Interface interface {
	Enqueue(ctx context.Context, kind, key string, payload json.RawMessage) error
	Subscribe(kind string, handler Handler)
}

type subscription struct {
	handler    handlerFunc
	visibility time.Duration
}

type handlerFunc = Handler

// Embedded is the in-process queue: fixed key-hash shards, one consumer
// goroutine per shard, inline redelivery so per-key ordering holds across
// retries.
type Embedded struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	shards        []chan *Task
	visibility    time.Duration
	maxAttempts   int
	retryDelay    time.Duration
	drainTimeout  time.Duration

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option tunes an Embedded queue.
type Option func(*Embedded)

// WithVisibilityTimeout overrides the default handler deadline.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Embedded) { q.visibility = d }
}

// WithMaxAttempts overrides the delivery attempt budget.
func WithMaxAttempts(n int) Option {
	return func(q *Embedded) { q.maxAttempts = n }
}

// WithShards overrides the shard count.
func WithShards(n int) Option {
	return func(q *Embedded) {
		if n > 0 {
			q.shards = make([]chan *Task, n)
		}
	}
}

// WithRetryDelay overrides the pause before an in-shard redelivery.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Embedded) { q.retryDelay = d }
}

// NewEmbedded builds a queue from configuration defaults and options.
// Subscribe before Start; Enqueue only after Start.
func NewEmbedded(opts ...Option) *Embedded {
	q := &Embedded{
		subscriptions: make(map[string]*subscription),
		shards:        make([]chan *Task, config.GetQueueShards()),
		visibility:    config.GetQueueVisibilityTimeout(),
		maxAttempts:   config.GetQueueMaxDeliveryAttempts(),
		retryDelay:    time.Second,
		drainTimeout:  config.GetQueueShutdownDrainTimeout(),
	}
	for _, opt := range opts {
		opt(q)
	}
	buffer := config.GetQueueBufferPerShard()
	for i := range q.shards {
		q.shards[i] = make(chan *Task, buffer)
	}
	return q
}

// Subscribe registers the handler for a task kind with the default
// visibility timeout.
func (q *Embedded) Subscribe(kind string, handler Handler) {
	q.SubscribeWithVisibility(kind, handler, q.visibility)
}

// SubscribeWithVisibility registers the handler with a per-kind deadline.
func (q *Embedded) SubscribeWithVisibility(kind string, handler Handler, visibility time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscriptions[kind] = &subscription{handler: handler, visibility: visibility}
}

// Start launches the shard consumers. It is an error to Enqueue before Start.
func (q *Embedded) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for i := range q.shards {
		q.wg.Add(1)
		go q.consume(ctx, i)
	}
	q.started = true
	klog.Infof("queue started with %d shards", len(q.shards))
}

// Stop cancels the consumers and waits up to the drain timeout for in-flight
// tasks.
func (q *Embedded) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(q.drainTimeout):
		klog.Warning("queue stop timed out waiting for in-flight tasks")
	}
}

// Enqueue places a task on the shard owning key. A full shard or a stopped
// queue reports queue-unavailable; the caller decides whether that fails the
// surrounding operation.
func (q *Embedded) Enqueue(ctx context.Context, kind, key string, payload json.RawMessage) error {
	q.mu.RLock()
	started := q.started
	_, subscribed := q.subscriptions[kind]
	q.mu.RUnlock()
	if !started {
		return errors.NewQueueUnavailable("queue is not running")
	}
	if !subscribed {
		return errors.NewQueueUnavailable("no consumer for kind " + kind)
	}
	task := &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Key:        key,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	shard := q.shards[shardOf(key, len(q.shards))]
	select {
	case shard <- task:
		return nil
	case <-ctx.Done():
		return errors.NewQueueUnavailable(ctx.Err().Error())
	default:
		return errors.NewQueueUnavailable("queue shard is full")
	}
}

func (q *Embedded) consume(ctx context.Context, shard int) {
	defer q.wg.Done()
	ch := q.shards[shard]
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-ch:
			q.deliver(ctx, task)
		}
	}
}

// deliver runs the task handler inline with redelivery, so later tasks for
// the same key never overtake a retrying one.
func (q *Embedded) deliver(ctx context.Context, task *Task) {
	q.mu.RLock()
	sub := q.subscriptions[task.Kind]
	q.mu.RUnlock()
	if sub == nil {
		klog.ErrorS(nil, "dropping task without consumer", "kind", task.Kind, "id", task.ID)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		task.Attempts++
		err := q.invoke(ctx, sub, task)
		if err == nil {
			return
		}
		if task.Attempts >= q.maxAttempts {
			klog.ErrorS(err, "parking task after exhausted deliveries",
				"kind", task.Kind, "id", task.ID, "attempts", task.Attempts)
			return
		}
		klog.ErrorS(err, "task redelivery scheduled",
			"kind", task.Kind, "id", task.ID, "attempt", task.Attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
}

func (q *Embedded) invoke(ctx context.Context, sub *subscription, task *Task) error {
	visibility := sub.visibility
	if visibility <= 0 {
		visibility = q.visibility
	}
	invokeCtx, cancel := context.WithTimeout(ctx, visibility)
	defer cancel()
	return sub.handler(invokeCtx, task)
}

func shardOf(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

var _ Interface = (*Embedded)(nil)
