/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package backoff

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openfathom/fathom/pkg/errors"
)

// Retry executes op with exponential backoff until it succeeds or
// maxElapsedTime is reached. Used for transient infrastructure failures
// (queue enqueue, outbound HTTP), never for domain-level retries.
func Retry(op backoff.Operation, maxElapsedTime, maxInterval time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsedTime
	b.MaxInterval = maxInterval
	if err := backoff.Retry(op, b); err != nil {
		return err
	}
	return nil
}

// ConflictRetry re-runs op at a fixed interval while it keeps failing with a
// conflict, up to count attempts. Any other error stops the loop immediately.
func ConflictRetry(op backoff.Operation, count int, interval time.Duration) error {
	for i := 0; i < count; i++ {
		err := op()
		if err == nil {
			break
		}
		if i == count-1 || !errors.IsConflict(err) {
			return err
		}
		time.Sleep(interval)
	}
	return nil
}

// Strategy names accepted by step retry policies.
const (
	StrategyNone        = "none"
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// Jitter modes accepted by step retry policies.
const (
	JitterNone  = "none"
	JitterFull  = "full"
	JitterEqual = "equal"
)

// ComputeDelay returns the wait before retry number attempt (1-based: the
// delay scheduled after the attempt-th failure). Exponential growth doubles
// per attempt and is capped at maxDelay before jitter is applied.
//
//	none:  0
//	fixed: initialDelay
//	exp:   min(initialDelay * 2^(attempt-1), maxDelay)
//
// Jitter "full" draws uniformly from [0, delay]; "equal" keeps half the
// delay and draws the other half. rng may be nil, in which case the shared
// source is used.
func ComputeDelay(strategy string, attempt int, initialDelay, maxDelay time.Duration, jitter string, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch strategy {
	case StrategyFixed:
		delay = initialDelay
	case StrategyExponential:
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if maxDelay > 0 && delay >= maxDelay {
				delay = maxDelay
				break
			}
		}
	default:
		return 0
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay <= 0 {
		return 0
	}

	intn := rand.Int63n
	if rng != nil {
		intn = rng.Int63n
	}
	switch jitter {
	case JitterFull:
		return time.Duration(intn(int64(delay) + 1))
	case JitterEqual:
		half := delay / 2
		return half + time.Duration(intn(int64(half)+1))
	default:
		return delay
	}
}
