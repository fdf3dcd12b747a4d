/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package backoff

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/errors"
)

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestConflictRetry(t *testing.T) {
	t.Run("retries conflicts until success", func(t *testing.T) {
		calls := 0
		err := ConflictRetry(func() error {
			calls++
			if calls < 2 {
				return errors.NewConcurrentUpdate("raced")
			}
			return nil
		}, 3, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("stops on non-conflict", func(t *testing.T) {
		calls := 0
		err := ConflictRetry(func() error {
			calls++
			return errors.NewBadRequest("nope")
		}, 5, time.Millisecond)
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		err := ConflictRetry(func() error {
			calls++
			return errors.NewConflict("busy")
		}, 3, time.Millisecond)
		assert.Error(t, err)
		assert.Equal(t, 3, calls)
	})
}

func TestComputeDelay_Strategies(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	tests := []struct {
		name     string
		strategy string
		attempt  int
		want     time.Duration
	}{
		{"none", StrategyNone, 1, 0},
		{"fixed first", StrategyFixed, 1, base},
		{"fixed fifth", StrategyFixed, 5, base},
		{"exp first", StrategyExponential, 1, 100 * time.Millisecond},
		{"exp second", StrategyExponential, 2, 200 * time.Millisecond},
		{"exp fourth", StrategyExponential, 4, 800 * time.Millisecond},
		{"exp capped", StrategyExponential, 10, maxDelay},
		{"attempt floor", StrategyExponential, 0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeDelay(tt.strategy, tt.attempt, base, maxDelay, JitterNone, nil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeDelay_Jitter(t *testing.T) {
	base := 100 * time.Millisecond
	rng := rand.New(rand.NewSource(42))

	t.Run("full stays within [0, delay]", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			got := ComputeDelay(StrategyFixed, 1, base, 0, JitterFull, rng)
			assert.GreaterOrEqual(t, got, time.Duration(0))
			assert.LessOrEqual(t, got, base)
		}
	})

	t.Run("equal stays within [delay/2, delay]", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			got := ComputeDelay(StrategyFixed, 1, base, 0, JitterEqual, rng)
			assert.GreaterOrEqual(t, got, base/2)
			assert.LessOrEqual(t, got, base)
		}
	})

	t.Run("jitter applies after cap", func(t *testing.T) {
		maxDelay := 300 * time.Millisecond
		for i := 0; i < 200; i++ {
			got := ComputeDelay(StrategyExponential, 8, base, maxDelay, JitterFull, rng)
			assert.LessOrEqual(t, got, maxDelay)
		}
	})
}

func TestComputeDelay_ZeroInitial(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeDelay(StrategyFixed, 1, 0, 0, JitterFull, nil))
	assert.Equal(t, time.Duration(0), ComputeDelay(StrategyExponential, 3, 0, time.Second, JitterEqual, nil))
}
