/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfathom/fathom/pkg/errors"
)

func TestValidatePartitionKey_TimeWindow(t *testing.T) {
	hourSpec := &PartitioningSpec{Type: PartitioningTimeWindow, Granularity: GranularityHour}

	t.Run("rfc3339 at hour boundary", func(t *testing.T) {
		got, err := ValidatePartitionKey(hourSpec, "2025-01-01T00:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, "2025-01-01T00:00", got)
	})

	t.Run("misaligned minute rejected", func(t *testing.T) {
		_, err := ValidatePartitionKey(hourSpec, "2025-01-01T00:30:00Z")
		require.Error(t, err)
		assert.True(t, errors.IsPartitionKeyInvalid(err))
	})

	t.Run("day granularity accepts date", func(t *testing.T) {
		daySpec := &PartitioningSpec{Type: PartitioningTimeWindow, Granularity: GranularityDay}
		got, err := ValidatePartitionKey(daySpec, "2025-01-01")
		require.NoError(t, err)
		assert.Equal(t, "2025-01-01", got)
	})

	t.Run("month granularity", func(t *testing.T) {
		monthSpec := &PartitioningSpec{Type: PartitioningTimeWindow, Granularity: GranularityMonth}
		got, err := ValidatePartitionKey(monthSpec, "2025-03")
		require.NoError(t, err)
		assert.Equal(t, "2025-03", got)

		_, err = ValidatePartitionKey(monthSpec, "2025-03-02")
		assert.Error(t, err)
	})

	t.Run("week key", func(t *testing.T) {
		weekSpec := &PartitioningSpec{Type: PartitioningTimeWindow, Granularity: GranularityWeek}
		got, err := ValidatePartitionKey(weekSpec, "2025-W03")
		require.NoError(t, err)
		assert.Equal(t, "2025-W03", got)

		// 2025-01-13 is a Monday
		got, err = ValidatePartitionKey(weekSpec, "2025-01-13")
		require.NoError(t, err)
		assert.Equal(t, "2025-W03", got)

		_, err = ValidatePartitionKey(weekSpec, "2025-01-14")
		assert.Error(t, err)
	})

	t.Run("timezone alignment", func(t *testing.T) {
		spec := &PartitioningSpec{Type: PartitioningTimeWindow, Granularity: GranularityDay, Timezone: "America/New_York"}
		// midnight Eastern is 05:00 UTC in January
		got, err := ValidatePartitionKey(spec, "2025-01-01T05:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, "2025-01-01", got)

		_, err = ValidatePartitionKey(spec, "2025-01-01T00:00:00Z")
		assert.Error(t, err)
	})

	t.Run("custom format", func(t *testing.T) {
		spec := &PartitioningSpec{Type: PartitioningTimeWindow, Granularity: GranularityHour, Format: "YYYY/MM/DD/HH"}
		got, err := ValidatePartitionKey(spec, "2025-01-02T07:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, "2025/01/02/07", got)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := ValidatePartitionKey(hourSpec, "not-a-time")
		assert.True(t, errors.IsPartitionKeyInvalid(err))
	})
}

func TestValidatePartitionKey_Static(t *testing.T) {
	spec := &PartitioningSpec{Type: PartitioningStatic, Keys: []string{"us-east", "eu-west"}}

	got, err := ValidatePartitionKey(spec, "us-east")
	require.NoError(t, err)
	assert.Equal(t, "us-east", got)

	_, err = ValidatePartitionKey(spec, "ap-south")
	require.Error(t, err)
	assert.True(t, errors.IsPartitionKeyInvalid(err))
}

func TestValidatePartitionKey_Dynamic(t *testing.T) {
	spec := &PartitioningSpec{Type: PartitioningDynamic}

	got, err := ValidatePartitionKey(spec, "tenant-42")
	require.NoError(t, err)
	assert.Equal(t, "tenant-42", got)

	_, err = ValidatePartitionKey(spec, "")
	assert.Error(t, err)
}

func TestValidatePartitionKey_NoSpec(t *testing.T) {
	got, err := ValidatePartitionKey(nil, " anything ")
	require.NoError(t, err)
	assert.Equal(t, "anything", got)
}

func TestAlignToGranularity(t *testing.T) {
	ts := time.Date(2025, 1, 15, 13, 45, 30, 123, time.UTC) // a Wednesday

	assert.Equal(t, time.Date(2025, 1, 15, 13, 45, 0, 0, time.UTC), AlignToGranularity(ts, GranularityMinute, time.UTC))
	assert.Equal(t, time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC), AlignToGranularity(ts, GranularityHour, time.UTC))
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), AlignToGranularity(ts, GranularityDay, time.UTC))
	assert.Equal(t, time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), AlignToGranularity(ts, GranularityWeek, time.UTC))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), AlignToGranularity(ts, GranularityMonth, time.UTC))
}

func TestNextWindow(t *testing.T) {
	monthStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), NextWindow(monthStart, GranularityMonth, 1))
	assert.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), NextWindow(monthStart, GranularityMonth, -1))

	weekStart := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), NextWindow(weekStart, GranularityWeek, 1))

	hourStart := time.Date(2025, 1, 13, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, hourStart.Add(-2*time.Hour), NextWindow(hourStart, GranularityHour, -2))
}
