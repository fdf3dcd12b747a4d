/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMilli(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 678_900_000, time.UTC)
	assert.Equal(t, "2025-01-02T03:04:05.678Z", FormatMilli(ts))

	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "2025-01-02T08:04:05.678Z", FormatMilli(ts.In(est)))
}

func TestFormatMilliPtr(t *testing.T) {
	assert.Equal(t, "", FormatMilliPtr(nil))
	zero := time.Time{}
	assert.Equal(t, "", FormatMilliPtr(&zero))
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-01T00:00:00.000Z", FormatMilliPtr(&ts))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
		isErr bool
	}{
		{"rfc3339 nano", "2025-08-18T09:41:01.950926221Z", "2025-08-18T09:41:01.950Z", false},
		{"rfc3339 milli", "2025-08-18T09:41:01.950Z", "2025-08-18T09:41:01.950Z", false},
		{"rfc3339 plain", "2025-08-18T09:41:01Z", "2025-08-18T09:41:01.000Z", false},
		{"short no zone", "2025-08-18T09:41:01", "2025-08-18T09:41:01.000Z", false},
		{"with offset", "2025-08-18T09:41:01+02:00", "2025-08-18T07:41:01.000Z", false},
		{"empty", "", "", true},
		{"garbage", "yesterday", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.isErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, FormatMilli(got))
		})
	}
}

func TestTruncateMilli(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 678_901_234, time.UTC)
	assert.Equal(t, int(678), TruncateMilli(ts).Nanosecond()/1_000_000)
	assert.True(t, TruncateMilli(ts).Equal(TruncateMilli(TruncateMilli(ts))))
}

func TestOverlaps(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2025, 1, 1, h, 0, 0, 0, time.UTC) }

	tests := []struct {
		name                       string
		aStart, aEnd, bStart, bEnd time.Time
		want                       bool
	}{
		{"contained", at(1), at(4), at(2), at(3), true},
		{"partial", at(1), at(3), at(2), at(4), true},
		{"touching edges", at(1), at(2), at(2), at(3), false},
		{"disjoint", at(1), at(2), at(3), at(4), false},
		{"identical", at(1), at(2), at(1), at(2), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.aStart, tt.aEnd, tt.bStart, tt.bEnd))
			assert.Equal(t, tt.want, Overlaps(tt.bStart, tt.bEnd, tt.aStart, tt.aEnd))
		})
	}
}

func TestRangePreset(t *testing.T) {
	d, ok := RangePreset("24h")
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, d)

	d, ok = RangePreset("3d")
	require.True(t, ok)
	assert.Equal(t, 72*time.Hour, d)

	_, ok = RangePreset("2w")
	assert.False(t, ok)
}

func TestParseCronStandard(t *testing.T) {
	sched, err := ParseCronStandard("0 6 * * *", "")
	require.NoError(t, err)
	from := time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC), sched.Next(from))

	sched, err = ParseCronStandard("30 9 * * *", "America/New_York")
	require.NoError(t, err)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	from = time.Date(2025, 6, 2, 8, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 30, 0, 0, loc).UTC(), sched.Next(from).UTC())

	_, err = ParseCronStandard("", "")
	assert.Error(t, err)

	_, err = ParseCronStandard("0 6 * * *", "Mars/OlympusMons")
	assert.Error(t, err)
}

func TestLocationOrUTC(t *testing.T) {
	loc, err := LocationOrUTC("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	loc, err = LocationOrUTC("Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())

	_, err = LocationOrUTC("Nope/Nowhere")
	assert.Error(t, err)
}
