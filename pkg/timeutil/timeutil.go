/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package timeutil

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	TimeRFC3339Milli = "2006-01-02T15:04:05.000Z"
	TimeRFC3339Short = "2006-01-02T15:04:05"
)

// FormatMilli renders t as UTC RFC3339 with millisecond precision, the wire
// format for every timestamp in API payloads.
func FormatMilli(t time.Time) string {
	return t.UTC().Format(TimeRFC3339Milli)
}

// FormatMilliPtr is FormatMilli for optional timestamps; nil and zero times
// render as "".
func FormatMilliPtr(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return FormatMilli(*t)
}

// Parse accepts the timestamp shapes clients send: RFC3339 with or without
// sub-second digits, and the short form without zone (treated as UTC).
func Parse(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, TimeRFC3339Milli, TimeRFC3339Short} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}

// TruncateMilli drops sub-millisecond precision. Optimistic-concurrency
// comparisons use millisecond-truncated timestamps because that is the
// precision surviving a JSON round trip.
func TruncateMilli(t time.Time) time.Time {
	return t.Truncate(time.Millisecond)
}

// Overlaps reports whether [aStart, aEnd) intersects [bStart, bEnd).
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// RangePreset resolves a named lookback window. Supported presets are
// 1h, 3h, 6h, 12h, 24h, 3d and 7d.
func RangePreset(name string) (time.Duration, bool) {
	switch name {
	case "1h":
		return time.Hour, true
	case "3h":
		return 3 * time.Hour, true
	case "6h":
		return 6 * time.Hour, true
	case "12h":
		return 12 * time.Hour, true
	case "24h":
		return 24 * time.Hour, true
	case "3d":
		return 72 * time.Hour, true
	case "7d":
		return 168 * time.Hour, true
	}
	return 0, false
}

// ParseCronStandard parses a five-field cron expression in the given
// location. An empty timezone means UTC; cron.Schedule.Next then operates on
// wall-clock instants in that location.
func ParseCronStandard(expr, timezone string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		expr = fmt.Sprintf("CRON_TZ=%s %s", timezone, expr)
	}
	return cron.ParseStandard(expr)
}

// LocationOrUTC loads a named timezone, falling back to UTC for "".
func LocationOrUTC(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(timezone)
}
