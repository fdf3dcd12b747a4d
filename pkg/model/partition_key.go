/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/timeutil"
)

// time-window key parse layouts, most precise first.
var windowKeyLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15",
	"2006-01-02",
	"2006-01",
}

// ValidatePartitionKey checks key against spec and returns its canonical
// form. Time-window keys must parse to an instant aligned to the
// granularity; static keys must be members of the declared set; dynamic
// keys are accepted as supplied.
func ValidatePartitionKey(spec *PartitioningSpec, key string) (string, error) {
	if spec == nil {
		return strings.TrimSpace(key), nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.NewPartitionKeyInvalid("partition key must not be empty")
	}
	switch spec.Type {
	case PartitioningTimeWindow:
		return validateTimeWindowKey(spec, key)
	case PartitioningStatic:
		for _, candidate := range spec.Keys {
			if candidate == key {
				return key, nil
			}
		}
		return "", errors.NewPartitionKeyInvalid(fmt.Sprintf("%q is not one of the declared static keys", key))
	case PartitioningDynamic:
		if len(key) > 256 {
			return "", errors.NewPartitionKeyInvalid("dynamic partition key exceeds 256 characters")
		}
		return key, nil
	default:
		return "", errors.NewPartitionKeyInvalid(fmt.Sprintf("unknown partitioning type %q", spec.Type))
	}
}

func validateTimeWindowKey(spec *PartitioningSpec, key string) (string, error) {
	loc, err := timeutil.LocationOrUTC(spec.Timezone)
	if err != nil {
		return "", errors.NewPartitionKeyInvalid(fmt.Sprintf("invalid timezone %q", spec.Timezone))
	}
	instant, err := parseWindowKey(key, loc)
	if err != nil {
		return "", errors.NewPartitionKeyInvalid(fmt.Sprintf("%q does not parse as a time-window key", key))
	}
	aligned := AlignToGranularity(instant, spec.Granularity, loc)
	if !aligned.Equal(instant) {
		return "", errors.NewPartitionKeyInvalid(fmt.Sprintf("%q is not aligned to granularity %q", key, spec.Granularity))
	}
	return FormatWindowKey(aligned.In(loc), spec.Granularity, spec.Format), nil
}

func parseWindowKey(key string, loc *time.Location) (time.Time, error) {
	if strings.HasPrefix(key, "W") || strings.Contains(key, "-W") {
		var year, week int
		if _, err := fmt.Sscanf(key, "%d-W%d", &year, &week); err == nil && week >= 1 && week <= 53 {
			return isoWeekStart(year, week, loc), nil
		}
	}
	for _, layout := range windowKeyLayouts {
		if t, err := time.ParseInLocation(layout, key, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable window key %q", key)
}

// AlignToGranularity truncates t to the start of its window in loc.
func AlignToGranularity(t time.Time, granularity string, loc *time.Location) time.Time {
	lt := t.In(loc)
	switch granularity {
	case GranularityMinute:
		return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), lt.Minute(), 0, 0, loc)
	case GranularityHour:
		return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, loc)
	case GranularityDay:
		return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	case GranularityWeek:
		day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case GranularityMonth:
		return time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return lt
	}
}

// NextWindow advances a window start by n windows.
func NextWindow(t time.Time, granularity string, n int) time.Time {
	switch granularity {
	case GranularityMinute:
		return t.Add(time.Duration(n) * time.Minute)
	case GranularityHour:
		return t.Add(time.Duration(n) * time.Hour)
	case GranularityDay:
		return t.AddDate(0, 0, n)
	case GranularityWeek:
		return t.AddDate(0, 0, 7*n)
	case GranularityMonth:
		return t.AddDate(0, n, 0)
	default:
		return t
	}
}

// FormatWindowKey renders a window start as a canonical key. A custom format
// uses YYYY MM DD HH mm tokens; otherwise each granularity has a fixed form.
func FormatWindowKey(t time.Time, granularity, format string) string {
	if format != "" {
		replacer := strings.NewReplacer(
			"YYYY", fmt.Sprintf("%04d", t.Year()),
			"MM", fmt.Sprintf("%02d", int(t.Month())),
			"DD", fmt.Sprintf("%02d", t.Day()),
			"HH", fmt.Sprintf("%02d", t.Hour()),
			"mm", fmt.Sprintf("%02d", t.Minute()),
		)
		return replacer.Replace(format)
	}
	switch granularity {
	case GranularityMinute:
		return t.Format("2006-01-02T15:04")
	case GranularityHour:
		return t.Format("2006-01-02T15:00")
	case GranularityDay:
		return t.Format("2006-01-02")
	case GranularityWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case GranularityMonth:
		return t.Format("2006-01")
	default:
		return t.Format(time.RFC3339)
	}
}

func isoWeekStart(year, week int, loc *time.Location) time.Time {
	// Jan 4 is always in ISO week 1.
	jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, loc)
	offset := (int(jan4.Weekday()) + 6) % 7
	week1Monday := jan4.AddDate(0, 0, -offset)
	return week1Monday.AddDate(0, 0, (week-1)*7)
}
