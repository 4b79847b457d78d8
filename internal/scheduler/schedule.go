// Package scheduler fires timed runs from persisted schedules. Next-run
// boundaries advance deterministically from the previous boundary, so a
// process that slept through several boundaries fires once and jumps forward
// (skip policy) instead of bursting.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind string

const (
	KindInterval Kind = "interval"
	KindDaily    Kind = "daily"
	KindCron     Kind = "cron"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is a persisted timer admitting synthetic runs.
type Schedule struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Kind      Kind      `json:"kind"`
	Spec      string    `json:"spec"` // seconds | HH:MM | cron expression
	Prompt    string    `json:"prompt"`
	Enabled   bool      `json:"enabled"`
	Timezone  string    `json:"timezone,omitempty"`
	LastRunID string    `json:"lastRunId,omitempty"`
	LastRunAt time.Time `json:"lastRunAt,omitempty"`
	NextRunAt time.Time `json:"nextRunAt"`
	Missed    int       `json:"missed,omitempty"`
}

func (s Schedule) location(fallback *time.Location) *time.Location {
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	if fallback != nil {
		return fallback
	}
	return time.UTC
}

// Validate checks the spec parses for the schedule's kind.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindInterval:
		if _, err := parseIntervalSpec(s.Spec); err != nil {
			return err
		}
	case KindDaily:
		if _, _, err := parseDailySpec(s.Spec); err != nil {
			return err
		}
	case KindCron:
		if _, err := cronParser.Parse(s.Spec); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// NextAfter computes the first boundary strictly after the given time.
func (s Schedule) NextAfter(after time.Time, fallback *time.Location) (time.Time, error) {
	loc := s.location(fallback)
	switch s.Kind {
	case KindInterval:
		interval, err := parseIntervalSpec(s.Spec)
		if err != nil {
			return time.Time{}, err
		}
		return after.Add(interval), nil
	case KindDaily:
		hour, minute, err := parseDailySpec(s.Spec)
		if err != nil {
			return time.Time{}, err
		}
		local := after.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case KindCron:
		expr, err := cronParser.Parse(s.Spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
		}
		next := expr.Next(after.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression yields no future boundary")
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
}

// AdvancePast applies the skip policy: starting from the current boundary,
// jump to the first boundary after now without firing intermediates. Interval
// schedules jump arithmetically; daily/cron iterate.
func (s Schedule) AdvancePast(now time.Time, fallback *time.Location) (time.Time, error) {
	next := s.NextRunAt
	if next.IsZero() {
		return s.NextAfter(now, fallback)
	}
	if next.After(now) {
		return next, nil
	}
	if s.Kind == KindInterval {
		interval, err := parseIntervalSpec(s.Spec)
		if err != nil {
			return time.Time{}, err
		}
		behind := now.Sub(next)
		steps := behind/interval + 1
		return next.Add(steps * interval), nil
	}
	for i := 0; i < 10000; i++ {
		candidate, err := s.NextAfter(next, fallback)
		if err != nil {
			return time.Time{}, err
		}
		if candidate.After(now) {
			return candidate, nil
		}
		next = candidate
	}
	return time.Time{}, fmt.Errorf("schedule %s cannot advance past %s", s.ID, now)
}

func parseIntervalSpec(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if secs, err := strconv.ParseFloat(spec, 64); err == nil {
		if secs < 1 {
			return 0, fmt.Errorf("interval must be at least 1s")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", spec, err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s")
	}
	return d, nil
}

func parseDailySpec(spec string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("daily spec must be HH:MM, got %q", spec)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", spec)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", spec)
	}
	return hour, minute, nil
}
