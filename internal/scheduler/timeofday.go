// Package scheduler fires the daily re-entry into recurring mode.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	// Timezones resolve on hosts without a zoneinfo database.
	_ "time/tzdata"
)

// TimeOfDay is a wall-clock time in a location.
type TimeOfDay struct {
	Hour   int
	Minute int
	Loc    *time.Location
}

// ParseTimeOfDay parses "HH:MM" in the named IANA timezone. An empty zone
// means UTC.
func ParseTimeOfDay(value, zone string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("time of day %q: want HH:MM", value)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad hour", value)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad minute", value)
	}
	loc := time.UTC
	if zone != "" {
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("load timezone %q: %w", zone, err)
		}
	}
	return TimeOfDay{Hour: hour, Minute: minute, Loc: loc}, nil
}

// IsZero reports an unset TimeOfDay. Parsed values always carry a location.
func (t TimeOfDay) IsZero() bool { return t == TimeOfDay{} }

func (t TimeOfDay) location() *time.Location {
	if t.Loc == nil {
		return time.UTC
	}
	return t.Loc
}

func (t TimeOfDay) on(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, t.location())
}

// Next returns the first fire time strictly after now.
func (t TimeOfDay) Next(now time.Time) time.Time {
	local := now.In(t.location())
	candidate := t.on(local)
	if !candidate.After(now) {
		candidate = t.on(local.AddDate(0, 0, 1))
	}
	return candidate
}

// Prev returns the most recent fire time at or before now.
func (t TimeOfDay) Prev(now time.Time) time.Time {
	local := now.In(t.location())
	candidate := t.on(local)
	if candidate.After(now) {
		candidate = t.on(local.AddDate(0, 0, -1))
	}
	return candidate
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d %s", t.Hour, t.Minute, t.location())
}
