// Package timeplan resolves meeting wall-clock times, lead times and
// quiet-hours windows into absolute fire instants, and owns the overlap rule
// used for conflict detection.
package timeplan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationError reports malformed time or quiet-hours configuration.
// It is surfaced to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DayTime is a wall-clock time of day (no date, no zone).
type DayTime struct {
	Hour   int
	Minute int
}

func (d DayTime) Minutes() int         { return d.Hour*60 + d.Minute }
func (d DayTime) String() string       { return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute) }
func (d DayTime) IsZero() bool         { return d.Hour == 0 && d.Minute == 0 }
func (d DayTime) Equal(o DayTime) bool { return d.Hour == o.Hour && d.Minute == o.Minute }

// ParseDayTime parses "HH:MM".
func ParseDayTime(raw string) (DayTime, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return DayTime{}, &ValidationError{Field: "daytime", Reason: fmt.Sprintf("%q is not HH:MM", raw)}
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return DayTime{}, &ValidationError{Field: "daytime", Reason: fmt.Sprintf("%q is not HH:MM", raw)}
	}
	return DayTime{Hour: h, Minute: m}, nil
}

// QuietWindow is a daily wall-clock range during which reminders must not be
// delivered. Start==End is rejected at validation; a window where Start is
// after End wraps past midnight (e.g. 22:00–07:00).
type QuietWindow struct {
	Start DayTime
	End   DayTime
}

// contains reports whether the minute-of-day m falls inside the window.
// The window is half-open [Start, End): an instant exactly at End is outside.
func (w QuietWindow) contains(m int) bool {
	s, e := w.Start.Minutes(), w.End.Minutes()
	if s <= e {
		return s <= m && m < e
	}
	return m >= s || m < e
}

// Policy is the typed per-destination reminder configuration. Values are
// supplied by the configuration collaborator; Resolve validates them once at
// load time.
type Policy struct {
	LeadTime        time.Duration
	Timezone        string
	Quiet           *QuietWindow
	SnoozeIncrement time.Duration
	DefaultDuration time.Duration

	loc *time.Location
}

const (
	DefaultSnoozeIncrement = 15 * time.Minute
	DefaultMeetingDuration = time.Hour
	DefaultLeadTime        = 30 * time.Minute
)

// Resolve validates the policy, fills defaults and caches the location.
func (p Policy) Resolve() (Policy, error) {
	if p.LeadTime < 0 {
		return p, &ValidationError{Field: "lead_time", Reason: "must be >= 0"}
	}
	if p.LeadTime == 0 {
		p.LeadTime = DefaultLeadTime
	}
	if p.SnoozeIncrement <= 0 {
		p.SnoozeIncrement = DefaultSnoozeIncrement
	}
	if p.DefaultDuration <= 0 {
		p.DefaultDuration = DefaultMeetingDuration
	}
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		tz = "UTC"
		p.Timezone = tz
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return p, &ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown location %q", tz)}
	}
	p.loc = loc
	if p.Quiet != nil && p.Quiet.Start.Equal(p.Quiet.End) {
		return p, &ValidationError{Field: "quiet_hours", Reason: "start and end are equal (empty or full-day window)"}
	}
	return p, nil
}

func (p Policy) location() *time.Location {
	if p.loc != nil {
		return p.loc
	}
	return time.UTC
}

// FireAt computes the fire instant for a meeting start: start − lead time,
// deferred to the end of a containing quiet-hours window. The result is never
// earlier than start − lead time. If deferral lands inside a quiet window
// again the policy is misconfigured and a ValidationError is returned rather
// than deferring a second time.
func (p Policy) FireAt(start time.Time) (time.Time, error) {
	naive := start.Add(-p.LeadTime)
	if p.Quiet == nil {
		return naive, nil
	}

	local := naive.In(p.location())
	minute := local.Hour()*60 + local.Minute()
	if !p.Quiet.contains(minute) {
		return naive, nil
	}

	deferred := p.quietEndAfter(local)
	dl := deferred.In(p.location())
	if p.Quiet.contains(dl.Hour()*60 + dl.Minute()) {
		return time.Time{}, &ValidationError{
			Field:  "quiet_hours",
			Reason: fmt.Sprintf("deferred instant %s still falls in quiet window %s-%s", dl.Format("15:04"), p.Quiet.Start, p.Quiet.End),
		}
	}
	return deferred.UTC(), nil
}

// quietEndAfter returns the end instant of the quiet-window occurrence that
// contains the given local instant.
func (p Policy) quietEndAfter(local time.Time) time.Time {
	end := p.Quiet.End
	day := time.Date(local.Year(), local.Month(), local.Day(), end.Hour, end.Minute, 0, 0, p.location())
	// For a wrapping window entered before midnight, the end is tomorrow.
	// In every case the end must not be behind the contained instant.
	if !day.After(local) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// MeetingWindow returns the closed conflict interval for a meeting start:
// start ± half the duration (policy default when none given).
func (p Policy) MeetingWindow(start time.Time, duration time.Duration) (time.Time, time.Time) {
	if duration <= 0 {
		duration = p.DefaultDuration
	}
	half := duration / 2
	return start.Add(-half), start.Add(half)
}

// Overlaps reports whether two meetings on the same destination conflict.
// Intervals are closed, so windows that merely touch still conflict.
func (p Policy) Overlaps(aStart time.Time, aDur time.Duration, bStart time.Time, bDur time.Duration) bool {
	aLo, aHi := p.MeetingWindow(aStart, aDur)
	bLo, bHi := p.MeetingWindow(bStart, bDur)
	return !aHi.Before(bLo) && !bHi.Before(aLo)
}

// LocalStart converts a local date+time in the policy timezone to the
// absolute meeting start instant.
func (p Policy) LocalStart(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, p.location()).UTC()
}
