// Package meeting owns the meeting catalog: creation with conflict
// detection, reschedule, cancel and recurrence advancement.
package meeting

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"remindbot/internal/timeplan"
	"remindbot/internal/transport"
)

// Status of a meeting.
type Status string

const (
	StatusScheduled   Status = "SCHEDULED"
	StatusRescheduled Status = "RESCHEDULED"
	StatusCanceled    Status = "CANCELED"
)

// Meeting is one scheduled meeting. Times are stored in UTC; the policy
// timezone only matters for quiet-hours math and display.
type Meeting struct {
	ID          string
	Label       string
	StartsAt    time.Time
	Location    string
	Destination transport.ChatTarget
	OwnerID     int64
	Status      Status

	// Duration sizes the conflict window. Zero means the policy default.
	Duration time.Duration

	// Repeat is an RFC 5545 RRULE (e.g. "FREQ=WEEKLY"). Empty for one-shot
	// meetings.
	Repeat string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the meeting still participates in conflict checks
// and reminder scheduling.
func (m *Meeting) Active() bool { return m.Status != StatusCanceled }

// NextOccurrence computes the first recurrence instant strictly after the
// given time, or the zero time when the meeting does not repeat or the rule
// is exhausted.
func (m *Meeting) NextOccurrence(after time.Time) (time.Time, error) {
	rule := strings.TrimSpace(m.Repeat)
	if rule == "" {
		return time.Time{}, nil
	}
	opt, err := rrule.StrToROption(strings.TrimPrefix(rule, "RRULE:"))
	if err != nil {
		return time.Time{}, &timeplan.ValidationError{Field: "repeat", Reason: err.Error()}
	}
	opt.Dtstart = m.StartsAt.UTC()
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, &timeplan.ValidationError{Field: "repeat", Reason: err.Error()}
	}
	next := r.After(after.UTC(), false)
	if next.IsZero() {
		return time.Time{}, nil
	}
	return next.UTC(), nil
}

// Draft is the input for creating a meeting.
type Draft struct {
	Label       string
	StartsAt    time.Time
	Location    string
	Destination transport.ChatTarget
	OwnerID     int64
	Duration    time.Duration
	Repeat      string

	// AllowConflicts skips overlap rejection; the meeting is created even if
	// its window collides with an existing one.
	AllowConflicts bool
}

// ConflictError reports the overlapping meetings that blocked a create or
// reschedule. The caller decides whether to retry with AllowConflicts.
type ConflictError struct {
	Conflicts []*Meeting
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 1 {
		return fmt.Sprintf("conflicts with %q at %s",
			e.Conflicts[0].Label, e.Conflicts[0].StartsAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("conflicts with %d existing meetings", len(e.Conflicts))
}

// ErrNotFound is returned for lookups of unknown meeting IDs.
var ErrNotFound = fmt.Errorf("meeting not found")
