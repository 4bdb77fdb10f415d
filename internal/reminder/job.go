// Package reminder turns meetings into reminder jobs and drives their state
// machine: PENDING -> FIRED, with snooze looping a fired job back to PENDING
// and cancel ending it.
package reminder

import (
	"sync"
	"time"

	"remindbot/internal/storage"
)

// Status of a reminder job.
type Status string

const (
	// StatusPending: waiting for its fire instant.
	StatusPending Status = "PENDING"
	// StatusFired: delivered (or handed to the outbound queue); waiting for a
	// user action or for the meeting start to pass.
	StatusFired Status = "FIRED"
	// StatusCanceled: terminal; the meeting was canceled.
	StatusCanceled Status = "CANCELED"
)

// Job is one reminder obligation for one meeting occurrence.
type Job struct {
	ID        string
	MeetingID string

	// FireAt is the resolved fire instant (lead time and quiet hours already
	// applied). Recomputed on reschedule and snooze.
	FireAt   time.Time
	LeadTime time.Duration

	Status      Status
	SnoozeCount int

	// Attempt counts fires of this job. It feeds the idempotency key, so a
	// snoozed re-fire produces a fresh outbound message while duplicate
	// sweeps of the same fire collapse.
	Attempt int

	UpdatedAt time.Time

	// settled marks a fired job whose meeting start has passed: tokens are
	// expired and recurrence has been advanced, at most once.
	settled bool

	// mu serializes state transitions of this job so a sweep and a concurrent
	// user action cannot interleave.
	mu sync.Mutex
}

func (j *Job) toRecord() storage.JobRecord {
	return storage.JobRecord{
		ID:          j.ID,
		MeetingID:   j.MeetingID,
		FireAt:      j.FireAt,
		LeadTime:    j.LeadTime,
		Status:      string(j.Status),
		SnoozeCount: j.SnoozeCount,
		Attempt:     j.Attempt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func jobFromRecord(r storage.JobRecord) *Job {
	return &Job{
		ID:          r.ID,
		MeetingID:   r.MeetingID,
		FireAt:      r.FireAt,
		LeadTime:    r.LeadTime,
		Status:      Status(r.Status),
		SnoozeCount: r.SnoozeCount,
		Attempt:     r.Attempt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// Snapshot is a copy of the job state safe to hand out.
type Snapshot struct {
	ID          string
	MeetingID   string
	FireAt      time.Time
	LeadTime    time.Duration
	Status      Status
	SnoozeCount int
	Attempt     int
	UpdatedAt   time.Time
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		ID:          j.ID,
		MeetingID:   j.MeetingID,
		FireAt:      j.FireAt,
		LeadTime:    j.LeadTime,
		Status:      j.Status,
		SnoozeCount: j.SnoozeCount,
		Attempt:     j.Attempt,
		UpdatedAt:   j.UpdatedAt,
	}
}
