package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-memory store (not durable)
//
// If Driver is empty or "none", storage is disabled and Open returns
// (nil, nil); callers treat a nil Store as memory-only operation.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// MeetingRecord is the persisted shape of a meeting. Keep it compact and
// schema-stable.
type MeetingRecord struct {
	ID        string
	Label     string
	StartsAt  time.Time
	Location  string
	ChatID    int64
	ThreadID  int
	OwnerID   int64
	Status    string
	Duration  time.Duration
	Repeat    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobRecord is the persisted shape of a reminder job.
type JobRecord struct {
	ID          string
	MeetingID   string
	FireAt      time.Time
	LeadTime    time.Duration
	Status      string
	SnoozeCount int
	Attempt     int
	UpdatedAt   time.Time
}

// MessageRecord is the persisted shape of an outbound message. Payload is
// opaque JSON owned by the queue.
type MessageRecord struct {
	ID          string
	ChatID      int64
	ThreadID    int
	Key         string
	PayloadJSON string
	Attempts    int
	NextAttempt time.Time
	Status      string
	LastErr     string
	EnqueuedAt  time.Time
}

// TokenRecord is the persisted shape of a click token.
type TokenRecord struct {
	Value    string
	JobID    string
	Action   string
	Status   string
	IssuedAt time.Time
}

// AuditRecord is one append-only lifecycle event.
type AuditRecord struct {
	At        time.Time
	MeetingID string
	Kind      string
	Actor     string
	Detail    string
}
