package storage

import (
	"context"
	"errors"
	"strings"

	logx "remindbot/pkg/logx"
)

// Store is the persistence API used by the engine. All methods are safe for
// concurrent use.
type Store interface {
	UpsertMeeting(ctx context.Context, r MeetingRecord) error
	LoadMeetings(ctx context.Context) ([]MeetingRecord, error)

	UpsertJob(ctx context.Context, r JobRecord) error
	LoadJobs(ctx context.Context) ([]JobRecord, error)

	UpsertMessage(ctx context.Context, r MessageRecord) error
	LoadMessages(ctx context.Context) ([]MessageRecord, error)
	DeleteMessage(ctx context.Context, id string) error

	UpsertToken(ctx context.Context, r TokenRecord) error
	DeleteTokensForJob(ctx context.Context, jobID string) error

	AppendAudit(ctx context.Context, r AuditRecord) error
	RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
