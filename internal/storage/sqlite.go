package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertMeeting(ctx context.Context, r MeetingRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings(id, label, starts_at, location, chat_id, thread_id, owner_id, status, duration_ms, repeat, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   label=excluded.label, starts_at=excluded.starts_at, location=excluded.location,
		   status=excluded.status, duration_ms=excluded.duration_ms, repeat=excluded.repeat,
		   updated_at=excluded.updated_at`,
		r.ID, r.Label, fmtTime(r.StartsAt), r.Location, r.ChatID, r.ThreadID, r.OwnerID,
		r.Status, r.Duration.Milliseconds(), r.Repeat, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) LoadMeetings(ctx context.Context) ([]MeetingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, starts_at, location, chat_id, thread_id, owner_id, status, duration_ms, repeat, created_at, updated_at
		 FROM meetings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MeetingRecord
	for rows.Next() {
		var r MeetingRecord
		var startsAt, createdAt, updatedAt string
		var durMS int64
		if err := rows.Scan(&r.ID, &r.Label, &startsAt, &r.Location, &r.ChatID, &r.ThreadID, &r.OwnerID, &r.Status, &durMS, &r.Repeat, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.StartsAt = parseTime(startsAt)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		r.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertJob(ctx context.Context, r JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_jobs(id, meeting_id, fire_at, lead_time_ms, status, snooze_count, attempt, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   fire_at=excluded.fire_at, status=excluded.status, snooze_count=excluded.snooze_count,
		   attempt=excluded.attempt, updated_at=excluded.updated_at`,
		r.ID, r.MeetingID, fmtTime(r.FireAt), r.LeadTime.Milliseconds(), r.Status, r.SnoozeCount, r.Attempt, fmtTime(r.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meeting_id, fire_at, lead_time_ms, status, snooze_count, attempt, updated_at FROM reminder_jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		var fireAt, updatedAt string
		var leadMS int64
		if err := rows.Scan(&r.ID, &r.MeetingID, &fireAt, &leadMS, &r.Status, &r.SnoozeCount, &r.Attempt, &updatedAt); err != nil {
			return nil, err
		}
		r.FireAt = parseTime(fireAt)
		r.UpdatedAt = parseTime(updatedAt)
		r.LeadTime = time.Duration(leadMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertMessage(ctx context.Context, r MessageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbound_messages(id, chat_id, thread_id, key, payload, attempts, next_attempt, status, last_err, enqueued_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   attempts=excluded.attempts, next_attempt=excluded.next_attempt,
		   status=excluded.status, last_err=excluded.last_err`,
		r.ID, r.ChatID, r.ThreadID, r.Key, r.PayloadJSON, r.Attempts, fmtTime(r.NextAttempt), r.Status, nullStr(r.LastErr), fmtTime(r.EnqueuedAt),
	)
	return err
}

func (s *sqliteStore) LoadMessages(ctx context.Context) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, key, payload, attempts, next_attempt, status, COALESCE(last_err, ''), enqueued_at
		 FROM outbound_messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var r MessageRecord
		var nextAttempt, enqueuedAt string
		if err := rows.Scan(&r.ID, &r.ChatID, &r.ThreadID, &r.Key, &r.PayloadJSON, &r.Attempts, &nextAttempt, &r.Status, &r.LastErr, &enqueuedAt); err != nil {
			return nil, err
		}
		r.NextAttempt = parseTime(nextAttempt)
		r.EnqueuedAt = parseTime(enqueuedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbound_messages WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) UpsertToken(ctx context.Context, r TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO click_tokens(value, job_id, action, status, issued_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(value) DO UPDATE SET status=excluded.status`,
		r.Value, r.JobID, r.Action, r.Status, fmtTime(r.IssuedAt),
	)
	return err
}

func (s *sqliteStore) DeleteTokensForJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM click_tokens WHERE job_id = ?`, jobID)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, r AuditRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, meeting_id, kind, actor, detail) VALUES(?,?,?,?,?)`,
		fmtTime(r.At), r.MeetingID, r.Kind, nullStr(r.Actor), nullStr(r.Detail),
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, meeting_id, kind, COALESCE(actor, ''), COALESCE(detail, '')
		 FROM audit ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var at string
		if err := rows.Scan(&at, &r.MeetingID, &r.Kind, &r.Actor, &r.Detail); err != nil {
			return nil, err
		}
		r.At = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
