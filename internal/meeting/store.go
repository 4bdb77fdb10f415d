package meeting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/audit"
	"remindbot/internal/storage"
	"remindbot/internal/timeplan"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// PolicyProvider resolves the effective fire-instant policy for a
// destination. Implemented by the configuration layer.
type PolicyProvider interface {
	PolicyFor(destination string) (timeplan.Policy, error)
}

// Store is the in-memory meeting catalog with write-through persistence.
type Store struct {
	policies PolicyProvider
	persist  storage.Store
	audit    *audit.Log
	clock    timeplan.Clock
	log      logx.Logger

	mu       sync.RWMutex
	meetings map[string]*Meeting
}

func New(policies PolicyProvider, persist storage.Store, auditLog *audit.Log, clock timeplan.Clock, log logx.Logger) *Store {
	if clock == nil {
		clock = timeplan.SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		policies: policies,
		persist:  persist,
		audit:    auditLog,
		clock:    clock,
		log:      log,
		meetings: map[string]*Meeting{},
	}
}

// Load hydrates the catalog from storage. Called once at startup, before any
// ticker runs.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	recs, err := s.persist.LoadMeetings(ctx)
	if err != nil {
		return fmt.Errorf("load meetings: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		m := fromRecord(r)
		s.meetings[m.ID] = m
	}
	if len(recs) > 0 {
		s.log.Info("meetings loaded", logx.Int("count", len(recs)))
	}
	return nil
}

// Create validates the draft, checks for conflicts and stores the meeting.
func (s *Store) Create(ctx context.Context, d Draft) (*Meeting, error) {
	if err := s.validate(d); err != nil {
		return nil, err
	}
	policy, err := s.policies.PolicyFor(d.Destination.String())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !d.AllowConflicts {
		if conflicts := s.overlapping(policy, d.Destination.String(), d.StartsAt, d.Duration, ""); len(conflicts) > 0 {
			s.mu.Unlock()
			return nil, &ConflictError{Conflicts: conflicts}
		}
	}
	now := s.clock.Now()
	m := &Meeting{
		ID:          uuid.NewString(),
		Label:       strings.TrimSpace(d.Label),
		StartsAt:    d.StartsAt.UTC(),
		Location:    strings.TrimSpace(d.Location),
		Destination: d.Destination,
		OwnerID:     d.OwnerID,
		Status:      StatusScheduled,
		Duration:    d.Duration,
		Repeat:      strings.TrimSpace(d.Repeat),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.meetings[m.ID] = m
	out := m.clone()
	s.mu.Unlock()

	s.save(ctx, out)
	s.audit.Append(audit.Event{
		MeetingID: out.ID,
		Kind:      audit.KindScheduled,
		Actor:     fmt.Sprintf("%d", d.OwnerID),
		Detail:    out.Label,
	})
	s.log.Info("meeting created",
		logx.String("meeting", out.ID), logx.String("label", out.Label),
		logx.Time("starts_at", out.StartsAt), logx.String("dest", out.Destination.String()))
	return out, nil
}

// Reschedule moves a meeting to a new start. The meeting itself is excluded
// from the conflict check.
func (s *Store) Reschedule(ctx context.Context, id string, newStart time.Time, actor string, allowConflicts bool) (*Meeting, error) {
	if newStart.IsZero() {
		return nil, &timeplan.ValidationError{Field: "starts_at", Reason: "missing start time"}
	}

	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if m.Status == StatusCanceled {
		s.mu.Unlock()
		return nil, &timeplan.ValidationError{Field: "status", Reason: "meeting is canceled"}
	}
	policy, err := s.policies.PolicyFor(m.Destination.String())
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !allowConflicts {
		if conflicts := s.overlapping(policy, m.Destination.String(), newStart, m.Duration, id); len(conflicts) > 0 {
			s.mu.Unlock()
			return nil, &ConflictError{Conflicts: conflicts}
		}
	}
	old := m.StartsAt
	m.StartsAt = newStart.UTC()
	m.Status = StatusRescheduled
	m.UpdatedAt = s.clock.Now()
	out := m.clone()
	s.mu.Unlock()

	s.save(ctx, out)
	s.audit.Append(audit.Event{
		MeetingID: id,
		Kind:      audit.KindRescheduled,
		Actor:     actor,
		Detail:    fmt.Sprintf("%s -> %s", old.Format(time.RFC3339), out.StartsAt.Format(time.RFC3339)),
	})
	s.log.Info("meeting rescheduled",
		logx.String("meeting", id), logx.Time("from", old), logx.Time("to", out.StartsAt))
	return out, nil
}

// ShiftStart force-moves a meeting's start without a conflict check. Snooze
// uses it: the shift is a user decision on an already-fired reminder, so it
// never fails on overlap, keeps the meeting status, and leaves the audit
// entry to the caller.
func (s *Store) ShiftStart(ctx context.Context, id string, newStart time.Time) (*Meeting, error) {
	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if m.Status == StatusCanceled {
		s.mu.Unlock()
		return nil, &timeplan.ValidationError{Field: "status", Reason: "meeting is canceled"}
	}
	m.StartsAt = newStart.UTC()
	m.UpdatedAt = s.clock.Now()
	out := m.clone()
	s.mu.Unlock()

	s.save(ctx, out)
	return out, nil
}

// Cancel marks a meeting canceled. Idempotent: canceling an already canceled
// meeting succeeds without a second audit entry.
func (s *Store) Cancel(ctx context.Context, id, actor string) (*Meeting, error) {
	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if m.Status == StatusCanceled {
		out := m.clone()
		s.mu.Unlock()
		return out, nil
	}
	m.Status = StatusCanceled
	m.UpdatedAt = s.clock.Now()
	out := m.clone()
	s.mu.Unlock()

	s.save(ctx, out)
	s.audit.Append(audit.Event{MeetingID: id, Kind: audit.KindCanceled, Actor: actor})
	s.log.Info("meeting canceled", logx.String("meeting", id), logx.String("actor", actor))
	return out, nil
}

// Advance rolls a repeating meeting forward to its next occurrence after the
// given instant. Returns (nil, false, nil) when the meeting does not repeat
// or the rule is exhausted.
func (s *Store) Advance(ctx context.Context, id string, after time.Time) (*Meeting, bool, error) {
	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return nil, false, ErrNotFound
	}
	if m.Status == StatusCanceled || strings.TrimSpace(m.Repeat) == "" {
		s.mu.Unlock()
		return nil, false, nil
	}
	next, err := m.NextOccurrence(after)
	if err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	if next.IsZero() {
		s.mu.Unlock()
		return nil, false, nil
	}
	m.StartsAt = next
	m.Status = StatusScheduled
	m.UpdatedAt = s.clock.Now()
	out := m.clone()
	s.mu.Unlock()

	s.save(ctx, out)
	s.audit.Append(audit.Event{
		MeetingID: id,
		Kind:      audit.KindScheduled,
		Actor:     "recurrence",
		Detail:    next.Format(time.RFC3339),
	})
	s.log.Info("meeting recurred", logx.String("meeting", id), logx.Time("next", next))
	return out, true, nil
}

// Get returns a copy of the meeting.
func (s *Store) Get(id string) (*Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.clone(), nil
}

// ListActive returns all non-canceled meetings ordered by start time.
func (s *Store) ListActive() []*Meeting {
	s.mu.RLock()
	out := make([]*Meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		if m.Active() {
			out = append(out, m.clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out
}

// Conflicts returns the active meetings on a destination whose windows
// overlap a hypothetical meeting at start, excluding excludeID.
func (s *Store) Conflicts(destination string, start time.Time, duration time.Duration, excludeID string) ([]*Meeting, error) {
	policy, err := s.policies.PolicyFor(destination)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overlapping(policy, destination, start, duration, excludeID), nil
}

func (s *Store) validate(d Draft) error {
	if strings.TrimSpace(d.Label) == "" {
		return &timeplan.ValidationError{Field: "label", Reason: "must not be empty"}
	}
	if d.StartsAt.IsZero() {
		return &timeplan.ValidationError{Field: "starts_at", Reason: "missing start time"}
	}
	if d.Destination.ChatID == 0 {
		return &timeplan.ValidationError{Field: "destination", Reason: "missing chat"}
	}
	if d.Duration < 0 {
		return &timeplan.ValidationError{Field: "duration", Reason: "must be >= 0"}
	}
	if rule := strings.TrimSpace(d.Repeat); rule != "" {
		probe := Meeting{StartsAt: d.StartsAt, Repeat: rule}
		if _, err := probe.NextOccurrence(d.StartsAt); err != nil {
			return err
		}
	}
	return nil
}

// overlapping requires s.mu held. Results are clones sorted by start time.
func (s *Store) overlapping(policy timeplan.Policy, destination string, start time.Time, duration time.Duration, excludeID string) []*Meeting {
	var out []*Meeting
	for _, m := range s.meetings {
		if m.ID == excludeID || !m.Active() {
			continue
		}
		if m.Destination.String() != destination {
			continue
		}
		if policy.Overlaps(start, duration, m.StartsAt, m.Duration) {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}

// save persists a snapshot. Callers hand it a clone taken under s.mu, never
// the live map entry, so persistence reads race with nothing.
func (s *Store) save(ctx context.Context, m *Meeting) {
	if s.persist == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.persist.UpsertMeeting(sctx, toRecord(m)); err != nil {
		s.log.Warn("meeting persist failed", logx.String("meeting", m.ID), logx.Err(err))
	}
}

func (m *Meeting) clone() *Meeting {
	c := *m
	return &c
}

func toRecord(m *Meeting) storage.MeetingRecord {
	return storage.MeetingRecord{
		ID:        m.ID,
		Label:     m.Label,
		StartsAt:  m.StartsAt,
		Location:  m.Location,
		ChatID:    m.Destination.ChatID,
		ThreadID:  m.Destination.ThreadID,
		OwnerID:   m.OwnerID,
		Status:    string(m.Status),
		Duration:  m.Duration,
		Repeat:    m.Repeat,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func fromRecord(r storage.MeetingRecord) *Meeting {
	return &Meeting{
		ID:          r.ID,
		Label:       r.Label,
		StartsAt:    r.StartsAt,
		Location:    r.Location,
		Destination: transport.ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID},
		OwnerID:     r.OwnerID,
		Status:      Status(r.Status),
		Duration:    r.Duration,
		Repeat:      r.Repeat,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
