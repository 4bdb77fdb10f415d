package storage

import (
	"context"
	"sync"
)

// memStore keeps everything in process memory. Not durable; used by tests
// and for running without a database file.
type memStore struct {
	mu       sync.Mutex
	meetings map[string]MeetingRecord
	jobs     map[string]JobRecord
	messages map[string]MessageRecord
	tokens   map[string]TokenRecord
	audit    []AuditRecord
}

// NewMemory returns an in-memory Store.
func NewMemory() Store {
	return &memStore{
		meetings: map[string]MeetingRecord{},
		jobs:     map[string]JobRecord{},
		messages: map[string]MessageRecord{},
		tokens:   map[string]TokenRecord{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) UpsertMeeting(_ context.Context, r MeetingRecord) error {
	s.mu.Lock()
	s.meetings[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *memStore) LoadMeetings(_ context.Context) ([]MeetingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MeetingRecord, 0, len(s.meetings))
	for _, r := range s.meetings {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) UpsertJob(_ context.Context, r JobRecord) error {
	s.mu.Lock()
	s.jobs[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *memStore) LoadJobs(_ context.Context) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, 0, len(s.jobs))
	for _, r := range s.jobs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) UpsertMessage(_ context.Context, r MessageRecord) error {
	s.mu.Lock()
	s.messages[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *memStore) LoadMessages(_ context.Context) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageRecord, 0, len(s.messages))
	for _, r := range s.messages {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.messages, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) UpsertToken(_ context.Context, r TokenRecord) error {
	s.mu.Lock()
	s.tokens[r.Value] = r
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteTokensForJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	for v, r := range s.tokens {
		if r.JobID == jobID {
			delete(s.tokens, v)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, r AuditRecord) error {
	s.mu.Lock()
	s.audit = append(s.audit, r)
	s.mu.Unlock()
	return nil
}

func (s *memStore) RecentAudit(_ context.Context, limit int) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]AuditRecord, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}
