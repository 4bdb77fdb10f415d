package reminder

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/audit"
	"remindbot/internal/clickguard"
	"remindbot/internal/meeting"
	"remindbot/internal/storage"
	"remindbot/internal/timeplan"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Enqueuer hands fired reminders to the outbound queue. The key deduplicates:
// enqueueing the same key twice while the first message is still live is a
// no-op.
type Enqueuer interface {
	Enqueue(ctx context.Context, key string, to transport.ChatTarget, p transport.Payload) (string, error)
}

// Scheduler owns reminder jobs and drives their transitions. One job exists
// per active meeting; the periodic sweep fires due jobs and rolls repeating
// meetings forward once their start has passed.
type Scheduler struct {
	meetings *meeting.Store
	policies meeting.PolicyProvider
	guard    *clickguard.Guard
	queue    Enqueuer
	audit    *audit.Log
	persist  storage.Store
	clock    timeplan.Clock
	log      logx.Logger

	mu        sync.RWMutex
	jobs      map[string]*Job
	byMeeting map[string]string
}

func New(meetings *meeting.Store, policies meeting.PolicyProvider, guard *clickguard.Guard, queue Enqueuer, auditLog *audit.Log, persist storage.Store, clock timeplan.Clock, log logx.Logger) *Scheduler {
	if clock == nil {
		clock = timeplan.SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		meetings:  meetings,
		policies:  policies,
		guard:     guard,
		queue:     queue,
		audit:     auditLog,
		persist:   persist,
		clock:     clock,
		log:       log,
		jobs:      map[string]*Job{},
		byMeeting: map[string]string{},
	}
}

// Load hydrates jobs from storage. Call after meeting.Store.Load.
func (s *Scheduler) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	recs, err := s.persist.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		j := jobFromRecord(r)
		s.jobs[j.ID] = j
		if j.Status != StatusCanceled {
			s.byMeeting[j.MeetingID] = j.ID
		}
	}
	if len(recs) > 0 {
		s.log.Info("reminder jobs loaded", logx.Int("count", len(recs)))
	}
	return nil
}

// Plan creates a meeting together with its reminder job. The fire instant is
// resolved up front so a policy violation rejects the draft before anything
// is stored.
func (s *Scheduler) Plan(ctx context.Context, d meeting.Draft) (*meeting.Meeting, Snapshot, error) {
	policy, err := s.policies.PolicyFor(d.Destination.String())
	if err != nil {
		return nil, Snapshot{}, err
	}
	fireAt, err := policy.FireAt(d.StartsAt)
	if err != nil {
		return nil, Snapshot{}, err
	}

	m, err := s.meetings.Create(ctx, d)
	if err != nil {
		return nil, Snapshot{}, err
	}

	j := &Job{
		ID:        uuid.NewString(),
		MeetingID: m.ID,
		FireAt:    fireAt,
		LeadTime:  policy.LeadTime,
		Status:    StatusPending,
		UpdatedAt: s.clock.Now(),
	}
	// Snapshot and persist before the job is reachable from the maps: once it
	// is published, a concurrent sweep may fire it.
	snap := j.snapshot()
	s.save(ctx, j)
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.byMeeting[m.ID] = j.ID
	s.mu.Unlock()

	s.log.Info("reminder planned",
		logx.String("meeting", m.ID), logx.String("job", snap.ID), logx.Time("fire_at", fireAt))
	return m, snap, nil
}

// ProcessDue fires every pending job whose instant has arrived, in
// deterministic (FireAt, ID) order, then rolls repeating meetings forward.
// Safe to call concurrently with user actions; each job transition is
// serialized on the job.
func (s *Scheduler) ProcessDue(ctx context.Context, now time.Time) {
	for _, j := range s.due(now) {
		s.fire(ctx, j, now)
	}
	s.settlePassed(ctx, now)
}

func (s *Scheduler) due(now time.Time) []*Job {
	// FireAt is copied under the job lock; sorting on the live field would
	// race with a concurrent snooze or reschedule.
	type cand struct {
		j      *Job
		fireAt time.Time
	}
	s.mu.RLock()
	var out []cand
	for _, j := range s.jobs {
		j.mu.Lock()
		if j.Status == StatusPending && !j.FireAt.After(now) {
			out = append(out, cand{j: j, fireAt: j.FireAt})
		}
		j.mu.Unlock()
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].fireAt.Equal(out[k].fireAt) {
			return out[i].j.ID < out[k].j.ID
		}
		return out[i].fireAt.Before(out[k].fireAt)
	})
	jobs := make([]*Job, len(out))
	for i, c := range out {
		jobs[i] = c.j
	}
	return jobs
}

func (s *Scheduler) fire(ctx context.Context, j *Job, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusPending || j.FireAt.After(now) {
		return // lost a race with a user action
	}

	m, err := s.meetings.Get(j.MeetingID)
	if err != nil || !m.Active() {
		// Stale job: the meeting disappeared or was canceled after the job
		// was scheduled. Retire it without delivering.
		j.Status = StatusCanceled
		j.UpdatedAt = s.clock.Now()
		s.retire(j)
		s.save(ctx, j)
		return
	}

	policy, perr := s.policies.PolicyFor(m.Destination.String())
	if perr != nil {
		s.log.Warn("fire skipped: policy unavailable", logx.String("job", j.ID), logx.Err(perr))
		return
	}

	j.Attempt++
	j.Status = StatusFired
	j.UpdatedAt = s.clock.Now()
	s.save(ctx, j)

	key := fmt.Sprintf("%s:reminder:%d", j.ID, j.Attempt)
	payload := transport.Payload{
		Kind:      transport.PayloadReminder,
		MeetingID: m.ID,
		JobID:     j.ID,
		AttemptID: key,
		Label:     m.Label,
		Location:  m.Location,
		StartsAt:  m.StartsAt,
		Timezone:  policy.Timezone,
		Actions: []transport.Action{
			{Kind: transport.ActionSnooze, Token: s.guard.Issue(j.ID, transport.ActionSnooze).Value},
			{Kind: transport.ActionCancel, Token: s.guard.Issue(j.ID, transport.ActionCancel).Value},
			{Kind: transport.ActionReschedule, Token: s.guard.Issue(j.ID, transport.ActionReschedule).Value},
		},
	}

	if _, err := s.queue.Enqueue(ctx, key, m.Destination, payload); err != nil {
		// The job stays FIRED: re-firing would duplicate the reminder once
		// the queue recovers. The failure is recorded instead.
		s.audit.Append(audit.Event{
			MeetingID: m.ID,
			Kind:      audit.KindDeliveryFailed,
			Detail:    err.Error(),
		})
		s.log.Warn("reminder enqueue failed", logx.String("job", j.ID), logx.Err(err))
		return
	}

	s.audit.Append(audit.Event{MeetingID: m.ID, Kind: audit.KindFired, Detail: key})
	s.log.Info("reminder fired",
		logx.String("meeting", m.ID), logx.String("job", j.ID),
		logx.Int("attempt", j.Attempt), logx.String("dest", m.Destination.String()))
}

// settlePassed closes out fired jobs whose meeting start has passed: tokens
// expire, and repeating meetings get a fresh occurrence with a fresh job.
func (s *Scheduler) settlePassed(ctx context.Context, now time.Time) {
	s.mu.RLock()
	var fired []*Job
	for _, j := range s.jobs {
		j.mu.Lock()
		if j.Status == StatusFired && !j.settled {
			fired = append(fired, j)
		}
		j.mu.Unlock()
	}
	s.mu.RUnlock()

	for _, j := range fired {
		j.mu.Lock()
		if j.Status != StatusFired || j.settled {
			j.mu.Unlock()
			continue
		}
		m, err := s.meetings.Get(j.MeetingID)
		if err != nil {
			j.mu.Unlock()
			continue
		}
		if m.Active() && m.StartsAt.After(now) {
			j.mu.Unlock()
			continue // the fired window is still open for snooze/cancel
		}
		j.settled = true
		s.retire(j)
		j.mu.Unlock()

		if !m.Active() || strings.TrimSpace(m.Repeat) == "" {
			continue
		}
		next, ok, err := s.meetings.Advance(ctx, m.ID, now)
		if err != nil {
			s.log.Warn("recurrence advance failed", logx.String("meeting", m.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if err := s.scheduleFor(ctx, next); err != nil {
			s.log.Warn("recurrence job failed", logx.String("meeting", m.ID), logx.Err(err))
		}
	}
}

// scheduleFor creates a fresh pending job for a meeting occurrence.
func (s *Scheduler) scheduleFor(ctx context.Context, m *meeting.Meeting) error {
	policy, err := s.policies.PolicyFor(m.Destination.String())
	if err != nil {
		return err
	}
	fireAt, err := policy.FireAt(m.StartsAt)
	if err != nil {
		return err
	}
	j := &Job{
		ID:        uuid.NewString(),
		MeetingID: m.ID,
		FireAt:    fireAt,
		LeadTime:  policy.LeadTime,
		Status:    StatusPending,
		UpdatedAt: s.clock.Now(),
	}
	s.save(ctx, j) // persist before publication, as in Plan
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.byMeeting[m.ID] = j.ID
	s.mu.Unlock()
	return nil
}

// Snooze shifts the meeting start forward by the policy's snooze increment
// and returns the fired job to PENDING with a recomputed fire instant. The
// shift is forced (no conflict check): it is a user decision on a reminder
// already on screen. Snoozing a job that is not awaiting action fails.
func (s *Scheduler) Snooze(ctx context.Context, jobID, actor string) (Snapshot, error) {
	j := s.job(jobID)
	if j == nil {
		return Snapshot{}, meeting.ErrNotFound
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusFired {
		return Snapshot{}, &timeplan.ValidationError{Field: "status", Reason: "job is not awaiting action"}
	}
	m, err := s.meetings.Get(j.MeetingID)
	if err != nil {
		return Snapshot{}, err
	}
	policy, err := s.policies.PolicyFor(m.Destination.String())
	if err != nil {
		return Snapshot{}, err
	}

	// Validate the new fire instant before touching anything: a quiet-hours
	// dead end rejects the snooze instead of wedging the job.
	newStart := m.StartsAt.Add(policy.SnoozeIncrement)
	fireAt, err := policy.FireAt(newStart)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := s.meetings.ShiftStart(ctx, m.ID, newStart); err != nil {
		return Snapshot{}, err
	}

	j.Status = StatusPending
	j.SnoozeCount++
	j.FireAt = fireAt
	j.settled = false
	j.UpdatedAt = s.clock.Now()
	s.guard.ExpireJob(j.ID)
	s.save(ctx, j)

	s.audit.Append(audit.Event{
		MeetingID: j.MeetingID,
		Kind:      audit.KindSnoozed,
		Actor:     actor,
		Detail:    fmt.Sprintf("start %s, refire %s", newStart.Format(time.RFC3339), fireAt.Format(time.RFC3339)),
	})
	s.log.Info("reminder snoozed",
		logx.String("job", j.ID), logx.Int("count", j.SnoozeCount), logx.Time("fire_at", j.FireAt))
	return j.snapshot(), nil
}

// CancelJob cancels the reminder and its meeting. Idempotent.
func (s *Scheduler) CancelJob(ctx context.Context, jobID, actor string) error {
	j := s.job(jobID)
	if j == nil {
		return meeting.ErrNotFound
	}
	j.mu.Lock()
	if j.Status == StatusCanceled {
		j.mu.Unlock()
		return nil
	}
	j.Status = StatusCanceled
	j.UpdatedAt = s.clock.Now()
	s.retire(j)
	s.save(ctx, j)
	meetingID := j.MeetingID
	j.mu.Unlock()

	s.mu.Lock()
	if s.byMeeting[meetingID] == jobID {
		delete(s.byMeeting, meetingID)
	}
	s.mu.Unlock()

	_, err := s.meetings.Cancel(ctx, meetingID, actor)
	return err
}

// CancelMeeting cancels a meeting by ID, retiring its job if one exists.
func (s *Scheduler) CancelMeeting(ctx context.Context, meetingID, actor string) error {
	if jobID, ok := s.jobForMeeting(meetingID); ok {
		return s.CancelJob(ctx, jobID, actor)
	}
	_, err := s.meetings.Cancel(ctx, meetingID, actor)
	return err
}

// Reschedule moves a meeting and rearms its reminder for the new start.
func (s *Scheduler) Reschedule(ctx context.Context, meetingID string, newStart time.Time, actor string, allowConflicts bool) (*meeting.Meeting, Snapshot, error) {
	m, err := s.meetings.Reschedule(ctx, meetingID, newStart, actor, allowConflicts)
	if err != nil {
		return nil, Snapshot{}, err
	}
	policy, err := s.policies.PolicyFor(m.Destination.String())
	if err != nil {
		return nil, Snapshot{}, err
	}
	fireAt, err := policy.FireAt(m.StartsAt)
	if err != nil {
		return nil, Snapshot{}, err
	}

	jobID, ok := s.jobForMeeting(meetingID)
	if !ok {
		if err := s.scheduleFor(ctx, m); err != nil {
			return nil, Snapshot{}, err
		}
		jobID, _ = s.jobForMeeting(meetingID)
	}
	j := s.job(jobID)
	j.mu.Lock()
	j.Status = StatusPending
	j.FireAt = fireAt
	j.settled = false
	j.UpdatedAt = s.clock.Now()
	s.guard.ExpireJob(j.ID)
	s.save(ctx, j)
	snap := j.snapshot()
	j.mu.Unlock()
	return m, snap, nil
}

// JobSnapshot returns a copy of the job state.
func (s *Scheduler) JobSnapshot(jobID string) (Snapshot, bool) {
	j := s.job(jobID)
	if j == nil {
		return Snapshot{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot(), true
}

func (s *Scheduler) job(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

func (s *Scheduler) jobForMeeting(meetingID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMeeting[meetingID]
	return id, ok
}

// retire expires all live action tokens of a job.
func (s *Scheduler) retire(j *Job) {
	if s.guard != nil {
		s.guard.ExpireJob(j.ID)
	}
}

func (s *Scheduler) save(ctx context.Context, j *Job) {
	if s.persist == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.persist.UpsertJob(sctx, j.toRecord()); err != nil {
		s.log.Warn("job persist failed", logx.String("job", j.ID), logx.Err(err))
	}
}
