package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/audit"
	"remindbot/internal/clickguard"
	"remindbot/internal/meeting"
	"remindbot/internal/storage"
	"remindbot/internal/timeplan"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type staticPolicies struct{ policy timeplan.Policy }

func (p staticPolicies) PolicyFor(string) (timeplan.Policy, error) { return p.policy, nil }

type enqCall struct {
	key     string
	to      transport.ChatTarget
	payload transport.Payload
}

type captureQueue struct {
	mu    sync.Mutex
	fail  error
	calls []enqCall
}

func (q *captureQueue) Enqueue(_ context.Context, key string, to transport.ChatTarget, p transport.Payload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return "", q.fail
	}
	q.calls = append(q.calls, enqCall{key: key, to: to, payload: p})
	return key, nil
}

func (q *captureQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

func (q *captureQueue) last() enqCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls[len(q.calls)-1]
}

type fixture struct {
	sched *Scheduler
	meets *meeting.Store
	guard *clickguard.Guard
	queue *captureQueue
	audit *audit.Log
	clock *timeplan.Manual
}

func newFixture(t *testing.T, policy timeplan.Policy) *fixture {
	t.Helper()
	resolved, err := policy.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	policies := staticPolicies{policy: resolved}
	clock := timeplan.NewManual(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	persist := storage.NewMemory()
	auditLog := audit.New(nil, clock, logx.Nop())
	guard := clickguard.New(time.Hour, nil, clock, logx.Nop())
	meets := meeting.New(policies, persist, auditLog, clock, logx.Nop())
	queue := &captureQueue{}
	sched := New(meets, policies, guard, queue, auditLog, persist, clock, logx.Nop())
	return &fixture{sched: sched, meets: meets, guard: guard, queue: queue, audit: auditLog, clock: clock}
}

var dest = transport.ChatTarget{ChatID: 1001}

func auditCount(log *audit.Log, kind audit.Kind) int {
	n := 0
	for _, e := range log.Recent(0) {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestPlanResolvesFireInstant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{
		LeadTime: 30 * time.Minute,
		Quiet:    &timeplan.QuietWindow{Start: timeplan.DayTime{Hour: 8}, End: timeplan.DayTime{Hour: 9}},
	})
	ctx := context.Background()

	// 10:00 meeting, 30m lead: naive instant 09:30 is outside quiet hours.
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	_, job, err := f.sched.Plan(ctx, meeting.Draft{Label: "standup", StartsAt: start, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}
	if want := start.Add(-30 * time.Minute); !job.FireAt.Equal(want) {
		t.Fatalf("FireAt = %v, want %v", job.FireAt, want)
	}

	// 08:50 meeting: naive instant 08:20 is inside the window, deferred to 09:00.
	early := time.Date(2026, 3, 11, 8, 50, 0, 0, time.UTC)
	_, job, err = f.sched.Plan(ctx, meeting.Draft{Label: "early", StartsAt: early, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC); !job.FireAt.Equal(want) {
		t.Fatalf("deferred FireAt = %v, want %v", job.FireAt, want)
	}
}

func TestProcessDueFiresOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute})
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, job, err := f.sched.Plan(ctx, meeting.Draft{Label: "standup", Location: "room 4", StartsAt: start, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}

	// Before the fire instant nothing happens.
	f.sched.ProcessDue(ctx, job.FireAt.Add(-time.Second))
	if f.queue.len() != 0 {
		t.Fatal("fired before the fire instant")
	}

	f.sched.ProcessDue(ctx, job.FireAt)
	if f.queue.len() != 1 {
		t.Fatalf("enqueued %d messages, want 1", f.queue.len())
	}
	call := f.queue.last()
	if call.key != job.ID+":reminder:1" {
		t.Fatalf("idempotency key = %q", call.key)
	}
	if call.to != dest {
		t.Fatalf("destination = %v", call.to)
	}
	if call.payload.Label != "standup" || call.payload.Location != "room 4" {
		t.Fatalf("payload = %+v", call.payload)
	}
	if len(call.payload.Actions) != 3 {
		t.Fatalf("actions = %d, want 3", len(call.payload.Actions))
	}

	// A second sweep at the same instant must not re-fire.
	f.sched.ProcessDue(ctx, job.FireAt)
	if f.queue.len() != 1 {
		t.Fatalf("duplicate sweep re-fired: %d messages", f.queue.len())
	}

	snap, _ := f.sched.JobSnapshot(job.ID)
	if snap.Status != StatusFired || snap.Attempt != 1 {
		t.Fatalf("job = %+v", snap)
	}
	if auditCount(f.audit, audit.KindFired) != 1 {
		t.Fatal("FIRED audit count != 1")
	}
}

func TestProcessDueOrdersDeterministically(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute})
	ctx := context.Background()

	starts := []time.Time{
		time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	for i, st := range starts {
		d := meeting.Draft{Label: "m", StartsAt: st, Destination: transport.ChatTarget{ChatID: int64(2000 + i)}}
		if _, _, err := f.sched.Plan(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	f.sched.ProcessDue(ctx, time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC))
	if f.queue.len() != 3 {
		t.Fatalf("fired %d, want 3", f.queue.len())
	}
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	prev := time.Time{}
	for _, c := range f.queue.calls {
		fireAt := c.payload.StartsAt.Add(-30 * time.Minute)
		if fireAt.Before(prev) {
			t.Fatalf("fired out of order: %v after %v", fireAt, prev)
		}
		prev = fireAt
	}
}

func TestStaleCancelSkipsDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute})
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	m, job, err := f.sched.Plan(ctx, meeting.Draft{Label: "standup", StartsAt: start, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.meets.Cancel(ctx, m.ID, "42"); err != nil {
		t.Fatal(err)
	}

	f.sched.ProcessDue(ctx, job.FireAt)
	if f.queue.len() != 0 {
		t.Fatal("canceled meeting was delivered")
	}
	snap, _ := f.sched.JobSnapshot(job.ID)
	if snap.Status != StatusCanceled {
		t.Fatalf("job status = %s, want CANCELED", snap.Status)
	}
}

func TestSnoozeRefiresAfterIncrement(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute, SnoozeIncrement: 15 * time.Minute})
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)

	m, job, err := f.sched.Plan(ctx, meeting.Draft{Label: "standup", StartsAt: start, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}

	fireAt := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	f.clock.Set(fireAt)
	f.sched.ProcessDue(ctx, fireAt)
	if f.queue.len() != 1 {
		t.Fatal("did not fire")
	}

	snap, err := f.sched.Snooze(ctx, job.ID, "42")
	if err != nil {
		t.Fatal(err)
	}
	// The meeting start moves forward by the increment; the fire instant is
	// recomputed from the shifted start.
	got, _ := f.meets.Get(m.ID)
	if want := start.Add(15 * time.Minute); !got.StartsAt.Equal(want) {
		t.Fatalf("meeting start = %v, want %v", got.StartsAt, want)
	}
	if want := fireAt.Add(15 * time.Minute); !snap.FireAt.Equal(want) {
		t.Fatalf("snoozed FireAt = %v, want %v", snap.FireAt, want)
	}
	if snap.Status != StatusPending || snap.SnoozeCount != 1 {
		t.Fatalf("snap = %+v", snap)
	}

	// Snoozing again before the re-fire is rejected: nothing is awaiting action.
	if _, err := f.sched.Snooze(ctx, job.ID, "42"); err == nil {
		t.Fatal("second snooze before re-fire was accepted")
	}

	f.clock.Set(snap.FireAt)
	f.sched.ProcessDue(ctx, snap.FireAt)
	if f.queue.len() != 2 {
		t.Fatalf("re-fire count = %d, want 2", f.queue.len())
	}
	if got := f.queue.last().key; got != job.ID+":reminder:2" {
		t.Fatalf("re-fire key = %q", got)
	}
	if auditCount(f.audit, audit.KindSnoozed) != 1 {
		t.Fatal("SNOOZED audit count != 1")
	}
}

func TestCancelJobIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute})
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	m, job, err := f.sched.Plan(ctx, meeting.Draft{Label: "standup", StartsAt: start, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.sched.CancelJob(ctx, job.ID, "42"); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.CancelJob(ctx, job.ID, "42"); err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
	if auditCount(f.audit, audit.KindCanceled) != 1 {
		t.Fatal("CANCELED audit count != 1")
	}
	got, err := f.meets.Get(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != meeting.StatusCanceled {
		t.Fatalf("meeting status = %s", got.Status)
	}

	f.sched.ProcessDue(ctx, start)
	if f.queue.len() != 0 {
		t.Fatal("canceled job fired")
	}
}

func TestEnqueueFailureDoesNotRefire(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute})
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, job, err := f.sched.Plan(ctx, meeting.Draft{Label: "standup", StartsAt: start, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}

	f.queue.fail = errors.New("queue closed")
	f.sched.ProcessDue(ctx, job.FireAt)

	if auditCount(f.audit, audit.KindDeliveryFailed) != 1 {
		t.Fatal("DELIVERY_FAILED audit count != 1")
	}
	snap, _ := f.sched.JobSnapshot(job.ID)
	if snap.Status != StatusFired {
		t.Fatalf("job status = %s, want FIRED", snap.Status)
	}

	// The queue recovering must not cause a duplicate fire of the same attempt.
	f.queue.fail = nil
	f.sched.ProcessDue(ctx, job.FireAt)
	if f.queue.len() != 0 {
		t.Fatal("failed fire was re-fired")
	}
}

func TestRecurrenceAdvancesAfterStartPasses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute})
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	m, job, err := f.sched.Plan(ctx, meeting.Draft{
		Label: "daily sync", StartsAt: start, Destination: dest, Repeat: "FREQ=DAILY",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.sched.ProcessDue(ctx, job.FireAt)
	if f.queue.len() != 1 {
		t.Fatal("did not fire")
	}

	// While the start has not passed, the fired window stays open.
	f.sched.ProcessDue(ctx, start.Add(-time.Minute))
	got, _ := f.meets.Get(m.ID)
	if !got.StartsAt.Equal(start) {
		t.Fatal("meeting advanced before its start passed")
	}

	// Once the start passes, the meeting rolls to the next occurrence and a
	// fresh pending job fires a day later.
	f.sched.ProcessDue(ctx, start.Add(time.Minute))
	got, _ = f.meets.Get(m.ID)
	nextStart := start.AddDate(0, 0, 1)
	if !got.StartsAt.Equal(nextStart) {
		t.Fatalf("meeting start = %v, want %v", got.StartsAt, nextStart)
	}

	f.sched.ProcessDue(ctx, nextStart.Add(-30*time.Minute))
	if f.queue.len() != 2 {
		t.Fatalf("next occurrence fired %d total, want 2", f.queue.len())
	}
	if f.queue.last().key == f.queue.calls[0].key {
		t.Fatal("next occurrence reused the previous idempotency key")
	}
}

func TestRescheduleRearmsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute})
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	m, job, err := f.sched.Plan(ctx, meeting.Draft{Label: "standup", StartsAt: start, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}
	f.sched.ProcessDue(ctx, job.FireAt)

	newStart := start.Add(4 * time.Hour)
	_, snap, err := f.sched.Reschedule(ctx, m.ID, newStart, "42", false)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusPending {
		t.Fatalf("job status = %s, want PENDING", snap.Status)
	}
	if want := newStart.Add(-30 * time.Minute); !snap.FireAt.Equal(want) {
		t.Fatalf("FireAt = %v, want %v", snap.FireAt, want)
	}

	f.sched.ProcessDue(ctx, snap.FireAt)
	if f.queue.len() != 2 {
		t.Fatalf("fired %d, want 2", f.queue.len())
	}
}

func TestPlanConcurrentWithSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute})
	ctx := context.Background()

	// Plans land already due, so every new job is immediately eligible for a
	// concurrently running sweep. Run with -race: publication must not let
	// the sweep observe a half-initialized or half-persisted job.
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	sweepUntil := base.Add(time.Hour)

	var wg sync.WaitGroup
	wg.Add(2)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			d := meeting.Draft{
				Label:       "m",
				StartsAt:    base.Add(time.Duration(i) * time.Minute),
				Destination: transport.ChatTarget{ChatID: int64(3000 + i)},
			}
			if _, _, err := f.sched.Plan(ctx, d); err != nil {
				t.Errorf("Plan: %v", err)
				break
			}
		}
		close(done)
	}()
	go func() {
		defer wg.Done()
		for {
			f.sched.ProcessDue(ctx, sweepUntil)
			select {
			case <-done:
				return
			default:
			}
		}
	}()
	wg.Wait()

	f.sched.ProcessDue(ctx, sweepUntil)
	if f.queue.len() != 20 {
		t.Fatalf("fired %d, want 20", f.queue.len())
	}
}

func TestLoadRestoresJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, timeplan.Policy{LeadTime: 30 * time.Minute})
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, job, err := f.sched.Plan(ctx, meeting.Draft{Label: "standup", StartsAt: start, Destination: dest})
	if err != nil {
		t.Fatal(err)
	}

	fresh := New(f.meets, staticPolicies{policy: mustPolicy(t, timeplan.Policy{LeadTime: 30 * time.Minute})},
		f.guard, f.queue, f.audit, f.sched.persist, f.clock, logx.Nop())
	if err := fresh.Load(ctx); err != nil {
		t.Fatal(err)
	}
	snap, ok := fresh.JobSnapshot(job.ID)
	if !ok {
		t.Fatal("job not restored")
	}
	if snap.Status != StatusPending || !snap.FireAt.Equal(job.FireAt) {
		t.Fatalf("restored job = %+v", snap)
	}
}

func mustPolicy(t *testing.T, p timeplan.Policy) timeplan.Policy {
	t.Helper()
	r, err := p.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	return r
}
