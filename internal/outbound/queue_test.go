package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/audit"
	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/timeplan"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type sendResult struct {
	disp transport.Disposition
	err  error
}

type fakeSender struct {
	mu      sync.Mutex
	results []sendResult // consumed in order; last one repeats
	calls   int
}

func (s *fakeSender) Send(context.Context, transport.ChatTarget, transport.Payload) (transport.Disposition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return transport.Delivered, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.disp, r.err
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var dest = transport.ChatTarget{ChatID: 1001}

func payload(key string) transport.Payload {
	return transport.Payload{Kind: transport.PayloadReminder, MeetingID: "m1", JobID: "j1", AttemptID: key, Label: "standup"}
}

func newQueue(t *testing.T, cfg Config, sender transport.Sender) (*Queue, *timeplan.Manual, *audit.Log) {
	t.Helper()
	clock := timeplan.NewManual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	auditLog := audit.New(nil, clock, logx.Nop())
	q := New(cfg, sender, storage.NewMemory(), auditLog, eventbus.New(), clock, logx.Nop())
	return q, clock, auditLog
}

func TestEnqueueIdempotentByKey(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	q, clock, _ := newQueue(t, Config{}, sender)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "j1:reminder:1", dest, payload("j1:reminder:1"))
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("enqueue returned an empty id")
	}
	// Duplicate keys are suppressed and hand back the existing message id.
	for i := 0; i < 2; i++ {
		id, err := q.Enqueue(ctx, "j1:reminder:1", dest, payload("j1:reminder:1"))
		if err != nil {
			t.Fatal(err)
		}
		if id != first {
			t.Fatalf("duplicate enqueue id = %q, want %q", id, first)
		}
	}
	q.Drain(ctx, clock.Now())
	if sender.callCount() != 1 {
		t.Fatalf("sends = %d, want 1", sender.callCount())
	}

	// Re-enqueueing after delivery is still a no-op for the same key.
	if id, err := q.Enqueue(ctx, "j1:reminder:1", dest, payload("j1:reminder:1")); err != nil || id != first {
		t.Fatalf("post-delivery enqueue = (%q, %v), want (%q, nil)", id, err, first)
	}
	q.Drain(ctx, clock.Now())
	if sender.callCount() != 1 {
		t.Fatalf("delivered key was re-sent: %d sends", sender.callCount())
	}

	st := q.Snapshot()
	if st.Delivered != 1 || st.Queued != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTransientRetriesWithBackoffThenPermanent(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{results: []sendResult{{transport.Transient, errors.New("boom")}}}
	cfg := Config{MaxAttempts: 3, RetryBase: 2 * time.Second, RatePerSec: 100}
	q, clock, auditLog := newQueue(t, cfg, sender)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "k", dest, payload("k")); err != nil {
		t.Fatal(err)
	}

	// Attempt 1 fails; next attempt is scheduled RetryBase later.
	q.Drain(ctx, clock.Now())
	if sender.callCount() != 1 {
		t.Fatalf("sends = %d, want 1", sender.callCount())
	}
	q.Drain(ctx, clock.Now().Add(time.Second))
	if sender.callCount() != 1 {
		t.Fatal("retried before the backoff elapsed")
	}

	// Attempt 2 at +2s, attempt 3 at +2s+4s; then the message is dead.
	clock.Advance(2 * time.Second)
	q.Drain(ctx, clock.Now())
	clock.Advance(4 * time.Second)
	q.Drain(ctx, clock.Now())
	if sender.callCount() != 3 {
		t.Fatalf("sends = %d, want exactly MaxAttempts=3", sender.callCount())
	}

	clock.Advance(time.Hour)
	q.Drain(ctx, clock.Now())
	if sender.callCount() != 3 {
		t.Fatalf("dead message was retried: %d sends", sender.callCount())
	}

	st := q.Snapshot()
	if st.Failed != 1 || st.Retries != 2 {
		t.Fatalf("stats = %+v", st)
	}
	failed := 0
	for _, e := range auditLog.Recent(0) {
		if e.Kind == audit.KindDeliveryFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("DELIVERY_FAILED audit events = %d, want 1", failed)
	}
}

func TestNoChangeIsSuccessWithoutRetryCost(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{results: []sendResult{{transport.NoChange, nil}}}
	q, clock, _ := newQueue(t, Config{}, sender)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "k", dest, payload("k")); err != nil {
		t.Fatal(err)
	}
	q.Drain(ctx, clock.Now())

	st := q.Snapshot()
	if st.Delivered != 1 || st.Retries != 0 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
	clock.Advance(time.Hour)
	q.Drain(ctx, clock.Now())
	if sender.callCount() != 1 {
		t.Fatalf("no-change message was re-sent: %d sends", sender.callCount())
	}
}

func TestPermanentFailsImmediately(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{results: []sendResult{{transport.Permanent, errors.New("chat not found")}}}
	q, clock, _ := newQueue(t, Config{MaxAttempts: 5}, sender)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "k", dest, payload("k")); err != nil {
		t.Fatal(err)
	}
	q.Drain(ctx, clock.Now())
	clock.Advance(time.Hour)
	q.Drain(ctx, clock.Now())

	if sender.callCount() != 1 {
		t.Fatalf("permanent failure was retried: %d sends", sender.callCount())
	}
	if st := q.Snapshot(); st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRetryAfterHintOverridesBackoff(t *testing.T) {
	t.Parallel()
	hint := &transport.RetryAfterError{After: 30 * time.Second, Err: errors.New("flood")}
	sender := &fakeSender{results: []sendResult{{transport.Transient, hint}}}
	q, clock, _ := newQueue(t, Config{RetryBase: 2 * time.Second}, sender)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "k", dest, payload("k")); err != nil {
		t.Fatal(err)
	}
	q.Drain(ctx, clock.Now())

	// The computed backoff (2s) is shorter than the server hint (30s).
	clock.Advance(10 * time.Second)
	q.Drain(ctx, clock.Now())
	if sender.callCount() != 1 {
		t.Fatal("retried before the server hint elapsed")
	}
	clock.Advance(21 * time.Second)
	q.Drain(ctx, clock.Now())
	if sender.callCount() != 2 {
		t.Fatalf("sends = %d, want 2", sender.callCount())
	}
}

func TestRateCapLeavesRestForNextCycle(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	q, clock, _ := newQueue(t, Config{RatePerSec: 2}, sender)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := string(rune('a' + i))
		if _, err := q.Enqueue(ctx, key, dest, payload(key)); err != nil {
			t.Fatal(err)
		}
	}

	q.Drain(ctx, clock.Now())
	first := sender.callCount()
	if first > 2 {
		t.Fatalf("first drain sent %d, cap is 2", first)
	}
	if st := q.Snapshot(); st.Queued != 5-first {
		t.Fatalf("stats = %+v", st)
	}

	// Later cycles deliver the rest once the bucket refills.
	deadline := time.Now().Add(5 * time.Second)
	for sender.callCount() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 5 delivered", sender.callCount())
		}
		time.Sleep(200 * time.Millisecond)
		clock.Advance(time.Second)
		q.Drain(ctx, clock.Now())
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 2 * time.Second, RetryMaxDelay: 10 * time.Second}
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(cfg, tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestPruneDropsOldTerminalMessages(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	q, clock, _ := newQueue(t, Config{PruneAfter: time.Hour, RatePerSec: 100}, sender)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "k", dest, payload("k")); err != nil {
		t.Fatal(err)
	}
	q.Drain(ctx, clock.Now())
	if st := q.Snapshot(); st.Delivered != 1 {
		t.Fatalf("stats = %+v", st)
	}

	clock.Advance(2 * time.Hour)
	q.Drain(ctx, clock.Now())
	st := q.Snapshot()
	if st.Delivered != 0 || st.Queued != 0 {
		t.Fatalf("stats after prune = %+v", st)
	}
}

func TestLoadRequeuesInFlight(t *testing.T) {
	t.Parallel()
	persist := storage.NewMemory()
	clock := timeplan.NewManual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	if err := persist.UpsertMessage(context.Background(), storage.MessageRecord{
		ID: "id1", ChatID: dest.ChatID, Key: "k", PayloadJSON: `{"Kind":"reminder","Label":"standup"}`,
		Attempts: 1, NextAttempt: clock.Now(), Status: string(MsgInFlight), EnqueuedAt: clock.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	q := New(Config{RatePerSec: 100}, sender, persist, audit.New(nil, clock, logx.Nop()), eventbus.New(), clock, logx.Nop())
	if err := q.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	q.Drain(context.Background(), clock.Now())
	if sender.callCount() != 1 {
		t.Fatalf("in-flight message was not requeued: %d sends", sender.callCount())
	}
}
