package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/audit"
	"remindbot/internal/clickguard"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/meeting"
	"remindbot/internal/outbound"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/timeplan"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []transport.Payload
}

func (s *fakeSender) Send(_ context.Context, _ transport.ChatTarget, p transport.Payload) (transport.Disposition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return transport.Delivered, nil
}

func (s *fakeSender) last(t *testing.T) transport.Payload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.payloads) == 0 {
		t.Fatal("nothing delivered")
	}
	return s.payloads[len(s.payloads)-1]
}

type fakeListener struct {
	mu      sync.Mutex
	answers []string
	texts   []string
}

func (l *fakeListener) Start(context.Context, chan<- transport.Update) error { return nil }
func (l *fakeListener) Stop(context.Context) error                           { return nil }

func (l *fakeListener) AnswerCallback(_ context.Context, _ string, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers = append(l.answers, text)
	return nil
}

func (l *fakeListener) SendText(_ context.Context, _ transport.ChatTarget, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = append(l.texts, text)
	return nil
}

func (l *fakeListener) lastAnswer(t *testing.T) string {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.answers) == 0 {
		t.Fatal("no callback answer recorded")
	}
	return l.answers[len(l.answers)-1]
}

const ownerID = int64(7)

var chat = transport.ChatTarget{ChatID: 1001}

func newTestApp(t *testing.T) (*App, *fakeSender, *fakeListener, *timeplan.Manual) {
	t.Helper()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{OwnerUserIDs: []int64{ownerID}},
		Policy:   config.PolicyConfig{LeadTime: "30m", SnoozeIncrement: "15m", DefaultDuration: "1h"},
	}
	cfgm := config.NewManager("unused.json")
	cfgm.Commit(cfg)

	clock := timeplan.NewManual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	persist := storage.NewMemory()
	auditLog := audit.New(nil, clock, logx.Nop())
	guard := clickguard.New(time.Hour, nil, clock, logx.Nop())
	sender := &fakeSender{}
	bus := eventbus.New()
	queue := outbound.New(outbound.Config{RatePerSec: 100}, sender, persist, auditLog, bus, clock, logx.Nop())
	policies := policySource{m: cfgm}
	meetings := meeting.New(policies, persist, auditLog, clock, logx.Nop())
	sched := reminder.New(meetings, policies, guard, queue, auditLog, persist, clock, logx.Nop())
	listener := &fakeListener{}

	a := &App{
		cfgm:     cfgm,
		log:      logx.Nop(),
		bus:      bus,
		clock:    clock,
		auditLog: auditLog,
		guard:    guard,
		queue:    queue,
		meetings: meetings,
		sched:    sched,
		listener: listener,
		texter:   listener,
		updates:  make(chan transport.Update, 16),
		engine:   config.EngineSettings{TokenTTL: time.Hour},
		owners:   ownerSet(cfg.Telegram.OwnerUserIDs),
		drafts:   map[string]pendingDraft{},
	}
	return a, sender, listener, clock
}

// fireReminder plans a meeting, advances to its fire instant, and drains the
// queue so the delivered payload (with its action tokens) is observable.
func fireReminder(t *testing.T, a *App, sender *fakeSender, clock *timeplan.Manual, d meeting.Draft) (*meeting.Meeting, transport.Payload) {
	t.Helper()
	ctx := context.Background()
	m, snap, err := a.PlanMeeting(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	clock.Set(snap.FireAt)
	a.sched.ProcessDue(ctx, snap.FireAt)
	a.queue.Drain(ctx, snap.FireAt)
	return m, sender.last(t)
}

func tokenFor(t *testing.T, p transport.Payload, kind string) string {
	t.Helper()
	for _, act := range p.Actions {
		if act.Kind == kind {
			return act.Token
		}
	}
	t.Fatalf("payload has no %q action: %+v", kind, p.Actions)
	return ""
}

func TestCallbackSnoozeExactlyOnce(t *testing.T) {
	t.Parallel()
	a, sender, listener, clock := newTestApp(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	m, payload := fireReminder(t, a, sender, clock, meeting.Draft{Label: "standup", StartsAt: start, Destination: chat})
	data := "rem:snooze:" + tokenFor(t, payload, transport.ActionSnooze)

	a.handleCallback(ctx, transport.Callback{ID: "cb1", FromID: 42, Data: data})
	if got := listener.lastAnswer(t); !strings.HasPrefix(got, "Snoozed") {
		t.Fatalf("answer = %q", got)
	}
	got, err := a.meetings.Get(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := start.Add(15 * time.Minute); !got.StartsAt.Equal(want) {
		t.Fatalf("meeting start = %v, want %v", got.StartsAt, want)
	}

	// The accepted press retires every token of the job, so the duplicate
	// is acknowledged without a second shift.
	a.handleCallback(ctx, transport.Callback{ID: "cb2", FromID: 42, Data: data})
	if got := listener.lastAnswer(t); got != "This action has expired." {
		t.Fatalf("duplicate answer = %q", got)
	}
	got, _ = a.meetings.Get(m.ID)
	if want := start.Add(15 * time.Minute); !got.StartsAt.Equal(want) {
		t.Fatal("duplicate press shifted the meeting again")
	}
}

func TestCallbackCancel(t *testing.T) {
	t.Parallel()
	a, sender, listener, clock := newTestApp(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	m, payload := fireReminder(t, a, sender, clock, meeting.Draft{Label: "standup", StartsAt: start, Destination: chat})
	data := "rem:cancel:" + tokenFor(t, payload, transport.ActionCancel)

	a.handleCallback(ctx, transport.Callback{ID: "cb1", FromID: 42, Data: data})
	if got := listener.lastAnswer(t); got != "Meeting canceled." {
		t.Fatalf("answer = %q", got)
	}
	got, _ := a.meetings.Get(m.ID)
	if got.Status != meeting.StatusCanceled {
		t.Fatalf("meeting status = %s", got.Status)
	}

	// Sibling tokens died with the job: snoozing a canceled meeting is gone.
	a.handleCallback(ctx, transport.Callback{
		ID: "cb2", FromID: 42,
		Data: "rem:snooze:" + tokenFor(t, payload, transport.ActionSnooze),
	})
	if got := listener.lastAnswer(t); got != "This action has expired." {
		t.Fatalf("answer = %q", got)
	}
}

func TestCallbackRescheduleRequiresOwner(t *testing.T) {
	t.Parallel()
	a, sender, listener, clock := newTestApp(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	m, payload := fireReminder(t, a, sender, clock, meeting.Draft{Label: "standup", StartsAt: start, Destination: chat})
	data := "rem:reschedule:" + tokenFor(t, payload, transport.ActionReschedule)

	// A non-owner is refused without burning the token.
	a.handleCallback(ctx, transport.Callback{ID: "cb1", FromID: 99, Data: data})
	if got := listener.lastAnswer(t); got != "Not allowed." {
		t.Fatalf("answer = %q", got)
	}

	a.handleCallback(ctx, transport.Callback{ID: "cb2", FromID: ownerID, Data: data})
	if got := listener.lastAnswer(t); !strings.HasPrefix(got, "Moved to") {
		t.Fatalf("answer = %q", got)
	}
	got, _ := a.meetings.Get(m.ID)
	if want := start.Add(15 * time.Minute); !got.StartsAt.Equal(want) {
		t.Fatalf("meeting start = %v, want %v", got.StartsAt, want)
	}
	if got.Status != meeting.StatusRescheduled {
		t.Fatalf("meeting status = %s", got.Status)
	}
}

func TestConflictPromptShiftResolves(t *testing.T) {
	t.Parallel()
	a, sender, listener, clock := newTestApp(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	if _, _, err := a.PlanMeeting(ctx, meeting.Draft{
		Label: "standup", StartsAt: start, Destination: chat, Duration: 10 * time.Minute,
	}); err != nil {
		t.Fatal(err)
	}

	_, _, err := a.PlanMeeting(ctx, meeting.Draft{
		Label: "retro", StartsAt: start, Destination: chat, Duration: 10 * time.Minute,
	})
	var ce *meeting.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConflictError", err)
	}

	a.queue.Drain(ctx, clock.Now())
	prompt := sender.last(t)
	if prompt.Kind != transport.PayloadConflict {
		t.Fatalf("prompt kind = %s", prompt.Kind)
	}
	if len(prompt.Actions) != 2 {
		t.Fatalf("prompt actions = %d, want 2", len(prompt.Actions))
	}

	// A +15m shift clears the 10-minute windows, so the draft is scheduled.
	a.handleCallback(ctx, transport.Callback{
		ID: "cb1", FromID: 42,
		Data: "rem:snooze:" + tokenFor(t, prompt, transport.ActionSnooze),
	})
	if got := listener.lastAnswer(t); !strings.HasPrefix(got, "Shifted to 10:15") {
		t.Fatalf("answer = %q", got)
	}
	if n := len(a.meetings.ListActive()); n != 2 {
		t.Fatalf("active meetings = %d, want 2", n)
	}

	a.draftMu.Lock()
	left := len(a.drafts)
	a.draftMu.Unlock()
	if left != 0 {
		t.Fatalf("drafts left = %d", left)
	}
}

func TestConflictPromptDiscard(t *testing.T) {
	t.Parallel()
	a, sender, listener, clock := newTestApp(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	if _, _, err := a.PlanMeeting(ctx, meeting.Draft{Label: "standup", StartsAt: start, Destination: chat}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.PlanMeeting(ctx, meeting.Draft{Label: "retro", StartsAt: start, Destination: chat}); err == nil {
		t.Fatal("overlapping draft accepted")
	}
	a.queue.Drain(ctx, clock.Now())
	prompt := sender.last(t)

	a.handleCallback(ctx, transport.Callback{
		ID: "cb1", FromID: 42,
		Data: "rem:cancel:" + tokenFor(t, prompt, transport.ActionCancel),
	})
	if got := listener.lastAnswer(t); got != "Draft discarded." {
		t.Fatalf("answer = %q", got)
	}
	if n := len(a.meetings.ListActive()); n != 1 {
		t.Fatalf("active meetings = %d, want 1", n)
	}
}

func TestCallbackMalformedData(t *testing.T) {
	t.Parallel()
	a, _, listener, _ := newTestApp(t)
	ctx := context.Background()

	for _, data := range []string{"", "noop", "other:snooze:~x", "rem:snooze:"} {
		a.handleCallback(ctx, transport.Callback{ID: "cb", FromID: 42, Data: data})
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	for _, ans := range listener.answers {
		if ans != "" {
			t.Fatalf("malformed data produced answer %q", ans)
		}
	}
}

func TestStatusCommandOwnerOnly(t *testing.T) {
	t.Parallel()
	a, _, listener, _ := newTestApp(t)
	ctx := context.Background()

	a.handleMessage(ctx, transport.Message{ChatID: chat.ChatID, FromID: 99, Text: "/status"})
	listener.mu.Lock()
	n := len(listener.texts)
	listener.mu.Unlock()
	if n != 0 {
		t.Fatal("non-owner received a status reply")
	}

	a.handleMessage(ctx, transport.Message{ChatID: chat.ChatID, FromID: ownerID, Text: "/status@remindbot"})
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.texts) != 1 || !strings.Contains(listener.texts[0], "remindbot status") {
		t.Fatalf("status reply = %v", listener.texts)
	}
}
