// Package app is the composition root: it wires config, logging, storage,
// the Telegram adapter, and the reminder engine together, and routes inbound
// user actions through the click guard into the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"remindbot/internal/audit"
	"remindbot/internal/clickguard"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/meeting"
	"remindbot/internal/outbound"
	"remindbot/internal/reminder"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/ticker"
	"remindbot/internal/timeplan"
	"remindbot/internal/transport"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

// policySource resolves destination policies from the live config snapshot,
// so a hot reload changes lead times and quiet hours without a restart.
type policySource struct{ m *config.Manager }

func (p policySource) PolicyFor(destination string) (timeplan.Policy, error) {
	return p.m.Get().PolicyFor(destination)
}

// textSender sends operational plain-text replies. Satisfied by the Telegram
// adapter; tests substitute a recorder.
type textSender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string) error
}

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store
	clock timeplan.Clock

	auditLog *audit.Log
	guard    *clickguard.Guard
	queue    *outbound.Queue
	meetings *meeting.Store
	sched    *reminder.Scheduler
	ticks    *ticker.Ticker

	listener transport.Listener
	texter   textSender

	sup     *supervisor.Supervisor
	updates chan transport.Update
	engine  config.EngineSettings

	ownerMu sync.RWMutex
	owners  map[int64]bool

	draftMu sync.Mutex
	drafts  map[string]pendingDraft
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	operatorChat, err := parseChatTarget(cfg.Telegram.OperatorChat)
	if err != nil {
		return nil, fmt.Errorf("telegram.operator_chat: %w", err)
	}

	// The token may live in the environment (.env) instead of the config file.
	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	adapter, err := telegram.New(telegram.Config{
		Token:        token,
		PollTimeout:  pollTimeout,
		OperatorChat: operatorChat,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logxConfig(cfg), adapter)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	clock := timeplan.SystemClock()
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	es, err := config.ResolveEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}

	auditLog := audit.New(store, clock, log.With(logx.String("comp", "audit")))
	guard := clickguard.New(es.TokenTTL, store, clock, log.With(logx.String("comp", "clickguard")))
	queue := outbound.New(outboundConfig(es), adapter, store, auditLog, bus, clock,
		log.With(logx.String("comp", "outbound")))

	policies := policySource{m: cfgm}
	meetings := meeting.New(policies, store, auditLog, clock, log.With(logx.String("comp", "meeting")))
	sched := reminder.New(meetings, policies, guard, queue, auditLog, store, clock,
		log.With(logx.String("comp", "reminder")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		clock:    clock,
		auditLog: auditLog,
		guard:    guard,
		queue:    queue,
		meetings: meetings,
		sched:    sched,
		ticks:    ticker.New(log.With(logx.String("comp", "ticker"))),
		listener: adapter,
		texter:   adapter,
		updates:  make(chan transport.Update, 256),
		engine:   es,
		owners:   ownerSet(cfg.Telegram.OwnerUserIDs),
		drafts:   map[string]pendingDraft{},
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	root := a.sup.Context()

	a.auditLog.Start(root)

	// Hydrate in dependency order: meetings, then their jobs, then the queue.
	if err := a.meetings.Load(root); err != nil {
		return err
	}
	if err := a.sched.Load(root); err != nil {
		return err
	}
	if err := a.queue.Load(root); err != nil {
		return err
	}

	if err := a.listener.Start(root, a.updates); err != nil {
		return err
	}

	entries := []ticker.Entry{
		{Name: "reminder.sweep", Every: a.engine.SweepInterval,
			Run: func(c context.Context, now time.Time) { a.sched.ProcessDue(c, now) }},
		{Name: "outbound.drain", Every: a.engine.DrainInterval,
			Run: func(c context.Context, now time.Time) { a.queue.Drain(c, now) }},
		{Name: "clickguard.sweep", Every: a.engine.TokenSweepInterval,
			Run: func(c context.Context, now time.Time) {
				a.guard.Sweep(now)
				a.pruneDrafts(now)
			}},
	}
	for _, e := range entries {
		if err := a.ticks.Add(e); err != nil {
			return err
		}
	}
	if err := a.ticks.Start(root); err != nil {
		return err
	}

	a.sup.Go0("updates.dispatch", a.dispatchLoop)

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("delivery event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("started",
		logx.Duration("sweep", a.engine.SweepInterval),
		logx.Duration("drain", a.engine.DrainInterval))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.ticks.Stop(ctx)
	_ = a.listener.Stop(ctx)
	a.sup.Cancel()
	err := a.sup.Wait(ctx)
	a.auditLog.Stop(ctx)
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

// ---- operations API ----

// PlanMeeting schedules a meeting with its reminder. On overlap the
// ConflictError is returned AND a conflict-resolution prompt (shift / discard)
// is delivered to the destination.
func (a *App) PlanMeeting(ctx context.Context, d meeting.Draft) (*meeting.Meeting, reminder.Snapshot, error) {
	m, snap, err := a.sched.Plan(ctx, d)
	var ce *meeting.ConflictError
	if errors.As(err, &ce) {
		a.promptConflict(ctx, d, ce)
	}
	return m, snap, err
}

func (a *App) CancelMeeting(ctx context.Context, meetingID, actor string) error {
	return a.sched.CancelMeeting(ctx, meetingID, actor)
}

func (a *App) RescheduleMeeting(ctx context.Context, meetingID string, newStart time.Time, actor string, allowConflicts bool) (*meeting.Meeting, reminder.Snapshot, error) {
	return a.sched.Reschedule(ctx, meetingID, newStart, actor, allowConflicts)
}

// QueueStats exposes the outbound queue snapshot for status reporting.
func (a *App) QueueStats() outbound.Stats { return a.queue.Snapshot() }

// RecentAudit returns up to n most recent audit events, newest first.
func (a *App) RecentAudit(n int) []audit.Event { return a.auditLog.Recent(n) }

// ---- config mapping ----

func logxConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

func outboundConfig(es config.EngineSettings) outbound.Config {
	return outbound.Config{
		RatePerSec:    es.OutboundRatePerSec,
		MaxAttempts:   es.OutboundMaxAttempts,
		RetryBase:     es.OutboundRetryBase,
		RetryMaxDelay: es.OutboundRetryMaxDelay,
		SendTimeout:   es.OutboundSendTimeout,
		PruneAfter:    es.OutboundPruneAfter,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// parseChatTarget accepts "chatID" or "chatID/threadID".
func parseChatTarget(s string) (transport.ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return transport.ChatTarget{}, nil
	}
	chatPart, threadPart, hasThread := strings.Cut(s, "/")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil {
		return transport.ChatTarget{}, fmt.Errorf("invalid chat id %q", chatPart)
	}
	t := transport.ChatTarget{ChatID: chatID}
	if hasThread {
		threadID, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil {
			return transport.ChatTarget{}, fmt.Errorf("invalid thread id %q", threadPart)
		}
		t.ThreadID = threadID
	}
	return t, nil
}

func ownerSet(ids []int64) map[int64]bool {
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func (a *App) isOwner(id int64) bool {
	a.ownerMu.RLock()
	defer a.ownerMu.RUnlock()
	return a.owners[id]
}

func (a *App) setOwners(ids []int64) {
	a.ownerMu.Lock()
	a.owners = ownerSet(ids)
	a.ownerMu.Unlock()
}
