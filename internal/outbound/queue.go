// Package outbound is the idempotent delivery queue between the reminder
// engine and the chat transport: dedup by key, rate limiting, bounded retry
// with exponential backoff, and permanent-failure reporting.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"remindbot/internal/audit"
	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/timeplan"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// MsgStatus of one outbound message.
type MsgStatus string

const (
	MsgQueued    MsgStatus = "QUEUED"
	MsgInFlight  MsgStatus = "IN_FLIGHT"
	MsgDelivered MsgStatus = "DELIVERED"
	MsgFailed    MsgStatus = "FAILED_PERMANENT"
)

// Config tunes the queue.
//
// Defaults (applied when fields are zero):
//   - RatePerSec: 3
//   - MaxAttempts: 5
//   - RetryBase: 2s
//   - RetryMaxDelay: 5m
//   - SendTimeout: 10s
//   - PruneAfter: 24h
type Config struct {
	RatePerSec    int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	PruneAfter    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 24 * time.Hour
	}
	return c
}

type message struct {
	id          string
	key         string
	to          transport.ChatTarget
	payload     transport.Payload
	attempts    int
	nextAttempt time.Time
	status      MsgStatus
	lastErr     string
	enqueuedAt  time.Time
	doneAt      time.Time
}

// Stats is a point-in-time snapshot for status reporting.
type Stats struct {
	Queued    int
	InFlight  int
	Delivered int
	Failed    int

	Retries  int
	Timeouts int

	LatencyMin time.Duration
	LatencyAvg time.Duration
	LatencyMax time.Duration
}

// Queue delivers payloads through a transport.Sender. Enqueue is cheap and
// idempotent by key; Drain is driven by the operational ticker.
type Queue struct {
	sender  transport.Sender
	persist storage.Store
	audit   *audit.Log
	bus     eventbus.Bus
	clock   timeplan.Clock
	log     logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	messages map[string]*message
	byKey    map[string]string

	retries   int
	timeouts  int
	delivered int
	latSum    time.Duration
	latMin    time.Duration
	latMax    time.Duration
}

func New(cfg Config, sender transport.Sender, persist storage.Store, auditLog *audit.Log, bus eventbus.Bus, clock timeplan.Clock, log logx.Logger) *Queue {
	if clock == nil {
		clock = timeplan.SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Queue{
		sender:   sender,
		persist:  persist,
		audit:    auditLog,
		bus:      bus,
		clock:    clock,
		log:      log,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		messages: map[string]*message{},
		byKey:    map[string]string{},
	}
}

// Apply swaps the tuning at runtime (config reload).
func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	q.cfg = cfg
	q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	q.mu.Unlock()
}

// Load hydrates the queue from storage. In-flight messages from a previous
// run are requeued: the send outcome was never recorded, and the idempotency
// key keeps a duplicate harmless on the reminder level.
func (q *Queue) Load(ctx context.Context) error {
	if q.persist == nil {
		return nil
	}
	recs, err := q.persist.LoadMessages(ctx)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range recs {
		m := &message{
			id:          r.ID,
			key:         r.Key,
			to:          transport.ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID},
			attempts:    r.Attempts,
			nextAttempt: r.NextAttempt,
			status:      MsgStatus(r.Status),
			lastErr:     r.LastErr,
			enqueuedAt:  r.EnqueuedAt,
		}
		if err := json.Unmarshal([]byte(r.PayloadJSON), &m.payload); err != nil {
			q.log.Warn("dropping message with unreadable payload", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		if m.status == MsgInFlight {
			m.status = MsgQueued
		}
		q.messages[m.id] = m
		q.byKey[m.key] = m.id
	}
	if len(recs) > 0 {
		q.log.Info("outbound messages loaded", logx.Int("count", len(recs)))
	}
	return nil
}

// Enqueue accepts a payload for delivery and returns the message id. A key
// that is already known is a no-op returning the existing id, whatever state
// its message is in; retries of the queue never create duplicates and a
// re-fire uses a fresh key.
func (q *Queue) Enqueue(ctx context.Context, key string, to transport.ChatTarget, p transport.Payload) (string, error) {
	now := q.clock.Now()

	q.mu.Lock()
	if id, exists := q.byKey[key]; exists {
		q.mu.Unlock()
		q.publish(eventbus.TypeSuppressed, key, to, 0, "")
		return id, nil
	}
	m := &message{
		id:          uuid.NewString(),
		key:         key,
		to:          to,
		payload:     p,
		status:      MsgQueued,
		nextAttempt: now,
		enqueuedAt:  now,
	}
	q.messages[m.id] = m
	q.byKey[key] = m.id
	q.mu.Unlock()

	q.save(ctx, m)
	q.publish(eventbus.TypeQueued, key, to, 0, "")
	q.log.Debug("message queued", logx.String("key", key), logx.String("dest", to.String()))
	return m.id, nil
}

// Drain sends every ready message, oldest first. The rate limiter caps the
// batch; messages over the cap simply stay queued for the next drain cycle.
func (q *Queue) Drain(ctx context.Context, now time.Time) {
	for _, m := range q.ready(now) {
		if ctx.Err() != nil {
			return
		}
		q.mu.Lock()
		allowed := q.limiter.Allow()
		if allowed {
			m.status = MsgInFlight
		}
		cfg := q.cfg
		q.mu.Unlock()
		if !allowed {
			return
		}
		q.attempt(ctx, m, cfg, now)
	}
	q.prune(ctx, now)
}

func (q *Queue) ready(now time.Time) []*message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*message
	for _, m := range q.messages {
		if m.status == MsgQueued && !m.nextAttempt.After(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].enqueuedAt.Equal(out[j].enqueuedAt) {
			return out[i].id < out[j].id
		}
		return out[i].enqueuedAt.Before(out[j].enqueuedAt)
	})
	return out
}

// attempt performs one send outside the queue lock.
func (q *Queue) attempt(ctx context.Context, m *message, cfg Config, now time.Time) {
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	started := q.clock.Now()
	disp, err := q.sender.Send(sctx, m.to, m.payload)
	latency := q.clock.Now().Sub(started)
	timedOut := sctx.Err() != nil && ctx.Err() == nil
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	if timedOut {
		q.timeouts++
		disp = transport.Transient
		if err == nil {
			err = context.DeadlineExceeded
		}
	}

	switch disp {
	case transport.Delivered, transport.NoChange:
		// NoChange is success that must not count as a retry; neither path
		// increments the attempt counter after completion.
		if disp == transport.Delivered {
			m.attempts++
		}
		m.status = MsgDelivered
		m.lastErr = ""
		m.doneAt = now
		q.delivered++
		q.latSum += latency
		if q.latMin == 0 || latency < q.latMin {
			q.latMin = latency
		}
		if latency > q.latMax {
			q.latMax = latency
		}
		q.saveLocked(ctx, m)
		q.publish(eventbus.TypeSent, m.key, m.to, m.attempts, "")
		q.log.Info("message delivered",
			logx.String("key", m.key), logx.Int("attempts", m.attempts),
			logx.Duration("latency", latency), logx.String("disposition", disp.String()))

	case transport.Permanent:
		m.attempts++
		m.status = MsgFailed
		m.lastErr = errString(err)
		m.doneAt = now
		q.saveLocked(ctx, m)
		q.failLocked(m)

	default: // transient
		m.attempts++
		m.lastErr = errString(err)
		if m.attempts >= cfg.MaxAttempts {
			m.status = MsgFailed
			m.doneAt = now
			q.saveLocked(ctx, m)
			q.failLocked(m)
			return
		}
		q.retries++
		delay := Backoff(cfg, m.attempts)
		var raErr *transport.RetryAfterError
		if errors.As(err, &raErr) && raErr.After > delay {
			delay = raErr.After
		}
		m.status = MsgQueued
		m.nextAttempt = now.Add(delay)
		q.saveLocked(ctx, m)
		q.publish(eventbus.TypeRetried, m.key, m.to, m.attempts, m.lastErr)
		q.log.Warn("message send failed; will retry",
			logx.String("key", m.key), logx.Int("attempt", m.attempts),
			logx.Duration("next_in", delay), logx.Err(err))
	}
}

// failLocked records a permanent failure. The error log line reaches the
// operator sink.
func (q *Queue) failLocked(m *message) {
	q.audit.Append(audit.Event{
		MeetingID: m.payload.MeetingID,
		Kind:      audit.KindDeliveryFailed,
		Detail:    fmt.Sprintf("%s: %s", m.key, m.lastErr),
	})
	q.publish(eventbus.TypeFailed, m.key, m.to, m.attempts, m.lastErr)
	q.log.Error("message failed permanently",
		logx.String("key", m.key), logx.String("dest", m.to.String()),
		logx.Int("attempts", m.attempts), logx.String("err", m.lastErr))
}

// Backoff returns the delay before the next attempt: RetryBase * 2^(attempts-1),
// capped at RetryMaxDelay. Pure so the retry schedule is testable.
func Backoff(cfg Config, attempts int) time.Duration {
	cfg = cfg.withDefaults()
	d := cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

// prune drops terminal messages older than PruneAfter so the key index stays
// bounded. Keys become reusable afterwards; fire attempts never reuse keys,
// so this only affects pathological replays.
func (q *Queue) prune(ctx context.Context, now time.Time) {
	q.mu.Lock()
	var drop []*message
	for _, m := range q.messages {
		if (m.status == MsgDelivered || m.status == MsgFailed) && !m.doneAt.IsZero() && now.Sub(m.doneAt) > q.cfg.PruneAfter {
			drop = append(drop, m)
		}
	}
	for _, m := range drop {
		delete(q.messages, m.id)
		delete(q.byKey, m.key)
	}
	q.mu.Unlock()

	if q.persist == nil {
		return
	}
	for _, m := range drop {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		_ = q.persist.DeleteMessage(dctx, m.id)
		cancel()
	}
}

// Snapshot returns current queue statistics.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Retries:    q.retries,
		Timeouts:   q.timeouts,
		LatencyMin: q.latMin,
		LatencyMax: q.latMax,
	}
	if q.delivered > 0 {
		s.LatencyAvg = q.latSum / time.Duration(q.delivered)
	}
	for _, m := range q.messages {
		switch m.status {
		case MsgQueued:
			s.Queued++
		case MsgInFlight:
			s.InFlight++
		case MsgDelivered:
			s.Delivered++
		case MsgFailed:
			s.Failed++
		}
	}
	return s
}

func (q *Queue) publish(typ, key string, to transport.ChatTarget, attempts int, errStr string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.DeliveryEvent{
		Key: key, ChatID: to.ChatID, ThreadID: to.ThreadID, Attempts: attempts, Error: errStr,
	}})
}

func (q *Queue) save(ctx context.Context, m *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.saveLocked(ctx, m)
}

func (q *Queue) saveLocked(ctx context.Context, m *message) {
	if q.persist == nil {
		return
	}
	b, err := json.Marshal(m.payload)
	if err != nil {
		q.log.Warn("payload marshal failed", logx.String("key", m.key), logx.Err(err))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	rec := storage.MessageRecord{
		ID:          m.id,
		ChatID:      m.to.ChatID,
		ThreadID:    m.to.ThreadID,
		Key:         m.key,
		PayloadJSON: string(b),
		Attempts:    m.attempts,
		NextAttempt: m.nextAttempt,
		Status:      string(m.status),
		LastErr:     m.lastErr,
		EnqueuedAt:  m.enqueuedAt,
	}
	if err := q.persist.UpsertMessage(sctx, rec); err != nil {
		q.log.Warn("message persist failed", logx.String("key", m.key), logx.Err(err))
	}
}

func errString(err error) string {
	if err == nil {
		return "send failed"
	}
	return err.Error()
}
