// Package audit keeps the append-only record of meeting and delivery
// lifecycle transitions.
//
// Append never fails to the caller: events are buffered and written to
// storage by a background goroutine with retry. If storage stays unavailable
// the in-memory tail still serves Recent() so operators keep visibility.
package audit

import (
	"context"
	"sync"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/timeplan"
	logx "remindbot/pkg/logx"
)

// Kind is the event kind of one audit entry.
type Kind string

const (
	KindScheduled      Kind = "SCHEDULED"
	KindFired          Kind = "FIRED"
	KindSnoozed        Kind = "SNOOZED"
	KindRescheduled    Kind = "RESCHEDULED"
	KindCanceled       Kind = "CANCELED"
	KindDeliveryFailed Kind = "DELIVERY_FAILED"
)

// Event is one immutable audit entry.
type Event struct {
	At        time.Time
	MeetingID string
	Kind      Kind
	Actor     string
	Detail    string
}

const (
	queueSize  = 512
	tailSize   = 256
	writeRetry = 3
)

// Log is the append-only audit log.
type Log struct {
	clock timeplan.Clock
	store storage.Store
	log   logx.Logger

	queue chan Event

	mu   sync.Mutex
	tail []Event

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(store storage.Store, clock timeplan.Clock, log logx.Logger) *Log {
	if clock == nil {
		clock = timeplan.SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{
		clock: clock,
		store: store,
		log:   log,
		queue: make(chan Event, queueSize),
	}
}

// Start launches the background writer. Without Start (or without storage)
// the log is memory-only; Append still works.
func (l *Log) Start(ctx context.Context) {
	if l.store == nil {
		return
	}
	if l.cancel != nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.writer(wctx)
	}()
}

func (l *Log) Stop(ctx context.Context) {
	cancel := l.cancel
	l.cancel = nil
	if cancel == nil {
		return
	}
	// Let the writer drain what it can before the deadline.
	done := make(chan struct{})
	go func() {
		l.drainQueue(ctx)
		cancel()
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
	}
}

// Append records an event. It never blocks and never returns an error: on a
// full queue the event is kept in the memory tail only.
func (l *Log) Append(e Event) {
	if l == nil {
		return
	}
	if e.At.IsZero() {
		e.At = l.clock.Now()
	}

	l.mu.Lock()
	l.tail = append(l.tail, e)
	if len(l.tail) > tailSize {
		l.tail = l.tail[len(l.tail)-tailSize:]
	}
	l.mu.Unlock()

	if l.store == nil {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.log.Warn("audit queue full; event kept in memory only",
			logx.String("kind", string(e.Kind)), logx.String("meeting", e.MeetingID))
	}
}

// Recent returns up to n most recent events, newest first. Read access is for
// external reporting only.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.tail) {
		n = len(l.tail)
	}
	out := make([]Event, 0, n)
	for i := len(l.tail) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.tail[i])
	}
	return out
}

func (l *Log) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-l.queue:
			l.write(ctx, e)
		}
	}
}

func (l *Log) drainQueue(ctx context.Context) {
	for {
		select {
		case e := <-l.queue:
			l.write(ctx, e)
		default:
			return
		}
	}
}

func (l *Log) write(ctx context.Context, e Event) {
	rec := storage.AuditRecord{
		At:        e.At,
		MeetingID: e.MeetingID,
		Kind:      string(e.Kind),
		Actor:     e.Actor,
		Detail:    e.Detail,
	}
	var err error
	for attempt := 0; attempt < writeRetry; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = l.store.AppendAudit(wctx, rec)
		cancel()
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	l.log.Warn("audit write failed; event kept in memory only",
		logx.String("kind", string(e.Kind)), logx.String("meeting", e.MeetingID), logx.Err(err))
}
