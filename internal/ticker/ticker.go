// Package ticker drives the periodic engine loops (due sweep, queue drain,
// token sweep) off a cron runner with overlap protection.
package ticker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

// Entry is one periodic task.
type Entry struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context, now time.Time)
}

// Ticker owns the cron runner. Entries are registered before Start; a tick
// that finds the previous run of the same entry still in progress is skipped
// rather than stacked.
type Ticker struct {
	log logx.Logger

	mu      sync.Mutex
	entries []Entry
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(log logx.Logger) *Ticker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ticker{log: log}
}

// Add registers an entry. Returns an error after Start.
func (t *Ticker) Add(e Entry) error {
	if e.Run == nil || e.Every <= 0 {
		return fmt.Errorf("ticker entry %q: missing run func or interval", e.Name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return fmt.Errorf("ticker already started")
	}
	t.entries = append(t.entries, e)
	return nil
}

func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	for _, e := range t.entries {
		entry := e
		var inFlight atomic.Bool
		job := cron.FuncJob(func() {
			if !inFlight.CompareAndSwap(false, true) {
				t.log.Warn("tick skipped; previous run still in progress", logx.String("entry", entry.Name))
				return
			}
			defer inFlight.Store(false)
			defer func() {
				if r := recover(); r != nil {
					t.log.Error("tick panicked", logx.String("entry", entry.Name), logx.Any("panic", r))
				}
			}()
			if t.ctx.Err() != nil {
				return
			}
			entry.Run(t.ctx, time.Now().UTC())
		})
		if _, err := c.AddJob(fmt.Sprintf("@every %s", entry.Every), job); err != nil {
			t.cancel()
			t.ctx, t.cancel = nil, nil
			return fmt.Errorf("ticker entry %q: %w", entry.Name, err)
		}
	}
	t.c = c
	c.Start()
	t.log.Debug("ticker started", logx.Int("entries", len(t.entries)))
	return nil
}

// Stop halts scheduling and waits for running ticks up to the ctx deadline.
func (t *Ticker) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	cancel := t.cancel
	t.c = nil
	t.ctx, t.cancel = nil, nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}
