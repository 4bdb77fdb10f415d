// Package clickguard issues and consumes single-use action tokens.
//
// A token is bound to one reminder delivery and one action kind. However many
// times the user taps the button (or however many duplicate callback updates
// the transport delivers), at most one consumption ever succeeds; the rest
// are absorbed as AlreadyConsumed and never re-trigger the action.
package clickguard

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/timeplan"
	logx "remindbot/pkg/logx"
)

// Outcome of one consumption attempt.
type Outcome int

const (
	// Accepted: this attempt won; execute the bound action.
	Accepted Outcome = iota
	// AlreadyConsumed: another attempt won earlier; do nothing.
	AlreadyConsumed
	// Expired: the token is no longer valid (job left the state where the
	// action makes sense, TTL passed, or the token was never issued).
	Expired
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyConsumed:
		return "already_consumed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

const (
	stateIssued uint32 = iota
	stateConsumed
	stateExpired
)

// Token is the issued capability handed to the presentation layer.
type Token struct {
	Value  string
	JobID  string
	Action string
}

// Consumption describes what a successfully consumed token was bound to.
type Consumption struct {
	JobID  string
	Action string
}

type token struct {
	value    string
	jobID    string
	action   string
	issuedAt time.Time
	// state transitions via CAS so the consume path needs no lock on the
	// token itself; the guard map lock covers only lookup/insert.
	state atomic.Uint32
}

// DefaultTTL bounds how long an unconsumed token stays valid.
const DefaultTTL = 24 * time.Hour

// Guard owns all live tokens.
type Guard struct {
	clock timeplan.Clock
	store storage.Store
	log   logx.Logger
	ttl   time.Duration

	mu     sync.RWMutex
	tokens map[string]*token
	byJob  map[string][]string
}

func New(ttl time.Duration, store storage.Store, clock timeplan.Clock, log logx.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = timeplan.SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{
		clock:  clock,
		store:  store,
		log:    log,
		ttl:    ttl,
		tokens: map[string]*token{},
		byJob:  map[string][]string{},
	}
}

// Issue mints a fresh token bound to (jobID, action).
func (g *Guard) Issue(jobID, action string) Token {
	now := g.clock.Now()
	for {
		value := newValue()
		tok := &token{value: value, jobID: jobID, action: action, issuedAt: now}

		g.mu.Lock()
		if _, exists := g.tokens[value]; exists {
			g.mu.Unlock()
			continue // extremely unlikely collision; draw again
		}
		g.tokens[value] = tok
		g.byJob[jobID] = append(g.byJob[jobID], value)
		g.mu.Unlock()

		g.persist(tok)
		return Token{Value: value, JobID: jobID, Action: action}
	}
}

// Consume attempts to spend a token. Exactly one concurrent attempt per token
// returns Accepted; unknown tokens report Expired so stale surfaces degrade
// silently.
func (g *Guard) Consume(value string) (Consumption, Outcome) {
	g.mu.RLock()
	tok := g.tokens[value]
	g.mu.RUnlock()
	if tok == nil {
		return Consumption{}, Expired
	}

	if g.clock.Now().Sub(tok.issuedAt) > g.ttl {
		// Lazy expiry: flip the state so a later Sweep doesn't double-count.
		tok.state.CompareAndSwap(stateIssued, stateExpired)
	}

	if tok.state.CompareAndSwap(stateIssued, stateConsumed) {
		g.persist(tok)
		return Consumption{JobID: tok.jobID, Action: tok.action}, Accepted
	}
	if tok.state.Load() == stateConsumed {
		return Consumption{JobID: tok.jobID, Action: tok.action}, AlreadyConsumed
	}
	return Consumption{}, Expired
}

// ExpireJob invalidates every live token for a job. Called when the job
// leaves a state where its rendered actions remain valid.
func (g *Guard) ExpireJob(jobID string) {
	g.mu.Lock()
	values := g.byJob[jobID]
	delete(g.byJob, jobID)
	toks := make([]*token, 0, len(values))
	for _, v := range values {
		if tok := g.tokens[v]; tok != nil {
			toks = append(toks, tok)
			delete(g.tokens, v)
		}
	}
	g.mu.Unlock()

	for _, tok := range toks {
		tok.state.CompareAndSwap(stateIssued, stateExpired)
	}
	if g.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = g.store.DeleteTokensForJob(ctx, jobID)
		cancel()
	}
}

// Sweep drops tokens whose TTL passed as of now. Returns how many were
// removed. Driven periodically by the operational ticker.
func (g *Guard) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for v, tok := range g.tokens {
		if now.Sub(tok.issuedAt) <= g.ttl && tok.state.Load() == stateIssued {
			continue
		}
		tok.state.CompareAndSwap(stateIssued, stateExpired)
		delete(g.tokens, v)
		removed++

		vals := g.byJob[tok.jobID]
		for i, jv := range vals {
			if jv == v {
				g.byJob[tok.jobID] = append(vals[:i], vals[i+1:]...)
				break
			}
		}
		if len(g.byJob[tok.jobID]) == 0 {
			delete(g.byJob, tok.jobID)
		}
	}
	return removed
}

// Live reports the number of tracked tokens (for status output).
func (g *Guard) Live() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tokens)
}

func (g *Guard) persist(tok *token) {
	if g.store == nil {
		return
	}
	status := "ISSUED"
	switch tok.state.Load() {
	case stateConsumed:
		status = "CONSUMED"
	case stateExpired:
		status = "EXPIRED"
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.store.UpsertToken(ctx, storage.TokenRecord{
		Value:    tok.value,
		JobID:    tok.jobID,
		Action:   tok.action,
		Status:   status,
		IssuedAt: tok.issuedAt,
	}); err != nil {
		g.log.Debug("token persist failed", logx.Err(err))
	}
}

// newValue returns a short token safe for callback payloads: "~" plus
// base64url of 9 random bytes (13 chars total, never contains ':').
func newValue() string {
	var buf [9]byte
	_, _ = rand.Read(buf[:])
	return "~" + base64.RawURLEncoding.EncodeToString(buf[:])
}
