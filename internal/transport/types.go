package transport

import (
	"context"
	"fmt"
	"time"
)

// ChatTarget identifies a delivery destination: a chat and (optionally) a
// forum topic thread inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return fmt.Sprintf("%d/%d", t.ChatID, t.ThreadID)
	}
	return fmt.Sprintf("%d", t.ChatID)
}

// Action kinds carried on reminder surfaces. Values double as callback-data
// segments, so keep them short and stable.
const (
	ActionSnooze     = "snooze"
	ActionCancel     = "cancel"
	ActionReschedule = "reschedule"
)

// Action is one button on a rendered reminder: an action kind plus the
// single-use token that guards it.
type Action struct {
	Kind  string
	Token string
}

// PayloadKind distinguishes reminder deliveries from conflict prompts.
type PayloadKind string

const (
	PayloadReminder PayloadKind = "reminder"
	PayloadConflict PayloadKind = "conflict"
)

// Payload is the structured content of one outbound delivery. The engine
// never produces markup; rendering belongs to the adapter.
type Payload struct {
	Kind      PayloadKind
	MeetingID string
	JobID     string
	AttemptID string

	Label    string
	Location string
	StartsAt time.Time
	Timezone string

	Actions []Action
}

// Disposition classifies one send attempt.
type Disposition int

const (
	// Delivered: the message reached the transport.
	Delivered Disposition = iota
	// NoChange: the transport reports the operation would produce no visible
	// change (e.g. an edit with identical content). Treated as success and
	// must never count as a retry.
	NoChange
	// Transient: worth retrying with backoff.
	Transient
	// Permanent: retrying cannot help (bad destination, bot blocked, ...).
	Permanent
)

func (d Disposition) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case NoChange:
		return "no_change"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// RetryAfterError wraps a transient failure that carries an explicit
// server-side wait hint (Telegram flood control). The outbound queue honors
// the hint when it exceeds the computed backoff.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Sender delivers payloads. Implementations classify their own errors into
// Dispositions; the returned error is diagnostic detail only.
type Sender interface {
	Send(ctx context.Context, to ChatTarget, p Payload) (Disposition, error)
}

// ---- inbound ----

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// Listener produces inbound updates (user actions). Implemented by the
// Telegram adapter; tests use channel fakes.
type Listener interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
