package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/clickguard"
	"remindbot/internal/meeting"
	"remindbot/internal/transport"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

// draftPrefix namespaces click-guard ids for conflict prompts so they cannot
// collide with reminder job ids.
const draftPrefix = "draft:"

// pendingDraft is a meeting draft parked behind a conflict prompt.
type pendingDraft struct {
	draft    meeting.Draft
	issuedAt time.Time
}

func (a *App) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.updates:
			switch up.Kind {
			case transport.UpdateCallback:
				if up.Callback != nil {
					a.handleCallback(ctx, *up.Callback)
				}
			case transport.UpdateMessage:
				if up.Message != nil {
					a.handleMessage(ctx, *up.Message)
				}
			}
		}
	}
}

// handleCallback routes one button press: decode, privilege-check, consume
// the token exactly once, then dispatch into the scheduler. Every duplicate
// or stale press gets a short answer and no side effect.
func (a *App) handleCallback(ctx context.Context, cb transport.Callback) {
	kind, tokenVal, ok := telegram.DecodeAction(cb.Data)
	if !ok {
		a.answer(ctx, cb.ID, "")
		return
	}

	// Privilege is checked before consuming so an unauthorized press does not
	// burn the token for the actor who is allowed to use it.
	if kind == transport.ActionReschedule && !a.isOwner(cb.FromID) {
		a.answer(ctx, cb.ID, "Not allowed.")
		return
	}

	cons, outcome := a.guard.Consume(tokenVal)
	switch outcome {
	case clickguard.AlreadyConsumed:
		a.answer(ctx, cb.ID, "Already handled.")
		return
	case clickguard.Expired:
		a.answer(ctx, cb.ID, "This action has expired.")
		return
	}
	if cons.Action != kind {
		a.answer(ctx, cb.ID, "This action has expired.")
		return
	}

	actor := strconv.FormatInt(cb.FromID, 10)
	if draftID, isDraft := strings.CutPrefix(cons.JobID, draftPrefix); isDraft {
		a.resolveConflict(ctx, cb, draftID, kind, actor)
		return
	}

	switch kind {
	case transport.ActionSnooze:
		snap, err := a.sched.Snooze(ctx, cons.JobID, actor)
		if err != nil {
			a.log.Warn("snooze failed", logx.String("job", cons.JobID), logx.Err(err))
			a.answer(ctx, cb.ID, "Snooze failed.")
			return
		}
		a.answer(ctx, cb.ID, "Snoozed; next reminder "+snap.FireAt.Format("15:04")+" UTC.")
	case transport.ActionCancel:
		if err := a.sched.CancelJob(ctx, cons.JobID, actor); err != nil {
			a.log.Warn("cancel failed", logx.String("job", cons.JobID), logx.Err(err))
			a.answer(ctx, cb.ID, "Cancel failed.")
			return
		}
		a.answer(ctx, cb.ID, "Meeting canceled.")
	case transport.ActionReschedule:
		a.rescheduleShift(ctx, cb, cons.JobID, actor)
	default:
		a.answer(ctx, cb.ID, "")
	}
}

// rescheduleShift moves the meeting forward by the policy snooze increment as
// a forced reschedule. A free-form new time would need a conversational flow,
// which is out of scope; the shift mirrors what the original action offered.
func (a *App) rescheduleShift(ctx context.Context, cb transport.Callback, jobID, actor string) {
	snap, ok := a.sched.JobSnapshot(jobID)
	if !ok {
		a.answer(ctx, cb.ID, "This action has expired.")
		return
	}
	m, err := a.meetings.Get(snap.MeetingID)
	if err != nil {
		a.answer(ctx, cb.ID, "This action has expired.")
		return
	}
	policy, err := a.cfgm.Get().PolicyFor(m.Destination.String())
	if err != nil {
		a.log.Warn("reschedule failed: policy unavailable", logx.String("meeting", m.ID), logx.Err(err))
		a.answer(ctx, cb.ID, "Reschedule failed.")
		return
	}
	newStart := m.StartsAt.Add(policy.SnoozeIncrement)
	if _, _, err := a.sched.Reschedule(ctx, m.ID, newStart, actor, true); err != nil {
		a.log.Warn("reschedule failed", logx.String("meeting", m.ID), logx.Err(err))
		a.answer(ctx, cb.ID, "Reschedule failed.")
		return
	}
	a.answer(ctx, cb.ID, "Moved to "+newStart.Format("15:04")+" UTC.")
}

// promptConflict parks the rejected draft and delivers a resolution prompt
// (shift by the snooze increment, or discard) through the outbound queue.
func (a *App) promptConflict(ctx context.Context, d meeting.Draft, ce *meeting.ConflictError) {
	id := uuid.NewString()
	a.draftMu.Lock()
	a.drafts[id] = pendingDraft{draft: d, issuedAt: a.clock.Now()}
	a.draftMu.Unlock()

	guardID := draftPrefix + id
	var tz string
	if policy, err := a.cfgm.Get().PolicyFor(d.Destination.String()); err == nil {
		tz = policy.Timezone
	}
	payload := transport.Payload{
		Kind:      transport.PayloadConflict,
		Label:     fmt.Sprintf("%s overlaps %d existing meeting(s)", d.Label, len(ce.Conflicts)),
		Location:  d.Location,
		StartsAt:  d.StartsAt,
		Timezone:  tz,
		AttemptID: guardID,
		Actions: []transport.Action{
			{Kind: transport.ActionSnooze, Token: a.guard.Issue(guardID, transport.ActionSnooze).Value},
			{Kind: transport.ActionCancel, Token: a.guard.Issue(guardID, transport.ActionCancel).Value},
		},
	}
	if _, err := a.queue.Enqueue(ctx, guardID+":conflict:1", d.Destination, payload); err != nil {
		a.log.Warn("conflict prompt enqueue failed", logx.String("draft", id), logx.Err(err))
	}
}

// resolveConflict applies the chosen action to a parked draft. The draft and
// its sibling tokens die with the first accepted press.
func (a *App) resolveConflict(ctx context.Context, cb transport.Callback, draftID, kind, actor string) {
	a.draftMu.Lock()
	pd, ok := a.drafts[draftID]
	delete(a.drafts, draftID)
	a.draftMu.Unlock()
	a.guard.ExpireJob(draftPrefix + draftID)

	if !ok {
		a.answer(ctx, cb.ID, "This action has expired.")
		return
	}

	switch kind {
	case transport.ActionCancel:
		a.log.Info("conflict draft discarded", logx.String("label", pd.draft.Label), logx.String("actor", actor))
		a.answer(ctx, cb.ID, "Draft discarded.")
	case transport.ActionSnooze:
		policy, err := a.cfgm.Get().PolicyFor(pd.draft.Destination.String())
		if err != nil {
			a.answer(ctx, cb.ID, "Scheduling failed.")
			return
		}
		d := pd.draft
		d.StartsAt = d.StartsAt.Add(policy.SnoozeIncrement)
		if _, _, err := a.PlanMeeting(ctx, d); err != nil {
			var ce *meeting.ConflictError
			if errors.As(err, &ce) {
				a.answer(ctx, cb.ID, "Still conflicting; sent a new prompt.")
				return
			}
			a.log.Warn("shifted draft rejected", logx.String("label", d.Label), logx.Err(err))
			a.answer(ctx, cb.ID, "Scheduling failed.")
			return
		}
		a.answer(ctx, cb.ID, "Shifted to "+d.StartsAt.Format("15:04")+" UTC and scheduled.")
	default:
		a.answer(ctx, cb.ID, "")
	}
}

// pruneDrafts drops parked drafts whose prompt tokens have aged out.
func (a *App) pruneDrafts(now time.Time) {
	ttl := a.engine.TokenTTL
	a.draftMu.Lock()
	for id, pd := range a.drafts {
		if now.Sub(pd.issuedAt) > ttl {
			delete(a.drafts, id)
		}
	}
	a.draftMu.Unlock()
}

// handleMessage serves the single operational command. Everything else is
// ignored: meeting creation goes through the operations API, not chat text.
func (a *App) handleMessage(ctx context.Context, msg transport.Message) {
	cmd := strings.TrimSpace(msg.Text)
	if i := strings.IndexAny(cmd, " \t"); i >= 0 {
		cmd = cmd[:i]
	}
	if j := strings.Index(cmd, "@"); j >= 0 {
		cmd = cmd[:j]
	}
	if cmd != "/status" || !a.isOwner(msg.FromID) {
		return
	}

	st := a.queue.Snapshot()
	lines := []string{
		"<b>remindbot status</b>",
		fmt.Sprintf("queued %d | in-flight %d | delivered %d | failed %d", st.Queued, st.InFlight, st.Delivered, st.Failed),
		fmt.Sprintf("retries %d | timeouts %d | live tokens %d", st.Retries, st.Timeouts, a.guard.Live()),
	}
	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if err := a.texter.SendText(ctx, to, strings.Join(lines, "\n")); err != nil {
		a.log.Warn("status reply failed", logx.Err(err))
	}
}

func (a *App) answer(ctx context.Context, callbackID, text string) {
	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.listener.AnswerCallback(actx, callbackID, text); err != nil {
		a.log.Debug("callback answer failed", logx.Err(err))
	}
}
