package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/transport"
)

const startLayout = "Mon, 02 Jan 15:04"

// renderText formats a payload as Telegram HTML. Times are shown in the
// destination's policy timezone when it resolves, UTC otherwise.
func renderText(p transport.Payload) string {
	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}
	starts := p.StartsAt.In(loc)

	var b strings.Builder
	switch p.Kind {
	case transport.PayloadConflict:
		fmt.Fprintf(&b, "⚠️ <b>Conflict:</b> %s\n", html.EscapeString(p.Label))
	default:
		fmt.Fprintf(&b, "⏰ <b>%s</b>\n", html.EscapeString(p.Label))
	}
	fmt.Fprintf(&b, "🕒 %s (%s)", starts.Format(startLayout), loc.String())
	if p.Location != "" {
		fmt.Fprintf(&b, "\n📍 %s", html.EscapeString(p.Location))
	}
	return b.String()
}

// renderMarkup builds the inline action keyboard. Nil when the payload
// carries no actions.
func renderMarkup(p transport.Payload) *tele.ReplyMarkup {
	if len(p.Actions) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	btns := make([]tele.Btn, 0, len(p.Actions))
	for _, act := range p.Actions {
		btns = append(btns, tele.Btn{
			Text: actionLabel(act.Kind),
			Data: EncodeAction(act.Kind, act.Token),
		})
	}
	rm.Inline(rm.Row(btns...))
	return rm
}

func actionLabel(kind string) string {
	switch kind {
	case transport.ActionSnooze:
		return "💤 Snooze"
	case transport.ActionCancel:
		return "🚫 Cancel"
	case transport.ActionReschedule:
		return "📆 Reschedule"
	default:
		return kind
	}
}
