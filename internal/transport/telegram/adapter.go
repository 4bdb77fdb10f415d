// Package telegram adapts the engine's transport contracts to the Telegram
// Bot API via telebot. It renders reminder payloads, classifies API errors
// into dispositions, and forwards inbound updates to the engine.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// OperatorChat receives warn+ log lines and permanent failure reports.
	// Zero means the operator sink is disabled.
	OperatorChat transport.ChatTarget
}

// Adapter implements transport.Sender and transport.Listener, plus the
// operator sink consumed by the logging service.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// dropped counts inbound updates discarded because the consumer was
	// slower than the poll loop; reported periodically instead of per update.
	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.forward(transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.forward(transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				FromID:    cb.Sender.ID,
				ChatID:    m.Chat.ID,
				ThreadID:  m.ThreadID,
				MessageID: m.ID,
				Data:      strings.TrimSpace(cb.Data),
			},
		})
		return nil
	})
}

func (a *Adapter) forward(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start launches the long-poll loop. Telebot's Start() can exit unexpectedly
// in some failure modes, so it runs under a restart loop.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				if n := a.dropped.Swap(0); n > 0 {
					a.log.Warn("inbound updates dropped", logx.Uint64("count", n))
				}
				return
			case <-t.C:
				if n := a.dropped.Swap(0); n > 0 {
					a.log.Warn("inbound updates dropped", logx.Uint64("count", n))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poll loop exited unexpectedly")
	})
	return nil
}

// Stop shuts the poll loop down, bounded by a short grace window so a
// pending getUpdates long-poll cannot stall shutdown.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	go a.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Send renders and delivers one payload, classifying the outcome.
func (a *Adapter) Send(ctx context.Context, to transport.ChatTarget, p transport.Payload) (transport.Disposition, error) {
	select {
	case <-ctx.Done():
		return transport.Transient, ctx.Err()
	default:
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	}
	if rm := renderMarkup(p); rm != nil {
		opts.ReplyMarkup = rm
	}

	_, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, renderText(p), opts)
	return classify(err)
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// SendText delivers a plain HTML text message outside the reminder pipeline
// (operational replies).
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	_, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		ThreadID:              to.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}

// SendOperatorText implements the logging operator sink.
func (a *Adapter) SendOperatorText(ctx context.Context, text string) error {
	if a.cfg.OperatorChat.ChatID == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	_, err := a.bot.Send(&tele.Chat{ID: a.cfg.OperatorChat.ChatID}, text, &tele.SendOptions{
		ThreadID:              a.cfg.OperatorChat.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}

// classify maps a telebot error to a delivery disposition.
//
// Rules:
//   - nil: delivered
//   - "message is not modified": success without a visible change
//   - flood control (429): transient, carrying the server's retry_after hint
//   - other 4xx: permanent (bad chat, bot blocked, malformed request)
//   - everything else (5xx, network, context): transient
func classify(err error) (transport.Disposition, error) {
	if err == nil {
		return transport.Delivered, nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.Transient, &transport.RetryAfterError{
			After: time.Duration(flood.RetryAfter) * time.Second,
			Err:   err,
		}
	}

	if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return transport.NoChange, nil
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return transport.Transient, err
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return transport.Permanent, err
		default:
			return transport.Transient, err
		}
	}
	return transport.Transient, err
}

// CallbackPrefix tags every callback button rendered by this adapter.
const CallbackPrefix = "rem"

// EncodeAction formats callback data as "rem:<action>:<token>".
func EncodeAction(kind, token string) string {
	return fmt.Sprintf("%s:%s:%s", CallbackPrefix, kind, token)
}

// DecodeAction parses callback data produced by EncodeAction.
func DecodeAction(data string) (kind, token string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != CallbackPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
