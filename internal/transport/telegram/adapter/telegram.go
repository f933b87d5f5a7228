// Package adapter connects the transport boundary to the Telegram Bot API.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "investi/internal/runtime/supervisor"
	kit "investi/internal/transport"
	logx "investi/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter long-polls Telegram and forwards text messages to the channel
// given to Start. Updates arriving while the channel is full are dropped and
// counted.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	sink chan<- kit.Update

	dropped atomic.Uint64

	menuMu  sync.Mutex
	menuSum uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: poll, AllowedUpdates: []string{"message"}},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	a := &Adapter{log: log, bot: b}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return nil
	}
	up := kit.Update{Message: &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		UserID:   m.Sender.ID,
		Username: m.Sender.Username,
		Text:     m.Text,
		IsGroup:  m.Chat.Type != tele.ChatPrivate,
	}}
	select {
	case sink <- up:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start begins polling. Calling it again while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sink = out
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	a.sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop. A return while the context is live
	// means polling died, so it is restarted with backoff.
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop cancels polling and waits at most two seconds (or the ctx deadline,
// if sooner) for the in-flight getUpdates call.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.sink = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	a.log.Info("stopping")
	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// SendText sends text as one or more messages and returns the first.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	so := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
	html := strings.EqualFold(opt.ParseMode, tele.ModeHTML)

	var first kit.MessageRef
	for i, chunk := range chunkText(text, textLimit, html) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// classify maps Bot API failures onto the transport's error vocabulary so the
// notifier can tell a dead chat from a transient failure.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RetryAfterError{After: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound):
		return fmt.Errorf("%w: %w", kit.ErrRecipientGone, err)
	}
	return err
}

// UpdateMenuCommands publishes the command menu (setMyCommands), skipping
// the call when the list is unchanged since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	list, sum := menuList(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuSum {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuSum = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

// menuList applies Telegram's limits (100 commands, 256 byte descriptions)
// and fingerprints the result.
func menuList(cmds []kit.BotCommand) ([]tele.Command, uint64) {
	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		fmt.Fprintf(h, "%s\x00%s\x00", c.Command, d)
		list = append(list, tele.Command{Text: c.Command, Description: d})
		if len(list) == 100 {
			break
		}
	}
	return list, h.Sum64()
}
