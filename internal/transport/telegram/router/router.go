// Package router turns chat updates into command handler calls.
package router

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"investi/internal/notifier"
	rtsup "investi/internal/runtime/supervisor"
	kit "investi/internal/transport"
	logx "investi/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	UserID   int64
	Username string
	Command  string
	Args     []string
	// Text is everything after the command word, unsplit.
	Text   string
	ReqID  string
	Logger logx.Logger

	adapter kit.Adapter
}

// Reply renders text as Telegram HTML and sends it to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.adapter == nil {
		return nil
	}
	_, err := r.adapter.SendText(ctx, r.Chat, notifier.HTML(text), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds each handler unless the command overrides it.
	Timeout time.Duration
}

type Router struct {
	mu       sync.RWMutex
	byName   map[string]Command
	list     []Command
	fallback HandlerFunc
	errText  func(error) string

	cfg     Config
	log     logx.Logger
	adapter kit.Adapter

	jobs chan func()
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		byName:  map[string]Command{},
		errText: func(error) string { return "" },
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		jobs:    make(chan func(), cfg.QueueSize),
	}
}

// SetErrorText installs the mapping from handler errors to user replies.
func (r *Router) SetErrorText(fn func(error) string) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.errText = fn
	r.mu.Unlock()
}

// SetFallback handles messages that are not commands.
func (r *Router) SetFallback(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// SetCommands replaces the command registry. /help is always added.
func (r *Router) SetCommands(cmds []Command) {
	byName := map[string]Command{}
	list := make([]Command, 0, len(cmds)+1)
	add := func(c Command) {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			return
		}
		c.Name = name
		if _, dup := byName[name]; dup {
			return
		}
		byName[name] = c
		list = append(list, c)
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				if _, exists := byName[a]; !exists {
					byName[a] = c
				}
			}
		}
	}
	for _, c := range cmds {
		add(c)
	}
	add(Command{
		Name:        "help",
		Description: "Show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.Args))
		},
	})

	r.mu.Lock()
	r.byName = byName
	r.list = list
	r.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.list...)
}

func (r *Router) helpText(args []string) string {
	cmds := r.Commands()
	if len(args) > 0 {
		want := strings.TrimPrefix(strings.ToLower(args[0]), "/")
		r.mu.RLock()
		c, ok := r.byName[want]
		r.mu.RUnlock()
		if !ok {
			return "Unknown command. Type /help to see the list."
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		return "**/" + c.Name + "**\n" + c.Description + "\n\nUsage: `" + usage + "`"
	}

	lines := []string{"**Commands**", ""}
	for _, c := range cmds {
		line := "/" + c.Name
		if c.Description != "" {
			line += " - " + c.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (r *Router) menu() []kit.BotCommand {
	cmds := r.Commands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Handlers run on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := r.menu()
		sup.Go("menu.update", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("job_queue_cap", cap(r.jobs)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil || msg.IsGroup {
		return
	}

	r.mu.RLock()
	word, rest, isCmd := splitCommand(msg.Text)
	cmd, found := r.byName[word]
	fallback, errText := r.fallback, r.errText
	r.mu.RUnlock()

	chat := kit.ChatTarget{ChatID: msg.ChatID}
	var h HandlerFunc
	timeout := r.cfg.Timeout
	switch {
	case isCmd && found:
		h = cmd.Handle
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}
	case isCmd:
		_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Type /help to see the list.", nil)
		return
	case fallback != nil:
		h = fallback
	default:
		return
	}

	rid := newReqID()
	req := &Request{
		Update:   up,
		Chat:     chat,
		UserID:   msg.UserID,
		Username: msg.Username,
		Command:  cmd.Name,
		Args:     tokenizeCommandLine(rest),
		Text:     rest,
		ReqID:    rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.UserID(msg.UserID),
			logx.String("cmd", cmd.Name),
		),
		adapter: r.adapter,
	}
	if !isCmd {
		req.Text = strings.TrimSpace(msg.Text)
		req.Args = nil
	}

	final := Chain(h,
		MWReplyOnError(errText),
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		_, _ = r.adapter.SendText(ctx, chat, "Busy right now, please try again in a moment.", nil)
	}
}
