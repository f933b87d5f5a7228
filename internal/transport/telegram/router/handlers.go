package router

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"investi/internal/storage"
	"investi/internal/task"
	"investi/internal/users"
)

// Accounts is the account service behind the bot commands.
type Accounts interface {
	Register(ctx context.Context, id int64, username string) (string, error)
	SetAlpaca(ctx context.Context, id int64, key, secret string) (string, error)
	SetOpenRouter(ctx context.Context, id int64, key string) (string, error)
	SetFramework(ctx context.Context, id int64, text string) (string, error)
	Status(ctx context.Context, id int64) (string, error)
	TasksSummary(ctx context.Context, id int64) (string, error)
	CreateOneTime(ctx context.Context, owner int64, in users.OneTimeInput) (string, error)
	CreateRecurring(ctx context.Context, owner int64, in users.RecurringInput) (string, error)
	CreateConditional(ctx context.Context, owner int64, in users.ConditionalInput) (string, error)
	RemoveTasks(ctx context.Context, owner int64, ids []string) ([]users.RemoveResult, error)
	DeleteAccount(ctx context.Context, id int64) (string, error)
}

// ErrorText maps account errors to the text shown to the user.
func ErrorText(err error) string {
	if errors.Is(err, storage.ErrUserExists) {
		return users.MsgUserExists
	}
	return users.Message(err)
}

const freeTextHint = "I only understand commands for now. Type /help to see what I can do."

// FreeText answers non-command messages.
func FreeText(ctx context.Context, req *Request) error {
	return req.Reply(ctx, freeTextHint)
}

// AccountCommands builds the bot's command set on top of acc.
func AccountCommands(acc Accounts) []Command {
	reply := func(fn func(ctx context.Context, req *Request) (string, error)) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			text, err := fn(ctx, req)
			if err != nil {
				return err
			}
			return req.Reply(ctx, text)
		}
	}
	usage := func(u string) string { return "Usage: `" + u + "`" }

	return []Command{
		{
			Name:        "start",
			Description: "Register and show setup steps",
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				return acc.Register(ctx, req.UserID, req.Username)
			}),
		},
		{
			Name:        "alpaca",
			Description: "Set Alpaca API credentials",
			Usage:       "/alpaca KEY SECRET",
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				if len(req.Args) != 2 {
					return usage("/alpaca KEY SECRET"), nil
				}
				return acc.SetAlpaca(ctx, req.UserID, req.Args[0], req.Args[1])
			}),
		},
		{
			Name:        "openrouter",
			Description: "Set OpenRouter API key",
			Usage:       "/openrouter KEY",
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				if len(req.Args) != 1 {
					return usage("/openrouter KEY"), nil
				}
				return acc.SetOpenRouter(ctx, req.UserID, req.Args[0])
			}),
		},
		{
			Name:        "framework",
			Description: "Set your operating framework",
			Usage:       "/framework TEXT",
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				if strings.TrimSpace(req.Text) == "" {
					return usage("/framework TEXT"), nil
				}
				return acc.SetFramework(ctx, req.UserID, req.Text)
			}),
		},
		{
			Name:        "status",
			Description: "Account, positions and usage",
			Timeout:     20 * time.Second,
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				return acc.Status(ctx, req.UserID)
			}),
		},
		{
			Name:        "tasks",
			Description: "List active tasks",
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				return acc.TasksSummary(ctx, req.UserID)
			}),
		},
		{
			Name:        "once",
			Description: "Schedule a one-time task",
			Usage:       onceUsage,
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				if len(req.Args) < 3 {
					return usage(onceUsage), nil
				}
				at, rest, ok := takeTime(req.Args[1:])
				ti, ok2 := taskInput(req.Args[0], rest)
				if !ok || !ok2 {
					return usage(onceUsage), nil
				}
				return acc.CreateOneTime(ctx, req.UserID, users.OneTimeInput{TaskInput: ti, At: at})
			}),
		},
		{
			Name:        "every",
			Description: "Schedule a recurring task",
			Usage:       everyUsage,
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				if len(req.Args) < 5 {
					return usage(everyUsage), nil
				}
				n, err := strconv.Atoi(req.Args[0])
				if err != nil {
					return usage(everyUsage), nil
				}
				first, rest, ok := takeTime(req.Args[3:])
				ti, ok2 := taskInput(req.Args[2], rest)
				if !ok || !ok2 {
					return usage(everyUsage), nil
				}
				return acc.CreateRecurring(ctx, req.UserID, users.RecurringInput{
					TaskInput: ti,
					First:     first,
					Unit:      task.IntervalUnit(strings.TrimSuffix(strings.ToLower(req.Args[1]), "s")),
					Every:     n,
					Ends:      task.EndNever,
				})
			}),
		},
		{
			Name:        "when",
			Description: "Create a conditional task",
			Usage:       whenUsage,
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				if len(req.Args) < 5 {
					return usage(whenUsage), nil
				}
				th, err := strconv.ParseFloat(req.Args[3], 64)
				if err != nil {
					return usage(whenUsage), nil
				}
				ti, ok := taskInput(req.Args[0], req.Args[4:])
				if !ok {
					return usage(whenUsage), nil
				}
				return acc.CreateConditional(ctx, req.UserID, users.ConditionalInput{
					TaskInput:  ti,
					Metric:     task.Metric(strings.ToLower(req.Args[1])),
					Comparison: task.Comparison(strings.ToLower(req.Args[2])),
					Threshold:  th,
				})
			}),
		},
		{
			Name:        "remove",
			Description: "Remove tasks by ID",
			Usage:       "/remove ID [ID...]",
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				if len(req.Args) == 0 {
					return usage("/remove ID [ID...]"), nil
				}
				res, err := acc.RemoveTasks(ctx, req.UserID, req.Args)
				if err != nil {
					return "", err
				}
				lines := make([]string, 0, len(res))
				for _, r := range res {
					lines = append(lines, r.Message)
				}
				return strings.Join(lines, "\n"), nil
			}),
		},
		{
			Name:        "delete_account",
			Description: "Delete your account and all data",
			Handle: reply(func(ctx context.Context, req *Request) (string, error) {
				return acc.DeleteAccount(ctx, req.UserID)
			}),
		},
	}
}

const (
	onceUsage  = "/once ROLE YYYY-MM-DD HH:MM [$TICKER] DESCRIPTION"
	everyUsage = "/every N day|week|month|year ROLE YYYY-MM-DD HH:MM [$TICKER] DESCRIPTION"
	whenUsage  = "/when ROLE METRIC above|below THRESHOLD [$TICKER] DESCRIPTION"
)

// takeTime reads a "YYYY-MM-DD HH:MM[:SS]" timestamp given either as one
// quoted argument or as separate date and time arguments.
func takeTime(args []string) (string, []string, bool) {
	if len(args) == 0 {
		return "", nil, false
	}
	date, clock, rest := args[0], "", args[1:]
	if d, c, ok := strings.Cut(date, " "); ok {
		date, clock = d, strings.TrimSpace(c)
	} else if len(rest) > 0 {
		clock, rest = rest[0], rest[1:]
	}
	switch strings.Count(clock, ":") {
	case 1:
		clock += ":00"
	case 2:
	default:
		return "", nil, false
	}
	return date + " " + clock, rest, true
}

// taskInput builds the shared fields from a role and the trailing
// "[$TICKER] DESCRIPTION" arguments.
func taskInput(role string, rest []string) (users.TaskInput, bool) {
	in := users.TaskInput{Role: task.Role(strings.ToLower(role))}
	if len(rest) > 0 && strings.HasPrefix(rest[0], "$") {
		in.Ticker, rest = strings.TrimPrefix(rest[0], "$"), rest[1:]
	}
	in.Description = strings.Join(rest, " ")
	return in, in.Description != ""
}
