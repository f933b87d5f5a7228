// Package transport defines the chat-platform boundary shared by the
// notifier and the command router.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRecipientGone marks a chat the bot can no longer reach, such as a user
// who blocked the bot. Resending will not help.
var ErrRecipientGone = errors.New("recipient unreachable")

// RetryAfterError is returned when the platform rate-limits a send.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Update is one inbound event. Only private text messages are delivered.
type Update struct {
	Message *Message
}

type Message struct {
	ID       int
	ChatID   int64
	UserID   int64
	Username string
	Text     string
	IsGroup  bool
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// SendOptions.ParseMode is passed through to Telegram ("HTML" or empty).
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// SendText may split text into several messages and returns the first.
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of the client-side command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
