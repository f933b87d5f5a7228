package storage

import (
	"errors"
	"fmt"
	"time"

	"investi/internal/task"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("user already exists")
	ErrInactive   = errors.New("task is not active")
	// ErrNotDue means the stored occurrence moved past the candidate, so
	// another run already consumed it.
	ErrNotDue = errors.New("task occurrence already consumed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver         string
	Path           string
	DSN            string
	BusyTimeout    time.Duration // sqlite only; 0 means default
	MaxConns       int           // postgres only
	MinConns       int           // postgres only
	CommandTimeout time.Duration // per operation; 0 disables
}

// DuplicateConditionalError rejects a conditional task that matches an active
// one on (owner, ticker, metric, comparison, threshold).
type DuplicateConditionalError struct {
	ExistingID string
}

func (e *DuplicateConditionalError) Error() string {
	return fmt.Sprintf("A similar conditional task already exists with ID %s. Remove it first or modify the condition.", e.ExistingID)
}

type User struct {
	ID                 int64
	Username           string
	AlpacaKey          string
	AlpacaSecret       string
	OpenRouterKey      string
	OperatingFramework string
	CreatedAt          time.Time
}

func (u User) Credentials() task.Credentials {
	return task.Credentials{AlpacaKey: u.AlpacaKey, AlpacaSecret: u.AlpacaSecret, OpenRouterKey: u.OpenRouterKey}
}

// TaskFilter narrows ListTasks. Zero fields do not filter.
type TaskFilter struct {
	IDs    []string
	Ticker string // case-insensitive
	Active *bool
	Type   task.TriggerType
}

func (f TaskFilter) Empty() bool {
	return len(f.IDs) == 0 && f.Ticker == "" && f.Active == nil && f.Type == ""
}

// TaskUpdate is a partial update. Trigger rewrites task_datetime and
// trigger_config; its type must match the stored trigger_type.
type TaskUpdate struct {
	Active      *bool
	Trigger     task.Trigger
	Description *string
}

// AccountCounts summarizes what a user owns.
type AccountCounts struct {
	Tasks       int
	ActiveTasks int
	Notes       int
	Watchlists  int
}
