package engine

import (
	"context"
	"errors"
	"time"

	"investi/internal/task"
)

var (
	ErrNotStarted = errors.New("task engine not started")
	ErrStopped    = errors.New("task engine stopped")
)

// Executor runs one queued task. It is called from the owner's worker, so
// never concurrently for the same owner.
type Executor interface {
	Execute(ctx context.Context, d task.Due) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, d task.Due) error

func (f ExecutorFunc) Execute(ctx context.Context, d task.Due) error { return f(ctx, d) }

type Config struct {
	// IdleTimeout retires a worker whose queue stayed empty this long.
	IdleTimeout time.Duration
	HistorySize int
}

type HistoryItem struct {
	TaskID   string
	OwnerID  int64
	Started  time.Time
	Waited   time.Duration
	Duration time.Duration
	Error    string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string           `json:"id"`
	OwnerID  int64            `json:"owner_id"`
	Type     task.TriggerType `json:"type"`
	Duration time.Duration    `json:"duration,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	Queued   int
	Spawned  uint64
	Retired  uint64
	Executed uint64
	Failed   uint64
	Panics   uint64
	History  []HistoryItem
}
