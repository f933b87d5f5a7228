package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"investi/internal/storage"
	"investi/internal/task"
)

var (
	ErrNoFilter     = errors.New("At least one filter (task_ids, ticker_symbol, is_active, or trigger_type) must be provided.")
	ErrNoTasksFound = errors.New("No tasks found for the given filters")
)

// TaskInput holds the fields shared by the task creation tools.
type TaskInput struct {
	Role                task.Role
	Description         string
	Ticker              string
	RelatedNoteIDs      []string
	RelatedTaskIDs      []string
	RelatedWatchlistIDs []string
}

type OneTimeInput struct {
	TaskInput
	At string // YYYY-MM-DD HH:MM:SS, UTC
}

type RecurringInput struct {
	TaskInput
	First string
	Unit  task.IntervalUnit
	Every int
	Ends  task.EndKind
	// EndsOn is a timestamp for Ends=on; EndsAfter a count for Ends=after.
	EndsOn    string
	EndsAfter int
}

type ConditionalInput struct {
	TaskInput
	Metric     task.Metric
	Comparison task.Comparison
	Threshold  float64
}

func (s *Service) CreateOneTime(ctx context.Context, owner int64, in OneTimeInput) (string, error) {
	at, err := s.futureTime(in.At, "Invalid datetime format")
	if err != nil {
		return "", err
	}
	id, err := s.create(ctx, owner, in.TaskInput, task.OneTime{At: at})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("One-time task with ID %s created", id), nil
}

func (s *Service) CreateRecurring(ctx context.Context, owner int64, in RecurringInput) (string, error) {
	first, err := s.futureTime(in.First, "Invalid datetime format")
	if err != nil {
		return "", err
	}
	rule := task.Recurrence{Unit: in.Unit, Count: in.Every, End: task.EndPolicy{Kind: in.Ends}}
	switch in.Ends {
	case task.EndOn:
		if rule.End.On, err = s.futureTime(in.EndsOn, "Invalid end datetime format"); err != nil {
			return "", err
		}
	case task.EndAfter:
		if in.EndsAfter <= 0 {
			return "", &UserError{Msg: fmt.Sprintf("Invalid count for ends_value. Must be a positive integer. Provided: %d", in.EndsAfter), Err: task.ErrInvalid}
		}
		rule.End.Remaining = in.EndsAfter
	}
	id, err := s.create(ctx, owner, in.TaskInput, task.Recurring{Next: first, Rule: rule})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Recurring task with ID %s created", id), nil
}

// CreateConditional rejects a condition identical to an active one.
func (s *Service) CreateConditional(ctx context.Context, owner int64, in ConditionalInput) (string, error) {
	tr := task.Conditional{Condition: task.Condition{Metric: in.Metric, Comparison: in.Comparison, Threshold: in.Threshold}}
	id, err := s.create(ctx, owner, in.TaskInput, tr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Conditional task with ID %s created", id), nil
}

func (s *Service) create(ctx context.Context, owner int64, in TaskInput, tr task.Trigger) (string, error) {
	if _, err := s.ready(ctx, owner); err != nil {
		return "", err
	}
	t := task.New(owner, in.Role, in.Description, in.Ticker, tr, s.now())
	t.RelatedNoteIDs = in.RelatedNoteIDs
	t.RelatedTaskIDs = in.RelatedTaskIDs
	t.RelatedWatchlistIDs = in.RelatedWatchlistIDs
	if err := task.Validate(t, s.now()); err != nil {
		return "", &UserError{Msg: strings.TrimPrefix(err.Error(), task.ErrInvalid.Error()+": "), Err: err}
	}
	if err := s.store.InsertTask(ctx, t); err != nil {
		var dup *storage.DuplicateConditionalError
		if errors.As(err, &dup) {
			return "", &UserError{Msg: dup.Error(), Err: err}
		}
		return "", fmt.Errorf("create task: %w", err)
	}
	return t.ID, nil
}

// futureTime parses a user supplied UTC timestamp that must lie ahead.
func (s *Service) futureTime(raw, what string) (time.Time, error) {
	now := s.now().UTC()
	t, err := time.ParseInLocation(task.InputLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil || !t.After(now) {
		return time.Time{}, &UserError{
			Msg: fmt.Sprintf("%s. Use YYYY-MM-DD HH:MM:SS format and ensure it's in the future. Current time is %s", what, task.FormatTimestamp(now)),
			Err: task.ErrInvalid,
		}
	}
	return t, nil
}

// TaskView is a listed task: the agent payload plus its state.
type TaskView struct {
	task.Payload
	Active bool `json:"is_active"`
}

// GetTasks returns the owner's tasks matching f, oldest first.
func (s *Service) GetTasks(ctx context.Context, owner int64, f storage.TaskFilter) ([]TaskView, error) {
	if f.Empty() {
		return nil, ErrNoFilter
	}
	ts, err := s.store.ListTasks(ctx, owner, f)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, ErrNoTasksFound
	}
	out := make([]TaskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, TaskView{Payload: task.NewPayload(t), Active: t.Active})
	}
	return out, nil
}

type RemoveResult struct {
	ID      string
	Message string
	Removed bool
}

// RemoveTasks deletes each id independently and reports per-id results in
// input order.
func (s *Service) RemoveTasks(ctx context.Context, owner int64, ids []string) ([]RemoveResult, error) {
	out := make([]RemoveResult, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		err := s.store.DeleteTask(ctx, owner, id)
		switch {
		case err == nil:
			out = append(out, RemoveResult{ID: id, Message: fmt.Sprintf("Task with ID %s deleted successfully", id), Removed: true})
		case errors.Is(err, storage.ErrNotFound):
			out = append(out, RemoveResult{ID: id, Message: fmt.Sprintf("Task with ID %s not found", id)})
		default:
			return out, fmt.Errorf("remove task %s: %w", id, err)
		}
	}
	return out, nil
}
