package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"investi/internal/agent"
	"investi/internal/storage"
	"investi/internal/task"
	"investi/pkg/logx"
)

const msgToolFailed = "The operation failed, try again later"

var (
	roleEnum       = []string{string(task.RolePortfolioManager), string(task.RoleAnalyst), string(task.RoleTrader)}
	unitEnum       = []string{string(task.UnitDay), string(task.UnitWeek), string(task.UnitMonth), string(task.UnitYear)}
	endEnum        = []string{string(task.EndNever), string(task.EndOn), string(task.EndAfter)}
	comparisonEnum = []string{string(task.Above), string(task.Below)}
	metricEnum     = []string{
		string(task.MetricPrice), string(task.MetricCash), string(task.MetricPositionValue),
		string(task.MetricPositionPnL), string(task.MetricPortfolioValue),
		string(task.MetricPositionAllocation), string(task.MetricVolume),
	}
	triggerEnum = []string{string(task.TypeOneTime), string(task.TypeRecurring), string(task.TypeConditional)}
)

// toolTask is the argument shape shared by the set_*_task tools.
type toolTask struct {
	Role                task.Role `json:"role"`
	Description         string    `json:"description"`
	TickerSymbol        string    `json:"ticker_symbol"`
	RelatedNoteIDs      []string  `json:"related_note_ids"`
	RelatedTaskIDs      []string  `json:"related_task_ids"`
	RelatedWatchlistIDs []string  `json:"related_watchlist_ids"`
}

func (a toolTask) input() TaskInput {
	return TaskInput{
		Role:                a.Role,
		Description:         a.Description,
		Ticker:              a.TickerSymbol,
		RelatedNoteIDs:      a.RelatedNoteIDs,
		RelatedTaskIDs:      a.RelatedTaskIDs,
		RelatedWatchlistIDs: a.RelatedWatchlistIDs,
	}
}

// TaskTools returns the task management tools bound to owner, for use by
// the agent during a run.
func (s *Service) TaskTools(owner int64) []agent.Tool {
	log := s.log.With(logx.UserID(owner))
	return []agent.Tool{
		{
			Name:        "set_one_time_task",
			Description: "Schedules a one-time task at a specific future date/time. Returns confirmation when created.",
			Parameters: objectSchema([]string{"role", "description", "task_datetime"}, map[string]any{
				"task_datetime": stringProp("When to trigger, in YYYY-MM-DD HH:MM:SS format (UTC). Must be in the future."),
			}),
			Call: s.toolCall(log, "set_one_time_task", func(ctx context.Context, raw json.RawMessage) (string, error) {
				var in struct {
					toolTask
					TaskDatetime string `json:"task_datetime"`
				}
				if err := json.Unmarshal(raw, &in); err != nil {
					return "", badArgs(err)
				}
				return s.CreateOneTime(ctx, owner, OneTimeInput{TaskInput: in.input(), At: in.TaskDatetime})
			}),
		},
		{
			Name:        "set_recurring_task",
			Description: "Schedules a task that repeats every N days, weeks, months or years. Returns confirmation when created.",
			Parameters: objectSchema([]string{"role", "description", "first_task_datetime", "recurrence_type", "recurrence_interval", "ends_type"}, map[string]any{
				"first_task_datetime": stringProp("First occurrence, in YYYY-MM-DD HH:MM:SS format (UTC). Must be in the future."),
				"recurrence_type":     enumProp("Calendar unit of the repeat.", unitEnum),
				"recurrence_interval": map[string]any{"type": "integer", "minimum": 1, "description": "Repeat every N units."},
				"ends_type":           enumProp("never, on a date, or after a number of occurrences.", endEnum),
				"ends_value": map[string]any{
					"type":        []string{"string", "integer", "null"},
					"description": "End timestamp (YYYY-MM-DD HH:MM:SS) for ends_type=on, occurrence count for ends_type=after.",
				},
			}),
			Call: s.toolCall(log, "set_recurring_task", func(ctx context.Context, raw json.RawMessage) (string, error) {
				var in struct {
					toolTask
					First     string            `json:"first_task_datetime"`
					Unit      task.IntervalUnit `json:"recurrence_type"`
					Every     int               `json:"recurrence_interval"`
					Ends      task.EndKind      `json:"ends_type"`
					EndsValue json.RawMessage   `json:"ends_value"`
				}
				if err := json.Unmarshal(raw, &in); err != nil {
					return "", badArgs(err)
				}
				ri := RecurringInput{TaskInput: in.input(), First: in.First, Unit: in.Unit, Every: in.Every, Ends: in.Ends}
				switch in.Ends {
				case task.EndOn:
					ri.EndsOn = endsString(in.EndsValue)
				case task.EndAfter:
					n, err := endsCount(in.EndsValue)
					if err != nil {
						return "", &UserError{Msg: fmt.Sprintf("Invalid count for ends_value. Must be a positive integer. Provided: %s", in.EndsValue), Err: task.ErrInvalid}
					}
					ri.EndsAfter = n
				}
				return s.CreateRecurring(ctx, owner, ri)
			}),
		},
		{
			Name:        "set_conditional_task",
			Description: "Creates a task that triggers when a live metric crosses a threshold. Returns confirmation when created.",
			Parameters: objectSchema([]string{"role", "description", "condition_type", "comparison", "threshold"}, map[string]any{
				"condition_type": enumProp("Metric to watch. Position and price metrics need ticker_symbol.", metricEnum),
				"comparison":     enumProp("Trigger when the metric is strictly above or below the threshold.", comparisonEnum),
				"threshold":      map[string]any{"type": "number"},
			}),
			Call: s.toolCall(log, "set_conditional_task", func(ctx context.Context, raw json.RawMessage) (string, error) {
				var in struct {
					toolTask
					Metric     task.Metric     `json:"condition_type"`
					Comparison task.Comparison `json:"comparison"`
					Threshold  float64         `json:"threshold"`
				}
				if err := json.Unmarshal(raw, &in); err != nil {
					return "", badArgs(err)
				}
				return s.CreateConditional(ctx, owner, ConditionalInput{TaskInput: in.input(), Metric: in.Metric, Comparison: in.Comparison, Threshold: in.Threshold})
			}),
		},
		{
			Name:        "get_tasks",
			Description: "Retrieves tasks based on filters, oldest first. At least one filter is required.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_ids":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"ticker_symbol": stringProp("Filter by asset, e.g. AAPL or BTC-USD."),
					"is_active":     map[string]any{"type": "boolean", "description": "True for pending, false for completed tasks."},
					"trigger_type":  enumProp("Filter by trigger type.", triggerEnum),
				},
			},
			Call: s.toolCall(log, "get_tasks", func(ctx context.Context, raw json.RawMessage) (string, error) {
				var in struct {
					IDs    []string         `json:"task_ids"`
					Ticker string           `json:"ticker_symbol"`
					Active *bool            `json:"is_active"`
					Type   task.TriggerType `json:"trigger_type"`
				}
				if err := json.Unmarshal(raw, &in); err != nil {
					return "", badArgs(err)
				}
				views, err := s.GetTasks(ctx, owner, storage.TaskFilter{IDs: in.IDs, Ticker: in.Ticker, Active: in.Active, Type: in.Type})
				if err != nil {
					return "", err
				}
				b, err := json.Marshal(views)
				return string(b), err
			}),
		},
		{
			Name:        "remove_task",
			Description: "Permanently removes one or more tasks. Obtain IDs from get_tasks.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1},
				},
				"required": []string{"task_id"},
			},
			Call: s.toolCall(log, "remove_task", func(ctx context.Context, raw json.RawMessage) (string, error) {
				var in struct {
					IDs []string `json:"task_id"`
				}
				if err := json.Unmarshal(raw, &in); err != nil {
					return "", badArgs(err)
				}
				res, err := s.RemoveTasks(ctx, owner, in.IDs)
				if err != nil {
					return "", err
				}
				out := make(map[string]any, len(res))
				for _, r := range res {
					if r.Removed {
						out[r.ID] = r.Message
					} else {
						out[r.ID] = map[string]string{"error": r.Message}
					}
				}
				b, err := json.Marshal(out)
				return string(b), err
			}),
		},
	}
}

// toolCall passes user-facing failures through to the model and replaces
// anything else with a generic message after logging it.
func (s *Service) toolCall(log logx.Logger, name string, fn func(context.Context, json.RawMessage) (string, error)) func(context.Context, json.RawMessage) (string, error) {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		out, err := fn(ctx, raw)
		switch {
		case err == nil:
			log.Debug("agent tool call", logx.String("tool", name))
			return out, nil
		case Message(err) != "", errors.Is(err, ErrNoFilter), errors.Is(err, ErrNoTasksFound):
			return "", err
		}
		log.Error("agent tool call failed", logx.String("tool", name), logx.Err(err))
		return "", errors.New(msgToolFailed)
	}
}

func badArgs(err error) error {
	return &UserError{Msg: "Invalid arguments: " + err.Error(), Err: task.ErrInvalid}
}

// endsString accepts ends_value given as a JSON string or bare text.
func endsString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// endsCount accepts ends_value given as a JSON number or numeric string.
func endsCount(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	return strconv.Atoi(strings.TrimSpace(endsString(raw)))
}

// objectSchema is the set_*_task schema: the shared task properties plus
// extra.
func objectSchema(required []string, extra map[string]any) map[string]any {
	props := map[string]any{
		"role":                  enumProp("Agent persona that runs the task.", roleEnum),
		"description":           stringProp("Instructions for what to do when the task triggers."),
		"ticker_symbol":         stringProp("Stock/crypto symbol for asset-specific tasks."),
		"related_note_ids":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"related_task_ids":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"related_watchlist_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func enumProp(desc string, values []string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": desc}
}
