// Package task holds the task domain model: the trigger variants, the
// recurrence rules and the completion protocol applied before a task runs.
package task

import (
	"time"
)

// Role is the agent persona that executes a task.
type Role string

const (
	RolePortfolioManager Role = "portfolio_manager"
	RoleAnalyst          Role = "analyst"
	RoleTrader           Role = "trader"
)

func (r Role) Valid() bool {
	switch r {
	case RolePortfolioManager, RoleAnalyst, RoleTrader:
		return true
	}
	return false
}

// TriggerType is the persisted discriminator of a Trigger.
type TriggerType string

const (
	TypeOneTime     TriggerType = "one_time"
	TypeRecurring   TriggerType = "recurring"
	TypeConditional TriggerType = "conditional"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TypeOneTime, TypeRecurring, TypeConditional:
		return true
	}
	return false
}

// Trigger is one of OneTime, Recurring or Conditional.
type Trigger interface {
	Type() TriggerType
	isTrigger()
}

// OneTime fires once at At.
type OneTime struct {
	At time.Time
}

// Recurring fires at Next; Next always holds the upcoming occurrence.
type Recurring struct {
	Next time.Time
	Rule Recurrence
}

// Conditional fires when a live metric crosses a threshold.
type Conditional struct {
	Condition Condition
}

func (OneTime) Type() TriggerType     { return TypeOneTime }
func (Recurring) Type() TriggerType   { return TypeRecurring }
func (Conditional) Type() TriggerType { return TypeConditional }

func (OneTime) isTrigger()     {}
func (Recurring) isTrigger()   {}
func (Conditional) isTrigger() {}

// IntervalUnit is the calendar unit of a recurrence.
type IntervalUnit string

const (
	UnitDay   IntervalUnit = "day"
	UnitWeek  IntervalUnit = "week"
	UnitMonth IntervalUnit = "month"
	UnitYear  IntervalUnit = "year"
)

func (u IntervalUnit) Valid() bool {
	switch u {
	case UnitDay, UnitWeek, UnitMonth, UnitYear:
		return true
	}
	return false
}

// EndKind selects how a recurrence terminates.
type EndKind string

const (
	EndNever EndKind = "never"
	EndOn    EndKind = "on"
	EndAfter EndKind = "after"
)

// EndPolicy is the termination rule of a recurrence. On is meaningful for
// EndOn, Remaining for EndAfter (occurrences left, including the next one).
type EndPolicy struct {
	Kind      EndKind
	On        time.Time
	Remaining int
}

type Recurrence struct {
	Unit  IntervalUnit
	Count int
	End   EndPolicy
}

// Metric is the live value a conditional task watches.
type Metric string

const (
	MetricPrice              Metric = "price"
	MetricCash               Metric = "cash"
	MetricPositionValue      Metric = "position_value"
	MetricPositionPnL        Metric = "position_pnl"
	MetricPortfolioValue     Metric = "portfolio_value"
	MetricPositionAllocation Metric = "position_allocation"
	MetricVolume             Metric = "volume"
)

func (m Metric) Valid() bool {
	switch m {
	case MetricPrice, MetricCash, MetricPositionValue, MetricPositionPnL,
		MetricPortfolioValue, MetricPositionAllocation, MetricVolume:
		return true
	}
	return false
}

// NeedsTicker reports whether the metric is scoped to an instrument.
func (m Metric) NeedsTicker() bool {
	switch m {
	case MetricPrice, MetricPositionValue, MetricPositionPnL, MetricPositionAllocation, MetricVolume:
		return true
	}
	return false
}

type Comparison string

const (
	Above Comparison = "above"
	Below Comparison = "below"
)

func (c Comparison) Valid() bool { return c == Above || c == Below }

type Condition struct {
	Metric     Metric
	Comparison Comparison
	Threshold  float64
}

// Met applies the comparison strictly; equality never satisfies it.
func (c Condition) Met(value float64) bool {
	switch c.Comparison {
	case Above:
		return value > c.Threshold
	case Below:
		return value < c.Threshold
	}
	return false
}

// Task is a persisted autonomous task.
type Task struct {
	ID          string
	OwnerID     int64
	Role        Role
	Description string
	Ticker      string // empty when not instrument-scoped
	Active      bool
	Trigger     Trigger
	CreatedAt   time.Time

	RelatedNoteIDs      []string
	RelatedTaskIDs      []string
	RelatedWatchlistIDs []string
}

// Type returns the trigger discriminator, or "" when the trigger is unset.
func (t Task) Type() TriggerType {
	if t.Trigger == nil {
		return ""
	}
	return t.Trigger.Type()
}

// DueAt returns the scheduled time of time-based triggers.
func (t Task) DueAt() (time.Time, bool) {
	switch tr := t.Trigger.(type) {
	case OneTime:
		return tr.At, true
	case Recurring:
		return tr.Next, true
	}
	return time.Time{}, false
}

// Snapshot is the mutable persisted state captured before execution.
type Snapshot struct {
	Active  bool
	Trigger Trigger
}

func (t Task) Snapshot() Snapshot {
	return Snapshot{Active: t.Active, Trigger: t.Trigger}
}

// RestoresTrigger reports whether rolling back to s rewrites the trigger
// (time and config) in addition to the active flag. Only recurring tasks
// change their trigger during completion.
func (s Snapshot) RestoresTrigger() bool {
	_, ok := s.Trigger.(Recurring)
	return ok
}

// Credentials are the owner's upstream API keys.
type Credentials struct {
	AlpacaKey     string
	AlpacaSecret  string
	OpenRouterKey string
}

// Due is a dispatch candidate: a task plus what its owner needs to run it.
type Due struct {
	Task               Task
	Credentials        Credentials
	OperatingFramework string
}
