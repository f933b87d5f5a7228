package task

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownInterval = errors.New("unknown recurrence interval unit")

// AddInterval advances t by n units. Days and weeks are fixed offsets;
// months and years are calendar-relative and clamp the day of month to the
// length of the target month, so Jan 31 + 1 month is the last day of
// February rather than early March.
func AddInterval(t time.Time, unit IntervalUnit, n int) (time.Time, error) {
	switch unit {
	case UnitDay:
		return t.Add(time.Duration(n) * 24 * time.Hour), nil
	case UnitWeek:
		return t.Add(time.Duration(n) * 7 * 24 * time.Hour), nil
	case UnitMonth:
		return addMonths(t, n), nil
	case UnitYear:
		return addMonths(t, 12*n), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownInterval, unit)
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	// Normalize month arithmetic on the first of the month, then clamp the day.
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Complete applies the completion protocol to t and returns the state to
// persist before execution:
//   - one-time and conditional tasks become inactive;
//   - recurring tasks advance to the next occurrence, then the end policy
//     decides whether they stay active.
func Complete(t Task) (Task, error) {
	out := t
	switch tr := t.Trigger.(type) {
	case OneTime, Conditional:
		out.Active = false
		return out, nil
	case Recurring:
		next, err := AddInterval(tr.Next, tr.Rule.Unit, tr.Rule.Count)
		if err != nil {
			return t, err
		}
		rule := tr.Rule
		switch rule.End.Kind {
		case EndOn:
			if next.After(rule.End.On) {
				out.Active = false
				return out, nil
			}
		case EndAfter:
			rule.End.Remaining--
			if rule.End.Remaining <= 0 {
				out.Active = false
				return out, nil
			}
		case EndNever, "":
		default:
			return t, fmt.Errorf("unknown recurrence end policy %q", rule.End.Kind)
		}
		out.Trigger = Recurring{Next: next, Rule: rule}
		return out, nil
	case nil:
		return t, errors.New("task has no trigger")
	default:
		return t, fmt.Errorf("unsupported trigger %T", tr)
	}
}
