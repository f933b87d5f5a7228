package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DisplayLayout is the canonical timestamp format shown to users and agents.
const DisplayLayout = "2006-01-02 15:04:05 MST"

// InputLayout is the format users supply dates in.
const InputLayout = "2006-01-02 15:04:05"

var ErrInvalid = errors.New("invalid task")

// FormatTimestamp renders t in UTC using the display layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(DisplayLayout)
}

// ParseTimestamp accepts the input layout (interpreted as UTC), the display
// layout, RFC 3339 and a bare date.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{InputLayout, DisplayLayout, time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q (use YYYY-MM-DD HH:MM:SS)", s)
}

// New builds an active task with a fresh id.
func New(owner int64, role Role, description, ticker string, tr Trigger, now time.Time) Task {
	return Task{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Role:        role,
		Description: strings.TrimSpace(description),
		Ticker:      strings.ToUpper(strings.TrimSpace(ticker)),
		Active:      true,
		Trigger:     tr,
		CreatedAt:   now.UTC(),
	}
}

// Validate checks a task about to be created. Scheduled times must lie after
// now; recurrence units and end policies must be known.
func Validate(t Task, now time.Time) error {
	if t.OwnerID == 0 {
		return fmt.Errorf("%w: owner required", ErrInvalid)
	}
	if !t.Role.Valid() {
		return fmt.Errorf("%w: role must be portfolio_manager, analyst or trader", ErrInvalid)
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("%w: description required", ErrInvalid)
	}
	switch tr := t.Trigger.(type) {
	case OneTime:
		if !tr.At.After(now) {
			return fmt.Errorf("%w: datetime must be in the future (now %s)", ErrInvalid, FormatTimestamp(now))
		}
	case Recurring:
		if !tr.Next.After(now) {
			return fmt.Errorf("%w: first datetime must be in the future (now %s)", ErrInvalid, FormatTimestamp(now))
		}
		if !tr.Rule.Unit.Valid() {
			return fmt.Errorf("%w: recurrence type must be day, week, month or year", ErrInvalid)
		}
		if tr.Rule.Count <= 0 {
			return fmt.Errorf("%w: recurrence interval must be positive", ErrInvalid)
		}
		switch tr.Rule.End.Kind {
		case EndNever:
		case EndOn:
			if !tr.Rule.End.On.After(now) {
				return fmt.Errorf("%w: end datetime must be in the future", ErrInvalid)
			}
		case EndAfter:
			if tr.Rule.End.Remaining <= 0 {
				return fmt.Errorf("%w: end count must be positive", ErrInvalid)
			}
		default:
			return fmt.Errorf("%w: ends type must be never, on or after", ErrInvalid)
		}
	case Conditional:
		c := tr.Condition
		if !c.Metric.Valid() {
			return fmt.Errorf("%w: unknown condition type %q", ErrInvalid, c.Metric)
		}
		if !c.Comparison.Valid() {
			return fmt.Errorf("%w: comparison must be above or below", ErrInvalid)
		}
		if c.Metric.NeedsTicker() && t.Ticker == "" {
			return fmt.Errorf("%w: ticker_symbol required for condition_type='%s'", ErrInvalid, c.Metric)
		}
	case nil:
		return fmt.Errorf("%w: trigger required", ErrInvalid)
	default:
		return fmt.Errorf("%w: unsupported trigger %T", ErrInvalid, tr)
	}
	return nil
}
