package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// recurringConfig and conditionalConfig are the persisted trigger_config
// shapes. Key names are part of the stored data; do not rename.
type recurringConfig struct {
	Type     IntervalUnit    `json:"type"`
	Interval int             `json:"interval"`
	EndType  EndKind         `json:"end_type"`
	EndValue json.RawMessage `json:"end_value"`
}

type conditionalConfig struct {
	Type       Metric     `json:"type"`
	Comparison Comparison `json:"comparison"`
	Threshold  float64    `json:"threshold"`
}

// Stored is the column-level form of a trigger.
type Stored struct {
	Type     TriggerType
	Datetime *time.Time
	Config   []byte // nil for one-time tasks
}

// EncodeTrigger flattens tr into its persisted columns.
func EncodeTrigger(tr Trigger) (Stored, error) {
	switch v := tr.(type) {
	case OneTime:
		at := v.At.UTC()
		return Stored{Type: TypeOneTime, Datetime: &at}, nil
	case Recurring:
		cfg := recurringConfig{Type: v.Rule.Unit, Interval: v.Rule.Count, EndType: v.Rule.End.Kind, EndValue: json.RawMessage("null")}
		if cfg.EndType == "" {
			cfg.EndType = EndNever
		}
		switch cfg.EndType {
		case EndOn:
			b, _ := json.Marshal(v.Rule.End.On.UTC().Format(time.RFC3339))
			cfg.EndValue = b
		case EndAfter:
			cfg.EndValue = json.RawMessage(strconv.Itoa(v.Rule.End.Remaining))
		}
		b, err := json.Marshal(cfg)
		if err != nil {
			return Stored{}, err
		}
		next := v.Next.UTC()
		return Stored{Type: TypeRecurring, Datetime: &next, Config: b}, nil
	case Conditional:
		b, err := json.Marshal(conditionalConfig{
			Type:       v.Condition.Metric,
			Comparison: v.Condition.Comparison,
			Threshold:  v.Condition.Threshold,
		})
		if err != nil {
			return Stored{}, err
		}
		return Stored{Type: TypeConditional, Config: b}, nil
	case nil:
		return Stored{}, errors.New("nil trigger")
	default:
		return Stored{}, fmt.Errorf("unsupported trigger %T", tr)
	}
}

// DecodeTrigger rebuilds a trigger from its persisted columns.
func DecodeTrigger(s Stored) (Trigger, error) {
	switch s.Type {
	case TypeOneTime:
		if s.Datetime == nil {
			return nil, errors.New("one_time task without task_datetime")
		}
		return OneTime{At: s.Datetime.UTC()}, nil
	case TypeRecurring:
		if s.Datetime == nil {
			return nil, errors.New("recurring task without task_datetime")
		}
		var cfg recurringConfig
		if err := json.Unmarshal(s.Config, &cfg); err != nil {
			return nil, fmt.Errorf("recurring trigger_config: %w", err)
		}
		end, err := decodeEnd(cfg.EndType, cfg.EndValue)
		if err != nil {
			return nil, err
		}
		return Recurring{Next: s.Datetime.UTC(), Rule: Recurrence{Unit: cfg.Type, Count: cfg.Interval, End: end}}, nil
	case TypeConditional:
		var cfg conditionalConfig
		if err := json.Unmarshal(s.Config, &cfg); err != nil {
			return nil, fmt.Errorf("conditional trigger_config: %w", err)
		}
		return Conditional{Condition: Condition{Metric: cfg.Type, Comparison: cfg.Comparison, Threshold: cfg.Threshold}}, nil
	}
	return nil, fmt.Errorf("unknown trigger_type %q", s.Type)
}

func decodeEnd(kind EndKind, raw json.RawMessage) (EndPolicy, error) {
	val := strings.TrimSpace(string(raw))
	switch kind {
	case EndNever, "":
		return EndPolicy{Kind: EndNever}, nil
	case EndOn:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return EndPolicy{}, fmt.Errorf("end_value: %w", err)
		}
		on, err := ParseTimestamp(s)
		if err != nil {
			return EndPolicy{}, fmt.Errorf("end_value: %w", err)
		}
		return EndPolicy{Kind: EndOn, On: on}, nil
	case EndAfter:
		// Older rows stored the count as a string.
		n, err := strconv.Atoi(strings.Trim(val, `"`))
		if err != nil {
			return EndPolicy{}, fmt.Errorf("end_value: invalid count %s", val)
		}
		return EndPolicy{Kind: EndAfter, Remaining: n}, nil
	}
	return EndPolicy{}, fmt.Errorf("unknown end_type %q", kind)
}

// ConfigMap renders a trigger's config as a generic map for payloads and
// listings. Dates use the display format.
func ConfigMap(tr Trigger) map[string]any {
	switch v := tr.(type) {
	case Recurring:
		m := map[string]any{
			"type":     string(v.Rule.Unit),
			"interval": v.Rule.Count,
			"end_type": string(v.Rule.End.Kind),
		}
		switch v.Rule.End.Kind {
		case EndOn:
			m["end_value"] = FormatTimestamp(v.Rule.End.On)
		case EndAfter:
			m["end_value"] = v.Rule.End.Remaining
		default:
			m["end_type"] = string(EndNever)
			m["end_value"] = nil
		}
		return m
	case Conditional:
		return map[string]any{
			"type":       string(v.Condition.Metric),
			"comparison": string(v.Condition.Comparison),
			"threshold":  v.Condition.Threshold,
		}
	}
	return nil
}
