package task

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	base := func(tr Trigger, ticker string) Task {
		return New(42, RoleAnalyst, "check earnings", ticker, tr, now)
	}
	tests := []struct {
		name string
		task Task
		ok   bool
	}{
		{"one time future", base(OneTime{At: later}, ""), true},
		{"one time past", base(OneTime{At: earlier}, ""), false},
		{"recurring ok", base(Recurring{Next: later, Rule: Recurrence{Unit: UnitMonth, Count: 1, End: EndPolicy{Kind: EndNever}}}, ""), true},
		{"recurring unknown unit", base(Recurring{Next: later, Rule: Recurrence{Unit: "hour", Count: 1, End: EndPolicy{Kind: EndNever}}}, ""), false},
		{"recurring zero count", base(Recurring{Next: later, Rule: Recurrence{Unit: UnitDay, Count: 0, End: EndPolicy{Kind: EndNever}}}, ""), false},
		{"recurring after zero", base(Recurring{Next: later, Rule: Recurrence{Unit: UnitDay, Count: 1, End: EndPolicy{Kind: EndAfter}}}, ""), false},
		{"recurring on past", base(Recurring{Next: later, Rule: Recurrence{Unit: UnitDay, Count: 1, End: EndPolicy{Kind: EndOn, On: earlier}}}, ""), false},
		{"recurring bad end", base(Recurring{Next: later, Rule: Recurrence{Unit: UnitDay, Count: 1, End: EndPolicy{Kind: "maybe"}}}, ""), false},
		{"conditional cash no ticker", base(Conditional{Condition: Condition{Metric: MetricCash, Comparison: Below, Threshold: 100}}, ""), true},
		{"conditional price needs ticker", base(Conditional{Condition: Condition{Metric: MetricPrice, Comparison: Above, Threshold: 1}}, ""), false},
		{"conditional price with ticker", base(Conditional{Condition: Condition{Metric: MetricPrice, Comparison: Above, Threshold: 1}}, "AAPL"), true},
		{"conditional bad comparison", base(Conditional{Condition: Condition{Metric: MetricCash, Comparison: "equals"}}, ""), false},
		{"missing trigger", base(nil, ""), false},
		{"bad role", func() Task { tk := base(OneTime{At: later}, ""); tk.Role = "intern"; return tk }(), false},
		{"empty description", func() Task { tk := base(OneTime{At: later}, ""); tk.Description = " "; return tk }(), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.task, now)
			if tt.ok && err != nil {
				t.Fatalf("Validate error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestNewAssignsIdentity(t *testing.T) {
	now := time.Now()
	a := New(1, RoleTrader, " d ", " tsla ", OneTime{At: now}, now)
	b := New(1, RoleTrader, "d", "", OneTime{At: now}, now)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids should be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if !a.Active || a.Ticker != "TSLA" || a.Description != "d" {
		t.Fatalf("unexpected task: %+v", a)
	}
}

func TestConditionMetIsStrict(t *testing.T) {
	above := Condition{Comparison: Above, Threshold: 10}
	below := Condition{Comparison: Below, Threshold: 10}
	if above.Met(10) || below.Met(10) {
		t.Fatal("equality must not satisfy a comparison")
	}
	if !above.Met(10.01) || !below.Met(9.99) {
		t.Fatal("strict comparison failed")
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-02-29 10:00:00", "2024-02-29 10:00:00 UTC", "2024-02-29T10:00:00Z", "2024-02-29T11:00:00+01:00"} {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q) error: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseTimestamp("29/02/2024"); err == nil {
		t.Fatal("expected error")
	}
	if got := FormatTimestamp(want); got != "2024-02-29 10:00:00 UTC" {
		t.Fatalf("FormatTimestamp = %q", got)
	}
}
