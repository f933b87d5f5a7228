package task

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncodeTriggerColumns(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.FixedZone("X", 3600))

	st, err := EncodeTrigger(OneTime{At: at})
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != TypeOneTime || st.Config != nil || st.Datetime == nil || st.Datetime.Location() != time.UTC {
		t.Fatalf("one_time columns: %+v", st)
	}

	st, err = EncodeTrigger(Conditional{Condition: Condition{Metric: MetricPrice, Comparison: Below, Threshold: 99.5}})
	if err != nil {
		t.Fatal(err)
	}
	if st.Datetime != nil {
		t.Fatal("conditional task must not carry a datetime")
	}
	if got := string(st.Config); got != `{"type":"price","comparison":"below","threshold":99.5}` {
		t.Fatalf("conditional config = %s", got)
	}

	st, err = EncodeTrigger(Recurring{Next: at, Rule: Recurrence{Unit: UnitWeek, Count: 2, End: EndPolicy{Kind: EndAfter, Remaining: 4}}})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(st.Config); got != `{"type":"week","interval":2,"end_type":"after","end_value":4}` {
		t.Fatalf("recurring config = %s", got)
	}
}

func TestDecodeRecurringEndValues(t *testing.T) {
	next := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		config string
		want   EndPolicy
	}{
		{"never", `{"type":"day","interval":1,"end_type":"never","end_value":null}`, EndPolicy{Kind: EndNever}},
		{"after int", `{"type":"day","interval":1,"end_type":"after","end_value":3}`, EndPolicy{Kind: EndAfter, Remaining: 3}},
		{"after string", `{"type":"day","interval":1,"end_type":"after","end_value":"7"}`, EndPolicy{Kind: EndAfter, Remaining: 7}},
		{"on rfc3339", `{"type":"day","interval":1,"end_type":"on","end_value":"2024-06-01T00:00:00Z"}`, EndPolicy{Kind: EndOn, On: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}},
		{"on input layout", `{"type":"day","interval":1,"end_type":"on","end_value":"2024-06-01 12:30:00"}`, EndPolicy{Kind: EndOn, On: time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tr, err := DecodeTrigger(Stored{Type: TypeRecurring, Datetime: &next, Config: []byte(tt.config)})
			if err != nil {
				t.Fatalf("DecodeTrigger error: %v", err)
			}
			got := tr.(Recurring).Rule.End
			if got.Kind != tt.want.Kind || got.Remaining != tt.want.Remaining || !got.On.Equal(tt.want.On) {
				t.Fatalf("End = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeTriggerRejectsInvalidRows(t *testing.T) {
	now := time.Now()
	bad := []Stored{
		{Type: TypeOneTime},
		{Type: TypeRecurring, Config: []byte(`{}`)},
		{Type: TypeRecurring, Datetime: &now, Config: []byte(`{"type":"day","interval":1,"end_type":"sometimes"}`)},
		{Type: TypeConditional, Config: []byte(`not json`)},
		{Type: "weekly"},
	}
	for _, st := range bad {
		if _, err := DecodeTrigger(st); err == nil {
			t.Fatalf("DecodeTrigger(%+v) should fail", st)
		}
	}
}

func TestPayloadMessage(t *testing.T) {
	tk := Task{
		ID:          "abc",
		OwnerID:     7,
		Role:        RoleTrader,
		Description: "buy the dip",
		Ticker:      "AAPL",
		Active:      true,
		Trigger:     OneTime{At: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	msg, err := NewPayload(tk).Message()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(msg, "<task_triggered>\n") || !strings.HasSuffix(msg, "\n</task_triggered>") {
		t.Fatalf("missing envelope: %q", msg)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(msg, "<task_triggered>\n"), "\n</task_triggered>")
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if m["task_datetime"] != "2024-01-02 03:04:05 UTC" || m["created_at"] != "2024-01-01 00:00:00 UTC" {
		t.Fatalf("timestamps not in display format: %v", m)
	}
	if m["trigger_config"] != nil {
		t.Fatalf("one_time trigger_config = %v, want null", m["trigger_config"])
	}
	if _, ok := m["is_active"]; ok {
		t.Fatal("payload must only carry allow-listed fields")
	}
	if ids, ok := m["related_note_ids"].([]any); !ok || len(ids) != 0 {
		t.Fatalf("related_note_ids = %v, want []", m["related_note_ids"])
	}
}
