package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFormatAlert(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","message":"metric unavailable","task_id":"t1","ticker":"AAPL"}`)
	got := formatAlert(line)
	want := "[WARN] metric unavailable\n- task_id=t1\n- ticker=AAPL"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
}

func TestFormatAlertNonJSON(t *testing.T) {
	got := formatAlert([]byte("  plain text \n"))
	if got != "plain text" {
		t.Fatalf("formatAlert = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	s := strings.Repeat("a", 50)
	if got := truncate(s, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestValidLevel(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"debug", true},
		{"Warning", true},
		{"trace", false},
		{"verbose", false},
	}
	for _, tt := range tests {
		if got := ValidLevel(tt.in); got != tt.want {
			t.Fatalf("ValidLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("discarded", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestDomainFields(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{base: zerolog.New(&buf), hasBase: true}
	l.With(UserID(42)).Info("queued", TaskID("t-1"), Ticker("BTC-USD"))
	out := buf.String()
	for _, want := range []string{`"user_id":42`, `"task_id":"t-1"`, `"ticker":"BTC-USD"`, `"message":"queued"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}
