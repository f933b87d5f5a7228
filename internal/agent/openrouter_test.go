package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"investi/internal/task"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"No auth credentials found","code":401}}`))
			return
		}
		switch r.URL.Path {
		case "/credits":
			_, _ = w.Write([]byte(`{"data":{"total_credits":25.5,"total_usage":20.25}}`))
		case "/key":
			_, _ = w.Write([]byte(`{"data":{"usage":12.5,"usage_monthly":3.75}}`))
		case "/auth/key":
			_, _ = w.Write([]byte(`{"data":{"label":"k"}}`))
		case "/chat/completions":
			var req chatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if len(req.Messages) != 2 || !strings.Contains(req.Messages[0].Content, "trader") || req.User != "9" {
				t.Errorf("unexpected request: %+v", req)
			}
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  done: " }}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemainingCredits(t *testing.T) {
	c := New(Config{BaseURL: newServer(t).URL})
	got, err := c.RemainingCredits(context.Background(), "good")
	if err != nil {
		t.Fatalf("RemainingCredits error: %v", err)
	}
	if got != 5.25 {
		t.Fatalf("remaining = %v, want 5.25", got)
	}
	if _, err := c.RemainingCredits(context.Background(), "bad"); err == nil {
		t.Fatal("expected error for rejected key")
	}
}

func TestValidateKey(t *testing.T) {
	c := New(Config{BaseURL: newServer(t).URL})
	if !c.ValidateKey(context.Background(), "good") {
		t.Fatal("good key rejected")
	}
	if c.ValidateKey(context.Background(), "bad") || c.ValidateKey(context.Background(), "") {
		t.Fatal("bad key accepted")
	}
}

func TestRun(t *testing.T) {
	c := New(Config{BaseURL: newServer(t).URL})
	out, err := c.Run(context.Background(), Request{
		UserID:      9,
		Role:        task.RoleTrader,
		Payload:     "<task_triggered>\n{}\n</task_triggered>",
		Credentials: task.Credentials{OpenRouterKey: "good"},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out != "done:" {
		t.Fatalf("Run = %q", out)
	}
	if _, err := c.Run(context.Background(), Request{}); err != ErrNoAPIKey {
		t.Fatalf("Run without key = %v", err)
	}
}

func TestKeyUsage(t *testing.T) {
	c := New(Config{BaseURL: newServer(t).URL})
	u, err := c.KeyUsage(context.Background(), "good")
	if err != nil {
		t.Fatal(err)
	}
	if u.Total != 12.5 || u.Monthly != 3.75 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestRunAnswersToolCalls(t *testing.T) {
	var turns int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		turns++
		switch turns {
		case 1:
			if len(req.Tools) != 1 || req.Tools[0].Function.Name != "set_one_time_task" {
				t.Errorf("tools = %+v", req.Tools)
			}
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
				{"id":"c1","type":"function","function":{"name":"set_one_time_task","arguments":"{\"description\":\"check\"}"}},
				{"id":"c2","type":"function","function":{"name":"missing","arguments":""}}]}}]}`))
		default:
			n := len(req.Messages)
			if n != 5 || req.Messages[2].Role != "assistant" || len(req.Messages[2].ToolCalls) != 2 {
				t.Errorf("follow-up messages = %+v", req.Messages)
			}
			if req.Messages[3].ToolCallID != "c1" || req.Messages[3].Content != "created check" {
				t.Errorf("tool result = %+v", req.Messages[3])
			}
			if !strings.Contains(req.Messages[4].Content, `unknown tool \"missing\"`) {
				t.Errorf("unknown tool result = %+v", req.Messages[4])
			}
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"scheduled"}}]}`))
		}
	}))
	defer srv.Close()

	tool := Tool{
		Name: "set_one_time_task",
		Call: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Description string `json:"description"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return "created " + in.Description, nil
		},
	}
	out, err := New(Config{BaseURL: srv.URL}).Run(context.Background(), Request{
		UserID:      9,
		Role:        task.RoleAnalyst,
		Payload:     "go",
		Credentials: task.Credentials{OpenRouterKey: "good"},
		Tools:       []Tool{tool},
	})
	if err != nil || out != "scheduled" {
		t.Fatalf("Run = %q, %v", out, err)
	}
	if turns != 2 {
		t.Fatalf("turns = %d, want 2", turns)
	}
}

func TestRunStopsAfterToolRoundLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","tool_calls":[
			{"id":"c","type":"function","function":{"name":"noop","arguments":"{}"}}]}}]}`))
	}))
	defer srv.Close()

	noop := Tool{Name: "noop", Call: func(context.Context, json.RawMessage) (string, error) { return "ok", nil }}
	_, err := New(Config{BaseURL: srv.URL}).Run(context.Background(), Request{
		Credentials: task.Credentials{OpenRouterKey: "k"},
		Tools:       []Tool{noop},
	})
	if !errors.Is(err, ErrToolRounds) {
		t.Fatalf("err = %v, want ErrToolRounds", err)
	}
}
