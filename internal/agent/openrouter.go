// Package agent is the agent-execution and credit capability backed by the
// OpenRouter API.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"investi/internal/task"
)

const (
	DefaultBaseURL   = "https://openrouter.ai/api/v1"
	DefaultModel     = "anthropic/claude-sonnet-4"
	defaultMaxTokens = 4096
)

var ErrNoAPIKey = errors.New("openrouter api key not set")

type Config struct {
	BaseURL    string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.HTTPClient == nil {
		if cfg.Timeout <= 0 {
			cfg.Timeout = 10 * time.Minute
		}
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg}
}

// Request is one autonomous run on behalf of a user.
type Request struct {
	UserID             int64
	Role               task.Role
	OperatingFramework string
	Payload            string
	Credentials        task.Credentials
	// Tools are offered to the model; calls are answered in place until it
	// replies with text.
	Tools []Tool
}

// Tool is a function the model may call during a run. Parameters is a JSON
// schema object. An error from Call is handed back to the model as text.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Call        func(ctx context.Context, args json.RawMessage) (string, error)
}

// maxToolRounds bounds how many assistant turns may request tools in one run.
const maxToolRounds = 8

var ErrToolRounds = errors.New("openrouter: tool call limit reached")

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Tools     []chatTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	User      string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Run executes req and returns the agent's final text.
func (c *Client) Run(ctx context.Context, req Request) (string, error) {
	key := req.Credentials.OpenRouterKey
	if key == "" {
		return "", ErrNoAPIKey
	}
	body := chatRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		User:      strconv.FormatInt(req.UserID, 10),
		Tools:     wireTools(req.Tools),
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.Role, req.OperatingFramework)},
			{Role: "user", Content: req.Payload},
		},
	}
	byName := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		byName[t.Name] = t
	}

	for round := 0; ; round++ {
		msg, err := c.complete(ctx, key, body)
		if err != nil {
			return "", err
		}
		if len(msg.ToolCalls) == 0 {
			return strings.TrimSpace(msg.Content), nil
		}
		if round >= maxToolRounds {
			return "", ErrToolRounds
		}
		body.Messages = append(body.Messages, chatMessage{Role: "assistant", Content: msg.Content, ToolCalls: msg.ToolCalls})
		for _, tc := range msg.ToolCalls {
			body.Messages = append(body.Messages, chatMessage{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    callTool(ctx, byName, tc),
			})
		}
	}
}

func (c *Client) complete(ctx context.Context, key string, body chatRequest) (chatMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return chatMessage{}, fmt.Errorf("openrouter: marshal request: %w", err)
	}
	var resp chatResponse
	if err := c.do(ctx, http.MethodPost, "/chat/completions", key, data, &resp); err != nil {
		return chatMessage{}, err
	}
	if resp.Error != nil {
		return chatMessage{}, fmt.Errorf("openrouter: %v: %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return chatMessage{}, errors.New("openrouter: empty response")
	}
	return resp.Choices[0].Message, nil
}

func wireTools(tools []Tool) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		var ct chatTool
		ct.Type = "function"
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		if ct.Function.Parameters == nil {
			ct.Function.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, ct)
	}
	return out
}

// callTool runs one requested call and renders its outcome for the model.
func callTool(ctx context.Context, tools map[string]Tool, tc toolCall) string {
	t, ok := tools[tc.Function.Name]
	if !ok || t.Call == nil {
		return toolError(fmt.Sprintf("unknown tool %q", tc.Function.Name))
	}
	args := json.RawMessage(tc.Function.Arguments)
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	out, err := t.Call(ctx, args)
	if err != nil {
		return toolError(err.Error())
	}
	return out
}

func toolError(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

func systemPrompt(role task.Role, framework string) string {
	name := strings.ReplaceAll(string(role), "_", " ")
	var b strings.Builder
	b.WriteString("You are the user's ")
	b.WriteString(name)
	b.WriteString(". You were woken up by a scheduled task; carry it out and reply with a concise report.")
	if framework = strings.TrimSpace(framework); framework != "" {
		b.WriteString("\n\nOperating framework:\n")
		b.WriteString(framework)
	}
	return b.String()
}

// RemainingCredits returns total_credits - total_usage for the key.
func (c *Client) RemainingCredits(ctx context.Context, apiKey string) (float64, error) {
	if apiKey == "" {
		return 0, ErrNoAPIKey
	}
	var resp struct {
		Data struct {
			TotalCredits float64 `json:"total_credits"`
			TotalUsage   float64 `json:"total_usage"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/credits", apiKey, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Data.TotalCredits - resp.Data.TotalUsage, nil
}

// Usage is the spend recorded against a key.
type Usage struct {
	Total   float64
	Monthly float64
}

func (c *Client) KeyUsage(ctx context.Context, apiKey string) (Usage, error) {
	if apiKey == "" {
		return Usage{}, ErrNoAPIKey
	}
	var resp struct {
		Data struct {
			Usage        float64 `json:"usage"`
			UsageMonthly float64 `json:"usage_monthly"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/key", apiKey, nil, &resp); err != nil {
		return Usage{}, err
	}
	return Usage{Total: resp.Data.Usage, Monthly: resp.Data.UsageMonthly}, nil
}

// ValidateKey reports whether the key is accepted by /auth/key.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) bool {
	if strings.TrimSpace(apiKey) == "" {
		return false
	}
	var resp json.RawMessage
	return c.do(ctx, http.MethodGet, "/auth/key", apiKey, nil, &resp) == nil
}

func (c *Client) do(ctx context.Context, method, path, key string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("openrouter: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("openrouter: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("openrouter: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openrouter: API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("openrouter: unmarshal response: %w", err)
	}
	return nil
}
