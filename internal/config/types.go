package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "investi/pkg/logx"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Tasks      TasksConfig      `json:"tasks"`
	Credits    CreditsConfig    `json:"credits"`
	Notifier   NotifierConfig   `json:"notifier"`
	Agent      AgentConfig      `json:"agent"`
	MarketData MarketDataConfig `json:"market_data"`
	Brokerage  BrokerageConfig  `json:"brokerage"`
	Broadcast  BroadcastConfig  `json:"broadcast"`
	Debug      DebugConfig      `json:"debug"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	// OperatorChatID receives log alerts when logging.alerts is enabled.
	OperatorChatID int64 `json:"operator_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	Alerts  AlertsConfig  `json:"alerts"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the task store backend.
//
// Defaults (when fields are omitted/zero):
//   - driver: sqlite
//   - path: data/investi.db
//   - busy_timeout: "5s"
//   - max_conns: 10, min_conns: 2 (postgres)
//   - command_timeout: "30s"
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path,omitempty"`
	DSN            string `json:"dsn,omitempty"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	MaxConns       int    `json:"max_conns,omitempty"`
	MinConns       int    `json:"min_conns,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type TasksConfig struct {
	TaskCheckIntervalSeconds int `json:"task_check_interval_seconds"`
	// WorkerIdleTimeout retires a per-user worker after its queue stays empty.
	WorkerIdleTimeout string `json:"worker_idle_timeout,omitempty"`
	// ExecutionTimeout bounds the agent call; "0s" disables it.
	ExecutionTimeout string `json:"execution_timeout,omitempty"`
}

type CreditsConfig struct {
	MinCreditsToRun          float64 `json:"min_credits_to_run"`
	MinCreditsWarning        float64 `json:"min_credits_warning"`
	CreditCheckIntervalHours float64 `json:"credit_check_interval_hours,omitempty"`
	// CheckSchedule overrides the hourly interval with a cron or "every"
	// expression.
	CheckSchedule string `json:"check_schedule,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type AgentConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	Model     string `json:"model"`
	Timeout   string `json:"timeout,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type MarketDataConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type BrokerageConfig struct {
	PaperURL string `json:"paper_url,omitempty"`
	LiveURL  string `json:"live_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type BroadcastConfig struct {
	Startup  bool `json:"startup"`
	Shutdown bool `json:"shutdown"`
}

// DebugConfig controls the optional local debug HTTP server.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

const (
	DefaultTaskCheckInterval   = 60 * time.Second
	DefaultWorkerIdleTimeout   = 5 * time.Second
	DefaultCreditCheckInterval = 24.0 // hours
	DefaultPollTimeout         = 10 * time.Second
)

func (c *Config) TaskCheckInterval() time.Duration {
	if c.Tasks.TaskCheckIntervalSeconds <= 0 {
		return DefaultTaskCheckInterval
	}
	return time.Duration(c.Tasks.TaskCheckIntervalSeconds) * time.Second
}

// CreditSchedule returns the scheduler expression for the credit monitor.
func (c *Config) CreditSchedule() string {
	if s := strings.TrimSpace(c.Credits.CheckSchedule); s != "" {
		return s
	}
	h := c.Credits.CreditCheckIntervalHours
	if h <= 0 {
		h = DefaultCreditCheckInterval
	}
	return fmt.Sprintf("every:%s", time.Duration(h*float64(time.Hour)))
}

// Validate checks the parts that cannot be defaulted. Duration fields are
// parsed once here so a bad value is rejected before it is committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	if c.Storage.MinConns > 0 && c.Storage.MaxConns > 0 && c.Storage.MinConns > c.Storage.MaxConns {
		errs = append(errs, errors.New("storage.min_conns must not exceed storage.max_conns"))
	}
	if c.Tasks.TaskCheckIntervalSeconds < 0 {
		errs = append(errs, errors.New("tasks.task_check_interval_seconds must be >= 0"))
	}
	if c.Credits.MinCreditsToRun < 0 || c.Credits.MinCreditsWarning < 0 {
		errs = append(errs, errors.New("credits thresholds must be >= 0"))
	}
	if !logx.ValidLevel(c.Logging.Level) || !logx.ValidLevel(c.Logging.Alerts.MinLevel) {
		errs = append(errs, fmt.Errorf("logging: unknown level %q or %q", c.Logging.Level, c.Logging.Alerts.MinLevel))
	}
	if c.Logging.Alerts.Enabled && c.Telegram.OperatorChatID == 0 {
		errs = append(errs, errors.New("logging.alerts requires telegram.operator_chat_id"))
	}

	durations := map[string]string{
		"telegram.poll_timeout":     c.Telegram.PollTimeout,
		"storage.busy_timeout":      c.Storage.BusyTimeout,
		"storage.command_timeout":   c.Storage.CommandTimeout,
		"tasks.worker_idle_timeout": c.Tasks.WorkerIdleTimeout,
		"tasks.execution_timeout":   c.Tasks.ExecutionTimeout,
		"notifier.retry_base":       c.Notifier.RetryBase,
		"notifier.retry_max_delay":  c.Notifier.RetryMaxDelay,
		"agent.timeout":             c.Agent.Timeout,
		"market_data.timeout":       c.MarketData.Timeout,
		"brokerage.timeout":         c.Brokerage.Timeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
