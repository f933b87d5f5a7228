package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleYAML = `
telegram:
  token: file-token
  poll_timeout: 15s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: data/test.db
tasks:
  task_check_interval_seconds: 30
  execution_timeout: 2m
credits:
  min_credits_to_run: 0.5
  min_credits_warning: 1
  credit_check_interval_hours: 6
agent:
  model: openai/gpt-4o
broadcast:
  startup: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.lookup = noEnv
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || cfg.Storage.Path != "data/test.db" || !cfg.Broadcast.Startup {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := cfg.TaskCheckInterval(); got != 30*time.Second {
		t.Fatalf("interval = %v", got)
	}
	if got := cfg.CreditSchedule(); got != "every:6h0m0s" {
		t.Fatalf("credit schedule = %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	tests := []struct {
		name, file, body string
	}{
		{"unknown yaml key", "c.yaml", "telegram:\n  token: x\n  owners: [1]\n"},
		{"unknown json key", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`},
		{"trailing json", "c.json", `{"telegram":{"token":"x"}}{"x":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewConfigManager(writeFile(t, tt.file, tt.body))
			if _, err := m.Parse(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEnvOverlay(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", "telegram:\n  token: file-token\nstorage:\n  driver: \"\"\n"))
	env := map[string]string{
		EnvTelegramToken:   "env-token",
		EnvDatabaseURL:     "postgres://u:p@localhost/investi",
		EnvOpenRouterModel: "  ",
	}
	m.lookup = func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != env[EnvDatabaseURL] {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Agent.Model != "" {
		t.Fatalf("blank env value should not override, got %q", cfg.Agent.Model)
	}
}

func TestLoadDotEnvIgnoresMissing(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	p := writeFile(t, ".env", "INVESTI_TEST_DOTENV=from-file\n")
	t.Setenv("INVESTI_TEST_DOTENV", "")
	os.Unsetenv("INVESTI_TEST_DOTENV")
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("INVESTI_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "unsupported"},
		{"pool bounds", func(c *Config) { c.Storage.MinConns, c.Storage.MaxConns = 5, 2 }, "min_conns"},
		{"bad duration", func(c *Config) { c.Tasks.ExecutionTimeout = "soon" }, "tasks.execution_timeout"},
		{"negative duration", func(c *Config) { c.Notifier.RetryBase = "-1s" }, "notifier.retry_base"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "unknown level"},
		{"alerts need chat", func(c *Config) { c.Logging.Alerts.Enabled = true }, "operator_chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestCreditScheduleOverride(t *testing.T) {
	c := &Config{}
	if got := c.CreditSchedule(); got != "every:24h0m0s" {
		t.Fatalf("default = %q", got)
	}
	c.Credits.CheckSchedule = " 0 9 * * * "
	if got := c.CreditSchedule(); got != "0 9 * * *" {
		t.Fatalf("override = %q", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.lookup = noEnv
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Logging.Level == "bogus" {
			return errors.New("bad level")
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// The watcher may not be registered yet; keep writing until it reacts.
	want := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	deadline := time.After(5 * time.Second)
	for got := false; !got; {
		write(want)
		select {
		case c := <-ch:
			if c.Logging.Level != "warn" {
				t.Fatalf("level = %q", c.Logging.Level)
			}
			got = true
		case <-time.After(400 * time.Millisecond):
		case <-deadline:
			t.Fatal("no config published")
		}
	}

	write(strings.Replace(sampleYAML, "level: debug", "level: bogus", 1))
	select {
	case c := <-ch:
		t.Fatalf("rejected config was published: %+v", c.Logging)
	case <-time.After(600 * time.Millisecond):
	}
	if m.Get().Logging.Level != "warn" {
		t.Fatalf("committed level = %q", m.Get().Logging.Level)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{
		Telegram: TelegramConfig{Token: "a"},
		Storage:  StorageConfig{Driver: "sqlite", Path: "x.db"},
		Credits:  CreditsConfig{MinCreditsToRun: 1},
	}
	cur := *old
	cur.Credits.MinCreditsToRun = 2
	changed, attrs, restart := SummarizeConfigChange(old, &cur)
	if len(changed) != 1 || changed[0] != "credits" || restart || len(attrs) == 0 {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}

	cur.Storage.DSN = "postgres://secret"
	cur.Storage.Driver = "postgres"
	changed, attrs, restart = SummarizeConfigChange(old, &cur)
	if !restart || len(changed) != 2 || changed[0] != "storage" {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	ev := lg.Log()
	for _, a := range attrs {
		a(ev)
	}
	ev.Send()
	if strings.Contains(buf.String(), "secret") || !strings.Contains(buf.String(), `"storage.dsn_set":true`) {
		t.Fatalf("attrs = %s", buf.String())
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	m := NewConfigManager("../../config.example.yaml")
	m.lookup = func(string) (string, bool) { return "", false }
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Telegram.Token = "123:abc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.TaskCheckInterval() != DefaultTaskCheckInterval || cfg.CreditSchedule() != "every:24h0m0s" {
		t.Fatalf("interval %v schedule %q", cfg.TaskCheckInterval(), cfg.CreditSchedule())
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 90 ", 90 * time.Second, false},
		{"1.5", 1500 * time.Millisecond, false},
		{"2m", 2 * time.Minute, false},
		{"-1s", 0, true},
		{"-5", 0, true},
		{"inf", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDurationField(%q) = %v, %v", tt.in, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "0", time.Minute); d != time.Minute {
		t.Fatalf("zero should fall back to default, got %v", d)
	}
}
