package app

import (
	"strings"
	"time"

	"investi/internal/agent"
	"investi/internal/broker"
	"investi/internal/config"
	"investi/internal/market"
	"investi/internal/notifier"
	"investi/internal/observability/pprof"
	"investi/internal/storage"
	"investi/internal/task/engine"
	logx "investi/pkg/logx"
)

const defaultSQLitePath = "data/investi.db"

// Every duration below was validated by Config.Validate before reaching
// these mappers, so parse errors are not repeated here.
func dur(path, raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return def
	}
	return d
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			ChatID:     cfg.Telegram.OperatorChatID,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	out := storage.Config{
		Driver:         strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:           strings.TrimSpace(sc.Path),
		DSN:            strings.TrimSpace(sc.DSN),
		BusyTimeout:    dur("storage.busy_timeout", sc.BusyTimeout, 5*time.Second),
		MaxConns:       sc.MaxConns,
		MinConns:       sc.MinConns,
		CommandTimeout: dur("storage.command_timeout", sc.CommandTimeout, 30*time.Second),
	}
	if out.Driver == "" {
		out.Driver = "sqlite"
	}
	if out.Driver == "sqlite" && out.Path == "" {
		out.Path = defaultSQLitePath
	}
	if out.MaxConns <= 0 {
		out.MaxConns = 10
	}
	if out.MinConns <= 0 {
		out.MinConns = 2
	}
	return out
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	nc := cfg.Notifier
	return notifier.Config{
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     dur("notifier.retry_base", nc.RetryBase, 0),
		RetryMaxDelay: dur("notifier.retry_max_delay", nc.RetryMaxDelay, 0),
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		IdleTimeout: dur("tasks.worker_idle_timeout", cfg.Tasks.WorkerIdleTimeout, config.DefaultWorkerIdleTimeout),
		HistorySize: 200,
	}
}

func mapRunnerConfig(cfg *config.Config) engine.RunnerConfig {
	return engine.RunnerConfig{
		MinCredits:       cfg.Credits.MinCreditsToRun,
		ExecutionTimeout: dur("tasks.execution_timeout", cfg.Tasks.ExecutionTimeout, 0),
	}
}

func mapAgentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		BaseURL:   cfg.Agent.BaseURL,
		Model:     cfg.Agent.Model,
		MaxTokens: cfg.Agent.MaxTokens,
		Timeout:   dur("agent.timeout", cfg.Agent.Timeout, 0),
	}
}

func mapMarketConfig(cfg *config.Config) market.Config {
	return market.Config{
		BaseURL:    cfg.MarketData.BaseURL,
		Timeout:    dur("market_data.timeout", cfg.MarketData.Timeout, 0),
		RatePerSec: cfg.MarketData.RatePerSec,
	}
}

func mapBrokerConfig(cfg *config.Config) broker.Config {
	return broker.Config{
		PaperURL: cfg.Brokerage.PaperURL,
		LiveURL:  cfg.Brokerage.LiveURL,
		Timeout:  dur("brokerage.timeout", cfg.Brokerage.Timeout, 0),
	}
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
		Token:   cfg.Debug.Token,
	}
}
