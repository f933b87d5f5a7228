package config

import (
	"reflect"
	"strings"

	logx "investi/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log fields describing the new values. Secrets are never
// logged; the DSN is reported only as set or unset.
//
// restart reports changes that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
			logx.Bool("telegram.operator_set", newCfg.Telegram.OperatorChatID != 0),
		)
		if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
			restart = true
		}
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
		restart = true
	}
	if oldCfg.Tasks != newCfg.Tasks {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.check_interval_seconds", newCfg.Tasks.TaskCheckIntervalSeconds),
			logx.String("tasks.worker_idle_timeout", newCfg.Tasks.WorkerIdleTimeout),
			logx.String("tasks.execution_timeout", newCfg.Tasks.ExecutionTimeout),
		)
	}
	if oldCfg.Credits != newCfg.Credits {
		changed = append(changed, "credits")
		attrs = append(attrs,
			logx.Float64("credits.min_to_run", newCfg.Credits.MinCreditsToRun),
			logx.Float64("credits.min_warning", newCfg.Credits.MinCreditsWarning),
			logx.String("credits.schedule", newCfg.CreditSchedule()),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
		if oldCfg.Notifier.Workers != newCfg.Notifier.Workers || oldCfg.Notifier.QueueSize != newCfg.Notifier.QueueSize {
			restart = true
		}
	}
	// Capability clients are built once at startup.
	for _, sec := range []struct {
		name string
		a, b any
	}{
		{"agent", oldCfg.Agent, newCfg.Agent},
		{"market_data", oldCfg.MarketData, newCfg.MarketData},
		{"brokerage", oldCfg.Brokerage, newCfg.Brokerage},
		{"debug", oldCfg.Debug, newCfg.Debug},
	} {
		if !reflect.DeepEqual(sec.a, sec.b) {
			changed = append(changed, sec.name)
			restart = true
		}
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.startup", newCfg.Broadcast.Startup),
			logx.Bool("broadcast.shutdown", newCfg.Broadcast.Shutdown),
		)
	}
	return changed, attrs, restart
}
