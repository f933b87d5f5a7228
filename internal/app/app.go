// Package app wires the bot together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"investi/internal/agent"
	"investi/internal/broker"
	"investi/internal/config"
	"investi/internal/eventbus"
	"investi/internal/market"
	"investi/internal/notifier"
	"investi/internal/observability/pprof"
	rtsup "investi/internal/runtime/supervisor"
	"investi/internal/storage"
	"investi/internal/task"
	"investi/internal/task/condition"
	"investi/internal/task/engine"
	"investi/internal/task/scheduler"
	kit "investi/internal/transport"
	telegram "investi/internal/transport/telegram/adapter"
	"investi/internal/transport/telegram/router"
	"investi/internal/users"
	logx "investi/pkg/logx"
)

const (
	creditJob = "credits.check"

	msgOnline      = "**Investi is back online**"
	msgMaintenance = "**Investi is shutting down for maintenance purposes**"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	adapter *telegram.Adapter
	router  *router.Router
	notif   *notifier.Service
	users   *users.Service
	monitor *users.CreditMonitor

	runner     *engine.Runner
	engine     *engine.Engine
	dispatcher *scheduler.Dispatcher
	cron       *scheduler.Cron
	debug      *pprof.Service

	// The notifier outlives the app supervisor so shutdown messages and
	// queued results still go out after everything else was cancelled.
	notifCtx    context.Context
	notifCancel context.CancelFunc

	updates chan kit.Update
	started bool
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Alerts start without a sender; the notifier is attached below.
	logSvc, base := logx.New(mapLogConfig(cfg), nil)
	log := base.With(logx.String("comp", "app"))
	bus := eventbus.New()

	octx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := storage.Open(octx, mapStorageConfig(cfg), base.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout),
	}, base.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	notif := notifier.New(mapNotifierConfig(cfg), ad, base.With(logx.String("comp", "notifier")), bus)
	logSvc.SetSender(notif)

	llm := agent.New(mapAgentConfig(cfg))
	quotes := market.New(mapMarketConfig(cfg))
	brokers := broker.NewFactory(mapBrokerConfig(cfg))

	acc := users.New(users.Config{StatusTimeout: 20 * time.Second}, store, brokerage{brokers}, llm, base.With(logx.String("comp", "users")))
	monitor := users.NewCreditMonitor(cfg.Credits.MinCreditsWarning, store, llm, notif, base.With(logx.String("comp", "credits")))

	failures := condition.NewFailureTracker(time.Now, condition.DefaultWarnWindow, base.With(logx.String("comp", "condition")))
	eval := condition.NewEvaluator(quotes, condition.BrokerageFunc(func(c task.Credentials) condition.Brokerage {
		return brokers.Client(c)
	}), failures, base.With(logx.String("comp", "condition")))

	runner := engine.NewRunner(mapRunnerConfig(cfg), store, notif, acc, llm, bus, base.With(logx.String("comp", "runner")))
	runner.SetTools(acc)
	eng := engine.New(mapEngineConfig(cfg), runner, base.With(logx.String("comp", "engine")), bus)
	disp := scheduler.NewDispatcher(cfg.TaskCheckInterval(), store, eval, eng, base.With(logx.String("comp", "dispatcher")))

	cron := scheduler.NewCron(scheduler.CronConfig{Timezone: cfg.Credits.Timezone}, base.With(logx.String("comp", "cron")))
	if err := cron.Add(creditJob, cfg.CreditSchedule(), 10*time.Minute, monitor.Run); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("credits schedule: %w", err)
	}

	rt := router.New(router.Config{}, ad, base.With(logx.String("comp", "router")))
	rt.SetCommands(router.AccountCommands(acc))
	rt.SetErrorText(router.ErrorText)
	rt.SetFallback(router.FreeText)

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		adapter:    ad,
		router:     rt,
		notif:      notif,
		users:      acc,
		monitor:    monitor,
		runner:     runner,
		engine:     eng,
		dispatcher: disp,
		cron:       cron,
		updates:    make(chan kit.Update, 256),
	}
	a.debug = pprof.New(mapDebugConfig(cfg), a.status, base.With(logx.String("comp", "debug")))
	return a, nil
}

// brokerage narrows broker.Factory to what the account service needs.
type brokerage struct{ f *broker.Factory }

func (b brokerage) Validate(ctx context.Context, key, secret string) (string, error) {
	return b.f.Validate(ctx, key, secret)
}

func (b brokerage) Portfolio(creds task.Credentials) users.Portfolio { return b.f.Client(creds) }

// Done is closed when the app supervisor stops, including on a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.notifCtx, a.notifCancel = context.WithCancel(context.WithoutCancel(ctx))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return cfg.Validate() })

	a.notif.Start(a.notifCtx)
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.engine.Start(a.sup.Context())
	a.cron.Start(a.sup.Context())
	if err := a.debug.Start(a.sup.Context()); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go("tasks.dispatch", a.dispatcher.Run)
	a.sup.Go0("credits.startup", func(c context.Context) {
		if err := a.cron.Run(c, creditJob); err != nil && c.Err() == nil {
			a.log.Warn("startup credit check failed", logx.Err(err))
		}
	})
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })

	if a.cfgm.Get().Broadcast.Startup {
		a.sup.Go0("broadcast.startup", func(c context.Context) { a.broadcast(c, msgOnline) })
	}

	a.started = true
	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) broadcast(ctx context.Context, text string) {
	ids, err := a.users.UserIDs(ctx)
	if err != nil {
		a.log.Warn("broadcast: list users failed", logx.Err(err))
		return
	}
	n, err := a.notif.Broadcast(ctx, ids, text)
	if err != nil {
		a.log.Warn("broadcast incomplete", logx.Int("queued", n), logx.Int("users", len(ids)), logx.Err(err))
		return
	}
	a.log.Info("broadcast queued", logx.Int("users", n))
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts to the newest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the live-reloadable settings to their components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	a.dispatcher.SetInterval(next.TaskCheckInterval())
	a.runner.Apply(mapRunnerConfig(next))
	a.monitor.SetThreshold(next.Credits.MinCreditsWarning)
	a.notif.Apply(mapNotifierConfig(next))
	a.cron.Apply(scheduler.CronConfig{Timezone: next.Credits.Timezone})
	if prev.CreditSchedule() != next.CreditSchedule() {
		if err := a.cron.Add(creditJob, next.CreditSchedule(), 10*time.Minute, a.monitor.Run); err != nil {
			a.log.Warn("credit schedule not applied", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if restart {
		a.log.Warn("some changes need a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
}

// status feeds the debug server.
func (a *App) status(context.Context) any {
	eng := a.engine.Snapshot()
	hist := a.notif.Snapshot()
	failedSends := 0
	for _, h := range hist {
		if h.Error != "" {
			failedSends++
		}
	}
	return map[string]any{
		"engine": map[string]any{
			"workers":  eng.Workers,
			"queued":   eng.Queued,
			"executed": eng.Executed,
			"failed":   eng.Failed,
			"panics":   eng.Panics,
		},
		"dispatcher": map[string]any{
			"interval": a.dispatcher.Interval().String(),
			"polls":    a.dispatcher.Polls(),
		},
		"notifier": map[string]any{
			"recent":        len(hist),
			"recent_failed": failedSends,
		},
		"jobs":       a.cron.Jobs(),
		"supervisor": a.sup.Counters(),
	}
}

// Stop shuts components down in dependency order. Each step is bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sdNotify(a.log, daemon.SdNotifyStopping)

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
			limit = time.Until(dl)
		}
		var cancel context.CancelFunc = func() {}
		if limit > 0 {
			sctx, cancel = context.WithTimeout(ctx, limit)
		}
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	if a.started && a.cfgm.Get().Broadcast.Shutdown {
		step("broadcast", 5*time.Second, func(c context.Context) error { a.broadcast(c, msgMaintenance); return nil })
	}

	// Stop intake first: commands, polling and config watching.
	a.sup.Cancel()
	step("cron", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	step("engine", 5*time.Second, a.engine.Stop)
	step("debug", time.Second, a.debug.Stop)
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.notifCancel()
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
