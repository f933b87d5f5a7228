package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"investi/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

type CronConfig struct {
	Timezone string // IANA name; empty means UTC
}

type job struct {
	name     string
	schedule string
	parsed   ParsedSpec
	timeout  time.Duration
	run      func(ctx context.Context) error
	entry    cron.EntryID
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
}

// Cron runs housekeeping jobs (credit monitor and the like). A job that is
// still running when its next tick arrives is skipped for that tick.
type Cron struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    CronConfig
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCron(cfg CronConfig, log logx.Logger) *Cron {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cron{
		cfg: cfg,
		log: log,
		// Accepts 5 or 6 fields.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
	}
}

// Add registers or replaces the job called name.
func (s *Cron) Add(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if run == nil {
		return errors.New("job func required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	j := &job{name: name, schedule: schedule, parsed: ps, timeout: timeout, run: run}
	s.jobs[name] = j
	if s.c != nil {
		return s.registerLocked(j)
	}
	return nil
}

// Remove unregisters a job; false when unknown.
func (s *Cron) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Cron) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entry != 0 {
		s.c.Remove(j.entry)
	}
	delete(s.jobs, name)
	return true
}

func (s *Cron) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, j := range s.jobs {
		if err := s.registerLocked(j); err != nil {
			s.log.Error("job register failed", logx.String("name", j.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("cron started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Cron) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, j := range s.jobs {
		j.entry = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("cron stopped")
}

// Apply changes the timezone; running jobs are re-registered.
func (s *Cron) Apply(cfg CronConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	s.loc = loadLocation(cfg.Timezone, s.log)
	s.c.Stop()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, j := range s.jobs {
		_ = s.registerLocked(j)
	}
	s.c.Start()
	s.log.Info("cron timezone changed", logx.String("tz", s.loc.String()))
}

// Run executes the named job now, outside its schedule.
func (s *Cron) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	return j.run(ctx)
}

func (s *Cron) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Schedule: j.schedule}
		if s.c != nil && j.entry != 0 {
			e := s.c.Entry(j.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Cron) registerLocked(j *job) error {
	var sched cron.Schedule
	switch j.parsed.Kind {
	case SpecInterval:
		var spread time.Duration
		sched, spread = spreadInterval(j.parsed.Every, time.Now().In(s.loc), j.name)
		s.log.Debug("interval job", logx.String("name", j.name), logx.Duration("every", j.parsed.Every), logx.Duration("spread", spread))
	default:
		var err error
		if sched, err = s.parser.Parse(j.parsed.Cron); err != nil {
			return err
		}
	}
	ctx, log := s.ctx, s.log.With(logx.String("job", j.name))
	run, timeout := j.run, j.timeout
	j.entry = s.c.Schedule(sched, cron.FuncJob(func() {
		jctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			jctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", logx.Any("panic", r))
			}
		}()
		if err := run(jctx); err != nil {
			log.Warn("job failed", logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		log.Debug("job done", logx.Duration("took", time.Since(start)))
	}))
	return nil
}

func loadLocation(name string, log logx.Logger) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("invalid timezone, using UTC", logx.String("tz", name), logx.Err(err))
		return time.UTC
	}
	return loc
}

// spreadSchedule delays only the first run of an interval job so jobs of
// the same period registered together do not fire in lockstep.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func spreadInterval(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := every
	if limit > maxStartupSpread {
		limit = maxStartupSpread
	}
	if limit <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(limit)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	var out []logx.Field
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
