package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"investi/internal/agent"
	"investi/internal/eventbus"
	"investi/internal/storage"
	"investi/internal/task"
	"investi/pkg/logx"
)

const rollbackTimeout = 30 * time.Second

type Store interface {
	// MarkCompleted returns the stored row as it was before completion.
	MarkCompleted(ctx context.Context, t task.Task) (task.Task, error)
	Rollback(ctx context.Context, id string, snap task.Snapshot) error
}

type Notifier interface {
	Send(ctx context.Context, userID int64, text string) error
}

// Credits answers whether a key has at least need credits; msg explains a
// shortfall.
type Credits interface {
	HasEnoughCredits(ctx context.Context, apiKey string, need float64) (ok bool, msg string)
}

type Agent interface {
	Run(ctx context.Context, req agent.Request) (string, error)
}

// ToolProvider hands the agent the task tools bound to one owner.
type ToolProvider interface {
	TaskTools(owner int64) []agent.Tool
}

type RunnerConfig struct {
	MinCredits float64
	// ExecutionTimeout bounds the agent call when > 0.
	ExecutionTimeout time.Duration
}

// Runner executes one due task: persist completion first, notify, check
// credits, run the agent and deliver its result. Failures after the
// completion was persisted restore the snapshot taken before it.
type Runner struct {
	store    Store
	notify   Notifier
	credits  Credits
	agent    Agent
	bus      eventbus.Bus
	log      logx.Logger
	tools    atomic.Pointer[ToolProvider]
	minCred  atomic.Uint64
	execTout atomic.Int64
}

func NewRunner(cfg RunnerConfig, st Store, n Notifier, cr Credits, ag Agent, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{store: st, notify: n, credits: cr, agent: ag, bus: bus, log: log}
	r.Apply(cfg)
	return r
}

// Apply swaps thresholds at runtime.
func (r *Runner) Apply(cfg RunnerConfig) {
	r.minCred.Store(math.Float64bits(cfg.MinCredits))
	r.execTout.Store(int64(cfg.ExecutionTimeout))
}

// SetTools makes p's tools available to every subsequent run.
func (r *Runner) SetTools(p ToolProvider) {
	if p == nil {
		r.tools.Store(nil)
		return
	}
	r.tools.Store(&p)
}

func (r *Runner) taskTools(owner int64) []agent.Tool {
	if p := r.tools.Load(); p != nil {
		return (*p).TaskTools(owner)
	}
	return nil
}

func (r *Runner) minCredits() float64 { return math.Float64frombits(r.minCred.Load()) }

func (r *Runner) Execute(ctx context.Context, d task.Due) error {
	tk := d.Task
	log := r.log.With(logx.TaskID(tk.ID), logx.UserID(tk.OwnerID), logx.String("type", string(tk.Type())))
	ev := TaskEvent{ID: tk.ID, OwnerID: tk.OwnerID, Type: tk.Type()}

	prev, err := r.store.MarkCompleted(ctx, tk)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInactive), errors.Is(err, storage.ErrNotDue):
		log.Debug("task no longer runnable, skipping", logx.Err(err))
		return nil
	case err != nil:
		return fmt.Errorf("mark completed %s: %w", tk.ID, err)
	}
	// From here on work with the row that was actually replaced: the
	// candidate may be older than the locked read.
	tk = prev
	snap := tk.Snapshot()
	eventbus.Emit(r.bus, "task.triggered", ev)

	msg := TriggerMessage(tk)
	if ok, why := r.credits.HasEnoughCredits(ctx, d.Credentials.OpenRouterKey, r.minCredits()); !ok {
		r.rollback(ctx, log, ev, snap)
		r.send(ctx, log, tk.OwnerID, msg+"\n\n**Couldn't run:**\n"+why)
		log.Info("task skipped, insufficient credits")
		eventbus.Emit(r.bus, "task.skipped_credits", ev)
		return nil
	}
	r.send(ctx, log, tk.OwnerID, msg)

	payload, err := task.NewPayload(tk).Message()
	if err != nil {
		r.rollback(ctx, log, ev, snap)
		return err
	}

	start := time.Now()
	actx := ctx
	if tout := time.Duration(r.execTout.Load()); tout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, tout)
		defer cancel()
	}
	out, err := r.agent.Run(actx, agent.Request{
		UserID:             tk.OwnerID,
		Role:               tk.Role,
		OperatingFramework: d.OperatingFramework,
		Payload:            payload,
		Credentials:        d.Credentials,
		Tools:              r.taskTools(tk.OwnerID),
	})
	ev.Duration = time.Since(start)
	if err != nil {
		ev.Error = err.Error()
		eventbus.Emit(r.bus, "task.failed", ev)
		r.rollback(ctx, log, ev, snap)
		return fmt.Errorf("run task %s: %w", tk.ID, err)
	}

	r.send(ctx, log, tk.OwnerID, out)
	eventbus.Emit(r.bus, "task.completed", ev)
	log.Info("task executed", logx.Duration("took", ev.Duration))
	return nil
}

// rollback restores snap even when ctx is already cancelled.
func (r *Runner) rollback(ctx context.Context, log logx.Logger, ev TaskEvent, snap task.Snapshot) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := r.store.Rollback(rctx, ev.ID, snap); err != nil {
		log.Error("rollback failed", logx.Err(err))
		return
	}
	log.Info("task rolled back", logx.Bool("active", snap.Active))
	eventbus.Emit(r.bus, "task.rolled_back", ev)
}

func (r *Runner) send(ctx context.Context, log logx.Logger, userID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := r.notify.Send(ctx, userID, text); err != nil {
		log.Warn("notify failed", logx.Err(err))
	}
}

// TriggerMessage is the notice sent to the owner when a task fires.
func TriggerMessage(t task.Task) string {
	kind := cases.Title(language.English).String(strings.ReplaceAll(string(t.Type()), "_", " "))
	var b strings.Builder
	b.WriteString("🔔 **")
	b.WriteString(kind)
	b.WriteString(" Task**")
	if t.Ticker != "" {
		b.WriteString(" (")
		b.WriteString(t.Ticker)
		b.WriteString(")")
	}
	b.WriteString("\n\n**Description:**\n")
	b.WriteString(t.Description)
	return b.String()
}
