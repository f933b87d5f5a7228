package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"investi/internal/task"
	"investi/pkg/logx"
)

const DefaultPollInterval = 60 * time.Second

type Candidates interface {
	FetchDueCandidates(ctx context.Context, now time.Time) ([]task.Due, error)
}

type Evaluator interface {
	IsDue(ctx context.Context, d task.Due, now time.Time) bool
}

// Retainer is implemented by evaluators that keep per-task state; each poll
// hands them the ids still active.
type Retainer interface {
	Retain(live map[string]struct{})
}

// Submitter is the per-user execution queue.
type Submitter interface {
	Submit(owner int64, items []task.Due) (int, error)
	Queued(id string) bool
}

// Dispatcher polls the store for due tasks and submits them grouped by owner.
type Dispatcher struct {
	store    Candidates
	eval     Evaluator
	engine   Submitter
	log      logx.Logger
	now      func() time.Time
	interval atomic.Int64
	kick     chan struct{}
	polls    atomic.Uint64
}

func NewDispatcher(interval time.Duration, st Candidates, ev Evaluator, eng Submitter, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{store: st, eval: ev, engine: eng, log: log, now: time.Now, kick: make(chan struct{}, 1)}
	d.SetInterval(interval)
	return d
}

// SetInterval changes the sleep between polls; it applies after the current
// sleep ends.
func (d *Dispatcher) SetInterval(v time.Duration) {
	if v <= 0 {
		v = DefaultPollInterval
	}
	if old := time.Duration(d.interval.Swap(int64(v))); old != 0 && old != v {
		d.log.Info("poll interval changed", logx.Duration("from", old), logx.Duration("to", v))
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) Interval() time.Duration { return time.Duration(d.interval.Load()) }

// Polls is the number of completed poll cycles.
func (d *Dispatcher) Polls() uint64 { return d.polls.Load() }

// Run polls until ctx is cancelled. Poll errors are logged and the loop
// carries on.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", logx.Duration("interval", d.Interval()))
	for {
		if n, err := d.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			d.log.Error("error checking tasks", logx.Err(err))
		} else if n > 0 {
			d.log.Debug("tasks queued", logx.Int("count", n))
		}

		t := time.NewTimer(d.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			d.log.Info("dispatcher stopped")
			return ctx.Err()
		case <-d.kick:
			t.Stop()
		case <-t.C:
		}
	}
	d.log.Info("dispatcher stopped")
	return ctx.Err()
}

// Poll runs one cycle and returns how many tasks were queued.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	defer d.polls.Add(1)

	now := d.now().UTC()
	cands, err := d.store.FetchDueCandidates(ctx, now)
	if err != nil {
		return 0, err
	}
	if r, ok := d.eval.(Retainer); ok {
		live := make(map[string]struct{}, len(cands))
		for _, c := range cands {
			live[c.Task.ID] = struct{}{}
		}
		r.Retain(live)
	}

	var (
		order []int64
		byOwn = map[int64][]task.Due{}
	)
	for _, c := range cands {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		// Already in flight; no need to hit market data again.
		if d.engine.Queued(c.Task.ID) {
			continue
		}
		if !d.eval.IsDue(ctx, c, now) {
			continue
		}
		owner := c.Task.OwnerID
		if _, ok := byOwn[owner]; !ok {
			order = append(order, owner)
		}
		byOwn[owner] = append(byOwn[owner], c)
	}

	queued := 0
	for _, owner := range order {
		n, err := d.engine.Submit(owner, byOwn[owner])
		if err != nil {
			return queued, err
		}
		queued += n
	}
	return queued, nil
}
