// Package engine executes due tasks: one FIFO queue and worker per owner,
// concurrent across owners, with a global set that keeps a task id from being
// queued twice while it is queued or running.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"investi/internal/eventbus"
	"investi/internal/runtime/supervisor"
	"investi/internal/task"
	"investi/pkg/logx"
)

const DefaultIdleTimeout = 5 * time.Second

type queued struct {
	due task.Due
	at  time.Time
}

// userQueue is handed to exactly one worker at spawn time. items is guarded
// by Engine.mu; wake has capacity 1.
type userQueue struct {
	owner int64
	items []queued
	wake  chan struct{}
}

type Engine struct {
	cfg  Config
	exec Executor
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	queues  map[int64]*userQueue
	ids     map[string]struct{}
	sup     *supervisor.Supervisor
	stopped bool

	spawned  atomic.Uint64
	retired  atomic.Uint64
	executed atomic.Uint64
	failed   atomic.Uint64
	panics   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Engine {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:    cfg,
		exec:   exec,
		log:    log,
		bus:    bus,
		queues: map[int64]*userQueue{},
		ids:    map[string]struct{}{},
	}
}

// Start binds workers to ctx. Start is idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil || e.stopped {
		return
	}
	e.sup = supervisor.New(ctx,
		supervisor.WithLogger(e.log),
		// A failing worker must not take the others down.
		supervisor.WithCancelOnError(false),
	)
	e.log.Info("task engine started", logx.Duration("idle_timeout", e.cfg.IdleTimeout))
}

// Stop cancels every worker and waits for in-flight executions until ctx is
// done. Queued work is dropped; it is picked up again after restart because
// its persisted state was never advanced.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	sup := e.sup
	e.stopped = true
	e.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if err != nil && ctx.Err() != nil {
		e.log.Warn("task engine stop timed out", logx.Err(err))
		return err
	}
	e.log.Info("task engine stopped", logx.Uint64("executed", e.executed.Load()), logx.Uint64("failed", e.failed.Load()))
	return nil
}

// Submit queues items for owner in order, skipping ids that are already
// queued or running, and spawns the owner's worker when none exists. It
// returns how many items were accepted.
func (e *Engine) Submit(owner int64, items []task.Due) (int, error) {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return 0, ErrStopped
	}
	if e.sup == nil {
		return 0, ErrNotStarted
	}

	var accepted []queued
	for _, d := range items {
		id := d.Task.ID
		if _, dup := e.ids[id]; dup {
			continue
		}
		e.ids[id] = struct{}{}
		accepted = append(accepted, queued{due: d, at: now})
	}
	if len(accepted) == 0 {
		return 0, nil
	}

	q := e.queues[owner]
	if q == nil {
		q = &userQueue{owner: owner, wake: make(chan struct{}, 1)}
		e.queues[owner] = q
		e.spawned.Add(1)
		e.sup.Go(fmt.Sprintf("user.%d", owner), func(ctx context.Context) error {
			e.worker(ctx, q)
			return nil
		})
	}
	q.items = append(q.items, accepted...)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return len(accepted), nil
}

// Release removes id from the de-duplication set.
func (e *Engine) Release(id string) {
	e.mu.Lock()
	delete(e.ids, id)
	e.mu.Unlock()
}

// Queued reports whether id is queued or running.
func (e *Engine) Queued(id string) bool {
	e.mu.Lock()
	_, ok := e.ids[id]
	e.mu.Unlock()
	return ok
}

// ActiveWorkers is the number of owners with a live queue.
func (e *Engine) ActiveWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues)
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	s := Snapshot{Workers: len(e.queues), Queued: len(e.ids)}
	e.mu.Unlock()
	s.Spawned = e.spawned.Load()
	s.Retired = e.retired.Load()
	s.Executed = e.executed.Load()
	s.Failed = e.failed.Load()
	s.Panics = e.panics.Load()

	e.hmu.Lock()
	s.History = append([]HistoryItem(nil), e.history...)
	e.hmu.Unlock()
	return s
}

func (e *Engine) worker(ctx context.Context, q *userQueue) {
	log := e.log.With(logx.UserID(q.owner))
	log.Debug("worker started")

	idle := time.NewTimer(e.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			e.drop(q)
			return
		}
		if it, ok := e.pop(q); ok {
			e.run(ctx, log, it)
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(e.cfg.IdleTimeout)

		select {
		case <-ctx.Done():
			e.drop(q)
			return
		case <-q.wake:
		case <-idle.C:
			if e.retire(q) {
				log.Debug("worker retired")
				return
			}
		}
	}
}

func (e *Engine) pop(q *userQueue) (queued, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(q.items) == 0 {
		return queued{}, false
	}
	it := q.items[0]
	q.items[0] = queued{}
	q.items = q.items[1:]
	return it, true
}

// retire removes q from the map only if it is still empty and still the
// registered queue for its owner.
func (e *Engine) retire(q *userQueue) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(q.items) > 0 {
		return false
	}
	if e.queues[q.owner] == q {
		delete(e.queues, q.owner)
	}
	e.retired.Add(1)
	return true
}

// drop discards pending items on shutdown.
func (e *Engine) drop(q *userQueue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, it := range q.items {
		delete(e.ids, it.due.Task.ID)
	}
	q.items = nil
	if e.queues[q.owner] == q {
		delete(e.queues, q.owner)
	}
}

func (e *Engine) run(ctx context.Context, log logx.Logger, it queued) {
	id := it.due.Task.ID
	start := time.Now()
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.panics.Add(1)
				err = fmt.Errorf("panic: %v", r)
				log.Error("task execution panicked", logx.TaskID(id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				eventbus.Emit(e.bus, "task.panicked", TaskEvent{ID: id, OwnerID: it.due.Task.OwnerID, Type: it.due.Task.Type(), Error: err.Error()})
			}
		}()
		err = e.exec.Execute(ctx, it.due)
	}()
	e.Release(id)

	took := time.Since(start)
	item := HistoryItem{TaskID: id, OwnerID: it.due.Task.OwnerID, Started: start, Waited: start.Sub(it.at), Duration: took}
	if err != nil {
		item.Error = err.Error()
		log.Error("task failed", logx.TaskID(id), logx.Duration("took", took), logx.Err(err))
	} else {
		log.Debug("task done", logx.TaskID(id), logx.Duration("took", took))
	}

	e.hmu.Lock()
	e.history = append(e.history, item)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[len(e.history)-e.cfg.HistorySize:]
	}
	e.hmu.Unlock()

	if err != nil {
		e.failed.Add(1)
	}
	e.executed.Add(1)
}
