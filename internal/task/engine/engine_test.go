package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"investi/internal/task"
	"investi/pkg/logx"
)

func due(owner int64, id string) task.Due {
	return task.Due{Task: task.Task{ID: id, OwnerID: owner, Active: true, Trigger: task.OneTime{At: time.Now()}}}
}

func startEngine(t *testing.T, cfg Config, exec Executor) *Engine {
	t.Helper()
	e := New(cfg, exec, logx.Nop(), nil)
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	e := New(Config{}, ExecutorFunc(func(context.Context, task.Due) error { return nil }), logx.Nop(), nil)
	if _, err := e.Submit(1, []task.Due{due(1, "a")}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Submit before Start = %v", err)
	}
}

func TestSubmitSkipsQueuedOrRunningID(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	e := startEngine(t, Config{}, ExecutorFunc(func(ctx context.Context, d task.Due) error {
		runs.Add(1)
		<-release
		return nil
	}))

	if n, _ := e.Submit(1, []task.Due{due(1, "a")}); n != 1 {
		t.Fatalf("first Submit accepted %d", n)
	}
	waitFor(t, "execution start", func() bool { return runs.Load() == 1 })

	// Running, then queued twice within one batch.
	if n, _ := e.Submit(1, []task.Due{due(1, "a")}); n != 0 {
		t.Fatalf("running id accepted again (%d)", n)
	}
	if n, _ := e.Submit(1, []task.Due{due(1, "b"), due(1, "b")}); n != 1 {
		t.Fatalf("duplicate in batch accepted %d, want 1", n)
	}
	if !e.Queued("a") || !e.Queued("b") {
		t.Fatal("ids should be tracked while queued or running")
	}

	close(release)
	waitFor(t, "release", func() bool { return !e.Queued("a") && !e.Queued("b") })
	if got := runs.Load(); got != 2 {
		t.Fatalf("executions = %d, want 2", got)
	}

	// Released ids may be queued again.
	if n, _ := e.Submit(1, []task.Due{due(1, "a")}); n != 1 {
		t.Fatalf("released id rejected")
	}
}

func TestPerUserOrderingAndCrossUserConcurrency(t *testing.T) {
	var (
		mu    sync.Mutex
		order = map[int64][]string{}
		live  atomic.Int32
		peak  atomic.Int32
	)
	e := startEngine(t, Config{}, ExecutorFunc(func(ctx context.Context, d task.Due) error {
		n := live.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		live.Add(-1)
		mu.Lock()
		order[d.Task.OwnerID] = append(order[d.Task.OwnerID], d.Task.ID)
		mu.Unlock()
		return nil
	}))

	for _, owner := range []int64{1, 2} {
		var batch []task.Due
		for i := 0; i < 3; i++ {
			batch = append(batch, due(owner, fmt.Sprintf("%d-%d", owner, i)))
		}
		if _, err := e.Submit(owner, batch); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Submit(1, []task.Due{due(1, "1-3")}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "all executions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order[1]) == 4 && len(order[2]) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for owner, want := range map[int64][]string{1: {"1-0", "1-1", "1-2", "1-3"}, 2: {"2-0", "2-1", "2-2"}} {
		for i := range want {
			if order[owner][i] != want[i] {
				t.Fatalf("owner %d order = %v, want %v", owner, order[owner], want)
			}
		}
	}
	if peak.Load() < 2 {
		t.Fatalf("owners never ran concurrently (peak=%d)", peak.Load())
	}
}

func TestIdleWorkerRetiresAndRespawns(t *testing.T) {
	var runs atomic.Int32
	e := startEngine(t, Config{IdleTimeout: 30 * time.Millisecond}, ExecutorFunc(func(context.Context, task.Due) error {
		runs.Add(1)
		return nil
	}))

	if _, err := e.Submit(7, []task.Due{due(7, "x")}); err != nil {
		t.Fatal(err)
	}
	if e.ActiveWorkers() != 1 {
		t.Fatalf("ActiveWorkers = %d, want 1", e.ActiveWorkers())
	}
	waitFor(t, "retirement", func() bool { return e.ActiveWorkers() == 0 })

	if _, err := e.Submit(7, []task.Due{due(7, "y")}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second run", func() bool { return runs.Load() == 2 })

	s := e.Snapshot()
	if s.Spawned != 2 || s.Retired < 1 {
		t.Fatalf("spawned=%d retired=%d, want 2 and >=1", s.Spawned, s.Retired)
	}
}

func TestFailuresAndPanicsStayInsideWorker(t *testing.T) {
	var ok atomic.Int32
	e := startEngine(t, Config{}, ExecutorFunc(func(ctx context.Context, d task.Due) error {
		switch d.Task.ID {
		case "boom":
			panic("kaboom")
		case "fail":
			return errors.New("agent down")
		}
		ok.Add(1)
		return nil
	}))

	if _, err := e.Submit(1, []task.Due{due(1, "boom"), due(1, "fail"), due(1, "fine")}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Submit(2, []task.Due{due(2, "other")}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "all executions", func() bool { return e.Snapshot().Executed == 4 })
	if ok.Load() != 2 || e.Queued("boom") || e.Queued("fail") {
		t.Fatalf("ok=%d, failed ids still queued", ok.Load())
	}

	s := e.Snapshot()
	if s.Panics != 1 || s.Failed != 2 {
		t.Fatalf("panics=%d failed=%d", s.Panics, s.Failed)
	}
	if len(s.History) != 4 {
		t.Fatalf("history len = %d", len(s.History))
	}
}

func TestStopRejectsSubmit(t *testing.T) {
	e := New(Config{}, ExecutorFunc(func(context.Context, task.Due) error { return nil }), logx.Nop(), nil)
	e.Start(context.Background())
	if err := e.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Submit(1, []task.Due{due(1, "a")}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v", err)
	}
}
