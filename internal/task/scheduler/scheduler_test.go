package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"investi/internal/task"
	"investi/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  SpecKind
		every time.Duration
	}{
		{name: "cron", raw: "0 */6 * * *", kind: SpecCron},
		{name: "descriptor", raw: "@every 6h", kind: SpecCron},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron},
		{name: "duration", raw: "6h", kind: SpecInterval, every: 6 * time.Hour},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, every: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, every: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "0s", "00:00", "1:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", raw)
		}
	}
}

func TestEveryHours(t *testing.T) {
	t.Parallel()
	if got := EveryHours(6); got != "@every 6h0m0s" {
		t.Fatalf("EveryHours(6) = %q", got)
	}
}

type fakeCandidates struct {
	items []task.Due
	err   error
	seen  time.Time
}

func (f *fakeCandidates) FetchDueCandidates(_ context.Context, now time.Time) ([]task.Due, error) {
	f.seen = now
	return f.items, f.err
}

type dueSet map[string]bool

func (s dueSet) IsDue(_ context.Context, d task.Due, _ time.Time) bool { return s[d.Task.ID] }

type recordingEngine struct {
	mu     sync.Mutex
	calls  []int64
	byUser map[int64][]string
	queued map[string]bool
}

func (r *recordingEngine) Submit(owner int64, items []task.Due) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, owner)
	for _, it := range items {
		r.byUser[owner] = append(r.byUser[owner], it.Task.ID)
	}
	return len(items), nil
}

func (r *recordingEngine) Queued(id string) bool { return r.queued[id] }

func cand(owner int64, id string) task.Due {
	return task.Due{Task: task.Task{ID: id, OwnerID: owner, Active: true, Trigger: task.Conditional{}}}
}

func TestPollGroupsByOwnerInCandidateOrder(t *testing.T) {
	st := &fakeCandidates{items: []task.Due{cand(2, "a"), cand(1, "b"), cand(2, "c"), cand(1, "d"), cand(3, "e"), cand(2, "f")}}
	eng := &recordingEngine{byUser: map[int64][]string{}, queued: map[string]bool{"f": true}}
	d := NewDispatcher(time.Minute, st, dueSet{"a": true, "b": true, "c": true, "d": true, "f": true}, eng, logx.Nop())

	n, err := d.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("queued = %d, want 4", n)
	}
	if len(eng.calls) != 2 || eng.calls[0] != 2 || eng.calls[1] != 1 {
		t.Fatalf("submit order = %v, want [2 1]", eng.calls)
	}
	if got := eng.byUser[2]; len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("owner 2 = %v", got)
	}
	if got := eng.byUser[1]; len(got) != 2 || got[0] != "b" || got[1] != "d" {
		t.Fatalf("owner 1 = %v", got)
	}
	if st.seen.Location() != time.UTC {
		t.Fatal("poll time should be UTC")
	}
}

type retainingEval struct {
	dueSet
	live map[string]struct{}
}

func (r *retainingEval) Retain(live map[string]struct{}) { r.live = live }

func TestPollPassesLiveIDsToRetainer(t *testing.T) {
	st := &fakeCandidates{items: []task.Due{cand(1, "a"), cand(2, "b")}}
	eng := &recordingEngine{byUser: map[int64][]string{}, queued: map[string]bool{"b": true}}
	ev := &retainingEval{dueSet: dueSet{}}
	d := NewDispatcher(time.Minute, st, ev, eng, logx.Nop())

	if _, err := d.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, hasA := ev.live["a"]
	_, hasB := ev.live["b"]
	if len(ev.live) != 2 || !hasA || !hasB {
		t.Fatalf("live = %v, want a and b", ev.live)
	}
}

func TestRunSurvivesStoreErrorsUntilCancelled(t *testing.T) {
	st := &fakeCandidates{err: errors.New("db down")}
	eng := &recordingEngine{byUser: map[int64][]string{}}
	d := NewDispatcher(5*time.Millisecond, st, dueSet{}, eng, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.Polls() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d polls", d.Polls())
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSetIntervalWakesSleepingLoop(t *testing.T) {
	st := &fakeCandidates{}
	d := NewDispatcher(time.Hour, st, dueSet{}, &recordingEngine{byUser: map[int64][]string{}}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.Polls() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first poll never happened")
		}
		time.Sleep(2 * time.Millisecond)
	}
	d.SetInterval(5 * time.Millisecond)
	for d.Polls() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("interval change not applied, polls=%d", d.Polls())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCronRunsIntervalJob(t *testing.T) {
	c := NewCron(CronConfig{}, logx.Nop())
	var runs atomic.Int32
	if err := c.Add("tick", "20ms", 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background())
	defer c.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d", runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	jobs := c.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "tick" || jobs[0].Next.IsZero() {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestCronAddRejectsBadInput(t *testing.T) {
	c := NewCron(CronConfig{}, logx.Nop())
	nop := func(context.Context) error { return nil }
	if err := c.Add("", "1h", 0, nop); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := c.Add("x", "61 * * * *", 0, nop); err == nil {
		t.Fatal("invalid cron accepted")
	}
	if err := c.Run(context.Background(), "missing"); err == nil {
		t.Fatal("Run of unknown job succeeded")
	}
	if err := c.Add("x", "@daily", 0, nop); err != nil {
		t.Fatal(err)
	}
	if !c.Remove("x") || c.Remove("x") {
		t.Fatal("Remove should succeed once")
	}
}
