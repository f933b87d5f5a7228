package condition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"investi/internal/broker"
	"investi/internal/market"
	"investi/internal/task"
	"investi/pkg/logx"
)

type fakeMarket struct {
	q   market.Quote
	err error
}

func (f fakeMarket) Quote(context.Context, string) (market.Quote, error) { return f.q, f.err }

type fakeBroker struct {
	acct    broker.Account
	pos     broker.Position
	acctErr error
	posErr  error
}

func (f fakeBroker) Account(context.Context) (broker.Account, error) { return f.acct, f.acctErr }
func (f fakeBroker) Position(context.Context, string) (broker.Position, error) {
	return f.pos, f.posErr
}

func brokers(b fakeBroker) BrokerageFactory {
	return BrokerageFunc(func(task.Credentials) Brokerage { return b })
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func conditional(metric task.Metric, cmp task.Comparison, threshold float64, ticker string) task.Due {
	return task.Due{Task: task.Task{
		ID:      "t1",
		OwnerID: 1,
		Ticker:  ticker,
		Active:  true,
		Trigger: task.Conditional{Condition: task.Condition{Metric: metric, Comparison: cmp, Threshold: threshold}},
	}}
}

func TestIsDueTimeTriggers(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEvaluator(nil, nil, nil, logx.Nop())
	tests := []struct {
		name string
		tr   task.Trigger
		want bool
	}{
		{"one time reached", task.OneTime{At: now}, true},
		{"one time future", task.OneTime{At: now.Add(time.Second)}, false},
		{"recurring past", task.Recurring{Next: now.Add(-time.Minute)}, true},
		{"recurring future", task.Recurring{Next: now.Add(time.Minute)}, false},
	}
	for _, tt := range tests {
		got := e.IsDue(context.Background(), task.Due{Task: task.Task{ID: "x", Trigger: tt.tr}}, now)
		if got != tt.want {
			t.Fatalf("%s: IsDue = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsDueConditional(t *testing.T) {
	now := time.Now()
	b := fakeBroker{
		acct: broker.Account{Cash: 500, Equity: 2000},
		pos:  broker.Position{MarketValue: 500, UnrealizedPLPct: -0.12},
	}
	tests := []struct {
		name string
		md   fakeMarket
		b    fakeBroker
		due  task.Due
		want bool
	}{
		{"price above", fakeMarket{q: market.Quote{Close: 101}}, b, conditional(task.MetricPrice, task.Above, 100, "AAPL"), true},
		{"price equal is not above", fakeMarket{q: market.Quote{Close: 100}}, b, conditional(task.MetricPrice, task.Above, 100, "AAPL"), false},
		{"volume below", fakeMarket{q: market.Quote{Volume: 10}}, b, conditional(task.MetricVolume, task.Below, 11, "AAPL"), true},
		{"cash below", fakeMarket{}, b, conditional(task.MetricCash, task.Below, 600, ""), true},
		{"portfolio above", fakeMarket{}, b, conditional(task.MetricPortfolioValue, task.Above, 2500, ""), false},
		{"position value above", fakeMarket{}, b, conditional(task.MetricPositionValue, task.Above, 499, "AAPL"), true},
		{"pnl below", fakeMarket{}, b, conditional(task.MetricPositionPnL, task.Below, -0.1, "AAPL"), true},
		{"allocation above", fakeMarket{}, b, conditional(task.MetricPositionAllocation, task.Above, 0.2, "AAPL"), true},
		{"allocation zero equity", fakeMarket{}, fakeBroker{pos: broker.Position{MarketValue: 10}}, conditional(task.MetricPositionAllocation, task.Below, 0.01, "AAPL"), true},
		{"account failure", fakeMarket{}, fakeBroker{acctErr: errors.New("503")}, conditional(task.MetricCash, task.Below, 1e9, ""), false},
		{"position failure", fakeMarket{}, fakeBroker{posErr: broker.ErrNoPosition}, conditional(task.MetricPositionValue, task.Below, 1e9, "AAPL"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(tt.md, brokers(tt.b), nil, logx.Nop())
			if got := e.IsDue(context.Background(), tt.due, now); got != tt.want {
				t.Fatalf("IsDue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPriceFailureFailsClosed(t *testing.T) {
	c := &clock{t: time.Now()}
	tr := NewFailureTracker(c.Now, 0, logx.Nop())
	e := NewEvaluator(fakeMarket{err: errors.New("timeout")}, nil, tr, logx.Nop())

	d := conditional(task.MetricPrice, task.Below, 1e12, "AAPL")
	if e.IsDue(context.Background(), d, c.Now()) {
		t.Fatal("unavailable price must not be due")
	}
	if !d.Task.Active {
		t.Fatal("evaluation must not change the task")
	}
	if tr.Len() != 1 {
		t.Fatalf("tracker entries = %d, want 1", tr.Len())
	}

	// A successful quote clears the entry.
	ok := NewEvaluator(fakeMarket{q: market.Quote{Close: 5}}, nil, tr, logx.Nop())
	if !ok.IsDue(context.Background(), d, c.Now()) {
		t.Fatal("price below threshold should be due")
	}
	if tr.Len() != 0 {
		t.Fatalf("tracker entries = %d after success, want 0", tr.Len())
	}
}

func TestFailureTrackerWindow(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewFailureTracker(c.Now, 600*time.Second, logx.Nop())

	if tr.Track("AAPL", "t1", task.MetricPrice) {
		t.Fatal("first failure must only start the clock")
	}
	c.Advance(599 * time.Second)
	if tr.Track("AAPL", "t1", task.MetricPrice) {
		t.Fatal("warned before the window elapsed")
	}
	c.Advance(time.Second)
	if !tr.Track("AAPL", "t1", task.MetricPrice) {
		t.Fatal("expected a warning once the window elapsed")
	}
	// The clock restarted at the warning.
	c.Advance(300 * time.Second)
	if tr.Track("AAPL", "t1", task.MetricPrice) {
		t.Fatal("warned twice within one window")
	}
	c.Advance(300 * time.Second)
	if !tr.Track("AAPL", "t1", task.MetricPrice) {
		t.Fatal("expected the second warning")
	}

	// Keys are independent.
	if tr.Track("AAPL", "t1", task.MetricVolume) {
		t.Fatal("new kind must start its own clock")
	}
	if tr.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tr.Len())
	}
	tr.Clear("AAPL", "t1", task.MetricPrice)
	if tr.Len() != 1 {
		t.Fatalf("Len after Clear = %d, want 1", tr.Len())
	}
}

func TestRetainDropsGoneTasks(t *testing.T) {
	tr := NewFailureTracker(nil, 0, logx.Nop())
	tr.Track("AAPL", "t1", task.MetricPrice)
	tr.Track("AAPL", "t1", task.MetricVolume)
	tr.Track("MSFT", "t2", task.MetricPrice)

	e := NewEvaluator(nil, nil, tr, logx.Nop())
	e.Retain(map[string]struct{}{"t2": {}})
	if tr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tr.Len())
	}
	if n := tr.Retain(nil); n != 1 || tr.Len() != 0 {
		t.Fatalf("Retain(nil) dropped %d, left %d", n, tr.Len())
	}
}
