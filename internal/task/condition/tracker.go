package condition

import (
	"sync"
	"time"

	"investi/internal/task"
	"investi/pkg/logx"
)

const DefaultWarnWindow = 10 * time.Minute

type failureKey struct {
	ticker string
	taskID string
	kind   task.Metric
}

// FailureTracker rate-limits the warning emitted while a market-data lookup
// keeps failing for the same task. State is process-local and advisory.
type FailureTracker struct {
	mu     sync.Mutex
	now    func() time.Time
	window time.Duration
	log    logx.Logger
	first  map[failureKey]time.Time
}

func NewFailureTracker(clock func() time.Time, window time.Duration, log logx.Logger) *FailureTracker {
	if clock == nil {
		clock = time.Now
	}
	if window <= 0 {
		window = DefaultWarnWindow
	}
	return &FailureTracker{
		now:    clock,
		window: window,
		log:    log,
		first:  map[failureKey]time.Time{},
	}
}

// Track records a failure. The first failure for a key only starts the clock;
// a later failure at least one window after the start logs a warning, restarts
// the clock and reports true.
func (t *FailureTracker) Track(ticker, taskID string, kind task.Metric) bool {
	k := failureKey{ticker: ticker, taskID: taskID, kind: kind}
	now := t.now()

	t.mu.Lock()
	start, seen := t.first[k]
	if !seen {
		t.first[k] = now
		t.mu.Unlock()
		return false
	}
	elapsed := now.Sub(start)
	if elapsed < t.window {
		t.mu.Unlock()
		return false
	}
	t.first[k] = now
	t.mu.Unlock()

	t.log.Warn("market data unavailable",
		logx.Ticker(ticker),
		logx.TaskID(taskID),
		logx.String("kind", string(kind)),
		logx.Duration("failing_for", elapsed),
	)
	return true
}

func (t *FailureTracker) Clear(ticker, taskID string, kind task.Metric) {
	t.mu.Lock()
	delete(t.first, failureKey{ticker: ticker, taskID: taskID, kind: kind})
	t.mu.Unlock()
}

// Retain drops the entries of tasks not in live, so deleted and completed
// tasks do not pin state forever.
func (t *FailureTracker) Retain(live map[string]struct{}) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.first {
		if _, ok := live[k.taskID]; !ok {
			delete(t.first, k)
			n++
		}
	}
	return n
}

func (t *FailureTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.first)
}
