package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"investi/internal/eventbus"
	rtsup "investi/internal/runtime/supervisor"
	kit "investi/internal/transport"
	logx "investi/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 300

type job struct {
	userID int64
	text   string
}

// Service implements an async notification pipeline:
// per-user routed queues + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queues   []chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply swaps rate and retry settings. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queues != nil {
		s.mu.Unlock()
		return
	}

	s.queues = make([]chan job, s.cfg.Workers)
	for i := range s.queues {
		s.queues[i] = make(chan job, s.cfg.QueueSize)
	}
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery failures must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup, queues := s.sup, s.queues
	s.mu.Unlock()

	for i, q := range queues {
		q := q
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, q)
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	s.log.Info("notifier started", logx.Int("workers", len(queues)))
}

// Stop stops intake and drains the queues best-effort until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	queues, sup := s.queues, s.sup
	if queues == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queues so workers drain.
		s.sendWG.Wait()
		for _, q := range queues {
			close(q)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queues = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop timed out; pending messages dropped")
	}
}

// Send queues text for userID without waiting for delivery.
func (s *Service) Send(ctx context.Context, userID int64, text string) error {
	return s.enqueue(ctx, job{userID: userID, text: text}, false)
}

// Broadcast queues text for every user, waiting for queue space instead of
// dropping. It returns how many messages were queued.
func (s *Service) Broadcast(ctx context.Context, userIDs []int64, text string) (int, error) {
	n := 0
	for _, id := range userIDs {
		if err := s.enqueue(ctx, job{userID: id, text: text}, true); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// SendAlert implements logx.AlertSender; operator chats are routed like users.
func (s *Service) SendAlert(ctx context.Context, chatID int64, text string) error {
	return s.enqueue(ctx, job{userID: chatID, text: text}, false)
}

func (s *Service) enqueue(ctx context.Context, j job, wait bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.accepting || s.queues == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queues[route(j.userID, len(s.queues))]
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if wait {
		select {
		case q <- j:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case q <- j:
		return nil
	default:
		eventbus.Emit(s.bus, "notify.dropped", NotificationEvent{UserID: j.userID, At: time.Now(), Error: ErrQueueFull.Error()})
		s.log.Warn("notification dropped", logx.UserID(j.userID), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// route pins a user to one worker so their messages stay ordered.
func route(userID int64, n int) int {
	u := uint64(userID)
	if userID < 0 {
		u = uint64(-userID)
	}
	return int(u % uint64(n))
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil {
		return
	}

	text := HTML(j.text)
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	log := s.log.With(logx.UserID(j.userID))
	maxAttempts := 1 + cfg.RetryMax

	var (
		lastErr  error
		attempts int
	)
	for attempts < maxAttempts {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := ad.SendText(callCtx, kit.ChatTarget{ChatID: j.userID}, text, opt)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: time.Now(), UserID: j.userID, Text: j.text})
			eventbus.Emit(s.bus, "notify.sent", NotificationEvent{UserID: j.userID, At: time.Now(), Attempt: attempts})
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempts), logx.Int("max", maxAttempts))
		if attempts >= maxAttempts || errors.Is(err, kit.ErrRecipientGone) {
			break
		}

		wait := retryDelay(cfg, attempts)
		var flood *kit.RetryAfterError
		if errors.As(err, &flood) && flood.After > wait {
			wait = flood.After
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	log.Warn("notification failed", logx.Err(lastErr), logx.Int("attempts", attempts))
	s.appendHistory(HistoryItem{At: time.Now(), UserID: j.userID, Text: j.text, Error: lastErr.Error()})
	eventbus.Emit(s.bus, "notify.failed", NotificationEvent{UserID: j.userID, At: time.Now(), Attempt: attempts, Error: lastErr.Error()})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
