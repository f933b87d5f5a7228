package users

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"investi/pkg/logx"
)

// HasEnoughCredits reports whether the key has at least need credits left.
// A failed lookup counts as not enough.
func (s *Service) HasEnoughCredits(ctx context.Context, apiKey string, need float64) (bool, string) {
	remaining, err := s.credits.RemainingCredits(ctx, apiKey)
	if err != nil {
		s.log.Warn("credit lookup failed", logx.Err(err))
		return false, fmt.Sprintf("⚠️ **Insufficient Credits**\n\n"+
			"You need at least **$%.0f** to run.\n\n%s", need, topUpLink)
	}
	if remaining >= need {
		return true, "You have enough credits"
	}
	return false, fmt.Sprintf("⚠️ **Insufficient Credits**\n\n"+
		"You have **$%.2f** remaining.\n"+
		"You need at least **$%.0f** to run.\n\n%s", remaining, need, topUpLink)
}

type Notifier interface {
	Send(ctx context.Context, userID int64, text string) error
}

// CreditMonitor warns users whose credit balance fell below a threshold.
type CreditMonitor struct {
	store   Store
	credits CreditAPI
	notify  Notifier
	log     logx.Logger
	warnAt  atomic.Uint64
}

func NewCreditMonitor(warnBelow float64, st Store, cr CreditAPI, n Notifier, log logx.Logger) *CreditMonitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CreditMonitor{store: st, credits: cr, notify: n, log: log}
	m.SetThreshold(warnBelow)
	return m
}

func (m *CreditMonitor) SetThreshold(v float64) { m.warnAt.Store(math.Float64bits(v)) }

func (m *CreditMonitor) Threshold() float64 { return math.Float64frombits(m.warnAt.Load()) }

// Check looks up every user with a key and returns how many were warned.
// Lookup failures are logged and skipped.
func (m *CreditMonitor) Check(ctx context.Context) (int, error) {
	us, err := m.store.ListUsersWithOpenRouterKey(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	floor := m.Threshold()
	warned := 0
	for _, u := range us {
		if ctx.Err() != nil {
			return warned, ctx.Err()
		}
		remaining, err := m.credits.RemainingCredits(ctx, u.OpenRouterKey)
		if err != nil {
			m.log.Debug("credit lookup failed", logx.UserID(u.ID), logx.Err(err))
			continue
		}
		if remaining >= floor {
			continue
		}
		m.log.Warn("low credits detected", logx.UserID(u.ID), logx.Float64("remaining", remaining))
		msg := fmt.Sprintf("⚠️ **Low Credits**\n\nYou have **$%.2f** remaining.\n\n%s", remaining, topUpLink)
		if err := m.notify.Send(ctx, u.ID, msg); err != nil {
			m.log.Warn("low credit notice failed", logx.UserID(u.ID), logx.Err(err))
			continue
		}
		warned++
	}
	return warned, nil
}

// Run adapts Check to a scheduled job.
func (m *CreditMonitor) Run(ctx context.Context) error {
	n, err := m.Check(ctx)
	if n > 0 {
		m.log.Info("low credit warnings sent", logx.Int("count", n))
	}
	return err
}
