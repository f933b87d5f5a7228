// Package condition decides whether a task is due, resolving live metrics for
// conditional triggers.
package condition

import (
	"context"
	"time"

	"investi/internal/broker"
	"investi/internal/market"
	"investi/internal/task"
	"investi/pkg/logx"
)

type MarketData interface {
	Quote(ctx context.Context, symbol string) (market.Quote, error)
}

type Brokerage interface {
	Account(ctx context.Context) (broker.Account, error)
	Position(ctx context.Context, symbol string) (broker.Position, error)
}

type BrokerageFactory interface {
	Brokerage(creds task.Credentials) Brokerage
}

// BrokerageFunc adapts a function to BrokerageFactory.
type BrokerageFunc func(creds task.Credentials) Brokerage

func (f BrokerageFunc) Brokerage(creds task.Credentials) Brokerage { return f(creds) }

type Evaluator struct {
	market   MarketData
	brokers  BrokerageFactory
	failures *FailureTracker
	log      logx.Logger
}

func NewEvaluator(md MarketData, brokers BrokerageFactory, failures *FailureTracker, log logx.Logger) *Evaluator {
	if failures == nil {
		failures = NewFailureTracker(nil, 0, log)
	}
	return &Evaluator{market: md, brokers: brokers, failures: failures, log: log}
}

// Retain forgets failure state for tasks outside live.
func (e *Evaluator) Retain(live map[string]struct{}) {
	if n := e.failures.Retain(live); n > 0 {
		e.log.Debug("failure state pruned", logx.Int("count", n))
	}
}

// IsDue never fails: a metric that cannot be resolved makes the task not due.
func (e *Evaluator) IsDue(ctx context.Context, d task.Due, now time.Time) bool {
	switch tr := d.Task.Trigger.(type) {
	case task.OneTime:
		return !now.Before(tr.At)
	case task.Recurring:
		return !now.Before(tr.Next)
	case task.Conditional:
		v, ok := e.Value(ctx, tr.Condition.Metric, d.Task.Ticker, d)
		if !ok {
			return false
		}
		met := tr.Condition.Met(v)
		e.log.Debug("condition evaluated",
			logx.TaskID(d.Task.ID),
			logx.String("metric", string(tr.Condition.Metric)),
			logx.Float64("value", v),
			logx.Float64("threshold", tr.Condition.Threshold),
			logx.Bool("met", met),
		)
		return met
	}
	return false
}

// Value resolves the live value of metric. ok is false when it is unavailable.
func (e *Evaluator) Value(ctx context.Context, metric task.Metric, ticker string, d task.Due) (float64, bool) {
	switch metric {
	case task.MetricPrice, task.MetricVolume:
		if e.market == nil {
			return 0, false
		}
		q, err := e.market.Quote(ctx, ticker)
		if err != nil {
			e.failures.Track(ticker, d.Task.ID, metric)
			return 0, false
		}
		e.failures.Clear(ticker, d.Task.ID, metric)
		if metric == task.MetricVolume {
			return q.Volume, true
		}
		return q.Close, true
	}

	if e.brokers == nil {
		return 0, false
	}
	b := e.brokers.Brokerage(d.Credentials)
	log := e.log.With(logx.TaskID(d.Task.ID), logx.UserID(d.Task.OwnerID))

	switch metric {
	case task.MetricCash, task.MetricPortfolioValue:
		acct, err := b.Account(ctx)
		if err != nil {
			log.Warn("account lookup failed", logx.String("metric", string(metric)), logx.Err(err))
			return 0, false
		}
		if metric == task.MetricCash {
			return acct.Cash, true
		}
		return acct.Equity, true

	case task.MetricPositionValue, task.MetricPositionPnL:
		pos, err := b.Position(ctx, ticker)
		if err != nil {
			log.Warn("position lookup failed", logx.Ticker(ticker), logx.String("metric", string(metric)), logx.Err(err))
			return 0, false
		}
		if metric == task.MetricPositionValue {
			return pos.MarketValue, true
		}
		return pos.UnrealizedPLPct, true

	case task.MetricPositionAllocation:
		pos, perr := b.Position(ctx, ticker)
		acct, aerr := b.Account(ctx)
		if perr != nil || aerr != nil {
			if perr != nil {
				log.Warn("position lookup failed", logx.Ticker(ticker), logx.Err(perr))
			}
			if aerr != nil {
				log.Warn("account lookup failed", logx.Err(aerr))
			}
			return 0, false
		}
		if acct.Equity <= 0 {
			return 0, true
		}
		return pos.MarketValue / acct.Equity, true
	}

	log.Warn("unknown metric", logx.String("metric", string(metric)))
	return 0, false
}
