package users

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"investi/internal/agent"
	"investi/internal/broker"
	"investi/internal/storage"
	"investi/internal/task"
	"investi/pkg/logx"
)

const maxSummaryDesc = 60

// Status summarizes the brokerage account, open positions and LLM usage.
// Remote failures leave their section out.
func (s *Service) Status(ctx context.Context, id int64) (string, error) {
	u, err := s.ready(ctx, id)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()

	pf := s.brokers.Portfolio(u.Credentials())
	var (
		wg        sync.WaitGroup
		acct      broker.Account
		positions []broker.Position
		usage     agent.Usage
		acctErr   error
		posErr    error
		usageErr  error
	)
	wg.Add(3)
	go func() { defer wg.Done(); acct, acctErr = pf.Account(ctx) }()
	go func() { defer wg.Done(); positions, posErr = pf.Positions(ctx) }()
	go func() { defer wg.Done(); usage, usageErr = s.credits.KeyUsage(ctx, u.OpenRouterKey) }()
	wg.Wait()
	if ctx.Err() != nil {
		return "_Request timed out. Please try again._", nil
	}
	log := s.log.With(logx.UserID(id))
	for _, e := range []error{acctErr, posErr, usageErr} {
		if e != nil {
			log.Warn("status call failed", logx.Err(e))
		}
	}

	p := message.NewPrinter(language.English)
	var lines []string
	if acctErr == nil {
		lines = append(lines,
			"**Account**",
			p.Sprintf("• Portfolio Value: `$%.2f`", acct.PortfolioValue),
			p.Sprintf("• Cash: `$%.2f`", acct.Cash),
		)
	}

	lines = append(lines, "\n**Positions**")
	if posErr == nil && len(positions) > 0 {
		var totalPL, totalCost float64
		for _, pos := range positions {
			totalPL += pos.UnrealizedPL
			totalCost += pos.CostBasis
			side := "Long"
			if pos.Side == "short" {
				side = "Short"
			}
			lines = append(lines, p.Sprintf("• %s _(%s)_\n  `%.2f` shares @ `$%.2f` → `$%.2f`\n  P/L: `%s` _(%s)_",
				pos.Symbol, side, pos.Qty, pos.AvgEntryPrice, pos.CurrentPrice,
				signedMoney(pos.UnrealizedPL), signedPct(pos.UnrealizedPLPct*100)))
		}
		pct := 0.0
		if totalCost > 0 {
			pct = totalPL / totalCost * 100
		}
		lines = append(lines, fmt.Sprintf("\n  **Total P/L**: `%s` _(%s)_", signedMoney(totalPL), signedPct(pct)))
	} else {
		lines = append(lines, "_No open positions_")
	}

	lines = append(lines, "\n**OpenRouter Usage**")
	if usageErr == nil {
		lines = append(lines, fmt.Sprintf("• Monthly: `$%.2f` (Total `$%.2f`)", usage.Monthly, usage.Total))
	}
	return strings.Join(lines, "\n"), nil
}

// TasksSummary lists the user's active tasks grouped by trigger type.
func (s *Service) TasksSummary(ctx context.Context, id int64) (string, error) {
	if _, err := s.ready(ctx, id); err != nil {
		return "", err
	}
	active := true
	tasks, err := s.store.ListTasks(ctx, id, storage.TaskFilter{Active: &active})
	if err != nil {
		return "", err
	}
	var once, rec, cond []task.Task
	for _, t := range tasks {
		switch t.Trigger.(type) {
		case task.OneTime:
			once = append(once, t)
		case task.Recurring:
			rec = append(rec, t)
		case task.Conditional:
			cond = append(cond, t)
		}
	}
	sortByDue(once)
	sortByDue(rec)

	var lines []string
	lines = append(lines, "**One Time Tasks**")
	for _, t := range once {
		at, _ := t.DueAt()
		lines = append(lines, fmt.Sprintf("• %s_%s_\n  `%s`", tickerPrefix(t), shorten(t.Description), task.FormatTimestamp(at)))
	}
	if len(once) == 0 {
		lines = append(lines, "_None_")
	}

	lines = append(lines, "\n**Recurring Tasks**")
	for _, t := range rec {
		r := t.Trigger.(task.Recurring)
		lines = append(lines, fmt.Sprintf("• %s_%s_\n  `Next: %s`\n  `%s`", tickerPrefix(t), shorten(t.Description), task.FormatTimestamp(r.Next), describeRule(r.Rule)))
	}
	if len(rec) == 0 {
		lines = append(lines, "_None_")
	}

	lines = append(lines, "\n**Alerts**")
	title := cases.Title(language.English)
	for _, t := range cond {
		c := t.Trigger.(task.Conditional).Condition
		lines = append(lines, fmt.Sprintf("• %s`%s %s %s`", tickerPrefix(t),
			title.String(strings.ReplaceAll(string(c.Metric), "_", " ")),
			title.String(string(c.Comparison)),
			thresholdString(c)))
	}
	if len(cond) == 0 {
		lines = append(lines, "_None_")
	}
	return strings.Join(lines, "\n"), nil
}

func describeRule(r task.Recurrence) string {
	out := "every " + string(r.Unit)
	if r.Count != 1 {
		out = fmt.Sprintf("every %d %ss", r.Count, r.Unit)
	}
	switch r.End.Kind {
	case task.EndOn:
		out += " until " + task.FormatTimestamp(r.End.On)
	case task.EndAfter:
		plural := "s"
		if r.End.Remaining == 1 {
			plural = ""
		}
		out += fmt.Sprintf(" (%d time%s remaining)", r.End.Remaining, plural)
	}
	return out
}

func thresholdString(c task.Condition) string {
	switch c.Metric {
	case task.MetricPositionAllocation, task.MetricPositionPnL:
		return fmt.Sprintf("%.1f%%", c.Threshold*100)
	case task.MetricVolume:
		return message.NewPrinter(language.English).Sprintf("%.0f", c.Threshold)
	}
	return message.NewPrinter(language.English).Sprintf("$%.2f", c.Threshold)
}

func tickerPrefix(t task.Task) string {
	if t.Ticker == "" {
		return ""
	}
	return t.Ticker + " "
}

func shorten(s string) string {
	r := []rune(s)
	if len(r) <= maxSummaryDesc {
		return s
	}
	return string(r[:maxSummaryDesc]) + "..."
}

func signedMoney(v float64) string {
	if v >= 0 {
		return fmt.Sprintf("+$%.2f", v)
	}
	return fmt.Sprintf("-$%.2f", -v)
}

func signedPct(v float64) string {
	if v >= 0 {
		return fmt.Sprintf("+%.2f%%", v)
	}
	return fmt.Sprintf("%.2f%%", v)
}

func sortByDue(ts []task.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, _ := ts[i].DueAt()
		b, _ := ts[j].DueAt()
		return a.Before(b)
	})
}
