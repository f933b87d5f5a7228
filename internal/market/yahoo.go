// Package market is the market-data capability backed by Yahoo's chart API.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://query1.finance.yahoo.com"

var ErrNoData = errors.New("no market data")

// Quote is the latest bar for a symbol.
type Quote struct {
	Symbol   string
	Currency string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	At       time.Time
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec int
	Interval   string // bar interval, default 1m
}

type Client struct {
	baseURL  string
	interval string
	http     *http.Client
	limiter  *rate.Limiter
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		interval: cfg.Interval,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol              string  `json:"symbol"`
				Currency            string  `json:"currency"`
				RegularMarketPrice  float64 `json:"regularMarketPrice"`
				RegularMarketVolume float64 `json:"regularMarketVolume"`
				RegularMarketTime   int64   `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote returns the most recent complete bar of the current session, falling
// back to the regular-market summary when no bars are available.
func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return Quote{}, errors.New("symbol required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Quote{}, err
	}

	q := url.Values{"interval": {c.interval}, "range": {"1d"}}
	endpoint := c.baseURL + "/v8/finance/chart/" + url.PathEscape(symbol) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("market: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; investi)")

	resp, err := c.http.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("market: request %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Quote{}, fmt.Errorf("market: read response: %w", err)
	}
	var cr chartResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return Quote{}, fmt.Errorf("market: decode %s (status %d): %w", symbol, resp.StatusCode, err)
	}
	if cr.Chart.Error != nil {
		return Quote{}, fmt.Errorf("market: %s: %s", cr.Chart.Error.Code, cr.Chart.Error.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("market: status %d for %s", resp.StatusCode, symbol)
	}
	if len(cr.Chart.Result) == 0 {
		return Quote{}, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}

	r := cr.Chart.Result[0]
	out := Quote{Symbol: r.Meta.Symbol, Currency: r.Meta.Currency}
	if len(r.Indicators.Quote) > 0 {
		bars := r.Indicators.Quote[0]
		for i := len(bars.Close) - 1; i >= 0; i-- {
			if bars.Close[i] == nil {
				continue
			}
			out.Close = *bars.Close[i]
			out.Open = at(bars.Open, i)
			out.High = at(bars.High, i)
			out.Low = at(bars.Low, i)
			out.Volume = at(bars.Volume, i)
			if i < len(r.Timestamp) {
				out.At = time.Unix(r.Timestamp[i], 0).UTC()
			}
			return out, nil
		}
	}
	if r.Meta.RegularMarketTime == 0 {
		return Quote{}, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	out.Close = r.Meta.RegularMarketPrice
	out.Volume = r.Meta.RegularMarketVolume
	out.At = time.Unix(r.Meta.RegularMarketTime, 0).UTC()
	return out, nil
}

func at(vals []*float64, i int) float64 {
	if i < len(vals) && vals[i] != nil {
		return *vals[i]
	}
	return 0
}
