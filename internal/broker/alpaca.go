// Package broker is the brokerage capability backed by the Alpaca trading API.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"investi/internal/task"
)

const (
	DefaultPaperURL = "https://paper-api.alpaca.markets/v2"
	DefaultLiveURL  = "https://api.alpaca.markets/v2"
)

var (
	ErrInvalidCredentials = errors.New("alpaca credentials are not valid")
	ErrNoPosition         = errors.New("position not found")
)

type Account struct {
	Cash           float64
	Equity         float64
	BuyingPower    float64
	PortfolioValue float64
	Currency       string
	Status         string
}

type Position struct {
	Symbol          string
	Qty             float64
	MarketValue     float64
	UnrealizedPL    float64
	UnrealizedPLPct float64
	CurrentPrice    float64
	AvgEntryPrice   float64
	CostBasis       float64
	Side            string
}

type Config struct {
	PaperURL string
	LiveURL  string
	Timeout  time.Duration
}

// Factory builds per-user clients and remembers which environment (paper or
// live) each key pair authenticated against.
type Factory struct {
	paperURL string
	liveURL  string
	http     *http.Client

	mu   sync.Mutex
	base map[string]string // key id -> base url
}

func NewFactory(cfg Config) *Factory {
	if cfg.PaperURL == "" {
		cfg.PaperURL = DefaultPaperURL
	}
	if cfg.LiveURL == "" {
		cfg.LiveURL = DefaultLiveURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Factory{
		paperURL: strings.TrimRight(cfg.PaperURL, "/"),
		liveURL:  strings.TrimRight(cfg.LiveURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		base:     map[string]string{},
	}
}

// Client talks to one account.
type Client struct {
	f      *Factory
	key    string
	secret string
}

func (f *Factory) Client(creds task.Credentials) *Client {
	return &Client{f: f, key: creds.AlpacaKey, secret: creds.AlpacaSecret}
}

// Validate checks the key pair against paper first, then live, and returns
// the base URL that accepted it.
func (f *Factory) Validate(ctx context.Context, key, secret string) (string, error) {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(secret) == "" {
		return "", ErrInvalidCredentials
	}
	c := &Client{f: f, key: key, secret: secret}
	var lastErr error
	for _, base := range []string{f.paperURL, f.liveURL} {
		var raw accountJSON
		status, err := c.get(ctx, base, "/account", &raw)
		if err == nil {
			f.remember(key, base)
			return base, nil
		}
		if status == 0 {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", ErrInvalidCredentials
}

func (f *Factory) remember(key, base string) {
	f.mu.Lock()
	f.base[key] = base
	f.mu.Unlock()
}

func (c *Client) baseURL(ctx context.Context) (string, error) {
	c.f.mu.Lock()
	base, ok := c.f.base[c.key]
	c.f.mu.Unlock()
	if ok {
		return base, nil
	}
	return c.f.Validate(ctx, c.key, c.secret)
}

type accountJSON struct {
	Cash           string `json:"cash"`
	Equity         string `json:"equity"`
	BuyingPower    string `json:"buying_power"`
	PortfolioValue string `json:"portfolio_value"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
}

type positionJSON struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	MarketValue    string `json:"market_value"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
	CurrentPrice   string `json:"current_price"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	CostBasis      string `json:"cost_basis"`
	Side           string `json:"side"`
}

func (p positionJSON) position() Position {
	return Position{
		Symbol:          FromAlpaca(p.Symbol),
		Qty:             num(p.Qty),
		MarketValue:     num(p.MarketValue),
		UnrealizedPL:    num(p.UnrealizedPL),
		UnrealizedPLPct: num(p.UnrealizedPLPC),
		CurrentPrice:    num(p.CurrentPrice),
		AvgEntryPrice:   num(p.AvgEntryPrice),
		CostBasis:       num(p.CostBasis),
		Side:            p.Side,
	}
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	base, err := c.baseURL(ctx)
	if err != nil {
		return Account{}, err
	}
	var raw accountJSON
	if _, err := c.get(ctx, base, "/account", &raw); err != nil {
		return Account{}, err
	}
	return Account{
		Cash:           num(raw.Cash),
		Equity:         num(raw.Equity),
		BuyingPower:    num(raw.BuyingPower),
		PortfolioValue: num(raw.PortfolioValue),
		Currency:       raw.Currency,
		Status:         raw.Status,
	}, nil
}

// Position returns the open position for symbol. Internal symbols use a dash
// (BTC-USD); Alpaca expects a slash.
func (c *Client) Position(ctx context.Context, symbol string) (Position, error) {
	base, err := c.baseURL(ctx)
	if err != nil {
		return Position{}, err
	}
	var raw positionJSON
	status, err := c.get(ctx, base, "/positions/"+ToAlpaca(strings.TrimSpace(symbol)), &raw)
	if status == http.StatusNotFound {
		return Position{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if err != nil {
		return Position{}, err
	}
	return raw.position(), nil
}

// Positions lists every open position.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	base, err := c.baseURL(ctx)
	if err != nil {
		return nil, err
	}
	var raw []positionJSON
	if _, err := c.get(ctx, base, "/positions", &raw); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.position())
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, base, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return 0, fmt.Errorf("alpaca: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("APCA-API-KEY-ID", c.key)
	req.Header.Set("APCA-API-SECRET-KEY", c.secret)

	resp, err := c.f.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("alpaca: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("alpaca: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return resp.StatusCode, fmt.Errorf("alpaca: %s returned %d: %s", path, resp.StatusCode, apiErr.Message)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("alpaca: decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

func ToAlpaca(symbol string) string   { return strings.ReplaceAll(symbol, "-", "/") }
func FromAlpaca(symbol string) string { return strings.ReplaceAll(symbol, "/", "-") }

func num(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
