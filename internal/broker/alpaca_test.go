package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"investi/internal/task"
)

func alpacaServer(t *testing.T, validKey string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		if r.Header.Get("APCA-API-KEY-ID") != validKey || r.Header.Get("APCA-API-SECRET-KEY") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"forbidden"}`))
			return
		}
		switch r.URL.Path {
		case "/v2/account":
			_, _ = w.Write([]byte(`{"cash":"1500.25","equity":"10000","buying_power":"3000","currency":"USD","status":"ACTIVE"}`))
		case "/v2/positions":
			_, _ = w.Write([]byte(`[{"symbol":"AAPL","qty":"3","side":"long","cost_basis":"450","unrealized_pl":"30"},{"symbol":"BTC/USD","qty":"0.5","side":"long"}]`))
		case "/v2/positions/BTC/USD":
			_, _ = w.Write([]byte(`{"symbol":"BTC/USD","qty":"0.5","market_value":"2500","unrealized_pl":"100","unrealized_plpc":"0.0417"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"position does not exist"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidatePrefersPaper(t *testing.T) {
	paper := alpacaServer(t, "paper-key", nil)
	live := alpacaServer(t, "live-key", nil)
	f := NewFactory(Config{PaperURL: paper.URL + "/v2", LiveURL: live.URL + "/v2"})

	base, err := f.Validate(context.Background(), "paper-key", "secret")
	if err != nil || base != paper.URL+"/v2" {
		t.Fatalf("Validate paper = %q, %v", base, err)
	}
	base, err = f.Validate(context.Background(), "live-key", "secret")
	if err != nil || base != live.URL+"/v2" {
		t.Fatalf("Validate live = %q, %v", base, err)
	}
	if _, err := f.Validate(context.Background(), "nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Validate invalid = %v, want ErrInvalidCredentials", err)
	}
}

func TestAccountAndPosition(t *testing.T) {
	var hits int32
	srv := alpacaServer(t, "k", &hits)
	f := NewFactory(Config{PaperURL: srv.URL + "/v2", LiveURL: srv.URL + "/v2"})
	c := f.Client(task.Credentials{AlpacaKey: "k", AlpacaSecret: "secret"})

	acct, err := c.Account(context.Background())
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if acct.Cash != 1500.25 || acct.Equity != 10000 {
		t.Fatalf("unexpected account: %+v", acct)
	}
	pos, err := c.Position(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Position error: %v", err)
	}
	if pos.Symbol != "BTC-USD" || pos.MarketValue != 2500 || pos.UnrealizedPLPct != 0.0417 {
		t.Fatalf("unexpected position: %+v", pos)
	}
	// One discovery request, then one per call.
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}

	if _, err := c.Position(context.Background(), "ETH-USD"); !errors.Is(err, ErrNoPosition) {
		t.Fatalf("missing position err = %v", err)
	}
}

func TestSymbolConversion(t *testing.T) {
	if ToAlpaca("BTC-USD") != "BTC/USD" || FromAlpaca("BTC/USD") != "BTC-USD" || ToAlpaca("AAPL") != "AAPL" {
		t.Fatal("symbol conversion mismatch")
	}
}

func TestPositions(t *testing.T) {
	srv := alpacaServer(t, "k", nil)
	f := NewFactory(Config{PaperURL: srv.URL + "/v2", LiveURL: srv.URL + "/v2"})
	ps, err := f.Client(task.Credentials{AlpacaKey: "k", AlpacaSecret: "secret"}).Positions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 || ps[0].CostBasis != 450 || ps[0].Side != "long" || ps[1].Symbol != "BTC-USD" {
		t.Fatalf("positions = %+v", ps)
	}
}
