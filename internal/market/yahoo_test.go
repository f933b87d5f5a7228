package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v8/finance/chart/BTC-USD" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("range") != "1d" {
			t.Errorf("missing range query")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, RatePerSec: 100})
}

func TestQuoteUsesLastCompleteBar(t *testing.T) {
	c := newTestClient(t, http.StatusOK, `{"chart":{"result":[{"meta":{"symbol":"BTC-USD","currency":"USD","regularMarketPrice":1,"regularMarketTime":1},
		"timestamp":[100,160,220],
		"indicators":{"quote":[{"open":[1,2,null],"high":[1,3,null],"low":[1,1,null],"close":[10.5,11.25,null],"volume":[5,7,null]}]}}],"error":null}}`)

	q, err := c.Quote(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}
	if q.Close != 11.25 || q.Volume != 7 || q.High != 3 || q.At.Unix() != 160 {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestQuoteFallsBackToMeta(t *testing.T) {
	c := newTestClient(t, http.StatusOK, `{"chart":{"result":[{"meta":{"symbol":"BTC-USD","regularMarketPrice":42,"regularMarketVolume":900,"regularMarketTime":1700000000},"indicators":{"quote":[{}]}}],"error":null}}`)
	q, err := c.Quote(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}
	if q.Close != 42 || q.Volume != 900 {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestQuoteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		noData bool
	}{
		{"api error", http.StatusNotFound, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`, false},
		{"empty result", http.StatusOK, `{"chart":{"result":[],"error":null}}`, true},
		{"not json", http.StatusBadGateway, `<html>`, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.status, tt.body)
			_, err := c.Quote(context.Background(), "BTC-USD")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.noData != errors.Is(err, ErrNoData) {
				t.Fatalf("errors.Is(ErrNoData) = %v for %v", !tt.noData, err)
			}
		})
	}
}
