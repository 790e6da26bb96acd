package datasource

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"pulsewatch/internal/breaker"
)

func TestStock_AlphaVantage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("function") != "GLOBAL_QUOTE" || q.Get("symbol") != "AAPL" || q.Get("apikey") != "av-key" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"Global Quote":{"01. symbol":"AAPL","02. open":"189.00","03. high":"192.50","04. low":"188.10","05. price":"191.25","06. volume":"51234567","08. previous close":"189.90","09. change":"1.35","10. change percent":"0.7109%"}}`))
	}))
	defer srv.Close()

	s := NewStock(StockConfig{AlphaVantageURL: srv.URL, AlphaVantageKey: "av-key"}, testOptions(nil))
	d, err := s.Fetch(context.Background(), "aapl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["price"] != 191.25 || d["source"] != "alphavantage" || d["symbol"] != "AAPL" {
		t.Errorf("unexpected data: %v", d)
	}
	if d["change_percent"] != 0.7109 {
		t.Errorf("expected change_percent 0.7109, got %v", d["change_percent"])
	}
	if d["previous_close"] != 189.90 {
		t.Errorf("expected previous_close 189.90, got %v", d["previous_close"])
	}
}

func TestStock_RateLimitedFallsBackToFinnhub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/query":
			w.Write([]byte(`{"Note":"Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute."}`))
		case "/api/v1/quote":
			if r.URL.Query().Get("token") != "fh-key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"c":420.5,"d":-2.1,"dp":-0.5,"h":425,"l":418,"o":422,"pc":422.6}`))
		}
	}))
	defer srv.Close()

	s := NewStock(StockConfig{
		AlphaVantageURL: srv.URL,
		AlphaVantageKey: "av-key",
		FinnhubURL:      srv.URL,
		FinnhubKey:      "fh-key",
	}, testOptions(nil))
	d, err := s.Fetch(context.Background(), "MSFT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["source"] != "finnhub" || d["price"] != 420.5 {
		t.Errorf("expected finnhub quote, got %v", d)
	}
}

func TestStock_UnknownTickerDoesNotOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "AAPL" {
			w.Write([]byte(`{"Global Quote":{}}`))
			return
		}
		w.Write([]byte(`{"Global Quote":{"05. price":"191.25"}}`))
	}))
	defer srv.Close()

	s := NewStock(StockConfig{AlphaVantageURL: srv.URL, AlphaVantageKey: "av-key"}, testOptions(nil))
	for i := 0; i < 8; i++ {
		if _, err := s.Fetch(context.Background(), "ZZZZ"); err != nil {
			t.Fatalf("fetch %d: unexpected error: %v", i, err)
		}
	}
	if st := s.providers[0].breaker.CurrentState(); st != breaker.StateClosed {
		t.Fatalf("expected alphavantage breaker closed, got %v", st)
	}

	d, err := s.Fetch(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["source"] != "alphavantage" || d["price"] != 191.25 {
		t.Errorf("expected live quote after unknown tickers, got %v", d)
	}
}

func TestStock_MockWithinJitter(t *testing.T) {
	store := newMapStore()
	s := NewStock(StockConfig{}, testOptions(store))
	s.rnd = rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		d, err := s.Fetch(context.Background(), "AAPL")
		if err != nil {
			t.Fatalf("mock fallback must not error: %v", err)
		}
		if d["source"] != SourceMock {
			t.Fatalf("expected mock source, got %v", d["source"])
		}
		price := d["price"].(float64)
		if price < 190*0.98-0.01 || price > 190*1.02+0.01 {
			t.Fatalf("price %v outside ±2%% of 190", price)
		}
		if d["high"].(float64) < price || d["low"].(float64) > price {
			t.Fatalf("expected low <= price <= high, got %v", d)
		}
	}
	if store.Has("stock:AAPL") {
		t.Error("mock quote must not be cached")
	}
}

func TestStock_UnknownTickerUsesDefaultBase(t *testing.T) {
	s := NewStock(StockConfig{JitterPct: 0.0001}, testOptions(nil))
	d, err := s.Fetch(context.Background(), "ZZZZ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["previous_close"] != float64(defaultStockBasePrice) {
		t.Errorf("expected default base price, got %v", d["previous_close"])
	}
	if d["price"] != 100.0 {
		t.Errorf("expected price ~100, got %v", d["price"])
	}
}

func TestStock_InvalidTicker(t *testing.T) {
	s := NewStock(StockConfig{}, testOptions(nil))
	for _, in := range []string{"", "not a ticker", "123"} {
		if _, err := s.Fetch(context.Background(), in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}
