package datasource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type rateServer struct {
	mu       sync.Mutex
	cbarUp   bool
	apiUp    bool
	usd      string
	requests []string
}

func (s *rateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r.URL.Path)
	switch {
	case strings.HasPrefix(r.URL.Path, "/currencies/"):
		if !s.cbarUp {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<ValCurs Date="19.10.2026" Name="AZN">
  <ValType Type="Bank metallari">
    <Valute Code="XAU"><Nominal>1 t.u.</Nominal><Name>Gold</Name><Value>4500.1</Value></Valute>
  </ValType>
  <ValType Type="Xarici valyutalar">
    <Valute Code="USD"><Nominal>1</Nominal><Name>1 ABS dollari</Name><Value>%s</Value></Valute>
    <Valute Code="EUR"><Nominal>1</Nominal><Name>1 Avro</Name><Value>1.87</Value></Valute>
    <Valute Code="RUB"><Nominal>100</Nominal><Name>100 Rusiya rublu</Name><Value>2.1</Value></Valute>
  </ValType>
</ValCurs>`, s.usd)
	case strings.HasPrefix(r.URL.Path, "/v6/latest/"):
		if !s.apiUp {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"result":"success","base_code":"EUR","rates":{"USD":1.09,"AZN":1.86}}`))
	default:
		http.NotFound(w, r)
	}
}

func (s *rateServer) setUSD(v string) {
	s.mu.Lock()
	s.usd = v
	s.mu.Unlock()
}

func (s *rateServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func newCurrencyFixture(t *testing.T, cbarUp, apiUp bool, store *mapStore) (*Currency, *rateServer) {
	t.Helper()
	rs := &rateServer{cbarUp: cbarUp, apiUp: apiUp, usd: "1.7"}
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	return NewCurrency(CurrencyConfig{CentralBankURL: srv.URL, RateAPIURL: srv.URL}, testOptions(store)), rs
}

func TestCurrency_LocalPairUsesCentralBank(t *testing.T) {
	c, rs := newCurrencyFixture(t, true, true, nil)

	d, err := c.Fetch(context.Background(), "usd/azn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["rate"] != 1.7 || d["source"] != "cbar" {
		t.Errorf("expected cbar rate 1.7, got %v", d)
	}
	if d["pair"] != "USD/AZN" || d["base"] != "USD" || d["quote"] != "AZN" {
		t.Errorf("unexpected pair fields: %v", d)
	}
	if d["date"] != "2026-10-19" {
		t.Errorf("expected document date, got %v", d["date"])
	}
	// 09:00 UTC is 13:00 in Baku, same day.
	if p := rs.paths(); len(p) != 1 || p[0] != "/currencies/19.10.2026.xml" {
		t.Errorf("expected single central bank request, got %v", p)
	}
}

func TestCurrency_NominalIsApplied(t *testing.T) {
	c, _ := newCurrencyFixture(t, true, true, nil)

	d, err := c.Fetch(context.Background(), "RUBAZN")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["rate"] != 0.021 {
		t.Errorf("expected 2.1/100 = 0.021, got %v", d["rate"])
	}
}

func TestCurrency_ForeignPairPrefersGeneric(t *testing.T) {
	c, rs := newCurrencyFixture(t, true, true, nil)

	d, err := c.Fetch(context.Background(), "EUR/USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["source"] != "exchangerate-api" || d["rate"] != 1.09 {
		t.Errorf("expected generic rate, got %v", d)
	}
	if p := rs.paths(); len(p) != 1 || p[0] != "/v6/latest/EUR" {
		t.Errorf("expected only generic request, got %v", p)
	}
}

func TestCurrency_CrossRateFallback(t *testing.T) {
	c, _ := newCurrencyFixture(t, true, false, nil)

	d, err := c.Fetch(context.Background(), "EUR/USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["source"] != "cbar" {
		t.Fatalf("expected cbar cross-rate, got %v", d)
	}
	// 1.87 / 1.7
	if d["rate"] != 1.1 {
		t.Errorf("expected cross-rate 1.1, got %v", d["rate"])
	}
}

func TestCurrency_MockWhenAllFail(t *testing.T) {
	store := newMapStore()
	c, _ := newCurrencyFixture(t, false, false, store)

	d, err := c.Fetch(context.Background(), "USD/AZN")
	if err != nil {
		t.Fatalf("mock fallback must not error: %v", err)
	}
	if d["source"] != SourceMock || d["rate"] != 1.7 {
		t.Errorf("expected mock rate 1.7, got %v", d)
	}
	if store.Has("currency:USD/AZN") {
		t.Error("mock data must not be cached")
	}
}

func TestCurrency_ChangeAgainstPreviousRate(t *testing.T) {
	store := newMapStore()
	c, rs := newCurrencyFixture(t, true, true, store)
	ctx := context.Background()

	d, err := c.Fetch(ctx, "USD/AZN")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, ok := d["change"]; ok {
		t.Errorf("expected no change on first observation, got %v", d)
	}

	rs.setUSD("1.8")
	store.Delete("currency:USD/AZN")
	d, err = c.Fetch(ctx, "USD/AZN")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if d["previous_rate"] != 1.7 {
		t.Errorf("expected previous_rate 1.7, got %v", d["previous_rate"])
	}
	if d["change"] != 0.1 {
		t.Errorf("expected change 0.1, got %v", d["change"])
	}
	if d["change_percent"] != 5.8824 {
		t.Errorf("expected change_percent 5.8824, got %v", d["change_percent"])
	}

	// Same rate again keeps the previous distinct rate.
	store.Delete("currency:USD/AZN")
	d, _ = c.Fetch(ctx, "USD/AZN")
	if d["previous_rate"] != 1.7 {
		t.Errorf("expected previous_rate to stay 1.7, got %v", d["previous_rate"])
	}
}

func TestParsePair(t *testing.T) {
	tests := []struct {
		in      string
		want    Pair
		wantErr bool
	}{
		{"USD/AZN", Pair{"USD", "AZN"}, false},
		{"eur-usd", Pair{"EUR", "USD"}, false},
		{"GBPAZN", Pair{"GBP", "AZN"}, false},
		{" try azn ", Pair{"TRY", "AZN"}, false},
		{"USD", Pair{}, true},
		{"US/AZN", Pair{}, true},
	}
	for _, tt := range tests {
		got, err := ParsePair(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePair(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePair(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
