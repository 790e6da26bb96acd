package datasource

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

const stockTTL = 5 * time.Minute

// StockConfig configures the quote providers.
type StockConfig struct {
	AlphaVantageURL string // default https://www.alphavantage.co
	AlphaVantageKey string
	FinnhubURL      string // default https://finnhub.io
	FinnhubKey      string

	// JitterPct bounds synthetic price movement, default 2 (percent).
	JitterPct float64
}

// stockBasePrices seed synthetic quotes during provider outages.
var stockBasePrices = map[string]float64{
	"AAPL":  190,
	"MSFT":  420,
	"GOOGL": 170,
	"GOOG":  172,
	"AMZN":  185,
	"META":  500,
	"TSLA":  250,
	"NVDA":  120,
	"NFLX":  650,
	"AMD":   160,
	"INTC":  32,
	"IBM":   185,
	"ORCL":  140,
	"JPM":   200,
	"V":     280,
	"DIS":   100,
	"KO":    62,
	"BABA":  80,
}

const defaultStockBasePrice = 100

var tickerRe = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// Stock fetches equity quotes. It never returns a nil map for a valid
// ticker: when every provider fails it returns a jittered synthetic quote
// tagged source="mock".
type Stock struct {
	cfg       StockConfig
	opts      Options
	providers []provider

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewStock creates the stock adapter: Alpha Vantage first, Finnhub second.
func NewStock(cfg StockConfig, opts Options) *Stock {
	if cfg.AlphaVantageURL == "" {
		cfg.AlphaVantageURL = "https://www.alphavantage.co"
	}
	if cfg.FinnhubURL == "" {
		cfg.FinnhubURL = "https://finnhub.io"
	}
	if cfg.JitterPct <= 0 {
		cfg.JitterPct = 2
	}
	s := &Stock{
		cfg:  cfg,
		opts: opts.withDefaults(),
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.providers = instrument(opts,
		newProvider("alphavantage", opts.RatePerMinute, s.fetchAlphaVantage),
		newProvider("finnhub", opts.RatePerMinute, s.fetchFinnhub),
	)
	return s
}

func (s *Stock) Fetch(ctx context.Context, target string) (Data, error) {
	sym := strings.ToUpper(strings.TrimSpace(target))
	if !tickerRe.MatchString(sym) {
		return nil, fmt.Errorf("stock: invalid ticker %q", target)
	}
	key := "stock:" + sym
	if d, ok := cached(ctx, s.opts.Cache, key); ok {
		return d, nil
	}

	d, err := chain(ctx, s.opts, "stock", sym, s.providers)
	live := err == nil
	if err != nil {
		s.opts.Log.Warn("stock providers failed, using mock quote", "symbol", sym, "error", err)
		d = s.mock(sym)
	}
	d["symbol"] = sym
	d["timestamp"] = timestamp(s.opts.Now())
	if live {
		store(ctx, s.opts.Cache, key, d, stockTTL)
	}
	return d, nil
}

func (s *Stock) mock(sym string) Data {
	base, ok := stockBasePrices[sym]
	if !ok {
		base = defaultStockBasePrice
	}
	s.mu.Lock()
	movePct := (s.rnd.Float64()*2 - 1) * s.cfg.JitterPct
	spread := s.rnd.Float64() * s.cfg.JitterPct / 2
	volume := 100_000 + s.rnd.Intn(9_900_000)
	s.mu.Unlock()

	price := round2(base * (1 + movePct/100))
	return Data{
		"price":          price,
		"change":         round2(price - base),
		"change_percent": round2(movePct),
		"volume":         float64(volume),
		"open":           base,
		"high":           round2(math.Max(price, base) * (1 + spread/100)),
		"low":            round2(math.Min(price, base) * (1 - spread/100)),
		"previous_close": base,
		"source":         SourceMock,
	}
}

type alphaVantageResponse struct {
	Quote       map[string]string `json:"Global Quote"`
	Note        string            `json:"Note"`
	Information string            `json:"Information"`
}

func (s *Stock) fetchAlphaVantage(ctx context.Context, sym string) (Data, error) {
	if s.cfg.AlphaVantageKey == "" {
		return nil, ErrNotConfigured
	}
	u := fmt.Sprintf("%s/query?function=GLOBAL_QUOTE&symbol=%s&apikey=%s",
		s.cfg.AlphaVantageURL, url.QueryEscape(sym), url.QueryEscape(s.cfg.AlphaVantageKey))
	var r alphaVantageResponse
	if err := getJSON(ctx, s.opts.Client, u, nil, &r); err != nil {
		return nil, err
	}
	if r.Note != "" || r.Information != "" {
		return nil, fmt.Errorf("rate limited: %s%s", r.Note, r.Information)
	}
	// Unknown tickers come back as an empty quote object.
	if len(r.Quote) == 0 {
		return nil, ErrUnmapped
	}
	price := parseFloat(r.Quote["05. price"])
	if price <= 0 {
		return nil, ErrNoData
	}
	return Data{
		"price":          price,
		"change":         parseFloat(r.Quote["09. change"]),
		"change_percent": parseFloat(r.Quote["10. change percent"]),
		"volume":         parseFloat(r.Quote["06. volume"]),
		"open":           parseFloat(r.Quote["02. open"]),
		"high":           parseFloat(r.Quote["03. high"]),
		"low":            parseFloat(r.Quote["04. low"]),
		"previous_close": parseFloat(r.Quote["08. previous close"]),
		"source":         "alphavantage",
	}, nil
}

type finnhubQuote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PreviousClose float64 `json:"pc"`
}

func (s *Stock) fetchFinnhub(ctx context.Context, sym string) (Data, error) {
	if s.cfg.FinnhubKey == "" {
		return nil, ErrNotConfigured
	}
	u := fmt.Sprintf("%s/api/v1/quote?symbol=%s&token=%s",
		s.cfg.FinnhubURL, url.QueryEscape(sym), url.QueryEscape(s.cfg.FinnhubKey))
	var q finnhubQuote
	if err := getJSON(ctx, s.opts.Client, u, nil, &q); err != nil {
		return nil, err
	}
	if q.Current <= 0 {
		return nil, ErrUnmapped
	}
	return Data{
		"price":          q.Current,
		"change":         q.Change,
		"change_percent": q.ChangePercent,
		"open":           q.Open,
		"high":           q.High,
		"low":            q.Low,
		"previous_close": q.PreviousClose,
		"source":         "finnhub",
	}, nil
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
