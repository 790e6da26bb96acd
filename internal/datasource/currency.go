package datasource

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	currencyTTL     = 30 * time.Minute
	currencyLastTTL = 72 * time.Hour
)

// CurrencyConfig configures the exchange-rate providers.
type CurrencyConfig struct {
	LocalCurrency  string // default AZN
	CentralBankURL string // default https://www.cbar.az
	RateAPIURL     string // default https://open.er-api.com
}

// mockRates are AZN per unit, used only when every provider fails.
var mockRates = map[string]float64{
	"AZN": 1,
	"USD": 1.70,
	"EUR": 1.85,
	"GBP": 2.17,
	"RUB": 0.021,
	"TRY": 0.049,
	"GEL": 0.63,
	"CHF": 1.93,
	"CNY": 0.24,
	"JPY": 0.0113,
	"KZT": 0.0034,
	"UAH": 0.041,
	"AED": 0.46,
}

// Pair is a parsed currency pair.
type Pair struct {
	Base, Quote string
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

var pairRe = regexp.MustCompile(`^([A-Z]{3})\s*[/\-_ ]?\s*([A-Z]{3})$`)

// ParsePair accepts "USD/AZN", "usd-azn" or "USDAZN".
func ParsePair(s string) (Pair, error) {
	m := pairRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return Pair{}, fmt.Errorf("currency: invalid pair %q", s)
	}
	return Pair{Base: m[1], Quote: m[2]}, nil
}

// Currency fetches exchange rates. It never returns a nil map for a valid
// pair: when every provider fails it returns a rate tagged source="mock".
type Currency struct {
	cfg     CurrencyConfig
	opts    Options
	cbar    provider
	generic provider
}

// NewCurrency creates the currency adapter.
func NewCurrency(cfg CurrencyConfig, opts Options) *Currency {
	if cfg.LocalCurrency == "" {
		cfg.LocalCurrency = "AZN"
	}
	cfg.LocalCurrency = strings.ToUpper(cfg.LocalCurrency)
	if cfg.CentralBankURL == "" {
		cfg.CentralBankURL = "https://www.cbar.az"
	}
	if cfg.RateAPIURL == "" {
		cfg.RateAPIURL = "https://open.er-api.com"
	}
	c := &Currency{cfg: cfg, opts: opts.withDefaults()}
	c.cbar = newProvider("cbar", opts.RatePerMinute, c.fetchCentralBank)
	c.generic = newProvider("exchangerate-api", opts.RatePerMinute, c.fetchGeneric)
	instrument(opts, c.cbar, c.generic)
	return c
}

func (c *Currency) Fetch(ctx context.Context, target string) (Data, error) {
	pair, err := ParsePair(target)
	if err != nil {
		return nil, err
	}
	key := "currency:" + pair.String()
	if d, ok := cached(ctx, c.opts.Cache, key); ok {
		return d, nil
	}

	// Local-currency pairs prefer the central bank; other pairs use it for cross-rates.
	providers := []provider{c.generic, c.cbar}
	if pair.Base == c.cfg.LocalCurrency || pair.Quote == c.cfg.LocalCurrency {
		providers = []provider{c.cbar, c.generic}
	}

	d, err := chain(ctx, c.opts, "currency", pair.String(), providers)
	live := err == nil
	if err != nil {
		c.opts.Log.Warn("currency providers failed, using mock rate", "pair", pair.String(), "error", err)
		d = c.mock(pair)
	}

	now := c.opts.Now()
	d["pair"] = pair.String()
	d["base"] = pair.Base
	d["quote"] = pair.Quote
	d["timestamp"] = timestamp(now)
	if _, ok := d["date"]; !ok {
		d["date"] = now.Format("2006-01-02")
	}
	if live {
		c.applyChange(ctx, pair, d)
		store(ctx, c.opts.Cache, key, d, currencyTTL)
	}
	return d, nil
}

// applyChange compares against the last distinct rate seen for the pair.
func (c *Currency) applyChange(ctx context.Context, pair Pair, d Data) {
	rate, _ := d["rate"].(float64)
	lastKey := "currency:last:" + pair.String()

	var previous float64
	if last, ok := cached(ctx, c.opts.Cache, lastKey); ok {
		lastRate, _ := toFloat(last["rate"])
		if lastRate != 0 && lastRate != rate {
			previous = lastRate
		} else if p, ok := toFloat(last["previous_rate"]); ok {
			previous = p
		}
	}
	store(ctx, c.opts.Cache, lastKey, Data{"rate": rate, "previous_rate": previous}, currencyLastTTL)
	if previous == 0 {
		return
	}
	cur := decimal.NewFromFloat(rate)
	prev := decimal.NewFromFloat(previous)
	change := cur.Sub(prev)
	d["previous_rate"] = previous
	d["change"] = change.Round(6).InexactFloat64()
	d["change_percent"] = change.Div(prev).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
}

func (c *Currency) mock(pair Pair) Data {
	rate := 1.0
	b, okB := mockRates[pair.Base]
	q, okQ := mockRates[pair.Quote]
	if okB && okQ && q != 0 {
		rate = decimal.NewFromFloat(b).Div(decimal.NewFromFloat(q)).Round(6).InexactFloat64()
	}
	return Data{"rate": rate, "source": SourceMock}
}

type cbarDocument struct {
	Date  string `xml:"Date,attr"`
	Types []struct {
		Type    string `xml:"Type,attr"`
		Valutes []struct {
			Code    string `xml:"Code,attr"`
			Nominal string `xml:"Nominal"`
			Value   string `xml:"Value"`
		} `xml:"Valute"`
	} `xml:"ValType"`
}

// fetchCentralBank reads the CBAR daily document; rates are AZN per unit.
func (c *Currency) fetchCentralBank(ctx context.Context, target string) (Data, error) {
	pair, err := ParsePair(target)
	if err != nil {
		return nil, err
	}
	day := c.opts.Now().In(bakuTZ)
	u := fmt.Sprintf("%s/currencies/%s.xml", c.cfg.CentralBankURL, day.Format("02.01.2006"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var doc cbarDocument
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 2<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	perUnit := map[string]decimal.Decimal{c.cfg.LocalCurrency: decimal.NewFromInt(1)}
	for _, t := range doc.Types {
		for _, v := range t.Valutes {
			value, err := decimal.NewFromString(strings.TrimSpace(v.Value))
			if err != nil {
				continue
			}
			nominal := decimal.NewFromInt(1)
			if n, err := decimal.NewFromString(strings.TrimSpace(v.Nominal)); err == nil && n.IsPositive() {
				nominal = n
			}
			perUnit[strings.ToUpper(v.Code)] = value.Div(nominal)
		}
	}

	base, okB := perUnit[pair.Base]
	quote, okQ := perUnit[pair.Quote]
	if !okB || !okQ {
		return nil, ErrUnmapped
	}
	if quote.IsZero() {
		return nil, errors.New("zero quote rate")
	}
	d := Data{
		"rate":   base.Div(quote).Round(6).InexactFloat64(),
		"source": "cbar",
	}
	if t, err := time.Parse("02.01.2006", doc.Date); err == nil {
		d["date"] = t.Format("2006-01-02")
	}
	return d, nil
}

type rateAPIResponse struct {
	Result string             `json:"result"`
	Base   string             `json:"base_code"`
	Rates  map[string]float64 `json:"rates"`
}

func (c *Currency) fetchGeneric(ctx context.Context, target string) (Data, error) {
	pair, err := ParsePair(target)
	if err != nil {
		return nil, err
	}
	var r rateAPIResponse
	if err := getJSON(ctx, c.opts.Client, fmt.Sprintf("%s/v6/latest/%s", c.cfg.RateAPIURL, pair.Base), nil, &r); err != nil {
		return nil, err
	}
	if r.Result != "" && r.Result != "success" {
		return nil, fmt.Errorf("result %q", r.Result)
	}
	rate, ok := r.Rates[pair.Quote]
	if !ok || rate <= 0 {
		return nil, ErrUnmapped
	}
	return Data{"rate": rate, "source": "exchangerate-api"}, nil
}

var bakuTZ = time.FixedZone("AZT", 4*3600)

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
