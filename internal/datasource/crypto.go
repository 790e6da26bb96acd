package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const cryptoTTL = 60 * time.Second

// CryptoConfig configures the crypto providers.
type CryptoConfig struct {
	BinanceURL      string // default https://api.binance.com
	CoinGeckoURL    string // default https://api.coingecko.com
	CoinGeckoAPIKey string // optional demo key
}

// coinGeckoIDs maps ticker symbols to CoinGecko coin ids.
var coinGeckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"BNB":   "binancecoin",
	"SOL":   "solana",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"DOT":   "polkadot",
	"MATIC": "matic-network",
	"LTC":   "litecoin",
	"TRX":   "tron",
	"AVAX":  "avalanche-2",
	"LINK":  "chainlink",
	"TON":   "the-open-network",
	"SHIB":  "shiba-inu",
	"ATOM":  "cosmos",
	"XLM":   "stellar",
	"USDT":  "tether",
	"USDC":  "usd-coin",
}

// Crypto fetches spot price and 24h statistics. Returns an error when every
// provider fails; there is no synthetic fallback.
type Crypto struct {
	cfg       CryptoConfig
	opts      Options
	providers []provider
}

// NewCrypto creates the crypto adapter: Binance first, CoinGecko second.
func NewCrypto(cfg CryptoConfig, opts Options) *Crypto {
	if cfg.BinanceURL == "" {
		cfg.BinanceURL = "https://api.binance.com"
	}
	if cfg.CoinGeckoURL == "" {
		cfg.CoinGeckoURL = "https://api.coingecko.com"
	}
	c := &Crypto{cfg: cfg, opts: opts.withDefaults()}
	c.providers = instrument(opts,
		newProvider("binance", opts.RatePerMinute, c.fetchBinance),
		newProvider("coingecko", opts.RatePerMinute, c.fetchCoinGecko),
	)
	return c
}

// CryptoSymbol normalizes "btc", "BTC/USDT", "BTC-USD" or "BTCUSDT" to "BTC".
func CryptoSymbol(target string) string {
	s := strings.ToUpper(strings.TrimSpace(target))
	s = strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
	for _, quote := range []string{"USDT", "USD"} {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return strings.TrimSuffix(s, quote)
		}
	}
	return s
}

func (c *Crypto) Fetch(ctx context.Context, target string) (Data, error) {
	sym := CryptoSymbol(target)
	if sym == "" {
		return nil, fmt.Errorf("crypto: empty symbol")
	}
	key := "crypto:" + sym
	if d, ok := cached(ctx, c.opts.Cache, key); ok {
		return d, nil
	}

	d, err := chain(ctx, c.opts, "crypto", sym, c.providers)
	if err != nil {
		return nil, fmt.Errorf("crypto %s: %w", sym, err)
	}
	d["symbol"] = sym
	d["timestamp"] = timestamp(c.opts.Now())
	store(ctx, c.opts.Cache, key, d, cryptoTTL)
	return d, nil
}

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
}

func (c *Crypto) fetchBinance(ctx context.Context, sym string) (Data, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", c.cfg.BinanceURL, url.QueryEscape(sym+"USDT"))
	var t binanceTicker
	if err := getJSON(ctx, c.opts.Client, u, nil, &t); err != nil {
		if binanceInvalidSymbol(err) {
			return nil, ErrUnmapped
		}
		return nil, err
	}
	price, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("binance: bad lastPrice %q", t.LastPrice)
	}
	return Data{
		"price":      price,
		"change_24h": parseFloat(t.PriceChangePercent),
		"volume":     parseFloat(t.Volume),
		"high_24h":   parseFloat(t.HighPrice),
		"low_24h":    parseFloat(t.LowPrice),
		"source":     "binance",
	}, nil
}

// binanceInvalidSymbolCode is returned with HTTP 400 for unknown pairs.
const binanceInvalidSymbolCode = -1121

func binanceInvalidSymbol(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		return false
	}
	var body struct {
		Code int `json:"code"`
	}
	return json.Unmarshal(se.Body, &body) == nil && body.Code == binanceInvalidSymbolCode
}

type coinGeckoMarket struct {
	CurrentPrice             float64 `json:"current_price"`
	PriceChangePercentage24h float64 `json:"price_change_percentage_24h"`
	TotalVolume              float64 `json:"total_volume"`
	High24h                  float64 `json:"high_24h"`
	Low24h                   float64 `json:"low_24h"`
}

func (c *Crypto) fetchCoinGecko(ctx context.Context, sym string) (Data, error) {
	id, ok := coinGeckoIDs[sym]
	if !ok {
		return nil, ErrUnmapped
	}
	u := fmt.Sprintf("%s/api/v3/coins/markets?vs_currency=usd&ids=%s", c.cfg.CoinGeckoURL, url.QueryEscape(id))
	var header http.Header
	if c.cfg.CoinGeckoAPIKey != "" {
		header = http.Header{"x-cg-demo-api-key": []string{c.cfg.CoinGeckoAPIKey}}
	}
	var markets []coinGeckoMarket
	if err := getJSON(ctx, c.opts.Client, u, header, &markets); err != nil {
		return nil, err
	}
	if len(markets) == 0 || markets[0].CurrentPrice <= 0 {
		return nil, ErrNoData
	}
	m := markets[0]
	return Data{
		"price":      m.CurrentPrice,
		"change_24h": m.PriceChangePercentage24h,
		"volume":     m.TotalVolume,
		"high_24h":   m.High24h,
		"low_24h":    m.Low24h,
		"source":     "coingecko",
	}, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
	return f
}
