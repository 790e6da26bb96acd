package monitor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"pulsewatch/internal/datasource"
	"pulsewatch/internal/model"
)

// Formatter renders a channel-agnostic message for a triggered alert.
// Bold uses **x**; channels convert it to their own syntax.
type Formatter func(a *model.PersonalAlert, data map[string]any, at time.Time) string

// Formatters holds the message format of every alert type.
var Formatters = map[model.AlertType]Formatter{
	model.AlertCrypto:   FormatCrypto,
	model.AlertCurrency: FormatCurrency,
	model.AlertStock:    FormatStock,
	model.AlertWeather:  FormatWeather,
	model.AlertWebsite:  FormatWebsite,
}

type message struct {
	b strings.Builder
}

func (m *message) line(format string, args ...any) {
	if m.b.Len() > 0 {
		m.b.WriteByte('\n')
	}
	fmt.Fprintf(&m.b, format, args...)
}

func (m *message) blank() { m.b.WriteByte('\n') }

func (m *message) header(emoji, title string, a *model.PersonalAlert) {
	m.line("%s **%s: %s**", emoji, title, a.Asset)
	if a.Name != "" {
		m.line("%s", a.Name)
	}
	m.blank()
	m.line("Condition: %s", a.Condition.String())
}

func (m *message) footer(data map[string]any, at time.Time) {
	m.blank()
	if src := cast.ToString(data["source"]); src != "" {
		if src == datasource.SourceMock {
			src += " (synthetic data)"
		}
		m.line("Source: %s", src)
	}
	m.line("Time: %s", at.UTC().Format("2006-01-02 15:04 UTC"))
}

func (m *message) String() string { return m.b.String() }

// FormatCrypto renders price and 24h statistics.
func FormatCrypto(a *model.PersonalAlert, data map[string]any, at time.Time) string {
	var m message
	m.header("🪙", "Crypto alert", a)
	m.line("Price: $%s", money(num(data, "price")))
	if v, ok := lookupNum(data, "change_24h"); ok {
		m.line("24h change: %s%%", signed(v, 2))
	}
	if hi, ok := lookupNum(data, "high_24h"); ok {
		m.line("24h high / low: $%s / $%s", money(hi), money(num(data, "low_24h")))
	}
	if v, ok := lookupNum(data, "volume"); ok {
		m.line("24h volume: %s", grouped(v, 0))
	}
	m.footer(data, at)
	return m.String()
}

// FormatCurrency renders the rate and its change against the previous rate.
func FormatCurrency(a *model.PersonalAlert, data map[string]any, at time.Time) string {
	var m message
	m.header("💱", "Currency alert", a)
	m.line("Rate: %s", strconv.FormatFloat(num(data, "rate"), 'f', 4, 64))
	if ch, ok := lookupNum(data, "change"); ok {
		m.line("Change: %s (%s%%)", signed(ch, 4), signed(num(data, "change_percent"), 2))
	}
	if prev, ok := lookupNum(data, "previous_rate"); ok {
		m.line("Previous rate: %s", strconv.FormatFloat(prev, 'f', 4, 64))
	}
	if d := cast.ToString(data["date"]); d != "" {
		m.line("Rate date: %s", d)
	}
	m.footer(data, at)
	return m.String()
}

// FormatStock renders the quote and day range.
func FormatStock(a *model.PersonalAlert, data map[string]any, at time.Time) string {
	var m message
	m.header("📈", "Stock alert", a)
	m.line("Price: $%s", money(num(data, "price")))
	if ch, ok := lookupNum(data, "change"); ok {
		m.line("Change: %s (%s%%)", signed(ch, 2), signed(num(data, "change_percent"), 2))
	}
	if hi, ok := lookupNum(data, "high"); ok {
		m.line("Day range: $%s - $%s", money(num(data, "low")), money(hi))
	}
	if v, ok := lookupNum(data, "previous_close"); ok {
		m.line("Previous close: $%s", money(v))
	}
	if v, ok := lookupNum(data, "volume"); ok {
		m.line("Volume: %s", grouped(v, 0))
	}
	m.footer(data, at)
	return m.String()
}

// FormatWeather renders current conditions.
func FormatWeather(a *model.PersonalAlert, data map[string]any, at time.Time) string {
	var m message
	m.header("🌦", "Weather alert", a)
	if loc := cast.ToString(data["location"]); loc != "" && !strings.EqualFold(loc, a.Asset) {
		m.line("Location: %s", loc)
	}
	m.line("Temperature: %.1f°C (feels like %.1f°C)", num(data, "temperature"), num(data, "feels_like"))
	if d := cast.ToString(data["description"]); d != "" {
		m.line("Conditions: %s", d)
	}
	m.line("Humidity: %.0f%%", num(data, "humidity"))
	m.line("Wind: %.1f m/s", num(data, "wind_speed"))
	m.line("Rain probability: %.0f%%", num(data, "rain_probability"))
	if r, ok := lookupNum(data, "rain"); ok && r > 0 {
		m.line("Rain (1h): %.1f mm", r)
	}
	m.footer(data, at)
	return m.String()
}

// FormatWebsite renders the probe result.
func FormatWebsite(a *model.PersonalAlert, data map[string]any, at time.Time) string {
	var m message
	online := cast.ToBool(data["is_online"])
	emoji, state := "🔴", "DOWN"
	if online {
		emoji, state = "🟢", "UP"
	}
	m.header(emoji, "Website alert", a)
	if code := cast.ToInt(data["status_code"]); code > 0 {
		m.line("Status: %s (HTTP %d)", state, code)
	} else {
		m.line("Status: %s", state)
	}
	m.line("Response time: %.0f ms", num(data, "response_time"))
	if n := cast.ToInt(data["redirect_count"]); n > 0 {
		m.line("Redirects: %d (final URL %s)", n, cast.ToString(data["final_url"]))
	}
	if e := cast.ToString(data["error"]); e != "" {
		m.line("Error: %s", e)
	}
	m.blank()
	m.line("Checked: %s", at.UTC().Format("2006-01-02 15:04:05 UTC"))
	return m.String()
}

func lookupNum(data map[string]any, key string) (float64, bool) {
	v, ok := data[key]
	if !ok || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func num(data map[string]any, key string) float64 {
	f, _ := lookupNum(data, key)
	return f
}

func signed(v float64, prec int) string {
	s := strconv.FormatFloat(v, 'f', prec, 64)
	if v > 0 {
		return "+" + s
	}
	return s
}

// money uses two decimals, or more for sub-dollar prices.
func money(v float64) string {
	prec := 2
	if a := math.Abs(v); a > 0 && a < 1 {
		prec = 6
	}
	return grouped(v, prec)
}

// grouped formats v with thousands separators.
func grouped(v float64, prec int) string {
	s := strconv.FormatFloat(math.Abs(v), 'f', prec, 64)
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteString(frac)
	return b.String()
}
