package datasource

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"
)

const weatherTTL = 10 * time.Minute

// WeatherConfig configures the OpenWeatherMap provider.
type WeatherConfig struct {
	BaseURL string // default https://api.openweathermap.org
	APIKey  string
}

// Weather fetches current conditions for a location name. Provider failure
// yields bounded synthetic values tagged source="mock".
type Weather struct {
	cfg      WeatherConfig
	opts     Options
	provider provider

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewWeather creates the weather adapter.
func NewWeather(cfg WeatherConfig, opts Options) *Weather {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openweathermap.org"
	}
	w := &Weather{cfg: cfg, opts: opts.withDefaults(), rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
	w.provider = instrument(opts, newProvider("openweathermap", opts.RatePerMinute, w.fetchOpenWeather))[0]
	return w
}

func (w *Weather) Fetch(ctx context.Context, target string) (Data, error) {
	loc := strings.TrimSpace(target)
	if loc == "" {
		return nil, fmt.Errorf("weather: empty location")
	}
	key := "weather:" + strings.ToLower(loc)
	if d, ok := cached(ctx, w.opts.Cache, key); ok {
		return d, nil
	}

	d, err := chain(ctx, w.opts, "weather", loc, []provider{w.provider})
	live := err == nil
	if err != nil {
		w.opts.Log.Warn("weather provider failed, using synthetic data", "location", loc, "error", err)
		d = w.mock()
	}
	if _, ok := d["location"]; !ok {
		d["location"] = loc
	}
	d["timestamp"] = timestamp(w.opts.Now())
	if live {
		store(ctx, w.opts.Cache, key, d, weatherTTL)
	}
	return d, nil
}

type openWeatherResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  float64 `json:"humidity"`
		Pressure  float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Rain map[string]float64 `json:"rain"`
}

func (w *Weather) fetchOpenWeather(ctx context.Context, loc string) (Data, error) {
	if w.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	u := fmt.Sprintf("%s/data/2.5/weather?q=%s&appid=%s&units=metric",
		w.cfg.BaseURL, url.QueryEscape(loc), url.QueryEscape(w.cfg.APIKey))
	var r openWeatherResponse
	if err := getJSON(ctx, w.opts.Client, u, nil, &r); err != nil {
		return nil, err
	}
	desc := ""
	if len(r.Weather) > 0 {
		desc = r.Weather[0].Description
	}
	rain := r.Rain["1h"]
	d := Data{
		"temperature":      r.Main.Temp,
		"feels_like":       r.Main.FeelsLike,
		"humidity":         r.Main.Humidity,
		"pressure":         r.Main.Pressure,
		"wind_speed":       r.Wind.Speed,
		"clouds":           r.Clouds.All,
		"rain":             rain,
		"rain_probability": rainProbability(rain, r.Clouds.All),
		"description":      desc,
		"source":           "openweathermap",
	}
	if r.Name != "" {
		d["location"] = r.Name
	}
	return d, nil
}

// rainProbability is 100 while it rains, otherwise scaled from cloud cover.
func rainProbability(rain, clouds float64) float64 {
	if rain > 0 {
		return 100
	}
	return math.Round(math.Min(clouds, 100) * 0.7)
}

func (w *Weather) mock() Data {
	w.mu.Lock()
	defer w.mu.Unlock()
	clouds := math.Round(w.rnd.Float64() * 100)
	rain := 0.0
	if clouds > 80 {
		rain = round2(w.rnd.Float64() * 5)
	}
	temp := round2(5 + w.rnd.Float64()*25)
	desc := "clear sky"
	switch {
	case rain > 0:
		desc = "light rain"
	case clouds > 50:
		desc = "broken clouds"
	case clouds > 20:
		desc = "few clouds"
	}
	return Data{
		"temperature":      temp,
		"feels_like":       round2(temp - w.rnd.Float64()*3),
		"humidity":         math.Round(30 + w.rnd.Float64()*60),
		"pressure":         math.Round(1000 + w.rnd.Float64()*30),
		"wind_speed":       round2(w.rnd.Float64() * 15),
		"clouds":           clouds,
		"rain":             rain,
		"rain_probability": rainProbability(rain, clouds),
		"description":      desc,
		"source":           SourceMock,
	}
}
