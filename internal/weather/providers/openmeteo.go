package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/weather-forecast/internal/observability"
	"github.com/i474232898/weather-forecast/internal/weather"
)

const (
	defaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"
	maxResponseBytes    = 8 << 20
)

// OpenMeteoConfig configures the hourly Open-Meteo feed.
type OpenMeteoConfig struct {
	BaseURL      string
	PastDays     int
	ForecastDays int
	Backoff      BackoffConfig
	CacheTTL     time.Duration
	CacheSize    int
}

// OpenMeteoProvider implements weather.Feed against the Open-Meteo forecast API.
type OpenMeteoProvider struct {
	name         string
	baseURL      string
	pastDays     int
	forecastDays int
	httpCfg      HTTPClientConfig
	circuit      *gobreaker.CircuitBreaker
	cache        *ResponseCache
	clock        clockwork.Clock
	metrics      *observability.Metrics
	logger       *zap.Logger
}

func NewOpenMeteoProvider(
	client *http.Client,
	cfg OpenMeteoConfig,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *OpenMeteoProvider {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openmeteo",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenMeteoURL
	}

	p := &OpenMeteoProvider{
		name:         "openmeteo",
		baseURL:      baseURL,
		pastDays:     cfg.PastDays,
		forecastDays: cfg.ForecastDays,
		circuit:      cb,
		cache:        NewResponseCache(cfg.CacheSize, cfg.CacheTTL),
		clock:        clock,
		metrics:      metrics,
		logger:       logger,
	}
	p.httpCfg = HTTPClientConfig{
		Client:  client,
		Backoff: cfg.Backoff,
		OnRetry: func(attempt int, err error) {
			p.metrics.FeedRetries.Inc()
			p.logger.Debug("retrying openmeteo request", zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	return p
}

func (p *OpenMeteoProvider) Name() string {
	return p.name
}

// FetchHourly returns the complete hourly rows for city up to the current
// hour in the city's time zone.
func (p *OpenMeteoProvider) FetchHourly(ctx context.Context, city weather.City) ([]weather.Observation, error) {
	loc, err := city.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone for %s: %w", city.Name, err)
	}

	u := p.requestURL(city)

	body, cached, err := p.body(ctx, u)
	if err != nil {
		p.metrics.FeedRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: openmeteo %s: %v", weather.ErrUpstreamUnavailable, city.Name, err)
	}

	payload, err := decodeHourly(body)
	if err != nil {
		if cached {
			p.cache.Remove(u)
		}
		p.metrics.FeedRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: openmeteo %s: %v", weather.ErrUpstreamUnavailable, city.Name, err)
	}
	if !cached {
		p.cache.Add(u, body)
	}
	p.metrics.FeedRequests.WithLabelValues("success").Inc()

	times := make([]time.Time, len(payload.times))
	for i, ts := range payload.times {
		times[i] = time.Unix(ts, 0).In(loc)
	}

	rows, err := weather.AssembleObservations(times, payload.columns, p.clock.Now().In(loc))
	if err != nil {
		return nil, fmt.Errorf("%w: openmeteo %s: %v", weather.ErrUpstreamUnavailable, city.Name, err)
	}
	return rows, nil
}

func (p *OpenMeteoProvider) requestURL(city weather.City) string {
	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(city.Latitude, 'f', -1, 64))
	values.Set("longitude", strconv.FormatFloat(city.Longitude, 'f', -1, 64))
	values.Set("hourly", strings.Join(weather.Features, ","))
	values.Set("timezone", city.Timezone)
	values.Set("timeformat", "unixtime")
	if p.pastDays > 0 {
		values.Set("past_days", strconv.Itoa(p.pastDays))
	}
	if p.forecastDays > 0 {
		values.Set("forecast_days", strconv.Itoa(p.forecastDays))
	}
	return fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
}

// body returns the raw response for u, from cache when possible.
func (p *OpenMeteoProvider) body(ctx context.Context, u string) ([]byte, bool, error) {
	if b, ok := p.cache.Get(u); ok {
		p.metrics.FeedCache.WithLabelValues("hit").Inc()
		return b, true, nil
	}
	p.metrics.FeedCache.WithLabelValues("miss").Inc()

	start := p.clock.Now()
	defer func() { p.metrics.FeedDuration.Observe(p.clock.Since(start).Seconds()) }()

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, false, fmt.Errorf("read response: %w", err)
	}
	return b, false, nil
}

type hourlyPayload struct {
	times   []int64
	columns [][]*float64
}

var errMissingColumn = errors.New("missing hourly column")

func decodeHourly(body []byte) (*hourlyPayload, error) {
	var payload struct {
		Hourly map[string]json.RawMessage `json:"hourly"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	rawTimes, ok := payload.Hourly["time"]
	if !ok {
		return nil, fmt.Errorf("%w: time", errMissingColumn)
	}
	out := &hourlyPayload{columns: make([][]*float64, len(weather.Features))}
	if err := json.Unmarshal(rawTimes, &out.times); err != nil {
		return nil, fmt.Errorf("decode hourly time: %w", err)
	}

	for i, name := range weather.Features {
		raw, ok := payload.Hourly[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errMissingColumn, name)
		}
		if err := json.Unmarshal(raw, &out.columns[i]); err != nil {
			return nil, fmt.Errorf("decode hourly %s: %w", name, err)
		}
		if len(out.columns[i]) != len(out.times) {
			return nil, fmt.Errorf("hourly %s has %d values for %d timestamps", name, len(out.columns[i]), len(out.times))
		}
	}
	return out, nil
}
