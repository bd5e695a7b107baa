package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/i474232898/weather-forecast/internal/observability"
	"github.com/i474232898/weather-forecast/internal/weather"
)

var (
	testStart = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	testCity  = weather.City{Name: "Greenwich", Latitude: 51.4769, Longitude: -0.0005, Timezone: "UTC"}
)

// hourlyBody renders an Open-Meteo style payload with one hour per temperature.
// Every other feature is temperature plus its column index; a nil temperature
// nulls every column of that row.
func hourlyBody(t *testing.T, start time.Time, temps []*float64) []byte {
	t.Helper()

	hourly := map[string]any{}
	times := make([]int64, len(temps))
	for i := range temps {
		times[i] = start.Add(time.Duration(i) * time.Hour).Unix()
	}
	hourly["time"] = times

	for f, name := range weather.Features {
		col := make([]*float64, len(temps))
		for i, v := range temps {
			if v == nil {
				continue
			}
			x := *v + float64(f)
			col[i] = &x
		}
		hourly[name] = col
	}

	b, err := json.Marshal(map[string]any{
		"latitude":  testCity.Latitude,
		"longitude": testCity.Longitude,
		"timezone":  "GMT",
		"hourly":    hourly,
	})
	require.NoError(t, err)
	return b
}

func temps(vals ...float64) []*float64 {
	out := make([]*float64, len(vals))
	for i := range vals {
		v := vals[i]
		out[i] = &v
	}
	return out
}

func testConfig(baseURL string) OpenMeteoConfig {
	return OpenMeteoConfig{
		BaseURL:      baseURL,
		PastDays:     2,
		ForecastDays: 1,
		Backoff: BackoffConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			Multiplier:      2,
			MaxInterval:     5 * time.Millisecond,
		},
		CacheTTL:  time.Hour,
		CacheSize: 16,
	}
}

func newTestProvider(t *testing.T, srv *httptest.Server, cfg OpenMeteoConfig, now time.Time) (*OpenMeteoProvider, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsForTesting()
	p := NewOpenMeteoProvider(
		&http.Client{Timeout: 2 * time.Second},
		cfg,
		clockwork.NewFakeClockAt(now),
		metrics,
		zap.NewNop(),
	)
	return p, metrics
}

func TestOpenMeteo_FetchHourly_Success(t *testing.T) {
	values := temps(10, 11, 12, 13, 14, 15, 16, 17, 18, 19)
	values[3] = nil

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, strings.Join(weather.Features, ","), q.Get("hourly"))
		assert.Equal(t, "UTC", q.Get("timezone"))
		assert.Equal(t, "unixtime", q.Get("timeformat"))
		assert.Equal(t, "2", q.Get("past_days"))
		assert.Equal(t, "51.4769", q.Get("latitude"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(hourlyBody(t, testStart, values))
	}))
	defer srv.Close()

	// Hours 8 and 9 are in the future relative to the clock.
	p, metrics := newTestProvider(t, srv, testConfig(srv.URL), testStart.Add(7*time.Hour+20*time.Minute))

	rows, err := p.FetchHourly(context.Background(), testCity)
	require.NoError(t, err)
	require.Len(t, rows, 7)

	assert.Equal(t, 10.0, rows[0].Temperature())
	assert.Equal(t, 14.0, rows[3].Temperature(), "null row dropped, index contiguous")
	assert.Equal(t, 17.0, rows[6].Temperature())
	assert.Equal(t, weather.FeatureVector{17, 18, 19, 20, 21, 22, 23}, rows[6].Values)
	assert.True(t, rows[6].Time.Equal(testStart.Add(7*time.Hour)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FeedRequests.WithLabelValues("success")))
}

func TestOpenMeteo_FetchHourly_UsesCityTimezone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(hourlyBody(t, testStart, temps(1, 2, 3)))
	}))
	defer srv.Close()

	tokyo := weather.MustDefaultCatalog()
	city, err := tokyo.Lookup("Tokyo")
	require.NoError(t, err)

	p, _ := newTestProvider(t, srv, testConfig(srv.URL), testStart.Add(24*time.Hour))
	rows, err := p.FetchHourly(context.Background(), city)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Asia/Tokyo", rows[0].Time.Location().String())
	assert.Equal(t, 9, rows[0].Time.Hour())
}

func TestOpenMeteo_FetchHourly_CachesResponses(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(hourlyBody(t, testStart, temps(1, 2, 3, 4, 5, 6)))
	}))
	defer srv.Close()

	p, metrics := newTestProvider(t, srv, testConfig(srv.URL), testStart.Add(6*time.Hour))

	for i := 0; i < 3; i++ {
		rows, err := p.FetchHourly(context.Background(), testCity)
		require.NoError(t, err)
		require.Len(t, rows, 6)
	}

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FeedCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FeedCache.WithLabelValues("miss")))
}

func TestOpenMeteo_FetchHourly_CacheKeyedByRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(hourlyBody(t, testStart, temps(1, 2, 3)))
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, srv, testConfig(srv.URL), testStart.Add(6*time.Hour))
	other := testCity
	other.Name = "Elsewhere"
	other.Latitude = 10

	_, err := p.FetchHourly(context.Background(), testCity)
	require.NoError(t, err)
	_, err = p.FetchHourly(context.Background(), other)
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
}

func TestOpenMeteo_FetchHourly_CacheExpires(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(hourlyBody(t, testStart, temps(1, 2, 3)))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.CacheTTL = 50 * time.Millisecond
	p, _ := newTestProvider(t, srv, cfg, testStart.Add(6*time.Hour))

	_, err := p.FetchHourly(context.Background(), testCity)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = p.FetchHourly(context.Background(), testCity)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestOpenMeteo_FetchHourly_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(hourlyBody(t, testStart, temps(1, 2, 3)))
	}))
	defer srv.Close()

	p, metrics := newTestProvider(t, srv, testConfig(srv.URL), testStart.Add(6*time.Hour))

	rows, err := p.FetchHourly(context.Background(), testCity)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FeedRetries))
}

func TestOpenMeteo_FetchHourly_PersistentFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, metrics := newTestProvider(t, srv, testConfig(srv.URL), testStart)

	_, err := p.FetchHourly(context.Background(), testCity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, weather.ErrUpstreamUnavailable))
	assert.Equal(t, int32(4), hits.Load(), "one attempt plus three retries")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FeedRequests.WithLabelValues("error")))
}

func TestOpenMeteo_FetchHourly_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":true,"reason":"Cannot initialize WeatherVariable"}`))
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, srv, testConfig(srv.URL), testStart)

	_, err := p.FetchHourly(context.Background(), testCity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, weather.ErrUpstreamUnavailable))
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), hits.Load())
}

func TestOpenMeteo_FetchHourly_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Backoff.MaxRetries = 1
	p := NewOpenMeteoProvider(
		&http.Client{Timeout: 50 * time.Millisecond},
		cfg,
		clockwork.NewFakeClockAt(testStart),
		observability.NewMetricsForTesting(),
		zap.NewNop(),
	)

	_, err := p.FetchHourly(context.Background(), testCity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, weather.ErrUpstreamUnavailable))
}

func TestOpenMeteo_FetchHourly_MalformedPayloadNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"hourly":{"time":[1,2],"temperature_2m":[1,2]}}`))
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, srv, testConfig(srv.URL), testStart)

	for i := 0; i < 2; i++ {
		_, err := p.FetchHourly(context.Background(), testCity)
		require.Error(t, err)
		assert.True(t, errors.Is(err, weather.ErrUpstreamUnavailable))
		assert.Contains(t, err.Error(), "missing hourly column")
	}
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 0, p.cache.Len())
}

func TestDefaultBackoff(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, 3, b.MaxRetries)
	assert.Equal(t, 300*time.Millisecond, b.delay(0))
	assert.Equal(t, 600*time.Millisecond, b.delay(1))
	assert.Equal(t, 5*time.Second, b.delay(10), "capped")
}

func TestBackoffDelay(t *testing.T) {
	b := BackoffConfig{InitialInterval: 300 * time.Millisecond, Multiplier: 2, MaxInterval: time.Second}

	assert.Equal(t, 300*time.Millisecond, b.delay(0))
	assert.Equal(t, 600*time.Millisecond, b.delay(1))
	assert.Equal(t, time.Second, b.delay(2))
}

func TestResponseCacheDisabled(t *testing.T) {
	c := NewResponseCache(10, 0)
	assert.Nil(t, c)

	c.Add("k", []byte("v"))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestOpenMeteo_FetchHourly_ConcurrentCacheAccess(t *testing.T) {
	const workers = 24

	var (
		mu   sync.Mutex
		hits = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.RawQuery]++
		mu.Unlock()

		lat, err := strconv.ParseFloat(r.URL.Query().Get("latitude"), 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write(hourlyBody(t, testStart, temps(lat, lat+1, lat+2)))
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, srv, testConfig(srv.URL), testStart.Add(6*time.Hour))

	cities := []weather.City{testCity, testCity, testCity}
	for i, lat := range []float64{10, 20} {
		c := testCity
		c.Name = "Elsewhere" + strconv.Itoa(i)
		c.Latitude = lat
		cities = append(cities, c)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		city := cities[i%len(cities)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := p.FetchHourly(context.Background(), city)
			if err != nil {
				errs <- err
				return
			}
			if len(rows) != 3 {
				errs <- errors.New(city.Name + ": wrong row count " + strconv.Itoa(len(rows)))
				return
			}
			for j, r := range rows {
				if r.Temperature() != city.Latitude+float64(j) {
					errs <- errors.New(city.Name + ": rows belong to another city")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	mu.Lock()
	assert.Len(t, hits, 3, "one upstream URL per distinct city")
	for u, n := range hits {
		assert.LessOrEqual(t, n, workers, u)
	}
	before := len(hits)
	total := 0
	for _, n := range hits {
		total += n
	}
	mu.Unlock()

	// Every URL is cached now.
	for _, city := range cities {
		_, err := p.FetchHourly(context.Background(), city)
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	after := 0
	for _, n := range hits {
		after += n
	}
	assert.Equal(t, before, len(hits))
	assert.Equal(t, total, after)
}
