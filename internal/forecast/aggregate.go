package forecast

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/i474232898/weather-forecast/internal/weather"
)

// CityResult is one city's entry in a batch. Exactly one of Prediction and
// Error is set.
type CityResult struct {
	City       string      `json:"city"`
	Prediction *Prediction `json:"prediction,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Summary aggregates the successful predictions of a batch.
type Summary struct {
	Count   int     `json:"count"`
	Failed  int     `json:"failed"`
	Min     float64 `json:"min_temperature"`
	Max     float64 `json:"max_temperature"`
	Mean    float64 `json:"mean_temperature"`
	Warmest string  `json:"warmest_city,omitempty"`
	Coldest string  `json:"coldest_city,omitempty"`
	Unit    string  `json:"unit"`
}

// Batch is the result of predicting every catalog city.
type Batch struct {
	Results      []CityResult `json:"results"`
	Summary      Summary      `json:"summary"`
	ModelVersion string       `json:"model_version"`
	Timestamp    time.Time    `json:"timestamp"`
}

const defaultWorkers = 4

// PredictAll predicts every catalog city with at most workers concurrent
// predictions. A failing city is recorded in its result and does not abort
// the batch. Results keep catalog order.
func (s *Service) PredictAll(ctx context.Context, workers int) (Batch, error) {
	if !s.Ready() {
		return Batch{}, ErrModelNotLoaded
	}
	if workers <= 0 {
		workers = defaultWorkers
	}

	names := s.catalog.Names()
	results := make([]CityResult, len(names))
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = CityResult{City: name, Error: PublicMessage(classify(ErrUpstreamUnavailable, ctx.Err()))}
				return
			}

			p, err := s.Predict(ctx, name)
			if err != nil {
				results[i] = CityResult{City: name, Error: PublicMessage(err)}
				return
			}
			results[i] = CityResult{City: name, Prediction: &p}
		}()
	}
	wg.Wait()

	summary := Summarize(results)
	s.logger.Info("batch prediction complete",
		zap.Int("cities", len(results)),
		zap.Int("failed", summary.Failed))

	return Batch{
		Results:      results,
		Summary:      summary,
		ModelVersion: s.artifacts.Version,
		Timestamp:    s.clock.Now().UTC(),
	}, nil
}

// Summarize computes min, max and mean temperature over the successful
// results. Ties keep the earliest city.
func Summarize(results []CityResult) Summary {
	sum := Summary{Unit: weather.TemperatureUnit}
	total := decimal.Zero
	for _, r := range results {
		if r.Prediction == nil {
			sum.Failed++
			continue
		}
		t := r.Prediction.PredictedTemperature
		if sum.Count == 0 || t > sum.Max {
			sum.Max = t
			sum.Warmest = r.City
		}
		if sum.Count == 0 || t < sum.Min {
			sum.Min = t
			sum.Coldest = r.City
		}
		total = total.Add(decimal.NewFromFloat(t))
		sum.Count++
	}
	if sum.Count > 0 {
		sum.Mean = roundTemperature(total.Div(decimal.NewFromInt(int64(sum.Count))).InexactFloat64())
	}
	return sum
}
