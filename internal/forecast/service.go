// Package forecast turns a city name into a next-hour temperature prediction
// using the loaded model and scaler.
package forecast

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/i474232898/weather-forecast/internal/features"
	"github.com/i474232898/weather-forecast/internal/model"
	"github.com/i474232898/weather-forecast/internal/observability"
	"github.com/i474232898/weather-forecast/internal/weather"
)

// DefaultConfidence is the fixed confidence reported with every prediction.
// The model produces no uncertainty estimate.
const DefaultConfidence = 85

// Artifacts is the read-only state a Service predicts with. A zero Artifacts
// means nothing was loaded and predictions fail with ErrModelNotLoaded.
type Artifacts struct {
	Model        model.Predictor
	Scaler       *features.Scaler
	Version      string
	WindowLength int
}

// FromBundle adapts loaded artifacts for the service.
func FromBundle(b *model.Bundle) Artifacts {
	if b == nil {
		return Artifacts{}
	}
	return Artifacts{
		Model:        b.Network,
		Scaler:       b.Scaler,
		Version:      b.Version,
		WindowLength: b.WindowLength,
	}
}

// Prediction is the result returned to clients.
type Prediction struct {
	City                 string    `json:"city"`
	PredictedTemperature float64   `json:"predicted_temperature"`
	Unit                 string    `json:"unit"`
	Confidence           int       `json:"confidence"`
	ModelVersion         string    `json:"model_version"`
	Timestamp            time.Time `json:"timestamp"`
	Status               string    `json:"status"`
}

// Health describes whether the service can predict.
type Health struct {
	Status       string `json:"status"`
	ModelLoaded  bool   `json:"model_loaded"`
	ScalerLoaded bool   `json:"scaler_loaded"`
	Healthy      bool   `json:"healthy"`
	ModelVersion string `json:"model_version,omitempty"`
}

// Service runs single-city predictions. It holds no mutable state of its
// own and is safe for concurrent use.
type Service struct {
	catalog   *weather.Catalog
	feed      weather.Feed
	artifacts Artifacts
	clock     clockwork.Clock
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewService creates a new Service.
func NewService(
	catalog *weather.Catalog,
	feed weather.Feed,
	artifacts Artifacts,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	if artifacts.WindowLength <= 0 {
		artifacts.WindowLength = features.DefaultWindowLength
	}
	s := &Service{
		catalog:   catalog,
		feed:      feed,
		artifacts: artifacts,
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
	}
	if s.Ready() {
		metrics.ModelLoaded.Set(1)
	} else {
		metrics.ModelLoaded.Set(0)
	}
	return s
}

// Ready reports whether both the model and the scaler are loaded.
func (s *Service) Ready() bool {
	return s.artifacts.Model != nil && s.artifacts.Scaler != nil
}

// Health reports readiness for the health endpoint.
func (s *Service) Health() Health {
	h := Health{
		Status:       "degraded",
		ModelLoaded:  s.artifacts.Model != nil,
		ScalerLoaded: s.artifacts.Scaler != nil,
		ModelVersion: s.artifacts.Version,
	}
	if s.Ready() {
		h.Status = "ok"
		h.Healthy = true
	}
	return h
}

// Cities lists the supported city names in catalog order.
func (s *Service) Cities() []string {
	return s.catalog.Names()
}

// Predict returns the next-hour temperature for the named city. The name is
// resolved before any upstream call, so unknown cities fail fast with
// ErrNotFound.
func (s *Service) Predict(ctx context.Context, name string) (Prediction, error) {
	start := s.clock.Now()
	p, err := s.predict(ctx, name)
	s.metrics.Predictions.WithLabelValues(Outcome(err)).Inc()
	s.metrics.PredictionDuration.Observe(s.clock.Since(start).Seconds())
	return p, err
}

func (s *Service) predict(ctx context.Context, name string) (Prediction, error) {
	city, err := s.catalog.Lookup(name)
	if err != nil {
		return Prediction{}, err
	}
	if !s.Ready() {
		return Prediction{}, ErrModelNotLoaded
	}

	log := s.logger.With(zap.String("city", city.Name))
	stage := StageFetching
	fail := func(kind, err error) (Prediction, error) {
		s.metrics.StageFailures.WithLabelValues(string(stage)).Inc()
		log.Warn("prediction failed",
			zap.String("stage", string(stage)),
			zap.String("state", string(StageFailed)),
			zap.Error(err))
		return Prediction{}, &StageError{Stage: stage, Err: classify(kind, err)}
	}

	rows, err := s.feed.FetchHourly(ctx, city)
	if err != nil {
		return fail(ErrUpstreamUnavailable, err)
	}

	stage = StageWindowing
	window, err := features.MakeLastWindow(weather.Vectors(rows), s.artifacts.WindowLength)
	if err != nil {
		if errors.Is(err, ErrInsufficientHistory) {
			return fail(ErrInsufficientHistory, err)
		}
		return fail(ErrPrediction, err)
	}

	stage = StageNormalizing
	scaled, err := s.artifacts.Scaler.TransformWindow(window)
	if err != nil {
		return fail(ErrPrediction, err)
	}

	stage = StagePredicting
	normalized, err := s.artifacts.Model.Predict(scaled)
	if err != nil {
		return fail(ErrPrediction, err)
	}

	stage = StageDenormalizing
	temp, err := s.artifacts.Scaler.DenormalizeTarget(normalized)
	if err != nil {
		return fail(ErrPrediction, err)
	}

	log.Debug("prediction complete",
		zap.String("state", string(StageDone)),
		zap.Int("rows", len(rows)),
		zap.Float64("normalized", normalized),
		zap.Float64("temperature", temp))

	return Prediction{
		City:                 city.Name,
		PredictedTemperature: roundTemperature(temp),
		Unit:                 weather.TemperatureUnit,
		Confidence:           DefaultConfidence,
		ModelVersion:         s.artifacts.Version,
		Timestamp:            s.clock.Now().UTC(),
		Status:               "success",
	}, nil
}

// roundTemperature rounds the exact binary value of v to two decimals, so
// 2.675 (stored just below) becomes 2.67 and exact ties go to even.
func roundTemperature(v float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	return r
}
