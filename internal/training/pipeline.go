// Package training runs the offline job that fetches every catalog city,
// fits the scaler, trains the sequence model and writes the artifact pair.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/i474232898/weather-forecast/internal/features"
	"github.com/i474232898/weather-forecast/internal/model"
	"github.com/i474232898/weather-forecast/internal/observability"
	"github.com/i474232898/weather-forecast/internal/store"
	"github.com/i474232898/weather-forecast/internal/weather"
)

// ErrNoData is returned when no city produced enough rows to train on.
var ErrNoData = errors.New("no usable training data")

// Config describes one training run.
type Config struct {
	Cities       []weather.City
	WindowLength int
	Train        model.TrainConfig
	ModelPath    string
	ScalerPath   string
}

// CityReport describes one city's contribution to a run.
type CityReport struct {
	City    string  `json:"city"`
	Rows    int     `json:"rows"`
	Windows int     `json:"windows"`
	MAE     float64 `json:"mae_celsius"`
}

// Result summarises a completed run.
type Result struct {
	Version   string
	TrainedAt time.Time
	Samples   int
	Training  model.Report
	Cities    []CityReport
	Skipped   []string
}

// Pipeline wires the feed, scratch storage and model trainer together.
type Pipeline struct {
	feed    weather.Feed
	store   *store.MemoryStore
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewPipeline creates a new Pipeline. The store is reset at the start of
// every run.
func NewPipeline(feed weather.Feed, st *store.MemoryStore, clock clockwork.Clock, metrics *observability.Metrics, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		feed:    feed,
		store:   st,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// Run executes one full training run and writes the artifacts on success.
func (p *Pipeline) Run(ctx context.Context, cfg Config) (Result, error) {
	res, err := p.run(ctx, cfg)
	if err != nil {
		p.metrics.TrainingRuns.WithLabelValues("error").Inc()
		p.logger.Error("training run failed", zap.Error(err))
		return Result{}, err
	}
	p.metrics.TrainingRuns.WithLabelValues("success").Inc()
	return res, nil
}

type citySpan struct {
	city       weather.City
	rows       int
	start, end int // index range into the sample slice
}

func (p *Pipeline) run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.WindowLength <= 0 {
		cfg.WindowLength = features.DefaultWindowLength
	}
	start := p.clock.Now()
	p.store.Reset()

	var res Result
	for _, city := range cfg.Cities {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		rows, err := p.feed.FetchHourly(ctx, city)
		if err != nil {
			p.logger.Warn("skipping city", zap.String("city", city.Name), zap.Error(err))
			res.Skipped = append(res.Skipped, city.Name)
			continue
		}
		p.store.Append(city, rows)
		p.logger.Debug("staged city history",
			zap.String("city", city.Name),
			zap.Int("fetched", len(rows)),
			zap.Int("kept", p.store.Len(city)))
	}

	// Scaler is fit on every city's rows together, in catalog order.
	var (
		perCity [][]weather.FeatureVector
		kept    []weather.City
		all     []weather.FeatureVector
	)
	for _, city := range cfg.Cities {
		rows, err := p.store.GetAll(city)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		vecs := weather.Vectors(rows)
		perCity = append(perCity, vecs)
		kept = append(kept, city)
		all = append(all, vecs...)
	}
	if len(all) == 0 {
		return Result{}, ErrNoData
	}

	scaler, err := features.Fit(all)
	if err != nil {
		return Result{}, fmt.Errorf("fit scaler: %w", err)
	}

	// Windows never straddle two cities.
	var (
		samples []features.Sample
		spans   []citySpan
	)
	for i, vecs := range perCity {
		scaled, err := scaler.TransformRows(vecs)
		if err != nil {
			return Result{}, fmt.Errorf("scale %s: %w", kept[i].Name, err)
		}
		windows, err := features.MakeWindows(scaled, cfg.WindowLength)
		if err != nil {
			return Result{}, fmt.Errorf("window %s: %w", kept[i].Name, err)
		}
		spans = append(spans, citySpan{city: kept[i], rows: len(vecs), start: len(samples), end: len(samples) + len(windows)})
		samples = append(samples, windows...)
	}
	if len(samples) == 0 {
		return Result{}, fmt.Errorf("%w: every city has at most %d rows", ErrNoData, cfg.WindowLength)
	}
	p.metrics.TrainingSamples.Set(float64(len(samples)))
	p.logger.Info("training corpus ready",
		zap.Int("cities", len(kept)),
		zap.Int("rows", len(all)),
		zap.Int("samples", len(samples)))

	net, report, err := model.Train(ctx, samples, cfg.Train, func(s model.EpochStats) {
		p.logger.Info("epoch complete",
			zap.Int("epoch", s.Epoch),
			zap.Float64("train_loss", s.TrainLoss),
			zap.Float64("val_loss", s.ValidationLoss))
	})
	if err != nil {
		return Result{}, fmt.Errorf("train: %w", err)
	}

	for _, cs := range spans {
		mae, err := meanAbsoluteError(net, scaler, samples[cs.start:cs.end])
		if err != nil {
			return Result{}, fmt.Errorf("evaluate %s: %w", cs.city.Name, err)
		}
		res.Cities = append(res.Cities, CityReport{City: cs.city.Name, Rows: cs.rows, Windows: cs.end - cs.start, MAE: mae})
		p.logger.Info("city evaluation",
			zap.String("city", cs.city.Name),
			zap.Int("windows", cs.end-cs.start),
			zap.Float64("mae_celsius", mae))
	}

	res.Version = model.NewVersion()
	res.TrainedAt = p.clock.Now().UTC()
	res.Samples = len(samples)
	res.Training = report

	bundle := model.Bundle{
		Metadata: model.Metadata{
			Version:      res.Version,
			Features:     append([]string(nil), weather.Features...),
			WindowLength: cfg.WindowLength,
			TrainedAt:    res.TrainedAt,
		},
		Network: net,
		Scaler:  scaler,
	}
	if err := model.SaveArtifacts(cfg.ModelPath, cfg.ScalerPath, bundle); err != nil {
		return Result{}, fmt.Errorf("save artifacts: %w", err)
	}

	p.logger.Info("training run complete",
		zap.String("version", res.Version),
		zap.Int("best_epoch", report.BestEpoch),
		zap.Float64("best_val_loss", report.BestValidationLoss),
		zap.Strings("skipped", res.Skipped),
		zap.Duration("duration", p.clock.Since(start)))
	return res, nil
}

// meanAbsoluteError scores samples in °C. A city with no windows scores 0.
func meanAbsoluteError(net model.Predictor, scaler *features.Scaler, samples []features.Sample) (float64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	var sum float64
	for _, s := range samples {
		y, err := net.Predict(s.Window)
		if err != nil {
			return 0, err
		}
		pred, err := scaler.DenormalizeTarget(y)
		if err != nil {
			return 0, err
		}
		actual, err := scaler.DenormalizeTarget(s.Label)
		if err != nil {
			return 0, err
		}
		sum += math.Abs(pred - actual)
	}
	return sum / float64(len(samples)), nil
}
