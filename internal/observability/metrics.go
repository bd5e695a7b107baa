package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_forecast"

// Metrics holds the Prometheus collectors for serving and training.
type Metrics struct {
	// Prediction service.
	Predictions        *prometheus.CounterVec // labels: outcome
	PredictionDuration prometheus.Histogram
	StageFailures      *prometheus.CounterVec // labels: stage
	ModelLoaded        prometheus.Gauge

	// Weather feed.
	FeedRequests *prometheus.CounterVec // labels: outcome={success,error}
	FeedRetries  prometheus.Counter
	FeedCache    *prometheus.CounterVec // labels: result={hit,miss}
	FeedDuration prometheus.Histogram

	// Offline training.
	TrainingRuns    *prometheus.CounterVec // labels: outcome={success,error}
	TrainingSamples prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Predictions,
		m.PredictionDuration,
		m.StageFailures,
		m.ModelLoaded,
		m.FeedRequests,
		m.FeedRetries,
		m.FeedCache,
		m.FeedDuration,
		m.TrainingRuns,
		m.TrainingSamples,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics so tests can build as
// many as they like without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Prediction requests by outcome.",
		}, []string{"outcome"}),
		PredictionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "End-to-end duration of a single-city prediction.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_stage_failures_total",
			Help:      "Failed predictions by the pipeline stage that failed.",
		}, []string{"stage"}),
		ModelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when the model and scaler artifacts are loaded, 0 otherwise.",
		}),
		FeedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_requests_total",
			Help:      "Weather feed fetches by outcome.",
		}, []string{"outcome"}),
		FeedRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_retries_total",
			Help:      "Retried upstream weather requests.",
		}),
		FeedCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_cache_total",
			Help:      "Weather response cache lookups by result.",
		}, []string{"result"}),
		FeedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_duration_seconds",
			Help:      "Upstream weather request duration including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		TrainingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Offline training runs by outcome.",
		}, []string{"outcome"}),
		TrainingSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_samples",
			Help:      "Number of windows used by the last training run.",
		}),
	}
}
