package forecast

import (
	"errors"
	"fmt"

	"github.com/i474232898/weather-forecast/internal/features"
	"github.com/i474232898/weather-forecast/internal/weather"
)

// Errors returned by the prediction service. The first three alias the
// sentinels of the layer that detects them, so errors.Is works with either.
var (
	ErrNotFound            = weather.ErrUnknownCity
	ErrUpstreamUnavailable = weather.ErrUpstreamUnavailable
	ErrInsufficientHistory = features.ErrInsufficientHistory
	ErrModelNotLoaded      = errors.New("model not loaded")
	ErrPrediction          = errors.New("prediction failed")
)

// Stage names a step of a single prediction.
type Stage string

const (
	StageFetching      Stage = "FETCHING"
	StageWindowing     Stage = "WINDOWING"
	StageNormalizing   Stage = "NORMALIZING"
	StagePredicting    Stage = "PREDICTING"
	StageDenormalizing Stage = "DENORMALIZING"
	StageDone          Stage = "DONE"
	StageFailed        Stage = "FAILED"
)

// StageError records the stage a prediction failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// classify wraps err in kind unless it already carries it.
func classify(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Outcome is a short label for err, used for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrModelNotLoaded):
		return "model_not_loaded"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrInsufficientHistory):
		return "insufficient_history"
	default:
		return "error"
	}
}

// PublicMessage returns a client-safe description of err.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "city not found"
	case errors.Is(err, ErrModelNotLoaded):
		return "model not loaded"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "weather data source unavailable"
	case errors.Is(err, ErrInsufficientHistory):
		return "not enough recent observations to predict"
	default:
		return "prediction failed"
	}
}
