// Package features holds the min-max scaler and the sequence windower shared
// by offline training and online inference.
package features

import (
	"errors"
	"fmt"
	"math"

	"github.com/i474232898/weather-forecast/internal/weather"
)

var (
	// ErrEmptyInput is returned when fitting on zero rows.
	ErrEmptyInput = errors.New("no rows to fit")
	// ErrWidthMismatch is returned when a vector's width differs from the scaler's or its peers'.
	ErrWidthMismatch = errors.New("feature width mismatch")
)

// Scaler is a fitted per-feature min-max transform mapping each feature onto [0,1].
// It is never mutated after Fit or decoding, so one instance can be shared by
// any number of goroutines.
type Scaler struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// Fit computes per-feature minima and maxima over rows. A feature that is
// constant across all rows is legal; see Transform.
func Fit(rows []weather.FeatureVector) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}
	width := len(rows[0])
	if width == 0 {
		return nil, fmt.Errorf("%w: empty feature vector", ErrWidthMismatch)
	}

	s := &Scaler{
		Min: make([]float64, width),
		Max: make([]float64, width),
	}
	copy(s.Min, rows[0])
	copy(s.Max, rows[0])

	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrWidthMismatch, i, len(row), width)
		}
		for f, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("row %d feature %d is not finite", i, f)
			}
			if x < s.Min[f] {
				s.Min[f] = x
			}
			if x > s.Max[f] {
				s.Max[f] = x
			}
		}
	}
	return s, nil
}

// Width returns the number of features the scaler was fit on.
func (s *Scaler) Width() int {
	return len(s.Min)
}

// Validate checks a decoded scaler for shape and ordering problems.
func (s *Scaler) Validate() error {
	if len(s.Min) == 0 || len(s.Min) != len(s.Max) {
		return fmt.Errorf("%w: min has %d entries, max has %d", ErrWidthMismatch, len(s.Min), len(s.Max))
	}
	for f := range s.Min {
		if math.IsNaN(s.Min[f]) || math.IsNaN(s.Max[f]) || s.Min[f] > s.Max[f] {
			return fmt.Errorf("feature %d: invalid range [%v, %v]", f, s.Min[f], s.Max[f])
		}
	}
	return nil
}

// Transform maps v feature-wise with (x-min)/(max-min). A feature whose range
// collapsed at fit time (max == min) maps to 0.
func (s *Scaler) Transform(v weather.FeatureVector) (weather.FeatureVector, error) {
	if len(v) != s.Width() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWidthMismatch, len(v), s.Width())
	}
	out := make(weather.FeatureVector, len(v))
	for f, x := range v {
		span := s.Max[f] - s.Min[f]
		if span == 0 {
			continue
		}
		out[f] = (x - s.Min[f]) / span
	}
	return out, nil
}

// InverseTransform maps v back with x*(max-min)+min. For a collapsed feature
// every input maps to min, which is the only value that feature ever had.
func (s *Scaler) InverseTransform(v weather.FeatureVector) (weather.FeatureVector, error) {
	if len(v) != s.Width() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWidthMismatch, len(v), s.Width())
	}
	out := make(weather.FeatureVector, len(v))
	for f, x := range v {
		out[f] = x*(s.Max[f]-s.Min[f]) + s.Min[f]
	}
	return out, nil
}

// TransformWindow scales every row of w independently.
func (s *Scaler) TransformWindow(w Window) (Window, error) {
	rows := make([]weather.FeatureVector, w.Len())
	for i := range rows {
		scaled, err := s.Transform(w.rows[i])
		if err != nil {
			return Window{}, fmt.Errorf("row %d: %w", i, err)
		}
		rows[i] = scaled
	}
	return Window{rows: rows}, nil
}

// TransformRows scales a sequence of vectors.
func (s *Scaler) TransformRows(rows []weather.FeatureVector) ([]weather.FeatureVector, error) {
	out := make([]weather.FeatureVector, len(rows))
	for i, r := range rows {
		scaled, err := s.Transform(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

// DenormalizeTarget converts a normalized model output back to physical units.
// The inverse transform is defined over a full vector, so the value is placed
// in the target slot of an otherwise zero vector and only that slot is read back.
func (s *Scaler) DenormalizeTarget(v float64) (float64, error) {
	full := make(weather.FeatureVector, s.Width())
	if weather.TemperatureIndex >= len(full) {
		return 0, fmt.Errorf("%w: scaler has no target column", ErrWidthMismatch)
	}
	full[weather.TemperatureIndex] = v
	inv, err := s.InverseTransform(full)
	if err != nil {
		return 0, err
	}
	return inv[weather.TemperatureIndex], nil
}
