package features

import (
	"errors"
	"fmt"

	"github.com/i474232898/weather-forecast/internal/weather"
)

// DefaultWindowLength is the number of consecutive hourly rows fed to the model.
const DefaultWindowLength = 6

var (
	// ErrInsufficientHistory is returned when fewer rows than the window length are available.
	ErrInsufficientHistory = errors.New("insufficient history")
	errInvalidLength       = errors.New("window length must be positive")
)

// Window is an immutable run of consecutive feature vectors.
type Window struct {
	rows []weather.FeatureVector
}

// NewWindow copies rows into a Window so later changes to the source cannot leak in.
func NewWindow(rows []weather.FeatureVector) Window {
	cp := make([]weather.FeatureVector, len(rows))
	for i, r := range rows {
		cp[i] = r.Clone()
	}
	return Window{rows: cp}
}

// Len is the number of time steps.
func (w Window) Len() int {
	return len(w.rows)
}

// Width is the number of features per step.
func (w Window) Width() int {
	if len(w.rows) == 0 {
		return 0
	}
	return len(w.rows[0])
}

// At returns feature f of step t.
func (w Window) At(t, f int) float64 {
	return w.rows[t][f]
}

// Row returns a copy of step t.
func (w Window) Row(t int) weather.FeatureVector {
	return w.rows[t].Clone()
}

// Rows returns a deep copy of all steps.
func (w Window) Rows() []weather.FeatureVector {
	out := make([]weather.FeatureVector, len(w.rows))
	for i, r := range w.rows {
		out[i] = r.Clone()
	}
	return out
}

// Sample pairs a window with the target value of the row right after it.
type Sample struct {
	Window Window
	Label  float64
}

// MakeWindows slides a frame of length over rows with stride 1. Sample i
// covers rows [i, i+length) and is labelled with the target feature of row
// i+length, so len(rows)-length samples are produced (none when there are not
// enough rows for a label).
func MakeWindows(rows []weather.FeatureVector, length int) ([]Sample, error) {
	if length <= 0 {
		return nil, errInvalidLength
	}
	if err := checkWidths(rows); err != nil {
		return nil, err
	}
	if len(rows) <= length {
		return nil, nil
	}

	samples := make([]Sample, 0, len(rows)-length)
	for i := 0; i+length < len(rows); i++ {
		samples = append(samples, Sample{
			Window: NewWindow(rows[i : i+length]),
			Label:  rows[i+length][weather.TemperatureIndex],
		})
	}
	return samples, nil
}

// MakeLastWindow builds the inference window from the chronologically last
// length rows. Short input is an error rather than being padded.
func MakeLastWindow(rows []weather.FeatureVector, length int) (Window, error) {
	if length <= 0 {
		return Window{}, errInvalidLength
	}
	if len(rows) < length {
		return Window{}, fmt.Errorf("%w: have %d rows, need %d", ErrInsufficientHistory, len(rows), length)
	}
	tail := rows[len(rows)-length:]
	if err := checkWidths(tail); err != nil {
		return Window{}, err
	}
	return NewWindow(tail), nil
}

func checkWidths(rows []weather.FeatureVector) error {
	if len(rows) == 0 {
		return nil
	}
	width := len(rows[0])
	for i, r := range rows {
		if len(r) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrWidthMismatch, i, len(r), width)
		}
	}
	return nil
}
