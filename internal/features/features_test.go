package features

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-forecast/internal/weather"
)

// rowsWithTemps builds two-feature rows whose first column is the given
// temperature and second column is a humidity ramp.
func rowsWithTemps(temps ...float64) []weather.FeatureVector {
	rows := make([]weather.FeatureVector, len(temps))
	for i, t := range temps {
		rows[i] = weather.FeatureVector{t, 50 + float64(i)}
	}
	return rows
}

func TestFit(t *testing.T) {
	s, err := Fit(rowsWithTemps(12, 10, 17, 15))
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 50}, s.Min)
	assert.Equal(t, []float64{17, 53}, s.Max)
	assert.Equal(t, 2, s.Width())
	assert.NoError(t, s.Validate())
}

func TestFit_Errors(t *testing.T) {
	_, err := Fit(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = Fit([]weather.FeatureVector{{1, 2}, {3}})
	assert.ErrorIs(t, err, ErrWidthMismatch)

	_, err = Fit([]weather.FeatureVector{{}})
	assert.ErrorIs(t, err, ErrWidthMismatch)
}

func TestTransform_RoundTrip(t *testing.T) {
	rows := []weather.FeatureVector{
		{-3.2, 81, 1013.4},
		{7.9, 40, 998.1},
		{21.05, 65.5, 1020.7},
	}
	s, err := Fit(rows)
	require.NoError(t, err)

	for _, r := range rows {
		scaled, err := s.Transform(r)
		require.NoError(t, err)
		for _, x := range scaled {
			assert.GreaterOrEqual(t, x, 0.0)
			assert.LessOrEqual(t, x, 1.0)
		}

		back, err := s.InverseTransform(scaled)
		require.NoError(t, err)
		if diff := cmp.Diff([]float64(r), []float64(back), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestTransform_OutOfRangeIsNotClipped(t *testing.T) {
	s := &Scaler{Min: []float64{10}, Max: []float64{20}}
	got, err := s.Transform(weather.FeatureVector{25})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, got[0], 1e-12)
}

func TestTransform_ConstantFeature(t *testing.T) {
	s, err := Fit([]weather.FeatureVector{{5, 1}, {5, 3}})
	require.NoError(t, err)

	got, err := s.Transform(weather.FeatureVector{5, 2})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got[0])
	assert.InDelta(t, 0.5, got[1], 1e-12)

	back, err := s.InverseTransform(got)
	require.NoError(t, err)
	assert.Equal(t, 5.0, back[0])
}

func TestTransform_WidthMismatch(t *testing.T) {
	s := &Scaler{Min: []float64{0, 0}, Max: []float64{1, 1}}
	_, err := s.Transform(weather.FeatureVector{1})
	assert.ErrorIs(t, err, ErrWidthMismatch)
	_, err = s.InverseTransform(weather.FeatureVector{1, 2, 3})
	assert.ErrorIs(t, err, ErrWidthMismatch)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		scaler  Scaler
		wantErr bool
	}{
		{name: "ok", scaler: Scaler{Min: []float64{0, 1}, Max: []float64{1, 1}}},
		{name: "empty", scaler: Scaler{}, wantErr: true},
		{name: "length mismatch", scaler: Scaler{Min: []float64{0}, Max: []float64{1, 2}}, wantErr: true},
		{name: "inverted", scaler: Scaler{Min: []float64{2}, Max: []float64{1}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scaler.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDenormalizeTarget(t *testing.T) {
	s := &Scaler{Min: []float64{10, 0, 900}, Max: []float64{17, 100, 1100}}
	got, err := s.DenormalizeTarget(0.5)
	require.NoError(t, err)
	assert.InDelta(t, 13.5, got, 1e-9)
}

func TestMakeWindows(t *testing.T) {
	rows := rowsWithTemps(10, 11, 12, 13, 14, 15, 16, 17, 18, 19)
	samples, err := MakeWindows(rows, 6)
	require.NoError(t, err)
	require.Len(t, samples, len(rows)-6)

	for i, s := range samples {
		assert.Equal(t, 6, s.Window.Len())
		assert.Equal(t, 2, s.Window.Width())
		assert.Equal(t, rows[i][0], s.Window.At(0, 0), "first row of window %d", i)
		assert.Equal(t, rows[i+5][0], s.Window.At(5, 0), "last row of window %d", i)
		assert.Equal(t, rows[i+6][0], s.Label, "label of window %d", i)
	}
}

func TestMakeWindows_NotEnoughRows(t *testing.T) {
	for _, n := range []int{0, 3, 6} {
		samples, err := MakeWindows(rowsWithTemps(make([]float64, n)...), 6)
		require.NoError(t, err)
		assert.Empty(t, samples, "n=%d", n)
	}

	_, err := MakeWindows(rowsWithTemps(1, 2), 0)
	assert.Error(t, err)
}

func TestMakeWindows_WidthMismatch(t *testing.T) {
	rows := rowsWithTemps(1, 2, 3)
	rows[1] = weather.FeatureVector{2}
	_, err := MakeWindows(rows, 1)
	assert.ErrorIs(t, err, ErrWidthMismatch)
}

func TestMakeLastWindow(t *testing.T) {
	t.Run("fewer rows than length", func(t *testing.T) {
		_, err := MakeLastWindow(rowsWithTemps(1, 2, 3, 4, 5), 6)
		assert.ErrorIs(t, err, ErrInsufficientHistory)
	})

	t.Run("exactly length", func(t *testing.T) {
		rows := rowsWithTemps(1, 2, 3, 4, 5, 6)
		w, err := MakeLastWindow(rows, 6)
		require.NoError(t, err)
		assert.Equal(t, rows, w.Rows())
	})

	t.Run("more rows than length", func(t *testing.T) {
		rows := rowsWithTemps(1, 2, 3, 4, 5, 6, 7, 8, 9)
		w, err := MakeLastWindow(rows, 6)
		require.NoError(t, err)
		assert.Equal(t, rows[3:], w.Rows())
	})
}

func TestWindow_IsImmutable(t *testing.T) {
	rows := rowsWithTemps(1, 2, 3)
	w, err := MakeLastWindow(rows, 3)
	require.NoError(t, err)

	rows[0][0] = 99
	assert.Equal(t, 1.0, w.At(0, 0))

	out := w.Rows()
	out[1][0] = 99
	assert.Equal(t, 2.0, w.At(1, 0))

	r := w.Row(2)
	r[0] = 99
	assert.Equal(t, 3.0, w.At(2, 0))
}

func TestTransformWindow(t *testing.T) {
	s := &Scaler{Min: []float64{10, 50}, Max: []float64{20, 60}}
	w := NewWindow([]weather.FeatureVector{{10, 55}, {20, 60}})

	scaled, err := s.TransformWindow(w)
	require.NoError(t, err)
	assert.Equal(t, []weather.FeatureVector{{0, 0.5}, {1, 1}}, scaled.Rows())
	assert.Equal(t, 10.0, w.At(0, 0), "source window untouched")
}

// Eight hourly rows, fit on all of them, a stub output of 0.5 must land on
// 10 + 0.5*(17-10).
func TestEndToEnd_EightRows(t *testing.T) {
	rows := rowsWithTemps(10, 11, 12, 13, 14, 15, 16, 17)
	s, err := Fit(rows)
	require.NoError(t, err)
	assert.Equal(t, 10.0, s.Min[0])
	assert.Equal(t, 17.0, s.Max[0])

	w, err := MakeLastWindow(rows, DefaultWindowLength)
	require.NoError(t, err)
	assert.Equal(t, 12.0, w.At(0, 0))
	assert.Equal(t, 17.0, w.At(5, 0))

	_, err = s.TransformWindow(w)
	require.NoError(t, err)

	got, err := s.DenormalizeTarget(0.5)
	require.NoError(t, err)
	assert.InDelta(t, 13.5, got, 1e-9)
}
