package weather

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrUnknownCity is returned when a name is not in the catalog.
	ErrUnknownCity = errors.New("city not found")

	// ErrUpstreamUnavailable is returned when the weather source could not be
	// reached after the feed's own retries.
	ErrUpstreamUnavailable = errors.New("weather upstream unavailable")
)

// Feed abstracts an hourly weather time series source (e.g. Open-Meteo).
type Feed interface {
	Name() string
	// FetchHourly returns complete rows for city, ascending by time, ending no
	// later than the current hour in the city's time zone.
	FetchHourly(ctx context.Context, city City) ([]Observation, error)
}

// AssembleObservations zips column-major feed data into rows. A row with any
// missing value is dropped, never imputed, and rows after cutoff are
// discarded. The result is sorted ascending with duplicate instants removed.
func AssembleObservations(times []time.Time, columns [][]*float64, cutoff time.Time) ([]Observation, error) {
	if len(columns) != len(Features) {
		return nil, fmt.Errorf("expected %d feature columns, got %d", len(Features), len(columns))
	}
	for i, col := range columns {
		if len(col) != len(times) {
			return nil, fmt.Errorf("column %s has %d values for %d timestamps", Features[i], len(col), len(times))
		}
	}

	rows := make([]Observation, 0, len(times))
	for t, ts := range times {
		if !cutoff.IsZero() && ts.After(cutoff) {
			continue
		}
		values := make(FeatureVector, len(columns))
		complete := true
		for f, col := range columns {
			if col[t] == nil {
				complete = false
				break
			}
			values[f] = *col[t]
		}
		if !complete {
			continue
		}
		rows = append(rows, Observation{Time: ts, Values: values})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })

	out := rows[:0]
	for i, r := range rows {
		if i > 0 && r.Time.Equal(out[len(out)-1].Time) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
