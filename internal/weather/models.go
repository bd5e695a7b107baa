package weather

import (
	"time"
)

// Features is the ordered hourly feature set shared by the feed, the scaler,
// the windower and the model. Artifacts embed this list and refuse to load
// when it differs. Temperature must stay at TemperatureIndex.
var Features = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"dew_point_2m",
	"apparent_temperature",
	"precipitation",
	"wind_speed_10m",
	"surface_pressure",
}

// TemperatureIndex is the position of the prediction target inside a FeatureVector.
const TemperatureIndex = 0

// TemperatureUnit is the unit label attached to predicted temperatures.
const TemperatureUnit = "°C"

// FeatureCount returns the width of a FeatureVector.
func FeatureCount() int {
	return len(Features)
}

// SameFeatures reports whether names matches Features exactly, order included.
func SameFeatures(names []string) bool {
	if len(names) != len(Features) {
		return false
	}
	for i, n := range names {
		if n != Features[i] {
			return false
		}
	}
	return true
}

// FeatureVector holds one row of feature values in Features order.
type FeatureVector []float64

// Clone returns an independent copy of v.
func (v FeatureVector) Clone() FeatureVector {
	out := make(FeatureVector, len(v))
	copy(out, v)
	return out
}

// Observation is a single hourly row for one city.
type Observation struct {
	Time   time.Time     `json:"time"`
	Values FeatureVector `json:"values"`
}

// Temperature returns the target feature of the row.
func (o Observation) Temperature() float64 {
	return o.Values[TemperatureIndex]
}

// Vectors extracts the feature vectors of rows, preserving order.
func Vectors(rows []Observation) []FeatureVector {
	out := make([]FeatureVector, len(rows))
	for i, r := range rows {
		out[i] = r.Values
	}
	return out
}
