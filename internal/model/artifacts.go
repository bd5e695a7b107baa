package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/weather-forecast/internal/features"
	"github.com/i474232898/weather-forecast/internal/weather"
)

// Default artifact file names inside an artifact directory.
const (
	ModelFile  = "model.json"
	ScalerFile = "scaler.json"
)

var (
	// ErrArtifactMismatch is returned when the model and scaler were not produced by the same run.
	ErrArtifactMismatch = errors.New("model and scaler artifacts do not match")
	// ErrIncompatibleFeatures is returned when artifacts were trained on a different feature order.
	ErrIncompatibleFeatures = errors.New("artifacts use a different feature set")
)

// Metadata is embedded in both artifact files.
type Metadata struct {
	Version      string    `json:"version"`
	Features     []string  `json:"features"`
	WindowLength int       `json:"window_length"`
	TrainedAt    time.Time `json:"trained_at"`
}

// NewVersion returns a fresh artifact version tag.
func NewVersion() string {
	return "lstm-" + uuid.NewString()
}

// Bundle is a loaded, mutually consistent model and scaler.
type Bundle struct {
	Metadata
	Network *Network
	Scaler  *features.Scaler
}

type modelFile struct {
	Metadata
	Network *Network `json:"network"`
}

type scalerFile struct {
	Metadata
	Scaler *features.Scaler `json:"scaler"`
}

// SaveArtifacts writes the model and scaler files. Each file is written to a
// temporary name in the target directory and renamed into place, so a reader
// never observes a partially written artifact.
func SaveArtifacts(modelPath, scalerPath string, b Bundle) error {
	if b.Network == nil || b.Scaler == nil {
		return errors.New("bundle is missing the network or the scaler")
	}
	if b.Version == "" {
		return errors.New("bundle has no version")
	}
	if err := writeJSONAtomic(scalerPath, scalerFile{Metadata: b.Metadata, Scaler: b.Scaler}); err != nil {
		return fmt.Errorf("write scaler: %w", err)
	}
	if err := writeJSONAtomic(modelPath, modelFile{Metadata: b.Metadata, Network: b.Network}); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	return nil
}

// LoadArtifacts reads a model and scaler pair and verifies they belong together
// and match the current feature order.
func LoadArtifacts(modelPath, scalerPath string) (*Bundle, error) {
	var mf modelFile
	if err := readJSON(modelPath, &mf); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	var sf scalerFile
	if err := readJSON(scalerPath, &sf); err != nil {
		return nil, fmt.Errorf("load scaler: %w", err)
	}

	if mf.Network == nil {
		return nil, fmt.Errorf("load model: %s has no network", modelPath)
	}
	if sf.Scaler == nil {
		return nil, fmt.Errorf("load scaler: %s has no scaler", scalerPath)
	}
	if err := sf.Scaler.Validate(); err != nil {
		return nil, fmt.Errorf("load scaler: %w", err)
	}

	switch {
	case mf.Version != sf.Version:
		return nil, fmt.Errorf("%w: model %q, scaler %q", ErrArtifactMismatch, mf.Version, sf.Version)
	case mf.WindowLength != sf.WindowLength || mf.WindowLength <= 0:
		return nil, fmt.Errorf("%w: window length %d vs %d", ErrArtifactMismatch, mf.WindowLength, sf.WindowLength)
	case !slices.Equal(mf.Features, sf.Features):
		return nil, fmt.Errorf("%w: feature lists differ", ErrArtifactMismatch)
	case !weather.SameFeatures(mf.Features):
		return nil, fmt.Errorf("%w: trained on %v", ErrIncompatibleFeatures, mf.Features)
	case sf.Scaler.Width() != mf.Network.Inputs():
		return nil, fmt.Errorf("%w: scaler width %d, network inputs %d", ErrArtifactMismatch, sf.Scaler.Width(), mf.Network.Inputs())
	}

	return &Bundle{Metadata: mf.Metadata, Network: mf.Network, Scaler: sf.Scaler}, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
