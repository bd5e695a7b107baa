package model

import (
	"encoding/json"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-forecast/internal/features"
	"github.com/i474232898/weather-forecast/internal/weather"
)

func testBundle(t *testing.T) Bundle {
	t.Helper()
	width := weather.FeatureCount()
	net, err := NewNetwork(width, []int{4}, 0, rand.New(rand.NewPCG(2, 0)))
	require.NoError(t, err)

	lo := make([]float64, width)
	hi := make([]float64, width)
	for i := range hi {
		hi[i] = float64(i + 1)
	}
	return Bundle{
		Metadata: Metadata{
			Version:      NewVersion(),
			Features:     append([]string(nil), weather.Features...),
			WindowLength: features.DefaultWindowLength,
			TrainedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Network: net,
		Scaler:  &features.Scaler{Min: lo, Max: hi},
	}
}

func artifactPaths(t *testing.T) (string, string) {
	dir := t.TempDir()
	return filepath.Join(dir, ModelFile), filepath.Join(dir, ScalerFile)
}

func TestNewVersion(t *testing.T) {
	a, b := NewVersion(), NewVersion()
	assert.True(t, strings.HasPrefix(a, "lstm-"))
	assert.NotEqual(t, a, b)
}

func TestSaveAndLoadArtifacts(t *testing.T) {
	b := testBundle(t)
	modelPath, scalerPath := artifactPaths(t)

	require.NoError(t, SaveArtifacts(modelPath, scalerPath, b))

	entries, err := os.ReadDir(filepath.Dir(modelPath))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files left behind")

	loaded, err := LoadArtifacts(modelPath, scalerPath)
	require.NoError(t, err)
	assert.Equal(t, b.Version, loaded.Version)
	assert.Equal(t, b.Features, loaded.Features)
	assert.Equal(t, b.WindowLength, loaded.WindowLength)
	assert.True(t, b.TrainedAt.Equal(loaded.TrainedAt))
	assert.Equal(t, b.Scaler, loaded.Scaler)

	w := randomWindow(rand.New(rand.NewPCG(4, 0)), 6, weather.FeatureCount())
	want, err := b.Network.Predict(w)
	require.NoError(t, err)
	got, err := loaded.Network.Predict(w)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveArtifacts_Overwrites(t *testing.T) {
	modelPath, scalerPath := artifactPaths(t)
	first := testBundle(t)
	second := testBundle(t)

	require.NoError(t, SaveArtifacts(modelPath, scalerPath, first))
	require.NoError(t, SaveArtifacts(modelPath, scalerPath, second))

	loaded, err := LoadArtifacts(modelPath, scalerPath)
	require.NoError(t, err)
	assert.Equal(t, second.Version, loaded.Version)
}

func TestSaveArtifacts_RejectsIncompleteBundle(t *testing.T) {
	modelPath, scalerPath := artifactPaths(t)
	b := testBundle(t)
	b.Scaler = nil
	assert.Error(t, SaveArtifacts(modelPath, scalerPath, b))

	b = testBundle(t)
	b.Version = ""
	assert.Error(t, SaveArtifacts(modelPath, scalerPath, b))
}

func TestLoadArtifacts_Missing(t *testing.T) {
	modelPath, scalerPath := artifactPaths(t)
	_, err := LoadArtifacts(modelPath, scalerPath)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

// rewriteScaler edits the saved scaler file in place.
func rewriteScaler(t *testing.T, path string, edit func(*scalerFile)) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var sf scalerFile
	require.NoError(t, json.Unmarshal(data, &sf))
	edit(&sf)
	data, err = json.Marshal(sf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestLoadArtifacts_Mismatch(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(*scalerFile)
		wantErr error
	}{
		{
			name:    "version",
			edit:    func(sf *scalerFile) { sf.Version = "lstm-other" },
			wantErr: ErrArtifactMismatch,
		},
		{
			name:    "window length",
			edit:    func(sf *scalerFile) { sf.WindowLength = 12 },
			wantErr: ErrArtifactMismatch,
		},
		{
			name: "feature order",
			edit: func(sf *scalerFile) {
				sf.Features[0], sf.Features[1] = sf.Features[1], sf.Features[0]
			},
			wantErr: ErrArtifactMismatch,
		},
		{
			name: "scaler width",
			edit: func(sf *scalerFile) {
				sf.Scaler.Min = sf.Scaler.Min[:3]
				sf.Scaler.Max = sf.Scaler.Max[:3]
			},
			wantErr: ErrArtifactMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modelPath, scalerPath := artifactPaths(t)
			require.NoError(t, SaveArtifacts(modelPath, scalerPath, testBundle(t)))
			rewriteScaler(t, scalerPath, tt.edit)

			_, err := LoadArtifacts(modelPath, scalerPath)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadArtifacts_IncompatibleFeatures(t *testing.T) {
	modelPath, scalerPath := artifactPaths(t)
	b := testBundle(t)
	b.Features = append([]string{"cloud_cover"}, b.Features[1:]...)
	require.NoError(t, SaveArtifacts(modelPath, scalerPath, b))

	_, err := LoadArtifacts(modelPath, scalerPath)
	assert.ErrorIs(t, err, ErrIncompatibleFeatures)
}

func TestLoadArtifacts_InvalidScaler(t *testing.T) {
	modelPath, scalerPath := artifactPaths(t)
	require.NoError(t, SaveArtifacts(modelPath, scalerPath, testBundle(t)))
	rewriteScaler(t, scalerPath, func(sf *scalerFile) { sf.Scaler.Min[0] = 100 })

	_, err := LoadArtifacts(modelPath, scalerPath)
	assert.Error(t, err)
}
