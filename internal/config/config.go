package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig is the configuration shared by the server and the trainer.
type AppConfig struct {
	Port      string
	LogLevel  string
	LogFormat string

	// HTTPTimeout bounds each outbound call and each inbound request.
	HTTPTimeout     time.Duration
	ShutdownTimeout time.Duration

	OpenMeteoBaseURL      string
	OpenMeteoPastDays     int
	OpenMeteoForecastDays int

	// Upstream response cache.
	CacheTTL  time.Duration // 0 disables caching
	CacheSize int

	FetchRetries int
	FetchBackoff time.Duration

	ModelPath  string
	ScalerPath string

	// CitiesFile optionally replaces the built-in city catalog.
	CitiesFile string

	AggregateWorkers int
}

// TrainerConfig adds the offline training settings.
type TrainerConfig struct {
	AppConfig

	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         uint64
	Hidden       []int
	Dropout      float64
	PastDays     int
	// MaxRows caps the staged history per city; 0 keeps everything fetched.
	MaxRows int

	// Schedule re-runs training at this interval; 0 runs once and exits.
	Schedule    time.Duration
	ArtifactDir string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	return fromEnv()
}

// LoadTrainer reads the trainer configuration. Artifact paths default to
// files inside ARTIFACT_DIR.
func LoadTrainer() (*TrainerConfig, error) {
	base, err := Load()
	if err != nil {
		return nil, err
	}
	cfg := &TrainerConfig{AppConfig: *base}

	if cfg.Epochs, err = getenvInt("TRAIN_EPOCHS", 20); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getenvInt("TRAIN_BATCH_SIZE", 32); err != nil {
		return nil, err
	}
	if cfg.LearningRate, err = getenvFloat("TRAIN_LEARNING_RATE", 0.001); err != nil {
		return nil, err
	}
	if cfg.Dropout, err = getenvFloat("TRAIN_DROPOUT", 0.2); err != nil {
		return nil, err
	}
	if cfg.PastDays, err = getenvInt("TRAIN_PAST_DAYS", 14); err != nil {
		return nil, err
	}
	if cfg.MaxRows, err = getenvInt("TRAIN_MAX_ROWS", 0); err != nil {
		return nil, err
	}
	if cfg.Schedule, err = getenvDuration("TRAIN_SCHEDULE", 0); err != nil {
		return nil, err
	}

	seed, err := strconv.ParseUint(getenvDefault("TRAIN_SEED", "42"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TRAIN_SEED: %w", err)
	}
	cfg.Seed = seed

	if cfg.Hidden, err = parseHidden(getenvDefault("TRAIN_HIDDEN", "64,32")); err != nil {
		return nil, fmt.Errorf("invalid TRAIN_HIDDEN: %w", err)
	}

	cfg.ArtifactDir = getenvDefault("ARTIFACT_DIR", "artifacts")
	if os.Getenv("MODEL_PATH") == "" {
		cfg.ModelPath = filepath.Join(cfg.ArtifactDir, "model.json")
	}
	if os.Getenv("SCALER_PATH") == "" {
		cfg.ScalerPath = filepath.Join(cfg.ArtifactDir, "scaler.json")
	}

	if err := cfg.validateTrainer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() (*AppConfig, error) {
	cfg := &AppConfig{
		Port:             getenvDefault("PORT", "8080"),
		LogLevel:         getenvDefault("LOG_LEVEL", "info"),
		LogFormat:        getenvDefault("LOG_FORMAT", "json"),
		OpenMeteoBaseURL: getenvDefault("OPENMETEO_BASE_URL", "https://api.open-meteo.com/v1/forecast"),
		ModelPath:        getenvDefault("MODEL_PATH", "artifacts/model.json"),
		ScalerPath:       getenvDefault("SCALER_PATH", "artifacts/scaler.json"),
		CitiesFile:       os.Getenv("CITIES_FILE"),
	}

	var err error
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.OpenMeteoPastDays, err = getenvInt("OPENMETEO_PAST_DAYS", 2); err != nil {
		return nil, err
	}
	if cfg.OpenMeteoForecastDays, err = getenvInt("OPENMETEO_FORECAST_DAYS", 1); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getenvDuration("CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.CacheSize, err = getenvInt("CACHE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.FetchRetries, err = getenvInt("FETCH_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.FetchBackoff, err = getenvDuration("FETCH_BACKOFF", 300*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.AggregateWorkers, err = getenvInt("AGGREGATE_WORKERS", 4); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("invalid PORT %q", c.Port))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT %q: want json or console", c.LogFormat))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("HTTP_TIMEOUT must be positive"))
	}
	if c.OpenMeteoPastDays < 0 {
		errs = append(errs, errors.New("OPENMETEO_PAST_DAYS must not be negative"))
	}
	if c.OpenMeteoForecastDays < 0 {
		errs = append(errs, errors.New("OPENMETEO_FORECAST_DAYS must not be negative"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("CACHE_TTL must not be negative"))
	}
	if c.FetchRetries < 0 {
		errs = append(errs, errors.New("FETCH_RETRIES must not be negative"))
	}
	if c.FetchBackoff <= 0 {
		errs = append(errs, errors.New("FETCH_BACKOFF must be positive"))
	}
	if c.AggregateWorkers <= 0 {
		errs = append(errs, errors.New("AGGREGATE_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}

func (c *TrainerConfig) validateTrainer() error {
	var errs []error
	if c.Epochs <= 0 {
		errs = append(errs, errors.New("TRAIN_EPOCHS must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("TRAIN_BATCH_SIZE must be positive"))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, errors.New("TRAIN_LEARNING_RATE must be positive"))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, errors.New("TRAIN_DROPOUT must be in [0,1)"))
	}
	if c.PastDays <= 0 {
		errs = append(errs, errors.New("TRAIN_PAST_DAYS must be positive"))
	}
	if c.MaxRows < 0 {
		errs = append(errs, errors.New("TRAIN_MAX_ROWS must not be negative"))
	}
	if c.Schedule < 0 {
		errs = append(errs, errors.New("TRAIN_SCHEDULE must not be negative"))
	}
	return errors.Join(errs...)
}

// HistoryWindow is how far back training observations are kept.
func (c *TrainerConfig) HistoryWindow() time.Duration {
	return time.Duration(c.PastDays) * 24 * time.Hour
}

func parseHidden(s string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("layer size %d must be positive", n)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
