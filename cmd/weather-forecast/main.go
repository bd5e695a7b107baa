package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/weather-forecast/internal/api/http"
	"github.com/i474232898/weather-forecast/internal/config"
	"github.com/i474232898/weather-forecast/internal/forecast"
	"github.com/i474232898/weather-forecast/internal/model"
	"github.com/i474232898/weather-forecast/internal/observability"
	"github.com/i474232898/weather-forecast/internal/weather"
	"github.com/i474232898/weather-forecast/internal/weather/providers"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics()

	catalog, err := loadCatalog(cfg.CitiesFile)
	if err != nil {
		logger.Fatal("failed to load city catalog", zap.Error(err))
	}

	// Shared HTTP client for outbound feed calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	backoff := providers.DefaultBackoff()
	backoff.MaxRetries = cfg.FetchRetries
	backoff.InitialInterval = cfg.FetchBackoff

	clock := clockwork.NewRealClock()
	feed := providers.NewOpenMeteoProvider(httpClient, providers.OpenMeteoConfig{
		BaseURL:      cfg.OpenMeteoBaseURL,
		PastDays:     cfg.OpenMeteoPastDays,
		ForecastDays: cfg.OpenMeteoForecastDays,
		Backoff:      backoff,
		CacheTTL:     cfg.CacheTTL,
		CacheSize:    cfg.CacheSize,
	}, clock, metrics, logger)

	// A missing or broken artifact pair leaves the server up in degraded mode.
	bundle, err := model.LoadArtifacts(cfg.ModelPath, cfg.ScalerPath)
	if err != nil {
		logger.Warn("model artifacts not loaded, predictions disabled",
			zap.String("model_path", cfg.ModelPath),
			zap.String("scaler_path", cfg.ScalerPath),
			zap.Error(err))
	} else {
		logger.Info("model artifacts loaded",
			zap.String("version", bundle.Version),
			zap.Time("trained_at", bundle.TrainedAt),
			zap.Int("window_length", bundle.WindowLength))
	}

	service := forecast.NewService(catalog, feed, forecast.FromBundle(bundle), clock, metrics, logger)

	app := httpapi.NewApp(service, httpapi.Options{
		AppName:          "weather-forecast",
		RequestTimeout:   cfg.HTTPTimeout,
		AggregateWorkers: cfg.AggregateWorkers,
		AccessLog:        os.Stdout,
	})

	// Start server with graceful shutdown
	go func() {
		logger.Info("listening", zap.String("port", cfg.Port), zap.Int("cities", catalog.Len()))
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("fiber server stopped", zap.Error(err))
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
}

func loadCatalog(path string) (*weather.Catalog, error) {
	if path == "" {
		return weather.MustDefaultCatalog(), nil
	}
	return weather.LoadCatalogFile(path)
}
