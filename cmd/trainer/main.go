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

	"github.com/i474232898/weather-forecast/internal/config"
	"github.com/i474232898/weather-forecast/internal/features"
	"github.com/i474232898/weather-forecast/internal/model"
	"github.com/i474232898/weather-forecast/internal/observability"
	"github.com/i474232898/weather-forecast/internal/scheduler"
	"github.com/i474232898/weather-forecast/internal/store"
	"github.com/i474232898/weather-forecast/internal/training"
	"github.com/i474232898/weather-forecast/internal/weather"
	"github.com/i474232898/weather-forecast/internal/weather/providers"
)

func main() {
	cfg, err := config.LoadTrainer()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	catalog := weather.MustDefaultCatalog()
	if cfg.CitiesFile != "" {
		if catalog, err = weather.LoadCatalogFile(cfg.CitiesFile); err != nil {
			logger.Fatal("failed to load city catalog", zap.Error(err))
		}
	}

	clock := clockwork.NewRealClock()
	metrics := observability.NewMetrics()

	backoff := providers.DefaultBackoff()
	backoff.MaxRetries = cfg.FetchRetries
	backoff.InitialInterval = cfg.FetchBackoff

	// Training wants a long history, so the feed asks for TRAIN_PAST_DAYS
	// and skips the response cache.
	feed := providers.NewOpenMeteoProvider(&http.Client{Timeout: cfg.HTTPTimeout}, providers.OpenMeteoConfig{
		BaseURL:      cfg.OpenMeteoBaseURL,
		PastDays:     cfg.PastDays,
		ForecastDays: cfg.OpenMeteoForecastDays,
		Backoff:      backoff,
	}, clock, metrics, logger)

	pipeline := training.NewPipeline(feed, store.NewMemoryStore(cfg.MaxRows, cfg.HistoryWindow(), clock), clock, metrics, logger)

	runCfg := training.Config{
		Cities:       catalog.Cities(),
		WindowLength: features.DefaultWindowLength,
		Train: model.TrainConfig{
			Hidden:          cfg.Hidden,
			Dropout:         cfg.Dropout,
			Epochs:          cfg.Epochs,
			BatchSize:       cfg.BatchSize,
			LearningRate:    cfg.LearningRate,
			ValidationSplit: 0.2,
			ClipNorm:        1.0,
			Seed:            cfg.Seed,
		},
		ModelPath:  cfg.ModelPath,
		ScalerPath: cfg.ScalerPath,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := func(ctx context.Context) error {
		res, err := pipeline.Run(ctx, runCfg)
		if err != nil {
			return err
		}
		for _, c := range res.Cities {
			logger.Info("city result",
				zap.String("city", c.City),
				zap.Int("rows", c.Rows),
				zap.Float64("mae_celsius", c.MAE))
		}
		logger.Info("artifacts written",
			zap.String("model_path", runCfg.ModelPath),
			zap.String("scaler_path", runCfg.ScalerPath),
			zap.String("version", res.Version))
		return nil
	}

	if cfg.Schedule <= 0 {
		if err := run(ctx); err != nil {
			logger.Error("training failed", zap.Error(err))
			_ = logger.Sync()
			os.Exit(1)
		}
		return
	}

	// Scheduled mode: retrain every interval until signalled.
	sched := scheduler.New("training", cfg.Schedule, cfg.Schedule, run, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	logger.Info("training scheduled", zap.Duration("every", cfg.Schedule))
	<-ctx.Done()
}
