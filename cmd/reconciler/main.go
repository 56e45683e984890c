package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	httpadapter "github.com/couchcryptid/meteoswiss-reconciler/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/meteoswiss-reconciler/internal/adapter/kafka"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/adapter/memory"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/adapter/postgres"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/adapter/sqlite"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/adapter/stac"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/config"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/observability"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/pipeline"
)

func main() {
	_ = godotenv.Load() // .env is optional

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	logger.Info("store opened", "driver", cfg.StoreDriver)

	client := stac.NewClient(stac.Options{
		BaseURL:    cfg.STACBaseURL,
		Collection: cfg.STACCollection,
		Timeout:    cfg.STACTimeout,
		MaxRetries: cfg.STACMaxRetries,
		PageLimit:  cfg.STACPageLimit,
	}, metrics, logger)
	source := stac.NewCachedSource(client, cfg.HistoricalCacheSize, metrics)

	opts := []pipeline.Option{}
	var notifier *kafkaadapter.Notifier
	if cfg.KafkaEnabled {
		notifier = kafkaadapter.NewNotifier(cfg, logger)
		opts = append(opts, pipeline.WithNotifier(notifier))
		logger.Info("kafka notifications enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka notifications disabled")
	}

	p := pipeline.New(source, store, pipeline.Config{
		Priority:         cfg.Priority,
		StalenessBound:   cfg.StalenessBound,
		FetchConcurrency: cfg.FetchConcurrency,
	}, logger, metrics, opts...)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	var sched *pipeline.Scheduler
	if cfg.ScheduleEnabled {
		sched = pipeline.NewScheduler(p, pipeline.Schedule{
			NowInterval:    cfg.NowInterval,
			RecentCron:     cfg.RecentCron,
			HistoricalCron: cfg.HistoricalCron,
			StationsCron:   cfg.StationsCron,
			RunOnStart:     cfg.ScheduleRunOnStart,
		}, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			stop()
		}
	} else {
		logger.Info("scheduler disabled, refreshes run only on request")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if sched != nil {
		sched.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Error("kafka notifier close error", "error", err)
		}
	}
	if err := closeStore(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.New(), func() error { return nil }, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
