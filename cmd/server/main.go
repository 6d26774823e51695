package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"station-weather/internal/cache"
	"station-weather/internal/config"
	"station-weather/internal/handlers"
	"station-weather/internal/repository"
	"station-weather/internal/scheduler"
	"station-weather/internal/services"
	"station-weather/pkg/database"
	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("weather-api", version, logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[STARTUP] Starting station weather API server", logging.Fields{
		"version":          version,
		"server_host":      cfg.Server.Host,
		"server_port":      cfg.Server.Port,
		"db_driver":        cfg.Database.Driver,
		"strict_not_found": cfg.API.StrictNotFound,
		"cache_enabled":    cfg.Redis.Enabled,
		"scheduler":        cfg.Scheduler.Enabled,
	})

	// Own registry so /metrics exposes exactly this process's collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := metrics.NewCollector("weather_platform", registry)

	db, err := database.Open(cfg.DatabaseOptions(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	weatherRepo := repository.NewWeatherRepository(db, logger, metricsCollector)
	if err := weatherRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to create schema", logging.Fields{}, err)
	}

	statsCache, closeCache := cache.Connect(ctx, cfg.CacheOptions(), logger)
	defer closeCache()

	weatherService := services.NewWeatherService(weatherRepo, statsCache, logger, metricsCollector)
	statsService := services.NewStatisticsService(weatherRepo, statsCache, logger, metricsCollector)
	ingestionService := services.NewIngestionService(weatherRepo, logger, metricsCollector, services.IngestionOptions{
		Pattern:           cfg.Ingest.Pattern,
		Workers:           cfg.Ingest.Workers,
		Strategy:          services.MergeStrategy(cfg.Ingest.MergeStrategy),
		SkipKnownStations: cfg.Ingest.SkipKnownStations,
	})

	if cfg.Scheduler.Enabled {
		cron := scheduler.NewCronScheduler(ctx, cfg.Scheduler.JobTimeout, logger)
		refresh := func(jobCtx context.Context) error {
			if _, err := ingestionService.IngestDirectory(jobCtx, cfg.Ingest.DataDir); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			if _, err := statsService.CalculateAllStatistics(jobCtx); err != nil {
				return fmt.Errorf("statistics: %w", err)
			}
			return nil
		}
		if err := cron.Schedule("refresh", cfg.Scheduler.IngestCron, refresh); err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to schedule refresh job", logging.Fields{}, err)
		}
		cron.Start()
		defer cron.Stop()

		if cfg.Scheduler.RunOnStart {
			go cron.RunNow("refresh", refresh)
		}
	}

	weatherHandler := handlers.NewWeatherHandler(weatherService, weatherRepo, logger, metricsCollector, handlers.Options{
		StrictNotFound: cfg.API.StrictNotFound,
	})

	router := mux.NewRouter()
	router.Use(handlers.RequestID, handlers.Instrument(metricsCollector, logger))
	weatherHandler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	<-ctx.Done()

	logger.Info(context.Background(), "[SHUTDOWN] Shutting down server...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(shutdownCtx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
