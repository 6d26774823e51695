package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"station-weather/internal/cache"
	"station-weather/internal/config"
	"station-weather/internal/repository"
	"station-weather/internal/services"
	"station-weather/internal/source"
	"station-weather/pkg/database"
	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on success, 1 on a fatal error and 2
// when some files failed to ingest. Deferred closes run before main exits.
func run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	// Flags override the ingest section of the configuration
	dataDir := flag.String("data-dir", cfg.Ingest.DataDir, "Directory containing weather data files")
	workers := flag.Int("workers", cfg.Ingest.Workers, "Number of files parsed concurrently")
	strategy := flag.String("merge-strategy", cfg.Ingest.MergeStrategy, "How batches are merged: upsert or replace")
	skipKnown := flag.Bool("skip-known-stations", cfg.Ingest.SkipKnownStations, "Skip files whose station already has rows")
	calculateStats := flag.Bool("calculate-stats", false, "Calculate statistics after ingestion")
	dryRun := flag.Bool("dry-run", false, "Parse and summarize files without touching the database")
	flag.Parse()

	cfg.Ingest.DataDir = *dataDir
	cfg.Ingest.Workers = *workers
	cfg.Ingest.MergeStrategy = *strategy
	cfg.Ingest.SkipKnownStations = *skipKnown

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger := logging.NewStructuredLogger("weather-ingester", version, logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[INGESTER_START] Starting weather data ingestion", logging.Fields{
		"version":         version,
		"data_dir":        cfg.Ingest.DataDir,
		"workers":         cfg.Ingest.Workers,
		"merge_strategy":  cfg.Ingest.MergeStrategy,
		"calculate_stats": *calculateStats,
		"dry_run":         *dryRun,
	})

	if *dryRun {
		if err := summarize(ctx, cfg.Ingest.DataDir, cfg.Ingest.Pattern); err != nil {
			logger.Error(ctx, "[INGESTER_ERROR] Dry run failed", logging.Fields{}, err)
			return 1
		}
		return 0
	}

	metricsCollector := metrics.NewCollector("weather_ingester", prometheus.NewRegistry())

	db, err := database.Open(cfg.DatabaseOptions(), logger, metricsCollector)
	if err != nil {
		logger.Error(ctx, "[INGESTER_ERROR] Failed to connect to database", logging.Fields{}, err)
		return 1
	}
	defer db.Close()

	weatherRepo := repository.NewWeatherRepository(db, logger, metricsCollector)
	if err := weatherRepo.EnsureSchema(ctx); err != nil {
		logger.Error(ctx, "[INGESTER_ERROR] Failed to create schema", logging.Fields{}, err)
		return 1
	}

	// Recomputed statistics must retire what the API server has cached.
	statsCache, closeCache := cache.Connect(ctx, cfg.CacheOptions(), logger)
	defer closeCache()

	ingestionService := services.NewIngestionService(weatherRepo, logger, metricsCollector, services.IngestionOptions{
		Pattern:           cfg.Ingest.Pattern,
		Workers:           cfg.Ingest.Workers,
		Strategy:          services.MergeStrategy(cfg.Ingest.MergeStrategy),
		SkipKnownStations: cfg.Ingest.SkipKnownStations,
	})
	statsService := services.NewStatisticsService(weatherRepo, statsCache, logger, metricsCollector)

	result, err := ingestionService.IngestDirectory(ctx, cfg.Ingest.DataDir)
	if err != nil {
		logger.Error(ctx, "[INGESTION_ERROR] Ingestion failed", logging.Fields{}, err)
		return 1
	}

	stored, err := weatherRepo.CountRecords(ctx)
	if err != nil {
		logger.Warn(ctx, "[INGESTER_WARNING] Could not count stored records", logging.Fields{
			"error": err.Error(),
		})
		stored = -1
	}
	printReport(result, stored)

	if *calculateStats {
		fmt.Println("\n" + strings.Repeat("=", 80))
		fmt.Println("CALCULATING STATISTICS")
		fmt.Println(strings.Repeat("=", 80))

		stats, err := statsService.CalculateAllStatistics(ctx)
		if err != nil {
			logger.Error(ctx, "[STATS_ERROR] Statistics calculation failed", logging.Fields{}, err)
			fmt.Printf("Statistics calculation failed: %v\n", err)
		} else {
			fmt.Printf("Computed %d yearly statistics from %d records in %v\n", stats.Stats, stats.Records, stats.Duration)
		}
	}

	logger.Info(ctx, "[INGESTER_COMPLETE] Ingestion completed", logging.Fields{
		"ingested_files":     result.IngestedFiles,
		"failed_files":       result.FailedFiles,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"stored_records":     stored,
		"duration_seconds":   result.Duration.Seconds(),
	})

	if result.FailedFiles > 0 {
		return 2
	}
	return 0
}

// printReport writes the run summary. stored is the table's row count after
// the run, or negative when it could not be read.
func printReport(result *services.IngestionResult, stored int) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("INGESTION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Total Files:        %d\n", result.TotalFiles)
	fmt.Printf("Ingested Files:     %d\n", result.IngestedFiles)
	fmt.Printf("Skipped Files:      %d\n", result.SkippedFiles)
	fmt.Printf("Failed Files:       %d\n", result.FailedFiles)
	fmt.Printf("Total Records:      %d\n", result.TotalRecords)
	fmt.Printf("Successful Records: %d\n", result.SuccessfulRecords)
	fmt.Printf("Failed Records:     %d\n", result.FailedRecords)
	fmt.Printf("Duplicate Records:  %d\n", result.DuplicateRecords)
	if stored >= 0 {
		fmt.Printf("Stored Records:     %d\n", stored)
	}
	fmt.Printf("Duration:           %v\n", result.Duration)
	if secs := result.Duration.Seconds(); secs > 0 {
		fmt.Printf("Records/Second:     %.2f\n", float64(result.SuccessfulRecords)/secs)
	}

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for i, errMsg := range result.Errors {
			if i < 10 {
				fmt.Printf("  - %s\n", errMsg)
			}
		}
		if len(result.Errors) > 10 {
			fmt.Printf("  ... and %d more errors\n", len(result.Errors)-10)
		}
	}
}

// summarize parses every station file and prints per-station counts of
// parsed lines, malformed lines and missing values.
func summarize(ctx context.Context, dataDir, pattern string) error {
	files, err := source.Discover(dataDir, pattern)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no data files found in %s", dataDir)
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("DRY RUN")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%-16s %10s %10s %10s %10s %10s %10s\n",
		"STATION", "LINES", "RECORDS", "MALFORMED", "NO_MAX", "NO_MIN", "NO_PRCP")

	var lines, records, malformed int
	for _, path := range files {
		batch, err := source.ReadFile(ctx, path)
		if err != nil {
			fmt.Printf("%-16s read error: %v\n", source.StationID(path), err)
			continue
		}

		var noMax, noMin, noPrcp int
		for _, rec := range batch.Records {
			if rec.MaxTemp == nil {
				noMax++
			}
			if rec.MinTemp == nil {
				noMin++
			}
			if rec.Precipitation == nil {
				noPrcp++
			}
		}
		fmt.Printf("%-16s %10d %10d %10d %10d %10d %10d\n",
			batch.StationID, batch.Lines, len(batch.Records), len(batch.ParseErrors), noMax, noMin, noPrcp)

		lines += batch.Lines
		records += len(batch.Records)
		malformed += len(batch.ParseErrors)
	}

	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%d files, %d lines, %d records, %d malformed\n", len(files), lines, records, malformed)
	return nil
}
