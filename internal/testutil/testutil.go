// Package testutil builds in-memory stores and quiet loggers for tests.
package testutil

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"station-weather/internal/models"
	"station-weather/internal/repository"
	"station-weather/pkg/database"
	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

// Logger returns a logger that discards its output.
func Logger() *logging.StructuredLogger {
	logger := logging.NewStructuredLogger("test", "0.0.0", logging.DebugLevel)
	logger.SetOutput(io.Discard)
	return logger
}

// Metrics returns a collector on a private registry.
func Metrics() *metrics.Collector {
	return metrics.NewCollector("test", prometheus.NewRegistry())
}

// NewDB opens an in-memory SQLite database closed with the test. A single
// connection keeps the in-memory database alive for the test's lifetime.
func NewDB(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(&database.Config{
		Driver:       database.DriverSQLite,
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		QueryTimeout: 10 * time.Second,
	}, Logger(), Metrics())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close db: %v", err)
		}
	})
	return db
}

// NewRepository returns a repository over a fresh in-memory schema.
func NewRepository(t testing.TB) repository.WeatherRepository {
	t.Helper()

	repo := repository.NewWeatherRepository(NewDB(t), Logger(), Metrics())
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return repo
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Date returns midnight UTC of the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Record builds a WeatherRecord.
func Record(station string, date time.Time, maxTemp, minTemp, precipitation *int) models.WeatherRecord {
	return models.WeatherRecord{
		Date:          date,
		MaxTemp:       maxTemp,
		MinTemp:       minTemp,
		Precipitation: precipitation,
		StationID:     station,
	}
}
