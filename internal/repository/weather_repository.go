package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"station-weather/internal/models"
	"station-weather/pkg/database"
	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

// WeatherRepository provides data access for raw observations and derived
// yearly statistics.
type WeatherRepository interface {
	// Schema
	EnsureSchema(ctx context.Context) error

	// Observation operations
	StationIDs(ctx context.Context) ([]string, error)
	AllRecords(ctx context.Context) ([]models.WeatherRecord, error)
	CountRecords(ctx context.Context) (int, error)
	UpsertRecords(ctx context.Context, records []models.WeatherRecord) error
	ReplaceRecords(ctx context.Context, records []models.WeatherRecord) error
	GetRecord(ctx context.Context, date time.Time, stationID string) (*models.WeatherRecord, error)

	// Statistics operations
	ReplaceYearlyStats(ctx context.Context, stats []models.YearlyStat) error
	GetYearlyStat(ctx context.Context, year int, stationID string) (*models.YearlyStat, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS weather (
		observation_date TEXT NOT NULL,
		max_temp INTEGER,
		min_temp INTEGER,
		precipitation INTEGER,
		station_id TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_weather_date_station ON weather (observation_date, station_id)`,
	`CREATE INDEX IF NOT EXISTS idx_weather_station ON weather (station_id)`,
	`CREATE TABLE IF NOT EXISTS analytics (
		year INTEGER NOT NULL,
		station_id TEXT NOT NULL,
		avg_max_temp DOUBLE PRECISION,
		avg_min_temp DOUBLE PRECISION,
		avg_precipitation DOUBLE PRECISION
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_analytics_year_station ON analytics (year, station_id)`,
}

const (
	insertRecordSQL = `
		INSERT INTO weather (observation_date, max_temp, min_temp, precipitation, station_id)
		VALUES (?, ?, ?, ?, ?)
	`
	upsertRecordSQL = insertRecordSQL + `
		ON CONFLICT (observation_date, station_id) DO UPDATE SET
			max_temp = excluded.max_temp,
			min_temp = excluded.min_temp,
			precipitation = excluded.precipitation
	`
	selectRecordColumns = `SELECT observation_date, max_temp, min_temp, precipitation, station_id FROM weather`

	insertStatSQL = `
		INSERT INTO analytics (year, station_id, avg_max_temp, avg_min_temp, avg_precipitation)
		VALUES (?, ?, ?, ?, ?)
	`
)

type weatherRow struct {
	Date          string `db:"observation_date"`
	MaxTemp       *int   `db:"max_temp"`
	MinTemp       *int   `db:"min_temp"`
	Precipitation *int   `db:"precipitation"`
	StationID     string `db:"station_id"`
}

func (r weatherRow) toModel() (models.WeatherRecord, error) {
	date, err := time.Parse(models.ISODateLayout, r.Date)
	if err != nil {
		return models.WeatherRecord{}, fmt.Errorf("stored date %q for %s: %w", r.Date, r.StationID, err)
	}
	return models.WeatherRecord{
		Date:          date,
		MaxTemp:       r.MaxTemp,
		MinTemp:       r.MinTemp,
		Precipitation: r.Precipitation,
		StationID:     r.StationID,
	}, nil
}

type statRow struct {
	Year             int      `db:"year"`
	StationID        string   `db:"station_id"`
	AvgMaxTemp       *float64 `db:"avg_max_temp"`
	AvgMinTemp       *float64 `db:"avg_min_temp"`
	AvgPrecipitation *float64 `db:"avg_precipitation"`
}

// weatherRepository implements WeatherRepository
type weatherRepository struct {
	db      *database.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWeatherRepository creates a new weather repository
func NewWeatherRepository(db *database.DB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) WeatherRepository {
	return &weatherRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// EnsureSchema creates the weather and analytics tables if they are missing
func (r *weatherRepository) EnsureSchema(ctx context.Context) error {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, "ensure_schema", stmt); err != nil {
			return &StoreError{Op: "ensure schema", Err: err}
		}
	}

	r.logger.Info(ctx, "[SCHEMA_READY] Weather and analytics tables ensured", logging.Fields{
		"driver": r.db.DriverName(),
	})
	return nil
}

// StationIDs lists the distinct stations with at least one stored record
func (r *weatherRepository) StationIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	var ids []string
	err := r.db.SelectContext(ctx, "list_stations", &ids,
		`SELECT DISTINCT station_id FROM weather ORDER BY station_id`)
	if err != nil {
		return nil, &StoreError{Op: "list stations", Err: err}
	}
	return ids, nil
}

// AllRecords loads the whole raw table ordered by station and date
func (r *weatherRepository) AllRecords(ctx context.Context) ([]models.WeatherRecord, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	var rows []weatherRow
	err := r.db.SelectContext(ctx, "all_records", &rows,
		selectRecordColumns+` ORDER BY station_id, observation_date`)
	if err != nil {
		return nil, &StoreError{Op: "load records", Err: err}
	}

	records := make([]models.WeatherRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, &StoreError{Op: "load records", Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}

// CountRecords returns the number of raw rows
func (r *weatherRepository) CountRecords(ctx context.Context) (int, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	var n int
	if err := r.db.GetContext(ctx, "count_records", &n, `SELECT COUNT(*) FROM weather`); err != nil {
		return 0, &StoreError{Op: "count records", Err: err}
	}
	return n, nil
}

// UpsertRecords inserts records or replaces the stored row sharing their
// (date, station) key, all in one transaction
func (r *weatherRepository) UpsertRecords(ctx context.Context, records []models.WeatherRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	timer := time.Now()
	err := r.db.InTx(ctx, "upsert_records", func(tx *sqlx.Tx) error {
		return insertRecords(ctx, tx, upsertRecordSQL, records)
	})
	if err != nil {
		return &StoreError{Op: "upsert records", Err: err}
	}

	r.recordBatch(ctx, "[REPO_UPSERT] Records upserted", len(records), time.Since(timer))
	return nil
}

// ReplaceRecords atomically swaps the whole raw table for records
func (r *weatherRepository) ReplaceRecords(ctx context.Context, records []models.WeatherRecord) error {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	timer := time.Now()
	err := r.db.InTx(ctx, "replace_records", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM weather`); err != nil {
			return fmt.Errorf("failed to clear weather table: %w", err)
		}
		return insertRecords(ctx, tx, insertRecordSQL, records)
	})
	if err != nil {
		return &StoreError{Op: "replace records", Err: err}
	}

	r.recordBatch(ctx, "[REPO_REPLACE] Weather table replaced", len(records), time.Since(timer))
	return nil
}

func insertRecords(ctx context.Context, tx *sqlx.Tx, query string, records []models.WeatherRecord) error {
	stmt, err := tx.PreparexContext(ctx, tx.Rebind(query))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.Date.Format(models.ISODateLayout),
			rec.MaxTemp,
			rec.MinTemp,
			rec.Precipitation,
			rec.StationID,
		)
		if err != nil {
			return fmt.Errorf("failed to write record %s/%s: %w",
				rec.StationID, rec.Date.Format(models.ISODateLayout), err)
		}
	}
	return nil
}

func (r *weatherRepository) recordBatch(ctx context.Context, message string, count int, duration time.Duration) {
	r.metrics.IngestionBatchSize.Observe(float64(count))
	r.metrics.IngestionRecordsTotal.Add(float64(count))
	r.logger.Debug(ctx, message, logging.Fields{
		"count":       count,
		"duration_ms": duration.Milliseconds(),
	})
}

// GetRecord retrieves the observation for a station on a date
func (r *weatherRepository) GetRecord(ctx context.Context, date time.Time, stationID string) (*models.WeatherRecord, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	day := date.Format(models.ISODateLayout)

	var row weatherRow
	err := r.db.GetContext(ctx, "get_record", &row,
		selectRecordColumns+` WHERE observation_date = ? AND station_id = ?`, day, stationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{
			Resource: "weather_record",
			ID:       fmt.Sprintf("%s:%s", stationID, day),
		}
	}
	if err != nil {
		return nil, &StoreError{Op: "get record", Err: err}
	}

	rec, err := row.toModel()
	if err != nil {
		return nil, &StoreError{Op: "get record", Err: err}
	}
	return &rec, nil
}

// ReplaceYearlyStats atomically swaps the whole analytics table for stats
func (r *weatherRepository) ReplaceYearlyStats(ctx context.Context, stats []models.YearlyStat) error {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	err := r.db.InTx(ctx, "replace_stats", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM analytics`); err != nil {
			return fmt.Errorf("failed to clear analytics table: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx, tx.Rebind(insertStatSQL))
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, s := range stats {
			if _, err := stmt.ExecContext(ctx, s.Year, s.StationID, s.AvgMaxTemp, s.AvgMinTemp, s.AvgPrecipitation); err != nil {
				return fmt.Errorf("failed to write statistic %s/%d: %w", s.StationID, s.Year, err)
			}
		}
		return nil
	})
	if err != nil {
		return &StoreError{Op: "replace statistics", Err: err}
	}
	return nil
}

// GetYearlyStat retrieves the statistics for a station and year
func (r *weatherRepository) GetYearlyStat(ctx context.Context, year int, stationID string) (*models.YearlyStat, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	var row statRow
	err := r.db.GetContext(ctx, "get_stat", &row, `
		SELECT year, station_id, avg_max_temp, avg_min_temp, avg_precipitation
		FROM analytics
		WHERE year = ? AND station_id = ?
	`, year, stationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{
			Resource: "yearly_stat",
			ID:       fmt.Sprintf("%s:%d", stationID, year),
		}
	}
	if err != nil {
		return nil, &StoreError{Op: "get statistic", Err: err}
	}

	return &models.YearlyStat{
		Year:             row.Year,
		StationID:        row.StationID,
		AvgMaxTemp:       row.AvgMaxTemp,
		AvgMinTemp:       row.AvgMinTemp,
		AvgPrecipitation: row.AvgPrecipitation,
	}, nil
}

// HealthCheck performs a repository health check
func (r *weatherRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}

// StoreError wraps a failure talking to the database.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsTransient returns true: store failures may succeed on retry
func (e *StoreError) IsTransient() bool {
	return true
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
