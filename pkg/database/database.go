package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds database connection configuration
type Config struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Path            string // sqlite file path
	DSN             string // overrides everything above when set
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// DB wraps sqlx.DB with monitoring, metrics and per-operation timeouts.
type DB struct {
	db      *sqlx.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	config  *Config

	stop      chan struct{}
	closeOnce sync.Once
}

// Open opens and pings a database connection for cfg.Driver.
func Open(cfg *Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info(context.Background(), "[DB_INIT] Database connection established", logging.Fields{
		"driver":            cfg.Driver,
		"host":              cfg.Host,
		"database":          cfg.Database,
		"path":              cfg.Path,
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime.String(),
	})

	d := &DB{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
		config:  cfg,
		stop:    make(chan struct{}),
	}

	go d.monitorConnectionPool()

	return d, nil
}

func buildDSN(cfg *Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	switch cfg.Driver {
	case DriverPostgres:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host,
			cfg.Port,
			cfg.User,
			cfg.Password,
			cfg.Database,
			cfg.SSLMode,
		), nil
	case DriverSQLite:
		if cfg.Path == "" {
			return "", errors.New("sqlite path must not be empty")
		}
		dir := filepath.Dir(cfg.Path)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
		params := []string{
			"_foreign_keys=on",
			"_busy_timeout=5000",
			"_journal_mode=WAL",
		}
		if strings.HasPrefix(cfg.Path, "file:") {
			sep := "?"
			if strings.Contains(cfg.Path, "?") {
				sep = "&"
			}
			return cfg.Path + sep + strings.Join(params, "&"), nil
		}
		return fmt.Sprintf("file:%s?%s", cfg.Path, strings.Join(params, "&")), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Close stops pool monitoring and closes the database connection
func (d *DB) Close() error {
	d.closeOnce.Do(func() { close(d.stop) })
	d.logger.Info(context.Background(), "[DB_CLOSE] Closing database connection", logging.Fields{
		"driver": d.config.Driver,
	})
	return d.db.Close()
}

// DriverName reports the configured driver.
func (d *DB) DriverName() string {
	return d.db.DriverName()
}

// WithTimeout bounds ctx by the configured query timeout. A zero timeout
// leaves ctx untouched.
func (d *DB) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.config.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.config.QueryTimeout)
}

// ExecContext executes a command with context and metrics
func (d *DB) ExecContext(ctx context.Context, queryType, query string, args ...interface{}) (sql.Result, error) {
	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		d.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())

		d.logger.Debug(ctx, "[DB_EXEC] Command executed", logging.Fields{
			"query_type":  queryType,
			"duration_ms": duration.Milliseconds(),
		})
	}()

	result, err := d.db.ExecContext(ctx, d.db.Rebind(query), args...)
	if err != nil {
		d.metrics.RecordDBError("exec_error")
		d.logger.Error(ctx, "[DB_EXEC_ERROR] Command failed", logging.Fields{
			"query_type": queryType,
		}, err)
		return nil, err
	}

	return result, nil
}

// GetContext executes a query that returns a single row
func (d *DB) GetContext(ctx context.Context, queryType string, dest interface{}, query string, args ...interface{}) error {
	timer := time.Now()
	defer func() {
		d.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(time.Since(timer).Seconds())
	}()

	err := d.db.GetContext(ctx, dest, d.db.Rebind(query), args...)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		d.metrics.RecordDBError("get_error")
		d.logger.Error(ctx, "[DB_GET_ERROR] Get query failed", logging.Fields{
			"query_type": queryType,
		}, err)
	}

	return err
}

// SelectContext executes a query that returns multiple rows
func (d *DB) SelectContext(ctx context.Context, queryType string, dest interface{}, query string, args ...interface{}) error {
	timer := time.Now()
	defer func() {
		d.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(time.Since(timer).Seconds())
	}()

	err := d.db.SelectContext(ctx, dest, d.db.Rebind(query), args...)
	if err != nil {
		d.metrics.RecordDBError("select_error")
		d.logger.Error(ctx, "[DB_SELECT_ERROR] Select query failed", logging.Fields{
			"query_type": queryType,
		}, err)
		return err
	}

	return nil
}

// InTx runs fn inside a transaction, committing on success and rolling back
// on any error or panic.
func (d *DB) InTx(ctx context.Context, queryType string, fn func(tx *sqlx.Tx) error) (err error) {
	timer := time.Now()
	defer func() {
		d.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(time.Since(timer).Seconds())
	}()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		d.metrics.RecordDBError("transaction_begin_error")
		d.logger.Error(ctx, "[DB_TX_ERROR] Failed to begin transaction", logging.Fields{
			"query_type": queryType,
		}, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				d.logger.Error(ctx, "[DB_TX_ROLLBACK_ERROR] Rollback failed", logging.Fields{
					"query_type": queryType,
				}, rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		d.metrics.RecordDBError("transaction_error")
		return err
	}

	if err = tx.Commit(); err != nil {
		d.metrics.RecordDBError("transaction_commit_error")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (d *DB) monitorConnectionPool() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		stats := d.db.Stats()
		d.metrics.UpdateDBConnectionPool(stats.InUse, stats.Idle, stats.OpenConnections)

		if stats.MaxOpenConnections <= 0 {
			continue
		}
		utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections)
		if utilization > 0.8 {
			d.logger.Warn(context.Background(), "[DB_POOL_WARNING] Connection pool utilization high", logging.Fields{
				"in_use":      stats.InUse,
				"idle":        stats.Idle,
				"total":       stats.OpenConnections,
				"max_open":    stats.MaxOpenConnections,
				"utilization": fmt.Sprintf("%.2f%%", utilization*100),
			})
		}
	}
}

// HealthCheck performs a database health check
func (d *DB) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
