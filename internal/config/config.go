package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"station-weather/internal/cache"
	"station-weather/pkg/database"
)

// EnvPrefix prefixes every environment override, e.g. WEATHER_DATABASE_HOST.
const EnvPrefix = "WEATHER"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	API       APIConfig       `mapstructure:"api"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type IngestConfig struct {
	DataDir           string `mapstructure:"data_dir"`
	Pattern           string `mapstructure:"pattern"`
	Workers           int    `mapstructure:"workers"`
	MergeStrategy     string `mapstructure:"merge_strategy"`
	SkipKnownStations bool   `mapstructure:"skip_known_stations"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	IngestCron string        `mapstructure:"ingest_cron"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
	// RunOnStart triggers one refresh as soon as the server starts.
	RunOnStart bool `mapstructure:"run_on_start"`
}

type APIConfig struct {
	// StrictNotFound answers lookup misses with 404 instead of 200.
	StrictNotFound bool `mapstructure:"strict_not_found"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", database.DriverSQLite)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "weather")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "./data/weather.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.query_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")

	v.SetDefault("ingest.data_dir", "./wx_data")
	v.SetDefault("ingest.pattern", "*.txt")
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.merge_strategy", "upsert")
	v.SetDefault("ingest.skip_known_stations", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "weather:stats")
	v.SetDefault("redis.ttl", time.Hour)
	v.SetDefault("redis.timeout", 3*time.Second)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.ingest_cron", "0 3 * * *")
	v.SetDefault("scheduler.job_timeout", 30*time.Minute)
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("api.strict_not_found", false)
}

// LoadConfig loads configuration from defaults, an optional config.yaml, a
// local .env file and WEATHER_* environment variables, in increasing
// precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/weather-platform/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case database.DriverPostgres:
		if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.Database == "") {
			return fmt.Errorf("database host and name are required for %s", c.Database.Driver)
		}
	case database.DriverSQLite:
		if c.Database.DSN == "" && c.Database.Path == "" {
			return fmt.Errorf("database path is required for %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Database.QueryTimeout < 0 {
		return fmt.Errorf("database query timeout must not be negative")
	}

	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be at least 1, got %d", c.Ingest.Workers)
	}
	switch c.Ingest.MergeStrategy {
	case "upsert", "replace":
	default:
		return fmt.Errorf("unknown ingest merge strategy: %q", c.Ingest.MergeStrategy)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when the cache is enabled")
	}

	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.IngestCron); err != nil {
			return fmt.Errorf("invalid scheduler.ingest_cron %q: %w", c.Scheduler.IngestCron, err)
		}
		if c.Scheduler.JobTimeout <= 0 {
			return fmt.Errorf("scheduler job timeout must be positive")
		}
	}

	return nil
}

// DatabaseOptions converts the database section for database.Open.
func (c *Config) DatabaseOptions() *database.Config {
	return &database.Config{
		Driver:          c.Database.Driver,
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		Path:            c.Database.Path,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
		QueryTimeout:    c.Database.QueryTimeout,
	}
}

// CacheOptions converts the redis section for cache.NewRedisCache.
func (c *Config) CacheOptions() cache.Config {
	return cache.Config{
		Enabled:   c.Redis.Enabled,
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		KeyPrefix: c.Redis.KeyPrefix,
		TTL:       c.Redis.TTL,
		Timeout:   c.Redis.Timeout,
	}
}
