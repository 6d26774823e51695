package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"station-weather/internal/models"
	"station-weather/pkg/logging"
)

// StatsCache is a read-through cache for yearly statistic lookups. Entries
// are filed under a generation; Invalidate starts a new one, so a fill that
// raced a recompute lands in a generation no reader asks for.
type StatsCache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, gen int64, year int, stationID string) (*models.YearlyStat, bool, error)
	Set(ctx context.Context, gen int64, stat *models.YearlyStat) error
	Invalidate(ctx context.Context) error
}

// Noop is a StatsCache that never stores anything.
type Noop struct{}

func (Noop) Generation(context.Context) (int64, error) { return 0, nil }
func (Noop) Get(context.Context, int64, int, string) (*models.YearlyStat, bool, error) {
	return nil, false, nil
}
func (Noop) Set(context.Context, int64, *models.YearlyStat) error { return nil }
func (Noop) Invalidate(context.Context) error                      { return nil }

// Config holds Redis connection settings for the cache.
type Config struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
	Timeout   time.Duration
}

// RedisCache stores yearly statistics as JSON under
// "<prefix>:g<generation>:<year>:<station>". The current generation lives
// under "<prefix>:gen".
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type cachedStat struct {
	Year             int      `json:"year"`
	StationID        string   `json:"station_id"`
	AvgMaxTemp       *float64 `json:"avg_max_temp"`
	AvgMinTemp       *float64 `json:"avg_min_temp"`
	AvgPrecipitation *float64 `json:"avg_precipitation"`
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheFromClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "weather:stats"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(gen int64, year int, stationID string) string {
	return fmt.Sprintf("%s:g%d:%d:%s", c.prefix, gen, year, stationID)
}

func (c *RedisCache) genKey() string {
	return c.prefix + ":gen"
}

// Generation returns the current cache generation; 0 before the first
// Invalidate.
func (c *RedisCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

// Get returns the statistic cached in generation gen, if any.
func (c *RedisCache) Get(ctx context.Context, gen int64, year int, stationID string) (*models.YearlyStat, bool, error) {
	data, err := c.client.Get(ctx, c.key(gen, year, stationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get from Redis: %w", err)
	}

	var cs cachedStat
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached statistic: %w", err)
	}
	return &models.YearlyStat{
		Year:             cs.Year,
		StationID:        cs.StationID,
		AvgMaxTemp:       cs.AvgMaxTemp,
		AvgMinTemp:       cs.AvgMinTemp,
		AvgPrecipitation: cs.AvgPrecipitation,
	}, true, nil
}

// Set caches stat in generation gen for the configured TTL.
func (c *RedisCache) Set(ctx context.Context, gen int64, stat *models.YearlyStat) error {
	data, err := json.Marshal(cachedStat{
		Year:             stat.Year,
		StationID:        stat.StationID,
		AvgMaxTemp:       stat.AvgMaxTemp,
		AvgMinTemp:       stat.AvgMinTemp,
		AvgPrecipitation: stat.AvgPrecipitation,
	})
	if err != nil {
		return fmt.Errorf("failed to encode statistic: %w", err)
	}
	if err := c.client.Set(ctx, c.key(gen, stat.Year, stat.StationID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set data in Redis: %w", err)
	}
	return nil
}

// Invalidate starts a new generation, then drops the entries of older ones.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	gen, err := c.client.Incr(ctx, c.genKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to advance cache generation: %w", err)
	}

	current := fmt.Sprintf("%s:g%d:", c.prefix, gen)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+":g*:*", 500).Result()
		if err != nil {
			return fmt.Errorf("failed to scan Redis keys: %w", err)
		}
		stale := keys[:0]
		for _, k := range keys {
			if !strings.HasPrefix(k, current) {
				stale = append(stale, k)
			}
		}
		if len(stale) > 0 {
			if err := c.client.Del(ctx, stale...).Err(); err != nil {
				return fmt.Errorf("failed to delete from Redis: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Connect returns the Redis cache when cfg is enabled and reachable, and Noop
// otherwise. An unreachable server is logged and tolerated. The returned func
// releases the connection.
func Connect(ctx context.Context, cfg Config, logger *logging.StructuredLogger) (StatsCache, func()) {
	if !cfg.Enabled {
		return Noop{}, func() {}
	}

	redisCache, err := NewRedisCache(ctx, cfg)
	if err != nil {
		logger.Warn(ctx, "[CACHE_UNAVAILABLE] Statistics cache unavailable, continuing without it", logging.Fields{
			"redis_addr": cfg.Addr,
			"error":      err.Error(),
		})
		return Noop{}, func() {}
	}
	return redisCache, func() { _ = redisCache.Close() }
}
