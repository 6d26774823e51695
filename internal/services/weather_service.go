package services

import (
	"context"
	"sync/atomic"
	"time"

	"station-weather/internal/cache"
	"station-weather/internal/models"
	"station-weather/internal/repository"
	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

// WeatherService answers point lookups. It never returns an error: a store
// failure is logged and reported as a miss so the read path always answers.
type WeatherService struct {
	repo    repository.WeatherRepository
	cache   cache.StatsCache
	logger  *logging.StructuredLogger
	metrics *metrics.Collector

	cacheEnabled bool
	cacheLookups atomic.Int64
	cacheHits    atomic.Int64
}

// NewWeatherService creates a new weather service
func NewWeatherService(repo repository.WeatherRepository, statsCache cache.StatsCache, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *WeatherService {
	if statsCache == nil {
		statsCache = cache.Noop{}
	}
	_, disabled := statsCache.(cache.Noop)
	return &WeatherService{
		repo:         repo,
		cache:        statsCache,
		logger:       logger,
		metrics:      metricsCollector,
		cacheEnabled: !disabled,
	}
}

// GetObservation returns the record for stationID on date.
func (s *WeatherService) GetObservation(ctx context.Context, date time.Time, stationID string) (*models.WeatherRecord, bool) {
	rec, err := s.repo.GetRecord(ctx, date, stationID)
	if err != nil {
		s.degrade(ctx, "/api/weather", err, logging.Fields{
			"date":       date.Format(models.ISODateLayout),
			"station_id": stationID,
		})
		return nil, false
	}
	return rec, true
}

// GetYearlyStat returns the statistic for stationID in year.
func (s *WeatherService) GetYearlyStat(ctx context.Context, year int, stationID string) (*models.YearlyStat, bool) {
	fields := logging.Fields{"year": year, "station_id": stationID}

	// Generation is read before the store: a fill that races a recompute
	// lands in the retired generation.
	gen, cacheOK := s.cacheGeneration(ctx, fields)
	if cacheOK {
		stat, hit, err := s.cache.Get(ctx, gen, year, stationID)
		s.recordCacheLookup(hit)
		if err != nil {
			s.logger.Warn(ctx, "[QUERY_CACHE_ERROR] Statistics cache read failed", fields)
		}
		if hit {
			return stat, true
		}
	}

	stat, err := s.repo.GetYearlyStat(ctx, year, stationID)
	if err != nil {
		s.degrade(ctx, "/api/weather/stats", err, fields)
		return nil, false
	}

	if cacheOK {
		if err := s.cache.Set(ctx, gen, stat); err != nil {
			s.logger.Warn(ctx, "[QUERY_CACHE_ERROR] Statistics cache write failed", fields)
		}
	}
	return stat, true
}

func (s *WeatherService) cacheGeneration(ctx context.Context, fields logging.Fields) (int64, bool) {
	if !s.cacheEnabled {
		return 0, false
	}
	gen, err := s.cache.Generation(ctx)
	if err != nil {
		s.logger.Warn(ctx, "[QUERY_CACHE_ERROR] Statistics cache generation unavailable", fields)
		return 0, false
	}
	return gen, true
}

func (s *WeatherService) degrade(ctx context.Context, endpoint string, err error, fields logging.Fields) {
	if repository.IsNotFound(err) {
		s.logger.Debug(ctx, "[QUERY_MISS] Lookup miss", fields)
		return
	}
	s.metrics.RecordAPIError("store_error", endpoint)
	s.logger.Error(ctx, "[QUERY_DEGRADED] Store lookup failed, answering not found", fields, err)
}

func (s *WeatherService) recordCacheLookup(hit bool) {
	lookups := s.cacheLookups.Add(1)
	hits := s.cacheHits.Load()
	if hit {
		hits = s.cacheHits.Add(1)
	}
	s.metrics.StatsCacheHitRatio.WithLabelValues("redis").Set(float64(hits) / float64(lookups))
}
