package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"station-weather/internal/cache"
	"station-weather/internal/models"
	"station-weather/internal/repository"
	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

// StatisticsService recomputes yearly per-station statistics
type StatisticsService struct {
	repo    repository.WeatherRepository
	cache   cache.StatsCache
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// AggregationResult summarizes one recomputation
type AggregationResult struct {
	Records  int
	Stats    int
	Duration time.Duration
}

// NewStatisticsService creates a new statistics service
func NewStatisticsService(repo repository.WeatherRepository, statsCache cache.StatsCache, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *StatisticsService {
	if statsCache == nil {
		statsCache = cache.Noop{}
	}
	return &StatisticsService{
		repo:    repo,
		cache:   statsCache,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// CalculateAllStatistics rebuilds the analytics table from every stored
// record.
func (s *StatisticsService) CalculateAllStatistics(ctx context.Context) (*AggregationResult, error) {
	timer := s.metrics.NewTimer(s.metrics.StatsCalculationDuration)

	s.logger.Info(ctx, "[STATS_CALC_START] Starting statistics calculation", logging.Fields{
		"stage": "INITIALIZATION",
	})

	records, err := s.repo.AllRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	stats := Aggregate(records)

	if err := s.repo.ReplaceYearlyStats(ctx, stats); err != nil {
		return nil, fmt.Errorf("failed to save statistics: %w", err)
	}
	s.metrics.StatsRowsWritten.Set(float64(len(stats)))

	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Error(ctx, "[STATS_CACHE_ERROR] Failed to invalidate statistics cache", logging.Fields{}, err)
	}

	result := &AggregationResult{
		Records:  len(records),
		Stats:    len(stats),
		Duration: timer.ObserveDuration(),
	}

	s.logger.Info(ctx, "[STATS_CALC_COMPLETE] Statistics calculation completed", logging.Fields{
		"total_records":    result.Records,
		"total_statistics": result.Stats,
		"duration_seconds": result.Duration.Seconds(),
		"stage":            "COMPLETE",
	})

	return result, nil
}

type fieldMean struct {
	sum   int64
	count int64
}

func (m *fieldMean) add(v *int) {
	if v == nil {
		return
	}
	m.sum += int64(*v)
	m.count++
}

// value returns the mean converted from tenths to whole units, or nil when
// no value was present.
func (m fieldMean) value() *float64 {
	if m.count == 0 {
		return nil
	}
	v := float64(m.sum) / float64(m.count) / 10.0
	return &v
}

type yearAccumulator struct {
	maxTemp, minTemp, precipitation fieldMean
}

// Aggregate groups records by (year, station) and averages each field over
// the records where it is present. The result is ordered by year, then
// station.
func Aggregate(records []models.WeatherRecord) []models.YearlyStat {
	groups := make(map[models.StatKey]*yearAccumulator)
	for _, rec := range records {
		key := models.StatKey{Year: rec.Year(), StationID: rec.StationID}
		acc, ok := groups[key]
		if !ok {
			acc = &yearAccumulator{}
			groups[key] = acc
		}
		acc.maxTemp.add(rec.MaxTemp)
		acc.minTemp.add(rec.MinTemp)
		acc.precipitation.add(rec.Precipitation)
	}

	stats := make([]models.YearlyStat, 0, len(groups))
	for key, acc := range groups {
		stats = append(stats, models.YearlyStat{
			Year:             key.Year,
			StationID:        key.StationID,
			AvgMaxTemp:       acc.maxTemp.value(),
			AvgMinTemp:       acc.minTemp.value(),
			AvgPrecipitation: acc.precipitation.value(),
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Year != stats[j].Year {
			return stats[i].Year < stats[j].Year
		}
		return stats[i].StationID < stats[j].StationID
	})
	return stats
}
