package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"station-weather/internal/models"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) EnsureSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) StationIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockRepository) AllRecords(ctx context.Context) ([]models.WeatherRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.WeatherRecord), args.Error(1)
}

func (m *MockRepository) CountRecords(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) UpsertRecords(ctx context.Context, records []models.WeatherRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockRepository) ReplaceRecords(ctx context.Context, records []models.WeatherRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockRepository) GetRecord(ctx context.Context, date time.Time, stationID string) (*models.WeatherRecord, error) {
	args := m.Called(ctx, date, stationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WeatherRecord), args.Error(1)
}

func (m *MockRepository) ReplaceYearlyStats(ctx context.Context, stats []models.YearlyStat) error {
	args := m.Called(ctx, stats)
	return args.Error(0)
}

func (m *MockRepository) GetYearlyStat(ctx context.Context, year int, stationID string) (*models.YearlyStat, error) {
	args := m.Called(ctx, year, stationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.YearlyStat), args.Error(1)
}

func (m *MockRepository) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockStatsCache struct {
	mock.Mock
}

func (m *MockStatsCache) Generation(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStatsCache) Get(ctx context.Context, gen int64, year int, stationID string) (*models.YearlyStat, bool, error) {
	args := m.Called(ctx, gen, year, stationID)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.YearlyStat), args.Bool(1), args.Error(2)
}

func (m *MockStatsCache) Set(ctx context.Context, gen int64, stat *models.YearlyStat) error {
	args := m.Called(ctx, gen, stat)
	return args.Error(0)
}

func (m *MockStatsCache) Invalidate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
