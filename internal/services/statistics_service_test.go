package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"station-weather/internal/models"
	"station-weather/internal/testutil"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		records  []models.WeatherRecord
		expected []models.YearlyStat
	}{
		{
			name: "single record converted from tenths",
			records: []models.WeatherRecord{
				testutil.Record("S1", testutil.Date(2020, 1, 1), testutil.Int(100), testutil.Int(-50), nil),
			},
			expected: []models.YearlyStat{
				{Year: 2020, StationID: "S1", AvgMaxTemp: testutil.Float(10.0), AvgMinTemp: testutil.Float(-5.0)},
			},
		},
		{
			name: "mean over present values only",
			records: []models.WeatherRecord{
				testutil.Record("S1", testutil.Date(2020, 1, 1), testutil.Int(100), nil, testutil.Int(4)),
				testutil.Record("S1", testutil.Date(2020, 6, 1), testutil.Int(200), nil, nil),
				testutil.Record("S1", testutil.Date(2020, 12, 31), nil, nil, testutil.Int(8)),
			},
			expected: []models.YearlyStat{
				{Year: 2020, StationID: "S1", AvgMaxTemp: testutil.Float(15.0), AvgPrecipitation: testutil.Float(0.6)},
			},
		},
		{
			name: "grouped by year and station, ordered",
			records: []models.WeatherRecord{
				testutil.Record("S2", testutil.Date(2021, 1, 1), testutil.Int(10), testutil.Int(10), testutil.Int(10)),
				testutil.Record("S1", testutil.Date(2021, 1, 1), testutil.Int(20), testutil.Int(20), testutil.Int(20)),
				testutil.Record("S2", testutil.Date(2020, 1, 1), testutil.Int(30), testutil.Int(30), testutil.Int(30)),
			},
			expected: []models.YearlyStat{
				{Year: 2020, StationID: "S2", AvgMaxTemp: testutil.Float(3), AvgMinTemp: testutil.Float(3), AvgPrecipitation: testutil.Float(3)},
				{Year: 2021, StationID: "S1", AvgMaxTemp: testutil.Float(2), AvgMinTemp: testutil.Float(2), AvgPrecipitation: testutil.Float(2)},
				{Year: 2021, StationID: "S2", AvgMaxTemp: testutil.Float(1), AvgMinTemp: testutil.Float(1), AvgPrecipitation: testutil.Float(1)},
			},
		},
		{
			name: "group with every field absent still emitted",
			records: []models.WeatherRecord{
				testutil.Record("S1", testutil.Date(2020, 1, 1), nil, nil, nil),
			},
			expected: []models.YearlyStat{
				{Year: 2020, StationID: "S1"},
			},
		},
		{
			name:     "no records",
			records:  nil,
			expected: []models.YearlyStat{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.records)
			require.Len(t, got, len(tt.expected))
			for i, want := range tt.expected {
				assert.Equal(t, want.Key(), got[i].Key())
				assertFloatPtr(t, want.AvgMaxTemp, got[i].AvgMaxTemp, "AvgMaxTemp")
				assertFloatPtr(t, want.AvgMinTemp, got[i].AvgMinTemp, "AvgMinTemp")
				assertFloatPtr(t, want.AvgPrecipitation, got[i].AvgPrecipitation, "AvgPrecipitation")
			}
		})
	}
}

func assertFloatPtr(t *testing.T, want, got *float64, field string) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got, field)
		return
	}
	require.NotNil(t, got, field)
	assert.InDelta(t, *want, *got, 1e-9, field)
}

func TestCalculateAllStatistics_EndToEnd(t *testing.T) {
	repo := testutil.NewRepository(t)
	path := writeStationFile(t, t.TempDir(), "S1",
		"20200101\t100\t-50\t-9999",
		"20200101\t100\t-50\t-9999",
	)

	_, err := newIngestion(repo, IngestionOptions{}).IngestFile(context.Background(), path)
	require.NoError(t, err)

	svc := NewStatisticsService(repo, nil, testutil.Logger(), testutil.Metrics())
	result, err := svc.CalculateAllStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Records)
	assert.Equal(t, 1, result.Stats)

	stat, err := repo.GetYearlyStat(context.Background(), 2020, "S1")
	require.NoError(t, err)
	require.NotNil(t, stat.AvgMaxTemp)
	assert.InDelta(t, 10.0, *stat.AvgMaxTemp, 1e-9)
	assert.InDelta(t, -5.0, *stat.AvgMinTemp, 1e-9)
	assert.Nil(t, stat.AvgPrecipitation)
}

func TestCalculateAllStatistics_RebuildsFromCurrentRecords(t *testing.T) {
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	svc := NewStatisticsService(repo, nil, testutil.Logger(), testutil.Metrics())

	require.NoError(t, repo.UpsertRecords(ctx, []models.WeatherRecord{
		testutil.Record("S1", testutil.Date(2020, 1, 1), testutil.Int(100), nil, nil),
	}))
	_, err := svc.CalculateAllStatistics(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.UpsertRecords(ctx, []models.WeatherRecord{
		testutil.Record("S1", testutil.Date(2020, 1, 2), testutil.Int(200), nil, nil),
	}))
	_, err = svc.CalculateAllStatistics(ctx)
	require.NoError(t, err)

	stat, err := repo.GetYearlyStat(ctx, 2020, "S1")
	require.NoError(t, err)
	assert.InDelta(t, 15.0, *stat.AvgMaxTemp, 1e-9)
}

func TestCalculateAllStatistics_InvalidatesCache(t *testing.T) {
	repo := &testutil.MockRepository{}
	statsCache := &testutil.MockStatsCache{}

	records := []models.WeatherRecord{
		testutil.Record("S1", testutil.Date(2020, 1, 1), testutil.Int(100), nil, nil),
	}
	repo.On("AllRecords", mock.Anything).Return(records, nil)
	repo.On("ReplaceYearlyStats", mock.Anything, mock.MatchedBy(func(stats []models.YearlyStat) bool {
		return len(stats) == 1 && stats[0].StationID == "S1"
	})).Return(nil)
	statsCache.On("Invalidate", mock.Anything).Return(errors.New("redis down"))

	svc := NewStatisticsService(repo, statsCache, testutil.Logger(), testutil.Metrics())
	result, err := svc.CalculateAllStatistics(context.Background())

	require.NoError(t, err, "cache invalidation failure must not fail the rebuild")
	assert.Equal(t, 1, result.Stats)
	repo.AssertExpectations(t)
	statsCache.AssertExpectations(t)
}

func TestCalculateAllStatistics_StoreErrors(t *testing.T) {
	t.Run("load failure", func(t *testing.T) {
		repo := &testutil.MockRepository{}
		repo.On("AllRecords", mock.Anything).Return(nil, errors.New("boom"))

		svc := NewStatisticsService(repo, nil, testutil.Logger(), testutil.Metrics())
		_, err := svc.CalculateAllStatistics(context.Background())
		assert.ErrorContains(t, err, "failed to load records")
		repo.AssertNotCalled(t, "ReplaceYearlyStats", mock.Anything, mock.Anything)
	})

	t.Run("save failure", func(t *testing.T) {
		repo := &testutil.MockRepository{}
		statsCache := &testutil.MockStatsCache{}
		repo.On("AllRecords", mock.Anything).Return([]models.WeatherRecord{}, nil)
		repo.On("ReplaceYearlyStats", mock.Anything, mock.Anything).Return(errors.New("boom"))

		svc := NewStatisticsService(repo, statsCache, testutil.Logger(), testutil.Metrics())
		_, err := svc.CalculateAllStatistics(context.Background())
		assert.ErrorContains(t, err, "failed to save statistics")
		statsCache.AssertNotCalled(t, "Invalidate", mock.Anything)
	})
}
