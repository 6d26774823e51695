package repository_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-weather/internal/models"
	"station-weather/internal/repository"
	"station-weather/internal/testutil"
	"station-weather/pkg/database"
	"station-weather/pkg/logging"
)

func TestEnsureSchema_Idempotent(t *testing.T) {
	repo := testutil.NewRepository(t)
	require.NoError(t, repo.EnsureSchema(context.Background()))

	n, err := repo.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnsureSchema_LogsDriver(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewStructuredLogger("test", "0", logging.InfoLevel)
	logger.SetOutput(&buf)

	repo := repository.NewWeatherRepository(testutil.NewDB(t), logger, testutil.Metrics())
	require.NoError(t, repo.EnsureSchema(context.Background()))

	assert.Contains(t, buf.String(), "[SCHEMA_READY]")
	assert.Contains(t, buf.String(), `"driver":"`+database.DriverSQLite+`"`)
}

func TestUpsertRecords_ReplacesByKey(t *testing.T) {
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	day := testutil.Date(2020, 1, 1)

	require.NoError(t, repo.UpsertRecords(ctx, []models.WeatherRecord{
		testutil.Record("S1", day, testutil.Int(100), testutil.Int(-50), nil),
		testutil.Record("S2", day, testutil.Int(1), testutil.Int(2), testutil.Int(3)),
	}))
	require.NoError(t, repo.UpsertRecords(ctx, []models.WeatherRecord{
		testutil.Record("S1", day, testutil.Int(120), nil, testutil.Int(7)),
	}))

	n, err := repo.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := repo.GetRecord(ctx, day, "S1")
	require.NoError(t, err)
	require.NotNil(t, rec.MaxTemp)
	assert.Equal(t, 120, *rec.MaxTemp)
	assert.Nil(t, rec.MinTemp)
	require.NotNil(t, rec.Precipitation)
	assert.Equal(t, 7, *rec.Precipitation)
	assert.True(t, rec.Date.Equal(day))
}

func TestUpsertRecords_Empty(t *testing.T) {
	repo := testutil.NewRepository(t)
	assert.NoError(t, repo.UpsertRecords(context.Background(), nil))
}

func TestUpsertRecords_DuplicateKeyInBatchKeepsLast(t *testing.T) {
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	day := testutil.Date(2021, 6, 1)

	require.NoError(t, repo.UpsertRecords(ctx, []models.WeatherRecord{
		testutil.Record("S1", day, testutil.Int(1), nil, nil),
		testutil.Record("S1", day, testutil.Int(2), nil, nil),
	}))

	n, err := repo.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := repo.GetRecord(ctx, day, "S1")
	require.NoError(t, err)
	assert.Equal(t, 2, *rec.MaxTemp)
}

func TestReplaceRecords(t *testing.T) {
	repo := testutil.NewRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertRecords(ctx, []models.WeatherRecord{
		testutil.Record("OLD", testutil.Date(1990, 1, 1), nil, nil, nil),
	}))

	require.NoError(t, repo.ReplaceRecords(ctx, []models.WeatherRecord{
		testutil.Record("S1", testutil.Date(2020, 1, 2), testutil.Int(5), nil, nil),
		testutil.Record("S1", testutil.Date(2020, 1, 1), testutil.Int(4), nil, nil),
	}))

	records, err := repo.AllRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2020-01-01", records[0].Date.Format(models.ISODateLayout))
	assert.Equal(t, "S1", records[0].StationID)

	ids, err := repo.StationIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, ids)
}

func TestReplaceRecords_FailureKeepsPriorState(t *testing.T) {
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	day := testutil.Date(2020, 1, 1)

	require.NoError(t, repo.UpsertRecords(ctx, []models.WeatherRecord{
		testutil.Record("S1", day, testutil.Int(100), nil, nil),
	}))

	// Two rows with the same key violate the unique index mid-transaction.
	err := repo.ReplaceRecords(ctx, []models.WeatherRecord{
		testutil.Record("S2", day, nil, nil, nil),
		testutil.Record("S2", day, nil, nil, nil),
	})
	var storeErr *repository.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.True(t, storeErr.IsTransient())

	records, err := repo.AllRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "S1", records[0].StationID)
}

func TestGetRecord_NotFound(t *testing.T) {
	repo := testutil.NewRepository(t)

	_, err := repo.GetRecord(context.Background(), testutil.Date(1900, 1, 1), "UNKNOWN")
	require.Error(t, err)
	assert.True(t, repository.IsNotFound(err))

	var nf *repository.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "weather_record not found: UNKNOWN:1900-01-01", nf.Error())
	assert.False(t, nf.IsTransient())
}

func TestYearlyStats_ReplaceAndGet(t *testing.T) {
	repo := testutil.NewRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.ReplaceYearlyStats(ctx, []models.YearlyStat{
		{Year: 2019, StationID: "S1", AvgMaxTemp: testutil.Float(1)},
	}))
	require.NoError(t, repo.ReplaceYearlyStats(ctx, []models.YearlyStat{
		{Year: 2020, StationID: "S1", AvgMaxTemp: testutil.Float(15), AvgMinTemp: testutil.Float(-5)},
	}))

	stat, err := repo.GetYearlyStat(ctx, 2020, "S1")
	require.NoError(t, err)
	assert.Equal(t, 2020, stat.Year)
	require.NotNil(t, stat.AvgMaxTemp)
	assert.InDelta(t, 15.0, *stat.AvgMaxTemp, 1e-9)
	assert.Nil(t, stat.AvgPrecipitation)

	_, err = repo.GetYearlyStat(ctx, 2019, "S1")
	assert.True(t, repository.IsNotFound(err), "previous run's rows must be replaced")
}

func TestStoreError(t *testing.T) {
	inner := errors.New("connection refused")
	err := &repository.StoreError{Op: "get record", Err: inner}

	assert.Equal(t, "store: get record: connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.False(t, repository.IsNotFound(err))
}

func TestHealthCheck(t *testing.T) {
	repo := testutil.NewRepository(t)
	assert.NoError(t, repo.HealthCheck(context.Background()))
}
