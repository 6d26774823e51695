package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"station-weather/internal/models"
	"station-weather/internal/repository"
	"station-weather/internal/testutil"
	"station-weather/pkg/logging"
)

func writeStationFile(t *testing.T, dir, station string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, station+".txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func newIngestion(repo repository.WeatherRepository, opts IngestionOptions) *IngestionService {
	return NewIngestionService(repo, testutil.Logger(), testutil.Metrics(), opts)
}

func rowSet(t *testing.T, repo repository.WeatherRepository) map[string]string {
	t.Helper()
	records, err := repo.AllRecords(context.Background())
	require.NoError(t, err)

	out := make(map[string]string, len(records))
	for _, rec := range records {
		key := rec.Key()
		id := key.StationID + "/" + key.Date
		_, dup := out[id]
		require.False(t, dup, "duplicate key %s", id)
		out[id] = fmt.Sprintf("%v|%v|%v", deref(rec.MaxTemp), deref(rec.MinTemp), deref(rec.Precipitation))
	}
	return out
}

func deref(v *int) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(*v)
}

func TestIngestFile_ExactDuplicateLinesCollapse(t *testing.T) {
	repo := testutil.NewRepository(t)
	dir := t.TempDir()
	path := writeStationFile(t, dir, "S1",
		"20200101\t100\t-50\t-9999",
		"20200101\t100\t-50\t-9999",
	)

	svc := newIngestion(repo, IngestionOptions{})
	res, err := svc.IngestFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "S1", res.StationID)
	assert.Equal(t, 2, res.TotalRecords)
	assert.Equal(t, 1, res.SuccessfulRecords)
	assert.Equal(t, 1, res.DuplicateRecords)

	rec, err := repo.GetRecord(context.Background(), testutil.Date(2020, 1, 1), "S1")
	require.NoError(t, err)
	assert.Nil(t, rec.Precipitation)
	assert.Equal(t, 100, *rec.MaxTemp)
	assert.Equal(t, -50, *rec.MinTemp)
}

func TestIngestFile_SentinelNeverStored(t *testing.T) {
	repo := testutil.NewRepository(t)
	path := writeStationFile(t, t.TempDir(), "S1",
		"20200101\t-9999\t10\t10",
		"20200102\t10\t-9999\t10",
		"20200103\t10\t10\t-9999",
	)

	_, err := newIngestion(repo, IngestionOptions{}).IngestFile(context.Background(), path)
	require.NoError(t, err)

	records, err := repo.AllRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		for _, v := range []*int{rec.MaxTemp, rec.MinTemp, rec.Precipitation} {
			if v != nil {
				assert.NotEqual(t, models.MissingValue, *v)
			}
		}
	}
	assert.Nil(t, records[0].MaxTemp)
	assert.Nil(t, records[1].MinTemp)
	assert.Nil(t, records[2].Precipitation)
}

func TestIngestFile_ParseErrorsDropLineOnly(t *testing.T) {
	repo := testutil.NewRepository(t)
	path := writeStationFile(t, t.TempDir(), "S1",
		"20200101\t1\t1\t1",
		"2020-01-02\t1\t1\t1",
		"20200103\tbad\t1\t1",
		"20200104\t1\t1\t1",
	)

	res, err := newIngestion(repo, IngestionOptions{}).IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalRecords)
	assert.Equal(t, 2, res.FailedRecords)
	assert.Equal(t, 2, res.SuccessfulRecords)

	n, err := repo.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIngestFile_LogsCarryFileAndStation(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewStructuredLogger("test", "0", logging.InfoLevel)
	logger.SetOutput(&buf)

	path := writeStationFile(t, t.TempDir(), "S7",
		"20200101\t1\t1\t1",
		"20200102\tbad\t1\t1",
	)
	svc := NewIngestionService(testutil.NewRepository(t), logger, testutil.Metrics(), IngestionOptions{})
	_, err := svc.IngestFile(context.Background(), path)
	require.NoError(t, err)

	messages := map[string]map[string]interface{}{}
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var entry map[string]interface{}
		require.NoError(t, dec.Decode(&entry))
		if fields, ok := entry["fields"].(map[string]interface{}); ok {
			messages[entry["message"].(string)] = fields
		}
	}

	for _, msg := range []string{
		"[INGEST_PARSE_ERROR] Dropping malformed line",
		"[INGEST_FILE_SUCCESS] File ingested successfully",
	} {
		fields, ok := messages[msg]
		require.True(t, ok, msg)
		assert.Equal(t, path, fields["file_path"], msg)
		assert.Equal(t, "S7", fields["station_id"], msg)
	}
	assert.EqualValues(t, 2, messages["[INGEST_PARSE_ERROR] Dropping malformed line"]["line"])
}

func TestIngestDirectory_IdempotentForBothStrategies(t *testing.T) {
	for _, strategy := range []MergeStrategy{MergeUpsert, MergeReplace} {
		t.Run(string(strategy), func(t *testing.T) {
			repo := testutil.NewRepository(t)
			dir := t.TempDir()
			writeStationFile(t, dir, "S1", "20200101\t1\t2\t3", "20200102\t4\t5\t-9999")
			writeStationFile(t, dir, "S2", "20200101\t7\t8\t9", "20200101\t7\t8\t9")

			svc := newIngestion(repo, IngestionOptions{Strategy: strategy})

			first, err := svc.IngestDirectory(context.Background(), dir)
			require.NoError(t, err)
			assert.Equal(t, 2, first.IngestedFiles)
			after1 := rowSet(t, repo)

			_, err = svc.IngestDirectory(context.Background(), dir)
			require.NoError(t, err)
			after2 := rowSet(t, repo)

			assert.Equal(t, after1, after2)
			assert.Len(t, after2, 3)
		})
	}
}

func TestIngestFile_UpdatedStationFileMergesByKey(t *testing.T) {
	for _, strategy := range []MergeStrategy{MergeUpsert, MergeReplace} {
		t.Run(string(strategy), func(t *testing.T) {
			repo := testutil.NewRepository(t)
			dir := t.TempDir()
			svc := newIngestion(repo, IngestionOptions{Strategy: strategy})

			writeStationFile(t, dir, "OTHER", "19990101\t1\t1\t1")
			writeStationFile(t, dir, "S1", "20200101\t1\t1\t1", "20200102\t2\t2\t2")
			_, err := svc.IngestDirectory(context.Background(), dir)
			require.NoError(t, err)

			path := writeStationFile(t, dir, "S1", "20200102\t20\t20\t20", "20200103\t3\t3\t3")
			_, err = svc.IngestFile(context.Background(), path)
			require.NoError(t, err)

			rows := rowSet(t, repo)
			assert.Equal(t, map[string]string{
				"OTHER/1999-01-01": "1|1|1",
				"S1/2020-01-01":    "1|1|1",
				"S1/2020-01-02":    "20|20|20",
				"S1/2020-01-03":    "3|3|3",
			}, rows)
		})
	}
}

func TestIngestFile_SkipKnownStations(t *testing.T) {
	repo := testutil.NewRepository(t)
	dir := t.TempDir()
	svc := newIngestion(repo, IngestionOptions{SkipKnownStations: true})

	path := writeStationFile(t, dir, "S1", "20200101\t1\t1\t1")
	res, err := svc.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	writeStationFile(t, dir, "S1", "20200101\t1\t1\t1", "20200102\t2\t2\t2")
	result := svc.IngestFiles(context.Background(), []string{path})
	assert.Equal(t, 1, result.SkippedFiles)
	assert.Equal(t, 0, result.IngestedFiles)
	assert.Equal(t, 0, result.SuccessfulRecords)

	n, err := repo.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestFiles_IsolatesFailures(t *testing.T) {
	repo := testutil.NewRepository(t)
	dir := t.TempDir()
	good := writeStationFile(t, dir, "GOOD", "20200101\t1\t1\t1")
	missing := filepath.Join(dir, "MISSING.txt")

	result := newIngestion(repo, IngestionOptions{}).IngestFiles(context.Background(), []string{missing, good})

	assert.Equal(t, 2, result.TotalFiles)
	assert.Equal(t, 1, result.FailedFiles)
	assert.Equal(t, 1, result.IngestedFiles)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "MISSING.txt")

	_, err := repo.GetRecord(context.Background(), testutil.Date(2020, 1, 1), "GOOD")
	assert.NoError(t, err)
}

func TestIngestFiles_StoreFailureAbortsOnlyThatFile(t *testing.T) {
	dir := t.TempDir()
	bad := writeStationFile(t, dir, "BAD", "20200101\t1\t1\t1")
	good := writeStationFile(t, dir, "GOOD", "20200101\t2\t2\t2")

	repo := &testutil.MockRepository{}
	repo.On("UpsertRecords", mock.Anything, mock.MatchedBy(func(recs []models.WeatherRecord) bool {
		return len(recs) == 1 && recs[0].StationID == "BAD"
	})).Return(&repository.StoreError{Op: "upsert records", Err: errors.New("disk full")})
	repo.On("UpsertRecords", mock.Anything, mock.MatchedBy(func(recs []models.WeatherRecord) bool {
		return len(recs) == 1 && recs[0].StationID == "GOOD"
	})).Return(nil)

	result := newIngestion(repo, IngestionOptions{}).IngestFiles(context.Background(), []string{bad, good})

	assert.Equal(t, 1, result.FailedFiles)
	assert.Equal(t, 1, result.IngestedFiles)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "disk full")
	repo.AssertExpectations(t)
}

func TestIngestFile_ReplaceStrategyUnionsWithStore(t *testing.T) {
	dir := t.TempDir()
	path := writeStationFile(t, dir, "S1", "20200101\t100\t1\t1")

	existing := []models.WeatherRecord{
		testutil.Record("S1", testutil.Date(2020, 1, 1), testutil.Int(5), nil, nil),
		testutil.Record("S2", testutil.Date(2020, 1, 1), testutil.Int(6), nil, nil),
	}

	repo := &testutil.MockRepository{}
	repo.On("AllRecords", mock.Anything).Return(existing, nil)
	repo.On("ReplaceRecords", mock.Anything, mock.MatchedBy(func(recs []models.WeatherRecord) bool {
		if len(recs) != 2 {
			return false
		}
		return recs[0].StationID == "S1" && *recs[0].MaxTemp == 100 && recs[1].StationID == "S2"
	})).Return(nil)

	_, err := newIngestion(repo, IngestionOptions{Strategy: MergeReplace}).IngestFile(context.Background(), path)
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestIngestFile_ReplaceStrategyLoadFailure(t *testing.T) {
	path := writeStationFile(t, t.TempDir(), "S1", "20200101\t1\t1\t1")

	repo := &testutil.MockRepository{}
	repo.On("AllRecords", mock.Anything).Return(nil, errors.New("connection reset"))

	_, err := newIngestion(repo, IngestionOptions{Strategy: MergeReplace}).IngestFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load stored records")
	repo.AssertNotCalled(t, "ReplaceRecords", mock.Anything, mock.Anything)
}

func TestIngestFile_UnknownStrategy(t *testing.T) {
	path := writeStationFile(t, t.TempDir(), "S1", "20200101\t1\t1\t1")
	repo := &testutil.MockRepository{}

	_, err := newIngestion(repo, IngestionOptions{Strategy: "merge-sort"}).IngestFile(context.Background(), path)
	assert.ErrorContains(t, err, "unknown merge strategy")
}

func TestIngestDirectory_ConcurrentWorkers(t *testing.T) {
	repo := testutil.NewRepository(t)
	dir := t.TempDir()
	for i := 0; i < 12; i++ {
		writeStationFile(t, dir, fmt.Sprintf("ST%02d", i),
			"20200101\t1\t1\t1",
			"20200102\t2\t2\t2",
			"20200102\t2\t2\t2",
		)
	}

	result, err := newIngestion(repo, IngestionOptions{Workers: 4, Strategy: MergeReplace}).IngestDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 12, result.IngestedFiles)
	assert.Equal(t, 24, result.SuccessfulRecords)
	assert.Equal(t, 12, result.DuplicateRecords)

	assert.Len(t, rowSet(t, repo), 24)
}

func TestIngestDirectory_NoFiles(t *testing.T) {
	repo := testutil.NewRepository(t)
	_, err := newIngestion(repo, IngestionOptions{}).IngestDirectory(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "no data files found")
}

func TestDedupeRecords(t *testing.T) {
	day := testutil.Date(2020, 1, 1)
	in := []models.WeatherRecord{
		testutil.Record("S1", day, testutil.Int(1), nil, nil),
		testutil.Record("S2", day, testutil.Int(2), nil, nil),
		testutil.Record("S1", day, testutil.Int(3), nil, nil),
		testutil.Record("S1", day.AddDate(0, 0, 1), testutil.Int(4), nil, nil),
	}

	out := DedupeRecords(in)
	require.Len(t, out, 3)
	assert.Equal(t, 1, *out[0].MaxTemp)
	assert.Equal(t, "S2", out[1].StationID)
	assert.Equal(t, 4, *out[2].MaxTemp)
	assert.Empty(t, DedupeRecords(nil))
}
