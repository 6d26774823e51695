package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"station-weather/internal/models"
	"station-weather/internal/repository"
	"station-weather/internal/source"
	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

// MergeStrategy selects how a station batch is committed to the store.
type MergeStrategy string

const (
	// MergeUpsert writes the batch row by row, replacing rows that share a
	// (date, station) key.
	MergeUpsert MergeStrategy = "upsert"
	// MergeReplace unions the batch with the whole stored table and swaps
	// the table for the result.
	MergeReplace MergeStrategy = "replace"
)

// IngestionOptions tunes the pipeline.
type IngestionOptions struct {
	Pattern           string
	Workers           int
	Strategy          MergeStrategy
	SkipKnownStations bool
}

// IngestionService handles weather data ingestion
type IngestionService struct {
	repo    repository.WeatherRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	opts    IngestionOptions

	// mu serializes every read-merge-write against the store.
	mu sync.Mutex
}

// IngestionResult contains ingestion statistics
type IngestionResult struct {
	TotalFiles        int
	IngestedFiles     int
	SkippedFiles      int
	FailedFiles       int
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	DuplicateRecords  int
	Duration          time.Duration
	Files             []*FileIngestionResult
	Errors            []string
}

// FileIngestionResult contains per-file ingestion statistics
type FileIngestionResult struct {
	Path              string
	StationID         string
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	DuplicateRecords  int
	Skipped           bool
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(repo repository.WeatherRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector, opts IngestionOptions) *IngestionService {
	if opts.Pattern == "" {
		opts.Pattern = source.DefaultPattern
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Strategy == "" {
		opts.Strategy = MergeUpsert
	}
	return &IngestionService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
		opts:    opts,
	}
}

// IngestDirectory ingests all weather data files from a directory
func (s *IngestionService) IngestDirectory(ctx context.Context, dataDir string) (*IngestionResult, error) {
	s.logger.Info(ctx, "[INGEST_START] Starting data ingestion", logging.Fields{
		"data_dir":       dataDir,
		"pattern":        s.opts.Pattern,
		"workers":        s.opts.Workers,
		"merge_strategy": string(s.opts.Strategy),
		"skip_known":     s.opts.SkipKnownStations,
		"stage":          "INITIALIZATION",
	})

	files, err := source.Discover(dataDir, s.opts.Pattern)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no data files found in %s", dataDir)
	}

	s.logger.Info(ctx, "[INGEST_FILES] Found data files", logging.Fields{
		"file_count": len(files),
		"stage":      "FILE_DISCOVERY",
	})

	return s.IngestFiles(ctx, files), nil
}

// IngestFiles ingests each file, isolating per-file failures. Files are
// parsed concurrently up to the configured worker count; merges into the
// store are serialized.
func (s *IngestionService) IngestFiles(ctx context.Context, files []string) *IngestionResult {
	startTime := time.Now()

	results := make([]*FileIngestionResult, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, filePath := range files {
		g.Go(func() error {
			results[i], errs[i] = s.IngestFile(ctx, filePath)
			return nil
		})
	}
	_ = g.Wait()

	result := &IngestionResult{
		TotalFiles: len(files),
		Errors:     make([]string, 0),
	}
	for i, filePath := range files {
		if errs[i] != nil {
			result.FailedFiles++
			result.Errors = append(result.Errors, fmt.Sprintf("failed to ingest %s: %v", filePath, errs[i]))
			s.logger.Error(ctx, "[INGEST_FILE_ERROR] File ingestion failed", logging.Fields{
				"file_path": filePath,
				"stage":     "FILE_PROCESSING",
			}, errs[i])
			s.metrics.RecordIngestionFile("failed")
			continue
		}

		fr := results[i]
		result.Files = append(result.Files, fr)
		result.TotalRecords += fr.TotalRecords
		result.FailedRecords += fr.FailedRecords
		result.DuplicateRecords += fr.DuplicateRecords
		if fr.Skipped {
			result.SkippedFiles++
			s.metrics.RecordIngestionFile("skipped")
			continue
		}
		result.IngestedFiles++
		result.SuccessfulRecords += fr.SuccessfulRecords
		s.metrics.RecordIngestionFile("ingested")
	}

	result.Duration = time.Since(startTime)
	s.metrics.IngestionDuration.Observe(result.Duration.Seconds())

	s.logger.Info(ctx, "[INGEST_COMPLETE] Data ingestion completed", logging.Fields{
		"total_files":        result.TotalFiles,
		"ingested_files":     result.IngestedFiles,
		"skipped_files":      result.SkippedFiles,
		"failed_files":       result.FailedFiles,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"duplicate_records":  result.DuplicateRecords,
		"duration_seconds":   result.Duration.Seconds(),
		"stage":              "COMPLETE",
	})

	return result
}

// IngestFile reads one station file and merges it into the store.
func (s *IngestionService) IngestFile(ctx context.Context, filePath string) (*FileIngestionResult, error) {
	batch, err := source.ReadFile(ctx, filePath)
	if err != nil {
		s.metrics.RecordIngestionError("read_error")
		return nil, err
	}
	log := s.logger.WithFields(logging.Fields{
		"file_path":  filePath,
		"station_id": batch.StationID,
	})

	for _, perr := range batch.ParseErrors {
		s.metrics.RecordIngestionError("parse_error")
		log.Warn(ctx, "[INGEST_PARSE_ERROR] Dropping malformed line", logging.Fields{
			"line":  perr.Line,
			"field": perr.Field,
			"error": perr.Error(),
		})
	}

	records := DedupeRecords(batch.Records)
	result := &FileIngestionResult{
		Path:             filePath,
		StationID:        batch.StationID,
		TotalRecords:     batch.Lines,
		FailedRecords:    len(batch.ParseErrors),
		DuplicateRecords: len(batch.Records) - len(records),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.SkipKnownStations {
		known, err := s.repo.StationIDs(ctx)
		if err != nil {
			s.metrics.RecordIngestionError("store_error")
			return nil, fmt.Errorf("failed to load known stations: %w", err)
		}
		if slices.Contains(known, batch.StationID) {
			result.Skipped = true
			log.Info(ctx, "[INGEST_SKIP] Station already ingested, skipping file", logging.Fields{})
			return result, nil
		}
	}

	if err := s.merge(ctx, records); err != nil {
		s.metrics.RecordIngestionError("store_error")
		return nil, err
	}
	result.SuccessfulRecords = len(records)

	log.Info(ctx, "[INGEST_FILE_SUCCESS] File ingested successfully", logging.Fields{
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"duplicate_records":  result.DuplicateRecords,
		"stage":              "FILE_COMPLETE",
	})

	return result, nil
}

// merge must be called with s.mu held.
func (s *IngestionService) merge(ctx context.Context, records []models.WeatherRecord) error {
	switch s.opts.Strategy {
	case MergeReplace:
		existing, err := s.repo.AllRecords(ctx)
		if err != nil {
			return fmt.Errorf("failed to load stored records: %w", err)
		}
		merged := DedupeRecords(append(slices.Clone(records), existing...))
		if err := s.repo.ReplaceRecords(ctx, merged); err != nil {
			return fmt.Errorf("failed to replace records: %w", err)
		}
		return nil
	case MergeUpsert:
		if err := s.repo.UpsertRecords(ctx, records); err != nil {
			return fmt.Errorf("failed to upsert records: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown merge strategy %q", s.opts.Strategy)
	}
}

// DedupeRecords drops every record whose (date, station) key already
// appeared earlier in records, preserving order.
func DedupeRecords(records []models.WeatherRecord) []models.WeatherRecord {
	seen := make(map[models.RecordKey]struct{}, len(records))
	out := make([]models.WeatherRecord, 0, len(records))
	for _, rec := range records {
		key := rec.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out
}
