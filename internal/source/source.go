// Package source reads per-station observation files.
//
// A file holds one station's daily observations, one per line, as four
// tab-separated integers: YYYYMMDD date, max temperature, min temperature
// and precipitation. The station identifier is the file's base name without
// extension.
package source

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"station-weather/internal/models"
)

// DefaultPattern matches station files inside a data directory.
const DefaultPattern = "*.txt"

const fieldCount = 4

// StationID extracts the station identifier from a file path.
func StationID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Discover lists the files in dir matching pattern, sorted by name.
func Discover(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ParseLine parses a single line from a weather data file
// Format: YYYYMMDD\tMAX_TEMP\tMIN_TEMP\tPRECIP
func ParseLine(line string) (models.RawWeatherRecord, error) {
	parts := strings.Split(line, "\t")
	if len(parts) != fieldCount {
		return models.RawWeatherRecord{}, &models.ParseError{
			Message: fmt.Sprintf("invalid line format: expected %d fields, got %d", fieldCount, len(parts)),
		}
	}

	names := [fieldCount]string{"date", "max_temp", "min_temp", "precipitation"}
	var values [fieldCount]int
	for i := 1; i < fieldCount; i++ {
		raw := strings.TrimSpace(parts[i])
		v, err := strconv.Atoi(raw)
		if err != nil {
			return models.RawWeatherRecord{}, &models.ParseError{
				Field:   names[i],
				Value:   raw,
				Message: "invalid integer",
			}
		}
		values[i] = v
	}

	return models.RawWeatherRecord{
		Date:             strings.TrimSpace(parts[0]),
		MaxTempRaw:       values[1],
		MinTempRaw:       values[2],
		PrecipitationRaw: values[3],
	}, nil
}

// File is an open station file.
type File struct {
	path      string
	stationID string
	f         *os.File
}

// Open opens path for reading.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return &File{path: path, stationID: StationID(path), f: f}, nil
}

// StationID returns the station identifier every record is tagged with.
func (f *File) StationID() string { return f.stationID }

// Close closes the underlying file.
func (f *File) Close() error { return f.f.Close() }

// Records lazily yields one record per line. A malformed line yields a
// *models.ParseError and iteration continues with the next line; a read
// error is yielded last. Blank lines are skipped.
func (f *File) Records() iter.Seq2[models.WeatherRecord, error] {
	return func(yield func(models.WeatherRecord, error) bool) {
		scanner := bufio.NewScanner(f.f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimRight(scanner.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}

			rec, err := f.parse(line)
			if err != nil {
				if perr, ok := err.(*models.ParseError); ok {
					perr.File = f.path
					perr.Line = lineNo
				}
				if !yield(models.WeatherRecord{}, err) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(models.WeatherRecord{}, fmt.Errorf("error reading file %s: %w", f.path, err))
		}
	}
}

func (f *File) parse(line string) (models.WeatherRecord, error) {
	raw, err := ParseLine(line)
	if err != nil {
		return models.WeatherRecord{}, err
	}
	return raw.ToRecord(f.stationID)
}

// Batch is the fully read content of one station file.
type Batch struct {
	Path        string
	StationID   string
	Lines       int
	Records     []models.WeatherRecord
	ParseErrors []*models.ParseError
}

// ReadFile reads every record of path into memory. Parse errors are
// collected on the batch; an open or read failure, or ctx ending, aborts
// the read.
func ReadFile(ctx context.Context, path string) (*Batch, error) {
	file, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	batch := &Batch{Path: path, StationID: file.StationID()}
	for rec, err := range file.Records() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			perr, ok := err.(*models.ParseError)
			if !ok {
				return nil, err
			}
			batch.Lines++
			batch.ParseErrors = append(batch.ParseErrors, perr)
			continue
		}
		batch.Lines++
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}
