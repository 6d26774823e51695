package models

import (
	"fmt"
	"time"
)

// MissingValue is the source files' code for "not observed".
const MissingValue = -9999

// DateLayout is the on-disk date format of source files.
const DateLayout = "20060102"

// ISODateLayout is the date format used by the store and the API.
const ISODateLayout = "2006-01-02"

// WeatherRecord is one station's observation for one day.
// Temperatures are tenths of a degree Celsius, precipitation tenths of a
// millimetre. Nil means the source reported MissingValue.
type WeatherRecord struct {
	Date          time.Time
	MaxTemp       *int
	MinTemp       *int
	Precipitation *int
	StationID     string
}

// RecordKey identifies a WeatherRecord in the store.
type RecordKey struct {
	Date      string
	StationID string
}

// Key returns the record's identity key.
func (r WeatherRecord) Key() RecordKey {
	return RecordKey{Date: r.Date.Format(ISODateLayout), StationID: r.StationID}
}

// Year returns the calendar year of the observation.
func (r WeatherRecord) Year() int {
	return r.Date.Year()
}

// YearlyStat holds per-station yearly means, in degrees Celsius and
// millimetres. A nil average means no record in the group had that field.
type YearlyStat struct {
	Year             int
	StationID        string
	AvgMaxTemp       *float64
	AvgMinTemp       *float64
	AvgPrecipitation *float64
}

// StatKey identifies a YearlyStat in the store.
type StatKey struct {
	Year      int
	StationID string
}

// Key returns the statistic's identity key.
func (s YearlyStat) Key() StatKey {
	return StatKey{Year: s.Year, StationID: s.StationID}
}

// RawWeatherRecord represents a single line from input data files
type RawWeatherRecord struct {
	Date             string
	MaxTempRaw       int
	MinTempRaw       int
	PrecipitationRaw int
}

// ToRecord converts the raw line into a WeatherRecord for stationID,
// mapping MissingValue to nil.
func (r RawWeatherRecord) ToRecord(stationID string) (WeatherRecord, error) {
	date, err := ParseSourceDate(r.Date)
	if err != nil {
		return WeatherRecord{}, err
	}

	return WeatherRecord{
		Date:          date,
		MaxTemp:       normalize(r.MaxTempRaw),
		MinTemp:       normalize(r.MinTempRaw),
		Precipitation: normalize(r.PrecipitationRaw),
		StationID:     stationID,
	}, nil
}

// ParseSourceDate parses an 8-digit YYYYMMDD date.
func ParseSourceDate(s string) (time.Time, error) {
	if len(s) != len(DateLayout) {
		return time.Time{}, &ParseError{
			Field:   "date",
			Value:   s,
			Message: "invalid date format, expected YYYYMMDD",
		}
	}
	date, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, &ParseError{
			Field:   "date",
			Value:   s,
			Message: "invalid date format, expected YYYYMMDD",
		}
	}
	return date, nil
}

func normalize(v int) *int {
	if v == MissingValue {
		return nil
	}
	return &v
}

// ParseError describes a source line that could not be turned into a record.
type ParseError struct {
	File    string
	Line    int
	Field   string
	Value   string
	Message string
}

func (e *ParseError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s %q", e.Message, e.Field, e.Value)
	}
	if e.File != "" {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, msg)
	}
	return msg
}

// IsTransient returns false as parse errors are permanent
func (e *ParseError) IsTransient() bool {
	return false
}
