// Package testhelpers builds snapshot fixtures shared by package tests.
package testhelpers

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/kjstillabower/weather-file-service/internal/columnar"
	"github.com/kjstillabower/weather-file-service/internal/snapshot"
)

// Float returns a pointer to v for optional Parquet columns.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v for optional Parquet columns.
func Int(v int64) *int64 { return &v }

// ParquetBytes encodes rows as a Parquet file in memory.
func ParquetBytes[T any](t testing.TB, rows []T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := columnar.WriteRows(&buf, rows); err != nil {
		t.Fatalf("encode parquet fixture: %v", err)
	}
	return buf.Bytes()
}

// ReadRows decodes every row of an in-memory Parquet file into T. Columns
// missing from the file are left at their zero value.
func ReadRows[T any](t testing.TB, data []byte) []T {
	t.Helper()
	reader := parquet.NewGenericReader[T](bytes.NewReader(data))
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("decode parquet fixture: %v", err)
	}
	return rows[:n]
}

// WriteSnapshot writes rows into dir under the canonical name for kind and
// capturedAt and returns that name.
func WriteSnapshot[T any](t testing.TB, dir string, kind snapshot.Kind, capturedAt time.Time, rows []T) string {
	t.Helper()
	name := snapshot.Format(kind, capturedAt)
	if err := os.WriteFile(filepath.Join(dir, name), ParquetBytes(t, rows), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
	return name
}

// WriteObservations writes an observations snapshot into dir.
func WriteObservations(t testing.TB, dir string, capturedAt time.Time, rows ...columnar.ObservationRow) string {
	t.Helper()
	return WriteSnapshot(t, dir, snapshot.Observation, capturedAt, rows)
}

// WriteForecasts writes a forecasts snapshot into dir.
func WriteForecasts(t testing.TB, dir string, capturedAt time.Time, rows ...columnar.ForecastRow) string {
	t.Helper()
	return WriteSnapshot(t, dir, snapshot.Forecast, capturedAt, rows)
}

// Observation returns a fully populated observation row for station id.
func Observation(id string, generatedAt time.Time, temp float64, wind int64) columnar.ObservationRow {
	return columnar.ObservationRow{
		StationID:           id,
		StationName:         id + " Airport",
		Latitude:            47.44,
		Longitude:           -122.30,
		GeneratedAt:         generatedAt.UTC().Format(time.RFC3339),
		TemperatureValue:    Float(temp),
		TemperatureUnitCode: "wmoUnit:degC",
		WindSpeed:           Int(wind),
		WindSpeedUnitCode:   "wmoUnit:km_h-1",
	}
}

// Forecast returns a fully populated forecast row for station id covering
// [begin, begin+12h).
func Forecast(id string, begin time.Time, low, high, wind int64) columnar.ForecastRow {
	return columnar.ForecastRow{
		StationID:           id,
		StationName:         id + " Airport",
		Latitude:            47.44,
		Longitude:           -122.30,
		GeneratedAt:         begin.Add(-6 * time.Hour).UTC().Format(time.RFC3339),
		BeginTime:           begin.UTC().Format(time.RFC3339),
		EndTime:             begin.Add(12 * time.Hour).UTC().Format(time.RFC3339),
		MinTemp:             Int(low),
		MaxTemp:             Int(high),
		TemperatureUnitCode: "F",
		WindSpeed:           Int(wind),
		WindSpeedUnitCode:   "mph",
	}
}
