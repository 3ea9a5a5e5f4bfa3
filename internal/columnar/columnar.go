// Package columnar knows the on-disk layout of weather snapshot files: the
// Parquet framing, the row schemas producers write, and column-level scans
// that avoid decoding whole rows.
package columnar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/parquet-go/parquet-go"
)

const (
	// Magic opens and closes every Parquet file.
	Magic = "PAR1"
	// MinFileSize is the smallest possible Parquet file: leading magic, the
	// 4-byte footer length and trailing magic.
	MinFileSize = len(Magic)*2 + 4

	StationIDColumn = "station_id"
)

var (
	ErrNotParquet    = errors.New("not a parquet file")
	ErrMissingColumn = errors.New("column not found")
)

// Sniff checks the Parquet framing of b without decoding the footer.
func Sniff(b []byte) error {
	if len(b) < MinFileSize {
		return fmt.Errorf("%w: %d bytes is shorter than the minimum %d", ErrNotParquet, len(b), MinFileSize)
	}
	if !bytes.HasPrefix(b, []byte(Magic)) {
		return fmt.Errorf("%w: missing leading magic", ErrNotParquet)
	}
	if !bytes.HasSuffix(b, []byte(Magic)) {
		return fmt.Errorf("%w: missing trailing magic", ErrNotParquet)
	}
	return nil
}

// ObservationRow is one station reading in an observations snapshot.
type ObservationRow struct {
	StationID           string   `parquet:"station_id,zstd"`
	StationName         string   `parquet:"station_name,optional,zstd"`
	Latitude            float64  `parquet:"latitude"`
	Longitude           float64  `parquet:"longitude"`
	GeneratedAt         string   `parquet:"generated_at"`
	TemperatureValue    *float64 `parquet:"temperature_value,optional"`
	TemperatureUnitCode string   `parquet:"temperature_unit_code,optional,zstd"`
	WindSpeed           *int64   `parquet:"wind_speed,optional"`
	WindSpeedUnitCode   string   `parquet:"wind_speed_unit_code,optional,zstd"`
}

// ForecastRow is one forecast period for a station in a forecasts snapshot.
type ForecastRow struct {
	StationID           string  `parquet:"station_id,zstd"`
	StationName         string  `parquet:"station_name,optional,zstd"`
	Latitude            float64 `parquet:"latitude"`
	Longitude           float64 `parquet:"longitude"`
	GeneratedAt         string  `parquet:"generated_at"`
	BeginTime           string  `parquet:"begin_time"`
	EndTime             string  `parquet:"end_time"`
	MaxTemp             *int64  `parquet:"max_temp,optional"`
	MinTemp             *int64  `parquet:"min_temp,optional"`
	TemperatureUnitCode string  `parquet:"temperature_unit_code,optional,zstd"`
	WindSpeed           *int64  `parquet:"wind_speed,optional"`
	WindSpeedUnitCode   string  `parquet:"wind_speed_unit_code,optional,zstd"`
}

// WriteRows encodes rows as a single Parquet file on w.
func WriteRows[T any](w io.Writer, rows []T) error {
	writer := parquet.NewGenericWriter[T](w, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Info summarizes a Parquet file from its footer.
type Info struct {
	NumRows      int64
	NumRowGroups int
	Columns      []string
}

// Inspect decodes the footer of a Parquet file.
func Inspect(r io.ReaderAt, size int64) (Info, error) {
	f, err := parquet.OpenFile(r, size, parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotParquet, err)
	}
	info := Info{NumRows: f.NumRows(), NumRowGroups: len(f.RowGroups())}
	for _, path := range f.Schema().Columns() {
		info.Columns = append(info.Columns, path[len(path)-1])
	}
	return info, nil
}

// DistinctStrings returns the sorted distinct non-null values of a top-level
// column, read page by page without materializing rows.
func DistinctStrings(r io.ReaderAt, size int64, column string) ([]string, error) {
	f, err := parquet.OpenFile(r, size, parquet.SkipBloomFilters(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotParquet, err)
	}
	leaf, ok := f.Schema().Lookup(column)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, column)
	}

	seen := make(map[string]struct{})
	for _, rg := range f.RowGroups() {
		if err := scanChunk(rg.ColumnChunks()[leaf.ColumnIndex], seen); err != nil {
			return nil, fmt.Errorf("scan %s: %w", column, err)
		}
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

// StationIDs is DistinctStrings over the station_id column.
func StationIDs(r io.ReaderAt, size int64) ([]string, error) {
	return DistinctStrings(r, size, StationIDColumn)
}

func scanChunk(chunk parquet.ColumnChunk, seen map[string]struct{}) error {
	pages := chunk.Pages()
	defer pages.Close()

	buf := make([]parquet.Value, 256)
	for {
		page, err := pages.ReadPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		values := page.Values()
		for {
			n, err := values.ReadValues(buf)
			for _, v := range buf[:n] {
				if v.IsNull() {
					continue
				}
				if v.Kind() == parquet.ByteArray || v.Kind() == parquet.FixedLenByteArray {
					seen[string(v.ByteArray())] = struct{}{}
				} else {
					seen[v.String()] = struct{}{}
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
	}
}
