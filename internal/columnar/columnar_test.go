package columnar

import (
	"bytes"
	"errors"
	"slices"
	"testing"
)

func encode[T any](t *testing.T, rows []T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteRows(&buf, rows); err != nil {
		t.Fatalf("WriteRows() error = %v", err)
	}
	return buf.Bytes()
}

func ptr[T any](v T) *T { return &v }

// TestSniff verifies that Sniff accepts framed Parquet bytes and rejects
// short, unframed or half-framed payloads.
func TestSniff(t *testing.T) {
	valid := encode(t, []ObservationRow{{StationID: "KSEA"}})
	if err := Sniff(valid); err != nil {
		t.Fatalf("Sniff(valid) error = %v", err)
	}

	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"magic only", []byte("PAR1PAR1")},
		{"csv", []byte("station_id,temp\nKSEA,12.5\n")},
		{"no trailer", append([]byte("PAR1"), make([]byte, 32)...)},
		{"no header", append(make([]byte, 32), []byte("PAR1")...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Sniff(tt.b); !errors.Is(err, ErrNotParquet) {
				t.Errorf("Sniff() error = %v, want ErrNotParquet", err)
			}
		})
	}
}

// TestStationIDs verifies that the column scan returns sorted distinct ids
// across duplicate rows.
func TestStationIDs(t *testing.T) {
	data := encode(t, []ObservationRow{
		{StationID: "KSEA", TemperatureValue: ptr(12.5)},
		{StationID: "KBOS"},
		{StationID: "KSEA"},
		{StationID: "KDEN", WindSpeed: ptr[int64](7)},
	})

	got, err := StationIDs(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("StationIDs() error = %v", err)
	}
	want := []string{"KBOS", "KDEN", "KSEA"}
	if !slices.Equal(got, want) {
		t.Errorf("StationIDs() = %v, want %v", got, want)
	}
}

// TestStationIDs_Forecasts verifies the scan works on the forecast schema.
func TestStationIDs_Forecasts(t *testing.T) {
	data := encode(t, []ForecastRow{
		{StationID: "KSEA", BeginTime: "2024-01-15T06:00:00Z", MinTemp: ptr[int64](3)},
		{StationID: "KSEA", BeginTime: "2024-01-15T18:00:00Z"},
	})

	got, err := StationIDs(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("StationIDs() error = %v", err)
	}
	if !slices.Equal(got, []string{"KSEA"}) {
		t.Errorf("StationIDs() = %v, want [KSEA]", got)
	}
}

// TestDistinctStrings_MissingColumn verifies that scanning an absent column
// reports ErrMissingColumn.
func TestDistinctStrings_MissingColumn(t *testing.T) {
	data := encode(t, []ObservationRow{{StationID: "KSEA"}})

	_, err := DistinctStrings(bytes.NewReader(data), int64(len(data)), "radar_id")
	if !errors.Is(err, ErrMissingColumn) {
		t.Errorf("DistinctStrings() error = %v, want ErrMissingColumn", err)
	}
}

// TestStationIDs_Corrupt verifies that a framed but undecodable payload is
// reported as ErrNotParquet rather than panicking.
func TestStationIDs_Corrupt(t *testing.T) {
	data := append([]byte("PAR1"), bytes.Repeat([]byte{0xff}, 64)...)
	data = append(data, []byte("PAR1")...)

	if _, err := StationIDs(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrNotParquet) {
		t.Errorf("StationIDs() error = %v, want ErrNotParquet", err)
	}
}

// TestInspect verifies footer metadata for a small file.
func TestInspect(t *testing.T) {
	data := encode(t, []ObservationRow{{StationID: "A"}, {StationID: "B"}, {StationID: "C"}})

	info, err := Inspect(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if info.NumRows != 3 {
		t.Errorf("NumRows = %d, want 3", info.NumRows)
	}
	if !slices.Contains(info.Columns, StationIDColumn) {
		t.Errorf("Columns = %v, want to contain %s", info.Columns, StationIDColumn)
	}
}
