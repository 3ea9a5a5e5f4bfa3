package snapshot

import (
	"errors"
	"testing"
	"time"
)

// TestParse_ValidNames verifies that Parse extracts kind and UTC capture time
// from canonical names, including fractional seconds and non-UTC offsets.
func TestParse_ValidNames(t *testing.T) {
	tests := []struct {
		name     string
		wantKind Kind
		wantTime time.Time
	}{
		{
			name:     "observations_2024-01-15T04:36:33Z.parquet",
			wantKind: Observation,
			wantTime: time.Date(2024, 1, 15, 4, 36, 33, 0, time.UTC),
		},
		{
			name:     "forecasts_2024-01-15T04:36:33Z.parquet",
			wantKind: Forecast,
			wantTime: time.Date(2024, 1, 15, 4, 36, 33, 0, time.UTC),
		},
		{
			name:     "observations_2024-01-15T04:36:33.5Z.parquet",
			wantKind: Observation,
			wantTime: time.Date(2024, 1, 15, 4, 36, 33, 500000000, time.UTC),
		},
		{
			name:     "forecasts_2024-01-15T04:36:33.123456789Z.parquet",
			wantKind: Forecast,
			wantTime: time.Date(2024, 1, 15, 4, 36, 33, 123456789, time.UTC),
		},
		{
			name:     "observations_2024-01-15T06:36:33+02:00.parquet",
			wantKind: Observation,
			wantTime: time.Date(2024, 1, 15, 4, 36, 33, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.name)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.name, err)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if !got.CapturedAt.Equal(tt.wantTime) {
				t.Errorf("CapturedAt = %v, want %v", got.CapturedAt, tt.wantTime)
			}
			if got.CapturedAt.Location() != time.UTC {
				t.Errorf("CapturedAt location = %v, want UTC", got.CapturedAt.Location())
			}
		})
	}
}

// TestParse_Errors verifies that each malformed name maps to the matching sentinel
// and is reported as a *NameError carrying the input.
func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		want error
	}{
		{"observations_2024-01-15T04:36:33Z.csv", ErrBadExtension},
		{"observations_2024-01-15T04:36:33Z", ErrBadExtension},
		{"alerts_2024-01-15T04:36:33Z.parquet", ErrUnknownKind},
		{"observations.parquet", ErrUnknownKind},
		{"_2024-01-15T04:36:33Z.parquet", ErrUnknownKind},
		{"observations_yesterday.parquet", ErrBadTimestamp},
		{"forecasts_2024-13-15T04:36:33Z.parquet", ErrBadTimestamp},
		{"forecasts_2024-01-15.parquet", ErrBadTimestamp},
		{"forecasts_.parquet", ErrBadTimestamp},
		{"observations_../../etc/passwd.parquet", ErrBadTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.name)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Parse(%q) error = %v, want %v", tt.name, err, tt.want)
			}
			var nameErr *NameError
			if !errors.As(err, &nameErr) {
				t.Fatalf("Parse(%q) error type = %T, want *NameError", tt.name, err)
			}
			if nameErr.Name != tt.name {
				t.Errorf("NameError.Name = %q, want %q", nameErr.Name, tt.name)
			}
		})
	}
}

// TestFormat_RoundTrip verifies that Parse is a left inverse of Format for both
// kinds across second, sub-second and non-UTC inputs.
func TestFormat_RoundTrip(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	times := []time.Time{
		time.Date(2024, 1, 15, 4, 36, 33, 0, time.UTC),
		time.Date(2024, 1, 15, 4, 36, 33, 120000000, time.UTC),
		time.Date(2024, 6, 30, 23, 59, 59, 999999999, time.UTC),
		time.Date(2024, 3, 1, 7, 0, 0, 42, loc),
	}
	for _, kind := range Kinds {
		for _, ts := range times {
			name := Format(kind, ts)
			got, err := Parse(name)
			if err != nil {
				t.Fatalf("Parse(Format(%v, %v)) error = %v", kind, ts, err)
			}
			if got.Kind != kind || !got.CapturedAt.Equal(ts) {
				t.Errorf("Parse(%q) = %+v, want {%v %v}", name, got, kind, ts)
			}
			if got.String() != name {
				t.Errorf("Name.String() = %q, want %q", got.String(), name)
			}
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", k.String(), got, err, k)
		}
	}
	if _, err := ParseKind("radar"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseKind(radar) error = %v, want ErrUnknownKind", err)
	}
}
