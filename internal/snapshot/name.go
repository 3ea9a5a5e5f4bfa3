package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Extension is the suffix every snapshot file name carries.
const Extension = ".parquet"

// Kind is the category of a snapshot file, encoded as the file name prefix.
type Kind int

const (
	Observation Kind = iota
	Forecast
)

// Kinds lists every known kind in prefix order.
var Kinds = []Kind{Observation, Forecast}

func (k Kind) String() string {
	switch k {
	case Observation:
		return "observations"
	case Forecast:
		return "forecasts"
	default:
		return "unknown"
	}
}

// ParseKind maps a file name prefix back to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "observations":
		return Observation, nil
	case "forecasts":
		return Forecast, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

var (
	// ErrUnknownKind is returned when the prefix is neither observations nor forecasts.
	ErrUnknownKind = errors.New("unknown snapshot kind")
	// ErrBadTimestamp is returned when the timestamp segment is not an RFC3339 instant.
	ErrBadTimestamp = errors.New("invalid snapshot timestamp")
	// ErrBadExtension is returned when the name does not end in .parquet.
	ErrBadExtension = errors.New("snapshot name must end in " + Extension)
)

// NameError records the name that failed to parse. Err is one of the package sentinels.
type NameError struct {
	Name string
	Err  error
}

func (e *NameError) Error() string {
	return fmt.Sprintf("snapshot name %q: %v", e.Name, e.Err)
}

func (e *NameError) Unwrap() error { return e.Err }

// Name is the metadata carried by a snapshot file name.
type Name struct {
	Kind       Kind
	CapturedAt time.Time
}

// String returns the canonical file name.
func (n Name) String() string {
	return Format(n.Kind, n.CapturedAt)
}

// Format builds the canonical file name for kind and capturedAt.
// The timestamp is written in UTC with only as much fractional precision as it needs.
func Format(kind Kind, capturedAt time.Time) string {
	return kind.String() + "_" + capturedAt.UTC().Format(time.RFC3339Nano) + Extension
}

// Parse validates a snapshot file name and extracts its kind and capture time.
// Any UTC offset is accepted; CapturedAt is always normalized to UTC.
func Parse(name string) (Name, error) {
	stem, ok := strings.CutSuffix(name, Extension)
	if !ok {
		return Name{}, &NameError{Name: name, Err: ErrBadExtension}
	}

	prefix, ts, ok := strings.Cut(stem, "_")
	if !ok {
		return Name{}, &NameError{Name: name, Err: ErrUnknownKind}
	}
	kind, err := ParseKind(prefix)
	if err != nil {
		return Name{}, &NameError{Name: name, Err: ErrUnknownKind}
	}

	capturedAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Name{}, &NameError{Name: name, Err: fmt.Errorf("%w: %v", ErrBadTimestamp, err)}
	}

	return Name{Kind: kind, CapturedAt: capturedAt.UTC()}, nil
}
