package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrTooManyStationIDs is returned when a request names more stations than allowed.
var ErrTooManyStationIDs = errors.New("too many station ids")

// ErrStationIDTooLong is returned when one id exceeds the maximum length.
var ErrStationIDTooLong = errors.New("station id too long")

// ErrStationIDInvalidChars is returned when an id contains disallowed characters.
var ErrStationIDInvalidChars = errors.New("station id contains invalid characters")

// StationIDError reports which id failed validation.
type StationIDError struct {
	ID  string
	Err error
}

func (e *StationIDError) Error() string {
	return e.Err.Error() + ": " + e.ID
}

func (e *StationIDError) Unwrap() error { return e.Err }

// ValidateStationIDs trims each id, drops empty entries, and enforces
// maxCount ids of at most maxLen runes each (zero disables a bound). Allowed
// characters are ASCII letters, digits, hyphen, underscore and period. Order
// is preserved; deduplication is left to the service layer.
func ValidateStationIDs(ids []string, maxCount, maxLen int) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if maxLen > 0 && len([]rune(id)) > maxLen {
			return nil, &StationIDError{ID: id, Err: ErrStationIDTooLong}
		}
		for _, c := range id {
			if !isAllowedStationRune(c) {
				return nil, &StationIDError{ID: id, Err: ErrStationIDInvalidChars}
			}
		}
		out = append(out, id)
	}
	if maxCount > 0 && len(out) > maxCount {
		return nil, ErrTooManyStationIDs
	}
	return out, nil
}

func isAllowedStationRune(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '_', '.':
		return true
	}
	return false
}
