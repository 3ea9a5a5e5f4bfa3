package http

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/weather-file-service/internal/catalog"
	"github.com/kjstillabower/weather-file-service/internal/service"
	"github.com/kjstillabower/weather-file-service/internal/snapshot"
	"github.com/kjstillabower/weather-file-service/internal/validation"
)

// QueryError reports a malformed query parameter.
type QueryError struct {
	Param  string
	Value  string
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Param, e.Value, e.Reason)
}

// parseInstant reads an optional RFC3339 parameter. Absent or empty yields
// the zero time.
func parseInstant(q url.Values, param string) (time.Time, error) {
	raw := strings.TrimSpace(q.Get(param))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &QueryError{Param: param, Value: raw, Reason: "must be an RFC3339 timestamp"}
	}
	return t.UTC(), nil
}

// parseFlag reads an optional boolean parameter. set is false when absent.
func parseFlag(q url.Values, param string) (value, set bool, err error) {
	if !q.Has(param) {
		return false, false, nil
	}
	raw := q.Get(param)
	if raw == "" {
		return true, true, nil
	}
	v, perr := strconv.ParseBool(raw)
	if perr != nil {
		return false, false, &QueryError{Param: param, Value: raw, Reason: "must be a boolean"}
	}
	return v, true, nil
}

func parseWindow(q url.Values) (start, end time.Time, err error) {
	if start, err = parseInstant(q, "start"); err != nil {
		return
	}
	if end, err = parseInstant(q, "end"); err != nil {
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		err = &QueryError{Param: "end", Value: q.Get("end"), Reason: "must not be before start"}
	}
	return
}

// parseFileFilter builds the listing filter. With neither kind flag present
// every kind matches; otherwise only kinds whose flag is true.
func parseFileFilter(q url.Values) (catalog.Filter, error) {
	start, end, err := parseWindow(q)
	if err != nil {
		return catalog.Filter{}, err
	}
	f := catalog.Filter{Start: start, End: end}

	obs, obsSet, err := parseFlag(q, "observations")
	if err != nil {
		return catalog.Filter{}, err
	}
	fc, fcSet, err := parseFlag(q, "forecasts")
	if err != nil {
		return catalog.Filter{}, err
	}
	if obsSet || fcSet {
		f.Kinds = []snapshot.Kind{}
		if obs {
			f.Kinds = append(f.Kinds, snapshot.Observation)
		}
		if fc {
			f.Kinds = append(f.Kinds, snapshot.Forecast)
		}
	}
	return f, nil
}

const (
	maxStationIDs     = 500
	maxStationIDRunes = 64
)

// parseStationQuery reads start, end and a comma separated station_ids list.
func parseStationQuery(q url.Values) (service.Query, error) {
	start, end, err := parseWindow(q)
	if err != nil {
		return service.Query{}, err
	}
	var ids []string
	if raw := q.Get("station_ids"); raw != "" {
		ids, err = validation.ValidateStationIDs(strings.Split(raw, ","), maxStationIDs, maxStationIDRunes)
		if err != nil {
			return service.Query{}, &QueryError{Param: "station_ids", Value: raw, Reason: err.Error()}
		}
	}
	return service.Query{Start: start, End: end, StationIDs: ids}, nil
}

func parseKind(q url.Values) (snapshot.Kind, error) {
	raw := q.Get("kind")
	if raw == "" {
		return snapshot.Observation, nil
	}
	k, err := snapshot.ParseKind(raw)
	if err != nil {
		return 0, &QueryError{Param: "kind", Value: raw, Reason: "must be observations or forecasts"}
	}
	return k, nil
}
