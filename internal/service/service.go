package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-file-service/internal/cache"
	"github.com/kjstillabower/weather-file-service/internal/catalog"
	"github.com/kjstillabower/weather-file-service/internal/models"
	"github.com/kjstillabower/weather-file-service/internal/observability"
	"github.com/kjstillabower/weather-file-service/internal/snapshot"
	"github.com/kjstillabower/weather-file-service/internal/weatherdb"
)

const (
	// forecastLookback widens file selection before the requested start, since
	// a forecast is issued ahead of the days it describes.
	forecastLookback = 24 * time.Hour
	// detailsWindow is how far back station details look for observations.
	detailsWindow = 4 * time.Hour

	defaultTTL          = 5 * time.Minute
	defaultQueryTimeout = 30 * time.Second
)

// Catalog is the subset of the snapshot index the service reads.
type Catalog interface {
	Entries(f catalog.Filter) []catalog.Entry
	Generation() uint64
	StationIDs(ctx context.Context, kind snapshot.Kind, f catalog.Filter) ([]string, error)
}

// Paths resolves committed snapshot names to filesystem paths.
type Paths interface {
	Path(name string) string
}

// Engine runs the analytical station queries.
type Engine interface {
	Observations(ctx context.Context, paths []string, w weatherdb.Window) ([]models.Observation, error)
	Forecasts(ctx context.Context, paths []string, w weatherdb.Window) ([]models.Forecast, error)
	Stations(ctx context.Context, paths []string) ([]models.Station, error)
}

// Query is a station request. Zero Start or End leaves that side unbounded;
// empty StationIDs selects every station.
type Query struct {
	Start      time.Time
	End        time.Time
	StationIDs []string
}

// StationService answers station endpoints from snapshot files. Results are
// cached under keys that embed the catalog generation, so a committed upload
// makes earlier entries unreachable. Identical concurrent misses share one
// query.
type StationService struct {
	catalog      Catalog
	paths        Paths
	engine       Engine
	cache        cache.Cache
	ttl          time.Duration
	queryTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
	group        singleflight.Group
}

// Option configures a StationService.
type Option func(*StationService)

// WithTTL sets how long results stay cached.
func WithTTL(ttl time.Duration) Option {
	return func(s *StationService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithQueryTimeout bounds a shared query independently of the requests waiting
// on it.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *StationService) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// WithLogger sets the fallback logger used when the request carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(s *StationService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now for windows relative to the present.
func WithClock(now func() time.Time) Option {
	return func(s *StationService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStationService creates a StationService. A nil cache disables caching.
func NewStationService(cat Catalog, paths Paths, engine Engine, c cache.Cache, opts ...Option) *StationService {
	s := &StationService{
		catalog:      cat,
		paths:        paths,
		engine:       engine,
		cache:        c,
		ttl:          defaultTTL,
		queryTimeout: defaultQueryTimeout,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loggerFromContext extracts the request-scoped logger set by the HTTP
// middleware, falling back to the service logger.
func (s *StationService) loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return s.logger
}

// StationIDs returns the distinct station ids in files of kind captured within q.
func (s *StationService) StationIDs(ctx context.Context, kind snapshot.Kind, q Query) ([]string, error) {
	f := catalog.Filter{Start: q.Start, End: q.End}
	return cached(ctx, s, "station_ids", kind.String()+"|"+stamp(q.Start)+"|"+stamp(q.End), func(ctx context.Context) ([]string, error) {
		return s.catalog.StationIDs(ctx, kind, f)
	})
}

// Observations aggregates observation rows per station over q.
func (s *StationService) Observations(ctx context.Context, q Query) ([]models.Observation, error) {
	q.StationIDs = NormalizeStationIDs(q.StationIDs)
	paths := s.resolve(catalog.Filter{Start: q.Start, End: q.End, Kinds: []snapshot.Kind{snapshot.Observation}})
	w := weatherdb.Window{Start: q.Start, End: q.End, StationIDs: q.StationIDs}
	return cached(ctx, s, "observations", q.key()+"|"+strings.Join(paths, "|"), func(ctx context.Context) ([]models.Observation, error) {
		return s.engine.Observations(ctx, paths, w)
	})
}

// Forecasts aggregates forecast periods per station and day over q. Files are
// selected from one day before q.Start, or one day before now when q.Start is
// zero.
func (s *StationService) Forecasts(ctx context.Context, q Query) ([]models.Forecast, error) {
	q.StationIDs = NormalizeStationIDs(q.StationIDs)
	from := q.Start
	if from.IsZero() {
		from = s.now()
	}
	paths := s.resolve(catalog.Filter{Start: from.Add(-forecastLookback), End: q.End, Kinds: []snapshot.Kind{snapshot.Forecast}})
	w := weatherdb.Window{Start: q.Start, End: q.End, StationIDs: q.StationIDs}
	return cached(ctx, s, "forecasts", q.key()+"|"+strings.Join(paths, "|"), func(ctx context.Context) ([]models.Forecast, error) {
		return s.engine.Forecasts(ctx, paths, w)
	})
}

// Details lists stations seen in observation files from the last four hours.
func (s *StationService) Details(ctx context.Context) ([]models.Station, error) {
	now := s.now().UTC()
	paths := s.resolve(catalog.Filter{Start: now.Add(-detailsWindow), End: now, Kinds: []snapshot.Kind{snapshot.Observation}})
	return cached(ctx, s, "details", strings.Join(paths, "|"), func(ctx context.Context) ([]models.Station, error) {
		return s.engine.Stations(ctx, paths)
	})
}

func (s *StationService) resolve(f catalog.Filter) []string {
	entries := s.catalog.Entries(f)
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = s.paths.Path(e.Name)
	}
	return paths
}

// cached serves endpoint results cache-aside. Cache failures are logged and
// fall through to the query; they never fail the request.
func cached[T any](ctx context.Context, s *StationService, endpoint, request string, query func(context.Context) ([]T, error)) ([]T, error) {
	start := time.Now()
	defer func() {
		observability.StationQueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()
	logger := s.loggerFromContext(ctx)
	key := cacheKey(endpoint, s.catalog.Generation(), request)

	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			logger.Warn("cache get failed", zap.String("endpoint", endpoint), zap.Error(err))
		case ok:
			var out []T
			if err := json.Unmarshal(raw, &out); err == nil {
				observability.CacheHitsTotal.WithLabelValues(endpoint).Inc()
				logger.Debug("cache hit", zap.String("endpoint", endpoint))
				return out, nil
			}
			logger.Warn("discarding undecodable cache entry", zap.String("endpoint", endpoint))
		}
	}

	ch := s.group.DoChan(key, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
		defer cancel()
		out, err := query(qctx)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if raw, err := json.Marshal(out); err == nil {
				if err := s.cache.Set(qctx, key, raw, s.ttl); err != nil {
					logger.Warn("cache set failed", zap.String("endpoint", endpoint), zap.Error(err))
				}
			}
		}
		return out, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%s query: %w", endpoint, res.Err)
		}
		logger.Debug("station query served",
			zap.String("endpoint", endpoint),
			zap.Bool("shared", res.Shared),
			zap.Duration("duration", time.Since(start)))
		return res.Val.([]T), nil
	}
}

// key renders a normalized q so equivalent requests share cache entries.
func (q Query) key() string {
	return fmt.Sprintf("%s|%s|%s", stamp(q.Start), stamp(q.End), strings.Join(q.StationIDs, ","))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// cacheKey hashes the request part so keys stay within memcached limits.
func cacheKey(endpoint string, generation uint64, request string) string {
	sum := sha256.Sum256([]byte(request))
	return fmt.Sprintf("%s:%d:%s", endpoint, generation, hex.EncodeToString(sum[:16]))
}

// NormalizeStationIDs trims and de-duplicates ids and drops blanks, returning
// them sorted.
func NormalizeStationIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
