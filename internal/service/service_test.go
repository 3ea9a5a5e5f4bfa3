package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-file-service/internal/cache"
	"github.com/kjstillabower/weather-file-service/internal/catalog"
	"github.com/kjstillabower/weather-file-service/internal/models"
	"github.com/kjstillabower/weather-file-service/internal/snapshot"
	"github.com/kjstillabower/weather-file-service/internal/storage"
	"github.com/kjstillabower/weather-file-service/internal/weatherdb"
)

var now = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type mockCatalog struct {
	entries    []catalog.Entry
	generation atomic.Uint64
	ids        []string
	scans      atomic.Int32
	lastFilter catalog.Filter
}

func (m *mockCatalog) Entries(f catalog.Filter) []catalog.Entry {
	out := []catalog.Entry{}
	for _, e := range m.entries {
		if !f.Start.IsZero() && e.CapturedAt.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && !e.CapturedAt.Before(f.End) {
			continue
		}
		if f.Kinds != nil && !slices.Contains(f.Kinds, e.Kind) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (m *mockCatalog) Generation() uint64 { return m.generation.Load() }

func (m *mockCatalog) StationIDs(ctx context.Context, kind snapshot.Kind, f catalog.Filter) ([]string, error) {
	m.scans.Add(1)
	m.lastFilter = f
	return m.ids, nil
}

type dirPaths string

func (d dirPaths) Path(name string) string { return filepath.Join(string(d), name) }

type mockEngine struct {
	mu       sync.Mutex
	calls    atomic.Int32
	paths    []string
	window   weatherdb.Window
	err      error
	block    chan struct{}
	obs      []models.Observation
	forecast []models.Forecast
	stations []models.Station
}

func (m *mockEngine) record(paths []string, w weatherdb.Window) {
	m.calls.Add(1)
	m.mu.Lock()
	m.paths, m.window = paths, w
	m.mu.Unlock()
	if m.block != nil {
		<-m.block
	}
}

func (m *mockEngine) Observations(ctx context.Context, paths []string, w weatherdb.Window) ([]models.Observation, error) {
	m.record(paths, w)
	return m.obs, m.err
}

func (m *mockEngine) Forecasts(ctx context.Context, paths []string, w weatherdb.Window) ([]models.Forecast, error) {
	m.record(paths, w)
	return m.forecast, m.err
}

func (m *mockEngine) Stations(ctx context.Context, paths []string) ([]models.Station, error) {
	m.record(paths, weatherdb.Window{})
	return m.stations, m.err
}

type failingCache struct{}

func (failingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}

func entry(kind snapshot.Kind, at time.Time) catalog.Entry {
	return catalog.Entry{Name: snapshot.Format(kind, at), Kind: kind, CapturedAt: at}
}

func newTestService(cat *mockCatalog, eng *mockEngine, c cache.Cache) *StationService {
	return NewStationService(cat, dirPaths("/data"), eng, c, WithClock(func() time.Time { return now }))
}

// TestNormalizeStationIDs verifies ids are trimmed, de-duplicated and sorted
// with blanks dropped.
func TestNormalizeStationIDs(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil", nil, []string{}},
		{"blanks only", []string{"", " "}, []string{}},
		{"trim and sort", []string{" KSEA", "KBOS "}, []string{"KBOS", "KSEA"}},
		{"duplicates", []string{"KSEA", "KSEA", " KSEA"}, []string{"KSEA"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeStationIDs(tc.in)
			if !slices.Equal(got, tc.want) {
				t.Fatalf("NormalizeStationIDs(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// TestStationService_Observations_SelectsFiles verifies that only observation
// files captured within the window are passed to the engine.
func TestStationService_Observations_SelectsFiles(t *testing.T) {
	// Arrange: two observation files inside the window, one outside, one forecast
	in1 := entry(snapshot.Observation, now.Add(-3*time.Hour))
	in2 := entry(snapshot.Observation, now.Add(-2*time.Hour))
	cat := &mockCatalog{entries: []catalog.Entry{
		entry(snapshot.Observation, now.Add(-10*time.Hour)),
		in1,
		entry(snapshot.Forecast, now.Add(-2*time.Hour)),
		in2,
	}}
	eng := &mockEngine{obs: []models.Observation{{StationID: "KSEA"}}}
	svc := newTestService(cat, eng, nil)

	// Act
	got, err := svc.Observations(context.Background(), Query{
		Start:      now.Add(-4 * time.Hour),
		End:        now,
		StationIDs: []string{"KSEA", " KSEA"},
	})

	// Assert
	if err != nil {
		t.Fatalf("Observations() error = %v", err)
	}
	if len(got) != 1 || got[0].StationID != "KSEA" {
		t.Errorf("Observations() = %+v", got)
	}
	want := []string{filepath.Join("/data", in1.Name), filepath.Join("/data", in2.Name)}
	if !slices.Equal(eng.paths, want) {
		t.Errorf("engine paths = %v, want %v", eng.paths, want)
	}
	if !slices.Equal(eng.window.StationIDs, []string{"KSEA"}) {
		t.Errorf("engine station ids = %v, want [KSEA]", eng.window.StationIDs)
	}
}

// TestStationService_Forecasts_LooksBackOneDay verifies forecast files issued
// up to a day before the start are included.
func TestStationService_Forecasts_LooksBackOneDay(t *testing.T) {
	start := now.Add(-2 * time.Hour)
	early := entry(snapshot.Forecast, start.Add(-20*time.Hour))
	tooEarly := entry(snapshot.Forecast, start.Add(-30*time.Hour))
	cat := &mockCatalog{entries: []catalog.Entry{tooEarly, early}}
	eng := &mockEngine{}
	svc := newTestService(cat, eng, nil)

	if _, err := svc.Forecasts(context.Background(), Query{Start: start}); err != nil {
		t.Fatalf("Forecasts() error = %v", err)
	}
	if !slices.Equal(eng.paths, []string{filepath.Join("/data", early.Name)}) {
		t.Errorf("engine paths = %v, want only %s", eng.paths, early.Name)
	}
	if !eng.window.Start.Equal(start) {
		t.Errorf("row window start = %v, want %v", eng.window.Start, start)
	}
}

// TestStationService_Forecasts_NoStartUsesNow verifies file selection without
// a start begins one day before now while rows stay unbounded.
func TestStationService_Forecasts_NoStartUsesNow(t *testing.T) {
	recent := entry(snapshot.Forecast, now.Add(-23*time.Hour))
	cat := &mockCatalog{entries: []catalog.Entry{entry(snapshot.Forecast, now.Add(-25*time.Hour)), recent}}
	eng := &mockEngine{}
	svc := newTestService(cat, eng, nil)

	if _, err := svc.Forecasts(context.Background(), Query{}); err != nil {
		t.Fatalf("Forecasts() error = %v", err)
	}
	if len(eng.paths) != 1 || eng.paths[0] != filepath.Join("/data", recent.Name) {
		t.Errorf("engine paths = %v", eng.paths)
	}
	if !eng.window.Start.IsZero() {
		t.Errorf("row window start = %v, want zero", eng.window.Start)
	}
}

// TestStationService_Details_LastFourHours verifies details read observation
// files from the last four hours only.
func TestStationService_Details_LastFourHours(t *testing.T) {
	recent := entry(snapshot.Observation, now.Add(-time.Hour))
	cat := &mockCatalog{entries: []catalog.Entry{entry(snapshot.Observation, now.Add(-5*time.Hour)), recent}}
	eng := &mockEngine{stations: []models.Station{{StationID: "KSEA"}}}
	svc := newTestService(cat, eng, nil)

	got, err := svc.Details(context.Background())
	if err != nil {
		t.Fatalf("Details() error = %v", err)
	}
	if len(got) != 1 || !slices.Equal(eng.paths, []string{filepath.Join("/data", recent.Name)}) {
		t.Errorf("Details() = %+v with paths %v", got, eng.paths)
	}
}

// TestStationService_CacheHit verifies a repeated request is served from
// cache without querying the engine again.
func TestStationService_CacheHit(t *testing.T) {
	cat := &mockCatalog{entries: []catalog.Entry{entry(snapshot.Observation, now.Add(-time.Hour))}}
	eng := &mockEngine{obs: []models.Observation{{StationID: "KSEA", StartTime: "a"}}}
	svc := newTestService(cat, eng, cache.NewInMemoryCache())
	q := Query{Start: now.Add(-2 * time.Hour), End: now}

	first, err := svc.Observations(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Observations(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.calls.Load())
	}
	if len(second) != 1 || second[0] != first[0] {
		t.Errorf("cached result = %+v, want %+v", second, first)
	}
}

// TestStationService_GenerationInvalidates verifies a catalog refresh makes
// earlier cache entries unreachable.
func TestStationService_GenerationInvalidates(t *testing.T) {
	cat := &mockCatalog{ids: []string{"KSEA"}}
	svc := newTestService(cat, &mockEngine{}, cache.NewInMemoryCache())
	ctx := context.Background()

	_, _ = svc.StationIDs(ctx, snapshot.Observation, Query{})
	_, _ = svc.StationIDs(ctx, snapshot.Observation, Query{})
	if cat.scans.Load() != 1 {
		t.Fatalf("scans before refresh = %d, want 1", cat.scans.Load())
	}

	cat.generation.Add(1)
	got, err := svc.StationIDs(ctx, snapshot.Observation, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if cat.scans.Load() != 2 {
		t.Errorf("scans after refresh = %d, want 2", cat.scans.Load())
	}
	if !slices.Equal(got, []string{"KSEA"}) {
		t.Errorf("StationIDs() = %v", got)
	}
}

// TestStationService_CacheSurvivesUnchangedRefresh verifies a periodic catalog
// refresh that finds the same files keeps cached results reachable.
func TestStationService_CacheSurvivesUnchangedRefresh(t *testing.T) {
	store, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	name := snapshot.Format(snapshot.Observation, now.Add(-time.Hour))
	if err := os.WriteFile(store.Path(name), []byte("PAR1xxxxPAR1"), 0o644); err != nil {
		t.Fatal(err)
	}
	cat := catalog.New(store, zap.NewNop())
	ctx := context.Background()
	if err := cat.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	eng := &mockEngine{obs: []models.Observation{{StationID: "KSEA"}}}
	svc := NewStationService(cat, store, eng, cache.NewInMemoryCache(), WithClock(func() time.Time { return now }))
	q := Query{Start: now.Add(-2 * time.Hour), End: now}

	if _, err := svc.Observations(ctx, q); err != nil {
		t.Fatal(err)
	}
	if err := cat.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Observations(ctx, q); err != nil {
		t.Fatal(err)
	}
	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1 across an unchanged refresh", eng.calls.Load())
	}

	cat.Invalidate()
	if _, err := svc.Observations(ctx, q); err != nil {
		t.Fatal(err)
	}
	if eng.calls.Load() != 2 {
		t.Errorf("engine calls after Invalidate = %d, want 2", eng.calls.Load())
	}
}

// TestStationService_StationIDs_Filter verifies the window reaches the catalog
// scan.
func TestStationService_StationIDs_Filter(t *testing.T) {
	cat := &mockCatalog{ids: []string{}}
	svc := newTestService(cat, &mockEngine{}, nil)
	start := now.Add(-time.Hour)

	if _, err := svc.StationIDs(context.Background(), snapshot.Forecast, Query{Start: start, End: now}); err != nil {
		t.Fatal(err)
	}
	if !cat.lastFilter.Start.Equal(start) || !cat.lastFilter.End.Equal(now) {
		t.Errorf("catalog filter = %+v", cat.lastFilter)
	}
}

// TestStationService_CacheFailureFallsThrough verifies a broken cache does not
// fail the request.
func TestStationService_CacheFailureFallsThrough(t *testing.T) {
	cat := &mockCatalog{entries: []catalog.Entry{entry(snapshot.Observation, now.Add(-time.Hour))}}
	eng := &mockEngine{obs: []models.Observation{{StationID: "KSEA"}}}
	svc := newTestService(cat, eng, failingCache{})

	got, err := svc.Observations(context.Background(), Query{})
	if err != nil {
		t.Fatalf("Observations() error = %v, want nil", err)
	}
	if len(got) != 1 {
		t.Errorf("Observations() = %+v", got)
	}
}

// TestStationService_EngineError verifies engine failures are returned wrapped.
func TestStationService_EngineError(t *testing.T) {
	cat := &mockCatalog{}
	eng := &mockEngine{err: weatherdb.ErrQuery}
	svc := newTestService(cat, eng, cache.NewInMemoryCache())

	_, err := svc.Forecasts(context.Background(), Query{})
	if !errors.Is(err, weatherdb.ErrQuery) {
		t.Fatalf("Forecasts() error = %v, want ErrQuery", err)
	}
	if _, err := svc.Forecasts(context.Background(), Query{}); err == nil {
		t.Error("failed query result was cached")
	}
}

// TestStationService_CoalescesConcurrentMisses verifies identical concurrent
// requests share one engine query.
func TestStationService_CoalescesConcurrentMisses(t *testing.T) {
	cat := &mockCatalog{entries: []catalog.Entry{entry(snapshot.Observation, now.Add(-time.Hour))}}
	eng := &mockEngine{block: make(chan struct{}), obs: []models.Observation{{StationID: "KSEA"}}}
	svc := newTestService(cat, eng, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Observations(context.Background(), Query{StationIDs: []string{"KSEA"}})
			errs <- err
		}()
	}

	// Wait for the leader to reach the engine, give followers time to join.
	deadline := time.Now().Add(time.Second)
	for eng.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(eng.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Observations() error = %v", err)
		}
	}
	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.calls.Load())
	}
}

// TestStationService_CallerCancelDoesNotAbortSharedQuery verifies a waiter
// leaving early gets its context error while the query completes for others.
func TestStationService_CallerCancelDoesNotAbortSharedQuery(t *testing.T) {
	cat := &mockCatalog{}
	eng := &mockEngine{block: make(chan struct{})}
	svc := newTestService(cat, eng, cache.NewInMemoryCache())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Details(ctx)
		done <- err
	}()
	for eng.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Details() error = %v, want context.Canceled", err)
	}
	close(eng.block)
}
