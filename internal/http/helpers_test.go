package http

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-file-service/internal/catalog"
	"github.com/kjstillabower/weather-file-service/internal/ingest"
	"github.com/kjstillabower/weather-file-service/internal/models"
	"github.com/kjstillabower/weather-file-service/internal/service"
	"github.com/kjstillabower/weather-file-service/internal/snapshot"
	"github.com/kjstillabower/weather-file-service/internal/storage"
)

const testMaxUpload = 1 << 20

type fakeStations struct {
	ids      []string
	obs      []models.Observation
	forecast []models.Forecast
	details  []models.Station
	err      error
	lastKind snapshot.Kind
	lastQ    service.Query
}

func (f *fakeStations) StationIDs(ctx context.Context, kind snapshot.Kind, q service.Query) ([]string, error) {
	f.lastKind, f.lastQ = kind, q
	return f.ids, f.err
}

func (f *fakeStations) Observations(ctx context.Context, q service.Query) ([]models.Observation, error) {
	f.lastQ = q
	return f.obs, f.err
}

func (f *fakeStations) Forecasts(ctx context.Context, q service.Query) ([]models.Forecast, error) {
	f.lastQ = q
	return f.forecast, f.err
}

func (f *fakeStations) Details(ctx context.Context) ([]models.Station, error) {
	return f.details, f.err
}

// testEnv is a router over a real store, catalog and ingester in a temp dir.
type testEnv struct {
	dir      string
	store    *storage.DiskStore
	catalog  *catalog.Catalog
	stations *fakeStations
	handler  *Handler
	router   http.Handler
}

type envOption func(*HealthConfig, *RouterConfig)

func withLimiter(l *rate.Limiter) envOption {
	return func(_ *HealthConfig, rc *RouterConfig) { rc.UploadLimiter = l }
}

func withHealth(fn func(*HealthConfig)) envOption {
	return func(hc *HealthConfig, _ *RouterConfig) { fn(hc) }
}

func newTestEnv(t *testing.T, logger *zap.Logger, opts ...envOption) *testEnv {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := t.TempDir()
	store, err := storage.NewDiskStore(dir, storage.WithMaxObjectSize(testMaxUpload))
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	cat := catalog.New(store, logger)
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	stations := &fakeStations{}

	hc := &HealthConfig{}
	rc := RouterConfig{MaxUploadBytes: testMaxUpload}
	for _, opt := range opts {
		opt(hc, &rc)
	}
	h := NewHandler(cat, store, ingest.New(store, cat, testMaxUpload, logger), stations, hc, logger)
	return &testEnv{
		dir:      dir,
		store:    store,
		catalog:  cat,
		stations: stations,
		handler:  h,
		router:   NewRouter(h, rc, logger),
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(target string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (e *testEnv) upload(t *testing.T, name string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	ct, body := multipartFile(t, payload)
	req := httptest.NewRequest(http.MethodPost, "/file/"+name, body)
	req.Header.Set("Content-Type", ct)
	return e.do(req)
}

func multipartFile(t *testing.T, payload []byte) (string, io.Reader) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "snapshot.parquet")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return mw.FormDataContentType(), &buf
}
