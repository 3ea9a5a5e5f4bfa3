package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-file-service/internal/catalog"
	"github.com/kjstillabower/weather-file-service/internal/ingest"
	"github.com/kjstillabower/weather-file-service/internal/lifecycle"
	"github.com/kjstillabower/weather-file-service/internal/models"
	"github.com/kjstillabower/weather-file-service/internal/service"
	"github.com/kjstillabower/weather-file-service/internal/snapshot"
	"github.com/kjstillabower/weather-file-service/internal/storage"
	"github.com/kjstillabower/weather-file-service/internal/traffic"
)

const parquetContentType = "application/vnd.apache.parquet"

// Catalog is the read side of the snapshot index.
type Catalog interface {
	Query(f catalog.Filter) []string
	Stats() catalog.Stats
}

// FileStore serves committed snapshot bytes.
type FileStore interface {
	Open(ctx context.Context, name string) (*storage.Object, error)
	Writable() error
}

// Uploader validates and commits uploads.
type Uploader interface {
	Ingest(ctx context.Context, targetName, contentType string, body io.Reader) error
}

// Stations answers the station endpoints.
type Stations interface {
	StationIDs(ctx context.Context, kind snapshot.Kind, q service.Query) ([]string, error)
	Observations(ctx context.Context, q service.Query) ([]models.Observation, error)
	Forecasts(ctx context.Context, q service.Query) ([]models.Forecast, error)
	Details(ctx context.Context) ([]models.Station, error)
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// CachePing, when set, reports cache reachability. Cache failures are
	// informational since queries fall through to the engine.
	CachePing func() error
	// EnginePing, when set, reports whether the query engine answers.
	EnginePing func(ctx context.Context) error
	Version    string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	catalog          Catalog
	store            FileStore
	uploader         Uploader
	stations         Stations
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	cat Catalog,
	store FileStore,
	uploader Uploader,
	stations Stations,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		catalog:      cat,
		store:        store,
		uploader:     uploader,
		stations:     stations,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// ListFiles handles GET /files.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	f, err := parseFileFilter(r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.FileList{FileNames: h.catalog.Query(f)})
}

// GetFile handles GET /file/{name}. Range and conditional requests are served
// by http.ServeContent.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := snapshot.Parse(name); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_NAME", err.Error())
		return
	}

	obj, err := h.store.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "NOT_FOUND", "file not found: "+name)
			return
		}
		requestLogger(r, h.logger).Error("open snapshot failed", zap.String("name", name), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "STORAGE_ERROR", "unable to read file")
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", parquetContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, obj.ModTime, obj)
}

// PostFile handles POST /file/{name}.
func (h *Handler) PostFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.uploader.Ingest(r.Context(), name, r.Header.Get("Content-Type"), r.Body); err != nil {
		writeIngestError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetStations handles GET /stations.
func (h *Handler) GetStations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := parseKind(q)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	start, end, err := parseWindow(q)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	ids, err := h.stations.StationIDs(r.Context(), kind, service.Query{Start: start, End: end})
	if err != nil {
		writeStationError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, models.StationIDs{StationIDs: ids})
}

// GetStationObservations handles GET /stations/observations.
func (h *Handler) GetStationObservations(w http.ResponseWriter, r *http.Request) {
	q, err := parseStationQuery(r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	rows, err := h.stations.Observations(r.Context(), q)
	if err != nil {
		writeStationError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetStationForecasts handles GET /stations/forecasts.
func (h *Handler) GetStationForecasts(w http.ResponseWriter, r *http.Request) {
	q, err := parseStationQuery(r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	rows, err := h.stations.Forecasts(r.Context(), q)
	if err != nil {
		writeStationError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetStationDetails handles GET /stations/details.
func (h *Handler) GetStationDetails(w http.ResponseWriter, r *http.Request) {
	rows, err := h.stations.Details(r.Context())
	if err != nil {
		writeStationError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, checks := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	stats := h.catalog.Stats()
	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	resp := map[string]interface{}{
		"status":  result.status,
		"service": "weather-file-service",
		"version": version,
		"checks":  checks,
		"catalog": map[string]interface{}{
			"entries":     stats.Entries,
			"skipped":     stats.Skipped,
			"generation":  stats.Generation,
			"refreshedAt": formatTime(stats.RefreshedAt),
		},
		"uptimeSeconds": int64(lifecycle.Uptime().Seconds()),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > storage unwritable > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) (healthResult, map[string]string) {
	checks := map[string]string{"storage": "healthy"}
	storageErr := h.store.Writable()
	if storageErr != nil {
		checks["storage"] = "unhealthy"
	}
	var engineErr error
	if h.healthConfig != nil && h.healthConfig.EnginePing != nil {
		engineErr = h.healthConfig.EnginePing(ctx)
		checks["queryEngine"] = checkStatus(engineErr)
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		checks["cache"] = checkStatus(h.healthConfig.CachePing())
	}

	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}, checks
	}
	if storageErr != nil {
		h.logger.Warn("storage not writable", zap.Error(storageErr))
		return healthResult{"unhealthy", http.StatusServiceUnavailable, "storage_unwritable"}, checks
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}, checks
	}
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 && h.healthConfig.OverloadThresholdPct > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.DenialCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}, checks
		}
	}
	if engineErr != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "query_engine_unavailable"}, checks
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		failures, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && float64(failures)*100/float64(total) >= float64(h.healthConfig.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}, checks
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}, checks
}

func checkStatus(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// writeJSON writes v as JSON with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
}

// writeIngestError maps upload failures to status codes. Storage failures are
// logged with the target name; validation failures are not.
func writeIngestError(w http.ResponseWriter, r *http.Request, fallback *zap.Logger, err error) {
	switch {
	case errors.Is(err, ingest.ErrTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "TOO_LARGE", err.Error())
	case errors.Is(err, ingest.ErrBadContentType):
		writeError(w, r, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", err.Error())
	case errors.Is(err, ingest.ErrBadName):
		writeError(w, r, http.StatusBadRequest, "INVALID_NAME", err.Error())
	case errors.Is(err, ingest.ErrNotAParquetFile):
		writeError(w, r, http.StatusBadRequest, "NOT_PARQUET", err.Error())
	case errors.Is(err, ingest.ErrMissingFile):
		writeError(w, r, http.StatusBadRequest, "MISSING_FILE", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		requestLogger(r, fallback).Info("upload aborted", zap.Error(err))
		writeError(w, r, http.StatusRequestTimeout, "UPLOAD_ABORTED", "upload aborted before commit")
	default:
		var ingErr *ingest.IngestError
		name := mux.Vars(r)["name"]
		if errors.As(err, &ingErr) {
			name = ingErr.Name
		}
		requestLogger(r, fallback).Error("upload commit failed", zap.String("name", name), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "STORAGE_ERROR", "unable to store file")
	}
}

func writeStationError(w http.ResponseWriter, r *http.Request, fallback *zap.Logger, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, r, http.StatusGatewayTimeout, "QUERY_TIMEOUT", "station query timed out")
		return
	}
	if errors.Is(err, context.Canceled) {
		writeError(w, r, http.StatusRequestTimeout, "REQUEST_CANCELED", "request canceled")
		return
	}
	requestLogger(r, fallback).Error("station query failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "QUERY_FAILED", "unable to query station data")
}

func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
