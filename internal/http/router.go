package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-file-service/internal/observability"
)

// RouterConfig holds per-route limits.
type RouterConfig struct {
	// QueryTimeout bounds station queries; zero disables the deadline.
	QueryTimeout time.Duration
	// MaxUploadBytes is the largest accepted snapshot payload.
	MaxUploadBytes int64
	// UploadLimiter throttles POST /file/{name}; nil disables it.
	UploadLimiter *rate.Limiter
}

// NewRouter wires every route. The returned handler answers CORS preflight
// before routing.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(logger))
	r.Use(MetricsMiddleware)

	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	r.HandleFunc("/file/{name}", h.GetFile).Methods(http.MethodGet, http.MethodHead)

	upload := r.Methods(http.MethodPost).Subrouter()
	upload.Use(RateLimitMiddleware(cfg.UploadLimiter))
	upload.Use(BodyLimitMiddleware(cfg.MaxUploadBytes))
	upload.HandleFunc("/file/{name}", h.PostFile)

	api := r.Methods(http.MethodGet).Subrouter()
	api.Use(CompressionMiddleware)
	api.HandleFunc("/files", h.ListFiles)

	stations := api.PathPrefix("/stations").Subrouter()
	stations.Use(TimeoutMiddleware(cfg.QueryTimeout))
	stations.HandleFunc("", h.GetStations)
	stations.HandleFunc("/observations", h.GetStationObservations)
	stations.HandleFunc("/forecasts", h.GetStationForecasts)
	stations.HandleFunc("/details", h.GetStationDetails)

	return CORS(r)
}
