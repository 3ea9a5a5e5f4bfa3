package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/weather-file-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (producer backlog flush).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p99 on /file/{name} GET (disk pressure).
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Upload outcomes by result (ok, too_large, bad_name, not_parquet, ...). Watch for: producer misconfiguration.
	UploadsTotal *prometheus.CounterVec

	// Size of committed uploads. Watch for: files creeping toward the size cap.
	UploadBytes prometheus.Histogram

	// Files currently indexed.
	CatalogEntries prometheus.Gauge

	// Catalog refreshes by status. Watch for: error status (data dir unreadable).
	CatalogRefreshTotal *prometheus.CounterVec

	// Catalog refresh latency. Grows with directory size.
	CatalogRefreshDuration prometheus.Histogram

	// Files in the data directory whose names do not parse. Watch for: manual copies with wrong names.
	CatalogSkippedFilesTotal prometheus.Counter

	// Station endpoint latency. Watch for: p95 growth as the query window widens.
	StationQueryDuration *prometheus.HistogramVec

	// Cache hits for station query results. Hit rate = hits/stationQueryDurationSeconds_count.
	CacheHitsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: a producer retrying in a tight loop.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per guarded dependency (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadsTotal",
			Help: "Total number of snapshot uploads by result",
		},
		[]string{"result"},
	)
	UploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uploadBytes",
			Help:    "Size in bytes of committed snapshot uploads",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12),
		},
	)
	CatalogEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalogEntries",
			Help: "Number of snapshot files in the published catalog",
		},
	)
	CatalogRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogRefreshTotal",
			Help: "Total number of catalog refreshes by status",
		},
		[]string{"status"},
	)
	CatalogRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalogRefreshDurationSeconds",
			Help:    "Catalog refresh latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
	CatalogSkippedFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogSkippedFilesTotal",
			Help: "Total number of files skipped during catalog refresh because their names do not parse",
		},
	)
	StationQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stationQueryDurationSeconds",
			Help:    "Station endpoint query latency in seconds, cache hits included",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of station query cache hits",
		},
		[]string{"cacheType"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of uploads denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UploadsTotal, UploadBytes,
		CatalogEntries, CatalogRefreshTotal, CatalogRefreshDuration, CatalogSkippedFilesTotal,
		StationQueryDuration, CacheHitsTotal,
		RateLimitDeniedTotal, CircuitBreakerState,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the upload path.
// Call from main after config load.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting the rate-limited upload path in sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordUpload counts an upload outcome and, for committed uploads, its size.
func RecordUpload(result string, size int64) {
	UploadsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		UploadBytes.Observe(float64(size))
	}
}

// RecordCatalogRefresh records a refresh outcome. entries is ignored on error.
func RecordCatalogRefresh(err error, entries int, skipped int, elapsed time.Duration) {
	CatalogRefreshDuration.Observe(elapsed.Seconds())
	if err != nil {
		CatalogRefreshTotal.WithLabelValues("error").Inc()
		return
	}
	CatalogRefreshTotal.WithLabelValues("ok").Inc()
	CatalogEntries.Set(float64(entries))
	CatalogSkippedFilesTotal.Add(float64(skipped))
}

// SetCircuitBreakerState records the breaker state for component.
func SetCircuitBreakerState(component string, state int) {
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
