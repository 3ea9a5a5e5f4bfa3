package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-file-service/internal/cache"
	"github.com/kjstillabower/weather-file-service/internal/catalog"
	"github.com/kjstillabower/weather-file-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-file-service/internal/config"
	httphandler "github.com/kjstillabower/weather-file-service/internal/http"
	"github.com/kjstillabower/weather-file-service/internal/ingest"
	"github.com/kjstillabower/weather-file-service/internal/lifecycle"
	"github.com/kjstillabower/weather-file-service/internal/observability"
	"github.com/kjstillabower/weather-file-service/internal/service"
	"github.com/kjstillabower/weather-file-service/internal/storage"
	"github.com/kjstillabower/weather-file-service/internal/weatherdb"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.NewDiskStore(cfg.DataDir,
		storage.WithMaxObjectSize(cfg.MaxUploadBytes),
		storage.WithFileMode(cfg.FileMode),
		storage.WithLogger(logger))
	if err != nil {
		logger.Fatal("storage", zap.String("data_dir", cfg.DataDir), zap.Error(err))
	}
	if n, err := store.CleanStaging(); err != nil {
		logger.Warn("staging cleanup failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("removed abandoned staging files", zap.Int("count", n))
	}

	cat := catalog.New(store, logger, catalog.WithScanConcurrency(cfg.ScanConcurrency))

	db, err := weatherdb.Open(cfg.QueryMemoryLimit, cfg.QueryRowLimit, logger)
	if err != nil {
		logger.Fatal("query engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	background, bgCtx := errgroup.WithContext(ctx)

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	var cachePing func() error
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		breaker := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.MemcachedBreakerFailures,
			Timeout:          cfg.MemcachedBreakerTimeout,
			Component:        "memcached",
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("cache circuit state change", zap.String("from", from.String()), zap.String("to", to.String()))
				observability.SetCircuitBreakerState("memcached", int(to))
			},
		})
		observability.SetCircuitBreakerState("memcached", int(circuitbreaker.StateClosed))
		guarded := cache.NewGuarded(mc, breaker)
		cachePing = guarded.Ping
		cacheSvc = guarded
		logger.Info("cache backend: memcached",
			zap.String("addrs", cfg.MemcachedAddrs),
			zap.Int("breaker_failures", cfg.MemcachedBreakerFailures))
	default:
		mem := cache.NewInMemoryCache()
		background.Go(func() error {
			mem.RunSweeper(bgCtx, cfg.CacheTTL)
			return nil
		})
		cacheSvc = mem
		logger.Info("cache backend: in_memory")
	}

	stations := service.NewStationService(cat, store, db, cacheSvc,
		service.WithTTL(cfg.CacheTTL),
		service.WithQueryTimeout(cfg.QueryTimeout),
		service.WithLogger(logger))
	ingester := ingest.New(store, cat, cfg.MaxUploadBytes, logger)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.UploadRateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		EnginePing:           db.Ping,
		CachePing:            cachePing,
		Version:              version,
	}

	var limiter *rate.Limiter
	if cfg.UploadRateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadRateLimitRPS), cfg.UploadRateLimitBurst)
	}
	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	handler := httphandler.NewHandler(cat, store, ingester, stations, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		QueryTimeout:   cfg.QueryTimeout,
		MaxUploadBytes: cfg.MaxUploadBytes,
		UploadLimiter:  limiter,
	}, logger)

	// Index before accepting traffic.
	if err := cat.Refresh(ctx); err != nil {
		logger.Warn("initial catalog refresh failed", zap.Error(err))
	}
	background.Go(func() error {
		return ignoreCanceled(cat.Run(bgCtx, cfg.CatalogRefreshInterval))
	})
	if cfg.CatalogWatch {
		background.Go(func() error {
			if err := ignoreCanceled(cat.Watch(bgCtx, store.Dir(), cfg.CatalogWatchDebounce)); err != nil {
				logger.Warn("catalog watch stopped; relying on periodic refresh", zap.Error(err))
			}
			return nil
		})
	}

	addr := net.JoinHostPort(cfg.ServerHost, cfg.ServerPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.QueryTimeout + 10*time.Second,
	}

	lifecycle.MarkStarted(time.Now())
	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("data_dir", store.Dir()),
			zap.Int64("max_upload_bytes", cfg.MaxUploadBytes),
			zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight), zap.Int64("uploads", httphandler.InFlightUploads()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := background.Wait(); err != nil {
		logger.Error("background task", zap.Error(err))
	}
	if err := db.Close(); err != nil {
		logger.Error("query engine close", zap.Error(err))
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
