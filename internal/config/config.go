package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	LogLevel string

	ServerHost string
	ServerPort string

	DataDir        string
	MaxUploadBytes int64
	FileMode       os.FileMode

	CatalogRefreshInterval time.Duration
	CatalogWatch           bool
	CatalogWatchDebounce   time.Duration

	QueryTimeout     time.Duration
	QueryRowLimit    int
	QueryMemoryLimit string
	ScanConcurrency  int

	CacheTTL     time.Duration
	CacheBackend string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	// MemcachedBreakerFailures consecutive memcached errors open the circuit
	// for MemcachedBreakerTimeout; queries skip the cache meanwhile.
	MemcachedBreakerFailures int
	MemcachedBreakerTimeout  time.Duration

	UploadRateLimitRPS   int
	UploadRateLimitBurst int

	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

type fileConfig struct {
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Server struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"server"`

	Storage struct {
		DataDir        string `yaml:"data_dir"`
		MaxUploadBytes int64  `yaml:"max_upload_bytes"`
		FileMode       string `yaml:"file_mode"`
	} `yaml:"storage"`

	Catalog struct {
		RefreshInterval string `yaml:"refresh_interval"`
		Watch           *bool  `yaml:"watch"`
		WatchDebounce   string `yaml:"watch_debounce"`
	} `yaml:"catalog"`

	Query struct {
		Timeout         string `yaml:"timeout"`
		RowLimit        int    `yaml:"row_limit"`
		MemoryLimit     string `yaml:"memory_limit"`
		ScanConcurrency int    `yaml:"scan_concurrency"`
	} `yaml:"query"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
			Breaker      struct {
				Failures int    `yaml:"failures"`
				Timeout  string `yaml:"timeout"`
			} `yaml:"breaker"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		UploadRateLimitRPS   int `yaml:"upload_rate_limit_rps"`
		UploadRateLimitBurst int `yaml:"upload_rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev). A .env
// file in the working directory, when present, is loaded into the environment
// first; it never overrides variables that are already set. DATA_DIR,
// SERVER_PORT, MAX_UPLOAD_BYTES, CACHE_BACKEND, MEMCACHED_ADDRS and LOG_LEVEL
// override the file. Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.LogLevel = envOr("LOG_LEVEL", fc.Logging.Level, "info")

	cfg.ServerHost = strings.TrimSpace(fc.Server.Host)
	cfg.ServerPort = envOr("SERVER_PORT", fc.Server.Port, "8080")

	cfg.DataDir = envOr("DATA_DIR", fc.Storage.DataDir, "data")
	cfg.MaxUploadBytes = fc.Storage.MaxUploadBytes
	if v := strings.TrimSpace(os.Getenv("MAX_UPLOAD_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
		}
		cfg.MaxUploadBytes = n
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 1 << 20
	}
	cfg.FileMode = 0o644
	if v := strings.TrimSpace(fc.Storage.FileMode); v != "" {
		mode, err := strconv.ParseUint(v, 8, 32)
		if err != nil || mode > 0o777 {
			return nil, fmt.Errorf("storage.file_mode must be octal permission bits, got %q", v)
		}
		cfg.FileMode = os.FileMode(mode)
	}

	cfg.CatalogRefreshInterval = parseDuration(fc.Catalog.RefreshInterval, 30*time.Second)
	cfg.CatalogWatch = true
	if fc.Catalog.Watch != nil {
		cfg.CatalogWatch = *fc.Catalog.Watch
	}
	cfg.CatalogWatchDebounce = parseDuration(fc.Catalog.WatchDebounce, 250*time.Millisecond)

	cfg.QueryTimeout = parseDuration(fc.Query.Timeout, 30*time.Second)
	cfg.QueryRowLimit = fc.Query.RowLimit
	if cfg.QueryRowLimit <= 0 {
		cfg.QueryRowLimit = 1000
	}
	cfg.QueryMemoryLimit = strings.TrimSpace(fc.Query.MemoryLimit)
	cfg.ScanConcurrency = fc.Query.ScanConcurrency
	if cfg.ScanConcurrency <= 0 {
		cfg.ScanConcurrency = 4
	}

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.CacheBackend = strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend, "in_memory"))
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.MemcachedBreakerFailures = fc.Cache.Memcached.Breaker.Failures
	if cfg.MemcachedBreakerFailures <= 0 {
		cfg.MemcachedBreakerFailures = 5
	}
	cfg.MemcachedBreakerTimeout = parseDuration(fc.Cache.Memcached.Breaker.Timeout, 30*time.Second)

	cfg.UploadRateLimitRPS = fc.Reliability.UploadRateLimitRPS
	if cfg.UploadRateLimitRPS <= 0 {
		cfg.UploadRateLimitRPS = 20
	}
	cfg.UploadRateLimitBurst = fc.Reliability.UploadRateLimitBurst
	if cfg.UploadRateLimitBurst <= 0 {
		cfg.UploadRateLimitBurst = 40
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.InFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOr returns the trimmed env var key, else the trimmed file value, else def.
func envOr(key, fileVal, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(fileVal); v != "" {
		return v
	}
	return def
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Rejects non-positive upload limits and unknown cache backends, and keeps
// the in-flight drain inside the shutdown budget.
func validate(cfg *Config) error {
	if cfg.MaxUploadBytes <= 0 {
		return fmt.Errorf("storage.max_upload_bytes must be positive, got %d", cfg.MaxUploadBytes)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.InFlightTimeout > cfg.ShutdownTimeout {
		cfg.InFlightTimeout = cfg.ShutdownTimeout
	}
	return nil
}
