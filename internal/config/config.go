// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxContextPoolSize    = 500
	maxSessionsPerUser    = 50
	maxTabsPerGroup       = 64
	maxMaxMemoryMB        = 16384
	maxTimeout            = 10 * time.Minute
	maxRateLimitRPM       = 10000
	minAPIKeyLength       = 16
	maxConcurrentPerUser  = 64
	maxConcurrencyWaiters = 1000
	maxDownloadEntries    = 200000
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless    string // "true", "false", or "virtual"
	BrowserPath string

	// ContextPool settings - bounded LRU of persistent browser contexts
	ContextPoolSize    int
	ContextLaunchTimeout time.Duration
	ContextProfileDir  string
	MaxMemoryMB        int

	// SessionRegistry settings
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	MaxSessionsPerUser     int
	MaxTabsPerGroup        int

	// ConcurrencyLimiter settings
	MaxConcurrentPerUser  int
	ConcurrencyWaitLimit  int
	ConcurrencyHardTimeout time.Duration

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Proxy defaults
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	IgnoreCertErrors   bool
	CORSAllowedOrigins []string
	AllowLocalProxies  bool

	// API Key Authentication
	APIKeyEnabled bool
	APIKey        string

	// Ref table / snapshot settings
	RefSkipRolesPath      string
	RefSkipRolesHotReload bool
	RefWindowSize         int

	// Download registry settings
	DownloadIndexPath  string
	DownloadDir        string
	MaxDownloadEntries int
	DownloadTTL        time.Duration

	// Admin TUI
	AdminTUIEnabled bool
	AdminStatsAddr  string

	// Admin auth (distinct from APIKey; gates POST /admin/stop)
	AdminKey string

	// Download limits
	MaxDownloadSizeMB   int
	MaxDownloadsPerUser int
	MaxBlobSizeMB       int

	// Snapshot pipeline
	SnapshotMaxChars  int
	SnapshotTailChars int
	BuildRefsTimeout  time.Duration

	// TabLock acquisition
	TabLockTimeout time.Duration

	// HealthTracker
	HealthProbeInterval       time.Duration
	HealthFailureThreshold    int

	// evaluate-extended rate limiting
	EvalExtendedRateLimitMax    int
	EvalExtendedRateLimitWindow time.Duration

	// Resource extraction / batch download
	MaxBatchFiles       int
	MaxBatchConcurrency int

	// Handler timeout
	HandlerTimeout time.Duration

	// Proxy (in addition to ProxyURL above, discrete host/port for presets)
	ProxyHost string
	ProxyPort int

	NodeEnv string // "production" hides EngineError detail from clients
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8282),

		Headless:    getEnvString("HEADLESS", "true"),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		ContextPoolSize:      getEnvInt("CONTEXT_POOL_SIZE", 25),
		ContextLaunchTimeout: getEnvDuration("CONTEXT_LAUNCH_TIMEOUT", 30*time.Second),
		ContextProfileDir:    getEnvString("CONTEXT_PROFILE_DIR", "./data/profiles"),
		MaxMemoryMB:          getEnvInt("MAX_MEMORY_MB", 4096),

		SessionTTL:             getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		MaxSessionsPerUser:     getEnvInt("MAX_SESSIONS_PER_USER", 10),
		MaxTabsPerGroup:        getEnvInt("MAX_TABS_PER_GROUP", 16),

		MaxConcurrentPerUser:   getEnvInt("MAX_CONCURRENT_PER_USER", 4),
		ConcurrencyWaitLimit:   getEnvInt("CONCURRENCY_WAIT_LIMIT", 32),
		ConcurrencyHardTimeout: getEnvDuration("CONCURRENCY_HARD_TIMEOUT", 30*time.Second),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		ProxyURL:      getEnvString("PROXY_URL", ""),
		ProxyUsername: getEnvString("PROXY_USERNAME", ""),
		ProxyPassword: getEnvString("PROXY_PASSWORD", ""),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "console"),

		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		IgnoreCertErrors:   getEnvBool("IGNORE_CERT_ERRORS", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		AllowLocalProxies:  getEnvBool("ALLOW_LOCAL_PROXIES", false),

		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),

		RefSkipRolesPath:      getEnvString("REF_SKIP_ROLES_PATH", ""),
		RefSkipRolesHotReload: getEnvBool("REF_SKIP_ROLES_HOT_RELOAD", false),
		RefWindowSize:         getEnvInt("REF_WINDOW_SIZE", 200),

		DownloadIndexPath:  getEnvString("DOWNLOAD_INDEX_PATH", "./data/downloads/index.json"),
		DownloadDir:        getEnvString("DOWNLOAD_DIR", "./data/downloads"),
		MaxDownloadEntries: getEnvInt("MAX_DOWNLOAD_ENTRIES", 5000),
		DownloadTTL:        getEnvDuration("DOWNLOAD_TTL", 24*time.Hour),

		AdminTUIEnabled: getEnvBool("ADMIN_TUI_ENABLED", false),
		AdminStatsAddr:  getEnvString("ADMIN_STATS_ADDR", "127.0.0.1:8283"),

		AdminKey: getEnvString("ADMIN_KEY", ""),

		MaxDownloadSizeMB:   getEnvInt("MAX_DOWNLOAD_SIZE_MB", 500),
		MaxDownloadsPerUser: getEnvInt("MAX_DOWNLOADS_PER_USER", 500),
		MaxBlobSizeMB:       getEnvInt("MAX_BLOB_SIZE_MB", 50),

		SnapshotMaxChars:  getEnvInt("SNAPSHOT_MAX_CHARS", 80000),
		SnapshotTailChars: getEnvInt("SNAPSHOT_TAIL_CHARS", 5000),
		BuildRefsTimeout:  getEnvDuration("BUILD_REFS_TIMEOUT", 12*time.Second),

		TabLockTimeout: getEnvDuration("TAB_LOCK_TIMEOUT", 30*time.Second),

		HealthProbeInterval:    getEnvDuration("HEALTH_PROBE_INTERVAL", 60*time.Second),
		HealthFailureThreshold: getEnvInt("HEALTH_FAILURE_THRESHOLD", 3),

		EvalExtendedRateLimitMax:    getEnvInt("EVAL_EXTENDED_RATE_LIMIT_MAX", 20),
		EvalExtendedRateLimitWindow: getEnvDuration("EVAL_EXTENDED_RATE_LIMIT_WINDOW", time.Minute),

		MaxBatchFiles:       getEnvInt("MAX_BATCH_FILES", 50),
		MaxBatchConcurrency: getEnvInt("MAX_BATCH_CONCURRENCY", 5),

		HandlerTimeout: getEnvDuration("HANDLER_TIMEOUT", 30*time.Second),

		ProxyHost: getEnvString("PROXY_HOST", ""),
		ProxyPort: getEnvInt("PROXY_PORT", 0),

		NodeEnv: getEnvString("NODE_ENV", "development"),
	}
}

// HasDefaultProxy returns true if a default proxy is configured.
func (c *Config) HasDefaultProxy() bool {
	return c.ProxyURL != ""
}

// Validate clamps out-of-range configuration values to safe bounds, logging
// a warning for every field it adjusts. It never fails the process; invalid
// values fall back to a clamped bound rather than aborting startup.
func (c *Config) Validate() {
	if c.Port < 1 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("invalid port, falling back to 8282")
		c.Port = 8282
	}

	if c.ContextPoolSize < 1 {
		log.Warn().Int("context_pool_size", c.ContextPoolSize).Msg("context pool size must be positive, clamping to 1")
		c.ContextPoolSize = 1
	} else if c.ContextPoolSize > maxContextPoolSize {
		log.Warn().Int("context_pool_size", c.ContextPoolSize).Int("max", maxContextPoolSize).Msg("context pool size exceeds maximum, clamping")
		c.ContextPoolSize = maxContextPoolSize
	}

	if c.MaxMemoryMB < 256 || c.MaxMemoryMB > maxMaxMemoryMB {
		log.Warn().Int("max_memory_mb", c.MaxMemoryMB).Msg("max memory out of bounds, clamping to 2048")
		c.MaxMemoryMB = 2048
	}

	if c.MaxSessionsPerUser < 1 || c.MaxSessionsPerUser > maxSessionsPerUser {
		log.Warn().Int("max_sessions_per_user", c.MaxSessionsPerUser).Msg("max sessions per user out of bounds, clamping")
		if c.MaxSessionsPerUser < 1 {
			c.MaxSessionsPerUser = 1
		} else {
			c.MaxSessionsPerUser = maxSessionsPerUser
		}
	}

	if c.MaxTabsPerGroup < 1 || c.MaxTabsPerGroup > maxTabsPerGroup {
		log.Warn().Int("max_tabs_per_group", c.MaxTabsPerGroup).Msg("max tabs per group out of bounds, clamping")
		if c.MaxTabsPerGroup < 1 {
			c.MaxTabsPerGroup = 1
		} else {
			c.MaxTabsPerGroup = maxTabsPerGroup
		}
	}

	if c.MaxConcurrentPerUser < 1 || c.MaxConcurrentPerUser > maxConcurrentPerUser {
		log.Warn().Int("max_concurrent_per_user", c.MaxConcurrentPerUser).Msg("max concurrent per user out of bounds, clamping")
		if c.MaxConcurrentPerUser < 1 {
			c.MaxConcurrentPerUser = 1
		} else {
			c.MaxConcurrentPerUser = maxConcurrentPerUser
		}
	}

	if c.ConcurrencyWaitLimit < 0 || c.ConcurrencyWaitLimit > maxConcurrencyWaiters {
		log.Warn().Int("concurrency_wait_limit", c.ConcurrencyWaitLimit).Msg("concurrency wait limit out of bounds, clamping")
		c.ConcurrencyWaitLimit = maxConcurrencyWaiters
	}

	if c.ConcurrencyHardTimeout <= 0 || c.ConcurrencyHardTimeout > maxTimeout {
		log.Warn().Dur("concurrency_hard_timeout", c.ConcurrencyHardTimeout).Msg("concurrency hard timeout out of bounds, clamping to 30s")
		c.ConcurrencyHardTimeout = 30 * time.Second
	}

	if c.DefaultTimeout <= 0 {
		log.Warn().Dur("default_timeout", c.DefaultTimeout).Msg("default timeout must be positive, clamping to 60s")
		c.DefaultTimeout = 60 * time.Second
	}
	if c.MaxTimeout <= 0 || c.MaxTimeout > maxTimeout {
		log.Warn().Dur("max_timeout", c.MaxTimeout).Msg("max timeout out of bounds, clamping")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().
			Dur("default_timeout", c.DefaultTimeout).
			Dur("max_timeout", c.MaxTimeout).
			Msg("default timeout exceeds max timeout, clamping default to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	if c.SessionCleanupInterval <= 0 {
		log.Warn().Dur("session_cleanup_interval", c.SessionCleanupInterval).Msg("invalid cleanup interval, clamping to 1m")
		c.SessionCleanupInterval = time.Minute
	}
	if c.SessionTTL <= 0 {
		log.Warn().Dur("session_ttl", c.SessionTTL).Msg("invalid session ttl, clamping to 30m")
		c.SessionTTL = 30 * time.Minute
	}
	if c.SessionCleanupInterval > c.SessionTTL {
		log.Warn().Msg("session cleanup interval exceeds session ttl, clamping cleanup interval to ttl/2")
		c.SessionCleanupInterval = c.SessionTTL / 2
	}

	if c.RateLimitRPM < 1 || c.RateLimitRPM > maxRateLimitRPM {
		log.Warn().Int("rate_limit_rpm", c.RateLimitRPM).Msg("rate limit out of bounds, clamping to 120")
		c.RateLimitRPM = 120
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		log.Warn().Str("log_level", c.LogLevel).Msg("unknown log level, falling back to info")
		c.LogLevel = "info"
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		log.Warn().Str("log_format", c.LogFormat).Msg("unknown log format, falling back to console")
		c.LogFormat = "console"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().Str("pprof_bind_addr", c.PProfBindAddr).Msg("pprof is bound to a non-localhost address, exposing runtime internals externally")
	}
	if c.PProfEnabled && c.PProfPort == c.Port {
		log.Warn().Int("port", c.Port).Msg("pprof port conflicts with server port, disabling pprof")
		c.PProfEnabled = false
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - all cross-origin requests will be rejected")
	}

	if c.IgnoreCertErrors {
		log.Warn().Msg("TLS certificate validation is disabled - only use for trusted internal proxies")
	}

	if c.ProxyURL != "" {
		if !strings.HasPrefix(c.ProxyURL, "http://") && !strings.HasPrefix(c.ProxyURL, "https://") && !strings.HasPrefix(c.ProxyURL, "socks5://") {
			log.Warn().Str("proxy_url", c.ProxyURL).Msg("proxy URL has an unrecognized scheme")
		}
	}

	if c.APIKeyEnabled && len(c.APIKey) < minAPIKeyLength {
		log.Warn().Int("length", len(c.APIKey)).Int("min", minAPIKeyLength).Msg("API key is shorter than recommended minimum")
	}

	if c.RefWindowSize < 10 {
		log.Warn().Int("ref_window_size", c.RefWindowSize).Msg("ref window size too small, clamping to 10")
		c.RefWindowSize = 10
	}

	if c.MaxDownloadEntries < 1 || c.MaxDownloadEntries > maxDownloadEntries {
		log.Warn().Int("max_download_entries", c.MaxDownloadEntries).Msg("max download entries out of bounds, clamping")
		if c.MaxDownloadEntries < 1 {
			c.MaxDownloadEntries = 1
		} else {
			c.MaxDownloadEntries = maxDownloadEntries
		}
	}
	if c.DownloadTTL <= 0 {
		log.Warn().Dur("download_ttl", c.DownloadTTL).Msg("invalid download ttl, clamping to 24h")
		c.DownloadTTL = 24 * time.Hour
	}

	switch c.Headless {
	case "true", "false", "virtual":
	default:
		log.Warn().Str("headless", c.Headless).Msg("unrecognized headless mode, falling back to true")
		c.Headless = "true"
	}

	if c.MaxDownloadSizeMB < 1 {
		log.Warn().Int("max_download_size_mb", c.MaxDownloadSizeMB).Msg("invalid max download size, clamping to 500")
		c.MaxDownloadSizeMB = 500
	}
	if c.MaxDownloadsPerUser < 1 {
		log.Warn().Int("max_downloads_per_user", c.MaxDownloadsPerUser).Msg("invalid max downloads per user, clamping to 500")
		c.MaxDownloadsPerUser = 500
	}
	if c.MaxBlobSizeMB < 1 {
		log.Warn().Int("max_blob_size_mb", c.MaxBlobSizeMB).Msg("invalid max blob size, clamping to 50")
		c.MaxBlobSizeMB = 50
	}

	if c.SnapshotMaxChars < 1000 {
		log.Warn().Int("snapshot_max_chars", c.SnapshotMaxChars).Msg("snapshot max chars too small, clamping to 80000")
		c.SnapshotMaxChars = 80000
	}
	if c.SnapshotTailChars < 0 || c.SnapshotTailChars >= c.SnapshotMaxChars {
		log.Warn().Int("snapshot_tail_chars", c.SnapshotTailChars).Msg("snapshot tail chars out of bounds, clamping to 5000")
		c.SnapshotTailChars = 5000
	}
	if c.BuildRefsTimeout <= 0 {
		log.Warn().Dur("build_refs_timeout", c.BuildRefsTimeout).Msg("invalid build-refs timeout, clamping to 12s")
		c.BuildRefsTimeout = 12 * time.Second
	}

	if c.TabLockTimeout <= 0 {
		log.Warn().Dur("tab_lock_timeout", c.TabLockTimeout).Msg("invalid tab lock timeout, clamping to 30s")
		c.TabLockTimeout = 30 * time.Second
	}

	if c.HealthProbeInterval <= 0 {
		log.Warn().Dur("health_probe_interval", c.HealthProbeInterval).Msg("invalid health probe interval, clamping to 60s")
		c.HealthProbeInterval = 60 * time.Second
	}
	if c.HealthFailureThreshold < 1 {
		log.Warn().Int("health_failure_threshold", c.HealthFailureThreshold).Msg("invalid health failure threshold, clamping to 3")
		c.HealthFailureThreshold = 3
	}

	if c.EvalExtendedRateLimitMax < 1 {
		log.Warn().Int("eval_extended_rate_limit_max", c.EvalExtendedRateLimitMax).Msg("invalid evaluate-extended rate limit, clamping to 20")
		c.EvalExtendedRateLimitMax = 20
	}
	if c.EvalExtendedRateLimitWindow <= 0 {
		log.Warn().Dur("eval_extended_rate_limit_window", c.EvalExtendedRateLimitWindow).Msg("invalid evaluate-extended rate limit window, clamping to 1m")
		c.EvalExtendedRateLimitWindow = time.Minute
	}

	if c.MaxBatchFiles < 1 || c.MaxBatchFiles > 500 {
		log.Warn().Int("max_batch_files", c.MaxBatchFiles).Msg("max batch files out of bounds, clamping")
		if c.MaxBatchFiles < 1 {
			c.MaxBatchFiles = 1
		} else {
			c.MaxBatchFiles = 500
		}
	}
	if c.MaxBatchConcurrency < 1 {
		log.Warn().Int("max_batch_concurrency", c.MaxBatchConcurrency).Msg("invalid max batch concurrency, clamping to 5")
		c.MaxBatchConcurrency = 5
	}

	if c.HandlerTimeout <= 0 || c.HandlerTimeout > maxTimeout {
		log.Warn().Dur("handler_timeout", c.HandlerTimeout).Msg("handler timeout out of bounds, clamping to 30s")
		c.HandlerTimeout = 30 * time.Second
	}

	switch c.NodeEnv {
	case "production", "development", "test":
	default:
		log.Warn().Str("node_env", c.NodeEnv).Msg("unrecognized node environment, falling back to development")
		c.NodeEnv = "development"
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			if intValue < -2147483648 || intValue > 2147483647 {
				log.Warn().
					Str("key", key).
					Str("value", value).
					Int("default", defaultValue).
					Msg("integer value out of range in environment variable, using default")
				return defaultValue
			}
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
