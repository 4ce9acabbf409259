package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all worker configuration.
type Config struct {
	Environment string
	LogLevel    string

	Database      DatabaseConfig
	Browser       BrowserConfig
	Storage       StorageConfig
	Worker        WorkerConfig
	Disk          DiskConfig
	Observability ObservabilityConfig
}

// DatabaseConfig holds queue database configuration.
type DatabaseConfig struct {
	URL string
}

// BrowserConfig holds remote headless-browser configuration.
type BrowserConfig struct {
	Endpoint        string
	Token           string
	SessionTimeout  time.Duration
	PageLoadWait    time.Duration
	NetworkIdleWait time.Duration
}

// StorageConfig holds object-store and CDN configuration.
type StorageConfig struct {
	Endpoint       string
	Zone           string
	AccessKey      string
	CDNBaseURL     string
	PullZoneID     string
	PullZoneAPIKey string
	UploadTimeout  time.Duration
}

// WorkerConfig holds worker loop configuration.
type WorkerConfig struct {
	PollInterval      time.Duration
	MaxConcurrentJobs int
	HealthPort        int
	KillTimeout       time.Duration
	CapRefreshPeriod  time.Duration
}

// DiskConfig holds working-directory and cache retention configuration.
type DiskConfig struct {
	WorkRoot              string
	CacheDir              string
	CleanupEnabled        bool
	FailureRetentionDays  int
	SuccessRetentionHours int
	CleanupMaxAgeDays     int
	CacheTTLHours         int
}

// ObservabilityConfig holds tracing configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// Default values
const (
	DefaultPollIntervalMs        = 2000
	DefaultMaxConcurrentJobs     = 3
	DefaultHealthPort            = 3001
	DefaultKillTimeoutMs         = 30000
	DefaultCapRefreshSeconds     = 15
	DefaultPageLoadWaitMs        = 1500
	DefaultNetworkIdleWaitMs     = 5000
	DefaultSessionTimeoutSeconds = 600
	DefaultUploadTimeoutMinutes  = 10
	DefaultWorkRoot              = "/tmp/renders"
	DefaultCacheDir              = "/tmp/render-cache"
	DefaultFailureRetentionDays  = 7
	DefaultSuccessRetentionHours = 1
	DefaultCleanupMaxAgeDays     = 30
	DefaultCacheTTLHours         = 72
	DefaultOTLPEndpoint          = "localhost:4317"
)

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Browser: BrowserConfig{
			Endpoint:        os.Getenv("BROWSER_ENDPOINT"),
			Token:           os.Getenv("BROWSER_TOKEN"),
			SessionTimeout:  time.Duration(getEnvInt("BROWSER_SESSION_TIMEOUT_SEC", DefaultSessionTimeoutSeconds)) * time.Second,
			PageLoadWait:    time.Duration(getEnvInt("PAGE_LOAD_WAIT_MS", DefaultPageLoadWaitMs)) * time.Millisecond,
			NetworkIdleWait: time.Duration(getEnvInt("NETWORK_IDLE_WAIT_MS", DefaultNetworkIdleWaitMs)) * time.Millisecond,
		},
		Storage: StorageConfig{
			Endpoint:       os.Getenv("STORAGE_ENDPOINT"),
			Zone:           os.Getenv("STORAGE_ZONE"),
			AccessKey:      os.Getenv("STORAGE_ACCESS_KEY"),
			CDNBaseURL:     os.Getenv("CDN_BASE_URL"),
			PullZoneID:     os.Getenv("PULLZONE_ID"),
			PullZoneAPIKey: os.Getenv("PULLZONE_API_KEY"),
			UploadTimeout:  time.Duration(getEnvInt("UPLOAD_TIMEOUT_MIN", DefaultUploadTimeoutMinutes)) * time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval:      time.Duration(getEnvInt("WORKER_POLL_INTERVAL", DefaultPollIntervalMs)) * time.Millisecond,
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			HealthPort:        getEnvInt("HEALTH_PORT", DefaultHealthPort),
			KillTimeout:       time.Duration(getEnvInt("KILL_TIMEOUT_MS", DefaultKillTimeoutMs)) * time.Millisecond,
			CapRefreshPeriod:  time.Duration(getEnvInt("CAP_REFRESH_SEC", DefaultCapRefreshSeconds)) * time.Second,
		},
		Disk: DiskConfig{
			WorkRoot:              getEnv("WORK_ROOT", DefaultWorkRoot),
			CacheDir:              getEnv("CACHE_DIR", DefaultCacheDir),
			CleanupEnabled:        getEnvBool("CLEANUP_ENABLED", true),
			FailureRetentionDays:  getEnvInt("FAILED_RENDER_RETENTION_DAYS", DefaultFailureRetentionDays),
			SuccessRetentionHours: getEnvInt("SUCCESS_RENDER_RETENTION_HOURS", DefaultSuccessRetentionHours),
			CleanupMaxAgeDays:     getEnvInt("CLEANUP_MAX_AGE_DAYS", DefaultCleanupMaxAgeDays),
			CacheTTLHours:         getEnvInt("CACHE_TTL_HOURS", DefaultCacheTTLHours),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks mandatory configuration. A failure here is fatal for the
// process: the worker exits non-zero before the loop begins.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Browser.Endpoint == "" {
		errs = append(errs, "BROWSER_ENDPOINT is required")
	}
	if c.Storage.Endpoint == "" {
		errs = append(errs, "STORAGE_ENDPOINT is required")
	}
	if c.Storage.Zone == "" {
		errs = append(errs, "STORAGE_ZONE is required")
	}
	if c.Storage.AccessKey == "" {
		errs = append(errs, "STORAGE_ACCESS_KEY is required")
	}
	if c.Storage.CDNBaseURL == "" {
		errs = append(errs, "CDN_BASE_URL is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// PurgeConfigured returns true when pull-zone credentials are present.
func (c *Config) PurgeConfigured() bool {
	return c.Storage.PullZoneID != "" && c.Storage.PullZoneAPIKey != ""
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
