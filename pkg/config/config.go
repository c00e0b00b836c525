// Package config holds the immutable engine configuration. Load reads it once
// at startup from environment variables; everything downstream receives the
// struct, never the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds engine configuration.
type Config struct {
	Port     string
	LogLevel string

	// Storage
	DatabaseURL string // postgres DSN; empty means SQLite
	SQLitePath  string

	// External providers
	MockExternalProviders    bool
	ExternalDiscoveryEnabled bool
	SearchAPIKey             string
	SearchAPIEndpoint        string
	LLMAPIKey                string
	LLMEndpoint              string
	LLMModel                 string
	ProviderFixturesRoot     string
	ProviderTimeout          time.Duration

	// Export packs
	ExportPackStorageRoot     string
	ExportPackMaxZipBytes     int64
	EvidenceBundleMaxZipBytes int64
	ExportS3Bucket            string

	// Fetcher
	FetchTimeout      time.Duration
	FetchMaxBytes     int64
	FetchMaxRedirects int

	// Workers and queue
	WorkerPollInterval time.Duration
	StaleLeaseSeconds  int
	JobMaxAttempts     int
	StepMaxAttempts    int

	// Discovery limits
	MaxCompanies       int
	MaxExecutives      int
	EnrichmentTTLHours int

	// Shared infrastructure
	RedisAddr    string
	OTLPEndpoint string
}

// Load loads configuration from environment variables with engine defaults.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "prospector.db"),

		MockExternalProviders:    getBool("MOCK_EXTERNAL_PROVIDERS", false),
		ExternalDiscoveryEnabled: getBool("EXTERNAL_DISCOVERY_ENABLED", false),
		SearchAPIKey:             os.Getenv("SEARCH_API_KEY"),
		SearchAPIEndpoint:        os.Getenv("SEARCH_API_ENDPOINT"),
		LLMAPIKey:                os.Getenv("LLM_API_KEY"),
		LLMEndpoint:              os.Getenv("LLM_ENDPOINT"),
		LLMModel:                 getEnv("LLM_MODEL", "gpt-4o-mini"),
		ProviderFixturesRoot:     getEnv("PROVIDER_FIXTURES_ROOT", "fixtures/providers"),
		ProviderTimeout:          getDuration("PROVIDER_TIMEOUT", 60*time.Second),

		ExportPackStorageRoot:     getEnv("EXPORT_PACK_STORAGE_ROOT", "export_packs"),
		ExportPackMaxZipBytes:     getInt64("EXPORT_PACK_MAX_ZIP_BYTES", 64<<20),
		EvidenceBundleMaxZipBytes: getInt64("EVIDENCE_BUNDLE_MAX_ZIP_BYTES", 256<<20),
		ExportS3Bucket:            os.Getenv("EXPORT_S3_BUCKET"),

		FetchTimeout:      getDuration("FETCH_TIMEOUT", 30*time.Second),
		FetchMaxBytes:     getInt64("FETCH_MAX_BYTES", 2<<20),
		FetchMaxRedirects: getInt("FETCH_MAX_REDIRECTS", 5),

		WorkerPollInterval: getDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
		StaleLeaseSeconds:  getInt("STALE_LEASE_SECONDS", 1800),
		JobMaxAttempts:     getInt("JOB_MAX_ATTEMPTS", 5),
		StepMaxAttempts:    getInt("STEP_MAX_ATTEMPTS", 5),

		MaxCompanies:       getInt("MAX_COMPANIES", 50),
		MaxExecutives:      getInt("MAX_EXECUTIVES", 25),
		EnrichmentTTLHours: getInt("ENRICHMENT_TTL_HOURS", 336),

		RedisAddr:    os.Getenv("REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
