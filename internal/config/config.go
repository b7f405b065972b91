// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"; defaults by Env

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Protocol windows
	SubmissionCooldown time.Duration
	ScoreFreshness     time.Duration

	// Pending computation bookkeeping
	PendingStaleAfter time.Duration // logged, never aborted
	PendingRetention  time.Duration // how long resolved entries stay queryable

	// Compute cluster
	ClusterPrivateKey string // Hex x25519 scalar; generated per process if empty
	ComputeWorkers    int
	ComputeQueueSize  int
	ComputeLatency    time.Duration

	// Solana RPC for wallet-only submissions (optional)
	SolanaRPCURL string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64 // 0 samples every root span
	SentryDSN        string

	// Security
	AdminSecret    string
	RateLimitRPM   int
	RateLimitBurst int
	WebhookTimeout time.Duration
	CORSOrigins    []string // "*" allows any origin
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultSubmissionCooldown = 24 * time.Hour
	DefaultScoreFreshness     = 7 * 24 * time.Hour
	DefaultPendingStaleAfter  = 10 * time.Minute
	DefaultPendingRetention   = time.Hour
	DefaultComputeWorkers     = 4
	DefaultComputeQueueSize   = 256
	DefaultRateLimitRPM       = 120
	DefaultRateLimitBurst     = 20
	DefaultWebhookTimeout     = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          os.Getenv("LOG_FORMAT"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SubmissionCooldown: getEnvDuration("SUBMISSION_COOLDOWN", DefaultSubmissionCooldown),
		ScoreFreshness:     getEnvDuration("SCORE_FRESHNESS", DefaultScoreFreshness),
		PendingStaleAfter:  getEnvDuration("PENDING_STALE_AFTER", DefaultPendingStaleAfter),
		PendingRetention:   getEnvDuration("PENDING_RETENTION", DefaultPendingRetention),
		ClusterPrivateKey:  os.Getenv("CLUSTER_PRIVATE_KEY"),
		ComputeWorkers:     int(getEnvInt64("COMPUTE_WORKERS", DefaultComputeWorkers)),
		ComputeQueueSize:   int(getEnvInt64("COMPUTE_QUEUE", DefaultComputeQueueSize)),
		ComputeLatency:     getEnvDuration("COMPUTE_LATENCY", 0),
		SolanaRPCURL:       os.Getenv("SOLANA_RPC_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:   getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 0),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		WebhookTimeout:     getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		CORSOrigins:        getEnvList("CORS_ORIGINS", []string{"*"}),
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if !cfg.IsDevelopment() {
			cfg.LogFormat = "json"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.SubmissionCooldown <= 0 {
		return fmt.Errorf("SUBMISSION_COOLDOWN must be positive")
	}
	if c.ScoreFreshness <= 0 {
		return fmt.Errorf("SCORE_FRESHNESS must be positive")
	}
	if c.SubmissionCooldown%time.Second != 0 || c.ScoreFreshness%time.Second != 0 {
		return fmt.Errorf("SUBMISSION_COOLDOWN and SCORE_FRESHNESS must be whole seconds")
	}
	if c.PendingStaleAfter <= 0 || c.PendingRetention <= 0 {
		return fmt.Errorf("PENDING_STALE_AFTER and PENDING_RETENTION must be positive")
	}
	if c.ComputeWorkers <= 0 {
		return fmt.Errorf("COMPUTE_WORKERS must be positive")
	}
	if c.ComputeQueueSize <= 0 {
		return fmt.Errorf("COMPUTE_QUEUE must be positive")
	}
	if c.ComputeLatency < 0 {
		return fmt.Errorf("COMPUTE_LATENCY must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	if c.ClusterPrivateKey != "" {
		key := strings.TrimPrefix(c.ClusterPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("CLUSTER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if _, err := hex.DecodeString(key); err != nil {
			return fmt.Errorf("CLUSTER_PRIVATE_KEY is not valid hex: %w", err)
		}
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// ClusterKey decodes ClusterPrivateKey. ok is false when none is configured.
func (c *Config) ClusterKey() (key [32]byte, ok bool) {
	if c.ClusterPrivateKey == "" {
		return key, false
	}
	b, err := hex.DecodeString(strings.TrimPrefix(c.ClusterPrivateKey, "0x"))
	if err != nil || len(b) != 32 {
		return key, false
	}
	copy(key[:], b)
	return key, true
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvDuration accepts Go durations ("36h") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
