// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// CI provider settings.
	CIBaseURL     string        // Base URL of the job-trigger/job-status API.
	CIToken       string        // Bearer token for the CI API.
	CIRef         string        // Git ref passed to workflow dispatches.
	CICallTimeout time.Duration // Per-call timeout for external CI requests.

	// Reconciliation settings.
	PollInterval    time.Duration // Interval between status re-fetches.
	PollTimeout     time.Duration // Wall-clock budget for await-terminal.
	MaxRetries      int           // Transient-failure retries per fetch.
	ResolveAttempts int           // Resolution retries before fallback.
	ResolveRunLimit int           // Recent runs scanned during resolution.

	// Alerting settings.
	AlertsEnabled    bool
	AlertWebhookURL  string
	AlertDedupWindow time.Duration

	// State settings.
	TraceRetentionCount int           // Most-recent-N traces kept in memory.
	ConversationTTL     time.Duration // Pending confirmation lifetime.
	StatePath           string        // SQLite file for durable state; empty = in-memory only.

	// Registry settings.
	AgentsFile string // Optional JSON file describing the agent catalog.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("RELAY_PORT", 8080),
		ReadTimeout:         envDuration("RELAY_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("RELAY_WRITE_TIMEOUT", 300*time.Second),
		CIBaseURL:           envStr("RELAY_CI_BASE_URL", ""),
		CIToken:             envStr("RELAY_CI_TOKEN", ""),
		CIRef:               envStr("RELAY_CI_REF", "main"),
		CICallTimeout:       envDuration("RELAY_CI_CALL_TIMEOUT", 10*time.Second),
		PollInterval:        envDuration("RELAY_POLL_INTERVAL", 3*time.Second),
		PollTimeout:         envDuration("RELAY_POLL_TIMEOUT", 180*time.Second),
		MaxRetries:          envInt("RELAY_MAX_RETRIES", 2),
		ResolveAttempts:     envInt("RELAY_RESOLVE_ATTEMPTS", 4),
		ResolveRunLimit:     envInt("RELAY_RESOLVE_RUN_LIMIT", 20),
		AlertsEnabled:       envBool("RELAY_ALERTS_ENABLED", false),
		AlertWebhookURL:     envStr("RELAY_ALERT_WEBHOOK_URL", ""),
		AlertDedupWindow:    envDuration("RELAY_ALERT_DEDUP_WINDOW", 5*time.Minute),
		TraceRetentionCount: envInt("RELAY_TRACE_RETENTION_COUNT", 200),
		ConversationTTL:     envDuration("RELAY_CONVERSATION_TTL", 1*time.Hour),
		StatePath:           envStr("RELAY_STATE_PATH", ""),
		AgentsFile:          envStr("RELAY_AGENTS_FILE", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "relay"),
		LogLevel:            envStr("RELAY_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("RELAY_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and bounds are sane.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: RELAY_POLL_INTERVAL must be positive")
	}
	if c.PollTimeout < c.PollInterval {
		return fmt.Errorf("config: RELAY_POLL_TIMEOUT must be at least one poll interval")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: RELAY_MAX_RETRIES must not be negative")
	}
	if c.ResolveRunLimit <= 0 || c.ResolveRunLimit > 100 {
		return fmt.Errorf("config: RELAY_RESOLVE_RUN_LIMIT must be in 1..100")
	}
	if c.TraceRetentionCount <= 0 {
		return fmt.Errorf("config: RELAY_TRACE_RETENTION_COUNT must be positive")
	}
	if c.ConversationTTL <= 0 {
		return fmt.Errorf("config: RELAY_CONVERSATION_TTL must be positive")
	}
	if c.AlertsEnabled && c.AlertWebhookURL == "" {
		return fmt.Errorf("config: RELAY_ALERT_WEBHOOK_URL is required when alerts are enabled")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: RELAY_MAX_REQUEST_BODY_BYTES must be positive")
	}
	// Synchronous command waits hold the response open for up to the poll
	// budget; the write timeout must outlast it.
	if c.WriteTimeout > 0 && c.WriteTimeout <= c.PollTimeout {
		return fmt.Errorf("config: RELAY_WRITE_TIMEOUT must exceed RELAY_POLL_TIMEOUT")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
