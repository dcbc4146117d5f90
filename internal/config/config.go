// Package config loads and validates router configuration, following the
// teacher's approach (ws/config.go): struct tags parsed by caarlos0/env,
// an optional .env file via joho/godotenv, explicit Validate(), and a
// structured LogConfig() for Loki-friendly startup logging.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// EvictionPolicy selects the State Store's eviction strategy (§4.2).
type EvictionPolicy string

const (
	EvictionNone EvictionPolicy = "none"
	EvictionLRU  EvictionPolicy = "lru"
	EvictionLFU  EvictionPolicy = "lfu"
)

// SecurityMode selects whether HELLO requires a verifiable token (§6).
type SecurityMode string

const (
	SecurityOpen          SecurityMode = "open"
	SecurityAuthenticated SecurityMode = "authenticated"
)

// Config holds every authoritative router option named in §6.
type Config struct {
	// Session Registry (§4.4, §6)
	MaxSessions       int           `env:"CLASP_MAX_SESSIONS" envDefault:"10000"`
	SessionTimeoutS   int           `env:"CLASP_SESSION_TIMEOUT_S" envDefault:"300"`
	MaxSubsPerSession int           `env:"CLASP_MAX_SUBS_PER_SESSION" envDefault:"256"`
	MaxMsgSize        int           `env:"CLASP_MAX_MSG_SIZE" envDefault:"65536"`
	OutboundQueueSize int           `env:"CLASP_OUTBOUND_QUEUE_SIZE" envDefault:"1024"`
	DropWindow        time.Duration `env:"CLASP_DROP_WINDOW" envDefault:"10s"`
	DropThreshold     int           `env:"CLASP_DROP_THRESHOLD" envDefault:"100"`

	// State Store (§4.2)
	MaxEntries int            `env:"CLASP_MAX_ENTRIES" envDefault:"1000000"`
	EntryTTL   time.Duration  `env:"CLASP_ENTRY_TTL" envDefault:"0"`
	Eviction   EvictionPolicy `env:"CLASP_EVICTION" envDefault:"none"`
	LockLeaseS int            `env:"CLASP_LOCK_LEASE_S" envDefault:"30"`

	// Dispatcher (§4.5, §5)
	ShardCount               int `env:"CLASP_SHARD_COUNT" envDefault:"0"`
	GestureCoalesceIntervalM int `env:"CLASP_GESTURE_COALESCE_INTERVAL_MS" envDefault:"16"`
	SnapshotChunkBytes       int `env:"CLASP_SNAPSHOT_CHUNK_BYTES" envDefault:"65536"`
	SnapshotChunkCount       int `env:"CLASP_SNAPSHOT_CHUNK_COUNT" envDefault:"256"`

	// Rate limiting (§4.4, §6)
	RateLimitingEnabled bool `env:"CLASP_RATE_LIMITING_ENABLED" envDefault:"true"`
	MaxMsgsPerSec       int  `env:"CLASP_MAX_MSGS_PER_S" envDefault:"1000"`

	// Scheduler (§4.6)
	TTLSweepInterval time.Duration `env:"CLASP_TTL_SWEEP_INTERVAL" envDefault:"1s"`

	// Security (§6)
	SecurityMode SecurityMode `env:"CLASP_SECURITY_MODE" envDefault:"open"`

	// Resource guard (container-aware safety valve, grounded on the
	// teacher's ResourceGuard/CPUMonitor; an extension of §6's
	// TooManySessions policy)
	CPURejectThreshold float64 `env:"CLASP_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"CLASP_CPU_PAUSE_THRESHOLD" envDefault:"60.0"`

	// Monitoring
	MetricsAddr     string        `env:"CLASP_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"CLASP_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"CLASP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CLASP_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"CLASP_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: ENV vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.MaxSessions < 1 {
		return fmt.Errorf("CLASP_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.MaxSubsPerSession < 1 {
		return fmt.Errorf("CLASP_MAX_SUBS_PER_SESSION must be > 0, got %d", c.MaxSubsPerSession)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CLASP_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("CLASP_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPURejectThreshold > 0 && c.CPUPauseThreshold > c.CPURejectThreshold {
		return fmt.Errorf("CLASP_CPU_PAUSE_THRESHOLD (%.1f) must be <= CLASP_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	switch c.Eviction {
	case EvictionNone, EvictionLRU, EvictionLFU:
	default:
		return fmt.Errorf("CLASP_EVICTION must be one of: none, lru, lfu (got %q)", c.Eviction)
	}

	switch c.SecurityMode {
	case SecurityOpen, SecurityAuthenticated:
	default:
		return fmt.Errorf("CLASP_SECURITY_MODE must be one of: open, authenticated (got %q)", c.SecurityMode)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("CLASP_LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("CLASP_LOG_FORMAT must be one of: json, pretty (got %q)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the resolved configuration as a single structured line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("max_sessions", c.MaxSessions).
		Int("session_timeout_s", c.SessionTimeoutS).
		Int("max_subs_per_session", c.MaxSubsPerSession).
		Int("max_msg_size", c.MaxMsgSize).
		Int("max_entries", c.MaxEntries).
		Dur("entry_ttl", c.EntryTTL).
		Str("eviction", string(c.Eviction)).
		Int("lock_lease_s", c.LockLeaseS).
		Int("shard_count", c.ShardCount).
		Int("gesture_coalesce_interval_ms", c.GestureCoalesceIntervalM).
		Bool("rate_limiting_enabled", c.RateLimitingEnabled).
		Int("max_msgs_per_s", c.MaxMsgsPerSec).
		Str("security_mode", string(c.SecurityMode)).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("router configuration loaded")
}
