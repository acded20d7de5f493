// Package config loads gridcore's single Config struct from environment
// variables (with an optional .env for local development), the way
// ws/config.go does. Validation happens once at boot, not scattered
// through the codebase.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-tunable setting for cmd/gridserver.
type Config struct {
	Addr        string `env:"GRIDCORE_ADDR" envDefault:":8080"`
	ShardName   string `env:"GRIDCORE_SHARD_NAME" envDefault:""` // "" => derive from hostname
	ShardCount  int    `env:"GRIDCORE_SHARD_COUNT" envDefault:"8"`
	NATSURL     string `env:"GRIDCORE_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	OwnerIndex  int    `env:"GRIDCORE_OWNER_INDEX" envDefault:"0"`
	OwnerCount  int    `env:"GRIDCORE_OWNER_COUNT" envDefault:"1"`
	KafkaBroker string `env:"GRIDCORE_KAFKA_BROKERS" envDefault:""` // "" => audit sink disabled

	SnapshotDir string `env:"GRIDCORE_SNAPSHOT_DIR" envDefault:"./data/snapshots"`

	TokenSigningSecret string        `env:"GRIDCORE_TOKEN_SECRET,required"`
	TokenTTL           time.Duration `env:"GRIDCORE_TOKEN_TTL" envDefault:"24h"`

	MaxConnections     int     `env:"GRIDCORE_MAX_CONNECTIONS" envDefault:"10000"`
	MaxGoroutines      int     `env:"GRIDCORE_MAX_GOROUTINES" envDefault:"20000"`
	CPURejectThreshold float64 `env:"GRIDCORE_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	CPUPauseThreshold  float64 `env:"GRIDCORE_CPU_PAUSE_THRESHOLD" envDefault:"90.0"`

	ConnRateLimitIPBurst     int `env:"GRIDCORE_CONN_RATE_IP_BURST" envDefault:"20"`
	ConnRateLimitIPRate      int `env:"GRIDCORE_CONN_RATE_IP_RATE" envDefault:"5"`
	ConnRateLimitGlobalBurst int `env:"GRIDCORE_CONN_RATE_GLOBAL_BURST" envDefault:"500"`
	ConnRateLimitGlobalRate  int `env:"GRIDCORE_CONN_RATE_GLOBAL_RATE" envDefault:"200"`

	MetricsInterval time.Duration `env:"GRIDCORE_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"GRIDCORE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"GRIDCORE_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"GRIDCORE_ENV" envDefault:"development"`
}

// Load reads .env (if present) then environment variables into a fresh
// Config, validating the result. Priority: real env vars > .env file >
// struct defaults (env.Parse's own precedence).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("config: no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks range and enum constraints that env.Parse can't.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GRIDCORE_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("GRIDCORE_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.OwnerCount < 1 {
		return fmt.Errorf("GRIDCORE_OWNER_COUNT must be > 0, got %d", c.OwnerCount)
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("GRIDCORE_SHARD_COUNT must be > 0, got %d", c.ShardCount)
	}
	if c.OwnerIndex < 0 || c.OwnerIndex >= c.OwnerCount {
		return fmt.Errorf("GRIDCORE_OWNER_INDEX must be in [0,%d), got %d", c.OwnerCount, c.OwnerIndex)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("GRIDCORE_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("GRIDCORE_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("GRIDCORE_CPU_PAUSE_THRESHOLD (%.1f) must be >= GRIDCORE_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("GRIDCORE_LOG_LEVEL must be one of debug,info,warn,error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("GRIDCORE_LOG_FORMAT must be one of json,pretty, got %q", c.LogFormat)
	}
	return nil
}

// LogFields logs the loaded configuration once at boot.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("shard_name", c.ShardName).
		Str("nats_url", c.NATSURL).
		Int("owner_index", c.OwnerIndex).
		Int("owner_count", c.OwnerCount).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
