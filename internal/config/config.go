// Package config loads the nested runtime configuration for a meshring
// node from environment variables (with .env convenience), following the
// teacher's `env.Parse` + `godotenv` pattern in `ws/config.go`.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// KernelConfig is the Kernel configuration surface.
type KernelConfig struct {
	Host       string        `env:"MESH_KERNEL_HOST" envDefault:"0.0.0.0"`
	Port       uint16        `env:"MESH_KERNEL_PORT" envDefault:"7946"`
	Cookie     string        `env:"MESH_KERNEL_COOKIE"`
	Retry      time.Duration `env:"MESH_KERNEL_RETRY" envDefault:"1s"`
	MaxRetries int           `env:"MESH_KERNEL_MAX_RETRIES" envDefault:"5"`
	Silent     bool          `env:"MESH_KERNEL_SILENT" envDefault:"false"`
	TLSCert    string        `env:"MESH_KERNEL_TLS_CERT"`
	TLSKey     string        `env:"MESH_KERNEL_TLS_KEY"`
	DialRate   float64       `env:"MESH_KERNEL_DIAL_RATE" envDefault:"50"`
	DialBurst  int           `env:"MESH_KERNEL_DIAL_BURST" envDefault:"10"`
	Workers    int           `env:"MESH_KERNEL_WORKERS" envDefault:"16"`
}

// GossipConfig is the Gossip configuration surface.
type GossipConfig struct {
	RFactor       int           `env:"MESH_GOSSIP_RFACTOR" envDefault:"3"`
	PFactor       int           `env:"MESH_GOSSIP_PFACTOR" envDefault:"2"`
	Interval      time.Duration `env:"MESH_GOSSIP_INTERVAL" envDefault:"1s"`
	FlushInterval time.Duration `env:"MESH_GOSSIP_FLUSH_INTERVAL" envDefault:"1s"`
	FlushPath     string        `env:"MESH_GOSSIP_FLUSH_PATH"`
	LowerBound    uint64        `env:"MESH_GOSSIP_VCLOCK_LOWER_BOUND" envDefault:"10"`
	YoungBound    uint64        `env:"MESH_GOSSIP_VCLOCK_YOUNG_BOUND" envDefault:"20000"`
	UpperBound    uint64        `env:"MESH_GOSSIP_VCLOCK_UPPER_BOUND" envDefault:"50"`
	OldBoundMs    uint64        `env:"MESH_GOSSIP_VCLOCK_OLD_BOUND" envDefault:"86400000"`
	RingID        string        `env:"MESH_GOSSIP_RING_ID" envDefault:"default"`
}

// DLMConfig is the Distributed Lock Manager configuration surface.
type DLMConfig struct {
	RQuorum        float64       `env:"MESH_DLM_RQUORUM" envDefault:"0.51"`
	WQuorum        float64       `env:"MESH_DLM_WQUORUM" envDefault:"0.51"`
	RFactor        int           `env:"MESH_DLM_RFACTOR" envDefault:"3"`
	MinWaitTimeout time.Duration `env:"MESH_DLM_MIN_WAIT_TIMEOUT" envDefault:"50ms"`
	MaxWaitTimeout time.Duration `env:"MESH_DLM_MAX_WAIT_TIMEOUT" envDefault:"250ms"`
	Disk           bool          `env:"MESH_DLM_DISK" envDefault:"false"`
	Path           string        `env:"MESH_DLM_PATH" envDefault:"./data/dlm"`
	WriteThreshold int           `env:"MESH_DLM_WRITE_THRESHOLD" envDefault:"0"`
	AutoSave       bool          `env:"MESH_DLM_AUTOSAVE" envDefault:"true"`
	FsyncInterval  time.Duration `env:"MESH_DLM_FSYNC_INTERVAL" envDefault:"1m"`
}

// DSMConfig is the Distributed Semaphore Manager configuration surface.
type DSMConfig struct {
	MinWaitTimeout time.Duration `env:"MESH_DSM_MIN_WAIT_TIMEOUT" envDefault:"50ms"`
	MaxWaitTimeout time.Duration `env:"MESH_DSM_MAX_WAIT_TIMEOUT" envDefault:"250ms"`
	Disk           bool          `env:"MESH_DSM_DISK" envDefault:"false"`
	Path           string        `env:"MESH_DSM_PATH" envDefault:"./data/dsm"`
	WriteThreshold int           `env:"MESH_DSM_WRITE_THRESHOLD" envDefault:"0"`
	AutoSave       bool          `env:"MESH_DSM_AUTOSAVE" envDefault:"true"`
	FsyncInterval  time.Duration `env:"MESH_DSM_FSYNC_INTERVAL" envDefault:"1m"`
}

// MetricsConfig controls the /metrics and /healthz admin HTTP surface.
type MetricsConfig struct {
	Enabled    bool   `env:"MESH_METRICS_ENABLED" envDefault:"true"`
	ListenAddr string `env:"MESH_METRICS_ADDR" envDefault:":9095"`
	CPUBudget  float64 `env:"MESH_METRICS_CPU_BUDGET" envDefault:"0.85"`
}

// NatsConfig controls the optional JetStream mutation-tailing publisher
// shared by the DLM and DSM.
type NatsConfig struct {
	URL string `env:"MESH_NATS_URL"`
}

// LoggingConfig controls the zerolog construction.
type LoggingConfig struct {
	Level  string `env:"MESH_LOG_LEVEL" envDefault:"info"`
	Format string `env:"MESH_LOG_FORMAT" envDefault:"json"`
}

// Config is the full node configuration, one env-tag-prefixed nested
// struct per subsystem.
type Config struct {
	Kernel  KernelConfig
	Gossip  GossipConfig
	DLM     DLMConfig
	DSM     DSMConfig
	Metrics MetricsConfig
	Nats    NatsConfig
	Logging LoggingConfig
}

// Load reads a .env file if present (ignored if absent), then parses
// environment variables into a Config and validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
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

// Validate checks cross-field invariants the env tags alone can't express.
func (c *Config) Validate() error {
	if c.Kernel.Port == 0 {
		return fmt.Errorf("MESH_KERNEL_PORT must be nonzero")
	}
	if c.Gossip.RFactor <= 0 {
		return fmt.Errorf("MESH_GOSSIP_RFACTOR must be > 0, got %d", c.Gossip.RFactor)
	}
	if c.DLM.RQuorum <= 0 || c.DLM.RQuorum > 1 {
		return fmt.Errorf("MESH_DLM_RQUORUM must be in (0,1], got %.2f", c.DLM.RQuorum)
	}
	if c.DLM.WQuorum <= 0 || c.DLM.WQuorum > 1 {
		return fmt.Errorf("MESH_DLM_WQUORUM must be in (0,1], got %.2f", c.DLM.WQuorum)
	}
	if c.DLM.MaxWaitTimeout < c.DLM.MinWaitTimeout {
		return fmt.Errorf("MESH_DLM_MAX_WAIT_TIMEOUT must be >= MESH_DLM_MIN_WAIT_TIMEOUT")
	}
	if c.DSM.MaxWaitTimeout < c.DSM.MinWaitTimeout {
		return fmt.Errorf("MESH_DSM_MAX_WAIT_TIMEOUT must be >= MESH_DSM_MIN_WAIT_TIMEOUT")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("MESH_LOG_LEVEL must be one of debug,info,warn,error (got %q)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("MESH_LOG_FORMAT must be one of json,pretty (got %q)", c.Logging.Format)
	}
	return nil
}
