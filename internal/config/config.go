// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds process-level configuration parsed from environment variables.
// The per-backend document (which engines exist and how to reach them) lives
// in a YAML file loaded separately; env values override selected entries.
type Config struct {
	AppEnv         string   `env:"APP_ENV" envDefault:"dev"`
	ServiceName    string   `env:"UDS3_SERVICE_NAME" envDefault:"uds3-core"`
	MetricsPort    int      `env:"METRICS_PORT" envDefault:"9090"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	BackendsFile   string   `env:"UDS3_BACKENDS_FILE" envDefault:"configs/backends.yaml"`
	EventStoreDSN  string   `env:"UDS3_EVENT_STORE_DSN" envDefault:""`
	GovernanceMode string   `env:"UDS3_GOVERNANCE_MODE" envDefault:""`
	AuditBrokers   []string `env:"UDS3_AUDIT_BROKERS" envSeparator:"," envDefault:""`
	AuditTopic     string   `env:"UDS3_AUDIT_TOPIC" envDefault:"uds3-audit"`

	// Saga engine
	LeaseTTL           time.Duration `env:"SAGA_LEASE_TTL" envDefault:"30s"`
	LeaseRenewInterval time.Duration `env:"SAGA_LEASE_RENEW_INTERVAL" envDefault:"10s"`

	// Backend manager
	StartTimeout        time.Duration `env:"BACKEND_START_TIMEOUT" envDefault:"10s"`
	HealthProbeInterval time.Duration `env:"BACKEND_HEALTH_INTERVAL" envDefault:"15s"`

	// Adaptive batcher
	BatchMin       int           `env:"BATCHER_B_MIN" envDefault:"16"`
	BatchMax       int           `env:"BATCHER_B_MAX" envDefault:"512"`
	BatchGrowth    float64       `env:"BATCHER_GROWTH" envDefault:"0.08"`
	BatchShrink    float64       `env:"BATCHER_SHRINK" envDefault:"0.2"`
	LatencyTarget  time.Duration `env:"BATCHER_LATENCY_TARGET" envDefault:"200ms"`
	MaxLinger      time.Duration `env:"BATCHER_MAX_LINGER" envDefault:"50ms"`
	HighWatermark  int           `env:"BATCHER_HIGH_WATERMARK" envDefault:"10000"`
	RecoveryDir    string        `env:"BATCHER_RECOVERY_DIR" envDefault:"data/batcher-recovery"`
	ReplayInterval time.Duration `env:"BATCHER_REPLAY_INTERVAL" envDefault:"30s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
