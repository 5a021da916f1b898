package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/fishtrade/fishtrade/internal/billing"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`

	PGDSN      string `envconfig:"PG_DSN" required:"true"`
	PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"10"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`

	DefaultCommission         float64       `envconfig:"BILLING_DEFAULT_COMMISSION" default:"0.5"`
	DefaultWeightDeductionPct float64       `envconfig:"BILLING_DEFAULT_WEIGHT_DEDUCTION_PCT" default:"5"`
	CrateWeightKG             float64       `envconfig:"CRATE_WEIGHT_KG" default:"20"`
	LockTTL                   time.Duration `envconfig:"BILLING_LOCK_TTL" default:"15s"`
	OutstandingCacheTTL       time.Duration `envconfig:"OUTSTANDING_CACHE_TTL" default:"10m"`
	IdempotencyRetention      time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"168h"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.PGDSN == "" {
		return errors.New("PG_DSN must be provided")
	}
	if c.DefaultWeightDeductionPct < 0 || c.DefaultWeightDeductionPct > 100 {
		return fmt.Errorf("BILLING_DEFAULT_WEIGHT_DEDUCTION_PCT must be within 0..100, got %v", c.DefaultWeightDeductionPct)
	}
	if c.DefaultCommission < 0 {
		return fmt.Errorf("BILLING_DEFAULT_COMMISSION must not be negative, got %v", c.DefaultCommission)
	}
	if c.CrateWeightKG <= 0 {
		return fmt.Errorf("CRATE_WEIGHT_KG must be positive, got %v", c.CrateWeightKG)
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// BillingConfig maps the billing settings onto the service configuration.
func (c *Config) BillingConfig() billing.ServiceConfig {
	cfg := billing.DefaultServiceConfig()
	if c == nil {
		return cfg
	}
	cfg.DefaultCommissionPerUnitWeight = c.DefaultCommission
	cfg.DefaultWeightDeductionPct = c.DefaultWeightDeductionPct
	cfg.CrateWeight = c.CrateWeightKG
	return cfg
}
