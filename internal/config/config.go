// Package config loads service configuration from the environment and
// an optional .env file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	MetricsPort string `mapstructure:"METRICS_PORT"`
	Env         string `mapstructure:"ENV"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`

	RegistryURL                string `mapstructure:"REGISTRY_URL"`
	RegistryUsername           string `mapstructure:"REGISTRY_USERNAME"`
	RegistryPassword           string `mapstructure:"REGISTRY_PASSWORD"`
	RegistryIdentifierTypeUUID string `mapstructure:"REGISTRY_IDENTIFIER_TYPE_UUID"`
	RegistryLocationUUID       string `mapstructure:"REGISTRY_LOCATION_UUID"`

	ArchiveURL      string `mapstructure:"ARCHIVE_URL"`
	ArchiveUsername string `mapstructure:"ARCHIVE_USERNAME"`
	ArchivePassword string `mapstructure:"ARCHIVE_PASSWORD"`

	// ExternalCallTimeoutSeconds bounds each registry/archive REST call.
	ExternalCallTimeoutSeconds int `mapstructure:"EXTERNAL_CALL_TIMEOUT_SECONDS"`
	// RevalidateWorkers is the worker pool size for bulk re-validation.
	RevalidateWorkers int `mapstructure:"REVALIDATE_WORKERS"`
	// SweepIntervalMinutes is how often the sweep worker reconciles
	// unmapped archive patients. Zero disables the periodic sweep.
	SweepIntervalMinutes int `mapstructure:"SWEEP_INTERVAL_MINUTES"`

	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`

	// APIKey guards the API routes when set; empty disables auth.
	APIKey string `mapstructure:"API_KEY"`
}

// Load reads configuration from the environment, falling back to a .env
// file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("REGISTRY_URL", "http://localhost:8081")
	v.SetDefault("ARCHIVE_URL", "http://localhost:8042")
	v.SetDefault("EXTERNAL_CALL_TIMEOUT_SECONDS", 10)
	v.SetDefault("REVALIDATE_WORKERS", 8)
	v.SetDefault("SWEEP_INTERVAL_MINUTES", 0)

	for _, key := range []string{
		"PORT", "METRICS_PORT", "ENV",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"KAFKA_BROKERS",
		"REGISTRY_URL", "REGISTRY_USERNAME", "REGISTRY_PASSWORD",
		"REGISTRY_IDENTIFIER_TYPE_UUID", "REGISTRY_LOCATION_UUID",
		"ARCHIVE_URL", "ARCHIVE_USERNAME", "ARCHIVE_PASSWORD",
		"EXTERNAL_CALL_TIMEOUT_SECONDS", "REVALIDATE_WORKERS", "SWEEP_INTERVAL_MINUTES",
		"OTLP_ENDPOINT", "API_KEY",
	} {
		v.BindEnv(key)
	}

	// The .env file is a development convenience, not a requirement.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ExternalCallTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("EXTERNAL_CALL_TIMEOUT_SECONDS must be positive, got %d", cfg.ExternalCallTimeoutSeconds)
	}

	return cfg, nil
}

// ExternalCallTimeout returns the per-call timeout as a duration.
func (c *Config) ExternalCallTimeout() time.Duration {
	return time.Duration(c.ExternalCallTimeoutSeconds) * time.Second
}

// SweepInterval returns the periodic sweep interval; zero means
// sweeps run only on demand.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}
