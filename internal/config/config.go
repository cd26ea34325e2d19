// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsPath   string        `mapstructure:"MIGRATIONS_PATH"`
	AutoMigrate      bool          `mapstructure:"AUTO_MIGRATE"`
	AuditWorkers     int           `mapstructure:"AUDIT_WORKERS"`
	RuleCacheTTL     time.Duration `mapstructure:"RULE_CACHE_TTL"`
	SlowEvaluation   time.Duration `mapstructure:"SLOW_EVALUATION"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	ErrorSampleRate  int           `mapstructure:"ERROR_SAMPLE_RATE"`
	MetricsNamespace string        `mapstructure:"METRICS_NAMESPACE"`
}

var keys = []string{
	"PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_PATH",
	"AUTO_MIGRATE", "AUDIT_WORKERS", "RULE_CACHE_TTL", "SLOW_EVALUATION",
	"LOG_LEVEL", "ERROR_SAMPLE_RATE", "METRICS_NAMESPACE",
}

// Load reads configuration from envFile (if present) overlaid by environment variables
func Load(envFile string) (*Config, error) {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_PATH", "migrations")
	v.SetDefault("AUTO_MIGRATE", false)
	v.SetDefault("AUDIT_WORKERS", 8)
	v.SetDefault("RULE_CACHE_TTL", "5m")
	v.SetDefault("SLOW_EVALUATION", "250ms")
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("ERROR_SAMPLE_RATE", 1)
	v.SetDefault("METRICS_NAMESPACE", "claimrules")

	// Unmarshal only sees env vars that are bound explicitly
	for _, k := range keys {
		v.BindEnv(k)
	}

	if envFile != "" {
		// a missing .env file is fine
		_ = v.ReadInConfig()
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the server cannot start without
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.AuditWorkers < 1 {
		return fmt.Errorf("AUDIT_WORKERS must be at least 1, got %d", c.AuditWorkers)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ErrorSampleRate < 1 {
		return fmt.Errorf("ERROR_SAMPLE_RATE must be at least 1, got %d", c.ErrorSampleRate)
	}
	if c.RuleCacheTTL < 0 || c.SlowEvaluation < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
