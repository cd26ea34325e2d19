package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != "8080" || cfg.AuditWorkers != 8 || cfg.DBMaxConns != 20 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.ErrorSampleRate != 1 || cfg.LogLevel != "INFO" {
		t.Errorf("logging defaults: sample rate %d, level %q", cfg.ErrorSampleRate, cfg.LogLevel)
	}
	if cfg.RuleCacheTTL != 5*time.Minute || cfg.SlowEvaluation != 250*time.Millisecond {
		t.Errorf("durations = %v, %v", cfg.RuleCacheTTL, cfg.SlowEvaluation)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/claims")
	t.Setenv("AUDIT_WORKERS", "3")
	t.Setenv("RULE_CACHE_TTL", "30s")
	t.Setenv("AUTO_MIGRATE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != "9090" || cfg.AuditWorkers != 3 || !cfg.AutoMigrate {
		t.Errorf("environment not applied: %+v", cfg)
	}
	if cfg.RuleCacheTTL != 30*time.Second {
		t.Errorf("RuleCacheTTL = %v", cfg.RuleCacheTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "DATABASE_URL=postgres://file/claims\nMETRICS_NAMESPACE=pharmacy\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("METRICS_NAMESPACE", "from_env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file/claims" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.MetricsNamespace != "from_env" {
		t.Errorf("environment should override the file, got %q", cfg.MetricsNamespace)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := Config{DatabaseURL: "postgres://x", AuditWorkers: 1, DBMaxConns: 4, DBMinConns: 1, ErrorSampleRate: 1}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"no workers", func(c *Config) { c.AuditWorkers = 0 }, "AUDIT_WORKERS"},
		{"pool bounds", func(c *Config) { c.DBMinConns = 10 }, "DB_MIN_CONNS"},
		{"zero sample rate", func(c *Config) { c.ErrorSampleRate = 0 }, "ERROR_SAMPLE_RATE"},
		{"negative ttl", func(c *Config) { c.RuleCacheTTL = -time.Second }, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
