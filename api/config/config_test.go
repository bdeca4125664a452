package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"SKIFF_PORT", "SKIFF_DATABASE_URL", "SKIFF_STEP_TIMEOUT", "SKIFF_JANITOR_TTL", "SKIFF_ALLOWED_ORIGINS", "SKIFF_S3_USE_SSL"} {
		os.Unsetenv(k)
	}

	cfg := Load()

	if cfg.Port != "8900" {
		t.Errorf("Port = %q, want 8900", cfg.Port)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.StepTimeout != 120*time.Second {
		t.Errorf("StepTimeout = %s", cfg.StepTimeout)
	}
	if cfg.JanitorTTL != 2*time.Hour {
		t.Errorf("JanitorTTL = %s", cfg.JanitorTTL)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.S3UseSSL {
		t.Error("S3UseSSL should default to false")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SKIFF_PORT", "9999")
	t.Setenv("SKIFF_DATABASE_URL", "postgres://test:test@db:5432/test_db")
	t.Setenv("SKIFF_STEP_TIMEOUT", "300")
	t.Setenv("SKIFF_CLEANUP_TIMEOUT", "45s")
	t.Setenv("SKIFF_JANITOR_TTL", "bogus")
	t.Setenv("SKIFF_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SKIFF_S3_USE_SSL", "true")

	cfg := Load()

	if cfg.Port != "9999" {
		t.Errorf("Port = %q, want 9999", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://test:test@db:5432/test_db" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.StepTimeout != 300*time.Second {
		t.Errorf("StepTimeout = %s, want 5m", cfg.StepTimeout)
	}
	if cfg.CleanupTimeout != 45*time.Second {
		t.Errorf("CleanupTimeout = %s", cfg.CleanupTimeout)
	}
	if cfg.JanitorTTL != 2*time.Hour {
		t.Errorf("invalid JanitorTTL should fall back, got %s", cfg.JanitorTTL)
	}
	if len(cfg.AllowedOrigins) != 4 || cfg.AllowedOrigins[3] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.S3UseSSL {
		t.Error("S3UseSSL should be true")
	}
}

func TestLoadBrowserAndShutdown(t *testing.T) {
	t.Setenv("SKIFF_BROWSER", "firefox")
	t.Setenv("SKIFF_BROWSER_PATH", "/opt/firefox/firefox")
	t.Setenv("SKIFF_SHUTDOWN_TIMEOUT", "")

	cfg := Load()

	if cfg.BrowserEngine != "firefox" || cfg.BrowserPath != "/opt/firefox/firefox" {
		t.Errorf("browser = %q at %q", cfg.BrowserEngine, cfg.BrowserPath)
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("ShutdownTimeout = %s", cfg.ShutdownTimeout)
	}
}
