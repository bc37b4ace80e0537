package config_test

import (
	"testing"
	"time"

	"github.com/scarson/queued/internal/config"
)

// These tests use t.Setenv and therefore cannot run in parallel.

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/queued")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SleepTime != 10*time.Second {
		t.Errorf("SleepTime = %v, want 10s", cfg.SleepTime)
	}
	if cfg.GCProbability != 10 {
		t.Errorf("GCProbability = %d, want 10", cfg.GCProbability)
	}
	if cfg.DefaultWorkerTimeout != 120*time.Second || cfg.DefaultWorkerRetries != 4 {
		t.Errorf("worker defaults = %v/%d, want 120s/4", cfg.DefaultWorkerTimeout, cfg.DefaultWorkerRetries)
	}
	if cfg.WorkerMaxRuntime != 0 || cfg.ExitWhenNothingToDo {
		t.Errorf("runtime bounds = %v/%v, want 0/false", cfg.WorkerMaxRuntime, cfg.ExitWhenNothingToDo)
	}
	if cfg.CleanupTimeout != 2000*time.Second {
		t.Errorf("CleanupTimeout = %v, want 2000s", cfg.CleanupTimeout)
	}
	if cfg.ResponsePollInterval != time.Second {
		t.Errorf("ResponsePollInterval = %v, want 1s", cfg.ResponsePollInterval)
	}
	if cfg.WebhookTimeout != 10*time.Second || len(cfg.APIKeyHashes) != 0 {
		t.Errorf("webhook/auth defaults = %v/%v", cfg.WebhookTimeout, cfg.APIKeyHashes)
	}
	if cfg.SMTPFromName != "queued" {
		t.Errorf("SMTPFromName = %q, want queued", cfg.SMTPFromName)
	}
	if !cfg.IsDevelopment() {
		t.Error("default APP_ENV should be development")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/queued")
	t.Setenv("QUEUE_SLEEPTIME", "250ms")
	t.Setenv("QUEUE_GCPROP", "100")
	t.Setenv("QUEUE_EXIT_WHEN_NOTHING_TO_DO", "true")
	t.Setenv("QUEUE_GROUP", "reports")
	t.Setenv("APP_ENV", "production")
	t.Setenv("API_KEY_HASHES", "aa,bb")
	t.Setenv("SMTP_FROM_NAME", "Nightly Reports")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SleepTime != 250*time.Millisecond || cfg.GCProbability != 100 ||
		!cfg.ExitWhenNothingToDo || cfg.Group != "reports" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.APIKeyHashes) != 2 || cfg.APIKeyHashes[1] != "bb" {
		t.Errorf("APIKeyHashes = %v, want [aa bb]", cfg.APIKeyHashes)
	}
	if cfg.SMTPFromName != "Nightly Reports" {
		t.Errorf("SMTPFromName = %q", cfg.SMTPFromName)
	}
	if cfg.IsDevelopment() {
		t.Error("APP_ENV=production reported as development")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/queued")
	t.Setenv("QUEUE_GCPROP", "101")
	if _, err := config.Load(); err == nil {
		t.Error("Load accepted QUEUE_GCPROP=101")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := config.Load(); err == nil {
		t.Error("Load succeeded without DATABASE_URL")
	}
}

func TestLoadRequiresSMTPFrom(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/queued")
	t.Setenv("SMTP_HOST", "mail.example.com")
	if _, err := config.Load(); err == nil {
		t.Error("Load accepted SMTP_HOST without SMTP_FROM")
	}
}
