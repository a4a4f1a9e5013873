package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/batchsender?sslmode=disable")
	t.Setenv("WEBHOOK_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.NATSReplicas != 3 {
		t.Errorf("NATSReplicas = %d, want 3", cfg.NATSReplicas)
	}
	if cfg.SyncInterval != 2*time.Second {
		t.Errorf("SyncInterval = %v, want 2s", cfg.SyncInterval)
	}
	if cfg.MaxConcurrentRequests != 1000 {
		t.Errorf("MaxConcurrentRequests = %d, want 1000", cfg.MaxConcurrentRequests)
	}
	if !cfg.WebhookQueueEnabled {
		t.Error("WebhookQueueEnabled should default to true")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("WEBHOOK_SECRET", "s")

	if _, err := Load(); err == nil {
		t.Error("expected error when DATABASE_URL is unset")
	}
}

func TestValidateReplicasRange(t *testing.T) {
	setRequired(t)

	for _, replicas := range []string{"0", "6"} {
		t.Setenv("NATS_REPLICAS", replicas)
		if _, err := Load(); err == nil {
			t.Errorf("NATS_REPLICAS=%s should fail validation", replicas)
		}
	}

	t.Setenv("NATS_REPLICAS", "1")
	if _, err := Load(); err != nil {
		t.Errorf("NATS_REPLICAS=1 should be accepted: %v", err)
	}
}

func TestValidateDryRunLatencyOrder(t *testing.T) {
	setRequired(t)
	t.Setenv("DRY_RUN_LATENCY_MIN_MS", "100")
	t.Setenv("DRY_RUN_LATENCY_MAX_MS", "50")

	if _, err := Load(); err == nil {
		t.Error("expected error when max latency is below min")
	}
}

func TestCriticalRedisURLFallback(t *testing.T) {
	cfg := &Config{DragonflyURL: "redis://general:6379"}
	if got := cfg.CriticalRedisURL(); got != "redis://general:6379" {
		t.Errorf("CriticalRedisURL() = %q, want fallback to general", got)
	}

	cfg.DragonflyCriticalURL = "redis://critical:6379"
	if got := cfg.CriticalRedisURL(); got != "redis://critical:6379" {
		t.Errorf("CriticalRedisURL() = %q, want dedicated instance", got)
	}
}
