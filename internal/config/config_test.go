package config

import (
	"strings"
	"testing"
	"time"
)

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", t.TempDir()+"/vtu.db")
}

func TestLoadDefaults(t *testing.T) {
	sqliteEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IdempotencyLockTTL != 2*time.Minute || cfg.ProviderTimeout != 30*time.Second || cfg.GiftCreditingLease != 10*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadRejectsLockShorterThanProviderTimeout(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("PROVIDER_TIMEOUT", "30s")
	t.Setenv("IDEMPOTENCY_LOCK_TTL", "30s")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "IDEMPOTENCY_LOCK_TTL") {
		t.Fatalf("expected lock ttl error, got %v", err)
	}

	t.Setenv("IDEMPOTENCY_LOCK_TTL", "2m")
	t.Setenv("GIFT_CREDITING_LEASE", "10s")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "GIFT_CREDITING_LEASE") {
		t.Fatalf("expected crediting lease error, got %v", err)
	}
}
