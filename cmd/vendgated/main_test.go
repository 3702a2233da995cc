package main

import (
	"testing"
	"time"
)

func TestLoadConfigBindsEnvironmentTunables(t *testing.T) {
	t.Setenv("TOKEN_TTL", "5m")
	t.Setenv("IDEMPOTENCY_TTL", "2m")
	t.Setenv("CALLER_LIMIT", "7")
	t.Setenv("ORIGIN_LIMIT", "11")
	t.Setenv("RATE_WINDOW", "30s")
	t.Setenv("SPEND_COST", "2")
	t.Setenv("ENGINE_CALL_TIMEOUT", "12s")
	t.Setenv("ENGINE_MAX_RETRIES", "0")
	t.Setenv("ENGINE_BACKOFF_BASE", "50ms")
	t.Setenv("ENGINE_OUTBOUND_RPS", "12.5")
	t.Setenv("ENGINE_OUTBOUND_BURST", "3")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "9")
	t.Setenv("BREAKER_RECOVERY_TIMEOUT", "45s")
	t.Setenv("BREAKER_HALF_OPEN_MAX_CALLS", "4")

	cfg := &runtimeConfig{}
	if err := loadConfig(newRootCommand(), cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.TokenTTL != 5*time.Minute {
		t.Fatalf("token ttl: got %s", cfg.TokenTTL)
	}
	if cfg.IdempotencyTTL != 2*time.Minute {
		t.Fatalf("idempotency ttl: got %s", cfg.IdempotencyTTL)
	}
	if cfg.CallerLimit != 7 || cfg.OriginLimit != 11 {
		t.Fatalf("rate limits: got %d/%d", cfg.CallerLimit, cfg.OriginLimit)
	}
	if cfg.RateWindow != 30*time.Second {
		t.Fatalf("rate window: got %s", cfg.RateWindow)
	}
	if cfg.SpendCost != 2 {
		t.Fatalf("spend cost: got %d", cfg.SpendCost)
	}
	if cfg.EngineCallTimeout != 12*time.Second {
		t.Fatalf("engine timeout: got %s", cfg.EngineCallTimeout)
	}
	if cfg.EngineMaxRetries != 0 {
		t.Fatalf("an explicit zero retries must survive, got %d", cfg.EngineMaxRetries)
	}
	if cfg.EngineBackoffBase != 50*time.Millisecond {
		t.Fatalf("backoff base: got %s", cfg.EngineBackoffBase)
	}
	if cfg.EngineOutboundRPS != 12.5 || cfg.EngineOutboundBurst != 3 {
		t.Fatalf("outbound smoothing: got %v/%d", cfg.EngineOutboundRPS, cfg.EngineOutboundBurst)
	}
	if cfg.BreakerFailureThreshold != 9 || cfg.BreakerRecoveryTimeout != 45*time.Second || cfg.BreakerHalfOpenMaxCalls != 4 {
		t.Fatalf("breaker settings: got %d/%s/%d", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout, cfg.BreakerHalfOpenMaxCalls)
	}
}

func TestLoadConfigLeavesUnsetRetriesToDefaulting(t *testing.T) {
	cfg := &runtimeConfig{}
	if err := loadConfig(newRootCommand(), cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.EngineMaxRetries != -1 {
		t.Fatalf("unset retries must stay at the sentinel, got %d", cfg.EngineMaxRetries)
	}
}
