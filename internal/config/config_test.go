package config_test

import (
	"testing"
	"time"

	"github.com/releasegate/releasegate/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8072" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.CanaryMinSamples != 300 {
		t.Fatalf("CanaryMinSamples = %d", cfg.CanaryMinSamples)
	}
	if cfg.CycleInterval != 15*time.Minute {
		t.Fatalf("CycleInterval = %v", cfg.CycleInterval)
	}
	if cfg.InterventionCooldown != 6*time.Hour {
		t.Fatalf("InterventionCooldown = %v", cfg.InterventionCooldown)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("KafkaBrokers = %v, want none by default", cfg.KafkaBrokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RELEASEGATE_ADDR", ":9090")
	t.Setenv("RELEASEGATE_KAFKA_BROKERS", "k1:9092,k2:9092,")
	t.Setenv("RELEASEGATE_CYCLE_INTERVAL", "5m")
	t.Setenv("RELEASEGATE_GATE_FAIL_UNIQUE", "0.10")
	t.Setenv("RELEASEGATE_ALLOW_DEBUG_TOKEN", "true")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.CycleInterval != 5*time.Minute {
		t.Fatalf("CycleInterval = %v", cfg.CycleInterval)
	}
	if cfg.GateFailUniqueRatio != 0.10 {
		t.Fatalf("GateFailUniqueRatio = %v", cfg.GateFailUniqueRatio)
	}
	if !cfg.AllowDebugToken {
		t.Fatal("AllowDebugToken not set")
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	cases := map[string][2]string{
		"RELEASEGATE_GATE_FAIL_UNIQUE": {"0.40", "unique"},
		"RELEASEGATE_GATE_FAIL_P":      {"0.10", "p-value"},
		"RELEASEGATE_SPRT_BASELINE":    {"0.95", "SPRT"},
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val[0])
			if _, err := config.Load(); err == nil {
				t.Fatalf("inverted %s threshold accepted", val[1])
			}
		})
	}
}

func TestLoadRejectsNonPositiveIntervals(t *testing.T) {
	cases := map[string]string{
		"RELEASEGATE_CYCLE_INTERVAL":        "0s",
		"RELEASEGATE_RECONCILE_INTERVAL":    "-1m",
		"RELEASEGATE_CANONICALIZE_INTERVAL": "0s",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := config.Load(); err == nil {
				t.Fatalf("%s=%s accepted; a zero interval panics the ticker", key, val)
			}
		})
	}
}

func TestLoadRejectsBadCanaryQuorum(t *testing.T) {
	t.Setenv("RELEASEGATE_CANARY_MIN_SAMPLES", "0")
	if _, err := config.Load(); err == nil {
		t.Fatal("zero canary quorum accepted")
	}
}
