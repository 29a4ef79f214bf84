package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the control plane reads from the environment.
type Config struct {
	Addr string

	// Persistence
	DataDir     string
	DatabaseURL string

	// Kafka decision stream (optional; disabled when brokers empty)
	KafkaBrokers []string
	KafkaTopic   string

	// S3 compaction archive (optional; disabled when bucket empty)
	ArchiveBucket string
	ArchivePrefix string

	// Metrics backend
	MetricsURL     string
	MetricsTimeout time.Duration

	// Action executor
	ExecutorURL string

	// Ops API auth
	OpsJWTSecret    string
	AllowDebugToken bool
	DebugToken      string

	// Gate thresholds
	GateFailUniqueRatio float64
	GatePassUniqueRatio float64
	GateFailPValue      float64
	GatePassPValue      float64
	GateFailMinCount    int
	GatePassMinCount    int

	// Sequential estimators
	PosteriorTargetRate float64
	SPRTTargetRate      float64
	SPRTBaselineRate    float64
	SPRTAlpha           float64
	SPRTBeta            float64

	// Stability weights and ceilings
	WeightUptime     float64
	WeightAlertRate  float64
	WeightMTTR       float64
	WeightDRSuccess  float64
	WeightEVDeficit  float64
	AlertRateCeiling float64
	MTTRCeiling      float64
	DRSuccessFloor   float64
	EVDeficitBudget  float64
	TrendWindow      int

	// Canary gate
	CanaryMinSamples   int
	CanaryPThreshold   float64
	CanaryUniqueThresh float64
	Revision           string

	// Intervention
	InterventionCooldown time.Duration

	// Scheduling
	CycleInterval       time.Duration
	ReconcileInterval   time.Duration
	CanonicalizeEvery   time.Duration
	CycleBudget         time.Duration
	LedgerFreshnessSLA  time.Duration
	HeartbeatSLA        time.Duration
	BadRatioCeiling     float64
	CompactionRetention time.Duration
}

const (
	defaultAddr       = ":8072"
	defaultDataDir    = "/var/lib/releasegate"
	defaultMinSamples = 300
)

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("RELEASEGATE_ADDR", defaultAddr),
		DataDir:     getEnv("RELEASEGATE_DATA_DIR", defaultDataDir),
		DatabaseURL: firstNonEmpty(os.Getenv("RELEASEGATE_DATABASE_URL"), os.Getenv("DATABASE_URL")),

		KafkaBrokers: splitNonEmpty(os.Getenv("RELEASEGATE_KAFKA_BROKERS")),
		KafkaTopic:   getEnv("RELEASEGATE_KAFKA_TOPIC", "releasegate.decisions"),

		ArchiveBucket: os.Getenv("RELEASEGATE_ARCHIVE_BUCKET"),
		ArchivePrefix: getEnv("RELEASEGATE_ARCHIVE_PREFIX", "ledger"),

		MetricsURL:     os.Getenv("RELEASEGATE_METRICS_URL"),
		MetricsTimeout: getDuration("RELEASEGATE_METRICS_TIMEOUT", 10*time.Second),

		ExecutorURL: os.Getenv("RELEASEGATE_EXECUTOR_URL"),

		OpsJWTSecret:    os.Getenv("RELEASEGATE_OPS_JWT_SECRET"),
		AllowDebugToken: getBool("RELEASEGATE_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("RELEASEGATE_DEBUG_TOKEN"),

		GateFailUniqueRatio: getFloat("RELEASEGATE_GATE_FAIL_UNIQUE", 0.20),
		GatePassUniqueRatio: getFloat("RELEASEGATE_GATE_PASS_UNIQUE", 0.30),
		GateFailPValue:      getFloat("RELEASEGATE_GATE_FAIL_P", 0.01),
		GatePassPValue:      getFloat("RELEASEGATE_GATE_PASS_P", 0.05),
		GateFailMinCount:    getInt("RELEASEGATE_GATE_FAIL_MIN_N", 5),
		GatePassMinCount:    getInt("RELEASEGATE_GATE_PASS_MIN_N", 12),

		PosteriorTargetRate: getFloat("RELEASEGATE_POSTERIOR_TARGET", 0.8),
		SPRTTargetRate:      getFloat("RELEASEGATE_SPRT_TARGET", 0.9),
		SPRTBaselineRate:    getFloat("RELEASEGATE_SPRT_BASELINE", 0.6),
		SPRTAlpha:           getFloat("RELEASEGATE_SPRT_ALPHA", 0.05),
		SPRTBeta:            getFloat("RELEASEGATE_SPRT_BETA", 0.10),

		WeightUptime:     getFloat("RELEASEGATE_WEIGHT_UPTIME", 0.30),
		WeightAlertRate:  getFloat("RELEASEGATE_WEIGHT_ALERTS", 0.20),
		WeightMTTR:       getFloat("RELEASEGATE_WEIGHT_MTTR", 0.20),
		WeightDRSuccess:  getFloat("RELEASEGATE_WEIGHT_DR", 0.20),
		WeightEVDeficit:  getFloat("RELEASEGATE_WEIGHT_EV", 0.10),
		AlertRateCeiling: getFloat("RELEASEGATE_ALERT_RATE_CEILING", 2.0),
		MTTRCeiling:      getFloat("RELEASEGATE_MTTR_CEILING_SECONDS", 3600),
		DRSuccessFloor:   getFloat("RELEASEGATE_DR_SUCCESS_FLOOR", 0.9),
		EVDeficitBudget:  getFloat("RELEASEGATE_EV_DEFICIT_BUDGET", 0.25),
		TrendWindow:      getInt("RELEASEGATE_TREND_WINDOW", 5),

		CanaryMinSamples:   getInt("RELEASEGATE_CANARY_MIN_SAMPLES", defaultMinSamples),
		CanaryPThreshold:   getFloat("RELEASEGATE_CANARY_P_THRESHOLD", 0.05),
		CanaryUniqueThresh: getFloat("RELEASEGATE_CANARY_UNIQUE_THRESHOLD", 0.30),
		Revision:           getEnv("RELEASEGATE_REVISION", "dev"),

		InterventionCooldown: getDuration("RELEASEGATE_INTERVENTION_COOLDOWN", 6*time.Hour),

		CycleInterval:       getDuration("RELEASEGATE_CYCLE_INTERVAL", 15*time.Minute),
		ReconcileInterval:   getDuration("RELEASEGATE_RECONCILE_INTERVAL", 5*time.Minute),
		CanonicalizeEvery:   getDuration("RELEASEGATE_CANONICALIZE_INTERVAL", time.Hour),
		CycleBudget:         getDuration("RELEASEGATE_CYCLE_BUDGET", 2*time.Minute),
		LedgerFreshnessSLA:  getDuration("RELEASEGATE_LEDGER_FRESHNESS_SLA", 26*time.Hour),
		HeartbeatSLA:        getDuration("RELEASEGATE_HEARTBEAT_SLA", 30*time.Minute),
		BadRatioCeiling:     getFloat("RELEASEGATE_BAD_RATIO_CEILING", 0.02),
		CompactionRetention: getDuration("RELEASEGATE_COMPACTION_RETENTION", 90*24*time.Hour),
	}

	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("RELEASEGATE_DATA_DIR required")
	}
	if cfg.GateFailUniqueRatio >= cfg.GatePassUniqueRatio {
		return Config{}, fmt.Errorf("gate unique-ratio fail threshold %.2f must be below pass threshold %.2f",
			cfg.GateFailUniqueRatio, cfg.GatePassUniqueRatio)
	}
	if cfg.GateFailPValue >= cfg.GatePassPValue {
		return Config{}, fmt.Errorf("gate p-value fail threshold %.3f must be below pass threshold %.3f",
			cfg.GateFailPValue, cfg.GatePassPValue)
	}
	if cfg.SPRTBaselineRate >= cfg.SPRTTargetRate {
		return Config{}, fmt.Errorf("SPRT baseline rate %.2f must be below target rate %.2f",
			cfg.SPRTBaselineRate, cfg.SPRTTargetRate)
	}
	if cfg.CanaryMinSamples <= 0 {
		return Config{}, fmt.Errorf("RELEASEGATE_CANARY_MIN_SAMPLES must be positive")
	}
	// Tickers panic on non-positive periods, so reject them here rather than
	// at scheduler start.
	for _, iv := range []struct {
		name string
		d    time.Duration
	}{
		{"RELEASEGATE_CYCLE_INTERVAL", cfg.CycleInterval},
		{"RELEASEGATE_RECONCILE_INTERVAL", cfg.ReconcileInterval},
		{"RELEASEGATE_CANONICALIZE_INTERVAL", cfg.CanonicalizeEvery},
	} {
		if iv.d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %s", iv.name, iv.d)
		}
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
