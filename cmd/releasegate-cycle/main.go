package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/releasegate/releasegate/internal/canary"
	"github.com/releasegate/releasegate/internal/config"
	"github.com/releasegate/releasegate/internal/executor"
	"github.com/releasegate/releasegate/internal/gate"
	"github.com/releasegate/releasegate/internal/ledger"
	"github.com/releasegate/releasegate/internal/metricsclient"
	"github.com/releasegate/releasegate/internal/obsmetrics"
	"github.com/releasegate/releasegate/internal/orchestrator"
	"github.com/releasegate/releasegate/internal/stability"
)

// Outcome verdicts map to exit codes 0 through 3; anything that prevents a
// verdict from being reached at all exits 4.
const exitHardFailure = 4

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return exitHardFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewFileStore(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger store: %v\n", err)
		return exitHardFailure
	}

	var mirror *ledger.PGStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "db open: %v\n", err)
			return exitHardFailure
		}
		defer db.Close()
		mirror = ledger.NewPGStore(db)
	}

	var publisher ledger.Publisher = ledger.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := ledger.NewKafkaPublisher(ledger.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "kafka publisher: %v\n", err)
			return exitHardFailure
		}
		defer kp.Close()
		publisher = kp
	}

	var metrics metricsclient.Client
	if cfg.MetricsURL != "" {
		metrics, err = metricsclient.NewHTTPClient(metricsclient.HTTPClientConfig{
			BaseURL: cfg.MetricsURL,
			Timeout: cfg.MetricsTimeout,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "metrics client: %v\n", err)
			return exitHardFailure
		}
	} else {
		log.Printf("[cycle] no metrics backend configured; cycle will record a data gap")
		metrics = &metricsclient.StaticClient{}
	}

	var exec executor.ActionExecutor = executor.NoopExecutor{}
	if cfg.ExecutorURL != "" {
		exec, err = executor.NewHTTPExecutor(executor.HTTPExecutorConfig{BaseURL: cfg.ExecutorURL})
		if err != nil {
			fmt.Fprintf(os.Stderr, "action executor: %v\n", err)
			return exitHardFailure
		}
	}

	evaluator := gate.NewEvaluator(gate.Thresholds{
		FailUniqueRatio: cfg.GateFailUniqueRatio,
		PassUniqueRatio: cfg.GatePassUniqueRatio,
		FailPValue:      cfg.GateFailPValue,
		PassPValue:      cfg.GatePassPValue,
		FailMinCount:    cfg.GateFailMinCount,
		PassMinCount:    cfg.GatePassMinCount,
	})
	sprt, err := gate.NewSPRT(cfg.SPRTTargetRate, cfg.SPRTBaselineRate, cfg.SPRTAlpha, cfg.SPRTBeta)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sprt: %v\n", err)
		return exitHardFailure
	}
	controller := stability.NewController(stability.Weights{
		Uptime:    cfg.WeightUptime,
		AlertRate: cfg.WeightAlertRate,
		MTTR:      cfg.WeightMTTR,
		DRSuccess: cfg.WeightDRSuccess,
		EVDeficit: cfg.WeightEVDeficit,
	}, stability.Limits{
		AlertRateCeiling: cfg.AlertRateCeiling,
		MTTRCeiling:      cfg.MTTRCeiling,
		DRSuccessFloor:   cfg.DRSuccessFloor,
		EVDeficitBudget:  cfg.EVDeficitBudget,
	}, cfg.TrendWindow)

	canaryGate := canary.NewGate(canary.Config{
		MinSamples:      cfg.CanaryMinSamples,
		PThreshold:      cfg.CanaryPThreshold,
		UniqueThreshold: cfg.CanaryUniqueThresh,
		Revision:        cfg.Revision,
	})
	tracker, err := canary.NewInterventionTracker(
		filepath.Join(cfg.DataDir, "intervention.json"), cfg.InterventionCooldown, 0.1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "intervention tracker: %v\n", err)
		return exitHardFailure
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Windows: map[string]orchestrator.WindowSpec{
			"2h":  {Query: getEnv("RELEASEGATE_WINDOW_2H_QUERY", "release_quality_pvalue"), Lookback: 2 * time.Hour, Step: time.Minute},
			"24h": {Query: getEnv("RELEASEGATE_WINDOW_24H_QUERY", "release_quality_pvalue"), Lookback: 24 * time.Hour, Step: 5 * time.Minute},
		},
		Queries: orchestrator.Queries{
			UptimeRatio:    os.Getenv("RELEASEGATE_QUERY_UPTIME"),
			AlertRatePerHr: os.Getenv("RELEASEGATE_QUERY_ALERT_RATE"),
			MTTRSeconds:    os.Getenv("RELEASEGATE_QUERY_MTTR"),
			DRSuccessRatio: os.Getenv("RELEASEGATE_QUERY_DR_SUCCESS"),
			EVPerHrActual:  os.Getenv("RELEASEGATE_QUERY_EV_PER_HR"),
			OpenAlerts:     os.Getenv("RELEASEGATE_QUERY_OPEN_ALERTS"),
		},
		PrimaryWindow:   "24h",
		CycleBudget:     cfg.CycleBudget,
		PosteriorTarget: cfg.PosteriorTargetRate,
	}, orchestrator.Deps{
		Metrics:   metrics,
		Evaluator: evaluator,
		Posterior: gate.NewBetaPosterior(),
		SPRT:      sprt,
		Stability: controller,
		Canary:    canaryGate,
		Tracker:   tracker,
		Store:     store,
		Mirror:    mirror,
		Publisher: publisher,
		Executor:  exec,
		Obs:       obsmetrics.New(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		return exitHardFailure
	}

	// Streaks, estimator evidence, and the canary state live in memory; a
	// one-shot run restores them from the previous run's snapshot so the
	// streak-gated rules behave the same as under the long-running daemon.
	statePath := filepath.Join(cfg.DataDir, "core-state.json")
	if err := orch.LoadState(statePath); err != nil {
		log.Printf("[cycle] core state unusable, starting fresh: %v", err)
	}

	res, err := orch.RunCycle(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cycle failed: %v\n", err)
		return exitHardFailure
	}

	// A verdict was reached; a failed snapshot must not mask its exit code.
	if err := orch.SaveState(statePath); err != nil {
		log.Printf("[cycle] core state not persisted: %v", err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		return exitHardFailure
	}
	fmt.Println(string(out))
	return res.Outcome.ExitCode()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
