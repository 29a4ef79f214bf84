package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/releasegate/releasegate/internal/canary"
	"github.com/releasegate/releasegate/internal/config"
	"github.com/releasegate/releasegate/internal/executor"
	"github.com/releasegate/releasegate/internal/gate"
	"github.com/releasegate/releasegate/internal/httpserver"
	"github.com/releasegate/releasegate/internal/ledger"
	"github.com/releasegate/releasegate/internal/metricsclient"
	"github.com/releasegate/releasegate/internal/obsmetrics"
	"github.com/releasegate/releasegate/internal/orchestrator"
	"github.com/releasegate/releasegate/internal/reconcile"
	"github.com/releasegate/releasegate/internal/schedctl"
	"github.com/releasegate/releasegate/internal/stability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewFileStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("ledger store: %v", err)
	}

	var mirror *ledger.PGStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		mirror = ledger.NewPGStore(db)
	}

	var publisher ledger.Publisher = ledger.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := ledger.NewKafkaPublisher(ledger.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		defer kp.Close()
		publisher = kp
	}

	var compactor *ledger.Compactor
	if cfg.ArchiveBucket != "" {
		archiver, err := ledger.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		compactor = ledger.NewCompactor(store, archiver, cfg.CompactionRetention)
	}

	var metrics metricsclient.Client
	if cfg.MetricsURL != "" {
		metrics, err = metricsclient.NewHTTPClient(metricsclient.HTTPClientConfig{
			BaseURL: cfg.MetricsURL,
			Timeout: cfg.MetricsTimeout,
		})
		if err != nil {
			log.Fatalf("metrics client: %v", err)
		}
	} else {
		log.Printf("[startup] no metrics backend configured; every cycle will be a data gap")
		metrics = &metricsclient.StaticClient{}
	}

	var exec executor.ActionExecutor = executor.NoopExecutor{}
	if cfg.ExecutorURL != "" {
		exec, err = executor.NewHTTPExecutor(executor.HTTPExecutorConfig{BaseURL: cfg.ExecutorURL})
		if err != nil {
			log.Fatalf("action executor: %v", err)
		}
	}

	obs := obsmetrics.New()
	evaluator := gate.NewEvaluator(gate.Thresholds{
		FailUniqueRatio: cfg.GateFailUniqueRatio,
		PassUniqueRatio: cfg.GatePassUniqueRatio,
		FailPValue:      cfg.GateFailPValue,
		PassPValue:      cfg.GatePassPValue,
		FailMinCount:    cfg.GateFailMinCount,
		PassMinCount:    cfg.GatePassMinCount,
	})
	posterior := gate.NewBetaPosterior()
	sprt, err := gate.NewSPRT(cfg.SPRTTargetRate, cfg.SPRTBaselineRate, cfg.SPRTAlpha, cfg.SPRTBeta)
	if err != nil {
		log.Fatalf("sprt: %v", err)
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
		log.Fatalf("intervention tracker: %v", err)
	}

	textfile := filepath.Join(cfg.DataDir, "releasegate.prom")
	probes := &canary.LocalProbes{
		ExporterPath: textfile,
		TargetURL:    cfg.MetricsURL,
		PipelineCheck: func(ctx context.Context) error {
			_, err := ledger.CanonicalizeFile(store.RawPath(), store.CanonicalPath())
			return err
		},
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Windows: map[string]orchestrator.WindowSpec{
			"2h":  {Query: getEnvQuery("RELEASEGATE_WINDOW_2H_QUERY"), Lookback: 2 * time.Hour, Step: time.Minute},
			"24h": {Query: getEnvQuery("RELEASEGATE_WINDOW_24H_QUERY"), Lookback: 24 * time.Hour, Step: 5 * time.Minute},
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
		EVPerHrExpected: getEnvFloat("RELEASEGATE_EV_PER_HR_EXPECTED"),
		MetricsTextfile: textfile,
	}, orchestrator.Deps{
		Metrics:   metrics,
		Evaluator: evaluator,
		Posterior: posterior,
		SPRT:      sprt,
		Stability: controller,
		Canary:    canaryGate,
		Tracker:   tracker,
		Probes:    probes,
		Store:     store,
		Mirror:    mirror,
		Publisher: publisher,
		Executor:  exec,
		Obs:       obs,
	})
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	statePath := filepath.Join(cfg.DataDir, "core-state.json")
	if err := orch.LoadState(statePath); err != nil {
		log.Printf("[startup] core state unusable, starting fresh: %v", err)
	}

	schedState, err := schedctl.NewFileControl(filepath.Join(cfg.DataDir, "timers"))
	if err != nil {
		log.Fatalf("scheduler control: %v", err)
	}
	reconciler := reconcile.New(reconcile.Config{
		VerdictFreshnessSLA: cfg.LedgerFreshnessSLA,
		HeartbeatSLA:        cfg.HeartbeatSLA,
		BadRatioCeiling:     cfg.BadRatioCeiling,
		SkewTolerance:       cfg.CycleInterval,
		Timers:              []string{"evaluation-cycle", "reconcile", "canonicalize"},
	}, store, schedState, obs, func(ctx context.Context) error {
		_, err := orch.RunCycle(ctx)
		return err
	})

	scheduler := &orchestrator.Scheduler{
		Orchestrator:      orch,
		Reconciler:        reconciler,
		Compactor:         compactor,
		CycleInterval:     cfg.CycleInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		CanonicalizeEvery: cfg.CanonicalizeEvery,
	}
	go func() {
		if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("[startup] scheduler stopped: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpserver.New(cfg, store, evaluator, canaryGate, orch, obs).Router(),
	}
	go func() {
		log.Printf("[startup] releasegate-service listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[shutdown] draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[shutdown] http server: %v", err)
	}
	if err := orch.SaveState(statePath); err != nil {
		log.Printf("[shutdown] core state: %v", err)
	}
}

func getEnvQuery(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return "release_quality_pvalue"
}

func getEnvFloat(key string) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}
