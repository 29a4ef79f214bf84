// Package orchestrator composes one evaluation cycle: pull samples, gate,
// stability, canary, ledger append. It owns the stop-rule that halts
// interventions once the fleet is demonstrably healthy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/releasegate/releasegate/internal/canary"
	"github.com/releasegate/releasegate/internal/executor"
	"github.com/releasegate/releasegate/internal/gate"
	"github.com/releasegate/releasegate/internal/ledger"
	"github.com/releasegate/releasegate/internal/metricsclient"
	"github.com/releasegate/releasegate/internal/obsmetrics"
	"github.com/releasegate/releasegate/internal/stability"
	"github.com/releasegate/releasegate/internal/window"
)

// Outcome is the cycle-level verdict surfaced to schedulers via exit codes.
type Outcome string

const (
	OutcomeGo     Outcome = "GO"
	OutcomeNoGo   Outcome = "NO-GO"
	OutcomeReview Outcome = "REVIEW"
	OutcomeHold   Outcome = "HOLD"
)

// ExitCode maps an outcome to the process exit code contract (0/1/2/3).
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeGo:
		return 0
	case OutcomeNoGo:
		return 1
	case OutcomeReview:
		return 2
	default:
		return 3
	}
}

func (o Outcome) decision() ledger.Decision {
	switch o {
	case OutcomeGo:
		return ledger.DecisionGo
	case OutcomeNoGo:
		return ledger.DecisionNoGo
	case OutcomeReview:
		return ledger.DecisionReview
	default:
		return ledger.DecisionHold
	}
}

// WindowSpec tells the orchestrator how to fill one sample window.
type WindowSpec struct {
	Query    string
	Lookback time.Duration
	Step     time.Duration
}

// Queries name the instant queries behind the stability indicators and the
// open-alert count. Empty queries leave the indicator at its neutral value.
type Queries struct {
	UptimeRatio    string
	AlertRatePerHr string
	MTTRSeconds    string
	DRSuccessRatio string
	EVPerHrActual  string
	OpenAlerts     string
}

// Config tunes one orchestrator.
type Config struct {
	Windows map[string]WindowSpec
	Queries Queries

	// PrimaryWindow feeds the canary gate's quorum and dual-pass stats.
	PrimaryWindow string

	// CycleBudget is the hard wall-clock limit for one cycle.
	CycleBudget time.Duration

	// PosteriorTarget is the success-rate bound in the stop-rule posterior.
	PosteriorTarget float64

	// EVPerHrExpected is the experiment-volume target for the deficit term.
	EVPerHrExpected float64

	// MetricsTextfile, when set, receives a text-exposition snapshot after
	// each cycle.
	MetricsTextfile string
}

// Orchestrator wires the subsystems together. All shared mutable state lives
// in the components it owns; the orchestrator itself is driven by a single
// goroutine (plus the one-shot CLI path).
type Orchestrator struct {
	cfg       Config
	metrics   metricsclient.Client
	evaluator *gate.Evaluator
	posterior *gate.BetaPosterior
	sprt      *gate.SPRT
	stability *stability.Controller
	gate      *canary.Gate
	tracker   *canary.InterventionTracker
	probes    canary.Probes
	store     *ledger.FileStore
	mirror    *ledger.PGStore
	publisher ledger.Publisher
	executor  executor.ActionExecutor
	obs       *obsmetrics.Exporter
	now       func() time.Time
}

// Deps carries the composed subsystems. Mirror, Publisher, Obs and Probes
// are optional.
type Deps struct {
	Metrics   metricsclient.Client
	Evaluator *gate.Evaluator
	Posterior *gate.BetaPosterior
	SPRT      *gate.SPRT
	Stability *stability.Controller
	Canary    *canary.Gate
	Tracker   *canary.InterventionTracker
	Probes    canary.Probes
	Store     *ledger.FileStore
	Mirror    *ledger.PGStore
	Publisher ledger.Publisher
	Executor  executor.ActionExecutor
	Obs       *obsmetrics.Exporter
}

// New validates and assembles an orchestrator.
func New(cfg Config, d Deps) (*Orchestrator, error) {
	if d.Metrics == nil || d.Evaluator == nil || d.Posterior == nil || d.SPRT == nil ||
		d.Stability == nil || d.Canary == nil || d.Store == nil {
		return nil, fmt.Errorf("orchestrator: missing required dependency")
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = 2 * time.Minute
	}
	if cfg.PosteriorTarget <= 0 {
		cfg.PosteriorTarget = 0.8
	}
	if cfg.PrimaryWindow == "" {
		cfg.PrimaryWindow = "24h"
	}
	exec := d.Executor
	if exec == nil {
		exec = executor.NoopExecutor{}
	}
	pub := d.Publisher
	if pub == nil {
		pub = ledger.NoopPublisher{}
	}
	return &Orchestrator{
		cfg:       cfg,
		metrics:   d.Metrics,
		evaluator: d.Evaluator,
		posterior: d.Posterior,
		sprt:      d.SPRT,
		stability: d.Stability,
		gate:      d.Canary,
		tracker:   d.Tracker,
		probes:    d.Probes,
		store:     d.Store,
		mirror:    d.Mirror,
		publisher: pub,
		executor:  exec,
		obs:       d.Obs,
		now:       time.Now,
	}, nil
}

// CycleResult is the full output of one evaluation cycle.
type CycleResult struct {
	Outcome     Outcome               `json:"outcome"`
	Verdict     gate.Verdict          `json:"verdict"`
	Stability   stability.State       `json:"stability"`
	Directives  []stability.Directive `json:"directives,omitempty"`
	Canary      canary.Decision       `json:"canary"`
	Posterior   float64               `json:"posterior"`
	SPRT        gate.SPRTOutcome      `json:"sprt"`
	HoldSteady  bool                  `json:"holdSteady"`
	Intervened  bool                  `json:"intervened"`
	Triage      *canary.TriageReport  `json:"triage,omitempty"`
	EvaluatedAt time.Time             `json:"evaluatedAt"`
}

// RunCycle executes one full evaluation cycle within the hard wall-clock
// budget. Only invariant violations abort without a ledger write; every
// other path leaves a record.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CycleBudget)
	defer cancel()

	res := CycleResult{EvaluatedAt: o.now().UTC()}

	windows := o.pullWindows(ctx)
	res.Verdict = o.evaluator.Evaluate(windows)

	pass := res.Verdict.Level == gate.LevelPass && !res.Verdict.DataGap
	o.posterior.Observe(pass)
	sprtOutcome, llr := o.sprt.Observe(pass)
	res.Posterior = o.posterior.ProbRateAtLeast(o.cfg.PosteriorTarget)
	res.SPRT = sprtOutcome

	indicators := o.pullIndicators(ctx)
	res.Stability = o.stability.Compute(indicators)

	openAlerts := o.scalarQuery(ctx, o.cfg.Queries.OpenAlerts, 0)

	// Stop rule: a sustained Pass streak with quiet alerting and a confident
	// posterior means the system is healthy; keep measuring, stop fixing.
	res.HoldSteady = res.Verdict.Level == gate.LevelPass &&
		res.Verdict.Streak >= 4 && openAlerts == 0 &&
		res.Posterior >= o.cfg.PosteriorTarget

	if !res.HoldSteady {
		res.Directives = o.stability.Directives(indicators)
	}

	res.Intervened = o.handleIntervention(res.Verdict, res.HoldSteady, windows)

	if res.Verdict.Level == gate.LevelFail && res.Verdict.Streak <= 1 && o.probes != nil {
		report := canary.Triage(ctx, o.probes)
		res.Triage = &report
	}

	res.Canary = o.evaluateCanary(ctx, windows)
	res.Outcome = classify(res.Verdict)

	if err := o.writeRecord(ctx, &res, llr); err != nil {
		if errors.Is(err, ledger.ErrInvariantViolation) {
			// Logic bug: abort loudly, leave prior state untouched.
			return res, err
		}
		// A missing cycle is safer than a wrong one, but the diagnostic
		// must be loud.
		log.Printf("[orchestrator] cycle record not written: %v", err)
		return res, err
	}

	o.export(res)
	return res, nil
}

func classify(v gate.Verdict) Outcome {
	switch {
	case v.DataGap:
		return OutcomeHold
	case v.Level == gate.LevelFail:
		return OutcomeNoGo
	case v.Level == gate.LevelMarginal:
		return OutcomeReview
	default:
		return OutcomeGo
	}
}

// pullWindows queries every configured sample window. Backend failures yield
// empty windows (count 0), the explicit data-gap signal.
func (o *Orchestrator) pullWindows(ctx context.Context) map[string]window.Window {
	windows := make(map[string]window.Window, len(o.cfg.Windows))
	now := o.now().UTC()
	for name, spec := range o.cfg.Windows {
		w := window.Window{Name: name}
		step := spec.Step
		if step <= 0 {
			step = time.Minute
		}
		samples, err := o.metrics.RangeQuery(ctx, spec.Query, now.Add(-spec.Lookback), now, step)
		if err != nil {
			log.Printf("[orchestrator] window %s unavailable, counting as data gap: %v", name, err)
		} else {
			for _, s := range samples {
				w.Values = append(w.Values, s.Value)
			}
		}
		windows[name] = w
	}
	return windows
}

// pullIndicators fetches the stability inputs, falling back to neutral
// values per indicator when the backend has no data.
func (o *Orchestrator) pullIndicators(ctx context.Context) stability.Indicators {
	q := o.cfg.Queries
	actual := o.scalarQuery(ctx, q.EVPerHrActual, o.cfg.EVPerHrExpected)
	deficit := o.cfg.EVPerHrExpected - actual
	if deficit < 0 {
		deficit = 0
	}
	return stability.Indicators{
		UptimeRatio:     o.scalarQuery(ctx, q.UptimeRatio, 1),
		AlertRatePerHr:  o.scalarQuery(ctx, q.AlertRatePerHr, 0),
		MTTRSeconds:     o.scalarQuery(ctx, q.MTTRSeconds, 0),
		DRSuccessRatio:  o.scalarQuery(ctx, q.DRSuccessRatio, 1),
		EVPerHrDeficit:  deficit,
		EVPerHrExpected: o.cfg.EVPerHrExpected,
	}
}

func (o *Orchestrator) scalarQuery(ctx context.Context, query string, fallback float64) float64 {
	if query == "" {
		return fallback
	}
	samples, err := o.metrics.InstantQuery(ctx, query, o.now().UTC())
	if err != nil || len(samples) == 0 {
		return fallback
	}
	return samples[len(samples)-1].Value
}

// handleIntervention drives the bounded minor-intervention lifecycle off the
// Marginal streak. The nudged statistic is the worst unique ratio across
// windows.
func (o *Orchestrator) handleIntervention(v gate.Verdict, holdSteady bool, windows map[string]window.Window) bool {
	if o.tracker == nil {
		return false
	}
	stat := worstUniqueRatio(windows)

	if holdSteady {
		if err := o.tracker.Clear(); err != nil {
			log.Printf("[orchestrator] clear intervention: %v", err)
		}
		return false
	}
	if v.Level == gate.LevelMarginal && v.Streak >= 3 {
		applied, err := o.tracker.MaybeIntervene(v.Streak, stat)
		if err != nil {
			log.Printf("[orchestrator] intervention: %v", err)
		}
		return applied
	}
	reverted, err := o.tracker.Observe(stat)
	if err != nil {
		log.Printf("[orchestrator] intervention observe: %v", err)
	}
	if reverted {
		log.Printf("[orchestrator] minor intervention reverted: no improvement over baseline")
	}
	return false
}

func worstUniqueRatio(windows map[string]window.Window) float64 {
	worst := 1.0
	for _, w := range windows {
		if r := w.UniqueRatio(); r < worst {
			worst = r
		}
	}
	return worst
}

// evaluateCanary feeds the primary window's stats through the canary state
// machine and hands any state transition to the action executor.
func (o *Orchestrator) evaluateCanary(ctx context.Context, windows map[string]window.Window) canary.Decision {
	w := windows[o.cfg.PrimaryWindow]
	stats := canary.Stats{
		SampleCount: w.Count(),
		KSP:         w.KSUniformP(),
		UniqueRatio: w.UniqueRatio(),
	}
	before := o.gate.State()
	decision := o.gate.Evaluate(stats)
	if o.gate.State() != before {
		if err := o.executor.Execute(ctx, decision); err != nil {
			log.Printf("[orchestrator] executor handoff failed: %v", err)
		}
	}
	return decision
}

// writeRecord appends the cycle's decision record, canonicalizes, and
// mirrors/publishes downstream. Mirror and publish failures are absorbed;
// only the durable append and the canonicalization invariants are load-
// bearing.
func (o *Orchestrator) writeRecord(ctx context.Context, res *CycleResult, llr float64) error {
	score := res.Posterior
	rec := ledger.DecisionRecord{
		Timestamp: res.EvaluatedAt,
		Decision:  res.Outcome.decision(),
		Score:     &score,
		Metadata: map[string]string{
			"level":      string(res.Verdict.Level),
			"streak":     strconv.Itoa(res.Verdict.Streak),
			"v":          strconv.FormatFloat(res.Stability.V, 'f', 6, 64),
			"trend":      string(res.Stability.Trend),
			"canary":     string(res.Canary.Outcome),
			"sprt":       string(res.SPRT),
			"sprtLLR":    strconv.FormatFloat(llr, 'f', 4, 64),
			"holdSteady": strconv.FormatBool(res.HoldSteady),
		},
	}
	if len(res.Directives) > 0 {
		rec.Metadata["directives"] = joinDirectives(res.Directives)
	}
	if res.Canary.RollbackTag != "" {
		rec.Metadata["rollbackTag"] = res.Canary.RollbackTag
	}
	if res.Triage != nil && !res.Triage.Healthy {
		rec.Metadata["triageStage"] = string(res.Triage.FailedStage)
	}

	if err := o.store.Append(ctx, &rec); err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	if _, err := o.store.Canonicalize(ctx); err != nil {
		return fmt.Errorf("canonicalize after append: %w", err)
	}

	if o.mirror != nil {
		if err := o.mirror.Insert(ctx, rec); err != nil {
			log.Printf("[orchestrator] pg mirror insert failed: %v", err)
		}
	}
	if err := o.publisher.Publish(ctx, rec); err != nil {
		log.Printf("[orchestrator] decision publish failed: %v", err)
		if o.obs != nil {
			o.obs.CountPublish("error")
		}
	} else if o.obs != nil {
		o.obs.CountPublish("ok")
	}
	return nil
}

func (o *Orchestrator) export(res CycleResult) {
	if o.obs == nil {
		return
	}
	o.obs.SetInstability(res.Stability.V)
	o.obs.SetGateLevel(string(res.Verdict.Level), res.Verdict.Streak)
	o.obs.CountCycle(string(res.Outcome))
	if o.cfg.MetricsTextfile != "" {
		if err := o.obs.WriteTextfile(o.cfg.MetricsTextfile); err != nil {
			log.Printf("[orchestrator] metrics textfile: %v", err)
		}
	}
}

func joinDirectives(ds []stability.Directive) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = string(d)
	}
	return strings.Join(parts, ",")
}
