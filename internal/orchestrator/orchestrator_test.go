package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/releasegate/releasegate/internal/canary"
	"github.com/releasegate/releasegate/internal/executor"
	"github.com/releasegate/releasegate/internal/gate"
	"github.com/releasegate/releasegate/internal/ledger"
	"github.com/releasegate/releasegate/internal/metricsclient"
	"github.com/releasegate/releasegate/internal/obsmetrics"
	"github.com/releasegate/releasegate/internal/orchestrator"
	"github.com/releasegate/releasegate/internal/stability"
)

const (
	qualityQuery    = "release_quality_pvalue"
	alertRateQuery  = "alert_rate_per_hr"
	openAlertsQuery = "open_alerts"
)

type fixture struct {
	orch    *orchestrator.Orchestrator
	store   *ledger.FileStore
	metrics *metricsclient.StaticClient
	exec    *executor.RecordingExecutor
}

func newFixture(t *testing.T, posteriorTarget float64, cooldown time.Duration) *fixture {
	t.Helper()
	return newFixtureAt(t, t.TempDir(), posteriorTarget, cooldown)
}

func newFixtureAt(t *testing.T, dir string, posteriorTarget float64, cooldown time.Duration) *fixture {
	t.Helper()

	store, err := ledger.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	metrics := &metricsclient.StaticClient{Samples: map[string][]metricsclient.Sample{}}
	exec := &executor.RecordingExecutor{}

	sprt, err := gate.NewSPRT(0.9, 0.6, 0.05, 0.10)
	if err != nil {
		t.Fatalf("new sprt: %v", err)
	}
	tracker, err := canary.NewInterventionTracker(filepath.Join(dir, "intervention.json"), cooldown, 0.1)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Windows: map[string]orchestrator.WindowSpec{
			"24h": {Query: qualityQuery, Lookback: 24 * time.Hour, Step: 5 * time.Minute},
		},
		Queries: orchestrator.Queries{
			AlertRatePerHr: alertRateQuery,
			OpenAlerts:     openAlertsQuery,
		},
		PrimaryWindow:   "24h",
		CycleBudget:     5 * time.Second,
		PosteriorTarget: posteriorTarget,
	}, orchestrator.Deps{
		Metrics:   metrics,
		Evaluator: gate.NewEvaluator(gate.DefaultThresholds()),
		Posterior: gate.NewBetaPosterior(),
		SPRT:      sprt,
		Stability: stability.NewController(stability.DefaultWeights(), stability.DefaultLimits(), 3),
		Canary:    canary.NewGate(canary.Config{MinSamples: 300, PThreshold: 0.05, UniqueThreshold: 0.30, Revision: "rev-1"}),
		Tracker:   tracker,
		Store:     store,
		Executor:  exec,
		Obs:       obsmetrics.New(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &fixture{orch: orch, store: store, metrics: metrics, exec: exec}
}

func sampleValues(values []float64) []metricsclient.Sample {
	out := make([]metricsclient.Sample, len(values))
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i, v := range values {
		out[i] = metricsclient.Sample{Ts: base.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return out
}

func healthyValues(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = (float64(i) + 0.5) / float64(n)
	}
	return out
}

func collapsedValues(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.5
	}
	return out
}

func marginalValues() []float64 {
	var out []float64
	for _, v := range []float64{0.1, 0.3, 0.5, 0.7, 0.9} {
		for i := 0; i < 4; i++ {
			out = append(out, v)
		}
	}
	return out
}

func TestRunCycleGoAndCanaryPromotion(t *testing.T) {
	f := newFixture(t, 0.8, 6*time.Hour)
	f.metrics.Samples[qualityQuery] = sampleValues(healthyValues(400))

	res, err := f.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if res.Outcome != orchestrator.OutcomeGo {
		t.Fatalf("outcome = %s (verdict %+v), want GO", res.Outcome, res.Verdict)
	}
	if res.Outcome.ExitCode() != 0 {
		t.Fatalf("exit code = %d, want 0", res.Outcome.ExitCode())
	}
	if res.Canary.Outcome != canary.OutcomePromote {
		t.Fatalf("canary = %+v, want promote", res.Canary)
	}

	// The promotion is a state transition and must reach the executor.
	seen := f.exec.Seen()
	if len(seen) != 1 || seen[0].Outcome != canary.OutcomePromote {
		t.Fatalf("executor saw %+v, want one promotion", seen)
	}

	// The cycle left a durable GO record behind.
	last, err := f.store.LastRecord(true)
	if err != nil {
		t.Fatalf("last verdict: %v", err)
	}
	if last.Decision != ledger.DecisionGo {
		t.Fatalf("ledger verdict = %s, want GO", last.Decision)
	}
	if last.Metadata["level"] != "pass" || last.Metadata["canary"] != "promote" {
		t.Fatalf("record metadata = %v", last.Metadata)
	}
	if last.Score == nil {
		t.Fatal("record missing posterior score")
	}

	// Re-evaluating a promoted canary is not a transition; no re-delivery.
	if _, err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if seen := f.exec.Seen(); len(seen) != 1 {
		t.Fatalf("executor saw %d decisions after second cycle, want still 1", len(seen))
	}
}

func TestRunCycleNoGoAndCanaryRollback(t *testing.T) {
	f := newFixture(t, 0.8, 6*time.Hour)
	f.metrics.Samples[qualityQuery] = sampleValues(collapsedValues(400))

	res, err := f.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if res.Outcome != orchestrator.OutcomeNoGo || res.Outcome.ExitCode() != 1 {
		t.Fatalf("outcome = %s (exit %d), want NO-GO/1", res.Outcome, res.Outcome.ExitCode())
	}
	if res.Canary.Outcome != canary.OutcomeRollback || res.Canary.RollbackTag == "" {
		t.Fatalf("canary = %+v, want rollback with tag", res.Canary)
	}

	seen := f.exec.Seen()
	if len(seen) != 1 || seen[0].RollbackTag != res.Canary.RollbackTag {
		t.Fatalf("executor saw %+v", seen)
	}

	last, err := f.store.LastRecord(true)
	if err != nil {
		t.Fatalf("last verdict: %v", err)
	}
	if last.Decision != ledger.DecisionNoGo || last.Metadata["rollbackTag"] == "" {
		t.Fatalf("ledger record = %+v", last)
	}
}

func TestRunCycleHoldOnDataGap(t *testing.T) {
	f := newFixture(t, 0.8, 6*time.Hour)
	f.metrics.Err = errors.New("backend down")

	res, err := f.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if res.Outcome != orchestrator.OutcomeHold || res.Outcome.ExitCode() != 3 {
		t.Fatalf("outcome = %s (exit %d), want HOLD/3", res.Outcome, res.Outcome.ExitCode())
	}
	if !res.Verdict.DataGap {
		t.Fatal("data gap not flagged")
	}
	// A quorum-less canary must wait, and waiting is not a transition.
	if res.Canary.Outcome != canary.OutcomeWait {
		t.Fatalf("canary = %+v, want wait", res.Canary)
	}
	if seen := f.exec.Seen(); len(seen) != 0 {
		t.Fatalf("executor saw %+v for a wait decision", seen)
	}

	last, err := f.store.LastRecord(true)
	if err != nil {
		t.Fatalf("last verdict: %v", err)
	}
	if last.Decision != ledger.DecisionHold {
		t.Fatalf("ledger verdict = %s, want HOLD", last.Decision)
	}
}

func TestRunCycleReviewAndBoundedIntervention(t *testing.T) {
	f := newFixture(t, 0.8, 6*time.Hour)
	f.metrics.Samples[qualityQuery] = sampleValues(marginalValues())

	interventions := 0
	for cycle := 1; cycle <= 5; cycle++ {
		res, err := f.orch.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		if res.Outcome != orchestrator.OutcomeReview || res.Outcome.ExitCode() != 2 {
			t.Fatalf("cycle %d outcome = %s, want REVIEW", cycle, res.Outcome)
		}
		if res.Intervened {
			interventions++
			if cycle < 3 {
				t.Fatalf("intervened on cycle %d, want streak >= 3 first", cycle)
			}
		}
	}
	// One nudge at streak three; the cooldown blocks the rest.
	if interventions != 1 {
		t.Fatalf("interventions = %d across 5 marginal cycles, want exactly 1", interventions)
	}
}

func TestStopRuleSuppressesDirectives(t *testing.T) {
	// Posterior target 0.5 is reached almost immediately, so the stop rule
	// hinges on the streak: four passing cycles with no open alerts.
	f := newFixture(t, 0.5, 6*time.Hour)
	f.metrics.Samples[qualityQuery] = sampleValues(healthyValues(400))
	f.metrics.Samples[alertRateQuery] = []metricsclient.Sample{{Value: 5}} // above the throttle ceiling
	f.metrics.Samples[openAlertsQuery] = []metricsclient.Sample{{Value: 0}}

	for cycle := 1; cycle <= 3; cycle++ {
		res, err := f.orch.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		if res.HoldSteady {
			t.Fatalf("hold-steady on cycle %d, want streak of 4 first", cycle)
		}
		if len(res.Directives) == 0 {
			t.Fatalf("cycle %d produced no directives despite the alert-rate breach", cycle)
		}
	}

	res, err := f.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle 4: %v", err)
	}
	if !res.HoldSteady {
		t.Fatalf("cycle 4 not hold-steady: streak=%d posterior=%v", res.Verdict.Streak, res.Posterior)
	}
	if len(res.Directives) != 0 {
		t.Fatalf("hold-steady cycle still issued directives: %v", res.Directives)
	}
}

func TestStopRuleRequiresQuietAlerts(t *testing.T) {
	f := newFixture(t, 0.5, 6*time.Hour)
	f.metrics.Samples[qualityQuery] = sampleValues(healthyValues(400))
	f.metrics.Samples[openAlertsQuery] = []metricsclient.Sample{{Value: 2}}

	var res orchestrator.CycleResult
	var err error
	for cycle := 1; cycle <= 6; cycle++ {
		res, err = f.orch.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
	}
	if res.HoldSteady {
		t.Fatal("hold-steady reached with open alerts outstanding")
	}
}

func TestTwelveCycleRamp(t *testing.T) {
	f := newFixture(t, 0.8, 6*time.Hour)

	phases := []struct {
		values []float64
		want   orchestrator.Outcome
		cycles int
	}{
		{collapsedValues(400), orchestrator.OutcomeNoGo, 3},
		{marginalValues(), orchestrator.OutcomeReview, 4},
		{healthyValues(400), orchestrator.OutcomeGo, 5},
	}

	interventions := 0
	cycle := 0
	for _, phase := range phases {
		f.metrics.Samples[qualityQuery] = sampleValues(phase.values)
		for i := 0; i < phase.cycles; i++ {
			cycle++
			res, err := f.orch.RunCycle(context.Background())
			if err != nil {
				t.Fatalf("cycle %d: %v", cycle, err)
			}
			if res.Outcome != phase.want {
				t.Fatalf("cycle %d outcome = %s, want %s", cycle, res.Outcome, phase.want)
			}
			if res.Intervened {
				interventions++
			}
		}
	}
	if interventions != 1 {
		t.Fatalf("interventions = %d over the ramp, want exactly 1", interventions)
	}
}

// TestStatePersistsAcrossProcesses drives passing cycles through a fresh
// orchestrator each time, sharing only the data directory, the shape of a
// scheduled one-shot run. The streak, the estimators, and the canary state
// must accumulate across restarts exactly as in a single long-lived process.
func TestStatePersistsAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "core-state.json")

	// Eight cycles: the stop rule arms at a streak of four, and the SPRT's
	// log-likelihood ratio crosses its acceptance bound on the eighth pass.
	var res orchestrator.CycleResult
	for cycle := 1; cycle <= 8; cycle++ {
		f := newFixtureAt(t, dir, 0.5, 6*time.Hour)
		f.metrics.Samples[qualityQuery] = sampleValues(healthyValues(400))
		f.metrics.Samples[openAlertsQuery] = []metricsclient.Sample{{Value: 0}}
		if err := f.orch.LoadState(statePath); err != nil {
			t.Fatalf("load state before cycle %d: %v", cycle, err)
		}

		var err error
		res, err = f.orch.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		if res.Verdict.Streak != cycle {
			t.Fatalf("cycle %d streak = %d, want %d", cycle, res.Verdict.Streak, cycle)
		}

		// Only the very first process sees the promotion transition; the
		// restored canary state keeps later re-deliveries suppressed.
		wantExec := 0
		if cycle == 1 {
			wantExec = 1
		}
		if seen := f.exec.Seen(); len(seen) != wantExec {
			t.Fatalf("cycle %d executor saw %d decisions, want %d", cycle, len(seen), wantExec)
		}

		if err := f.orch.SaveState(statePath); err != nil {
			t.Fatalf("save state after cycle %d: %v", cycle, err)
		}
	}

	if !res.HoldSteady {
		t.Fatalf("stop rule not reached across restarts: streak=%d posterior=%v",
			res.Verdict.Streak, res.Posterior)
	}
	if res.SPRT != gate.SPRTAccept {
		t.Fatalf("sprt = %s after four restarted passes, want accept", res.SPRT)
	}
}

func TestLoadStateMissingFileIsCleanStart(t *testing.T) {
	f := newFixture(t, 0.8, 6*time.Hour)
	if err := f.orch.LoadState(filepath.Join(t.TempDir(), "core-state.json")); err != nil {
		t.Fatalf("missing state file must not error: %v", err)
	}
}

func TestOutcomeExitCodes(t *testing.T) {
	cases := map[orchestrator.Outcome]int{
		orchestrator.OutcomeGo:     0,
		orchestrator.OutcomeNoGo:   1,
		orchestrator.OutcomeReview: 2,
		orchestrator.OutcomeHold:   3,
	}
	for outcome, want := range cases {
		if got := outcome.ExitCode(); got != want {
			t.Fatalf("%s exit code = %d, want %d", outcome, got, want)
		}
	}
}
