package stability_test

import (
	"testing"

	"github.com/releasegate/releasegate/internal/stability"
)

func newTestController() *stability.Controller {
	return stability.NewController(stability.DefaultWeights(), stability.DefaultLimits(), 3)
}

func healthy() stability.Indicators {
	return stability.Indicators{
		UptimeRatio:    1,
		AlertRatePerHr: 0,
		MTTRSeconds:    0,
		DRSuccessRatio: 1,
	}
}

func TestComputeZeroWhenHealthy(t *testing.T) {
	c := newTestController()
	st := c.Compute(healthy())
	if st.V != 0 {
		t.Fatalf("V = %v for fully healthy indicators, want 0 (terms %v)", st.V, st.Terms)
	}
}

func TestComputeNonNegativeAndMonotone(t *testing.T) {
	c := newTestController()
	var prev float64
	for _, rate := range []float64{0, 1, 2, 5, 10} {
		ind := healthy()
		ind.AlertRatePerHr = rate
		st := c.Compute(ind)
		if st.V < 0 {
			t.Fatalf("V = %v, must be non-negative", st.V)
		}
		if st.V < prev {
			t.Fatalf("V decreased as alert rate rose: %v -> %v at rate %v", prev, st.V, rate)
		}
		prev = st.V
	}
}

func TestComputeClampsOutOfRangeInputs(t *testing.T) {
	c := newTestController()
	st := c.Compute(stability.Indicators{
		UptimeRatio:    1.7,  // clamped to 1
		AlertRatePerHr: -3,   // clamped to 0
		MTTRSeconds:    -100, // clamped to 0
		DRSuccessRatio: 2,    // clamped to 1
	})
	if st.V != 0 {
		t.Fatalf("V = %v for out-of-range-but-healthy inputs, want 0", st.V)
	}
}

func TestDeficitTermDisabledWithoutTarget(t *testing.T) {
	c := newTestController()
	ind := healthy()
	ind.EVPerHrDeficit = 50
	ind.EVPerHrExpected = 0
	if st := c.Compute(ind); st.Terms["evDeficit"] != 0 {
		t.Fatalf("deficit term = %v with no expected volume, want 0", st.Terms["evDeficit"])
	}

	ind.EVPerHrExpected = 100
	if st := c.Compute(ind); st.Terms["evDeficit"] <= 0 {
		t.Fatalf("deficit term = %v with expected volume set, want > 0", st.Terms["evDeficit"])
	}
}

func TestDirectives(t *testing.T) {
	c := newTestController()

	if ds := c.Directives(healthy()); len(ds) != 0 {
		t.Fatalf("healthy indicators produced directives: %v", ds)
	}

	ind := healthy()
	ind.AlertRatePerHr = 5
	ds := c.Directives(ind)
	if !hasDirective(ds, stability.DirectiveThrottleMerges) || !hasDirective(ds, stability.DirectiveTightenRules) {
		t.Fatalf("alert-rate breach directives = %v", ds)
	}

	ind = healthy()
	ind.MTTRSeconds = 7200
	ds = c.Directives(ind)
	if !hasDirective(ds, stability.DirectiveIncreaseRetryRate) || !hasDirective(ds, stability.DirectiveImproveRollbackPath) {
		t.Fatalf("mttr breach directives = %v", ds)
	}

	ind = healthy()
	ind.DRSuccessRatio = 0.5
	if ds = c.Directives(ind); !hasDirective(ds, stability.DirectiveBlockMerges) {
		t.Fatalf("dr breach directives = %v, want block-merges", ds)
	}

	ind = healthy()
	ind.EVPerHrExpected = 100
	ind.EVPerHrDeficit = 60
	if ds = c.Directives(ind); !hasDirective(ds, stability.DirectiveIncreaseExperimentRate) {
		t.Fatalf("deficit breach directives = %v, want increase-experiment-rate", ds)
	}
}

func TestTrendSmoothing(t *testing.T) {
	c := stability.NewController(stability.DefaultWeights(), stability.DefaultLimits(), 2)

	// Degrading run: alert rate climbs every cycle.
	var st stability.State
	for _, rate := range []float64{0, 2, 4, 8} {
		ind := healthy()
		ind.AlertRatePerHr = rate
		st = c.Compute(ind)
	}
	if st.Trend != stability.TrendDegrading {
		t.Fatalf("trend after climbing scores = %s, want degrading", st.Trend)
	}

	// Recovery: scores fall back toward zero.
	for _, rate := range []float64{4, 1, 0, 0} {
		ind := healthy()
		ind.AlertRatePerHr = rate
		st = c.Compute(ind)
	}
	if st.Trend != stability.TrendImproving {
		t.Fatalf("trend after recovery = %s, want improving", st.Trend)
	}
}

func TestTrendFlatOnFirstCycle(t *testing.T) {
	c := newTestController()
	if st := c.Compute(healthy()); st.Trend != stability.TrendFlat {
		t.Fatalf("first cycle trend = %s, want flat", st.Trend)
	}
}

func hasDirective(ds []stability.Directive, want stability.Directive) bool {
	for _, d := range ds {
		if d == want {
			return true
		}
	}
	return false
}
