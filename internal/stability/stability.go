// Package stability computes the scalar instability score that drives
// throttling and escalation. The score is a weighted sum of non-negative
// penalty terms; the control objective is driving it toward zero.
package stability

import (
	"sync"
)

// Indicators are the fixed health inputs of one cycle.
type Indicators struct {
	UptimeRatio     float64 // [0,1]
	AlertRatePerHr  float64
	MTTRSeconds     float64
	DRSuccessRatio  float64 // [0,1]
	EVPerHrDeficit  float64 // shortfall against the experiment-volume target
	EVPerHrExpected float64 // target volume; 0 disables the deficit term
}

// Trend classifies the direction of the score over the smoothing window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendFlat      Trend = "flat"
)

// State is the controller output for one cycle.
type State struct {
	V     float64            `json:"v"`
	Terms map[string]float64 `json:"terms"`
	Trend Trend              `json:"trend"`
}

// Directive is a corrective action the controller asks the surrounding
// automation to take. Directives are additive and idempotent to re-emit.
type Directive string

const (
	DirectiveThrottleMerges         Directive = "throttle-merges"
	DirectiveTightenRules           Directive = "tighten-rules"
	DirectiveIncreaseRetryRate      Directive = "increase-retry-rate"
	DirectiveImproveRollbackPath    Directive = "improve-rollback-path"
	DirectiveBlockMerges            Directive = "block-merges" // hard stop, highest severity
	DirectiveIncreaseExperimentRate Directive = "increase-experiment-rate"
)

// Weights scale the penalty terms. They default to values summing to 1 but
// are not required to.
type Weights struct {
	Uptime    float64
	AlertRate float64
	MTTR      float64
	DRSuccess float64
	EVDeficit float64
}

// DefaultWeights mirror the production tuning.
func DefaultWeights() Weights {
	return Weights{Uptime: 0.30, AlertRate: 0.20, MTTR: 0.20, DRSuccess: 0.20, EVDeficit: 0.10}
}

// Limits are the ceilings/floors that trigger directives. They are checked
// every cycle, not only on threshold crossings.
type Limits struct {
	AlertRateCeiling float64
	MTTRCeiling      float64
	DRSuccessFloor   float64
	EVDeficitBudget  float64

	// Normalizers keep the alert and MTTR terms dimensionless.
	AlertRateNorm float64
	MTTRNorm      float64
}

// DefaultLimits mirror the production tuning.
func DefaultLimits() Limits {
	return Limits{
		AlertRateCeiling: 2.0,
		MTTRCeiling:      3600,
		DRSuccessFloor:   0.9,
		EVDeficitBudget:  0.25,
		AlertRateNorm:    10,
		MTTRNorm:         7200,
	}
}

// Controller computes the instability score and smooths its trend over the
// last TrendWindow cycles to avoid oscillation-driven over-reaction.
type Controller struct {
	weights     Weights
	limits      Limits
	trendWindow int

	mu      sync.Mutex
	history []float64
}

// NewController builds a controller. trendWindow <= 1 falls back to 5.
func NewController(w Weights, l Limits, trendWindow int) *Controller {
	if trendWindow <= 1 {
		trendWindow = 5
	}
	if l.AlertRateNorm <= 0 {
		l.AlertRateNorm = DefaultLimits().AlertRateNorm
	}
	if l.MTTRNorm <= 0 {
		l.MTTRNorm = DefaultLimits().MTTRNorm
	}
	return &Controller{weights: w, limits: l, trendWindow: trendWindow}
}

// Compute evaluates the score for one cycle and records it in the trend
// history. V is non-negative by construction: every term is a clamped
// penalty scaled by a non-negative weight.
func (c *Controller) Compute(ind Indicators) State {
	terms := map[string]float64{
		"uptime":    c.weights.Uptime * square(1-clamp01(ind.UptimeRatio)),
		"alertRate": c.weights.AlertRate * nonNeg(ind.AlertRatePerHr) / c.limits.AlertRateNorm,
		"mttr":      c.weights.MTTR * nonNeg(ind.MTTRSeconds) / c.limits.MTTRNorm,
		"drSuccess": c.weights.DRSuccess * (1 - clamp01(ind.DRSuccessRatio)),
		"evDeficit": c.weights.EVDeficit * deficitRatio(ind),
	}
	var v float64
	for _, t := range terms {
		v += t
	}

	c.mu.Lock()
	c.history = append(c.history, v)
	if len(c.history) > 2*c.trendWindow {
		c.history = c.history[len(c.history)-2*c.trendWindow:]
	}
	trend := c.trendLocked()
	c.mu.Unlock()

	return State{V: v, Terms: terms, Trend: trend}
}

// Directives maps the indicators to corrective actions. Multiple directives
// can fire in one cycle; consumers must tolerate repeats.
func (c *Controller) Directives(ind Indicators) []Directive {
	var out []Directive
	if ind.AlertRatePerHr > c.limits.AlertRateCeiling {
		out = append(out, DirectiveThrottleMerges, DirectiveTightenRules)
	}
	if ind.MTTRSeconds > c.limits.MTTRCeiling {
		out = append(out, DirectiveIncreaseRetryRate, DirectiveImproveRollbackPath)
	}
	if ind.DRSuccessRatio < c.limits.DRSuccessFloor {
		out = append(out, DirectiveBlockMerges)
	}
	if deficitRatio(ind) > c.limits.EVDeficitBudget {
		out = append(out, DirectiveIncreaseExperimentRate)
	}
	return out
}

// trendLocked compares the moving average of the most recent trendWindow
// scores against the preceding window. A single noisy delta never flips the
// classification.
func (c *Controller) trendLocked() Trend {
	const epsilon = 1e-3
	n := len(c.history)
	if n < 2 {
		return TrendFlat
	}
	w := c.trendWindow
	if w > n/2 {
		w = n / 2
	}
	if w < 1 {
		w = 1
	}
	recent := mean(c.history[n-w:])
	prior := mean(c.history[n-2*w : n-w])
	switch {
	case recent < prior-epsilon:
		return TrendImproving
	case recent > prior+epsilon:
		return TrendDegrading
	default:
		return TrendFlat
	}
}

func deficitRatio(ind Indicators) float64 {
	if ind.EVPerHrExpected <= 0 {
		return 0
	}
	return clamp01(nonNeg(ind.EVPerHrDeficit) / ind.EVPerHrExpected)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func square(x float64) float64 { return x * x }

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func nonNeg(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}
