// Package gate turns noisy sample windows into a categorical health verdict
// and keeps the sequential confirmatory estimators (Bayesian posterior, SPRT)
// that decide when the automation should stop intervening.
package gate

import (
	"math"
	"sort"
	"sync"

	"github.com/releasegate/releasegate/internal/window"
)

// Level is the three-band verdict.
type Level string

const (
	LevelPass     Level = "pass"
	LevelMarginal Level = "marginal"
	LevelFail     Level = "fail"
)

// Evidence is the per-window statistic set backing a verdict.
type Evidence struct {
	KSP         float64 `json:"ksP"`
	UniqueRatio float64 `json:"uniqueRatio"`
	Sigma       float64 `json:"sigma"`
	N           int     `json:"n"`
}

// Verdict is one evaluation outcome. Streak counts consecutive cycles at the
// same level; it is 0 when any window reported no data at all, so a data gap
// can never masquerade as a stable run.
type Verdict struct {
	Level    Level               `json:"level"`
	Streak   int                 `json:"streak"`
	DataGap  bool                `json:"dataGap"`
	Evidence map[string]Evidence `json:"evidence"`
}

// Thresholds are the classification boundaries. Fail wins over everything:
// a window that trips any fail clause fails the whole verdict regardless of
// how the other windows look.
type Thresholds struct {
	FailUniqueRatio float64 // below this: fail
	PassUniqueRatio float64 // at or above this (all windows): pass candidate
	FailPValue      float64
	PassPValue      float64
	FailMinCount    int // fewer samples than this: fail
	PassMinCount    int
}

// DefaultThresholds mirror the production boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailUniqueRatio: 0.20,
		PassUniqueRatio: 0.30,
		FailPValue:      0.01,
		PassPValue:      0.05,
		FailMinCount:    5,
		PassMinCount:    12,
	}
}

// Evaluator is the stateful gate: it classifies each cycle and tracks the
// running streak. It is owned by the orchestrator goroutine; the mutex keeps
// the ops API's read path safe.
type Evaluator struct {
	thresholds Thresholds

	mu        sync.Mutex
	lastLevel Level
	streak    int
}

// NewEvaluator builds an evaluator with the given thresholds.
func NewEvaluator(t Thresholds) *Evaluator {
	return &Evaluator{thresholds: t}
}

// Evaluate classifies one cycle's windows and updates the streak.
func (e *Evaluator) Evaluate(windows map[string]window.Window) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	evidence := make(map[string]Evidence, len(windows))
	dataGap := len(windows) == 0

	level := LevelPass
	if dataGap {
		level = LevelFail
	}
	for _, name := range sortedNames(windows) {
		w := windows[name]
		ev := Evidence{
			KSP:         w.KSUniformP(),
			UniqueRatio: w.UniqueRatio(),
			Sigma:       w.Sigma(),
			N:           w.Count(),
		}
		evidence[name] = ev

		if ev.N == 0 {
			dataGap = true
		}
		level = worse(level, classifyWindow(ev, e.thresholds))
	}

	switch {
	case dataGap:
		e.streak = 0
	case level == e.lastLevel:
		e.streak++
	default:
		e.streak = 1
	}
	e.lastLevel = level

	return Verdict{Level: level, Streak: e.streak, DataGap: dataGap, Evidence: evidence}
}

// Streak returns the current streak without evaluating.
func (e *Evaluator) Streak() (Level, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastLevel, e.streak
}

// Restore seeds the streak from a persisted snapshot so one-shot scheduled
// runs carry streaks across processes. An unknown level or negative streak
// restores to the zero state.
func (e *Evaluator) Restore(level Level, streak int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch level {
	case LevelPass, LevelMarginal, LevelFail:
	default:
		level, streak = "", 0
	}
	if streak < 0 {
		streak = 0
	}
	e.lastLevel = level
	e.streak = streak
}

// classifyWindow applies the fail clauses first: missing-data and degenerate
// signals must never be classified as passing evidence.
func classifyWindow(ev Evidence, t Thresholds) Level {
	sigmaZero := ev.Sigma == 0 || math.IsNaN(ev.Sigma)
	if ev.UniqueRatio < t.FailUniqueRatio || ev.KSP < t.FailPValue ||
		ev.N < t.FailMinCount || sigmaZero {
		return LevelFail
	}
	if ev.UniqueRatio >= t.PassUniqueRatio && ev.KSP >= t.PassPValue &&
		ev.Sigma > 0 && ev.N >= t.PassMinCount {
		return LevelPass
	}
	return LevelMarginal
}

func worse(a, b Level) Level {
	rank := map[Level]int{LevelPass: 0, LevelMarginal: 1, LevelFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func sortedNames(windows map[string]window.Window) []string {
	names := make([]string, 0, len(windows))
	for name := range windows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
