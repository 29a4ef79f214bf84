package gate

import (
	"fmt"
	"math"
	"sync"
)

// SPRTOutcome is the state of a Wald sequential probability ratio test.
type SPRTOutcome string

const (
	SPRTAccept   SPRTOutcome = "accept"   // evidence favors the target rate
	SPRTReject   SPRTOutcome = "reject"   // evidence favors the baseline rate
	SPRTContinue SPRTOutcome = "continue" // keep sampling
)

// SPRT accumulates a log-likelihood ratio over pass/fail cycles, testing
// H1: successRate = Target against H0: successRate = Baseline. Like the
// Bayesian posterior it consumes verdict history and is advisory only.
type SPRT struct {
	target   float64
	baseline float64
	upper    float64 // log((1-beta)/alpha)
	lower    float64 // log(beta/(1-alpha))

	mu  sync.Mutex
	llr float64
	n   int
}

// NewSPRT builds a test for the given hypothesis rates and error budget.
func NewSPRT(target, baseline, alpha, beta float64) (*SPRT, error) {
	if baseline <= 0 || target >= 1 || baseline >= target {
		return nil, fmt.Errorf("sprt: need 0 < baseline (%.3f) < target (%.3f) < 1", baseline, target)
	}
	if alpha <= 0 || alpha >= 1 || beta <= 0 || beta >= 1 {
		return nil, fmt.Errorf("sprt: error rates must be in (0,1), got alpha=%.3f beta=%.3f", alpha, beta)
	}
	return &SPRT{
		target:   target,
		baseline: baseline,
		upper:    math.Log((1 - beta) / alpha),
		lower:    math.Log(beta / (1 - alpha)),
	}, nil
}

// Observe folds one cycle outcome into the running ratio and returns the
// current verdict plus the ratio itself.
func (s *SPRT) Observe(success bool) (SPRTOutcome, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.llr += math.Log(s.target / s.baseline)
	} else {
		s.llr += math.Log((1 - s.target) / (1 - s.baseline))
	}
	s.n++
	return s.outcomeLocked(), s.llr
}

// Outcome returns the current state without observing.
func (s *SPRT) Outcome() (SPRTOutcome, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomeLocked(), s.llr
}

// Evidence returns the accumulated log-likelihood ratio and trial count.
func (s *SPRT) Evidence() (float64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.llr, s.n
}

// Restore replaces the accumulated evidence from a persisted snapshot. A
// negative trial count restores to the empty test.
func (s *SPRT) Restore(llr float64, n int) {
	if n < 0 {
		llr, n = 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llr, s.n = llr, n
}

// Reset clears the accumulated evidence for a new canary cycle.
func (s *SPRT) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llr = 0
	s.n = 0
}

func (s *SPRT) outcomeLocked() SPRTOutcome {
	switch {
	case s.llr >= s.upper:
		return SPRTAccept
	case s.llr <= s.lower:
		return SPRTReject
	default:
		return SPRTContinue
	}
}
