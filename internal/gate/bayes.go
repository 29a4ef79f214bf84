package gate

import (
	"math"
	"sync"
)

// BetaPosterior maintains a Beta-Bernoulli conjugate posterior over the true
// pass rate of the gate. Each Pass cycle is a success trial, each non-Pass a
// failure trial. It consumes verdict history, never raw samples, and is
// advisory only: it decides when to stop intervening, never overrides a Fail.
type BetaPosterior struct {
	mu    sync.Mutex
	alpha float64
	beta  float64
}

// NewBetaPosterior starts from the uniform prior Beta(1,1).
func NewBetaPosterior() *BetaPosterior {
	return &BetaPosterior{alpha: 1, beta: 1}
}

// Observe updates the posterior with one cycle's outcome.
func (b *BetaPosterior) Observe(pass bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pass {
		b.alpha++
	} else {
		b.beta++
	}
}

// Reset returns the posterior to the uniform prior, used when a new canary
// cycle starts.
func (b *BetaPosterior) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alpha, b.beta = 1, 1
}

// Counts returns the posterior parameters for persistence.
func (b *BetaPosterior) Counts() (alpha, beta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alpha, b.beta
}

// Restore replaces the posterior parameters from a persisted snapshot.
// Values below the uniform prior are clamped to it.
func (b *BetaPosterior) Restore(alpha, beta float64) {
	if alpha < 1 {
		alpha = 1
	}
	if beta < 1 {
		beta = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alpha, b.beta = alpha, beta
}

// Mean returns the expected pass rate under the posterior.
func (b *BetaPosterior) Mean() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alpha / (b.alpha + b.beta)
}

// ProbRateAtLeast returns P(trueSuccessRate >= rate | observed history),
// the upper tail of the Beta(alpha, beta) posterior.
func (b *BetaPosterior) ProbRateAtLeast(rate float64) float64 {
	b.mu.Lock()
	alpha, beta := b.alpha, b.beta
	b.mu.Unlock()
	if rate <= 0 {
		return 1
	}
	if rate >= 1 {
		return 0
	}
	return 1 - regIncompleteBeta(alpha, beta, rate)
}

// regIncompleteBeta computes the regularized incomplete beta function
// I_x(a, b) via the continued-fraction expansion.
func regIncompleteBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lbeta := lgamma(a+b) - lgamma(a) - lgamma(b) + a*math.Log(x) + b*math.Log(1-x)
	front := math.Exp(lbeta)
	if x < (a+1)/(a+b+2) {
		return front * betacf(a, b, x) / a
	}
	return 1 - front*betacf(b, a, 1-x)/b
}

// betacf is the continued fraction for the incomplete beta function
// (modified Lentz's method).
func betacf(a, b, x float64) float64 {
	const (
		maxIter = 200
		eps     = 3e-14
		fpmin   = 1e-300
	)
	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < fpmin {
		d = fpmin
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIter; m++ {
		fm := float64(m)
		m2 := 2 * fm
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpmin {
			d = fpmin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpmin {
			c = fpmin
		}
		d = 1 / d
		h *= d * c
		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpmin {
			d = fpmin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpmin {
			c = fpmin
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}
