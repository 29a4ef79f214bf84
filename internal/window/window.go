// Package window holds rolling sample collections and the per-window
// statistics the gate evaluator consumes.
package window

import (
	"math"
	"sort"
)

// Window is a named rolling collection of numeric observations (p-values,
// uptime ratios) over one time horizon, e.g. "2h" or "24h". An absent or
// unreadable upstream source must yield an empty window, never fabricated
// values.
type Window struct {
	Name   string
	Values []float64
}

// Count returns the number of samples.
func (w Window) Count() int { return len(w.Values) }

// Sigma returns the sample standard deviation, or NaN when fewer than two
// samples are present.
func (w Window) Sigma() float64 {
	n := len(w.Values)
	if n < 2 {
		return math.NaN()
	}
	var sum float64
	for _, v := range w.Values {
		sum += v
	}
	mean := sum / float64(n)
	var ss float64
	for _, v := range w.Values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// UniqueRatio returns the fraction of distinct values, a proxy for signal
// diversity. Zero samples yields 0.
func (w Window) UniqueRatio() float64 {
	n := len(w.Values)
	if n == 0 {
		return 0
	}
	seen := make(map[float64]struct{}, n)
	for _, v := range w.Values {
		seen[v] = struct{}{}
	}
	return float64(len(seen)) / float64(n)
}

// KSUniformP runs a one-sample Kolmogorov-Smirnov test of the values against
// Uniform(0,1) and returns the p-value. A value near zero means the
// distribution has collapsed. Fewer than two samples returns 0: no evidence
// of a healthy distribution is not passing evidence.
func (w Window) KSUniformP() float64 {
	n := len(w.Values)
	if n < 2 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, w.Values)
	sort.Float64s(sorted)

	var d float64
	for i, x := range sorted {
		x = clamp01(x)
		hi := float64(i+1)/float64(n) - x
		lo := x - float64(i)/float64(n)
		if hi > d {
			d = hi
		}
		if lo > d {
			d = lo
		}
	}
	return ksPValue(d, n)
}

// ksPValue evaluates the asymptotic Kolmogorov distribution Q_KS with the
// small-sample correction lambda = (sqrt(n) + 0.12 + 0.11/sqrt(n)) * D.
func ksPValue(d float64, n int) float64 {
	sqrtN := math.Sqrt(float64(n))
	lambda := (sqrtN + 0.12 + 0.11/sqrtN) * d
	if lambda < 1e-9 {
		return 1
	}
	var sum float64
	sign := 1.0
	for k := 1; k <= 100; k++ {
		term := sign * math.Exp(-2*lambda*lambda*float64(k)*float64(k))
		sum += term
		if math.Abs(term) < 1e-12 {
			break
		}
		sign = -sign
	}
	p := 2 * sum
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
