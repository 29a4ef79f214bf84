// Package obsmetrics exposes the control plane's own health scalars: the
// instability score, the gate verdict level, canonicalization health, and
// ledger freshness. They are served over /metrics and snapshotted to a
// textfile next to the ledger so the scrape-from-file path works too.
package obsmetrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Exporter owns the registry and the exported gauges.
type Exporter struct {
	registry *prometheus.Registry

	instability     prometheus.Gauge
	gateLevel       *prometheus.GaugeVec
	gateStreak      prometheus.Gauge
	badRatio        prometheus.Gauge
	freshness       prometheus.Gauge
	cyclesTotal     *prometheus.CounterVec
	repairsTotal    *prometheus.CounterVec
	decisionPublish *prometheus.CounterVec
}

// New builds a fresh exporter with its own registry.
func New() *Exporter {
	e := &Exporter{registry: prometheus.NewRegistry()}

	e.instability = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "releasegate_instability_score",
		Help: "Composite instability score V; lower is healthier.",
	})
	e.gateLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "releasegate_gate_level",
		Help: "Gate verdict as a one-hot level gauge.",
	}, []string{"level"})
	e.gateStreak = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "releasegate_gate_streak",
		Help: "Consecutive cycles at the current gate level.",
	})
	e.badRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "releasegate_ledger_bad_ratio",
		Help: "Fraction of raw ledger records dropped by the last canonicalization.",
	})
	e.freshness = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "releasegate_ledger_freshness_seconds",
		Help: "Age of the newest ledger verdict record.",
	})
	e.cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "releasegate_cycles_total",
		Help: "Evaluation cycles by outcome.",
	}, []string{"outcome"})
	e.repairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "releasegate_reconciler_repairs_total",
		Help: "Reconciler repairs by check name.",
	}, []string{"check"})
	e.decisionPublish = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "releasegate_decision_publish_total",
		Help: "Decision records published downstream, by result.",
	}, []string{"result"})

	e.registry.MustRegister(e.instability, e.gateLevel, e.gateStreak,
		e.badRatio, e.freshness, e.cyclesTotal, e.repairsTotal, e.decisionPublish)
	return e
}

// Handler serves the registry in the Prometheus text exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) SetInstability(v float64) { e.instability.Set(v) }

// SetGateLevel writes the one-hot level gauge: 1 for the active level,
// 0 for the rest.
func (e *Exporter) SetGateLevel(level string, streak int) {
	for _, l := range []string{"pass", "marginal", "fail"} {
		val := 0.0
		if l == level {
			val = 1
		}
		e.gateLevel.WithLabelValues(l).Set(val)
	}
	e.gateStreak.Set(float64(streak))
}

func (e *Exporter) SetBadRatio(r float64)         { e.badRatio.Set(r) }
func (e *Exporter) SetFreshnessSeconds(s float64) { e.freshness.Set(s) }
func (e *Exporter) CountCycle(outcome string)     { e.cyclesTotal.WithLabelValues(outcome).Inc() }
func (e *Exporter) CountRepair(check string)      { e.repairsTotal.WithLabelValues(check).Inc() }
func (e *Exporter) CountPublish(result string)    { e.decisionPublish.WithLabelValues(result).Inc() }

// WriteTextfile snapshots the registry to path in text exposition format,
// atomically (temp file + rename).
func (e *Exporter) WriteTextfile(path string) error {
	mfs, err := e.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("create metrics temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("encode metric family: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace metrics textfile: %w", err)
	}
	return nil
}
