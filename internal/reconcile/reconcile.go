// Package reconcile is the self-healing loop: it verifies the freshness and
// internal consistency of the automation's own operating state and repairs
// drift idempotently. Detected-but-unrepairable conditions are surfaced as
// degraded-health records in the ledger, never hidden.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/releasegate/releasegate/internal/ledger"
	"github.com/releasegate/releasegate/internal/obsmetrics"
	"github.com/releasegate/releasegate/internal/schedctl"
)

// CheckResult is one check's outcome. Repaired implies the condition was
// found unhealthy and fixed in this run.
type CheckResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Repaired bool   `json:"repaired"`
	Detail   string `json:"detail,omitempty"`
}

// Config tunes the reconciler's SLAs.
type Config struct {
	// VerdictFreshnessSLA bounds the age of the newest GO/NO-GO/REVIEW/HOLD
	// record; liveness records do not count toward it.
	VerdictFreshnessSLA time.Duration

	// HeartbeatSLA bounds the age of the newest record of any kind.
	HeartbeatSLA time.Duration

	// BadRatioCeiling is the maximum tolerated canonicalization drop rate.
	BadRatioCeiling float64

	// SkewTolerance is the expected one-interval slack subtracted from a raw
	// clock delta before it counts as skew.
	SkewTolerance time.Duration

	// Timers is the set of periodic triggers that must stay enabled.
	Timers []string
}

// Reconciler runs the checks on its own cadence, independent of the main
// evaluation cycle.
type Reconciler struct {
	cfg   Config
	store *ledger.FileStore
	sched schedctl.Control
	obs   *obsmetrics.Exporter
	now   func() time.Time

	// runCycle triggers one on-demand evaluation cycle during boot recovery.
	runCycle func(ctx context.Context) error
}

// New builds a reconciler. obs and runCycle may be nil.
func New(cfg Config, store *ledger.FileStore, sched schedctl.Control, obs *obsmetrics.Exporter, runCycle func(ctx context.Context) error) *Reconciler {
	if cfg.VerdictFreshnessSLA <= 0 {
		cfg.VerdictFreshnessSLA = 26 * time.Hour
	}
	if cfg.HeartbeatSLA <= 0 {
		cfg.HeartbeatSLA = 30 * time.Minute
	}
	if cfg.BadRatioCeiling <= 0 {
		cfg.BadRatioCeiling = 0.02
	}
	return &Reconciler{cfg: cfg, store: store, sched: sched, obs: obs, now: time.Now, runCycle: runCycle}
}

// Run executes every check once. Each check is independently idempotent; a
// failure in one never prevents the rest from running.
func (r *Reconciler) Run(ctx context.Context) []CheckResult {
	results := []CheckResult{
		r.checkFreshness(ctx),
		r.checkCanonicalizationHealth(ctx),
		r.checkSchedulerLiveness(ctx),
		r.checkTimestampSkew(ctx),
	}
	for _, res := range results {
		if res.Repaired && r.obs != nil {
			r.obs.CountRepair(res.Name)
		}
		if !res.OK && !res.Repaired {
			r.recordDegraded(ctx, res)
		}
	}
	return results
}

// Boot re-establishes operating state after a cold start: schedulers back
// on, a heartbeat primed into the ledger, and one on-demand evaluation cycle
// before the normal cadence resumes.
func (r *Reconciler) Boot(ctx context.Context) error {
	for _, timer := range r.cfg.Timers {
		if err := r.sched.Enable(ctx, timer); err != nil {
			return fmt.Errorf("boot: enable %s: %w", timer, err)
		}
	}
	hb := ledger.DecisionRecord{
		Timestamp: r.now().UTC(),
		Decision:  ledger.DecisionHeartbeat,
		Metadata:  map[string]string{"reason": "boot-recovery"},
	}
	if err := r.store.Append(ctx, &hb); err != nil {
		return fmt.Errorf("boot: prime heartbeat: %w", err)
	}
	if _, err := r.store.Canonicalize(ctx); err != nil {
		return fmt.Errorf("boot: canonicalize: %w", err)
	}
	if r.runCycle != nil {
		if err := r.runCycle(ctx); err != nil {
			log.Printf("[reconcile] boot cycle failed: %v", err)
		}
	}
	return nil
}

// checkFreshness applies two distinct SLAs: decision freshness over real
// verdicts, and liveness over any record. Only the liveness clause is
// repairable here: a heartbeat backfill restores liveness, but a fresh
// verdict can only come from a real evaluation cycle, so a stale verdict is
// reported as detected-but-unrepairable instead of being papered over with
// heartbeats that never count toward it.
func (r *Reconciler) checkFreshness(ctx context.Context) CheckResult {
	res := CheckResult{Name: "ledger-freshness", OK: true}
	now := r.now().UTC()

	livenessStale := false
	last, err := r.store.LastRecord(false)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		livenessStale = true
		res.Detail = "ledger empty"
	case err != nil:
		res.OK = false
		res.Detail = fmt.Sprintf("read ledger: %v", err)
		return res
	default:
		if age := now.Sub(last.Timestamp); age > r.cfg.HeartbeatSLA {
			livenessStale = true
			res.Detail = fmt.Sprintf("liveness stale: last record %s old", age.Round(time.Second))
		}
	}

	verdictStale := false
	if verdict, err := r.store.LastRecord(true); err == nil {
		if r.obs != nil {
			r.obs.SetFreshnessSeconds(now.Sub(verdict.Timestamp).Seconds())
		}
		if age := now.Sub(verdict.Timestamp); age > r.cfg.VerdictFreshnessSLA {
			verdictStale = true
			detail := fmt.Sprintf("decision freshness stale: last verdict %s old", age.Round(time.Second))
			if res.Detail != "" {
				res.Detail += "; " + detail
			} else {
				res.Detail = detail
			}
		}
	}

	if !livenessStale && !verdictStale {
		return res
	}
	res.OK = false

	if livenessStale {
		backfill := ledger.DecisionRecord{
			Timestamp: now,
			Decision:  ledger.DecisionHeartbeat,
			Metadata:  map[string]string{"reason": "freshness-backfill", "detail": res.Detail},
		}
		if err := r.store.Append(ctx, &backfill); err != nil {
			res.Detail += fmt.Sprintf("; backfill failed: %v", err)
			return res
		}
		if _, err := r.store.Canonicalize(ctx); err != nil {
			res.Detail += fmt.Sprintf("; canonicalize after backfill failed: %v", err)
			return res
		}
		// The heartbeat repairs liveness only; a stale verdict still flows
		// through to the degraded-health record.
		res.Repaired = !verdictStale
	}
	return res
}

// checkCanonicalizationHealth re-runs canonicalization from the raw source
// when the last run's drop ratio exceeded the ceiling.
func (r *Reconciler) checkCanonicalizationHealth(ctx context.Context) CheckResult {
	res := CheckResult{Name: "canonicalization-health", OK: true}

	stats, err := ledger.LoadStats(r.store.CanonicalPath())
	if errors.Is(err, ledger.ErrNotFound) {
		// Never canonicalized; run the first pass.
		stats, err = r.store.Canonicalize(ctx)
		if err != nil {
			res.OK = false
			res.Detail = fmt.Sprintf("initial canonicalization: %v", err)
			return res
		}
		res.Repaired = true
	} else if err != nil {
		res.OK = false
		res.Detail = fmt.Sprintf("load canonicalization stats: %v", err)
		return res
	}

	if ratio := stats.BadRatio(); ratio > r.cfg.BadRatioCeiling {
		fresh, err := r.store.Canonicalize(ctx)
		if err != nil {
			res.OK = false
			res.Detail = fmt.Sprintf("bad ratio %.4f over ceiling; re-run failed: %v", ratio, err)
			return res
		}
		stats = fresh
		res.Repaired = true
		res.Detail = fmt.Sprintf("bad ratio was %.4f, re-canonicalized to %.4f", ratio, fresh.BadRatio())
		if fresh.BadRatio() > r.cfg.BadRatioCeiling {
			res.OK = false
		}
	}
	if r.obs != nil {
		r.obs.SetBadRatio(stats.BadRatio())
	}
	return res
}

// checkSchedulerLiveness re-enables any periodic trigger found disabled.
// Enable is idempotent, so repeats are safe.
func (r *Reconciler) checkSchedulerLiveness(ctx context.Context) CheckResult {
	res := CheckResult{Name: "scheduler-liveness", OK: true}
	for _, timer := range r.cfg.Timers {
		enabled, err := r.sched.Enabled(ctx, timer)
		if err != nil {
			res.OK = false
			res.Detail = fmt.Sprintf("query %s: %v", timer, err)
			return res
		}
		if enabled {
			continue
		}
		if err := r.sched.Enable(ctx, timer); err != nil {
			res.OK = false
			res.Detail = fmt.Sprintf("re-enable %s: %v", timer, err)
			return res
		}
		res.Repaired = true
		res.Detail = fmt.Sprintf("re-enabled %s", timer)
	}
	return res
}

// checkTimestampSkew detects records stamped ahead of the wall clock by more
// than the effective-delta budget (raw delta minus one-interval tolerance).
// Skew is reported, never silently rewritten.
func (r *Reconciler) checkTimestampSkew(ctx context.Context) CheckResult {
	res := CheckResult{Name: "timestamp-skew", OK: true}
	records, err := r.store.Records()
	if err != nil {
		res.OK = false
		res.Detail = fmt.Sprintf("read ledger: %v", err)
		return res
	}
	now := r.now().UTC()
	skewed := 0
	var worst time.Duration
	for _, rec := range records {
		raw := rec.Timestamp.Sub(now)
		effective := raw - r.cfg.SkewTolerance
		if effective > 0 {
			skewed++
			if effective > worst {
				worst = effective
			}
		}
	}
	if skewed > 0 {
		res.OK = false
		res.Detail = fmt.Sprintf("%d records ahead of clock, worst effective skew %s", skewed, worst.Round(time.Second))
	}
	return res
}

// recordDegraded appends a degraded-health record for a check that failed
// and could not be repaired.
func (r *Reconciler) recordDegraded(ctx context.Context, res CheckResult) {
	rec := ledger.DecisionRecord{
		Timestamp: r.now().UTC(),
		Decision:  ledger.DecisionReview,
		Metadata: map[string]string{
			"reason":   "reconciler-degraded",
			"check":    res.Name,
			"detail":   res.Detail,
			"repaired": strconv.FormatBool(res.Repaired),
		},
	}
	if err := r.store.Append(ctx, &rec); err != nil {
		log.Printf("[reconcile] failed to record degraded health for %s: %v", res.Name, err)
		return
	}
	if _, err := r.store.Canonicalize(ctx); err != nil {
		log.Printf("[reconcile] canonicalize after degraded record: %v", err)
	}
}
