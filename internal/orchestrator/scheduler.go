package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/releasegate/releasegate/internal/ledger"
	"github.com/releasegate/releasegate/internal/reconcile"
)

// Scheduler drives the periodic tasks: the evaluation cycle, the reconciler,
// canonicalization, and compaction. The tasks run on independent tickers so
// no subtask blocks another's scheduling; all ledger writers serialize
// through the store's lock.
type Scheduler struct {
	Orchestrator *Orchestrator
	Reconciler   *reconcile.Reconciler
	Compactor    *ledger.Compactor

	CycleInterval      time.Duration
	ReconcileInterval  time.Duration
	CanonicalizeEvery  time.Duration
	CompactionInterval time.Duration
}

// Run blocks until ctx is cancelled. Boot recovery runs first, then the
// tickers take over.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Reconciler != nil {
		if err := s.Reconciler.Boot(ctx); err != nil {
			log.Printf("[scheduler] boot recovery: %v", err)
		}
	}

	cycle := time.NewTicker(s.CycleInterval)
	defer cycle.Stop()
	reconcileTick := time.NewTicker(s.ReconcileInterval)
	defer reconcileTick.Stop()
	canonTick := time.NewTicker(s.CanonicalizeEvery)
	defer canonTick.Stop()

	compaction := s.CompactionInterval
	if compaction <= 0 {
		compaction = 24 * time.Hour
	}
	compactTick := time.NewTicker(compaction)
	defer compactTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-cycle.C:
			go func() {
				res, err := s.Orchestrator.RunCycle(ctx)
				if err != nil {
					log.Printf("[scheduler] cycle failed: %v", err)
					return
				}
				log.Printf("[scheduler] cycle outcome=%s level=%s streak=%d v=%.4f",
					res.Outcome, res.Verdict.Level, res.Verdict.Streak, res.Stability.V)
			}()

		case <-reconcileTick.C:
			if s.Reconciler == nil {
				continue
			}
			go func() {
				for _, r := range s.Reconciler.Run(ctx) {
					if !r.OK || r.Repaired {
						log.Printf("[scheduler] reconcile %s ok=%v repaired=%v %s", r.Name, r.OK, r.Repaired, r.Detail)
					}
				}
			}()

		case <-canonTick.C:
			go func() {
				if _, err := s.Orchestrator.store.Canonicalize(ctx); err != nil {
					log.Printf("[scheduler] canonicalize: %v", err)
				}
			}()

		case <-compactTick.C:
			if s.Compactor == nil {
				continue
			}
			go func() {
				if err := s.Compactor.Run(ctx); err != nil {
					log.Printf("[scheduler] compaction: %v", err)
				}
			}()
		}
	}
}
