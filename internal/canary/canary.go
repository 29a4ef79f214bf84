// Package canary holds the promote/rollback state machine, the bounded
// minor-intervention tracker, and the first-fail triage sequence.
package canary

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of the canary gate. Both terminal states are re-enterable: a new
// canary cycle restarts from Waiting.
type State string

const (
	StateWaiting    State = "waiting"
	StatePromoted   State = "promoted"
	StateRolledBack State = "rolled-back"
)

// Outcome of one gate evaluation.
type Outcome string

const (
	OutcomePromote  Outcome = "promote"
	OutcomeRollback Outcome = "rollback"
	OutcomeWait     Outcome = "wait"
)

// Decision is the immutable value handed to the action executor and written
// to the ledger. A rollback decision carries the tag the executor rolls back
// to; within one cycle the action is irreversible.
type Decision struct {
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason"`
	SampleCount int       `json:"sampleCount"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
	RollbackTag string    `json:"rollbackTag,omitempty"`
}

// Stats are the per-cycle evidence the gate consumes.
type Stats struct {
	SampleCount int
	KSP         float64
	UniqueRatio float64
}

// Config holds the quorum and dual-pass thresholds.
type Config struct {
	// MinSamples is the quorum: below it no statistical verdict is
	// considered meaningful.
	MinSamples int

	// PThreshold and UniqueThreshold are the dual-pass criteria. Both must
	// clear independently before a promotion.
	PThreshold      float64
	UniqueThreshold float64

	// Revision identifies the change under evaluation; it seeds the
	// rollback tag.
	Revision string
}

// Gate is the canary state machine. It is evaluated once per cycle while
// Waiting; Promoted and RolledBack persist until Restart.
type Gate struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	state State
}

// NewGate starts a gate in Waiting.
func NewGate(cfg Config) *Gate {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 300
	}
	return &Gate{cfg: cfg, now: time.Now, state: StateWaiting}
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Restore sets the machine to a previously persisted state. Anything
// unrecognized restores to Waiting.
func (g *Gate) Restore(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch s {
	case StateWaiting, StatePromoted, StateRolledBack:
		g.state = s
	default:
		g.state = StateWaiting
	}
}

// Restart begins a new canary cycle from Waiting for a new revision.
func (g *Gate) Restart(revision string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if revision != "" {
		g.cfg.Revision = revision
	}
	g.state = StateWaiting
}

// Evaluate runs the transition rule for one cycle:
//  1. quorum: sampleCount below MinSamples keeps the gate Waiting;
//  2. dual-pass: the distributional p-value AND the unique ratio must clear
//     their thresholds independently; either failing rolls back;
//  3. otherwise the canary promotes.
//
// Once promoted or rolled back the decision is repeated verbatim until
// Restart, so re-delivery to the executor stays idempotent.
func (g *Gate) Evaluate(s Stats) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	switch g.state {
	case StatePromoted:
		return Decision{Outcome: OutcomePromote, Reason: "already promoted", SampleCount: s.SampleCount, EvaluatedAt: now}
	case StateRolledBack:
		return Decision{Outcome: OutcomeRollback, Reason: "already rolled back", SampleCount: s.SampleCount, EvaluatedAt: now}
	}

	if s.SampleCount < g.cfg.MinSamples {
		return Decision{
			Outcome:     OutcomeWait,
			Reason:      fmt.Sprintf("insufficient samples: %d < %d", s.SampleCount, g.cfg.MinSamples),
			SampleCount: s.SampleCount,
			EvaluatedAt: now,
		}
	}

	var failures []string
	if s.KSP < g.cfg.PThreshold {
		failures = append(failures, fmt.Sprintf("p-value %.4f below %.4f", s.KSP, g.cfg.PThreshold))
	}
	if s.UniqueRatio < g.cfg.UniqueThreshold {
		failures = append(failures, fmt.Sprintf("unique ratio %.3f below %.3f", s.UniqueRatio, g.cfg.UniqueThreshold))
	}
	if len(failures) > 0 {
		g.state = StateRolledBack
		return Decision{
			Outcome:     OutcomeRollback,
			Reason:      strings.Join(failures, "; "),
			SampleCount: s.SampleCount,
			EvaluatedAt: now,
			RollbackTag: rollbackTag(g.cfg.Revision, now),
		}
	}

	g.state = StatePromoted
	return Decision{
		Outcome:     OutcomePromote,
		Reason:      "dual-pass criteria met",
		SampleCount: s.SampleCount,
		EvaluatedAt: now,
	}
}

// rollbackTag derives the tag the external executor rolls back to. The UUID
// fragment keeps tags unique when two rollbacks land in one second.
func rollbackTag(revision string, t time.Time) string {
	if revision == "" {
		revision = "unknown"
	}
	return fmt.Sprintf("rollback-%s-%s-%s", revision, t.Format("20060102T150405Z"), uuid.New().String()[:8])
}
