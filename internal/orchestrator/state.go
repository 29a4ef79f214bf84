package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/releasegate/releasegate/internal/canary"
	"github.com/releasegate/releasegate/internal/gate"
)

// coreState is the evaluator state that must survive between processes: the
// gate streak, both sequential estimators, and the canary state machine.
// Without it every one-shot scheduled run starts at streak 1, so the
// streak-gated intervention and stop rules can never fire.
type coreState struct {
	GateLevel      gate.Level   `json:"gateLevel"`
	GateStreak     int          `json:"gateStreak"`
	PosteriorAlpha float64      `json:"posteriorAlpha"`
	PosteriorBeta  float64      `json:"posteriorBeta"`
	SPRTLLR        float64      `json:"sprtLLR"`
	SPRTTrials     int          `json:"sprtTrials"`
	Canary         canary.State `json:"canary"`
	SavedAt        time.Time    `json:"savedAt"`
}

// LoadState seeds the orchestrator's stateful components from a snapshot
// written by a previous run. A missing file is a clean start, not an error.
func (o *Orchestrator) LoadState(path string) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read core state: %w", err)
	}
	var st coreState
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("parse core state %s: %w", path, err)
	}
	o.evaluator.Restore(st.GateLevel, st.GateStreak)
	o.posterior.Restore(st.PosteriorAlpha, st.PosteriorBeta)
	o.sprt.Restore(st.SPRTLLR, st.SPRTTrials)
	o.gate.Restore(st.Canary)
	return nil
}

// SaveState snapshots the components to disk via temp file and rename.
func (o *Orchestrator) SaveState(path string) error {
	level, streak := o.evaluator.Streak()
	alpha, beta := o.posterior.Counts()
	llr, trials := o.sprt.Evidence()
	st := coreState{
		GateLevel:      level,
		GateStreak:     streak,
		PosteriorAlpha: alpha,
		PosteriorBeta:  beta,
		SPRTLLR:        llr,
		SPRTTrials:     trials,
		Canary:         o.gate.State(),
		SavedAt:        o.now().UTC(),
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal core state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write core state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace core state: %w", err)
	}
	return nil
}
