package canary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// interventionState is the small per-feature state file tracking an active
// minor intervention: its magnitude, the statistic it is trying to move, and
// how many rounds it has gone without improving on the pre-intervention
// baseline.
type interventionState struct {
	Active            bool      `json:"active"`
	Magnitude         float64   `json:"magnitude"`
	PreviousMagnitude float64   `json:"previousMagnitude"`
	BaselineStat      float64   `json:"baselineStat"`
	LastStat          float64   `json:"lastStat"`
	RoundsNoImprove   int       `json:"roundsNoImprove"`
	LastApplied       time.Time `json:"lastApplied"`
}

// InterventionTracker owns the minor-intervention lifecycle: a bounded,
// reversible nudge to sample diversity/volume, rate-limited by a cooldown,
// and reverted after three rounds with no improvement over the baseline the
// intervention started from (round-over-round comparison is too
// noise-sensitive to act on).
type InterventionTracker struct {
	path     string
	cooldown time.Duration
	step     float64
	now      func() time.Time

	mu sync.Mutex
	st interventionState
}

const revertAfterRounds = 3

// NewInterventionTracker loads (or initializes) the tracker state file.
func NewInterventionTracker(path string, cooldown time.Duration, step float64) (*InterventionTracker, error) {
	if step <= 0 {
		step = 0.1
	}
	t := &InterventionTracker{path: path, cooldown: cooldown, step: step, now: time.Now}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &t.st); err != nil {
			return nil, fmt.Errorf("parse intervention state %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fresh state
	default:
		return nil, fmt.Errorf("read intervention state: %w", err)
	}
	return t, nil
}

// Magnitude returns the currently applied nudge (0 when inactive).
func (t *InterventionTracker) Magnitude() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.st.Active {
		return 0
	}
	return t.st.Magnitude
}

// MaybeIntervene applies one bounded nudge when the gate has been Marginal
// for at least three consecutive cycles, observing the cooldown. stat is the
// statistic being nudged (e.g. the worst window's unique ratio). It returns
// true when an intervention was applied this call.
func (t *InterventionTracker) MaybeIntervene(marginalStreak int, stat float64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if marginalStreak < 3 {
		return false, nil
	}
	now := t.now().UTC()
	if t.st.Active && now.Sub(t.st.LastApplied) < t.cooldown {
		return false, nil
	}

	t.st.PreviousMagnitude = t.st.Magnitude
	t.st.Magnitude += t.step
	if !t.st.Active {
		t.st.BaselineStat = stat
	}
	t.st.Active = true
	t.st.LastStat = stat
	t.st.RoundsNoImprove = 0
	t.st.LastApplied = now
	return true, t.persistLocked()
}

// Observe records the statistic for one subsequent evaluation round. If
// three rounds pass without improvement over the pre-intervention baseline,
// the magnitude reverts to its previous value; Observe returns true when
// that revert happened.
func (t *InterventionTracker) Observe(stat float64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.st.Active {
		return false, nil
	}
	t.st.LastStat = stat
	if stat > t.st.BaselineStat {
		t.st.RoundsNoImprove = 0
		return false, t.persistLocked()
	}
	t.st.RoundsNoImprove++
	if t.st.RoundsNoImprove < revertAfterRounds {
		return false, t.persistLocked()
	}
	t.st.Magnitude = t.st.PreviousMagnitude
	t.st.Active = t.st.Magnitude != 0
	t.st.RoundsNoImprove = 0
	return true, t.persistLocked()
}

// Clear drops any active intervention, used when the gate recovers to Pass.
func (t *InterventionTracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st = interventionState{}
	return t.persistLocked()
}

func (t *InterventionTracker) persistLocked() error {
	b, err := json.Marshal(t.st)
	if err != nil {
		return fmt.Errorf("marshal intervention state: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write intervention state: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replace intervention state: %w", err)
	}
	return nil
}
