// Package ledger contains the canonical models and stores for the
// append-only decision ledger.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Decision is the fixed vocabulary of ledger outcomes.
type Decision string

const (
	DecisionGo        Decision = "GO"
	DecisionNoGo      Decision = "NO-GO"
	DecisionReview    Decision = "REVIEW"
	DecisionHold      Decision = "HOLD"
	DecisionHeartbeat Decision = "HEARTBEAT"
	DecisionApproved  Decision = "APPROVED"
	DecisionContinue  Decision = "CONTINUE"
)

// Valid reports whether d is one of the allowed decision values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionGo, DecisionNoGo, DecisionReview, DecisionHold,
		DecisionHeartbeat, DecisionApproved, DecisionContinue:
		return true
	}
	return false
}

// Verdict reports whether d is a real go/no-go style verdict, as opposed to
// a liveness record (HEARTBEAT/APPROVED/CONTINUE). Freshness checks consider
// only verdicts; liveness checks consider every record.
func (d Decision) Verdict() bool {
	switch d {
	case DecisionGo, DecisionNoGo, DecisionReview, DecisionHold:
		return true
	}
	return false
}

// DecisionRecord is one evaluation cycle's entry in the ledger.
// Timestamps are UTC at second precision; Sequence breaks ties between
// records written within the same second.
type DecisionRecord struct {
	Timestamp time.Time         `json:"ts"`
	Sequence  uint64            `json:"seq"`
	Decision  Decision          `json:"decision"`
	Score     *float64          `json:"score,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Normalize truncates the timestamp to UTC second precision.
func (r *DecisionRecord) Normalize() {
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Second)
}

// Validate checks the record is well-formed enough to enter the ledger.
func (r *DecisionRecord) Validate() error {
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record timestamp is zero")
	}
	if !r.Decision.Valid() {
		return fmt.Errorf("unknown decision %q", r.Decision)
	}
	return nil
}

// ErrNotFound is returned when a requested ledger resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvariantViolation indicates a logic bug (e.g. canonicalization output
// larger than input). Callers must abort the run and leave prior good state
// untouched; this error is never absorbed.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// ErrLockBusy is returned when the ledger write lock could not be acquired
// within its deadline.
var ErrLockBusy = errors.New("ledger lock busy")
