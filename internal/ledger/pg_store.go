package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PGStore mirrors the decision ledger into Postgres for downstream summary
// jobs. The file store remains the source of truth; the mirror is insert-only.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed mirror.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Insert persists one decision record row.
func (p *PGStore) Insert(ctx context.Context, rec DecisionRecord) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var score sql.NullFloat64
	if rec.Score != nil {
		score = sql.NullFloat64{Float64: *rec.Score, Valid: true}
	}
	q := `
		INSERT INTO decisions (ts, seq, decision, score, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ts, seq) DO NOTHING
	`
	if _, err := p.db.ExecContext(ctx, q, rec.Timestamp, rec.Sequence, string(rec.Decision), score, metaJSON); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListRecent returns up to limit records, newest first.
func (p *PGStore) ListRecent(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT ts, seq, decision, score, metadata
		FROM decisions
		ORDER BY ts DESC, seq DESC
		LIMIT $1
	`
	rows, err := p.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var (
			rec      DecisionRecord
			decision string
			score    sql.NullFloat64
			metaJSON []byte
		)
		if err := rows.Scan(&rec.Timestamp, &rec.Sequence, &decision, &score, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		rec.Decision = Decision(decision)
		if score.Valid {
			v := score.Float64
			rec.Score = &v
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata for seq %d: %w", rec.Sequence, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
