package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Stats describes one canonicalization run. BadDropped is always
// TotalIn - TotalOut; Malformed and Duplicates break it down.
type Stats struct {
	TotalIn    int       `json:"totalIn"`
	TotalOut   int       `json:"totalOut"`
	BadDropped int       `json:"badDropped"`
	Malformed  int       `json:"malformed"`
	Duplicates int       `json:"duplicates"`
	RanAt      time.Time `json:"ranAt"`
}

// BadRatio is the fraction of input records dropped. Zero input is healthy.
func (s Stats) BadRatio() float64 {
	if s.TotalIn == 0 {
		return 0
	}
	return float64(s.BadDropped) / float64(s.TotalIn)
}

// rawLine is the tolerant wire shape of one raw ledger line. Unknown fields
// are ignored; anything that fails to parse into this shape is dropped.
type rawLine struct {
	Ts       string            `json:"ts"`
	Seq      uint64            `json:"seq"`
	Decision string            `json:"decision"`
	Score    *float64          `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

// Canonicalize reads a raw newline-delimited JSON record stream and returns
// the validated, deduplicated, totally ordered records plus run stats.
//
// Rules:
//   - lines that are not well-formed JSON, have an unparseable timestamp, or
//     carry a decision outside the allowed enum are dropped and counted;
//   - records are ordered by (timestamp, sequence);
//   - of several records sharing one timestamp, only the last writer
//     survives (higher sequence wins, input order breaks remaining ties).
//
// A result that would contain more records than the input is a logic bug and
// returns ErrInvariantViolation instead of data.
func Canonicalize(r io.Reader) ([]DecisionRecord, Stats, error) {
	stats := Stats{RanAt: time.Now().UTC()}

	type indexed struct {
		rec DecisionRecord
		pos int
	}
	byTimestamp := make(map[int64]indexed)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	pos := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.TotalIn++
		pos++

		rec, ok := parseRawLine(line)
		if !ok {
			stats.Malformed++
			continue
		}
		key := rec.Timestamp.Unix()
		prev, exists := byTimestamp[key]
		if !exists {
			byTimestamp[key] = indexed{rec: rec, pos: pos}
			continue
		}
		stats.Duplicates++
		if rec.Sequence > prev.rec.Sequence ||
			(rec.Sequence == prev.rec.Sequence && pos > prev.pos) {
			byTimestamp[key] = indexed{rec: rec, pos: pos}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, stats, fmt.Errorf("scan raw stream: %w", err)
	}

	out := make([]DecisionRecord, 0, len(byTimestamp))
	for _, ix := range byTimestamp {
		out = append(out, ix.rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sequence < out[j].Sequence
	})

	stats.TotalOut = len(out)
	stats.BadDropped = stats.TotalIn - stats.TotalOut

	if stats.TotalOut > stats.TotalIn || stats.BadDropped < 0 ||
		stats.BadDropped != stats.Malformed+stats.Duplicates {
		return nil, stats, fmt.Errorf("%w: in=%d out=%d dropped=%d (malformed=%d duplicates=%d)",
			ErrInvariantViolation, stats.TotalIn, stats.TotalOut, stats.BadDropped,
			stats.Malformed, stats.Duplicates)
	}
	return out, stats, nil
}

func parseRawLine(line []byte) (DecisionRecord, bool) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return DecisionRecord{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw.Ts)
	if err != nil {
		return DecisionRecord{}, false
	}
	rec := DecisionRecord{
		Timestamp: ts,
		Sequence:  raw.Seq,
		Decision:  Decision(raw.Decision),
		Score:     raw.Score,
		Metadata:  raw.Metadata,
	}
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return DecisionRecord{}, false
	}
	return rec, true
}

// CanonicalizeFile canonicalizes rawPath into canonicalPath. The canonical
// file is replaced atomically (temp file + rename); on any error, including
// an invariant violation, the previous canonical file is left untouched.
// A missing raw file canonicalizes to an empty stream.
func CanonicalizeFile(rawPath, canonicalPath string) (Stats, error) {
	var in io.Reader
	f, err := os.Open(rawPath)
	switch {
	case err == nil:
		defer f.Close()
		in = f
	case os.IsNotExist(err):
		in = bytes.NewReader(nil)
	default:
		return Stats{}, fmt.Errorf("open raw ledger: %w", err)
	}

	records, stats, err := Canonicalize(in)
	if err != nil {
		return stats, err
	}

	dir := filepath.Dir(canonicalPath)
	tmp, err := os.CreateTemp(dir, ".canonical-*")
	if err != nil {
		return stats, fmt.Errorf("create temp canonical file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return stats, fmt.Errorf("marshal canonical record: %w", err)
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return stats, fmt.Errorf("flush canonical file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return stats, fmt.Errorf("sync canonical file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("close canonical file: %w", err)
	}
	if err := os.Rename(tmpName, canonicalPath); err != nil {
		return stats, fmt.Errorf("replace canonical file: %w", err)
	}

	// Best-effort stats sidecar so other processes (reconciler, metrics
	// exporter) can read the last run's health without re-canonicalizing.
	if b, err := json.Marshal(stats); err == nil {
		_ = os.WriteFile(statsSidecarPath(canonicalPath), b, 0o644)
	}
	return stats, nil
}

// LoadStats reads the stats sidecar written by the last CanonicalizeFile run.
func LoadStats(canonicalPath string) (Stats, error) {
	b, err := os.ReadFile(statsSidecarPath(canonicalPath))
	if err != nil {
		if os.IsNotExist(err) {
			return Stats{}, ErrNotFound
		}
		return Stats{}, err
	}
	var s Stats
	if err := json.Unmarshal(b, &s); err != nil {
		return Stats{}, fmt.Errorf("parse canonicalization stats: %w", err)
	}
	return s, nil
}

func statsSidecarPath(canonicalPath string) string {
	return canonicalPath + ".stats.json"
}

// ReadCanonical loads every record from a canonical ledger file. Canonical
// files are written by CanonicalizeFile, so malformed lines here indicate
// corruption and are surfaced, not skipped.
func ReadCanonical(path string) ([]DecisionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open canonical ledger: %w", err)
	}
	defer f.Close()

	var out []DecisionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec DecisionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("corrupt canonical ledger line: %w", err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan canonical ledger: %w", err)
	}
	return out, nil
}
