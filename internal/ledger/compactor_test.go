package ledger_test

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/releasegate/releasegate/internal/ledger"
)

type fakeArchiver struct {
	calls    int
	lastKey  string
	lastBody []byte
}

func (f *fakeArchiver) ArchiveSegment(ctx context.Context, key string, body []byte) (string, error) {
	f.calls++
	f.lastKey = key
	f.lastBody = body
	return "s3://test-bucket/ledger/compaction/" + key + ".ndjson", nil
}

func TestCompactorArchivesAndSummarizes(t *testing.T) {
	fs, err := ledger.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	// Five verdicts from early 2025, split across two ISO weeks, plus one
	// recent record that must survive compaction untouched.
	score := 0.5
	oldTimes := []time.Time{
		time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 7, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC),
	}
	for _, ts := range oldTimes {
		rec := ledger.DecisionRecord{Timestamp: ts, Decision: ledger.DecisionGo, Score: &score}
		if err := fs.Append(ctx, &rec); err != nil {
			t.Fatalf("append old: %v", err)
		}
	}
	recent := ledger.DecisionRecord{Timestamp: time.Now().UTC().Add(-time.Hour), Decision: ledger.DecisionNoGo}
	if err := fs.Append(ctx, &recent); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	arch := &fakeArchiver{}
	compactor := ledger.NewCompactor(fs, arch, 90*24*time.Hour)
	if err := compactor.Run(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}

	if arch.calls != 1 {
		t.Fatalf("archiver called %d times, want 1", arch.calls)
	}
	if n := bytes.Count(arch.lastBody, []byte("\n")); n != len(oldTimes) {
		t.Fatalf("archived segment has %d lines, want %d", n, len(oldTimes))
	}

	records, err := fs.Records()
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	// Two weekly summaries, the recent verdict, and one compaction marker.
	if len(records) != 4 {
		t.Fatalf("post-compaction ledger has %d records, want 4: %+v", len(records), records)
	}

	var summaries, markers int
	for _, rec := range records {
		switch rec.Metadata["kind"] {
		case "weekly-summary":
			summaries++
			if rec.Decision != ledger.DecisionContinue {
				t.Fatalf("summary decision = %s, want CONTINUE", rec.Decision)
			}
			if rec.Metadata["count_GO"] == "" || rec.Metadata["count_total"] == "" {
				t.Fatalf("summary metadata incomplete: %v", rec.Metadata)
			}
			if rec.Score == nil || *rec.Score != score {
				t.Fatalf("summary score = %v, want %v", rec.Score, score)
			}
		case "compaction":
			markers++
			if got, _ := strconv.Atoi(rec.Metadata["archived"]); got != len(oldTimes) {
				t.Fatalf("marker archived count = %v, want %d", rec.Metadata["archived"], len(oldTimes))
			}
			if rec.Metadata["object"] == "" {
				t.Fatal("marker missing archive object URI")
			}
		}
	}
	if summaries != 2 || markers != 1 {
		t.Fatalf("summaries=%d markers=%d, want 2 and 1", summaries, markers)
	}

	// The old raw verdicts must be gone from the ledger proper.
	for _, rec := range records {
		if rec.Metadata["kind"] == "" && rec.Decision == ledger.DecisionGo {
			t.Fatalf("old verdict survived compaction: %+v", rec)
		}
	}
}

func TestCompactorIdempotentWhenNothingOld(t *testing.T) {
	fs, err := ledger.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	rec := ledger.DecisionRecord{Timestamp: time.Now().UTC(), Decision: ledger.DecisionGo}
	if err := fs.Append(ctx, &rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	arch := &fakeArchiver{}
	compactor := ledger.NewCompactor(fs, arch, 90*24*time.Hour)
	for i := 0; i < 2; i++ {
		if err := compactor.Run(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if arch.calls != 0 {
		t.Fatalf("archiver called %d times for a fresh ledger, want 0", arch.calls)
	}
}

func TestCompactorDisabledWithoutArchiver(t *testing.T) {
	fs, err := ledger.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	old := ledger.DecisionRecord{Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Decision: ledger.DecisionGo}
	if err := fs.Append(ctx, &old); err != nil {
		t.Fatalf("append: %v", err)
	}

	compactor := ledger.NewCompactor(fs, nil, time.Hour)
	if err := compactor.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := fs.Canonicalize(ctx); err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	records, err := fs.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("nil archiver must not remove records; got %d", len(records))
	}
}
