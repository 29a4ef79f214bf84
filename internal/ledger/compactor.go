package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"time"
)

const metaKindKey = "kind"

const (
	kindWeeklySummary = "weekly-summary"
	kindCompaction    = "compaction"
)

// Compactor rolls records older than the retention window into weekly
// summary records. The originals are archived to object storage and their
// removal is recorded by an explicit compaction record; nothing is deleted
// silently.
type Compactor struct {
	store     *FileStore
	archiver  Archiver
	retention time.Duration
	now       func() time.Time
}

// NewCompactor builds a compactor over a file store. A nil archiver disables
// compaction (Run becomes a no-op) since archiving is what makes the removal
// recoverable.
func NewCompactor(store *FileStore, archiver Archiver, retention time.Duration) *Compactor {
	return &Compactor{store: store, archiver: archiver, retention: retention, now: time.Now}
}

// Run performs at most one compaction pass.
func (c *Compactor) Run(ctx context.Context) error {
	if c.archiver == nil {
		return nil
	}
	unlock, err := c.store.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	records, err := c.canonicalRaw()
	if err != nil {
		return err
	}

	cutoff := c.now().UTC().Add(-c.retention)
	var old, keep []DecisionRecord
	for _, rec := range records {
		// Summaries and compaction markers are kept forever.
		if rec.Metadata[metaKindKey] == kindWeeklySummary || rec.Metadata[metaKindKey] == kindCompaction {
			keep = append(keep, rec)
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			old = append(old, rec)
		} else {
			keep = append(keep, rec)
		}
	}
	if len(old) == 0 {
		return nil
	}

	segment, err := marshalSegment(old)
	if err != nil {
		return err
	}
	segmentKey := fmt.Sprintf("%s-%s", old[0].Timestamp.UTC().Format("20060102"),
		old[len(old)-1].Timestamp.UTC().Format("20060102"))
	uri, err := c.archiver.ArchiveSegment(ctx, segmentKey, segment)
	if err != nil {
		return fmt.Errorf("archive before compaction: %w", err)
	}

	// Canonicalization keeps one record per second, so the generated records
	// must not land on a second a kept record already occupies: the dedupe
	// would silently drop one of the two.
	used := make(map[int64]struct{}, len(keep))
	for _, rec := range keep {
		used[rec.Timestamp.Unix()] = struct{}{}
	}

	summaries := summarizeWeekly(old)
	for i := range summaries {
		summaries[i].Timestamp = nextFreeSecond(summaries[i].Timestamp, used)
	}
	marker := DecisionRecord{
		Timestamp: nextFreeSecond(c.now(), used),
		Decision:  DecisionContinue,
		Metadata: map[string]string{
			metaKindKey: kindCompaction,
			"archived":  strconv.Itoa(len(old)),
			"object":    uri,
		},
	}

	next := make([]DecisionRecord, 0, len(summaries)+len(keep)+1)
	next = append(next, summaries...)
	next = append(next, keep...)
	next = append(next, marker)
	sort.Slice(next, func(i, j int) bool {
		if !next[i].Timestamp.Equal(next[j].Timestamp) {
			return next[i].Timestamp.Before(next[j].Timestamp)
		}
		return next[i].Sequence < next[j].Sequence
	})
	for i := range next {
		next[i].Sequence = uint64(i + 1)
	}
	c.store.nextSeq = uint64(len(next) + 1)

	if err := c.rewriteRaw(next); err != nil {
		return err
	}
	if _, err := CanonicalizeFile(c.store.RawPath(), c.store.CanonicalPath()); err != nil {
		return err
	}
	log.Printf("[ledger.compactor] archived %d records to %s, wrote %d summaries", len(old), uri, len(summaries))
	return nil
}

// canonicalRaw canonicalizes the current raw stream in memory without
// touching the canonical file.
func (c *Compactor) canonicalRaw() ([]DecisionRecord, error) {
	f, err := os.Open(c.store.RawPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open raw ledger: %w", err)
	}
	defer f.Close()
	records, _, err := Canonicalize(f)
	return records, err
}

func (c *Compactor) rewriteRaw(records []DecisionRecord) error {
	tmp, err := os.CreateTemp(c.store.dir, ".raw-compact-*")
	if err != nil {
		return fmt.Errorf("create temp raw file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal compacted record: %w", err)
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush compacted raw file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync compacted raw file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, c.store.RawPath()); err != nil {
		return fmt.Errorf("replace raw ledger: %w", err)
	}
	return nil
}

// summarizeWeekly collapses records into one summary record per ISO week.
func summarizeWeekly(records []DecisionRecord) []DecisionRecord {
	type bucket struct {
		last     time.Time
		counts   map[Decision]int
		scoreSum float64
		scoreN   int
	}
	buckets := make(map[string]*bucket)
	for _, rec := range records {
		year, week := rec.Timestamp.UTC().ISOWeek()
		key := fmt.Sprintf("%04d-W%02d", year, week)
		b := buckets[key]
		if b == nil {
			b = &bucket{counts: make(map[Decision]int)}
			buckets[key] = b
		}
		b.counts[rec.Decision]++
		if rec.Timestamp.After(b.last) {
			b.last = rec.Timestamp
		}
		if rec.Score != nil {
			b.scoreSum += *rec.Score
			b.scoreN++
		}
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]DecisionRecord, 0, len(keys))
	for _, key := range keys {
		b := buckets[key]
		meta := map[string]string{
			metaKindKey: kindWeeklySummary,
			"week":      key,
		}
		total := 0
		for d, n := range b.counts {
			meta["count_"+string(d)] = strconv.Itoa(n)
			total += n
		}
		meta["count_total"] = strconv.Itoa(total)
		rec := DecisionRecord{
			Timestamp: b.last,
			Decision:  DecisionContinue,
			Metadata:  meta,
		}
		if b.scoreN > 0 {
			mean := b.scoreSum / float64(b.scoreN)
			rec.Score = &mean
		}
		out = append(out, rec)
	}
	return out
}

// nextFreeSecond returns the first whole second at or after ts that no
// surviving record occupies, and claims it.
func nextFreeSecond(ts time.Time, used map[int64]struct{}) time.Time {
	ts = ts.UTC().Truncate(time.Second)
	for {
		if _, taken := used[ts.Unix()]; !taken {
			used[ts.Unix()] = struct{}{}
			return ts
		}
		ts = ts.Add(time.Second)
	}
}

func marshalSegment(records []DecisionRecord) ([]byte, error) {
	var buf []byte
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal archive record: %w", err)
		}
		buf = append(buf, b...)
		buf = append(buf, '\n')
	}
	return buf, nil
}
