package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	rawFileName       = "decisions.raw.ndjson"
	canonicalFileName = "decisions.ndjson"
	lockFileName      = "decisions.lock"

	lockPollInterval = 25 * time.Millisecond
	lockStaleAfter   = 30 * time.Second
)

// FileStore is the durable, append-only file backend for the decision
/// ledger: a raw append target plus a canonical file produced by
// canonicalization. All writers serialize through a lock file so concurrent
// cycles (and concurrent processes) never interleave partial writes.
type FileStore struct {
	dir string

	mu      sync.Mutex
	nextSeq uint64
}

// NewFileStore opens (creating if needed) a file-backed ledger in dir and
// seeds the per-writer sequence counter from the existing raw stream.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	fs := &FileStore{dir: dir, nextSeq: 1}
	if seq, ok := fs.scanMaxSequence(); ok {
		fs.nextSeq = seq + 1
	}
	return fs, nil
}

// RawPath returns the raw (pre-canonicalization) append target.
func (fs *FileStore) RawPath() string { return filepath.Join(fs.dir, rawFileName) }

// CanonicalPath returns the canonical ledger file.
func (fs *FileStore) CanonicalPath() string { return filepath.Join(fs.dir, canonicalFileName) }

// Append durably appends exactly one record to the raw stream. The record's
// sequence is assigned here; its timestamp is normalized to UTC seconds.
// Lock acquisition is time-boxed by ctx so a stuck cycle cannot starve other
// writers indefinitely; ErrLockBusy is returned on timeout.
func (fs *FileStore) Append(ctx context.Context, rec *DecisionRecord) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refuse to append invalid record: %w", err)
	}

	unlock, err := fs.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec.Sequence = fs.nextSeq
	fs.nextSeq++

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(fs.RawPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open raw ledger: %w", err)
	}
	// One write call per record keeps appends atomic from a reader's view.
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync raw ledger: %w", err)
	}
	return f.Close()
}

// Canonicalize runs a canonicalization pass over the raw stream under the
// ledger lock and atomically replaces the canonical file.
func (fs *FileStore) Canonicalize(ctx context.Context) (Stats, error) {
	unlock, err := fs.acquire(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer unlock()
	return CanonicalizeFile(fs.RawPath(), fs.CanonicalPath())
}

// Records returns the canonical ledger contents.
func (fs *FileStore) Records() ([]DecisionRecord, error) {
	return ReadCanonical(fs.CanonicalPath())
}

// LastRecord returns the newest canonical record. verdictsOnly restricts the
// scan to real GO/NO-GO/REVIEW/HOLD verdicts, skipping liveness records.
func (fs *FileStore) LastRecord(verdictsOnly bool) (DecisionRecord, error) {
	records, err := fs.Records()
	if err != nil {
		return DecisionRecord{}, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if verdictsOnly && !records[i].Decision.Verdict() {
			continue
		}
		return records[i], nil
	}
	return DecisionRecord{}, ErrNotFound
}

// acquire takes both the in-process mutex and the cross-process lock file.
// It polls until ctx expires; a lock file older than lockStaleAfter is
// treated as abandoned by a crashed writer and stolen.
func (fs *FileStore) acquire(ctx context.Context) (func(), error) {
	locked := make(chan struct{})
	go func() {
		fs.mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		// The goroutine will take and immediately release the mutex.
		go func() { <-locked; fs.mu.Unlock() }()
		return nil, fmt.Errorf("%w: %v", ErrLockBusy, ctx.Err())
	}

	lockPath := filepath.Join(fs.dir, lockFileName)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			f.Close()
			return func() {
				os.Remove(lockPath)
				fs.mu.Unlock()
			}, nil
		}
		if !os.IsExist(err) {
			fs.mu.Unlock()
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			if stealLock(lockPath, info.ModTime()) {
				continue
			}
		}
		select {
		case <-ctx.Done():
			fs.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrLockBusy, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// stealLock removes an abandoned lock file. A bare Remove would race: two
// contenders can both observe the same stale lock, one steals and re-creates
// it, and the other's queued Remove then deletes the winner's live lock. The
// rename to a contender-unique name is atomic, so only one steal of a given
// lock file can succeed; the mtime check catches the remaining window where
// the renamed file is already a successor's fresh lock, which is handed back.
func stealLock(lockPath string, seen time.Time) bool {
	claimed := fmt.Sprintf("%s.stale-%d-%d", lockPath, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(lockPath, claimed); err != nil {
		return false
	}
	if info, err := os.Stat(claimed); err == nil && info.ModTime().Equal(seen) {
		os.Remove(claimed)
		return true
	}
	if err := os.Rename(claimed, lockPath); err != nil {
		os.Remove(claimed)
	}
	return false
}

func (fs *FileStore) scanMaxSequence() (uint64, bool) {
	f, err := os.Open(fs.RawPath())
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var max uint64
	found := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw rawLine
		if json.Unmarshal(line, &raw) != nil {
			continue
		}
		if raw.Seq >= max {
			max = raw.Seq
			found = true
		}
	}
	return max, found
}
