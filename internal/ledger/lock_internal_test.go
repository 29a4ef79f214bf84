package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStealLockRemovesObservedFile(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockFileName)
	if err := os.WriteFile(lockPath, []byte("crashed\n"), 0o644); err != nil {
		t.Fatalf("plant lock: %v", err)
	}
	stale := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(lockPath, stale, stale); err != nil {
		t.Fatalf("age lock: %v", err)
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		t.Fatalf("stat lock: %v", err)
	}

	if !stealLock(lockPath, info.ModTime()) {
		t.Fatal("steal of an observed stale lock must succeed")
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after steal: %v", err)
	}
}

func TestStealLockHandsBackReplacedFile(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockFileName)
	if err := os.WriteFile(lockPath, []byte("successor\n"), 0o644); err != nil {
		t.Fatalf("plant lock: %v", err)
	}

	// The caller observed a stale mtime, but by the time the steal runs the
	// file at lockPath is a different, live lock. The steal must notice the
	// mismatch and put the file back instead of deleting it.
	observed := time.Now().Add(-time.Hour)
	if stealLock(lockPath, observed) {
		t.Fatal("steal must fail when the lock is not the one observed")
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("live lock was not handed back: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries after failed steal, want only the lock", len(entries))
	}
}
