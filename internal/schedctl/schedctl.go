// Package schedctl abstracts the scheduling substrate (systemd timers, cron
// entries) so the reconciler can re-enable disabled triggers without knowing
// how they are implemented.
package schedctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Control is the narrow surface the reconciler needs. Enable must be
// idempotent: calling it on an already-enabled timer is a no-op.
type Control interface {
	Enabled(ctx context.Context, name string) (bool, error)
	Enable(ctx context.Context, name string) error
}

// LocalControl is an in-memory double for tests and single-process runs.
type LocalControl struct {
	mu    sync.Mutex
	state map[string]bool
}

// NewLocalControl starts with the given timers enabled.
func NewLocalControl(enabled ...string) *LocalControl {
	state := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		state[name] = true
	}
	return &LocalControl{state: state}
}

func (c *LocalControl) Enabled(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[name], nil
}

func (c *LocalControl) Enable(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[name] = true
	return nil
}

// Disable exists for tests that simulate drift.
func (c *LocalControl) Disable(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[name] = false
}

// FileControl persists timer state as marker files so enablement survives
// restarts and is visible to sibling processes. A missing marker means
// disabled.
type FileControl struct {
	dir string
}

// NewFileControl ensures the marker directory exists.
func NewFileControl(dir string) (*FileControl, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scheduler state dir: %w", err)
	}
	return &FileControl{dir: dir}, nil
}

func (c *FileControl) markerPath(name string) string {
	return filepath.Join(c.dir, name+".enabled")
}

func (c *FileControl) Enabled(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(c.markerPath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat scheduler marker: %w", err)
}

func (c *FileControl) Enable(ctx context.Context, name string) error {
	f, err := os.OpenFile(c.markerPath(name), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("enable scheduler %s: %w", name, err)
	}
	return f.Close()
}
