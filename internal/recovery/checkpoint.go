// Package recovery decides, once at early boot, whether the previous
// staged activation must be kept or rolled back, and performs the revert.
package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Checkpoint is the boot-checkpoint collaborator. It reports whether the
// prior boot was confirmed committed and lets the daemon open a checkpoint
// window for a pending staged activation.
type Checkpoint interface {
	// Supported reports whether checkpointing is available on this system.
	Supported() bool
	// IsBootCommitted reports whether the current boot has been confirmed.
	IsBootCommitted() (bool, error)
	// Start opens a checkpoint window allowing the given number of boot
	// attempts before the system rolls back on its own.
	Start(retries int) error
	// Abort closes the window early, recording why.
	Abort(msg string) error
}

// FileCheckpoint is a marker-file checkpoint backend: an external boot
// confirmer writes "committed" under Dir once the boot is accepted.
type FileCheckpoint struct {
	Dir string
}

func (c FileCheckpoint) Supported() bool {
	return c.Dir != ""
}

func (c FileCheckpoint) IsBootCommitted() (bool, error) {
	_, err := os.Stat(filepath.Join(c.Dir, "committed"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("read checkpoint state: %w", err)
}

func (c FileCheckpoint) Start(retries int) error {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("start checkpoint: %w", err)
	}
	path := filepath.Join(c.Dir, "active")
	if err := os.WriteFile(path, []byte(strconv.Itoa(retries)+"\n"), 0644); err != nil {
		return fmt.Errorf("start checkpoint: %w", err)
	}
	return nil
}

func (c FileCheckpoint) Abort(msg string) error {
	if err := os.Remove(filepath.Join(c.Dir, "active")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("abort checkpoint: %w", err)
	}
	path := filepath.Join(c.Dir, "aborted")
	if err := os.WriteFile(path, []byte(msg+"\n"), 0644); err != nil {
		return fmt.Errorf("abort checkpoint: %w", err)
	}
	return nil
}

// NoopCheckpoint is used when no checkpoint service exists: every boot
// counts as committed, so staged sessions are never auto-reverted.
type NoopCheckpoint struct{}

func (NoopCheckpoint) Supported() bool                { return false }
func (NoopCheckpoint) IsBootCommitted() (bool, error) { return true, nil }
func (NoopCheckpoint) Start(int) error                { return nil }
func (NoopCheckpoint) Abort(string) error             { return nil }
