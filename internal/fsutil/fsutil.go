// Package fsutil reads and writes the engine's on-disk state files
// (tasks.json, governor snapshot, live-metrics, lock files): small JSON
// documents that must never be observed half-written, never be replaced by
// a symlink pointing elsewhere, and never balloon past the size a state
// file can plausibly have.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// MaxStateFileSize caps how much ReadStateFile will load. State files are
// small JSON documents; anything in the tens of megabytes is corruption or
// tampering, not backlog.
const MaxStateFileSize int64 = 16 << 20

// statePerm is the mode every state file is written with. State files
// carry task content and token-usage data, so they are owner-only.
const statePerm os.FileMode = 0o600

// ReadStateFile reads one state file. The final path component must be a
// regular file, not a symlink (a lockfile swapped for a symlink by another
// process must not redirect the read), and no larger than
// MaxStateFileSize.
func ReadStateFile(path string) ([]byte, error) {
	if filepath.Base(filepath.Clean(path)) == "." {
		return nil, fmt.Errorf("invalid state file path: %q", path)
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("state file %s is a symlink, refusing to follow it", path)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("state file %s is not a regular file", path)
	}
	if info.Size() > MaxStateFileSize {
		return nil, fmt.Errorf("state file %s is %d bytes, over the %d-byte ceiling", path, info.Size(), MaxStateFileSize)
	}

	return os.ReadFile(path)
}

// WriteStateFile atomically replaces the state file at path with data,
// creating the parent directory if needed. Readers see either the previous
// content or the new content, never a partial write; the rename is the
// serialisation point for every state file the engine shares between
// actors.
func WriteStateFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating state directory for %s: %w", path, err)
	}
	return replaceFile(path, data)
}
