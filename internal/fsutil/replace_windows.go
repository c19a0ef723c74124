//go:build windows

package fsutil

import (
	"os"
	"path/filepath"
	"time"
)

// replaceFile swaps path to data via a temp file in the same directory.
// renameio is Unix-only, and Windows refuses to rename over a file another
// process holds open (the status CLI may be reading tasks.json while the
// grind loop rewrites it), so the rename retries briefly with the
// destination removed once.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".swap-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		return writeErr
	}
	if closeErr != nil {
		return closeErr
	}
	if err := os.Chmod(tmpPath, statePerm); err != nil {
		return err
	}

	var lastErr error
	removedDest := false
	for wait := time.Millisecond; wait < 200*time.Millisecond; wait *= 2 {
		if lastErr = os.Rename(tmpPath, path); lastErr == nil {
			return nil
		}
		if !removedDest {
			_ = os.Remove(path)
			removedDest = true
			continue
		}
		time.Sleep(wait)
	}
	return lastErr
}
