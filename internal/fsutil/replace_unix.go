//go:build !windows

package fsutil

import "github.com/google/renameio/v2"

// replaceFile swaps path to data via renameio's temp-file-then-rename,
// which keeps the rename atomic even across a crash mid-write.
func replaceFile(path string, data []byte) error {
	return renameio.WriteFile(path, data, statePerm)
}
