// Package enginelock implements the single global "grind lock" file: it
// prevents two engine instances from running concurrently against the same
// repository. The pattern mirrors internal/taskstore's own advisory lock
// file (PID + timestamp, stale locks reclaimed once the holding process is
// confirmed dead) but guards the whole grind loop rather than just the
// task backlog.
package enginelock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
	"github.com/justinstimatze/undercity/internal/fsutil"
)

// info identifies the process holding the grind lock.
type info struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock is a held grind lock; Release must be called to unlink it.
type Lock struct {
	path string
}

// Acquire takes the exclusive grind lock at <stateDir>/lockfile. A lock
// held by a process that is no longer alive, or older than ttl, is
// reclaimed automatically. Returns a core.DomainError with
// core.CodeLockHeld if another live instance holds the lock.
func Acquire(stateDir string, ttl time.Duration) (*Lock, error) {
	path := filepath.Join(stateDir, "lockfile")
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	if data, err := fsutil.ReadStateFile(path); err == nil {
		var held info
		if err := json.Unmarshal(data, &held); err == nil {
			if time.Since(held.StartedAt) < ttl && processAlive(held.PID) {
				return nil, core.ErrState(core.CodeLockHeld,
					fmt.Sprintf("grind lock held by PID %d on %s since %s", held.PID, held.Hostname, held.StartedAt))
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale grind lock: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	data, err := json.Marshal(info{PID: os.Getpid(), Hostname: hostname, StartedAt: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("marshaling grind lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, core.ErrState(core.CodeLockHeld, "grind lock file created by another process")
		}
		return nil, fmt.Errorf("creating grind lock: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("writing grind lock: %w", err)
	}

	return &Lock{path: path}, nil
}

// Release unlinks the grind lock if this process still owns it.
func (l *Lock) Release() error {
	data, err := fsutil.ReadStateFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading grind lock: %w", err)
	}

	var held info
	if err := json.Unmarshal(data, &held); err != nil {
		return fmt.Errorf("parsing grind lock: %w", err)
	}
	if held.PID != os.Getpid() {
		return core.ErrState(core.CodeLockHeld, "grind lock owned by a different process")
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing grind lock: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	if runtime.GOOS == "windows" && pid == os.Getpid() {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
