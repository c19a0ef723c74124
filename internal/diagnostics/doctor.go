// Package diagnostics implements the `undercity doctor` preflight checks:
// disk space, git repository sanity, and grind-lock staleness.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// CheckStatus is the outcome of a single doctor check.
type CheckStatus string

const (
	StatusOK   CheckStatus = "ok"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// CheckResult reports one preflight check's outcome.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
}

// MinFreeDiskPercent is the free-space floor below which the disk check
// fails and `undercity doctor`/`undercity grind` should exit 3.
const MinFreeDiskPercent = 10.0

// CheckDiskSpace inspects the filesystem backing path and fails if less
// than MinFreeDiskPercent is free.
func CheckDiskSpace(path string) CheckResult {
	usage, err := disk.Usage(path)
	if err != nil {
		return CheckResult{Name: "disk_space", Status: StatusFail, Message: fmt.Sprintf("reading disk usage for %s: %v", path, err)}
	}
	free := 100 - usage.UsedPercent
	msg := fmt.Sprintf("%.1f%% free on %s (%.1f GB of %.1f GB used)", free, path,
		float64(usage.Used)/1024/1024/1024, float64(usage.Total)/1024/1024/1024)
	if free < MinFreeDiskPercent {
		return CheckResult{Name: "disk_space", Status: StatusFail, Message: msg}
	}
	return CheckResult{Name: "disk_space", Status: StatusOK, Message: msg}
}

// CheckGitRepo verifies repoPath looks like a usable git working tree.
func CheckGitRepo(repoPath string) CheckResult {
	info, err := os.Stat(filepath.Join(repoPath, ".git"))
	if err != nil {
		return CheckResult{Name: "git_repo", Status: StatusFail, Message: fmt.Sprintf("%s is not a git repository: %v", repoPath, err)}
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return CheckResult{Name: "git_repo", Status: StatusFail, Message: fmt.Sprintf("%s/.git is neither a directory nor a worktree pointer file", repoPath)}
	}
	return CheckResult{Name: "git_repo", Status: StatusOK, Message: fmt.Sprintf("%s is a git repository", repoPath)}
}

type lockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"startedAt"`
}

// CheckGrindLock reports whether a grind lock exists and, if so, whether
// it looks stale (holding process no longer alive).
func CheckGrindLock(stateDir string) CheckResult {
	path := filepath.Join(stateDir, "lockfile")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Name: "grind_lock", Status: StatusOK, Message: "no grind lock held"}
		}
		return CheckResult{Name: "grind_lock", Status: StatusFail, Message: fmt.Sprintf("reading lockfile: %v", err)}
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return CheckResult{Name: "grind_lock", Status: StatusWarn, Message: fmt.Sprintf("lockfile is unreadable: %v", err)}
	}
	if processAlive(info.PID) {
		return CheckResult{Name: "grind_lock", Status: StatusFail,
			Message: fmt.Sprintf("grind lock held by live PID %d on %s since %s", info.PID, info.Hostname, info.StartedAt)}
	}
	return CheckResult{Name: "grind_lock", Status: StatusWarn,
		Message: fmt.Sprintf("stale grind lock from dead PID %d (will be reclaimed on next grind)", info.PID)}
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
