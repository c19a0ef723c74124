package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
)

var _ core.WorktreeManager = (*TaskWorktreeManager)(nil)

const worktreePrefix = "undercity-"

// TaskWorktreeManager gives every task its own worktree under baseDir,
// named deterministically from the task id so Get never has to scan.
type TaskWorktreeManager struct {
	git     *Client
	baseDir string
}

// NewTaskWorktreeManager creates a manager rooted under baseDir (created on
// first use). If baseDir is empty it defaults to <repo>/.worktrees.
func NewTaskWorktreeManager(git *Client, baseDir string) *TaskWorktreeManager {
	if baseDir == "" {
		baseDir = filepath.Join(git.RepoPath(), ".worktrees")
	}
	return &TaskWorktreeManager{git: git, baseDir: baseDir}
}

func (m *TaskWorktreeManager) pathFor(taskID core.TaskID) (string, error) {
	if err := validateTaskID(string(taskID)); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, worktreePrefix+string(taskID)), nil
}

func branchFor(taskID core.TaskID) string {
	return "undercity/" + string(taskID)
}

func validateTaskID(taskID string) error {
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return core.ErrValidation("WORKTREE_TASK_ID_REQUIRED", "task id required for worktree")
	}
	if strings.Contains(trimmed, "..") || strings.ContainsAny(trimmed, "/\\") {
		return core.ErrValidation("WORKTREE_TASK_ID_INVALID", "task id contains invalid path characters")
	}
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			continue
		}
		return core.ErrValidation("WORKTREE_TASK_ID_INVALID", "task id contains invalid characters")
	}
	return nil
}

// Create implements core.WorktreeManager.
func (m *TaskWorktreeManager) Create(ctx context.Context, taskID core.TaskID, baseRef string) (*core.Worktree, error) {
	path, err := m.pathFor(taskID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, core.ErrValidation("WORKTREE_EXISTS", fmt.Sprintf("worktree for task %s already exists", taskID))
	}

	branch := branchFor(taskID)
	if err := m.git.CreateWorktree(ctx, path, branch, baseRef); err != nil {
		return nil, err
	}

	baseSHA, err := m.git.RevParse(ctx, "HEAD")
	if err != nil {
		baseSHA = baseRef
	}

	return &core.Worktree{
		TaskID:    taskID,
		Path:      path,
		Branch:    branch,
		BaseSHA:   baseSHA,
		WorkerPID: os.Getpid(),
		CreatedAt: time.Now(),
	}, nil
}

// Get implements core.WorktreeManager.
func (m *TaskWorktreeManager) Get(ctx context.Context, taskID core.TaskID) (*core.Worktree, error) {
	path, err := m.pathFor(taskID)
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(path)
	if statErr != nil || !info.IsDir() {
		return nil, core.ErrNotFound("worktree", string(taskID))
	}

	all, err := m.git.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	for _, wt := range all {
		if samePath(wt.Path, path) {
			wt.TaskID = taskID
			return &wt, nil
		}
	}
	return nil, core.ErrNotFound("worktree", string(taskID))
}

// Remove implements core.WorktreeManager.
func (m *TaskWorktreeManager) Remove(ctx context.Context, taskID core.TaskID) error {
	path, err := m.pathFor(taskID)
	if err != nil {
		return err
	}
	return m.git.RemoveWorktree(ctx, path)
}

// List implements core.WorktreeManager, returning only worktrees this
// manager created (those living under baseDir).
func (m *TaskWorktreeManager) List(ctx context.Context) ([]*core.Worktree, error) {
	all, err := m.git.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}

	resolvedBase := resolvePath(m.baseDir)
	var managed []*core.Worktree
	for i := range all {
		wt := all[i]
		if !strings.HasPrefix(resolvePath(wt.Path), resolvedBase) {
			continue
		}
		name := filepath.Base(wt.Path)
		wt.TaskID = core.TaskID(strings.TrimPrefix(name, worktreePrefix))
		managed = append(managed, &wt)
	}
	return managed, nil
}

// CleanupOrphaned implements core.WorktreeManager: removes worktrees whose
// task is no longer in_progress (not present in activeTaskIDs) or whose
// recorded worker process has died.
func (m *TaskWorktreeManager) CleanupOrphaned(ctx context.Context, activeTaskIDs map[core.TaskID]bool) (int, error) {
	managed, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, wt := range managed {
		// A worktree listed from porcelain output carries no recorded pid;
		// an unknown pid never counts as dead.
		alive := wt.WorkerPID == 0 || processAlive(wt.WorkerPID)
		if activeTaskIDs[wt.TaskID] && alive {
			continue
		}
		if err := m.git.RemoveWorktree(ctx, wt.Path); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

func samePath(a, b string) bool {
	return resolvePath(a) == resolvePath(b)
}

func resolvePath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// processAlive reports whether pid names a live process. On unsupported
// platforms it conservatively assumes the process is alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
