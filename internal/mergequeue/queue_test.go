package mergequeue

import (
	"context"
	"testing"
	"time"

	gitadapter "github.com/justinstimatze/undercity/internal/adapters/git"
	"github.com/justinstimatze/undercity/internal/core"
)

// fakeGit implements core.GitClient with configurable rebase/merge behavior
// and no-op stubs for everything the merge queue doesn't exercise directly.
type fakeGit struct {
	rebaseConflictFor map[string]bool // branch -> force a conflict once
	ffFailFor         map[string]bool
	mergedSHAs        []string
}

var _ core.GitClient = (*fakeGit)(nil)

func newFakeGit() *fakeGit {
	return &fakeGit{rebaseConflictFor: map[string]bool{}, ffFailFor: map[string]bool{}}
}

func (f *fakeGit) RepoRoot(context.Context) (string, error)        { return "/repo", nil }
func (f *fakeGit) RevParse(_ context.Context, ref string) (string, error) {
	return "sha-" + ref, nil
}
func (f *fakeGit) CurrentBranch(context.Context) (string, error) { return "main", nil }
func (f *fakeGit) Fetch(context.Context, string, string) error  { return nil }
func (f *fakeGit) CreateWorktree(context.Context, string, string, string) error { return nil }
func (f *fakeGit) RemoveWorktree(context.Context, string) error                { return nil }
func (f *fakeGit) ListWorktrees(context.Context) ([]core.Worktree, error)      { return nil, nil }

func (f *fakeGit) Rebase(_ context.Context, worktreePath, ontoRef string) ([]string, error) {
	branch := worktreePath
	if f.rebaseConflictFor[branch] {
		delete(f.rebaseConflictFor, branch)
		return []string{"conflicted.go"}, gitadapter.ErrRebaseConflict
	}
	return nil, nil
}
func (f *fakeGit) AbortRebase(context.Context, string) error { return nil }

func (f *fakeGit) MergeFastForward(_ context.Context, sha string) error {
	if f.ffFailFor[sha] {
		return gitadapter.ErrMergeConflict
	}
	f.mergedSHAs = append(f.mergedSHAs, sha)
	return nil
}

func (f *fakeGit) StashPush(context.Context, string) (bool, error) { return false, nil }
func (f *fakeGit) StashPop(context.Context) error                  { return nil }
func (f *fakeGit) Checkout(context.Context, string) error          { return nil }
func (f *fakeGit) Commit(context.Context, string, string) (string, error) {
	return "committed-sha", nil
}
func (f *fakeGit) Push(context.Context, string, string, string) error { return nil }
func (f *fakeGit) ModifiedFiles(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (f *fakeGit) Log(context.Context, int) ([]core.CommitInfo, error) { return nil, nil }
func (f *fakeGit) IsClean(context.Context) (bool, error)               { return true, nil }

// fakeWorktrees maps a task id straight to a worktree whose Path is the
// branch name, so fakeGit.Rebase above can key off it directly.
type fakeWorktrees struct {
	branches map[core.TaskID]string
}

var _ core.WorktreeManager = (*fakeWorktrees)(nil)

func (f *fakeWorktrees) Create(_ context.Context, taskID core.TaskID, _ string) (*core.Worktree, error) {
	return &core.Worktree{TaskID: taskID, Path: f.branches[taskID]}, nil
}
func (f *fakeWorktrees) Get(_ context.Context, taskID core.TaskID) (*core.Worktree, error) {
	path, ok := f.branches[taskID]
	if !ok {
		return nil, core.ErrNotFound("worktree", string(taskID))
	}
	return &core.Worktree{TaskID: taskID, Path: path}, nil
}
func (f *fakeWorktrees) Remove(context.Context, core.TaskID) error { return nil }
func (f *fakeWorktrees) List(context.Context) ([]*core.Worktree, error) { return nil, nil }
func (f *fakeWorktrees) CleanupOrphaned(context.Context, map[core.TaskID]bool) (int, error) {
	return 0, nil
}

type fakeVerifier struct{ passed bool }

func (v *fakeVerifier) Run(context.Context, string) (*core.VerifyResult, error) {
	return &core.VerifyResult{Passed: v.passed, Output: "test output"}, nil
}

func TestMergeQueue_SuccessfulMergeAdvancesMainMonotonically(t *testing.T) {
	git := newFakeGit()
	worktrees := &fakeWorktrees{branches: map[core.TaskID]string{"t1": "feature/t1"}}
	q := New("/repo", git, worktrees, &fakeVerifier{passed: true}, nil, DefaultConfig(), nil)
	defer q.Stop()

	if err := q.Enqueue("feature/t1", "t1", "agent-1", []string{"a.go"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForStats(t, q, func(s Stats) bool { return s.TotalMerges == 1 })

	stats := q.Stats()
	if stats.SuccessfulMerges != 1 {
		t.Fatalf("expected 1 successful merge, got %+v", stats)
	}
	if len(git.mergedSHAs) != 1 {
		t.Fatalf("expected exactly one fast-forward merge call, got %v", git.mergedSHAs)
	}
}

func TestMergeQueue_ConflictRetriesThenAbandonsAfterMaxRetries(t *testing.T) {
	git := newFakeGit()
	git.rebaseConflictFor["feature/t1"] = true // only one scripted conflict; retries thereafter succeed is not the point here
	worktrees := &fakeWorktrees{branches: map[core.TaskID]string{"t1": "feature/t1"}}
	q := New("/repo", git, worktrees, &fakeVerifier{passed: true}, nil, DefaultConfig(), nil)
	defer q.Stop()

	if err := q.Enqueue("feature/t1", "t1", "agent-1", []string{"a.go"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The item conflicts once; nothing promotes it again until another item
	// merges successfully, so it should sit in "conflict" status.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		failed := q.GetFailed()
		if len(failed) > 0 {
			t.Fatalf("item should not be failed yet, still awaiting promotion: %+v", failed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMergeQueue_EnqueueRejectsDuplicateBranch(t *testing.T) {
	git := newFakeGit()
	worktrees := &fakeWorktrees{branches: map[core.TaskID]string{"t1": "feature/t1", "t2": "feature/t1"}}
	q := New("/repo", git, worktrees, &fakeVerifier{passed: true}, nil, DefaultConfig(), nil)
	defer q.Stop()

	_ = q.Enqueue("feature/t1", "t1", "agent-1", []string{"a.go"})
	err := q.Enqueue("feature/t1", "t2", "agent-2", []string{"b.go"})
	if err == nil {
		t.Fatalf("expected duplicate branch enqueue to be rejected")
	}
}

func TestMergeQueue_DetectQueueConflicts(t *testing.T) {
	git := newFakeGit()
	worktrees := &fakeWorktrees{branches: map[core.TaskID]string{}}
	// Populate pending directly rather than via Enqueue, since the drain
	// goroutine would otherwise race ahead and process items immediately.
	q := New("/repo", git, worktrees, &fakeVerifier{passed: true}, nil, DefaultConfig(), nil)
	defer q.Stop()

	q.mu.Lock()
	q.pending = []*core.QueueItem{
		{Branch: "a", ModifiedFiles: []string{"x.go", "y.go"}},
		{Branch: "b", ModifiedFiles: []string{"y.go", "z.go"}},
		{Branch: "c", ModifiedFiles: []string{"q.go"}},
	}
	q.mu.Unlock()

	pairs := q.DetectQueueConflicts()
	if len(pairs) != 1 {
		t.Fatalf("expected exactly one conflicting pair, got %+v", pairs)
	}
	if pairs[0].A != "a" || pairs[0].B != "b" || len(pairs[0].Overlapping) != 1 || pairs[0].Overlapping[0] != "y.go" {
		t.Fatalf("unexpected conflict pair: %+v", pairs[0])
	}

	conflicting := q.CheckConflictsBeforeAdd([]string{"z.go"})
	if len(conflicting) != 1 || conflicting[0] != "b" {
		t.Fatalf("expected branch b to conflict on z.go, got %v", conflicting)
	}
}

func waitForStats(t *testing.T, q *MergeQueue, ready func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ready(q.Stats()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for queue stats, last: %+v", q.Stats())
}
