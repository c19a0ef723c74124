package taskstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/justinstimatze/undercity/internal/core"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	s, err := New(path, nil)
	require.NoError(t, err)
	return s, path
}

func TestAdd_PersistsAcrossReopen(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, core.NewTask("T1", "add helper in util", 500)))

	reopened, err := New(path, nil)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, "add helper in util", got.Objective)
	require.Equal(t, core.TaskStatusPending, got.Status)
}

func TestAdd_RejectsDuplicateAndInvalidTasks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, core.NewTask("T1", "first", 500)))
	err := s.Add(ctx, core.NewTask("T1", "second", 500))
	require.Error(t, err)
	require.True(t, core.IsCategory(err, core.ErrCatValidation))

	err = s.Add(ctx, core.NewTask("", "no id", 500))
	require.Error(t, err)
	err = s.Add(ctx, core.NewTask("T2", "", 500))
	require.Error(t, err)
}

func TestList_SortsByPriorityAscendingThenID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, core.NewTask("b", "low priority", 900)))
	require.NoError(t, s.Add(ctx, core.NewTask("c", "high priority", 100)))
	require.NoError(t, s.Add(ctx, core.NewTask("a", "also low", 900)))

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, core.TaskID("c"), tasks[0].ID)
	require.Equal(t, core.TaskID("a"), tasks[1].ID)
	require.Equal(t, core.TaskID("b"), tasks[2].ID)
}

func TestMarkCompleteAndMarkFailed_RequireInProgress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, core.NewTask("T1", "something", 500)))

	require.Error(t, s.MarkComplete(ctx, "T1"), "pending task must not complete directly")
	require.Error(t, s.MarkFailed(ctx, "T1", "boom"))

	require.NoError(t, s.UpdateStatus(ctx, "T1", core.TaskStatusInProgress))
	require.NoError(t, s.MarkComplete(ctx, "T1"))

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, core.TaskStatusComplete, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestAppendAttempt_AssignsDenseSequenceNumbers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, core.NewTask("T1", "something", 500)))
	require.NoError(t, s.AppendAttempt(ctx, "T1", core.Attempt{Tier: core.TierSmall, Outcome: core.OutcomeVerificationFailed}))
	require.NoError(t, s.AppendAttempt(ctx, "T1", core.Attempt{Tier: core.TierMedium, Outcome: core.OutcomeSuccess}))

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, got.Attempts, 2)
	require.Equal(t, 1, got.Attempts[0].Sequence)
	require.Equal(t, 2, got.Attempts[1].Sequence)
}

func TestSetParent_RequiresBothTasks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, core.NewTask("parent", "big thing", 500)))
	require.NoError(t, s.Add(ctx, core.NewTask("child", "small thing", 500)))

	require.Error(t, s.SetParent(ctx, "child", "nope"))
	require.NoError(t, s.SetParent(ctx, "child", "parent"))

	got, err := s.Get(ctx, "child")
	require.NoError(t, err)
	require.Equal(t, core.TaskID("parent"), got.ParentTaskID)
}

// The on-disk file must always be a parseable envelope whose checksum
// matches its task set, whatever sequence of mutations preceded the read.
func TestPersist_FileIsAlwaysParseableWithValidChecksum(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, core.NewTask("T1", "one", 500)))
	require.NoError(t, s.UpdateStatus(ctx, "T1", core.TaskStatusInProgress))
	require.NoError(t, s.AppendAttempt(ctx, "T1", core.Attempt{Outcome: core.OutcomeSuccess}))
	require.NoError(t, s.MarkComplete(ctx, "T1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	sum, err := checksumOf(env.Tasks)
	require.NoError(t, err)
	require.Equal(t, env.Checksum, sum)
}

func TestLoad_CorruptFileFallsBackToBackup(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, core.NewTask("T1", "one", 500)))
	// A second mutation snapshots the first state into tasks.json.bak.
	require.NoError(t, s.Add(ctx, core.NewTask("T2", "two", 500)))

	require.NoError(t, os.WriteFile(path, []byte(`{"tasks": truncated`), 0o600))

	reopened, err := New(path, nil)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, "one", got.Objective)
}

func TestLoad_InvalidStatusIsALoadTimeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")

	tasks := map[core.TaskID]*core.Task{
		"T1": {ID: "T1", Objective: "bad status", Status: "exploded", Priority: 500, CreatedAt: time.Now()},
	}
	sum, err := checksumOf(tasks)
	require.NoError(t, err)
	data, err := json.Marshal(envelope{Version: 1, Checksum: sum, UpdatedAt: time.Now(), Tasks: tasks})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = New(path, nil)
	require.Error(t, err)
	require.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestAcquireLock_SecondAcquireFailsUntilReleased(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.AcquireLock(time.Minute))
	err := s.AcquireLock(time.Minute)
	require.Error(t, err)
	require.True(t, core.IsCategory(err, core.ErrCatState))

	require.NoError(t, s.ReleaseLock())
	require.NoError(t, s.AcquireLock(time.Minute))
	require.NoError(t, s.ReleaseLock())
}

// logOnlyGit stubs core.GitClient: only Log returns data, everything else
// is inert, which is all ReconcileWithGit touches.
type logOnlyGit struct {
	commits []core.CommitInfo
}

var _ core.GitClient = (*logOnlyGit)(nil)

func (g *logOnlyGit) RepoRoot(context.Context) (string, error)                    { return "/repo", nil }
func (g *logOnlyGit) RevParse(context.Context, string) (string, error)            { return "sha", nil }
func (g *logOnlyGit) CurrentBranch(context.Context) (string, error)               { return "main", nil }
func (g *logOnlyGit) Fetch(context.Context, string, string) error                 { return nil }
func (g *logOnlyGit) CreateWorktree(context.Context, string, string, string) error { return nil }
func (g *logOnlyGit) RemoveWorktree(context.Context, string) error                { return nil }
func (g *logOnlyGit) ListWorktrees(context.Context) ([]core.Worktree, error)      { return nil, nil }
func (g *logOnlyGit) Rebase(context.Context, string, string) ([]string, error)    { return nil, nil }
func (g *logOnlyGit) AbortRebase(context.Context, string) error                   { return nil }
func (g *logOnlyGit) MergeFastForward(context.Context, string) error              { return nil }
func (g *logOnlyGit) StashPush(context.Context, string) (bool, error)             { return false, nil }
func (g *logOnlyGit) StashPop(context.Context) error                              { return nil }
func (g *logOnlyGit) Checkout(context.Context, string) error                      { return nil }
func (g *logOnlyGit) Commit(context.Context, string, string) (string, error)      { return "sha", nil }
func (g *logOnlyGit) Push(context.Context, string, string, string) error          { return nil }
func (g *logOnlyGit) ModifiedFiles(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (g *logOnlyGit) IsClean(context.Context) (bool, error) { return true, nil }
func (g *logOnlyGit) Log(context.Context, int) ([]core.CommitInfo, error) {
	return g.commits, nil
}

func TestReconcileWithGit_CompletesInProgressTasksFoundInSubjects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	git := &logOnlyGit{commits: []core.CommitInfo{
		{SHA: "abc", Subject: "T1: add helper in util"},
		{SHA: "def", Subject: "unrelated housekeeping"},
	}}
	s, err := New(path, git)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, core.NewTask("T1", "add helper in util", 500)))
	require.NoError(t, s.Add(ctx, core.NewTask("T2", "still running", 500)))
	require.NoError(t, s.UpdateStatus(ctx, "T1", core.TaskStatusInProgress))
	require.NoError(t, s.UpdateStatus(ctx, "T2", core.TaskStatusInProgress))

	completed, err := s.ReconcileWithGit(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []core.TaskID{"T1"}, completed)

	got, err := s.Get(ctx, "T2")
	require.NoError(t, err)
	require.Equal(t, core.TaskStatusInProgress, got.Status)
}
