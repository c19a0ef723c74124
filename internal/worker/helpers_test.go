package worker

import (
	"context"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
)

// fakeAgent replays a scripted sequence of Execute calls: the Nth call to
// Execute returns the Nth scripted response, in order, regardless of
// whether it's an attempt or a review pass; tests script both as one
// timeline.
type fakeAgent struct {
	responses []agentResponse
	calls     int
}

type agentResponse struct {
	events []core.AgentEvent
	err    error
}

func textResult(text string, inputTok, outputTok int) agentResponse {
	return agentResponse{events: []core.AgentEvent{
		{Kind: core.AgentEventTextDelta, Text: text},
		{Kind: core.AgentEventResult, InputTokens: inputTok, OutputTokens: outputTok},
	}}
}

func rateLimitedResponse(retryAfter time.Duration) agentResponse {
	return agentResponse{events: []core.AgentEvent{
		{Kind: core.AgentEventError, Err: errRateLimited, RateLimited: true, RetryAfter: retryAfter},
	}}
}

var errRateLimited = &core.DomainError{Category: core.ErrCatRateLimit, Code: "RATE_LIMITED", Message: "429"}

func (f *fakeAgent) Name() string                      { return "fake-agent" }
func (f *fakeAgent) Ping(context.Context) error         { return nil }
func (f *fakeAgent) Execute(_ context.Context, _ core.ExecuteRequest) (<-chan core.AgentEvent, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		ch := make(chan core.AgentEvent)
		close(ch)
		return ch, nil
	}
	resp := f.responses[idx]
	if resp.err != nil {
		return nil, resp.err
	}
	ch := make(chan core.AgentEvent, len(resp.events))
	for _, e := range resp.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

// fakeGit implements core.GitClient with only Commit/ModifiedFiles behavior
// configurable; everything else is an unused stub.
type fakeGit struct {
	modifiedFiles []string
	commitErr     error
	committed     []string
}

var _ core.GitClient = (*fakeGit)(nil)

func (f *fakeGit) RepoRoot(context.Context) (string, error)                      { return "/repo", nil }
func (f *fakeGit) RevParse(context.Context, string) (string, error)              { return "sha", nil }
func (f *fakeGit) CurrentBranch(context.Context) (string, error)                 { return "main", nil }
func (f *fakeGit) Fetch(context.Context, string, string) error                   { return nil }
func (f *fakeGit) CreateWorktree(context.Context, string, string, string) error  { return nil }
func (f *fakeGit) RemoveWorktree(context.Context, string) error                  { return nil }
func (f *fakeGit) ListWorktrees(context.Context) ([]core.Worktree, error)        { return nil, nil }
func (f *fakeGit) Rebase(context.Context, string, string) ([]string, error)      { return nil, nil }
func (f *fakeGit) AbortRebase(context.Context, string) error                     { return nil }
func (f *fakeGit) MergeFastForward(context.Context, string) error                { return nil }
func (f *fakeGit) StashPush(context.Context, string) (bool, error)               { return false, nil }
func (f *fakeGit) StashPop(context.Context) error                                { return nil }
func (f *fakeGit) Checkout(context.Context, string) error                        { return nil }
func (f *fakeGit) Push(context.Context, string, string, string) error            { return nil }
func (f *fakeGit) Log(context.Context, int) ([]core.CommitInfo, error)           { return nil, nil }
func (f *fakeGit) IsClean(context.Context) (bool, error)                         { return true, nil }

func (f *fakeGit) Commit(_ context.Context, _ string, message string) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.committed = append(f.committed, message)
	return "committed-sha", nil
}

func (f *fakeGit) ModifiedFiles(context.Context, string, string) ([]string, error) {
	return f.modifiedFiles, nil
}

// fakeWorktrees hands back one deterministic worktree per task id.
type fakeWorktrees struct{}

var _ core.WorktreeManager = (*fakeWorktrees)(nil)

func (f *fakeWorktrees) Create(_ context.Context, taskID core.TaskID, _ string) (*core.Worktree, error) {
	return &core.Worktree{TaskID: taskID, Path: "/work/" + string(taskID), Branch: "undercity/" + string(taskID)}, nil
}
func (f *fakeWorktrees) Get(_ context.Context, taskID core.TaskID) (*core.Worktree, error) {
	return &core.Worktree{TaskID: taskID, Path: "/work/" + string(taskID), Branch: "undercity/" + string(taskID)}, nil
}
func (f *fakeWorktrees) Remove(context.Context, core.TaskID) error                               { return nil }
func (f *fakeWorktrees) List(context.Context) ([]*core.Worktree, error)                          { return nil, nil }
func (f *fakeWorktrees) CleanupOrphaned(context.Context, map[core.TaskID]bool) (int, error) { return 0, nil }

// fakeStore records every mutation so tests can assert on the calls made,
// rather than modeling the full Task Store semantics.
type fakeStore struct {
	added      []*core.Task
	completed  []core.TaskID
	failed     map[core.TaskID]string
	decomposed []core.TaskID
	attempts   map[core.TaskID][]core.Attempt
}

var _ core.TaskStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{failed: map[core.TaskID]string{}, attempts: map[core.TaskID][]core.Attempt{}}
}

func (f *fakeStore) List(context.Context) ([]*core.Task, error) { return f.added, nil }
func (f *fakeStore) Get(context.Context, core.TaskID) (*core.Task, error) {
	return nil, core.ErrNotFound("task", "")
}
func (f *fakeStore) Add(_ context.Context, task *core.Task) error {
	f.added = append(f.added, task)
	return nil
}
func (f *fakeStore) UpdateStatus(context.Context, core.TaskID, core.TaskStatus) error { return nil }
func (f *fakeStore) UpdateFields(_ context.Context, id core.TaskID, mutate func(*core.Task) error) error {
	t := &core.Task{ID: id, Status: core.TaskStatusInProgress}
	if err := mutate(t); err != nil {
		return err
	}
	if t.Status == core.TaskStatusDecomposed {
		f.decomposed = append(f.decomposed, id)
	}
	return nil
}
func (f *fakeStore) MarkComplete(_ context.Context, id core.TaskID) error {
	f.completed = append(f.completed, id)
	return nil
}
func (f *fakeStore) MarkFailed(_ context.Context, id core.TaskID, reason string) error {
	f.failed[id] = reason
	return nil
}
func (f *fakeStore) SetParent(context.Context, core.TaskID, core.TaskID) error { return nil }
func (f *fakeStore) AppendAttempt(_ context.Context, id core.TaskID, attempt core.Attempt) error {
	f.attempts[id] = append(f.attempts[id], attempt)
	return nil
}
func (f *fakeStore) ReconcileWithGit(context.Context, int) ([]core.TaskID, error) { return nil, nil }

// fakeVerifier returns the Nth scripted result on the Nth call, clamping to
// the last entry once exhausted.
type fakeVerifier struct {
	results []*core.VerifyResult
	calls   int
}

func (f *fakeVerifier) Run(context.Context, string) (*core.VerifyResult, error) {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], nil
}

type fakeGovernor struct {
	usageCalls     int
	rateLimitCalls int
}

func (g *fakeGovernor) RecordUsage(context.Context, core.TaskID, core.ModelTier, int, int, time.Time) error {
	g.usageCalls++
	return nil
}
func (g *fakeGovernor) RecordRateLimitHit(context.Context, core.ModelTier, string, time.Duration, time.Time) error {
	g.rateLimitCalls++
	return nil
}
func (g *fakeGovernor) Check(context.Context) (core.CheckResult, error) {
	return core.CheckResult{OK: true}, nil
}
func (g *fakeGovernor) UsageSummary(context.Context) (core.UsageSummary, error) {
	return core.UsageSummary{}, nil
}

type fakeQueue struct {
	enqueued []string
}

func (q *fakeQueue) Enqueue(branch string, _ core.TaskID, _ string, _ []string) error {
	q.enqueued = append(q.enqueued, branch)
	return nil
}

type fakeResearchPolicy struct {
	verdict ResearchVerdict
}

func (r *fakeResearchPolicy) Evaluate(context.Context, *core.Task, []core.SearchResult) (ResearchVerdict, error) {
	return r.verdict, nil
}
