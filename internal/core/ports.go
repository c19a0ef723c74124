package core

import (
	"context"
	"time"
)

// =============================================================================
// Agent port: the engine's client view of the external LLM CLI.
// =============================================================================

// ExecuteRequest describes one LLM invocation.
type ExecuteRequest struct {
	Tier           ModelTier
	Prompt         string
	SystemPrompt   string
	WorkDir        string
	MaxTurns       int
	PermissionMode string
	Timeout        time.Duration
}

// AgentEventKind tags the variant of an AgentEvent.
type AgentEventKind string

const (
	AgentEventTextDelta AgentEventKind = "text_delta"
	AgentEventResult    AgentEventKind = "result"
	AgentEventError     AgentEventKind = "error"
)

// AgentEvent is one item of the asynchronous stream an Agent.Execute call
// yields: incremental text, a terminal result, or an error (possibly a
// rate-limit signal carrying reset information).
type AgentEvent struct {
	Kind AgentEventKind

	// AgentEventTextDelta
	Text string

	// AgentEventResult
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	FinishReason     string

	// AgentEventError
	Err         error
	RateLimited bool
	RetryAfter  time.Duration // 0 if not present in the response
	ResetAt     time.Time     // zero if not present
}

// Agent is the contract for an external LLM CLI adapter, invoked as a
// subprocess and consumed as a streamed event sequence.
type Agent interface {
	Name() string
	Ping(ctx context.Context) error
	Execute(ctx context.Context, req ExecuteRequest) (<-chan AgentEvent, error)
}

// =============================================================================
// GitClient port: subprocess git invocation.
// =============================================================================

// GitClient is the engine's client view of the git CLI. Every method invokes
// git as a subprocess with an argument array (no shell); ref and path
// arguments are validated by the adapter before being passed through.
type GitClient interface {
	RepoRoot(ctx context.Context) (string, error)
	RevParse(ctx context.Context, ref string) (string, error)
	CurrentBranch(ctx context.Context) (string, error)

	Fetch(ctx context.Context, remote, ref string) error
	CreateWorktree(ctx context.Context, path, branch, baseRef string) error
	RemoveWorktree(ctx context.Context, path string) error
	ListWorktrees(ctx context.Context) ([]Worktree, error)

	Rebase(ctx context.Context, worktreePath, ontoRef string) (conflictFiles []string, err error)
	AbortRebase(ctx context.Context, worktreePath string) error
	MergeFastForward(ctx context.Context, sha string) error

	StashPush(ctx context.Context, message string) (bool, error)
	StashPop(ctx context.Context) error
	Checkout(ctx context.Context, ref string) error

	Commit(ctx context.Context, worktreePath, message string) (string, error)
	Push(ctx context.Context, worktreePath, remote, branch string) error

	ModifiedFiles(ctx context.Context, worktreePath, baseRef string) ([]string, error)
	Log(ctx context.Context, lookback int) ([]CommitInfo, error)
	IsClean(ctx context.Context) (bool, error)
}

// CommitInfo is one entry from `git log`, used by reconcile_with_git.
type CommitInfo struct {
	SHA     string
	Subject string
	When    time.Time
}

// WorktreeManager provides task-scoped worktree lifecycle management on top
// of a GitClient.
type WorktreeManager interface {
	Create(ctx context.Context, taskID TaskID, baseRef string) (*Worktree, error)
	Get(ctx context.Context, taskID TaskID) (*Worktree, error)
	Remove(ctx context.Context, taskID TaskID) error
	List(ctx context.Context) ([]*Worktree, error)
	// CleanupOrphaned removes worktrees with no matching in_progress task in
	// activeTaskIDs, or whose recorded worker pid is no longer alive.
	CleanupOrphaned(ctx context.Context, activeTaskIDs map[TaskID]bool) (int, error)
}

// =============================================================================
// TaskStore port
// =============================================================================

// TaskStore is the exclusive owner of Tasks and their Attempts.
type TaskStore interface {
	List(ctx context.Context) ([]*Task, error)
	Get(ctx context.Context, id TaskID) (*Task, error)
	Add(ctx context.Context, task *Task) error
	UpdateStatus(ctx context.Context, id TaskID, status TaskStatus) error
	UpdateFields(ctx context.Context, id TaskID, mutate func(*Task) error) error
	MarkComplete(ctx context.Context, id TaskID) error
	MarkFailed(ctx context.Context, id TaskID, reason string) error
	SetParent(ctx context.Context, childID, parentID TaskID) error
	AppendAttempt(ctx context.Context, id TaskID, attempt Attempt) error
	// ReconcileWithGit scans the last lookbackCommits commit subjects and
	// auto-completes matching in_progress tasks whose objective keywords
	// appear in the subject.
	ReconcileWithGit(ctx context.Context, lookbackCommits int) (completed []TaskID, err error)
}

// =============================================================================
// Retrieval Index port
// =============================================================================

// SearchOptions configures a hybrid query.
type SearchOptions struct {
	Limit        int
	Sources      []string
	VectorWeight float64
	FTSWeight    float64
}

// DefaultSearchOptions returns the spec's default weights (0.7/0.3) and limit.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{Limit: 10, VectorWeight: 0.7, FTSWeight: 0.3}
}

// RetrievalIndex is the exclusive owner of Documents, Chunks, and Embeddings.
type RetrievalIndex interface {
	IndexDocument(ctx context.Context, doc Document, content string) error
	DeleteDocument(ctx context.Context, id string) error
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
	Close() error
}

// =============================================================================
// Governor port
// =============================================================================

// Governor tracks token usage and coordinates pause/resume across Workers.
type Governor interface {
	RecordUsage(ctx context.Context, taskID TaskID, tier ModelTier, inputTokens, outputTokens int, observedAt time.Time) error
	RecordRateLimitHit(ctx context.Context, tier ModelTier, errText string, retryAfter time.Duration, resetAt time.Time) error
	Check(ctx context.Context) (CheckResult, error)
	UsageSummary(ctx context.Context) (UsageSummary, error)
}

// =============================================================================
// Verifier port
// =============================================================================

// VerifyResult is the outcome of running the project's baseline verification
// command inside a worktree.
type VerifyResult struct {
	Passed bool
	Output string
}

// Verifier runs an externally configured shell argv template and reports
// pass/fail by exit code.
type Verifier interface {
	Run(ctx context.Context, workDir string) (*VerifyResult, error)
}
