package worker

import (
	"context"

	"github.com/justinstimatze/undercity/internal/core"
)

// ResearchVerdict is the external policy's enumerated judgement on whether a
// research-flavored task should keep cycling, be implemented directly, be
// decomposed into concrete follow-up tasks, or be abandoned. The Worker
// never re-derives this heuristic itself, it only consumes the verdict.
type ResearchVerdict string

const (
	ResearchContinue  ResearchVerdict = "continue"
	ResearchImplement ResearchVerdict = "implement"
	ResearchDecompose ResearchVerdict = "decompose"
	ResearchAbandon   ResearchVerdict = "abandon"
)

// ResearchPolicy judges whether prior research cycles on a task's topic
// have saturated. A nil policy is treated as always ResearchContinue.
type ResearchPolicy interface {
	Evaluate(ctx context.Context, task *core.Task, priorCycles []core.SearchResult) (ResearchVerdict, error)
}

// Pacer smooths the Worker's outbound LLM calls with a per-tier token
// bucket, independent of the Governor's window-based pause/resume logic.
// Satisfied by *governor.Pacer; a nil Pacer disables local pacing.
type Pacer interface {
	Wait(ctx context.Context, tier core.ModelTier) error
}

// QueueEnqueuer is the narrow slice of the Merge Queue the Worker needs: it
// is satisfied structurally by *mergequeue.MergeQueue without importing
// that package, which keeps the Worker free to implement mergequeue.Repairer
// without an import cycle.
type QueueEnqueuer interface {
	Enqueue(branch string, taskID core.TaskID, agentID string, modifiedFiles []string) error
}
