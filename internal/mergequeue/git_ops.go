package mergequeue

import (
	"context"
	"errors"
	"fmt"

	gitadapter "github.com/justinstimatze/undercity/internal/adapters/git"
	"github.com/justinstimatze/undercity/internal/core"
	"github.com/justinstimatze/undercity/internal/logging"
)

// processItem runs the per-item algorithm: rebase onto main, verify, and
// fast-forward merge. It never runs concurrently with itself; the drain
// goroutine and any recursive promotion after a successful merge are the
// only callers.
func (q *MergeQueue) processItem(ctx context.Context, item *core.QueueItem) {
	log := q.log.With("task_id", string(item.TaskID), "branch", item.Branch)

	wt, err := q.worktrees.Get(ctx, item.TaskID)
	if err != nil {
		item.LastError = fmt.Sprintf("worktree lookup failed: %v", err)
		item.Status = core.QueueItemTestFail
		q.moveToFailed(item)
		log.Error("merge queue item has no worktree", "error", err)
		return
	}

	item.Status = core.QueueItemRebasing
	log.Info("rebasing onto main")

	// Best-effort refresh from the configured remote; a purely local
	// repository has none, and that is not a reason to fail the merge.
	_ = q.git.Fetch(ctx, "origin", "main")

	conflictFiles, rebaseErr := q.git.Rebase(ctx, wt.Path, "main")
	if rebaseErr != nil {
		_ = q.git.AbortRebase(ctx, wt.Path)

		if errors.Is(rebaseErr, gitadapter.ErrRebaseConflict) || len(conflictFiles) > 0 {
			q.handleConflict(item, conflictFiles, log)
			return
		}

		item.LastError = rebaseErr.Error()
		item.Status = core.QueueItemTestFail
		q.moveToFailed(item)
		log.Error("rebase failed", "error", rebaseErr)
		return
	}

	item.Status = core.QueueItemTesting
	log.Info("running verification")

	result, verifyErr := q.runVerificationWithRepair(ctx, item, wt.Path, log)
	if verifyErr != nil || result == nil || !result.Passed {
		item.Status = core.QueueItemTestFail
		if verifyErr != nil {
			item.LastError = verifyErr.Error()
		} else if result != nil {
			item.LastError = result.Output
		}
		q.moveToFailed(item)
		q.mu.Lock()
		q.stats.TestFailures++
		q.mu.Unlock()
		log.Warn("verification failed after repair attempts, abandoning merge")
		return
	}

	item.Status = core.QueueItemMerging
	log.Info("merging to main")

	if err := q.fastForwardMerge(ctx, item, log); err != nil {
		item.LastError = err.Error()
		item.Status = core.QueueItemTestFail
		q.moveToFailed(item)
		return
	}

	item.Status = core.QueueItemComplete
	q.removePending(item)
	q.mu.Lock()
	q.stats.TotalMerges++
	q.stats.SuccessfulMerges++
	q.mu.Unlock()
	log.Info("merge complete")

	q.promoteNextConflicted(ctx)
}

// runVerificationWithRepair runs the verifier, and if it fails, asks the
// repairer (when configured) for up to MaxMergeFixAttempts follow-up passes
// before giving up.
func (q *MergeQueue) runVerificationWithRepair(ctx context.Context, item *core.QueueItem, worktreePath string, log *logging.Logger) (*core.VerifyResult, error) {
	result, err := q.verifier.Run(ctx, worktreePath)
	if err == nil && result != nil && result.Passed {
		return result, nil
	}
	if q.repairer == nil {
		return result, err
	}

	for attempt := 1; attempt <= q.cfg.MaxMergeFixAttempts; attempt++ {
		output := ""
		if result != nil {
			output = result.Output
		}
		log.Info("attempting repair pass", "attempt", attempt)
		if repairErr := q.repairer.Repair(ctx, *item, worktreePath, output); repairErr != nil {
			log.Warn("repair pass failed to run", "error", repairErr)
			break
		}
		result, err = q.verifier.Run(ctx, worktreePath)
		if err == nil && result != nil && result.Passed {
			return result, nil
		}
	}
	return result, err
}

// fastForwardMerge advances main to the branch's rebased tip. Any non-FF
// outcome here is a bug, since the rebase above already replayed the branch
// onto main's current tip.
func (q *MergeQueue) fastForwardMerge(ctx context.Context, item *core.QueueItem, log *logging.Logger) error {
	sha, err := q.git.RevParse(ctx, item.Branch)
	if err != nil {
		return fmt.Errorf("resolving rebased tip of %s: %w", item.Branch, err)
	}

	stashed, stashErr := q.git.StashPush(ctx, "mergequeue-"+string(item.TaskID))
	if stashErr != nil {
		log.Warn("stashing main repo working tree failed, proceeding", "error", stashErr)
		stashed = false
	}

	if err := q.git.Checkout(ctx, "main"); err != nil {
		if stashed {
			_ = q.git.StashPop(ctx)
		}
		return fmt.Errorf("checking out main: %w", err)
	}

	if err := q.git.MergeFastForward(ctx, sha); err != nil {
		if stashed {
			_ = q.git.StashPop(ctx)
		}
		return fmt.Errorf("fast-forward merge is not possible, this is a bug: %w", err)
	}

	if stashed {
		if err := q.git.StashPop(ctx); err != nil {
			log.Warn("restoring stashed main repo changes failed", "error", err)
		}
	}
	return nil
}

// handleConflict records the conflict and either queues the item for a
// later retry (main may advance past the conflict once another item
// merges) or abandons it once MaxRetries is exhausted.
func (q *MergeQueue) handleConflict(item *core.QueueItem, conflictFiles []string, log *logging.Logger) {
	item.Status = core.QueueItemConflict
	item.RetryCount++
	item.LastError = fmt.Sprintf("rebase conflict in %d file(s)", len(conflictFiles))

	if item.RetryCount > q.cfg.MaxRetries {
		q.moveToFailed(item)
		q.mu.Lock()
		q.stats.ConflictRetries += item.RetryCount
		q.mu.Unlock()
		log.Warn("conflict retries exhausted, abandoning item", "retry_count", item.RetryCount)
		return
	}

	log.Info("conflict detected, will retry once main advances", "retry_count", item.RetryCount)
}

// promoteNextConflicted moves the oldest conflicted item back to pending and
// processes it immediately, now that main has advanced. Only one promotion
// happens per successful merge; later conflicted items wait their turn.
func (q *MergeQueue) promoteNextConflicted(ctx context.Context) {
	q.mu.Lock()
	var next *core.QueueItem
	for _, item := range q.pending {
		if item.Status == core.QueueItemConflict {
			next = item
			break
		}
	}
	if next != nil {
		next.Status = core.QueueItemRetrying
	}
	q.mu.Unlock()

	if next != nil {
		q.processItem(ctx, next)
	}
}
