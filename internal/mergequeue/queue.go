// Package mergequeue serialises worker branches onto main: one item at a
// time, rebase, verify, fast-forward merge, with bounded retry on conflict.
package mergequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
	"github.com/justinstimatze/undercity/internal/logging"
)

// Repairer lets the queue ask for additional fix attempts when verification
// fails after a clean rebase, feeding the verification output back as
// follow-up instructions. The worker package supplies the implementation.
type Repairer interface {
	Repair(ctx context.Context, item core.QueueItem, worktreePath, verifyOutput string) error
}

// Config tunes the drainer's retry and buffer behaviour.
type Config struct {
	MaxRetries          int // conflict retries before the item is abandoned
	MaxMergeFixAttempts int // repair passes after a verification failure
	QueueBufferSize     int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, MaxMergeFixAttempts: 2, QueueBufferSize: 100}
}

// Stats tracks cumulative queue activity.
type Stats struct {
	TotalMerges      int
	SuccessfulMerges int
	ConflictRetries  int
	TestFailures     int
}

// MergeQueue drains successful worker branches into main on a single
// goroutine, so the main repository is never mutated concurrently.
type MergeQueue struct {
	mainRepoPath string
	git          core.GitClient
	worktrees    core.WorktreeManager
	verifier     core.Verifier
	repairer     Repairer
	cfg          Config
	log          *logging.Logger

	mu      sync.Mutex
	pending []*core.QueueItem // FIFO, includes items marked "retrying"
	failed  []*core.QueueItem
	stats   Stats

	incoming chan *core.QueueItem
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a MergeQueue and starts its drain goroutine. repairer may be
// nil, in which case verification failures go straight to test_failed.
func New(mainRepoPath string, git core.GitClient, worktrees core.WorktreeManager, verifier core.Verifier, repairer Repairer, cfg Config, log *logging.Logger) *MergeQueue {
	if cfg.QueueBufferSize <= 0 {
		cfg.QueueBufferSize = DefaultConfig().QueueBufferSize
	}
	if log == nil {
		log = logging.NewNop()
	}
	q := &MergeQueue{
		mainRepoPath: mainRepoPath,
		git:          git,
		worktrees:    worktrees,
		verifier:     verifier,
		repairer:     repairer,
		cfg:          cfg,
		log:          log.With("component", "merge_queue"),
		incoming:     make(chan *core.QueueItem, cfg.QueueBufferSize),
		done:         make(chan struct{}),
	}
	q.wg.Add(1)
	go q.drain()
	return q
}

// Enqueue implements the spec's enqueue(branch, task_id, agent_id, modified_files).
func (q *MergeQueue) Enqueue(branch string, taskID core.TaskID, agentID string, modifiedFiles []string) error {
	item := &core.QueueItem{
		Branch:        branch,
		TaskID:        taskID,
		AgentID:       agentID,
		Status:        core.QueueItemPending,
		ModifiedFiles: modifiedFiles,
		EnqueuedAt:    time.Now(),
	}

	q.mu.Lock()
	for _, existing := range q.pending {
		if existing.Branch == branch {
			q.mu.Unlock()
			return core.ErrConflict(core.CodeMergeConflict, fmt.Sprintf("branch %s is already queued", branch))
		}
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()

	select {
	case q.incoming <- item:
	case <-q.done:
		return core.ErrState("QUEUE_CLOSED", "merge queue is shutting down")
	}
	return nil
}

// DetectQueueConflicts implements detect_queue_conflicts(): pairwise
// intersection of modified files across every currently queued item.
func (q *MergeQueue) DetectQueueConflicts() []core.ConflictPair {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pairs []core.ConflictPair
	for i := 0; i < len(q.pending); i++ {
		for j := i + 1; j < len(q.pending); j++ {
			overlap := intersect(q.pending[i].ModifiedFileSet(), q.pending[j].ModifiedFileSet())
			if len(overlap) > 0 {
				pairs = append(pairs, core.ConflictPair{A: q.pending[i].Branch, B: q.pending[j].Branch, Overlapping: overlap})
			}
		}
	}
	return pairs
}

// CheckConflictsBeforeAdd implements check_conflicts_before_add(files):
// the Scheduler calls this before dispatching a worker whose predicted
// files might collide with work already queued.
func (q *MergeQueue) CheckConflictsBeforeAdd(files []string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[f] = struct{}{}
	}

	var conflicting []string
	for _, item := range q.pending {
		if len(intersect(set, item.ModifiedFileSet())) > 0 {
			conflicting = append(conflicting, item.Branch)
		}
	}
	return conflicting
}

// GetFailed implements get_failed().
func (q *MergeQueue) GetFailed() []core.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]core.QueueItem, len(q.failed))
	for i, f := range q.failed {
		out[i] = *f
	}
	return out
}

// ClearFailed implements clear_failed().
func (q *MergeQueue) ClearFailed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = nil
}

// Stats returns a snapshot of cumulative queue activity.
func (q *MergeQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Stop drains no further items and waits for any in-flight merge to finish.
// incoming is left open so a racing Enqueue fails on the done signal rather
// than panicking on a closed channel.
func (q *MergeQueue) Stop() {
	close(q.done)
	q.wg.Wait()
}

// drain runs on its own goroutine for the queue's lifetime, processing one
// item at a time so the main repository is never touched concurrently.
func (q *MergeQueue) drain() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case item := <-q.incoming:
			q.processItem(context.Background(), item)
		}
	}
}

// ProcessNext implements process_next() for callers that want to step the
// queue manually (tests, a dry-run CLI) instead of relying on the
// background drain goroutine. It returns nil if nothing is pending.
func (q *MergeQueue) ProcessNext(ctx context.Context) *core.QueueItem {
	q.mu.Lock()
	var next *core.QueueItem
	for _, item := range q.pending {
		if item.Status == core.QueueItemPending || item.Status == core.QueueItemRetrying {
			next = item
			break
		}
	}
	q.mu.Unlock()
	if next == nil {
		return nil
	}
	q.processItem(ctx, next)
	return next
}

func (q *MergeQueue) removePending(item *core.QueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == item {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *MergeQueue) moveToFailed(item *core.QueueItem) {
	q.removePending(item)
	q.mu.Lock()
	q.failed = append(q.failed, item)
	q.mu.Unlock()
}

func intersect(a, b map[string]struct{}) []string {
	var out []string
	for f := range a {
		if _, ok := b[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
