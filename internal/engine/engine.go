// Package engine wires the Scheduler, Worker pool, Merge Queue, and
// Rate-Limit Governor into the grind loop: repeatedly select a batch of
// ready tasks, run each to completion on a bounded pool of goroutines, and
// let the Merge Queue and Governor drain concurrently in the background.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/justinstimatze/undercity/internal/core"
	"github.com/justinstimatze/undercity/internal/enginelock"
	"github.com/justinstimatze/undercity/internal/logging"
	"github.com/justinstimatze/undercity/internal/mergequeue"
	"github.com/justinstimatze/undercity/internal/scheduler"
	"github.com/justinstimatze/undercity/internal/worker"
)

// Config tunes one grind run; it is the in-process form of the run
// configuration's knob table.
type Config struct {
	StateDir string

	Parallelism            int
	StartingTier           core.ModelTier
	MaxTier                core.ModelTier
	MaxAttempts            int
	MaxRetriesPerTier      int
	ReviewPasses           int
	MaxReviewPassesPerTier int
	MaxOpusReviewPasses    int
	OpusBudgetPercent      float64
	AutoCommit             bool
	PushOnSuccess          bool
	Continuous             bool
	Duration               time.Duration // 0 disables the wall-clock auto-drain
	MaxCount               int           // 0 disables the task-count cap
	LockTTL                time.Duration
}

// Dependencies are the constructed ports the Engine drives. MainRepoPath is
// the repository root the Merge Queue checks out and merges into.
type Dependencies struct {
	Agent        core.Agent
	Git          core.GitClient
	Worktrees    core.WorktreeManager
	Store        core.TaskStore
	Retrieval    core.RetrievalIndex // may be nil: Worker skips prior-learnings lookup
	Governor     core.Governor
	Verifier     core.Verifier
	Research     worker.ResearchPolicy // may be nil: every task is treated as non-saturated
	Pacer        worker.Pacer          // may be nil: attempts are not locally paced
	MainRepoPath string
	Logger       *logging.Logger
}

// Summary is the session summary printed at grind-loop exit.
type Summary struct {
	Executed      int `json:"executed"`
	Merged        int `json:"merged"`
	Failed        int `json:"failed"`
	Decomposed    int `json:"decomposed"`
	MergeFailed   int `json:"mergeFailed"`
	ConflictRetry int `json:"conflictRetries"`
}

// Engine drives the grind loop: Scheduler batches dispatched onto a bounded
// Worker pool, their successful branches flowing into a backgrounded Merge
// Queue, with the Rate-Limit Governor consulted by every Worker attempt.
type Engine struct {
	cfg   Config
	deps  Dependencies
	sched *scheduler.Scheduler
	queue *mergequeue.MergeQueue
	work  *worker.Worker
	log   *logging.Logger

	draining atomic.Bool
	metrics  *metricsWriter
}

// backlogWatcher is satisfied by stores that can report backing-file
// changes (the JSON task store's fsnotify watch); optional.
type backlogWatcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// repairerProxy breaks the construction cycle between the Merge Queue
// (which needs a Repairer at construction time) and the Worker (which
// needs the Merge Queue as its QueueEnqueuer): the queue holds this proxy,
// and New points it at the real Worker once it exists.
type repairerProxy struct {
	worker *worker.Worker
}

func (p *repairerProxy) Repair(ctx context.Context, item core.QueueItem, worktreePath, verifyOutput string) error {
	return p.worker.Repair(ctx, item, worktreePath, verifyOutput)
}

// New wires a complete Engine from its dependencies and config.
func New(cfg Config, deps Dependencies) *Engine {
	cfg = applyDefaults(cfg)
	log := deps.Logger
	if log == nil {
		log = logging.NewNop()
	}
	log = log.With("component", "engine")

	sched := scheduler.New(deps.Store, deps.Governor, scheduler.Config{
		Concurrency:   cfg.Parallelism,
		OpusBudgetPct: cfg.OpusBudgetPercent,
		StartingTier:  cfg.StartingTier,
	})

	proxy := &repairerProxy{}
	queue := mergequeue.New(deps.MainRepoPath, deps.Git, deps.Worktrees, deps.Verifier, proxy, mergequeue.DefaultConfig(), log)

	w := worker.New(deps.Agent, deps.Git, deps.Worktrees, deps.Store, deps.Retrieval, deps.Governor, deps.Verifier, queue, deps.Research, worker.Config{
		MaxAttempts:            cfg.MaxAttempts,
		MaxRetriesPerTier:      cfg.MaxRetriesPerTier,
		MaxReviewPassesPerTier: cfg.MaxReviewPassesPerTier,
		MaxOpusReviewPasses:    cfg.MaxOpusReviewPasses,
		MaxTier:                cfg.MaxTier,
		ReviewPasses:           cfg.ReviewPasses,
		Stream:                 true,
		RetrievalK:             5,
		AgentTimeout:           10 * time.Minute,
	}, log)
	if deps.Pacer != nil {
		w = w.WithPacer(deps.Pacer)
	}
	proxy.worker = w

	return &Engine{
		cfg:     cfg,
		deps:    deps,
		sched:   sched,
		queue:   queue,
		work:    w,
		log:     log,
		metrics: newMetricsWriter(cfg.StateDir),
	}
}

func applyDefaults(cfg Config) Config {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.StartingTier == "" {
		cfg.StartingTier = core.TierSmall
	}
	if cfg.MaxTier == "" {
		cfg.MaxTier = core.TierLarge
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return cfg
}

// Drain requests the grind loop stop after the current batch; it is the
// single process-wide cancellation primitive.
func (e *Engine) Drain() { e.draining.Store(true) }

// Grind runs the scheduling/dispatch loop to completion: until the backlog
// is exhausted (when cfg.Continuous is false), the drain flag is set, or
// the duration/maxCount limits are reached. It acquires the grind lock for
// its duration and always releases it and stops the Merge Queue on return.
func (e *Engine) Grind(ctx context.Context) (Summary, error) {
	lock, err := enginelock.Acquire(e.cfg.StateDir, e.cfg.LockTTL)
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			e.log.Warn("releasing grind lock", "error", releaseErr)
		}
	}()
	defer e.queue.Stop()

	var summary Summary
	counters := &scheduler.SessionCounters{}
	deadline := time.Time{}
	if e.cfg.Duration > 0 {
		deadline = time.Now().Add(e.cfg.Duration)
	}

	// In continuous mode, a backlog-file watch wakes the loop as soon as an
	// external intake path writes tasks.json; the poll interval below stays
	// as the fallback for stores that don't support watching.
	var backlogChanged <-chan struct{}
	if e.cfg.Continuous {
		if bw, ok := e.deps.Store.(backlogWatcher); ok {
			if ch, err := bw.Watch(ctx); err == nil {
				backlogChanged = ch
			} else {
				e.log.Warn("backlog watch unavailable, polling only", "error", err)
			}
		}
	}

	for {
		if e.draining.Load() {
			e.log.Info("grind loop draining on request")
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			e.log.Info("grind loop draining: duration elapsed")
			break
		}
		if e.cfg.MaxCount > 0 && summary.Executed >= e.cfg.MaxCount {
			e.log.Info("grind loop draining: max_count reached")
			break
		}

		if removed, err := e.cleanupOrphanedWorktrees(ctx); err != nil {
			e.log.Warn("orphaned worktree cleanup failed", "error", err)
		} else if removed > 0 {
			e.log.Info("removed orphaned worktrees", "count", removed)
		}

		batch := e.sched.SelectBatch(ctx, counters)
		if len(batch) == 0 {
			if !e.cfg.Continuous {
				e.log.Info("backlog empty, stopping")
				break
			}
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-backlogChanged:
			case <-time.After(2 * time.Second):
			}
			continue
		}

		results := e.runBatch(ctx, batch)
		for _, r := range results {
			if r == nil {
				continue // dispatch was skipped (see runBatch)
			}
			summary.Executed++
			switch r.Outcome {
			case worker.ResultMerged:
				summary.Merged++
			case worker.ResultFailed:
				summary.Failed++
			case worker.ResultDecomposed:
				summary.Decomposed++
			}
		}

		qstats := e.queue.Stats()
		summary.ConflictRetry = qstats.ConflictRetries
		summary.MergeFailed = qstats.TotalMerges - qstats.SuccessfulMerges

		if err := e.metrics.writeLiveSnapshot(ctx, e.deps.Governor, summary, qstats); err != nil {
			e.log.Warn("writing live metrics snapshot", "error", err)
		}
	}

	e.log.Info("grind session summary",
		"executed", summary.Executed, "merged", summary.Merged, "failed", summary.Failed,
		"decomposed", summary.Decomposed, "merge_failed", summary.MergeFailed)
	return summary, nil
}

// runBatch dispatches every assignment onto the bounded Worker pool and
// waits for all of them to finish.
func (e *Engine) runBatch(ctx context.Context, batch []scheduler.Assignment) []*worker.Result {
	results := make([]*worker.Result, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, assignment := range batch {
		i, assignment := i, assignment
		// The Task Store's single lock serialises this transition: once it
		// returns, no other dispatcher can observe the task as still
		// pending and hand it to a second Worker.
		if err := e.deps.Store.UpdateStatus(ctx, assignment.Task.ID, core.TaskStatusInProgress); err != nil {
			e.log.Warn("marking task in_progress failed, skipping dispatch", "task", assignment.Task.ID, "error", err)
			continue
		}
		g.Go(func() error {
			results[i] = e.work.Run(gctx, assignment.Task, assignment.Tier, e.draining.Load)
			if err := e.metrics.appendAttemptRecord(assignment.Task.ID, results[i]); err != nil {
				e.log.Warn("appending metrics record", "task", assignment.Task.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// cleanupOrphanedWorktrees removes worktrees with no matching in_progress
// task or a dead recorded worker PID, so a crashed run never blocks the
// next one on a stale branch.
func (e *Engine) cleanupOrphanedWorktrees(ctx context.Context) (int, error) {
	tasks, err := e.deps.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tasks: %w", err)
	}
	active := make(map[core.TaskID]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == core.TaskStatusInProgress {
			active[t.ID] = true
		}
	}
	return e.deps.Worktrees.CleanupOrphaned(ctx, active)
}
