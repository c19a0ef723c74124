// Package worker runs one task to completion: analyze, execute, verify,
// review, commit, escalating the model tier or decomposing the task when
// progress stalls.
//
// Run assumes its caller has already transitioned the task to in_progress
// in the Task Store (the Scheduler's dispatch loop does this before handing
// the task to a Worker); the Worker only ever moves a task onward from
// there (complete, failed, or decomposed).
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
	"github.com/justinstimatze/undercity/internal/logging"
	"github.com/justinstimatze/undercity/internal/worker/sanitize"
)

// Config tunes one Worker's attempt loop.
type Config struct {
	MaxAttempts            int
	MaxRetriesPerTier      int
	MaxReviewPassesPerTier int
	MaxOpusReviewPasses    int
	MaxTier                core.ModelTier
	ReviewPasses           int
	Stream                 bool
	RetrievalK             int
	AgentTimeout           time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:            6,
		MaxRetriesPerTier:      2,
		MaxReviewPassesPerTier: 2,
		MaxOpusReviewPasses:    1,
		MaxTier:                core.TierLarge,
		ReviewPasses:           1,
		Stream:                 true,
		RetrievalK:             5,
		AgentTimeout:           10 * time.Minute,
	}
}

// Outcome is the terminal classification of a Worker run.
type Outcome string

const (
	ResultMerged     Outcome = "merged"
	ResultFailed     Outcome = "failed"
	ResultDecomposed Outcome = "decomposed"
)

// Result is what a Worker run produces for its caller.
type Result struct {
	Outcome       Outcome
	FailureReason string
	ModifiedFiles []string
	Attempts      []core.Attempt
}

// Worker executes a single task end to end.
type Worker struct {
	agent     core.Agent
	git       core.GitClient
	worktrees core.WorktreeManager
	store     core.TaskStore
	retrieval core.RetrievalIndex
	governor  core.Governor
	verifier  core.Verifier
	queue     QueueEnqueuer
	research  ResearchPolicy
	pacer     Pacer
	cfg       Config
	log       *logging.Logger
}

// New creates a Worker. retrieval, research, and queue may be nil: a nil
// retrieval index simply skips the prior-learnings lookup, a nil research
// policy treats every task as non-saturated, and a nil queue makes a
// successful run fail at the Committing step (a configuration error the
// caller should not make in practice).
func New(agent core.Agent, git core.GitClient, worktrees core.WorktreeManager, store core.TaskStore, retrieval core.RetrievalIndex, governor core.Governor, verifier core.Verifier, queue QueueEnqueuer, research ResearchPolicy, cfg Config, log *logging.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Worker{
		agent: agent, git: git, worktrees: worktrees, store: store,
		retrieval: retrieval, governor: governor, verifier: verifier,
		queue: queue, research: research, cfg: cfg,
		log: log.With("component", "worker"),
	}
}

// WithPacer attaches a local call pacer consulted before every LLM
// invocation, returning the same Worker for chaining at construction time.
func (w *Worker) WithPacer(p Pacer) *Worker {
	w.pacer = p
	return w
}

// Run drives task through the full state machine. shouldDrain is polled
// between attempts; when it returns true the Worker stops without starting
// another attempt. A nil shouldDrain never drains.
func (w *Worker) Run(ctx context.Context, task *core.Task, startingTier core.ModelTier, shouldDrain func() bool) *Result {
	log := w.log.WithTask(string(task.ID))
	tier := startingTier
	if tier == "" {
		tier = core.TierSmall
	}

	priorLearnings := w.searchPriorLearnings(ctx, task, log)

	if looksLikeResearch(task) && w.research != nil {
		if result := w.evaluateResearch(ctx, task, priorLearnings, log); result != nil {
			return result
		}
	}

	contextBlock := buildContextBlock(priorLearnings)

	wt, err := w.worktrees.Create(ctx, task.ID, "main")
	if err != nil {
		reason := fmt.Sprintf("worktree creation failed: %v", err)
		w.markFailed(ctx, task.ID, reason)
		return &Result{Outcome: ResultFailed, FailureReason: reason}
	}

	var attempts []core.Attempt
	retriesAtTier := 0
	reviewPassesAtTier := 0
	opusReviewPasses := 0
	followup := ""

	for attemptNum := 1; attemptNum <= w.cfg.MaxAttempts; attemptNum++ {
		if shouldDrain != nil && shouldDrain() {
			log.Info("drain signal observed, stopping between attempts")
			// The task goes back to pending with its attempts kept, so the
			// next run can pick it up where this one left off.
			if err := w.store.UpdateStatus(ctx, task.ID, core.TaskStatusPending); err != nil {
				log.Warn("returning drained task to pending failed", "error", err)
			}
			return &Result{Outcome: ResultFailed, FailureReason: "drained before completion", Attempts: attempts}
		}

		if err := w.pollGovernor(ctx, log); err != nil {
			reason := fmt.Sprintf("governor check interrupted: %v", err)
			w.markFailed(ctx, task.ID, reason)
			return &Result{Outcome: ResultFailed, FailureReason: reason, Attempts: attempts}
		}

		prompt := buildPrompt(task, contextBlock, followup, classifyComplexity(task))
		attempt, output, rateLimited := w.executeAttempt(ctx, task, tier, wt.Path, prompt, log)
		attempts = append(attempts, attempt)
		w.appendAttempt(ctx, task.ID, attempt)

		if rateLimited {
			log.Info("rate limited, retrying same tier", "tier", string(tier))
			continue
		}
		if attempt.Outcome == core.OutcomeError {
			w.markFailed(ctx, task.ID, attempt.Error)
			return &Result{Outcome: ResultFailed, FailureReason: attempt.Error, Attempts: attempts}
		}

		verifyResult, verifyErr := w.verifier.Run(ctx, wt.Path)
		if verifyErr != nil || verifyResult == nil || !verifyResult.Passed {
			attempts[len(attempts)-1].Outcome = core.OutcomeVerificationFailed
			retriesAtTier++
			followup = sanitize.Sanitise(verificationFeedback(verifyResult, verifyErr), "verifier_output").Content
			if retriesAtTier >= w.cfg.MaxRetriesPerTier {
				if result := w.escalateOrFail(&tier, &attempts, log); result != nil {
					return result
				}
				retriesAtTier = 0
				reviewPassesAtTier = 0
			}
			continue
		}

		// At the top tier, the reviewer is only consulted up to
		// MaxOpusReviewPasses; once exhausted, a passing verification
		// commits directly rather than spending further opus-tier reviewer
		// calls with nowhere left to escalate to.
		reviewCapped := tier == core.TierLarge && opusReviewPasses >= w.cfg.MaxOpusReviewPasses
		if w.cfg.ReviewPasses > 0 && !reviewCapped {
			if tier == core.TierLarge {
				opusReviewPasses++
			}
			review, reviewErr := w.review(ctx, task, tier, wt.Path, output, log)
			if reviewErr != nil {
				log.Warn("review pass failed to run, proceeding to commit", "error", reviewErr)
			} else {
				switch review.Outcome {
				case OutcomeFix:
					reviewPassesAtTier++
					followup = sanitize.Sanitise(review.Notes, "reviewer_notes").Content
					if reviewPassesAtTier >= w.cfg.MaxReviewPassesPerTier {
						if result := w.escalateOrFail(&tier, &attempts, log); result != nil {
							return result
						}
						retriesAtTier = 0
						reviewPassesAtTier = 0
					}
					continue
				case OutcomeEscalate:
					if result := w.escalateOrFail(&tier, &attempts, log); result != nil {
						return result
					}
					retriesAtTier = 0
					reviewPassesAtTier = 0
					continue
				case OutcomeDecompose:
					return w.decompose(ctx, task, researchFollowUps(task, 2), log)
				}
			}
		}

		return w.commit(ctx, task, wt, attempts, log)
	}

	reason := "max attempts exhausted"
	w.markFailed(ctx, task.ID, reason)
	return &Result{Outcome: ResultFailed, FailureReason: reason, Attempts: attempts}
}

// Repair implements mergequeue.Repairer via structural satisfaction: the
// Worker is never imported by the mergequeue package, only matched by its
// method set.
func (w *Worker) Repair(ctx context.Context, item core.QueueItem, worktreePath, verifyOutput string) error {
	sanitised := sanitize.Sanitise(verifyOutput, "verifier_output")
	prompt := fmt.Sprintf(
		"The merge queue's verification run failed for task %s after rebase. Fix the failure described below.\n\n%s",
		item.TaskID, sanitised.Wrapped,
	)
	if w.pacer != nil {
		if err := w.pacer.Wait(ctx, w.cfg.MaxTier); err != nil {
			return err
		}
	}
	events, err := w.agent.Execute(ctx, core.ExecuteRequest{
		Tier: w.cfg.MaxTier, Prompt: prompt, WorkDir: worktreePath, Timeout: w.cfg.AgentTimeout,
	})
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Kind == core.AgentEventResult && w.governor != nil {
			_ = w.governor.RecordUsage(ctx, item.TaskID, w.cfg.MaxTier, ev.InputTokens, ev.OutputTokens, time.Now())
		}
	}
	return nil
}

func (w *Worker) searchPriorLearnings(ctx context.Context, task *core.Task, log *logging.Logger) []core.SearchResult {
	if w.retrieval == nil {
		return nil
	}
	k := w.cfg.RetrievalK
	if k <= 0 {
		k = DefaultConfig().RetrievalK
	}
	results, err := w.retrieval.Search(ctx, task.Objective, core.SearchOptions{Limit: k, VectorWeight: 0.7, FTSWeight: 0.3})
	if err != nil {
		log.Warn("retrieval index search failed, proceeding without prior learnings", "error", err)
		return nil
	}
	return results
}

func (w *Worker) evaluateResearch(ctx context.Context, task *core.Task, priorLearnings []core.SearchResult, log *logging.Logger) *Result {
	verdict, err := w.research.Evaluate(ctx, task, priorLearnings)
	if err != nil {
		log.Warn("research policy evaluation failed, continuing normally", "error", err)
		return nil
	}
	switch verdict {
	case ResearchImplement:
		return w.decompose(ctx, task, []string{
			"implement the best-supported proposal from prior research on: " + task.Objective,
		}, log)
	case ResearchDecompose:
		return w.decompose(ctx, task, researchFollowUps(task, 2), log)
	case ResearchAbandon:
		reason := "research saturated with no viable proposal"
		w.markFailed(ctx, task.ID, reason)
		return &Result{Outcome: ResultFailed, FailureReason: reason}
	default: // ResearchContinue
		return nil
	}
}

func researchFollowUps(task *core.Task, n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("%s (narrowed follow-up %d)", task.Objective, i))
	}
	return out
}

// pollGovernor suspends the Worker at one-second intervals while the
// Governor reports a pause, returning only once Check reports ok or the
// context is cancelled.
func (w *Worker) pollGovernor(ctx context.Context, log *logging.Logger) error {
	for {
		check, err := w.governor.Check(ctx)
		if err != nil {
			return err
		}
		if check.OK {
			return nil
		}
		log.Info("governor paused, suspending", "reason", check.Reason)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (w *Worker) executeAttempt(ctx context.Context, task *core.Task, tier core.ModelTier, workDir, prompt string, log *logging.Logger) (core.Attempt, string, bool) {
	start := time.Now()
	req := core.ExecuteRequest{Tier: tier, Prompt: prompt, WorkDir: workDir, Timeout: w.cfg.AgentTimeout}

	if w.pacer != nil {
		if err := w.pacer.Wait(ctx, tier); err != nil {
			return core.Attempt{
				Tier: tier, StartedAt: start, Duration: time.Since(start),
				Outcome: core.OutcomeError, Error: err.Error(),
			}, "", false
		}
	}

	events, err := w.agent.Execute(ctx, req)
	if err != nil {
		return core.Attempt{
			Tier: tier, StartedAt: start, Duration: time.Since(start),
			Outcome: core.OutcomeError, Error: err.Error(),
		}, "", false
	}

	var text strings.Builder
	var inputTok, outputTok int
	var rateLimited bool
	var attemptErr string

	for ev := range events {
		switch ev.Kind {
		case core.AgentEventTextDelta:
			text.WriteString(ev.Text)
		case core.AgentEventResult:
			inputTok, outputTok = ev.InputTokens, ev.OutputTokens
			if w.governor != nil {
				if err := w.governor.RecordUsage(ctx, task.ID, tier, ev.InputTokens, ev.OutputTokens, time.Now()); err != nil {
					log.Warn("recording usage failed", "error", err)
				}
			}
		case core.AgentEventError:
			if ev.RateLimited {
				rateLimited = true
				if w.governor != nil {
					errText := ""
					if ev.Err != nil {
						errText = ev.Err.Error()
					}
					if err := w.governor.RecordRateLimitHit(ctx, tier, errText, ev.RetryAfter, ev.ResetAt); err != nil {
						log.Warn("recording rate limit hit failed", "error", err)
					}
				}
			}
			if ev.Err != nil {
				attemptErr = ev.Err.Error()
			}
		}
	}

	outcome := core.OutcomeSuccess
	switch {
	case rateLimited:
		outcome = core.OutcomeRateLimited
	case attemptErr != "":
		outcome = core.OutcomeError
	}

	return core.Attempt{
		Tier: tier, StartedAt: start, Duration: time.Since(start),
		InputTokens: inputTok, OutputTokens: outputTok,
		Outcome: outcome, Error: attemptErr,
	}, text.String(), rateLimited
}

func (w *Worker) review(ctx context.Context, task *core.Task, tier core.ModelTier, workDir, implementationOutput string, log *logging.Logger) (*ReviewResult, error) {
	prompt := fmt.Sprintf(
		"Review the implementation below for task %s. Respond with YAML frontmatter declaring `outcome: pass|fix|escalate|decompose`, then your notes.\n\n%s",
		task.ID, implementationOutput,
	)
	events, err := w.agent.Execute(ctx, core.ExecuteRequest{Tier: tier, Prompt: prompt, WorkDir: workDir, Timeout: w.cfg.AgentTimeout})
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	for ev := range events {
		if ev.Kind == core.AgentEventTextDelta {
			text.WriteString(ev.Text)
		}
		if ev.Kind == core.AgentEventResult && w.governor != nil {
			if err := w.governor.RecordUsage(ctx, task.ID, tier, ev.InputTokens, ev.OutputTokens, time.Now()); err != nil {
				log.Warn("recording review usage failed", "error", err)
			}
		}
	}
	return parseReviewResponse(text.String()), nil
}

// escalateOrFail steps the tier up one notch, subject to MaxTier. It
// returns a non-nil terminal Result only when escalation is not possible.
func (w *Worker) escalateOrFail(tier *core.ModelTier, attempts *[]core.Attempt, log *logging.Logger) *Result {
	next, ok := (*tier).Next()
	if !ok || w.cfg.MaxTier.Less(next) {
		log.Warn("max tier reached, failing task", "tier", string(*tier))
		return &Result{
			Outcome: ResultFailed, FailureReason: core.CodeMaxTierReached, Attempts: *attempts,
		}
	}
	if len(*attempts) > 0 {
		(*attempts)[len(*attempts)-1].Escalated = true
	}
	log.Info("escalating tier", "from", string(*tier), "to", string(next))
	*tier = next
	return nil
}

func (w *Worker) commit(ctx context.Context, task *core.Task, wt *core.Worktree, attempts []core.Attempt, log *logging.Logger) *Result {
	modifiedFiles, err := w.git.ModifiedFiles(ctx, wt.Path, "main")
	if err != nil {
		log.Warn("listing modified files failed, enqueueing with an empty set", "error", err)
	}

	message := fmt.Sprintf("%s: %s", task.ID, summarize(task.Objective))
	if _, err := w.git.Commit(ctx, wt.Path, message); err != nil {
		reason := fmt.Sprintf("commit failed: %v", err)
		w.markFailed(ctx, task.ID, reason)
		return &Result{Outcome: ResultFailed, FailureReason: reason, Attempts: attempts}
	}

	if w.queue == nil {
		reason := "no merge queue configured"
		w.markFailed(ctx, task.ID, reason)
		return &Result{Outcome: ResultFailed, FailureReason: reason, Attempts: attempts}
	}
	if err := w.queue.Enqueue(wt.Branch, task.ID, w.agent.Name(), modifiedFiles); err != nil {
		reason := fmt.Sprintf("merge queue enqueue failed: %v", err)
		w.markFailed(ctx, task.ID, reason)
		return &Result{Outcome: ResultFailed, FailureReason: reason, Attempts: attempts}
	}

	if err := w.store.MarkComplete(ctx, task.ID); err != nil {
		log.Warn("marking task complete failed", "error", err)
	}
	return &Result{Outcome: ResultMerged, ModifiedFiles: modifiedFiles, Attempts: attempts}
}

func (w *Worker) decompose(ctx context.Context, task *core.Task, childObjectives []string, log *logging.Logger) *Result {
	for i, objective := range childObjectives {
		child := core.NewTask(core.TaskID(fmt.Sprintf("%s.%d", task.ID, i+1)), objective, task.Priority)
		child.ParentTaskID = task.ID
		if err := w.store.Add(ctx, child); err != nil {
			log.Error("failed to add decomposed child task", "error", err, "child_objective", objective)
		}
	}
	if err := w.store.UpdateFields(ctx, task.ID, func(t *core.Task) error { return t.MarkDecomposed() }); err != nil {
		log.Warn("marking task decomposed failed", "error", err)
	}
	return &Result{Outcome: ResultDecomposed}
}

func (w *Worker) appendAttempt(ctx context.Context, id core.TaskID, attempt core.Attempt) {
	if err := w.store.AppendAttempt(ctx, id, attempt); err != nil {
		w.log.Warn("appending attempt record failed", "task_id", string(id), "error", err)
	}
}

func (w *Worker) markFailed(ctx context.Context, id core.TaskID, reason string) {
	if err := w.store.MarkFailed(ctx, id, reason); err != nil {
		w.log.Warn("marking task failed failed", "task_id", string(id), "error", err)
	}
}

func buildContextBlock(results []core.SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		sanitised := sanitize.Sanitise(r.Chunk.Content, "retrieval_index")
		b.WriteString(sanitised.Wrapped)
		b.WriteString("\n")
	}
	return b.String()
}

func buildPrompt(task *core.Task, contextBlock, followup string, complexity ComplexityLevel) string {
	var b strings.Builder
	if contextBlock != "" {
		b.WriteString(contextBlock)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Task %s (complexity: %s): %s\n", task.ID, complexity, task.Objective)
	if task.Ticket != nil && task.Ticket.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Ticket.Description)
	}
	if followup != "" {
		fmt.Fprintf(&b, "\nPrevious attempt feedback:\n%s\n", followup)
	}
	return b.String()
}

func verificationFeedback(result *core.VerifyResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if result != nil {
		return result.Output
	}
	return "verification did not run"
}

func summarize(objective string) string {
	const maxLen = 72
	objective = strings.TrimSpace(objective)
	if len(objective) <= maxLen {
		return objective
	}
	return objective[:maxLen-1] + "…"
}
