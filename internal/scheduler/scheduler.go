// Package scheduler selects, each cycle, the largest batch of pending tasks
// that can run concurrently without violating dependencies, conflicts, or
// the opus-tier budget.
package scheduler

import (
	"context"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/justinstimatze/undercity/internal/core"
)

// Config tunes one scheduling cycle.
type Config struct {
	Concurrency   int     // N: max batch size
	OpusBudgetPct float64 // P: ceiling on T2 share of tasks processed
	StartingTier  core.ModelTier
}

// DefaultConfig matches the documented defaults (10% opus budget, T0 start).
func DefaultConfig() Config {
	return Config{Concurrency: 4, OpusBudgetPct: 10, StartingTier: core.TierSmall}
}

// SessionCounters tracks opus-tier usage across the running session so the
// budget check in one cycle sees the effect of every prior cycle.
type SessionCounters struct {
	OpusTasksUsed  int
	TasksProcessed int
}

// Assignment pairs a selected task with its starting model tier.
type Assignment struct {
	Task *core.Task
	Tier core.ModelTier
}

// Scheduler selects a batch per cycle from a Task Store snapshot.
type Scheduler struct {
	store    core.TaskStore
	governor core.Governor
	cfg      Config
}

// New creates a Scheduler over the given Task Store and Governor.
func New(store core.TaskStore, governor core.Governor, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.OpusBudgetPct <= 0 {
		cfg.OpusBudgetPct = DefaultConfig().OpusBudgetPct
	}
	if cfg.StartingTier == "" {
		cfg.StartingTier = DefaultConfig().StartingTier
	}
	return &Scheduler{store: store, governor: governor, cfg: cfg}
}

// SelectBatch picks one cycle's batch. It never returns an error: a
// governor failure, an empty backlog, or a global pause all just produce an
// empty batch, which is itself a valid continuation signal to the caller.
func (s *Scheduler) SelectBatch(ctx context.Context, counters *SessionCounters) []Assignment {
	if check, err := s.governor.Check(ctx); err != nil || !check.OK {
		return nil
	}

	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil
	}

	completed := make(map[core.TaskID]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == core.TaskStatusComplete {
			completed[t.ID] = true
		}
	}

	candidates := make([]*core.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.HasParent() {
			continue // decomposition is terminal for the parent; children are scheduled on their own merits
		}
		if !t.IsReady(completed) {
			continue
		}
		candidates = append(candidates, t)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	predicted := make(map[core.TaskID][]string, len(candidates))
	risk := make(map[core.TaskID]float64, len(candidates))
	for _, t := range candidates {
		predicted[t.ID] = predictFiles(t, candidates)
		risk[t.ID] = RiskScore(t)
	}

	selected := make([]*core.Task, 0, s.cfg.Concurrency)
	selectedFiles := make(map[string]bool)
	highRiskPicked := false

	for _, t := range candidates {
		if len(selected) >= s.cfg.Concurrency {
			break
		}
		if conflictsWithExplicit(t, selected) {
			continue
		}
		if filesOverlap(predicted[t.ID], selectedFiles) {
			continue
		}
		isHighRisk := risk[t.ID] > 0.7
		if isHighRisk && highRiskPicked {
			// A second high-risk task is only picked when no lower-risk
			// alternative remains ahead of it in priority order; since
			// candidates are already priority-sorted, skipping here and
			// revisiting on a later cycle is the conservative choice.
			continue
		}

		selected = append(selected, t)
		for _, f := range predicted[t.ID] {
			selectedFiles[f] = true
		}
		if isHighRisk {
			highRiskPicked = true
		}
	}

	assignments := make([]Assignment, 0, len(selected))
	for _, t := range selected {
		tier := s.assignTier(t, counters)
		assignments = append(assignments, Assignment{Task: t, Tier: tier})
		if tier == core.TierLarge {
			counters.OpusTasksUsed++
		}
		counters.TasksProcessed++
	}
	return assignments
}

// assignTier enforces the opus budget: T2 is permitted only while no opus
// task has run yet, or while the running opus share stays under the budget.
func (s *Scheduler) assignTier(t *core.Task, counters *SessionCounters) core.ModelTier {
	tier := s.cfg.StartingTier
	if t.RecommendedModel != "" {
		tier = t.RecommendedModel
	}
	if tier != core.TierLarge {
		return tier
	}

	if counters.OpusTasksUsed == 0 {
		return core.TierLarge
	}
	processed := counters.TasksProcessed
	if processed < 1 {
		processed = 1
	}
	share := float64(counters.OpusTasksUsed) / float64(processed) * 100
	if share < s.cfg.OpusBudgetPct {
		return core.TierLarge
	}
	return core.TierMedium
}

func conflictsWithExplicit(t *core.Task, selected []*core.Task) bool {
	conflictSet := make(map[core.TaskID]bool, len(t.Conflicts))
	for _, id := range t.Conflicts {
		conflictSet[id] = true
	}
	for _, s := range selected {
		if conflictSet[s.ID] {
			return true
		}
		for _, id := range s.Conflicts {
			if id == t.ID {
				return true
			}
		}
	}
	return false
}

func filesOverlap(files []string, selected map[string]bool) bool {
	for _, f := range files {
		if selected[f] {
			return true
		}
	}
	return false
}

// predictFiles returns a task's predicted modified files: its explicit
// PredictedFiles plus a keyword-to-package fuzzy match over every other
// candidate's predicted files, so two tasks whose objectives plausibly
// touch the same package are still flagged even without explicit hints.
func predictFiles(t *core.Task, candidates []*core.Task) []string {
	files := append([]string{}, t.PredictedFiles...)

	known := knownPackagePaths(candidates)
	if len(known) == 0 {
		return files
	}

	for _, kw := range extractKeywords(t.Objective) {
		matches := fuzzy.Find(kw, known)
		for _, m := range matches {
			if m.Score > 0 {
				files = append(files, known[m.Index])
			}
		}
	}
	return dedupe(files)
}

// knownPackagePaths collects every candidate's declared predicted files as
// the universe of paths the fuzzy matcher can map objective keywords onto.
func knownPackagePaths(candidates []*core.Task) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range candidates {
		for _, f := range t.PredictedFiles {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// extractKeywords pulls lowercase alphabetic tokens of length >= 4 out of an
// objective string, a cheap stand-in for real NLP keyword extraction.
func extractKeywords(objective string) []string {
	fields := strings.FieldsFunc(strings.ToLower(objective), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 4 {
			out = append(out, f)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// riskTags are objective/task tags that each contribute to risk score.
var riskTags = map[string]bool{"security": true, "migration": true, "payment": true}

// RiskScore is a weighted 0–1 estimate of how disruptive a task is likely
// to be, saturating at 1.0.
func RiskScore(t *core.Task) float64 {
	var score float64

	packages := make(map[string]bool)
	for _, f := range t.PredictedFiles {
		if idx := strings.LastIndex(f, "/"); idx >= 0 {
			packages[f[:idx]] = true
		}
	}
	score += 0.05 * float64(len(packages))
	score += 0.03 * float64(len(t.PredictedFiles))

	for _, tag := range t.Tags {
		if riskTags[strings.ToLower(tag)] {
			score += 0.3
		}
	}
	if len(t.DependsOn) > 0 {
		score += 0.1
	}
	if len(t.Conflicts) > 0 {
		score += 0.15
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
