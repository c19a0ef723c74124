package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/justinstimatze/undercity/internal/core"
)

type fakeStore struct {
	tasks []*core.Task
}

func (f *fakeStore) List(context.Context) ([]*core.Task, error) { return f.tasks, nil }
func (f *fakeStore) Get(context.Context, core.TaskID) (*core.Task, error) {
	for _, t := range f.tasks {
		return t, nil
	}
	return nil, core.ErrNotFound("task", "")
}
func (f *fakeStore) Add(context.Context, *core.Task) error { return nil }
func (f *fakeStore) UpdateStatus(context.Context, core.TaskID, core.TaskStatus) error { return nil }
func (f *fakeStore) UpdateFields(context.Context, core.TaskID, func(*core.Task) error) error {
	return nil
}
func (f *fakeStore) MarkComplete(context.Context, core.TaskID) error           { return nil }
func (f *fakeStore) MarkFailed(context.Context, core.TaskID, string) error     { return nil }
func (f *fakeStore) SetParent(context.Context, core.TaskID, core.TaskID) error { return nil }
func (f *fakeStore) AppendAttempt(context.Context, core.TaskID, core.Attempt) error {
	return nil
}
func (f *fakeStore) ReconcileWithGit(context.Context, int) ([]core.TaskID, error) {
	return nil, nil
}

type fakeGovernor struct{ paused bool }

func (g *fakeGovernor) RecordUsage(context.Context, core.TaskID, core.ModelTier, int, int, time.Time) error {
	return nil
}
func (g *fakeGovernor) RecordRateLimitHit(context.Context, core.ModelTier, string, time.Duration, time.Time) error {
	return nil
}
func (g *fakeGovernor) Check(context.Context) (core.CheckResult, error) {
	if g.paused {
		return core.CheckResult{OK: false, Reason: "paused"}, nil
	}
	return core.CheckResult{OK: true}, nil
}
func (g *fakeGovernor) UsageSummary(context.Context) (core.UsageSummary, error) {
	return core.UsageSummary{}, nil
}

func task(id core.TaskID, priority int, createdAt time.Time) *core.Task {
	return &core.Task{ID: id, Objective: "do " + string(id), Status: core.TaskStatusPending, Priority: priority, CreatedAt: createdAt}
}

func TestSelectBatch_FiltersByDependencyReadiness(t *testing.T) {
	now := time.Now()
	blocked := task("b", 1, now)
	blocked.DependsOn = []core.TaskID{"a"}
	store := &fakeStore{tasks: []*core.Task{task("a", 1, now), blocked}}

	s := New(store, &fakeGovernor{}, DefaultConfig())
	assignments := s.SelectBatch(context.Background(), &SessionCounters{})

	require.Len(t, assignments, 1)
	require.Equal(t, core.TaskID("a"), assignments[0].Task.ID)
}

func TestSelectBatch_SortsByPriorityThenCreation(t *testing.T) {
	now := time.Now()
	store := &fakeStore{tasks: []*core.Task{
		task("low-pri", 5, now),
		task("high-pri", 1, now.Add(time.Minute)),
	}}

	s := New(store, &fakeGovernor{}, DefaultConfig())
	assignments := s.SelectBatch(context.Background(), &SessionCounters{})

	require.Len(t, assignments, 2)
	require.Equal(t, core.TaskID("high-pri"), assignments[0].Task.ID)
}

func TestSelectBatch_ExplicitConflictBlocksCoSelection(t *testing.T) {
	now := time.Now()
	a := task("a", 1, now)
	b := task("b", 2, now)
	a.Conflicts = []core.TaskID{"b"}
	store := &fakeStore{tasks: []*core.Task{a, b}}

	s := New(store, &fakeGovernor{}, DefaultConfig())
	assignments := s.SelectBatch(context.Background(), &SessionCounters{})

	require.Len(t, assignments, 1)
	require.Equal(t, core.TaskID("a"), assignments[0].Task.ID)
}

func TestSelectBatch_FileOverlapBlocksCoSelection(t *testing.T) {
	now := time.Now()
	a := task("a", 1, now)
	a.PredictedFiles = []string{"pkg/x.go"}
	b := task("b", 2, now)
	b.PredictedFiles = []string{"pkg/x.go"}
	store := &fakeStore{tasks: []*core.Task{a, b}}

	s := New(store, &fakeGovernor{}, DefaultConfig())
	assignments := s.SelectBatch(context.Background(), &SessionCounters{})

	require.Len(t, assignments, 1)
}

func TestSelectBatch_EmptyWhenGovernorPaused(t *testing.T) {
	now := time.Now()
	store := &fakeStore{tasks: []*core.Task{task("a", 1, now)}}

	s := New(store, &fakeGovernor{paused: true}, DefaultConfig())
	assignments := s.SelectBatch(context.Background(), &SessionCounters{})

	require.Empty(t, assignments)
}

func TestSelectBatch_RespectsConcurrencyBound(t *testing.T) {
	now := time.Now()
	var tasks []*core.Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, task(core.TaskID(string(rune('a'+i))), i, now))
	}
	store := &fakeStore{tasks: tasks}

	cfg := DefaultConfig()
	cfg.Concurrency = 3
	s := New(store, &fakeGovernor{}, cfg)
	assignments := s.SelectBatch(context.Background(), &SessionCounters{})

	require.Len(t, assignments, 3)
}

func TestSelectBatch_OpusBudgetCapsT2Assignments(t *testing.T) {
	now := time.Now()
	var tasks []*core.Task
	for i := 0; i < 5; i++ {
		tk := task(core.TaskID(string(rune('a'+i))), i, now)
		tk.RecommendedModel = core.TierLarge
		tasks = append(tasks, tk)
	}
	store := &fakeStore{tasks: tasks}

	cfg := DefaultConfig()
	cfg.Concurrency = 5
	cfg.OpusBudgetPct = 10
	s := New(store, &fakeGovernor{}, cfg)
	counters := &SessionCounters{}
	assignments := s.SelectBatch(context.Background(), counters)

	require.Len(t, assignments, 5)
	require.Equal(t, core.TierLarge, assignments[0].Tier, "first opus task is always admitted")
	for _, a := range assignments[1:] {
		require.Equal(t, core.TierMedium, a.Tier, "budget should cap further opus assignments in the same cycle")
	}
}

func TestSelectBatch_ParentTaskNeverScheduled(t *testing.T) {
	now := time.Now()
	decomposedChild := task("a", 1, now)
	decomposedChild.ParentTaskID = "parent"
	store := &fakeStore{tasks: []*core.Task{decomposedChild}}

	s := New(store, &fakeGovernor{}, DefaultConfig())
	assignments := s.SelectBatch(context.Background(), &SessionCounters{})

	require.Empty(t, assignments, "a task with a parent id must never be scheduled per core.Task.HasParent")
}

func TestRiskScore_SaturatesAtOne(t *testing.T) {
	tk := task("a", 1, time.Now())
	tk.PredictedFiles = []string{"a/1.go", "b/2.go", "c/3.go", "d/4.go", "e/5.go", "f/6.go", "g/7.go", "h/8.go"}
	tk.Tags = []string{"security", "migration", "payment"}
	tk.DependsOn = []core.TaskID{"x"}
	tk.Conflicts = []core.TaskID{"y"}

	require.Equal(t, 1.0, RiskScore(tk))
}

func TestRiskScore_ZeroForBareTask(t *testing.T) {
	require.Equal(t, 0.0, RiskScore(task("a", 1, time.Now())))
}
