package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskLifecycle_TransitionsEnforced(t *testing.T) {
	task := NewTask("T1", "do the thing", 500)
	require.Equal(t, TaskStatusPending, task.Status)

	require.Error(t, task.MarkComplete(), "pending -> complete must be rejected")
	require.Error(t, task.MarkFailed("nope"))
	require.Error(t, task.MarkDecomposed())

	require.NoError(t, task.MarkInProgress())
	require.Error(t, task.MarkInProgress(), "in_progress -> in_progress must be rejected")

	require.NoError(t, task.MarkComplete())
	require.NotNil(t, task.CompletedAt)
	require.True(t, task.IsTerminal())
}

func TestMarkFailed_RecordsReasonAndCompletionTime(t *testing.T) {
	task := NewTask("T1", "do the thing", 500)
	require.NoError(t, task.MarkInProgress())
	require.NoError(t, task.MarkFailed("verification kept failing"))
	require.Equal(t, TaskStatusFailed, task.Status)
	require.Equal(t, "verification kept failing", task.Error)
	require.NotNil(t, task.CompletedAt)
}

func TestIsReady_DependencyOnUnknownIDBlocksForever(t *testing.T) {
	task := NewTask("T2", "depends on a ghost", 500)
	task.DependsOn = []TaskID{"missing"}

	completed := map[TaskID]bool{"T1": true}
	require.False(t, task.IsReady(completed))

	task.DependsOn = []TaskID{"T1"}
	require.True(t, task.IsReady(completed))

	require.NoError(t, task.MarkInProgress())
	require.False(t, task.IsReady(completed), "only pending tasks are ready")
}

func TestAppendAttempt_SequencesAreDenseAndMonotone(t *testing.T) {
	task := NewTask("T1", "do the thing", 500)
	task.AppendAttempt(Attempt{Tier: TierSmall})
	task.AppendAttempt(Attempt{Tier: TierSmall})
	task.AppendAttempt(Attempt{Tier: TierMedium})

	require.Len(t, task.Attempts, 3)
	for i, a := range task.Attempts {
		require.Equal(t, i+1, a.Sequence)
	}
}

func TestValidate_RejectsUnknownStatus(t *testing.T) {
	task := NewTask("T1", "do the thing", 500)
	require.NoError(t, task.Validate())

	task.Status = "wedged"
	require.Error(t, task.Validate())
}

func TestParseModelTier(t *testing.T) {
	for _, s := range []string{"T0", "T1", "T2"} {
		tier, err := ParseModelTier(s)
		require.NoError(t, err)
		require.Equal(t, ModelTier(s), tier)
	}
	for _, s := range []string{"", "t0", "T3", "opus"} {
		_, err := ParseModelTier(s)
		require.Error(t, err)
	}
}

func TestModelTier_NextAndLess(t *testing.T) {
	next, ok := TierSmall.Next()
	require.True(t, ok)
	require.Equal(t, TierMedium, next)

	next, ok = TierMedium.Next()
	require.True(t, ok)
	require.Equal(t, TierLarge, next)

	_, ok = TierLarge.Next()
	require.False(t, ok)

	require.True(t, TierSmall.Less(TierLarge))
	require.False(t, TierLarge.Less(TierSmall))
	require.False(t, TierMedium.Less(TierMedium))
}
