package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
	"github.com/justinstimatze/undercity/internal/fsutil"
	"github.com/justinstimatze/undercity/internal/mergequeue"
	"github.com/justinstimatze/undercity/internal/worker"
)

// liveSnapshot is the shape of .undercity/live-metrics.json: the
// current-session counters, rewritten atomically after every batch.
type liveSnapshot struct {
	UpdatedAt     time.Time                         `json:"updatedAt"`
	Executed      int                               `json:"executed"`
	Merged        int                               `json:"merged"`
	Failed        int                               `json:"failed"`
	Decomposed    int                               `json:"decomposed"`
	MergeFailed   int                               `json:"mergeFailed"`
	ConflictRetry int                               `json:"conflictRetries"`
	PerTier       map[core.ModelTier]core.TierUsage `json:"perTier"`
	Paused        bool                              `json:"paused"`
	ResumeAt      time.Time                         `json:"resumeAt,omitempty"`
}

// attemptRecord is one line of .undercity/metrics.jsonl: a per-task record
// appended once a Worker run terminates.
type attemptRecord struct {
	TaskID        core.TaskID    `json:"taskId"`
	RecordedAt    time.Time      `json:"recordedAt"`
	Outcome       worker.Outcome `json:"outcome"`
	Success       bool           `json:"success"`
	FailureReason string         `json:"failureReason,omitempty"`
	AttemptCount  int            `json:"attemptCount"`
	WasEscalated  bool           `json:"wasEscalated"`
	FinalModel    core.ModelTier `json:"finalModel,omitempty"`
	TotalTokens   int            `json:"totalTokens"`
	InputTokens   int            `json:"inputTokens"`
	OutputTokens  int            `json:"outputTokens"`
	ModifiedFiles []string       `json:"modifiedFiles,omitempty"`
}

// metricsWriter owns the two process-wide metrics artifacts under the
// state directory: the rewritten-in-place live snapshot and the
// append-only per-task journal. Writes are serialised by mu; the jsonl
// append takes the lock too, since os.File.Write from multiple goroutines
// is not itself atomic for multi-line records.
type metricsWriter struct {
	stateDir string
	mu       sync.Mutex
}

func newMetricsWriter(stateDir string) *metricsWriter {
	return &metricsWriter{stateDir: stateDir}
}

// writeLiveSnapshot rewrites live-metrics.json atomically (temp file plus
// rename) from the current session summary and Governor usage.
func (m *metricsWriter) writeLiveSnapshot(ctx context.Context, gov core.Governor, summary Summary, qstats mergequeue.Stats) error {
	if m == nil || m.stateDir == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := liveSnapshot{
		UpdatedAt:     time.Now(),
		Executed:      summary.Executed,
		Merged:        summary.Merged,
		Failed:        summary.Failed,
		Decomposed:    summary.Decomposed,
		MergeFailed:   summary.MergeFailed,
		ConflictRetry: summary.ConflictRetry,
	}
	if gov != nil {
		usage, err := gov.UsageSummary(ctx)
		if err == nil {
			snap.PerTier = usage.PerTier
			snap.Paused = usage.Paused
			snap.ResumeAt = usage.ResumeAt
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteStateFile(filepath.Join(m.stateDir, "live-metrics.json"), data)
}

// appendAttemptRecord appends one line to metrics.jsonl for a finished
// Worker run. A nil result (should not happen; Worker.Run always returns a
// non-nil *Result) is a no-op.
func (m *metricsWriter) appendAttemptRecord(taskID core.TaskID, result *worker.Result) error {
	if m == nil || m.stateDir == "" || result == nil {
		return nil
	}

	rec := attemptRecord{
		TaskID:        taskID,
		RecordedAt:    time.Now(),
		Outcome:       result.Outcome,
		Success:       result.Outcome == worker.ResultMerged,
		FailureReason: result.FailureReason,
		AttemptCount:  len(result.Attempts),
		ModifiedFiles: result.ModifiedFiles,
	}
	for _, a := range result.Attempts {
		rec.InputTokens += a.InputTokens
		rec.OutputTokens += a.OutputTokens
		rec.FinalModel = a.Tier
		if a.Escalated {
			rec.WasEscalated = true
		}
	}
	rec.TotalTokens = rec.InputTokens + rec.OutputTokens

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.stateDir, "metrics.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}
