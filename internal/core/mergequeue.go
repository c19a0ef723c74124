package core

import "time"

// QueueItemStatus is the lifecycle state of one Merge Queue item.
type QueueItemStatus string

const (
	QueueItemPending  QueueItemStatus = "pending"
	QueueItemRebasing QueueItemStatus = "rebasing"
	QueueItemTesting  QueueItemStatus = "testing"
	QueueItemMerging  QueueItemStatus = "merging"
	QueueItemComplete QueueItemStatus = "complete"
	QueueItemConflict QueueItemStatus = "conflict"
	QueueItemTestFail QueueItemStatus = "test_failed"
	QueueItemRetrying QueueItemStatus = "retrying"
)

// QueueItem is appended when a Worker succeeds and drained FIFO by the Merge Queue.
type QueueItem struct {
	Branch        string          `json:"branch"`
	TaskID        TaskID          `json:"taskId"`
	AgentID       string          `json:"agentId"`
	Status        QueueItemStatus `json:"status"`
	ModifiedFiles []string        `json:"modifiedFiles"`
	RetryCount    int             `json:"retryCount"`
	LastError     string          `json:"lastError,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
}

// ModifiedFileSet returns the item's modified files as a set for conflict checks.
func (q *QueueItem) ModifiedFileSet() map[string]struct{} {
	set := make(map[string]struct{}, len(q.ModifiedFiles))
	for _, f := range q.ModifiedFiles {
		set[f] = struct{}{}
	}
	return set
}

// ConflictPair names two queue items whose modified files intersect.
type ConflictPair struct {
	A, B        string
	Overlapping []string
}
