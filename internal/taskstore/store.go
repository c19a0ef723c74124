// Package taskstore is the exclusive owner of Tasks and their Attempts,
// persisted as a single atomically-written JSON file.
package taskstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
	"github.com/justinstimatze/undercity/internal/fsutil"
)

var _ core.TaskStore = (*Store)(nil)

// Store is a single-file, mutex-guarded, checksum-verified JSON task store.
// Every mutation loads nothing extra since the whole backlog is kept
// resident in memory and flushed to disk after each write.
type Store struct {
	mu       sync.Mutex
	path     string
	lockPath string
	tasks    map[core.TaskID]*core.Task
	git      core.GitClient
}

// envelope wraps the backlog with a checksum so a half-written or truncated
// file is detected rather than silently accepted.
type envelope struct {
	Version   int                     `json:"version"`
	Checksum  string                  `json:"checksum"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Tasks     map[core.TaskID]*core.Task `json:"tasks"`
}

// New creates a store backed by the JSON file at path, loading any existing
// backlog. git is optional; pass nil to disable ReconcileWithGit.
func New(path string, git core.GitClient) (*Store, error) {
	s := &Store{
		path:     path,
		lockPath: path + ".lock",
		tasks:    make(map[core.TaskID]*core.Task),
		git:      git,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := fsutil.ReadStateFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading task store: %w", err)
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		backup, backupErr := fsutil.ReadStateFile(s.path + ".bak")
		if backupErr != nil {
			return core.ErrState(core.CodeStateCorrupted, "task store corrupted and no backup available").WithCause(err)
		}
		env, err = decodeEnvelope(backup)
		if err != nil {
			return core.ErrState(core.CodeStateCorrupted, "task store and backup both corrupted").WithCause(err)
		}
	}

	s.tasks = env.Tasks
	if s.tasks == nil {
		s.tasks = make(map[core.TaskID]*core.Task)
	}
	for id, t := range s.tasks {
		if err := t.Validate(); err != nil {
			return core.ErrState(core.CodeStateCorrupted, fmt.Sprintf("task %s in store file is invalid", id)).WithCause(err)
		}
	}
	return nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling task store envelope: %w", err)
	}
	want := env.Checksum
	env.Checksum = ""
	sum, err := checksumOf(env.Tasks)
	if err != nil {
		return nil, err
	}
	if sum != want {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return &env, nil
}

func checksumOf(tasks map[core.TaskID]*core.Task) (string, error) {
	body, err := json.Marshal(tasks)
	if err != nil {
		return "", fmt.Errorf("marshaling tasks for checksum: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// persist must be called with s.mu held.
func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("creating task store directory: %w", err)
	}

	if data, err := fsutil.ReadStateFile(s.path); err == nil {
		_ = fsutil.WriteStateFile(s.path+".bak", data)
	}

	checksum, err := checksumOf(s.tasks)
	if err != nil {
		return err
	}
	env := envelope{Version: 1, Checksum: checksum, UpdatedAt: time.Now(), Tasks: s.tasks}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling task store: %w", err)
	}
	if err := fsutil.WriteStateFile(s.path, data); err != nil {
		return fmt.Errorf("writing task store: %w", err)
	}
	return nil
}

// List implements core.TaskStore, returning tasks sorted by priority (lower
// runs first) then id so callers get deterministic scheduling order.
func (s *Store) List(_ context.Context) ([]*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*core.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get implements core.TaskStore.
func (s *Store) Get(_ context.Context, id core.TaskID) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", string(id))
	}
	return t, nil
}

// Add implements core.TaskStore.
func (s *Store) Add(_ context.Context, task *core.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return core.ErrValidation("TASK_EXISTS", fmt.Sprintf("task %s already exists", task.ID))
	}
	s.tasks[task.ID] = task
	return s.persist()
}

// UpdateStatus implements core.TaskStore.
func (s *Store) UpdateStatus(_ context.Context, id core.TaskID, status core.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	t.Status = status
	return s.persist()
}

// UpdateFields implements core.TaskStore: mutate runs under the store's lock
// so callers can perform read-modify-write sequences without a separate
// transaction type.
func (s *Store) UpdateFields(_ context.Context, id core.TaskID, mutate func(*core.Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	if err := mutate(t); err != nil {
		return err
	}
	return s.persist()
}

// MarkComplete implements core.TaskStore.
func (s *Store) MarkComplete(_ context.Context, id core.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	if err := t.MarkComplete(); err != nil {
		return err
	}
	return s.persist()
}

// MarkFailed implements core.TaskStore.
func (s *Store) MarkFailed(_ context.Context, id core.TaskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	if err := t.MarkFailed(reason); err != nil {
		return err
	}
	return s.persist()
}

// SetParent implements core.TaskStore, used when a task is decomposed into
// subtasks so the children can be traced back to their origin.
func (s *Store) SetParent(_ context.Context, childID, parentID core.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	child, ok := s.tasks[childID]
	if !ok {
		return core.ErrNotFound("task", string(childID))
	}
	if _, ok := s.tasks[parentID]; !ok {
		return core.ErrNotFound("task", string(parentID))
	}
	child.ParentTaskID = parentID
	return s.persist()
}

// AppendAttempt implements core.TaskStore.
func (s *Store) AppendAttempt(_ context.Context, id core.TaskID, attempt core.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	t.AppendAttempt(attempt)
	return s.persist()
}

// ReconcileWithGit implements core.TaskStore: scans the last lookbackCommits
// commit subjects on the main repo and auto-completes any in_progress task
// whose id appears in a subject, covering the case where a worker committed
// and pushed successfully but crashed before updating the store.
func (s *Store) ReconcileWithGit(ctx context.Context, lookbackCommits int) ([]core.TaskID, error) {
	if s.git == nil {
		return nil, nil
	}
	commits, err := s.git.Log(ctx, lookbackCommits)
	if err != nil {
		return nil, fmt.Errorf("scanning git log: %w", err)
	}

	subjects := make([]string, len(commits))
	for i, c := range commits {
		subjects[i] = strings.ToLower(c.Subject)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var completed []core.TaskID
	for id, t := range s.tasks {
		if t.Status != core.TaskStatusInProgress {
			continue
		}
		needle := strings.ToLower(string(id))
		for _, subject := range subjects {
			if strings.Contains(subject, needle) {
				if err := t.MarkComplete(); err == nil {
					completed = append(completed, id)
				}
				break
			}
		}
	}

	if len(completed) > 0 {
		if err := s.persist(); err != nil {
			return completed, err
		}
	}
	return completed, nil
}

// lockInfo identifies the process holding the store's advisory lock, used to
// serialize grind-loop invocations against the same backlog.
type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// AcquireLock takes an exclusive advisory lock on the store, refusing to
// proceed if another live process already holds one (stale locks older than
// ttl, or held by a dead pid, are reclaimed).
func (s *Store) AcquireLock(ttl time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o750); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	if data, err := fsutil.ReadStateFile(s.lockPath); err == nil {
		var info lockInfo
		if err := json.Unmarshal(data, &info); err == nil {
			if time.Since(info.AcquiredAt) < ttl && processAlive(info.PID) {
				return core.ErrState(core.CodeLockHeld, fmt.Sprintf("task store locked by PID %d since %s", info.PID, info.AcquiredAt))
			}
		}
		if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale lock: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	data, err := json.Marshal(lockInfo{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return core.ErrState(core.CodeLockHeld, "lock file created by another process")
		}
		return fmt.Errorf("creating lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(s.lockPath)
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// ReleaseLock releases the store's advisory lock if this process owns it.
func (s *Store) ReleaseLock() error {
	data, err := fsutil.ReadStateFile(s.lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock file: %w", err)
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("parsing lock info: %w", err)
	}
	if info.PID != os.Getpid() {
		return core.ErrState("LOCK_RELEASE_FAILED", "lock owned by a different process")
	}
	if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	if runtime.GOOS == "windows" && pid == os.Getpid() {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
