// Package git wraps the git CLI as a subprocess, implementing core.GitClient
// and core.WorktreeManager for the engine's merge queue and worker packages.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
)

var (
	ErrMergeConflict  = errors.New("merge conflict")
	ErrRebaseConflict = errors.New("rebase conflict")
)

var _ core.GitClient = (*Client)(nil)

// Client wraps git CLI operations rooted at a single repository. Every
// method that mutates or reads a worktree's working tree accepts the
// worktree path explicitly, since the engine invokes git against the main
// repo and against any number of per-task worktrees concurrently.
type Client struct {
	repoPath string
	gitPath  string
	timeout  time.Duration
}

// NewClient creates a git client rooted at repoPath, which must be a git
// repository (the main checkout, not a worktree).
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	gitPath, err := findGitBinary(absPath)
	if err != nil {
		return nil, err
	}

	c := &Client{repoPath: absPath, gitPath: gitPath, timeout: 30 * time.Second}
	if _, err := c.runIn(context.Background(), absPath, "rev-parse", "--git-dir"); err != nil {
		return nil, core.ErrValidation("NOT_GIT_REPO", fmt.Sprintf("%s is not a git repository", absPath))
	}
	return c, nil
}

// WithTimeout overrides the per-command timeout (default 30s).
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// RepoPath returns the main repository's absolute path.
func (c *Client) RepoPath() string { return c.repoPath }

// run executes git in the main repository.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.runIn(ctx, c.repoPath, args...)
}

// runIn executes git with its working directory set to dir. exec.CommandContext
// never invokes a shell, so argument values are not subject to shell
// interpolation; user-controlled ref/path/message arguments are still
// validated by the calling method to prevent option injection into git.
func (c *Client) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	out, _, err := c.runInWithStderr(ctx, dir, args...)
	return out, err
}

func (c *Client) runInWithStderr(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = dir

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = strings.TrimSpace(outBuf.String())
	stderr = strings.TrimSpace(errBuf.String())

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout, stderr, core.ErrTimeout("git command timed out")
		}
		return stdout, stderr, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), stderr, runErr)
	}
	return stdout, stderr, nil
}

// RepoRoot implements core.GitClient.
func (c *Client) RepoRoot(_ context.Context) (string, error) {
	return c.repoPath, nil
}

// RevParse implements core.GitClient.
func (c *Client) RevParse(ctx context.Context, ref string) (string, error) {
	if err := checkRef(ref); err != nil {
		return "", err
	}
	return c.run(ctx, "rev-parse", "--", ref)
}

// CurrentBranch implements core.GitClient.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Fetch implements core.GitClient.
func (c *Client) Fetch(ctx context.Context, remote, ref string) error {
	if err := checkRemote(remote); err != nil {
		return err
	}
	args := []string{"fetch", "--", remote}
	if ref != "" {
		if err := checkRef(ref); err != nil {
			return err
		}
		args = append(args, ref)
	}
	_, err := c.run(ctx, args...)
	return err
}

// CreateWorktree implements core.GitClient. baseRef may name an existing
// branch or commit; branch is created from it if it doesn't already exist.
func (c *Client) CreateWorktree(ctx context.Context, path, branch, baseRef string) error {
	if err := checkBranch(branch); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating worktree parent directory: %w", err)
	}

	exists, err := c.branchExists(ctx, branch)
	if err != nil {
		return fmt.Errorf("checking branch existence: %w", err)
	}

	var args []string
	switch {
	case exists:
		args = []string{"worktree", "add", "--", path, branch}
	case baseRef != "":
		if err := checkRef(baseRef); err != nil {
			return err
		}
		args = []string{"worktree", "add", "-b", branch, "--", path, baseRef}
	default:
		args = []string{"worktree", "add", "-b", branch, "--", path}
	}

	_, err = c.run(ctx, args...)
	return err
}

// RemoveWorktree implements core.GitClient.
func (c *Client) RemoveWorktree(ctx context.Context, path string) error {
	_, err := c.run(ctx, "worktree", "remove", "--force", "--", path)
	return err
}

// ListWorktrees implements core.GitClient.
func (c *Client) ListWorktrees(ctx context.Context) ([]core.Worktree, error) {
	out, err := c.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreePorcelain(out), nil
}

func parseWorktreePorcelain(output string) []core.Worktree {
	var worktrees []core.Worktree
	var current *core.Worktree

	flush := func() {
		if current != nil {
			worktrees = append(worktrees, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &core.Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current != nil && strings.HasPrefix(line, "HEAD "):
			current.BaseSHA = strings.TrimPrefix(line, "HEAD ")
		case current != nil && strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return worktrees
}

func (c *Client) branchExists(ctx context.Context, name string) (bool, error) {
	out, err := c.run(ctx, "branch", "--list", "--format=%(refname:short)", "--", name)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == name, nil
}

// Rebase implements core.GitClient, running against worktreePath. On
// conflict it returns the list of unmerged files rather than an error, so
// the caller (the merge queue) can decide whether to escalate for a reroll.
func (c *Client) Rebase(ctx context.Context, worktreePath, ontoRef string) ([]string, error) {
	if err := checkRef(ontoRef); err != nil {
		return nil, err
	}
	stdout, stderr, err := c.runInWithStderr(ctx, worktreePath, "rebase", "--", ontoRef)
	if err == nil {
		return nil, nil
	}
	if !strings.Contains(stdout, "CONFLICT") && !strings.Contains(stderr, "CONFLICT") &&
		!strings.Contains(stderr, "could not apply") {
		return nil, fmt.Errorf("git rebase: %w: %s%s", err, stdout, stderr)
	}

	conflicted, lsErr := c.runIn(ctx, worktreePath, "diff", "--name-only", "--diff-filter=U")
	if lsErr != nil {
		return nil, fmt.Errorf("%w: %s", ErrRebaseConflict, stdout)
	}
	return splitLines(conflicted), fmt.Errorf("%w: %s", ErrRebaseConflict, stdout)
}

// AbortRebase implements core.GitClient.
func (c *Client) AbortRebase(ctx context.Context, worktreePath string) error {
	_, stderr, err := c.runInWithStderr(ctx, worktreePath, "rebase", "--abort")
	if err != nil && !strings.Contains(stderr, "no rebase in progress") {
		return err
	}
	return nil
}

// MergeFastForward implements core.GitClient: advances the main repo's
// current branch to sha, failing if that isn't a fast-forward.
func (c *Client) MergeFastForward(ctx context.Context, sha string) error {
	if err := checkRef(sha); err != nil {
		return err
	}
	stdout, stderr, err := c.runInWithStderr(ctx, c.repoPath, "merge", "--ff-only", "--", sha)
	if err != nil {
		return fmt.Errorf("%w: %s%s", core.ErrConflict(core.CodeNonFastForward, "merge is not a fast-forward").WithCause(err), stdout, stderr)
	}
	return nil
}

// StashPush implements core.GitClient. The bool return reports whether
// anything was actually stashed (false when the tree was already clean).
func (c *Client) StashPush(ctx context.Context, message string) (bool, error) {
	if err := checkMessage(message); err != nil {
		return false, err
	}
	out, err := c.run(ctx, "stash", "push", "-u", "-m", message)
	if err != nil {
		return false, err
	}
	return !strings.Contains(out, "No local changes to save"), nil
}

// StashPop implements core.GitClient.
func (c *Client) StashPop(ctx context.Context) error {
	_, err := c.run(ctx, "stash", "pop")
	return err
}

// Checkout implements core.GitClient.
func (c *Client) Checkout(ctx context.Context, ref string) error {
	if err := checkRef(ref); err != nil {
		return err
	}
	// "--" comes after ref here, not before: for checkout specifically it
	// marks "no pathspecs follow", disambiguating ref from a path of the
	// same name rather than ending option parsing.
	_, err := c.run(ctx, "checkout", ref, "--")
	return err
}

// Commit implements core.GitClient, running inside worktreePath, and returns
// the new commit SHA.
func (c *Client) Commit(ctx context.Context, worktreePath, message string) (string, error) {
	if err := checkMessage(message); err != nil {
		return "", err
	}
	if _, err := c.runIn(ctx, worktreePath, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.runIn(ctx, worktreePath, "commit", "-m", message); err != nil {
		return "", err
	}
	return c.runIn(ctx, worktreePath, "rev-parse", "HEAD")
}

// Push implements core.GitClient.
func (c *Client) Push(ctx context.Context, worktreePath, remote, branch string) error {
	if err := checkRemote(remote); err != nil {
		return err
	}
	if err := checkBranch(branch); err != nil {
		return err
	}
	_, err := c.runIn(ctx, worktreePath, "push", "--", remote, branch)
	return err
}

// ModifiedFiles implements core.GitClient: files that differ between baseRef
// and worktreePath's HEAD, used by the merge queue to detect file-overlap
// conflicts before attempting a rebase.
func (c *Client) ModifiedFiles(ctx context.Context, worktreePath, baseRef string) ([]string, error) {
	if err := checkRef(baseRef); err != nil {
		return nil, err
	}
	out, err := c.runIn(ctx, worktreePath, "diff", "--name-only", baseRef+"...HEAD")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Log implements core.GitClient, returning the lookback most recent commits
// on the current branch of the main repository.
func (c *Client) Log(ctx context.Context, lookback int) ([]core.CommitInfo, error) {
	out, err := c.run(ctx, "log", fmt.Sprintf("-n%d", lookback), "--format=%H%x1f%s%x1f%cI")
	if err != nil {
		return nil, err
	}
	var commits []core.CommitInfo
	for _, line := range splitLines(out) {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 3 {
			continue
		}
		when, _ := time.Parse(time.RFC3339, parts[2])
		commits = append(commits, core.CommitInfo{SHA: parts[0], Subject: parts[1], When: when})
	}
	return commits, nil
}

// IsClean implements core.GitClient, checked against the main repository.
func (c *Client) IsClean(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

func splitLines(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

