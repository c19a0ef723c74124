package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/justinstimatze/undercity/internal/core"
)

// The engine hands git exactly three shapes of positional argument: refs
// (the main branch, per-task undercity/<id> branches, commit SHAs), remote
// names, and commit messages. Everything else is a path the engine built
// itself. Refs are restricted to [A-Za-z0-9._/-] with no ".." and no
// leading dash, which covers every ref the engine derives and rejects
// anything that could parse as an option or a revision range; the "--"
// separator in each invocation is the second line of defense, not the
// first.
var (
	refChars    = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
	remoteChars = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// checkRef validates a branch name, SHA, or symbolic ref before it is
// passed to a git subprocess.
func checkRef(ref string) error {
	switch {
	case ref == "":
		return core.ErrValidation("INVALID_REF", "ref must not be empty")
	case strings.HasPrefix(ref, "-"):
		return core.ErrValidation("INVALID_REF", fmt.Sprintf("ref %q must not start with a dash", ref))
	case strings.Contains(ref, ".."):
		return core.ErrValidation("INVALID_REF", fmt.Sprintf("ref %q must not contain %q", ref, ".."))
	case !refChars.MatchString(ref):
		return core.ErrValidation("INVALID_REF", fmt.Sprintf("ref %q contains characters outside [A-Za-z0-9._/-]", ref))
	}
	return nil
}

// checkBranch validates a branch name the engine is about to create or
// merge. On top of the ref rules, it rejects the slash/dot placements git
// itself refuses, so a bad task-derived branch fails here with a typed
// error instead of as an opaque git exit status mid-merge.
func checkBranch(name string) error {
	if err := checkRef(name); err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/"):
		return core.ErrValidation("INVALID_BRANCH", fmt.Sprintf("branch %q must not begin or end with a slash", name))
	case strings.Contains(name, "//"):
		return core.ErrValidation("INVALID_BRANCH", fmt.Sprintf("branch %q must not contain an empty path segment", name))
	case strings.HasSuffix(name, "."):
		return core.ErrValidation("INVALID_BRANCH", fmt.Sprintf("branch %q must not end with a dot", name))
	case strings.HasSuffix(name, ".lock"):
		return core.ErrValidation("INVALID_BRANCH", fmt.Sprintf("branch %q collides with git's ref lock files", name))
	}
	return nil
}

// checkRemote validates a configured remote name ("origin" in every
// default deployment).
func checkRemote(remote string) error {
	if remote == "" {
		return core.ErrValidation("INVALID_REMOTE", "remote name must not be empty")
	}
	if strings.HasPrefix(remote, "-") || !remoteChars.MatchString(remote) {
		return core.ErrValidation("INVALID_REMOTE", fmt.Sprintf("remote name %q is not a plain identifier", remote))
	}
	return nil
}

// checkMessage validates a commit or stash message. Messages are
// engine-built ("<task-id>: <objective summary>") but the objective text
// is user intake, so NUL bytes are rejected before they can truncate the
// argv.
func checkMessage(msg string) error {
	if msg == "" {
		return core.ErrValidation("INVALID_MESSAGE", "message must not be empty")
	}
	if strings.IndexByte(msg, 0) >= 0 {
		return core.ErrValidation("INVALID_MESSAGE", "message must not contain a NUL byte")
	}
	return nil
}

// findGitBinary resolves the git executable once at client construction.
// The worktrees this client operates on are populated by an LLM agent, so
// a "git" that resolves (through any symlink) to a file inside the
// repository tree is refused: an agent-written shim must never become the
// engine's git.
func findGitBinary(repoRoot string) (string, error) {
	found, err := exec.LookPath("git")
	if err != nil {
		return "", fmt.Errorf("git not found in PATH: %w", err)
	}
	resolved, err := filepath.Abs(found)
	if err != nil {
		return "", fmt.Errorf("resolving git path: %w", err)
	}
	if target, evalErr := filepath.EvalSymlinks(resolved); evalErr == nil {
		resolved = target
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat git binary: %w", err)
	}
	switch {
	case !info.Mode().IsRegular():
		return "", fmt.Errorf("git binary %s is not a regular file", resolved)
	case runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0:
		return "", fmt.Errorf("git binary %s is not executable", resolved)
	case pathInsideRepo(repoRoot, resolved):
		return "", fmt.Errorf("refusing to execute git resolved into the repository: %s", resolved)
	}
	return resolved, nil
}

// pathInsideRepo reports whether path lives at or under repoRoot.
func pathInsideRepo(repoRoot, path string) bool {
	rel, err := filepath.Rel(repoRoot, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}
