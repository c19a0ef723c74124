// Package verify implements core.Verifier as an externally configured
// command argv run inside a worktree: argument array, no shell, per-run
// timeout surfaced as core.ErrTimeout.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
)

// CommandRunner runs the project's baseline verification command (e.g.
// `go build ./...` or `npm test`) inside a task's worktree.
type CommandRunner struct {
	Argv    []string
	Timeout time.Duration
}

// New constructs a CommandRunner. A zero timeout falls back to 5 minutes.
func New(argv []string, timeout time.Duration) *CommandRunner {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &CommandRunner{Argv: argv, Timeout: timeout}
}

// Run executes the configured command with workDir as its cwd, capturing
// combined stdout+stderr and reporting pass/fail by exit code.
func (r *CommandRunner) Run(ctx context.Context, workDir string) (*core.VerifyResult, error) {
	if len(r.Argv) == 0 {
		return nil, core.ErrValidation(core.CodeInvalidState, "verify command is empty")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	// #nosec G204 -- argv is a fixed, operator-configured verification command, not derived from task input
	cmd := exec.CommandContext(runCtx, r.Argv[0], r.Argv[1:]...)
	cmd.Dir = workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, core.ErrTimeout(fmt.Sprintf("verification command timed out after %s", r.Timeout))
	}
	if err == nil {
		return &core.VerifyResult{Passed: true, Output: out.String()}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &core.VerifyResult{Passed: false, Output: out.String()}, nil
	}
	return nil, core.ErrExecution(core.CodeInvalidState, fmt.Sprintf("running verification command: %v", err))
}

var _ core.Verifier = (*CommandRunner)(nil)
