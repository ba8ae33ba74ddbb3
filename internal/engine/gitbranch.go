package engine

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/memcore/memcore/internal/logging"
)

// defaultGitCommandTimeout bounds git-command invocations so a hung or
// missing git binary never blocks a checkpoint operation (spec.md §5
// Timeouts). A zero timeout argument to CurrentGitBranch uses
// GIT_COMMAND_TIMEOUT_MS when it holds a positive integer, else this value.
const defaultGitCommandTimeout = 5 * time.Second

var gitLog = logging.GetLogger("git")

// CurrentGitBranch runs `git rev-parse --abbrev-ref HEAD` in dir under a
// bounded timeout, following the teacher's CaptureGitState/
// runGitCommand shape but adding context.WithTimeout+exec.CommandContext
// since the teacher file itself has no timeout. Returns "" (never an
// error) when git is unavailable, dir is not a repository, or the
// command times out — branch detection is best-effort metadata attached
// to checkpoints, not a required input.
func CurrentGitBranch(dir string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = defaultGitCommandTimeout
		if ms, err := strconv.Atoi(os.Getenv("GIT_COMMAND_TIMEOUT_MS")); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := runGitCommand(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		gitLog.Debug("git branch detection unavailable", "dir", dir, "error", err)
		return ""
	}

	branch := strings.TrimSpace(out)
	if branch == "" || branch == "HEAD" {
		return ""
	}
	return branch
}

func runGitCommand(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
