package identity

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// gitTimeout bounds each git invocation.
const gitTimeout = 5 * time.Second

// GitInfo is the git context of a directory.
type GitInfo struct {
	CommonDir string `json:"common_dir,omitempty"`
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

// InRepo reports whether the directory was inside a git checkout.
func (g GitInfo) InRepo() bool {
	return g.Repo != ""
}

// DetectGit inspects dir. A missing git binary or a directory outside any
// repository yields a zero GitInfo, not an error. Worktrees report the name
// of their main repository.
func DetectGit(ctx context.Context, dir string) GitInfo {
	if _, err := exec.LookPath("git"); err != nil {
		return GitInfo{}
	}

	common, err := runGitCommand(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return GitInfo{}
	}
	commonDir := strings.TrimSpace(common)
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(dir, commonDir)
	}
	if abs, err := filepath.Abs(commonDir); err == nil {
		commonDir = abs
	}
	if resolved, err := filepath.EvalSymlinks(commonDir); err == nil {
		commonDir = resolved
	}

	info := GitInfo{CommonDir: commonDir}
	if filepath.Base(commonDir) == ".git" {
		info.Repo = filepath.Base(filepath.Dir(commonDir))
	} else if top, err := runGitCommand(ctx, dir, "rev-parse", "--show-toplevel"); err == nil {
		info.Repo = filepath.Base(strings.TrimSpace(top))
	} else {
		info.Repo = "unknown"
	}

	if branch, err := runGitCommand(ctx, dir, "branch", "--show-current"); err == nil {
		info.Branch = strings.TrimSpace(branch)
	}
	if info.Branch == "" {
		info.Branch = "detached"
	}
	return info
}

// RepoName returns the repository name for dir, or the directory's own name
// outside git.
func RepoName(ctx context.Context, dir string) string {
	if info := DetectGit(ctx, dir); info.InRepo() {
		return info.Repo
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Base(dir)
	}
	return filepath.Base(abs)
}

func runGitCommand(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // G204 - fixed git subcommands
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}
