// Package gitops wraps the git operations the controller needs: dirty-tree
// checks before a run, per-iteration commits, in-iteration file restores, and
// revert-based rollback of committed iterations.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"converge/internal/logging"
)

// Runner executes a git subcommand in dir and returns combined stdout.
// Swappable so tests can script git without a real repository.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

func execRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(ee.Stderr)), err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Git runs repository operations rooted at a working directory.
type Git struct {
	dir string
	run Runner
}

// New returns a Git rooted at dir using the real git binary.
func New(dir string) *Git {
	return &Git{dir: dir, run: execRunner}
}

// NewWithRunner returns a Git that executes through the given runner.
func NewWithRunner(dir string, run Runner) *Git {
	return &Git{dir: dir, run: run}
}

// Dir returns the repository root the operations run in.
func (g *Git) Dir() string { return g.dir }

// EnsureClean fails when the worktree has uncommitted changes, ignoring
// paths under exempt (the run-state directory lives inside the repo).
func (g *Git) EnsureClean(ctx context.Context, exempt string) error {
	// Porcelain paths are repo-relative; rebase an absolute exempt dir.
	if exempt != "" {
		if rel, err := filepath.Rel(g.dir, exempt); err == nil && !strings.HasPrefix(rel, "..") {
			exempt = rel
		}
	}
	out, err := g.run(ctx, g.dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("check worktree: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Porcelain lines are "XY path"; rename entries use "old -> new".
		path := porcelainPath(line)
		if exempt != "" && underDir(path, exempt) {
			continue
		}
		return fmt.Errorf("worktree %s has uncommitted changes (%s)", g.dir, path)
	}
	return nil
}

// Head returns the current commit hash.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, g.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedFiles lists worktree paths that differ from HEAD, staged or not.
func (g *Git) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, g.dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		files = append(files, porcelainPath(line))
	}
	return files, nil
}

// StageAndCommit stages the given files and commits them with an
// iteration-scoped message. It returns the new commit hash, or "" when none
// of the files had changes to commit.
func (g *Git) StageAndCommit(ctx context.Context, files []string, scopeSlug string, iteration int) (string, error) {
	log := logging.New("gitops")
	if len(files) == 0 {
		return "", nil
	}
	args := append([]string{"add", "--"}, files...)
	if _, err := g.run(ctx, g.dir, args...); err != nil {
		return "", fmt.Errorf("stage files: %w", err)
	}
	staged, err := g.run(ctx, g.dir, "diff", "--cached", "--name-only")
	if err != nil {
		return "", fmt.Errorf("inspect staged: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		log.Debug("nothing staged, skipping commit", "iteration", iteration)
		return "", nil
	}
	msg := fmt.Sprintf("converge(%s): iteration %d fixes", scopeSlug, iteration)
	if _, err := g.run(ctx, g.dir, "commit", "-m", msg); err != nil {
		return "", fmt.Errorf("commit iteration %d: %w", iteration, err)
	}
	hash, err := g.Head(ctx)
	if err != nil {
		return "", err
	}
	log.Info("committed iteration fixes", "iteration", iteration, "commit", hash, "files", len(files))
	return hash, nil
}

// RestoreFiles discards uncommitted modifications to the given files,
// returning them to their state at HEAD.
func (g *Git) RestoreFiles(ctx context.Context, files []string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"checkout", "--"}, files...)
	if _, err := g.run(ctx, g.dir, args...); err != nil {
		return fmt.Errorf("restore files: %w", err)
	}
	return nil
}

// Revert applies a revert commit for the given hash without opening an editor.
func (g *Git) Revert(ctx context.Context, hash string) error {
	if _, err := g.run(ctx, g.dir, "revert", "--no-edit", hash); err != nil {
		return fmt.Errorf("revert %s: %w", hash, err)
	}
	return nil
}

func porcelainPath(line string) string {
	path := line[strings.IndexByte(line, ' ')+1:]
	if i := strings.Index(path, " -> "); i >= 0 {
		path = path[i+4:]
	}
	return strings.TrimSpace(path)
}

func underDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}
