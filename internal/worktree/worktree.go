// Package worktree creates and removes the isolated git worktrees that back
// shepard sessions. It shells out to git and never merges or pushes.
package worktree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ehayes2000/shepard/internal/logger"
)

var (
	// ErrNotRepository is returned by RepoRoot outside a git repository.
	ErrNotRepository = errors.New("not inside a git repository")
	// ErrWorktreeConflict means the worktree path or branch is already taken.
	ErrWorktreeConflict = errors.New("worktree conflict")
	// ErrBranchExists means the branch is already checked out in another worktree.
	ErrBranchExists = errors.New("branch already checked out")
	// ErrDirtyWorktree means removal would discard uncommitted or unpushed work.
	ErrDirtyWorktree = errors.New("worktree has uncommitted or unpushed changes")
	// ErrCreateFailed wraps any other failure while creating a worktree.
	ErrCreateFailed = errors.New("worktree create failed")
)

// Runner executes git with args in dir and returns its stdout.
// This abstraction allows mocking in tests.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// GitError carries the stderr of a failed git invocation.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return "git " + strings.Join(e.Args, " ") + ": " + msg
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// DefaultRunner runs git as a real subprocess.
func DefaultRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return string(out), &GitError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return string(out), nil
}

// Worktree is a checked-out, branch-bound copy of a repository.
type Worktree struct {
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	RepoRoot  string    `json:"repo_root"`
	CreatedAt time.Time `json:"created_at"`

	// CreatedBranch is set when the branch was made for this worktree rather
	// than reused. Only such branches are deleted by Remove.
	CreatedBranch bool `json:"created_branch"`
}

// createdMarker is the per-branch git config variable recording that
// shepard created the branch.
const createdMarker = "shepard-created"

// Controller materializes and removes worktrees under Root.
// Layout: <Root>/<repo name>/<session slug>.
type Controller struct {
	Root   string
	Runner Runner // if nil, uses DefaultRunner

	log *slog.Logger
}

// NewController returns a Controller placing worktrees under root.
func NewController(root string) *Controller {
	return &Controller{
		Root: root,
		log:  logger.ComponentLogger("worktree"),
	}
}

func (c *Controller) run(ctx context.Context, dir string, args ...string) (string, error) {
	if c.Runner != nil {
		return c.Runner(ctx, dir, args...)
	}
	return DefaultRunner(ctx, dir, args...)
}

func (c *Controller) logger() *slog.Logger {
	if c.log != nil {
		return c.log
	}
	return logger.ComponentLogger("worktree")
}

// RepoRoot returns the top-level directory of the repository containing dir.
func RepoRoot(ctx context.Context, dir string, runner Runner) (string, error) {
	if runner == nil {
		runner = DefaultRunner
	}
	out, err := runner(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotRepository, dir)
	}
	return strings.TrimSpace(out), nil
}

// RepoDir returns the directory holding every worktree of repoRoot.
func (c *Controller) RepoDir(repoRoot string) string {
	return filepath.Join(c.Root, filepath.Base(repoRoot))
}

// Create checks out a worktree for name on a branch of the same (slugged)
// name. An existing branch that is not checked out anywhere is reused;
// otherwise a new branch is created from base (HEAD when empty). The path
// gets a numeric suffix when the directory already exists.
func (c *Controller) Create(ctx context.Context, repoRoot, name, base string) (Worktree, error) {
	branch := Slug(name)
	if branch == "" {
		return Worktree{}, fmt.Errorf("%w: invalid session name %q", ErrCreateFailed, name)
	}

	entries, err := c.List(ctx, repoRoot)
	if err != nil {
		return Worktree{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	for _, e := range entries {
		if e.Branch == branch {
			return Worktree{}, fmt.Errorf("%w: %s is checked out at %s", ErrBranchExists, branch, e.Path)
		}
	}

	path := c.freePath(c.RepoDir(repoRoot), branch, entries)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Worktree{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	args := []string{"worktree", "add"}
	created := !c.branchExists(ctx, repoRoot, branch)
	if created {
		if base == "" {
			base = "HEAD"
		}
		args = append(args, "-b", branch, path, base)
	} else {
		if base != "" {
			c.logger().Warn("reusing existing branch, base ignored", "branch", branch, "base", base)
		}
		args = append(args, path, branch)
	}
	if _, err := c.run(ctx, repoRoot, args...); err != nil {
		return Worktree{}, classifyAddError(err)
	}
	if created {
		if _, err := c.run(ctx, repoRoot, "config", "branch."+branch+"."+createdMarker, "true"); err != nil {
			c.logger().Warn("could not mark branch as created", "branch", branch, "error", err)
		}
	}

	c.logger().Info("worktree created", "path", path, "branch", branch, "base", base, "new_branch", created)
	return Worktree{
		Path:          path,
		Branch:        branch,
		RepoRoot:      repoRoot,
		CreatedAt:     time.Now(),
		CreatedBranch: created,
	}, nil
}

// createdBranch reports whether branch carries the created marker.
func (c *Controller) createdBranch(ctx context.Context, repoRoot, branch string) bool {
	out, err := c.run(ctx, repoRoot, "config", "--bool", "--get", "branch."+branch+"."+createdMarker)
	return err == nil && strings.TrimSpace(out) == "true"
}

// classifyAddError maps git's complaints onto the package sentinels.
func classifyAddError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "is already checked out"),
		strings.Contains(msg, "is already used by worktree"):
		return fmt.Errorf("%w: %v", ErrBranchExists, err)
	case strings.Contains(msg, "already exists"),
		strings.Contains(msg, "already registered"):
		return fmt.Errorf("%w: %v", ErrWorktreeConflict, err)
	default:
		return fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
}

// freePath returns dir/slug, or dir/slug-N for the first N that is neither
// on disk nor registered with git.
func (c *Controller) freePath(dir, slug string, entries []Entry) string {
	taken := func(p string) bool {
		for _, e := range entries {
			if filepath.Clean(e.Path) == p {
				return true
			}
		}
		_, err := os.Stat(p)
		return err == nil
	}
	candidate := filepath.Join(dir, slug)
	for n := 2; taken(candidate); n++ {
		candidate = filepath.Join(dir, slug+"-"+strconv.Itoa(n))
	}
	return candidate
}

func (c *Controller) branchExists(ctx context.Context, repoRoot, branch string) bool {
	_, err := c.run(ctx, repoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Remove deletes the worktree directory and its administrative record, and
// the branch when wt.CreatedBranch is set; a reused branch is left alone.
// Unless force is set it refuses with ErrDirtyWorktree when the worktree has
// uncommitted changes or a created branch carries commits that no other
// branch or remote contains.
func (c *Controller) Remove(ctx context.Context, wt Worktree, force bool) error {
	if filepath.Clean(wt.Path) == filepath.Clean(wt.RepoRoot) {
		return fmt.Errorf("refusing to remove the main worktree %s", wt.Path)
	}
	_, statErr := os.Stat(wt.Path)
	missing := errors.Is(statErr, os.ErrNotExist)

	if !force {
		if err := c.checkClean(ctx, wt, missing); err != nil {
			return err
		}
	}

	if missing {
		if err := c.Prune(ctx, wt.RepoRoot); err != nil {
			return err
		}
	} else {
		args := []string{"worktree", "remove"}
		if force {
			args = append(args, "--force")
		}
		args = append(args, wt.Path)
		if _, err := c.run(ctx, wt.RepoRoot, args...); err != nil {
			if !force && strings.Contains(err.Error(), "contains modified or untracked files") {
				return fmt.Errorf("%w: %s", ErrDirtyWorktree, wt.Path)
			}
			return err
		}
	}

	if wt.CreatedBranch && wt.Branch != "" && c.branchExists(ctx, wt.RepoRoot, wt.Branch) {
		if _, err := c.run(ctx, wt.RepoRoot, "branch", "-D", wt.Branch); err != nil {
			return err
		}
	}
	c.logger().Info("worktree removed", "path", wt.Path, "branch", wt.Branch, "force", force)
	return nil
}

func (c *Controller) checkClean(ctx context.Context, wt Worktree, missing bool) error {
	if !missing {
		status, err := c.run(ctx, wt.Path, "status", "--porcelain")
		if err != nil {
			return err
		}
		if strings.TrimSpace(status) != "" {
			return fmt.Errorf("%w: uncommitted changes in %s", ErrDirtyWorktree, wt.Path)
		}
	}
	if !wt.CreatedBranch || wt.Branch == "" || !c.branchExists(ctx, wt.RepoRoot, wt.Branch) {
		return nil
	}
	out, err := c.run(ctx, wt.RepoRoot, "rev-list", "--count", "refs/heads/"+wt.Branch,
		"--not", "--exclude="+wt.Branch, "--branches", "--remotes")
	if err != nil {
		return err
	}
	if n, _ := strconv.Atoi(strings.TrimSpace(out)); n > 0 {
		return fmt.Errorf("%w: %d unpushed commit(s) on %s", ErrDirtyWorktree, n, wt.Branch)
	}
	return nil
}

// Prune drops administrative records of worktrees whose directory is gone.
func (c *Controller) Prune(ctx context.Context, repoRoot string) error {
	_, err := c.run(ctx, repoRoot, "worktree", "prune")
	return err
}

// Entry is one record of `git worktree list --porcelain`.
type Entry struct {
	Path     string
	Branch   string
	Head     string
	Main     bool
	Detached bool
	Prunable bool
}

// List returns every worktree registered with the repository; the main
// worktree comes first.
func (c *Controller) List(ctx context.Context, repoRoot string) ([]Entry, error) {
	out, err := c.run(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out)
}

// Managed returns the worktrees that live under this controller's
// directory for repoRoot.
func (c *Controller) Managed(ctx context.Context, repoRoot string) ([]Worktree, error) {
	entries, err := c.List(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	dir := c.RepoDir(repoRoot) + string(filepath.Separator)
	var out []Worktree
	for _, e := range entries {
		if e.Main || !strings.HasPrefix(filepath.Clean(e.Path)+string(filepath.Separator), dir) {
			continue
		}
		wt := Worktree{Path: e.Path, Branch: e.Branch, RepoRoot: repoRoot}
		if e.Branch != "" {
			wt.CreatedBranch = c.createdBranch(ctx, repoRoot, e.Branch)
		}
		if info, err := os.Stat(e.Path); err == nil {
			wt.CreatedAt = info.ModTime()
		}
		out = append(out, wt)
	}
	return out, nil
}

// parseWorktreeList parses porcelain format output.
func parseWorktreeList(output string) ([]Entry, error) {
	var entries []Entry
	var current *Entry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				entries = append(entries, *current)
			}
			current = &Entry{
				Path: strings.TrimPrefix(line, "worktree "),
				Main: len(entries) == 0,
			}
		case current == nil:
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "detached":
			current.Detached = true
		case strings.HasPrefix(line, "prunable"):
			current.Prunable = true
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries, scanner.Err()
}

// Slug turns a session name into a branch and directory name: lower case,
// runs of anything outside [a-z0-9._-] collapse to a single dash.
func Slug(name string) string {
	var b strings.Builder
	lastSep := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastSep = false
		case r == '.' || r == '-':
			if !lastSep {
				b.WriteRune(r)
				lastSep = true
			}
		default:
			if !lastSep {
				b.WriteByte('-')
				lastSep = true
			}
		}
	}
	s := b.String()
	if len(s) > 64 {
		s = s[:64]
	}
	for {
		trimmed := strings.TrimSuffix(strings.Trim(s, "-."), ".lock")
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}
