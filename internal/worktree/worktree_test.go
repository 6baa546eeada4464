package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ehayes2000/shepard/internal/logger"
)

// initRepo creates a git repository with one commit and returns its root.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")

	root := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(root, 0o755))
	git(t, root, "init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("hi\n"), 0o644))
	git(t, root, "add", "README")
	git(t, root, "commit", "-q", "-m", "init")
	return root
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := DefaultRunner(context.Background(), dir, args...)
	require.NoError(t, err)
	return out
}

func TestRepoRootOutsideRepository(t *testing.T) {
	runner := func(ctx context.Context, dir string, args ...string) (string, error) {
		return "", &GitError{Args: args, Stderr: "fatal: not a git repository", Err: exec.ErrNotFound}
	}
	_, err := RepoRoot(context.Background(), "/tmp", runner)
	if !errors.Is(err, ErrNotRepository) {
		t.Fatalf("expected ErrNotRepository, got %v", err)
	}
}

func TestCreateRejectsBranchCheckedOutElsewhere(t *testing.T) {
	runner := func(ctx context.Context, dir string, args ...string) (string, error) {
		if args[0] == "worktree" && args[1] == "list" {
			return "worktree /repo\nHEAD abc\nbranch refs/heads/main\n\n" +
				"worktree /elsewhere/feature\nHEAD def\nbranch refs/heads/feature\n", nil
		}
		t.Fatalf("unexpected git call: %v", args)
		return "", nil
	}
	c := &Controller{Root: t.TempDir(), Runner: runner}
	_, err := c.Create(context.Background(), "/repo", "Feature", "")
	if !errors.Is(err, ErrBranchExists) {
		t.Fatalf("expected ErrBranchExists, got %v", err)
	}
}

func TestClassifyAddError(t *testing.T) {
	cases := []struct {
		stderr string
		want   error
	}{
		{"fatal: 'a' is already checked out at '/x'", ErrBranchExists},
		{"fatal: '/x/a' already exists", ErrWorktreeConflict},
		{"fatal: invalid reference: nope", ErrCreateFailed},
	}
	for _, tc := range cases {
		err := classifyAddError(&GitError{Args: []string{"worktree", "add"}, Stderr: tc.stderr, Err: errors.New("exit status 128")})
		if !errors.Is(err, tc.want) {
			t.Errorf("stderr %q: got %v, want %v", tc.stderr, err, tc.want)
		}
	}
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /repo\nHEAD 111\nbranch refs/heads/main\n\n" +
		"worktree /wt/a\nHEAD 222\nbranch refs/heads/a\n\n" +
		"worktree /wt/b\nHEAD 333\ndetached\nprunable gitdir file points to non-existent location\n"
	entries, err := parseWorktreeList(out)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.True(t, entries[0].Main)
	require.Equal(t, "main", entries[0].Branch)
	require.Equal(t, "a", entries[1].Branch)
	require.False(t, entries[1].Main)
	require.True(t, entries[2].Detached)
	require.True(t, entries[2].Prunable)
}

func TestSlugIsValidBranchComponent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := Slug(rapid.String().Draw(t, "name"))
		if strings.Contains(s, "..") || strings.HasSuffix(s, ".lock") {
			t.Fatalf("slug %q is not a valid ref component", s)
		}
		if strings.HasPrefix(s, "-") || strings.HasPrefix(s, ".") || strings.HasSuffix(s, "-") {
			t.Fatalf("slug %q has leading or trailing separator", s)
		}
		for _, r := range s {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '.' || r == '_') {
				t.Fatalf("slug %q contains %q", s, r)
			}
		}
		if Slug(s) != s {
			t.Fatalf("Slug not idempotent: %q -> %q", s, Slug(s))
		}
	})
}

func TestSlugExamples(t *testing.T) {
	cases := map[string]string{
		"a":             "a",
		"Fix Login Bug": "fix-login-bug",
		"feature/x":     "feature-x",
		"  ..weird..  ": "weird",
		"!!!":           "",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreateTwoSessionsDistinctWorktrees(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	c := NewController(t.TempDir())

	a, err := c.Create(ctx, repo, "a", "")
	require.NoError(t, err)
	b, err := c.Create(ctx, repo, "b", "")
	require.NoError(t, err)

	require.NotEqual(t, a.Path, b.Path)
	require.NotEqual(t, a.Branch, b.Branch)
	require.DirExists(t, a.Path)
	require.DirExists(t, b.Path)
	require.Equal(t, filepath.Join(c.RepoDir(repo), "a"), a.Path)

	managed, err := c.Managed(ctx, repo)
	require.NoError(t, err)
	require.Len(t, managed, 2)
}

func TestCreateSameNameTwiceFails(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	c := NewController(t.TempDir())

	_, err := c.Create(ctx, repo, "a", "")
	require.NoError(t, err)
	_, err = c.Create(ctx, repo, "a", "")
	require.ErrorIs(t, err, ErrBranchExists)
}

func TestCreateSuffixesOccupiedDirectory(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	c := NewController(t.TempDir())

	require.NoError(t, os.MkdirAll(filepath.Join(c.RepoDir(repo), "a"), 0o755))
	wt, err := c.Create(ctx, repo, "a", "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(c.RepoDir(repo), "a-2"), wt.Path)
	require.Equal(t, "a", wt.Branch)
}

func TestRemoveCleanWorktree(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	c := NewController(t.TempDir())

	wt, err := c.Create(ctx, repo, "clean", "")
	require.NoError(t, err)
	require.NoError(t, c.Remove(ctx, wt, false))
	require.NoDirExists(t, wt.Path)
	require.False(t, c.branchExists(ctx, repo, wt.Branch))
}

func TestRemoveDirtyWorktreeRefused(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	c := NewController(t.TempDir())

	wt, err := c.Create(ctx, repo, "dirty", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "scratch.txt"), []byte("wip"), 0o644))

	err = c.Remove(ctx, wt, false)
	require.ErrorIs(t, err, ErrDirtyWorktree)
	require.DirExists(t, wt.Path)

	require.NoError(t, c.Remove(ctx, wt, true))
	require.NoDirExists(t, wt.Path)
}

func TestRemoveUnpushedCommitsRefused(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	c := NewController(t.TempDir())

	wt, err := c.Create(ctx, repo, "work", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "new.txt"), []byte("x"), 0o644))
	git(t, wt.Path, "add", "new.txt")
	git(t, wt.Path, "commit", "-q", "-m", "work")

	err = c.Remove(ctx, wt, false)
	require.ErrorIs(t, err, ErrDirtyWorktree)
	require.DirExists(t, wt.Path)
}

func TestRemoveRefusesMainWorktree(t *testing.T) {
	c := &Controller{Root: t.TempDir()}
	err := c.Remove(context.Background(), Worktree{Path: "/repo", RepoRoot: "/repo"}, true)
	require.Error(t, err)
}

func TestCreateReusesExistingBranch(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	c := NewController(t.TempDir())
	git(t, repo, "branch", "existing")

	wt, err := c.Create(ctx, repo, "existing", "")
	require.NoError(t, err)
	head := strings.TrimSpace(git(t, wt.Path, "rev-parse", "--abbrev-ref", "HEAD"))
	require.Equal(t, "existing", head)
	require.False(t, wt.CreatedBranch)
}

func TestRemoveKeepsReusedBranch(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	c := NewController(t.TempDir())
	git(t, repo, "checkout", "-q", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "feature.txt"), []byte("mine"), 0o644))
	git(t, repo, "add", "feature.txt")
	git(t, repo, "commit", "-q", "-m", "unmerged work")
	tip := strings.TrimSpace(git(t, repo, "rev-parse", "feature"))
	git(t, repo, "checkout", "-q", "main")

	wt, err := c.Create(ctx, repo, "feature", "")
	require.NoError(t, err)
	require.False(t, wt.CreatedBranch)

	require.NoError(t, c.Remove(ctx, wt, true))
	require.NoDirExists(t, wt.Path)
	require.True(t, c.branchExists(ctx, repo, "feature"))
	require.Equal(t, tip, strings.TrimSpace(git(t, repo, "rev-parse", "feature")))
}

func TestManagedReportsCreatedBranches(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	c := NewController(t.TempDir())
	git(t, repo, "branch", "existing")

	fresh, err := c.Create(ctx, repo, "fresh", "")
	require.NoError(t, err)
	require.True(t, fresh.CreatedBranch)
	_, err = c.Create(ctx, repo, "existing", "")
	require.NoError(t, err)

	managed, err := c.Managed(ctx, repo)
	require.NoError(t, err)
	require.Len(t, managed, 2)
	created := map[string]bool{}
	for _, wt := range managed {
		created[wt.Branch] = wt.CreatedBranch
	}
	require.Equal(t, map[string]bool{"fresh": true, "existing": false}, created)
}

func TestCreateReusedBranchLogsIgnoredBase(t *testing.T) {
	repo := initRepo(t)
	logPath := filepath.Join(t.TempDir(), "shepard.log")
	require.NoError(t, logger.Init(logPath))
	t.Cleanup(logger.Close)
	ctx := context.Background()
	c := NewController(t.TempDir())
	git(t, repo, "branch", "existing")

	wt, err := c.Create(ctx, repo, "existing", "main")
	require.NoError(t, err)
	require.False(t, wt.CreatedBranch)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "base ignored")
	require.Contains(t, string(data), "branch=existing")
}
