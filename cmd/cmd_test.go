package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehayes2000/shepard/internal/config"
	"github.com/ehayes2000/shepard/internal/history"
	"github.com/ehayes2000/shepard/internal/status"
	"github.com/ehayes2000/shepard/internal/worktree"
)

// executeCommand runs a cobra command with the given args and captures combined output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	_, err = root.ExecuteC()
	return buf.String(), err
}

// isolate points every XDG directory at a temp dir and resets command state.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(tmp, "state"))
	t.Setenv(status.EnvSession, "")
	t.Setenv(status.EnvSocket, "")

	sessionsAll = false
	cleanForce, cleanDryRun = false, false
	notifySession, notifyEvent, notifySocket = "", string(status.KindStop), ""
	rootCmd.SetIn(nil)
	t.Cleanup(func() { rootCmd.SetIn(nil) })
	return tmp
}

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
	for _, args := range [][]string{
		{"init", "-q", "-b", "main"},
		{"commit", "-q", "--allow-empty", "-m", "init"},
	} {
		_, err := worktree.DefaultRunner(context.Background(), root, args...)
		require.NoError(t, err)
	}
	return root
}

func TestRootOutsideRepository(t *testing.T) {
	isolate(t)
	t.Chdir(t.TempDir())

	_, err := executeCommand(rootCmd)
	require.Error(t, err)
	assert.ErrorIs(t, err, worktree.ErrNotRepository)
}

func TestRootReportsBrokenConfig(t *testing.T) {
	tmp := isolate(t)
	t.Chdir(t.TempDir())
	dir := filepath.Join(tmp, "config", "shepard")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{nope"), 0o644))

	out, err := executeCommand(rootCmd)
	require.Error(t, err)
	assert.Contains(t, out, "warning:")
	assert.Equal(t, config.Defaults().AssistantCommand, GetConfig().AssistantCommand)
}

func TestSetupWritesGlobalConfig(t *testing.T) {
	isolate(t)
	answers := []string{"codex", "-", "/bin/sh", "~/trees", "", "1s", "4096", "n"}
	rootCmd.SetIn(strings.NewReader(strings.Join(answers, "\n") + "\n"))

	out, err := executeCommand(rootCmd, "setup")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Config saved")

	got, err := config.LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, "codex", got.AssistantCommand)
	assert.Equal(t, "~/trees", got.WorktreesPath)
	assert.Equal(t, time.Second, got.GracePeriod.Std())
	assert.Equal(t, 4096, got.ScrollbackBytes)
}

func TestSetupCancelledOnEOF(t *testing.T) {
	isolate(t)
	rootCmd.SetIn(strings.NewReader("codex\n"))

	_, err := executeCommand(rootCmd, "setup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup cancelled")

	path, perr := config.GlobalPath()
	require.NoError(t, perr)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "no config should be written")
}

func TestSessionsListsHistory(t *testing.T) {
	isolate(t)
	t.Chdir(t.TempDir())

	kept := t.TempDir()
	store, err := history.OpenDefault()
	require.NoError(t, err)
	require.NoError(t, store.Touch(history.Entry{
		Name: "gone", Branch: "gone", Worktree: filepath.Join(kept, "missing"), RepoRoot: "/r",
	}))
	require.NoError(t, store.Touch(history.Entry{
		Name: "kept", Branch: "kept", Worktree: kept, RepoRoot: "/r",
	}))

	out, err := executeCommand(rootCmd, "sessions", "--all")
	require.NoError(t, err, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[1], "kept")
	assert.Contains(t, lines[2], "removed")
}

func TestSessionsEmpty(t *testing.T) {
	isolate(t)
	t.Chdir(t.TempDir())

	out, err := executeCommand(rootCmd, "sessions", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "no sessions recorded")
}

func TestSessionsNeedsRepoWithoutAll(t *testing.T) {
	isolate(t)
	t.Chdir(t.TempDir())

	_, err := executeCommand(rootCmd, "sessions")
	assert.ErrorIs(t, err, worktree.ErrNotRepository)
}

func TestCleanRemovesKeptWorktrees(t *testing.T) {
	tmp := isolate(t)
	repo := initRepo(t)
	trees := filepath.Join(tmp, "trees")
	writeConfig(t, tmp, config.Config{WorktreesPath: trees})

	ctl := worktree.NewController(trees)
	ctx := context.Background()
	stale, err := ctl.Create(ctx, repo, "stale", "")
	require.NoError(t, err)
	busy, err := ctl.Create(ctx, repo, "busy", "")
	require.NoError(t, err)

	store, err := history.OpenDefault()
	require.NoError(t, err)
	require.NoError(t, store.Touch(history.Entry{
		Name: "busy", Branch: busy.Branch, Worktree: busy.Path, RepoRoot: repo,
		Open: true, PID: os.Getpid(),
	}))
	require.NoError(t, store.Touch(history.Entry{
		Name: "stale", Branch: stale.Branch, Worktree: stale.Path, RepoRoot: repo,
	}))

	t.Chdir(repo)
	out, err := executeCommand(rootCmd, "clean", "--dry-run")
	require.NoError(t, err, out)
	assert.Contains(t, out, "would remove "+stale.Path)
	assert.DirExists(t, stale.Path)

	cleanDryRun = false
	out, err = executeCommand(rootCmd, "clean")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 removed, 1 skipped")
	assert.NoDirExists(t, stale.Path)
	assert.DirExists(t, busy.Path)

	entries, err := store.ForRepo(repo)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "busy", entries[0].Name)
}

func TestCleanSkipsDirtyWithoutForce(t *testing.T) {
	tmp := isolate(t)
	repo := initRepo(t)
	trees := filepath.Join(tmp, "trees")
	writeConfig(t, tmp, config.Config{WorktreesPath: trees})

	ctl := worktree.NewController(trees)
	wt, err := ctl.Create(context.Background(), repo, "dirty", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "scratch.txt"), []byte("x"), 0o644))

	t.Chdir(repo)
	out, err := executeCommand(rootCmd, "clean")
	require.NoError(t, err)
	assert.Contains(t, out, "--force")
	assert.DirExists(t, wt.Path)

	out, err = executeCommand(rootCmd, "clean", "--force")
	require.NoError(t, err, out)
	assert.NoDirExists(t, wt.Path)
}

func writeConfig(t *testing.T, tmp string, cfg config.Config) {
	t.Helper()
	dir := filepath.Join(tmp, "config", "shepard")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))
}

func TestNotifyDeliversEvent(t *testing.T) {
	isolate(t)
	dir, err := os.MkdirTemp("", "shp")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	srv, err := status.Listen(filepath.Join(dir, "s.sock"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan status.Event, 1)
	go srv.Serve(ctx, func(ev status.Event) { got <- ev })

	t.Setenv(status.EnvSocket, srv.Path())
	out, err := executeCommand(rootCmd, "notify", "--session", "alpha", "--event", "notification")
	require.NoError(t, err, out)

	select {
	case ev := <-got:
		assert.Equal(t, "alpha", ev.Session)
		assert.Equal(t, status.KindNotification, ev.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNotifyOutsideSession(t *testing.T) {
	isolate(t)
	_, err := executeCommand(rootCmd, "notify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running inside a shepard session")
}

func TestNotifyUnknownEvent(t *testing.T) {
	isolate(t)
	_, err := executeCommand(rootCmd, "notify", "--session", "a", "--socket", "/nonexistent", "--event", "bogus")
	assert.ErrorIs(t, err, status.ErrUnknownEvent)
}
