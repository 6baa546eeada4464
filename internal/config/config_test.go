package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Merge precedence: project over global over defaults, field by field.
func TestConfigMergePrecedence(t *testing.T) {
	nonEmptyString := rapid.StringMatching(`[a-zA-Z0-9/_.-]{1,20}`)

	configGen := rapid.Custom(func(t *rapid.T) *Config {
		cfg := &Config{}
		if rapid.Bool().Draw(t, "hasAssistant") {
			cfg.AssistantCommand = nonEmptyString.Draw(t, "assistant")
		}
		if rapid.Bool().Draw(t, "hasShell") {
			cfg.ShellCommand = nonEmptyString.Draw(t, "shell")
		}
		if rapid.Bool().Draw(t, "hasWorktrees") {
			cfg.WorktreesPath = nonEmptyString.Draw(t, "worktrees")
		}
		if rapid.Bool().Draw(t, "hasBase") {
			cfg.BaseBranch = nonEmptyString.Draw(t, "base")
		}
		if rapid.Bool().Draw(t, "hasScrollback") {
			cfg.ScrollbackBytes = rapid.IntRange(1, 1<<24).Draw(t, "scrollback")
		}
		if rapid.Bool().Draw(t, "hasDiscard") {
			v := rapid.Bool().Draw(t, "discard")
			cfg.DiscardWorktreeOnClose = &v
		}
		return cfg
	})

	rapid.Check(t, func(t *rapid.T) {
		global := configGen.Draw(t, "global")
		project := configGen.Draw(t, "project")

		merged := Merge(global, project)
		defaults := Defaults()

		checkStringField(t, "AssistantCommand",
			global.AssistantCommand, project.AssistantCommand, defaults.AssistantCommand,
			merged.AssistantCommand)
		checkStringField(t, "ShellCommand",
			global.ShellCommand, project.ShellCommand, defaults.ShellCommand,
			merged.ShellCommand)
		checkStringField(t, "WorktreesPath",
			global.WorktreesPath, project.WorktreesPath, defaults.WorktreesPath,
			merged.WorktreesPath)
		checkStringField(t, "BaseBranch",
			global.BaseBranch, project.BaseBranch, defaults.BaseBranch,
			merged.BaseBranch)

		switch {
		case project.ScrollbackBytes > 0:
			if merged.ScrollbackBytes != project.ScrollbackBytes {
				t.Fatalf("ScrollbackBytes: expected project %d, got %d", project.ScrollbackBytes, merged.ScrollbackBytes)
			}
		case global.ScrollbackBytes > 0:
			if merged.ScrollbackBytes != global.ScrollbackBytes {
				t.Fatalf("ScrollbackBytes: expected global %d, got %d", global.ScrollbackBytes, merged.ScrollbackBytes)
			}
		default:
			if merged.ScrollbackBytes != defaults.ScrollbackBytes {
				t.Fatalf("ScrollbackBytes: expected default, got %d", merged.ScrollbackBytes)
			}
		}

		want := false
		switch {
		case project.DiscardWorktreeOnClose != nil:
			want = *project.DiscardWorktreeOnClose
		case global.DiscardWorktreeOnClose != nil:
			want = *global.DiscardWorktreeOnClose
		}
		if merged.DiscardByDefault() != want {
			t.Fatalf("DiscardWorktreeOnClose: expected %v, got %v", want, merged.DiscardByDefault())
		}
	})
}

// checkStringField asserts the merge precedence rule for a single string field:
//   - project non-empty  → merged == project
//   - project empty, global non-empty → merged == global
//   - both empty → merged == defaultVal
func checkStringField(t *rapid.T, name, globalVal, projectVal, defaultVal, mergedVal string) {
	t.Helper()
	switch {
	case projectVal != "":
		if mergedVal != projectVal {
			t.Fatalf("%s: both set — expected project value %q, got %q", name, projectVal, mergedVal)
		}
	case globalVal != "":
		if mergedVal != globalVal {
			t.Fatalf("%s: only global set — expected global value %q, got %q", name, globalVal, mergedVal)
		}
	default:
		if mergedVal != defaultVal {
			t.Fatalf("%s: neither set — expected default %q, got %q", name, defaultVal, mergedVal)
		}
	}
}

func TestDefaultsValues(t *testing.T) {
	t.Setenv("SHELL", "")
	d := Defaults()
	if d.AssistantCommand != "claude" {
		t.Errorf("AssistantCommand: want %q, got %q", "claude", d.AssistantCommand)
	}
	if d.ShellCommand != "/bin/sh" {
		t.Errorf("ShellCommand: want %q, got %q", "/bin/sh", d.ShellCommand)
	}
	if d.GracePeriod.Std() != 3*time.Second {
		t.Errorf("GracePeriod: want 3s, got %s", d.GracePeriod)
	}
	if d.ScrollbackBytes != 1<<20 {
		t.Errorf("ScrollbackBytes: want 1MiB, got %d", d.ScrollbackBytes)
	}
	if d.DiscardByDefault() {
		t.Error("DiscardWorktreeOnClose: want false")
	}
}

func TestLoadGlobalMissingFileReturnsDefaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("XDG_CONFIG_HOME", "")

	cfg, err := LoadGlobal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config, got nil")
	}
	if cfg.AssistantCommand != Defaults().AssistantCommand {
		t.Errorf("AssistantCommand: want default, got %q", cfg.AssistantCommand)
	}
}

func TestLoadProjectMissingFileReturnsNil(t *testing.T) {
	cfg, err := LoadProject(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config, got %+v", cfg)
	}
}

func writeGlobal(t *testing.T, body string) {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	dir := filepath.Join(tmp, "shepard")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadGlobalParseError(t *testing.T) {
	writeGlobal(t, "{invalid json")

	_, err := LoadGlobal()
	if err == nil {
		t.Fatal("expected an error for invalid JSON, got nil")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("expected *ParseError, got %T: %v", err, err)
	}
}

func TestLoadMalformedFileWarnsAndUsesDefaults(t *testing.T) {
	writeGlobal(t, "{invalid json")
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, ProjectFile), []byte(`{"base_branch":"develop"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, warnings := Load(repo)
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
	var w *LoadWarning
	if !errors.As(warnings[0], &w) {
		t.Fatalf("expected *LoadWarning, got %T", warnings[0])
	}
	var parseErr *ParseError
	if !errors.As(warnings[0], &parseErr) {
		t.Errorf("warning should wrap the parse error")
	}
	if cfg.AssistantCommand != "claude" {
		t.Errorf("expected default assistant, got %q", cfg.AssistantCommand)
	}
	if cfg.BaseBranch != "develop" {
		t.Errorf("project value lost: %q", cfg.BaseBranch)
	}
}

func TestLoadReadsFields(t *testing.T) {
	writeGlobal(t, `{
		"assistant_command": "codex",
		"assistant_args": [],
		"grace_period": "500ms",
		"scrollback_bytes": 4096,
		"discard_worktree_on_close": true
	}`)

	cfg, warnings := Load("")
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if cfg.AssistantCommand != "codex" {
		t.Errorf("AssistantCommand: got %q", cfg.AssistantCommand)
	}
	if len(cfg.AssistantArgs) != 0 {
		t.Errorf("AssistantArgs: want empty, got %v", cfg.AssistantArgs)
	}
	if cfg.GracePeriod.Std() != 500*time.Millisecond {
		t.Errorf("GracePeriod: got %s", cfg.GracePeriod)
	}
	if cfg.ScrollbackBytes != 4096 {
		t.Errorf("ScrollbackBytes: got %d", cfg.ScrollbackBytes)
	}
	if !cfg.DiscardByDefault() {
		t.Error("DiscardWorktreeOnClose: want true")
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"2m"`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 2*time.Minute {
		t.Errorf("want 2m, got %s", d)
	}
	if err := json.Unmarshal([]byte(`5`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 5*time.Second {
		t.Errorf("want 5s, got %s", d)
	}
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Error("expected error for invalid duration")
	}
	out, err := json.Marshal(Duration(1500 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `"1.5s"` {
		t.Errorf("marshal: got %s", out)
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Defaults()
	cfg.AssistantCommand = "aider"
	cfg.BaseBranch = "main"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := loadFile(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssistantCommand != "aider" || got.BaseBranch != "main" {
		t.Errorf("round trip lost values: %+v", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/op")
	got, err := ExpandHome("~/worktrees")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/home/op/worktrees" {
		t.Errorf("got %q", got)
	}
	if got, _ := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("absolute path changed: %q", got)
	}
}
