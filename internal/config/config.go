package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ProjectFile is the per-repository config file name, read from the
// repository root.
const ProjectFile = ".shepard.json"

// Config holds all configurable shepard settings.
type Config struct {
	AssistantCommand string   `json:"assistant_command,omitempty"`
	AssistantArgs    []string `json:"assistant_args,omitempty"`
	ShellCommand     string   `json:"shell_command,omitempty"`  // default $SHELL
	WorktreesPath    string   `json:"worktrees_path,omitempty"` // "~" expanded
	BaseBranch       string   `json:"base_branch,omitempty"`    // empty: current HEAD
	GracePeriod      Duration `json:"grace_period,omitempty"`
	ScrollbackBytes  int      `json:"scrollback_bytes,omitempty"`
	// DiscardWorktreeOnClose preselects "discard" in the close prompt.
	DiscardWorktreeOnClose *bool `json:"discard_worktree_on_close,omitempty"`
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	discard := false
	return Config{
		AssistantCommand:       "claude",
		AssistantArgs:          []string{"--dangerously-skip-permissions"},
		ShellCommand:           shell,
		WorktreesPath:          "~/worktrees",
		GracePeriod:            Duration(3 * time.Second),
		ScrollbackBytes:        1 << 20,
		DiscardWorktreeOnClose: &discard,
	}
}

// Dir returns the shepard config directory:
// $XDG_CONFIG_HOME/shepard or ~/.config/shepard.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "shepard"), nil
}

// GlobalPath returns the path of the global config file.
func GlobalPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LoadGlobal reads the global config file.
// Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	path, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return loadFile(path, true)
}

// LoadProject reads .shepard.json at the repository root.
// Returns nil (no error) if the file is absent.
func LoadProject(repoRoot string) (*Config, error) {
	return loadFile(filepath.Join(repoRoot, ProjectFile), false)
}

// loadFile reads and parses a JSON config file at path.
// If returnDefaults is true, returns defaults when the file is absent.
// If returnDefaults is false, returns nil when the file is absent.
func loadFile(path string, returnDefaults bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if returnDefaults {
				d := Defaults()
				return &d, nil
			}
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Load reads the global and project files and merges them. A file that
// cannot be read or parsed never fails the load: it is skipped and
// reported as a *LoadWarning.
func Load(repoRoot string) (Config, []error) {
	var warnings []error

	global, err := LoadGlobal()
	if err != nil {
		warnings = append(warnings, asWarning("global", err))
		global = nil
	}
	var project *Config
	if repoRoot != "" {
		project, err = LoadProject(repoRoot)
		if err != nil {
			warnings = append(warnings, asWarning(filepath.Join(repoRoot, ProjectFile), err))
			project = nil
		}
	}

	cfg := Merge(global, project)
	if err := cfg.Validate(); err != nil {
		warnings = append(warnings, &LoadWarning{Path: "merged", Err: err})
		cfg = Merge(nil, nil)
	}
	return cfg, warnings
}

func asWarning(path string, err error) *LoadWarning {
	var pe *ParseError
	if errors.As(err, &pe) {
		path = pe.Path
	}
	return &LoadWarning{Path: path, Err: err}
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	result.apply(global)
	result.apply(project)
	return result
}

func (c *Config) apply(o *Config) {
	if o == nil {
		return
	}
	if o.AssistantCommand != "" {
		c.AssistantCommand = o.AssistantCommand
	}
	if o.AssistantArgs != nil {
		c.AssistantArgs = o.AssistantArgs
	}
	if o.ShellCommand != "" {
		c.ShellCommand = o.ShellCommand
	}
	if o.WorktreesPath != "" {
		c.WorktreesPath = o.WorktreesPath
	}
	if o.BaseBranch != "" {
		c.BaseBranch = o.BaseBranch
	}
	if o.GracePeriod > 0 {
		c.GracePeriod = o.GracePeriod
	}
	if o.ScrollbackBytes > 0 {
		c.ScrollbackBytes = o.ScrollbackBytes
	}
	if o.DiscardWorktreeOnClose != nil {
		v := *o.DiscardWorktreeOnClose
		c.DiscardWorktreeOnClose = &v
	}
}

// Validate rejects values no session could run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AssistantCommand) == "" {
		return errors.New("assistant_command is empty")
	}
	if c.ScrollbackBytes < 0 {
		return fmt.Errorf("scrollback_bytes must be positive, got %d", c.ScrollbackBytes)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative, got %s", c.GracePeriod)
	}
	return nil
}

// DiscardByDefault reports whether the close prompt preselects discarding.
func (c Config) DiscardByDefault() bool {
	return c.DiscardWorktreeOnClose != nil && *c.DiscardWorktreeOnClose
}

// WorktreesDir returns WorktreesPath with a leading "~" expanded.
func (c Config) WorktreesDir() (string, error) {
	return ExpandHome(c.WorktreesPath)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// Save writes cfg to path atomically via a temp file and rename, creating
// the directory if needed.
func Save(path string, cfg Config) (err error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Duration is a time.Duration written as a string like "3s" in JSON.
// Plain numbers are read as seconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// LoadWarning reports a config file that was ignored. Defaults (or the
// other file) were used in its place.
type LoadWarning struct {
	Path string
	Err  error
}

func (w *LoadWarning) Error() string {
	return "ignoring config " + w.Path + ": " + w.Err.Error()
}

func (w *LoadWarning) Unwrap() error {
	return w.Err
}
