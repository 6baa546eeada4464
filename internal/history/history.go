// Package history persists the sessions shepard has run, most recent first,
// so `shepard sessions` and `shepard clean` can see them after exit.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// MaxEntries caps the history file.
const MaxEntries = 100

// Entry is one recorded session.
type Entry struct {
	Name     string    `json:"name"`
	Branch   string    `json:"branch"`
	Worktree string    `json:"worktree"`
	RepoRoot string    `json:"repo_root"`
	LastUsed time.Time `json:"last_used"`
	// Open is true while a shepard process holds the session.
	Open bool `json:"open"`
	PID  int  `json:"pid,omitempty"`
}

type file struct {
	Entries []Entry `json:"entries"`
}

// Store persists entries to a JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

// DefaultPath returns $XDG_DATA_HOME/shepard/history.json, falling back to
// ~/.local/share.
func DefaultPath() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "shepard", "history.json"), nil
}

// Open returns a store at path, creating its directory.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Store{path: path}, nil
}

// OpenDefault opens the store at DefaultPath.
func OpenDefault() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	return Open(path)
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Load returns all entries, most recent first. A missing file is an empty
// history.
func (s *Store) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	return f.Entries, nil
}

// ForRepo returns the entries recorded for repoRoot, most recent first.
func (s *Store) ForRepo(repoRoot string) ([]Entry, error) {
	all, err := s.Load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.RepoRoot == repoRoot {
			out = append(out, e)
		}
	}
	return out, nil
}

// Touch records e as the most recent entry, replacing any entry with the
// same worktree path, and trims the history to MaxEntries. An unreadable
// file is replaced.
func (s *Store) Touch(e Entry) error {
	return s.Update(func(entries []Entry) []Entry {
		if e.LastUsed.IsZero() {
			e.LastUsed = time.Now()
		}
		entries = slices.DeleteFunc(entries, func(x Entry) bool { return x.Worktree == e.Worktree })
		return append([]Entry{e}, entries...)
	})
}

// Update applies fn to the stored entries and writes the result, capped at
// MaxEntries.
func (s *Store) Update(fn func([]Entry) []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		entries = nil
	}
	entries = fn(entries)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	return s.save(entries)
}

// Remove drops the entry for worktree.
func (s *Store) Remove(worktree string) error {
	return s.Update(func(entries []Entry) []Entry {
		return slices.DeleteFunc(entries, func(x Entry) bool { return x.Worktree == worktree })
	})
}

// save marshals entries to JSON and writes them atomically via a temp file
// + os.Rename.
func (s *Store) save(entries []Entry) (err error) {
	data, err := json.MarshalIndent(file{Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to persist history: %w", err)
	}

	// Write to a temp file in the same directory so os.Rename is atomic.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "history-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist history: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist history: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist history: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to persist history: %w", err)
	}
	return nil
}
