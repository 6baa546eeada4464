// Package logger provides the file-backed structured logger used by shepard.
//
// The host terminal belongs to the child sessions while the interactive loop
// runs, so nothing may be written to stdout or stderr. All diagnostics go to
// a log file instead.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	mu       sync.Mutex
	levelVar = new(slog.LevelVar)
	base     *slog.Logger
	logFile  *os.File
	logPath  string
)

// DefaultPath returns $XDG_STATE_HOME/shepard/shepard.log, falling back to
// ~/.local/state/shepard/shepard.log.
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "shepard", "shepard.log"), nil
}

// Init opens the log file at path and installs it as the destination for
// every component logger. Calling Init again replaces the previous file.
func Init(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	logPath = path
	base = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	base.Info("logger initialized", "path", path)
	return nil
}

// SetDebug toggles debug level output.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Path returns the file the logger writes to, or "" before Init.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// ComponentLogger returns a logger with the component attribute attached.
// Before Init it discards everything.
//
//	log := logger.ComponentLogger("registry")
//	log.Info("session created", "id", id, "branch", branch)
func ComponentLogger(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return base.With(slog.String("component", component))
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	base = nil
	logPath = ""
}
