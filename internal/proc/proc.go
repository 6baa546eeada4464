// Package proc runs one child process attached to a pseudo-terminal and
// exposes its read, write, resize and termination surface.
package proc

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ehayes2000/shepard/internal/logger"
)

var (
	// ErrSpawnFailed means the executable is missing or the OS refused to
	// create the pty or the process.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrBrokenPipe is returned by Write once the child has exited.
	ErrBrokenPipe = errors.New("broken pipe: process has exited")
)

const (
	readSize = 32 * 1024
	// chunkBuffer bounds the chunks queued between the reader goroutine and
	// the poll cycle. A full queue blocks the reader, which back-pressures
	// the child instead of dropping output.
	chunkBuffer = 256
)

// Kind tags what a process runs; the bridge itself treats all kinds alike.
type Kind int

const (
	KindAssistant Kind = iota
	KindShell
)

func (k Kind) String() string {
	switch k {
	case KindAssistant:
		return "assistant"
	case KindShell:
		return "shell"
	default:
		return "unknown"
	}
}

// Command describes the program a session runs.
type Command struct {
	Kind Kind
	Name string
	Args []string
	Env  []string // appended to the parent environment
}

// Size is a terminal size in character cells.
type Size struct {
	Rows uint16
	Cols uint16
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Cols, s.Rows)
}

// Handle owns one child process and the master side of its pty.
type Handle struct {
	cmd    *exec.Cmd
	pty    *os.File
	chunks chan []byte
	done   chan struct{} // closed once the child has been reaped
	eof    chan struct{} // closed once the reader hit end of stream
	stop   chan struct{} // closed on release; unblocks the reader

	mu       sync.Mutex
	size     Size
	exitCode int

	termMu  sync.Mutex
	release sync.Once

	setsize func(*os.File, *pty.Winsize) error
	log     *slog.Logger
}

// Spawn starts cmd in dir with its controlling terminal set to a new pty of
// the given size.
func Spawn(c Command, dir string, size Size) (*Handle, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), c.Env...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	h := &Handle{
		cmd:     cmd,
		pty:     f,
		chunks:  make(chan []byte, chunkBuffer),
		done:    make(chan struct{}),
		eof:     make(chan struct{}),
		stop:    make(chan struct{}),
		size:    size,
		setsize: pty.Setsize,
		log:     logger.ComponentLogger("proc").With("pid", cmd.Process.Pid, "kind", c.Kind.String()),
	}
	go h.readLoop()
	go h.wait()

	h.log.Info("process spawned", "command", path, "dir", dir, "size", size.String())
	return h, nil
}

func (h *Handle) readLoop() {
	defer close(h.eof)
	defer close(h.chunks)
	buf := make([]byte, readSize)
	for {
		n, err := h.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case h.chunks <- chunk:
			case <-h.stop:
				return
			}
		}
		if err != nil {
			// EIO is how Linux reports that the slave side is gone.
			return
		}
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
	h.log.Info("process exited", "code", code, "error", err)
}

// Pid returns the child's process ID, which is also its process group ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Write forwards raw input to the child.
func (h *Handle) Write(p []byte) (int, error) {
	if _, exited := h.Exited(); exited {
		return 0, ErrBrokenPipe
	}
	n, err := h.pty.Write(p)
	if err != nil {
		if _, exited := h.Exited(); exited || errors.Is(err, os.ErrClosed) {
			return n, ErrBrokenPipe
		}
		return n, err
	}
	return n, nil
}

// Resize propagates size to the pty. Unchanged sizes are not re-sent, so
// the child never sees a spurious SIGWINCH.
func (h *Handle) Resize(size Size) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == h.size {
		return nil
	}
	if err := h.setsize(h.pty, &pty.Winsize{Rows: size.Rows, Cols: size.Cols}); err != nil {
		return fmt.Errorf("resizing pty: %w", err)
	}
	h.size = size
	return nil
}

// Size returns the size last delivered to the pty.
func (h *Handle) Size() Size {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// ReadAvailable yields the output chunks that are ready now and stops as
// soon as none are; it never blocks. Ranging over it again resumes where the
// previous range stopped.
func (h *Handle) ReadAvailable() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case chunk, ok := <-h.chunks:
				if !ok {
					return
				}
				if !yield(chunk) {
					return
				}
			default:
				return
			}
		}
	}
}

// Exited reports whether the child has been reaped and, if so, its exit
// code (-1 when it was killed by a signal).
func (h *Handle) Exited() (int, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, true
	default:
		return 0, false
	}
}

// Drained reports whether the output stream has ended and every chunk has
// been consumed.
func (h *Handle) Drained() bool {
	select {
	case <-h.eof:
		return len(h.chunks) == 0
	default:
		return false
	}
}

// Terminate sends SIGHUP and SIGTERM to the child's process group, waits up
// to grace for it to exit, then SIGKILLs the group. It returns once the child
// has been reaped. Calling it again is a no-op.
func (h *Handle) Terminate(grace time.Duration) error {
	h.termMu.Lock()
	defer h.termMu.Unlock()

	select {
	case <-h.done:
		h.cleanup()
		return nil
	default:
	}

	pgid := h.Pid()
	h.log.Info("terminating process", "grace", grace)
	_ = syscall.Kill(-pgid, syscall.SIGHUP)
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		h.log.Warn("grace period expired, killing process group")
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			h.log.Error("kill failed", "error", err)
		}
		<-h.done
	}
	h.cleanup()
	return nil
}

// cleanup kills any process left in the group, stops the reader and closes
// the pty.
func (h *Handle) cleanup() {
	h.release.Do(func() {
		_ = syscall.Kill(-h.Pid(), syscall.SIGKILL)
		close(h.stop)
		h.pty.Close()
	})
}
