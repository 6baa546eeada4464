// Package session holds the live sessions of one shepard run: each a child
// process in its own git worktree with a bounded scrollback, tracked by a
// Registry that serializes creation, focus changes and teardown.
package session

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/ehayes2000/shepard/internal/proc"
	"github.com/ehayes2000/shepard/internal/worktree"
)

var (
	// ErrUnknownSession is returned for operations on an identifier the
	// registry does not hold.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the session's current state.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrSessionClosing is returned when closing a session twice.
	ErrSessionClosing = errors.New("session is already closing")
	// ErrInvalidName is returned for names that produce no usable branch.
	ErrInvalidName = errors.New("invalid session name")
	// ErrRegistryClosed is returned by Create and OpenShell once CloseAll
	// has started.
	ErrRegistryClosed = errors.New("registry is shutting down")
)

// State is a session's lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateClosing
	StateExited
	StateRemoved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateExited:
		return "exited"
	case StateRemoved:
		return "removed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateClosing, StateExited},
	StateClosing:  {StateExited},
	StateExited:   {StateRemoved},
	StateFailed:   {StateRemoved},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Process is the surface of a running child that sessions depend on.
// *proc.Handle implements it.
type Process interface {
	Write(p []byte) (int, error)
	Resize(size proc.Size) error
	Size() proc.Size
	ReadAvailable() iter.Seq[[]byte]
	Exited() (code int, exited bool)
	Drained() bool
	Terminate(grace time.Duration) error
}

// Session is one supervised child process with its worktree and output.
// The session owns its process and buffer; the worktree is referenced by
// path only.
type Session struct {
	ID        string
	Name      string
	Kind      proc.Kind
	Parent    string // owning session for auxiliary shells
	Worktree  worktree.Worktree
	CreatedAt time.Time
	Buffer    *Scrollback

	mu        sync.Mutex
	state     State
	process   Process
	exitCode  int
	attention bool
	ready     chan struct{} // closed when spawning finished either way

	closeClaimed bool // guarded by Registry.mu
}

func newSession(id, name string, kind proc.Kind, wt worktree.Worktree, scrollback int) *Session {
	return &Session{
		ID:        id,
		Name:      name,
		Kind:      kind,
		Worktree:  wt,
		CreatedAt: time.Now(),
		Buffer:    NewScrollback(scrollback),
		state:     StateStarting,
		ready:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// attach installs the spawned process and moves Starting -> Running.
func (s *Session) attach(p Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateRunning); err != nil {
		return err
	}
	s.process = p
	return nil
}

// Process returns the session's process, or nil before it is running.
func (s *Session) Process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// finish moves the session from `from` to Exited, freezing its scrollback.
// It reports false when the session was not in `from`.
func (s *Session) finish(from State, code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = StateExited
	s.exitCode = code
	s.Buffer.Freeze()
	return true
}

// MarkExited records that a Running session's process ended on its own.
func (s *Session) MarkExited(code int) bool {
	return s.finish(StateRunning, code)
}

// ExitCode returns the exit code once the session has exited.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.state == StateExited || s.state == StateRemoved
}

// Drain moves every available output chunk into the scrollback and hands
// each to emit, in order. It never blocks.
func (s *Session) Drain(emit func([]byte)) int {
	p := s.Process()
	if p == nil {
		return 0
	}
	n := 0
	for chunk := range p.ReadAvailable() {
		if err := s.Buffer.Append(chunk); err != nil {
			break
		}
		n += len(chunk)
		if emit != nil {
			emit(chunk)
		}
	}
	return n
}

// Write forwards input to the process.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	pr, state := s.process, s.state
	s.mu.Unlock()
	if pr == nil || state != StateRunning {
		return 0, proc.ErrBrokenPipe
	}
	return pr.Write(p)
}

// Resize delivers size to a running process.
func (s *Session) Resize(size proc.Size) error {
	s.mu.Lock()
	pr, state := s.process, s.state
	s.mu.Unlock()
	if pr == nil || state != StateRunning {
		return nil
	}
	return pr.Resize(size)
}

// Size returns the terminal size last delivered to the process.
func (s *Session) Size() proc.Size {
	if p := s.Process(); p != nil {
		return p.Size()
	}
	return proc.Size{}
}

// SetAttention flags that the session wants the operator's attention.
func (s *Session) SetAttention(v bool) {
	s.mu.Lock()
	s.attention = v
	s.mu.Unlock()
}

// Attention reports whether the session is flagged.
func (s *Session) Attention() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attention
}

// Summary is a read-only view of a session for display.
type Summary struct {
	ID        string
	Name      string
	Kind      proc.Kind
	Parent    string
	Branch    string
	Path      string
	State     State
	Focused   bool
	Attention bool
	ExitCode  int
	CreatedAt time.Time
}

func (s *Session) summary(focused bool) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:        s.ID,
		Name:      s.Name,
		Kind:      s.Kind,
		Parent:    s.Parent,
		Branch:    s.Worktree.Branch,
		Path:      s.Worktree.Path,
		State:     s.state,
		Focused:   focused,
		Attention: s.attention,
		ExitCode:  s.exitCode,
		CreatedAt: s.CreatedAt,
	}
}
