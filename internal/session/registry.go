package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehayes2000/shepard/internal/logger"
	"github.com/ehayes2000/shepard/internal/proc"
	"github.com/ehayes2000/shepard/internal/worktree"
)

// DefaultGracePeriod is how long Close waits after the graceful stop signal.
const DefaultGracePeriod = 3 * time.Second

// Worktrees creates and removes the worktrees sessions run in.
// *worktree.Controller implements it.
type Worktrees interface {
	Create(ctx context.Context, repoRoot, name, base string) (worktree.Worktree, error)
	Remove(ctx context.Context, wt worktree.Worktree, force bool) error
}

// Spawner starts a process for a session.
type Spawner interface {
	Spawn(cmd proc.Command, dir string, size proc.Size) (Process, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(cmd proc.Command, dir string, size proc.Size) (Process, error)

func (f SpawnFunc) Spawn(cmd proc.Command, dir string, size proc.Size) (Process, error) {
	return f(cmd, dir, size)
}

// PTYSpawner spawns real processes on a pseudo-terminal.
var PTYSpawner = SpawnFunc(func(cmd proc.Command, dir string, size proc.Size) (Process, error) {
	h, err := proc.Spawn(cmd, dir, size)
	if err != nil {
		return nil, err
	}
	return h, nil
})

// Options configures a Registry.
type Options struct {
	RepoRoot        string
	BaseBranch      string
	Assistant       proc.Command
	Shell           proc.Command
	GracePeriod     time.Duration
	ScrollbackBytes int
	InitialSize     proc.Size
	Env             []string // extra environment for every child
}

// CloseReport describes the outcome of Close.
type CloseReport struct {
	ID              string
	Name            string
	Worktree        worktree.Worktree
	WorktreeRemoved bool
	// Warning is set when the worktree could not be removed; the session is
	// gone from the registry but the worktree is left on disk.
	Warning error
}

// Registry is the authoritative table of sessions and the focused one.
// Structural mutations (insert, remove, refocus) are serialized by mu;
// blocking work (git, spawn, grace-period waits) happens outside it.
type Registry struct {
	opts      Options
	worktrees Worktrees
	spawner   Spawner

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	focused  string
	pending  map[string]bool // branch slugs being created
	size     proc.Size
	closed   bool           // set by CloseAll; no inserts afterwards
	creates  sync.WaitGroup // in-flight Create calls

	onFocus  func(*Session)
	onChange func()
	log      *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options, wt Worktrees, sp Spawner) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.InitialSize == (proc.Size{}) {
		opts.InitialSize = proc.Size{Rows: 24, Cols: 80}
	}
	if sp == nil {
		sp = PTYSpawner
	}
	return &Registry{
		opts:      opts,
		worktrees: wt,
		spawner:   sp,
		sessions:  make(map[string]*Session),
		pending:   make(map[string]bool),
		size:      opts.InitialSize,
		log:       logger.ComponentLogger("registry"),
	}
}

// OnFocus registers fn to run, outside the registry lock, whenever the
// focused session changes. fn receives nil when no session is left.
func (r *Registry) OnFocus(fn func(*Session)) {
	r.mu.Lock()
	r.onFocus = fn
	r.mu.Unlock()
}

// OnChange registers fn to run after every structural change.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// SetSize records the host terminal size used for newly spawned processes.
func (r *Registry) SetSize(size proc.Size) {
	r.mu.Lock()
	r.size = size
	r.mu.Unlock()
}

func (r *Registry) fireFocus(s *Session) {
	r.mu.Lock()
	fn := r.onFocus
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (r *Registry) fireChange() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Create materializes a worktree and branch for name, spawns the assistant
// in it and focuses the new session. On failure nothing is left behind: a
// worktree created before a failed spawn is force-removed.
func (r *Registry) Create(ctx context.Context, name, base string) (string, error) {
	name = strings.TrimSpace(name)
	slug := worktree.Slug(name)
	if slug == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	if err := r.conflictLocked(name, slug); err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.pending[slug] = true
	r.creates.Add(1)
	size := r.size
	r.mu.Unlock()
	defer r.creates.Done()
	defer func() {
		r.mu.Lock()
		delete(r.pending, slug)
		r.mu.Unlock()
	}()

	if base == "" {
		base = r.opts.BaseBranch
	}
	wt, err := r.worktrees.Create(ctx, r.opts.RepoRoot, name, base)
	if err != nil {
		r.log.Warn("worktree create failed", "name", name, "error", err)
		return "", err
	}

	s := newSession(uuid.New().String(), name, proc.KindAssistant, wt, r.opts.ScrollbackBytes)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.rollbackWorktree(ctx, wt)
		return "", ErrRegistryClosed
	}
	for _, other := range r.sessions {
		if other.Parent == "" && other.Worktree.Path == wt.Path {
			r.mu.Unlock()
			r.rollbackWorktree(ctx, wt)
			return "", fmt.Errorf("%w: %s is used by session %q", worktree.ErrWorktreeConflict, wt.Path, other.Name)
		}
	}
	r.insertLocked(s)
	r.mu.Unlock()

	if err := r.spawn(s, r.opts.Assistant, size); err != nil {
		r.rollbackWorktree(ctx, wt)
		return "", err
	}

	r.log.Info("session created", "id", s.ID, "name", name, "branch", wt.Branch, "path", wt.Path)
	if r.live(s.ID) {
		r.setFocus(s)
	}
	r.fireChange()
	return s.ID, nil
}

// conflictLocked rejects names whose branch collides with a live or
// in-flight session.
func (r *Registry) conflictLocked(name, slug string) error {
	if r.pending[slug] {
		return fmt.Errorf("%w: session %q is being created", worktree.ErrWorktreeConflict, name)
	}
	for _, s := range r.sessions {
		if s.Parent != "" {
			continue
		}
		if s.Worktree.Branch == slug || s.Name == name {
			return fmt.Errorf("%w: branch %q belongs to session %q", worktree.ErrWorktreeConflict, slug, s.Name)
		}
	}
	return nil
}

func (r *Registry) rollbackWorktree(ctx context.Context, wt worktree.Worktree) {
	if err := r.worktrees.Remove(context.WithoutCancel(ctx), wt, true); err != nil {
		r.log.Error("rollback of worktree failed", "path", wt.Path, "error", err)
	}
}

// live reports whether id is still in the registry. A session created
// while CloseAll ran may already be gone.
func (r *Registry) live(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) insertLocked(s *Session) {
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
}

// spawn starts cmd for s. On failure s goes Failed -> Removed and leaves
// the registry.
func (r *Registry) spawn(s *Session, cmd proc.Command, size proc.Size) error {
	defer close(s.ready)

	cmd.Env = append(slices.Clone(cmd.Env), r.opts.Env...)
	cmd.Env = append(cmd.Env, "SHEPARD_SESSION="+s.Name)
	p, err := r.spawner.Spawn(cmd, s.Worktree.Path, size)
	if err == nil {
		err = s.attach(p)
	}
	if err != nil {
		r.log.Warn("spawn failed", "name", s.Name, "command", cmd.Name, "error", err)
		_ = s.transition(StateFailed)
		r.mu.Lock()
		r.deleteLocked(s.ID)
		r.mu.Unlock()
		_ = s.transition(StateRemoved)
		return err
	}
	return nil
}

// OpenShell starts an auxiliary shell in the worktree of the session id
// (or of its owner, when id is itself a shell) and focuses it.
func (r *Registry) OpenShell(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	owner, ok := r.sessions[id]
	if ok && owner.Parent != "" {
		owner, ok = r.sessions[owner.Parent]
	}
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	n := 1
	for _, s := range r.sessions {
		if s.Parent == owner.ID {
			n++
		}
	}
	name := owner.Name + ":sh"
	if n > 1 {
		name += strconv.Itoa(n)
	}
	s := newSession(uuid.New().String(), name, proc.KindShell, owner.Worktree, r.opts.ScrollbackBytes)
	s.Parent = owner.ID
	r.insertLocked(s)
	size := r.size
	r.mu.Unlock()

	if err := r.spawn(s, r.opts.Shell, size); err != nil {
		return "", err
	}
	r.log.Info("shell opened", "id", s.ID, "name", name, "path", owner.Worktree.Path)
	if r.live(s.ID) {
		r.setFocus(s)
	}
	r.fireChange()
	return s.ID, nil
}

// Focus makes id the focused session and asks for a full redraw.
func (r *Registry) Focus(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	r.setFocus(s)
	return nil
}

func (r *Registry) setFocus(s *Session) {
	r.mu.Lock()
	if s == nil {
		r.focused = ""
	} else {
		r.focused = s.ID
	}
	r.mu.Unlock()
	if s != nil {
		s.SetAttention(false)
	}
	r.fireFocus(s)
}

// FocusNext focuses the session created after the focused one, wrapping.
func (r *Registry) FocusNext() *Session { return r.cycle(1) }

// FocusPrev focuses the session created before the focused one, wrapping.
func (r *Registry) FocusPrev() *Session { return r.cycle(-1) }

func (r *Registry) cycle(step int) *Session {
	r.mu.Lock()
	if len(r.order) == 0 {
		r.mu.Unlock()
		return nil
	}
	i := slices.Index(r.order, r.focused)
	if i < 0 {
		i = 0
	} else {
		i = (i + step + len(r.order)) % len(r.order)
	}
	s := r.sessions[r.order[i]]
	r.mu.Unlock()
	r.setFocus(s)
	return s
}

// Close stops the session's process (graceful signal, then kill after the
// grace period) and removes it. Auxiliary shells of the session go first.
// Unless retainWorktree is set, the worktree and branch are removed too; a
// removal failure is reported in CloseReport.Warning and does not keep the
// session in the registry.
func (r *Registry) Close(ctx context.Context, id string, retainWorktree bool) (CloseReport, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return CloseReport{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	// A close during Starting lets the spawn finish first.
	<-s.ready
	switch s.State() {
	case StateFailed, StateRemoved:
		return CloseReport{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	case StateClosing:
		return CloseReport{}, fmt.Errorf("%w: %s", ErrSessionClosing, s.Name)
	}

	// Exactly one caller tears the session down.
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return CloseReport{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if s.closeClaimed {
		r.mu.Unlock()
		return CloseReport{}, fmt.Errorf("%w: %s", ErrSessionClosing, s.Name)
	}
	s.closeClaimed = true
	r.mu.Unlock()

	for _, child := range r.children(id) {
		if _, err := r.Close(ctx, child.ID, true); err != nil && !errors.Is(err, ErrSessionClosing) {
			r.log.Warn("closing shell failed", "id", child.ID, "error", err)
		}
	}

	p := s.Process()
	if err := s.transition(StateClosing); err == nil {
		_ = p.Terminate(r.opts.GracePeriod)
		code, _ := p.Exited()
		s.Drain(nil)
		s.finish(StateClosing, code)
	} else {
		switch s.State() {
		case StateExited:
			_ = p.Terminate(r.opts.GracePeriod)
		case StateClosing:
			return CloseReport{}, fmt.Errorf("%w: %s", ErrSessionClosing, s.Name)
		default:
			return CloseReport{}, err
		}
	}

	report := CloseReport{ID: s.ID, Name: s.Name, Worktree: s.Worktree}
	if !retainWorktree && s.Parent == "" {
		if err := r.worktrees.Remove(ctx, s.Worktree, false); err != nil {
			report.Warning = fmt.Errorf("worktree %s left in place: %w", s.Worktree.Path, err)
			r.log.Warn("worktree not removed", "path", s.Worktree.Path, "error", err)
		} else {
			report.WorktreeRemoved = true
		}
	}

	r.mu.Lock()
	refocus := r.focused == id
	next := r.neighborLocked(id)
	r.deleteLocked(id)
	r.mu.Unlock()
	_ = s.transition(StateRemoved)

	r.log.Info("session closed", "id", id, "name", s.Name, "retain", retainWorktree, "removed_worktree", report.WorktreeRemoved)
	if refocus {
		r.setFocus(next)
	}
	r.fireChange()
	return report, nil
}

// neighborLocked returns the session focus should fall to when id goes:
// the previous one in creation order, else the next, else nil.
func (r *Registry) neighborLocked(id string) *Session {
	i := slices.Index(r.order, id)
	switch {
	case i > 0:
		return r.sessions[r.order[i-1]]
	case i == 0 && len(r.order) > 1:
		return r.sessions[r.order[1]]
	default:
		return nil
	}
}

func (r *Registry) deleteLocked(id string) {
	delete(r.sessions, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	if r.focused == id {
		r.focused = ""
	}
}

func (r *Registry) children(id string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, cid := range r.order {
		if s := r.sessions[cid]; s.Parent == id {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll closes every session concurrently, retaining worktrees. It is
// used at program exit. Creates still in flight either land in the snapshot
// taken here or roll back with ErrRegistryClosed; CloseAll waits for them.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var ids []string
	for _, id := range r.order {
		if r.sessions[id].Parent == "" {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := r.Close(ctx, id, true)
			if errors.Is(err, ErrUnknownSession) || errors.Is(err, ErrSessionClosing) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	r.creates.Wait()
	return err
}

// List returns summaries of every session in creation order.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].summary(id == r.focused))
	}
	return out
}

// Live returns the sessions in creation order.
func (r *Registry) Live() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// Focused returns the focused session, or nil.
func (r *Registry) Focused() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[r.focused]
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ByName returns the session called name.
func (r *Registry) ByName(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if s := r.sessions[id]; s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// ByWorktree returns the worktree-owning session at path.
func (r *Registry) ByWorktree(path string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if s := r.sessions[id]; s.Parent == "" && s.Worktree.Path == path {
			return s, true
		}
	}
	return nil, false
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
