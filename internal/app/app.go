// Package app runs the interactive loop: it owns the host terminal in raw
// mode, polls the multiplexer on a fixed tick, routes input and dispatches
// the supervisor's own commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/term"

	"github.com/ehayes2000/shepard/internal/history"
	"github.com/ehayes2000/shepard/internal/keys"
	"github.com/ehayes2000/shepard/internal/logger"
	"github.com/ehayes2000/shepard/internal/mux"
	"github.com/ehayes2000/shepard/internal/proc"
	"github.com/ehayes2000/shepard/internal/session"
	"github.com/ehayes2000/shepard/internal/status"
	"github.com/ehayes2000/shepard/internal/tui"
	"github.com/ehayes2000/shepard/internal/worktree"
)

const (
	// DefaultTick is the poll interval, about one frame at 60Hz.
	DefaultTick = 16 * time.Millisecond

	defaultShutdownTimeout = 10 * time.Second
)

// ErrRestoreTerminal is returned when the host terminal could not be put
// back into its original mode.
var ErrRestoreTerminal = errors.New("failed to restore terminal")

func log() *slog.Logger { return logger.ComponentLogger("app") }

// Prompter shows the interactive prompts. *tui.Prompter implements it.
type Prompter interface {
	SessionName(ctx context.Context, validate func(string) error) (string, error)
	Confirm(ctx context.Context, question string, def bool) (bool, error)
	PickSession(ctx context.Context, items []session.Summary) (string, error)
	Help(ctx context.Context) error
}

// Options configures an App.
type Options struct {
	Registry *session.Registry
	In       *os.File
	Out      io.Writer
	Prompter Prompter // defaults to a tui.Prompter on In/Out

	History  *history.Store // optional
	Status   *status.Server // optional
	WatchDir string         // optional worktree directory to watch
	RepoRoot string

	// DiscardByDefault preselects discarding the worktree in the close prompt.
	DiscardByDefault bool
	Tick             time.Duration
	ShutdownTimeout  time.Duration
}

// App is the interactive loop. Its fields are owned by the loop goroutine
// except where noted.
type App struct {
	opts   Options
	reg    *session.Registry
	mux    *mux.Multiplexer
	input  inputSource
	prompt Prompter

	// results carries work finished on other goroutines back to the loop.
	results chan func()
	events  chan status.Event

	inputCh   <-chan []byte
	prompting bool
	quitting  bool
	log       *slog.Logger
}

// New returns an App. It does not touch the terminal until Run.
func New(opts Options) *App {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Prompter == nil {
		opts.Prompter = tui.Prompter{In: opts.In, Out: opts.Out}
	}
	a := &App{
		opts:    opts,
		reg:     opts.Registry,
		mux:     mux.New(opts.Registry, opts.Out, hostSize(opts.Out)),
		input:   &stdinSource{in: opts.In},
		prompt:  opts.Prompter,
		results: make(chan func(), 64),
		events:  make(chan status.Event, 64),
		log:     log(),
	}
	a.reg.OnChange(a.recordHistory)
	return a
}

// hostSize returns the terminal size of w, or 80x24 when w is not a terminal.
func hostSize(w io.Writer) proc.Size {
	if f, ok := w.(*os.File); ok {
		if cols, rows, err := term.GetSize(f.Fd()); err == nil && cols > 0 && rows > 0 {
			return proc.Size{Rows: uint16(rows), Cols: uint16(cols)}
		}
	}
	return proc.Size{Rows: 24, Cols: 80}
}

// Run puts the terminal in raw mode and runs the loop until the operator
// quits or a terminating signal arrives. The terminal is restored on every
// exit path, panics included; failing to restore it is an error.
func (a *App) Run(ctx context.Context) (err error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	restore, err := a.makeRaw()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := restore(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			_ = restore()
			panic(r)
		}
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	bg, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	a.startBackground(bg)

	loopErr := a.loop(ctx, winch)
	cancelBg()
	a.shutdown()
	return loopErr
}

func (a *App) makeRaw() (func() error, error) {
	if a.opts.In == nil || !term.IsTerminal(a.opts.In.Fd()) {
		return func() error { return nil }, nil
	}
	fd := a.opts.In.Fd()
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("entering raw mode: %w", err)
	}
	restored := false
	return func() error {
		if restored {
			return nil
		}
		restored = true
		if err := term.Restore(fd, state); err != nil {
			return fmt.Errorf("%w: %v", ErrRestoreTerminal, err)
		}
		return nil
	}, nil
}

func (a *App) startBackground(ctx context.Context) {
	if srv := a.opts.Status; srv != nil {
		go func() {
			err := srv.Serve(ctx, func(ev status.Event) {
				select {
				case a.events <- ev:
				case <-ctx.Done():
				}
			})
			if err != nil {
				a.log.Error("status server stopped", "error", err)
			}
		}()
	}
	if dir := a.opts.WatchDir; dir != "" {
		go func() {
			err := worktree.Watch(ctx, dir, func(path string) {
				a.post(ctx, func() { a.worktreeRemoved(path) })
			})
			if err != nil {
				a.log.Warn("worktree watcher stopped", "dir", dir, "error", err)
			}
		}()
	}
}

// post hands fn to the loop goroutine.
func (a *App) post(ctx context.Context, fn func()) {
	select {
	case a.results <- fn:
	case <-ctx.Done():
	}
}

func (a *App) loop(ctx context.Context, winch <-chan os.Signal) error {
	if err := a.resumeInput(); err != nil {
		return err
	}
	defer a.pauseInput()

	ticker := time.NewTicker(a.opts.Tick)
	defer ticker.Stop()

	for !a.quitting {
		select {
		case <-ctx.Done():
			a.log.Info("loop canceled", "cause", context.Cause(ctx))
			return nil

		case <-ticker.C:
			exits, err := a.mux.Poll()
			if err != nil {
				return err
			}
			for _, e := range exits {
				a.sessionExited(e)
			}

		case b, ok := <-a.inputCh:
			if !ok {
				a.log.Info("input closed")
				return nil
			}
			a.handleInput(ctx, b)

		case <-winch:
			a.resize()

		case fn := <-a.results:
			fn()

		case ev := <-a.events:
			a.statusEvent(ev)
		}
	}
	return nil
}

// handleInput runs each intercepted action before routing the bytes that
// follow it, so input typed after a focus switch reaches the new focus.
// Whatever follows an action that hands the terminal to a prompt or quits
// is dropped.
func (a *App) handleInput(ctx context.Context, b []byte) {
	for len(b) > 0 {
		act, rest, err := a.mux.Input(b)
		if err != nil {
			a.mux.Warn(err.Error())
		}
		if act != keys.ActionNone {
			a.dispatch(ctx, act)
		}
		if a.prompting || a.quitting {
			if len(rest) > 0 {
				a.log.Debug("input dropped", "bytes", len(rest))
			}
			return
		}
		b = rest
	}
}

func (a *App) resize() {
	size := hostSize(a.opts.Out)
	if err := a.mux.Resize(size); err != nil {
		a.log.Warn("resize failed", "size", size.String(), "error", err)
	}
}

func (a *App) pauseInput() {
	if a.inputCh != nil {
		a.input.stop()
		a.inputCh = nil
	}
}

func (a *App) resumeInput() error {
	ch, err := a.input.start()
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	a.inputCh = ch
	return nil
}

// runPrompt hands the terminal to fn on its own goroutine. Output keeps
// draining into scrollback meanwhile. fn returns a continuation that runs
// on the loop once the terminal is back.
func (a *App) runPrompt(ctx context.Context, fn func(context.Context) func()) {
	if a.prompting {
		return
	}
	a.prompting = true
	a.pauseInput()
	a.mux.Suspend()
	go func() {
		next := fn(ctx)
		a.post(ctx, func() {
			a.prompting = false
			if err := a.resumeInput(); err != nil {
				a.log.Error("restarting input failed", "error", err)
				a.quitting = true
			}
			a.mux.Resume()
			if next != nil {
				next()
			}
		})
	}()
}

func (a *App) dispatch(ctx context.Context, act keys.Action) {
	a.log.Debug("action", "action", act.String())
	switch act {
	case keys.ActionNewSession:
		a.newSession(ctx)
	case keys.ActionCloseSession:
		a.closeFocused(ctx)
	case keys.ActionNextSession:
		a.reg.FocusNext()
	case keys.ActionPrevSession:
		a.reg.FocusPrev()
	case keys.ActionOpenShell:
		a.openShell(ctx)
	case keys.ActionPickSession:
		a.pickSession(ctx)
	case keys.ActionHelp:
		a.runPrompt(ctx, func(ctx context.Context) func() {
			if err := a.prompt.Help(ctx); err != nil {
				a.log.Warn("help failed", "error", err)
			}
			return nil
		})
	case keys.ActionQuit:
		a.quit(ctx)
	}
}

func (a *App) validateName(name string) error {
	if worktree.Slug(name) == "" {
		return fmt.Errorf("%q has no usable characters for a branch name", name)
	}
	if _, ok := a.reg.ByName(name); ok {
		return fmt.Errorf("session %q already exists", name)
	}
	return nil
}

func (a *App) newSession(ctx context.Context) {
	a.runPrompt(ctx, func(ctx context.Context) func() {
		name, err := a.prompt.SessionName(ctx, a.validateName)
		if err != nil {
			if !errors.Is(err, tui.ErrCanceled) {
				a.log.Warn("name prompt failed", "error", err)
			}
			return nil
		}
		return func() { a.createAsync(ctx, name) }
	})
}

func (a *App) createAsync(ctx context.Context, name string) {
	a.mux.Notify(fmt.Sprintf("creating %s…", name))
	go func() {
		_, err := a.reg.Create(ctx, name, "")
		a.post(ctx, func() {
			if err != nil {
				a.mux.Warn(fmt.Sprintf("could not create %s: %v", name, err))
				return
			}
			a.mux.Notify(fmt.Sprintf("session %s started", name))
		})
	}()
}

func (a *App) openShell(ctx context.Context) {
	s := a.reg.Focused()
	if s == nil {
		a.mux.Warn("no session to open a shell for")
		return
	}
	go func() {
		_, err := a.reg.OpenShell(ctx, s.ID)
		if err != nil {
			a.post(ctx, func() { a.mux.Warn(fmt.Sprintf("could not open shell: %v", err)) })
		}
	}()
}

func (a *App) pickSession(ctx context.Context) {
	items := a.reg.List()
	if len(items) == 0 {
		a.mux.Notify("no sessions")
		return
	}
	a.runPrompt(ctx, func(ctx context.Context) func() {
		id, err := a.prompt.PickSession(ctx, items)
		if err != nil {
			return nil
		}
		return func() {
			if err := a.reg.Focus(id); err != nil {
				a.mux.Warn(err.Error())
			}
		}
	})
}

func (a *App) closeFocused(ctx context.Context) {
	s := a.reg.Focused()
	if s == nil {
		a.mux.Warn("no session to close")
		return
	}
	if s.Parent != "" {
		a.closeAsync(ctx, s.ID, s.Name, true)
		return
	}
	a.runPrompt(ctx, func(ctx context.Context) func() {
		q := fmt.Sprintf("Close %s and discard worktree %s (branch %s)?", s.Name, s.Worktree.Path, s.Worktree.Branch)
		discard, err := a.prompt.Confirm(ctx, q, a.opts.DiscardByDefault)
		if err != nil {
			return nil
		}
		return func() { a.closeAsync(ctx, s.ID, s.Name, !discard) }
	})
}

func (a *App) closeAsync(ctx context.Context, id, name string, retain bool) {
	a.mux.Notify(fmt.Sprintf("closing %s…", name))
	go func() {
		report, err := a.reg.Close(ctx, id, retain)
		if err == nil && report.WorktreeRemoved && a.opts.History != nil {
			if herr := a.opts.History.Remove(report.Worktree.Path); herr != nil {
				a.log.Warn("history update failed", "error", herr)
			}
		}
		a.post(ctx, func() {
			switch {
			case err != nil:
				a.mux.Warn(fmt.Sprintf("could not close %s: %v", name, err))
			case report.Warning != nil:
				a.mux.Warn(fmt.Sprintf("%s closed; %v", name, report.Warning))
			case report.WorktreeRemoved:
				a.mux.Notify(fmt.Sprintf("%s closed, worktree removed", name))
			default:
				a.mux.Notify(fmt.Sprintf("%s closed, worktree kept at %s", name, report.Worktree.Path))
			}
		})
	}()
}

func (a *App) quit(ctx context.Context) {
	n := a.reg.Len()
	if n == 0 {
		a.quitting = true
		return
	}
	a.runPrompt(ctx, func(ctx context.Context) func() {
		ok, err := a.prompt.Confirm(ctx, fmt.Sprintf("Quit shepard? %d session(s) will be stopped; worktrees are kept.", n), true)
		if err != nil || !ok {
			return nil
		}
		return func() { a.quitting = true }
	})
}

func (a *App) sessionExited(e mux.Exit) {
	if e.Code == 0 {
		a.mux.Notify(fmt.Sprintf("%s exited", e.Name))
	} else {
		a.mux.Warn(fmt.Sprintf("%s exited with code %d", e.Name, e.Code))
	}
}

func (a *App) statusEvent(ev status.Event) {
	s, ok := a.reg.ByName(ev.Session)
	if !ok {
		a.log.Debug("status event for unknown session", "session", ev.Session)
		return
	}
	if f := a.reg.Focused(); f != nil && f.ID == s.ID {
		return
	}
	s.SetAttention(true)
	switch ev.Event {
	case status.KindStop:
		a.mux.Notify(fmt.Sprintf("%s is waiting for input", s.Name))
	case status.KindNotification:
		a.mux.Notify(fmt.Sprintf("%s needs attention", s.Name))
	}
}

func (a *App) worktreeRemoved(path string) {
	s, ok := a.reg.ByWorktree(path)
	if !ok || s.State() != session.StateRunning {
		return
	}
	a.mux.Warn(fmt.Sprintf("worktree of %s was removed outside shepard", s.Name))
}

// recordHistory mirrors the live sessions into the history store. It runs
// on whichever goroutine changed the registry.
func (a *App) recordHistory() {
	store := a.opts.History
	if store == nil {
		return
	}
	pid := os.Getpid()
	live := map[string]session.Summary{}
	var order []session.Summary
	for _, s := range a.reg.List() {
		if s.Parent != "" {
			continue
		}
		live[s.Path] = s
		order = append(order, s)
	}
	err := store.Update(func(entries []history.Entry) []history.Entry {
		kept := entries[:0]
		for _, e := range entries {
			if _, ok := live[e.Worktree]; ok {
				continue
			}
			if e.Open && e.PID == pid {
				e.Open, e.PID = false, 0
			}
			kept = append(kept, e)
		}
		now := time.Now()
		fresh := make([]history.Entry, 0, len(order))
		for i := len(order) - 1; i >= 0; i-- {
			s := order[i]
			fresh = append(fresh, history.Entry{
				Name:     s.Name,
				Branch:   s.Branch,
				Worktree: s.Path,
				RepoRoot: a.opts.RepoRoot,
				LastUsed: now,
				Open:     true,
				PID:      pid,
			})
		}
		return append(fresh, kept...)
	})
	if err != nil {
		a.log.Warn("history update failed", "error", err)
	}
}

func sessionNames(items []session.Summary) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		out = append(out, s.Name)
	}
	return out
}

// shutdown stops every session, keeping worktrees.
func (a *App) shutdown() {
	a.log.Info("shutting down", "sessions", strings.Join(sessionNames(a.reg.List()), ","))
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
	defer cancel()
	if err := a.reg.CloseAll(ctx); err != nil {
		a.log.Error("shutdown", "error", err)
	}
	if a.opts.Status != nil {
		_ = a.opts.Status.Close()
	}
	if f, ok := a.opts.Out.(*os.File); ok && term.IsTerminal(f.Fd()) {
		fmt.Fprint(f, ansi.EraseEntireScreen+ansi.CursorHomePosition)
	}
	a.log.Info("shutdown complete")
}
