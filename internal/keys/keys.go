// Package keys intercepts the supervisor's own keybindings from the raw
// input stream. Every binding is a prefix key followed by one command key;
// all other bytes pass through untouched.
package keys

import (
	"github.com/charmbracelet/bubbles/key"
)

// Prefix is Ctrl-B.
const Prefix byte = 0x02

// Action is an intercepted command.
type Action int

const (
	ActionNone Action = iota
	ActionNewSession
	ActionCloseSession
	ActionNextSession
	ActionPrevSession
	ActionOpenShell
	ActionPickSession
	ActionHelp
	ActionQuit
)

func (a Action) String() string {
	switch a {
	case ActionNewSession:
		return "new-session"
	case ActionCloseSession:
		return "close-session"
	case ActionNextSession:
		return "next-session"
	case ActionPrevSession:
		return "prev-session"
	case ActionOpenShell:
		return "open-shell"
	case ActionPickSession:
		return "pick-session"
	case ActionHelp:
		return "help"
	case ActionQuit:
		return "quit"
	default:
		return "none"
	}
}

// Binding pairs an action with the command keys that trigger it after the
// prefix and the help entry describing it.
type Binding struct {
	Action Action
	Keys   []byte
	Help   key.Binding
}

// DefaultBindings is the keybinding table.
var DefaultBindings = []Binding{
	{ActionNewSession, []byte("cn"), key.NewBinding(key.WithKeys("c", "n"), key.WithHelp("^B c", "new session"))},
	{ActionCloseSession, []byte("x"), key.NewBinding(key.WithKeys("x"), key.WithHelp("^B x", "close session"))},
	{ActionNextSession, []byte("]l"), key.NewBinding(key.WithKeys("]", "l"), key.WithHelp("^B ]", "next session"))},
	{ActionPrevSession, []byte("[h"), key.NewBinding(key.WithKeys("[", "h"), key.WithHelp("^B [", "previous session"))},
	{ActionOpenShell, []byte("t"), key.NewBinding(key.WithKeys("t"), key.WithHelp("^B t", "shell in worktree"))},
	{ActionPickSession, []byte("s"), key.NewBinding(key.WithKeys("s"), key.WithHelp("^B s", "pick session"))},
	{ActionHelp, []byte("?"), key.NewBinding(key.WithKeys("?"), key.WithHelp("^B ?", "help"))},
	{ActionQuit, []byte("qd"), key.NewBinding(key.WithKeys("q", "d"), key.WithHelp("^B q", "quit"))},
}

// HelpBindings returns the help entries of DefaultBindings plus the literal
// prefix binding.
func HelpBindings() []key.Binding {
	out := make([]key.Binding, 0, len(DefaultBindings)+1)
	for _, b := range DefaultBindings {
		out = append(out, b.Help)
	}
	return append(out, key.NewBinding(key.WithKeys("ctrl+b"), key.WithHelp("^B ^B", "send ^B")))
}

// Result is what one chunk of input turned into. Passthrough holds the bytes
// for the focused session in their original order; Actions the intercepted
// commands.
type Result struct {
	Passthrough []byte
	Actions     []Action
}

// Router scans raw input for prefix sequences. It keeps state between calls
// so a prefix at the end of one read pairs with the first byte of the next.
type Router struct {
	table   map[byte]Action
	pending bool
}

// NewRouter returns a router for bindings, or DefaultBindings when nil.
func NewRouter(bindings []Binding) *Router {
	if bindings == nil {
		bindings = DefaultBindings
	}
	r := &Router{table: make(map[byte]Action)}
	for _, b := range bindings {
		for _, k := range b.Keys {
			r.table[k] = b.Action
		}
	}
	return r
}

// Next routes p up to and including the first intercepted action. The
// returned Result carries at most one action; rest holds the bytes after it,
// not yet routed, so they can go to whichever session is focused once the
// action has run.
func (r *Router) Next(p []byte) (res Result, rest []byte) {
	start := 0
	for i, c := range p {
		if r.pending {
			r.pending = false
			start = i + 1
			if c == Prefix {
				res.Passthrough = append(res.Passthrough, Prefix)
				continue
			}
			if a, ok := r.table[c]; ok {
				res.Actions = []Action{a}
				return res, p[i+1:]
			}
			continue
		}
		if c == Prefix {
			res.Passthrough = append(res.Passthrough, p[start:i]...)
			r.pending = true
			start = i + 1
		}
	}
	if !r.pending && start < len(p) {
		res.Passthrough = append(res.Passthrough, p[start:]...)
	}
	return res, nil
}

// Feed routes all of p, collecting every action.
func (r *Router) Feed(p []byte) Result {
	var res Result
	for len(p) > 0 {
		step, rest := r.Next(p)
		res.Passthrough = append(res.Passthrough, step.Passthrough...)
		res.Actions = append(res.Actions, step.Actions...)
		p = rest
	}
	return res
}

// Pending reports whether a prefix is waiting for its command key.
func (r *Router) Pending() bool {
	return r.pending
}

// Reset drops a pending prefix.
func (r *Router) Reset() {
	r.pending = false
}
