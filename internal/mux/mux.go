// Package mux moves bytes between the host terminal and the sessions: every
// session's output is drained into its scrollback on each poll, only the
// focused session's output reaches the screen, and input goes to the focused
// session unless the key router claims it.
package mux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/ehayes2000/shepard/internal/keys"
	"github.com/ehayes2000/shepard/internal/logger"
	"github.com/ehayes2000/shepard/internal/proc"
	"github.com/ehayes2000/shepard/internal/session"
)

var (
	noticeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("124")).
			Padding(0, 1)

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// Exit describes a session whose process ended during a poll.
type Exit struct {
	ID   string
	Name string
	Code int
}

// Multiplexer owns the render target. It holds the registry by reference.
type Multiplexer struct {
	reg    *session.Registry
	out    io.Writer
	router *keys.Router

	mu        sync.Mutex
	size      proc.Size
	redraw    bool
	suspended bool
	lastFocus string
	notice    string
	warn      bool

	log *slog.Logger
}

// New returns a multiplexer rendering to out. It registers itself as the
// registry's focus handler so every focus change redraws.
func New(reg *session.Registry, out io.Writer, size proc.Size) *Multiplexer {
	m := &Multiplexer{
		reg:    reg,
		out:    out,
		router: keys.NewRouter(nil),
		size:   size,
		redraw: true,
		log:    logger.ComponentLogger("mux"),
	}
	reg.SetSize(size)
	reg.OnFocus(func(*session.Session) { m.RequestRedraw() })
	return m
}

// RequestRedraw makes the next Poll clear the screen and replay the focused
// session's scrollback.
func (m *Multiplexer) RequestRedraw() {
	m.mu.Lock()
	m.redraw = true
	m.mu.Unlock()
}

// Suspend stops rendering. Output is still drained into scrollback.
func (m *Multiplexer) Suspend() {
	m.mu.Lock()
	m.suspended = true
	m.mu.Unlock()
	m.router.Reset()
}

// Resume restarts rendering with a full redraw.
func (m *Multiplexer) Resume() {
	m.mu.Lock()
	m.suspended = false
	m.redraw = true
	m.mu.Unlock()
}

// Size returns the host terminal size.
func (m *Multiplexer) Size() proc.Size {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Resize records the new host size and passes it to the focused session.
// Background sessions are resized when they next gain focus.
func (m *Multiplexer) Resize(size proc.Size) error {
	m.mu.Lock()
	m.size = size
	m.mu.Unlock()
	m.reg.SetSize(size)
	if s := m.reg.Focused(); s != nil {
		return s.Resize(size)
	}
	return nil
}

// Notify shows msg on the bottom row at the next poll.
func (m *Multiplexer) Notify(msg string) {
	m.mu.Lock()
	m.notice, m.warn = msg, false
	m.mu.Unlock()
}

// Warn is Notify with the warning style.
func (m *Multiplexer) Warn(msg string) {
	m.mu.Lock()
	m.notice, m.warn = msg, true
	m.mu.Unlock()
}

// Input routes raw input up to the first intercepted action. Bytes before
// it are written to the focused session verbatim; the action (ActionNone
// when there is none) and the unrouted remainder are returned so the caller
// can run the action before routing the rest.
func (m *Multiplexer) Input(p []byte) (keys.Action, []byte, error) {
	res, rest := m.router.Next(p)
	act := keys.ActionNone
	if len(res.Actions) > 0 {
		act = res.Actions[0]
	}
	if len(res.Passthrough) == 0 {
		return act, rest, nil
	}
	s := m.reg.Focused()
	if s == nil {
		return act, rest, nil
	}
	if _, err := s.Write(res.Passthrough); err != nil {
		if errors.Is(err, proc.ErrBrokenPipe) {
			return act, rest, fmt.Errorf("session %q: %w", s.Name, err)
		}
		return act, rest, err
	}
	return act, rest, nil
}

// Poll runs one multiplexing cycle. It never blocks on a child.
func (m *Multiplexer) Poll() ([]Exit, error) {
	focused := m.reg.Focused()

	m.mu.Lock()
	focusID := ""
	if focused != nil {
		focusID = focused.ID
	}
	if focusID != m.lastFocus {
		m.redraw = true
		m.lastFocus = focusID
	}
	redraw := m.redraw && !m.suspended
	render := !m.suspended
	size := m.size
	notice, warn := m.notice, m.warn
	if render {
		m.redraw = false
		m.notice = ""
	}
	m.mu.Unlock()

	if focused != nil && render && focused.Size() != size {
		if err := focused.Resize(size); err != nil {
			m.log.Warn("resize failed", "session", focused.Name, "error", err)
		}
	}

	var frame bytes.Buffer
	var exits []Exit
	for _, s := range m.reg.Live() {
		if s.State() != session.StateRunning {
			continue
		}
		live := render && !redraw && s == focused
		s.Drain(func(chunk []byte) {
			if live {
				frame.Write(chunk)
			}
		})
		p := s.Process()
		if code, exited := p.Exited(); exited && p.Drained() {
			if s.MarkExited(code) {
				m.log.Info("session process exited", "session", s.Name, "code", code)
				exits = append(exits, Exit{ID: s.ID, Name: s.Name, Code: code})
			}
		}
	}

	if redraw {
		frame.Reset()
		frame.WriteString(ansi.EraseEntireScreen + ansi.CursorHomePosition)
		if focused == nil {
			frame.WriteString(ansi.SetWindowTitle("shepard"))
			frame.WriteString(emptyStyle.Render("no sessions. press ^B c to start one, ^B ? for help"))
		} else {
			frame.WriteString(ansi.SetWindowTitle("shepard: " + focused.Name))
			frame.Write(focused.Buffer.Snapshot())
		}
	}
	if render && notice != "" {
		frame.WriteString(m.noticeLine(notice, warn, size))
	}

	if frame.Len() == 0 {
		return exits, nil
	}
	if _, err := m.out.Write(frame.Bytes()); err != nil {
		return exits, fmt.Errorf("writing to terminal: %w", err)
	}
	return exits, nil
}

// noticeLine draws msg on the bottom row and puts the cursor back.
func (m *Multiplexer) noticeLine(msg string, warn bool, size proc.Size) string {
	width := int(size.Cols)
	if width <= 0 {
		width = 80
	}
	style := noticeStyle
	if warn {
		style = warnStyle
	}
	text := style.Render(ansi.Truncate(msg, width-2, "…"))
	row := int(size.Rows)
	if row <= 0 {
		row = 1
	}
	return ansi.SaveCursor +
		ansi.CursorPosition(1, row) +
		ansi.EraseEntireLine +
		text +
		ansi.RestoreCursor
}
