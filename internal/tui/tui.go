// Package tui provides the Bubble Tea prompts shepard shows over the
// focused session: new-session name, confirmations, the session picker and
// the keybinding help.
package tui

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ehayes2000/shepard/internal/session"
)

// ── Styles ────────────

var (
	// Title bar of every prompt
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	attentionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	// Selected row in the session picker
	selectedRowStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("237"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)
)

// ErrCanceled is returned when the operator dismisses a prompt.
var ErrCanceled = errors.New("prompt canceled")

// Prompter runs prompts as short-lived Bubble Tea programs on In/Out. The
// caller must stop reading In while a prompt runs.
type Prompter struct {
	In  io.Reader
	Out io.Writer
}

func (p Prompter) run(ctx context.Context, m tea.Model) (tea.Model, error) {
	prog := tea.NewProgram(m,
		tea.WithInput(p.In),
		tea.WithOutput(p.Out),
		tea.WithContext(ctx),
		tea.WithAltScreen(),
	)
	return prog.Run()
}

// SessionName asks for a new session's name. validate, when set, is checked
// on enter and its error shown inline.
func (p Prompter) SessionName(ctx context.Context, validate func(string) error) (string, error) {
	final, err := p.run(ctx, NewNameModel(validate))
	if err != nil {
		return "", err
	}
	m := final.(NameModel)
	if m.Canceled() {
		return "", ErrCanceled
	}
	return m.Value(), nil
}

// Confirm asks a yes/no question. def is the answer for enter and escape.
func (p Prompter) Confirm(ctx context.Context, question string, def bool) (bool, error) {
	final, err := p.run(ctx, NewConfirmModel(question, def))
	if err != nil {
		return false, err
	}
	return final.(ConfirmModel).Answer(), nil
}

// PickSession lets the operator choose one of items and returns its ID.
func (p Prompter) PickSession(ctx context.Context, items []session.Summary) (string, error) {
	if len(items) == 0 {
		return "", ErrCanceled
	}
	final, err := p.run(ctx, NewPickerModel(items))
	if err != nil {
		return "", err
	}
	id, ok := final.(PickerModel).Chosen()
	if !ok {
		return "", ErrCanceled
	}
	return id, nil
}

// Help shows the keybindings until any key is pressed.
func (p Prompter) Help(ctx context.Context) error {
	_, err := p.run(ctx, NewHelpModel())
	return err
}
