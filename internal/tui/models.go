package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ehayes2000/shepard/internal/keys"
	"github.com/ehayes2000/shepard/internal/session"
)

// ── Name prompt ─────────────────

// NameModel reads a session name.
type NameModel struct {
	input    textinput.Model
	validate func(string) error
	err      error
	canceled bool
}

// NewNameModel returns a focused name prompt.
func NewNameModel(validate func(string) error) NameModel {
	ti := textinput.New()
	ti.Placeholder = "fix-login-redirect"
	ti.CharLimit = 64
	ti.Width = 40
	ti.Focus()
	return NameModel{input: ti, validate: validate}
}

func (m NameModel) Init() tea.Cmd { return textinput.Blink }

func (m NameModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyEsc, tea.KeyCtrlC:
			m.canceled = true
			return m, tea.Quit
		case tea.KeyEnter:
			name := m.Value()
			if name == "" {
				m.err = fmt.Errorf("name must not be empty")
				return m, nil
			}
			if m.validate != nil {
				if err := m.validate(name); err != nil {
					m.err = err
					return m, nil
				}
			}
			return m, tea.Quit
		}
	}
	m.err = nil
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m NameModel) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("new session") + "\n\n")
	sb.WriteString(labelStyle.Render("name ") + m.input.View() + "\n")
	if m.err != nil {
		sb.WriteString("\n" + errStyle.Render(m.err.Error()) + "\n")
	}
	sb.WriteString("\n" + hintStyle.Render("enter create  esc cancel"))
	return boxStyle.Render(sb.String())
}

// Value returns the trimmed input.
func (m NameModel) Value() string { return strings.TrimSpace(m.input.Value()) }

// Canceled reports whether the prompt was dismissed.
func (m NameModel) Canceled() bool { return m.canceled }

// ── Confirmation ─────────────────

// ConfirmModel asks a yes/no question.
type ConfirmModel struct {
	question string
	value    bool
	def      bool
}

// NewConfirmModel returns a confirmation with def preselected.
func NewConfirmModel(question string, def bool) ConfirmModel {
	return ConfirmModel{question: question, value: def, def: def}
}

func (m ConfirmModel) Init() tea.Cmd { return nil }

func (m ConfirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	k, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch k.String() {
	case "y", "Y":
		m.value = true
		return m, tea.Quit
	case "n", "N":
		m.value = false
		return m, tea.Quit
	case "esc", "ctrl+c":
		m.value = m.def
		return m, tea.Quit
	case "enter":
		return m, tea.Quit
	case "left", "right", "tab", "h", "l":
		m.value = !m.value
	}
	return m, nil
}

func (m ConfirmModel) View() string {
	yes, no := dimStyle.Render(" yes "), dimStyle.Render(" no ")
	if m.value {
		yes = selectedRowStyle.Render(" yes ")
	} else {
		no = selectedRowStyle.Render(" no ")
	}
	body := m.question + "\n\n" + yes + "  " + no + "\n\n" + hintStyle.Render("y/n  ←/→ choose  enter confirm")
	return boxStyle.Render(body)
}

// Answer returns the chosen value.
func (m ConfirmModel) Answer() bool { return m.value }

// ── Session picker ─────────────────

// PickerModel lists sessions for selection.
type PickerModel struct {
	items  []session.Summary
	cursor int
	chosen int
}

// NewPickerModel starts on the focused item.
func NewPickerModel(items []session.Summary) PickerModel {
	m := PickerModel{items: items, chosen: -1}
	for i, it := range items {
		if it.Focused {
			m.cursor = i
		}
	}
	return m
}

func (m PickerModel) Init() tea.Cmd { return nil }

func (m PickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	k, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch s := k.String(); s {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "enter":
		m.chosen = m.cursor
		return m, tea.Quit
	case "esc", "q", "ctrl+c":
		return m, tea.Quit
	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		if i := int(s[0] - '1'); i < len(m.items) {
			m.chosen = i
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m PickerModel) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("sessions") + "\n\n")
	for i, it := range m.items {
		name := it.Name
		if it.Parent != "" {
			name = "  " + name
		}
		mark := " "
		if it.Attention {
			mark = attentionStyle.Render("!")
		}
		row := fmt.Sprintf("%d %s %-24s %-10s %s", i+1, mark, name, it.State, dimStyle.Render(it.Branch))
		if i == m.cursor {
			row = selectedRowStyle.Render(row)
		}
		sb.WriteString(row + "\n")
	}
	sb.WriteString("\n" + hintStyle.Render("↑/↓ select  enter focus  1-9 jump  esc cancel"))
	return boxStyle.Render(sb.String())
}

// Chosen returns the selected session ID.
func (m PickerModel) Chosen() (string, bool) {
	if m.chosen < 0 || m.chosen >= len(m.items) {
		return "", false
	}
	return m.items[m.chosen].ID, true
}

// ── Help ─────────────────

// HelpModel shows the keybinding table.
type HelpModel struct {
	help help.Model
}

// NewHelpModel returns the help screen.
func NewHelpModel() HelpModel {
	h := help.New()
	h.ShowAll = true
	return HelpModel{help: h}
}

func (m HelpModel) Init() tea.Cmd { return nil }

func (m HelpModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
	}
	return m, nil
}

func (m HelpModel) View() string {
	bindings := keys.HelpBindings()
	half := (len(bindings) + 1) / 2
	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("shepard keys"),
		"",
		m.help.FullHelpView([][]key.Binding{bindings[:half], bindings[half:]}),
		"",
		hintStyle.Render("any key to close"),
	)
	return boxStyle.Render(body)
}
