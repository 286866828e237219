package wizard

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/happy-ai/happyd/internal/tui"
)

type keyFormModel struct {
	data     *Data
	choices  []string
	cursor   int
	keyInput textinput.Model
	editing  bool // typing the access key
}

func newKeyForm(data *Data) keyFormModel {
	ti := textinput.New()
	ti.Placeholder = "paste your access key here"
	ti.CharLimit = 512
	ti.Width = 60
	ti.EchoMode = textinput.EchoPassword

	return keyFormModel{
		data:     data,
		choices:  []string{"Enter access key now", "Configure later (happyd stays logged out)"},
		keyInput: ti,
	}
}

func (m keyFormModel) Init() tea.Cmd { return nil }

func (m keyFormModel) Update(msg tea.Msg) (keyFormModel, tea.Cmd) {
	if m.editing {
		return m.updateEditing(msg)
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.choices)-1 {
				m.cursor++
			}
		case "enter":
			if m.cursor == 1 {
				m.data.AccessKey = ""
				return m, func() tea.Msg { return stepCompleteMsg{} }
			}
			m.editing = true
			m.keyInput.Focus()
			return m, textinput.Blink
		case "esc":
			return m, func() tea.Msg { return stepBackMsg{} }
		}
	}
	return m, nil
}

func (m keyFormModel) updateEditing(msg tea.Msg) (keyFormModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			key := m.keyInput.Value()
			if key == "" {
				return m, nil
			}
			m.data.AccessKey = key
			return m, func() tea.Msg { return stepCompleteMsg{} }
		case "esc":
			m.editing = false
			m.keyInput.Blur()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.keyInput, cmd = m.keyInput.Update(msg)
	return m, cmd
}

func (m keyFormModel) View() string {
	s := tui.Subtitle.Render("Login") + "\n\n"
	s += "  The access key is stored encrypted, never in config.json.\n\n"

	for i, choice := range m.choices {
		cursor := "  "
		style := tui.Dimmed
		if m.cursor == i {
			cursor = tui.Selected.Render("> ")
			style = tui.Selected
		}
		s += cursor + style.Render(choice) + "\n"
	}

	if m.editing {
		s += "\n  " + tui.Description.Render("Access key:") + "\n"
		s += "  " + m.keyInput.View() + "\n"
	}

	s += "\n" + lipgloss.NewStyle().Foreground(tui.ColorMuted).Render("  ↑/↓ navigate • enter select • esc back")

	return s
}
