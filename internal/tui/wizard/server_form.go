package wizard

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/happy-ai/happyd/internal/tui"
)

// defaultCloudURL is the hosted agent service endpoint.
const defaultCloudURL = "wss://api.happy.engineering/v1/agent"

type serverFormModel struct {
	data     *Data
	choices  []string
	cursor   int
	urlInput textinput.Model
	editing  bool // true when typing custom URL
}

func newServerForm(data *Data) serverFormModel {
	ti := textinput.New()
	ti.Placeholder = "wss://localhost:8080/v1/agent"
	ti.CharLimit = 256
	ti.Width = 50

	return serverFormModel{
		data:     data,
		choices:  []string{"Happy Cloud (api.happy.engineering)", "Self-hosted"},
		urlInput: ti,
	}
}

func (m serverFormModel) Init() tea.Cmd {
	return nil
}

func (m serverFormModel) Update(msg tea.Msg) (serverFormModel, tea.Cmd) {
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
			if m.cursor == 0 {
				m.data.ServerChoice = "cloud"
				m.data.ServerURL = defaultCloudURL
				return m, func() tea.Msg { return stepCompleteMsg{} }
			}
			// Self-hosted: show URL input.
			m.editing = true
			m.urlInput.Focus()
			return m, textinput.Blink
		}
	}
	return m, nil
}

func (m serverFormModel) updateEditing(msg tea.Msg) (serverFormModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			url := m.urlInput.Value()
			if url == "" {
				url = m.urlInput.Placeholder
			}
			m.data.ServerChoice = "self-hosted"
			m.data.ServerURL = url
			return m, func() tea.Msg { return stepCompleteMsg{} }
		case "esc":
			m.editing = false
			m.urlInput.Blur()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.urlInput, cmd = m.urlInput.Update(msg)
	return m, cmd
}

func (m serverFormModel) View() string {
	s := tui.Subtitle.Render("Agent Server") + "\n\n"
	s += "  Where does your agent service run?\n\n"

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
		s += "\n  " + tui.Description.Render("Server WebSocket URL:") + "\n"
		s += "  " + m.urlInput.View() + "\n"
	}

	s += "\n" + lipgloss.NewStyle().Foreground(tui.ColorMuted).Render("  ↑/↓ navigate • enter select")

	return s
}
