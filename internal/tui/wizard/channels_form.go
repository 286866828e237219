package wizard

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/happy-ai/happyd/internal/tui"
)

type channelsRow int

const (
	rowSimulator channelsRow = iota
	rowFeishu
	rowContinue
)

type channelsFormModel struct {
	data   *Data
	cursor channelsRow

	appIDInput     textinput.Model
	appSecretInput textinput.Model
	editing        bool // typing feishu credentials
	secretFocused  bool
}

func newChannelsForm(data *Data) channelsFormModel {
	id := textinput.New()
	id.Placeholder = "cli_xxxxxxxxxxxx"
	id.CharLimit = 64
	id.Width = 40

	secret := textinput.New()
	secret.Placeholder = "app secret"
	secret.CharLimit = 128
	secret.Width = 40
	secret.EchoMode = textinput.EchoPassword

	return channelsFormModel{
		data:           data,
		appIDInput:     id,
		appSecretInput: secret,
	}
}

func (m channelsFormModel) Init() tea.Cmd { return nil }

func (m channelsFormModel) Update(msg tea.Msg) (channelsFormModel, tea.Cmd) {
	if m.editing {
		return m.updateEditing(msg)
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.cursor > rowSimulator {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < rowContinue {
				m.cursor++
			}
		case " ":
			switch m.cursor {
			case rowSimulator:
				m.data.Simulator = !m.data.Simulator
			case rowFeishu:
				if m.data.FeishuEnabled {
					m.data.FeishuEnabled = false
				} else {
					m.editing = true
					m.appIDInput.Focus()
					return m, textinput.Blink
				}
			}
		case "enter":
			switch m.cursor {
			case rowSimulator:
				m.data.Simulator = !m.data.Simulator
			case rowFeishu:
				m.editing = true
				m.appIDInput.SetValue(m.data.FeishuAppID)
				m.appIDInput.Focus()
				return m, textinput.Blink
			case rowContinue:
				return m, func() tea.Msg { return stepCompleteMsg{} }
			}
		case "esc":
			return m, func() tea.Msg { return stepBackMsg{} }
		}
	}
	return m, nil
}

func (m channelsFormModel) updateEditing(msg tea.Msg) (channelsFormModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "tab":
			m.secretFocused = !m.secretFocused
			if m.secretFocused {
				m.appIDInput.Blur()
				m.appSecretInput.Focus()
			} else {
				m.appSecretInput.Blur()
				m.appIDInput.Focus()
			}
			return m, textinput.Blink
		case "enter":
			if !m.secretFocused {
				m.secretFocused = true
				m.appIDInput.Blur()
				m.appSecretInput.Focus()
				return m, textinput.Blink
			}
			if m.appIDInput.Value() == "" || m.appSecretInput.Value() == "" {
				return m, nil
			}
			m.data.FeishuEnabled = true
			m.data.FeishuAppID = m.appIDInput.Value()
			m.data.FeishuAppSecret = m.appSecretInput.Value()
			m.editing = false
			m.secretFocused = false
			m.appSecretInput.Blur()
			return m, nil
		case "esc":
			m.editing = false
			m.secretFocused = false
			m.appIDInput.Blur()
			m.appSecretInput.Blur()
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.secretFocused {
		m.appSecretInput, cmd = m.appSecretInput.Update(msg)
	} else {
		m.appIDInput, cmd = m.appIDInput.Update(msg)
	}
	return m, cmd
}

func checkbox(on bool) string {
	if on {
		return "[x]"
	}
	return "[ ]"
}

func (m channelsFormModel) View() string {
	s := tui.Subtitle.Render("Messaging Channels") + "\n\n"

	rows := []struct {
		row   channelsRow
		label string
	}{
		{rowSimulator, checkbox(m.data.Simulator) + " Simulator (local testing via HTTP)"},
		{rowFeishu, checkbox(m.data.FeishuEnabled) + " Feishu (Lark) bot"},
		{rowContinue, "Continue"},
	}

	for _, r := range rows {
		cursor := "  "
		style := tui.Dimmed
		if m.cursor == r.row {
			cursor = tui.Selected.Render("> ")
			style = tui.Selected
		}
		s += cursor + style.Render(r.label) + "\n"
	}

	if m.editing {
		s += "\n  " + tui.Description.Render("Feishu app ID:") + "\n"
		s += "  " + m.appIDInput.View() + "\n"
		s += "  " + tui.Description.Render("Feishu app secret:") + "\n"
		s += "  " + m.appSecretInput.View() + "\n"
	}

	s += "\n" + tui.Help.Render("  ↑/↓ navigate • space toggle • enter select • esc back")
	return s
}
