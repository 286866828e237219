package wizard

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/tui"
)

type setupFormField int

const (
	setupFieldWorkspace setupFormField = iota
	setupFieldAgentHome
	setupFieldLogLevel
)

type setupFormModel struct {
	data *Data

	workspaceInput textinput.Model
	agentHomeInput textinput.Model
	logLevelInput  textinput.Model
	focused        setupFormField
}

func newSetupForm(data *Data) setupFormModel {
	ws := textinput.New()
	ws.Placeholder = "~/projects"
	ws.CharLimit = 256
	ws.Width = 50

	ah := textinput.New()
	ah.Placeholder = config.DefaultAgentHome()
	ah.CharLimit = 256
	ah.Width = 50

	ll := textinput.New()
	ll.Placeholder = "info"
	ll.CharLimit = 10
	ll.Width = 20

	return setupFormModel{
		data:           data,
		workspaceInput: ws,
		agentHomeInput: ah,
		logLevelInput:  ll,
	}
}

func (m setupFormModel) Init() tea.Cmd {
	m.focused = setupFieldWorkspace
	m.workspaceInput.Focus()
	return textinput.Blink
}

func (m setupFormModel) Update(msg tea.Msg) (setupFormModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "tab", "down":
			return m.nextField()
		case "shift+tab", "up":
			return m.prevField()
		case "enter":
			if m.focused == setupFieldLogLevel {
				return m.finish()
			}
			return m.nextField()
		case "esc":
			return m, func() tea.Msg { return stepBackMsg{} }
		}
	}

	var cmd tea.Cmd
	switch m.focused {
	case setupFieldWorkspace:
		m.workspaceInput, cmd = m.workspaceInput.Update(msg)
	case setupFieldAgentHome:
		m.agentHomeInput, cmd = m.agentHomeInput.Update(msg)
	case setupFieldLogLevel:
		m.logLevelInput, cmd = m.logLevelInput.Update(msg)
	}
	return m, cmd
}

func (m setupFormModel) nextField() (setupFormModel, tea.Cmd) {
	m.blurAll()
	if m.focused < setupFieldLogLevel {
		m.focused++
	}
	m.focusCurrent()
	return m, textinput.Blink
}

func (m setupFormModel) prevField() (setupFormModel, tea.Cmd) {
	m.blurAll()
	if m.focused > setupFieldWorkspace {
		m.focused--
	}
	m.focusCurrent()
	return m, textinput.Blink
}

func (m *setupFormModel) blurAll() {
	m.workspaceInput.Blur()
	m.agentHomeInput.Blur()
	m.logLevelInput.Blur()
}

func (m *setupFormModel) focusCurrent() {
	switch m.focused {
	case setupFieldWorkspace:
		m.workspaceInput.Focus()
	case setupFieldAgentHome:
		m.agentHomeInput.Focus()
	case setupFieldLogLevel:
		m.logLevelInput.Focus()
	}
}

func (m setupFormModel) finish() (setupFormModel, tea.Cmd) {
	m.data.WorkspaceDir = m.workspaceInput.Value()

	ah := m.agentHomeInput.Value()
	if ah == "" {
		ah = m.agentHomeInput.Placeholder
	}
	m.data.AgentHome = ah

	ll := m.logLevelInput.Value()
	if ll == "" {
		ll = "info"
	}
	m.data.LogLevel = ll

	return m, func() tea.Msg { return stepCompleteMsg{} }
}

func (m setupFormModel) View() string {
	s := tui.Subtitle.Render("Workspace") + "\n\n"

	prefix := "  "
	if m.focused == setupFieldWorkspace {
		prefix = tui.Selected.Render("> ")
	}
	s += prefix + "Workspace directory (empty = none yet):\n  " + m.workspaceInput.View() + "\n"

	prefix = "  "
	if m.focused == setupFieldAgentHome {
		prefix = tui.Selected.Render("> ")
	}
	s += prefix + "Agent home:\n  " + m.agentHomeInput.View() + "\n"

	prefix = "  "
	if m.focused == setupFieldLogLevel {
		prefix = tui.Selected.Render("> ")
	}
	s += prefix + "Log level (debug/info/warn/error):\n  " + m.logLevelInput.View() + "\n"

	s += "\n" + tui.Help.Render("  tab/↓ next • shift+tab/↑ prev • enter submit • esc back")
	return s
}
