// Package wizard provides a bubbletea-based TUI wizard for happyd
// configuration.
package wizard

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/tui"
)

// step enumerates the wizard steps.
type step int

const (
	stepServer step = iota
	stepKey
	stepSetup
	stepChannels
	stepConfirm
)

// Data collects all configuration from the wizard steps.
type Data struct {
	ServerChoice string // "cloud" or "self-hosted"
	ServerURL    string

	AccessKey string // stored in the secure settings, never in config.json

	WorkspaceDir string
	AgentHome    string
	LogLevel     string

	Simulator       bool
	FeishuEnabled   bool
	FeishuAppID     string
	FeishuAppSecret string

	OutputPath string
}

// Result is returned when the wizard completes.
type Result struct {
	Config    *config.Config
	Path      string
	AccessKey string
	StartNow  bool
	Cancelled bool
}

// Model is the root wizard model.
type Model struct {
	step   step
	data   *Data
	width  int
	height int

	server   serverFormModel
	key      keyFormModel
	setup    setupFormModel
	channels channelsFormModel
	confirm  confirmModel

	result Result
	done   bool
}

// NewModel creates a new wizard model.
func NewModel(outputPath string) Model {
	data := &Data{
		OutputPath: outputPath,
		LogLevel:   "info",
	}

	return Model{
		step:     stepServer,
		data:     data,
		server:   newServerForm(data),
		key:      newKeyForm(data),
		setup:    newSetupForm(data),
		channels: newChannelsForm(data),
		confirm:  newConfirmModel(data),
	}
}

// stepCompleteMsg signals the current step is done and we should advance.
type stepCompleteMsg struct{}

// stepBackMsg signals we should go back one step.
type stepBackMsg struct{}

// wizardDoneMsg signals the wizard is finished (confirm wrote config).
type wizardDoneMsg struct {
	result Result
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return m.server.Init()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c"))):
			m.result.Cancelled = true
			m.done = true
			return m, tea.Quit
		}

	case stepCompleteMsg:
		return m.advance()

	case stepBackMsg:
		return m.goBack()

	case wizardDoneMsg:
		m.result = msg.result
		m.done = true
		return m, tea.Quit
	}

	// Delegate to current step.
	var cmd tea.Cmd
	switch m.step {
	case stepServer:
		m.server, cmd = m.server.Update(msg)
	case stepKey:
		m.key, cmd = m.key.Update(msg)
	case stepSetup:
		m.setup, cmd = m.setup.Update(msg)
	case stepChannels:
		m.channels, cmd = m.channels.Update(msg)
	case stepConfirm:
		m.confirm, cmd = m.confirm.Update(msg)
	}
	return m, cmd
}

// advance moves to the next step.
func (m Model) advance() (tea.Model, tea.Cmd) {
	switch m.step {
	case stepServer:
		m.step = stepKey
		return m, m.key.Init()
	case stepKey:
		m.step = stepSetup
		return m, m.setup.Init()
	case stepSetup:
		m.step = stepChannels
		return m, m.channels.Init()
	case stepChannels:
		m.step = stepConfirm
		return m, m.confirm.Init()
	case stepConfirm:
		// handled by wizardDoneMsg
	}
	return m, nil
}

// goBack moves to the previous step.
func (m Model) goBack() (tea.Model, tea.Cmd) {
	switch m.step {
	case stepKey:
		m.step = stepServer
		return m, m.server.Init()
	case stepSetup:
		m.step = stepKey
		return m, m.key.Init()
	case stepChannels:
		m.step = stepSetup
		return m, m.setup.Init()
	case stepConfirm:
		m.step = stepChannels
		return m, m.channels.Init()
	}
	return m, nil
}

// View renders the current step.
func (m Model) View() string {
	header := tui.Title.Render("happyd: Configuration Wizard")
	progress := m.progressBar()

	var body string
	switch m.step {
	case stepServer:
		body = m.server.View()
	case stepKey:
		body = m.key.View()
	case stepSetup:
		body = m.setup.View()
	case stepChannels:
		body = m.channels.View()
	case stepConfirm:
		body = m.confirm.View()
	}

	help := tui.Help.Render("ctrl+c quit • esc back")

	return lipgloss.JoinVertical(lipgloss.Left,
		"",
		header,
		progress,
		"",
		body,
		"",
		help,
	)
}

// Done returns whether the wizard has completed.
func (m Model) Done() bool { return m.done }

// Result returns the wizard result.
func (m Model) Result() Result { return m.result }

// progressBar renders a simple step indicator.
func (m Model) progressBar() string {
	steps := []string{"Server", "Login", "Workspace", "Channels", "Confirm"}
	current := int(m.step)

	var parts []string
	for i, name := range steps {
		if i == current {
			parts = append(parts, tui.Selected.Render("● "+name))
		} else if i < current {
			parts = append(parts, tui.Success.Render("✓ "+name))
		} else {
			parts = append(parts, tui.Dimmed.Render("○ "+name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, joinWithSep(parts, "  ")...)
}

func joinWithSep(parts []string, sep string) []string {
	if len(parts) == 0 {
		return nil
	}
	result := make([]string, 0, len(parts)*2-1)
	for i, p := range parts {
		if i > 0 {
			result = append(result, sep)
		}
		result = append(result, p)
	}
	return result
}
