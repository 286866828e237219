package wizard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/tui"
)

type confirmAction int

const (
	actionWriteStart confirmAction = iota
	actionWrite
	actionCancel
)

type confirmModel struct {
	data    *Data
	cursor  int
	actions []string
	err     string
}

func newConfirmModel(data *Data) confirmModel {
	return confirmModel{
		data:    data,
		actions: []string{"Write config and start", "Write config", "Cancel"},
	}
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (confirmModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.actions)-1 {
				m.cursor++
			}
		case "enter":
			return m.execute()
		case "esc":
			return m, func() tea.Msg { return stepBackMsg{} }
		}
	}
	return m, nil
}

func (m confirmModel) execute() (confirmModel, tea.Cmd) {
	switch confirmAction(m.cursor) {
	case actionWriteStart, actionWrite:
		cfg := m.buildConfig()
		path, err := m.writeConfig(cfg)
		if err != nil {
			m.err = err.Error()
			return m, nil
		}

		startNow := confirmAction(m.cursor) == actionWriteStart
		return m, func() tea.Msg {
			return wizardDoneMsg{result: Result{
				Config:    cfg,
				Path:      path,
				AccessKey: m.data.AccessKey,
				StartNow:  startNow,
			}}
		}

	case actionCancel:
		return m, func() tea.Msg {
			return wizardDoneMsg{result: Result{Cancelled: true}}
		}
	}
	return m, nil
}

func (m confirmModel) buildConfig() *config.Config {
	cfg := &config.Config{}

	cfg.Agent.ServerURL = m.data.ServerURL
	cfg.Agent.WorkspaceDir = m.data.WorkspaceDir
	cfg.Supervisor.AgentHome = m.data.AgentHome
	cfg.LogLevel = m.data.LogLevel

	cfg.Channels.Simulator = m.data.Simulator
	if m.data.FeishuEnabled {
		cfg.Channels.Feishu = &config.FeishuConfig{
			AppID:          m.data.FeishuAppID,
			AppSecret:      m.data.FeishuAppSecret,
			RequireMention: true,
		}
	}

	return cfg
}

func (m confirmModel) writeConfig(cfg *config.Config) (string, error) {
	outputPath := m.data.OutputPath
	if outputPath == "" {
		outputPath = config.DefaultConfigPath()
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(outputPath, append(data, '\n'), 0600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}

	return outputPath, nil
}

func (m confirmModel) View() string {
	s := tui.Subtitle.Render("Configuration Summary") + "\n\n"

	s += renderRow("Server", m.data.ServerURL)
	s += renderRow("Login", m.loginSummary())
	s += renderRow("Workspace", orNone(m.data.WorkspaceDir))
	s += renderRow("Agent home", m.data.AgentHome)
	s += renderRow("Log level", m.data.LogLevel)
	s += renderRow("Channels", m.channelsSummary())

	outputPath := m.data.OutputPath
	if outputPath == "" {
		outputPath = config.DefaultConfigPath()
	}
	s += "\n" + renderRow("Output", outputPath)

	if m.err != "" {
		s += "\n  " + tui.ErrorStyle.Render("Error: "+m.err) + "\n"
	}

	s += "\n"
	for i, action := range m.actions {
		cursor := "  "
		style := tui.Dimmed
		if m.cursor == i {
			cursor = tui.Selected.Render("> ")
			style = tui.Selected
		}
		s += cursor + style.Render(action) + "\n"
	}

	s += "\n" + tui.Help.Render("  ↑/↓ navigate • enter select • esc back")
	return s
}

func (m confirmModel) loginSummary() string {
	if m.data.AccessKey != "" {
		return "access key entered"
	}
	return "configure later"
}

func (m confirmModel) channelsSummary() string {
	out := ""
	if m.data.Simulator {
		out = "simulator"
	}
	if m.data.FeishuEnabled {
		if out != "" {
			out += ", "
		}
		out += "feishu"
	}
	return orNone(out)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func renderRow(label, value string) string {
	labelStyle := lipgloss.NewStyle().
		Foreground(tui.ColorSubtle).
		Width(14)
	return "  " + labelStyle.Render(label) + value + "\n"
}
