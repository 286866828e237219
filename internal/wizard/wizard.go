// Package wizard provides a plain-text interactive setup for happyd, used
// when no TTY is available for the full-screen wizard.
package wizard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/pkg/cli"
)

// Outcome reports what the wizard wrote and what the caller should do next.
type Outcome struct {
	Path      string
	AccessKey string // empty when the user deferred login
	StartNow  bool
}

// Wizard drives the interactive daemon config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run executes the interactive wizard and writes the config file.
func (w *Wizard) Run(outputPath string) (Outcome, error) {
	fmt.Fprintln(w.p.Out)
	fmt.Fprintln(w.p.Out, "  happyd: Configuration Wizard")
	fmt.Fprintln(w.p.Out, strings.Repeat("─", 42))
	fmt.Fprintln(w.p.Out)

	cfg := &config.Config{}

	// Agent server.
	fmt.Fprintln(w.p.Out, "Agent Server")
	choice := w.p.Choose("  Where does your agent service run?",
		[]string{"Happy Cloud (api.happy.engineering)", "Self-hosted"}, 0)
	if strings.HasPrefix(choice, "Happy Cloud") {
		cfg.Agent.ServerURL = "wss://api.happy.engineering/v1/agent"
	} else {
		cfg.Agent.ServerURL = w.p.Ask("  Server WebSocket URL", "wss://localhost:8080/v1/agent")
	}
	fmt.Fprintln(w.p.Out)

	// Login.
	fmt.Fprintln(w.p.Out, "Login")
	accessKey := w.p.AskPassword("  Access key (leave empty to configure later)")
	fmt.Fprintln(w.p.Out)

	// Workspace.
	fmt.Fprintln(w.p.Out, "Workspace")
	cfg.Agent.WorkspaceDir = w.p.Ask("  Workspace directory (empty = none yet)", "")
	cfg.Supervisor.AgentHome = w.p.Ask("  Agent home", config.DefaultAgentHome())
	cfg.LogLevel = w.p.Ask("  Log level (debug/info/warn/error)", "info")
	cfg.Server.Port = w.p.AskInt("  API port", 3333)
	cfg.Server.ExtensionPort = w.p.AskInt("  Extension port", 3334)
	fmt.Fprintln(w.p.Out)

	// Channels.
	fmt.Fprintln(w.p.Out, "Channels")
	cfg.Channels.Simulator = w.p.Confirm("  Enable the simulator channel?", true)
	if w.p.Confirm("  Enable the Feishu (Lark) channel?", false) {
		cfg.Channels.Feishu = &config.FeishuConfig{
			AppID:          w.p.Ask("  Feishu app ID", ""),
			AppSecret:      w.p.AskPassword("  Feishu app secret"),
			RequireMention: w.p.Confirm("  Require @mention in group chats?", true),
		}
	}

	// Output path.
	fmt.Fprintln(w.p.Out)
	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", config.DefaultConfigPath())
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return Outcome{}, fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(outputPath, append(data, '\n'), 0600); err != nil {
		return Outcome{}, fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(w.p.Out, "\n  Config written to %s\n", outputPath)

	startNow := w.p.Confirm("Start happyd now?", true)

	fmt.Fprintln(w.p.Out)
	fmt.Fprintln(w.p.Out, "  Next steps:")
	fmt.Fprintf(w.p.Out, "    happyd run --config %s\n\n", outputPath)

	return Outcome{Path: outputPath, AccessKey: accessKey, StartNow: startNow}, nil
}
