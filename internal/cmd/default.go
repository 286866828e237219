package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/daemon"
)

// runDefault implements the bare `happyd` (no subcommand) behavior:
//   - daemon running? → show status
//   - no config? → run the config wizard
//   - config exists, daemon stopped? → run in the foreground
func runDefault(cmd *cobra.Command, args []string) error {
	// Only use smart default logic when running in a TTY.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runRun(cmd, args)
	}

	configPath := resolveConfigPath(cmd, args)

	if cfg, err := config.Load(configPath); err == nil {
		pid, _ := daemon.ReadPID(cfg.DataDir)
		if pid != 0 && daemon.IsRunning(pid) {
			return runStatus(cmd, nil)
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		wizardCmd := newConfigCmd()
		wizardCmd.SetContext(cmd.Context())
		return wizardCmd.RunE(wizardCmd, nil)
	}

	return runRun(cmd, args)
}
