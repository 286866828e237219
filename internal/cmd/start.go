package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/daemon"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [config-file]",
		Short: "Start the daemon (detached with --daemon)",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE:  runStart,
	}
	cmd.Flags().Bool("daemon", false, "detach and run in the background")
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	background, _ := cmd.Flags().GetBool("daemon")
	if !background {
		return runRun(cmd, args)
	}
	return startDetached(resolveConfigPath(cmd, args))
}

func startDetached(configPath string) error {
	// Validate config before launching.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Check if already running.
	pid, _ := daemon.ReadPID(cfg.DataDir)
	if pid > 0 && daemon.IsRunning(pid) {
		return fmt.Errorf("happyd is already running (PID %d)", pid)
	}

	// Find our own binary.
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	// Open log file for output.
	logFile, err := daemon.OpenLogFile(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	// Launch the daemon in the background.
	child := exec.Command(exe, "run", configPath)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.DetachSysProcAttr()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start happyd: %w", err)
	}

	if err := daemon.WritePID(cfg.DataDir, child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	fmt.Fprintf(os.Stdout, "happyd started (PID %d)\n", child.Process.Pid)
	fmt.Fprintf(os.Stdout, "  Config: %s\n", configPath)
	fmt.Fprintf(os.Stdout, "  Logs:   %s\n", daemon.LogPath(cfg.DataDir))
	return nil
}
