package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/daemon"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, nil))
	if err != nil {
		return err
	}

	pid, err := daemon.ReadPID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if pid == 0 {
		fmt.Fprintln(os.Stdout, "happyd is not running (no PID file)")
		return nil
	}

	if !daemon.IsRunning(pid) {
		_ = daemon.RemovePID(cfg.DataDir)
		fmt.Fprintf(os.Stdout, "happyd is not running (stale PID %d removed)\n", pid)
		return nil
	}

	fmt.Fprintf(os.Stdout, "Stopping happyd (PID %d)...\n", pid)
	if err := daemon.StopProcess(pid, 5*time.Second); err != nil {
		return err
	}

	_ = daemon.RemovePID(cfg.DataDir)
	fmt.Fprintln(os.Stdout, "happyd stopped")
	return nil
}
