package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/secrets"
	"github.com/happy-ai/happyd/internal/settings"
	"github.com/happy-ai/happyd/internal/supervisor"
)

func newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Verify the agent child is installed and its home is materialized",
		RunE:  runDeploy,
	}
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, nil))
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ok := true

	// Agent binary on PATH.
	if path, err := exec.LookPath(cfg.Supervisor.Command); err == nil {
		fmt.Fprintf(os.Stdout, "✓ agent binary: %s\n", path)
	} else {
		fmt.Fprintf(os.Stdout, "✗ agent binary %q not found on PATH\n", cfg.Supervisor.Command)
		ok = false
	}

	// Stored credential.
	store, err := settings.New(cfg.DataDir, secrets.NewKeychain(), nopBus{}, logger)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	if _, err := store.AccessKey(); err != nil {
		fmt.Fprintln(os.Stdout, "✗ no access key stored (run `happyd config`)")
		ok = false
	} else {
		fmt.Fprintln(os.Stdout, "✓ access key stored")
	}

	// Materialize the agent home from the stored credential.
	sup := supervisor.New(cfg.Supervisor, supervisor.Options{}, store, nopBus{}, func() string {
		return cfg.Agent.WorkspaceDir
	}, logger)
	if err := sup.Materialize(); err != nil {
		fmt.Fprintf(os.Stdout, "✗ materialize agent home: %v\n", err)
		ok = false
	} else {
		fmt.Fprintf(os.Stdout, "✓ agent home materialized: %s\n", cfg.Supervisor.AgentHome)
	}

	for _, name := range []string{"access.key", "settings.json"} {
		p := filepath.Join(cfg.Supervisor.AgentHome, name)
		if _, err := os.Stat(p); err == nil {
			fmt.Fprintf(os.Stdout, "✓ %s present\n", p)
		} else {
			fmt.Fprintf(os.Stdout, "✗ %s missing\n", p)
			ok = false
		}
	}

	if !ok {
		return fmt.Errorf("deploy verification failed")
	}
	fmt.Fprintln(os.Stdout, "Ready. Start with: happyd start --daemon")
	return nil
}
