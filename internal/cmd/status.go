package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/daemon"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE:  runStatus,
	}
}

// apiStatus mirrors the /api/status response.
type apiStatus struct {
	Uptime     string `json:"uptime"`
	NeedsLogin bool   `json:"needs_login"`
	Sessions   []struct {
		Name      string `json:"name"`
		SessionID string `json:"session_id"`
		State     string `json:"state"`
		Workspace string `json:"workspace"`
	} `json:"sessions"`
	Daemon struct {
		Status   string `json:"status"`
		PID      int    `json:"pid"`
		Restarts int    `json:"restarts"`
	} `json:"daemon"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, nil))
	if err != nil {
		return err
	}

	// Live status via the HTTP API first.
	if status, err := queryAPIStatus(cfg.Server.Port); err == nil {
		login := "logged in"
		if status.NeedsLogin {
			login = "needs login"
		}
		fmt.Fprintf(os.Stdout, "Status:   running\n")
		fmt.Fprintf(os.Stdout, "Uptime:   %s\n", status.Uptime)
		fmt.Fprintf(os.Stdout, "Account:  %s\n", login)
		fmt.Fprintf(os.Stdout, "Agent:    %s", status.Daemon.Status)
		if status.Daemon.PID != 0 {
			fmt.Fprintf(os.Stdout, " (PID %d, %d restarts)", status.Daemon.PID, status.Daemon.Restarts)
		}
		fmt.Fprintln(os.Stdout)
		fmt.Fprintf(os.Stdout, "Sessions: %d\n", len(status.Sessions))
		for _, s := range status.Sessions {
			fmt.Fprintf(os.Stdout, "  %s  %s  %s\n", s.Name, s.State, s.Workspace)
		}
		return nil
	}

	// Fall back to the PID file.
	pid, _ := daemon.ReadPID(cfg.DataDir)

	if pid == 0 {
		fmt.Fprintln(os.Stdout, "Status:  stopped (no PID file)")
		os.Exit(3)
	}
	if !daemon.IsRunning(pid) {
		fmt.Fprintf(os.Stdout, "Status:  stopped (stale PID %d)\n", pid)
		os.Exit(3)
	}

	// Process alive but API unreachable.
	fmt.Fprintf(os.Stdout, "Status:  running (PID %d), API unreachable on port %d\n", pid, cfg.Server.Port)
	fmt.Fprintf(os.Stdout, "Logs:    %s\n", daemon.LogPath(cfg.DataDir))
	os.Exit(3)
	return nil
}

func queryAPIStatus(port int) (*apiStatus, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/status", port))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var status apiStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
