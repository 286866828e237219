package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/happy-ai/happyd/internal/config"
)

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open the local web UI in a browser",
		RunE:  runOpen,
	}
}

func runOpen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, nil))
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/", cfg.Server.Port)
	if err := openBrowser(url); err != nil {
		fmt.Fprintf(os.Stdout, "Open %s in your browser\n", url)
		return nil
	}
	fmt.Fprintf(os.Stdout, "Opening %s\n", url)
	return nil
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
