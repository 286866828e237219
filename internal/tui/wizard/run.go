package wizard

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	plainwizard "github.com/happy-ai/happyd/internal/wizard"
	"github.com/happy-ai/happyd/pkg/cli"
)

// Run launches the TUI wizard. If the terminal is not a TTY (piped, CI, etc.)
// it falls back to the plain-text wizard. Pass plain=true to force the
// fallback.
func Run(outputPath string, plain bool) (Result, error) {
	if plain || !isTTY() {
		return runPlain(outputPath)
	}
	return runTUI(outputPath)
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func runPlain(outputPath string) (Result, error) {
	w := plainwizard.New(cli.DefaultPrompter())
	out, err := w.Run(outputPath)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Path:      out.Path,
		AccessKey: out.AccessKey,
		StartNow:  out.StartNow,
	}, nil
}

func runTUI(outputPath string) (Result, error) {
	m := NewModel(outputPath)

	p := tea.NewProgram(m, tea.WithAltScreen())
	finalModel, err := p.Run()
	if err != nil {
		return Result{}, fmt.Errorf("TUI error: %w", err)
	}

	result := finalModel.(Model).Result()
	if result.Cancelled {
		return Result{}, fmt.Errorf("wizard cancelled")
	}
	return result, nil
}
