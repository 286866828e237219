package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/secrets"
	"github.com/happy-ai/happyd/internal/settings"
	tuiwizard "github.com/happy-ai/happyd/internal/tui/wizard"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configure happyd (interactive wizard without arguments)",
		RunE:  runConfigWizard,
	}
	configCmd.Flags().Bool("plain", false, "force the plain-text wizard")

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display the current configuration",
		RunE:  runConfigShow,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print one config value (dotted key, e.g. server.port)",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE:  runConfigGet,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set one config value (dotted key)",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE:  runConfigSet,
	})
	return configCmd
}

func runConfigWizard(cmd *cobra.Command, args []string) error {
	plain, _ := cmd.Flags().GetBool("plain")
	configPath := resolveConfigPath(cmd, nil)

	result, err := tuiwizard.Run(configPath, plain)
	if err != nil {
		return err
	}

	if result.AccessKey != "" {
		if err := storeAccessKey(result.Path, result.AccessKey); err != nil {
			return fmt.Errorf("store access key: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Access key stored")
	}

	if result.StartNow {
		return startDetached(result.Path)
	}
	return nil
}

// nopBus satisfies settings.FramePublisher outside a running daemon; the
// rotation frame has no subscribers here.
type nopBus struct{}

func (nopBus) PublishFrame(topic string, data any) {}

func storeAccessKey(configPath, key string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := settings.New(cfg.DataDir, secrets.NewKeychain(), nopBus{}, logger)
	if err != nil {
		return err
	}
	return store.RotateAccessKey(key)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, nil)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Mask channel secrets for display.
	masked := *cfg
	if cfg.Channels.Feishu != nil {
		fs := *cfg.Channels.Feishu
		fs.AppSecret = maskSecret(fs.AppSecret)
		masked.Channels.Feishu = &fs
	}
	masked.Server.TokenSecret = maskSecret(masked.Server.TokenSecret)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Config: %s\n\n", configPath)
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	raw, err := readConfigMap(resolveConfigPath(cmd, nil))
	if err != nil {
		return err
	}

	value, ok := lookupKey(raw, args[0])
	if !ok {
		return fmt.Errorf("key not set: %s", args[0])
	}
	out, err := json.Marshal(value)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, nil)
	raw, err := readConfigMap(configPath)
	if err != nil {
		return err
	}

	setKey(raw, args[0], parseValue(args[1]))

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Reject edits that break validation, leaving the file for inspection.
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config now invalid: %w", err)
	}
	fmt.Fprintf(os.Stdout, "%s = %s\n", args[0], args[1])
	return nil
}

func readConfigMap(path string) (map[string]any, error) {
	raw := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Start from an empty document.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	return raw, nil
}

func lookupKey(m map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var cur any = m
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func setKey(m map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		child, ok := m[p].(map[string]any)
		if !ok {
			child = map[string]any{}
			m[p] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
}

// parseValue interprets bools and numbers; anything else stays a string.
func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
