package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/happy-ai/happyd/internal/config"
)

// channelModules are the toggleable channel adapters.
var channelModules = []string{"simulator", "feishu"}

func newModuleCmd() *cobra.Command {
	moduleCmd := &cobra.Command{
		Use:   "module",
		Short: "Manage channel modules",
		RunE:  runModuleList,
	}
	moduleCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List channel modules and their state",
		RunE:  runModuleList,
	})
	moduleCmd.AddCommand(&cobra.Command{
		Use:   "enable NAME",
		Short: "Enable a channel module",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE:  runModuleEnable,
	})
	moduleCmd.AddCommand(&cobra.Command{
		Use:   "disable NAME",
		Short: "Disable a channel module",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE:  runModuleDisable,
	})
	return moduleCmd
}

func runModuleList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, nil))
	if err != nil {
		return err
	}

	state := map[string]bool{
		"simulator": cfg.Channels.Simulator,
		"feishu":    cfg.Channels.Feishu != nil,
	}
	for _, name := range channelModules {
		mark := "disabled"
		if state[name] {
			mark = "enabled"
		}
		fmt.Fprintf(os.Stdout, "%-12s %s\n", name, mark)
	}
	return nil
}

func runModuleEnable(cmd *cobra.Command, args []string) error {
	return setModule(cmd, args[0], true)
}

func runModuleDisable(cmd *cobra.Command, args []string) error {
	return setModule(cmd, args[0], false)
}

func setModule(cmd *cobra.Command, name string, enable bool) error {
	configPath := resolveConfigPath(cmd, nil)
	raw, err := readConfigMap(configPath)
	if err != nil {
		return err
	}

	switch name {
	case "simulator":
		setKey(raw, "channels.simulator", enable)
	case "feishu":
		if enable {
			// Enabling needs credentials; the wizard or `config set` provides them.
			if _, ok := lookupKey(raw, "channels.feishu.app_id"); !ok {
				return fmt.Errorf("feishu is not configured; run `happyd config` first")
			}
		} else {
			channels, _ := lookupKey(raw, "channels")
			if obj, ok := channels.(map[string]any); ok {
				delete(obj, "feishu")
			}
		}
	default:
		return fmt.Errorf("unknown module %q (known: %v)", name, channelModules)
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	verb := "disabled"
	if enable {
		verb = "enabled"
	}
	fmt.Fprintf(os.Stdout, "module %s %s (restart happyd to apply)\n", name, verb)
	return nil
}
