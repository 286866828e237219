// Package cmd implements the happyd command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// UsageError marks a failure caused by invalid arguments or flags, so main
// can exit with a distinct code.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// usageArgs wraps a cobra args validator so its failures count as usage
// errors.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return &UsageError{Err: err}
		}
		return nil
	}
}

// NewRootCmd creates the root cobra command for happyd.
// When invoked without a subcommand in a TTY, it uses smart default logic:
// status if the daemon is running, the config wizard when no config exists,
// otherwise run.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "happyd",
		Short: "happyd is the local bridge between the agent service and your machine",
		Long: "happyd keeps an encrypted session to the remote agent service and exposes\n" +
			"it locally: an HTTP/WebSocket API, a browser-extension control plane, and\n" +
			"pluggable messaging channels.",
		// Bare invocation uses smart default logic.
		RunE:          runDefault,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})

	root.AddCommand(newRunCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newOpenCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newDeployCmd())
	root.AddCommand(newModuleCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
