package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"skein/internal/appversion"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	logLevel string
}

// newRootCmd creates the root skein command with all subcommands attached.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "skein",
		Short: "Per-session agent worker orchestrator",
		Long: "skein routes inbound events to long-lived conversation sessions, runs each\n" +
			"session's work in its own worker process, and records every outcome in a\n" +
			"durable outbox.",
		Version:       fmt.Sprintf("skein %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log_level from config.toml (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(flags),
		newStopCmd(),
		newStatusCmd(),
		newWorkerCmd(flags),
		newInboxCmd(),
		newOutboxCmd(),
		newSessionsCmd(),
		newHistoryCmd(),
		newAuditCmd(),
		newEventsCmd(),
		newDashCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}

// newVersionCmd creates the "skein version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the skein version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "skein %s\n", appversion.String())
			return nil
		},
	}
}
