package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// newDashCmd creates the "skein dash" subcommand.
func newDashCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Live terminal dashboard of sessions, inbox and outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			s, err := e.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			m := newDashModel(storeSource(s, e.paths.PIDPath), interval)
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", defaultDashInterval, "refresh interval")
	return cmd
}
