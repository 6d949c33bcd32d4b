package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newSessionsCmd creates the "skein sessions" subcommand.
func newSessionsCmd() *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions recorded by serve",
		Long:  "Shows open sessions by default. --all includes ERRORED and CLOSED ones.",
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

			prefix := "OPEN_"
			if all {
				prefix = ""
			}
			recs, err := s.ListSessions(cmd.Context(), prefix, limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(w, "no sessions")
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				pid := "-"
				if r.WorkerPID > 0 {
					pid = strconv.Itoa(r.WorkerPID)
				}
				rows = append(rows, []string{
					r.ID, orDash(r.Name), r.Type, r.Status, orDash(r.WorkerState), pid,
					orDash(r.CurrentTaskID), formatTime(r.UpdatedAt), clip(r.Error, 40),
				})
			}
			headers := []string{"Session", "Name", "Type", "Status", "Worker", "PID", "Task", "Updated", "Error"}
			fmt.Fprintln(w, renderTable(w, headers, rows, []columnAlignment{
				alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight,
			}))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include closed and errored sessions")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to show")
	return cmd
}

// newHistoryCmd creates the "skein history" subcommand.
func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <session>",
		Short: "Print a session's conversation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			s, err := e.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			msgs, err := s.Messages(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintf(w, "no messages for session %s\n", args[0])
				return nil
			}
			for i, m := range msgs {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "[%s] %s:\n%s\n", formatTime(m.CreatedAt), m.Sender, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of most recent messages")
	return cmd
}

// newAuditCmd creates the "skein audit" subcommand.
func newAuditCmd() *cobra.Command {
	var (
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the worker audit trail (orphaned, drained and timed-out workers)",
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

			entries, err := s.AuditLog(cmd.Context(), sessionID, limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(w, "audit log is empty")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, a := range entries {
				rows = append(rows, []string{
					formatTime(a.CreatedAt), a.Kind, orDash(a.SessionID), orDash(a.TaskID),
					strconv.Itoa(a.PID), clip(a.Detail, 60),
				})
			}
			headers := []string{"Time", "Kind", "Session", "Task", "PID", "Detail"}
			fmt.Fprintln(w, renderTable(w, headers, rows, []columnAlignment{
				alignLeft, alignLeft, alignLeft, alignLeft, alignRight,
			}))
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only entries for this session")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	return cmd
}
