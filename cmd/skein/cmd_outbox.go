package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"skein/pkg/store"
)

// newOutboxCmd creates the "skein outbox" subcommand group.
func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and retry outbound events",
	}
	cmd.AddCommand(newOutboxListCmd(), newOutboxRetryCmd())
	return cmd
}

// newOutboxListCmd creates "skein outbox list".
func newOutboxListCmd() *cobra.Command {
	var (
		limit int
		dead  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List undelivered events (due now, or dead-lettered with --dead)",
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

			var rows []store.OutboxRow
			if dead {
				rows, err = s.DeadOutbox(cmd.Context(), limit)
			} else {
				rows, err = s.UnsentOutbox(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			writeOutbox(cmd.OutOrStdout(), rows, dead)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	cmd.Flags().BoolVar(&dead, "dead", false, "show dead-lettered rows")
	return cmd
}

func writeOutbox(w io.Writer, rows []store.OutboxRow, dead bool) {
	if len(rows) == 0 {
		if dead {
			fmt.Fprintln(w, "no dead-lettered events")
		} else {
			fmt.Fprintln(w, "outbox is empty")
		}
		return
	}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{
			strconv.FormatInt(r.ID, 10), r.EventType, orDash(r.SessionID),
			strconv.Itoa(r.Retries), formatTimePtr(r.NextAttemptAt), clip(r.LastError, 40),
			formatTime(r.CreatedAt),
		})
	}
	headers := []string{"ID", "Type", "Session", "Retries", "Next attempt", "Last error", "Created"}
	fmt.Fprintln(w, renderTable(w, headers, cells, []columnAlignment{alignRight, alignLeft, alignLeft, alignRight}))
}

// newOutboxRetryCmd creates "skein outbox retry".
func newOutboxRetryCmd() *cobra.Command {
	var (
		all bool
		yes bool
	)
	cmd := &cobra.Command{
		Use:   "retry [id...]",
		Short: "Requeue dead-lettered events for immediate delivery",
		Long: "Clears the dead flag and retry delay of the given outbox rows. With --all,\n" +
			"every dead-lettered row is requeued after confirmation (or --yes).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass either outbox ids or --all")
			}
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid outbox id %q", a)
				}
				ids = append(ids, id)
			}

			e, err := loadEnv()
			if err != nil {
				return err
			}
			s, err := e.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			w := cmd.OutOrStdout()
			if all {
				rows, err := s.DeadOutbox(cmd.Context(), 0)
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					fmt.Fprintln(w, "no dead-lettered events")
					return nil
				}
				if !yes {
					ok, err := confirm(cmd.InOrStdin(), w, fmt.Sprintf("requeue %d dead-lettered events?", len(rows)))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(w, "aborted")
						return nil
					}
				}
				for _, r := range rows {
					ids = append(ids, r.ID)
				}
			}
			return requeue(cmd.Context(), w, s, ids)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "requeue every dead-lettered row")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func requeue(ctx context.Context, w io.Writer, s *store.Store, ids []int64) error {
	var errs []error
	for _, id := range ids {
		if err := s.Requeue(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "requeued %d\n", id)
	}
	return errors.Join(errs...)
}

// confirm asks a yes/no question on an interactive stdin. Piped input is
// refused so scripts have to pass --yes explicitly.
func confirm(in io.Reader, w io.Writer, question string) (bool, error) {
	if f, ok := in.(*os.File); !ok || !isTerminal(f) {
		return false, errors.New("refusing to prompt on a non-interactive stdin; pass --yes")
	}
	fmt.Fprintf(w, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
