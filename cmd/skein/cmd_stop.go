package main

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skein/pkg/session"
)

const stopPollInterval = 100 * time.Millisecond

// newStopCmd creates the "skein stop" subcommand.
func newStopCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop skein serve",
		Long: "Sends SIGTERM to the running serve process, which closes every session\n" +
			"and waits for its workers. Falls back to SIGKILL after --timeout.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			return runStop(cmd.Context(), cmd.OutOrStdout(), e.paths.PIDPath, timeout, IsProcessAlive)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait before SIGKILL")
	return cmd
}

func runStop(ctx context.Context, w io.Writer, pidPath string, timeout time.Duration, alive func(int) bool) error {
	status, pid, err := DaemonStatus(pidPath)
	if err != nil {
		return err
	}
	switch status {
	case StatusStopped:
		fmt.Fprintln(w, "skein is not running")
		return nil
	case StatusStale:
		fmt.Fprintln(w, "removing stale PID file (process already dead)")
		return RemovePIDFile(pidPath)
	}

	fmt.Fprintf(w, "sending SIGTERM to skein (PID %d)\n", pid)
	if _, err := signalDaemon(pidPath, syscall.SIGTERM); err != nil {
		return err
	}
	if err := waitForExit(ctx, pid, timeout, alive); err != nil {
		fmt.Fprintf(w, "warning: %v\n", err)
		fmt.Fprintf(w, "sending SIGKILL to skein (PID %d)\n", pid)
		if _, err := signalDaemon(pidPath, syscall.SIGKILL); err != nil {
			return err
		}
		_ = RemovePIDFile(pidPath)
	}
	fmt.Fprintln(w, "stopped")
	return nil
}

// waitForExit polls until pid is gone or timeout passes.
func waitForExit(ctx context.Context, pid int, timeout time.Duration, alive func(int) bool) error {
	deadline := time.Now().Add(timeout)
	for alive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("process %d still running after %s", pid, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stopPollInterval):
		}
	}
	return nil
}

// newStatusCmd creates the "skein status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether serve is running and how many sessions are open",
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

			ov, err := collectOverview(cmd.Context(), s, e.paths.PIDPath, false)
			if err != nil {
				return err
			}
			writeStatus(cmd.OutOrStdout(), ov)
			return nil
		},
	}
}

func writeStatus(w io.Writer, ov overview) {
	if ov.DaemonPID > 0 {
		fmt.Fprintf(w, "serve:    %s (PID %d)\n", ov.Daemon, ov.DaemonPID)
	} else {
		fmt.Fprintf(w, "serve:    %s\n", ov.Daemon)
	}
	fmt.Fprintf(w, "sessions: %d open, %d running, %d waiting on user, %d errored\n",
		ov.Open(), ov.count(session.StatusRunning), ov.count(session.StatusWaitingUser), ov.count(session.StatusErrored))
	fmt.Fprintf(w, "inbox:    %d pending\n", ov.Stats.PendingInbox)
	fmt.Fprintf(w, "outbox:   %d due, %d backing off, %d dead\n",
		ov.Stats.DueOutbox, ov.Stats.WaitingOutbox, ov.Stats.DeadOutbox)
}
