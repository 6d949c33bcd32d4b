package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"skein/pkg/eventlog"
)

const followInterval = time.Second

type eventsOptions struct {
	sessionID   string
	types       []string
	since       time.Duration
	undelivered bool
	limit       int
	follow      bool
	jsonLines   bool
}

// newEventsCmd creates the "skein events" subcommand.
func newEventsCmd() *cobra.Command {
	opts := &eventsOptions{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the recorded event log (every outbox row, delivered or not)",
		Example: `  skein events --session support-42 --type task_done
  skein events --since 1h --undelivered
  skein events --follow --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			// Opening the store migrates a fresh database; holding it keeps
			// the WAL index available to the read-only reader.
			s, err := e.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			r, err := eventlog.NewReader(e.paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()
			return runEvents(cmd.Context(), cmd.OutOrStdout(), r, opts, time.Now())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.sessionID, "session", "s", "", "only events for this session")
	f.StringSliceVarP(&opts.types, "type", "t", nil, "only these event types (repeatable)")
	f.DurationVar(&opts.since, "since", 0, "only events newer than this (e.g. 30m)")
	f.BoolVar(&opts.undelivered, "undelivered", false, "only events not yet published")
	f.IntVar(&opts.limit, "limit", 50, "maximum rows (ignored with --follow after the first page)")
	f.BoolVarP(&opts.follow, "follow", "f", false, "keep printing new events until interrupted")
	f.BoolVar(&opts.jsonLines, "json", false, "print one JSON object per line")
	return cmd
}

// eventReader is the read side of eventlog.Reader.
type eventReader interface {
	Query(ctx context.Context, opts eventlog.QueryOpts) ([]eventlog.Event, error)
	Since(ctx context.Context, opts eventlog.QueryOpts, afterID int64) ([]eventlog.Event, error)
}

func runEvents(ctx context.Context, w io.Writer, r eventReader, o *eventsOptions, now time.Time) error {
	q := eventlog.QueryOpts{
		SessionID:   o.sessionID,
		Types:       o.types,
		Undelivered: o.undelivered,
		Limit:       o.limit,
	}
	if o.since > 0 {
		after := now.Add(-o.since)
		q.After = &after
	}

	events, err := r.Query(ctx, q)
	if err != nil {
		return err
	}
	// Query is newest first; print chronologically.
	slices.Reverse(events)
	if err := writeEvents(w, events, o.jsonLines); err != nil {
		return err
	}
	if !o.follow {
		return nil
	}

	var last int64
	if n := len(events); n > 0 {
		last = events[n-1].ID
	} else if latest, err := r.Query(ctx, eventlog.QueryOpts{Limit: 1}); err != nil {
		return err
	} else if len(latest) > 0 {
		last = latest[0].ID
	}
	q.Limit = 0

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		next, err := r.Since(ctx, q, last)
		if err != nil {
			return err
		}
		if len(next) == 0 {
			continue
		}
		last = next[len(next)-1].ID
		if err := writeEvents(w, next, o.jsonLines); err != nil {
			return err
		}
	}
}

type eventLine struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Delivered bool            `json:"delivered"`
	Dead      bool            `json:"dead,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func writeEvents(w io.Writer, events []eventlog.Event, jsonLines bool) error {
	if jsonLines {
		enc := json.NewEncoder(w)
		for _, e := range events {
			payload := json.RawMessage(e.Payload)
			if !json.Valid(payload) {
				b, _ := json.Marshal(e.Payload)
				payload = b
			}
			if err := enc.Encode(eventLine{
				ID: e.ID, Type: e.Type, SessionID: e.SessionID, CreatedAt: e.CreatedAt,
				Delivered: e.Delivered, Dead: e.Dead, Payload: payload,
			}); err != nil {
				return fmt.Errorf("write event %d: %w", e.ID, err)
			}
		}
		return nil
	}
	if len(events) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		state := "pending"
		switch {
		case e.Delivered:
			state = "sent"
		case e.Dead:
			state = "dead"
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10), formatTime(e.CreatedAt), e.Type, orDash(e.SessionID), state, clip(e.Payload, 60),
		})
	}
	_, err := fmt.Fprintln(w, renderTable(w, []string{"ID", "Time", "Type", "Session", "State", "Payload"}, rows, []columnAlignment{alignRight}))
	return err
}
