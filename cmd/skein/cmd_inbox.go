package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"skein/pkg/ipc"
	"skein/pkg/relay"
	"skein/pkg/store"
)

// newInboxCmd creates the "skein inbox" subcommand group.
func newInboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Submit and inspect inbound events",
	}
	cmd.AddCommand(newInboxAddCmd(), newInboxListCmd())
	return cmd
}

type inboxAddOptions struct {
	sessionID   string
	sessionName string
	sessionType string
	sender      string
	control     string
	eventID     string
}

// newInboxAddCmd creates "skein inbox add".
func newInboxAddCmd() *cobra.Command {
	opts := &inboxAddOptions{}
	cmd := &cobra.Command{
		Use:   "add [message...]",
		Short: "Queue a message or control event for a session",
		Long: "Writes one event to the inbox. serve routes it on its next poll.\n" +
			"Use \"-\" as the message to read it from stdin. --event-id makes the\n" +
			"submission idempotent: re-adding the same id is reported and ignored.",
		Example: `  skein inbox add --session support-42 "summarise the last ticket"
  skein inbox add --session support-42 --control cancel
  git diff | skein inbox add --session review --type bot -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := messageContent(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			rec, err := opts.record(content)
			if err != nil {
				return err
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

			created, err := s.InsertInbox(cmd.Context(), rec)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "duplicate event %s ignored\n", rec.EventID)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.EventID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.sessionID, "session", "s", "", "target session id (required)")
	f.StringVar(&opts.sessionName, "name", "", "display name used when the session is created")
	f.StringVar(&opts.sessionType, "type", string(ipc.SessionChat), "session type when created: chat or bot")
	f.StringVar(&opts.sender, "sender", "", "sender recorded in the conversation log")
	f.StringVar(&opts.control, "control", "", "send a control event instead of a message: cancel, close or status")
	f.StringVar(&opts.eventID, "event-id", "", "idempotency key (default: a new UUID)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (o *inboxAddOptions) record(content string) (store.InboxRecord, error) {
	if strings.TrimSpace(o.sessionID) == "" {
		return store.InboxRecord{}, fmt.Errorf("--session is required")
	}
	switch ipc.SessionType(o.sessionType) {
	case ipc.SessionChat, ipc.SessionBot:
	default:
		return store.InboxRecord{}, fmt.Errorf("--type must be chat or bot, got %q", o.sessionType)
	}
	switch o.control {
	case "":
		if strings.TrimSpace(content) == "" {
			return store.InboxRecord{}, fmt.Errorf("message is empty")
		}
	case relay.ControlCancel, relay.ControlClose, relay.ControlStatus:
	default:
		return store.InboxRecord{}, fmt.Errorf("--control must be cancel, close or status, got %q", o.control)
	}
	id := o.eventID
	if id == "" {
		id = uuid.NewString()
	}
	return store.InboxRecord{
		EventID:     id,
		SessionID:   o.sessionID,
		SessionName: o.sessionName,
		SessionType: o.sessionType,
		Sender:      o.sender,
		Control:     o.control,
		Content:     content,
	}, nil
}

// messageContent joins args, or reads stdin when the only arg is "-".
func messageContent(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read message from stdin: %w", err)
		}
		return strings.TrimRight(string(b), "\n"), nil
	}
	return strings.Join(args, " "), nil
}

// newInboxListCmd creates "skein inbox list".
func newInboxListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events waiting to be routed",
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

			recs, err := s.UnprocessedInbox(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(w, "inbox is empty")
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, []string{
					r.EventID, r.SessionID, orDash(r.Control), orDash(r.Sender),
					clip(r.Content, 48), formatTime(r.ReceivedAt),
				})
			}
			fmt.Fprintln(w, renderTable(w, []string{"Event", "Session", "Control", "Sender", "Content", "Received"}, rows, nil))
			fmt.Fprintf(w, "%d pending\n", len(recs))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	return cmd
}
