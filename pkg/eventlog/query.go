// Package eventlog gives read-only access to the events skein has recorded
// in its outbox. It opens the database with mode=ro so queries never take a
// write lock that could stall a running serve.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout matches the encoding used by pkg/store so text comparison
// orders timestamps correctly.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Event is one outbox row.
type Event struct {
	ID        int64
	Type      string
	SessionID string
	Payload   string
	CreatedAt time.Time
	Delivered bool
	SentAt    *time.Time
	Retries   int
	Dead      bool
}

// QueryOpts filters events. Zero values match everything.
type QueryOpts struct {
	SessionID string
	// Types restricts to the listed event types (e.g. "task_done", "session_status").
	Types []string
	// After and Before bound created_at, both inclusive.
	After  *time.Time
	Before *time.Time
	// Undelivered keeps only rows not yet sent (pending or dead).
	Undelivered bool
	// Limit caps the result size (0 = no limit).
	Limit int
}

// Reader queries the event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens dbPath read-only. The database must already exist.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database handle. Safe to call more than once.
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// Query returns matching events, newest first.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts, 0, false)
	return r.collect(ctx, query, args)
}

// Since returns matching events with an id above afterID, oldest first. It
// backs `skein events --follow`.
func (r *Reader) Since(ctx context.Context, opts QueryOpts, afterID int64) ([]Event, error) {
	query, args := buildQuery(opts, afterID, true)
	return r.collect(ctx, query, args)
}

func (r *Reader) collect(ctx context.Context, query string, args []any) ([]Event, error) {
	if r.db == nil {
		return nil, errors.New("event log reader is closed")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e               Event
			sessionID       sql.NullString
			createdAt       string
			sentAt          sql.NullString
			delivered, dead int
		)
		if err := rows.Scan(&e.ID, &e.Type, &sessionID, &e.Payload, &createdAt, &delivered, &sentAt, &e.Retries, &dead); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.SessionID = sessionID.String
		e.Delivered, e.Dead = delivered != 0, dead != 0
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("event %d created_at: %w", e.ID, err)
		}
		if sentAt.Valid && sentAt.String != "" {
			t, err := parseTime(sentAt.String)
			if err != nil {
				return nil, fmt.Errorf("event %d sent_at: %w", e.ID, err)
			}
			e.SentAt = &t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery turns opts into SQL. ascending with afterID serves Since.
func buildQuery(opts QueryOpts, afterID int64, ascending bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if opts.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if len(opts.Types) > 0 {
		conds = append(conds, "event_type IN (?"+strings.Repeat(", ?", len(opts.Types)-1)+")")
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	if opts.After != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(timeLayout))
	}
	if opts.Before != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(timeLayout))
	}
	if opts.Undelivered {
		conds = append(conds, "sent = 0")
	}
	if afterID > 0 {
		conds = append(conds, "id > ?")
		args = append(args, afterID)
	}

	query := "SELECT id, event_type, session_id, payload, created_at, sent, sent_at, retries, dead FROM outbox"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if ascending {
		query += " ORDER BY id ASC"
	} else {
		query += " ORDER BY id DESC"
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err == nil {
		return t, nil
	}
	if t, err2 := time.Parse(time.RFC3339Nano, v); err2 == nil {
		return t, nil
	}
	return time.Time{}, err
}
