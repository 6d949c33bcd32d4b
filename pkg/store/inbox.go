package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"skein/pkg/ipc"
)

// InboxRecord is an inbound event. EventID is the idempotency key.
type InboxRecord struct {
	EventID     string
	SessionID   string
	SessionName string
	SessionType string
	Sender      string
	Control     string // empty for user messages; cancel, close, or status otherwise
	Content     string
	ReceivedAt  time.Time
	Processed   bool
	ProcessedAt *time.Time
}

// InsertInbox stores rec unless a row with the same EventID already exists.
// It reports whether the row was newly created; false means the event is a
// duplicate and must not be processed again.
func (s *Store) InsertInbox(ctx context.Context, rec InboxRecord) (bool, error) {
	if rec.EventID == "" {
		return false, fmt.Errorf("insert inbox: empty event id")
	}
	if err := ipc.ValidateSessionID(rec.SessionID); err != nil {
		return false, fmt.Errorf("insert inbox %s: %w", rec.EventID, err)
	}
	received := rec.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	sessionType := rec.SessionType
	if sessionType == "" {
		sessionType = "chat"
	}

	res, err := s.exec(ctx,
		`INSERT INTO inbox (event_id, session_id, session_name, session_type, sender, control, content, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		rec.EventID, rec.SessionID, rec.SessionName, sessionType, rec.Sender, rec.Control, rec.Content,
		formatTime(received),
	)
	if err != nil {
		return false, fmt.Errorf("insert inbox %s: %w", rec.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert inbox %s rows affected: %w", rec.EventID, err)
	}
	return n == 1, nil
}

// UnprocessedInbox returns up to limit unprocessed rows, oldest first.
func (s *Store) UnprocessedInbox(ctx context.Context, limit int) ([]InboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, session_id, session_name, session_type, sender, control, content,
		        received_at, processed, processed_at
		 FROM inbox WHERE processed = 0 ORDER BY rowid LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed inbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []InboxRecord
	for rows.Next() {
		rec, err := scanInbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox: %w", err)
	}
	return out, nil
}

// GetInbox fetches one row by idempotency key.
func (s *Store) GetInbox(ctx context.Context, eventID string) (InboxRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, session_id, session_name, session_type, sender, control, content,
		        received_at, processed, processed_at
		 FROM inbox WHERE event_id = ?`, eventID)
	rec, err := scanInbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InboxRecord{}, fmt.Errorf("inbox %s: %w", eventID, ErrNotFound)
		}
		return InboxRecord{}, err
	}
	return rec, nil
}

// MarkProcessed flags the event as handled.
func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	res, err := s.exec(ctx,
		`UPDATE inbox SET processed = 1, processed_at = ? WHERE event_id = ?`,
		formatTime(s.now()), eventID)
	if err != nil {
		return fmt.Errorf("mark inbox %s processed: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark inbox %s processed: %w", eventID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInbox(row rowScanner) (InboxRecord, error) {
	var (
		rec         InboxRecord
		receivedAt  string
		processed   int
		processedAt sql.NullString
	)
	if err := row.Scan(&rec.EventID, &rec.SessionID, &rec.SessionName, &rec.SessionType,
		&rec.Sender, &rec.Control, &rec.Content, &receivedAt, &processed, &processedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InboxRecord{}, err
		}
		return InboxRecord{}, fmt.Errorf("scan inbox: %w", err)
	}
	rec.ReceivedAt = parseTime(receivedAt)
	rec.Processed = processed == 1
	rec.ProcessedAt = parseNullTime(processedAt)
	return rec, nil
}
