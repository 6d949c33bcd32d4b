package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OutboxRow is an outbound event awaiting delivery.
type OutboxRow struct {
	ID            int64
	EventType     string
	Payload       string
	SessionID     string
	CreatedAt     time.Time
	Sent          bool
	SentAt        *time.Time
	Retries       int
	LastError     string
	NextAttemptAt *time.Time
	Dead          bool
}

// RetryPolicy decides when a failed outbox row is tried again and when it is
// given up on. Delays double from Base per retry up to Max; a row that has
// failed MaxRetries times is dead-lettered and no longer returned by
// UnsentOutbox.
type RetryPolicy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultRetryPolicy is 1s doubling to 5m, dead after 10 failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Max: 5 * time.Minute, MaxRetries: 10}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	return p
}

// Delay returns the wait before attempt number retries+1.
func (p RetryPolicy) Delay(retries int) time.Duration {
	p = p.withDefaults()
	if retries <= 0 {
		return 0
	}
	delay := p.Base
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	return delay
}

// EnqueueOutbox inserts an unsent row and returns its id.
func (s *Store) EnqueueOutbox(ctx context.Context, eventType, payload, sessionID string) (int64, error) {
	if eventType == "" {
		return 0, fmt.Errorf("enqueue outbox: empty event type")
	}
	res, err := s.exec(ctx,
		`INSERT INTO outbox (event_type, payload, session_id, created_at) VALUES (?, ?, ?, ?)`,
		eventType, payload, nullableString(sessionID), formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox %s: %w", eventType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox %s: last insert id: %w", eventType, err)
	}
	return id, nil
}

// UnsentOutbox returns up to limit rows that are due for delivery, oldest
// first. Rows waiting out a retry delay and dead-lettered rows are skipped,
// and so is every later row of their session: a session's events are only
// handed out in id order.
func (s *Store) UnsentOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	if limit <= 0 {
		limit = 100
	}
	now := formatTime(s.now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE sent = 0 AND dead = 0 AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		   AND NOT EXISTS (
		       SELECT 1 FROM outbox held
		        WHERE held.session_id = outbox.session_id AND held.sent = 0 AND held.id < outbox.id
		          AND (held.dead = 1 OR held.next_attempt_at > ?))
		 ORDER BY id LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsent outbox: %w", err)
	}
	return collectOutbox(rows)
}

// DeadOutbox returns dead-lettered rows, oldest first.
func (s *Store) DeadOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE sent = 0 AND dead = 1 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead outbox: %w", err)
	}
	return collectOutbox(rows)
}

// GetOutbox fetches one row.
func (s *Store) GetOutbox(ctx context.Context, id int64) (OutboxRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	out, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OutboxRow{}, fmt.Errorf("outbox %d: %w", id, ErrNotFound)
		}
		return OutboxRow{}, err
	}
	return out, nil
}

// MarkSent finalizes a row. Prior retries do not matter.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	res, err := s.exec(ctx,
		`UPDATE outbox SET sent = 1, sent_at = ?, next_attempt_at = NULL WHERE id = ? AND sent = 0`,
		formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark outbox %d sent: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetOutbox(ctx, id); err != nil {
			return fmt.Errorf("mark outbox %d sent: %w", id, err)
		}
	}
	return nil
}

// MarkFailed records a failed delivery attempt: the retry counter goes up by
// one, the error is kept, and the row stays unsent. Once the counter reaches
// the policy's MaxRetries the row is dead-lettered.
func (s *Store) MarkFailed(ctx context.Context, id int64, errText string) error {
	row, err := s.GetOutbox(ctx, id)
	if err != nil {
		return fmt.Errorf("mark outbox %d failed: %w", id, err)
	}
	if row.Sent {
		return nil
	}

	next := s.now().Add(s.retry.Delay(row.Retries + 1))

	_, err = s.exec(ctx,
		`UPDATE outbox SET retries = retries + 1, last_error = ?, next_attempt_at = ?,
		        dead = CASE WHEN retries + 1 >= ? THEN 1 ELSE 0 END
		 WHERE id = ? AND sent = 0`,
		errText, formatTime(next), s.retry.MaxRetries, id)
	if err != nil {
		return fmt.Errorf("mark outbox %d failed: %w", id, err)
	}
	return nil
}

// Requeue clears the dead flag and retry delay so the row is delivered on
// the next flush. The retry counter is kept for audit.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	res, err := s.exec(ctx,
		`UPDATE outbox SET dead = 0, next_attempt_at = NULL WHERE id = ? AND sent = 0`, id)
	if err != nil {
		return fmt.Errorf("requeue outbox %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeue outbox %d: %w", id, ErrNotFound)
	}
	return nil
}

const outboxColumns = `id, event_type, payload, session_id, created_at, sent, sent_at, retries,
	last_error, next_attempt_at, dead`

func collectOutbox(rows *sql.Rows) ([]OutboxRow, error) {
	defer func() { _ = rows.Close() }()
	var out []OutboxRow
	for rows.Next() {
		row, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

func scanOutbox(row rowScanner) (OutboxRow, error) {
	var (
		out         OutboxRow
		sessionID   sql.NullString
		createdAt   string
		sent        int
		sentAt      sql.NullString
		lastError   sql.NullString
		nextAttempt sql.NullString
		dead        int
	)
	if err := row.Scan(&out.ID, &out.EventType, &out.Payload, &sessionID, &createdAt, &sent, &sentAt,
		&out.Retries, &lastError, &nextAttempt, &dead); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OutboxRow{}, err
		}
		return OutboxRow{}, fmt.Errorf("scan outbox: %w", err)
	}
	out.SessionID = sessionID.String
	out.CreatedAt = parseTime(createdAt)
	out.Sent = sent == 1
	out.SentAt = parseNullTime(sentAt)
	out.LastError = lastError.String
	out.NextAttemptAt = parseNullTime(nextAttempt)
	out.Dead = dead == 1
	return out, nil
}
