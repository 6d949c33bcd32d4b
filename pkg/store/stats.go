package store

import (
	"context"
	"fmt"
)

// Stats are row counts for status displays.
type Stats struct {
	SessionsByStatus map[string]int
	PendingInbox     int
	DueOutbox        int
	WaitingOutbox    int // unsent, not dead, retry delay not yet elapsed
	DeadOutbox       int
}

// Stats counts sessions per status and the undelivered inbox and outbox rows.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{SessionsByStatus: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("count sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("scan session count: %w", err)
		}
		st.SessionsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("count sessions: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox WHERE processed = 0`).Scan(&st.PendingInbox)
	if err != nil {
		return st, fmt.Errorf("count inbox: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN dead = 0 AND (next_attempt_at IS NULL OR next_attempt_at <= ?) THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN dead = 0 AND next_attempt_at > ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN dead = 1 THEN 1 ELSE 0 END), 0)
		 FROM outbox WHERE sent = 0`, formatTime(s.now()), formatTime(s.now())).
		Scan(&st.DueOutbox, &st.WaitingOutbox, &st.DeadOutbox)
	if err != nil {
		return st, fmt.Errorf("count outbox: %w", err)
	}
	return st, nil
}
