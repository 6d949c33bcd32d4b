package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRecord mirrors one orchestrator session.
type SessionRecord struct {
	ID            string
	Name          string
	Type          string
	Status        string
	WorkerPID     int
	WorkerState   string
	CurrentTaskID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
	Error         string
}

// SessionMessage is one entry of a session's conversation log.
type SessionMessage struct {
	ID        int64
	SessionID string
	Sender    string
	Content   string
	EventID   string
	CreatedAt time.Time
}

// closedStatus is the session status that stamps closed_at.
const closedStatus = "CLOSED"

// UpsertSession creates the row or overwrites its mutable fields. created_at
// is kept from the first insert.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("upsert session: empty id")
	}
	now := formatTime(s.now())
	var closedAt any
	if rec.Status == closedStatus {
		closedAt = now
	}
	var pid any
	if rec.WorkerPID > 0 {
		pid = rec.WorkerPID
	}

	_, err := s.exec(ctx,
		`INSERT INTO sessions (session_id, name, type, status, worker_pid, worker_state, current_task_id,
		                       created_at, updated_at, closed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		     name = CASE WHEN excluded.name = '' THEN sessions.name ELSE excluded.name END,
		     type = excluded.type,
		     status = excluded.status,
		     worker_pid = excluded.worker_pid,
		     worker_state = excluded.worker_state,
		     current_task_id = excluded.current_task_id,
		     updated_at = excluded.updated_at,
		     closed_at = COALESCE(excluded.closed_at, sessions.closed_at),
		     error = excluded.error`,
		rec.ID, rec.Name, orDefault(rec.Type, "chat"), rec.Status, pid, nullableString(rec.WorkerState),
		nullableString(rec.CurrentTaskID), now, now, closedAt, nullableString(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return SessionRecord{}, err
	}
	return rec, nil
}

// ListSessions returns sessions, most recently updated first. An empty
// statusPrefix matches every session.
func (s *Store) ListSessions(ctx context.Context, statusPrefix string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE instr(status, ?) = 1
		 ORDER BY updated_at DESC, session_id LIMIT ?`, statusPrefix, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// AppendMessage adds an entry to the session log and returns its id.
func (s *Store) AppendMessage(ctx context.Context, msg SessionMessage) (int64, error) {
	if msg.SessionID == "" {
		return 0, fmt.Errorf("append message: empty session id")
	}
	res, err := s.exec(ctx,
		`INSERT INTO session_messages (session_id, sender, content, event_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Sender, msg.Content, nullableString(msg.EventID), formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("append message to %s: %w", msg.SessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message to %s: last insert id: %w", msg.SessionID, err)
	}
	return id, nil
}

// Messages returns the last limit entries of a session log in insertion
// order.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender, content, event_id, created_at FROM (
		     SELECT id, session_id, sender, content, event_id, created_at
		     FROM session_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionMessage
	for rows.Next() {
		var (
			m         SessionMessage
			eventID   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &eventID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.EventID = eventID.String
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

const sessionColumns = `session_id, name, type, status, worker_pid, worker_state, current_task_id,
	created_at, updated_at, closed_at, error`

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec         SessionRecord
		pid         sql.NullInt64
		workerState sql.NullString
		taskID      sql.NullString
		createdAt   string
		updatedAt   string
		closedAt    sql.NullString
		errText     sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Type, &rec.Status, &pid, &workerState, &taskID,
		&createdAt, &updatedAt, &closedAt, &errText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, err
		}
		return SessionRecord{}, fmt.Errorf("scan session: %w", err)
	}
	rec.WorkerPID = int(pid.Int64)
	rec.WorkerState = workerState.String
	rec.CurrentTaskID = taskID.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.ClosedAt = parseNullTime(closedAt)
	rec.Error = errText.String
	return rec, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
