package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Audit kinds written by workers.
const (
	AuditOrphaned      = "worker_orphaned"
	AuditOrphanDrained = "worker_orphan_drained"
	AuditOrphanTimeout = "worker_orphan_timeout"
)

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID        int64
	Kind      string
	SessionID string
	TaskID    string
	PID       int
	Detail    string
	CreatedAt time.Time
}

// RecordAudit appends an audit entry. Workers call this directly, including
// after their parent has gone away.
func (s *Store) RecordAudit(ctx context.Context, e AuditEntry) (int64, error) {
	if e.Kind == "" {
		return 0, fmt.Errorf("record audit: empty kind")
	}
	var pid any
	if e.PID > 0 {
		pid = e.PID
	}
	res, err := s.exec(ctx,
		`INSERT INTO audit_log (kind, session_id, task_id, pid, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Kind, nullableString(e.SessionID), nullableString(e.TaskID), pid, nullableString(e.Detail),
		formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("record audit %s: %w", e.Kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record audit %s: last insert id: %w", e.Kind, err)
	}
	return id, nil
}

// AuditLog returns the most recent entries for a session (or all sessions
// when sessionID is empty), newest first.
func (s *Store) AuditLog(ctx context.Context, sessionID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, session_id, task_id, pid, detail, created_at FROM audit_log
		 WHERE ? = '' OR session_id = ?
		 ORDER BY id DESC LIMIT ?`, sessionID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			sid, tid  sql.NullString
			pid       sql.NullInt64
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &sid, &tid, &pid, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.SessionID = sid.String
		e.TaskID = tid.String
		e.PID = int(pid.Int64)
		e.Detail = detail.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return out, nil
}
