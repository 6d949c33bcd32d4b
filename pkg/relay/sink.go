package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"skein/pkg/ipc"
	"skein/pkg/session"
	"skein/pkg/store"
)

// Outbox event types for manager observations. Worker messages use their
// IPC type ("task_done", "stream_text", ...).
const (
	EventSessionStatus = "session_status"
	EventWorkerExited  = "worker_exited"
	EventStatusReport  = "status_report"
)

// sinkWriteTimeout bounds each store write made from a sink callback.
const sinkWriteTimeout = 5 * time.Second

// SinkStore is the part of the store OutboxSink writes to.
type SinkStore interface {
	EnqueueOutbox(ctx context.Context, eventType, payload, sessionID string) (int64, error)
	AppendMessage(ctx context.Context, msg store.SessionMessage) (int64, error)
	UpsertSession(ctx context.Context, rec store.SessionRecord) error
}

// OutboxSink persists manager events. Every event becomes an outbox row,
// completed task output is appended to the session's conversation, and
// status transitions are mirrored into the sessions table.
type OutboxSink struct {
	Store  SinkStore
	Logger *slog.Logger
	// Skip lists worker message types that are not written to the outbox,
	// for deployments that do not want per-token stream rows.
	Skip map[ipc.Type]bool
}

var _ session.EventSink = (*OutboxSink)(nil)

func (s *OutboxSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

// WorkerMessage implements session.EventSink.
func (s *OutboxSink) WorkerMessage(sessionID string, msg ipc.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	if done, ok := msg.(ipc.TaskDone); ok && done.Success && done.Output != "" {
		if _, err := s.Store.AppendMessage(ctx, store.SessionMessage{
			SessionID: sessionID,
			Sender:    "assistant",
			Content:   done.Output,
			EventID:   done.TaskID,
		}); err != nil {
			s.logger().Error("append assistant message", "session", sessionID, "task", done.TaskID, "error", err)
		}
	}

	if s.Skip[msg.MessageType()] {
		return
	}
	payload, err := ipc.Marshal(msg)
	if err != nil {
		s.logger().Error("encode worker message", "session", sessionID, "type", msg.MessageType(), "error", err)
		return
	}
	s.enqueue(ctx, string(msg.MessageType()), payload, sessionID)
}

// StatusChanged implements session.EventSink.
func (s *OutboxSink) StatusChanged(info session.Info, from session.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	if err := s.Store.UpsertSession(ctx, SessionRecord(info)); err != nil {
		s.logger().Error("upsert session", "session", info.ID, "error", err)
	}
	payload, err := json.Marshal(statusEvent{
		SessionID:   info.ID,
		Status:      string(info.Status),
		From:        string(from),
		WorkerState: string(info.WorkerState),
		WorkerPID:   info.WorkerPID,
		TaskID:      info.CurrentTaskID(),
		Error:       info.Error,
		Dropped:     droppedOnClose(info),
	})
	if err != nil {
		s.logger().Error("encode status change", "session", info.ID, "error", err)
		return
	}
	s.enqueue(ctx, EventSessionStatus, payload, info.ID)
}

// WorkerExited implements session.EventSink.
func (s *OutboxSink) WorkerExited(sessionID string, pid int, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	payload, err := json.Marshal(exitEvent{SessionID: sessionID, PID: pid, TaskID: taskID})
	if err != nil {
		s.logger().Error("encode worker exit", "session", sessionID, "error", err)
		return
	}
	s.enqueue(ctx, EventWorkerExited, payload, sessionID)
}

// StatusReport implements session.EventSink.
func (s *OutboxSink) StatusReport(info session.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	rep := reportEvent{
		SessionID:    info.ID,
		Name:         info.Name,
		Type:         string(info.Type),
		Status:       string(info.Status),
		WorkerState:  string(info.WorkerState),
		WorkerPID:    info.WorkerPID,
		TaskID:       info.CurrentTaskID(),
		HighQueued:   info.HighQueued,
		NormalQueued: info.NormalQueued,
		Error:        info.Error,
	}
	if info.Task != nil {
		rep.TaskStartedAt = &info.Task.StartedAt
		rep.CancelRequested = info.Task.CancelRequested
	}
	payload, err := json.Marshal(rep)
	if err != nil {
		s.logger().Error("encode status report", "session", info.ID, "error", err)
		return
	}
	s.enqueue(ctx, EventStatusReport, payload, info.ID)
}

func (s *OutboxSink) enqueue(ctx context.Context, eventType string, payload []byte, sessionID string) {
	if _, err := s.Store.EnqueueOutbox(ctx, eventType, string(payload), sessionID); err != nil {
		s.logger().Error("enqueue outbox", "session", sessionID, "type", eventType, "error", err)
	}
}

// SessionRecord converts a manager snapshot into its stored form.
func SessionRecord(info session.Info) store.SessionRecord {
	return store.SessionRecord{
		ID:            info.ID,
		Name:          info.Name,
		Type:          string(info.Type),
		Status:        string(info.Status),
		WorkerPID:     info.WorkerPID,
		WorkerState:   string(info.WorkerState),
		CurrentTaskID: info.CurrentTaskID(),
		CreatedAt:     info.CreatedAt,
		UpdatedAt:     info.UpdatedAt,
		Error:         info.Error,
	}
}

type statusEvent struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	From        string `json:"from,omitempty"`
	WorkerState string `json:"workerState,omitempty"`
	WorkerPID   int    `json:"workerPid,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	Error       string `json:"error,omitempty"`
	Dropped     int    `json:"droppedMessages,omitempty"`
}

// droppedOnClose is how many queued user messages a close discarded.
func droppedOnClose(info session.Info) int {
	if info.Status != session.StatusClosed {
		return 0
	}
	return info.NormalQueued
}

type exitEvent struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
	TaskID    string `json:"taskId,omitempty"`
}

type reportEvent struct {
	SessionID       string     `json:"sessionId"`
	Name            string     `json:"name,omitempty"`
	Type            string     `json:"type,omitempty"`
	Status          string     `json:"status"`
	WorkerState     string     `json:"workerState,omitempty"`
	WorkerPID       int        `json:"workerPid,omitempty"`
	TaskID          string     `json:"taskId,omitempty"`
	TaskStartedAt   *time.Time `json:"taskStartedAt,omitempty"`
	CancelRequested bool       `json:"cancelRequested,omitempty"`
	HighQueued      int        `json:"highQueued"`
	NormalQueued    int        `json:"normalQueued"`
	Error           string     `json:"error,omitempty"`
}
