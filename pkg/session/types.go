// Package session owns the orchestrator side of skein: one Actor per
// conversation, each with a priority queue of work and at most one worker
// process executing at most one task.
package session

import (
	"strings"
	"time"

	"skein/pkg/ipc"
)

// Status is the session lifecycle state.
type Status string

// Session statuses. Every live status starts with "OPEN_".
const (
	StatusIdle        Status = "OPEN_IDLE"
	StatusRunning     Status = "OPEN_RUNNING"
	StatusWaitingUser Status = "OPEN_WAITING_USER"
	StatusErrored     Status = "ERRORED"
	StatusClosed      Status = "CLOSED"
)

// IsOpen reports whether the session still accepts work.
func (s Status) IsOpen() bool { return strings.HasPrefix(string(s), "OPEN_") }

// WorkerState is the liveness of a session's worker process.
type WorkerState string

// Worker liveness states. WorkerDead is terminal for a handle.
const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerBusy     WorkerState = "busy"
	WorkerDead     WorkerState = "dead"
)

// Priority selects the queue a WorkItem lands in.
type Priority int

// Queue priorities. High items always drain before normal ones.
const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// WorkItem is a queued unit of intent for a session.
type WorkItem interface {
	Priority() Priority
	isWorkItem()
}

// UserMessage asks the session's worker to run a prompt.
type UserMessage struct {
	Content string
	EventID string // originating inbox event
}

// Cancel stops the in-flight task, if any.
type Cancel struct{}

// CloseSession shuts the session down.
type CloseSession struct {
	Reason string
}

// StatusRequest asks for the session's current status to be reported.
type StatusRequest struct{}

func (UserMessage) Priority() Priority   { return PriorityNormal }
func (Cancel) Priority() Priority        { return PriorityHigh }
func (CloseSession) Priority() Priority  { return PriorityHigh }
func (StatusRequest) Priority() Priority { return PriorityHigh }

func (UserMessage) isWorkItem()   {}
func (Cancel) isWorkItem()        {}
func (CloseSession) isWorkItem()  {}
func (StatusRequest) isWorkItem() {}

// Meta describes a session when it is first created.
type Meta struct {
	Name         string
	Type         ipc.SessionType
	ProjectPath  string
	WorkspaceDir string
	Persona      string
	Model        ipc.ModelConfig
}

// TaskRecord is the single in-flight task of a session.
type TaskRecord struct {
	ID                string
	EventID           string
	StartedAt         time.Time
	CancelRequested   bool
	CancelRequestedAt time.Time
}

// Info is a point-in-time copy of an actor's state.
type Info struct {
	ID           string
	Name         string
	Type         ipc.SessionType
	Status       Status
	WorkerPID    int
	WorkerState  WorkerState
	Task         *TaskRecord
	HighQueued   int
	NormalQueued int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Error        string
}

// CurrentTaskID returns the in-flight task id or "".
func (i Info) CurrentTaskID() string {
	if i.Task == nil {
		return ""
	}
	return i.Task.ID
}
