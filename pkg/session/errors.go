package session

import (
	"errors"
	"fmt"
)

// ErrUnknownSession is returned for operations on a session id the manager
// does not hold.
var ErrUnknownSession = errors.New("unknown session")

// Reasons a worker failed to initialize.
var (
	ErrInitTimeout     = errors.New("worker did not report ready in time")
	ErrWorkerDiedEarly = errors.New("worker exited during init")
)

// InitError is returned by GetOrCreate when a freshly spawned worker never
// becomes ready. No live worker is left behind, so the next call retries.
type InitError struct {
	SessionID string
	PID       int
	Err       error
}

func (e *InitError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("init session %s (worker pid %d): %v", e.SessionID, e.PID, e.Err)
	}
	return fmt.Sprintf("init session %s: %v", e.SessionID, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// WorkerUnreachableError is returned when a message could not be written to
// a session's worker.
type WorkerUnreachableError struct {
	SessionID string
	PID       int
	Err       error
}

func (e *WorkerUnreachableError) Error() string {
	return fmt.Sprintf("worker %d for session %s unreachable: %v", e.PID, e.SessionID, e.Err)
}

func (e *WorkerUnreachableError) Unwrap() error { return e.Err }
