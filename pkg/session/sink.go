package session

import (
	"sync"

	"skein/pkg/ipc"
)

// EventSink consumes everything the manager observes. Calls are made from a
// single goroutine in the order events happened, never while the manager's
// lock is held, so an implementation may block briefly or call back into the
// manager.
type EventSink interface {
	// WorkerMessage receives every worker message verbatim.
	WorkerMessage(sessionID string, msg ipc.Message)
	// StatusChanged fires after every session status transition, including
	// creation (from == "").
	StatusChanged(info Info, from Status)
	// WorkerExited fires once per worker that died or was killed. taskID is
	// the in-flight task that was dropped with it, or "".
	WorkerExited(sessionID string, pid int, taskID string)
	// StatusReport answers a StatusRequest work item.
	StatusReport(info Info)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) WorkerMessage(string, ipc.Message) {}
func (NopSink) StatusChanged(Info, Status)        {}
func (NopSink) WorkerExited(string, int, string)  {}
func (NopSink) StatusReport(Info)                 {}

// eventQueue delivers sink calls in order on one goroutine. Pushing never
// blocks, so the manager can emit while holding its lock.
type eventQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-q.wake
		}
	}
}

// close delivers what is already queued, then stops the goroutine.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}
