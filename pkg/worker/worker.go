// Package worker implements the per-session child process. A worker reads
// orchestrator messages from stdin, runs at most one task at a time on a
// backend, streams results to stdout, and keeps in-flight work alive for a
// bounded time if the orchestrator disappears.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"skein/pkg/clock"
	"skein/pkg/ipc"
	"skein/pkg/store"
)

// Exit codes returned by Run.
const (
	ExitOK      = 0 // Close received, or orphaned work drained in time
	ExitFailure = 1 // init failure, task before init, orphan timeout or nothing to drain
)

// AuditRecorder is the slice of the durable store a worker writes to. The
// worker only touches it once the orchestrator is gone.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, e store.AuditEntry) (int64, error)
}

// Config holds worker dependencies.
type Config struct {
	Backends      Factory                  // required
	Audit         AuditRecorder            // optional orphan trail
	Notifier      Notifier                 // default NoopNotifier
	Persona       func(name string) string // resolves a persona name to prompt text; nil uses the name as-is
	Clock         clock.Clock              // default clock.Real()
	Logger        *slog.Logger
	OrphanPoll    time.Duration // default 5s
	OrphanTimeout time.Duration // default 30m
	PID           int           // reported in Ready; default os.Getpid()
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Notifier == nil {
		out.Notifier = NoopNotifier{}
	}
	if out.Clock == nil {
		out.Clock = clock.Real()
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out.OrphanPoll == 0 {
		out.OrphanPoll = 5 * time.Second
	}
	if out.OrphanTimeout == 0 {
		out.OrphanTimeout = 30 * time.Minute
	}
	if out.PID == 0 {
		out.PID = os.Getpid()
	}
	return out
}

// abortGrace bounds how long Close and Terminate wait for an aborted task
// to unwind before the process exits.
const abortGrace = 2 * time.Second

// drainGrace bounds how long the orphan watcher waits for the receive loop
// to finish messages that arrived before end-of-stream.
const drainGrace = time.Second

// Worker is one session's execution process.
type Worker struct {
	cfg    Config
	ch     *ipc.Channel
	logger *slog.Logger

	done     chan struct{}
	exitOnce sync.Once
	code     int
	recvDone chan struct{}

	mu       sync.Mutex
	init     *ipc.Init
	backend  Backend
	task     *runningTask
	last     string // outcome of the most recent task, for the orphan trail
	orphaned bool
}

type runningTask struct {
	id          string
	cancel      context.CancelFunc
	cancelled   bool
	cancelledAt time.Time
	done        chan struct{}
}

// New builds a Worker speaking over ch. Run starts ch.
func New(ch *ipc.Channel, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:      cfg,
		ch:       ch,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
		recvDone: make(chan struct{}),
	}
}

// Run serves the session until Close, a fatal condition, orphan resolution
// or ctx cancellation, and returns the process exit code.
func (w *Worker) Run(ctx context.Context) int {
	w.ch.Start()
	go w.receive(ctx)
	go w.watchOrphan(ctx)

	select {
	case <-w.done:
	case <-ctx.Done():
		w.abortTask()
		w.exit(ExitOK)
	}
	<-w.done
	return w.code
}

// Interrupt cooperatively cancels the running task. It is wired to SIGINT.
func (w *Worker) Interrupt() {
	w.handleCancel(ipc.Cancel{})
}

// Terminate aborts the running task and ends Run with ExitFailure. It is
// wired to SIGTERM so the backend's subprocesses are not left behind.
func (w *Worker) Terminate() {
	w.abortTask()
	w.exit(ExitFailure)
}

// Done is closed once Run has decided to exit.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) exit(code int) {
	w.exitOnce.Do(func() {
		w.code = code
		close(w.done)
	})
}

func (w *Worker) receive(ctx context.Context) {
	defer close(w.recvDone)
	for {
		msg, err := w.ch.Recv(ctx)
		if err != nil {
			if !ipc.IsClosedErr(err) && ctx.Err() == nil {
				w.logger.Warn("worker: receive failed", "err", err)
			}
			return
		}
		if stop := w.handle(ctx, msg); stop {
			return
		}
	}
}

// handle dispatches one inbound message. It reports true when the worker is
// exiting and no further messages should be read.
func (w *Worker) handle(ctx context.Context, msg ipc.Message) bool {
	switch m := msg.(type) {
	case ipc.Init:
		return w.handleInit(ctx, m)
	case ipc.Task:
		return w.handleTask(ctx, m)
	case ipc.Cancel:
		w.handleCancel(m)
	case ipc.Steer:
		w.handleSteer(m)
	case ipc.Answer:
		w.handleAnswer(m)
	case ipc.Close:
		w.logger.Info("worker: close requested", "reason", m.Reason)
		w.abortTask()
		w.exit(ExitOK)
		return true
	default:
		w.logger.Debug("worker: ignoring message", "type", msg.MessageType())
	}
	return false
}

func (w *Worker) handleInit(ctx context.Context, m ipc.Init) bool {
	w.mu.Lock()
	prev := w.init
	w.mu.Unlock()
	if prev != nil {
		if prev.SessionID == m.SessionID {
			w.send(ipc.Ready{SessionID: m.SessionID, PID: w.cfg.PID})
		} else {
			w.send(ipc.Error{
				SessionID: prev.SessionID,
				Error:     fmt.Sprintf("already initialized for session %s", prev.SessionID),
			})
		}
		return false
	}

	b, err := w.cfg.Backends(ctx, m)
	if err != nil {
		w.logger.Error("worker: init failed", "session", m.SessionID, "err", err)
		w.send(ipc.Error{SessionID: m.SessionID, Error: "init: " + err.Error(), Fatal: true})
		w.exit(ExitFailure)
		return true
	}

	w.mu.Lock()
	w.init = &m
	w.backend = b
	w.mu.Unlock()

	w.logger.Info("worker: initialized", "session", m.SessionID, "type", m.SessionType, "model", m.ModelConfig.Model)
	w.send(ipc.Ready{SessionID: m.SessionID, PID: w.cfg.PID})
	return false
}

func (w *Worker) handleTask(ctx context.Context, m ipc.Task) bool {
	w.mu.Lock()
	if w.init == nil {
		w.mu.Unlock()
		w.logger.Error("worker: task before init", "task", m.TaskID)
		w.send(ipc.Error{Error: "task " + m.TaskID + " received before init", Fatal: true})
		w.exit(ExitFailure)
		return true
	}
	sid := w.init.SessionID
	if w.task != nil {
		busy := w.task.id
		w.mu.Unlock()
		w.send(ipc.Error{SessionID: sid, Error: fmt.Sprintf("busy with task %s; rejected task %s", busy, m.TaskID)})
		return false
	}

	taskCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{id: m.TaskID, cancel: cancel, done: make(chan struct{})}
	w.task = rt
	init := *w.init
	b := w.backend
	w.mu.Unlock()

	persona := m.Persona
	if persona == "" {
		persona = init.Persona
	}
	req := Request{
		SessionID:    sid,
		TaskID:       m.TaskID,
		Prompt:       m.Prompt,
		System:       w.resolvePersona(persona),
		Model:        m.Model,
		WorkspaceDir: init.WorkspaceDir,
		Emit:         w.send,
	}

	w.send(ipc.TaskStarted{TaskID: m.TaskID, SessionID: sid})
	go w.runTask(taskCtx, rt, b, req)
	return false
}

func (w *Worker) resolvePersona(name string) string {
	if name == "" || w.cfg.Persona == nil {
		return name
	}
	return w.cfg.Persona(name)
}

func (w *Worker) runTask(ctx context.Context, rt *runningTask, b Backend, req Request) {
	defer close(rt.done)

	res, err := runBackend(ctx, b, req)
	rt.cancel()

	w.mu.Lock()
	cancelled := rt.cancelled
	w.task = nil
	switch {
	case cancelled:
		w.last = "task " + rt.id + " cancelled"
	case err != nil:
		w.last = "task " + rt.id + " failed: " + err.Error()
	default:
		w.last = "task " + rt.id + " succeeded"
	}
	w.mu.Unlock()

	switch {
	case cancelled:
		w.send(ipc.TaskCancelled{TaskID: rt.id, SessionID: req.SessionID})
	case err != nil:
		w.logger.Warn("worker: task failed", "task", rt.id, "err", err)
		w.send(ipc.TaskDone{TaskID: rt.id, SessionID: req.SessionID, Success: false, Output: res.Output, Error: err.Error()})
	default:
		w.send(ipc.TaskDone{TaskID: rt.id, SessionID: req.SessionID, Success: true, Output: res.Output})
	}
	w.send(ipc.Ready{SessionID: req.SessionID, PID: w.cfg.PID})
}

// runBackend turns a backend panic into a task failure.
func runBackend(ctx context.Context, b Backend, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return b.Run(ctx, req)
}

func (w *Worker) handleCancel(m ipc.Cancel) {
	w.mu.Lock()
	rt := w.task
	if rt == nil || (m.TaskID != "" && m.TaskID != rt.id) {
		w.mu.Unlock()
		w.logger.Debug("worker: cancel with no matching task", "task", m.TaskID)
		return
	}
	if !rt.cancelled {
		rt.cancelled = true
		rt.cancelledAt = w.cfg.Clock.Now()
	}
	w.mu.Unlock()

	w.logger.Info("worker: cancelling task", "task", rt.id)
	rt.cancel()
}

func (w *Worker) handleSteer(m ipc.Steer) {
	w.mu.Lock()
	b := w.backend
	w.mu.Unlock()
	if s, ok := b.(Steerer); ok && s.Steer(m.Prompt) {
		w.logger.Debug("worker: steer forwarded")
		return
	}
	w.logger.Info("worker: steer ignored, backend does not accept guidance")
}

func (w *Worker) handleAnswer(m ipc.Answer) {
	w.mu.Lock()
	b := w.backend
	w.mu.Unlock()
	if a, ok := b.(Answerer); ok && a.Answer(m.ToolCallID, m.Answer) {
		w.logger.Debug("worker: answer delivered", "tool_call", m.ToolCallID)
		return
	}
	w.logger.Info("worker: answer ignored, nothing waiting", "tool_call", m.ToolCallID)
}

// abortTask cancels the running task and waits briefly for it to unwind.
func (w *Worker) abortTask() {
	w.mu.Lock()
	rt := w.task
	if rt != nil && !rt.cancelled {
		rt.cancelled = true
		rt.cancelledAt = w.cfg.Clock.Now()
	}
	w.mu.Unlock()
	if rt == nil {
		return
	}
	rt.cancel()
	select {
	case <-rt.done:
	case <-time.After(abortGrace):
		w.logger.Warn("worker: task did not stop in time", "task", rt.id)
	}
}

// busy reports whether a task or backend-side work is in flight.
func (w *Worker) busy() bool {
	w.mu.Lock()
	rt, b := w.task, w.backend
	w.mu.Unlock()
	if rt != nil {
		return true
	}
	if a, ok := b.(Activity); ok {
		return a.Active()
	}
	return false
}

// send writes msg to the orchestrator. Failures are expected once orphaned.
func (w *Worker) send(msg ipc.Message) {
	if err := w.ch.Send(msg); err != nil {
		w.mu.Lock()
		orphaned := w.orphaned
		w.mu.Unlock()
		if orphaned {
			w.logger.Debug("worker: send while orphaned", "type", msg.MessageType(), "err", err)
			return
		}
		w.logger.Warn("worker: send failed", "type", msg.MessageType(), "err", err)
	}
}
