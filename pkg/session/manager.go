package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"skein/pkg/clock"
	"skein/pkg/ipc"
)

// drainGrace bounds how long an exited worker's trailing output is read
// before the worker is declared dead.
const drainGrace = 2 * time.Second

// Config tunes the manager. Zero durations take the defaults noted per field.
type Config struct {
	InitTimeout  time.Duration // wait for Ready after spawn (default 15s)
	CloseTimeout time.Duration // wait for exit after Close (default 3s)
	EvictAfter   time.Duration // keep CLOSED actors visible this long (default 10s)
	TermAfter    time.Duration // SIGTERM this long after a cancel (default 4s)
	KillAfter    time.Duration // SIGKILL this long after a cancel (default 7s)

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.InitTimeout == 0 {
		out.InitTimeout = 15 * time.Second
	}
	if out.CloseTimeout == 0 {
		out.CloseTimeout = 3 * time.Second
	}
	if out.EvictAfter == 0 {
		out.EvictAfter = 10 * time.Second
	}
	if out.TermAfter == 0 {
		out.TermAfter = 4 * time.Second
	}
	if out.KillAfter == 0 {
		out.KillAfter = 7 * time.Second
	}
	if out.KillAfter <= out.TermAfter {
		out.KillAfter = out.TermAfter + 3*time.Second
	}
	if out.Clock == nil {
		out.Clock = clock.Real()
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}

// Manager owns every Actor. All actor and worker-handle state is guarded by
// the single manager mutex.
type Manager struct {
	cfg     Config
	spawner Spawner
	sink    EventSink
	clock   clock.Clock
	logger  *slog.Logger
	events  *eventQueue

	mu     sync.Mutex
	actors map[string]*Actor
}

// Actor is the manager's record of one session.
type Actor struct {
	m    *Manager
	id   string
	meta Meta

	// initMu serializes worker spawns for this session.
	initMu sync.Mutex

	// Guarded by m.mu.
	status       Status
	worker       *workerHandle
	task         *TaskRecord
	high         []WorkItem
	normal       []UserMessage
	closing      bool // no further dispatch
	closeStarted bool
	errText      string
	createdAt    time.Time
	updatedAt    time.Time
	evict        clock.Timer

	closed chan struct{} // closed once status is CLOSED
}

type workerHandle struct {
	proc     Process
	ch       *ipc.Channel
	pid      int
	state    WorkerState
	ready    chan struct{} // closed on the first Ready
	dead     chan struct{} // closed when state becomes WorkerDead
	readDone chan struct{}
	timers   []clock.Timer
}

// New creates a Manager. A nil sink discards events.
func New(cfg Config, spawner Spawner, sink EventSink) *Manager {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = NopSink{}
	}
	return &Manager{
		cfg:     cfg,
		spawner: spawner,
		sink:    sink,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		events:  newEventQueue(),
		actors:  make(map[string]*Actor),
	}
}

// Close stops event delivery after flushing queued events. Call it after
// ShutdownAll.
func (m *Manager) Close() {
	m.events.close()
}

// --- public operations ---

// GetOrCreate returns the session's actor, creating it in OPEN_IDLE if
// needed, and makes sure it has a live worker. A new worker gets an Init
// message and must report Ready within the init timeout; otherwise it is
// killed and an *InitError is returned.
//
// An ERRORED session is reopened by this call. A CLOSED one is replaced by
// a fresh actor, and one that is still closing is waited for first, so work
// queued on the returned actor is never dropped by a close already under
// way.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string, meta Meta) (*Actor, error) {
	if err := ipc.ValidateSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	for {
		a := m.lookupOrCreate(sessionID, meta)
		done, err := m.ensureWorker(ctx, a)
		if err != nil {
			return nil, err
		}
		if done {
			return a, nil
		}
		m.logger.Debug("waiting for closing session", "session", sessionID)
		select {
		case <-a.closed:
		case <-ctx.Done():
			return nil, fmt.Errorf("get or create session %s: %w", sessionID, ctx.Err())
		}
	}
}

// ensureWorker starts a worker for a if it has no live one. It reports false
// when a is closing and the caller has to wait for its replacement.
func (m *Manager) ensureWorker(ctx context.Context, a *Actor) (bool, error) {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	m.mu.Lock()
	closing := a.closing
	live := a.worker != nil && a.worker.state != WorkerDead
	m.mu.Unlock()
	switch {
	case closing:
		return false, nil
	case live:
		return true, nil
	}
	if err := m.startWorker(ctx, a); err != nil {
		return false, err
	}
	return true, nil
}

// Enqueue adds item to the session's queue and tries to dispatch. It reports
// false, and does nothing else, when the session is unknown or when item is
// a user message for a session that is closing; GetOrCreate then yields the
// replacement actor.
func (m *Manager) Enqueue(sessionID string, item WorkItem) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.actors[sessionID]
	if a == nil {
		m.logger.Warn("enqueue for unknown session", "session", sessionID)
		return false
	}
	switch it := item.(type) {
	case UserMessage:
		if a.closing {
			m.logger.Warn("message for closing session refused", "session", sessionID, "event", it.EventID)
			return false
		}
		a.normal = append(a.normal, it)
	default:
		a.high = append(a.high, item)
	}
	m.tryDispatchLocked(a)
	return true
}

// Get returns the actor for sessionID.
func (m *Manager) Get(sessionID string) (*Actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[sessionID]
	return a, ok
}

// ListActive returns a snapshot of every session whose status is OPEN_*,
// ordered by id.
func (m *Manager) ListActive() []Info {
	return m.list(func(s Status) bool { return s.IsOpen() })
}

// List returns a snapshot of every session the manager holds, ordered by id.
func (m *Manager) List() []Info {
	return m.list(func(Status) bool { return true })
}

func (m *Manager) list(keep func(Status) bool) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.actors))
	for _, a := range m.actors {
		if keep(a.status) {
			out = append(out, a.infoLocked())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelCurrentTask starts cancellation of the actor's in-flight task: a
// cooperative Cancel message plus SIGINT now, SIGTERM after TermAfter and
// SIGKILL after KillAfter if the worker is still busy. It does nothing when
// no task is running or cancellation is already under way.
func (m *Manager) CancelCurrentTask(a *Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(a)
}

// CloseSession cancels any running task, asks the worker to exit, force-kills
// it if it has not exited within CloseTimeout, marks the session CLOSED, and
// evicts it EvictAfter later.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	a, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("close session %s: %w", sessionID, ErrUnknownSession)
	}
	return m.closeActor(ctx, a, "session closed")
}

// ShutdownAll closes every session concurrently and empties the registry.
// One session failing to close does not stop the others.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, a := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.closeActor(ctx, a, "orchestrator shutting down")
		}()
	}
	wg.Wait()

	m.mu.Lock()
	for _, a := range m.actors {
		if a.evict != nil {
			a.evict.Stop()
		}
	}
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()

	return errors.Join(errs...)
}

// Steer forwards guidance to the session's busy worker. It is a logged no-op
// unless a task is running.
func (m *Manager) Steer(sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.actors[sessionID]
	if a == nil {
		m.logger.Warn("steer for unknown session", "session", sessionID)
		return nil
	}
	h := a.worker
	if h == nil || h.state != WorkerBusy {
		m.logger.Warn("steer ignored: worker not busy", "session", sessionID)
		return nil
	}
	return m.sendLocked(a, h, ipc.Steer{Prompt: text})
}

// Answer forwards a reply to a pending worker question and moves a session
// waiting on the user back to OPEN_RUNNING.
func (m *Manager) Answer(sessionID, toolCallID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.actors[sessionID]
	if a == nil {
		m.logger.Warn("answer for unknown session", "session", sessionID)
		return nil
	}
	h := a.worker
	if h == nil || h.state == WorkerDead {
		m.logger.Warn("answer ignored: no live worker", "session", sessionID)
		return nil
	}
	if err := m.sendLocked(a, h, ipc.Answer{ToolCallID: toolCallID, Answer: text}); err != nil {
		return err
	}
	if a.status == StatusWaitingUser {
		m.setStatusLocked(a, StatusRunning)
	}
	return nil
}

// --- Actor accessors ---

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

// Status returns the current session status.
func (a *Actor) Status() Status {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	return a.status
}

// Info returns a snapshot of the actor.
func (a *Actor) Info() Info {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	return a.infoLocked()
}

func (a *Actor) infoLocked() Info {
	info := Info{
		ID:           a.id,
		Name:         a.meta.Name,
		Type:         a.meta.Type,
		Status:       a.status,
		HighQueued:   len(a.high),
		NormalQueued: len(a.normal),
		CreatedAt:    a.createdAt,
		UpdatedAt:    a.updatedAt,
		Error:        a.errText,
	}
	if a.worker != nil {
		info.WorkerPID = a.worker.pid
		info.WorkerState = a.worker.state
	}
	if a.task != nil {
		t := *a.task
		info.Task = &t
	}
	return info
}

// --- lifecycle internals ---

func (m *Manager) lookupOrCreate(sessionID string, meta Meta) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old := m.actors[sessionID]; old != nil {
		switch old.status {
		case StatusClosed:
			if old.evict != nil {
				old.evict.Stop()
			}
		case StatusErrored:
			if !old.closing {
				old.errText = ""
				m.setStatusLocked(old, StatusIdle)
			}
			return old
		default:
			return old
		}
	}

	if meta.Type == "" {
		meta.Type = ipc.SessionChat
	}
	now := m.clock.Now()
	a := &Actor{
		m:         m,
		id:        sessionID,
		meta:      meta,
		status:    StatusIdle,
		createdAt: now,
		updatedAt: now,
		closed:    make(chan struct{}),
	}
	m.actors[sessionID] = a
	info := a.infoLocked()
	m.events.push(func() { m.sink.StatusChanged(info, "") })
	m.logger.Info("session created", "session", sessionID, "type", meta.Type)
	return a
}

func (m *Manager) startWorker(ctx context.Context, a *Actor) error {
	proc, err := m.spawner.Spawn(ctx, SpawnRequest{SessionID: a.id, WorkspaceDir: a.meta.WorkspaceDir})
	if err != nil {
		return &InitError{SessionID: a.id, Err: err}
	}

	h := &workerHandle{
		proc:     proc,
		pid:      proc.PID(),
		state:    WorkerStarting,
		ready:    make(chan struct{}),
		dead:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	h.ch = ipc.NewChannel(proc.Stdout(), proc.Stdin(), m.logger.With("session", a.id, "pid", h.pid))

	m.mu.Lock()
	a.worker = h
	a.updatedAt = m.clock.Now()
	m.mu.Unlock()

	h.ch.Start()
	go m.readWorker(a, h)
	go m.watchExit(a, h)
	m.logger.Info("worker spawned", "session", a.id, "pid", h.pid)

	init := ipc.Init{
		SessionID:    a.id,
		SessionName:  a.meta.Name,
		SessionType:  a.meta.Type,
		ProjectPath:  a.meta.ProjectPath,
		WorkspaceDir: a.meta.WorkspaceDir,
		Persona:      a.meta.Persona,
		ModelConfig:  a.meta.Model,
	}
	if err := h.ch.Send(init); err != nil {
		m.abandonWorker(a, h, "init write failed")
		return &InitError{SessionID: a.id, PID: h.pid, Err: err}
	}

	timeout := m.clock.After(m.cfg.InitTimeout)
	select {
	case <-h.ready:
		return nil
	case <-h.dead:
		return &InitError{SessionID: a.id, PID: h.pid, Err: ErrWorkerDiedEarly}
	case <-timeout:
		m.abandonWorker(a, h, "init timeout")
		return &InitError{SessionID: a.id, PID: h.pid, Err: ErrInitTimeout}
	case <-ctx.Done():
		m.abandonWorker(a, h, "init cancelled")
		return &InitError{SessionID: a.id, PID: h.pid, Err: ctx.Err()}
	}
}

// abandonWorker kills h and marks it dead without waiting for the exit.
func (m *Manager) abandonWorker(a *Actor, h *workerHandle, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killLocked(a, h, reason)
}

func (m *Manager) killLocked(a *Actor, h *workerHandle, reason string) {
	if h.state == WorkerDead {
		return
	}
	if err := h.proc.Signal(syscall.SIGKILL); err != nil {
		m.logger.Warn("kill worker", "session", a.id, "pid", h.pid, "error", err)
	}
	m.markDeadLocked(a, h, reason)
}

func (m *Manager) readWorker(a *Actor, h *workerHandle) {
	defer close(h.readDone)
	defer func() { _ = h.proc.Stdout().Close() }()
	for {
		msg, err := h.ch.Recv(context.Background())
		if err != nil {
			if !ipc.IsClosedErr(err) {
				m.logger.Warn("worker stream ended", "session", a.id, "pid", h.pid, "error", err)
			}
			return
		}
		m.handleWorkerMessage(a, h, msg)
	}
}

// watchExit marks h dead once the process is reaped and its trailing output
// has been handled.
func (m *Manager) watchExit(a *Actor, h *workerHandle) {
	<-h.proc.Exited()
	expired := make(chan struct{})
	drain := m.clock.AfterFunc(drainGrace, func() { close(expired) })
	select {
	case <-h.readDone:
	case <-expired:
		m.logger.Warn("worker output still open after exit", "session", a.id, "pid", h.pid)
	}
	drain.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.markDeadLocked(a, h, "process exited")
}

// markDeadLocked is the single transition into WorkerDead. It stops pending
// escalation, drops the in-flight task, and notifies the sink once.
func (m *Manager) markDeadLocked(a *Actor, h *workerHandle, reason string) {
	if h.state == WorkerDead {
		return
	}
	h.state = WorkerDead
	close(h.dead)
	stopTimers(h)
	_ = h.proc.Stdin().Close()
	m.logger.Info("worker dead", "session", a.id, "pid", h.pid, "reason", reason)

	if a.worker != h {
		return
	}
	var taskID string
	if a.task != nil {
		taskID = a.task.ID
		a.task = nil
		m.logger.Warn("in-flight task lost with worker", "session", a.id, "task", taskID)
	}
	a.updatedAt = m.clock.Now()
	if a.status == StatusRunning || a.status == StatusWaitingUser {
		m.setStatusLocked(a, StatusIdle)
	}
	sessionID, pid := a.id, h.pid
	m.events.push(func() { m.sink.WorkerExited(sessionID, pid, taskID) })
}

func stopTimers(h *workerHandle) {
	for _, t := range h.timers {
		t.Stop()
	}
	h.timers = nil
}

func (m *Manager) handleWorkerMessage(a *Actor, h *workerHandle, msg ipc.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.worker != h || h.state == WorkerDead {
		m.logger.Debug("dropping message from retired worker", "session", a.id, "pid", h.pid, "type", msg.MessageType())
		return
	}
	sessionID := a.id
	m.events.push(func() { m.sink.WorkerMessage(sessionID, msg) })

	switch msg := msg.(type) {
	case ipc.Ready:
		if h.state == WorkerStarting {
			close(h.ready)
		}
		if a.task != nil {
			m.logger.Warn("ready while task still current; dropping task", "session", a.id, "task", a.task.ID)
			m.finishTaskLocked(a, h, a.task.ID)
		}
		h.state = WorkerReady
		a.updatedAt = m.clock.Now()
		m.tryDispatchLocked(a)

	case ipc.TaskStarted:
		if a.task == nil || a.task.ID != msg.TaskID {
			m.logger.Warn("task_started for unknown task", "session", a.id, "task", msg.TaskID)
		}

	case ipc.TaskDone:
		m.finishTaskLocked(a, h, msg.TaskID)

	case ipc.TaskCancelled:
		m.finishTaskLocked(a, h, msg.TaskID)

	case ipc.Question:
		if a.status == StatusRunning {
			m.setStatusLocked(a, StatusWaitingUser)
		}

	case ipc.Error:
		if !msg.Fatal {
			m.logger.Warn("worker error", "session", a.id, "error", msg.Error)
			return
		}
		m.logger.Error("fatal worker error", "session", a.id, "pid", h.pid, "error", msg.Error)
		a.errText = msg.Error
		m.setStatusLocked(a, StatusErrored)
		m.killLocked(a, h, "fatal error")

	case ipc.Progress, ipc.StreamText, ipc.ToolStart, ipc.ToolEnd:
		// Forwarded only.

	case ipc.Unknown:
		m.logger.Debug("unknown worker message", "session", a.id, "type", msg.Type)

	default:
		m.logger.Warn("unexpected message from worker", "session", a.id, "type", msg.MessageType())
	}
}

// finishTaskLocked clears the task record. The worker stays busy until it
// re-announces Ready.
func (m *Manager) finishTaskLocked(a *Actor, h *workerHandle, taskID string) {
	if a.task == nil || a.task.ID != taskID {
		m.logger.Warn("completion for unknown task", "session", a.id, "task", taskID)
		return
	}
	stopTimers(h)
	a.task = nil
	a.updatedAt = m.clock.Now()
	if a.status == StatusRunning || a.status == StatusWaitingUser {
		m.setStatusLocked(a, StatusIdle)
	}
}

// tryDispatchLocked drains control items first, whatever the worker is
// doing, then starts at most one user task if the worker is ready and idle.
func (m *Manager) tryDispatchLocked(a *Actor) {
	for {
		if a.status == StatusErrored || a.status == StatusClosed {
			return
		}
		if len(a.high) > 0 {
			item := a.high[0]
			a.high[0] = nil
			a.high = a.high[1:]
			m.handleControlLocked(a, item)
			continue
		}
		if a.closing {
			return
		}
		h := a.worker
		if h == nil || h.state != WorkerReady || a.task != nil || len(a.normal) == 0 {
			return
		}
		msg := a.normal[0]
		a.normal = a.normal[1:]
		m.startTaskLocked(a, h, msg)
		return
	}
}

func (m *Manager) handleControlLocked(a *Actor, item WorkItem) {
	switch it := item.(type) {
	case Cancel:
		m.cancelLocked(a)
	case CloseSession:
		a.closing = true
		reason := it.Reason
		if reason == "" {
			reason = "close requested"
		}
		go func() {
			if err := m.closeActor(context.Background(), a, reason); err != nil {
				m.logger.Warn("close session", "session", a.id, "error", err)
			}
		}()
	case StatusRequest:
		info := a.infoLocked()
		if h := a.worker; h != nil && h.state == WorkerReady {
			ready := ipc.Ready{SessionID: a.id, PID: h.pid}
			m.events.push(func() { m.sink.WorkerMessage(info.ID, ready) })
		}
		m.events.push(func() { m.sink.StatusReport(info) })
	default:
		m.logger.Warn("unhandled control item", "session", a.id, "item", fmt.Sprintf("%T", item))
	}
}

func (m *Manager) startTaskLocked(a *Actor, h *workerHandle, msg UserMessage) {
	t := &TaskRecord{
		ID:        uuid.NewString(),
		EventID:   msg.EventID,
		StartedAt: m.clock.Now(),
	}
	task := ipc.Task{
		TaskID:      t.ID,
		UserEventID: msg.EventID,
		Prompt:      msg.Content,
		Persona:     a.meta.Persona,
		Model:       a.meta.Model.Model,
	}
	if err := m.sendLocked(a, h, task); err != nil {
		// Keep the message for the next worker.
		a.normal = append([]UserMessage{msg}, a.normal...)
		m.killLocked(a, h, "task write failed")
		return
	}
	a.task = t
	h.state = WorkerBusy
	m.logger.Info("task dispatched", "session", a.id, "task", t.ID, "event", msg.EventID)
	m.setStatusLocked(a, StatusRunning)
}

func (m *Manager) cancelLocked(a *Actor) {
	t := a.task
	if t == nil || t.CancelRequested {
		return
	}
	h := a.worker
	if h == nil || h.state == WorkerDead {
		return
	}
	t.CancelRequested = true
	t.CancelRequestedAt = m.clock.Now()
	m.logger.Info("cancelling task", "session", a.id, "task", t.ID)

	_ = m.sendLocked(a, h, ipc.Cancel{TaskID: t.ID})
	if err := h.proc.Signal(syscall.SIGINT); err != nil {
		m.logger.Warn("interrupt worker", "session", a.id, "pid", h.pid, "error", err)
	}
	h.timers = append(h.timers,
		m.clock.AfterFunc(m.cfg.TermAfter, func() { m.escalate(a, h, syscall.SIGTERM) }),
		m.clock.AfterFunc(m.cfg.KillAfter, func() { m.escalate(a, h, syscall.SIGKILL) }),
	)
}

// escalate signals a worker that is still busy after a cancel. SIGKILL also
// marks it dead without waiting for the exit.
func (m *Manager) escalate(a *Actor, h *workerHandle, sig syscall.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.state != WorkerBusy {
		return
	}
	m.logger.Warn("worker ignored cancel; escalating", "session", a.id, "pid", h.pid, "signal", sig.String())
	if sig == syscall.SIGKILL {
		m.killLocked(a, h, "killed after cancel timeout")
		return
	}
	if err := h.proc.Signal(sig); err != nil {
		m.logger.Warn("signal worker", "session", a.id, "pid", h.pid, "signal", sig.String(), "error", err)
	}
}

func (m *Manager) closeActor(ctx context.Context, a *Actor, reason string) error {
	m.mu.Lock()
	if a.status == StatusClosed || a.closeStarted {
		m.mu.Unlock()
		return nil
	}
	a.closeStarted = true
	a.closing = true
	m.cancelLocked(a)
	h := a.worker
	if h != nil && h.state != WorkerDead {
		_ = m.sendLocked(a, h, ipc.Close{Reason: reason})
	} else {
		h = nil
	}
	m.mu.Unlock()

	var waitErr error
	if h != nil {
		timeout := m.clock.After(m.cfg.CloseTimeout)
		select {
		case <-h.dead:
		case <-timeout:
			m.logger.Warn("worker did not exit after close; killing", "session", a.id, "pid", h.pid)
			m.abandonWorker(a, h, "close timeout")
		case <-ctx.Done():
			m.abandonWorker(a, h, "close cancelled")
			waitErr = fmt.Errorf("close session %s: %w", a.id, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// The CLOSED event still carries the queue length, which reports the
	// messages queued ahead of the close that are dropped here.
	m.setStatusLocked(a, StatusClosed)
	if n := len(a.normal); n > 0 {
		m.logger.Warn("dropping messages queued before close", "session", a.id, "count", n)
		a.normal = nil
	}
	close(a.closed)
	a.evict = m.clock.AfterFunc(m.cfg.EvictAfter, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.actors[a.id] == a {
			delete(m.actors, a.id)
			m.logger.Debug("session evicted", "session", a.id)
		}
	})
	m.logger.Info("session closed", "session", a.id, "reason", reason)
	return waitErr
}

// sendLocked writes msg to the worker. A failed write is logged and
// returned as *WorkerUnreachableError.
func (m *Manager) sendLocked(a *Actor, h *workerHandle, msg ipc.Message) error {
	if err := h.ch.Send(msg); err != nil {
		m.logger.Warn("ipc write failed", "session", a.id, "pid", h.pid, "type", msg.MessageType(), "error", err)
		return &WorkerUnreachableError{SessionID: a.id, PID: h.pid, Err: err}
	}
	return nil
}

func (m *Manager) setStatusLocked(a *Actor, s Status) {
	if a.status == s {
		return
	}
	from := a.status
	a.status = s
	a.updatedAt = m.clock.Now()
	info := a.infoLocked()
	m.logger.Debug("session status", "session", a.id, "from", from, "to", s)
	m.events.push(func() { m.sink.StatusChanged(info, from) })
}
