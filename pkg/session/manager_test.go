package session_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"skein/pkg/clock"
	"skein/pkg/ipc"
	"skein/pkg/session"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var chatMeta = session.Meta{Name: "chat one", Type: ipc.SessionChat, WorkspaceDir: "/tmp/ws"}

func newManager(t *testing.T, cfg session.Config, sp session.Spawner) (*session.Manager, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	m := session.New(cfg, sp, sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.ShutdownAll(ctx)
		m.Close()
	})
	return m, sink
}

func mustCreate(t *testing.T, m *session.Manager, id string) *session.Actor {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := m.GetOrCreate(ctx, id, chatMeta)
	if err != nil {
		t.Fatalf("GetOrCreate(%s): %v", id, err)
	}
	return a
}

func containsSignal(sigs []syscall.Signal, want syscall.Signal) bool {
	for _, s := range sigs {
		if s == want {
			return true
		}
	}
	return false
}

func TestEndToEnd_StatusSequence(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(autoWorker)
	m, sink := newManager(t, session.Config{}, sp)

	a := mustCreate(t, m, "s1")
	if got := a.Status(); got != session.StatusIdle {
		t.Fatalf("status after create = %s", got)
	}

	init := sp.worker(0).next(t).(ipc.Init)
	if init.SessionID != "s1" || init.SessionType != ipc.SessionChat || init.WorkspaceDir != "/tmp/ws" {
		t.Fatalf("unexpected init: %#v", init)
	}

	if !m.Enqueue("s1", session.UserMessage{Content: "hi", EventID: "evt-1"}) {
		t.Fatal("Enqueue returned false for known session")
	}

	waitFor(t, 5*time.Second, "task_done + ready", func() bool {
		return len(sink.Types("s1")) >= 4
	})
	wantTypes := []ipc.Type{ipc.TypeReady, ipc.TypeTaskStarted, ipc.TypeTaskDone, ipc.TypeReady}
	if got := sink.Types("s1"); !reflect.DeepEqual(got, wantTypes) {
		t.Fatalf("worker messages = %v, want %v", got, wantTypes)
	}
	done := sink.Messages("s1")[2].(ipc.TaskDone)
	if !done.Success || done.Output != "echo: hi" {
		t.Fatalf("task_done = %#v", done)
	}

	wantStatus := []session.Status{session.StatusIdle, session.StatusRunning, session.StatusIdle}
	waitFor(t, 5*time.Second, "status sequence", func() bool {
		return reflect.DeepEqual(sink.Statuses("s1"), wantStatus)
	})

	info := a.Info()
	if info.Task != nil || info.WorkerState != session.WorkerReady {
		t.Fatalf("after completion: task=%v worker=%s", info.Task, info.WorkerState)
	}
}

func TestDispatch_SingleTaskInFlight(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	var completed atomic.Int32
	b := func(w *fakeWorker, msg ipc.Message) bool {
		switch msg := msg.(type) {
		case ipc.Init:
			_ = w.ch.Send(ipc.Ready{SessionID: msg.SessionID, PID: w.proc.pid})
		case ipc.Task:
			n := inFlight.Add(1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			_ = w.ch.Send(ipc.TaskStarted{TaskID: msg.TaskID})
			go func() {
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				completed.Add(1)
				_ = w.ch.Send(ipc.TaskDone{TaskID: msg.TaskID, Success: true})
				_ = w.ch.Send(ipc.Ready{PID: w.proc.pid})
			}()
		}
		return true
	}
	sp := newFakeSpawner(b)
	m, _ := newManager(t, session.Config{}, sp)
	a := mustCreate(t, m, "s1")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Enqueue("s1", session.UserMessage{Content: "msg"})
		}()
	}
	wg.Wait()

	waitFor(t, 10*time.Second, "all tasks", func() bool { return completed.Load() == n })
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max tasks in flight = %d, want 1", got)
	}
	waitFor(t, 5*time.Second, "idle", func() bool { return a.Status() == session.StatusIdle })
}

func TestDispatch_HighPriorityBeforeNormal(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(manualWorker)
	m, sink := newManager(t, session.Config{}, sp)
	a := mustCreate(t, m, "s1")
	w := sp.worker(0)
	_ = w.next(t) // init

	m.Enqueue("s1", session.UserMessage{Content: "first"})
	t1 := w.next(t).(ipc.Task)
	w.send(t, ipc.TaskStarted{TaskID: t1.TaskID})

	m.Enqueue("s1", session.UserMessage{Content: "a"})
	m.Enqueue("s1", session.Cancel{})

	c, ok := w.next(t).(ipc.Cancel)
	if !ok || c.TaskID != t1.TaskID {
		t.Fatalf("expected cancel for %s, got %#v", t1.TaskID, c)
	}
	info := a.Info()
	if info.Task == nil || !info.Task.CancelRequested {
		t.Fatalf("task record should carry the cancel flag: %#v", info.Task)
	}
	if info.NormalQueued != 1 {
		t.Fatalf("normal queue = %d, want 1 (a not yet dispatched)", info.NormalQueued)
	}
	if !containsSignal(w.proc.Signals(), syscall.SIGINT) {
		t.Fatalf("expected SIGINT, got %v", w.proc.Signals())
	}

	w.send(t, ipc.TaskCancelled{TaskID: t1.TaskID})
	w.send(t, ipc.Ready{PID: w.proc.pid})

	t2 := w.next(t).(ipc.Task)
	if t2.Prompt != "a" {
		t.Fatalf("second task prompt = %q", t2.Prompt)
	}

	want := []session.Status{session.StatusIdle, session.StatusRunning, session.StatusIdle, session.StatusRunning}
	waitFor(t, 5*time.Second, "status sequence", func() bool {
		return reflect.DeepEqual(sink.Statuses("s1"), want)
	})
}

func TestCancel_NoTaskIsNoop(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(manualWorker)
	m, _ := newManager(t, session.Config{}, sp)
	a := mustCreate(t, m, "s1")

	m.CancelCurrentTask(a)
	m.CancelCurrentTask(a)
	if sigs := sp.worker(0).proc.Signals(); len(sigs) != 0 {
		t.Fatalf("signals sent without a task: %v", sigs)
	}
}

func TestCancel_EscalationTiming(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	sp := newFakeSpawner(stubbornWorker)
	// The worker ignores everything, including SIGKILL, so the only way it
	// can become dead is the manager deciding so.
	sp.setup = func(p *fakeProcess) { p.ignoreKill = true }
	m, sink := newManager(t, session.Config{Clock: fc}, sp)
	a := mustCreate(t, m, "s1")
	w := sp.worker(0)
	t.Cleanup(w.proc.exit)
	_ = w.next(t) // init

	m.Enqueue("s1", session.UserMessage{Content: "never finishes"})
	task := w.next(t).(ipc.Task)

	m.CancelCurrentTask(a)
	if c := w.next(t).(ipc.Cancel); c.TaskID != task.TaskID {
		t.Fatalf("cancel for %s, want %s", c.TaskID, task.TaskID)
	}
	m.CancelCurrentTask(a) // second call must not restart the timers

	assertSignals := func(want ...syscall.Signal) {
		t.Helper()
		if got := w.proc.Signals(); !reflect.DeepEqual(got, want) {
			t.Fatalf("signals = %v, want %v", got, want)
		}
	}
	assertSignals(syscall.SIGINT)

	fc.Advance(4*time.Second - time.Millisecond)
	assertSignals(syscall.SIGINT)

	fc.Advance(time.Millisecond)
	assertSignals(syscall.SIGINT, syscall.SIGTERM)
	if got := a.Info().WorkerState; got != session.WorkerBusy {
		t.Fatalf("worker state after SIGTERM = %s, want busy", got)
	}

	fc.Advance(3*time.Second - time.Millisecond)
	assertSignals(syscall.SIGINT, syscall.SIGTERM)

	fc.Advance(time.Millisecond)
	assertSignals(syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL)

	info := a.Info()
	if info.WorkerState != session.WorkerDead {
		t.Fatalf("worker state after SIGKILL = %s, want dead", info.WorkerState)
	}
	if info.Task != nil {
		t.Fatalf("task record survived the kill: %#v", info.Task)
	}
	if info.Status != session.StatusIdle {
		t.Fatalf("status after kill = %s", info.Status)
	}

	waitFor(t, 5*time.Second, "worker_exited event", func() bool { return len(sink.Exits()) == 1 })
	if ev := sink.Exits()[0]; ev.TaskID != task.TaskID || ev.PID != w.proc.pid {
		t.Fatalf("exit event = %#v", ev)
	}
}

func TestCancel_CooperativeStopsEscalation(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	sp := newFakeSpawner(manualWorker)
	m, _ := newManager(t, session.Config{Clock: fc}, sp)
	a := mustCreate(t, m, "s1")
	w := sp.worker(0)
	_ = w.next(t)

	m.Enqueue("s1", session.UserMessage{Content: "x"})
	task := w.next(t).(ipc.Task)
	m.CancelCurrentTask(a)
	_ = w.next(t) // cancel

	w.send(t, ipc.TaskCancelled{TaskID: task.TaskID})
	w.send(t, ipc.Ready{PID: w.proc.pid})
	waitFor(t, 5*time.Second, "worker ready", func() bool {
		return a.Info().WorkerState == session.WorkerReady
	})

	fc.Advance(time.Minute)
	if got := w.proc.Signals(); !reflect.DeepEqual(got, []syscall.Signal{syscall.SIGINT}) {
		t.Fatalf("signals = %v, want only SIGINT", got)
	}
}

func TestGetOrCreate_InitTimeout(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	sp := newFakeSpawner(func(*fakeWorker, ipc.Message) bool { return true })
	m, _ := newManager(t, session.Config{Clock: fc}, sp)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate(context.Background(), "s1", chatMeta)
		errCh <- err
	}()
	fc.WaitForTimers(1)
	fc.Advance(15 * time.Second)

	var err error
	select {
	case err = <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("GetOrCreate did not return after the init timeout")
	}
	var initErr *session.InitError
	if !errors.As(err, &initErr) || !errors.Is(err, session.ErrInitTimeout) {
		t.Fatalf("err = %v, want InitError(ErrInitTimeout)", err)
	}
	if !containsSignal(sp.worker(0).proc.Signals(), syscall.SIGKILL) {
		t.Fatal("silent worker was not killed")
	}
	a, ok := m.Get("s1")
	if !ok || a.Info().WorkerState != session.WorkerDead {
		t.Fatal("no dead worker recorded after init timeout")
	}

	// The next call spawns a fresh worker.
	sp.setBehavior(manualWorker)
	if _, err := m.GetOrCreate(context.Background(), "s1", chatMeta); err != nil {
		t.Fatalf("retry GetOrCreate: %v", err)
	}
	if sp.count() != 2 {
		t.Fatalf("spawned %d workers, want 2", sp.count())
	}
	if got := a.Info().WorkerState; got != session.WorkerReady {
		t.Fatalf("worker state = %s", got)
	}
}

func TestGetOrCreate_WorkerDiesDuringInit(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(func(w *fakeWorker, msg ipc.Message) bool {
		w.proc.exit()
		return false
	})
	m, _ := newManager(t, session.Config{}, sp)

	_, err := m.GetOrCreate(context.Background(), "s1", chatMeta)
	if !errors.Is(err, session.ErrWorkerDiedEarly) {
		t.Fatalf("err = %v, want ErrWorkerDiedEarly", err)
	}
}

func TestGetOrCreate_SpawnFailure(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(autoWorker)
	sp.failWith = errors.New("exec: no such file")
	m, _ := newManager(t, session.Config{}, sp)

	_, err := m.GetOrCreate(context.Background(), "s1", chatMeta)
	var initErr *session.InitError
	if !errors.As(err, &initErr) || initErr.SessionID != "s1" {
		t.Fatalf("err = %v, want InitError for s1", err)
	}
}

func TestGetOrCreate_ReusesLiveWorker(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(autoWorker)
	m, _ := newManager(t, session.Config{}, sp)

	a1 := mustCreate(t, m, "s1")
	a2 := mustCreate(t, m, "s1")
	if a1 != a2 {
		t.Fatal("GetOrCreate returned a different actor for the same id")
	}
	if sp.count() != 1 {
		t.Fatalf("spawned %d workers, want 1", sp.count())
	}
}

func TestFatalError_SessionErrored(t *testing.T) {
	t.Parallel()
	fatal := func(w *fakeWorker, msg ipc.Message) bool {
		switch msg := msg.(type) {
		case ipc.Init:
			_ = w.ch.Send(ipc.Ready{SessionID: msg.SessionID, PID: w.proc.pid})
		case ipc.Task:
			_ = w.ch.Send(ipc.Error{Error: "no credentials", Fatal: true})
		}
		return true
	}
	sp := newFakeSpawner(fatal)
	m, sink := newManager(t, session.Config{}, sp)
	a := mustCreate(t, m, "s1")

	m.Enqueue("s1", session.UserMessage{Content: "x"})
	waitFor(t, 5*time.Second, "ERRORED", func() bool { return a.Status() == session.StatusErrored })

	info := a.Info()
	if info.WorkerState != session.WorkerDead || info.Error != "no credentials" {
		t.Fatalf("after fatal: %#v", info)
	}

	m.Enqueue("s1", session.UserMessage{Content: "y"})
	if got := a.Info().NormalQueued; got != 1 {
		t.Fatalf("queued while errored = %d, want 1", got)
	}
	if len(m.ListActive()) != 0 {
		t.Fatal("errored session listed as active")
	}

	// Recreating the session reopens it and drains the queue.
	sp.setBehavior(autoWorker)
	mustCreate(t, m, "s1")
	waitFor(t, 5*time.Second, "queued task done", func() bool {
		for _, msg := range sink.Messages("s1") {
			if d, ok := msg.(ipc.TaskDone); ok && d.Output == "echo: y" {
				return true
			}
		}
		return false
	})
}

func TestWorkerExitMidTask_DropsTask(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(manualWorker)
	m, sink := newManager(t, session.Config{}, sp)
	a := mustCreate(t, m, "s1")
	w := sp.worker(0)
	_ = w.next(t)

	m.Enqueue("s1", session.UserMessage{Content: "x"})
	task := w.next(t).(ipc.Task)
	w.proc.exit()

	waitFor(t, 5*time.Second, "worker_exited", func() bool { return len(sink.Exits()) == 1 })
	if ev := sink.Exits()[0]; ev.TaskID != task.TaskID {
		t.Fatalf("exit event task = %q, want %q", ev.TaskID, task.TaskID)
	}
	info := a.Info()
	if info.Task != nil || info.WorkerState != session.WorkerDead || info.Status != session.StatusIdle {
		t.Fatalf("after exit: %#v", info)
	}
	for _, typ := range sink.Types("s1") {
		if typ == ipc.TypeTaskDone {
			t.Fatal("manager synthesized a task_done for a dead worker")
		}
	}

	mustCreate(t, m, "s1")
	if sp.count() != 2 {
		t.Fatalf("spawned %d workers, want 2", sp.count())
	}
}

func TestWorkerExit_DrainGraceOnManagerClock(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	sp := newFakeSpawner(manualWorker)
	sp.setup = func(p *fakeProcess) { p.holdStdout = true }
	m, sink := newManager(t, session.Config{Clock: fc}, sp)
	a := mustCreate(t, m, "s1")
	w := sp.worker(0)
	t.Cleanup(func() { _ = w.proc.stdoutW.Close() })

	w.proc.exit()
	// The unfired init timeout plus the drain grace.
	fc.WaitForTimers(2)
	time.Sleep(20 * time.Millisecond)
	if got := a.Info().WorkerState; got == session.WorkerDead {
		t.Fatal("worker declared dead before the drain grace elapsed")
	}

	fc.Advance(2 * time.Second)
	waitFor(t, 5*time.Second, "worker dead", func() bool {
		return a.Info().WorkerState == session.WorkerDead
	})
	waitFor(t, 5*time.Second, "worker_exited event", func() bool { return len(sink.Exits()) == 1 })
}

func TestCloseSession_GracefulThenEvicted(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	sp := newFakeSpawner(autoWorker)
	m, sink := newManager(t, session.Config{Clock: fc}, sp)
	a := mustCreate(t, m, "s1")

	if err := m.CloseSession(context.Background(), "s1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	info := a.Info()
	if info.Status != session.StatusClosed || info.WorkerState != session.WorkerDead {
		t.Fatalf("after close: %#v", info)
	}
	if containsSignal(sp.worker(0).proc.Signals(), syscall.SIGKILL) {
		t.Fatal("graceful close should not kill")
	}
	if _, ok := m.Get("s1"); !ok {
		t.Fatal("closed session evicted too early")
	}

	fc.Advance(10 * time.Second)
	if _, ok := m.Get("s1"); ok {
		t.Fatal("closed session not evicted after grace window")
	}

	want := []session.Status{session.StatusIdle, session.StatusClosed}
	waitFor(t, 5*time.Second, "status sequence", func() bool {
		return reflect.DeepEqual(sink.Statuses("s1"), want)
	})

	if err := m.CloseSession(context.Background(), "s1"); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("close after eviction: %v", err)
	}
}

func TestCloseSession_ForceKillsSlowWorker(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	sp := newFakeSpawner(stubbornWorker)
	m, _ := newManager(t, session.Config{Clock: fc}, sp)
	a := mustCreate(t, m, "s1")
	w := sp.worker(0)

	errCh := make(chan error, 1)
	go func() { errCh <- m.CloseSession(context.Background(), "s1") }()

	// The unfired init timeout plus the close timeout.
	fc.WaitForTimers(2)
	fc.Advance(3 * time.Second)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("CloseSession: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("CloseSession did not return")
	}
	if !containsSignal(w.proc.Signals(), syscall.SIGKILL) {
		t.Fatal("slow worker was not killed")
	}
	if got := a.Status(); got != session.StatusClosed {
		t.Fatalf("status = %s", got)
	}
}

func TestCloseSession_WorkItem(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(autoWorker)
	m, _ := newManager(t, session.Config{}, sp)
	a := mustCreate(t, m, "s1")

	m.Enqueue("s1", session.CloseSession{Reason: "user left"})
	waitFor(t, 5*time.Second, "closed", func() bool { return a.Status() == session.StatusClosed })

	var reason string
	for {
		msg := sp.worker(0).next(t)
		if c, ok := msg.(ipc.Close); ok {
			reason = c.Reason
			break
		}
	}
	if reason != "user left" {
		t.Fatalf("close reason = %q", reason)
	}
}

func TestGetOrCreate_WaitsOutClosingSession(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	sp := newFakeSpawner(stubbornWorker)
	m, _ := newManager(t, session.Config{Clock: fc}, sp)
	old := mustCreate(t, m, "s1")

	m.Enqueue("s1", session.CloseSession{Reason: "user left"})
	if m.Enqueue("s1", session.UserMessage{Content: "too late", EventID: "e1"}) {
		t.Fatal("closing session accepted a user message")
	}

	type result struct {
		a   *session.Actor
		err error
	}
	done := make(chan result, 1)
	sp.setBehavior(autoWorker)
	go func() {
		a, err := m.GetOrCreate(context.Background(), "s1", chatMeta)
		done <- result{a, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("GetOrCreate returned while the session was closing: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	// The unfired init timeout plus the close timeout.
	fc.WaitForTimers(2)
	fc.Advance(3 * time.Second)

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("GetOrCreate did not return after the close finished")
	}
	if r.err != nil {
		t.Fatalf("GetOrCreate: %v", r.err)
	}
	if r.a == old {
		t.Fatal("got the closed actor back")
	}
	if got := old.Status(); got != session.StatusClosed {
		t.Fatalf("old status = %s", got)
	}

	if !m.Enqueue("s1", session.UserMessage{Content: "hello again", EventID: "e2"}) {
		t.Fatal("replacement actor refused the message")
	}
	w := sp.worker(1)
	_ = w.next(t) // init
	task, ok := w.next(t).(ipc.Task)
	if !ok || task.UserEventID != "e2" {
		t.Fatalf("replacement worker got %#v, want the e2 task", task)
	}
}

func TestGetOrCreate_ClosingWaitHonoursContext(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	sp := newFakeSpawner(stubbornWorker)
	m, _ := newManager(t, session.Config{Clock: fc}, sp)
	mustCreate(t, m, "s1")
	t.Cleanup(sp.worker(0).proc.exit)
	m.Enqueue("s1", session.CloseSession{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.GetOrCreate(ctx, "s1", chatMeta); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if sp.count() != 1 {
		t.Fatalf("spawned %d workers during the close", sp.count())
	}
}

func TestShutdownAll(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(autoWorker)
	m, sink := newManager(t, session.Config{}, sp)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		mustCreate(t, m, id)
	}
	if got := len(m.ListActive()); got != 3 {
		t.Fatalf("active = %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.ShutdownAll(ctx); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	if got := len(m.List()); got != 0 {
		t.Fatalf("registry holds %d actors after shutdown", got)
	}
	for _, id := range ids {
		waitFor(t, 5*time.Second, "closed "+id, func() bool {
			st := sink.Statuses(id)
			return len(st) > 0 && st[len(st)-1] == session.StatusClosed
		})
	}
}

func TestSteerAndAnswer(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(manualWorker)
	m, _ := newManager(t, session.Config{CloseTimeout: 50 * time.Millisecond}, sp)
	a := mustCreate(t, m, "s1")
	w := sp.worker(0)
	_ = w.next(t)

	// Not busy: dropped with a warning.
	if err := m.Steer("s1", "too early"); err != nil {
		t.Fatalf("Steer while idle: %v", err)
	}

	m.Enqueue("s1", session.UserMessage{Content: "work"})
	task := w.next(t).(ipc.Task)

	if err := m.Steer("s1", "focus on tests"); err != nil {
		t.Fatalf("Steer: %v", err)
	}
	if s := w.next(t).(ipc.Steer); s.Prompt != "focus on tests" {
		t.Fatalf("steer = %#v", s)
	}

	w.send(t, ipc.Question{TaskID: task.TaskID, ToolCallID: "c1", Question: "proceed?"})
	waitFor(t, 5*time.Second, "waiting user", func() bool { return a.Status() == session.StatusWaitingUser })

	if err := m.Answer("s1", "c1", "yes"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	ans := w.next(t).(ipc.Answer)
	if ans.ToolCallID != "c1" || ans.Answer != "yes" {
		t.Fatalf("answer = %#v", ans)
	}
	if got := a.Status(); got != session.StatusRunning {
		t.Fatalf("status after answer = %s", got)
	}

	// A worker that stopped reading its input is unreachable.
	_ = w.proc.stdinR.Close()
	err := m.Steer("s1", "hello?")
	var unreachable *session.WorkerUnreachableError
	if !errors.As(err, &unreachable) || unreachable.SessionID != "s1" {
		t.Fatalf("err = %v, want WorkerUnreachableError", err)
	}
}

func TestStatusRequest_ReportsAndReemitsReady(t *testing.T) {
	t.Parallel()
	sp := newFakeSpawner(autoWorker)
	m, sink := newManager(t, session.Config{}, sp)
	mustCreate(t, m, "s1")

	m.Enqueue("s1", session.StatusRequest{})
	waitFor(t, 5*time.Second, "status report", func() bool { return len(sink.Reports()) == 1 })

	r := sink.Reports()[0]
	if r.ID != "s1" || r.Status != session.StatusIdle || r.WorkerState != session.WorkerReady {
		t.Fatalf("report = %#v", r)
	}
	readies := 0
	for _, typ := range sink.Types("s1") {
		if typ == ipc.TypeReady {
			readies++
		}
	}
	if readies != 2 {
		t.Fatalf("ready notifications = %d, want 2", readies)
	}
}

func TestEnqueue_UnknownSession(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, session.Config{}, newFakeSpawner(autoWorker))
	if m.Enqueue("ghost", session.UserMessage{Content: "x"}) {
		t.Fatal("Enqueue accepted an unknown session")
	}
	if err := m.Steer("ghost", "x"); err != nil {
		t.Fatalf("Steer unknown: %v", err)
	}
}

func TestWorkItem_Priorities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		item session.WorkItem
		want session.Priority
	}{
		{session.UserMessage{}, session.PriorityNormal},
		{session.Cancel{}, session.PriorityHigh},
		{session.CloseSession{}, session.PriorityHigh},
		{session.StatusRequest{}, session.PriorityHigh},
	}
	for _, tt := range tests {
		if got := tt.item.Priority(); got != tt.want {
			t.Errorf("%T priority = %d, want %d", tt.item, got, tt.want)
		}
	}
}
