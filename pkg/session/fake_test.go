package session_test

import (
	"context"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"skein/pkg/ipc"
	"skein/pkg/session"
)

// waitFor polls cond until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeProcess is an in-memory worker process wired over io.Pipe.
type fakeProcess struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	exited   chan struct{}
	exitOnce sync.Once

	mu         sync.Mutex
	signals    []syscall.Signal
	ignoreKill bool
	dieOnTerm  bool
	holdStdout bool // exit leaves stdout open, like a grandchild holding it
}

func (p *fakeProcess) PID() int                { return p.pid }
func (p *fakeProcess) Stdin() io.WriteCloser   { return p.stdinW }
func (p *fakeProcess) Stdout() io.ReadCloser   { return p.stdoutR }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignoreKill, dieOnTerm := p.ignoreKill, p.dieOnTerm
	p.mu.Unlock()

	switch {
	case sig == syscall.SIGKILL && !ignoreKill:
		p.exit()
	case sig == syscall.SIGTERM && dieOnTerm:
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// exit closes the worker's output first so trailing lines are read, then
// reports the process as reaped.
func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		hold := p.holdStdout
		p.mu.Unlock()
		if !hold {
			_ = p.stdoutW.Close()
		}
		_ = p.stdinR.Close()
		close(p.exited)
	})
}

// fakeWorker is the in-process stand-in for `skein worker`.
type fakeWorker struct {
	proc *fakeProcess
	ch   *ipc.Channel
	recv chan ipc.Message
}

func (w *fakeWorker) send(t *testing.T, msg ipc.Message) {
	t.Helper()
	if err := w.ch.Send(msg); err != nil {
		t.Fatalf("fake worker send %s: %v", msg.MessageType(), err)
	}
}

// next returns the next message the worker received.
func (w *fakeWorker) next(t *testing.T) ipc.Message {
	t.Helper()
	select {
	case msg := <-w.recv:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("fake worker received nothing")
		return nil
	}
}

// behavior reacts to one inbound message. Returning false stops the loop.
type behavior func(w *fakeWorker, msg ipc.Message) bool

// autoWorker answers Init with Ready, runs each Task to a successful
// TaskDone, and exits on Close.
func autoWorker(w *fakeWorker, msg ipc.Message) bool {
	switch msg := msg.(type) {
	case ipc.Init:
		_ = w.ch.Send(ipc.Ready{SessionID: msg.SessionID, PID: w.proc.pid})
	case ipc.Task:
		_ = w.ch.Send(ipc.TaskStarted{TaskID: msg.TaskID})
		_ = w.ch.Send(ipc.TaskDone{TaskID: msg.TaskID, Success: true, Output: "echo: " + msg.Prompt})
		_ = w.ch.Send(ipc.Ready{PID: w.proc.pid})
	case ipc.Close:
		w.proc.exit()
		return false
	}
	return true
}

// manualWorker answers Init with Ready and exits on Close. Everything else
// is left to the test, which reads w.recv and calls w.send.
func manualWorker(w *fakeWorker, msg ipc.Message) bool {
	switch msg := msg.(type) {
	case ipc.Init:
		_ = w.ch.Send(ipc.Ready{SessionID: msg.SessionID, PID: w.proc.pid})
	case ipc.Close:
		w.proc.exit()
		return false
	}
	return true
}

// stubbornWorker answers Init and ignores everything after it, Close
// included.
func stubbornWorker(w *fakeWorker, msg ipc.Message) bool {
	if init, ok := msg.(ipc.Init); ok {
		_ = w.ch.Send(ipc.Ready{SessionID: init.SessionID, PID: w.proc.pid})
	}
	return true
}

type fakeSpawner struct {
	mu       sync.Mutex
	behavior behavior
	nextPID  int
	workers  []*fakeWorker
	failWith error
	setup    func(p *fakeProcess)
}

func newFakeSpawner(b behavior) *fakeSpawner {
	return &fakeSpawner{behavior: b, nextPID: 1000}
}

func (s *fakeSpawner) setBehavior(b behavior) {
	s.mu.Lock()
	s.behavior = b
	s.mu.Unlock()
}

func (s *fakeSpawner) Spawn(_ context.Context, _ session.SpawnRequest) (session.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.nextPID++
	p := &fakeProcess{pid: s.nextPID, exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	if s.setup != nil {
		s.setup(p)
	}

	w := &fakeWorker{
		proc: p,
		ch:   ipc.NewChannel(p.stdinR, p.stdoutW, nil),
		recv: make(chan ipc.Message, 64),
	}
	s.workers = append(s.workers, w)
	b := s.behavior

	w.ch.Start()
	go func() {
		for {
			msg, err := w.ch.Recv(context.Background())
			if err != nil {
				return
			}
			w.recv <- msg
			if !b(w, msg) {
				return
			}
		}
	}()
	return p, nil
}

func (s *fakeSpawner) worker(i int) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[i]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// recordingSink keeps every event for assertions.
type recordingSink struct {
	mu       sync.Mutex
	messages map[string][]ipc.Message
	statuses map[string][]session.Status
	exits    []exitEvent
	reports  []session.Info
}

type exitEvent struct {
	SessionID string
	PID       int
	TaskID    string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		messages: make(map[string][]ipc.Message),
		statuses: make(map[string][]session.Status),
	}
}

func (r *recordingSink) WorkerMessage(id string, msg ipc.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[id] = append(r.messages[id], msg)
}

func (r *recordingSink) StatusChanged(info session.Info, _ session.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[info.ID] = append(r.statuses[info.ID], info.Status)
}

func (r *recordingSink) WorkerExited(id string, pid int, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, exitEvent{id, pid, taskID})
}

func (r *recordingSink) StatusReport(info session.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, info)
}

func (r *recordingSink) Statuses(id string) []session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Status(nil), r.statuses[id]...)
}

func (r *recordingSink) Messages(id string) []ipc.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ipc.Message(nil), r.messages[id]...)
}

func (r *recordingSink) Types(id string) []ipc.Type {
	var out []ipc.Type
	for _, m := range r.Messages(id) {
		out = append(out, m.MessageType())
	}
	return out
}

func (r *recordingSink) Exits() []exitEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]exitEvent(nil), r.exits...)
}

func (r *recordingSink) Reports() []session.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Info(nil), r.reports...)
}
