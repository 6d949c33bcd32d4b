package worker_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"skein/pkg/ipc"
	"skein/pkg/store"
	"skein/pkg/worker"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond) // short poll inside helper is OK
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// harness runs a Worker over in-memory pipes and plays the orchestrator.
type harness struct {
	w       *worker.Worker
	orch    *ipc.Channel
	stdinW  *io.PipeWriter // orchestrator → worker
	stdoutR *io.PipeReader
	code    chan int
}

func startWorker(t *testing.T, cfg worker.Config) *harness {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	h := &harness{
		w:       worker.New(ipc.NewChannel(stdinR, stdoutW, nil), cfg),
		orch:    ipc.NewChannel(stdoutR, stdinW, nil),
		stdinW:  stdinW,
		stdoutR: stdoutR,
		code:    make(chan int, 1),
	}
	h.orch.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.code <- h.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = stdinW.Close()
		_ = stdoutR.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, msg ipc.Message) {
	t.Helper()
	if err := h.orch.Send(msg); err != nil {
		t.Fatalf("orchestrator send %s: %v", msg.MessageType(), err)
	}
}

// next returns the next message the worker wrote.
func (h *harness) next(t *testing.T) ipc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := h.orch.Recv(ctx)
	if err != nil {
		t.Fatalf("orchestrator recv: %v", err)
	}
	return msg
}

// expect reads messages until one of type T arrives, failing on anything
// other than streamed output in between.
func expect[T ipc.Message](t *testing.T, h *harness) T {
	t.Helper()
	for {
		msg := h.next(t)
		if v, ok := msg.(T); ok {
			return v
		}
		switch msg.(type) {
		case ipc.StreamText, ipc.Progress, ipc.ToolStart, ipc.ToolEnd:
			continue
		}
		var zero T
		t.Fatalf("got %s, want %s", msg.MessageType(), zero.MessageType())
	}
}

// await reads messages until one of type T arrives, skipping anything else.
func await[T ipc.Message](t *testing.T, h *harness) T {
	t.Helper()
	for {
		if v, ok := h.next(t).(T); ok {
			return v
		}
	}
}

func (h *harness) exitCode(t *testing.T) int {
	t.Helper()
	select {
	case c := <-h.code:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
		return -1
	}
}

func (h *harness) init(t *testing.T, sessionType ipc.SessionType) ipc.Ready {
	t.Helper()
	h.send(t, ipc.Init{SessionID: "s1", SessionName: "test", SessionType: sessionType, WorkspaceDir: t.TempDir()})
	return expect[ipc.Ready](t, h)
}

// fakeBackend runs tasks through fn; the default echoes the prompt.
type fakeBackend struct {
	fn func(ctx context.Context, req worker.Request) (worker.Result, error)

	mu     sync.Mutex
	reqs   []worker.Request
	steers []string
}

func (b *fakeBackend) Run(ctx context.Context, req worker.Request) (worker.Result, error) {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	b.mu.Unlock()
	if b.fn != nil {
		return b.fn(ctx, req)
	}
	req.Emit(ipc.StreamText{SessionID: req.SessionID, TaskID: req.TaskID, Delta: req.Prompt})
	return worker.Result{Output: "echo: " + req.Prompt}, nil
}

func (b *fakeBackend) Steer(text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steers = append(b.steers, text)
	return true
}

func (b *fakeBackend) Requests() []worker.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]worker.Request(nil), b.reqs...)
}

func (b *fakeBackend) Steers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.steers...)
}

func factoryFor(b worker.Backend) worker.Factory {
	return func(context.Context, ipc.Init) (worker.Backend, error) { return b, nil }
}

// blockingRun parks until release is closed or ctx is cancelled.
func blockingRun(started chan<- string, release <-chan struct{}) func(ctx context.Context, req worker.Request) (worker.Result, error) {
	return func(ctx context.Context, req worker.Request) (worker.Result, error) {
		started <- req.TaskID
		select {
		case <-release:
			return worker.Result{Output: "finished " + req.TaskID}, nil
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		}
	}
}

// auditLog records audit entries in memory.
type auditLog struct {
	mu      sync.Mutex
	entries []store.AuditEntry
}

func (a *auditLog) RecordAudit(_ context.Context, e store.AuditEntry) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return int64(len(a.entries)), nil
}

func (a *auditLog) Kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Kind)
	}
	return out
}

func (a *auditLog) Entries() []store.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]store.AuditEntry(nil), a.entries...)
}
