package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"skein/pkg/ipc"
)

// SpawnRequest describes the worker to start for a session.
type SpawnRequest struct {
	SessionID    string
	WorkspaceDir string
}

// Process is a running worker as the manager sees it: a pipe pair for the
// IPC channel, a signal hook, and an exit notification.
type Process interface {
	PID() int
	// Stdin is the worker's inbound IPC stream.
	Stdin() io.WriteCloser
	// Stdout is the worker's outbound IPC stream.
	Stdout() io.ReadCloser
	// Signal delivers sig to the worker and everything it started.
	Signal(sig syscall.Signal) error
	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ExecSpawner runs `<Binary> <Args...>` as a child in its own process group.
// Each worker gets its own group so a signal reaches the worker and every
// agent subprocess below it, and so a Ctrl-C aimed at the orchestrator does
// not reach the worker.
type ExecSpawner struct {
	Binary string   // defaults to the running executable
	Args   []string // defaults to ["worker"]
	Env    []string // appended to the parent's environment
	// LogDir receives <LogDir>/<session>/worker.log with the worker's
	// stderr. Empty means the worker's stderr is the orchestrator's.
	LogDir string
	Logger *slog.Logger
}

// Spawn starts the worker. The child's IPC ends are plain os.Pipe files so
// reaping the process never closes the parent's ends before the last line
// has been read.
func (s *ExecSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	if err := ipc.ValidateSessionID(req.SessionID); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	bin := s.Binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		bin = self
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}

	//nolint:gosec // intentionally spawning worker subprocess
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), s.Env...)
	if req.WorkspaceDir != "" {
		if err := os.MkdirAll(req.WorkspaceDir, 0o700); err != nil {
			return nil, fmt.Errorf("create workspace %s: %w", req.WorkspaceDir, err)
		}
		cmd.Dir = req.WorkspaceDir
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	var logFile *os.File
	if s.LogDir != "" {
		dir := filepath.Join(s.LogDir, req.SessionID)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			closeAll(stdinR, stdinW, stdoutR, stdoutW)
			return nil, fmt.Errorf("create worker log dir %s: %w", dir, err)
		}
		logPath := filepath.Join(dir, "worker.log")
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is derived from the session id
		if err != nil {
			closeAll(stdinR, stdinW, stdoutR, stdoutW)
			return nil, fmt.Errorf("open worker log %s: %w", logPath, err)
		}
		cmd.Stderr = logFile
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("spawn worker for %s: %w", req.SessionID, err)
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW)
	if logFile != nil {
		_ = logFile.Close()
	}

	p := &execProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  stdinW,
		stdout: stdoutR,
		exited: make(chan struct{}),
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	go func() {
		err := cmd.Wait()
		close(p.exited)
		logger.Debug("worker reaped", "session", req.SessionID, "pid", p.pid, "error", err)
	}()
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	pid    int
	stdin  *os.File
	stdout *os.File
	exited chan struct{}
}

func (p *execProcess) PID() int                { return p.pid }
func (p *execProcess) Stdin() io.WriteCloser   { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser   { return p.stdout }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

// Signal targets the whole process group (negative pid). A group that is
// already gone is not an error.
func (p *execProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := unix.Kill(-p.pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %s to worker group %d: %w", sig, p.pid, err)
	}
	return nil
}
