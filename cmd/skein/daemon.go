package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// DaemonStatusValue represents the health state of `skein serve`.
type DaemonStatusValue string

const (
	// StatusRunning means the PID file exists and the process is alive.
	StatusRunning DaemonStatusValue = "running"
	// StatusStopped means no PID file exists.
	StatusStopped DaemonStatusValue = "stopped"
	// StatusStale means the PID file exists but the process is dead.
	StatusStale DaemonStatusValue = "stale"
)

// ErrAlreadyRunning is returned when another serve process holds the lock.
var ErrAlreadyRunning = errors.New("skein serve is already running")

// daemonLock is the single-instance guard for serve: an exclusive flock on
// the lock file plus a PID file for `skein stop` and `skein status`.
type daemonLock struct {
	lock    *flock.Flock
	pidPath string
}

// acquireDaemonLock takes the lock without blocking and writes the PID file.
func acquireDaemonLock(lockPath, pidPath string) (*daemonLock, error) {
	l := flock.New(lockPath)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	if !ok {
		if pid, err := ReadPIDFile(pidPath); err == nil {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return nil, ErrAlreadyRunning
	}
	if err := WritePIDFile(pidPath, os.Getpid()); err != nil {
		_ = l.Unlock()
		return nil, err
	}
	return &daemonLock{lock: l, pidPath: pidPath}, nil
}

// release removes the PID file and drops the lock.
func (d *daemonLock) release() error {
	pidErr := RemovePIDFile(d.pidPath)
	if err := d.lock.Unlock(); err != nil {
		return errors.Join(pidErr, fmt.Errorf("release lock: %w", err))
	}
	return pidErr
}

// WritePIDFile writes pid to path.
func WritePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID from path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. A missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive sends signal 0 to pid.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// DaemonStatus checks the PID file and process liveness. It returns the
// status and the PID (0 if stopped).
func DaemonStatus(pidPath string) (DaemonStatusValue, int, error) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusStopped, 0, nil
		}
		return StatusStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	if IsProcessAlive(pid) {
		return StatusRunning, pid, nil
	}
	return StatusStale, pid, nil
}

// signalDaemon sends sig to the process named in the PID file.
func signalDaemon(pidPath string, sig syscall.Signal) (int, error) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return pid, fmt.Errorf("send %s to PID %d: %w", sig, pid, err)
	}
	return pid, nil
}
